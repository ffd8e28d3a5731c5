package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAESEncrypterForTest(key []byte) (cipher.BlockMode, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCBCEncrypter(block, make([]byte, aes.BlockSize)), nil
}

func marshalClaims(t *testing.T, digest []byte, mask *uint32) []byte {
	t.Helper()
	buf, err := cbor.Marshal(claims{Digest: digest, SyscallMask: mask})
	require.NoError(t, err)
	return buf
}

func buildSign1(t *testing.T, priv ed25519.PrivateKey, payload []byte, tagged bool) []byte {
	t.Helper()
	toBeSigned, err := buildToBeSigned("Signature1", []byte{}, payload)
	require.NoError(t, err)
	sig := ed25519.Sign(priv, toBeSigned)

	body, err := cbor.Marshal(cose4{Protected: []byte{}, Payload: payload, TagOrSig: sig})
	require.NoError(t, err)
	if !tagged {
		return body
	}
	raw, err := cbor.Marshal(cbor.RawTag{Number: coseTagSign1, Content: body})
	require.NoError(t, err)
	return raw
}

func buildMac0(t *testing.T, key, payload []byte) []byte {
	t.Helper()
	toBeMACed, err := buildToBeSigned("MAC0", []byte{}, payload)
	require.NoError(t, err)
	mac := hmac.New(sha256.New, key)
	mac.Write(toBeMACed)
	tag := mac.Sum(nil)

	body, err := cbor.Marshal(cose4{Protected: []byte{}, Payload: payload, TagOrSig: tag})
	require.NoError(t, err)
	raw, err := cbor.Marshal(cbor.RawTag{Number: coseTagMac0, Content: body})
	require.NoError(t, err)
	return raw
}

func TestSign1VerifiesAndExtractsClaims(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	ks := NewKeyStore()
	ks.SetSignKey(IdentitySlot, pub)

	mask := uint32(0b10110)
	payload := marshalClaims(t, []byte("digest-bytes-32-long-000000000"), &mask)
	token := buildSign1(t, priv, payload, true)

	c, err := verifyAndExtractClaims(ks, IdentitySlot, token)
	require.NoError(t, err)
	assert.Equal(t, []byte("digest-bytes-32-long-000000000"), c.Digest)
	require.NotNil(t, c.SyscallMask)
	assert.Equal(t, mask, *c.SyscallMask)
}

func TestUntaggedTokenDefaultsToSign1(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	ks := NewKeyStore()
	ks.SetSignKey(IdentitySlot, pub)

	payload := marshalClaims(t, []byte("d"), nil)
	token := buildSign1(t, priv, payload, false)

	_, err = verifyAndExtractClaims(ks, IdentitySlot, token)
	require.NoError(t, err)
}

func TestSign1RejectsTamperedSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	ks := NewKeyStore()
	ks.SetSignKey(IdentitySlot, pub)

	payload := marshalClaims(t, []byte("d"), nil)
	token := buildSign1(t, priv, payload, true)
	token[len(token)-1] ^= 0xFF

	_, err = verifyAndExtractClaims(ks, IdentitySlot, token)
	assert.Error(t, err)
}

func TestMac0VerifiesAndExtractsClaims(t *testing.T) {
	key := []byte("0123456789abcdef")
	ks := NewKeyStore()
	ks.SetMACKey(IdentitySlot, key)

	payload := marshalClaims(t, []byte("section-digest"), nil)
	token := buildMac0(t, key, payload)

	c, err := verifyAndExtractClaims(ks, IdentitySlot, token)
	require.NoError(t, err)
	assert.Equal(t, []byte("section-digest"), c.Digest)
}

func TestMac0RejectsWrongKey(t *testing.T) {
	ks := NewKeyStore()
	ks.SetMACKey(IdentitySlot, []byte("correct-key-aaaa"))

	payload := marshalClaims(t, []byte("d"), nil)
	token := buildMac0(t, []byte("wrong-key-bbbbbb"), payload)

	_, err := verifyAndExtractClaims(ks, IdentitySlot, token)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestEncrypt0IsRejectedAsUnsupported(t *testing.T) {
	body, err := cbor.Marshal(cose3{Protected: []byte{}, Ciphertext: []byte("opaque")})
	require.NoError(t, err)
	token, err := cbor.Marshal(cbor.RawTag{Number: coseTagEncrypt0, Content: body})
	require.NoError(t, err)

	ks := NewKeyStore()
	_, err = verifyAndExtractClaims(ks, IdentitySlot, token)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestDecryptAES128CBCRoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := make([]byte, 16)
	plain := []byte("0123456789abcdef") // one block

	block, err := newAESEncrypterForTest(key)
	require.NoError(t, err)
	ciphertext := make([]byte, len(plain))
	block.CryptBlocks(ciphertext, plain)

	out, err := decryptAES128CBC(key, iv, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}
