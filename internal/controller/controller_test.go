package controller

import (
	"crypto/ed25519"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinycontainer/supervisor/internal/memmgr"
	"github.com/tinycontainer/supervisor/internal/metadata"
	"github.com/tinycontainer/supervisor/internal/security"
)

type wireContainer struct {
	UID         []byte `cbor:"1,keyasint"`
	RuntimeType uint8  `cbor:"2,keyasint"`
	CWT         []byte `cbor:"3,keyasint"`
}

type wireSecurity struct {
	_                struct{} `cbor:",toarray"`
	StartMaxDuration uint32
	LoopPeriod       uint32
	LoopMaxDuration  uint32
	LoopMaxLifetime  uint32
	StopMaxDuration  uint32
	DataToken        []byte
	CodeToken        []byte
	MetadataToken    []byte
}

type wireEnvelope struct {
	Container []byte `cbor:"1,keyasint"`
	Endpoints []byte `cbor:"2,keyasint"`
	Security  []byte `cbor:"3,keyasint"`
}

type wireClaims struct {
	Digest      []byte  `cbor:"-65536,keyasint,omitempty"`
	SyscallMask *uint32 `cbor:"-65537,keyasint,omitempty"`
}

func sign1(t *testing.T, priv ed25519.PrivateKey, payload []byte) []byte {
	t.Helper()
	toBeSigned, err := cbor.Marshal(struct {
		_           struct{} `cbor:",toarray"`
		Context     string
		Protected   []byte
		ExternalAAD []byte
		Payload     []byte
	}{Context: "Signature1", Protected: []byte{}, ExternalAAD: []byte{}, Payload: payload})
	require.NoError(t, err)
	sig := ed25519.Sign(priv, toBeSigned)

	body, err := cbor.Marshal(struct {
		_           struct{} `cbor:",toarray"`
		Protected   []byte
		Unprotected cbor.RawMessage
		Payload     []byte
		Signature   []byte
	}{Protected: []byte{}, Payload: payload, Signature: sig})
	require.NoError(t, err)

	raw, err := cbor.Marshal(cbor.RawTag{Number: 18, Content: body})
	require.NoError(t, err)
	return raw
}

// buildImage assembles the metadata section for a (metadata, code, data)
// triple over codeBytes and dataBytes; its four tokens are all valid SIGN1
// tokens under priv.
func buildImage(t *testing.T, priv ed25519.PrivateKey, codeBytes, dataBytes []byte, mask uint32) []byte {
	t.Helper()

	maskPayload, err := cbor.Marshal(wireClaims{SyscallMask: &mask})
	require.NoError(t, err)
	maskToken := sign1(t, priv, maskPayload)

	containerBuf, err := cbor.Marshal(wireContainer{UID: []byte("uid-1"), RuntimeType: 1, CWT: maskToken})
	require.NoError(t, err)
	endpointsBuf, err := cbor.Marshal([]struct{}{})
	require.NoError(t, err)

	codeDigest := sha256.Sum256(codeBytes)
	codeToken := sign1(t, priv, mustMarshalClaims(t, codeDigest[:]))
	dataDigest := sha256.Sum256(dataBytes)
	dataToken := sign1(t, priv, mustMarshalClaims(t, dataDigest[:]))

	// The metadata token's digest covers the envelope minus the token's own
	// trailing encoding: build it around a same-length placeholder first.
	placeholder := sign1(t, priv, mustMarshalClaims(t, make([]byte, sha256.Size)))
	securityBuf, err := cbor.Marshal(wireSecurity{
		LoopPeriod: 500, DataToken: dataToken, CodeToken: codeToken, MetadataToken: placeholder,
	})
	require.NoError(t, err)
	envelopeBuf, err := cbor.Marshal(wireEnvelope{Container: containerBuf, Endpoints: endpointsBuf, Security: securityBuf})
	require.NoError(t, err)
	withPlaceholder, err := cbor.Marshal(cbor.RawTag{Number: metadata.EnvelopeTag, Content: envelopeBuf})
	require.NoError(t, err)
	trailer, err := cbor.Marshal(placeholder)
	require.NoError(t, err)
	prefix := withPlaceholder[:len(withPlaceholder)-len(trailer)]

	metaDigest := sha256.Sum256(prefix)
	metadataToken := sign1(t, priv, mustMarshalClaims(t, metaDigest[:]))

	securityBuf, err = cbor.Marshal(wireSecurity{
		LoopPeriod: 500, DataToken: dataToken, CodeToken: codeToken, MetadataToken: metadataToken,
	})
	require.NoError(t, err)
	envelopeBuf, err = cbor.Marshal(wireEnvelope{Container: containerBuf, Endpoints: endpointsBuf, Security: securityBuf})
	require.NoError(t, err)
	raw, err := cbor.Marshal(cbor.RawTag{Number: metadata.EnvelopeTag, Content: envelopeBuf})
	require.NoError(t, err)
	return raw
}

func mustMarshalClaims(t *testing.T, digest []byte) []byte {
	t.Helper()
	buf, err := cbor.Marshal(wireClaims{Digest: digest})
	require.NoError(t, err)
	return buf
}

func newTestController(t *testing.T, maxSlots int, pub ed25519.PublicKey) *Controller {
	t.Helper()
	limits := memmgr.DefaultLimits()
	limits.MaxSlots = maxSlots
	mm := memmgr.NewManager(limits)
	ks := security.NewKeyStore()
	ks.SetSignKey(security.IdentitySlot, pub)
	return New(mm, ks, &fakeIODriver{}, 50*time.Millisecond)
}

type fakeIODriver struct {
	openFD   int
	writes   [][]byte
	readData []byte
}

func (f *fakeIODriver) Open(peerEndpointID uint32) (int, error) { f.openFD++; return f.openFD, nil }
func (f *fakeIODriver) Close(fd int) error                      { return nil }
func (f *fakeIODriver) Read(fd int, max int) ([]byte, error)    { return f.readData, nil }
func (f *fakeIODriver) Write(fd int, data []byte) (int, error) {
	f.writes = append(f.writes, append([]byte(nil), data...))
	return len(data), nil
}

type fakeScheduler struct {
	started map[int]bool
}

func newFakeScheduler() *fakeScheduler { return &fakeScheduler{started: make(map[int]bool)} }

func (f *fakeScheduler) Start(slotID int) error   { f.started[slotID] = true; return nil }
func (f *fakeScheduler) Stop(slotID int) error     { delete(f.started, slotID); return nil }
func (f *fakeScheduler) IsRunning(slotID int) bool { return f.started[slotID] }
func (f *fakeScheduler) WaitStopped(slotID int, timeout time.Duration) bool {
	return true
}

func TestLoadSucceedsWithValidImage(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	c := newTestController(t, 4, pub)

	code := []byte("guest-code-bytes")
	data := []byte("guest-data-bytes")
	meta := buildImage(t, priv, code, data, 0b00101)

	slotID, err := c.Load(meta, code, data)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, slotID, 0)

	mask, err := c.mm.SyscallMask(slotID)
	require.NoError(t, err)
	assert.Equal(t, uint32(0b00101), mask)
}

func TestLoadFreesSlotOnBadSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	c := newTestController(t, 1, pub)

	code := []byte("guest-code-bytes")
	data := []byte("guest-data-bytes")
	meta := buildImage(t, priv, code, data, 1)
	meta[len(meta)-1] ^= 0xFF // tamper the metadata token's signature

	_, err = c.Load(meta, code, data)
	assert.Error(t, err)

	// The slot must have been freed: a second load with the same
	// MaxSlots=1 limit must succeed, proving no slot leaked.
	goodMeta := buildImage(t, priv, code, data, 1)
	_, err = c.Load(goodMeta, code, data)
	assert.NoError(t, err)
}

func TestLoadExhaustsSlotsCleanly(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	c := newTestController(t, 1, pub)

	code := []byte("code")
	data := []byte("data")
	meta1 := buildImage(t, priv, code, data, 1)
	_, err = c.Load(meta1, code, data)
	require.NoError(t, err)

	meta2 := buildImage(t, priv, code, data, 1)
	_, err = c.Load(meta2, code, data)
	assert.ErrorIs(t, err, memmgr.ErrNoFreeSlot)
}

func TestStartStopIsRunningDelegateToScheduler(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	c := newTestController(t, 2, pub)
	sched := newFakeScheduler()
	c.SetScheduler(sched)

	code := []byte("code")
	data := []byte("data")
	meta := buildImage(t, priv, code, data, 1)
	_, err = c.Load(meta, code, data)
	require.NoError(t, err)

	require.NoError(t, c.Start([]byte("uid-1")))
	running, err := c.IsRunning([]byte("uid-1"))
	require.NoError(t, err)
	assert.True(t, running)

	require.NoError(t, c.Stop([]byte("uid-1")))
	running, err = c.IsRunning([]byte("uid-1"))
	require.NoError(t, err)
	assert.False(t, running)
}

func TestDeleteFreesSlotAndReleasesMailbox(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	c := newTestController(t, 1, pub)
	c.SetScheduler(newFakeScheduler())

	code := []byte("code")
	data := []byte("data")
	meta := buildImage(t, priv, code, data, 1)
	slotID, err := c.Load(meta, code, data)
	require.NoError(t, err)

	require.True(t, c.mailbox.tryAcquire(slotID))
	require.NoError(t, c.Delete([]byte("uid-1")))

	assert.False(t, c.mailbox.locked, "mailbox must be released when its owning slot is deleted")

	_, err = c.GetSlotID([]byte("uid-1"))
	assert.Error(t, err, "a deleted uid must not resolve to a slot anymore")
}
