package security

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/tinycontainer/supervisor/internal/metadata"
)

// IdentitySlot is the well-known key slot the device identity key lives in;
// every token this package checks is verified against it unless a future
// caller threads through a different slot per container.
const IdentitySlot = 0

// CheckMetadata verifies all three section tokens carried in env's security
// object against the key held in IdentitySlot and returns the capability
// bitmask extracted from the container's syscall_mask_token. Any parse
// failure, algorithm mismatch, signature/MAC failure or digest mismatch
// returns a non-nil error and a zero mask; callers must treat that as
// verification failure as a whole; no section is reported as verified
// individually.
func CheckMetadata(ks *KeyStore, env *metadata.Envelope, codeBytes, dataBytes []byte) (uint32, error) {
	if err := verifySectionToken(ks, env.Security.CodeToken, codeBytes); err != nil {
		return 0, fmt.Errorf("security: code token: %w", err)
	}
	if err := verifySectionToken(ks, env.Security.DataToken, dataBytes); err != nil {
		return 0, fmt.Errorf("security: data token: %w", err)
	}
	if err := verifyMetadataToken(ks, env); err != nil {
		return 0, fmt.Errorf("security: metadata token: %w", err)
	}

	maskClaims, err := verifyAndExtractClaims(ks, IdentitySlot, env.Container.SyscallMaskToken)
	if err != nil {
		return 0, fmt.Errorf("security: syscall mask token: %w", err)
	}
	if maskClaims.SyscallMask == nil {
		return 0, fmt.Errorf("security: syscall mask token carries no mask claim")
	}
	return *maskClaims.SyscallMask, nil
}

func verifySectionToken(ks *KeyStore, token, section []byte) error {
	c, err := verifyAndExtractClaims(ks, IdentitySlot, token)
	if err != nil {
		return err
	}
	if len(c.Digest) == 0 {
		return fmt.Errorf("security: token carries no digest claim")
	}
	if !digestMatches(c.Digest, section) {
		return ErrDigestMismatch
	}
	return nil
}

// verifyMetadataToken checks the metadata-token's digest against the
// envelope bytes minus the token's own trailing encoding. The original
// verifier computed that exclusion length as a hard-coded constant (raw
// length minus 111); this recomputes it from the actual token bytes by
// re-encoding them as a CBOR byte string and measuring the result, so it
// stays correct regardless of token size.
func verifyMetadataToken(ks *KeyStore, env *metadata.Envelope) error {
	c, err := verifyAndExtractClaims(ks, IdentitySlot, env.Security.MetadataToken)
	if err != nil {
		return err
	}
	if len(c.Digest) == 0 {
		return fmt.Errorf("security: metadata token carries no digest claim")
	}

	excluded, err := selfExcludedEnvelope(env.Raw, env.Security.MetadataToken)
	if err != nil {
		return err
	}
	if !digestMatches(c.Digest, excluded) {
		return ErrDigestMismatch
	}
	return nil
}

// selfExcludedEnvelope returns raw with the trailing CBOR encoding of
// metadataToken stripped off. It assumes the metadata_token is the last
// element of the security array, which is itself the envelope's last
// top-level field (field 3) — true for any encoder that emits the three
// envelope fields and the eight security elements in the order the grammar
// declares them, which is what the digest is defined over.
func selfExcludedEnvelope(raw, metadataToken []byte) ([]byte, error) {
	trailer, err := cbor.Marshal(metadataToken)
	if err != nil {
		return nil, fmt.Errorf("security: re-encode metadata token: %w", err)
	}
	if len(trailer) > len(raw) || !bytes.HasSuffix(raw, trailer) {
		return nil, fmt.Errorf("security: metadata token is not the envelope's trailing element")
	}
	return raw[:len(raw)-len(trailer)], nil
}
