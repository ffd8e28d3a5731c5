// Package metadata decodes the binary metadata envelope carried alongside
// every container image: a CBOR byte string tagged with a fixed application
// tag, wrapping a container descriptor, an endpoint table, and a security
// object carrying the three authentication tokens verified by
// internal/security.
//
// Grounded on sys/tinycontainer/metadata/metadata.c and the nanocbor-based
// parse routines in the original sources: unknown map keys are rejected,
// enumerations are range-checked, and SearchEndpoint looks up a single
// endpoint id (it decodes the whole endpoint table to do so).
package metadata

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// EnvelopeTag is the 64-bit application tag every metadata envelope is
// wrapped in (#6.6082514239057121876 in the grammar).
const EnvelopeTag uint64 = 6082514239057121876

var (
	// ErrWrongTag is returned when the outer CBOR item is not tagged with
	// EnvelopeTag.
	ErrWrongTag = errors.New("metadata: wrong envelope tag")
	// ErrUnknownField is returned when a map carries a key the grammar does
	// not define.
	ErrUnknownField = errors.New("metadata: unknown field in envelope")
	// ErrBadEnum is returned when peer_type or direction is out of range.
	ErrBadEnum = errors.New("metadata: enum value out of range")
	// ErrMissingPeerUID is returned when an endpoint's peer_type is
	// CONTAINER but peer_uid is absent.
	ErrMissingPeerUID = errors.New("metadata: container peer requires peer_uid")
	// ErrNotFound is returned by SearchEndpoint when no endpoint matches.
	ErrNotFound = errors.New("metadata: endpoint not found")
)

// decMode rejects CBOR maps that carry a key not present in the destination
// struct; this is what makes unknown envelope fields a parse failure instead
// of being silently ignored.
var decMode = func() cbor.DecMode {
	mode, err := cbor.DecOptions{ExtraReturnErrors: cbor.ExtraDecErrorUnknownField}.DecMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// PeerType identifies the kind of peer an endpoint connects to.
type PeerType uint8

const (
	PeerContainer PeerType = 0
	PeerLocal     PeerType = 1
	PeerRemote    PeerType = 2
)

// Direction constrains which way bytes flow across an endpoint.
type Direction uint8

const (
	DirIn   Direction = 0
	DirOut  Direction = 1
	DirBoth Direction = 2
)

// Container is the parsed `container` sub-object.
type Container struct {
	UID              []byte
	RuntimeType      uint8
	SyscallMaskToken []byte
}

// Endpoint is one record of the `endpoints` array.
type Endpoint struct {
	ID             uint32
	PeerType       PeerType
	PeerUID        []byte
	PeerEndpointID uint32
	Direction      Direction
	Token          []byte
}

// Security is the parsed `security` sub-object: timing budgets plus the
// three section authentication tokens.
type Security struct {
	StartMaxDuration uint32
	LoopPeriod       uint32
	LoopMaxDuration  uint32
	LoopMaxLifetime  uint32
	StopMaxDuration  uint32
	DataToken        []byte
	CodeToken        []byte
	MetadataToken    []byte
}

// Envelope is the fully parsed metadata envelope for one container.
type Envelope struct {
	Container Container
	Endpoints []Endpoint
	Security  Security

	// Raw holds the exact bytes Parse was given. internal/security needs
	// it to recompute the metadata-token's self-excluding digest: the
	// digest covers these bytes minus the trailing encoded metadata_token
	// bstr.
	Raw []byte
}

type rawEnvelope struct {
	Container []byte `cbor:"1,keyasint"`
	Endpoints []byte `cbor:"2,keyasint"`
	Security  []byte `cbor:"3,keyasint"`
}

type rawContainer struct {
	UID         []byte `cbor:"1,keyasint"`
	RuntimeType uint8  `cbor:"2,keyasint"`
	CWT         []byte `cbor:"3,keyasint"`
}

type rawEndpoint struct {
	ID             uint32 `cbor:"1,keyasint"`
	PeerType       uint8  `cbor:"2,keyasint"`
	PeerUID        []byte `cbor:"3,keyasint,omitempty"`
	PeerEndpointID uint32 `cbor:"4,keyasint"`
	Direction      uint8  `cbor:"5,keyasint"`
	CWT            []byte `cbor:"6,keyasint,omitempty"`
}

type rawSecurity struct {
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

// Parse decodes and validates a full metadata envelope. Any malformed CBOR,
// unknown key, or out-of-range enum value is a parse failure; no partial
// Envelope is returned on error.
func Parse(raw []byte) (*Envelope, error) {
	var tag cbor.RawTag
	if err := decMode.Unmarshal(raw, &tag); err != nil {
		return nil, fmt.Errorf("metadata: decode envelope tag: %w", err)
	}
	if tag.Number != EnvelopeTag {
		return nil, fmt.Errorf("%w: got %d", ErrWrongTag, tag.Number)
	}

	var env rawEnvelope
	if err := decMode.Unmarshal(tag.Content, &env); err != nil {
		return nil, unknownFieldOr(err, "envelope")
	}

	container, err := parseContainer(env.Container)
	if err != nil {
		return nil, err
	}

	endpoints, err := parseEndpoints(env.Endpoints)
	if err != nil {
		return nil, err
	}

	security, err := parseSecurity(env.Security)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Container: container,
		Endpoints: endpoints,
		Security:  security,
		Raw:       append([]byte(nil), raw...),
	}, nil
}

func parseContainer(buf []byte) (Container, error) {
	var rc rawContainer
	if err := decMode.Unmarshal(buf, &rc); err != nil {
		return Container{}, unknownFieldOr(err, "container")
	}
	return Container{
		UID:              rc.UID,
		RuntimeType:      rc.RuntimeType,
		SyscallMaskToken: rc.CWT,
	}, nil
}

func parseEndpoints(buf []byte) ([]Endpoint, error) {
	var raws []rawEndpoint
	if err := decMode.Unmarshal(buf, &raws); err != nil {
		return nil, unknownFieldOr(err, "endpoints")
	}

	out := make([]Endpoint, 0, len(raws))
	for i := range raws {
		ep, err := validateEndpoint(raws[i])
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

func validateEndpoint(r rawEndpoint) (Endpoint, error) {
	if r.PeerType > uint8(PeerRemote) {
		return Endpoint{}, fmt.Errorf("%w: peer_type=%d", ErrBadEnum, r.PeerType)
	}
	if r.Direction > uint8(DirBoth) {
		return Endpoint{}, fmt.Errorf("%w: direction=%d", ErrBadEnum, r.Direction)
	}
	if PeerType(r.PeerType) == PeerContainer && len(r.PeerUID) == 0 {
		return Endpoint{}, ErrMissingPeerUID
	}
	return Endpoint{
		ID:             r.ID,
		PeerType:       PeerType(r.PeerType),
		PeerUID:        r.PeerUID,
		PeerEndpointID: r.PeerEndpointID,
		Direction:      Direction(r.Direction),
		Token:          r.CWT,
	}, nil
}

func parseSecurity(buf []byte) (Security, error) {
	var rs rawSecurity
	if err := decMode.Unmarshal(buf, &rs); err != nil {
		return Security{}, unknownFieldOr(err, "security")
	}
	return Security{
		StartMaxDuration: rs.StartMaxDuration,
		LoopPeriod:       rs.LoopPeriod,
		LoopMaxDuration:  rs.LoopMaxDuration,
		LoopMaxLifetime:  rs.LoopMaxLifetime,
		StopMaxDuration:  rs.StopMaxDuration,
		DataToken:        rs.DataToken,
		CodeToken:        rs.CodeToken,
		MetadataToken:    rs.MetadataToken,
	}, nil
}

// SearchEndpoint returns the first endpoint in buf (the raw `endpoints`
// bstr payload) whose id matches. It decodes and validates the whole table
// the same way Parse does and then scans the result, so the full table is
// materialized even when only one id is wanted, and an invalid entry
// anywhere in the table fails the search.
func SearchEndpoint(buf []byte, id uint32) (Endpoint, error) {
	endpoints, err := parseEndpoints(buf)
	if err != nil {
		return Endpoint{}, err
	}
	for _, ep := range endpoints {
		if ep.ID == id {
			return ep, nil
		}
	}
	return Endpoint{}, fmt.Errorf("%w: id=%d", ErrNotFound, id)
}

func unknownFieldOr(err error, what string) error {
	if bytes.Contains([]byte(err.Error()), []byte("unknown field")) {
		return fmt.Errorf("%w in %s: %v", ErrUnknownField, what, err)
	}
	return fmt.Errorf("metadata: decode %s: %w", what, err)
}
