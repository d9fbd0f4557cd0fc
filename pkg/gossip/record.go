package gossip

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/ugorji/go/codec"
)

// LabelKind identifies the semantic category of a record. The set of kinds
// is closed; unknown kinds are rejected at the wire boundary.
type LabelKind uint8

const (
	LabelContactInfo LabelKind = iota + 1
	LabelVote
	LabelHealth
	LabelLowestSlot
	LabelSnapshotHashes
)

func (k LabelKind) String() string {
	switch k {
	case LabelContactInfo:
		return "contact-info"
	case LabelVote:
		return "vote"
	case LabelHealth:
		return "health"
	case LabelLowestSlot:
		return "lowest-slot"
	case LabelSnapshotHashes:
		return "snapshot-hashes"
	default:
		return "unknown"
	}
}

// Label distinguishes the records a single origin may publish. Index
// separates multiple live records of the same kind, such as a tower of
// recent votes.
type Label struct {
	Kind  LabelKind `codec:"kind"`
	Index uint8     `codec:"index"`
}

// Key uniquely identifies a live record: at most one record is stored per
// (origin, label) pair.
type Key struct {
	Origin string
	Label  Label
}

// Value is a typed record payload. The implementations form a closed set
// matching the label kinds.
type Value interface {
	kind() LabelKind
}

// ContactInfo advertises how to reach a node.
type ContactInfo struct {
	// Addr is the address other nodes use to gossip with this node.
	Addr string `codec:"addr"`
}

func (ContactInfo) kind() LabelKind { return LabelContactInfo }

// Vote records an observed vote by the origin.
type Vote struct {
	Slot uint64 `codec:"slot"`
	// Transaction is the opaque, already-verified vote transaction.
	Transaction []byte `codec:"transaction"`
}

func (Vote) kind() LabelKind { return LabelVote }

// Health is a heartbeat counter incremented by the origin. Liveness is
// inferred from the record ageing out of the table rather than from the
// counter value itself.
type Health struct {
	Counter uint64 `codec:"counter"`
}

func (Health) kind() LabelKind { return LabelHealth }

// LowestSlot advertises the lowest slot the origin still stores.
type LowestSlot struct {
	Slot uint64 `codec:"slot"`
}

func (LowestSlot) kind() LabelKind { return LabelLowestSlot }

// SlotHash pairs a slot with the hash of its snapshot.
type SlotHash struct {
	Slot uint64 `codec:"slot"`
	Hash uint64 `codec:"hash"`
}

// SnapshotHashes advertises the snapshots the origin can serve.
type SnapshotHashes struct {
	Full        SlotHash   `codec:"full"`
	Incremental []SlotHash `codec:"incremental"`
}

func (SnapshotHashes) kind() LabelKind { return LabelSnapshotHashes }

// Record is an immutable, versioned entry in the replicated table.
//
// Records are replaced, never edited: an "update" is a new record for the
// same key that wins the version comparison. The payload bytes are the
// origin's canonical encoding and are relayed verbatim, so the content hash
// is identical on every node that stores the record.
type Record struct {
	// Origin is the node that created the record.
	Origin string

	Label Label

	// Wallclock is the origin-supplied timestamp in milliseconds. It is
	// advisory and only used for version comparison.
	Wallclock uint64

	value   Value
	payload []byte
	hash    uint64
}

// NewRecord creates a record originated by the given node.
func NewRecord(origin string, label Label, value Value, wallclock uint64) (*Record, error) {
	if label.Kind != value.kind() {
		return nil, fmt.Errorf("label kind %s does not match value", label.Kind)
	}

	payload, err := encodePayload(value)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	r := &Record{
		Origin:    origin,
		Label:     label,
		Wallclock: wallclock,
		value:     value,
		payload:   payload,
	}
	r.hash = hashRecord(r.wire())
	return r, nil
}

func (r *Record) Key() Key {
	return Key{
		Origin: r.Origin,
		Label:  r.Label,
	}
}

// Value returns the decoded typed payload.
func (r *Record) Value() Value {
	return r.value
}

// Hash returns the deterministic content hash of the record.
func (r *Record) Hash() uint64 {
	return r.hash
}

// Supersedes reports whether r replaces other when both share a key. The
// record with the strictly greater wallclock wins; ties are broken by
// comparing content hashes so every node converges on the same winner
// regardless of arrival order.
func (r *Record) Supersedes(other *Record) bool {
	if r.Wallclock != other.Wallclock {
		return r.Wallclock > other.Wallclock
	}
	return r.hash > other.hash
}

func (r *Record) wire() recordWire {
	return recordWire{
		Origin:    r.Origin,
		Kind:      uint8(r.Label.Kind),
		Index:     r.Label.Index,
		Wallclock: r.Wallclock,
		Payload:   r.payload,
	}
}

// recordWire is the wire form of a record. Payload contains the canonical
// encoding of the typed value.
type recordWire struct {
	Origin    string `codec:"origin"`
	Kind      uint8  `codec:"kind"`
	Index     uint8  `codec:"index"`
	Wallclock uint64 `codec:"wallclock"`
	Payload   []byte `codec:"payload"`
}

// fromWire decodes a received record, dispatching on the closed set of label
// kinds. Unknown kinds and undecodable payloads are malformed input and
// rejected.
func fromWire(w recordWire) (*Record, error) {
	var value Value
	switch LabelKind(w.Kind) {
	case LabelContactInfo:
		value = &ContactInfo{}
	case LabelVote:
		value = &Vote{}
	case LabelHealth:
		value = &Health{}
	case LabelLowestSlot:
		value = &LowestSlot{}
	case LabelSnapshotHashes:
		value = &SnapshotHashes{}
	default:
		return nil, fmt.Errorf("unknown label kind: %d", w.Kind)
	}

	if err := decodePayload(w.Payload, value); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	return &Record{
		Origin:    w.Origin,
		Label:     Label{Kind: LabelKind(w.Kind), Index: w.Index},
		Wallclock: w.Wallclock,
		value:     deref(value),
		payload:   w.Payload,
		hash:      hashRecord(w),
	}, nil
}

func deref(v Value) Value {
	switch t := v.(type) {
	case *ContactInfo:
		return *t
	case *Vote:
		return *t
	case *Health:
		return *t
	case *LowestSlot:
		return *t
	case *SnapshotHashes:
		return *t
	default:
		return v
	}
}

// hashRecord computes the content hash over the canonical encoding of the
// wire form. The payload bytes are the origin's encoding relayed verbatim,
// so the hash is stable across nodes.
func hashRecord(w recordWire) uint64 {
	var d xxhash.Digest
	d.Reset()

	var scratch [8]byte
	_, _ = d.WriteString(w.Origin)
	_, _ = d.Write([]byte{w.Kind, w.Index})
	binary.BigEndian.PutUint64(scratch[:], w.Wallclock)
	_, _ = d.Write(scratch[:])
	_, _ = d.Write(w.Payload)
	return d.Sum64()
}

func encodePayload(value Value) ([]byte, error) {
	var buf bytes.Buffer
	handle := canonicalHandle()
	if err := codec.NewEncoder(&buf, handle).Encode(value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodePayload(b []byte, value Value) error {
	handle := canonicalHandle()
	return codec.NewDecoder(bytes.NewReader(b), handle).Decode(value)
}

// canonicalHandle returns a msgpack handle configured for deterministic
// output, required for stable content hashing.
func canonicalHandle() *codec.MsgpackHandle {
	var handle codec.MsgpackHandle
	handle.Canonical = true
	return &handle
}
