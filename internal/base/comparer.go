package base

import (
	"bytes"
	"encoding/binary"
)

// InternalKeyKind distinguishes a live value from a tombstone. It is
// encoded as a single byte inside an internal key and never affects key
// ordering (spec C1).
type InternalKeyKind uint8

const (
	// InternalKeyKindValue marks a live value written by Put.
	InternalKeyKindValue InternalKeyKind = 0
	// InternalKeyKindDelete marks a tombstone written by Delete.
	InternalKeyKindDelete InternalKeyKind = 1
)

func (k InternalKeyKind) String() string {
	switch k {
	case InternalKeyKindValue:
		return "SET"
	case InternalKeyKindDelete:
		return "DEL"
	default:
		return "UNKNOWN"
	}
}

// MaxSeqNum is the largest representable sequence number. Memtable point
// lookups seek to (userKey, MaxSeqNum, Value) to land on the newest visible
// entry for userKey, since higher sequence numbers sort first.
const MaxSeqNum = uint64(1<<64 - 1)

// MaxKeyLength is the largest user key this engine accepts (spec §3).
const MaxKeyLength = 1024

// internalKeyTrailerLen is the number of trailer bytes appended to a user
// key to form an internal key: 1 byte kind + 8 bytes sequence number.
const internalKeyTrailerLen = 9

// InternalKey is the decoded form of (user_key, sequence, kind). Encode
// produces the on-disk/in-memory byte representation; user code generally
// carries InternalKey values around decoded and only encodes at the point
// of insertion into a skip list or block.
type InternalKey struct {
	UserKey []byte
	SeqNum  uint64
	Kind    InternalKeyKind
}

// MakeInternalKey is a convenience constructor.
func MakeInternalKey(userKey []byte, seqNum uint64, kind InternalKeyKind) InternalKey {
	return InternalKey{UserKey: userKey, SeqNum: seqNum, Kind: kind}
}

// Encode writes user_key || kind(1) || sequence(8 big-endian) into buf,
// which must have length Size(). It returns buf for chaining.
func (k InternalKey) Encode(buf []byte) []byte {
	n := len(k.UserKey)
	copy(buf, k.UserKey)
	buf[n] = byte(k.Kind)
	binary.BigEndian.PutUint64(buf[n+1:], k.SeqNum)
	return buf
}

// EncodeToBytes allocates and returns the encoded internal key.
func (k InternalKey) EncodeToBytes() []byte {
	buf := make([]byte, k.Size())
	k.Encode(buf)
	return buf
}

// Size returns the number of bytes Encode writes.
func (k InternalKey) Size() int {
	return len(k.UserKey) + internalKeyTrailerLen
}

// DecodeInternalKey parses an encoded internal key. It fails on buffers
// shorter than the 9-byte trailer (spec §4.1).
func DecodeInternalKey(buf []byte) (InternalKey, error) {
	if len(buf) < internalKeyTrailerLen {
		return InternalKey{}, CorruptionErrorf("keldb: internal key too short (%d bytes)", len(buf))
	}
	n := len(buf) - internalKeyTrailerLen
	return InternalKey{
		UserKey: buf[:n],
		Kind:    InternalKeyKind(buf[n]),
		SeqNum:  binary.BigEndian.Uint64(buf[n+1:]),
	}, nil
}

// Compare implements the total order of spec §3: user_key ascending
// (unsigned lexicographic), then sequence number descending so that newer
// versions of the same user key sort first. Kind never participates.
func Compare(a, b []byte) int {
	ak, aerr := DecodeInternalKey(a)
	bk, berr := DecodeInternalKey(b)
	if aerr != nil || berr != nil {
		// Decoding only fails on malformed input, which should never reach
		// the comparator in normal operation; fall back to a raw compare
		// so callers see a consistent (if meaningless) order rather than a
		// panic deep in a skip list.
		return bytes.Compare(a, b)
	}
	return ak.Compare(bk)
}

// Compare orders two decoded internal keys per spec §3.
func (k InternalKey) Compare(other InternalKey) int {
	if c := CompareUserKeys(k.UserKey, other.UserKey); c != 0 {
		return c
	}
	switch {
	case k.SeqNum > other.SeqNum:
		return -1
	case k.SeqNum < other.SeqNum:
		return 1
	default:
		return 0
	}
}

// CompareUserKeys is the unsigned lexicographic comparator used for both
// user keys and, transitively, internal keys. It is the one comparator the
// spec exposes; no other ordering is supported.
func CompareUserKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}

// Equal reports whether two user keys are identical under CompareUserKeys.
func Equal(a, b []byte) bool {
	return bytes.Equal(a, b)
}

// FileNum identifies a WAL, SST, or manifest file. File numbers are
// allocated monotonically by the version set (spec §4.10) and are never
// reused.
type FileNum uint64

// DiskFileNum is an alias kept distinct from FileNum at the type level in
// the teacher's codebase to separate "logical" and "on-disk" numbering; in
// this engine the two coincide, so DiskFileNum is simply FileNum.
type DiskFileNum = FileNum

// ValidateKey rejects keys that violate spec §3's constraints: non-nil,
// nonempty, at most MaxKeyLength bytes.
func ValidateKey(key []byte) error {
	if len(key) == 0 {
		return InvalidArgumentErrorf("keldb: empty key")
	}
	if len(key) > MaxKeyLength {
		return InvalidArgumentErrorf("keldb: key length %d exceeds maximum %d", len(key), MaxKeyLength)
	}
	return nil
}
