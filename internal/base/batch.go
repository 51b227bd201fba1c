package base

import "encoding/binary"

// BatchOp is one operation inside a write batch: either a PUT (Kind ==
// InternalKeyKindValue, Value set) or a DELETE (Kind ==
// InternalKeyKindDelete, Value nil).
type BatchOp struct {
	Kind  InternalKeyKind
	Key   []byte
	Value []byte
}

// EncodeBatch serializes a batch per spec §4.5:
// start_sequence(8) || { kind(1) | key_len(4) | key | [value_len(4) | value] }*
func EncodeBatch(startSeq uint64, ops []BatchOp) []byte {
	size := 8
	for _, op := range ops {
		size += 1 + 4 + len(op.Key)
		if op.Kind != InternalKeyKindDelete {
			size += 4 + len(op.Value)
		}
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf, startSeq)
	off := 8
	for _, op := range ops {
		buf[off] = byte(op.Kind)
		off++
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(op.Key)))
		off += 4
		off += copy(buf[off:], op.Key)
		if op.Kind != InternalKeyKindDelete {
			binary.LittleEndian.PutUint32(buf[off:], uint32(len(op.Value)))
			off += 4
			off += copy(buf[off:], op.Value)
		}
	}
	return buf[:off]
}

// DecodeBatch parses a record payload produced by EncodeBatch.
func DecodeBatch(buf []byte) (startSeq uint64, ops []BatchOp, err error) {
	if len(buf) < 8 {
		return 0, nil, CorruptionErrorf("keldb/batch: record too short (%d bytes)", len(buf))
	}
	startSeq = binary.LittleEndian.Uint64(buf)
	off := 8
	for off < len(buf) {
		if off+5 > len(buf) {
			return 0, nil, CorruptionErrorf("keldb/batch: truncated operation header")
		}
		kind := InternalKeyKind(buf[off])
		off++
		keyLen := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		if keyLen < 0 || off+keyLen > len(buf) {
			return 0, nil, CorruptionErrorf("keldb/batch: truncated key")
		}
		key := buf[off : off+keyLen]
		off += keyLen

		var value []byte
		if kind != InternalKeyKindDelete {
			if off+4 > len(buf) {
				return 0, nil, CorruptionErrorf("keldb/batch: truncated value length")
			}
			valLen := int(binary.LittleEndian.Uint32(buf[off:]))
			off += 4
			if valLen < 0 || off+valLen > len(buf) {
				return 0, nil, CorruptionErrorf("keldb/batch: truncated value")
			}
			value = buf[off : off+valLen]
			off += valLen
		}
		ops = append(ops, BatchOp{Kind: kind, Key: key, Value: value})
	}
	return startSeq, ops, nil
}

// Count returns the number of sequence numbers a batch with n ops
// consumes: one per op (spec §3).
func Count(ops []BatchOp) int { return len(ops) }
