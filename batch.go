package keldb

import (
	"github.com/keldb/keldb/internal/base"
)

// maxBatchBytes bounds the total encoded size of one batch (spec §6's
// oversized-batch rejection). It has no bearing on the record log's own
// framing, which fragments arbitrarily long records across blocks; it
// exists purely so a pathological caller gets an immediate
// InvalidArgument instead of an enormous single WAL record.
const maxBatchBytes = 32 << 20

// Batch accumulates Put/Delete operations for atomic application via
// DB.Write (spec §4.13/§6's write_batch).
type Batch struct {
	ops   []base.BatchOp
	bytes int
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Put stages a PUT. Keys and values are validated immediately so a bad
// entry fails before any other operation in the batch is attempted.
func (b *Batch) Put(key, value []byte) error {
	if err := base.ValidateKey(key); err != nil {
		return err
	}
	if value == nil || len(value) == 0 {
		return base.InvalidArgumentErrorf("keldb: value must be non-empty (empty values are reserved for deletions)")
	}
	return b.add(base.BatchOp{Kind: base.InternalKeyKindValue, Key: key, Value: value})
}

// Delete stages a DELETE (tombstone).
func (b *Batch) Delete(key []byte) error {
	if err := base.ValidateKey(key); err != nil {
		return err
	}
	return b.add(base.BatchOp{Kind: base.InternalKeyKindDelete, Key: key})
}

func (b *Batch) add(op base.BatchOp) error {
	size := 1 + 4 + len(op.Key)
	if op.Kind != base.InternalKeyKindDelete {
		size += 4 + len(op.Value)
	}
	if b.bytes+size > maxBatchBytes {
		return base.InvalidArgumentErrorf("keldb: batch exceeds maximum size of %d bytes", maxBatchBytes)
	}
	b.ops = append(b.ops, op)
	b.bytes += size
	return nil
}

// Len returns the number of staged operations.
func (b *Batch) Len() int { return len(b.ops) }

// Empty reports whether the batch has no staged operations.
func (b *Batch) Empty() bool { return len(b.ops) == 0 }
