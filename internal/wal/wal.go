// Package wal implements the write-ahead log (spec §4.5, C5) on top of the
// block-framed record log in internal/record. Each WAL record is a
// serialized write batch (internal/base.EncodeBatch); recovery replays
// batches in order along with their start sequence numbers.
package wal

import (
	"io"
	"math"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/keldb/keldb/internal/base"
	"github.com/keldb/keldb/internal/record"
)

// Logger receives recovery warnings (corrupt records skipped, sequence
// numbers repaired). It matches the minimal logging surface described in
// SPEC_FULL.md §6/Options.Logger.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Writer appends write batches to a WAL file.
type Writer struct {
	f   *os.File
	rw  *record.Writer
	num base.FileNum
}

// Create opens a fresh WAL file at path, truncating any existing contents.
func Create(path string, num base.FileNum) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "keldb/wal: create %s", path)
	}
	return &Writer{f: f, rw: record.NewWriter(f), num: num}, nil
}

// FileNum returns the file number this WAL was allocated.
func (w *Writer) FileNum() base.FileNum { return w.num }

// Append serializes and appends a batch. It does not sync; callers decide
// the durability tradeoff via Flush/Sync (spec §4.5).
func (w *Writer) Append(startSeq uint64, ops []base.BatchOp) error {
	payload := base.EncodeBatch(startSeq, ops)
	if err := w.rw.WriteRecord(payload); err != nil {
		return errors.Wrap(err, "keldb/wal: append")
	}
	return nil
}

// Flush forces buffered record bytes to the OS (write(2)), but not
// necessarily to stable storage.
func (w *Writer) Flush() error {
	if err := w.rw.Flush(); err != nil {
		return err
	}
	return nil
}

// Sync forces the WAL to stable storage (fsync(2)).
func (w *Writer) Sync() error {
	if err := w.Flush(); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return errors.Wrap(err, "keldb/wal: fsync")
	}
	return nil
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		_ = w.f.Close()
		return err
	}
	return errors.Wrap(w.f.Close(), "keldb/wal: close")
}

// RecoveredBatch is one batch replayed from a WAL file.
type RecoveredBatch struct {
	StartSeq uint64
	Ops      []base.BatchOp
}

// Recover reads every batch out of the WAL file at path. Corrupt records
// are skipped (with a warning via log, if non-nil); recovery continues
// with the next record, per spec §4.5/§7's prefix-recovery contract.
// goodCount reports how many records parsed successfully; badCount how
// many were skipped as corrupt.
func Recover(path string, log Logger) (batches []RecoveredBatch, goodCount, badCount int, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, 0, nil
		}
		return nil, 0, 0, errors.Wrapf(err, "keldb/wal: open %s", path)
	}
	defer f.Close()

	warn := func(reason string) {
		badCount++
		if log != nil {
			log.Infof("keldb/wal: skipping corrupt record in %s: %s", path, reason)
		}
	}
	r := record.NewReader(f, warn)

	// nextExpected tracks the sequence number we expect the next batch to
	// start at, used to repair the sentinel-0/-1 encoding bug described in
	// spec §9's fourth open question: a WAL record whose decoded start
	// sequence is the sentinel 0 or math.MaxUint64 (the wire encoding of
	// -1), when we already know better from a prior batch in the same
	// file, is recomputed from position instead of trusted verbatim.
	var nextExpected uint64
	haveExpected := false

	for {
		payload, rerr := r.Next()
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return batches, goodCount, badCount, errors.Wrap(rerr, "keldb/wal: read")
		}
		startSeq, ops, derr := base.DecodeBatch(payload)
		if derr != nil {
			warn(derr.Error())
			continue
		}
		if (startSeq == 0 || startSeq == math.MaxUint64) && haveExpected && nextExpected != 0 {
			if log != nil {
				log.Infof("keldb/wal: repairing sentinel sequence number in %s at position following seq %d", path, nextExpected-1)
			}
			startSeq = nextExpected
		}
		batches = append(batches, RecoveredBatch{StartSeq: startSeq, Ops: ops})
		goodCount++
		nextExpected = startSeq + uint64(len(ops))
		haveExpected = true
	}
	return batches, goodCount, badCount, nil
}
