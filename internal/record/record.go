// Package record implements the 32 KiB block-framed record log described in
// spec §4.2 (C2): a sequence of length-prefixed, CRC-protected records that
// may be fragmented across block boundaries. It underlies the WAL
// (internal/wal); the manifest (internal/manifest) uses its own
// length-prefixed framing instead.
package record

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/cockroachdb/errors"
)

// BlockSize is the fixed framing unit records are packed into.
const BlockSize = 32 * 1024

// headerSize is CRC32(4) || length(2) || type(1).
const headerSize = 7

type recordType byte

const (
	recordTypeFull recordType = 1 + iota
	recordTypeFirst
	recordTypeMiddle
	recordTypeLast
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func checksum(typ recordType, payload []byte) uint32 {
	crc := crc32.Update(0, crcTable, []byte{byte(typ)})
	return crc32.Update(crc, crcTable, payload)
}

// Writer appends records to an underlying io.Writer, framing them into
// BlockSize blocks per spec §4.2. It is not safe for concurrent use; the
// WAL serializes its own writes.
type Writer struct {
	w   io.Writer
	buf [BlockSize]byte
	// off is the write offset within buf of the next unwritten byte.
	off int
}

// NewWriter wraps w. The caller is responsible for positioning w at a block
// boundary (a fresh file always is).
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteRecord appends p as a single logical record, fragmenting it across
// block boundaries as necessary.
func (w *Writer) WriteRecord(p []byte) error {
	first := true
	for {
		leftover := BlockSize - w.off
		if leftover < headerSize+1 {
			for i := 0; i < leftover; i++ {
				w.buf[w.off+i] = 0
			}
			w.off = BlockSize
			if err := w.flushBlock(); err != nil {
				return err
			}
			leftover = BlockSize
		}
		avail := leftover - headerSize
		n := len(p)
		if n > avail {
			n = avail
		}
		last := n == len(p)

		var typ recordType
		switch {
		case first && last:
			typ = recordTypeFull
		case first && !last:
			typ = recordTypeFirst
		case !first && last:
			typ = recordTypeLast
		default:
			typ = recordTypeMiddle
		}
		if err := w.emitFragment(typ, p[:n]); err != nil {
			return err
		}
		p = p[n:]
		first = false
		if last {
			return nil
		}
	}
}

// emitFragment writes one physical record (header + payload) into buf,
// flushing the block to the underlying writer once it fills exactly.
func (w *Writer) emitFragment(typ recordType, payload []byte) error {
	if w.off+headerSize+len(payload) > BlockSize {
		return errors.AssertionFailedf("keldb/record: fragment does not fit in remaining block space")
	}
	crc := checksum(typ, payload)
	binary.LittleEndian.PutUint32(w.buf[w.off:], crc)
	binary.LittleEndian.PutUint16(w.buf[w.off+4:], uint16(len(payload)))
	w.buf[w.off+6] = byte(typ)
	copy(w.buf[w.off+headerSize:], payload)
	w.off += headerSize + len(payload)
	if w.off == BlockSize {
		return w.flushBlock()
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if w.off == 0 {
		return nil
	}
	if _, err := w.w.Write(w.buf[:w.off]); err != nil {
		return errors.Wrap(err, "keldb/record: write block")
	}
	w.off = 0
	return nil
}

// Flush forces any buffered partial block to the underlying writer (but
// does not fsync; that is the caller's responsibility, e.g. via an
// *os.File).
func (w *Writer) Flush() error {
	return w.flushBlock()
}

// Reader reassembles records written by Writer. It is a lazy, forward-only,
// non-restartable iterator over the records in its source, per spec §4.2.
// Unlike a generic byte-stream reader, it reads and parses one BlockSize
// block at a time so that the "fewer than 7 bytes remain" padding rule can
// be applied exactly as the writer applied it.
type Reader struct {
	r         io.Reader
	onCorrupt func(reason string)

	block    []byte // the current block's bytes, already read
	blockLen int     // valid bytes in block (< BlockSize only for a short final block)
	pos      int     // read position within block

	pending []byte
	inFrag  bool
	eof     bool
}

// NewReader wraps r. onCorrupt may be nil, in which case corruption is
// silently skipped (still recoverable, just unreported).
func NewReader(r io.Reader, onCorrupt func(reason string)) *Reader {
	return &Reader{
		r:         r,
		onCorrupt: onCorrupt,
		block:     make([]byte, BlockSize),
	}
}

func (r *Reader) report(reason string) {
	if r.onCorrupt != nil {
		r.onCorrupt(reason)
	}
}

// fillBlock reads the next BlockSize-byte block (or a short final block).
// It returns io.EOF only when zero bytes were available.
func (r *Reader) fillBlock() error {
	n, err := io.ReadFull(r.r, r.block)
	if err == nil {
		r.blockLen = n
		r.pos = 0
		return nil
	}
	if errors.Is(err, io.ErrUnexpectedEOF) && n > 0 {
		r.blockLen = n
		r.pos = 0
		return nil
	}
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	return errors.Wrap(err, "keldb/record: read block")
}

// Next returns the next reassembled record payload, or io.EOF when the
// underlying reader is exhausted. The returned slice is valid until the
// next call to Next.
func (r *Reader) Next() ([]byte, error) {
	for {
		if r.pos >= r.blockLen {
			if r.eof {
				if r.inFrag {
					r.report("truncated record: FIRST without terminating LAST")
				}
				return nil, io.EOF
			}
			if err := r.fillBlock(); err != nil {
				if errors.Is(err, io.EOF) {
					r.eof = true
					if r.inFrag {
						r.report("truncated record: FIRST without terminating LAST")
					}
					return nil, io.EOF
				}
				return nil, err
			}
			if r.blockLen < BlockSize {
				// Short read: this is the last block the file has to
				// offer; remember that so the next empty pass reports EOF
				// instead of trying to read again.
				r.eof = true
			}
			if r.blockLen == 0 {
				continue
			}
		}

		if r.blockLen-r.pos < headerSize {
			// Padding left by the writer (< 7 bytes remaining). Skip to
			// the next block.
			r.pos = r.blockLen
			continue
		}

		header := r.block[r.pos : r.pos+headerSize]
		if header[4] == 0 && header[5] == 0 && header[6] == 0 {
			// Zero header: either writer padding or an unwritten tail of
			// a short final block. Either way there is nothing more to
			// read from this block.
			r.pos = r.blockLen
			continue
		}

		length := int(binary.LittleEndian.Uint16(header[4:6]))
		typ := recordType(header[6])
		payloadStart := r.pos + headerSize
		payloadEnd := payloadStart + length
		if payloadEnd > r.blockLen {
			r.report("truncated record payload")
			r.pos = r.blockLen
			if r.inFrag {
				r.pending = nil
				r.inFrag = false
			}
			continue
		}
		payload := r.block[payloadStart:payloadEnd]
		r.pos = payloadEnd

		gotCRC := binary.LittleEndian.Uint32(header[0:4])
		if gotCRC != checksum(typ, payload) {
			r.report("crc mismatch")
			if r.inFrag {
				r.pending = nil
				r.inFrag = false
			}
			continue
		}

		switch typ {
		case recordTypeFull:
			if r.inFrag {
				r.report("FIRST without terminating LAST, followed by FULL")
				r.pending = nil
				r.inFrag = false
			}
			return append([]byte(nil), payload...), nil
		case recordTypeFirst:
			if r.inFrag {
				r.report("FIRST without terminating LAST")
			}
			r.pending = append([]byte(nil), payload...)
			r.inFrag = true
		case recordTypeMiddle:
			if !r.inFrag {
				r.report("MIDDLE without preceding FIRST")
				continue
			}
			r.pending = append(r.pending, payload...)
		case recordTypeLast:
			if !r.inFrag {
				r.report("LAST without preceding FIRST")
				continue
			}
			r.pending = append(r.pending, payload...)
			out := r.pending
			r.pending = nil
			r.inFrag = false
			return out, nil
		default:
			r.report("unknown record type")
			if r.inFrag {
				r.pending = nil
				r.inFrag = false
			}
		}
	}
}
