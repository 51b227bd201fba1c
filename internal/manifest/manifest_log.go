package manifest

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/keldb/keldb/internal/base"
)

// manifestWriter appends length-prefixed, terminator-delimited edit
// records to a MANIFEST file: record_length(4) || tagged_fields ||
// 0x00 (spec §6).
type manifestWriter struct {
	f *os.File
}

func createManifest(path string) (*manifestWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "keldb/manifest: create %s", path)
	}
	return &manifestWriter{f: f}, nil
}

func openManifestForAppend(path string) (*manifestWriter, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "keldb/manifest: open %s", path)
	}
	return &manifestWriter{f: f}, nil
}

func (w *manifestWriter) append(edit *VersionEdit) error {
	fields := edit.Encode()
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(fields)))
	if _, err := w.f.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "keldb/manifest: write record length")
	}
	if _, err := w.f.Write(fields); err != nil {
		return errors.Wrap(err, "keldb/manifest: write record")
	}
	if _, err := w.f.Write([]byte{tagTerminator}); err != nil {
		return errors.Wrap(err, "keldb/manifest: write terminator")
	}
	return nil
}

func (w *manifestWriter) sync() error {
	return errors.Wrap(w.f.Sync(), "keldb/manifest: fsync")
}

func (w *manifestWriter) close() error {
	return errors.Wrap(w.f.Close(), "keldb/manifest: close")
}

// readManifest reads every edit from the manifest file at path, in order.
// A truncated trailing record (e.g. from a crash mid-append) ends the read
// without an error and the edits before it are returned, since a manifest
// is only ever appended to and the last record is the one most likely to
// be torn.
func readManifest(path string) ([]*VersionEdit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "keldb/manifest: open %s", path)
	}
	defer f.Close()

	var edits []*VersionEdit
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return edits, errors.Wrap(err, "keldb/manifest: read record length")
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		fields := make([]byte, n+1) // +1 for the terminator byte
		if _, err := io.ReadFull(f, fields); err != nil {
			// Torn trailing record: stop here, keep everything read so far.
			break
		}
		edit, err := DecodeVersionEdit(fields)
		if err != nil {
			return edits, base.MarkCorruption(err)
		}
		edits = append(edits, edit)
	}
	return edits, nil
}
