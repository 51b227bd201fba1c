package manifest

import (
	"encoding/binary"

	"github.com/keldb/keldb/internal/base"
)

// Tags for the VersionEdit disk format (spec §6).
const (
	tagTerminator     = 0
	tagComparator     = 1
	tagLogNumber      = 2
	tagNextFileNumber = 3
	tagLastSequence   = 4
	tagNewFile        = 5
	tagDeletedFile    = 6
)

// NewFileEntry records a file added to a level by an edit.
type NewFileEntry struct {
	Level int
	Meta  *FileMetaData
}

// DeletedFileEntry records a file removed from a level by an edit. The
// file number may reappear in NewFiles at a different level when a
// trivial move relocates it (spec §4.12).
type DeletedFileEntry struct {
	Level   int
	FileNum base.FileNum
}

// VersionEdit is the unit of change applied by log_and_apply and
// persisted to the manifest (spec §4.10). Pointer fields are nil when
// unset, matching the "optional field" framing of spec §6's tag list.
type VersionEdit struct {
	ComparerName   *string
	LogNumber      *uint64
	NextFileNumber *uint64
	LastSequence   *uint64

	NewFiles     []NewFileEntry
	DeletedFiles []DeletedFileEntry
}

func putString(buf []byte, tag byte, s string) []byte {
	buf = append(buf, tag)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

func putU64(buf []byte, tag byte, v uint64) []byte {
	buf = append(buf, tag)
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// Encode serializes the edit's tagged fields, not including the
// record_length prefix or the terminator byte the manifest writer adds.
func (e *VersionEdit) Encode() []byte {
	var buf []byte
	if e.ComparerName != nil {
		buf = putString(buf, tagComparator, *e.ComparerName)
	}
	if e.LogNumber != nil {
		buf = putU64(buf, tagLogNumber, *e.LogNumber)
	}
	if e.NextFileNumber != nil {
		buf = putU64(buf, tagNextFileNumber, *e.NextFileNumber)
	}
	if e.LastSequence != nil {
		buf = putU64(buf, tagLastSequence, *e.LastSequence)
	}
	for _, nf := range e.NewFiles {
		buf = append(buf, tagNewFile)
		var fixed [20]byte
		binary.LittleEndian.PutUint32(fixed[0:], uint32(nf.Level))
		binary.LittleEndian.PutUint64(fixed[4:], uint64(nf.Meta.FileNum))
		binary.LittleEndian.PutUint64(fixed[12:], nf.Meta.Size)
		buf = append(buf, fixed[:]...)
		buf = putLenPrefixed(buf, nf.Meta.Smallest)
		buf = putLenPrefixed(buf, nf.Meta.Largest)
	}
	for _, df := range e.DeletedFiles {
		buf = append(buf, tagDeletedFile)
		var fixed [12]byte
		binary.LittleEndian.PutUint32(fixed[0:], uint32(df.Level))
		binary.LittleEndian.PutUint64(fixed[4:], uint64(df.FileNum))
		buf = append(buf, fixed[:]...)
	}
	return buf
}

func putLenPrefixed(buf, v []byte) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(v)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, v...)
}

// DecodeVersionEdit parses the tagged-fields region of a manifest record
// (everything between the record_length prefix and the terminator byte).
func DecodeVersionEdit(buf []byte) (*VersionEdit, error) {
	e := &VersionEdit{}
	for len(buf) > 0 {
		tag := buf[0]
		buf = buf[1:]
		switch tag {
		case tagTerminator:
			return e, nil

		case tagComparator:
			s, rest, err := readString(buf)
			if err != nil {
				return nil, err
			}
			e.ComparerName = &s
			buf = rest

		case tagLogNumber:
			v, rest, err := readU64(buf)
			if err != nil {
				return nil, err
			}
			e.LogNumber = &v
			buf = rest

		case tagNextFileNumber:
			v, rest, err := readU64(buf)
			if err != nil {
				return nil, err
			}
			e.NextFileNumber = &v
			buf = rest

		case tagLastSequence:
			v, rest, err := readU64(buf)
			if err != nil {
				return nil, err
			}
			e.LastSequence = &v
			buf = rest

		case tagNewFile:
			if len(buf) < 20 {
				return nil, base.CorruptionErrorf("keldb/manifest: truncated new_file entry")
			}
			level := int(binary.LittleEndian.Uint32(buf[0:]))
			fileNum := base.FileNum(binary.LittleEndian.Uint64(buf[4:]))
			size := binary.LittleEndian.Uint64(buf[12:])
			rest := buf[20:]
			smallest, rest, err := readBytes(rest)
			if err != nil {
				return nil, err
			}
			largest, rest, err := readBytes(rest)
			if err != nil {
				return nil, err
			}
			meta := NewFileMetaData(fileNum, size, smallest, largest)
			e.NewFiles = append(e.NewFiles, NewFileEntry{Level: level, Meta: meta})
			buf = rest

		case tagDeletedFile:
			if len(buf) < 12 {
				return nil, base.CorruptionErrorf("keldb/manifest: truncated deleted_file entry")
			}
			level := int(binary.LittleEndian.Uint32(buf[0:]))
			fileNum := base.FileNum(binary.LittleEndian.Uint64(buf[4:]))
			e.DeletedFiles = append(e.DeletedFiles, DeletedFileEntry{Level: level, FileNum: fileNum})
			buf = buf[12:]

		default:
			return nil, base.CorruptionErrorf("keldb/manifest: unknown tag %d", tag)
		}
	}
	return e, base.CorruptionErrorf("keldb/manifest: edit missing terminator")
}

func readString(buf []byte) (string, []byte, error) {
	b, rest, err := readBytes(buf)
	return string(b), rest, err
}

func readBytes(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, base.CorruptionErrorf("keldb/manifest: truncated length prefix")
	}
	n := int(binary.LittleEndian.Uint32(buf))
	buf = buf[4:]
	if len(buf) < n {
		return nil, nil, base.CorruptionErrorf("keldb/manifest: truncated field")
	}
	return buf[:n], buf[n:], nil
}

func readU64(buf []byte) (uint64, []byte, error) {
	if len(buf) < 8 {
		return 0, nil, base.CorruptionErrorf("keldb/manifest: truncated u64 field")
	}
	return binary.LittleEndian.Uint64(buf), buf[8:], nil
}
