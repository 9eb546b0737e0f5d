package hashtable

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/kahlertfr/trajectory-spatialhash/pkg/util"
)

// Save validates the table and writes header, entries and trajectory IDs to
// filename, creating parent directories as needed. The layout is exactly
// header (64) + entries (16 each) + ids (4 each), little-endian, no padding.
func (t *Table) Save(filename string) error {
	if err := t.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(filename)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return util.WrapErrorf(err, util.ErrIO, "create directory %s", dir)
		}
	}

	f, err := os.Create(filename)
	if err != nil {
		return util.WrapErrorf(err, util.ErrIO, "open %s for writing", filename)
	}
	defer f.Close()

	if err := binary.Write(f, binary.LittleEndian, &t.Header); err != nil {
		return util.WrapErrorf(err, util.ErrIO, "write header to %s", filename)
	}

	if len(t.Entries) > 0 {
		if err := binary.Write(f, binary.LittleEndian, t.Entries); err != nil {
			return util.WrapErrorf(err, util.ErrIO, "write %d entries to %s", len(t.Entries), filename)
		}
	}

	if len(t.TrajectoryIds) > 0 {
		if err := binary.Write(f, binary.LittleEndian, t.TrajectoryIds); err != nil {
			return util.WrapErrorf(err, util.ErrIO, "write %d trajectory ids to %s", len(t.TrajectoryIds), filename)
		}
	}

	return nil
}

// Load reads the header and entries from filename. The trajectory ID payload
// is deliberately not read; the path is recorded so IdsForEntry can seek into
// it later.
func Load(filename string) (*Table, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, util.WrapErrorf(err, util.ErrIO, "open %s", filename)
	}
	defer f.Close()

	t := New()
	t.sourcePath = filename

	if err := binary.Read(f, binary.LittleEndian, &t.Header); err != nil {
		return nil, util.WrapErrorf(err, util.ErrIO, "read header from %s", filename)
	}

	if t.Header.Magic != Magic {
		return nil, util.WrapErrorf(nil, util.ErrValidation,
			"%s: invalid magic number 0x%08X", filename, t.Header.Magic)
	}
	if t.Header.Version != Version {
		return nil, util.WrapErrorf(nil, util.ErrValidation,
			"%s: unsupported version %d", filename, t.Header.Version)
	}
	if t.Header.CellSize <= 0 {
		return nil, util.WrapErrorf(nil, util.ErrValidation,
			"%s: invalid cell size %f", filename, t.Header.CellSize)
	}

	if t.Header.NumEntries > 0 {
		t.Entries = make([]Entry, t.Header.NumEntries)
		if err := binary.Read(f, binary.LittleEndian, t.Entries); err != nil {
			return nil, util.WrapErrorf(err, util.ErrIO,
				"read %d entries from %s", t.Header.NumEntries, filename)
		}
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}

	return t, nil
}

// readIdsFromDisk pulls count consecutive trajectory IDs starting at
// startIndex from the recorded backing file.
func (t *Table) readIdsFromDisk(startIndex, count uint32) ([]uint32, error) {
	if count == 0 {
		return nil, nil
	}

	if t.sourcePath == "" {
		return nil, util.WrapErrorf(nil, util.ErrIO, "no source file recorded for on-demand id read")
	}

	if startIndex+count > t.Header.NumIds {
		return nil, util.WrapErrorf(nil, util.ErrValidation,
			"id range [%d, %d) exceeds payload size %d", startIndex, startIndex+count, t.Header.NumIds)
	}

	f, err := os.Open(t.sourcePath)
	if err != nil {
		return nil, util.WrapErrorf(err, util.ErrIO, "open %s", t.sourcePath)
	}
	defer f.Close()

	offset := int64(HeaderSize) + int64(t.Header.NumEntries)*EntrySize + int64(startIndex)*4
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, util.WrapErrorf(err, util.ErrIO, "seek to offset %d in %s", offset, t.sourcePath)
	}

	ids := make([]uint32, count)
	if err := binary.Read(f, binary.LittleEndian, ids); err != nil {
		return nil, util.WrapErrorf(err, util.ErrIO,
			"read %d trajectory ids at offset %d from %s", count, offset, t.sourcePath)
	}

	return ids, nil
}
