// Package hashtable holds the per-timestep spatial hash table: a sorted array
// of (Z-order key -> trajectory ID span) entries backed by a compact binary
// file. Lookups binary-search the resident entries; the flat trajectory ID
// payload stays on disk and is fetched per cell on demand.
package hashtable

import (
	"fmt"
	"path/filepath"

	"github.com/kahlertfr/trajectory-spatialhash/pkg/geo"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/morton"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/util"
)

const (
	// Magic identifies hash table files: "TSHT" in little-endian byte order.
	Magic uint32 = 0x54534854

	// Version is the current file format version.
	Version uint32 = 1

	// HeaderSize is the packed on-disk size of Header.
	HeaderSize = 64

	// EntrySize is the packed on-disk size of Entry.
	EntrySize = 16
)

// Header is the fixed 64-byte file header. Field order matches the on-disk
// layout; everything is little-endian with no padding.
type Header struct {
	Magic      uint32
	Version    uint32
	TimeStep   uint32
	CellSize   float32
	BBoxMin    [3]float32
	BBoxMax    [3]float32
	NumEntries uint32
	NumIds     uint32
	Reserved   [4]uint32
}

func NewHeader() Header {
	return Header{
		Magic:    Magic,
		Version:  Version,
		CellSize: 1.0,
	}
}

func (h *Header) BBoxMinVec() geo.Vec3 {
	return geo.NewVec3(h.BBoxMin[0], h.BBoxMin[1], h.BBoxMin[2])
}

func (h *Header) BBoxMaxVec() geo.Vec3 {
	return geo.NewVec3(h.BBoxMax[0], h.BBoxMax[1], h.BBoxMax[2])
}

func (h *Header) SetBBox(bboxMin, bboxMax geo.Vec3) {
	h.BBoxMin = [3]float32{bboxMin.X, bboxMin.Y, bboxMin.Z}
	h.BBoxMax = [3]float32{bboxMax.X, bboxMax.Y, bboxMax.Z}
}

// Entry maps one occupied cell to its span in the trajectory ID payload.
type Entry struct {
	ZOrderKey       uint64
	StartIndex      uint32
	TrajectoryCount uint32
}

// Table is the in-memory form of one timestep's hash table. TrajectoryIds is
// populated while building and saving; after Load it stays empty and ID spans
// are read from sourcePath on demand.
type Table struct {
	Header        Header
	Entries       []Entry
	TrajectoryIds []uint32

	sourcePath string
}

func New() *Table {
	return &Table{
		Header: NewHeader(),
	}
}

// SourcePath returns the backing file recorded by Load, empty for tables that
// were built in memory.
func (t *Table) SourcePath() string {
	return t.sourcePath
}

// FindEntry binary-searches the sorted entries for key. Returns the entry
// index, or -1 when the cell is not present. Never touches the ID payload.
func (t *Table) FindEntry(key uint64) int {
	left, right := 0, len(t.Entries)-1

	for left <= right {
		mid := left + (right-left)/2

		if t.Entries[mid].ZOrderKey == key {
			return mid
		} else if t.Entries[mid].ZOrderKey < key {
			left = mid + 1
		} else {
			right = mid - 1
		}
	}

	return -1
}

// IdsForEntry returns the trajectory IDs owned by the entry at entryIndex,
// from memory when resident, otherwise from the backing file.
func (t *Table) IdsForEntry(entryIndex int) ([]uint32, error) {
	if entryIndex < 0 || entryIndex >= len(t.Entries) {
		return nil, util.WrapErrorf(nil, util.ErrRange,
			"entry index %d out of range [0, %d)", entryIndex, len(t.Entries))
	}

	entry := t.Entries[entryIndex]

	if len(t.TrajectoryIds) > 0 {
		if entry.StartIndex+entry.TrajectoryCount > uint32(len(t.TrajectoryIds)) {
			return nil, util.WrapErrorf(nil, util.ErrValidation,
				"entry span [%d, %d) exceeds %d resident ids",
				entry.StartIndex, entry.StartIndex+entry.TrajectoryCount, len(t.TrajectoryIds))
		}
		ids := make([]uint32, entry.TrajectoryCount)
		copy(ids, t.TrajectoryIds[entry.StartIndex:entry.StartIndex+entry.TrajectoryCount])
		return ids, nil
	}

	return t.readIdsFromDisk(entry.StartIndex, entry.TrajectoryCount)
}

// QueryAtPosition returns the trajectory IDs occupying the cell containing p,
// empty when the cell is not in the table.
func (t *Table) QueryAtPosition(p geo.Vec3) ([]uint32, error) {
	cx, cy, cz := morton.CellFromWorld(p, t.Header.BBoxMinVec(), t.Header.CellSize)
	if cx < 0 || cy < 0 || cz < 0 {
		return nil, nil
	}
	key := morton.Encode(cx, cy, cz)

	entryIndex := t.FindEntry(key)
	if entryIndex < 0 {
		return nil, nil
	}

	return t.IdsForEntry(entryIndex)
}

// Validate checks header consistency, strict key ordering and that every
// entry's span stays inside the ID payload. With a non-resident payload the
// span check runs against the header count.
func (t *Table) Validate() error {
	if t.Header.Magic != Magic {
		return util.WrapErrorf(nil, util.ErrValidation, "invalid magic number 0x%08X", t.Header.Magic)
	}
	if t.Header.Version != Version {
		return util.WrapErrorf(nil, util.ErrValidation, "unsupported version %d", t.Header.Version)
	}
	if t.Header.CellSize <= 0 {
		return util.WrapErrorf(nil, util.ErrValidation, "invalid cell size %f", t.Header.CellSize)
	}
	if !geo.ComponentLessEq(t.Header.BBoxMinVec(), t.Header.BBoxMaxVec()) {
		return util.WrapErrorf(nil, util.ErrValidation, "bounding box min exceeds max")
	}
	if t.Header.NumEntries != uint32(len(t.Entries)) {
		return util.WrapErrorf(nil, util.ErrValidation,
			"entry count mismatch: header %d, actual %d", t.Header.NumEntries, len(t.Entries))
	}
	if len(t.TrajectoryIds) > 0 && t.Header.NumIds != uint32(len(t.TrajectoryIds)) {
		return util.WrapErrorf(nil, util.ErrValidation,
			"trajectory id count mismatch: header %d, actual %d", t.Header.NumIds, len(t.TrajectoryIds))
	}

	for i := 1; i < len(t.Entries); i++ {
		if t.Entries[i].ZOrderKey <= t.Entries[i-1].ZOrderKey {
			return util.WrapErrorf(nil, util.ErrValidation, "entries not strictly ascending at index %d", i)
		}
	}

	for i, entry := range t.Entries {
		if entry.StartIndex+entry.TrajectoryCount > t.Header.NumIds {
			return util.WrapErrorf(nil, util.ErrValidation,
				"entry %d span [%d, %d) exceeds %d trajectory ids",
				i, entry.StartIndex, entry.StartIndex+entry.TrajectoryCount, t.Header.NumIds)
		}
	}

	return nil
}

// MemoryBytes approximates the resident footprint of the table.
func (t *Table) MemoryBytes() int64 {
	return int64(HeaderSize) + int64(len(t.Entries))*EntrySize + int64(len(t.TrajectoryIds))*4
}

// CellSizeDirname formats the per-cell-size directory component. %.3f in Go
// never uses locale-dependent separators.
func CellSizeDirname(cellSize float32) string {
	return fmt.Sprintf("cellsize_%.3f", cellSize)
}

// OutputFilename builds the canonical table path:
// <datasetDir>/spatial_hashing/cellsize_<X.XXX>/timestep_<NNNNN>.bin
func OutputFilename(datasetDir string, cellSize float32, timeStep uint32) string {
	return filepath.Join(datasetDir, "spatial_hashing", CellSizeDirname(cellSize),
		fmt.Sprintf("timestep_%05d.bin", timeStep))
}
