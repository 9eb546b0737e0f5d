// Package morton implements the Z-order (Morton) curve codec used as the key
// space of the per-timestep spatial hash tables. Three 21-bit cell
// coordinates interleave into one 64-bit key; nearby cells get nearby keys
// (octree order), which keeps the sorted entry arrays cache-friendly for
// neighborhood scans.
package morton

import (
	"math"

	"github.com/kahlertfr/trajectory-spatialhash/pkg/geo"
)

const (
	// MaxCellCoordinate is the largest encodable coordinate per axis (21 bits).
	MaxCellCoordinate = (1 << 21) - 1

	smallNumber = 1e-8
)

// splitBy3 spreads the low 21 bits of v so that input bit i lands at output
// bit 3i. Standard 5-stage mask/shift, branch-free.
func splitBy3(v uint32) uint64 {
	x := uint64(v) & 0x1fffff

	x = (x | x<<32) & 0x1f00000000ffff
	x = (x | x<<16) & 0x1f0000ff0000ff
	x = (x | x<<8) & 0x100f00f00f00f00f
	x = (x | x<<4) & 0x10c30c30c30c30c3
	x = (x | x<<2) & 0x1249249249249249

	return x
}

// compactBy3 is the inverse of splitBy3.
func compactBy3(x uint64) uint32 {
	x &= 0x1249249249249249

	x = (x | x>>2) & 0x10c30c30c30c30c3
	x = (x | x>>4) & 0x100f00f00f00f00f
	x = (x | x>>8) & 0x1f0000ff0000ff
	x = (x | x>>16) & 0x1f00000000ffff
	x = (x | x>>32) & 0x1fffff

	return uint32(x)
}

func clampCoordinate(c int32) uint32 {
	if c < 0 {
		return 0
	}
	if c > MaxCellCoordinate {
		return MaxCellCoordinate
	}
	return uint32(c)
}

// Encode interleaves three cell coordinates into a 64-bit Z-order key. Each
// coordinate is clamped to [0, MaxCellCoordinate] first: X occupies bit 0,
// Y bit 1, Z bit 2, then the pattern repeats.
func Encode(cx, cy, cz int32) uint64 {
	x := clampCoordinate(cx)
	y := clampCoordinate(cy)
	z := clampCoordinate(cz)

	return splitBy3(x) | splitBy3(y)<<1 | splitBy3(z)<<2
}

// Decode recovers the three cell coordinates from a Z-order key.
func Decode(key uint64) (int32, int32, int32) {
	return int32(compactBy3(key)), int32(compactBy3(key >> 1)), int32(compactBy3(key >> 2))
}

// CellFromWorld maps a world position to integer cell coordinates relative to
// bboxMin. A degenerate cell size collapses everything into cell (0,0,0).
// Positions below bboxMin produce negative coordinates; Encode clamps them to
// 0, which is the key of the boundary cell, so table lookups skip negative
// coordinates before encoding.
func CellFromWorld(p geo.Vec3, bboxMin geo.Vec3, cellSize float32) (int32, int32, int32) {
	if cellSize <= smallNumber {
		return 0, 0, 0
	}

	cx := int32(math.Floor(float64(p.X-bboxMin.X) / float64(cellSize)))
	cy := int32(math.Floor(float64(p.Y-bboxMin.Y) / float64(cellSize)))
	cz := int32(math.Floor(float64(p.Z-bboxMin.Z) / float64(cellSize)))
	return cx, cy, cz
}
