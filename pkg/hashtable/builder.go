package hashtable

import (
	"sort"

	"github.com/kahlertfr/trajectory-spatialhash/pkg/geo"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/morton"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/util"
)

// Sample is one trajectory position at one time step, the transient record
// flowing from shard extraction into table construction.
type Sample struct {
	TrajectoryID uint32
	TimeStep     int32
	Position     geo.Vec3
}

// BuildForTimeStep buckets samples by cell and produces a ready-to-save table
// for one time step. Within a cell, IDs keep their encounter order; callers
// that need byte-identical output across runs must present samples in a
// deterministic order.
func BuildForTimeStep(timeStep uint32, samples []Sample, cellSize float32, bboxMin, bboxMax geo.Vec3) (*Table, error) {
	if cellSize <= 0 {
		return nil, util.WrapErrorf(nil, util.ErrValidation, "invalid cell size %f", cellSize)
	}

	t := New()
	t.Header.TimeStep = timeStep
	t.Header.CellSize = cellSize
	t.Header.SetBBox(bboxMin, bboxMax)

	if len(samples) == 0 {
		return t, nil
	}

	cellMap := make(map[uint64][]uint32)
	for _, sample := range samples {
		cx, cy, cz := morton.CellFromWorld(sample.Position, bboxMin, cellSize)
		key := morton.Encode(cx, cy, cz)
		cellMap[key] = append(cellMap[key], sample.TrajectoryID)
	}

	keys := make([]uint64, 0, len(cellMap))
	for key := range cellMap {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	t.Entries = make([]Entry, 0, len(keys))
	t.TrajectoryIds = make([]uint32, 0, len(samples))

	runningCount := uint32(0)
	for _, key := range keys {
		ids := cellMap[key]
		t.Entries = append(t.Entries, Entry{
			ZOrderKey:       key,
			StartIndex:      runningCount,
			TrajectoryCount: uint32(len(ids)),
		})
		t.TrajectoryIds = append(t.TrajectoryIds, ids...)
		runningCount += uint32(len(ids))
	}

	t.Header.NumEntries = uint32(len(t.Entries))
	t.Header.NumIds = uint32(len(t.TrajectoryIds))

	return t, nil
}
