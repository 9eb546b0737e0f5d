package query

import (
	"path/filepath"
	"sort"
	"testing"

	"github.com/kahlertfr/trajectory-spatialhash/pkg/geo"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/logger"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/manager"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/shard"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixture: one shard, time step 0 only, three stationary trajectories.
//   id 1 at (5,5,5), id 2 at (8,8,8), id 3 at (15,5,5)
func setupPointDataset(t *testing.T) (string, *Engine) {
	t.Helper()
	dir := t.TempDir()

	entries := []shard.Entry{
		{TrajectoryID: 1, Positions: []geo.Vec3{geo.NewVec3(5, 5, 5)}},
		{TrajectoryID: 2, Positions: []geo.Vec3{geo.NewVec3(8, 8, 8)}},
		{TrajectoryID: 3, Positions: []geo.Vec3{geo.NewVec3(15, 5, 5)}},
	}
	require.NoError(t, shard.WriteFile(filepath.Join(dir, "shard-0.bin"), 0, 1, entries))

	m := manager.New(shard.NewBinaryReader(), nil, logger.NewNop())
	loaded, err := m.LoadHashTables(dir, 10, 0, 0, true)
	require.NoError(t, err)
	require.Equal(t, 1, loaded)

	e, err := NewEngine(m, logger.NewNop())
	require.NoError(t, err)
	return dir, e
}

func resultIDs(results []TrajectoryQueryResult) []int32 {
	ids := make([]int32, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.TrajectoryID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func findResult(results []TrajectoryQueryResult, id int32) *TrajectoryQueryResult {
	for i := range results {
		if results[i].TrajectoryID == id {
			return &results[i]
		}
	}
	return nil
}

func TestQueryRadiusExactness(t *testing.T) {
	dir, e := setupPointDataset(t)
	q := geo.NewVec3(5, 5, 5)

	results, err := e.QueryRadius(dir, q, 4, 10, 0)
	require.NoError(t, err)
	require.Equal(t, []int32{1}, resultIDs(results))
	assert.InDelta(t, 0, float64(results[0].SamplePoints[0].Distance), 1e-6)

	results, err = e.QueryRadius(dir, q, 6, 10, 0)
	require.NoError(t, err)
	require.Equal(t, []int32{1, 2}, resultIDs(results))
	two := findResult(results, 2)
	require.NotNil(t, two)
	assert.InDelta(t, 5.196, float64(two.SamplePoints[0].Distance), 0.001)
}

func TestQueryRadiusLegacySortedByDistance(t *testing.T) {
	dir, e := setupPointDataset(t)

	results, err := e.QueryRadiusLegacy(dir, geo.NewVec3(5, 5, 5), 20, 10, 0)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, int32(1), results[0].TrajectoryID)
	assert.Equal(t, int32(2), results[1].TrajectoryID)
	assert.Equal(t, int32(3), results[2].TrajectoryID)
	assert.InDelta(t, 10, float64(results[2].Distance), 1e-4)
}

func TestQueryRadiusOutsideBBox(t *testing.T) {
	dir, e := setupPointDataset(t)

	results, err := e.QueryRadius(dir, geo.NewVec3(-500, -500, -500), 4, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestQueryRadiusMissingTable(t *testing.T) {
	dir, e := setupPointDataset(t)

	_, err := e.QueryRadius(dir, geo.NewVec3(5, 5, 5), 4, 10, 7)
	assert.ErrorIs(t, err, util.ErrMissingData)

	_, err = e.QueryRadius(dir, geo.NewVec3(5, 5, 5), 4, 99, 0)
	assert.ErrorIs(t, err, util.ErrMissingData)
}

func TestQueryDualRadius(t *testing.T) {
	dir, e := setupPointDataset(t)

	inner, outer, err := e.QueryDualRadius(dir, geo.NewVec3(5, 5, 5), 1, 20, 10, 0)
	require.NoError(t, err)

	require.Equal(t, []int32{1}, resultIDs(inner))
	assert.InDelta(t, 0, float64(inner[0].SamplePoints[0].Distance), 1e-6)

	require.Equal(t, []int32{2, 3}, resultIDs(outer))
	two := findResult(outer, 2)
	require.NotNil(t, two)
	assert.InDelta(t, 5.196, float64(two.SamplePoints[0].Distance), 0.001)
	three := findResult(outer, 3)
	require.NotNil(t, three)
	assert.InDelta(t, 10, float64(three.SamplePoints[0].Distance), 1e-4)

	// disjoint by construction
	for _, in := range inner {
		assert.Nil(t, findResult(outer, in.TrajectoryID))
	}
}

func TestQueryDualRadiusInvertedRadii(t *testing.T) {
	dir, e := setupPointDataset(t)
	_, _, err := e.QueryDualRadius(dir, geo.NewVec3(5, 5, 5), 20, 1, 10, 0)
	assert.ErrorIs(t, err, util.ErrRange)
}

func TestQueryTimeRangeCollapsesToSingleStep(t *testing.T) {
	dir, e := setupPointDataset(t)
	q := geo.NewVec3(5, 5, 5)

	single, err := e.QueryRadius(dir, q, 6, 10, 0)
	require.NoError(t, err)
	ranged, err := e.QueryRadiusOverTimeRange(dir, q, 6, 10, 0, 0)
	require.NoError(t, err)

	assert.Equal(t, resultIDs(single), resultIDs(ranged))
}

func TestQueryTimeRangeInvertedRange(t *testing.T) {
	dir, e := setupPointDataset(t)
	_, err := e.QueryRadiusOverTimeRange(dir, geo.NewVec3(5, 5, 5), 6, 10, 3, 1)
	assert.ErrorIs(t, err, util.ErrRange)
}

// fixture: one shard over time steps 0..4 with a moving query trajectory and
// one other trajectory that enters, leaves and re-enters the radius.
func setupMovingDataset(t *testing.T) (string, *Engine) {
	t.Helper()
	dir := t.TempDir()

	entries := []shard.Entry{
		{
			TrajectoryID: 100,
			Positions: []geo.Vec3{
				geo.NewVec3(0, 0, 0),
				geo.NewVec3(5, 0, 0),
				geo.NewVec3(10, 0, 0),
				geo.NewVec3(15, 0, 0),
				geo.NewVec3(20, 0, 0),
			},
		},
		{
			TrajectoryID: 200,
			Positions: []geo.Vec3{
				geo.NewVec3(0, 100, 0),
				geo.NewVec3(100, 3, 0),
				geo.NewVec3(10, 1, 0),
				geo.NewVec3(100, 3, 0),
				geo.NewVec3(20, 3, 0),
			},
		},
	}
	require.NoError(t, shard.WriteFile(filepath.Join(dir, "shard-0.bin"), 0, 5, entries))

	m := manager.New(shard.NewBinaryReader(), nil, logger.NewNop())
	loaded, err := m.LoadHashTables(dir, 10, 0, 4, true)
	require.NoError(t, err)
	require.Equal(t, 5, loaded)

	e, err := NewEngine(m, logger.NewNop())
	require.NoError(t, err)
	return dir, e
}

func TestQueryTrajectoryEntryExitExtension(t *testing.T) {
	dir, e := setupMovingDataset(t)

	results, err := e.QueryTrajectoryRadiusOverTimeRange(dir, 100, 5, 10, 0, 4)
	require.NoError(t, err)
	require.Equal(t, []int32{200}, resultIDs(results))

	points := results[0].SamplePoints
	// first in-range at t=2, last at t=4; t=3 is retained despite being out
	require.Len(t, points, 3)
	assert.Equal(t, int32(2), points[0].TimeStep)
	assert.Equal(t, int32(3), points[1].TimeStep)
	assert.Equal(t, int32(4), points[2].TimeStep)

	assert.InDelta(t, 1, float64(points[0].Distance), 1e-4)
	assert.Greater(t, float64(points[1].Distance), 5.0)
	assert.InDelta(t, 3, float64(points[2].Distance), 1e-4)
}

func TestQueryTrajectoryExcludesSelf(t *testing.T) {
	dir, e := setupMovingDataset(t)

	results, err := e.QueryTrajectoryRadiusOverTimeRange(dir, 100, 5, 10, 0, 4)
	require.NoError(t, err)
	assert.Nil(t, findResult(results, 100))
}

func TestQueryTrajectoryUnknownID(t *testing.T) {
	dir, e := setupMovingDataset(t)

	_, err := e.QueryTrajectoryRadiusOverTimeRange(dir, 999, 5, 10, 0, 4)
	assert.ErrorIs(t, err, util.ErrMissingData)
}

func TestQueryTrajectoryInvertedRange(t *testing.T) {
	dir, e := setupMovingDataset(t)

	_, err := e.QueryTrajectoryRadiusOverTimeRange(dir, 100, 5, 10, 4, 0)
	assert.ErrorIs(t, err, util.ErrRange)
}

func TestQueryTimeRangeSkipsUnloadedSteps(t *testing.T) {
	dir, e := setupMovingDataset(t)

	// leave only t=2 loaded; the other steps must be skipped, not fail
	mgr := e.manager
	mgr.UnloadAll()
	_, err := mgr.LoadHashTables(dir, 10, 2, 2, false)
	require.NoError(t, err)

	results, err := e.QueryRadiusOverTimeRange(dir, geo.NewVec3(10, 0, 0), 2, 10, 0, 4)
	require.NoError(t, err)

	// candidates come from the single loaded table; exact fetch still spans
	// the whole range, so every in-radius sample of those candidates counts
	require.Equal(t, []int32{100, 200}, resultIDs(results))
}
