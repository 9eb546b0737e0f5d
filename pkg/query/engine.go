// Package query implements the fixed-radius neighborhood queries on top of
// the manager's hash table cache and the shard store. Every mode follows the
// same shape: cell-level candidate generation, exact-position fetch from the
// shards, exact-distance verification.
package query

import (
	"math"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/geo"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/hashtable"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/manager"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/morton"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/shard"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/spatialindex"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/telemetry"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/util"
	"go.uber.org/zap"
)

const shardCacheSize = 16

type Engine struct {
	manager *manager.Manager
	reader  shard.Reader
	log     *zap.Logger

	// parsed shard files, bounded; exact-position fetches of consecutive
	// queries usually hit the same shards
	shardCache *lru.Cache[string, *shard.Data]

	indexMu      sync.Mutex
	shardIndexes map[string]*spatialindex.ShardIndex
}

func NewEngine(m *manager.Manager, log *zap.Logger) (*Engine, error) {
	cache, err := lru.New[string, *shard.Data](shardCacheSize)
	if err != nil {
		return nil, err
	}

	return &Engine{
		manager:      m,
		reader:       m.Reader(),
		log:          log,
		shardCache:   cache,
		shardIndexes: make(map[string]*spatialindex.ShardIndex),
	}, nil
}

type samplePoint struct {
	timeStep int32
	position geo.Vec3
}

// QueryRadius (mode A) returns, per trajectory, the exact samples at time
// step ts within r of q.
func (e *Engine) QueryRadius(datasetDir string, q geo.Vec3, r float32, cellSize float32, ts int32) ([]TrajectoryQueryResult, error) {
	telemetry.ObserveQuery("radius")

	if r < 0 {
		return nil, util.WrapErrorf(nil, util.ErrRange, "negative radius %f", r)
	}

	table := e.manager.GetTable(cellSize, ts)
	if table == nil {
		return nil, util.WrapErrorf(nil, util.ErrMissingData,
			"no hash table loaded for cell size %.3f, time step %d", cellSize, ts)
	}

	candidates, err := e.candidateIDs(table, q, r)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	positions, err := e.fetchPositions(datasetDir, candidates, ts, ts)
	if err != nil {
		return nil, err
	}

	return filterByDistance(positions, q, r), nil
}

// QueryRadiusLegacy is mode A's single-distance form: one row per trajectory
// with its closest distance, sorted ascending by distance.
func (e *Engine) QueryRadiusLegacy(datasetDir string, q geo.Vec3, r float32, cellSize float32, ts int32) ([]SpatialQueryResult, error) {
	results, err := e.QueryRadius(datasetDir, q, r, cellSize, ts)
	if err != nil {
		return nil, err
	}

	legacy := make([]SpatialQueryResult, 0, len(results))
	for _, res := range results {
		best := float32(math.MaxFloat32)
		for _, sp := range res.SamplePoints {
			if sp.Distance < best {
				best = sp.Distance
			}
		}
		legacy = append(legacy, SpatialQueryResult{TrajectoryID: res.TrajectoryID, Distance: best})
	}

	sort.Slice(legacy, func(i, j int) bool { return legacy[i].Distance < legacy[j].Distance })
	return legacy, nil
}

// QueryDualRadius partitions each candidate trajectory's samples at ts into
// inner (d <= rInner) and outer-only (rInner < d <= rOuter).
func (e *Engine) QueryDualRadius(datasetDir string, q geo.Vec3, rInner, rOuter float32, cellSize float32, ts int32) (inner, outer []TrajectoryQueryResult, err error) {
	telemetry.ObserveQuery("dual_radius")

	if rInner > rOuter {
		return nil, nil, util.WrapErrorf(nil, util.ErrRange,
			"inner radius %f exceeds outer radius %f", rInner, rOuter)
	}

	table := e.manager.GetTable(cellSize, ts)
	if table == nil {
		return nil, nil, util.WrapErrorf(nil, util.ErrMissingData,
			"no hash table loaded for cell size %.3f, time step %d", cellSize, ts)
	}

	candidates, err := e.candidateIDs(table, q, rOuter)
	if err != nil {
		return nil, nil, err
	}
	if len(candidates) == 0 {
		return nil, nil, nil
	}

	positions, err := e.fetchPositions(datasetDir, candidates, ts, ts)
	if err != nil {
		return nil, nil, err
	}

	for id, points := range positions {
		var innerPoints, outerPoints []TrajectorySamplePoint
		for _, pt := range points {
			d := geo.Dist(pt.position, q)
			sp := TrajectorySamplePoint{Position: pt.position, TimeStep: pt.timeStep, Distance: float32(d)}
			switch {
			case d <= float64(rInner):
				innerPoints = append(innerPoints, sp)
			case d <= float64(rOuter):
				outerPoints = append(outerPoints, sp)
			}
		}
		if len(innerPoints) > 0 {
			inner = append(inner, TrajectoryQueryResult{TrajectoryID: int32(id), SamplePoints: innerPoints})
		}
		if len(outerPoints) > 0 {
			outer = append(outer, TrajectoryQueryResult{TrajectoryID: int32(id), SamplePoints: outerPoints})
		}
	}

	return inner, outer, nil
}

// QueryRadiusOverTimeRange (mode B) unions candidates across every loaded
// table in [ts0, ts1]; time steps without a loaded table are skipped with a
// warning.
func (e *Engine) QueryRadiusOverTimeRange(datasetDir string, q geo.Vec3, r float32, cellSize float32, ts0, ts1 int32) ([]TrajectoryQueryResult, error) {
	telemetry.ObserveQuery("time_range")

	if ts0 > ts1 {
		return nil, util.WrapErrorf(nil, util.ErrRange,
			"start time step %d exceeds end time step %d", ts0, ts1)
	}

	candidates := make(map[uint32]struct{})
	for ts := ts0; ts <= ts1; ts++ {
		table := e.manager.GetTable(cellSize, ts)
		if table == nil {
			e.log.Warn("no hash table loaded for time step, skipping",
				zap.Int32("timeStep", ts), zap.Float32("cellSize", cellSize))
			continue
		}
		ids, err := e.candidateIDs(table, q, r)
		if err != nil {
			return nil, err
		}
		for id := range ids {
			candidates[id] = struct{}{}
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	positions, err := e.fetchPositions(datasetDir, candidates, ts0, ts1)
	if err != nil {
		return nil, err
	}

	return filterByDistance(positions, q, r), nil
}

// QueryTrajectoryRadiusOverTimeRange (mode C) finds trajectories passing
// within r of the moving query trajectory. Each other-trajectory sample's
// distance is measured against the query sample at the same time step; the
// entry-exit extension then keeps everything between the first and last
// in-range sample, transient departures included.
func (e *Engine) QueryTrajectoryRadiusOverTimeRange(datasetDir string, trajID uint32, r float32, cellSize float32, ts0, ts1 int32) ([]TrajectoryQueryResult, error) {
	telemetry.ObserveQuery("trajectory")

	if ts0 > ts1 {
		return nil, util.WrapErrorf(nil, util.ErrRange,
			"start time step %d exceeds end time step %d", ts0, ts1)
	}

	own, err := e.fetchPositions(datasetDir, map[uint32]struct{}{trajID: {}}, ts0, ts1)
	if err != nil {
		return nil, err
	}
	ownSamples := own[trajID]
	if len(ownSamples) == 0 {
		return nil, util.WrapErrorf(nil, util.ErrMissingData,
			"query trajectory %d has no samples in [%d, %d]", trajID, ts0, ts1)
	}

	ownByTimeStep := make(map[int32][]geo.Vec3, len(ownSamples))
	for _, s := range ownSamples {
		ownByTimeStep[s.timeStep] = append(ownByTimeStep[s.timeStep], s.position)
	}

	candidates := make(map[uint32]struct{})
	for _, s := range ownSamples {
		table := e.manager.GetTable(cellSize, s.timeStep)
		if table == nil {
			e.log.Warn("no hash table loaded for time step, skipping",
				zap.Int32("timeStep", s.timeStep), zap.Float32("cellSize", cellSize))
			continue
		}
		ids, err := e.candidateIDs(table, s.position, r)
		if err != nil {
			return nil, err
		}
		for id := range ids {
			if id != trajID {
				candidates[id] = struct{}{}
			}
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	positions, err := e.fetchPositions(datasetDir, candidates, ts0, ts1)
	if err != nil {
		return nil, err
	}

	results := make([]TrajectoryQueryResult, 0, len(positions))
	for id, points := range positions {
		annotated := make([]TrajectorySamplePoint, 0, len(points))
		firstIn, lastIn := -1, -1

		for idx, pt := range points {
			d := math.Inf(1)
			for _, qp := range ownByTimeStep[pt.timeStep] {
				if dd := geo.Dist(qp, pt.position); dd < d {
					d = dd
				}
			}
			if d <= float64(r) {
				if firstIn < 0 {
					firstIn = idx
				}
				lastIn = idx
			}
			annotated = append(annotated, TrajectorySamplePoint{
				Position: pt.position,
				TimeStep: pt.timeStep,
				Distance: float32(d),
			})
		}

		if firstIn < 0 {
			continue
		}
		results = append(results, TrajectoryQueryResult{
			TrajectoryID: int32(id),
			SamplePoints: annotated[firstIn : lastIn+1],
		})
	}

	return results, nil
}

// candidateIDs unions the IDs of every cell within ceil(r/cellSize) cells of
// the query cell. The loop is cubic in the cell radius and deliberately
// unbounded; pick a cell size close to the common query radius. Cells outside
// the table's bounding box encode to keys that miss the entry array.
func (e *Engine) candidateIDs(table *hashtable.Table, q geo.Vec3, r float32) (map[uint32]struct{}, error) {
	cellSize := table.Header.CellSize
	cellRadius := int32(math.Ceil(float64(r) / float64(cellSize)))

	centerX, centerY, centerZ := morton.CellFromWorld(q, table.Header.BBoxMinVec(), cellSize)

	found := make(map[uint32]struct{})
	for dx := -cellRadius; dx <= cellRadius; dx++ {
		for dy := -cellRadius; dy <= cellRadius; dy++ {
			for dz := -cellRadius; dz <= cellRadius; dz++ {
				cx, cy, cz := centerX+dx, centerY+dy, centerZ+dz
				if cx < 0 || cy < 0 || cz < 0 {
					continue
				}

				entryIndex := table.FindEntry(morton.Encode(cx, cy, cz))
				if entryIndex < 0 {
					continue
				}

				ids, err := table.IdsForEntry(entryIndex)
				if err != nil {
					return nil, err
				}
				for _, id := range ids {
					found[id] = struct{}{}
				}
			}
		}
	}

	return found, nil
}

// fetchPositions pulls the exact samples of the candidate trajectories over
// [ts0, ts1] from the shard store, NaN samples dropped, grouped per
// trajectory in time step order.
func (e *Engine) fetchPositions(datasetDir string, ids map[uint32]struct{}, ts0, ts1 int32) (map[uint32][]samplePoint, error) {
	index, err := e.shardIndex(datasetDir)
	if err != nil {
		return nil, err
	}

	out := make(map[uint32][]samplePoint)
	for _, ref := range index.SearchTimeRange(ts0, ts1) {
		data, err := e.loadShard(ref.GetPath())
		if err != nil {
			return nil, err
		}

		for _, entry := range data.Entries {
			if _, want := ids[entry.TrajectoryID]; !want {
				continue
			}
			for i, p := range entry.Positions {
				if p.IsNaN() {
					continue
				}
				ts := data.GlobalTimeStep(i)
				if ts < ts0 || ts > ts1 {
					continue
				}
				out[entry.TrajectoryID] = append(out[entry.TrajectoryID], samplePoint{timeStep: ts, position: p})
			}
		}
	}

	for id := range out {
		points := out[id]
		sort.Slice(points, func(i, j int) bool { return points[i].timeStep < points[j].timeStep })
	}

	return out, nil
}

// shardIndex lazily builds and caches the time interval index for a dataset.
func (e *Engine) shardIndex(datasetDir string) (*spatialindex.ShardIndex, error) {
	e.indexMu.Lock()
	defer e.indexMu.Unlock()

	if index, ok := e.shardIndexes[datasetDir]; ok {
		return index, nil
	}

	index := spatialindex.NewShardIndex()
	if err := index.Build(datasetDir, e.reader, e.log); err != nil {
		return nil, err
	}
	if index.Len() == 0 {
		return nil, util.WrapErrorf(nil, util.ErrMissingData,
			"no shard files found in %s", datasetDir)
	}

	e.shardIndexes[datasetDir] = index
	return index, nil
}

// InvalidateDataset drops the cached shard index for datasetDir, forcing
// rediscovery on the next query. Call after new shards are written.
func (e *Engine) InvalidateDataset(datasetDir string) {
	e.indexMu.Lock()
	delete(e.shardIndexes, datasetDir)
	e.indexMu.Unlock()
}

func (e *Engine) loadShard(path string) (*shard.Data, error) {
	if data, ok := e.shardCache.Get(path); ok {
		telemetry.ObserveShardCacheHit()
		return data, nil
	}

	telemetry.ObserveShardCacheMiss()
	data, err := e.reader.LoadShard(path)
	if err != nil {
		return nil, err
	}
	e.shardCache.Add(path, data)
	return data, nil
}

func filterByDistance(positions map[uint32][]samplePoint, q geo.Vec3, r float32) []TrajectoryQueryResult {
	results := make([]TrajectoryQueryResult, 0, len(positions))
	for id, points := range positions {
		kept := make([]TrajectorySamplePoint, 0, len(points))
		for _, pt := range points {
			d := geo.Dist(pt.position, q)
			if d <= float64(r) {
				kept = append(kept, TrajectorySamplePoint{
					Position: pt.position,
					TimeStep: pt.timeStep,
					Distance: float32(d),
				})
			}
		}
		if len(kept) > 0 {
			results = append(results, TrajectoryQueryResult{TrajectoryID: int32(id), SamplePoints: kept})
		}
	}
	return results
}
