// Package builder turns a directory of trajectory shard files into one hash
// table file per time step. The build is two-pass: a scan establishes the
// global time range and bounding box, then shards are re-read in fixed-size
// batches so peak memory stays bounded by the batch, not the dataset.
package builder

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kahlertfr/trajectory-spatialhash/pkg/concurrent"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/geo"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/hashtable"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/shard"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/telemetry"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/util"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultBatchSize = 3

type Config struct {
	DatasetDir         string
	CellSize           float32
	BoundingBoxMargin  float32
	ComputeBoundingBox bool
	BBoxMin            geo.Vec3
	BBoxMax            geo.Vec3
	BatchSize          int
}

// Summary reports what a completed build produced.
type Summary struct {
	GlobalMinTimeStep int32
	GlobalMaxTimeStep int32
	BBoxMin           geo.Vec3
	BBoxMax           geo.Vec3
	ShardsScanned     int
	TablesWritten     int
}

type IncrementalBuilder struct {
	reader shard.Reader
	log    *zap.Logger
}

func NewIncrementalBuilder(reader shard.Reader, log *zap.Logger) *IncrementalBuilder {
	return &IncrementalBuilder{
		reader: reader,
		log:    log,
	}
}

type scanResult struct {
	paths             []string
	globalMinTimeStep int32
	globalMaxTimeStep int32
	bboxMin           geo.Vec3
	bboxMax           geo.Vec3
}

// Build runs both passes. A failed batch aborts the build; tables written by
// earlier batches stay on disk and are not deleted.
func (b *IncrementalBuilder) Build(cfg Config) (*Summary, error) {
	if cfg.CellSize <= 0 {
		return nil, util.WrapErrorf(nil, util.ErrValidation, "invalid cell size %f", cfg.CellSize)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	started := time.Now()

	scan, err := b.scanShards(cfg)
	if err != nil {
		return nil, err
	}

	b.log.Info("shard scan complete",
		zap.Int("shards", len(scan.paths)),
		zap.Int32("minTimeStep", scan.globalMinTimeStep),
		zap.Int32("maxTimeStep", scan.globalMaxTimeStep))

	tablesWritten, err := b.buildBatches(cfg, scan)
	if err != nil {
		return nil, err
	}

	telemetry.ObserveBuildDuration(time.Since(started))
	b.log.Info("incremental build complete",
		zap.Int("tablesWritten", tablesWritten),
		zap.Duration("elapsed", time.Since(started)))

	return &Summary{
		GlobalMinTimeStep: scan.globalMinTimeStep,
		GlobalMaxTimeStep: scan.globalMaxTimeStep,
		BBoxMin:           scan.bboxMin,
		BBoxMax:           scan.bboxMax,
		ShardsScanned:     len(scan.paths),
		TablesWritten:     tablesWritten,
	}, nil
}

// scanShards is pass 1: read every shard once to establish the global time
// range and, when requested, the bounding box. Unreadable shards are skipped;
// the pass fails only when nothing could be read.
func (b *IncrementalBuilder) scanShards(cfg Config) (*scanResult, error) {
	files, err := shard.ListShardFiles(cfg.DatasetDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, util.WrapErrorf(nil, util.ErrMissingData,
			"no shard files found in %s", cfg.DatasetDir)
	}

	scan := &scanResult{
		globalMinTimeStep: math.MaxInt32,
		globalMaxTimeStep: math.MinInt32,
		bboxMin:           geo.NewVec3(math.MaxFloat32, math.MaxFloat32, math.MaxFloat32),
		bboxMax:           geo.NewVec3(-math.MaxFloat32, -math.MaxFloat32, -math.MaxFloat32),
	}

	for _, path := range files {
		data, err := b.reader.LoadShard(path)
		if err != nil {
			b.log.Warn("skipping unreadable shard", zap.String("path", path), zap.Error(err))
			continue
		}

		if data.IntervalStartTimeStep < scan.globalMinTimeStep {
			scan.globalMinTimeStep = data.IntervalStartTimeStep
		}
		if data.EndTimeStep() > scan.globalMaxTimeStep {
			scan.globalMaxTimeStep = data.EndTimeStep()
		}

		if cfg.ComputeBoundingBox {
			for _, entry := range data.Entries {
				for _, p := range entry.Positions {
					if p.IsNaN() {
						continue
					}
					scan.bboxMin = geo.ComponentMin(scan.bboxMin, p)
					scan.bboxMax = geo.ComponentMax(scan.bboxMax, p)
				}
			}
		}

		scan.paths = append(scan.paths, path)
	}

	if len(scan.paths) == 0 {
		return nil, util.WrapErrorf(nil, util.ErrIO,
			"none of the %d shard files in %s could be read", len(files), cfg.DatasetDir)
	}
	if scan.globalMinTimeStep < 0 {
		return nil, util.WrapErrorf(nil, util.ErrValidation,
			"dataset starts at negative time step %d", scan.globalMinTimeStep)
	}

	if cfg.ComputeBoundingBox {
		margin := geo.NewVec3(cfg.BoundingBoxMargin, cfg.BoundingBoxMargin, cfg.BoundingBoxMargin)
		scan.bboxMin = scan.bboxMin.Sub(margin)
		scan.bboxMax = scan.bboxMax.Add(margin)
	} else {
		scan.bboxMin = cfg.BBoxMin
		scan.bboxMax = cfg.BBoxMax
	}
	if !geo.ComponentLessEq(scan.bboxMin, scan.bboxMax) {
		return nil, util.WrapErrorf(nil, util.ErrValidation, "bounding box min exceeds max")
	}

	return scan, nil
}

type loadedShard struct {
	path string
	data *shard.Data
	err  error
}

// buildBatches is pass 2: load cfg.BatchSize shards at a time, route their
// samples into per-timestep buckets, then build and save one table per
// occupied time step.
func (b *IncrementalBuilder) buildBatches(cfg Config, scan *scanResult) (int, error) {
	tablesWritten := 0

	for batchStart := 0; batchStart < len(scan.paths); batchStart += cfg.BatchSize {
		batchEnd := util.MinInt(batchStart+cfg.BatchSize, len(scan.paths))
		batchPaths := scan.paths[batchStart:batchEnd]

		shards, err := b.loadBatch(batchPaths)
		if err != nil {
			return tablesWritten, err
		}

		batchMin := int32(math.MaxInt32)
		batchMax := int32(math.MinInt32)
		for _, data := range shards {
			if data.IntervalStartTimeStep < batchMin {
				batchMin = data.IntervalStartTimeStep
			}
			if data.EndTimeStep() > batchMax {
				batchMax = data.EndTimeStep()
			}
		}

		batchSamples := b.extractBatchSamples(shards, batchMin, batchMax)
		shards = nil

		written, err := b.buildBatchTables(cfg, scan, batchSamples, batchMin)
		if err != nil {
			return tablesWritten, err
		}
		tablesWritten += written

		b.log.Info("batch complete",
			zap.Int("batchStart", batchStart),
			zap.Int32("batchMinTimeStep", batchMin),
			zap.Int32("batchMaxTimeStep", batchMax),
			zap.Int("tablesWritten", written))
	}

	return tablesWritten, nil
}

func (b *IncrementalBuilder) loadBatch(paths []string) ([]*shard.Data, error) {
	wp := concurrent.NewWorkerPool[string, loadedShard](util.MinInt(len(paths), DefaultBatchSize), len(paths))
	wp.Start(func(path string) loadedShard {
		data, err := b.reader.LoadShard(path)
		return loadedShard{path: path, data: data, err: err}
	})
	for _, path := range paths {
		wp.AddJob(path)
	}
	wp.Close()
	wp.Wait()

	shards := make([]*shard.Data, 0, len(paths))
	for res := range wp.CollectResults() {
		if res.err != nil {
			return nil, util.WrapErrorf(res.err, util.ErrIO, "load shard %s in batch", res.path)
		}
		shards = append(shards, res.data)
	}

	return shards, nil
}

// extractBatchSamples routes every valid sample into its time step bucket.
// Shards extract in parallel; each worker gathers locally and appends under
// one critical section, so bucket contents are deterministic up to shard
// interleaving (within-cell ID order is therefore not guaranteed across
// builds).
func (b *IncrementalBuilder) extractBatchSamples(shards []*shard.Data, batchMin, batchMax int32) [][]hashtable.Sample {
	batchSamples := make([][]hashtable.Sample, batchMax-batchMin+1)
	var mu sync.Mutex

	wp := concurrent.NewWorkerPool[*shard.Data, int](util.MinInt(len(shards), DefaultBatchSize), len(shards))
	wp.Start(func(data *shard.Data) int {
		local := make([]hashtable.Sample, 0, 256)
		for _, entry := range data.Entries {
			for i, p := range entry.Positions {
				if p.IsNaN() {
					continue
				}
				ts := data.GlobalTimeStep(i)
				if ts < batchMin || ts > batchMax {
					continue
				}
				local = append(local, hashtable.Sample{
					TrajectoryID: entry.TrajectoryID,
					TimeStep:     ts,
					Position:     p,
				})
			}
		}

		mu.Lock()
		for _, sample := range local {
			idx := sample.TimeStep - batchMin
			batchSamples[idx] = append(batchSamples[idx], sample)
		}
		mu.Unlock()

		return len(local)
	})
	for _, data := range shards {
		wp.AddJob(data)
	}
	wp.Close()
	wp.Wait()
	for range wp.CollectResults() {
	}

	return batchSamples
}

// buildBatchTables builds and saves the batch's time steps in parallel. The
// first failure flips hasError so pending work short-circuits; the error
// aborts the whole build.
func (b *IncrementalBuilder) buildBatchTables(cfg Config, scan *scanResult,
	batchSamples [][]hashtable.Sample, batchMin int32) (int, error) {

	var hasError atomic.Bool
	var written atomic.Int64
	var logMu sync.Mutex

	g := errgroup.Group{}
	for i := range batchSamples {
		i := i
		g.Go(func() error {
			if hasError.Load() {
				return nil
			}

			samples := batchSamples[i]
			if len(samples) == 0 {
				return nil
			}

			timeStep := uint32(batchMin + int32(i))
			table, err := hashtable.BuildForTimeStep(timeStep, samples, cfg.CellSize, scan.bboxMin, scan.bboxMax)
			if err != nil {
				hasError.Store(true)
				return util.WrapErrorf(err, util.ErrValidation, "build table for time step %d", timeStep)
			}

			filename := hashtable.OutputFilename(cfg.DatasetDir, cfg.CellSize, timeStep)
			if err := table.Save(filename); err != nil {
				hasError.Store(true)
				return util.WrapErrorf(err, util.ErrIO, "save table for time step %d", timeStep)
			}

			written.Add(1)
			if timeStep%100 == 0 {
				logMu.Lock()
				b.log.Info("built hash table", zap.Uint32("timeStep", timeStep),
					zap.Int("samples", len(samples)))
				logMu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return int(written.Load()), err
	}
	return int(written.Load()), nil
}
