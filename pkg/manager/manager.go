// Package manager owns the cache of loaded hash tables, keyed by
// (cellSize, timeStep). Tables load with header and entries resident; ID
// payloads stay on disk. Cache mutations belong to the owner side; queries
// share cached tables read-only for their duration.
package manager

import (
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kahlertfr/trajectory-spatialhash/pkg/async"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/builder"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/geo"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/hashtable"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/shard"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/telemetry"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/util"
	"go.uber.org/zap"
)

// CellSizeTolerance is the absolute tolerance under which two cell sizes
// address the same table.
const CellSizeTolerance = 0.001

// tableKey buckets the cell size to the nearest tolerance multiple so that
// hashing stays consistent with tolerance equality.
type tableKey struct {
	cellBucket int64
	timeStep   int32
}

func newTableKey(cellSize float32, timeStep int32) tableKey {
	return tableKey{
		cellBucket: int64(math.Round(float64(cellSize) / CellSizeTolerance)),
		timeStep:   timeStep,
	}
}

func (k tableKey) cellSize() float32 {
	return float32(float64(k.cellBucket) * CellSizeTolerance)
}

func cellSizesMatch(a, b float32) bool {
	return math.Abs(float64(a)-float64(b)) < CellSizeTolerance
}

type Manager struct {
	reader     shard.Reader
	dispatcher *async.Dispatcher
	log        *zap.Logger

	mu     sync.RWMutex
	tables map[tableKey]*hashtable.Table

	buildInProgress atomic.Bool
}

// New wires a manager to its shard reader. The dispatcher may be nil, in
// which case async build completions run inline on the build goroutine.
func New(reader shard.Reader, dispatcher *async.Dispatcher, log *zap.Logger) *Manager {
	return &Manager{
		reader:     reader,
		dispatcher: dispatcher,
		log:        log,
		tables:     make(map[tableKey]*hashtable.Table),
	}
}

func (m *Manager) Reader() shard.Reader {
	return m.reader
}

func (m *Manager) Dispatcher() *async.Dispatcher {
	return m.dispatcher
}

// LoadHashTables loads the tables for startTS..endTS inclusive, building the
// dataset's index first when files are missing and autoCreate is set. Tables
// whose header disagrees with the requested cell size or time step are logged
// and skipped. Returns the number of tables loaded.
func (m *Manager) LoadHashTables(datasetDir string, cellSize float32, startTS, endTS int32, autoCreate bool) (int, error) {
	if startTS > endTS {
		return 0, util.WrapErrorf(nil, util.ErrRange,
			"start time step %d exceeds end time step %d", startTS, endTS)
	}

	if !m.allTableFilesExist(datasetDir, cellSize, startTS, endTS) {
		if !autoCreate {
			return 0, util.WrapErrorf(nil, util.ErrMissingData,
				"hash tables missing under %s for cell size %.3f and auto-create is disabled",
				datasetDir, cellSize)
		}

		// auto-create always builds the full dataset, not just the
		// requested range
		ib := builder.NewIncrementalBuilder(m.reader, m.log)
		if _, err := ib.Build(builder.Config{
			DatasetDir:         datasetDir,
			CellSize:           cellSize,
			ComputeBoundingBox: true,
			BoundingBoxMargin:  1.0,
		}); err != nil {
			return 0, err
		}
	}

	loaded := 0
	for ts := startTS; ts <= endTS; ts++ {
		path := hashtable.OutputFilename(datasetDir, cellSize, uint32(ts))
		if err := m.LoadHashTable(path, cellSize, ts); err != nil {
			m.log.Error("failed to load hash table",
				zap.String("path", path), zap.Error(err))
			continue
		}
		loaded++
	}

	m.log.Info("loaded hash tables",
		zap.Int("loaded", loaded),
		zap.Int("requested", int(endTS-startTS+1)),
		zap.Float32("cellSize", cellSize))

	return loaded, nil
}

func (m *Manager) allTableFilesExist(datasetDir string, cellSize float32, startTS, endTS int32) bool {
	for ts := startTS; ts <= endTS; ts++ {
		path := hashtable.OutputFilename(datasetDir, cellSize, uint32(ts))
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}
	return true
}

// LoadHashTable loads one table file and validates its header against the
// requested parameters. A key that is already cached is left alone.
func (m *Manager) LoadHashTable(path string, cellSize float32, timeStep int32) error {
	key := newTableKey(cellSize, timeStep)

	m.mu.RLock()
	_, cached := m.tables[key]
	m.mu.RUnlock()
	if cached {
		m.log.Warn("hash table already loaded",
			zap.Float32("cellSize", cellSize), zap.Int32("timeStep", timeStep))
		return nil
	}

	table, err := hashtable.Load(path)
	if err != nil {
		return err
	}

	if !cellSizesMatch(table.Header.CellSize, cellSize) {
		return util.WrapErrorf(nil, util.ErrValidation,
			"cell size mismatch in %s: requested %.3f, header has %.3f",
			path, cellSize, table.Header.CellSize)
	}
	if table.Header.TimeStep != uint32(timeStep) {
		return util.WrapErrorf(nil, util.ErrValidation,
			"time step mismatch in %s: requested %d, header has %d",
			path, timeStep, table.Header.TimeStep)
	}

	m.mu.Lock()
	m.tables[key] = table
	m.mu.Unlock()

	telemetry.ObserveTableLoaded()
	return nil
}

// GetTable returns the cached table for (cellSize, timeStep), nil when not
// loaded.
func (m *Manager) GetTable(cellSize float32, timeStep int32) *hashtable.Table {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tables[newTableKey(cellSize, timeStep)]
}

// QueryCell returns the trajectory IDs sharing the cell that contains p,
// without any distance filtering.
func (m *Manager) QueryCell(p geo.Vec3, cellSize float32, timeStep int32) ([]uint32, error) {
	table := m.GetTable(cellSize, timeStep)
	if table == nil {
		return nil, util.WrapErrorf(nil, util.ErrMissingData,
			"no hash table loaded for cell size %.3f, time step %d", cellSize, timeStep)
	}
	return table.QueryAtPosition(p)
}

// UnloadHashTables removes every cached table with the given cell size and
// returns how many were removed.
func (m *Manager) UnloadHashTables(cellSize float32) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key := range m.tables {
		if cellSizesMatch(key.cellSize(), cellSize) {
			delete(m.tables, key)
			removed++
		}
	}

	telemetry.ObserveTablesUnloaded(removed)
	m.log.Info("unloaded hash tables", zap.Int("count", removed), zap.Float32("cellSize", cellSize))
	return removed
}

func (m *Manager) UnloadAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := len(m.tables)
	m.tables = make(map[tableKey]*hashtable.Table)

	telemetry.ObserveTablesUnloaded(removed)
	m.log.Info("unloaded all hash tables", zap.Int("count", removed))
	return removed
}

func (m *Manager) GetLoadedCellSizes() []float32 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[int64]struct{})
	sizes := make([]float32, 0)
	for key := range m.tables {
		if _, ok := seen[key.cellBucket]; ok {
			continue
		}
		seen[key.cellBucket] = struct{}{}
		sizes = append(sizes, key.cellSize())
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })
	return sizes
}

func (m *Manager) GetLoadedTimeSteps(cellSize float32) []int32 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	steps := make([]int32, 0)
	for key := range m.tables {
		if cellSizesMatch(key.cellSize(), cellSize) {
			steps = append(steps, key.timeStep)
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i] < steps[j] })
	return steps
}

func (m *Manager) IsLoaded(cellSize float32, timeStep int32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tables[newTableKey(cellSize, timeStep)]
	return ok
}

// MemoryStats reports the number of cached tables and their approximate
// resident bytes.
func (m *Manager) MemoryStats() (int, int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := int64(0)
	for _, table := range m.tables {
		total += table.MemoryBytes()
	}
	return len(m.tables), total
}

// CreateHashTablesAsync runs a full incremental build in the background and,
// on completion, loads startTS..endTS before invoking onComplete. Only one
// build may be in flight per manager. The completion runs on the dispatcher's
// owner goroutine when a dispatcher is wired.
func (m *Manager) CreateHashTablesAsync(cfg builder.Config, startTS, endTS int32,
	onComplete func(loaded int, err error)) error {

	if !m.buildInProgress.CompareAndSwap(false, true) {
		return util.WrapErrorf(nil, util.ErrConcurrency,
			"a hash table build is already in progress")
	}

	go func() {
		ib := builder.NewIncrementalBuilder(m.reader, m.log)
		_, buildErr := ib.Build(cfg)

		finish := func() {
			defer m.buildInProgress.Store(false)

			if buildErr != nil {
				m.log.Error("async hash table build failed", zap.Error(buildErr))
				if onComplete != nil {
					onComplete(0, buildErr)
				}
				return
			}

			loaded, err := m.LoadHashTables(cfg.DatasetDir, cfg.CellSize, startTS, endTS, false)
			if onComplete != nil {
				onComplete(loaded, err)
			}
		}

		if m.dispatcher != nil {
			if err := m.dispatcher.RunOnOwner(finish); err == nil {
				return
			}
		}
		finish()
	}()

	return nil
}

// BuildInProgress reports whether an async build is currently running.
func (m *Manager) BuildInProgress() bool {
	return m.buildInProgress.Load()
}
