package spatialindex

import (
	"github.com/kahlertfr/trajectory-spatialhash/pkg/shard"
	"github.com/tidwall/rtree"
	"go.uber.org/zap"
)

// the exact-position fetch of every radius query walks shard files covering
// the queried time range. ShardIndex keeps one box per shard on the time axis
// so a query only opens the shards it can actually use.
type ShardRef struct {
	path          string
	startTimeStep int32
	endTimeStep   int32
}

func (sr ShardRef) GetPath() string {
	return sr.path
}

func (sr ShardRef) GetStartTimeStep() int32 {
	return sr.startTimeStep
}

func (sr ShardRef) GetEndTimeStep() int32 {
	return sr.endTimeStep
}

func newShardRef(path string, startTimeStep, endTimeStep int32) ShardRef {
	return ShardRef{
		path:          path,
		startTimeStep: startTimeStep,
		endTimeStep:   endTimeStep,
	}
}

type ShardIndex struct {
	tr *rtree.RTreeG[ShardRef]
}

func NewShardIndex() *ShardIndex {
	var tr rtree.RTreeG[ShardRef]
	return &ShardIndex{
		tr: &tr,
	}
}

// Build indexes every discoverable shard in datasetDir by its time interval.
// Shards that fail to load are logged and skipped.
func (si *ShardIndex) Build(datasetDir string, reader shard.Reader, log *zap.Logger) error {
	files, err := shard.ListShardFiles(datasetDir)
	if err != nil {
		return err
	}

	for _, path := range files {
		data, err := reader.LoadShard(path)
		if err != nil {
			log.Warn("skipping unreadable shard while indexing",
				zap.String("path", path), zap.Error(err))
			continue
		}
		si.Insert(path, data.IntervalStartTimeStep, data.EndTimeStep())
	}

	return nil
}

func (si *ShardIndex) Insert(path string, startTimeStep, endTimeStep int32) {
	si.tr.Insert(
		[2]float64{float64(startTimeStep), 0},
		[2]float64{float64(endTimeStep), 1},
		newShardRef(path, startTimeStep, endTimeStep))
}

// SearchTimeRange returns all shards whose interval intersects [ts0, ts1].
func (si *ShardIndex) SearchTimeRange(ts0, ts1 int32) []ShardRef {
	results := make([]ShardRef, 0, 4)
	si.tr.Search(
		[2]float64{float64(ts0), 0},
		[2]float64{float64(ts1), 1},
		func(min, max [2]float64, data ShardRef) bool {
			results = append(results, data)
			return true
		})
	return results
}

func (si *ShardIndex) Len() int {
	return si.tr.Len()
}
