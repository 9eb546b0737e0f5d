// Package shard reads the columnar trajectory position shards that feed index
// construction and exact-distance verification. A shard covers a contiguous
// interval of time steps for many trajectories; NaN positions mark time steps
// without a sample and are skipped by every consumer.
package shard

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/kahlertfr/trajectory-spatialhash/pkg/geo"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/util"
)

// Entry is one trajectory's slice of a shard. Positions always spans the full
// interval; index i holds the sample for time step IntervalStartTimeStep + i,
// NaN when missing. StartOffsetInInterval is the first valid index (-1 when
// the trajectory has no valid sample in this interval).
type Entry struct {
	TrajectoryID          uint32
	StartOffsetInInterval int32
	ValidSampleCount      int32
	Positions             []geo.Vec3
}

// Data is a fully parsed shard.
type Data struct {
	IntervalStartTimeStep int32
	IntervalSize          int32
	Entries               []Entry
}

// GlobalTimeStep maps an index into an entry's Positions array to the global
// time axis. Positions arrays span the whole interval, so the mapping is a
// plain offset from the interval start.
func (d *Data) GlobalTimeStep(i int) int32 {
	return d.IntervalStartTimeStep + int32(i)
}

// EndTimeStep is the last global time step covered by the shard, inclusive.
func (d *Data) EndTimeStep() int32 {
	return d.IntervalStartTimeStep + d.IntervalSize - 1
}

// Reader loads shard files. The query engine and the incremental builder take
// a Reader at construction; MemoryReader serves already parsed data.
type Reader interface {
	LoadShard(path string) (*Data, error)
}

const (
	shardFilePrefix = "shard-"
	shardFileSuffix = ".bin"
)

// ParseTimestepFromFilename extracts N from a path ending in shard-<N>.bin.
func ParseTimestepFromFilename(path string) (int32, error) {
	base := filepath.Base(path)
	if !strings.HasPrefix(base, shardFilePrefix) || !strings.HasSuffix(base, shardFileSuffix) {
		return 0, util.WrapErrorf(nil, util.ErrValidation,
			"%s does not match shard-<N>.bin", base)
	}

	numStr := strings.TrimSuffix(strings.TrimPrefix(base, shardFilePrefix), shardFileSuffix)
	n, err := strconv.ParseInt(numStr, 10, 32)
	if err != nil {
		return 0, util.WrapErrorf(err, util.ErrValidation, "parse shard number from %s", base)
	}

	return int32(n), nil
}

// ListShardFiles enumerates shard-*.bin files in dir, sorted
// lexicographically.
func ListShardFiles(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, shardFilePrefix+"*"+shardFileSuffix))
	if err != nil {
		return nil, util.WrapErrorf(err, util.ErrIO, "enumerate shards in %s", dir)
	}
	sort.Strings(matches)
	return matches, nil
}
