package spatialindex

import (
	"path/filepath"
	"testing"

	"github.com/kahlertfr/trajectory-spatialhash/pkg/geo"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/logger"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/shard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func refPaths(refs []ShardRef) []string {
	paths := make([]string, 0, len(refs))
	for _, r := range refs {
		paths = append(paths, r.GetPath())
	}
	return paths
}

func TestSearchTimeRange(t *testing.T) {
	si := NewShardIndex()
	si.Insert("shard-0.bin", 0, 15)
	si.Insert("shard-1.bin", 16, 31)
	si.Insert("shard-2.bin", 32, 47)
	require.Equal(t, 3, si.Len())

	assert.ElementsMatch(t, []string{"shard-0.bin"}, refPaths(si.SearchTimeRange(3, 10)))
	assert.ElementsMatch(t, []string{"shard-0.bin", "shard-1.bin"}, refPaths(si.SearchTimeRange(15, 16)))
	assert.ElementsMatch(t, []string{"shard-0.bin", "shard-1.bin", "shard-2.bin"},
		refPaths(si.SearchTimeRange(0, 100)))
	assert.Empty(t, si.SearchTimeRange(48, 60))
}

func TestBuildFromDirectory(t *testing.T) {
	dir := t.TempDir()

	for s := 0; s < 2; s++ {
		entries := []shard.Entry{{TrajectoryID: 1, Positions: []geo.Vec3{geo.NewVec3(1, 2, 3), geo.NewVec3(4, 5, 6)}}}
		path := filepath.Join(dir, "shard-"+string(rune('0'+s))+".bin")
		require.NoError(t, shard.WriteFile(path, int32(s), 2, entries))
	}

	si := NewShardIndex()
	require.NoError(t, si.Build(dir, shard.NewBinaryReader(), logger.NewNop()))
	require.Equal(t, 2, si.Len())

	refs := si.SearchTimeRange(2, 3)
	require.Len(t, refs, 1)
	assert.Equal(t, int32(2), refs[0].GetStartTimeStep())
	assert.Equal(t, int32(3), refs[0].GetEndTimeStep())
}
