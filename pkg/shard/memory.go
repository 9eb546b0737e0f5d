package shard

import (
	"github.com/kahlertfr/trajectory-spatialhash/pkg/util"
)

// MemoryReader is an in-memory Reader for tests and tools that already hold
// parsed shard data.
type MemoryReader struct {
	shards map[string]*Data
}

func NewMemoryReader() *MemoryReader {
	return &MemoryReader{
		shards: make(map[string]*Data),
	}
}

func (r *MemoryReader) Put(path string, data *Data) {
	r.shards[path] = data
}

func (r *MemoryReader) LoadShard(path string) (*Data, error) {
	data, ok := r.shards[path]
	if !ok {
		return nil, util.WrapErrorf(nil, util.ErrIO, "shard %s not found", path)
	}
	return data, nil
}
