package query

import (
	"testing"
	"time"

	"github.com/kahlertfr/trajectory-spatialhash/pkg/async"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/geo"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/logger"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryRadiusAsync(t *testing.T) {
	dir, e := setupPointDataset(t)
	d := async.NewDispatcher(2, logger.NewNop())
	defer d.Close()

	done := make(chan struct{})
	var got []TrajectoryQueryResult
	require.NoError(t, e.QueryRadiusAsync(d, dir, geo.NewVec3(5, 5, 5), 6, 10, 0,
		func(results []TrajectoryQueryResult, err error) {
			require.NoError(t, err)
			got = results
			close(done)
		}))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("async query never completed")
	}
	assert.Equal(t, []int32{1, 2}, resultIDs(got))
}

func TestQueryDualRadiusAsync(t *testing.T) {
	dir, e := setupPointDataset(t)
	d := async.NewDispatcher(2, logger.NewNop())
	defer d.Close()

	done := make(chan struct{})
	require.NoError(t, e.QueryDualRadiusAsync(d, dir, geo.NewVec3(5, 5, 5), 1, 20, 10, 0,
		func(inner, outer []TrajectoryQueryResult, err error) {
			require.NoError(t, err)
			assert.Equal(t, []int32{1}, resultIDs(inner))
			assert.Equal(t, []int32{2, 3}, resultIDs(outer))
			close(done)
		}))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("async dual query never completed")
	}
}

func TestAsyncCallbackInvokedOnError(t *testing.T) {
	dir, e := setupPointDataset(t)
	d := async.NewDispatcher(2, logger.NewNop())
	defer d.Close()

	done := make(chan struct{})
	require.NoError(t, e.QueryRadiusAsync(d, dir, geo.NewVec3(5, 5, 5), 6, 10, 99,
		func(results []TrajectoryQueryResult, err error) {
			// error paths still deliver the callback, with empty results
			assert.ErrorIs(t, err, util.ErrMissingData)
			assert.Empty(t, results)
			close(done)
		}))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("callback not delivered on error path")
	}
}

func TestAsyncCallbackDroppedForDeadTarget(t *testing.T) {
	dir, e := setupPointDataset(t)
	d := async.NewDispatcher(2, logger.NewNop())

	invoked := false
	require.NoError(t, e.QueryRadiusAsync(d, dir, geo.NewVec3(5, 5, 5), 6, 10, 0,
		func([]TrajectoryQueryResult, error) { invoked = true },
		async.WithTargetAlive(func() bool { return false })))

	d.Close()
	assert.False(t, invoked)
}
