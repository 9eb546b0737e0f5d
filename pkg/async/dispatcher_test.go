package async

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/kahlertfr/trajectory-spatialhash/pkg/logger"
	"github.com/kahlertfr/trajectory-spatialhash/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompletionsDeliveredOnOwner(t *testing.T) {
	d := NewDispatcher(4, logger.NewNop())

	// callbacks append without locking; the single owner goroutine is the
	// only thing keeping this race-free
	delivered := make([]int, 0, 100)
	for i := 0; i < 100; i++ {
		require.NoError(t, d.Submit("job", func() func() {
			return func() { delivered = append(delivered, i) }
		}))
	}

	d.Close()
	assert.Len(t, delivered, 100)
	assert.Zero(t, d.Outstanding())
}

func TestCallbackInvokedExactlyOnce(t *testing.T) {
	d := NewDispatcher(2, logger.NewNop())

	var calls atomic.Int64
	for i := 0; i < 50; i++ {
		require.NoError(t, d.Submit("job", func() func() {
			return func() { calls.Add(1) }
		}))
	}

	d.Close()
	assert.Equal(t, int64(50), calls.Load())
}

func TestCallerNotBlocked(t *testing.T) {
	d := NewDispatcher(1, logger.NewNop())
	defer d.Close()

	release := make(chan struct{})
	done := make(chan struct{})

	start := time.Now()
	require.NoError(t, d.Submit("slow", func() func() {
		<-release
		return func() { close(done) }
	}))
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, 1, d.Outstanding())
	close(release)
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("completion never delivered")
	}
}

func TestTargetAliveGuardDropsCallback(t *testing.T) {
	d := NewDispatcher(1, logger.NewNop())

	var alive atomic.Bool // target destroyed before delivery
	var invoked atomic.Bool
	require.NoError(t, d.Submit("guarded", func() func() {
		return func() { invoked.Store(true) }
	}, WithTargetAlive(alive.Load)))

	d.Close()
	assert.False(t, invoked.Load())
	assert.Zero(t, d.Outstanding())
}

func TestRunOnOwner(t *testing.T) {
	d := NewDispatcher(2, logger.NewNop())

	done := make(chan struct{})
	require.NoError(t, d.RunOnOwner(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("owner never ran the function")
	}
	d.Close()
}

func TestSubmitAfterClose(t *testing.T) {
	d := NewDispatcher(1, logger.NewNop())
	d.Close()

	err := d.Submit("late", func() func() { return nil })
	assert.ErrorIs(t, err, util.ErrConcurrency)

	err = d.RunOnOwner(func() {})
	assert.ErrorIs(t, err, util.ErrConcurrency)

	// double close is harmless
	d.Close()
}

func TestEmptyResultStillDelivers(t *testing.T) {
	d := NewDispatcher(1, logger.NewNop())

	done := make(chan struct{})
	require.NoError(t, d.Submit("empty", func() func() {
		// body produced nothing; the completion must fire anyway
		return func() { close(done) }
	}))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("completion for empty result never delivered")
	}
	d.Close()
}
