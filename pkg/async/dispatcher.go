// Package async moves long-running query and build work off the caller's
// goroutine. Bodies run on a shared worker pool; every completion closure is
// delivered on one owner goroutine, so callback code may touch manager state
// without further locking.
package async

import (
	"runtime"
	"sync"

	"github.com/kahlertfr/trajectory-spatialhash/pkg/util"
	"go.uber.org/zap"
)

// Work runs on a worker and returns the completion closure to invoke on the
// owner goroutine. The closure is invoked exactly once, even when the result
// is empty or an error occurred, so callers can treat delivery as completion.
type Work func() func()

type task struct {
	id          uint64
	label       string
	run         Work
	targetAlive func() bool
}

type completion struct {
	id          uint64
	label       string
	fn          func()
	targetAlive func() bool
}

type Option func(*task)

// WithTargetAlive attaches a liveness probe for the callback target. When the
// probe reports false at delivery time the completion is dropped silently.
func WithTargetAlive(alive func() bool) Option {
	return func(t *task) {
		t.targetAlive = alive
	}
}

type Dispatcher struct {
	log *zap.Logger

	tasks       chan task
	completions chan completion

	workerWg sync.WaitGroup
	ownerWg  sync.WaitGroup

	// closeMu serializes submissions against Close; regMu guards only the
	// registry so the owner's deregister never contends with a submission
	// blocked on a full channel
	closeMu sync.Mutex
	closed  bool
	nextID  uint64

	regMu       sync.Mutex
	outstanding map[uint64]string
}

// NewDispatcher starts numWorkers workers (GOMAXPROCS when <= 0) and the
// owner goroutine.
func NewDispatcher(numWorkers int, log *zap.Logger) *Dispatcher {
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}

	d := &Dispatcher{
		log:         log,
		tasks:       make(chan task, 64),
		completions: make(chan completion, 64),
		outstanding: make(map[uint64]string),
	}

	for i := 0; i < numWorkers; i++ {
		d.workerWg.Add(1)
		go d.worker()
	}

	d.ownerWg.Add(1)
	go d.ownerLoop()

	return d
}

func (d *Dispatcher) worker() {
	defer d.workerWg.Done()
	for t := range d.tasks {
		fn := t.run()
		d.completions <- completion{id: t.id, label: t.label, fn: fn, targetAlive: t.targetAlive}
	}
}

func (d *Dispatcher) ownerLoop() {
	defer d.ownerWg.Done()
	for c := range d.completions {
		if c.targetAlive != nil && !c.targetAlive() {
			d.log.Debug("dropping completion, callback target gone", zap.String("task", c.label))
		} else if c.fn != nil {
			c.fn()
		}
		if c.id != 0 {
			d.deregister(c.id)
		}
	}
}

// Submit schedules work on the pool. The task stays registered until its
// completion has been delivered (or dropped); Outstanding reports how many
// are registered.
func (d *Dispatcher) Submit(label string, run Work, opts ...Option) error {
	// the enqueue stays under closeMu so Close cannot close the channel
	// between the closed check and the send
	d.closeMu.Lock()
	defer d.closeMu.Unlock()

	if d.closed {
		return util.WrapErrorf(nil, util.ErrConcurrency, "dispatcher is closed")
	}
	d.nextID++
	t := task{id: d.nextID, label: label, run: run}
	for _, opt := range opts {
		opt(&t)
	}

	d.regMu.Lock()
	d.outstanding[t.id] = label
	d.regMu.Unlock()

	d.tasks <- t
	return nil
}

// RunOnOwner delivers fn to the owner goroutine without going through the
// worker pool. Used for state transitions that must not race with callbacks.
func (d *Dispatcher) RunOnOwner(fn func()) error {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()

	if d.closed {
		return util.WrapErrorf(nil, util.ErrConcurrency, "dispatcher is closed")
	}

	d.completions <- completion{fn: fn}
	return nil
}

func (d *Dispatcher) deregister(id uint64) {
	d.regMu.Lock()
	delete(d.outstanding, id)
	d.regMu.Unlock()
}

// Outstanding reports the number of tasks submitted but not yet delivered.
func (d *Dispatcher) Outstanding() int {
	d.regMu.Lock()
	defer d.regMu.Unlock()
	return len(d.outstanding)
}

// Close drains in-flight work: no new submissions are accepted, workers
// finish their queues, remaining completions are delivered, then the owner
// goroutine exits.
func (d *Dispatcher) Close() {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return
	}
	d.closed = true
	d.closeMu.Unlock()

	close(d.tasks)
	d.workerWg.Wait()
	close(d.completions)
	d.ownerWg.Wait()
}
