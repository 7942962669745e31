// Package dispatch provides single-goroutine FIFO execution contexts.
//
// A Queue runs posted functions one at a time, in the order they were posted,
// on a goroutine it owns. The reader uses one Queue as the GPU/decoder event
// context and another as the client callback context.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/user/framereader/pkg/ports"
)

// Queue is a FIFO executor backed by one goroutine. Posting never blocks.
type Queue struct {
	name string
	log  ports.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []func()
	closed  bool
	started bool
	done    chan struct{}

	executed atomic.Uint64
	panics   atomic.Uint64
}

// New creates a stopped queue. Work posted before Start runs once it starts.
func New(name string, log ports.Logger) *Queue {
	q := &Queue{
		name: name,
		log:  log,
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Start launches the queue goroutine. It is idempotent.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.startLocked()
}

func (q *Queue) startLocked() {
	if q.started {
		return
	}
	q.started = true
	go q.loop()
}

// Post schedules fn. It returns false once the queue is closed.
func (q *Queue) Post(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.cond.Signal()
	return true
}

// Close stops accepting work. Work already posted still runs, then the
// goroutine exits and Done is closed. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.startLocked()
	q.cond.Broadcast()
}

// Done is closed when the queue goroutine has exited.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Flush waits until every function posted before the call has run.
func (q *Queue) Flush(ctx context.Context) error {
	reached := make(chan struct{})
	if !q.Post(func() { close(reached) }) {
		select {
		case <-q.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Executed returns the number of functions run so far.
func (q *Queue) Executed() uint64 {
	return q.executed.Load()
}

// Panics returns the number of recovered panics.
func (q *Queue) Panics() uint64 {
	return q.panics.Load()
}

func (q *Queue) loop() {
	defer close(q.done)

	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.run(fn)
	}
}

// run executes fn, keeping the queue alive if it panics.
func (q *Queue) run(fn func()) {
	defer func() {
		q.executed.Add(1)
		if r := recover(); r != nil {
			q.panics.Add(1)
			q.log.Error("Recovered panic on %s queue: %v", q.name, r)
		}
	}()
	fn()
}

var _ ports.Executor = (*Queue)(nil)
