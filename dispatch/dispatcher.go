// Package dispatch implements the watcher dispatcher. Validators run
// synchronously on the caller's goroutine (apteryxserver calls them
// directly); this package only handles the asynchronous, per-originator
// FIFO watcher backlog and its ordering, timeout, and reentrancy rules.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/apteryxio/apteryxd/id"
)

type originatorKey struct{}

// WithOriginator tags ctx so a nested call into the engine from within
// a running callback can detect it is executing on behalf of orig.
func WithOriginator(ctx context.Context, orig id.Originator) context.Context {
	return context.WithValue(ctx, originatorKey{}, orig)
}

// IsReentrant reports whether ctx is already running dispatch work for
// orig, i.e. a watcher belonging to orig is issuing a further operation
// attributed to the same orig.
func IsReentrant(ctx context.Context, orig id.Originator) bool {
	v, _ := ctx.Value(originatorKey{}).(id.Originator)
	return v != "" && v == orig
}

// Task is one watcher invocation to run asynchronously.
type Task struct {
	Label string
	Run   func(ctx context.Context) error
}

type queuedTask struct {
	task Task
	done chan struct{}
}

type originatorQueue struct {
	mu      sync.Mutex
	pending []*queuedTask
	running bool
}

// Dispatcher runs watcher tasks with per-originator FIFO ordering over a
// bounded pool of N concurrently-executing callbacks, each bounded by a
// wall-clock timeout. set_wait-style blocking is implemented by callers
// collecting the returned Batch and calling Wait.
type Dispatcher struct {
	lg       *zap.Logger
	sem      chan struct{}
	timeout  time.Duration
	detector *TimeoutDetector

	mu     sync.Mutex
	queues map[id.Originator]*originatorQueue
}

// New creates a dispatcher with the given worker pool size (default 8)
// and per-callback timeout (default 1s).
func New(lg *zap.Logger, workers int, timeout time.Duration) *Dispatcher {
	if lg == nil {
		lg = zap.NewNop()
	}
	if workers <= 0 {
		workers = 8
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Dispatcher{
		lg:       lg,
		sem:      make(chan struct{}, workers),
		timeout:  timeout,
		detector: NewTimeoutDetector(timeout),
		queues:   make(map[id.Originator]*originatorQueue),
	}
}

// Batch is the set of watcher tasks enqueued by one mutation. Wait
// blocks until every task has run (or timed out individually) or until
// ctx is done.
type Batch struct {
	dones []chan struct{}
}

// Wait blocks until every task in the batch has completed.
func (b *Batch) Wait(ctx context.Context) error {
	for _, done := range b.dones {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Enqueue places tasks on orig's FIFO queue, preserving the order
// given: watchers for a single set fire in the order their records
// appeared in the registry's match result. Returns a Batch the caller
// can Wait on to observe watcher completion; a plain set discards it.
func (d *Dispatcher) Enqueue(orig id.Originator, tasks []Task) *Batch {
	batch := &Batch{dones: make([]chan struct{}, 0, len(tasks))}
	if len(tasks) == 0 {
		return batch
	}

	d.mu.Lock()
	q, ok := d.queues[orig]
	if !ok {
		q = &originatorQueue{}
		d.queues[orig] = q
	}
	d.mu.Unlock()

	q.mu.Lock()
	for _, t := range tasks {
		qt := &queuedTask{task: t, done: make(chan struct{})}
		batch.dones = append(batch.dones, qt.done)
		q.pending = append(q.pending, qt)
	}
	needsWorker := !q.running
	q.running = true
	q.mu.Unlock()

	if needsWorker {
		go d.drain(orig, q)
	}
	return batch
}

// drain runs queued tasks for one originator strictly in order, each
// gated by the shared worker-pool semaphore and its own timeout.
func (d *Dispatcher) drain(orig id.Originator, q *originatorQueue) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		qt := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		d.sem <- struct{}{}
		d.run(orig, qt)
		<-d.sem
	}
}

func (d *Dispatcher) run(orig id.Originator, qt *queuedTask) {
	defer close(qt.done)

	ctx, cancel := context.WithTimeout(WithOriginator(context.Background(), orig), d.timeout)
	defer cancel()

	resultC := make(chan error, 1)
	start := time.Now()
	go func() {
		resultC <- qt.task.Run(ctx)
	}()

	select {
	case err := <-resultC:
		if err != nil {
			d.lg.Warn("watcher callback failed", zap.String("label", qt.task.Label), zap.Error(err))
		}
	case <-ctx.Done():
		d.detector.Record(qt.task.Label, time.Now())
		d.lg.Warn("watcher callback timed out", zap.String("label", qt.task.Label), zap.Duration("after", time.Since(start)))
	}
}
