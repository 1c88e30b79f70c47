package conductor

import (
	"context"
	"log/slog"
	"sync"
)

// WorkerFunc processes one event pulled off a queue. Errors are logged and
// counted; they never stop the queue.
type WorkerFunc func(ctx context.Context, ev Event) error

// Queue is an ordered in-memory job stream drained by a bounded worker pool.
// Push appends at the tail and never blocks; up to `concurrency` jobs run at
// once, in FIFO order otherwise.
type Queue struct {
	name        string
	concurrency int
	worker      WorkerFunc
	logger      *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	pending []Event
	active  int
	closed  bool
	waiters []chan struct{}
}

// NewQueue builds a queue with its worker bound at construction. The queue
// does not process anything until Start is called.
func NewQueue(name string, concurrency int, worker WorkerFunc, logger *slog.Logger) *Queue {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Queue{
		name:        name,
		concurrency: concurrency,
		worker:      worker,
		logger:      logger.With("queue", name),
	}
}

// Name returns the queue's registered name.
func (q *Queue) Name() string { return q.name }

// Start begins draining with ctx passed to every job. Events pushed before
// Start stay pending until it runs.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	q.ctx = ctx
	q.mu.Unlock()
	q.kick()
}

// Push places ev at the tail. It is a no-op after Destroy.
func (q *Queue) Push(ev Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Warn("event pushed to destroyed queue", "kind", ev.Kind())
		return
	}
	q.pending = append(q.pending, ev)
	queueDepth.WithLabelValues(q.name).Set(float64(len(q.pending) + q.active))
	q.mu.Unlock()
	q.kick()
}

// Depth reports pending plus running jobs.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + q.active
}

// Idle reports whether nothing is pending or running.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0 && q.active == 0
}

// Wait blocks until the queue drains or ctx is done. Used by tests and by the
// shutdown grace period.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	if len(q.pending) == 0 && q.active == 0 {
		q.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Destroy halts further processing. Pending jobs are dropped; in-flight jobs
// run to completion. Safe to call more than once.
func (q *Queue) Destroy() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := len(q.pending)
	q.pending = nil
	notify := q.active == 0
	q.mu.Unlock()

	if dropped > 0 {
		q.logger.Info("queue destroyed with pending jobs dropped", "dropped", dropped)
	}
	if notify {
		q.notifyIdle()
	}
}

func (q *Queue) kick() {
	q.mu.Lock()
	if q.ctx == nil {
		q.mu.Unlock()
		return
	}
	var starts []Event
	for q.active < q.concurrency && len(q.pending) > 0 {
		ev := q.pending[0]
		q.pending = q.pending[1:]
		q.active++
		starts = append(starts, ev)
	}
	ctx := q.ctx
	q.mu.Unlock()

	for _, ev := range starts {
		go q.run(ctx, ev)
	}
}

func (q *Queue) run(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("worker panicked", "kind", ev.Kind(), "panic", r)
			jobsTotal.WithLabelValues(q.name, "panic").Inc()
		}
		q.mu.Lock()
		q.active--
		idle := q.active == 0 && len(q.pending) == 0
		queueDepth.WithLabelValues(q.name).Set(float64(len(q.pending) + q.active))
		q.mu.Unlock()
		if idle {
			q.notifyIdle()
		}
		q.kick()
	}()

	if err := q.worker(ctx, ev); err != nil {
		q.logger.Error("worker failed", "kind", ev.Kind(), "event", ev.EventMeta().ID, "error", err)
		jobsTotal.WithLabelValues(q.name, "error").Inc()
		return
	}
	jobsTotal.WithLabelValues(q.name, "ok").Inc()
}

func (q *Queue) notifyIdle() {
	q.mu.Lock()
	waiters := q.waiters
	q.waiters = nil
	q.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}
