// Package taskrunner executes tasks with bounded concurrency. Waiting tasks
// take free slots in priority order. Tasks sharing a queue key run one at a
// time in submission order; failed tasks may be retried with exponential
// backoff.
package taskrunner

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"
)

// DefaultRetryDelay is the initial backoff between retries.
const DefaultRetryDelay = 200 * time.Millisecond

// Task is the unit of work. Attempt starts at 1.
type Task func(ctx context.Context, attempt int) (any, error)

// Options control how a single task is scheduled.
type Options struct {
	// QueueKey serializes tasks that share it. Empty means no serialization.
	QueueKey string
	// Retry is the number of additional attempts after a failure.
	Retry int
	// Priority orders tasks waiting for a slot. Higher runs first; ties keep
	// submission order.
	Priority int
}

// Runner schedules tasks.
type Runner struct {
	sem        *semaphore.Weighted
	limit      int
	retryDelay time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	lanes   map[string]*lane
	waiting waitQueue
	seq     uint64
}

type lane struct {
	ch   chan struct{}
	refs int
}

// Option configures a Runner.
type Option func(*Runner)

// WithRetryDelay sets the initial backoff interval.
func WithRetryDelay(d time.Duration) Option {
	return func(r *Runner) { r.retryDelay = d }
}

// WithLogger sets the logger used for retry notices.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// New returns a runner executing at most concurrency tasks at once.
func New(concurrency int, opts ...Option) *Runner {
	if concurrency <= 0 {
		concurrency = 1
	}
	r := &Runner{
		sem:        semaphore.NewWeighted(int64(concurrency)),
		limit:      concurrency,
		retryDelay: DefaultRetryDelay,
		logger:     slog.Default(),
		lanes:      map[string]*lane{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Limit is the configured concurrency.
func (r *Runner) Limit() int { return r.limit }

// Run blocks until task finishes, fails permanently, or ctx is done.
// The queue lane is acquired before a concurrency slot so waiting tasks of a
// busy lane never hold a slot.
func (r *Runner) Run(ctx context.Context, opts Options, task Task) (any, error) {
	if opts.QueueKey != "" {
		unlock, err := r.lock(ctx, opts.QueueKey)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}
	if err := r.acquire(ctx, opts.Priority); err != nil {
		return nil, err
	}
	defer r.release()

	attempt := 0
	op := func() (any, error) {
		attempt++
		v, err := safeCall(ctx, task, attempt)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return v, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retryDelay
	retries := max(opts.Retry, 0)
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(retries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.DebugContext(ctx, "task retry scheduled", "attempt", attempt, "next", next, "error", err)
		}),
	)
}

func safeCall(ctx context.Context, task Task, attempt int) (v any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v", p)
		}
	}()
	return task(ctx, attempt)
}

func (r *Runner) lock(ctx context.Context, key string) (func(), error) {
	r.mu.Lock()
	l, ok := r.lanes[key]
	if !ok {
		l = &lane{ch: make(chan struct{}, 1)}
		r.lanes[key] = l
	}
	l.refs++
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.lanes, key)
		}
		r.mu.Unlock()
	}

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			release()
		}, nil
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}

type waiter struct {
	priority int
	seq      uint64
	ready    chan struct{}
	granted  bool
	index    int
}

type waitQueue []*waiter

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}

// acquire takes a slot. Free slots live in the semaphore; a released slot is
// handed straight to the best waiter.
func (r *Runner) acquire(ctx context.Context, priority int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	if r.waiting.Len() == 0 && r.sem.TryAcquire(1) {
		r.mu.Unlock()
		return nil
	}
	r.seq++
	w := &waiter{priority: priority, seq: r.seq, ready: make(chan struct{})}
	heap.Push(&r.waiting, w)
	r.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		if w.granted {
			r.mu.Unlock()
			r.release()
			return ctx.Err()
		}
		heap.Remove(&r.waiting, w.index)
		r.mu.Unlock()
		return ctx.Err()
	}
}

func (r *Runner) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waiting.Len() == 0 {
		r.sem.Release(1)
		return
	}
	w := heap.Pop(&r.waiting).(*waiter)
	w.granted = true
	close(w.ready)
}
