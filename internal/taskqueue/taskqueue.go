// Package taskqueue runs closures either on demand (sync queues drained by
// their owner) or on a worker goroutine that exists only while work is
// pending (async queues).
package taskqueue

import (
	"container/heap"
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work.
type Task func()

// Mode selects how a Queue executes its tasks.
type Mode int

const (
	// Sync queues only run tasks when RunFirstN is called.
	Sync Mode = iota
	// Async queues run tasks on a worker goroutine.
	Async
)

func (m Mode) String() string {
	if m == Async {
		return "async"
	}
	return "sync"
}

const (
	// cycle is the pause between two worker iterations.
	cycle = 16 * time.Millisecond
	// batchSize bounds the immediate tasks run per worker iteration.
	batchSize = 10
)

var ErrQueueClosed = errors.New("taskqueue: queue is shut down")

type delayed struct {
	due time.Time
	seq uint64
	fn  Task
}

// delayedHeap orders scheduled tasks by due time, then by scheduling order,
// so tasks sharing a due time are neither lost nor reordered.
type delayedHeap []*delayed

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}
func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)   { *h = append(*h, x.(*delayed)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue holds immediate tasks in FIFO order plus tasks scheduled for later.
type Queue struct {
	mode Mode
	name string
	log  *zap.Logger
	now  func() time.Time

	mu        sync.Mutex
	immediate *list.List
	scheduled delayedHeap
	seq       uint64
	running   bool
	closed    bool
	stop      chan struct{}
	exited    chan struct{}
	stopOnce  sync.Once
}

// Option customizes a Queue.
type Option func(*Queue)

// WithName labels the queue in logs.
func WithName(name string) Option {
	return func(q *Queue) { q.name = name }
}

// WithLogger sets the logger. The default is zap.L().
func WithLogger(log *zap.Logger) Option {
	return func(q *Queue) {
		if log != nil {
			q.log = log
		}
	}
}

// WithClock replaces time.Now for due-time computations.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// NewSync creates a queue drained by RunFirstN.
func NewSync(opts ...Option) *Queue {
	return newQueue(Sync, opts)
}

// NewAsync creates a queue drained by its own worker goroutine.
func NewAsync(opts ...Option) *Queue {
	return newQueue(Async, opts)
}

func newQueue(mode Mode, opts []Option) *Queue {
	q := &Queue{
		mode:      mode,
		log:       zap.L(),
		now:       time.Now,
		immediate: list.New(),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.log = q.log.Named("taskqueue").With(zap.String("queue", q.name), zap.Stringer("mode", mode))
	return q
}

// Mode returns the execution mode.
func (q *Queue) Mode() Mode {
	return q.mode
}

// Dispatch appends fn to the immediate tasks.
func (q *Queue) Dispatch(fn Task) error {
	return q.enqueue(func() { q.immediate.PushBack(fn) })
}

// DispatchFirst puts fn in front of every immediate task.
func (q *Queue) DispatchFirst(fn Task) error {
	return q.enqueue(func() { q.immediate.PushFront(fn) })
}

// Schedule runs fn once delay has elapsed. Scheduled tasks never run before
// their due time.
func (q *Queue) Schedule(fn Task, delay time.Duration) error {
	return q.enqueue(func() {
		q.seq++
		heap.Push(&q.scheduled, &delayed{due: q.now().Add(delay), seq: q.seq, fn: fn})
	})
}

func (q *Queue) enqueue(add func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	add()

	if q.mode == Async && !q.running {
		q.running = true
		q.exited = make(chan struct{})
		go q.work(q.exited)
	}
	return nil
}

// Len returns the number of pending tasks, scheduled ones included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.immediate.Len() + len(q.scheduled)
}

// RunFirstN runs up to n tasks on the calling goroutine and returns how many
// ran. A due scheduled task takes precedence over immediate tasks. Only sync
// queues can be drained this way.
func (q *Queue) RunFirstN(n int) int {
	if q.mode != Sync {
		q.log.Warn("RunFirstN called on an async queue")
		return 0
	}

	ran := 0
	for ran < n {
		q.mu.Lock()
		fn := q.popDueLocked()
		if fn == nil {
			fn = q.popImmediateLocked()
		}
		q.mu.Unlock()

		if fn == nil {
			break
		}
		fn()
		ran++
	}
	return ran
}

func (q *Queue) popDueLocked() Task {
	if len(q.scheduled) == 0 || q.scheduled[0].due.After(q.now()) {
		return nil
	}
	return heap.Pop(&q.scheduled).(*delayed).fn
}

func (q *Queue) popImmediateLocked() Task {
	front := q.immediate.Front()
	if front == nil {
		return nil
	}
	return q.immediate.Remove(front).(Task)
}

// work is the async worker. Each iteration runs at most one due scheduled
// task and up to batchSize immediate tasks, then pauses. It returns when both
// queues are empty; the next enqueue starts a new worker.
func (q *Queue) work(exited chan struct{}) {
	defer close(exited)

	timer := time.NewTimer(cycle)
	defer timer.Stop()

	batch := make([]Task, 0, batchSize+1)
	for {
		q.mu.Lock()
		if q.closed || (q.immediate.Len() == 0 && len(q.scheduled) == 0) {
			q.running = false
			q.mu.Unlock()
			return
		}
		batch = batch[:0]
		if fn := q.popDueLocked(); fn != nil {
			batch = append(batch, fn)
		}
		for i := 0; i < batchSize; i++ {
			fn := q.popImmediateLocked()
			if fn == nil {
				break
			}
			batch = append(batch, fn)
		}
		q.mu.Unlock()

		for i, fn := range batch {
			fn()
			batch[i] = nil
		}

		timer.Reset(cycle)
		select {
		case <-q.stop:
			return
		case <-timer.C:
		}
	}
}

// Shutdown drops pending tasks, refuses new ones and waits for the worker to
// finish its current task.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	dropped := q.immediate.Len() + len(q.scheduled)
	q.immediate.Init()
	q.scheduled = nil
	exited := q.exited
	running := q.running
	q.mu.Unlock()

	q.stopOnce.Do(func() { close(q.stop) })

	if dropped > 0 {
		q.log.Debug("pending tasks dropped on shutdown", zap.Int("count", dropped))
	}
	if !running || exited == nil {
		return nil
	}
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
