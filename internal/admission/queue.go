// Package admission limits the number of concurrently executing expensive
// operations per named category, so bursts of logins, registrations or
// store-bound work never overwhelm the backing store.
//
// Ordering is priority first, enqueue order second. The queue never rejects
// work: pending items accumulate without bound, which under sustained
// overload is an acknowledged starvation risk rather than a solved problem.
package admission

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrTaskPanic resolves the future of a task that panicked. The panic is
// contained: the queue keeps processing remaining items unaffected.
var ErrTaskPanic = errors.New("admitted task panicked")

// Task is one unit of admitted work.
type Task func(ctx context.Context) (any, error)

// Ticket is the caller's handle for a queued task.
type Ticket struct {
	queue      *Queue
	fn         Task
	priority   int
	seq        uint64
	enqueuedAt time.Time
	index      int // heap index; -1 once dequeued or cancelled

	done chan struct{}
	val  any
	err  error
}

// Wait blocks until the task finishes or ctx expires. Context expiry does
// not cancel a task that is already running; it only abandons the wait.
func (t *Ticket) Wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return t.val, t.err
	}
}

// Cancel removes the task if it is still pending. Once a task has been
// dequeued it runs to completion or failure on its own; Cancel then
// reports false.
func (t *Ticket) Cancel() bool {
	t.queue.mu.Lock()
	defer t.queue.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&t.queue.pending, t.index)
	t.err = context.Canceled
	close(t.done)
	return true
}

// Queue is one admission category. Tasks run on their own goroutines; the
// queue only gates how many run at once.
type Queue struct {
	name          string
	maxConcurrent int
	logger        *slog.Logger

	mu       sync.Mutex
	pending  ticketHeap
	inFlight int
	seq      uint64
	draining bool
}

func New(name string, maxConcurrent int, logger *slog.Logger) *Queue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Queue{
		name:          name,
		maxConcurrent: maxConcurrent,
		logger:        logger,
	}
}

// Enqueue inserts fn ordered by (priority desc, enqueue time asc) and
// starts it as soon as a concurrency slot frees up.
func (q *Queue) Enqueue(priority int, fn Task) *Ticket {
	q.mu.Lock()
	q.seq++
	t := &Ticket{
		queue:      q,
		fn:         fn,
		priority:   priority,
		seq:        q.seq,
		enqueuedAt: time.Now(),
		done:       make(chan struct{}),
	}
	heap.Push(&q.pending, t)
	q.dispatchLocked()
	q.mu.Unlock()
	return t
}

// Do is the synchronous convenience wrapper: enqueue, then wait. If ctx
// expires while the task is still pending, the task is cancelled so it
// never occupies a slot for a caller that already gave up.
func (q *Queue) Do(ctx context.Context, priority int, fn Task) (any, error) {
	t := q.Enqueue(priority, fn)
	val, err := t.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		t.Cancel()
	}
	return val, err
}

// dispatchLocked drains the heap while slots are free. Caller holds q.mu.
func (q *Queue) dispatchLocked() {
	for q.inFlight < q.maxConcurrent && q.pending.Len() > 0 {
		t := heap.Pop(&q.pending).(*Ticket)
		q.inFlight++
		go q.run(t)
	}
}

func (q *Queue) run(t *Ticket) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("admitted task panicked", "queue", q.name, "panic", r)
			t.err = ErrTaskPanic
			close(t.done)
		}
		q.mu.Lock()
		q.inFlight--
		q.dispatchLocked()
		q.mu.Unlock()
	}()

	wait := time.Since(t.enqueuedAt)
	if wait > time.Second {
		q.logger.Warn("task admitted after long wait", "queue", q.name, "waited", wait)
	}

	t.val, t.err = t.fn(context.Background())
	close(t.done)
}

// InFlight reports how many tasks are currently running.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// PendingLen reports how many tasks are waiting for a slot.
func (q *Queue) PendingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// ticketHeap orders by priority desc, then seq asc (FIFO among equals).
type ticketHeap []*Ticket

func (h ticketHeap) Len() int { return len(h) }

func (h ticketHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h ticketHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *ticketHeap) Push(x any) {
	t := x.(*Ticket)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *ticketHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
