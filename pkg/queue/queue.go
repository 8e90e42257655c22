// Package queue implements priority-ordered, cancelable work queues with
// bounded concurrency.
//
// The pipeline owns one Queue per stage (data loading, cache reads,
// decoding, processing, encoding, cache writes). Within a queue, higher
// priority operations are scheduled ahead of not-yet-started lower priority
// ones; operations of equal priority run in submission order. Priority only
// affects scheduling order, never preempts a running operation.
package queue

import (
	"container/heap"
	"context"
	"sync"
)

// Priority orders operations within a queue. Higher values are scheduled
// first. The zero value is Normal, so an unset priority means Normal.
type Priority int

const (
	VeryLow Priority = iota - 2
	Low
	Normal
	High
	VeryHigh
)

// Queue is a priority-ordered operation queue that runs at most a fixed
// number of operations concurrently.
type Queue struct {
	mu      sync.Mutex
	pending opHeap
	running int
	limit   int
	seq     uint64
	closed  bool
}

// New creates a queue that runs at most maxConcurrent operations at a time.
func New(maxConcurrent int) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Queue{limit: maxConcurrent}
}

// Operation is a unit of work tracked by a Queue.
//
// Cancel and SetPriority are synchronous with respect to the queue: when
// Cancel returns, a not-yet-started operation has already been removed from
// the queue; when SetPriority returns, the scheduling order already reflects
// the new priority.
type Operation struct {
	q        *Queue
	fn       func(ctx context.Context)
	ctx      context.Context
	cancel   context.CancelFunc
	priority Priority
	seq      uint64
	index    int // position in the pending heap, -1 once dequeued
	started  bool
}

// Add enqueues fn with the given priority. The context passed to fn is
// derived from ctx and is cancelled when the operation is cancelled; fn is
// expected to check it at safe points.
func (q *Queue) Add(ctx context.Context, priority Priority, fn func(ctx context.Context)) *Operation {
	opCtx, cancel := context.WithCancel(ctx)
	op := &Operation{
		q:        q,
		fn:       fn,
		ctx:      opCtx,
		cancel:   cancel,
		priority: priority,
		index:    -1,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		cancel()
		return op
	}

	op.seq = q.seq
	q.seq++
	heap.Push(&q.pending, op)
	q.dispatch()
	return op
}

// dispatch starts pending operations while capacity remains.
// Caller must hold q.mu.
func (q *Queue) dispatch() {
	for q.running < q.limit && q.pending.Len() > 0 {
		op := heap.Pop(&q.pending).(*Operation)
		op.started = true
		q.running++
		go q.exec(op)
	}
}

func (q *Queue) exec(op *Operation) {
	if op.ctx.Err() == nil {
		op.fn(op.ctx)
	}
	op.cancel()

	q.mu.Lock()
	q.running--
	q.dispatch()
	q.mu.Unlock()
}

// Pending returns the number of operations waiting to be scheduled.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Running returns the number of operations currently executing.
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Close cancels all pending operations and rejects future ones.
// Already-running operations observe cancellation through their contexts.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for q.pending.Len() > 0 {
		op := heap.Pop(&q.pending).(*Operation)
		op.index = -1
		op.cancel()
	}
}

// Cancel removes the operation from the queue if it hasn't started, or
// cancels its context if it has. Removal is synchronous: once Cancel
// returns, the operation will never run.
func (op *Operation) Cancel() {
	op.q.mu.Lock()
	if !op.started && op.index >= 0 {
		heap.Remove(&op.q.pending, op.index)
		op.index = -1
	}
	op.q.mu.Unlock()
	op.cancel()
}

// SetPriority changes the operation's scheduling priority. If the operation
// is still pending, the queue order is fixed up before SetPriority returns.
func (op *Operation) SetPriority(p Priority) {
	op.q.mu.Lock()
	defer op.q.mu.Unlock()
	if op.priority == p {
		return
	}
	op.priority = p
	if !op.started && op.index >= 0 {
		heap.Fix(&op.q.pending, op.index)
	}
}

// Priority returns the operation's current scheduling priority.
func (op *Operation) Priority() Priority {
	op.q.mu.Lock()
	defer op.q.mu.Unlock()
	return op.priority
}

// opHeap orders by priority (high first), then submission order.
type opHeap []*Operation

func (h opHeap) Len() int { return len(h) }

func (h opHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h opHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *opHeap) Push(x any) {
	op := x.(*Operation)
	op.index = len(*h)
	*h = append(*h, op)
}

func (h *opHeap) Pop() any {
	old := *h
	n := len(old)
	op := old[n-1]
	old[n-1] = nil
	op.index = -1
	*h = old[:n-1]
	return op
}
