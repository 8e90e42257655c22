package imgfetch

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// TaskHandle is the per-request front end of a shared task. The task
// registry is the sole owner of tasks; a handle holds only a non-owning
// reference, so dropping all handles for a key cancels and reaps the task.
type TaskHandle struct {
	id       uuid.UUID
	pipeline *Pipeline
	key      string
	job      *job // nil when the request completed synchronously from memory

	priority     atomic.Int32
	onCompletion func(*Response, error)
	onProgress   func(completed, total int64)

	once sync.Once
	done chan struct{}
	resp *Response
	err  error
}

// SubmitOption configures a single submission.
type SubmitOption func(*TaskHandle)

// WithCompletion registers a callback invoked exactly once when the request
// reaches a terminal state. Callbacks across subscribers of one task fire
// in subscriber-registration order, on the delivering goroutine.
func WithCompletion(fn func(*Response, error)) SubmitOption {
	return func(h *TaskHandle) { h.onCompletion = fn }
}

// WithProgress registers a callback receiving download progress
// (bytes received so far, total expected or -1).
func WithProgress(fn func(completed, total int64)) SubmitOption {
	return func(h *TaskHandle) { h.onProgress = fn }
}

// ID returns the handle's unique identity.
func (h *TaskHandle) ID() uuid.UUID { return h.id }

// Priority returns the handle's own priority (not the task aggregate).
func (h *TaskHandle) Priority() Priority { return Priority(h.priority.Load()) }

// SetPriority changes this subscriber's priority. The task's aggregated
// priority (max over subscribers) and every queued operation belonging to
// the task are updated before SetPriority returns.
func (h *TaskHandle) SetPriority(p Priority) {
	h.priority.Store(int32(p))
	if h.job != nil {
		h.job.updatePriority()
	}
}

// Cancel removes this subscriber from the task. Cancelling the last
// subscriber cancels the task's queued operations synchronously and reaps
// the task. The handle resolves with ErrCancelled.
func (h *TaskHandle) Cancel() {
	if h.job != nil {
		h.pipeline.detach(h.job, h)
		return
	}
	h.complete(nil, ErrCancelled)
}

// Done is closed once the handle has a terminal result.
func (h *TaskHandle) Done() <-chan struct{} { return h.done }

// Result blocks until the request reaches a terminal state and returns its
// outcome. Cancelled handles return ErrCancelled.
func (h *TaskHandle) Result() (*Response, error) {
	<-h.done
	return h.resp, h.err
}

func (h *TaskHandle) complete(resp *Response, err error) {
	h.once.Do(func() {
		h.resp = resp
		h.err = err
		close(h.done)
		if h.onCompletion != nil {
			h.onCompletion(resp, err)
		}
	})
}
