package imgfetch

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/imgtoolkit/imgfetch/pkg/queue"
)

// jobState is a task's lifecycle state. Terminal states are completed,
// failed, and cancelled.
type jobState int

const (
	jobRunning jobState = iota
	jobCompleted
	jobFailed
	jobCancelled
)

// job is the shared unit of pipeline work for one cache key. The pipeline's
// registry holds at most one live job per key; every external request for
// that key subscribes to the same job and the job fans its result out to
// all subscribers in registration order.
//
// Lock ordering: Pipeline.mu before job.mu before queue internals. The
// registry-affecting transitions (attach, detach, finish) take Pipeline.mu
// first so a job can never be observed in the registry in a terminal state.
type job struct {
	key      string
	request  Request
	pipeline *Pipeline

	// ctx is the job's lifetime context; parent of every stage operation's
	// context. Cancelled when the subscriber set empties or the job ends.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	subscribers []*TaskHandle
	ops         []*queue.Operation
	state       jobState
	resp        *Response
	err         error

	// Stage-owned state. Only the single active stage goroutine touches
	// these, so they need no locking.
	data               []byte
	totalExpected      int64
	fromDiskCache      bool
	processedFromCache bool
	image              *Image
}

func newJob(p *Pipeline, req Request) *job {
	ctx, cancel := context.WithCancel(context.Background())
	return &job{
		key:           req.FinalKey(),
		request:       req,
		pipeline:      p,
		ctx:           ctx,
		cancel:        cancel,
		totalExpected: -1,
	}
}

// attach registers a subscriber. Caller must hold Pipeline.mu; the job is
// guaranteed non-terminal while it is still in the registry.
func (j *job) attach(h *TaskHandle) {
	j.mu.Lock()
	j.subscribers = append(j.subscribers, h)
	j.mu.Unlock()
}

// updatePriority recomputes the aggregated priority (max over live
// subscribers) and pushes it to every queued operation across all stage
// queues. Propagation is synchronous: queue order reflects the new
// priority before this returns.
func (j *job) updatePriority() {
	j.mu.Lock()
	defer j.mu.Unlock()
	p := j.aggregatedPriorityLocked()
	for _, op := range j.ops {
		op.SetPriority(p)
	}
}

func (j *job) aggregatedPriorityLocked() Priority {
	p := PriorityNormal
	for i, h := range j.subscribers {
		if hp := h.Priority(); i == 0 || hp > p {
			p = hp
		}
	}
	return p
}

// enqueue schedules a stage operation on q at the job's aggregated
// priority, recording its duration under the stage name. Skipped when the
// job already reached a terminal state.
func (j *job) enqueue(q *queue.Queue, stage string, body func(ctx context.Context)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != jobRunning {
		return
	}
	op := q.Add(j.ctx, j.aggregatedPriorityLocked(), func(ctx context.Context) {
		start := time.Now()
		body(ctx)
		j.pipeline.tracker.Record(stage, time.Since(start))
	})
	j.ops = append(j.ops, op)
}

// reportProgress fans download progress out to subscribers in registration
// order.
func (j *job) reportProgress(completed, total int64) {
	j.mu.Lock()
	subs := slices.Clone(j.subscribers)
	j.mu.Unlock()
	for _, h := range subs {
		if h.onProgress != nil {
			h.onProgress(completed, total)
		}
	}
}

func (j *job) succeed(resp *Response) {
	j.finish(resp, nil, jobCompleted)
}

func (j *job) fail(err error) {
	j.finish(nil, err, jobFailed)
}

// finish transitions the job to a terminal state, removes it from the
// registry, and broadcasts the result to all subscribers in registration
// order. Removal and recording are atomic with respect to attach, so late
// submissions for the key start a fresh task instead of observing a
// terminal one.
func (j *job) finish(resp *Response, err error, state jobState) {
	p := j.pipeline

	p.mu.Lock()
	j.mu.Lock()
	if j.state != jobRunning {
		j.mu.Unlock()
		p.mu.Unlock()
		return
	}
	j.state = state
	j.resp = resp
	j.err = err
	delete(p.jobs, j.key)
	subs := j.subscribers
	j.subscribers = nil
	j.mu.Unlock()
	p.mu.Unlock()

	j.cancel()
	for _, h := range subs {
		h.complete(resp, err)
	}
}

// detach removes a subscriber from the job. When the last subscriber
// leaves a running job, the job is cancelled: its queued operations are
// removed from their queues before detach returns, running operations
// observe context cancellation, and the job is reaped from the registry.
func (p *Pipeline) detach(j *job, h *TaskHandle) {
	p.mu.Lock()
	j.mu.Lock()

	found := false
	for i, sub := range j.subscribers {
		if sub == h {
			j.subscribers = slices.Delete(j.subscribers, i, i+1)
			found = true
			break
		}
	}
	if !found {
		// Already delivered or already detached.
		j.mu.Unlock()
		p.mu.Unlock()
		h.complete(nil, ErrCancelled)
		return
	}

	if len(j.subscribers) > 0 {
		// Remaining subscribers keep the job alive at their aggregate priority.
		agg := j.aggregatedPriorityLocked()
		for _, op := range j.ops {
			op.SetPriority(agg)
		}
		j.mu.Unlock()
		p.mu.Unlock()
		h.complete(nil, ErrCancelled)
		return
	}

	j.state = jobCancelled
	delete(p.jobs, j.key)
	ops := j.ops
	j.ops = nil
	j.mu.Unlock()
	p.mu.Unlock()

	for _, op := range ops {
		op.Cancel()
	}
	j.cancel()

	p.logger.Debug("task cancelled",
		"key", j.key,
		"url", j.request.URL,
		"handle", h.id)
	h.complete(nil, ErrCancelled)
}
