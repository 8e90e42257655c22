package imgfetch

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imgtoolkit/imgfetch/pkg/queue"
)

// gatedPipeline builds a single-worker, no-disk pipeline whose transport
// blocks every fetch until the returned release func is called. With the
// sole load slot occupied, later submissions stay queued and their
// operations can be inspected deterministically.
func gatedPipeline(t *testing.T) (*testPipeline, func()) {
	t.Helper()
	tp := newTestPipeline(t, func(cfg *Config) {
		cfg.DataCache = nil
		cfg.LoadConcurrency = 1
	})
	gate := make(chan struct{})
	tp.transport.gate = gate
	var once sync.Once
	return tp, func() { once.Do(func() { close(gate) }) }
}

// queuedOp returns the single stage operation belonging to h's task.
func queuedOp(t *testing.T, h *TaskHandle) *queue.Operation {
	t.Helper()
	require.NotNil(t, h.job)
	h.job.mu.Lock()
	defer h.job.mu.Unlock()
	require.Len(t, h.job.ops, 1)
	return h.job.ops[0]
}

func TestConcurrentRequestsShareOneTask(t *testing.T) {
	tp, release := gatedPipeline(t)
	defer release()
	payload := []byte("pixels")
	tp.transport.serve("https://example.com/a.jpg", payload)

	req := Request{URL: "https://example.com/a.jpg"}

	var mu sync.Mutex
	var order []string
	record := func(name string) SubmitOption {
		return WithCompletion(func(*Response, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		})
	}

	h1 := tp.Submit(context.Background(), req, record("first"))
	h2 := tp.Submit(context.Background(), req, record("second"))
	require.NotNil(t, h1.job)
	assert.Same(t, h1.job, h2.job, "equal cache keys join the same task")

	release()

	r1, err := h1.Result()
	require.NoError(t, err)
	r2, err := h2.Result()
	require.NoError(t, err)

	assert.Equal(t, payload, r1.Image.Pixels)
	assert.Same(t, r1.Image, r2.Image, "subscribers receive the shared result")
	assert.Equal(t, 1, tp.transport.fetchCount(), "one load for both requests")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, order, "delivery follows registration order")
}

func TestSetPriorityPropagatesSynchronously(t *testing.T) {
	tp, release := gatedPipeline(t)
	defer release()
	tp.transport.serve("https://example.com/a.jpg", []byte("a"))
	tp.transport.serve("https://example.com/b.jpg", []byte("b"))

	// Occupy the sole load slot so the second task's operation stays queued.
	blocker := tp.Submit(context.Background(), Request{URL: "https://example.com/a.jpg"})

	h := tp.Submit(context.Background(), Request{URL: "https://example.com/b.jpg"})
	op := queuedOp(t, h)
	require.Equal(t, PriorityNormal, op.Priority())

	h.SetPriority(PriorityVeryHigh)
	assert.Equal(t, PriorityVeryHigh, op.Priority(),
		"queued operation reflects the new priority before SetPriority returns")

	release()
	_, err := h.Result()
	require.NoError(t, err)
	_, err = blocker.Result()
	require.NoError(t, err)
}

func TestAggregatedPriorityIsMaxOverSubscribers(t *testing.T) {
	tp, release := gatedPipeline(t)
	defer release()
	tp.transport.serve("https://example.com/a.jpg", []byte("a"))
	tp.transport.serve("https://example.com/b.jpg", []byte("b"))

	blocker := tp.Submit(context.Background(), Request{URL: "https://example.com/a.jpg"})

	low := tp.Submit(context.Background(), Request{
		URL:      "https://example.com/b.jpg",
		Priority: PriorityLow,
	})
	op := queuedOp(t, low)
	require.Equal(t, PriorityLow, op.Priority())

	high := tp.Submit(context.Background(), Request{
		URL:      "https://example.com/b.jpg",
		Priority: PriorityHigh,
	})
	assert.Equal(t, PriorityHigh, op.Priority(), "joining subscriber raises the aggregate")

	// Dropping the high subscriber lowers the aggregate back down.
	high.Cancel()
	_, err := high.Result()
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, PriorityLow, op.Priority())

	release()
	_, err = low.Result()
	require.NoError(t, err, "remaining subscriber keeps the task alive")
	_, err = blocker.Result()
	require.NoError(t, err)
}

func TestCancellingSoleSubscriberRemovesQueuedOperation(t *testing.T) {
	tp, release := gatedPipeline(t)
	defer release()
	tp.transport.serve("https://example.com/a.jpg", []byte("a"))
	tp.transport.serve("https://example.com/b.jpg", []byte("b"))

	blocker := tp.Submit(context.Background(), Request{URL: "https://example.com/a.jpg"})

	h := tp.Submit(context.Background(), Request{URL: "https://example.com/b.jpg"})
	require.Equal(t, 1, tp.loadQueue.Pending())

	h.Cancel()
	assert.Equal(t, 0, tp.loadQueue.Pending(),
		"queued operation is gone before Cancel returns")

	_, err := h.Result()
	assert.ErrorIs(t, err, ErrCancelled)

	release()
	_, err = blocker.Result()
	require.NoError(t, err)
	assert.Equal(t, 1, tp.transport.fetchCount(), "cancelled task never reached the transport")
}

func TestCancelledKeyCanBeResubmitted(t *testing.T) {
	tp, release := gatedPipeline(t)
	defer release()
	payload := []byte("b")
	tp.transport.serve("https://example.com/a.jpg", []byte("a"))
	tp.transport.serve("https://example.com/b.jpg", payload)

	blocker := tp.Submit(context.Background(), Request{URL: "https://example.com/a.jpg"})

	req := Request{URL: "https://example.com/b.jpg"}
	h := tp.Submit(context.Background(), req)
	h.Cancel()
	_, err := h.Result()
	require.ErrorIs(t, err, ErrCancelled)

	// The task was reaped, so the same key starts fresh.
	h2 := tp.Submit(context.Background(), req)
	require.NotNil(t, h2.job)
	assert.NotSame(t, h.job, h2.job)

	release()
	resp, err := h2.Result()
	require.NoError(t, err)
	assert.Equal(t, payload, resp.Image.Pixels)
	_, err = blocker.Result()
	require.NoError(t, err)
}

func TestSubmitContextCancelsHandle(t *testing.T) {
	tp, release := gatedPipeline(t)
	defer release()
	tp.transport.serve("https://example.com/a.jpg", []byte("a"))

	ctx, cancel := context.WithCancel(context.Background())
	h := tp.Submit(ctx, Request{URL: "https://example.com/a.jpg"})
	cancel()

	_, err := h.Result()
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestCancelIsIdempotent(t *testing.T) {
	tp, release := gatedPipeline(t)
	defer release()
	tp.transport.serve("https://example.com/a.jpg", []byte("a"))

	h := tp.Submit(context.Background(), Request{URL: "https://example.com/a.jpg"})
	h.Cancel()
	h.Cancel()

	_, err := h.Result()
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestProgressReportsReachSubscribers(t *testing.T) {
	tp := newTestPipeline(t, func(cfg *Config) { cfg.DataCache = nil })
	payload := []byte("progress payload")
	tp.transport.serve("https://example.com/a.jpg", payload)

	var mu sync.Mutex
	type report struct{ completed, total int64 }
	var reports []report

	h := tp.Submit(context.Background(), Request{URL: "https://example.com/a.jpg"},
		WithProgress(func(completed, total int64) {
			mu.Lock()
			reports = append(reports, report{completed, total})
			mu.Unlock()
		}))
	_, err := h.Result()
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, reports)
	last := reports[len(reports)-1]
	assert.Equal(t, int64(len(payload)), last.completed)
	assert.Equal(t, int64(len(payload)), last.total)
}
