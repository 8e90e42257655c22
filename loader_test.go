package imgfetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seqTransport serves each fetch from the next scripted response, repeating
// the last one, and records every requested offset.
type seqTransport struct {
	mu      sync.Mutex
	offsets []int64
	fns     []func(ctx context.Context, offset int64) (io.ReadCloser, int64, error)
}

func (s *seqTransport) Fetch(ctx context.Context, url string, offset int64) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	s.offsets = append(s.offsets, offset)
	fn := s.fns[0]
	if len(s.fns) > 1 {
		s.fns = s.fns[1:]
	}
	s.mu.Unlock()
	return fn(ctx, offset)
}

func (s *seqTransport) fetchOffsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.offsets...)
}

// flakyReader serves its data once and then fails.
type flakyReader struct {
	data   []byte
	err    error
	served bool
}

func (r *flakyReader) Read(p []byte) (int, error) {
	if !r.served {
		r.served = true
		return copy(p, r.data), nil
	}
	return 0, r.err
}

func (r *flakyReader) Close() error { return nil }

// stallReader serves its data once and then blocks until ctx is cancelled.
type stallReader struct {
	data   []byte
	ctx    context.Context
	served bool
}

func (r *stallReader) Read(p []byte) (int, error) {
	if !r.served {
		r.served = true
		return copy(p, r.data), nil
	}
	<-r.ctx.Done()
	return 0, r.ctx.Err()
}

func (r *stallReader) Close() error { return nil }

func TestInterruptedLoadPersistsPartialAndResumes(t *testing.T) {
	payload := []byte("0123456789")
	head := payload[:4]

	st := &seqTransport{fns: []func(ctx context.Context, offset int64) (io.ReadCloser, int64, error){
		// First attempt: connection dies after the first chunk.
		func(ctx context.Context, offset int64) (io.ReadCloser, int64, error) {
			return &flakyReader{data: head, err: errors.New("connection reset")}, int64(len(payload)), nil
		},
		// Second attempt: honor the requested range.
		func(ctx context.Context, offset int64) (io.ReadCloser, int64, error) {
			return io.NopCloser(bytes.NewReader(payload[offset:])), int64(len(payload)), nil
		},
	}}
	tp := newTestPipeline(t, func(cfg *Config) { cfg.Transport = st })

	req := Request{URL: "https://example.com/a.jpg"}
	resourceKey := req.ResourceKey()

	_, err := tp.Submit(context.Background(), req).Result()
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.True(t, transportErr.Resumable, "partial bytes were received")

	assert.Equal(t, head, tp.store.Data(partialKey(resourceKey)),
		"received bytes survive the interruption")
	assert.Equal(t, []byte("total:10\n"), tp.store.Data(partialMetaKey(resourceKey)))

	resp, err := tp.Submit(context.Background(), req).Result()
	require.NoError(t, err)

	assert.Equal(t, payload, resp.Image.Pixels, "partial prefix plus resumed suffix")
	assert.Equal(t, []int64{0, int64(len(head))}, st.fetchOffsets(),
		"second attempt resumes at the partial length")
	assert.False(t, tp.store.ContainsData(partialKey(resourceKey)),
		"partial entries are discarded on success")
	assert.False(t, tp.store.ContainsData(partialMetaKey(resourceKey)))
}

func TestResumeNotSupportedFallsBackToFullFetch(t *testing.T) {
	payload := []byte("0123456789")
	tp := newTestPipeline(t, nil)
	tp.transport.serve("https://example.com/a.jpg", payload)
	tp.transport.failResume = true

	req := Request{URL: "https://example.com/a.jpg"}
	resourceKey := req.ResourceKey()

	// A previous interrupted attempt left a partial blob behind.
	tp.store.StoreData(partialKey(resourceKey), payload[:4])
	tp.store.StoreData(partialMetaKey(resourceKey), []byte("total:10\n"))

	resp, err := tp.Submit(context.Background(), req).Result()
	require.NoError(t, err)

	assert.Equal(t, payload, resp.Image.Pixels)
	assert.Equal(t, []int64{4, 0}, tp.transport.fetchOffsets(),
		"ranged attempt first, then a fresh full fetch")
	assert.False(t, tp.store.ContainsData(partialKey(resourceKey)),
		"unusable partial data is discarded")
}

func TestCancelMidTransferPersistsPartial(t *testing.T) {
	head := []byte("0123")

	progressed := make(chan struct{}, 1)
	st := &seqTransport{fns: []func(ctx context.Context, offset int64) (io.ReadCloser, int64, error){
		func(ctx context.Context, offset int64) (io.ReadCloser, int64, error) {
			return &stallReader{data: head, ctx: ctx}, 10, nil
		},
	}}
	tp := newTestPipeline(t, func(cfg *Config) { cfg.Transport = st })

	req := Request{URL: "https://example.com/a.jpg"}
	h := tp.Submit(context.Background(), req, WithProgress(func(completed, total int64) {
		select {
		case progressed <- struct{}{}:
		default:
		}
	}))

	select {
	case <-progressed:
	case <-time.After(5 * time.Second):
		t.Fatal("no progress report before cancellation")
	}
	h.Cancel()

	_, err := h.Result()
	assert.ErrorIs(t, err, ErrCancelled)

	// The load goroutine persists what it received on its way out.
	resourceKey := req.ResourceKey()
	assert.Eventually(t, func() bool {
		return tp.store.ContainsData(partialKey(resourceKey))
	}, 5*time.Second, 10*time.Millisecond, "partial blob persisted after cancellation")
	assert.Equal(t, head, tp.store.Data(partialKey(resourceKey)))
}

func TestDisableResumableDataSkipsPartialPersistence(t *testing.T) {
	st := &seqTransport{fns: []func(ctx context.Context, offset int64) (io.ReadCloser, int64, error){
		func(ctx context.Context, offset int64) (io.ReadCloser, int64, error) {
			return &flakyReader{data: []byte("0123"), err: errors.New("connection reset")}, 10, nil
		},
	}}
	tp := newTestPipeline(t, func(cfg *Config) {
		cfg.Transport = st
		cfg.DisableResumableData = true
	})

	req := Request{URL: "https://example.com/a.jpg"}
	_, err := tp.Submit(context.Background(), req).Result()

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.False(t, transportErr.Resumable, "nothing was preserved, so nothing is resumable")
	assert.False(t, tp.store.ContainsData(partialKey(req.ResourceKey())))
	assert.Equal(t, []int64{0}, st.fetchOffsets(), "no ranged attempts without resumable data")
}

func TestUnknownTotalReportsMinusOne(t *testing.T) {
	payload := []byte("pixels")
	st := &seqTransport{fns: []func(ctx context.Context, offset int64) (io.ReadCloser, int64, error){
		func(ctx context.Context, offset int64) (io.ReadCloser, int64, error) {
			return io.NopCloser(bytes.NewReader(payload)), -1, nil
		},
	}}
	tp := newTestPipeline(t, func(cfg *Config) { cfg.Transport = st })

	var mu sync.Mutex
	totals := []int64{}
	h := tp.Submit(context.Background(), Request{URL: "https://example.com/a.jpg"},
		WithProgress(func(completed, total int64) {
			mu.Lock()
			totals = append(totals, total)
			mu.Unlock()
		}))
	_, err := h.Result()
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, totals)
	assert.Equal(t, int64(-1), totals[0])
}

func TestParsePartialMeta(t *testing.T) {
	assert.Equal(t, int64(1234), parsePartialMeta([]byte("total:1234\n")))
	assert.Equal(t, int64(-1), parsePartialMeta([]byte("garbage")))
}
