package imgfetch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imgtoolkit/imgfetch/pkg/datacache"
	"github.com/imgtoolkit/imgfetch/pkg/locking"
	"github.com/imgtoolkit/imgfetch/pkg/memcache"
	"github.com/imgtoolkit/imgfetch/pkg/metrics"
	"github.com/imgtoolkit/imgfetch/pkg/queue"
	"github.com/imgtoolkit/imgfetch/transport"
)

// DataCachePolicy selects which artifact the pipeline persists to the disk
// tier. It applies pipeline-wide, unlike the per-request CachePolicy.
type DataCachePolicy int

const (
	// DataCachePolicyAutomatic stores the encoded processed image for
	// requests with processors and the original downloaded bytes for
	// requests without. Never both.
	DataCachePolicyAutomatic DataCachePolicy = iota

	// DataCachePolicyStoreEncodedImages always encodes and stores the
	// final (processed or original) image.
	DataCachePolicyStoreEncodedImages

	// DataCachePolicyStoreOriginalData always stores the original
	// downloaded bytes under the resource key and never processed
	// encodings.
	DataCachePolicyStoreOriginalData
)

// Queue concurrency defaults, one per stage.
const (
	defaultLoadConcurrency       = 6
	defaultCacheReadConcurrency  = 2
	defaultDecodeConcurrency     = 1
	defaultProcessConcurrency    = 2
	defaultEncodeConcurrency     = 1
	defaultCacheWriteConcurrency = 1

	defaultMemoryCacheCostLimit = 64 << 20
)

// Config configures a Pipeline. Transport and Decoder are required; the
// zero value of everything else gives a working in-memory-only pipeline.
type Config struct {
	Transport transport.Transport
	Decoder   Decoder

	// Encoder is required only by disk cache policies that encode.
	Encoder Encoder

	// DataCache enables the disk tier; nil disables disk reads, writes,
	// and resumable downloads.
	DataCache       datacache.Store
	DataCachePolicy DataCachePolicy

	MemoryCacheCostLimit int64
	MemoryCacheTTL       time.Duration

	// DisableResumableData turns off partial-blob persistence and ranged
	// re-fetches.
	DisableResumableData bool

	// SyncStores makes disk-tier writes (including encoding) synchronous
	// with delivery. Intended for deterministic tests.
	SyncStores bool

	// Decompressor, when set, runs after decoding unless the request opts
	// out. Platform ports use it to pre-render compressed bitmaps.
	Decompressor func(*Image) *Image

	// WriteLocks serializes disk writes per cache key. Defaults to an
	// in-process MemLock.
	WriteLocks locking.Group

	Logger  *slog.Logger
	Metrics *metrics.LatencyTracker

	// Per-stage queue concurrency limits; zero means the default.
	LoadConcurrency       int
	CacheReadConcurrency  int
	DecodeConcurrency     int
	ProcessConcurrency    int
	EncodeConcurrency     int
	CacheWriteConcurrency int
}

// Pipeline owns the stage queues, both cache tiers, and the task registry.
// It is the composition root: construct one per process (or per distinct
// configuration) and share it.
type Pipeline struct {
	transport       transport.Transport
	decoder         Decoder
	encoder         Encoder
	dataCache       datacache.Store
	dataCachePolicy DataCachePolicy
	memCache        *memcache.Cache
	writeLocks      locking.Group
	logger          *slog.Logger
	tracker         *metrics.LatencyTracker
	syncStores      bool
	resumableData   bool
	decompressor    func(*Image) *Image

	loadQueue      *queue.Queue
	cacheReadQueue *queue.Queue
	decodeQueue    *queue.Queue
	processQueue   *queue.Queue
	encodeQueue    *queue.Queue
	storeQueue     *queue.Queue

	mu     sync.Mutex
	jobs   map[string]*job
	closed bool
}

// New creates a pipeline from cfg.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Transport == nil {
		return nil, errors.New("imgfetch: Config.Transport is required")
	}
	if cfg.Decoder == nil {
		return nil, errors.New("imgfetch: Config.Decoder is required")
	}

	costLimit := cfg.MemoryCacheCostLimit
	if costLimit <= 0 {
		costLimit = defaultMemoryCacheCostLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracker := cfg.Metrics
	if tracker == nil {
		tracker = metrics.NewLatencyTracker(0.01)
	}
	writeLocks := cfg.WriteLocks
	if writeLocks == nil {
		writeLocks = locking.NewMemLock()
	}

	conc := func(v, def int) int {
		if v > 0 {
			return v
		}
		return def
	}

	return &Pipeline{
		transport:       cfg.Transport,
		decoder:         cfg.Decoder,
		encoder:         cfg.Encoder,
		dataCache:       cfg.DataCache,
		dataCachePolicy: cfg.DataCachePolicy,
		memCache:        memcache.New(costLimit, cfg.MemoryCacheTTL),
		writeLocks:      writeLocks,
		logger:          logger,
		tracker:         tracker,
		syncStores:      cfg.SyncStores,
		resumableData:   cfg.DataCache != nil && !cfg.DisableResumableData,
		decompressor:    cfg.Decompressor,
		loadQueue:       queue.New(conc(cfg.LoadConcurrency, defaultLoadConcurrency)),
		cacheReadQueue:  queue.New(conc(cfg.CacheReadConcurrency, defaultCacheReadConcurrency)),
		decodeQueue:     queue.New(conc(cfg.DecodeConcurrency, defaultDecodeConcurrency)),
		processQueue:    queue.New(conc(cfg.ProcessConcurrency, defaultProcessConcurrency)),
		encodeQueue:     queue.New(conc(cfg.EncodeConcurrency, defaultEncodeConcurrency)),
		storeQueue:      queue.New(conc(cfg.CacheWriteConcurrency, defaultCacheWriteConcurrency)),
		jobs:            make(map[string]*job),
	}, nil
}

// Submit starts (or joins) work for req and returns a handle for it.
//
// A memory-cache hit completes the handle synchronously before Submit
// returns. Otherwise the request subscribes to the task for its cache key,
// creating the task if none is in flight: concurrent requests with equal
// cache keys share one load, one decode, and one process chain. ctx only
// scopes this subscription; cancelling it cancels the handle, not the
// shared task (unless this was its last subscriber).
func (p *Pipeline) Submit(ctx context.Context, req Request, opts ...SubmitOption) *TaskHandle {
	h := &TaskHandle{
		id:       uuid.New(),
		pipeline: p,
		key:      req.FinalKey(),
		done:     make(chan struct{}),
	}
	h.priority.Store(int32(req.Priority))
	for _, o := range opts {
		o(h)
	}

	if p.allowsMemoryRead(&req) {
		if v, ok := p.memCache.Get(h.key); ok {
			h.complete(&Response{Image: v.(*Image), URL: req.URL, Source: SourceMemoryCache}, nil)
			return h
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		h.complete(nil, ErrClosed)
		return h
	}
	j, ok := p.jobs[h.key]
	isNew := !ok
	if isNew {
		j = newJob(p, req)
		p.jobs[h.key] = j
	}
	h.job = j
	j.attach(h)
	p.mu.Unlock()

	// Make the task reflect the new subscriber's priority immediately.
	j.updatePriority()

	if isNew {
		j.start()
	} else {
		p.logger.Debug("joined in-flight task",
			"key", h.key,
			"url", req.URL,
			"handle", h.id)
	}

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				h.Cancel()
			case <-h.done:
			}
		}()
	}
	return h
}

func (p *Pipeline) allowsMemoryRead(req *Request) bool {
	return !req.Options.DisableMemoryCacheReads &&
		req.CachePolicy != CachePolicyReloadIgnoringCachedData
}

// RemoveCachedImage purges both cache tiers for the request's keys,
// including any partial download scratch entries. Calling it again is a
// no-op.
func (p *Pipeline) RemoveCachedImage(req Request) {
	p.memCache.Remove(req.FinalKey())
	if p.dataCache == nil {
		return
	}
	resourceKey := req.ResourceKey()
	p.dataCache.RemoveData(req.FinalKey())
	p.dataCache.RemoveData(resourceKey)
	p.dataCache.RemoveData(partialKey(resourceKey))
	p.dataCache.RemoveData(partialMetaKey(resourceKey))
}

// TrimMemory empties the memory cache. Wire it to memory-pressure signals.
func (p *Pipeline) TrimMemory() {
	p.memCache.RemoveAll()
}

// Stats returns latency statistics for every pipeline stage.
func (p *Pipeline) Stats() []metrics.Stats {
	return p.tracker.GetAllStats()
}

// Close cancels all in-flight tasks and rejects future submissions.
// Outstanding handles resolve with ErrCancelled.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	jobs := make([]*job, 0, len(p.jobs))
	for _, j := range p.jobs {
		jobs = append(jobs, j)
	}
	p.mu.Unlock()

	for _, j := range jobs {
		j.finish(nil, ErrCancelled, jobCancelled)
	}

	for _, q := range []*queue.Queue{
		p.loadQueue, p.cacheReadQueue, p.decodeQueue,
		p.processQueue, p.encodeQueue, p.storeQueue,
	} {
		q.Close()
	}
}
