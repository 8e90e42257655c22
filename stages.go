package imgfetch

import "context"

// Stage chain per task. Each stage runs as one cancelable operation on its
// dedicated queue; a task suspends between stages rather than blocking a
// queue slot. Stage bodies check their context at safe points and abort
// without side effects when the task was cancelled mid-stage.

// start picks the first stage from the request's cache policy:
// disk lookup when cached data may be used, otherwise a fresh load.
// CachePolicyReturnCacheDataDontLoad with no usable disk tier fails
// immediately without creating any load operation.
func (j *job) start() {
	req := &j.request
	diskReadable := j.pipeline.dataCache != nil &&
		!req.Options.DisableDiskCacheReads &&
		req.CachePolicy != CachePolicyReloadIgnoringCachedData

	if diskReadable {
		j.enqueueCacheLookup()
		return
	}
	if req.CachePolicy == CachePolicyReturnCacheDataDontLoad {
		j.fail(ErrDataMissing)
		return
	}
	j.enqueueLoad()
}

func (j *job) enqueueCacheLookup() {
	p := j.pipeline
	j.enqueue(p.cacheReadQueue, "cache_read", func(ctx context.Context) {
		// When the disk policy stores the processed encoding, that entry
		// lives under the processor-aware key and already has the processor
		// chain applied, so a hit skips the process stage.
		if key, ok := j.processedDiskKey(); ok {
			if data := p.dataCache.Data(key); data != nil {
				if ctx.Err() != nil {
					return
				}
				j.data = data
				j.fromDiskCache = true
				j.processedFromCache = true
				j.enqueueDecode()
				return
			}
		}
		data := p.dataCache.Data(j.request.ResourceKey())
		if ctx.Err() != nil {
			return
		}
		if data != nil {
			j.data = data
			j.fromDiskCache = true
			j.enqueueDecode()
			return
		}
		if j.request.CachePolicy == CachePolicyReturnCacheDataDontLoad {
			j.fail(ErrDataMissing)
			return
		}
		j.enqueueLoad()
	})
}

// processedDiskKey returns the disk key holding this request's processed
// encoding, when the pipeline's disk policy produces one for it.
func (j *job) processedDiskKey() (string, bool) {
	req := &j.request
	if len(req.Processors) == 0 {
		return "", false
	}
	switch j.pipeline.dataCachePolicy {
	case DataCachePolicyAutomatic, DataCachePolicyStoreEncodedImages:
		return req.FinalKey(), true
	default:
		return "", false
	}
}

func (j *job) enqueueLoad() {
	p := j.pipeline
	j.enqueue(p.loadQueue, "load", j.loadData)
}

func (j *job) enqueueDecode() {
	p := j.pipeline
	j.enqueue(p.decodeQueue, "decode", func(ctx context.Context) {
		img, err := p.decoder.Decode(j.data)
		if err != nil {
			j.fail(&DecodeError{Err: err})
			return
		}
		if p.decompressor != nil && !j.request.Options.SkipDecompression {
			img = p.decompressor(img)
		}
		if ctx.Err() != nil {
			return
		}
		j.image = img
		if len(j.request.Processors) == 0 || j.processedFromCache {
			j.deliver()
			return
		}
		j.enqueueProcess()
	})
}

func (j *job) enqueueProcess() {
	p := j.pipeline
	j.enqueue(p.processQueue, "process", func(ctx context.Context) {
		img := j.image
		for _, proc := range j.request.Processors {
			if ctx.Err() != nil {
				return
			}
			out, err := proc.Process(img)
			if err != nil {
				j.fail(&ProcessError{ProcessorID: proc.ID(), Err: err})
				return
			}
			img = out
		}
		j.image = img
		j.deliver()
	})
}

// deliver runs the tail of the chain: schedule disk-tier writes per the
// disk cache policy, populate the memory cache, and broadcast the result.
// Disk writes are fire-and-forget on their own queues (or inline in
// synchronous-store mode); delivery does not wait for them.
func (j *job) deliver() {
	j.storeImageData()
	j.storeInMemoryCache()

	source := SourceNetwork
	if j.fromDiskCache {
		source = SourceDiskCache
	}
	j.succeed(&Response{Image: j.image, URL: j.request.URL, Source: source})
}

// storeImageData applies the pipeline-wide disk cache policy:
//
//   - automatic: with processors, encode and store the processed image
//     under the processor-aware key; without, store the original bytes
//     under the resource key. Never both.
//   - store encoded images: always encode and store the final image, even
//     with no processors.
//   - store original data: always store the original downloaded bytes
//     under the resource key; never store processed encodings.
//
// Data that was itself read from the disk cache is not written back.
func (j *job) storeImageData() {
	p := j.pipeline
	req := &j.request
	if p.dataCache == nil || req.Options.DisableDiskCacheWrites || j.fromDiskCache {
		return
	}

	switch p.dataCachePolicy {
	case DataCachePolicyAutomatic:
		if len(req.Processors) > 0 {
			j.scheduleEncodeAndStore(req.FinalKey())
		} else {
			j.scheduleStoreOriginal()
		}
	case DataCachePolicyStoreEncodedImages:
		j.scheduleEncodeAndStore(req.FinalKey())
	case DataCachePolicyStoreOriginalData:
		j.scheduleStoreOriginal()
	}
}

func (j *job) scheduleEncodeAndStore(key string) {
	p := j.pipeline
	if p.encoder == nil {
		p.logger.Warn("disk cache policy requires an encoder, skipping store",
			"url", j.request.URL)
		return
	}
	image := j.image
	if p.syncStores {
		j.encodeAndStore(key, image)
		return
	}
	// Post-delivery side effect: scheduled outside the job's op set so task
	// teardown can't revoke a write that the policy already committed to.
	p.encodeQueue.Add(context.Background(), j.currentPriority(), func(ctx context.Context) {
		_ = p.tracker.RecordFunc("encode", func() error {
			j.encodeAndStore(key, image)
			return nil
		})
	})
}

func (j *job) encodeAndStore(key string, image *Image) {
	p := j.pipeline
	data, err := p.encoder.Encode(image)
	if err != nil {
		p.logger.Warn("failed to encode image for disk cache",
			"url", j.request.URL,
			"error", err)
		return
	}
	if data == nil {
		// Non-encodable image.
		return
	}
	j.scheduleStoreBlob(key, data)
}

func (j *job) scheduleStoreOriginal() {
	j.scheduleStoreBlob(j.request.ResourceKey(), j.data)
}

// scheduleStoreBlob writes a blob on the cache-write queue, serialized per
// key through the pipeline's lock group so no two store operations write
// the same key concurrently.
func (j *job) scheduleStoreBlob(key string, data []byte) {
	p := j.pipeline
	write := func() {
		_ = p.writeLocks.DoWithLock(key, func() error {
			p.dataCache.StoreData(key, data)
			return nil
		})
	}
	if p.syncStores {
		write()
		return
	}
	p.storeQueue.Add(context.Background(), j.currentPriority(), func(ctx context.Context) {
		_ = p.tracker.RecordFunc("cache_write", func() error {
			write()
			return nil
		})
	})
}

func (j *job) currentPriority() Priority {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.aggregatedPriorityLocked()
}

func (j *job) storeInMemoryCache() {
	if j.request.Options.DisableMemoryCacheWrites || j.image == nil {
		return
	}
	j.pipeline.memCache.Set(j.key, j.image, j.image.estimatedCost())
}
