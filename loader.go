package imgfetch

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/imgtoolkit/imgfetch/transport"
)

// loadData is the data-loading stage body. It resumes from any partial
// blob persisted by an earlier interrupted attempt, streams the transfer in
// chunks with progress fan-out, and on interruption persists what it
// received so the next attempt can pick up at that offset.
func (j *job) loadData(ctx context.Context) {
	p := j.pipeline
	req := &j.request
	resourceKey := req.ResourceKey()

	var partial []byte
	expected := int64(-1)
	if p.resumableData {
		partial = p.dataCache.Data(partialKey(resourceKey))
		if partial != nil {
			if meta := p.dataCache.Data(partialMetaKey(resourceKey)); meta != nil {
				expected = parsePartialMeta(meta)
			}
		}
	}

	offset := int64(len(partial))
	body, total, err := p.transport.Fetch(ctx, req.URL, offset)
	if offset > 0 && errors.Is(err, transport.ErrResumeNotSupported) {
		// Provider can't resume: drop the partial blob and start over.
		j.discardPartial(resourceKey)
		partial = nil
		offset = 0
		body, total, err = p.transport.Fetch(ctx, req.URL, 0)
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		j.fail(&TransportError{Resumable: offset > 0, Err: err})
		return
	}
	defer body.Close()

	if total < 0 {
		total = expected
	}
	j.totalExpected = total

	data := partial
	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			// Cancelled mid-transfer: keep what we have for a later resume.
			j.persistPartial(resourceKey, data, total)
			return
		}
		n, readErr := body.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
			j.reportProgress(int64(len(data)), total)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			j.persistPartial(resourceKey, data, total)
			if ctx.Err() != nil {
				return
			}
			j.fail(&TransportError{Resumable: p.resumableData && len(data) > 0, Err: readErr})
			return
		}
	}

	j.discardPartial(resourceKey)
	j.data = data
	j.enqueueDecode()
}

// persistPartial stores accumulated bytes under the resource's partial key,
// with a sidecar entry recording the expected total so a resumed attempt
// can report accurate progress.
func (j *job) persistPartial(resourceKey string, data []byte, total int64) {
	p := j.pipeline
	if !p.resumableData || len(data) == 0 {
		return
	}
	key := partialKey(resourceKey)
	_ = p.writeLocks.DoWithLock(key, func() error {
		p.dataCache.StoreData(key, data)
		p.dataCache.StoreData(partialMetaKey(resourceKey), []byte(fmt.Sprintf("total:%d\n", total)))
		return nil
	})
}

func (j *job) discardPartial(resourceKey string) {
	p := j.pipeline
	if !p.resumableData {
		return
	}
	p.dataCache.RemoveData(partialKey(resourceKey))
	p.dataCache.RemoveData(partialMetaKey(resourceKey))
}

func parsePartialMeta(meta []byte) int64 {
	var total int64
	if _, err := fmt.Sscanf(string(meta), "total:%d", &total); err != nil {
		return -1
	}
	return total
}
