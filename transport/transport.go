// Package transport defines the byte-transfer provider consumed by the
// pipeline's data loader, plus HTTP and S3 implementations.
package transport

import (
	"context"
	"errors"
	"io"
)

// ErrResumeNotSupported is returned by Fetch when offset > 0 and the
// provider cannot serve a partial range. The loader reacts by discarding
// its partial data and issuing a full fetch.
var ErrResumeNotSupported = errors.New("transport: resume from offset not supported")

// ErrNotFound is returned by Fetch when the resource does not exist.
var ErrNotFound = errors.New("transport: resource not found")

// Transport fetches resource bytes, optionally resuming from a byte offset.
// Implementations can be swapped to use different transfer mechanisms.
type Transport interface {
	// Fetch opens the resource identified by url starting at byte offset.
	// total is the size of the complete resource (not the remainder), or -1
	// when unknown. The returned body honors ctx cancellation mid-transfer;
	// the caller must close it.
	Fetch(ctx context.Context, url string, offset int64) (body io.ReadCloser, total int64, err error)
}
