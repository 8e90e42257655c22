package imgfetch

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/imgtoolkit/imgfetch/pkg/queue"
)

// Priority orders a request's operations within the stage queues. A shared
// task runs at the maximum priority of its live subscribers.
type Priority = queue.Priority

const (
	PriorityVeryLow  = queue.VeryLow
	PriorityLow      = queue.Low
	PriorityNormal   = queue.Normal
	PriorityHigh     = queue.High
	PriorityVeryHigh = queue.VeryHigh
)

// CachePolicy controls whether cached data may be used, must be ignored, or
// must be exclusively relied upon for a single request.
type CachePolicy int

const (
	// CachePolicyUseCache consults both cache tiers before loading.
	CachePolicyUseCache CachePolicy = iota

	// CachePolicyReloadIgnoringCachedData always loads fresh data,
	// ignoring both cache tiers (writes still happen per policy).
	CachePolicyReloadIgnoringCachedData

	// CachePolicyReturnCacheDataDontLoad never loads: a cache miss fails
	// the request with ErrDataMissing.
	CachePolicyReturnCacheDataDontLoad
)

// RequestOptions are per-request switches over the default pipeline behavior.
type RequestOptions struct {
	DisableMemoryCacheReads  bool
	DisableMemoryCacheWrites bool
	DisableDiskCacheReads    bool
	DisableDiskCacheWrites   bool

	// SkipDecompression skips the post-decode decompression pass.
	SkipDecompression bool
}

// Request identifies a resource and how to fetch, process, and cache it.
// It is immutable once submitted; distinct Requests with equal cache keys
// collapse into one shared task.
type Request struct {
	URL         string
	Processors  []Processor
	CachePolicy CachePolicy
	Priority    Priority
	Options     RequestOptions
}

// ResourceKey addresses the original downloaded bytes of the resource.
func (r *Request) ResourceKey() string {
	return hashKey(r.URL)
}

// FinalKey addresses the fully processed image: resource identity plus the
// processor-chain identity. Without processors it equals ResourceKey.
func (r *Request) FinalKey() string {
	if len(r.Processors) == 0 {
		return r.ResourceKey()
	}
	var b strings.Builder
	b.WriteString(r.URL)
	for _, p := range r.Processors {
		b.WriteByte('|')
		b.WriteString(p.ID())
	}
	return hashKey(b.String())
}

func hashKey(s string) string {
	digest := sha256.Sum256([]byte(s))
	return hex.EncodeToString(digest[:])
}

// Keys for the resumable-download scratch entries derived from a resource key.
func partialKey(resourceKey string) string     { return resourceKey + ".partial" }
func partialMetaKey(resourceKey string) string { return resourceKey + ".partial.meta" }

// Source records which tier produced a response's image.
type Source int

const (
	SourceNetwork Source = iota
	SourceMemoryCache
	SourceDiskCache
)

func (s Source) String() string {
	switch s {
	case SourceMemoryCache:
		return "memory"
	case SourceDiskCache:
		return "disk"
	default:
		return "network"
	}
}

// Response is the terminal success payload delivered to every subscriber of
// a task.
type Response struct {
	Image  *Image
	URL    string
	Source Source
}
