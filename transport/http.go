package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// HTTP is a Transport backed by an *http.Client. Resumption uses standard
// Range requests; origins that ignore the Range header (respond 200 to a
// ranged request) are reported as non-resumable.
type HTTP struct {
	client *http.Client
}

// NewHTTP creates an HTTP transport. A nil client uses http.DefaultClient.
func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{client: client}
}

func (t *HTTP) Fetch(ctx context.Context, url string, offset int64) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, -1, fmt.Errorf("failed to build request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, -1, fmt.Errorf("request failed: %w", err)
	}

	switch {
	case offset > 0 && resp.StatusCode == http.StatusPartialContent:
		return resp.Body, totalFromContentRange(resp.Header.Get("Content-Range")), nil

	case offset > 0 && (resp.StatusCode == http.StatusOK ||
		resp.StatusCode == http.StatusRequestedRangeNotSatisfiable):
		// Origin ignored or rejected the range; caller restarts from zero.
		resp.Body.Close()
		return nil, -1, ErrResumeNotSupported

	case resp.StatusCode == http.StatusOK:
		return resp.Body, resp.ContentLength, nil

	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, -1, fmt.Errorf("%w: %s", ErrNotFound, url)

	default:
		resp.Body.Close()
		return nil, -1, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}
}

// totalFromContentRange parses the complete length out of a Content-Range
// header ("bytes 5-99/100"). Returns -1 when the length is absent ("*") or
// the header is malformed.
func totalFromContentRange(header string) int64 {
	_, lengthPart, ok := strings.Cut(header, "/")
	if !ok {
		return -1
	}
	total, err := strconv.ParseInt(strings.TrimSpace(lengthPart), 10, 64)
	if err != nil {
		return -1
	}
	return total
}
