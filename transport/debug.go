package transport

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Debug wraps any Transport and adds debug logging.
// This allows any transport implementation to have debug logging without
// coupling the debug logic to the transport implementation.
type Debug struct {
	transport Transport
}

// NewDebug creates a new debug wrapper around an existing transport.
func NewDebug(transport Transport) *Debug {
	return &Debug{
		transport: transport,
	}
}

// Fetch opens the resource with debug logging.
func (d *Debug) Fetch(ctx context.Context, url string, offset int64) (io.ReadCloser, int64, error) {
	fmt.Fprintf(os.Stderr, "[DEBUG] Fetch: url=%s, offset=%d\n", url, offset)

	body, total, err := d.transport.Fetch(ctx, url, offset)

	if err != nil {
		fmt.Fprintf(os.Stderr, "[DEBUG] Fetch: ERROR: %v\n", err)
		return body, total, err
	}

	fmt.Fprintf(os.Stderr, "[DEBUG] Fetch: streaming, total=%d\n", total)
	return body, total, nil
}
