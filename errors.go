package imgfetch

import (
	"errors"
	"fmt"
)

// ErrDataMissing is returned when a request's cache policy forbids loading
// and neither cache tier holds the image.
var ErrDataMissing = errors.New("imgfetch: no cached data for request")

// ErrCancelled resolves a handle whose subscription was cancelled. It is
// not a genuine failure: callers can distinguish "no result because
// cancelled" from "no result because of error" with errors.Is.
var ErrCancelled = errors.New("imgfetch: request cancelled")

// ErrClosed is returned for requests submitted after the pipeline shut down.
var ErrClosed = errors.New("imgfetch: pipeline closed")

// TransportError reports a failed data transfer. Resumable indicates that
// partial data was preserved on disk so a later attempt can resume.
type TransportError struct {
	Resumable bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Resumable {
		return fmt.Sprintf("transfer failed (partial data preserved): %v", e.Err)
	}
	return fmt.Sprintf("transfer failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError reports that the decoder rejected the downloaded bytes.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decoding failed: %v", e.Err) }

func (e *DecodeError) Unwrap() error { return e.Err }

// ProcessError reports a processor failure and identifies the failing
// processor by its stable ID.
type ProcessError struct {
	ProcessorID string
	Err         error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("processor %q failed: %v", e.ProcessorID, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }
