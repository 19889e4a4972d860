package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrProbeFailed      = errors.New("probe failed")
	ErrSegmentExhausted = errors.New("segment retries exhausted")
	ErrMergeFailed      = errors.New("merge failed")
	ErrCancelled        = errors.New("download cancelled")
	ErrAlreadyStarted   = errors.New("coordinator already started")
	ErrBadContentRange  = errors.New("unexpected Content-Range")
	ErrSizeMismatch     = errors.New("size mismatch")
)

// errPaused and errStopped end a transfer attempt without being failures.
var (
	errPaused  = errors.New("segment paused")
	errStopped = errors.New("segment stopped")
)

type ProbeError struct {
	URL    string
	Reason string
	Err    error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %s", e.URL, e.Reason)
}

func (e *ProbeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProbeFailed}
	}
	return []error{ErrProbeFailed, e.Err}
}

// SegmentError reports a segment that could not be completed.
type SegmentError struct {
	Index    int
	Attempts int
	Err      error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("segment %d failed after %d attempt(s): %v", e.Index, e.Attempts, e.Err)
}

func (e *SegmentError) Unwrap() error { return e.Err }

// IOError is a local filesystem failure. It is never retried.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d %s", e.Code, http.StatusText(e.Code))
}

// Temporary reports whether the server might answer differently next time.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests
}

type MergeError struct {
	Part string
	Err  error
}

func (e *MergeError) Error() string {
	if e.Part == "" {
		return fmt.Sprintf("merge: %v", e.Err)
	}
	return fmt.Sprintf("merge %s: %v", e.Part, e.Err)
}

func (e *MergeError) Unwrap() []error { return []error{ErrMergeFailed, e.Err} }

// retryable classifies a failed transfer attempt.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, errStopped) {
		return false
	}
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	return true
}
