package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultBufferSize   = 256 * 1024
	DefaultPollInterval = 150 * time.Millisecond
)

type WorkerOptions struct {
	URL          string
	Client       Doer
	BufferSize   int
	PollInterval time.Duration
	// StartPaused makes the worker wait for Resume before its first request.
	StartPaused bool
	// OnProgress receives the cumulative byte count of the segment after
	// every chunk written. It is called from the worker goroutine.
	OnProgress func(index int, downloaded int64)
}

// SegmentWorker transfers one segment into its part file. A worker performs
// a single attempt: transient failures are returned to the caller, which
// owns retry policy.
type SegmentWorker struct {
	seg  *Segment
	opts WorkerOptions

	paused  atomic.Bool
	stopped atomic.Bool

	mu            sync.Mutex
	cancelAttempt context.CancelFunc
}

func NewSegmentWorker(seg *Segment, opts WorkerOptions) *SegmentWorker {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	w := &SegmentWorker{seg: seg, opts: opts}
	w.paused.Store(opts.StartPaused)
	return w
}

// Pause halts the transfer. The in-flight request is abandoned; bytes
// already written stay in the part file and the transfer continues from
// there on Resume.
func (w *SegmentWorker) Pause() {
	if !w.paused.CompareAndSwap(false, true) {
		return
	}
	w.abortAttempt()
}

func (w *SegmentWorker) Resume() {
	w.paused.CompareAndSwap(true, false)
}

func (w *SegmentWorker) Stop() {
	if !w.stopped.CompareAndSwap(false, true) {
		return
	}
	w.abortAttempt()
}

func (w *SegmentWorker) Paused() bool { return w.paused.Load() }

func (w *SegmentWorker) abortAttempt() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelAttempt != nil {
		w.cancelAttempt()
	}
}

// Run transfers the segment until it is complete, stopped, or an attempt
// fails. Pauses do not end Run.
func (w *SegmentWorker) Run(ctx context.Context) error {
	logger := log.With().Str("op", "downloader/segment-worker").Int("segment", w.seg.Index).Logger()
	for {
		if err := w.waitWhilePaused(ctx); err != nil {
			return err
		}
		w.seg.setState(StateRunning)
		err := w.transfer(ctx)
		switch {
		case err == nil:
			w.seg.setState(StateCompleted)
			logger.Debug().Int64("bytes", w.seg.Downloaded()).Msg("Segment completed")
			return nil
		case errors.Is(err, errPaused):
			logger.Debug().Int64("bytes", w.seg.Downloaded()).Msg("Segment paused")
			continue
		default:
			return err
		}
	}
}

func (w *SegmentWorker) waitWhilePaused(ctx context.Context) error {
	if !w.paused.Load() {
		return w.stopErr(ctx)
	}
	w.seg.setState(StatePaused)
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for w.paused.Load() {
		if err := w.stopErr(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return w.stopErr(ctx)
}

func (w *SegmentWorker) stopErr(ctx context.Context) error {
	if w.stopped.Load() {
		return errStopped
	}
	return ctx.Err()
}

// interrupted maps an error that happened while the attempt context may
// have been cancelled on purpose.
func (w *SegmentWorker) interrupted(ctx context.Context, err error) error {
	if stopErr := w.stopErr(ctx); stopErr != nil {
		return stopErr
	}
	if w.paused.Load() {
		return errPaused
	}
	return err
}

func (w *SegmentWorker) transfer(ctx context.Context) error {
	seg := w.seg
	file, err := os.OpenFile(seg.PartPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return &IOError{Op: "open", Path: seg.PartPath, Err: err}
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return &IOError{Op: "stat", Path: seg.PartPath, Err: err}
	}
	existing := info.Size()
	if expected := seg.Len(); expected >= 0 && existing > expected {
		log.Warn().Str("op", "downloader/segment-worker").Int("segment", seg.Index).Int64("size", existing).Int64("expected", expected).Msg("Part file larger than its range, refetching")
		if err := file.Truncate(0); err != nil {
			return &IOError{Op: "truncate", Path: seg.PartPath, Err: err}
		}
		existing = 0
		seg.downloaded.Store(0)
	}
	if existing > seg.downloaded.Load() {
		seg.downloaded.Store(existing)
		w.report(existing)
	}

	offset := seg.Start + existing
	if seg.End >= 0 && offset > seg.End {
		return nil
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.mu.Lock()
	w.cancelAttempt = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.cancelAttempt = nil
		w.mu.Unlock()
	}()
	// a Pause or Stop that raced with setting cancelAttempt is caught here
	if err := w.interrupted(ctx, nil); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, w.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	if seg.End >= 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, seg.End))
	} else if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	req.Header.Set("Connection", "keep-alive")
	log.Debug().Str("op", "downloader/segment-worker").Int("segment", seg.Index).Str("range", req.Header.Get("Range")).Msg("Sending request")

	resp, err := w.opts.Client.Do(req)
	if err != nil {
		return w.interrupted(ctx, err)
	}
	defer resp.Body.Close()

	body, err := w.positionBody(resp, offset)
	if err != nil {
		return w.interrupted(ctx, err)
	}
	remaining := int64(-1)
	if seg.End >= 0 {
		remaining = seg.End - offset + 1
		body = io.LimitReader(body, remaining)
	}

	buffer := make([]byte, w.opts.BufferSize)
	var written int64
	for {
		n, readErr := body.Read(buffer)
		if n > 0 {
			if _, err := file.Write(buffer[:n]); err != nil {
				return &IOError{Op: "write", Path: seg.PartPath, Err: err}
			}
			written += int64(n)
			w.report(seg.downloaded.Add(int64(n)))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return w.interrupted(ctx, readErr)
		}
		if w.paused.Load() || w.stopped.Load() {
			return w.interrupted(ctx, nil)
		}
	}
	if remaining >= 0 && written < remaining {
		return fmt.Errorf("%w: got %d of %d bytes", io.ErrUnexpectedEOF, written, remaining)
	}
	if err := file.Sync(); err != nil {
		return &IOError{Op: "sync", Path: seg.PartPath, Err: err}
	}
	return nil
}

// positionBody validates the response and returns a body that starts at
// offset. A server that ignores the Range header answers 200 with the whole
// resource; the leading bytes already on disk are then skipped.
func (w *SegmentWorker) positionBody(resp *http.Response, offset int64) (io.Reader, error) {
	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, err := contentRangeStart(resp.Header.Get("Content-Range"))
		if err != nil {
			return nil, err
		}
		if start != offset {
			return nil, fmt.Errorf("%w: starts at %d, requested %d", ErrBadContentRange, start, offset)
		}
		return resp.Body, nil
	case http.StatusOK:
		if offset > 0 {
			log.Warn().Str("op", "downloader/segment-worker").Int("segment", w.seg.Index).Int64("skip", offset).Msg("Server ignored range request, skipping leading bytes")
			if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
				return nil, fmt.Errorf("error skipping to offset %d: %w", offset, err)
			}
		}
		return resp.Body, nil
	default:
		return nil, &StatusError{Code: resp.StatusCode}
	}
}

func (w *SegmentWorker) report(downloaded int64) {
	if w.opts.OnProgress != nil {
		w.opts.OnProgress(w.seg.Index, downloaded)
	}
}

// contentRangeStart parses the first byte position of "bytes a-b/c".
func contentRangeStart(header string) (int64, error) {
	if header == "" {
		return 0, fmt.Errorf("%w: header missing", ErrBadContentRange)
	}
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrBadContentRange, header)
	}
	first, _, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrBadContentRange, header)
	}
	start, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadContentRange, header)
	}
	return start, nil
}
