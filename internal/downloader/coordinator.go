package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tanq16/rangefetch/internal/utils"
)

type Options struct {
	// Segments is used when the job does not request a segment count.
	Segments int
	// MaxRetries is the number of failed attempts after which a segment is
	// given up; failures before that are retried.
	MaxRetries       int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	ProgressInterval time.Duration
	SpeedWindow      time.Duration
	PollInterval     time.Duration
	BufferSize       int
	MinSegmentSize   int64
	// KeepExisting writes to "name-(N).ext" when the destination already
	// exists, instead of overwriting it. A numbered name holding resume state
	// for the same URL is picked up again.
	KeepExisting bool
}

func DefaultOptions() Options {
	return Options{
		Segments:         4,
		MaxRetries:       5,
		RetryBaseDelay:   time.Second,
		ProgressInterval: time.Second,
		SpeedWindow:      time.Second,
		PollInterval:     DefaultPollInterval,
		BufferSize:       DefaultBufferSize,
	}
}

type eventKind int

const (
	eventProgress eventKind = iota
	eventRetry
)

type segmentEvent struct {
	kind    eventKind
	index   int
	attempt int
	err     error
}

// Coordinator runs one DownloadJob: it probes the server, splits the
// resource into segments, supervises one worker per segment, aggregates
// progress, persists resume metadata and merges the parts at the end.
// A Coordinator is single-use.
type Coordinator struct {
	opts     Options
	client   Doer
	observer Observer
	backoff  Backoff

	started   atomic.Bool
	paused    atomic.Bool
	cancelled atomic.Bool

	mu        sync.Mutex
	cancelRun context.CancelFunc
	workers   map[int]*SegmentWorker
	job       DownloadJob
	segments  []*Segment
	snapshot  Snapshot
}

func New(opts Options, client Doer, observer Observer) *Coordinator {
	defaults := DefaultOptions()
	if opts.Segments < 1 {
		opts.Segments = defaults.Segments
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = defaults.ProgressInterval
	}
	if opts.SpeedWindow <= 0 {
		opts.SpeedWindow = defaults.SpeedWindow
	}
	if observer == nil {
		observer = ObserverFuncs{}
	}
	return &Coordinator{
		opts:     opts,
		client:   client,
		observer: observer,
		backoff:  Backoff{Base: opts.RetryBaseDelay, Max: opts.RetryMaxDelay},
		workers:  make(map[int]*SegmentWorker),
		snapshot: Snapshot{TotalSize: -1, ETA: -1},
	}
}

// Pause suspends every running segment; later relaunches start paused too.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused.CompareAndSwap(false, true) {
		return
	}
	for _, w := range c.workers {
		w.Pause()
	}
}

func (c *Coordinator) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused.CompareAndSwap(true, false) {
		return
	}
	for _, w := range c.workers {
		w.Resume()
	}
}

// Cancel stops every worker. Run then removes the metadata and part files
// and returns ErrCancelled.
func (c *Coordinator) Cancel() {
	if !c.cancelled.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	cancel := c.cancelRun
	for _, w := range c.workers {
		w.Stop()
	}
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Coordinator) Paused() bool { return c.paused.Load() }

// Job returns the job as planned (size, range support, segment count and
// resolved output path are filled in after probing).
func (c *Coordinator) Job() DownloadJob {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job
}

func (c *Coordinator) Segments() []SegmentStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	statuses := make([]SegmentStatus, len(c.segments))
	for i, seg := range c.segments {
		statuses[i] = seg.Status()
	}
	return statuses
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Run executes the job and blocks until it finishes, fails, is cancelled or
// ctx is done. Exactly one of OnFinished or OnError is delivered for a
// finished or failed job; cancellation and interruption deliver neither and
// are reported through the returned error only. Interruption through ctx
// keeps metadata and part files so a later Run resumes.
func (c *Coordinator) Run(ctx context.Context, job DownloadJob) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancelRun = cancel
	c.job = job
	c.mu.Unlock()
	if c.cancelled.Load() {
		return ErrCancelled
	}
	logger := log.With().Str("op", "downloader/coordinator").Str("job", job.ID).Logger()

	probe, err := Probe(runCtx, c.client, job.URL)
	if err != nil {
		if c.cancelled.Load() {
			return ErrCancelled
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Error().Err(err).Msg("Probe failed")
		c.observer.OnError(err)
		return err
	}

	job, segments, store, err := c.prepare(job, probe, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Could not prepare download")
		c.observer.OnError(err)
		return err
	}
	c.mu.Lock()
	c.job = job
	c.segments = segments
	c.mu.Unlock()
	logger.Info().Str("url", job.URL).Str("output", job.OutputPath).Int64("size", job.TotalSize).Bool("ranges", job.SupportsRanges).Int("segments", job.SegmentCount).Msg("Starting download")

	err = c.download(runCtx, job, probe.ETag, segments, store, logger)
	return c.finish(ctx, job, segments, store, err, logger)
}

// prepare resolves the output path and either resumes the recorded segment
// layout or starts a fresh one. Metadata for the chosen layout is written
// before any worker starts.
func (c *Coordinator) prepare(job DownloadJob, probe ProbeResult, logger zerolog.Logger) (DownloadJob, []*Segment, *ResumeStore, error) {
	job.TotalSize = probe.TotalSize
	job.SupportsRanges = probe.SupportsRanges
	if job.OutputPath == "" {
		job.OutputPath = probe.FileName
		if job.OutputPath == "" {
			job.OutputPath = "download"
		}
	}
	if dir := filepath.Dir(job.OutputPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return job, nil, nil, &IOError{Op: "mkdir", Path: dir, Err: err}
		}
	}

	var meta *ResumeMetadata
	var err error
	if c.opts.KeepExisting {
		requested := job.OutputPath
		job.OutputPath, meta, err = keepExistingTarget(requested, job.URL)
		if err != nil {
			return job, nil, nil, err
		}
		if job.OutputPath != requested {
			logger.Info().Str("output", job.OutputPath).Msg("Destination exists, writing to a new name")
		}
	} else if meta, err = NewResumeStore(job.OutputPath).Load(job.URL); err != nil {
		return job, nil, nil, err
	}
	store := NewResumeStore(job.OutputPath)

	var segments []*Segment
	if meta != nil && meta.TotalSize == probe.TotalSize && sameETag(meta.ETag, probe.ETag) {
		segments = meta.Layout()
		logger.Info().Int("segments", len(segments)).Msg("Resuming from metadata")
	} else {
		if meta != nil {
			logger.Warn().Int64("stored", meta.TotalSize).Int64("current", probe.TotalSize).Msg("Remote resource changed, starting over")
		}
		if err := RemoveState(job.OutputPath); err != nil {
			return job, nil, nil, &IOError{Op: "clean", Path: job.OutputPath, Err: err}
		}
		requested := job.SegmentCount
		if requested < 1 {
			requested = c.opts.Segments
		}
		n := EffectiveSegmentCount(probe.TotalSize, probe.SupportsRanges, requested, c.opts.MinSegmentSize)
		segments = ComputeSegments(probe.TotalSize, n, job.OutputPath)
	}
	job.SegmentCount = len(segments)

	for _, seg := range segments {
		if info, err := os.Stat(seg.PartPath); err == nil {
			size := info.Size()
			if l := seg.Len(); l >= 0 && size > l {
				size = 0
			}
			seg.downloaded.Store(size)
		}
	}
	if err := store.Save(metadataFor(job, probe.ETag, segments)); err != nil {
		return job, nil, nil, err
	}
	return job, segments, store, nil
}

// keepExistingTarget walks path, name-(1).ext, name-(2).ext, ... and returns
// the first candidate that holds resume state for url, or that has neither a
// finished file nor another download's sidecar.
func keepExistingTarget(path, url string) (string, *ResumeMetadata, error) {
	for index := 0; ; index++ {
		candidate := utils.NumberedPath(path, index)
		meta, err := NewResumeStore(candidate).Load(url)
		if err != nil {
			return candidate, nil, err
		}
		if meta != nil {
			return candidate, meta, nil
		}
		if !exists(candidate) && !exists(MetaPath(candidate)) {
			return candidate, nil, nil
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func sameETag(stored, current string) bool {
	return stored == "" || current == "" || stored == current
}

// download supervises the segments and owns the event loop: observer
// delivery, aggregation and metadata writes all happen on this goroutine.
func (c *Coordinator) download(ctx context.Context, job DownloadJob, etag string, segments []*Segment, store *ResumeStore, logger zerolog.Logger) error {
	loopCtx, stopAll := context.WithCancel(ctx)
	defer stopAll()
	events := make(chan segmentEvent, 4*len(segments)+16)
	g, gctx := errgroup.WithContext(loopCtx)
	for _, seg := range segments {
		g.Go(func() error {
			return c.supervise(gctx, job.URL, seg, events, logger)
		})
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	start := time.Now()
	speed := newSpeedometer(c.opts.SpeedWindow, start, totalDownloaded(segments))
	throttle := rate.Sometimes{Interval: c.opts.ProgressInterval}
	var persistErr error
	emit := func() {
		now := time.Now()
		total := totalDownloaded(segments)
		snap := snapshotOf(total, job.TotalSize, speed.Observe(now, total), now.Sub(start))
		c.mu.Lock()
		c.snapshot = snap
		c.mu.Unlock()
		if err := store.Save(metadataFor(job, etag, segments)); err != nil && persistErr == nil {
			persistErr = err
			logger.Error().Err(err).Msg("Could not persist metadata, stopping")
			stopAll()
		}
		c.observer.OnProgress(snap)
	}
	handle := func(ev segmentEvent) {
		switch ev.kind {
		case eventProgress:
			throttle.Do(emit)
		case eventRetry:
			c.observer.OnRetry(ev.index, ev.attempt, ev.err)
		}
	}

	for {
		select {
		case ev := <-events:
			handle(ev)
		case err := <-done:
			for drained := false; !drained; {
				select {
				case ev := <-events:
					handle(ev)
				default:
					drained = true
				}
			}
			emit()
			if persistErr != nil && !c.cancelled.Load() {
				return persistErr
			}
			return err
		}
	}
}

// supervise runs attempts of one segment until it completes, the retry
// budget is spent, a non-retryable error occurs, or ctx is done.
func (c *Coordinator) supervise(ctx context.Context, url string, seg *Segment, events chan<- segmentEvent, logger zerolog.Logger) error {
	logger = logger.With().Int("segment", seg.Index).Logger()
	attempts := 0
	for {
		w := c.launch(url, seg, events)
		err := w.Run(ctx)
		c.unregister(seg.Index)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, errStopped) {
			seg.setState(StatePending)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		attempts++
		seg.retries.Store(int32(attempts))
		if !retryable(err) {
			seg.setState(StateFailed)
			logger.Error().Err(err).Msg("Segment failed with a non-retryable error")
			return &SegmentError{Index: seg.Index, Attempts: attempts, Err: err}
		}
		if attempts >= c.opts.MaxRetries {
			seg.setState(StateFailed)
			logger.Error().Err(err).Int("attempts", attempts).Msg("Segment failed after multiple attempts")
			return &SegmentError{Index: seg.Index, Attempts: attempts, Err: fmt.Errorf("%w: %w", ErrSegmentExhausted, err)}
		}
		seg.setState(StateRetrying)
		logger.Warn().Err(err).Int("attempt", attempts).Int("maxRetries", c.opts.MaxRetries).Dur("delay", c.backoff.Delay(attempts)).Msg("Retrying segment")
		select {
		case events <- segmentEvent{kind: eventRetry, index: seg.Index, attempt: attempts, err: err}:
		case <-ctx.Done():
		}
		if err := c.backoff.Wait(ctx, attempts); err != nil {
			seg.setState(StatePending)
			return err
		}
	}
}

// launch creates and registers the worker for seg under the lock that Pause
// and Resume hold, so a new worker can never miss a state change.
func (c *Coordinator) launch(url string, seg *Segment, events chan<- segmentEvent) *SegmentWorker {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := NewSegmentWorker(seg, WorkerOptions{
		URL:          url,
		Client:       c.client,
		BufferSize:   c.opts.BufferSize,
		PollInterval: c.opts.PollInterval,
		StartPaused:  c.paused.Load(),
		OnProgress: func(index int, _ int64) {
			// counters live on the segment; a dropped notification only delays display
			select {
			case events <- segmentEvent{kind: eventProgress, index: index}:
			default:
			}
		},
	})
	if c.cancelled.Load() {
		w.Stop()
	}
	c.workers[seg.Index] = w
	return w
}

func (c *Coordinator) unregister(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.workers, index)
}

func (c *Coordinator) finish(ctx context.Context, job DownloadJob, segments []*Segment, store *ResumeStore, err error, logger zerolog.Logger) error {
	if c.cancelled.Load() {
		if rmErr := RemoveState(job.OutputPath); rmErr != nil {
			logger.Warn().Err(rmErr).Msg("Could not remove partial state after cancel")
		}
		logger.Info().Msg("Download cancelled")
		return ErrCancelled
	}
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			logger.Info().Int64("bytes", totalDownloaded(segments)).Msg("Download interrupted, state kept for resume")
			return err
		}
		c.observer.OnError(err)
		return err
	}

	parts := make([]string, len(segments))
	for i, seg := range segments {
		parts[i] = seg.PartPath
	}
	expected := job.TotalSize
	if expected <= 0 {
		expected = -1
	}
	if err := Merge(job.OutputPath, parts, expected); err != nil {
		logger.Error().Err(err).Msg("Merge failed, part files kept")
		c.observer.OnError(err)
		return err
	}
	if err := store.Delete(); err != nil {
		logger.Warn().Err(err).Msg("Could not remove metadata")
	}
	logger.Info().Str("output", job.OutputPath).Int64("bytes", totalDownloaded(segments)).Msg("Download completed")
	c.observer.OnFinished()
	return nil
}

func totalDownloaded(segments []*Segment) int64 {
	var total int64
	for _, seg := range segments {
		total += seg.Downloaded()
	}
	return total
}
