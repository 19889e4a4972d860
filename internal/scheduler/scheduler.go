package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tanq16/rangefetch/internal/config"
	"github.com/tanq16/rangefetch/internal/downloader"
	"github.com/tanq16/rangefetch/internal/extract"
	"github.com/tanq16/rangefetch/internal/output"
	"github.com/tanq16/rangefetch/internal/utils"
)

// ErrInterrupted is returned when a signal stopped the job. Resume state is
// kept on disk.
var ErrInterrupted = errors.New("download interrupted")

// Run downloads one job with the progress display on out. SIGINT and SIGTERM
// interrupt the job; running the same job again resumes it.
func Run(ctx context.Context, job downloader.DownloadJob, cfg *config.Config, out io.Writer) (downloader.DownloadJob, error) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	outputMgr := output.NewManager(out, displayName(job))
	outputMgr.StartDisplay()
	defer outputMgr.StopDisplay()
	return download(ctx, job, cfg, outputMgr)
}

// Install downloads an archive and extracts it into destDir. The archive is
// removed after a successful extraction.
func Install(ctx context.Context, job downloader.DownloadJob, destDir, password string, cfg *config.Config, extractor extract.Extractor, out io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	outputMgr := output.NewManager(out, displayName(job))
	outputMgr.StartDisplay()
	defer outputMgr.StopDisplay()

	job, err := download(ctx, job, cfg, outputMgr)
	if err != nil {
		return err
	}
	outputMgr.SetStatus("running")
	outputMgr.SetMessage(fmt.Sprintf("Extracting %s to %s", filepath.Base(job.OutputPath), destDir))
	err = extractor.Extract(ctx, job.OutputPath, destDir, password, func(processed, total int64) bool {
		outputMgr.UpdateStage(processed, total)
		return true
	})
	if err != nil {
		log.Error().Str("op", "scheduler/scheduler").Str("archive", job.OutputPath).Err(err).Msg("Extraction failed")
		outputMgr.ReportError(fmt.Errorf("extracting %s: %w", job.OutputPath, err))
		return err
	}
	if err := os.Remove(job.OutputPath); err != nil {
		log.Warn().Str("op", "scheduler/scheduler").Str("archive", job.OutputPath).Err(err).Msg("Could not remove archive")
	}
	outputMgr.Complete(fmt.Sprintf("Installed into %s", destDir))
	return nil
}

func download(ctx context.Context, job downloader.DownloadJob, cfg *config.Config, outputMgr *output.Manager) (downloader.DownloadJob, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.SegmentCount < 1 {
		job.SegmentCount = cfg.Segments
	}
	opts := cfg.DownloaderOptions()
	opts.KeepExisting = true
	client := utils.NewHTTPClient(cfg.HTTPClientConfig())
	coordinator := downloader.New(opts, client, outputMgr)
	outputMgr.SetSegmentSource(coordinator.Segments)

	log.Info().Str("op", "scheduler/scheduler").Str("job", job.ID).Str("url", job.URL).Msg("Scheduling download")
	err := coordinator.Run(ctx, job)
	job = coordinator.Job()
	switch {
	case err == nil:
		return job, nil
	case errors.Is(err, downloader.ErrCancelled):
		outputMgr.SetStatus("cancelled")
		outputMgr.SetMessage("Download cancelled")
		return job, err
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		outputMgr.SetStatus("cancelled")
		outputMgr.SetMessage(fmt.Sprintf("Interrupted, run again to resume %s", job.OutputPath))
		return job, ErrInterrupted
	default:
		return job, err
	}
}

func displayName(job downloader.DownloadJob) string {
	if job.OutputPath != "" {
		return filepath.Base(job.OutputPath)
	}
	return job.URL
}
