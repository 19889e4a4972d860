package downloader

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
)

// Merge concatenates parts, in the given order, into dest. dest is truncated
// first. When expectedSize is non-negative the merged length must match it.
// Parts are removed only after the whole merge has been synced; on any
// failure they stay on disk and dest may be partially written.
func Merge(dest string, parts []string, expectedSize int64) error {
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return &MergeError{Err: fmt.Errorf("error opening destination: %w", err)}
	}
	var totalWritten int64
	for _, part := range parts {
		written, err := appendPart(out, part)
		if err != nil {
			out.Close()
			return &MergeError{Part: part, Err: err}
		}
		totalWritten += written
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return &MergeError{Err: fmt.Errorf("error syncing destination: %w", err)}
	}
	if err := out.Close(); err != nil {
		return &MergeError{Err: fmt.Errorf("error closing destination: %w", err)}
	}
	if expectedSize >= 0 && totalWritten != expectedSize {
		return &MergeError{Err: fmt.Errorf("%w: wrote %d bytes, expected %d", ErrSizeMismatch, totalWritten, expectedSize)}
	}
	for _, part := range parts {
		if err := os.Remove(part); err != nil {
			log.Warn().Str("op", "downloader/merge").Str("file", part).Err(err).Msg("Could not remove part file")
		}
	}
	log.Debug().Str("op", "downloader/merge").Int("parts", len(parts)).Int64("bytes", totalWritten).Str("output", dest).Msg("Merge completed")
	return nil
}

func appendPart(out *os.File, part string) (int64, error) {
	in, err := os.Open(part)
	if err != nil {
		return 0, fmt.Errorf("error opening part: %w", err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return 0, fmt.Errorf("error reading part info: %w", err)
	}
	written, err := io.Copy(out, in)
	if err != nil {
		return written, fmt.Errorf("error copying part: %w", err)
	}
	if written != info.Size() {
		return written, fmt.Errorf("%w: copied %d of %d bytes", ErrSizeMismatch, written, info.Size())
	}
	return written, nil
}
