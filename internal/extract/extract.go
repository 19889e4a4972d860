package extract

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

var (
	ErrExtractCancelled    = errors.New("extraction cancelled")
	ErrPasswordUnsupported = errors.New("password protected archives are not supported")
	ErrUnsafePath          = errors.New("archive entry escapes destination")
)

// ProgressFunc receives processed and total uncompressed bytes. Returning
// false stops the extraction, as does cancelling the context.
type ProgressFunc func(processed, total int64) bool

type Extractor interface {
	Extract(ctx context.Context, archive, destDir, password string, progress ProgressFunc) error
}

// ZipExtractor unpacks zip archives.
type ZipExtractor struct {
	BufferSize int
}

func (z ZipExtractor) Extract(ctx context.Context, archive, destDir, password string, progress ProgressFunc) error {
	if password != "" {
		return ErrPasswordUnsupported
	}
	reader, err := zip.OpenReader(archive)
	if errors.Is(err, zip.ErrInsecurePath) {
		reader.Close()
		return fmt.Errorf("%w: %v", ErrUnsafePath, err)
	}
	if err != nil {
		return fmt.Errorf("error opening archive: %w", err)
	}
	defer reader.Close()

	root, err := filepath.Abs(destDir)
	if err != nil {
		return fmt.Errorf("error resolving destination: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("error creating destination: %w", err)
	}

	var total int64
	for _, f := range reader.File {
		total += int64(f.UncompressedSize64)
	}
	bufSize := z.BufferSize
	if bufSize <= 0 {
		bufSize = 128 * 1024
	}
	buffer := make([]byte, bufSize)
	var processed int64
	report := func() error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrExtractCancelled, err)
		}
		if progress != nil && !progress(processed, total) {
			return ErrExtractCancelled
		}
		return nil
	}
	if err := report(); err != nil {
		return err
	}

	for _, f := range reader.File {
		target, err := safeJoin(root, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("error creating directory: %w", err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("error creating directory: %w", err)
		}
		n, err := extractFile(f, target, buffer, func(written int64) error {
			processed += written
			return report()
		})
		if err != nil {
			return err
		}
		log.Debug().Str("op", "extract/extract").Str("file", target).Int64("bytes", n).Msg("Extracted")
	}
	return nil
}

func extractFile(f *zip.File, target string, buffer []byte, advance func(int64) error) (int64, error) {
	in, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("error opening %s: %w", f.Name, err)
	}
	defer in.Close()
	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, fmt.Errorf("error creating %s: %w", target, err)
	}
	defer out.Close()

	var written int64
	for {
		n, readErr := in.Read(buffer)
		if n > 0 {
			if _, err := out.Write(buffer[:n]); err != nil {
				return written, fmt.Errorf("error writing %s: %w", target, err)
			}
			written += int64(n)
			if err := advance(int64(n)); err != nil {
				return written, err
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("error reading %s: %w", f.Name, readErr)
		}
	}
}

// safeJoin resolves name under root, rejecting entries that would land
// outside it.
func safeJoin(root, name string) (string, error) {
	target := filepath.Join(root, filepath.FromSlash(name))
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}
