package cmd

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanq16/rangefetch/internal/downloader"
)

func TestSegmentLine(t *testing.T) {
	done := segmentLine(downloader.SegmentRecord{Index: 0, Start: 0, End: 1023, Downloaded: 1024})
	assert.Contains(t, done, "segment 0")
	assert.Contains(t, done, "done")

	partial := segmentLine(downloader.SegmentRecord{Index: 1, Start: 1024, End: 2047, Downloaded: 512})
	assert.Contains(t, partial, "segment 1")
	assert.NotContains(t, partial, "done")

	unknown := segmentLine(downloader.SegmentRecord{Index: 0, Start: 0, End: -1})
	assert.Contains(t, unknown, "?")
	assert.NotContains(t, unknown, "done")
}

func TestPrintStatus(t *testing.T) {
	out := filepath.Join(t.TempDir(), "file.bin")
	assert.NoError(t, printStatus(out), "nothing to resume is not an error")

	meta := downloader.ResumeMetadata{
		URL:       "https://example.com/file.bin",
		TotalSize: 2048,
		Segments: []downloader.SegmentRecord{
			{Index: 0, Start: 0, End: 1023, File: downloader.PartPath(out, 0), Downloaded: 1024},
			{Index: 1, Start: 1024, End: 2047, File: downloader.PartPath(out, 1)},
		},
	}
	require.NoError(t, downloader.NewResumeStore(out).Save(meta))
	assert.NoError(t, printStatus(out))
}
