package downloader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMetadata(out string) ResumeMetadata {
	return ResumeMetadata{
		URL:       "https://example.com/file.bin",
		TotalSize: 1000,
		ETag:      `"abc"`,
		Segments: []SegmentRecord{
			{Index: 0, Start: 0, End: 499, File: PartPath(out, 0), Downloaded: 120},
			{Index: 1, Start: 500, End: 999, File: PartPath(out, 1), Downloaded: 0},
		},
	}
}

func TestResumeStoreSaveLoad(t *testing.T) {
	out := filepath.Join(t.TempDir(), "file.bin")
	store := NewResumeStore(out)
	assert.Equal(t, out+".meta", store.Path())

	meta, err := store.Load("https://example.com/file.bin")
	require.NoError(t, err)
	assert.Nil(t, meta, "missing metadata means a fresh start")

	want := sampleMetadata(out)
	require.NoError(t, store.Save(want))

	got, err := store.Load(want.URL)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)

	layout := got.Layout()
	require.Len(t, layout, 2)
	assert.Equal(t, int64(500), layout[1].Start)
	assert.Equal(t, int64(999), layout[1].End)
	assert.Equal(t, PartPath(out, 1), layout[1].PartPath)

	entries, err := os.ReadDir(filepath.Dir(out))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	require.NoError(t, store.Delete())
	assert.NoFileExists(t, store.Path())
	require.NoError(t, store.Delete())
}

func TestResumeStoreRejectsUnusableRecords(t *testing.T) {
	out := filepath.Join(t.TempDir(), "file.bin")
	store := NewResumeStore(out)

	t.Run("different URL", func(t *testing.T) {
		require.NoError(t, store.Save(sampleMetadata(out)))
		meta, err := store.Load("https://example.com/other.bin")
		require.NoError(t, err)
		assert.Nil(t, meta)
	})

	t.Run("malformed JSON", func(t *testing.T) {
		require.NoError(t, os.WriteFile(store.Path(), []byte("{not json"), 0644))
		meta, err := store.Load("https://example.com/file.bin")
		require.NoError(t, err)
		assert.Nil(t, meta)
	})

	t.Run("gap between segments", func(t *testing.T) {
		bad := sampleMetadata(out)
		bad.Segments[1].Start = 600
		require.NoError(t, store.Save(bad))
		meta, err := store.Load(bad.URL)
		require.NoError(t, err)
		assert.Nil(t, meta)
	})

	t.Run("segments do not cover the size", func(t *testing.T) {
		bad := sampleMetadata(out)
		bad.TotalSize = 2000
		require.NoError(t, store.Save(bad))
		meta, err := store.Load(bad.URL)
		require.NoError(t, err)
		assert.Nil(t, meta)
	})

	t.Run("no segments", func(t *testing.T) {
		bad := sampleMetadata(out)
		bad.Segments = nil
		require.NoError(t, store.Save(bad))
		meta, err := store.Load(bad.URL)
		require.NoError(t, err)
		assert.Nil(t, meta)
	})
}

func TestResumeStoreUnknownSize(t *testing.T) {
	out := filepath.Join(t.TempDir(), "stream.bin")
	store := NewResumeStore(out)
	meta := ResumeMetadata{
		URL:       "https://example.com/stream",
		TotalSize: -1,
		Segments:  []SegmentRecord{{Index: 0, Start: 0, End: -1, File: PartPath(out, 0), Downloaded: 42}},
	}
	require.NoError(t, store.Save(meta))
	got, err := store.Load(meta.URL)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(-1), got.Layout()[0].End)
}

func TestResumeStorePeek(t *testing.T) {
	out := filepath.Join(t.TempDir(), "file.bin")
	store := NewResumeStore(out)
	_, err := store.Peek()
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, store.Save(sampleMetadata(out)))
	meta, err := store.Peek()
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/file.bin", meta.URL)
}

func TestMetadataForCapturesProgress(t *testing.T) {
	segs := ComputeSegments(100, 2, "f")
	segs[0].downloaded.Store(30)
	meta := metadataFor(DownloadJob{URL: "u", TotalSize: 100}, "e", segs)
	assert.Equal(t, "u", meta.URL)
	assert.Equal(t, "e", meta.ETag)
	assert.Equal(t, int64(30), meta.Segments[0].Downloaded)
	assert.Equal(t, int64(0), meta.Segments[1].Downloaded)
	assert.True(t, meta.consistent())
}
