package extract

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func TestZipExtract(t *testing.T) {
	archive := writeZip(t, map[string]string{
		"app/readme.txt":   "hello",
		"app/bin/tool":     "binary-ish content",
		"app/empty/":       "",
		"top-level.config": "a=b",
	})
	dest := filepath.Join(t.TempDir(), "out")

	var last, total int64
	err := ZipExtractor{BufferSize: 4}.Extract(context.Background(), archive, dest, "", func(processed, all int64) bool {
		assert.GreaterOrEqual(t, processed, last)
		last, total = processed, all
		return true
	})
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dest, "app", "bin", "tool"))
	require.NoError(t, err)
	assert.Equal(t, "binary-ish content", string(got))
	assert.DirExists(t, filepath.Join(dest, "app", "empty"))
	assert.FileExists(t, filepath.Join(dest, "top-level.config"))
	assert.Equal(t, int64(len("hello")+len("binary-ish content")+len("a=b")), total)
	assert.Equal(t, total, last)
}

func TestZipExtractCancel(t *testing.T) {
	archive := writeZip(t, map[string]string{"big.bin": "0123456789abcdef0123456789abcdef"})
	calls := 0
	err := ZipExtractor{BufferSize: 8}.Extract(context.Background(), archive, t.TempDir(), "", func(processed, total int64) bool {
		calls++
		return calls < 3
	})
	assert.ErrorIs(t, err, ErrExtractCancelled)
}

func TestZipExtractContextCancelled(t *testing.T) {
	archive := writeZip(t, map[string]string{"big.bin": "0123456789abcdef0123456789abcdef"})
	ctx, cancel := context.WithCancel(context.Background())
	dest := t.TempDir()
	err := ZipExtractor{BufferSize: 8}.Extract(ctx, archive, dest, "", func(processed, total int64) bool {
		if processed >= 8 {
			cancel()
		}
		return true
	})
	assert.ErrorIs(t, err, ErrExtractCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	info, err := os.Stat(filepath.Join(dest, "big.bin"))
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(32))
}

func TestZipExtractRejectsTraversal(t *testing.T) {
	archive := writeZip(t, map[string]string{"../escape.txt": "nope"})
	dest := filepath.Join(t.TempDir(), "out")
	err := ZipExtractor{}.Extract(context.Background(), archive, dest, "", nil)
	assert.ErrorIs(t, err, ErrUnsafePath)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dest), "escape.txt"))
}

func TestZipExtractPassword(t *testing.T) {
	archive := writeZip(t, map[string]string{"a": "b"})
	err := ZipExtractor{}.Extract(context.Background(), archive, t.TempDir(), "secret", nil)
	assert.ErrorIs(t, err, ErrPasswordUnsupported)
}

func TestZipExtractNotAnArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.txt")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0644))
	assert.Error(t, ZipExtractor{}.Extract(context.Background(), path, t.TempDir(), "", nil))
}
