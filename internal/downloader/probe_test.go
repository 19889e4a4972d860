package downloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbe(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		path    string
		want    ProbeResult
	}{
		{
			name: "size and ranges",
			path: "/dl/archive.tar.gz",
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodHead, r.Method)
				w.Header().Set("Content-Length", "1000")
				w.Header().Set("Accept-Ranges", "bytes")
				w.Header().Set("ETag", `"v1"`)
			},
			want: ProbeResult{TotalSize: 1000, SupportsRanges: true, FileName: "archive.tar.gz", ETag: `"v1"`},
		},
		{
			name: "ranges header is case-insensitive",
			path: "/file",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Length", "10")
				w.Header().Set("Accept-Ranges", "Bytes")
			},
			want: ProbeResult{TotalSize: 10, SupportsRanges: true, FileName: "file"},
		},
		{
			name: "no ranges",
			path: "/file",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Length", "10")
				w.Header().Set("Accept-Ranges", "none")
			},
			want: ProbeResult{TotalSize: 10, SupportsRanges: false, FileName: "file"},
		},
		{
			name: "missing length",
			path: "/file",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Accept-Ranges", "bytes")
			},
			want: ProbeResult{TotalSize: -1, SupportsRanges: true, FileName: "file"},
		},
		{
			name: "content disposition wins",
			path: "/download?id=42",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Length", "5")
				w.Header().Set("Content-Disposition", `attachment; filename="../report 2024.pdf"`)
			},
			want: ProbeResult{TotalSize: 5, FileName: "report 2024.pdf"},
		},
		{
			name: "HEAD not allowed",
			path: "/blob.bin",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusMethodNotAllowed)
			},
			want: ProbeResult{TotalSize: -1, FileName: "blob.bin"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			got, err := Probe(context.Background(), srv.Client(), srv.URL+tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProbeErrors(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		_, err := Probe(context.Background(), srv.Client(), srv.URL+"/x")
		require.ErrorIs(t, err, ErrProbeFailed)
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusNotFound, statusErr.Code)
	})

	t.Run("unreachable host", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		link := srv.URL + "/x"
		srv.Close()

		_, err := Probe(context.Background(), http.DefaultClient, link)
		require.ErrorIs(t, err, ErrProbeFailed)
		var probeErr *ProbeError
		require.ErrorAs(t, err, &probeErr)
		assert.Equal(t, link, probeErr.URL)
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		_, err := Probe(context.Background(), http.DefaultClient, "ftp://example.com/file")
		assert.ErrorIs(t, err, ErrProbeFailed)
	})
}
