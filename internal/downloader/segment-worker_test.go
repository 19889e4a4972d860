package downloader

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorker(srv *rangeServer, seg *Segment, progress func(int, int64)) *SegmentWorker {
	return NewSegmentWorker(seg, WorkerOptions{
		URL:          srv.fileURL(),
		Client:       srv.Client(),
		PollInterval: 5 * time.Millisecond,
		OnProgress:   progress,
	})
}

func TestSegmentWorkerDownloadsRange(t *testing.T) {
	data := testPayload(1000)
	srv := newRangeServer(t, data, nil)
	out := filepath.Join(t.TempDir(), "f")
	seg := ComputeSegments(1000, 4, out)[1]

	var last int64
	w := newWorker(srv, seg, func(index int, downloaded int64) {
		assert.Equal(t, 1, index)
		assert.GreaterOrEqual(t, downloaded, last)
		last = downloaded
	})
	require.NoError(t, w.Run(context.Background()))

	got, err := os.ReadFile(seg.PartPath)
	require.NoError(t, err)
	assert.Equal(t, data[250:500], got)
	assert.Equal(t, int64(250), seg.Downloaded())
	assert.Equal(t, int64(250), last)
	assert.Equal(t, StateCompleted, seg.State())
	assert.Equal(t, []string{"bytes=250-499"}, srv.requestedRanges())
}

func TestSegmentWorkerContinuesPartialPart(t *testing.T) {
	data := testPayload(1000)
	srv := newRangeServer(t, data, nil)
	out := filepath.Join(t.TempDir(), "f")
	seg := ComputeSegments(1000, 2, out)[1]
	require.NoError(t, os.WriteFile(seg.PartPath, data[500:620], 0644))

	require.NoError(t, newWorker(srv, seg, nil).Run(context.Background()))

	got, err := os.ReadFile(seg.PartPath)
	require.NoError(t, err)
	assert.Equal(t, data[500:], got)
	assert.Equal(t, []string{"bytes=620-999"}, srv.requestedRanges())
}

func TestSegmentWorkerCompletePartSkipsNetwork(t *testing.T) {
	data := testPayload(100)
	srv := newRangeServer(t, data, nil)
	out := filepath.Join(t.TempDir(), "f")
	seg := ComputeSegments(100, 1, out)[0]
	require.NoError(t, os.WriteFile(seg.PartPath, data, 0644))

	require.NoError(t, newWorker(srv, seg, nil).Run(context.Background()))
	assert.Empty(t, srv.requestedRanges())
	assert.Equal(t, int64(100), seg.Downloaded())
}

func TestSegmentWorkerRefetchesOversizedPart(t *testing.T) {
	data := testPayload(100)
	srv := newRangeServer(t, data, nil)
	out := filepath.Join(t.TempDir(), "f")
	seg := ComputeSegments(100, 2, out)[0]
	require.NoError(t, os.WriteFile(seg.PartPath, data[:80], 0644))

	require.NoError(t, newWorker(srv, seg, nil).Run(context.Background()))
	got, err := os.ReadFile(seg.PartPath)
	require.NoError(t, err)
	assert.Equal(t, data[:50], got)
}

func TestSegmentWorkerSkipsWhenRangeIgnored(t *testing.T) {
	data := testPayload(1000)
	srv := newRangeServer(t, data, func(rs *rangeServer) { rs.noRanges = true })
	out := filepath.Join(t.TempDir(), "f")
	seg := ComputeSegments(1000, 1, out)[0]
	require.NoError(t, os.WriteFile(seg.PartPath, data[:300], 0644))

	require.NoError(t, newWorker(srv, seg, nil).Run(context.Background()))
	got, err := os.ReadFile(seg.PartPath)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestSegmentWorkerRejectsMisplacedContentRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-9/100")
		w.WriteHeader(http.StatusPartialContent)
		fmt.Fprint(w, "0123456789")
	}))
	defer srv.Close()

	seg := &Segment{Index: 0, Start: 50, End: 59, PartPath: filepath.Join(t.TempDir(), "f.part0")}
	w := NewSegmentWorker(seg, WorkerOptions{URL: srv.URL, Client: srv.Client()})
	err := w.Run(context.Background())
	require.ErrorIs(t, err, ErrBadContentRange)
	assert.True(t, retryable(err))
}

func TestSegmentWorkerShortBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-99/100")
		w.WriteHeader(http.StatusPartialContent)
		fmt.Fprint(w, "short")
	}))
	defer srv.Close()

	seg := &Segment{Index: 0, Start: 0, End: 99, PartPath: filepath.Join(t.TempDir(), "f.part0")}
	err := NewSegmentWorker(seg, WorkerOptions{URL: srv.URL, Client: srv.Client()}).Run(context.Background())
	require.Error(t, err)
	assert.True(t, retryable(err))
	assert.Equal(t, int64(5), seg.Downloaded())
}

func TestSegmentWorkerStatusErrors(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{status: http.StatusInternalServerError, retryable: true},
		{status: http.StatusTooManyRequests, retryable: true},
		{status: http.StatusNotFound, retryable: false},
		{status: http.StatusForbidden, retryable: false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := newRangeServer(t, testPayload(10), func(rs *rangeServer) {
				rs.fail = func(int64, int) int { return tt.status }
			})
			seg := ComputeSegments(10, 1, filepath.Join(t.TempDir(), "f"))[0]
			err := newWorker(srv, seg, nil).Run(context.Background())
			var statusErr *StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tt.status, statusErr.Code)
			assert.Equal(t, tt.retryable, retryable(err))
		})
	}
}

func TestSegmentWorkerPauseResumeStop(t *testing.T) {
	data := testPayload(16 * 1024)
	srv := newRangeServer(t, data, func(rs *rangeServer) {
		rs.chunk = 256
		rs.delay = 5 * time.Millisecond
	})
	seg := ComputeSegments(int64(len(data)), 1, filepath.Join(t.TempDir(), "f"))[0]
	w := newWorker(srv, seg, nil)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	require.Eventually(t, func() bool { return seg.Downloaded() > 1024 }, 5*time.Second, 2*time.Millisecond)
	w.Pause()
	require.Eventually(t, func() bool { return seg.State() == StatePaused }, 5*time.Second, 2*time.Millisecond)
	held := seg.Downloaded()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, held, seg.Downloaded())

	w.Resume()
	require.Eventually(t, func() bool { return seg.Downloaded() > held }, 5*time.Second, 2*time.Millisecond)

	w.Stop()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, errStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.False(t, retryable(errStopped))
}

func TestSegmentWorkerStartPaused(t *testing.T) {
	srv := newRangeServer(t, testPayload(100), nil)
	seg := ComputeSegments(100, 1, filepath.Join(t.TempDir(), "f"))[0]
	w := NewSegmentWorker(seg, WorkerOptions{URL: srv.fileURL(), Client: srv.Client(), PollInterval: 5 * time.Millisecond, StartPaused: true})
	assert.True(t, w.Paused())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := w.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, srv.requestedRanges())
}

func TestContentRangeStart(t *testing.T) {
	tests := []struct {
		header  string
		want    int64
		wantErr bool
	}{
		{header: "bytes 100-199/1000", want: 100},
		{header: "bytes 0-0/*", want: 0},
		{header: "", wantErr: true},
		{header: "items 1-2/3", wantErr: true},
		{header: "bytes x-2/3", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got, err := contentRangeStart(tt.header)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadContentRange)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
