package downloader

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

func testPayload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte((i*7 + i/251) % 251)
	}
	return data
}

// rangeServer serves a fixed payload with byte range support, optional
// failure injection and throttling.
type rangeServer struct {
	*httptest.Server

	data     []byte
	noRanges bool
	noHead   bool
	etag     string
	// chunk bytes are written every delay when delay > 0
	chunk int
	delay time.Duration
	// fail returns a status to answer a GET with instead of the payload,
	// or 0 to serve normally. start is the first requested byte.
	fail func(start int64, attempt int) int

	mu       sync.Mutex
	attempts map[int64]int
	ranges   []string
}

func newRangeServer(t *testing.T, data []byte, configure func(*rangeServer)) *rangeServer {
	t.Helper()
	rs := &rangeServer{data: data, chunk: 1024, attempts: make(map[int64]int)}
	if configure != nil {
		configure(rs)
	}
	rs.Server = httptest.NewServer(http.HandlerFunc(rs.serve))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *rangeServer) fileURL() string {
	return rs.URL + "/files/payload.bin"
}

func (rs *rangeServer) requestedRanges() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]string(nil), rs.ranges...)
}

func (rs *rangeServer) serve(w http.ResponseWriter, r *http.Request) {
	size := int64(len(rs.data))
	if r.Method == http.MethodHead {
		if rs.noHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		if !rs.noRanges {
			w.Header().Set("Accept-Ranges", "bytes")
		}
		if rs.etag != "" {
			w.Header().Set("ETag", rs.etag)
		}
		return
	}

	start, end := int64(0), size-1
	header := r.Header.Get("Range")
	ranged := header != "" && !rs.noRanges
	if ranged {
		var err error
		start, end, err = parseRangeHeader(header, size)
		if err != nil {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
	}

	rs.mu.Lock()
	rs.ranges = append(rs.ranges, header)
	rs.attempts[start]++
	attempt := rs.attempts[start]
	rs.mu.Unlock()

	if rs.fail != nil {
		if status := rs.fail(start, attempt); status != 0 {
			w.WriteHeader(status)
			return
		}
	}

	body := rs.data[start : end+1]
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	if ranged {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if rs.delay <= 0 {
		w.Write(body)
		return
	}
	flusher, _ := w.(http.Flusher)
	for len(body) > 0 {
		n := min(rs.chunk, len(body))
		if _, err := w.Write(body[:n]); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		body = body[n:]
		select {
		case <-r.Context().Done():
			return
		case <-time.After(rs.delay):
		}
	}
}

func parseRangeHeader(header string, size int64) (int64, int64, error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("bad range %q", header)
	}
	first, last, _ := strings.Cut(spec, "-")
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	end := size - 1
	if last != "" {
		if end, err = strconv.ParseInt(last, 10, 64); err != nil {
			return 0, 0, err
		}
	}
	if start > end || end >= size {
		return 0, 0, fmt.Errorf("unsatisfiable range %q", header)
	}
	return start, end, nil
}

// recorder is an Observer that keeps every event for assertions.
type recorder struct {
	mu        sync.Mutex
	snapshots []Snapshot
	retries   [][2]int
	finished  int
	errs      []error
	onProg    func(Snapshot)
}

func (r *recorder) OnProgress(snap Snapshot) {
	r.mu.Lock()
	r.snapshots = append(r.snapshots, snap)
	hook := r.onProg
	r.mu.Unlock()
	if hook != nil {
		hook(snap)
	}
}

func (r *recorder) OnRetry(segment, attempt int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries = append(r.retries, [2]int{segment, attempt})
}

func (r *recorder) OnFinished() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished++
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) progress() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snapshots...)
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.RetryBaseDelay = 5 * time.Millisecond
	opts.ProgressInterval = 10 * time.Millisecond
	opts.PollInterval = 10 * time.Millisecond
	return opts
}
