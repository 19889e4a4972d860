package downloader

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

type SegmentRecord struct {
	Index      int    `json:"index"`
	Start      int64  `json:"start"`
	End        int64  `json:"end"`
	File       string `json:"file"`
	Downloaded int64  `json:"downloaded"`
}

// ResumeMetadata is the sidecar record that lets an interrupted job continue.
type ResumeMetadata struct {
	URL       string          `json:"url"`
	TotalSize int64           `json:"totalSize"`
	ETag      string          `json:"etag,omitempty"`
	Segments  []SegmentRecord `json:"segments"`
}

// Layout rebuilds segments from the recorded boundaries.
func (m *ResumeMetadata) Layout() []*Segment {
	segments := make([]*Segment, len(m.Segments))
	for i, rec := range m.Segments {
		segments[i] = &Segment{Index: rec.Index, Start: rec.Start, End: rec.End, PartPath: rec.File}
	}
	return segments
}

// consistent reports whether the recorded segments still partition the
// recorded size in index order.
func (m *ResumeMetadata) consistent() bool {
	if len(m.Segments) == 0 {
		return false
	}
	if m.TotalSize <= 0 {
		return len(m.Segments) == 1 && m.Segments[0].Start == 0 && m.Segments[0].End < 0
	}
	var next int64
	for i, rec := range m.Segments {
		if rec.Index != i || rec.Start != next || rec.End < rec.Start || rec.File == "" {
			return false
		}
		next = rec.End + 1
	}
	return next == m.TotalSize
}

func metadataFor(job DownloadJob, etag string, segments []*Segment) ResumeMetadata {
	meta := ResumeMetadata{
		URL:       job.URL,
		TotalSize: job.TotalSize,
		ETag:      etag,
		Segments:  make([]SegmentRecord, len(segments)),
	}
	for i, seg := range segments {
		meta.Segments[i] = SegmentRecord{
			Index:      seg.Index,
			Start:      seg.Start,
			End:        seg.End,
			File:       seg.PartPath,
			Downloaded: seg.Downloaded(),
		}
	}
	return meta
}

// ResumeStore persists ResumeMetadata beside the destination file. Writes are
// serialized and atomic (temp file + rename) so a crash never leaves a torn
// record behind.
type ResumeStore struct {
	path string
	mu   sync.Mutex
}

func NewResumeStore(outputPath string) *ResumeStore {
	return &ResumeStore{path: MetaPath(outputPath)}
}

func (s *ResumeStore) Path() string { return s.path }

func (s *ResumeStore) Save(meta ResumeMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding metadata: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return &IOError{Op: "create", Path: s.path, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &IOError{Op: "write", Path: tmpName, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &IOError{Op: "close", Path: tmpName, Err: err}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return &IOError{Op: "rename", Path: s.path, Err: err}
	}
	return nil
}

// Load returns the stored metadata for url. A missing, unreadable, malformed
// or foreign (different URL) record is reported as (nil, nil) so the caller
// starts fresh. Only an unexpected read failure is an error.
func (s *ResumeStore) Load(url string) (*ResumeMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &IOError{Op: "read", Path: s.path, Err: err}
	}
	var meta ResumeMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		log.Warn().Str("op", "downloader/resume-store").Str("file", s.path).Err(err).Msg("Ignoring unreadable metadata")
		return nil, nil
	}
	if meta.URL != url {
		log.Info().Str("op", "downloader/resume-store").Str("stored", meta.URL).Str("requested", url).Msg("Metadata belongs to another URL, ignoring")
		return nil, nil
	}
	if !meta.consistent() {
		log.Warn().Str("op", "downloader/resume-store").Str("file", s.path).Msg("Metadata segments are inconsistent, ignoring")
		return nil, nil
	}
	return &meta, nil
}

// Peek reads the record without validating the URL. Used for inspection.
func (s *ResumeStore) Peek() (*ResumeMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var meta ResumeMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("error decoding %s: %w", s.path, err)
	}
	return &meta, nil
}

func (s *ResumeStore) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &IOError{Op: "remove", Path: s.path, Err: err}
	}
	return nil
}
