package downloader

import "time"

type speedSample struct {
	at    time.Time
	bytes int64
}

// speedometer derives transfer speed from timestamped byte counts over a
// sliding window. Each job owns its own instance.
type speedometer struct {
	window  time.Duration
	samples []speedSample
}

func newSpeedometer(window time.Duration, start time.Time, base int64) *speedometer {
	if window <= 0 {
		window = time.Second
	}
	return &speedometer{
		window:  window,
		samples: []speedSample{{at: start, bytes: base}},
	}
}

// Observe records the cumulative byte count at now and returns bytes/sec.
// Bytes present before start (resumed data) never count towards speed.
func (s *speedometer) Observe(now time.Time, total int64) float64 {
	s.samples = append(s.samples, speedSample{at: now, bytes: total})
	cutoff := now.Add(-s.window)
	// keep one sample at or before the cutoff as the window's left edge
	drop := 0
	for drop < len(s.samples)-2 && !s.samples[drop+1].at.After(cutoff) {
		drop++
	}
	s.samples = s.samples[drop:]

	first := s.samples[0]
	elapsed := now.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	delta := total - first.bytes
	if delta <= 0 {
		return 0
	}
	return float64(delta) / elapsed
}

func snapshotOf(total, size int64, speed float64, elapsed time.Duration) Snapshot {
	snap := Snapshot{
		BytesDownloaded: total,
		TotalSize:       size,
		Speed:           speed,
		ETA:             -1,
		Elapsed:         elapsed,
	}
	if size > 0 && speed > 0 {
		remaining := max(size-total, 0)
		snap.ETA = time.Duration(float64(remaining) / speed * float64(time.Second))
	}
	return snap
}
