package downloader

import (
	"context"
	"time"
)

// Backoff is linear: the n-th retry waits Base*n, capped at Max when Max > 0.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base * time.Duration(attempt)
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Wait sleeps for the delay of attempt or until ctx is done.
func (b Backoff) Wait(ctx context.Context, attempt int) error {
	d := b.Delay(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
