package downloader

import (
	"fmt"
	"sync/atomic"
	"time"
)

// DownloadJob describes one resource to fetch. The coordinator fills in
// TotalSize, SupportsRanges and SegmentCount after probing; the job is not
// modified after segments are computed.
type DownloadJob struct {
	ID             string
	URL            string
	OutputPath     string
	TotalSize      int64
	SupportsRanges bool
	SegmentCount   int
}

type SegmentState int32

const (
	StatePending SegmentState = iota
	StateRunning
	StatePaused
	StateRetrying
	StateCompleted
	StateFailed
)

func (s SegmentState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateRetrying:
		return "retrying"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Segment is one contiguous byte range of the resource. End is inclusive;
// End < 0 marks an open-ended range used when the total size is unknown.
type Segment struct {
	Index    int
	Start    int64
	End      int64
	PartPath string

	downloaded atomic.Int64
	retries    atomic.Int32
	state      atomic.Int32
}

func (s *Segment) Len() int64 {
	if s.End < 0 {
		return -1
	}
	return s.End - s.Start + 1
}

func (s *Segment) Downloaded() int64 { return s.downloaded.Load() }
func (s *Segment) Retries() int      { return int(s.retries.Load()) }

func (s *Segment) State() SegmentState { return SegmentState(s.state.Load()) }

func (s *Segment) setState(st SegmentState) { s.state.Store(int32(st)) }

// SegmentStatus is a point-in-time copy of a segment used for display and
// the control API.
type SegmentStatus struct {
	Index      int    `json:"index"`
	Start      int64  `json:"start"`
	End        int64  `json:"end"`
	Downloaded int64  `json:"downloaded"`
	Retries    int    `json:"retries"`
	State      string `json:"state"`
}

func (s *Segment) Status() SegmentStatus {
	return SegmentStatus{
		Index:      s.Index,
		Start:      s.Start,
		End:        s.End,
		Downloaded: s.Downloaded(),
		Retries:    s.Retries(),
		State:      s.State().String(),
	}
}

// Snapshot is the aggregate progress of a job at one instant.
type Snapshot struct {
	BytesDownloaded int64         `json:"bytesDownloaded"`
	TotalSize       int64         `json:"totalSize"`
	Speed           float64       `json:"speed"`
	ETA             time.Duration `json:"eta"`
	Elapsed         time.Duration `json:"elapsed"`
}

func (s Snapshot) SpeedMBps() float64 {
	return s.Speed / (1024 * 1024)
}

// ETASeconds returns -1 when the remaining time cannot be estimated.
func (s Snapshot) ETASeconds() int {
	if s.ETA < 0 {
		return -1
	}
	return int(s.ETA.Round(time.Second).Seconds())
}

// Observer receives job level events. All callbacks are delivered from the
// coordinator's event loop, never concurrently.
type Observer interface {
	OnProgress(snap Snapshot)
	OnRetry(segment, attempt int, err error)
	OnFinished()
	OnError(err error)
}

// ObserverFuncs adapts plain functions to Observer; nil fields are skipped.
type ObserverFuncs struct {
	Progress func(snap Snapshot)
	Retry    func(segment, attempt int, err error)
	Finished func()
	Error    func(err error)
}

func (o ObserverFuncs) OnProgress(snap Snapshot) {
	if o.Progress != nil {
		o.Progress(snap)
	}
}

func (o ObserverFuncs) OnRetry(segment, attempt int, err error) {
	if o.Retry != nil {
		o.Retry(segment, attempt, err)
	}
}

func (o ObserverFuncs) OnFinished() {
	if o.Finished != nil {
		o.Finished()
	}
}

func (o ObserverFuncs) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

// Observers fans every event out to each non-nil observer in order.
func Observers(observers ...Observer) Observer {
	var list multiObserver
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	return list
}

type multiObserver []Observer

func (m multiObserver) OnProgress(snap Snapshot) {
	for _, o := range m {
		o.OnProgress(snap)
	}
}

func (m multiObserver) OnRetry(segment, attempt int, err error) {
	for _, o := range m {
		o.OnRetry(segment, attempt, err)
	}
}

func (m multiObserver) OnFinished() {
	for _, o := range m {
		o.OnFinished()
	}
}

func (m multiObserver) OnError(err error) {
	for _, o := range m {
		o.OnError(err)
	}
}
