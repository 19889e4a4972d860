package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/tanq16/rangefetch/internal/downloader"
)

type ErrorReport struct {
	Source string
	Error  error
	Time   time.Time
}

// Manager renders one download job: a status line, an overall progress bar,
// one row per segment and recent retry notes. On a terminal it redraws in
// place; otherwise it prints one plain line per event. Manager implements
// downloader.Observer.
type Manager struct {
	mutex       sync.RWMutex
	out         io.Writer
	interactive bool
	title       string
	status      string
	message     string
	snapshot    downloader.Snapshot
	hasSnapshot bool
	segments    func() []downloader.SegmentStatus
	// stage progress for post-download work such as extraction
	stageDone   int64
	stageTotal  int64
	notes       []string
	maxNotes    int
	errors      []ErrorReport
	startTime   time.Time
	lastUpdated time.Time
	numLines    int
	displayTick time.Duration
	doneCh      chan struct{}
	displayWg   sync.WaitGroup
	started     bool
}

func NewManager(out io.Writer, title string) *Manager {
	interactive := false
	if f, ok := out.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}
	return &Manager{
		out:         out,
		interactive: interactive,
		title:       title,
		status:      "pending",
		message:     "Probing " + title,
		snapshot:    downloader.Snapshot{TotalSize: -1, ETA: -1},
		maxNotes:    5,
		startTime:   time.Now(),
		lastUpdated: time.Now(),
		displayTick: 200 * time.Millisecond,
		doneCh:      make(chan struct{}),
	}
}

// SetSegmentSource registers the function polled for segment rows.
func (m *Manager) SetSegmentSource(fn func() []downloader.SegmentStatus) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.segments = fn
}

func (m *Manager) SetMessage(message string) {
	m.mutex.Lock()
	m.message = message
	m.lastUpdated = time.Now()
	m.mutex.Unlock()
	m.plain(infoStyle, message)
}

func (m *Manager) SetStatus(status string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.status = status
	m.lastUpdated = time.Now()
}

func (m *Manager) Status() string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.status
}

// UpdateStage reports progress of a post-download stage.
func (m *Manager) UpdateStage(done, total int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.stageDone, m.stageTotal = done, total
	m.lastUpdated = time.Now()
}

func (m *Manager) AddNote(note string) {
	m.mutex.Lock()
	m.notes = append(m.notes, note)
	if len(m.notes) > m.maxNotes {
		m.notes = m.notes[len(m.notes)-m.maxNotes:]
	}
	m.mutex.Unlock()
	m.plain(warningStyle, note)
}

func (m *Manager) Complete(message string) {
	m.mutex.Lock()
	if message == "" {
		message = fmt.Sprintf("Completed %s", m.title)
	}
	m.message = message
	m.status = "success"
	m.lastUpdated = time.Now()
	m.mutex.Unlock()
	m.plain(successStyle, message)
}

func (m *Manager) ReportError(err error) {
	m.mutex.Lock()
	m.status = "error"
	m.message = fmt.Sprintf("Failed %s", m.title)
	m.lastUpdated = time.Now()
	m.errors = append(m.errors, ErrorReport{Source: m.title, Error: err, Time: time.Now()})
	m.mutex.Unlock()
	m.plain(errorStyle, fmt.Sprintf("Error: %v", err))
}

func (m *Manager) OnProgress(snap downloader.Snapshot) {
	m.mutex.Lock()
	m.snapshot = snap
	m.hasSnapshot = true
	if m.status == "pending" {
		m.status = "running"
		m.message = "Downloading " + m.title
	}
	m.lastUpdated = time.Now()
	line := progressLine(snap)
	m.mutex.Unlock()
	m.plain(debugStyle, line)
}

func (m *Manager) OnRetry(segment, attempt int, err error) {
	m.AddNote(fmt.Sprintf("%s segment %d retry %d: %v", StyleSymbols["retry"], segment, attempt, err))
}

func (m *Manager) OnFinished() {
	m.Complete("")
}

func (m *Manager) OnError(err error) {
	m.ReportError(err)
}

// plain prints a single line when the output is not a terminal.
func (m *Manager) plain(style interface{ Render(...string) string }, line string) {
	if m.interactive {
		return
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	fmt.Fprintf(m.out, "%s%s\n", strings.Repeat(" ", 2), style.Render(line))
}

func progressLine(snap downloader.Snapshot) string {
	parts := []string{fmt.Sprintf("%s / %s", FormatSize(snap.BytesDownloaded), FormatSize(snap.TotalSize))}
	if snap.TotalSize > 0 {
		parts = append(parts, fmt.Sprintf("%.1f%%", float64(snap.BytesDownloaded)*100/float64(snap.TotalSize)))
	}
	parts = append(parts, FormatSpeed(snap.Speed), "ETA "+FormatETA(snap.ETASeconds()))
	return strings.Join(parts, " "+StyleSymbols["bullet"]+" ")
}

func (m *Manager) statusIndicator() string {
	switch m.status {
	case "success":
		return successStyle.Render(StyleSymbols["pass"])
	case "error":
		return errorStyle.Render(StyleSymbols["fail"])
	case "paused", "cancelled":
		return warningStyle.Render(StyleSymbols["pause"])
	case "pending":
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func (m *Manager) messageStyle() string {
	switch m.status {
	case "success":
		return successStyle.Render(m.message)
	case "error":
		return errorStyle.Render(m.message)
	case "paused", "cancelled":
		return warningStyle.Render(m.message)
	default:
		return pendingStyle.Render(m.message)
	}
}

// render builds the interactive view, limited to height lines.
func (m *Manager) render(width, height int) []string {
	indent := strings.Repeat(" ", 2)
	inner := strings.Repeat(" ", 2+4)
	elapsed := time.Since(m.startTime).Round(time.Second)
	if m.status == "success" || m.status == "error" {
		elapsed = m.lastUpdated.Sub(m.startTime).Round(time.Second)
	}
	lines := []string{fmt.Sprintf("%s%s %s %s", indent, m.statusIndicator(), debugStyle.Render(elapsed.String()), m.messageStyle())}

	if m.hasSnapshot {
		snap := m.snapshot
		total := snap.TotalSize
		if total <= 0 {
			total = max(snap.BytesDownloaded, 1)
		}
		lines = append(lines, inner+PrintProgressBar(snap.BytesDownloaded, total, 30)+debugStyle.Render(progressLine(snap)))
	}
	if m.stageTotal > 0 {
		lines = append(lines, inner+PrintProgressBar(m.stageDone, m.stageTotal, 30)+debugStyle.Render(FormatBytes(uint64(m.stageDone))))
	}
	if m.segments != nil && m.status != "success" {
		for _, seg := range m.segments() {
			lines = append(lines, inner+segmentRow(seg))
		}
	}
	for _, note := range m.notes {
		for _, wrapped := range wrapText(note, width-len(inner)-2) {
			lines = append(lines, inner+streamStyle.Render(wrapped))
		}
	}
	if len(lines) > height {
		lines = lines[:height]
	}
	return lines
}

func segmentRow(seg downloader.SegmentStatus) string {
	style, ok := segmentStyles[seg.State]
	if !ok {
		style = debugStyle
	}
	size := seg.End - seg.Start + 1
	progress := FormatBytes(uint64(seg.Downloaded))
	if seg.End >= 0 && size > 0 {
		progress = fmt.Sprintf("%5.1f%%", float64(seg.Downloaded)*100/float64(size))
	}
	row := fmt.Sprintf("#%-2d %-9s %s", seg.Index, seg.State, progress)
	if seg.Retries > 0 {
		row += fmt.Sprintf(" (%d retries)", seg.Retries)
	}
	return style.Render(row)
}

func (m *Manager) updateDisplay() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	width, height := getTerminalSize()
	if m.numLines > 0 {
		fmt.Fprintf(m.out, "\033[%dA\033[J", m.numLines)
	}
	lines := m.render(width, height-3)
	for _, line := range lines {
		fmt.Fprintln(m.out, line)
	}
	m.numLines = len(lines)
}

// StartDisplay begins redrawing on a terminal; it is a no-op otherwise.
func (m *Manager) StartDisplay() {
	if !m.interactive {
		return
	}
	m.started = true
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.updateDisplay()
			case <-m.doneCh:
				m.updateDisplay()
				return
			}
		}
	}()
}

func (m *Manager) StopDisplay() {
	if m.started {
		close(m.doneCh)
		m.displayWg.Wait()
	}
	m.ShowSummary()
}

func (m *Manager) displayErrors() {
	if len(m.errors) == 0 {
		return
	}
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, strings.Repeat(" ", 2)+errorStyle.Bold(true).Render("Errors:"))
	for i, err := range m.errors {
		fmt.Fprintf(m.out, "%s%s %s %s\n",
			strings.Repeat(" ", 2+2),
			errorStyle.Render(fmt.Sprintf("%d.", i+1)),
			debugStyle.Render(fmt.Sprintf("[%s]", err.Time.Format("15:04:05"))),
			errorStyle.Render(err.Source))
		fmt.Fprintf(m.out, "%s%s\n", strings.Repeat(" ", 2+4), errorStyle.Render(fmt.Sprintf("Error: %v", err.Error)))
	}
}

func (m *Manager) ShowSummary() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	fmt.Fprintln(m.out)
	switch m.status {
	case "success":
		fmt.Fprintln(m.out, strings.Repeat(" ", 2)+success2Style.Render(fmt.Sprintf("Downloaded %s in %s", FormatSize(m.snapshot.BytesDownloaded), m.lastUpdated.Sub(m.startTime).Round(time.Millisecond))))
	case "error":
		fmt.Fprintln(m.out, strings.Repeat(" ", 2)+errorStyle.Render(m.message))
	default:
		fmt.Fprintln(m.out, strings.Repeat(" ", 2)+warningStyle.Render(m.message))
	}
	m.displayErrors()
	fmt.Fprintln(m.out)
}
