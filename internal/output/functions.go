package output

import (
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/term"
)

// FormatBytes converts bytes to human-readable format
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatSpeed formats a bytes/sec rate
func FormatSpeed(bytesPerSec float64) string {
	if bytesPerSec <= 0 {
		return "0 B/s"
	}
	return FormatBytes(uint64(bytesPerSec)) + "/s"
}

// FormatETA renders whole seconds; negative means unknown.
func FormatETA(seconds int) string {
	if seconds < 0 {
		return "--"
	}
	return (time.Duration(seconds) * time.Second).String()
}

// FormatSize renders a byte count, or "?" when the size is unknown.
func FormatSize(size int64) string {
	if size < 0 {
		return "?"
	}
	return FormatBytes(uint64(size))
}

// PrintProgressBar creates a progress bar string
func PrintProgressBar(current, total int64, width int) string {
	if width <= 0 {
		width = 30
	}
	if total <= 0 {
		total = 1
	}
	if current < 0 {
		current = 0
	}
	if current > total {
		current = total
	}
	percent := float64(current) / float64(total)
	filled := max(0, min(int(percent*float64(width)), width))
	bar := StyleSymbols["bullet"]
	bar += strings.Repeat(StyleSymbols["hline"], filled)
	if filled < width {
		bar += strings.Repeat(" ", width-filled)
	}
	bar += StyleSymbols["bullet"]
	return debugStyle.Render(fmt.Sprintf("%s %.1f%% %s ", bar, percent*100, StyleSymbols["bullet"]))
}

func getTerminalSize() (int, int) {
	width, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 || height <= 0 {
		return 80, 24 // Default fallback size
	}
	return width, height
}

func wrapText(text string, maxWidth int) []string {
	if maxWidth <= 10 {
		maxWidth = 80
	}
	if utf8.RuneCountInString(text) <= maxWidth {
		return []string{text}
	}
	var lines []string
	var current strings.Builder
	currentWidth := 0
	for _, r := range text {
		if currentWidth+1 > maxWidth {
			lines = append(lines, current.String())
			current.Reset()
			currentWidth = 0
		}
		current.WriteRune(r)
		currentWidth++
	}
	if current.Len() > 0 {
		lines = append(lines, current.String())
	}
	return lines
}
