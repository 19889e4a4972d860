package downloader

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// EffectiveSegmentCount decides how many segments a job is split into.
// Unknown size or no range support always yields 1. The count is also
// clamped so that every segment holds at least minSize bytes (and at least
// one byte).
func EffectiveSegmentCount(totalSize int64, supportsRanges bool, requested int, minSize int64) int {
	if !supportsRanges || totalSize <= 0 || requested <= 1 {
		return 1
	}
	n := int64(requested)
	if minSize < 1 {
		minSize = 1
	}
	if maxN := totalSize / minSize; n > maxN {
		n = maxN
	}
	if n < 1 {
		n = 1
	}
	return int(n)
}

// ComputeSegments splits [0, totalSize-1] into n contiguous ranges; the last
// range absorbs the remainder of the integer division. A non-positive
// totalSize produces a single open-ended segment.
func ComputeSegments(totalSize int64, n int, outputPath string) []*Segment {
	if n < 1 {
		n = 1
	}
	if totalSize <= 0 {
		return []*Segment{{Index: 0, Start: 0, End: -1, PartPath: PartPath(outputPath, 0)}}
	}
	if int64(n) > totalSize {
		n = int(totalSize)
	}
	segments := make([]*Segment, n)
	count := int64(n)
	for i := range n {
		idx := int64(i)
		start := idx * totalSize / count
		end := (idx+1)*totalSize/count - 1
		if i == n-1 {
			end = totalSize - 1
		}
		segments[i] = &Segment{
			Index:    i,
			Start:    start,
			End:      end,
			PartPath: PartPath(outputPath, i),
		}
	}
	return segments
}

func PartPath(outputPath string, index int) string {
	return fmt.Sprintf("%s.part%d", outputPath, index)
}

func MetaPath(outputPath string) string {
	return outputPath + ".meta"
}

// ExistingParts lists the part files present on disk for outputPath.
func ExistingParts(outputPath string) ([]string, error) {
	dir := filepath.Dir(outputPath)
	prefix := filepath.Base(outputPath) + ".part"
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var parts []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		if _, err := strconv.Atoi(strings.TrimPrefix(name, prefix)); err != nil {
			continue
		}
		parts = append(parts, filepath.Join(dir, name))
	}
	return parts, nil
}

// RemoveState deletes every part file and the metadata sidecar of outputPath.
func RemoveState(outputPath string) error {
	parts, err := ExistingParts(outputPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, part := range parts {
		if err := os.Remove(part); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if err := os.Remove(MetaPath(outputPath)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
