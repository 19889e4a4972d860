package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tanq16/rangefetch/internal/downloader"
	"github.com/tanq16/rangefetch/internal/output"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [OUTPUT_PATH]",
		Short: "Show the resume state of an interrupted download",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := printStatus(args[0]); err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
		},
	}
}

func printStatus(outputPath string) error {
	meta, err := downloader.NewResumeStore(outputPath).Peek()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if meta == nil {
		parts, _ := downloader.ExistingParts(outputPath)
		if len(parts) > 0 {
			output.PrintWarning(fmt.Sprintf("%d part file(s) without metadata; run clean to remove them", len(parts)))
			return nil
		}
		output.PrintInfo("Nothing to resume for " + outputPath)
		return nil
	}

	var done int64
	for _, rec := range meta.Segments {
		done += rec.Downloaded
	}
	output.PrintHeader(outputPath)
	fmt.Println(output.FInfo("URL: ") + meta.URL)
	if meta.ETag != "" {
		output.PrintDetail("ETag: " + meta.ETag)
	}
	output.PrintDetail(fmt.Sprintf("Progress: %s of %s", output.FormatBytes(uint64(done)), output.FormatSize(meta.TotalSize)))
	for _, rec := range meta.Segments {
		fmt.Println(segmentLine(rec))
	}
	return nil
}

// segmentLine renders one recorded segment, colored by how far it got.
func segmentLine(rec downloader.SegmentRecord) string {
	size := int64(-1)
	if rec.End >= rec.Start {
		size = rec.End - rec.Start + 1
	}
	line := fmt.Sprintf("  %s segment %d: %s / %s", output.StyleSymbols["bullet"], rec.Index, output.FormatBytes(uint64(rec.Downloaded)), output.FormatSize(size))
	switch {
	case size > 0 && rec.Downloaded >= size:
		return output.FSuccess(line + " done")
	case rec.Downloaded > 0:
		return output.FWarning(line)
	default:
		return output.FDebug(line)
	}
}
