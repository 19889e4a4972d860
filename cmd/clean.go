package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tanq16/rangefetch/internal/downloader"
	"github.com/tanq16/rangefetch/internal/output"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [OUTPUT_PATH]",
		Short: "Remove part files and resume metadata of a download",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := downloader.RemoveState(args[0]); err != nil {
				output.PrintError("Error cleaning up temporary files: " + err.Error())
				os.Exit(1)
			}
			output.PrintSuccess("Temporary files cleaned up")
		},
	}
}
