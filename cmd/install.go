package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/tanq16/rangefetch/internal/downloader"
	"github.com/tanq16/rangefetch/internal/extract"
	"github.com/tanq16/rangefetch/internal/output"
	"github.com/tanq16/rangefetch/internal/scheduler"
)

func newInstallCmd() *cobra.Command {
	var outputPath string
	var destDir string
	var password string

	cmd := &cobra.Command{
		Use:   "install [URL] --dest DIR",
		Short: "Download a zip archive and extract it",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := validateLink(args[0]); err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			job := downloader.DownloadJob{URL: args[0], OutputPath: outputPath}
			extractor := extract.ZipExtractor{BufferSize: cfg.BufferSize}
			err := scheduler.Install(cmd.Context(), job, destDir, password, &cfg, extractor, os.Stdout)
			if err != nil {
				if errors.Is(err, scheduler.ErrInterrupted) {
					os.Exit(130)
				}
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Archive path")
	cmd.Flags().StringVarP(&destDir, "dest", "d", ".", "Directory to extract into")
	cmd.Flags().StringVar(&password, "password", "", "Archive password")
	return cmd
}
