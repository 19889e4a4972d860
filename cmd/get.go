package cmd

import (
	"errors"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/tanq16/rangefetch/internal/downloader"
	"github.com/tanq16/rangefetch/internal/output"
	"github.com/tanq16/rangefetch/internal/scheduler"
)

func newGetCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "get [URL] [--output OUTPUT_PATH]",
		Short: "Download a file, resuming a previous attempt if one exists",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runDownload(cmd, args[0], outputPath)
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path")
	return cmd
}

func runDownload(cmd *cobra.Command, link, outputPath string) {
	if err := validateLink(link); err != nil {
		output.PrintError(err.Error())
		os.Exit(1)
	}
	job := downloader.DownloadJob{URL: link, OutputPath: outputPath}
	if _, err := scheduler.Run(cmd.Context(), job, &cfg, os.Stdout); err != nil {
		if errors.Is(err, scheduler.ErrInterrupted) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

func validateLink(link string) error {
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return errors.New("invalid URL format")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("only http and https URLs are supported")
	}
	return nil
}
