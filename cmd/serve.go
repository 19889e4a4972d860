package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tanq16/rangefetch/internal/output"
	"github.com/tanq16/rangefetch/internal/server"
	"github.com/tanq16/rangefetch/internal/utils"
)

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve [--listen ADDR]",
		Short: "Run the HTTP control API with a websocket event stream",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s := server.NewServer(cfg.DownloaderOptions(), utils.NewHTTPClient(cfg.HTTPClientConfig()))
			output.PrintInfo("Control API on http://" + cfg.Listen)
			if err := s.ListenAndServe(ctx, cfg.Listen); err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "127.0.0.1:8765", "Address to listen on")
	return cmd
}
