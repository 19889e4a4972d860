package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tanq16/rangefetch/internal/config"
	"github.com/tanq16/rangefetch/internal/output"
	"github.com/tanq16/rangefetch/internal/utils"
)

var (
	configFile    string
	segments      int
	maxRetries    int
	timeout       time.Duration
	kaTimeout     time.Duration
	userAgent     string
	proxyURL      string
	proxyUsername string
	proxyPassword string
	headers       []string
	debug         bool
	fileLog       bool

	cfg       config.Config
	logCloser io.Closer
)

var RangefetchVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "rangefetch [URL]",
	Short:   "Segmented, resumable HTTP downloader",
	Version: RangefetchVersion,
	Args:    cobra.MaximumNArgs(1),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configFile)
		if err != nil {
			return err
		}
		applyFlags(cmd.Flags(), &loaded)
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded

		logFile := ""
		if fileLog {
			logFile = utils.LogFile
		}
		closer, err := utils.InitLogger(debug, logFile)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		logCloser = closer
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 0 {
			cmd.Help()
			return
		}
		outputPath, _ := cmd.Flags().GetString("output")
		runDownload(cmd, args[0], outputPath)
	},
}

// applyFlags overrides c with every flag set on the command line; flags left
// at their defaults keep the file and environment values.
func applyFlags(flags *pflag.FlagSet, c *config.Config) {
	if flags.Changed("segments") {
		c.Segments = segments
	}
	if flags.Changed("max-retries") {
		c.MaxRetries = maxRetries
	}
	if flags.Changed("timeout") {
		c.Timeout = timeout
	}
	if flags.Changed("keep-alive-timeout") {
		c.KeepAliveTimeout = kaTimeout
	}
	if flags.Changed("user-agent") {
		c.UserAgent = userAgent
	}
	if flags.Changed("proxy") {
		c.Proxy = proxyURL
	}
	if flags.Changed("proxy-username") {
		c.ProxyUsername = proxyUsername
	}
	if flags.Changed("proxy-password") {
		c.ProxyPassword = proxyPassword
	}
	for k, v := range utils.ParseHeaderArgs(headers) {
		c.Headers[k] = v
	}
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		output.PrintError(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default ~/.config/rangefetch.yaml)")
	rootCmd.PersistentFlags().IntVarP(&segments, "segments", "s", 4, "Number of parallel segments (above 8 enables high-thread-mode)")
	rootCmd.PersistentFlags().IntVarP(&maxRetries, "max-retries", "r", 5, "Failed attempts after which a segment is given up")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 3*time.Minute, "Connection timeout (eg. 5s, 10m)")
	rootCmd.PersistentFlags().DurationVarP(&kaTimeout, "keep-alive-timeout", "k", 90*time.Second, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	rootCmd.PersistentFlags().StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent (\"randomize\" picks one per request)")
	rootCmd.PersistentFlags().StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	rootCmd.PersistentFlags().StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	rootCmd.PersistentFlags().StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	rootCmd.PersistentFlags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&fileLog, "log", false, "Write logs to "+utils.LogFile)

	rootCmd.Flags().StringP("output", "o", "", "Output file path (inferred from the server or URL if not provided)")

	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newCleanCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newInstallCmd())
}
