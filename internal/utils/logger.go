package utils

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the global logger. With an empty logFile, warnings
// and errors go to stderr so they do not garble the progress display;
// otherwise everything from info up is appended to logFile and the returned
// closer must be called on exit.
func InitLogger(debug bool, logFile string) (io.Closer, error) {
	switch {
	case debug:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case logFile == "":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	if logFile == "" {
		SetLogOutput(os.Stderr)
		return io.NopCloser(nil), nil
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	output := zerolog.ConsoleWriter{
		Out:        f,
		NoColor:    true,
		TimeFormat: time.DateTime,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	return f, nil
}

func SetLogOutput(w io.Writer) {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.DateTime,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}
