package cli

import (
	"os"
	"strings"

	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

// SetupLogging configures the global zerolog logger for level and routes
// controller-runtime logs through it. Debug and trace use the console
// writer, everything else JSON.
func SetupLogging(level string) {
	level = strings.ToLower(strings.TrimSpace(level))
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	if level == "trace" || level == "debug" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02 15:04:05.000",
			PartsOrder: []string{
				zerolog.TimestampFieldName,
				zerolog.LevelFieldName,
				zerolog.CallerFieldName,
				zerolog.MessageFieldName,
			},
		}).With().Timestamp().Caller().Logger()
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Caller().Logger()
	}

	zerolog.SetGlobalLevel(parseLevel(level))
	logf.SetLogger(zerologr.New(&log.Logger))
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
