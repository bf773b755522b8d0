// Package certexec is the root of the certified transaction execution core.
// It holds the global logger and the list of prometheus collectors that the
// packages register at initialization.
package certexec

import (
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// EnvLogLevel is the name of the environment variable to change the logging
// level.
const EnvLogLevel = "CERTEXEC_LOG_LEVEL"

var logout = zerolog.ConsoleWriter{
	Out:        os.Stdout,
	TimeFormat: time.RFC3339,
}

// Logger is a globally available logger instance. The level can be changed
// with the CERTEXEC_LOG_LEVEL variable (trace, debug, info, warn, error).
var Logger = zerolog.New(logout).
	With().Timestamp().Logger().
	With().Caller().Logger().
	Level(levelFromEnv())

// PromCollectors exposes the prometheus collectors of the packages. A package
// appends its own collectors in an init function and the daemon registers them
// when it serves the metrics.
var PromCollectors []prometheus.Collector

func levelFromEnv() zerolog.Level {
	lvl, err := zerolog.ParseLevel(os.Getenv(EnvLogLevel))
	if err != nil || os.Getenv(EnvLogLevel) == "" {
		return zerolog.DebugLevel
	}

	return lvl
}
