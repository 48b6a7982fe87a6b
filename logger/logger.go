package logger

import (
	"os"

	"github.com/tollgate-ai/gateway/config"
	"github.com/rs/zerolog"
)

// New returns a configured zerolog.Logger. Development gets a human-readable
// console writer at debug level; production gets JSON at the configured level.
func New(cfg *config.Config) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if cfg.IsDevelopment() {
		out := zerolog.ConsoleWriter{Out: os.Stderr}
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return zerolog.New(out).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", "gateway").Logger()
}
