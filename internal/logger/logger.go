// Package logger builds the process logger: JSON records on stdout, plus
// Sentry events and logs when a DSN is configured.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	sentryslog "github.com/getsentry/sentry-go/slog"
)

// flushTimeout bounds how long Close waits for buffered Sentry events.
const flushTimeout = 2 * time.Second

// Options configures New.
type Options struct {
	// Level is one of debug, info, warn or error. Anything else means info.
	Level string
	// SentryDSN enables error reporting when set.
	SentryDSN   string
	Environment string
	// Output defaults to os.Stdout.
	Output io.Writer
}

// ParseLevel maps a configured level name to a slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns the logger and a close func that flushes pending Sentry
// events. If Sentry fails to initialize the logger falls back to stdout
// only and reports the failure there.
func New(opts Options) (*slog.Logger, func()) {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	level := ParseLevel(opts.Level)
	stdoutHandler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})

	if opts.SentryDSN == "" {
		return slog.New(stdoutHandler), func() {}
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         opts.SentryDSN,
		Environment: opts.Environment,
		EnableLogs:  true,
	}); err != nil {
		log := slog.New(stdoutHandler)
		log.Error("failed to initialize Sentry", "error", err)
		return log, func() {}
	}

	logLevels := []slog.Level{slog.LevelWarn, slog.LevelError}
	if level == slog.LevelError {
		logLevels = []slog.Level{slog.LevelError}
	}
	sentryHandler := sentryslog.Option{
		EventLevel: []slog.Level{slog.LevelError},
		LogLevel:   logLevels,
	}.NewSentryHandler(context.Background())

	log := slog.New(newMultiHandler(stdoutHandler, sentryHandler))
	return log, func() { sentry.Flush(flushTimeout) }
}
