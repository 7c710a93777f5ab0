package config

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// LogOptions selects the console and file sinks of the service logger.
type LogOptions struct {
	File      string     // JSON log file; empty logs to the console only
	Level     slog.Level // console threshold
	FileLevel slog.Level // file threshold, usually lower than Level
}

// LogOptions derives the logger settings from c.
func (c Config) LogOptions() LogOptions {
	return LogOptions{File: c.LogFile, Level: c.LogLevel, FileLevel: c.LogFileLevel}
}

// SetupLogger opens opts.File for appending and returns the service logger with
// a cleanup that closes the file. If the file cannot be opened, logging stays on stderr.
func SetupLogger(opts LogOptions) (*slog.Logger, func() error) {
	noop := func() error { return nil }
	if opts.File == "" {
		return NewLogger(os.Stderr, nil, opts), noop
	}
	file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := NewLogger(os.Stderr, nil, opts)
		logger.Error("failed to open log file, using stderr only", "error", err, "file", opts.File)
		return logger, noop
	}
	return NewLogger(os.Stderr, file, opts), file.Close
}

// NewLogger writes text records to console at opts.Level and, when file is not
// nil, JSON records to file at opts.FileLevel. Every record carries service=genqueued.
func NewLogger(console, file io.Writer, opts LogOptions) *slog.Logger {
	var handler slog.Handler = slog.NewTextHandler(console, &slog.HandlerOptions{Level: opts.Level})
	if file != nil {
		handler = slogmulti.Fanout(
			handler,
			slog.NewJSONHandler(file, &slog.HandlerOptions{Level: opts.FileLevel, AddSource: opts.FileLevel <= slog.LevelDebug}),
		)
	}
	return slog.New(handler).With("service", "genqueued")
}
