// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the log level and an optional rotating file.
type Options struct {
	Level      slog.Level
	File       string // empty logs to stderr only
	MaxSizeMB  int
	MaxBackups int
}

// Setup installs a text handler as the default slog logger. When a file is
// configured, records go to stderr and to the file, rotated by lumberjack.
// The returned closer flushes and closes the file.
func Setup(opts Options) io.Closer {
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
		}
		w = io.MultiWriter(os.Stderr, lj)
		closer = lj
	}
	slog.SetDefault(slog.New(NewHandler(w, opts.Level)))
	return closer
}

// NewHandler returns the handler Setup installs, writing to w.
func NewHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
