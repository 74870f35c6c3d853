// Package logger provides structured logging for the attachment filter.
//
// The process log wraps log/slog and writes to stdout, stderr, syslog or a
// file. The verdict journal (see Journal) is a separate, line oriented sink
// that records one block per filtered message.
//
//	logFile, err := logger.Initialize(cfg.Logging)
//	if logFile != nil {
//		defer logFile.Close()
//	}
//	logger.Info("LMTP server listening", "addr", addr)
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"os"
	"runtime"
	"strings"

	"github.com/migadu/eaf/config"
)

var current *slog.Logger

// syslogHandler writes records to the mail facility as "msg key=value ...".
type syslogHandler struct {
	w     *syslog.Writer
	level slog.Leveler
	attrs []slog.Attr
}

func (h *syslogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *syslogHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	write := func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
		return true
	}
	for _, a := range h.attrs {
		write(a)
	}
	r.Attrs(write)

	line := b.String()
	switch {
	case r.Level >= slog.LevelError:
		return h.w.Err(line)
	case r.Level >= slog.LevelWarn:
		return h.w.Warning(line)
	case r.Level >= slog.LevelInfo:
		return h.w.Info(line)
	default:
		return h.w.Debug(line)
	}
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &syslogHandler{w: h.w, level: h.level, attrs: append(append([]slog.Attr(nil), h.attrs...), attrs...)}
}

// WithGroup is a no-op; syslog lines are flat.
func (h *syslogHandler) WithGroup(string) slog.Handler {
	return h
}

// Initialize installs the process logger. When the output is a file path the
// opened file is returned for the caller to close. Outputs that cannot be
// opened fall back to stderr with a warning.
func Initialize(cfg config.LoggingConfig) (*os.File, error) {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	stream := func(w io.Writer) slog.Handler {
		if cfg.Format == "json" {
			return slog.NewJSONHandler(w, opts)
		}
		return slog.NewTextHandler(w, opts)
	}

	var (
		handler slog.Handler
		file    *os.File
	)
	switch out := cfg.Output; out {
	case "", "stderr":
		handler = stream(os.Stderr)
	case "stdout":
		handler = stream(os.Stdout)
	case "syslog":
		w, err := openSyslog()
		if err != nil {
			fmt.Fprintf(os.Stderr, "EAF: syslog unavailable (%v), logging to stderr\n", err)
			handler = stream(os.Stderr)
			break
		}
		handler = &syslogHandler{w: w, level: opts.Level}
	default:
		f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "EAF: cannot open log file %q (%v), logging to stderr\n", out, err)
			handler = stream(os.Stderr)
			break
		}
		file = f
		handler = stream(f)
	}

	current = slog.New(handler)
	slog.SetDefault(current)
	return file, nil
}

func openSyslog() (*syslog.Writer, error) {
	if runtime.GOOS == "windows" {
		return nil, fmt.Errorf("not supported on %s", runtime.GOOS)
	}
	return syslog.New(syslog.LOG_INFO|syslog.LOG_MAIL, "eaf")
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the process logger.
func Get() *slog.Logger {
	if current == nil {
		return slog.Default()
	}
	return current
}

func Debug(msg string, args ...any) { Get().Debug(msg, args...) }
func Info(msg string, args ...any)  { Get().Info(msg, args...) }
func Warn(msg string, args ...any)  { Get().Warn(msg, args...) }
func Error(msg string, args ...any) { Get().Error(msg, args...) }
