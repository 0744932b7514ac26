// Copyright (C) 2026. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides the structured logger used throughout egressd.
// It wraps log/slog so call sites use the key-value convention
// (logger.Info("message", "key", value, ...)) rather than slog's own
// Logger directly, and adds a rotating file sink and an optional syslog
// sink on top of slog's stdlib handlers.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/DeRuina/timberjack"
)

// Format selects how log records are rendered.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config controls where and how log records are written.
type Config struct {
	Level  string // debug, info, warn, error
	Format Format
	Output io.Writer // defaults to os.Stderr

	// File, when non-empty, adds a rotating file sink alongside Output.
	File          string
	FileMaxSizeMB int // default 100
	FileMaxAge    int // days, default 7
	FileMaxBackup int // default 3

	Syslog SyslogConfig
}

// DefaultConfig returns a Config writing text-formatted info-level records
// to stderr with no file or syslog sink.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: FormatText,
		Output: os.Stderr,
		Syslog: DefaultSyslogConfig(),
	}
}

// Logger is the structured logger used by every egressd component.
type Logger struct {
	slog *slog.Logger
	file *timberjack.Logger // kept for Close
}

// New builds a Logger from cfg. Construction never fails — logging must
// never prevent the daemon from starting. A syslog sink that cannot be
// dialled is skipped with a warning written to stderr; the rotating file is
// opened by timberjack on first write, so a bad file path is not detected
// here.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	writers := []io.Writer{cfg.Output}
	l := &Logger{}

	if cfg.File != "" {
		maxSize := cfg.FileMaxSizeMB
		if maxSize == 0 {
			maxSize = 100
		}
		maxAge := cfg.FileMaxAge
		if maxAge == 0 {
			maxAge = 7
		}
		maxBackup := cfg.FileMaxBackup
		if maxBackup == 0 {
			maxBackup = 3
		}
		fw := &timberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxSize,
			MaxAge:     maxAge,
			MaxBackups: maxBackup,
			Compress:   true,
		}
		writers = append(writers, fw)
		l.file = fw
	}

	if cfg.Syslog.Enabled {
		if sw, err := NewSyslogWriter(cfg.Syslog); err == nil {
			writers = append(writers, sw)
		} else {
			fmt.Fprintln(os.Stderr, "logging: syslog sink disabled:", err)
		}
	}

	var out io.Writer
	if len(writers) == 1 {
		out = writers[0]
	} else {
		out = io.MultiWriter(writers...)
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == FormatJSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	l.slog = slog.New(handler)
	return l
}

// NewNop returns a Logger that discards everything. Useful as a safe
// default when a caller is not given a *Logger.
func NewNop() *Logger {
	return &Logger{slog: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func parseLevel(level string) slog.Level {
	switch level {
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

// Debug logs at debug level with key-value pairs.
func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }

// Info logs at info level with key-value pairs.
func (l *Logger) Info(msg string, args ...any) { l.slog.Info(msg, args...) }

// Warn logs at warn level with key-value pairs.
func (l *Logger) Warn(msg string, args ...any) { l.slog.Warn(msg, args...) }

// Error logs at error level with key-value pairs.
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// With returns a Logger that prepends args to every subsequent record,
// matching slog.Logger.With.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...), file: l.file}
}

// Close releases the rotating file sink, if one was configured.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
