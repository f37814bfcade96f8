// Package logging sets up the structured application log and the
// protocol-filtered debug trace file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Config selects level, output format and an optional log file.
type Config struct {
	Level      string `yaml:"level,omitempty" json:"level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	Format     string `yaml:"format,omitempty" json:"format,omitempty" validate:"omitempty,oneof=text json"`
	File       string `yaml:"file,omitempty" json:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty" json:"max_size_mb,omitempty" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups,omitempty" json:"max_backups,omitempty" validate:"gte=0"`
}

// ParseLevel converts a level name to a slog.Level. Unknown names map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// Setup builds the application logger. Output goes to console (unless nil)
// plus the configured file plus any extra writers such as the TUI log pane.
// The returned closer releases the file, if one was opened.
func Setup(cfg Config, console io.Writer, extra ...io.Writer) (*slog.Logger, io.Closer, error) {
	writers := make([]io.Writer, 0, 2+len(extra))
	if console != nil {
		writers = append(writers, console)
	}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		fl, err := NewFileLogger(cfg.File, int64(cfg.MaxSizeMB)<<20, cfg.MaxBackups)
		if err != nil {
			return nil, nil, fmt.Errorf("log file: %w", err)
		}
		writers = append(writers, fl)
		closer = fl
	}
	writers = append(writers, extra...)

	var out io.Writer = io.Discard
	if len(writers) == 1 {
		out = writers[0]
	} else if len(writers) > 1 {
		out = io.MultiWriter(writers...)
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closer, nil
}

// Discard returns a logger that drops everything; used as a nil default.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDiscard returns l, or a discarding logger if l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

// SetupDebug opens the debug trace file and installs it globally.
func SetupDebug(path, filter string) (*DebugLogger, error) {
	if path == "" {
		path = "debug.log"
	}
	dl, err := NewDebugLogger(path)
	if err != nil {
		return nil, err
	}
	dl.SetFilter(filter)
	SetGlobalDebugLogger(dl)
	return dl, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

var _ io.Writer = (*FileLogger)(nil)
