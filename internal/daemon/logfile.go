package daemon

import (
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls rotation of the daemon log file.
type LogConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Level      slog.Level
}

// DefaultLogConfig returns rotation settings for path.
func DefaultLogConfig(path string) LogConfig {
	return LogConfig{
		Path:       path,
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
		Level:      slog.LevelInfo,
	}
}

// NewLogger returns a JSON slog logger writing to a rotating file. The
// returned closer flushes and closes the current file.
func NewLogger(cfg LogConfig) (*slog.Logger, io.Closer) {
	w := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.Level})
	return slog.New(h), w
}
