package infra

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Guizzs26/go-offline-sync/internal/config"

	"gopkg.in/natefinch/lumberjack.v2"
)

func SetupLogger(cfg *config.Config) *slog.Logger {
	return NewLogger(os.Stdout, cfg)
}

// NewLogger builds the process logger on top of w, teeing into a rotated file when LOG_FILE is set
func NewLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	// Accepts DEBUG, INFO, WARN, ERROR in any case; anything else logs at INFO.
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	out := w
	if cfg.LogFile != "" {
		out = io.MultiWriter(w, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "JSON") {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}
