// Package logging builds the process-wide slog logger of the meetcap
// binaries.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MrWong99/meetcap/internal/config"
)

// Rotation limits for file logging.
const (
	maxSizeMB  = 50
	maxBackups = 5
	maxAgeDays = 14
)

// Logger is a configured logger and the handles needed to adjust or release
// it.
type Logger struct {
	*slog.Logger

	// Level is shared with the handler; setting it changes verbosity at
	// runtime.
	Level *slog.LevelVar

	out io.Writer
}

// New returns a text logger at cfg.LogLevel. When cfg.LogFile is set, logs
// go to that file with size-based rotation instead of stderr.
func New(cfg config.ServerConfig) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(cfg.LogLevel.SlogLevel())

	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   true,
		}
	}
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: lv})),
		Level:  lv,
		out:    out,
	}
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if c, ok := l.out.(io.Closer); ok && l.out != os.Stderr {
		return c.Close()
	}
	return nil
}
