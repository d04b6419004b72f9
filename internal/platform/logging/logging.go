package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where and how the service logs.
type Options struct {
	Level   string
	Console bool
	// FilePath enables a rotated JSON log file in addition to stdout.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New builds the process logger. Stdout is always written; the console
// writer is used in development.
func New(opts Options) zerolog.Logger {
	var stdout io.Writer = os.Stdout
	if opts.Console {
		stdout = zerolog.ConsoleWriter{Out: os.Stdout}
	}

	var w io.Writer = stdout
	if opts.FilePath != "" {
		file := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   true,
		}
		w = zerolog.MultiLevelWriter(stdout, file)
	}

	return zerolog.New(w).Level(ParseLevel(opts.Level)).With().Timestamp().Logger()
}

// ParseLevel maps a config string to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}
