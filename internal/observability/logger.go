package observability

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ParseLevel maps a --log-level value to a zerolog level. Unknown values
// fall back to warn.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.WarnLevel
	}
}

// NewLogger builds the process logger: a console writer at the configured
// level, plus a debug-level JSON appender at debugLogPath when set. The
// returned closer flushes the debug file; it is a no-op otherwise.
func NewLogger(level string, debugLogPath string) (*zerolog.Logger, func() error, error) {
	lvl := ParseLevel(level)

	console := &zerolog.FilteredLevelWriter{
		Writer: zerolog.LevelWriterAdapter{Writer: zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}},
		Level:  lvl,
	}

	writers := []io.Writer{console}
	closer := func() error { return nil }
	rootLevel := lvl

	if debugLogPath != "" {
		file, err := os.OpenFile(debugLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open debug log: %w", err)
		}
		writers = append(writers, file)
		closer = file.Close
		rootLevel = zerolog.DebugLevel
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(rootLevel).With().Timestamp().Logger()
	return &logger, closer, nil
}
