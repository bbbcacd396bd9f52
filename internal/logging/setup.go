package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// Formats accepted by NewHandler.
const (
	FormatJSON   = "json"
	FormatText   = "text"
	FormatPretty = "pretty"
)

// ParseLevel maps a level name to a slog.Level. Unknown names are an error.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", level)
	}
}

// NewHandler builds the slog handler for format writing to w (stdout if nil).
func NewHandler(format, level string, w io.Writer) (slog.Handler, error) {
	if w == nil {
		w = os.Stdout
	}
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(format) {
	case FormatJSON:
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}), nil
	case FormatText:
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}), nil
	case FormatPretty:
		return log.NewWithOptions(w, log.Options{
			ReportTimestamp: lvl <= slog.LevelDebug,
			Level:           charmLevel(lvl),
		}), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q: must be \"json\", \"text\" or \"pretty\"", format)
	}
}

func charmLevel(lvl slog.Level) log.Level {
	switch {
	case lvl <= slog.LevelDebug:
		return log.DebugLevel
	case lvl <= slog.LevelInfo:
		return log.InfoLevel
	case lvl <= slog.LevelWarn:
		return log.WarnLevel
	default:
		return log.ErrorLevel
	}
}

// Setup builds a logger from format and level and installs it as the default.
func Setup(format, level string, w io.Writer) (*slog.Logger, error) {
	handler, err := NewHandler(format, level, w)
	if err != nil {
		return nil, err
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}
