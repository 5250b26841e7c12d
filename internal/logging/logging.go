// Package logging builds the service's slog logger.
//
// The json format writes slog's JSON records as they are. The pretty format
// feeds the same records through zerolog's ConsoleWriter for colored,
// human-readable terminal output.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// New returns a logger writing to w at level in the given format
// (json or pretty).
func New(level, format string, w io.Writer) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
	case "pretty", "":
		cw := zerolog.ConsoleWriter{Out: w, TimeFormat: time.DateTime}
		return slog.New(slog.NewJSONHandler(cw, &slog.HandlerOptions{
			Level:       lvl,
			ReplaceAttr: consoleAttrs,
		})), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

// consoleAttrs renames slog's built-in keys to the ones ConsoleWriter reads.
func consoleAttrs(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	switch a.Key {
	case slog.MessageKey:
		a.Key = zerolog.MessageFieldName
	case slog.LevelKey:
		a.Key = zerolog.LevelFieldName
		a.Value = slog.StringValue(strings.ToLower(a.Value.String()))
	case slog.TimeKey:
		a.Key = zerolog.TimestampFieldName
	}
	return a
}
