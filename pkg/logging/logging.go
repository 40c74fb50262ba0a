// Package logging builds the zerolog loggers shared by every eliza component.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options selects level and output format.
type Options struct {
	Level  string
	Format string // json | console
	Output io.Writer
}

// New returns a root logger. Unknown levels fall back to info.
func New(opts Options) zerolog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if strings.EqualFold(opts.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// ForAgent annotates logger with the agent identity.
func ForAgent(logger zerolog.Logger, agentID, name string) zerolog.Logger {
	return logger.With().Str("agent_id", agentID).Str("agent", name).Logger()
}

// Printf adapts a zerolog.Logger to the Printf-style sinks used by the event
// bus.
type Printf struct {
	Logger zerolog.Logger
	Level  zerolog.Level
}

// Printf implements event.BusLogger.
func (p Printf) Printf(format string, v ...any) {
	level := p.Level
	if level == zerolog.NoLevel {
		level = zerolog.WarnLevel
	}
	p.Logger.WithLevel(level).Msg(fmt.Sprintf(format, v...))
}
