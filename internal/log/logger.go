// Package log owns the process-wide slog logger and the attribute
// conventions every component logs with.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mattjoyce/queuedjobs/internal/job"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// Setup installs the global logger on stdout. The first call wins.
func Setup(level, format string) {
	once.Do(func() {
		logger = newLogger(os.Stdout, level, format)
		slog.SetDefault(logger)
	})
}

// newLogger builds a text handler for format "text" and JSON otherwise.
func newLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// ParseLevel maps a config level name to a slog level; unknown names are INFO.
func ParseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(level)))); err != nil {
		return slog.LevelInfo
	}
	return l
}

func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO", "json")
	}
	return logger
}

func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

func WithJobType(name string) *slog.Logger {
	return Get().With(slog.String("job_type", name))
}

// ForDescriptor scopes base to one descriptor. attempt is the run number
// being logged about, which is Attempts+1 while a run is in flight.
func ForDescriptor(base *slog.Logger, d *job.Descriptor, attempt int) *slog.Logger {
	if base == nil {
		base = Get()
	}
	return base.With(
		slog.String("job_id", d.ID),
		slog.String("job_type", d.Type),
		slog.Int("attempt", attempt),
	)
}
