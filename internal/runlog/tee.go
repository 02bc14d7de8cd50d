package runlog

import (
	"context"
	"log/slog"

	slogmulti "github.com/samber/slog-multi"
)

// withConsole fans run log records out to the console, which only sees INFO
// and above.
func withConsole(file, console slog.Handler) slog.Handler {
	return slogmulti.Fanout(file, minLevel{Handler: console, level: slog.LevelInfo})
}

// minLevel raises the floor of a handler.
type minLevel struct {
	slog.Handler
	level slog.Level
}

func (m minLevel) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= m.level && m.Handler.Enabled(ctx, l)
}

func (m minLevel) WithAttrs(attrs []slog.Attr) slog.Handler {
	return minLevel{Handler: m.Handler.WithAttrs(attrs), level: m.level}
}

func (m minLevel) WithGroup(name string) slog.Handler {
	return minLevel{Handler: m.Handler.WithGroup(name), level: m.level}
}
