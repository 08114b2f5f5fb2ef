package logger

import (
	"log/slog"
	"os"
)

// New returns the process logger: JSON for production, text when dev is set.
func New(dev bool) *slog.Logger {
	if dev {
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}
