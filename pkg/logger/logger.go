// Package logger builds the slog.Logger shared by the billing service and
// its HTTP module: leveled JSON for production, text for development.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Config describes the logger, populated from environment variables via
// github.com/caarlos0/env.
type Config struct {
	Level   string `env:"LOG_LEVEL" envDefault:"info"`
	Format  string `env:"LOG_FORMAT" envDefault:"json"`
	Service string `env:"LOG_SERVICE" envDefault:"billing"`
}

// New creates a configured slog.Logger writing to w. Extra attrs are attached
// to every record.
func New(cfg Config, w io.Writer, attrs ...slog.Attr) (*slog.Logger, error) {
	if w == nil {
		w = os.Stdout
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("invalid log format %q: must be json or text", cfg.Format)
	}

	if cfg.Service != "" {
		attrs = append([]slog.Attr{slog.String("service", cfg.Service)}, attrs...)
	}
	if len(attrs) > 0 {
		handler = handler.WithAttrs(attrs)
	}
	return slog.New(handler), nil
}
