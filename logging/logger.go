// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config captures options for configuring the global logger.
type Config struct {
	Level   string    // optional log level ("debug", "info", etc.)
	Output  io.Writer // optional writer (defaults to os.Stdout)
	Service string    // optional service name attached to every log entry
	Pretty  bool      // human readable console output instead of JSON
}

var (
	mu         sync.Mutex
	configured bool
	base       zerolog.Logger
)

// Configure initialises the global logger. Only the first call takes effect
// unless Reset is called in between.
func Configure(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	if configured {
		return
	}
	configured = true

	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	} else if env := os.Getenv("LOG_LEVEL"); env != "" {
		if parsed, err := zerolog.ParseLevel(env); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	writer := cfg.Output
	if writer == nil {
		writer = os.Stdout
	}
	if cfg.Pretty {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: "15:04:05.000"}
	}

	service := cfg.Service
	if service == "" {
		service = "androidfarm"
	}

	base = zerolog.New(writer).With().
		Timestamp().
		Str("service", service).
		Logger()
}

// Reset drops the current configuration so the next Configure call applies.
// Used by the CLI once flags are parsed.
func Reset() {
	mu.Lock()
	configured = false
	mu.Unlock()
}

func logger() zerolog.Logger {
	Configure(Config{})
	mu.Lock()
	defer mu.Unlock()
	return base
}

// Base returns the configured base logger instance.
func Base() zerolog.Logger {
	return logger()
}

// WithComponent returns a child logger annotated with the given component name.
func WithComponent(component string) zerolog.Logger {
	return logger().With().Str(FieldComponent, component).Logger()
}
