package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// Format selects the log output encoding
type Format string

const (
	// FormatJSON emits one JSON object per line
	FormatJSON Format = "json"

	// FormatConsole emits human-readable colored output
	FormatConsole Format = "console"
)

// Config controls the global logger
type Config struct {
	// Minimum level: debug, info, warn or error
	Level string

	// Output format (json or console)
	Format Format

	// Whether to include file:line of the call site
	IncludeCaller bool

	// Output writer (defaults to os.Stdout)
	Output io.Writer
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Level:         "info",
		Format:        FormatJSON,
		IncludeCaller: false,
		Output:        os.Stdout,
	}
}

// Setup configures the process-wide zerolog logger
func Setup(config Config) error {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var output io.Writer = config.Output
	if output == nil {
		output = os.Stdout
	}
	if config.Format == FormatConsole {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	builder := zerolog.New(output).With().Timestamp()
	if config.IncludeCaller {
		builder = builder.Caller()
	}
	log.Logger = builder.Logger()

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}
	zerolog.SetGlobalLevel(level)

	return nil
}

// Component returns a logger tagged with a component field
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// FromContext returns the context logger enriched with the active
// trace and span ids when a span is recording
func FromContext(ctx context.Context) zerolog.Logger {
	builder := log.Ctx(ctx).With()

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		builder = builder.
			Str("trace_id", span.SpanContext().TraceID().String()).
			Str("span_id", span.SpanContext().SpanID().String())
	}

	return builder.Logger()
}
