package telemetry

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log field names shared by all components.
const (
	FieldComponent = "component"
	FieldProcessID = "process_id"
	FieldRole      = "role"
	FieldState     = "state"
	FieldKind      = "kind"
)

// NewLogger builds the root logger. Components derive their own with
// ComponentLogger and receive it by value.
func NewLogger(cfg LoggingConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zctx := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.Caller {
		zctx = zctx.Caller()
	}
	return zctx.Logger(), nil
}

// ComponentLogger tags l with a component name.
func ComponentLogger(l zerolog.Logger, component string) zerolog.Logger {
	return l.With().Str(FieldComponent, component).Logger()
}

// ProcessLogger tags l with the process a step is working on.
func ProcessLogger(l zerolog.Logger, processID, role, state string) zerolog.Logger {
	return l.With().
		Str(FieldProcessID, processID).
		Str(FieldRole, role).
		Str(FieldState, state).
		Logger()
}
