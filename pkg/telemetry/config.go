package telemetry

import (
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config configures the observability stack of one connector.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`
	Environment    string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig

	// ResourceAttributes are added to the trace resource, e.g. the
	// participant ID of the connector.
	ResourceAttributes map[string]string
}

// LoggingConfig configures the root zerolog logger.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error"`
	Format string `validate:"oneof=console json"`
	Caller bool

	// Output defaults to stderr so command output on stdout stays parseable.
	Output io.Writer `validate:"-"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled  bool
	Exporter string `validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP/gRPC collector address, e.g. "localhost:4317".
	Endpoint string
	Insecure bool
	Headers  map[string]string

	SampleRatio   float64 `validate:"gte=0,lte=1"`
	BatchSize     int     `validate:"gte=0"`
	ExportTimeout time.Duration
}

// MetricsConfig configures the Prometheus registry and its HTTP endpoint.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string `validate:"required_if=Enabled true"`
	Path          string `validate:"required_if=Enabled true,omitempty,startswith=/"`
	Namespace     string

	// LatencyBuckets are used for provisioner call durations.
	LatencyBuckets []float64
}

// EventsConfig configures the in-process lifecycle event publisher.
type EventsConfig struct {
	Enabled bool

	// Async delivers events from a buffered goroutine. Otherwise Publish hands
	// each event to subscribers directly.
	Async         bool
	BufferSize    int `validate:"required_if=Async true,gte=0"`
	MaxBatchSize  int `validate:"gte=0"`
	FlushInterval time.Duration
}

// DefaultConfig returns the configuration used when none is given: console
// logs at info, no tracing, metrics on :9464 and asynchronous events.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "connector",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Tracing: TracingConfig{
			Exporter:      "stdout",
			Insecure:      true,
			SampleRatio:   1.0,
			BatchSize:     512,
			ExportTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9464",
			Path:          "/metrics",
			Namespace:     "connector",
			LatencyBuckets: []float64{
				0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
			},
		},
		Events: EventsConfig{
			Enabled:       true,
			Async:         true,
			BufferSize:    1024,
			MaxBatchSize:  64,
			FlushInterval: time.Second,
		},
		ResourceAttributes: map[string]string{},
	}
}

var validate = validator.New()

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("invalid telemetry configuration: the otlp exporter needs an endpoint")
	}
	return nil
}
