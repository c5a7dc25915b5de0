package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the root logger, tracer, metrics and event publisher of a
// connector.
type Telemetry struct {
	Logger  zerolog.Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryKey struct{}

// NewTelemetry validates cfg and builds every component.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logger = logger.With().Str("service", cfg.ServiceName).Logger()

	tracer, err := NewTracer(cfg)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	metrics.logger = ComponentLogger(logger, "metrics")

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext stores t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromContext returns the Telemetry stored in ctx, or nil.
func FromContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryKey{}).(*Telemetry)
	return t
}

// StartMetricsServer serves metrics when they are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// Shutdown stops events first so their subscribers can still log, then flushes
// spans and stops the metrics server. All components are stopped even if one
// fails.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Metrics.Shutdown(ctx),
	)
}

// WithProcessContext starts a span for one step of a process and stores a
// process-scoped logger in the returned context. Call the returned function
// with the step's error when done. Without Telemetry in ctx both are no-ops.
func WithProcessContext(ctx context.Context, processID, role, state string) (context.Context, func(error)) {
	t := FromContext(ctx)
	if t == nil {
		return ctx, func(error) {}
	}
	ctx, span := t.Tracer.StartProcessSpan(ctx, processID, role, state)
	l := ProcessLogger(t.Logger, processID, role, state)
	if traceID := span.SpanContext().TraceID(); traceID.IsValid() {
		l = l.With().Str("trace_id", traceID.String()).Logger()
	}
	ctx = l.WithContext(ctx)
	return ctx, func(err error) { endSpan(span, err) }
}

// RecordProvisionerOperation runs fn inside a provisioner span and records its
// duration and outcome.
func RecordProvisionerOperation(ctx context.Context, processID, kind, operation string, fn func(ctx context.Context) error) error {
	t := FromContext(ctx)
	if t == nil {
		return fn(ctx)
	}

	ctx, span := t.Tracer.StartProvisionSpan(ctx, processID, kind, operation)
	start := time.Now()
	err := fn(ctx)
	t.Metrics.RecordProvisionerCall(kind, operation, time.Since(start))
	if err != nil {
		t.Metrics.RecordProvisionerError(kind, operation)
		zerolog.Ctx(ctx).Debug().Err(err).
			Str(FieldKind, kind).
			Str("operation", operation).
			Msg("provisioner call failed")
	}
	endSpan(span, err)
	return err
}

// RecordPolicyEvaluation counts a verdict and notes it on the current span.
func RecordPolicyEvaluation(ctx context.Context, scope string, allowed bool) {
	t := FromContext(ctx)
	if t == nil {
		return
	}
	t.Metrics.RecordPolicyEvaluation(scope, allowed)
	trace.SpanFromContext(ctx).AddEvent(fmt.Sprintf("policy %s", scope), trace.WithAttributes(
		AttrPolicyScope.String(scope),
		AttrPolicyResult.Bool(allowed),
	))
}
