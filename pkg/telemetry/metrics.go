package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for the transfer core.
type Metrics struct {
	config MetricsConfig

	// Process lifecycle
	transfersInitiated  *prometheus.CounterVec
	stateTransitions    *prometheus.CounterVec
	transfersTerminated *prometheus.CounterVec
	retries             *prometheus.CounterVec
	manifestSize        *prometheus.HistogramVec

	// Provisioners
	provisionerCalls    *prometheus.CounterVec
	provisionerDuration *prometheus.HistogramVec
	provisionerErrors   *prometheus.CounterVec

	// Policy
	policyEvaluations *prometheus.CounterVec

	// Errors
	errorsByCode *prometheus.CounterVec

	// Manager internals
	leaseConflicts   prometheus.Counter
	leasedProcesses  prometheus.Gauge
	queuedCompletion prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
	logger   zerolog.Logger
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.LatencyBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,
		logger:   zerolog.Nop(),

		transfersInitiated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_initiated_total",
				Help:      "Total number of transfer processes created",
			},
			[]string{"role"},
		),
		stateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "Total number of transfer process state transitions by target state",
			},
			[]string{"role", "state"},
		),
		transfersTerminated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_terminated_total",
				Help:      "Total number of transfer processes that ended in failure, by error code",
			},
			[]string{"role", "code"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of scheduled retries by state",
			},
			[]string{"state"},
		),
		manifestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "manifest_definitions",
				Help:      "Number of resource definitions per generated manifest",
				Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
			},
			[]string{"role"},
		),

		provisionerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provisioner_calls_total",
				Help:      "Total number of provisioner calls",
			},
			[]string{"kind", "operation"},
		),
		provisionerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provisioner_call_duration_seconds",
				Help:      "Duration of provisioner calls in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "operation"},
		),
		provisionerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provisioner_errors_total",
				Help:      "Total number of provisioner errors",
			},
			[]string{"kind", "operation"},
		),

		policyEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_evaluations_total",
				Help:      "Total number of policy evaluations by scope and result",
			},
			[]string{"scope", "result"},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"class", "code"},
		),

		leaseConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lease_conflicts_total",
				Help:      "Total number of writes rejected because the lease or version changed",
			},
		),
		leasedProcesses: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "leased_processes",
				Help:      "Current number of processes being advanced by this instance",
			},
		),
		queuedCompletion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_provision_results",
				Help:      "Current number of provisioner results waiting to be applied",
			},
		),
	}

	registry.MustRegister(
		m.transfersInitiated,
		m.stateTransitions,
		m.transfersTerminated,
		m.retries,
		m.manifestSize,
		m.provisionerCalls,
		m.provisionerDuration,
		m.provisionerErrors,
		m.policyEvaluations,
		m.errorsByCode,
		m.leaseConflicts,
		m.leasedProcesses,
		m.queuedCompletion,
	)

	return m, nil
}

// RecordTransferInitiated increments the counter for created processes.
func (m *Metrics) RecordTransferInitiated(role string) {
	if m == nil || m.transfersInitiated == nil {
		return
	}
	m.transfersInitiated.WithLabelValues(role).Inc()
}

// RecordStateTransition records a transition into state.
func (m *Metrics) RecordStateTransition(role, state string) {
	if m == nil || m.stateTransitions == nil {
		return
	}
	m.stateTransitions.WithLabelValues(role, state).Inc()
}

// RecordTransferTerminated records a process that ended with an error code.
func (m *Metrics) RecordTransferTerminated(role, code string) {
	if m == nil || m.transfersTerminated == nil {
		return
	}
	m.transfersTerminated.WithLabelValues(role, code).Inc()
}

// RecordRetry records a scheduled retry.
func (m *Metrics) RecordRetry(state string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.WithLabelValues(state).Inc()
}

// RecordManifest records the size of a generated manifest.
func (m *Metrics) RecordManifest(role string, definitions int) {
	if m == nil || m.manifestSize == nil {
		return
	}
	m.manifestSize.WithLabelValues(role).Observe(float64(definitions))
}

// RecordProvisionerCall records a provisioner call with its duration.
func (m *Metrics) RecordProvisionerCall(kind, operation string, duration time.Duration) {
	if m == nil || m.provisionerCalls == nil {
		return
	}
	m.provisionerCalls.WithLabelValues(kind, operation).Inc()
	m.provisionerDuration.WithLabelValues(kind, operation).Observe(duration.Seconds())
}

// RecordProvisionerError records a provisioner error.
func (m *Metrics) RecordProvisionerError(kind, operation string) {
	if m == nil || m.provisionerErrors == nil {
		return
	}
	m.provisionerErrors.WithLabelValues(kind, operation).Inc()
}

// RecordPolicyEvaluation records a policy verdict.
func (m *Metrics) RecordPolicyEvaluation(scope string, allowed bool) {
	if m == nil || m.policyEvaluations == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.policyEvaluations.WithLabelValues(scope, result).Inc()
}

// RecordError records an error by class and code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByCode == nil {
		return
	}
	m.errorsByCode.WithLabelValues(errorClass, errorCode).Inc()
}

// RecordLeaseConflict records a rejected conditional write.
func (m *Metrics) RecordLeaseConflict() {
	if m == nil || m.leaseConflicts == nil {
		return
	}
	m.leaseConflicts.Inc()
}

// AddLeasedProcesses adjusts the number of processes held by this instance.
func (m *Metrics) AddLeasedProcesses(delta float64) {
	if m == nil || m.leasedProcesses == nil {
		return
	}
	m.leasedProcesses.Add(delta)
}

// SetQueuedResults sets the number of provisioner results waiting to be applied.
func (m *Metrics) SetQueuedResults(count float64) {
	if m == nil || m.queuedCompletion == nil {
		return
	}
	m.queuedCompletion.Set(count)
}

// Registry returns the registry the collectors are registered on, or nil when
// metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer binds the listen address and serves the registry in the
// background. Binding errors are returned.
func (m *Metrics) StartMetricsServer() error {
	if m == nil || !m.config.Enabled || m.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.ListenAddress, err)
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())
	m.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	m.logger.Info().Str("address", ln.Addr().String()).Str("path", m.config.Path).Msg("serving metrics")
	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
