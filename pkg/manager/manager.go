package manager

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openfroyo/connector/pkg/policy"
	"github.com/openfroyo/connector/pkg/provision"
	"github.com/openfroyo/connector/pkg/stores"
	"github.com/openfroyo/connector/pkg/telemetry"
	"github.com/openfroyo/connector/pkg/transfer"
)

// Dependencies are the collaborators a Manager drives. Telemetry is optional.
type Dependencies struct {
	Store        stores.Store
	Generator    *provision.ManifestGenerator
	Provisioning ProvisionDispatcher
	Requests     RequestDispatcher
	DataFlow     DataFlowController
	Policies     PolicyArchive
	Addresses    DataAddressResolver
	Evaluator    policy.Evaluator
	Telemetry    *telemetry.Telemetry
	Logger       zerolog.Logger
}

// Manager is the transfer process manager.
type Manager struct {
	cfg Config

	store        stores.Store
	generator    *provision.ManifestGenerator
	provisioning ProvisionDispatcher
	requests     RequestDispatcher
	dataFlow     DataFlowController
	policies     PolicyArchive
	addresses    DataAddressResolver
	evaluator    policy.Evaluator

	telemetry *telemetry.Telemetry
	metrics   *telemetry.Metrics
	events    *telemetry.EventPublisher
	logger    zerolog.Logger
	validate  *validator.Validate

	// mu guards the run state below.
	mu       sync.Mutex
	running  bool
	runCtx   context.Context
	stopRun  context.CancelFunc
	wg       sync.WaitGroup
	work     chan *transfer.TransferProcess
	wake     chan struct{}
	inflight atomic.Int64
}

// New creates a manager. Every dependency except Telemetry is required.
func New(cfg Config, deps Dependencies) (*Manager, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("store is required")
	case deps.Generator == nil:
		return nil, fmt.Errorf("manifest generator is required")
	case deps.Provisioning == nil:
		return nil, fmt.Errorf("provision dispatcher is required")
	case deps.Requests == nil:
		return nil, fmt.Errorf("request dispatcher is required")
	case deps.DataFlow == nil:
		return nil, fmt.Errorf("data flow controller is required")
	case deps.Policies == nil:
		return nil, fmt.Errorf("policy archive is required")
	case deps.Addresses == nil:
		return nil, fmt.Errorf("data address resolver is required")
	case deps.Evaluator == nil:
		return nil, fmt.Errorf("policy evaluator is required")
	}

	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:          cfg,
		store:        deps.Store,
		generator:    deps.Generator,
		provisioning: deps.Provisioning,
		requests:     deps.Requests,
		dataFlow:     deps.DataFlow,
		policies:     deps.Policies,
		addresses:    deps.Addresses,
		evaluator:    deps.Evaluator,
		telemetry:    deps.Telemetry,
		logger: deps.Logger.With().
			Str("component", "manager").
			Str("worker_id", cfg.WorkerID).
			Logger(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		wake:     make(chan struct{}, 1),
	}
	if deps.Telemetry != nil {
		m.metrics = deps.Telemetry.Metrics
		m.events = deps.Telemetry.Events
	}
	return m, nil
}

// WorkerID returns the lease owner name of this instance.
func (m *Manager) WorkerID() string {
	return m.cfg.WorkerID
}

// Start launches the claim loop, the workers and the result loop. It returns
// immediately; call Stop to shut them down.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("manager already running")
	}

	if m.telemetry != nil {
		ctx = m.telemetry.WithContext(ctx)
	}
	m.runCtx, m.stopRun = context.WithCancel(ctx)
	m.work = make(chan *transfer.TransferProcess, m.cfg.BatchSize)
	m.running = true

	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker(m.runCtx)
	}
	m.wg.Add(2)
	go m.claimLoop(m.runCtx)
	go m.resultLoop(m.runCtx)

	m.logger.Info().
		Int("workers", m.cfg.Workers).
		Int("batch_size", m.cfg.BatchSize).
		Dur("poll_interval", m.cfg.PollInterval).
		Msg("transfer process manager started")
	return nil
}

// Stop cancels the loops, waits for them to exit and releases leases on
// processes that were claimed but never advanced.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.stopRun()
	m.mu.Unlock()

	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case p := <-m.work:
			m.release(ctx, p)
			m.inflight.Add(-1)
			m.metrics.AddLeasedProcesses(-1)
		default:
			m.logger.Info().Msg("transfer process manager stopped")
			return
		}
	}
}

// wakeUp makes the claim loop poll without waiting for the next tick.
func (m *Manager) wakeUp() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) claimLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		m.claim(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.wake:
		}
	}
}

func (m *Manager) claim(ctx context.Context) {
	free := m.cfg.BatchSize - int(m.inflight.Load())
	if free <= 0 {
		return
	}
	batch, err := m.store.ClaimBatch(ctx, m.cfg.WorkerID, m.now(), m.cfg.LeaseDuration, free)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Error().Err(err).Msg("failed to claim transfer processes")
		}
		return
	}
	for _, p := range batch {
		m.inflight.Add(1)
		m.metrics.AddLeasedProcesses(1)
		m.work <- p
	}
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-m.work:
			m.advance(ctx, p)
			m.inflight.Add(-1)
			m.metrics.AddLeasedProcesses(-1)
		}
	}
}

// advance runs one step for a leased process and commits it.
func (m *Manager) advance(ctx context.Context, p *transfer.TransferProcess) {
	ctx, end := telemetry.WithProcessContext(ctx, p.ID, string(p.Role), string(p.State))
	res := &stepResult{}
	if err := m.step(ctx, p, res); err != nil {
		m.logger.Error().Err(err).
			Str("process_id", p.ID).
			Str("state", string(p.State)).
			Msg("failed to advance transfer process")
		m.release(ctx, p)
		end(err)
		return
	}
	err := m.commit(ctx, p, res)
	switch {
	case errors.Is(err, stores.ErrConflict):
		m.logger.Debug().Str("process_id", p.ID).Msg("process changed before commit, step discarded")
		m.release(ctx, p)
		m.wakeUp()
	case err != nil:
		m.logger.Error().Err(err).Str("process_id", p.ID).Msg("failed to save transfer process")
		m.release(ctx, p)
	}
	end(err)
}

func (m *Manager) resultLoop(ctx context.Context) {
	defer m.wg.Done()
	results := m.provisioning.Results()
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-results:
			m.metrics.SetQueuedResults(float64(m.provisioning.Pending()))
			m.handleResult(ctx, r, 0)
		}
	}
}

// handleResult applies r and, when the process is leased elsewhere, retries
// later from a separate goroutine so the result loop keeps draining.
func (m *Manager) handleResult(ctx context.Context, r provision.Result, attempt int) {
	err := m.applyResult(ctx, r)
	if err == nil {
		return
	}
	if !errors.Is(err, stores.ErrConflict) {
		if ctx.Err() == nil {
			m.logger.Error().Err(err).
				Str("process_id", r.ProcessID).
				Str("operation", string(r.Operation)).
				Msg("failed to apply provisioner result")
		}
		return
	}

	m.metrics.RecordLeaseConflict()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-ctx.Done():
		case <-time.After(m.requeueDelay(attempt + 1)):
			m.handleResult(ctx, r, attempt+1)
		}
	}()
}

// commit persists p with the step's events, then publishes and runs effects.
func (m *Manager) commit(ctx context.Context, p *transfer.TransferProcess, res *stepResult) error {
	p.UpdatedAt = m.now()
	if err := m.store.Save(ctx, p, m.cfg.WorkerID, res.events...); err != nil {
		if errors.Is(err, stores.ErrConflict) {
			m.metrics.RecordLeaseConflict()
		}
		return err
	}

	for _, t := range res.transitions {
		m.metrics.RecordStateTransition(string(p.Role), string(t.to))
		_ = m.events.PublishStateChanged(p.ID, string(p.Role), string(t.from), string(t.to))
		telemetry.AddTransitionEvent(ctx, string(t.from), string(t.to))
		m.logger.Info().
			Str("process_id", p.ID).
			Str("role", string(p.Role)).
			Str("from", string(t.from)).
			Str("to", string(t.to)).
			Msg("transfer process transitioned")
		if t.to == transfer.StateTerminated {
			m.metrics.RecordTransferTerminated(string(p.Role), p.ErrorCode)
			_ = m.events.PublishTerminated(p.ID, string(p.Role), p.ErrorCode, p.ErrorDetail)
		}
	}

	effectCtx := m.effectContext()
	for _, fx := range res.effects {
		fx(effectCtx)
	}
	return nil
}

// effectContext bounds provisioner calls to the manager's lifetime.
func (m *Manager) effectContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runCtx != nil {
		return m.runCtx
	}
	return context.Background()
}

func (m *Manager) release(ctx context.Context, p *transfer.TransferProcess) {
	if err := m.store.Release(ctx, p, m.cfg.WorkerID); err != nil {
		m.logger.Warn().Err(err).Str("process_id", p.ID).Msg("failed to release lease")
	}
}

func (m *Manager) now() time.Time {
	return m.cfg.Now()
}

// backoff returns the retry delay after attempt failures: base * 2^(attempt-1),
// capped at MaxBackoff, with up to a quarter of the delay taken off as jitter.
func (m *Manager) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(float64(m.cfg.BaseBackoff) * math.Pow(2, float64(attempt-1)))
	if delay <= 0 || delay > m.cfg.MaxBackoff {
		delay = m.cfg.MaxBackoff
	}
	if quarter := int64(delay) / 4; quarter > 0 {
		delay -= time.Duration(rand.Int64N(quarter))
	}
	return delay
}

// requeueDelay spaces out retries of writes that lost a lease race.
func (m *Manager) requeueDelay(attempt int) time.Duration {
	delay := m.cfg.PollInterval / 4 * time.Duration(attempt)
	if delay <= 0 {
		delay = 10 * time.Millisecond
	}
	if delay > m.cfg.LeaseDuration {
		delay = m.cfg.LeaseDuration
	}
	return delay
}
