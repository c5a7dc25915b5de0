package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/openfroyo/connector/pkg/stores"
	"github.com/openfroyo/connector/pkg/transfer"
)

// ExpiryFunc reports whether a provisioned resource lapsed at now.
type ExpiryFunc func(res transfer.ProvisionedResource, now time.Time) bool

// SweeperConfig schedules housekeeping jobs. Schedules use cron syntax,
// including descriptors such as "@every 30s".
type SweeperConfig struct {
	LeaseSchedule  string
	ExpirySchedule string

	// Expired enables the expiry job when set.
	Expired ExpiryFunc

	// JobTimeout bounds a single run of any job.
	JobTimeout time.Duration
}

// Sweeper runs periodic jobs that keep the process table healthy: clearing
// leases abandoned by crashed instances and tearing down expired resources.
type Sweeper struct {
	mgr    *Manager
	store  stores.Store
	cfg    SweeperConfig
	cron   *cron.Cron
	logger zerolog.Logger
}

// NewSweeper registers the jobs. It fails on an invalid schedule.
func NewSweeper(m *Manager, cfg SweeperConfig, logger zerolog.Logger) (*Sweeper, error) {
	if cfg.LeaseSchedule == "" {
		cfg.LeaseSchedule = "@every 30s"
	}
	if cfg.ExpirySchedule == "" {
		cfg.ExpirySchedule = "@every 1m"
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}

	logger = logger.With().Str("component", "sweeper").Logger()
	cronLogger := cron.PrintfLogger(&logger)
	s := &Sweeper{
		mgr:    m,
		store:  m.store,
		cfg:    cfg,
		cron:   cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		logger: logger,
	}

	if _, err := s.cron.AddFunc(cfg.LeaseSchedule, s.job("release-leases", s.releaseLeases)); err != nil {
		return nil, fmt.Errorf("invalid lease schedule %q: %w", cfg.LeaseSchedule, err)
	}
	if cfg.Expired != nil {
		if _, err := s.cron.AddFunc(cfg.ExpirySchedule, s.job("expire-resources", s.expireResources)); err != nil {
			return nil, fmt.Errorf("invalid expiry schedule %q: %w", cfg.ExpirySchedule, err)
		}
	}
	return s, nil
}

// Start runs the scheduler in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) job(name string, fn func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Error().Err(err).Str("job", name).Msg("sweeper job failed")
		}
	}
}

func (s *Sweeper) releaseLeases(ctx context.Context) error {
	n, err := s.store.ReleaseExpiredLeases(ctx, s.mgr.now())
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info().Int64("released", n).Msg("released expired leases")
		s.mgr.wakeUp()
	}
	return nil
}

// expireResources fails running transfers holding an expired resource and
// asks completed ones to tear such resources down.
func (s *Sweeper) expireResources(ctx context.Context) error {
	processes, err := s.store.List(ctx, stores.ListFilter{
		States: []transfer.State{transfer.StateStarted, transfer.StateCompleted},
	})
	if err != nil {
		return err
	}

	now := s.mgr.now()
	for _, p := range processes {
		if !holdsExpired(p, now, s.cfg.Expired) {
			continue
		}
		switch p.State {
		case transfer.StateStarted:
			_, err = s.mgr.Fail(ctx, p.ID, "provisioned resource expired")
		case transfer.StateCompleted:
			if p.DeprovisionRequested {
				continue
			}
			_, err = s.mgr.RequestDeprovision(ctx, p.ID)
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("process_id", p.ID).Msg("failed to handle expired resource")
			continue
		}
		s.logger.Info().Str("process_id", p.ID).Str("state", string(p.State)).Msg("expired resource handled")
	}
	return nil
}

func holdsExpired(p *transfer.TransferProcess, now time.Time, expired ExpiryFunc) bool {
	for _, r := range p.LiveResources() {
		if expired(r, now) {
			return true
		}
	}
	return false
}
