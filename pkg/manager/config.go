package manager

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Config controls how the manager schedules work.
type Config struct {
	// WorkerID names this instance in leases. Defaults to hostname plus a random suffix.
	WorkerID string

	// Workers is the number of goroutines advancing processes.
	Workers int

	// BatchSize is the maximum number of processes leased at once.
	BatchSize int

	// PollInterval is how often the claim loop looks for work.
	PollInterval time.Duration

	// LeaseDuration bounds how long a claimed process stays reserved.
	LeaseDuration time.Duration

	// MaxRetries is how many transient failures a state tolerates before the
	// process fails permanently. Negative disables retries.
	MaxRetries int

	// BaseBackoff and MaxBackoff shape the exponential retry delay.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// ProvisionTimeout is how long a dispatched provisioner call may stay without
	// an outcome before it is considered lost.
	ProvisionTimeout time.Duration

	// DeprovisionOnCompletion tears resources down as soon as a transfer completes.
	DeprovisionOnCompletion bool

	// ParticipantID is this connector's identity in policy evaluation.
	ParticipantID string

	// Now replaces the clock in tests.
	Now func() time.Time
}

// DefaultConfig returns the configuration used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		BatchSize:        16,
		PollInterval:     time.Second,
		LeaseDuration:    30 * time.Second,
		MaxRetries:       5,
		BaseBackoff:      time.Second,
		MaxBackoff:       time.Minute,
		ProvisionTimeout: 5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = d.LeaseDuration
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = d.MaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.ProvisionTimeout <= 0 {
		c.ProvisionTimeout = d.ProvisionTimeout
	}
	if c.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "connector"
		}
		c.WorkerID = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
