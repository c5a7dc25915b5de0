package manager

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/connector/pkg/transfer"
)

func TestNewSweeperRejectsBadSchedule(t *testing.T) {
	h := newHarness(t)

	_, err := NewSweeper(h.mgr, SweeperConfig{LeaseSchedule: "every now and then"}, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewSweeper(h.mgr, SweeperConfig{
		ExpirySchedule: "not a schedule",
		Expired:        func(transfer.ProvisionedResource, time.Time) bool { return false },
	}, zerolog.Nop())
	assert.Error(t, err)

	s, err := NewSweeper(h.mgr, SweeperConfig{}, zerolog.Nop())
	require.NoError(t, err)
	s.Start()
	s.Stop()
}

func TestSweeperReleasesExpiredLeases(t *testing.T) {
	h := newHarness(t)
	p := h.initiate(transfer.RoleConsumer, "req-1")

	_, err := h.store.Acquire(h.ctx, p.ID, "crashed-worker", h.clock.Now(), 30*time.Second)
	require.NoError(t, err)

	s, err := NewSweeper(h.mgr, SweeperConfig{}, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, s.releaseLeases(h.ctx))
	assert.Equal(t, "crashed-worker", h.get(p.ID).LeaseOwner, "live leases are kept")

	h.clock.Advance(time.Minute)
	require.NoError(t, s.releaseLeases(h.ctx))
	assert.Empty(t, h.get(p.ID).LeaseOwner)
}

func TestSweeperHandlesExpiredResources(t *testing.T) {
	h := newHarness(t)
	h.register(consumerGen{kind: "alpha"})
	alpha := h.provisioner("alpha")

	running := h.initiate(transfer.RoleConsumer, "req-running")
	done := h.initiate(transfer.RoleConsumer, "req-done")
	h.settle()
	_, err := h.mgr.Complete(h.ctx, done.ID)
	require.NoError(t, err)

	expiresAt := h.clock.Now().Add(time.Hour)
	s, err := NewSweeper(h.mgr, SweeperConfig{
		Expired: func(r transfer.ProvisionedResource, now time.Time) bool {
			return r.Kind == "alpha" && !now.Before(expiresAt)
		},
	}, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, s.expireResources(h.ctx))
	assert.Equal(t, transfer.StateStarted, h.get(running.ID).State)
	assert.Equal(t, transfer.StateCompleted, h.get(done.ID).State)

	h.clock.Advance(2 * time.Hour)
	require.NoError(t, s.expireResources(h.ctx))
	h.settle()

	got := h.get(running.ID)
	assert.Equal(t, transfer.StateTerminated, got.State)
	assert.Equal(t, transfer.CodeDataFlowFailed, got.ErrorCode)

	finished := h.get(done.ID)
	assert.Equal(t, transfer.StateDeprovisioned, finished.State)
	assert.False(t, finished.Failed())
	assert.Len(t, alpha.Deprovisioned(), 2)

	require.NoError(t, s.expireResources(h.ctx), "processes without live resources are skipped")
}
