package provision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/connector/pkg/transfer"
)

func collect(t *testing.T, d *Dispatcher, n int) map[string]Result {
	t.Helper()
	out := make(map[string]Result, n)
	for i := 0; i < n; i++ {
		select {
		case r := <-d.Results():
			out[r.DefinitionID] = r
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for result %d of %d", i+1, n)
		}
	}
	return out
}

func TestDispatcher_Provision(t *testing.T) {
	d := NewDispatcher(time.Second, 8, zerolog.Nop())
	require.NoError(t, d.Register(&stubProvisioner{kind: "ok"}))
	require.NoError(t, d.Register(&stubProvisioner{
		kind: "broken",
		provision: func(context.Context, transfer.ResourceDefinition) (*ProvisionResponse, error) {
			return nil, errors.New("quota exceeded")
		},
	}))
	require.NoError(t, d.Register(&stubProvisioner{
		kind: "async",
		provision: func(context.Context, transfer.ResourceDefinition) (*ProvisionResponse, error) {
			return &ProvisionResponse{InProgress: true}, nil
		},
	}))

	defs := []transfer.ResourceDefinition{
		{ID: "d1", Kind: "ok"},
		{ID: "d2", Kind: "broken"},
		{ID: "d3", Kind: "async"},
		{ID: "d4", Kind: "unknown"},
	}
	d.Provision(context.Background(), "tp-1", defs)

	results := collect(t, d, len(defs))
	d.Wait()

	assert.Equal(t, transfer.OutcomeSucceeded, results["d1"].Outcome())
	assert.Equal(t, "d1", results["d1"].Output["id"])

	assert.Equal(t, transfer.OutcomeFailed, results["d2"].Outcome())
	assert.Equal(t, transfer.CodeProvisioningFailed, transfer.CodeOf(results["d2"].Err))

	assert.Equal(t, transfer.OutcomePending, results["d3"].Outcome())

	assert.True(t, transfer.IsPermanent(results["d4"].Err))
	assert.Equal(t, transfer.CodeProvisioningFailed, transfer.CodeOf(results["d4"].Err))
	for _, r := range results {
		assert.Equal(t, "tp-1", r.ProcessID)
		assert.Equal(t, OperationProvision, r.Operation)
	}
}

func TestDispatcher_TimeoutIsTransient(t *testing.T) {
	d := NewDispatcher(20*time.Millisecond, 1, zerolog.Nop())
	require.NoError(t, d.Register(&stubProvisioner{
		kind: "slow",
		provision: func(ctx context.Context, _ transfer.ResourceDefinition) (*ProvisionResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	d.Provision(context.Background(), "tp-1", []transfer.ResourceDefinition{{ID: "d1", Kind: "slow"}})
	r := collect(t, d, 1)["d1"]
	assert.True(t, transfer.IsTransient(r.Err), "got %v", r.Err)
}

func TestDispatcher_Deprovision(t *testing.T) {
	d := NewDispatcher(time.Second, 4, zerolog.Nop())
	var seen []string
	require.NoError(t, d.Register(&stubProvisioner{
		kind: "ok",
		deprovision: func(_ context.Context, res transfer.ProvisionedResource) (*DeprovisionResponse, error) {
			seen = append(seen, res.ID)
			return &DeprovisionResponse{}, nil
		},
	}))

	d.Deprovision(context.Background(), "tp-1", []transfer.ProvisionedResource{
		{ID: "r1", DefinitionID: "d1", Kind: "ok", Outcome: transfer.OutcomeSucceeded},
	})
	r := collect(t, d, 1)["d1"]
	d.Wait()

	assert.NoError(t, r.Err)
	assert.Equal(t, OperationDeprovision, r.Operation)
	assert.Equal(t, "r1", r.ResourceID)
	assert.Equal(t, []string{"r1"}, seen)
}

func TestDispatcher_DropsResultsOnShutdown(t *testing.T) {
	d := NewDispatcher(time.Second, 1, zerolog.Nop())
	require.NoError(t, d.Register(&stubProvisioner{kind: "ok"}))

	ctx, cancel := context.WithCancel(context.Background())
	d.Provision(ctx, "tp-1", []transfer.ResourceDefinition{{ID: "d1", Kind: "ok"}, {ID: "d2", Kind: "ok"}})

	time.Sleep(50 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		d.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher goroutines blocked after shutdown")
	}
	assert.Equal(t, 1, d.Pending())
}

func TestDispatcher_Submit(t *testing.T) {
	d := NewDispatcher(time.Second, 1, zerolog.Nop())

	assert.Error(t, d.Submit(context.Background(), Result{}))
	assert.Error(t, d.Submit(context.Background(), Result{ProcessID: "tp", InProgress: true}))

	require.NoError(t, d.Submit(context.Background(), Result{ProcessID: "tp", DefinitionID: "d1", Operation: OperationProvision}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Submit(ctx, Result{ProcessID: "tp", DefinitionID: "d2"}), context.DeadlineExceeded)

	r := <-d.Results()
	assert.Equal(t, "d1", r.DefinitionID)
}

func TestDispatcher_RegisterValidation(t *testing.T) {
	d := NewDispatcher(0, 0, zerolog.Nop())
	assert.Error(t, d.Register(nil))
	assert.Error(t, d.Register(&stubProvisioner{}))
	require.NoError(t, d.Register(&stubProvisioner{kind: "x"}))
	assert.Equal(t, []string{"x"}, d.Kinds())
}
