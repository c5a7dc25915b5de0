package stores

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/connector/pkg/transfer"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// setupTestStore creates a migrated SQLite store in a temp directory.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "connector.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newProcess(requestID string, role transfer.Role) *transfer.TransferProcess {
	req := transfer.TransferRequest{
		ID:          requestID,
		AssetID:     "asset-1",
		ContractID:  "contract-1",
		Type:        transfer.TransferTypePush,
		Destination: transfer.DataAddress{Type: transfer.AddressTypeHTTPProxy},
	}
	return transfer.NewTransferProcess(role, req, epoch)
}

func createProcess(t *testing.T, s *SQLiteStore, requestID string) *transfer.TransferProcess {
	t.Helper()
	p := newProcess(requestID, transfer.RoleConsumer)
	require.NoError(t, s.Create(context.Background(), p, &Event{Type: EventInitiated, ToState: p.State}))
	return p
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx), "migrating twice is a no-op")
	require.NoError(t, store.HealthCheck(ctx))
	require.NoError(t, store.Close())

	_, err = NewSQLiteStore(Config{})
	assert.Error(t, err)
}

func TestCreateAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := createProcess(t, s, "req-1")
	assert.Equal(t, int64(1), p.Version)

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, transfer.RoleConsumer, got.Role)
	assert.Equal(t, transfer.StateInitial, got.State)
	assert.Equal(t, p.Request, got.Request)
	assert.True(t, got.CreatedAt.Equal(epoch))
	assert.Nil(t, got.Manifest)

	byReq, err := s.FindByRequestID(ctx, transfer.RoleConsumer, "req-1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byReq.ID)

	_, err = s.FindByRequestID(ctx, transfer.RoleProvider, "req-1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateDuplicateRequest(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	createProcess(t, s, "req-1")
	err := s.Create(ctx, newProcess("req-1", transfer.RoleConsumer))
	assert.ErrorIs(t, err, ErrConflict)

	// The other side of the same request is a different process.
	require.NoError(t, s.Create(ctx, newProcess("req-1", transfer.RoleProvider)))
}

func TestClaimSaveRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	p := createProcess(t, s, "req-1")

	claimed, err := s.ClaimBatch(ctx, "worker-a", epoch, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	c := claimed[0]
	assert.Equal(t, "worker-a", c.LeaseOwner)
	assert.Equal(t, p.Version+1, c.Version)

	again, err := s.ClaimBatch(ctx, "worker-b", epoch, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "leased processes are not claimable")

	require.NoError(t, c.TransitionTo(transfer.StateRequesting, epoch.Add(time.Second)))
	c.Manifest = &transfer.ResourceManifest{Role: transfer.RoleConsumer, Definitions: []transfer.ResourceDefinition{{ID: "d1", Kind: "HttpProxy"}}}
	require.NoError(t, c.MarkDispatched(c.Manifest.Definitions[0], epoch))
	c.UpdatedAt = epoch.Add(time.Second)
	require.NoError(t, s.Save(ctx, c, "worker-a", &Event{Type: EventTransition, FromState: transfer.StateInitial, ToState: transfer.StateRequesting}))
	assert.Empty(t, c.LeaseOwner)

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, transfer.StateRequesting, got.State)
	assert.Equal(t, c.Version, got.Version)
	assert.Empty(t, got.LeaseOwner)
	require.NotNil(t, got.Manifest)
	assert.Len(t, got.Resources, 1)
	assert.Equal(t, transfer.OutcomePending, got.Resources[0].Outcome)

	events, err := s.ListEvents(ctx, p.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventInitiated, events[0].Type)
	assert.Equal(t, transfer.StateRequesting, events[1].ToState)
}

func TestSaveRejectsStaleWriters(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	createProcess(t, s, "req-1")

	claimed, err := s.ClaimBatch(ctx, "worker-a", epoch, time.Second, 1)
	require.NoError(t, err)
	stale := claimed[0]

	// The lease lapses and another worker takes over.
	claimed, err = s.ClaimBatch(ctx, "worker-b", epoch.Add(2*time.Second), time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	fresh := claimed[0]

	require.NoError(t, stale.TransitionTo(transfer.StateRequesting, epoch))
	assert.ErrorIs(t, s.Save(ctx, stale, "worker-a"), ErrConflict)

	require.NoError(t, fresh.TransitionTo(transfer.StateRequesting, epoch))
	require.NoError(t, s.Save(ctx, fresh, "worker-b"))

	// A second save at the old version conflicts as well.
	fresh.Version--
	assert.ErrorIs(t, s.Save(ctx, fresh, "worker-b"), ErrConflict)
}

func TestClaimRespectsRetryAndActive(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	p := createProcess(t, s, "req-1")

	claimed, err := s.ClaimBatch(ctx, "w", epoch, time.Minute, 1)
	require.NoError(t, err)
	c := claimed[0]
	c.ScheduleRetry(epoch, 30*time.Second, nil)
	require.NoError(t, s.Save(ctx, c, "w"))

	claimed, err = s.ClaimBatch(ctx, "w", epoch.Add(10*time.Second), time.Minute, 1)
	require.NoError(t, err)
	assert.Empty(t, claimed, "retry not due yet")

	// A cancellation supersedes the scheduled retry.
	_, err = s.RequestCancellation(ctx, p.ID, "user", epoch.Add(10*time.Second))
	require.NoError(t, err)
	claimed, err = s.ClaimBatch(ctx, "w", epoch.Add(10*time.Second), time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	c = claimed[0]
	assert.True(t, c.CancelRequested)

	require.NoError(t, c.TransitionTo(transfer.StateTerminated, epoch.Add(11*time.Second)))
	require.NoError(t, s.Save(ctx, c, "w"))

	claimed, err = s.ClaimBatch(ctx, "w", epoch.Add(time.Hour), time.Minute, 1)
	require.NoError(t, err)
	assert.Empty(t, claimed, "final processes are never claimed")
}

func TestClaimBatchIsDisjoint(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		createProcess(t, s, "req-"+string(rune('a'+i)))
	}

	var (
		mu   sync.Mutex
		seen = map[string]string{}
		wg   sync.WaitGroup
	)
	for _, owner := range []string{"w1", "w2", "w3", "w4"} {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			for {
				batch, err := s.ClaimBatch(ctx, owner, epoch, time.Minute, 3)
				assert.NoError(t, err)
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, p := range batch {
					if prev, dup := seen[p.ID]; dup {
						t.Errorf("%s claimed by both %s and %s", p.ID, prev, owner)
					}
					seen[p.ID] = owner
				}
				mu.Unlock()
			}
		}(owner)
	}
	wg.Wait()
	assert.Len(t, seen, 20)
}

func TestAcquireAndRelease(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	p := createProcess(t, s, "req-1")

	held, err := s.Acquire(ctx, p.ID, "w", epoch, time.Minute)
	require.NoError(t, err)

	_, err = s.Acquire(ctx, p.ID, "w", epoch, time.Minute)
	assert.ErrorIs(t, err, ErrConflict, "a live lease blocks even its own owner")

	_, err = s.Acquire(ctx, "missing", "w", epoch, time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Release(ctx, held, "w"))
	_, err = s.Acquire(ctx, p.ID, "other", epoch, time.Minute)
	assert.NoError(t, err)
}

func TestReleaseExpiredLeases(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	createProcess(t, s, "req-1")
	createProcess(t, s, "req-2")

	_, err := s.ClaimBatch(ctx, "w", epoch, time.Second, 1)
	require.NoError(t, err)
	_, err = s.ClaimBatch(ctx, "w", epoch, time.Hour, 1)
	require.NoError(t, err)

	n, err := s.ReleaseExpiredLeases(ctx, epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRequestCancellation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	p := createProcess(t, s, "req-1")

	got, err := s.RequestCancellation(ctx, p.ID, "no longer needed", epoch)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
	assert.Equal(t, "no longer needed", got.CancelReason)
	assert.Equal(t, p.Version+1, got.Version)

	again, err := s.RequestCancellation(ctx, p.ID, "twice", epoch)
	require.NoError(t, err)
	assert.Equal(t, got.Version, again.Version, "repeated cancellation is a no-op")
	assert.Equal(t, "no longer needed", again.CancelReason)

	_, err = s.RequestCancellation(ctx, "missing", "", epoch)
	assert.ErrorIs(t, err, ErrNotFound)

	events, err := s.ListEvents(ctx, p.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, EventCancelRequested, events[len(events)-1].Type)
}

func TestCancellationInvalidatesLeaseHolder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	p := createProcess(t, s, "req-1")

	claimed, err := s.ClaimBatch(ctx, "w", epoch, time.Minute, 1)
	require.NoError(t, err)
	c := claimed[0]

	_, err = s.RequestCancellation(ctx, p.ID, "stop", epoch)
	require.NoError(t, err)

	require.NoError(t, c.TransitionTo(transfer.StateRequesting, epoch))
	assert.ErrorIs(t, s.Save(ctx, c, "w"), ErrConflict)

	require.NoError(t, s.Release(ctx, c, "w"))
	again, err := s.ClaimBatch(ctx, "w2", epoch, time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, again, 1, "the losing holder can still release its lease")
	assert.True(t, again[0].CancelRequested)
}

func TestStartedProcessIsIdleUntilCancelled(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	p := createProcess(t, s, "req-1")

	claimed, err := s.ClaimBatch(ctx, "w", epoch, time.Minute, 1)
	require.NoError(t, err)
	c := claimed[0]
	for _, st := range []transfer.State{transfer.StateRequesting, transfer.StateRequested, transfer.StateProvisioning, transfer.StateProvisioned, transfer.StateStarted} {
		require.NoError(t, c.TransitionTo(st, epoch))
	}
	require.NoError(t, s.Save(ctx, c, "w"))

	claimed, err = s.ClaimBatch(ctx, "w", epoch.Add(time.Hour), time.Minute, 1)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	_, err = s.RequestCancellation(ctx, p.ID, "stop", epoch)
	require.NoError(t, err)
	claimed, err = s.ClaimBatch(ctx, "w", epoch.Add(time.Hour), time.Minute, 1)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestRequestDeprovision(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	p := createProcess(t, s, "req-1")

	unchanged, err := s.RequestDeprovision(ctx, p.ID, epoch)
	require.NoError(t, err)
	assert.False(t, unchanged.DeprovisionRequested, "only completed processes can be deprovisioned on request")

	claimed, err := s.ClaimBatch(ctx, "w", epoch, time.Minute, 1)
	require.NoError(t, err)
	c := claimed[0]
	for _, st := range []transfer.State{transfer.StateRequesting, transfer.StateRequested, transfer.StateProvisioning, transfer.StateProvisioned, transfer.StateStarted, transfer.StateCompleted} {
		require.NoError(t, c.TransitionTo(st, epoch))
	}
	require.NoError(t, s.Save(ctx, c, "w"))

	got, err := s.RequestDeprovision(ctx, p.ID, epoch)
	require.NoError(t, err)
	assert.True(t, got.DeprovisionRequested)

	claimed, err = s.ClaimBatch(ctx, "w", epoch, time.Minute, 1)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestList(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	createProcess(t, s, "req-1")
	createProcess(t, s, "req-2")
	require.NoError(t, s.Create(ctx, newProcess("req-3", transfer.RoleProvider)))

	all, err := s.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	consumers, err := s.List(ctx, ListFilter{Role: transfer.RoleConsumer})
	require.NoError(t, err)
	assert.Len(t, consumers, 2)

	initial, err := s.List(ctx, ListFilter{States: []transfer.State{transfer.StateInitial}, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, initial, 2)

	none, err := s.List(ctx, ListFilter{States: []transfer.State{transfer.StateTerminated}})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAppendEvent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	p := createProcess(t, s, "req-1")

	e := &Event{ProcessID: p.ID, Type: EventResourceResult, Message: "provisioned", Details: `{"kind":"HttpProxy"}`, Timestamp: epoch}
	require.NoError(t, s.AppendEvent(ctx, e))
	assert.NotZero(t, e.ID)

	events, err := s.ListEvents(ctx, p.ID, 1)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	events, err = s.ListEvents(ctx, p.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, `{"kind":"HttpProxy"}`, events[1].Details)
	assert.True(t, events[1].Timestamp.Equal(epoch))
}
