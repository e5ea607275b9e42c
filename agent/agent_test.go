package agent

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentctrl/controlplane/config"
	"github.com/agentctrl/controlplane/errs"
	"github.com/agentctrl/controlplane/eventbus"
	"github.com/agentctrl/controlplane/txn"
)

// fakeVersionStore is a minimal txn.Store that tracks a version counter per
// (table, id) and is otherwise a no-op, letting these tests exercise real
// optimistic-lock conflict/retry behavior without a live database.
type fakeVersionStore struct {
	mu       sync.Mutex
	versions map[string]int64
}

func newFakeVersionStore() *fakeVersionStore {
	return &fakeVersionStore{versions: make(map[string]int64)}
}

func (f *fakeVersionStore) key(table, id string) string { return table + "/" + id }

func (f *fakeVersionStore) RunTransaction(ctx context.Context, isolation config.IsolationLevel, fn txn.Op) error {
	return fn(ctx)
}

func (f *fakeVersionStore) UpdateWithOptimisticLock(ctx context.Context, table, id string, expectedVersion int64, mutation func(doc any) (any, error)) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(table, id)
	current, ok := f.versions[k]
	if !ok {
		current = expectedVersion
	}
	if current != expectedVersion {
		return 0, txn.ErrSerializationConflict
	}
	if _, err := mutation(nil); err != nil {
		return 0, err
	}
	f.versions[k] = expectedVersion + 1
	return expectedVersion + 1, nil
}

func (f *fakeVersionStore) AtomicIncrement(ctx context.Context, table, id, column string, delta int64) (int64, error) {
	return delta, nil
}

func (f *fakeVersionStore) CompareAndSwap(ctx context.Context, table, id, column string, expected, newVal any) (any, error) {
	return nil, nil
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *MemStore) {
	t.Helper()
	store := NewMemStore()
	tm, err := txn.New(newFakeVersionStore(), txn.Options{})
	require.NoError(t, err)
	bus := eventbus.New(nil)
	reg := New(store, tm, bus, config.Default(), opts...)
	return reg, store
}

func TestRegisterCreatesPendingAgent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	a, err := reg.Register(context.Background(), RegisterConfig{Model: "gpt", Task: "summarize"})
	require.NoError(t, err)
	assert.Equal(t, StatePending, a.State)
	assert.Equal(t, int64(1), a.Version)
}

func TestRegisterRejectsMissingTeam(t *testing.T) {
	reg, _ := newTestRegistry(t)
	teamID := "team-404"
	_, err := reg.Register(context.Background(), RegisterConfig{TeamID: &teamID, Task: "x"})
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindValidation, kind)
}

type fakeWorktree struct{ path string }

func (f fakeWorktree) Acquire(ctx context.Context, agentID string) (string, error) {
	return f.path + "/" + agentID, nil
}
func (f fakeWorktree) Release(ctx context.Context, agentID string) error { return nil }

type fakeSession struct{}

func (fakeSession) Start(ctx context.Context, agentID string) (string, error) {
	return "session-" + agentID, nil
}

type failingWorktree struct{ err error }

func (f failingWorktree) Acquire(ctx context.Context, agentID string) (string, error) {
	return "", f.err
}
func (f failingWorktree) Release(ctx context.Context, agentID string) error { return nil }

func TestSpawnSequenceReachesRunning(t *testing.T) {
	reg, store := newTestRegistry(t,
		WithWorktreeProvider(fakeWorktree{path: "/worktrees"}),
		WithSessionProvider(fakeSession{}),
	)
	a, err := reg.Register(context.Background(), RegisterConfig{Task: "build"})
	require.NoError(t, err)

	_, err = reg.Transition(context.Background(), a.ID, EventSpawn)
	require.NoError(t, err)

	final, err := store.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, final.State)
	assert.Equal(t, "/worktrees/"+a.ID, final.WorktreePath)
}

func TestSpawnFailureTransitionsToFailed(t *testing.T) {
	boom := errors.New("worktree provider unavailable")
	reg, store := newTestRegistry(t, WithWorktreeProvider(failingWorktree{err: boom}))
	a, err := reg.Register(context.Background(), RegisterConfig{Task: "build"})
	require.NoError(t, err)

	_, err = reg.Transition(context.Background(), a.ID, EventSpawn)
	require.NoError(t, err) // the spawn event itself is legal; spawn() handles the failure before Transition returns

	final, err := store.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, final.State)
	assert.Contains(t, final.LastError, "worktree provider unavailable")
}

func TestInvalidTransitionRejected(t *testing.T) {
	reg, _ := newTestRegistry(t)
	a, err := reg.Register(context.Background(), RegisterConfig{Task: "x"})
	require.NoError(t, err)

	_, err = reg.Transition(context.Background(), a.ID, EventTaskComplete)
	require.Error(t, err)
	var invalidErr *errs.InvalidTransitionError
	require.ErrorAs(t, err, &invalidErr)
	assert.Equal(t, "pending", invalidErr.From)
}

func TestKillFromPendingIsTerminal(t *testing.T) {
	reg, store := newTestRegistry(t)
	a, err := reg.Register(context.Background(), RegisterConfig{Task: "x"})
	require.NoError(t, err)

	_, err = reg.Transition(context.Background(), a.ID, EventKill)
	require.NoError(t, err)

	final, err := store.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, StateKilled, final.State)
	assert.True(t, final.State.IsTerminal())

	_, err = reg.Transition(context.Background(), a.ID, EventSpawn)
	assert.Error(t, err, "terminal state must reject further transitions")
}

func TestRetryRespectsMaxRetries(t *testing.T) {
	reg, store := newTestRegistry(t, WithWorktreeProvider(fakeWorktree{path: "/wt"}), WithSessionProvider(fakeSession{}))
	a, err := reg.Register(context.Background(), RegisterConfig{Task: "x", MaxRetries: 1})
	require.NoError(t, err)
	_, err = reg.Transition(context.Background(), a.ID, EventSpawn)
	require.NoError(t, err)

	_, err = reg.Transition(context.Background(), a.ID, EventError)
	require.NoError(t, err)
	final, err := store.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, final.State)

	_, err = reg.Retry(context.Background(), a.ID)
	require.NoError(t, err)

	final, err = store.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, final.RetryCount)

	_, err = reg.Transition(context.Background(), a.ID, EventError)
	require.NoError(t, err)
	_, err = reg.Retry(context.Background(), a.ID)
	assert.Error(t, err, "retry budget should be exhausted")
}

func TestUpdateStateAppliesPatch(t *testing.T) {
	reg, _ := newTestRegistry(t)
	a, err := reg.Register(context.Background(), RegisterConfig{Task: "x"})
	require.NoError(t, err)

	updated, err := reg.UpdateState(context.Background(), a.ID, func(a *Agent) {
		a.BudgetConsumed = 42
	})
	require.NoError(t, err)
	assert.Equal(t, 42.0, updated.BudgetConsumed)
	assert.Equal(t, int64(2), updated.Version)
}

func TestCreateManyAllOrNothing(t *testing.T) {
	reg, store := newTestRegistry(t)
	agents, err := reg.CreateMany(context.Background(), []RegisterConfig{
		{Task: "a"}, {Task: "b"}, {Task: "c"},
	})
	require.NoError(t, err)
	assert.Len(t, agents, 3)

	all, err := store.Find(context.Background(), Query{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestGetByTeam(t *testing.T) {
	reg, store := newTestRegistry(t)
	teamID := "team-1"
	store.SetTeamNonTerminal(teamID, true)

	_, err := reg.Register(context.Background(), RegisterConfig{TeamID: &teamID, Task: "a"})
	require.NoError(t, err)
	_, err = reg.Register(context.Background(), RegisterConfig{Task: "b"})
	require.NoError(t, err)

	byTeam, err := reg.GetByTeam(context.Background(), teamID)
	require.NoError(t, err)
	assert.Len(t, byTeam, 1)
}
