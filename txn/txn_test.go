package txn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentctrl/controlplane/config"
	"github.com/agentctrl/controlplane/errs"
)

// fakeStore is an in-memory Store used to exercise TransactionManager without
// a live MongoDB deployment. failTransactionsBeforeSuccess lets tests force a
// run of serialization conflicts before RunTransaction finally succeeds.
type fakeStore struct {
	mu sync.Mutex

	docs map[string]map[string]any // table -> id -> doc

	failTransactionsBeforeSuccess int
	transactionAttempts           int
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[string]map[string]any)}
}

func (f *fakeStore) put(table, id string, doc map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.docs[table]
	if !ok {
		t = make(map[string]any)
		f.docs[table] = t
	}
	t[id] = doc
}

func (f *fakeStore) RunTransaction(ctx context.Context, isolation config.IsolationLevel, fn Op) error {
	f.mu.Lock()
	f.transactionAttempts++
	shouldFail := f.transactionAttempts <= f.failTransactionsBeforeSuccess
	f.mu.Unlock()

	if shouldFail {
		return ErrSerializationConflict
	}
	return fn(ctx)
}

func (f *fakeStore) UpdateWithOptimisticLock(ctx context.Context, table, id string, expectedVersion int64, mutation func(doc any) (any, error)) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.docs[table]
	if !ok {
		return 0, errors.New("no such table")
	}
	doc, ok := t[id]
	if !ok {
		return 0, errors.New("no such document")
	}
	m := doc.(map[string]any)
	current, _ := m["version"].(int64)
	if current != expectedVersion {
		return 0, ErrSerializationConflict
	}
	newDoc, err := mutation(m)
	if err != nil {
		return 0, err
	}
	nm := newDoc.(map[string]any)
	nm["version"] = expectedVersion + 1
	t[id] = nm
	return expectedVersion + 1, nil
}

func (f *fakeStore) AtomicIncrement(ctx context.Context, table, id, column string, delta int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.docs[table]
	if !ok {
		t = make(map[string]any)
		f.docs[table] = t
	}
	doc, ok := t[id].(map[string]any)
	if !ok {
		doc = make(map[string]any)
		t[id] = doc
	}
	cur, _ := doc[column].(int64)
	cur += delta
	doc[column] = cur
	return cur, nil
}

func (f *fakeStore) CompareAndSwap(ctx context.Context, table, id, column string, expected, newVal any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.docs[table]
	if !ok {
		return nil, nil
	}
	doc, ok := t[id].(map[string]any)
	if !ok {
		return nil, nil
	}
	if doc[column] != expected {
		return nil, nil
	}
	before := make(map[string]any, len(doc))
	for k, v := range doc {
		before[k] = v
	}
	doc[column] = newVal
	return before, nil
}

func newTestManager(t *testing.T, store Store) *TransactionManager {
	t.Helper()
	tm, err := New(store, Options{
		Sleep: func(time.Duration) {}, // deterministic, instant tests
	})
	require.NoError(t, err)
	return tm
}

func TestWithTransactionSucceedsFirstTry(t *testing.T) {
	store := newFakeStore()
	tm := newTestManager(t, store)

	ran := false
	err := tm.WithTransaction(context.Background(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, store.transactionAttempts)
}

func TestWithTransactionRetriesOnConflict(t *testing.T) {
	store := newFakeStore()
	store.failTransactionsBeforeSuccess = 2
	tm := newTestManager(t, store)

	err := tm.WithTransaction(context.Background(), func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, store.transactionAttempts)
}

func TestWithTransactionGivesUpAfterMaxRetries(t *testing.T) {
	store := newFakeStore()
	store.failTransactionsBeforeSuccess = 100
	tm, err := New(store, Options{MaxRetries: 2, Sleep: func(time.Duration) {}})
	require.NoError(t, err)

	err = tm.WithTransaction(context.Background(), func(ctx context.Context) error { return nil })
	assert.Error(t, err)
	assert.True(t, IsSerializationConflict(errors.Unwrap(err)) || IsSerializationConflict(err))
	assert.Equal(t, 3, store.transactionAttempts) // initial + 2 retries
}

func TestWithTransactionNonConflictErrorFailsImmediately(t *testing.T) {
	store := newFakeStore()
	boom := errors.New("boom")
	tm := newTestManager(t, store)

	err := tm.WithTransaction(context.Background(), func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, store.transactionAttempts)
}

func TestUpdateWithOptimisticLockSuccess(t *testing.T) {
	store := newFakeStore()
	store.put("agents", "a1", map[string]any{"version": int64(1), "status": "running"})
	tm := newTestManager(t, store)

	newVersion, err := tm.UpdateWithOptimisticLock(context.Background(), "agents", "a1", 1, func(doc any) (any, error) {
		m := doc.(map[string]any)
		m["status"] = "paused"
		return m, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), newVersion)
}

func TestUpdateWithOptimisticLockConflictTranslatesToDistinguishedError(t *testing.T) {
	store := newFakeStore()
	store.put("agents", "a1", map[string]any{"version": int64(5), "status": "running"})
	tm := newTestManager(t, store)

	_, err := tm.UpdateWithOptimisticLock(context.Background(), "agents", "a1", 1, func(doc any) (any, error) {
		return doc, nil
	})
	require.Error(t, err)
	var lockErr *errs.OptimisticLockError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, "agents", lockErr.Table)
	assert.Equal(t, "a1", lockErr.ID)
	assert.Equal(t, int64(1), lockErr.Expected)
}

func TestAtomicIncrement(t *testing.T) {
	store := newFakeStore()
	tm := newTestManager(t, store)

	v, err := tm.AtomicIncrement(context.Background(), "budgets", "team-1", "spent", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), v)

	v, err = tm.AtomicIncrement(context.Background(), "budgets", "team-1", "spent", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(15), v)
}

func TestCompareAndSwap(t *testing.T) {
	store := newFakeStore()
	store.put("clusters", "c1", map[string]any{"breakerState": "closed"})
	tm := newTestManager(t, store)

	before, err := tm.CompareAndSwap(context.Background(), "clusters", "c1", "breakerState", "closed", "open")
	require.NoError(t, err)
	require.NotNil(t, before)
	assert.Equal(t, "closed", before.(map[string]any)["breakerState"])

	before, err = tm.CompareAndSwap(context.Background(), "clusters", "c1", "breakerState", "closed", "open")
	require.NoError(t, err)
	assert.Nil(t, before, "second swap should not match because state already moved to open")
}

func TestResolveMergesPerCallOverrides(t *testing.T) {
	store := newFakeStore()
	tm, err := New(store, Options{
		DefaultIsolation: config.IsolationReadCommitted,
		DefaultTimeout:   5 * time.Second,
		MaxRetries:       3,
	})
	require.NoError(t, err)

	cfg := tm.resolve(TxOptions{Isolation: config.IsolationSerializable})
	assert.Equal(t, config.IsolationSerializable, cfg.Isolation)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, 3, cfg.MaxRetries)
}
