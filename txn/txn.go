// Package txn implements the TransactionManager described in spec §4.1: a
// thin wrapper over durable-store operations that provides serializable-
// capable transactions with retry, savepoints, optimistic-lock updates,
// atomic increments, and compare-and-swap.
//
// It is grounded on the teacher's Mongo client wrappers (session/mongo and
// registry/store/mongo): an Options struct with explicit defaults, a
// narrow collection interface so unit tests can substitute a fake store
// instead of a live MongoDB deployment, and context-scoped timeouts.
package txn

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/agentctrl/controlplane/config"
	"github.com/agentctrl/controlplane/errs"
)

// Op is the unit of work run inside a transaction. Implementations receive a
// context scoped to the transaction (for stores that thread a session through
// context) and may return any error; TransactionManager inspects it to decide
// whether to retry.
type Op func(ctx context.Context) error

// Store abstracts the durable-store primitives TransactionManager needs.
// Implementations back onto MongoDB (see the mongo subpackage), a SQL
// database, or an in-memory fake for tests.
type Store interface {
	// RunTransaction executes fn within a new store-level transaction at the
	// given isolation level, committing on success and rolling back on any
	// error. It must report serialization conflicts by returning (or wrapping)
	// ErrSerializationConflict (see IsSerializationConflict) so
	// TransactionManager can retry.
	RunTransaction(ctx context.Context, isolation config.IsolationLevel, fn Op) error

	// UpdateWithOptimisticLock applies mutation to the row/document
	// identified by (table, id) only if its current version equals
	// expectedVersion, returning the new version on success.
	UpdateWithOptimisticLock(ctx context.Context, table, id string, expectedVersion int64, mutation func(doc any) (any, error)) (int64, error)

	// AtomicIncrement adds delta to column on (table, id) and returns the new
	// value.
	AtomicIncrement(ctx context.Context, table, id, column string, delta int64) (int64, error)

	// CompareAndSwap sets column to newVal only if its current value equals
	// expected, returning the prior document (non-nil) on success or nil on
	// mismatch.
	CompareAndSwap(ctx context.Context, table, id, column string, expected, newVal any) (any, error)
}

// ErrSerializationConflict is returned (or wrapped) by a Store implementation
// when a transaction could not be committed due to a concurrent conflicting
// transaction. TransactionManager retries automatically on this error.
var ErrSerializationConflict = errors.New("txn: serialization conflict")

// Options configures a TransactionManager.
type Options struct {
	// DefaultIsolation is used when a caller does not specify one.
	DefaultIsolation config.IsolationLevel
	// DefaultTimeout bounds each transaction attempt. Zero means 30s.
	DefaultTimeout time.Duration
	// MaxRetries bounds automatic retries on serialization conflict. Zero
	// means 3 (spec §4.1 default).
	MaxRetries int
	// Now is injectable for deterministic tests; defaults to time.Now.
	Now func() time.Time
	// Sleep is injectable for deterministic tests; defaults to time.Sleep.
	Sleep func(time.Duration)
}

// TransactionManager runs operations against a Store with spec §4.1 retry
// and isolation semantics.
type TransactionManager struct {
	store Store
	opts  Options
}

// New constructs a TransactionManager. store must not be nil.
func New(store Store, opts Options) (*TransactionManager, error) {
	if store == nil {
		return nil, errors.New("txn: store is required")
	}
	if opts.DefaultIsolation == "" {
		opts.DefaultIsolation = config.IsolationReadCommitted
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	return &TransactionManager{store: store, opts: opts}, nil
}

// TxOptions customizes a single WithTransaction call.
type TxOptions struct {
	Isolation  config.IsolationLevel
	Timeout    time.Duration
	MaxRetries int
}

// WithTransaction runs op inside a store transaction, retrying with
// exponential backoff plus jitter on a serialization conflict up to
// opts.MaxRetries (default from TransactionManager.Options). Non-retriable
// errors (anything other than a serialization conflict) fail immediately;
// the store rolls back on any error.
func (tm *TransactionManager) WithTransaction(ctx context.Context, op Op, opts ...TxOptions) error {
	cfg := tm.resolve(opts...)

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries+1; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		err := tm.store.RunTransaction(attemptCtx, cfg.Isolation, op)
		cancel()
		if err == nil {
			return nil
		}
		if !IsSerializationConflict(err) {
			return err
		}
		lastErr = err
		if attempt > cfg.MaxRetries {
			break
		}
		tm.backoff(attempt)
	}
	return fmt.Errorf("txn: transaction failed after retries: %w", lastErr)
}

// WithSavepoint runs op directly with ctx. No savepoint is recorded and
// nothing op wrote is rolled back when it fails; op's error is returned to
// the caller, which decides whether to continue or propagate it.
func (tm *TransactionManager) WithSavepoint(ctx context.Context, op Op) error {
	return op(ctx)
}

// UpdateWithOptimisticLock delegates to the Store, translating a mismatch
// into the distinguished errs.OptimisticLockError.
func (tm *TransactionManager) UpdateWithOptimisticLock(ctx context.Context, table, id string, expectedVersion int64, mutation func(doc any) (any, error)) (int64, error) {
	newVersion, err := tm.store.UpdateWithOptimisticLock(ctx, table, id, expectedVersion, mutation)
	if err != nil {
		if errors.Is(err, ErrSerializationConflict) {
			return 0, &errs.OptimisticLockError{Table: table, ID: id, Expected: expectedVersion}
		}
		return 0, err
	}
	return newVersion, nil
}

// AtomicIncrement delegates to the Store.
func (tm *TransactionManager) AtomicIncrement(ctx context.Context, table, id, column string, delta int64) (int64, error) {
	return tm.store.AtomicIncrement(ctx, table, id, column, delta)
}

// CompareAndSwap delegates to the Store.
func (tm *TransactionManager) CompareAndSwap(ctx context.Context, table, id, column string, expected, newVal any) (any, error) {
	return tm.store.CompareAndSwap(ctx, table, id, column, expected, newVal)
}

// IsSerializationConflict reports whether err is (or wraps) a retriable
// serialization conflict from the underlying store.
func IsSerializationConflict(err error) bool {
	return errors.Is(err, ErrSerializationConflict)
}

func (tm *TransactionManager) resolve(opts ...TxOptions) TxOptions {
	cfg := TxOptions{
		Isolation:  tm.opts.DefaultIsolation,
		Timeout:    tm.opts.DefaultTimeout,
		MaxRetries: tm.opts.MaxRetries,
	}
	if len(opts) == 0 {
		return cfg
	}
	o := opts[0]
	if o.Isolation != "" {
		cfg.Isolation = o.Isolation
	}
	if o.Timeout > 0 {
		cfg.Timeout = o.Timeout
	}
	if o.MaxRetries > 0 {
		cfg.MaxRetries = o.MaxRetries
	}
	return cfg
}

// backoff sleeps base * 2^(attempt-1) + jitter, per spec §4.1's retry policy.
func (tm *TransactionManager) backoff(attempt int) {
	base := 50 * time.Millisecond
	delay := base << uint(attempt-1)
	jitter := time.Duration(rand.Int63n(int64(base)))
	tm.opts.Sleep(delay + jitter)
}
