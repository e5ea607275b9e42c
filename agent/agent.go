// Package agent implements the AgentRegistry described in spec §4.4: the
// sole owner and mutator of agent records, their lifecycle state machine,
// and the worktree/session spawn orchestration triggered on entry to the
// initializing state.
//
// It is grounded on runtime/agent's strong-typed Ident and the run package's
// Record/Status shape for what a durable run-oriented record looks like, and
// on registry/store/memory's map-plus-RWMutex idiom for the in-memory Store.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentctrl/controlplane/config"
	"github.com/agentctrl/controlplane/errs"
	"github.com/agentctrl/controlplane/eventbus"
	"github.com/agentctrl/controlplane/statemachine"
	"github.com/agentctrl/controlplane/txn"
)

// State is the agent's fine-grained lifecycle state (spec §4.4's state
// machine diagram; this module does not separate a coarse "status" from a
// finer "lifecycle-state" the way spec.md's prose does, since every node in
// the diagram already has direct operational meaning).
type State string

const (
	StatePending      State = "pending"
	StateInitializing State = "initializing"
	StateSpawning     State = "spawning"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateCompleting   State = "completing"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateKilled       State = "killed"
)

// Event is an agent lifecycle transition trigger.
type Event string

const (
	EventSpawn          Event = "spawn"
	EventWorktreeReady   Event = "worktreeReady"
	EventSessionStarted Event = "sessionStarted"
	EventKill           Event = "kill"
	EventPause          Event = "pause"
	EventResume         Event = "resume"
	EventError          Event = "error"
	EventRetry          Event = "retry"
	EventTaskComplete   Event = "taskComplete"
	EventCleanupDone    Event = "cleanupDone"
	EventCleanupError   Event = "cleanupError"
)

// IsTerminal reports whether s accepts no further transitions (spec §3
// Agent invariant (a)).
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateKilled
}

// Agent is the durable agent record (spec §3 Agent entity).
type Agent struct {
	ID             string
	TeamID         *string
	Model          string
	Task           string
	State          State
	RetryCount     int
	MaxRetries     int
	Version        int64
	SpawnedAt      *time.Time
	CompletedAt    *time.Time
	LastError      string
	WorktreePath   string
	BudgetConsumed float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RegisterConfig is the input to Registry.Register.
type RegisterConfig struct {
	TeamID     *string
	Model      string
	Task       string
	MaxRetries int
}

// Query filters Registry.Find lookups.
type Query struct {
	TeamID *string
	State  *State
	Cursor string
	Limit  int
}

// ErrNotFound is returned when an agent id has no record.
var ErrNotFound = errors.New("agent: not found")

// WorktreeProvider acquires an isolated working-directory handle for a
// spawning agent (spec §4.4 "Scheduling rule for spawn").
type WorktreeProvider interface {
	Acquire(ctx context.Context, agentID string) (path string, err error)
	Release(ctx context.Context, agentID string) error
}

// SessionProvider attaches a runtime session to a spawning agent.
type SessionProvider interface {
	Start(ctx context.Context, agentID string) (sessionID string, err error)
}

// Store persists Agent records. Implementations must support the optimistic
// locking TransactionManager relies on (every mutation goes through
// txn.TransactionManager.UpdateWithOptimisticLock keyed by Version).
type Store interface {
	Insert(ctx context.Context, a *Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	Replace(ctx context.Context, a *Agent) error
	Find(ctx context.Context, q Query) ([]*Agent, error)
	TeamExistsNonTerminal(ctx context.Context, teamID string) (bool, error)
}

// Registry implements spec §4.4's AgentRegistry.
type Registry struct {
	store     Store
	tx        *txn.TransactionManager
	bus       *eventbus.Bus
	machine   *statemachine.Machine[State, Event]
	worktree  WorktreeProvider
	session   SessionProvider
	cfg       config.Config
}

// Option configures a Registry.
type Option func(*Registry)

func WithWorktreeProvider(p WorktreeProvider) Option { return func(r *Registry) { r.worktree = p } }
func WithSessionProvider(p SessionProvider) Option   { return func(r *Registry) { r.session = p } }

// New constructs a Registry. bus may be nil (events are then not published).
func New(store Store, tx *txn.TransactionManager, bus *eventbus.Bus, cfg config.Config, opts ...Option) *Registry {
	r := &Registry{store: store, tx: tx, bus: bus, cfg: cfg}
	r.machine = statemachine.New(definition())
	for _, o := range opts {
		o(r)
	}
	return r
}

// definition builds the agent lifecycle Definition from spec §4.4's diagram.
// Retry eligibility (retryCount < maxRetries) is enforced by Registry.Retry,
// not by the table, since the statemachine kernel has no field access.
func definition() *statemachine.Definition[State, Event] {
	return statemachine.NewDefinition[State, Event](StatePending).
		Allow(StatePending, EventSpawn, StateInitializing).
		Allow(StatePending, EventKill, StateKilled).
		Allow(StateInitializing, EventWorktreeReady, StateSpawning).
		Allow(StateInitializing, EventError, StateFailed).
		Allow(StateSpawning, EventSessionStarted, StateRunning).
		Allow(StateSpawning, EventError, StateFailed).
		Allow(StateRunning, EventPause, StatePaused).
		Allow(StateRunning, EventKill, StateKilled).
		Allow(StateRunning, EventError, StateFailed).
		Allow(StateRunning, EventTaskComplete, StateCompleting).
		Allow(StatePaused, EventResume, StateRunning).
		Allow(StatePaused, EventKill, StateKilled).
		Allow(StateFailed, EventRetry, StateRunning).
		Allow(StateFailed, EventKill, StateKilled).
		Allow(StateCompleting, EventCleanupDone, StateCompleted).
		Allow(StateCompleting, EventCleanupError, StateFailed)
}

// Register allocates an id, persists the agent with state=pending, and
// emits agent.registered (spec §4.4 register).
func (r *Registry) Register(ctx context.Context, cfg RegisterConfig) (*Agent, error) {
	if cfg.TeamID != nil {
		ok, err := r.store.TeamExistsNonTerminal(ctx, *cfg.TeamID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errs.Validation("teamId", "referenced team must exist in a non-terminal status")
		}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = r.cfg.DefaultMaxRetries
	}

	now := time.Now()
	a := &Agent{
		ID:         newAgentID(),
		TeamID:     cfg.TeamID,
		Model:      cfg.Model,
		Task:       cfg.Task,
		State:      StatePending,
		MaxRetries: maxRetries,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.store.Insert(ctx, a); err != nil {
		return nil, err
	}
	r.machine.SetState(a.ID, StatePending)
	r.publish(ctx, "agent.registered", a)
	return a, nil
}

// Transition delegates to the agent state machine, persisting the new state
// under optimistic lock and publishing the resulting lifecycle event (spec
// §4.4 transition). Entering StateInitializing triggers worktree acquisition
// and session start before Transition returns; each step is persisted as its
// own state update, not inside one transaction. Failure there is reported as
// an `error` event, not a raw error.
func (r *Registry) Transition(ctx context.Context, id string, event Event) (*Agent, error) {
	a, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.machine.SetState(id, a.State)

	res, err := r.machine.Transition(ctx, id, event)
	if err != nil {
		var invalid *statemachine.InvalidTransitionError[State, Event]
		if errors.As(err, &invalid) {
			return nil, &errs.InvalidTransitionError{From: string(invalid.From), Event: string(invalid.Event)}
		}
		return nil, err
	}

	err = r.applyStateChange(ctx, a, res.To)
	if err != nil {
		return nil, err
	}

	if res.To == StateInitializing {
		r.spawn(ctx, a.ID)
	}
	return a, nil
}

// applyStateChange persists the new state under optimistic lock, retrying on
// conflict up to cfg.DefaultMaxRetries times by reloading and replaying.
func (r *Registry) applyStateChange(ctx context.Context, a *Agent, to State) error {
	attempts := r.cfg.DefaultMaxRetries
	if attempts <= 0 {
		attempts = 3
	}
	for i := 0; i < attempts; i++ {
		a.State = to
		a.UpdatedAt = time.Now()
		if to == StateCompleted || to == StateKilled {
			now := time.Now()
			a.CompletedAt = &now
		}
		_, err := r.tx.UpdateWithOptimisticLock(ctx, "agents", a.ID, a.Version, func(doc any) (any, error) {
			a.Version++
			return a, nil
		})
		if err == nil {
			r.publish(ctx, fmt.Sprintf("agent.%s", to), a)
			return r.store.Replace(ctx, a)
		}
		var lockErr *errs.OptimisticLockError
		if !errors.As(err, &lockErr) {
			return err
		}
		fresh, getErr := r.store.Get(ctx, a.ID)
		if getErr != nil {
			return getErr
		}
		*a = *fresh
	}
	return fmt.Errorf("agent: update %s: exhausted optimistic-lock retries", a.ID)
}

// spawn drives an agent through worktreeReady and sessionStarted once it has
// entered initializing, acquiring an isolated working directory and
// attaching a session before committing the running state, all within the
// single logical operation spec §4.4 calls the "Scheduling rule for spawn".
// Any failure along the way drives the state machine to `error` (failed)
// with the cause recorded in LastError, rather than surfacing the error to
// the caller that triggered the initial `spawn` event.
func (r *Registry) spawn(ctx context.Context, id string) {
	fail := func(cause error) {
		a, err := r.store.Get(ctx, id)
		if err != nil {
			return
		}
		a.LastError = cause.Error()
		if _, mErr := r.machine.Transition(ctx, id, EventError); mErr != nil {
			return
		}
		_ = r.applyStateChange(ctx, a, StateFailed)
	}

	var path string
	var err error
	if r.worktree != nil {
		path, err = r.worktree.Acquire(ctx, id)
		if err != nil {
			fail(fmt.Errorf("acquire worktree: %w", err))
			return
		}
	}

	a, err := r.store.Get(ctx, id)
	if err != nil {
		return
	}
	a.WorktreePath = path

	if _, err := r.machine.Transition(ctx, id, EventWorktreeReady); err != nil {
		fail(err)
		return
	}
	if err := r.applyStateChange(ctx, a, StateSpawning); err != nil {
		return
	}

	if r.session != nil {
		if _, err := r.session.Start(ctx, id); err != nil {
			fail(fmt.Errorf("start session: %w", err))
			return
		}
	}

	if _, err := r.machine.Transition(ctx, id, EventSessionStarted); err != nil {
		fail(err)
		return
	}
	_ = r.applyStateChange(ctx, a, StateRunning)
}

// Retry resumes a failed agent if its retry budget allows (spec §4.4
// "failed is not terminal ... until retryCount = maxRetries").
func (r *Registry) Retry(ctx context.Context, id string) (*Agent, error) {
	a, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.RetryCount >= a.MaxRetries {
		return nil, fmt.Errorf("agent %s: retry budget exhausted (%d/%d)", id, a.RetryCount, a.MaxRetries)
	}
	a.RetryCount++
	if err := r.store.Replace(ctx, a); err != nil {
		return nil, err
	}
	return r.Transition(ctx, id, EventRetry)
}

// UpdateState applies patch to the agent under optimistic lock, retrying the
// whole read-modify-write on conflict (spec §4.4 updateState).
func (r *Registry) UpdateState(ctx context.Context, id string, patch func(*Agent)) (*Agent, error) {
	attempts := r.cfg.DefaultMaxRetries
	if attempts <= 0 {
		attempts = 3
	}
	for i := 0; i < attempts; i++ {
		a, err := r.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		patch(a)
		a.UpdatedAt = time.Now()
		_, err = r.tx.UpdateWithOptimisticLock(ctx, "agents", a.ID, a.Version, func(doc any) (any, error) {
			a.Version++
			return a, nil
		})
		if err == nil {
			if err := r.store.Replace(ctx, a); err != nil {
				return nil, err
			}
			return a, nil
		}
		var lockErr *errs.OptimisticLockError
		if !errors.As(err, &lockErr) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("agent: updateState %s: exhausted optimistic-lock retries", id)
}

// Find returns agents matching q (spec §4.4 find).
func (r *Registry) Find(ctx context.Context, q Query) ([]*Agent, error) {
	return r.store.Find(ctx, q)
}

// GetByID returns the agent identified by id.
func (r *Registry) GetByID(ctx context.Context, id string) (*Agent, error) {
	return r.store.Get(ctx, id)
}

// GetByTeam returns every agent referencing teamID.
func (r *Registry) GetByTeam(ctx context.Context, teamID string) ([]*Agent, error) {
	return r.store.Find(ctx, Query{TeamID: &teamID})
}

// CreateMany registers every config in one transaction; either all agents
// are created or none are (spec §4.4 "Batch operations").
func (r *Registry) CreateMany(ctx context.Context, configs []RegisterConfig) ([]*Agent, error) {
	out := make([]*Agent, 0, len(configs))
	err := r.tx.WithTransaction(ctx, func(ctx context.Context) error {
		for _, c := range configs {
			a, err := r.Register(ctx, c)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateMany applies patch to every id in one transaction.
func (r *Registry) UpdateMany(ctx context.Context, ids []string, patch func(*Agent)) error {
	return r.tx.WithTransaction(ctx, func(ctx context.Context) error {
		for _, id := range ids {
			if _, err := r.UpdateState(ctx, id, patch); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Registry) publish(ctx context.Context, topic string, a *Agent) {
	if r.bus == nil {
		return
	}
	_, _ = r.bus.Publish(ctx, topic, a)
}

var agentIDCounter uint64

func newAgentID() string {
	agentIDCounter++
	return fmt.Sprintf("agent-%d-%d", time.Now().UnixNano(), agentIDCounter)
}
