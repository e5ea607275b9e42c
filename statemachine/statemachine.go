// Package statemachine implements the generic entity state-transition kernel
// described in spec §4.3: a table-driven machine parameterized by a state
// type S and an event type E, with per-state onEntry/onExit side effects and
// per-entity serialization so concurrent transitions on the same entity id
// never interleave.
//
// No third-party library in the example pack offers a transition kernel;
// this is built fresh in the teacher's idiom (functional options, table-driven
// dispatch) on top of stdlib sync primitives only.
package statemachine

import (
	"context"
	"fmt"
	"sync"
)

// Hook is a side-effecting callback run on exit from, or entry to, a state.
// Hooks must be idempotent: the machine may re-invoke onEntry during crash
// recovery (spec §4.3).
type Hook[S comparable] func(ctx context.Context, entityID string, state S) error

// transition describes one legal (state, event) -> state edge.
type transition[S comparable, E comparable] struct {
	to S
}

// Definition configures a Machine: the initial state and, per state, the set
// of legal outgoing transitions plus onEntry/onExit hooks.
type Definition[S comparable, E comparable] struct {
	Initial S

	transitions map[S]map[E]transition[S, E]
	onEnter     map[S][]Hook[S]
	onExit      map[S][]Hook[S]
}

// NewDefinition returns an empty Definition with the given initial state.
func NewDefinition[S comparable, E comparable](initial S) *Definition[S, E] {
	return &Definition[S, E]{
		Initial:     initial,
		transitions: make(map[S]map[E]transition[S, E]),
		onEnter:     make(map[S][]Hook[S]),
		onExit:      make(map[S][]Hook[S]),
	}
}

// Allow registers a legal (from, event) -> to edge.
func (d *Definition[S, E]) Allow(from S, event E, to S) *Definition[S, E] {
	m, ok := d.transitions[from]
	if !ok {
		m = make(map[E]transition[S, E])
		d.transitions[from] = m
	}
	m[event] = transition[S, E]{to: to}
	return d
}

// OnEnter registers a hook invoked for a transition into state s before the
// machine commits it; a hook error rolls the transition back.
func (d *Definition[S, E]) OnEnter(s S, hook Hook[S]) *Definition[S, E] {
	d.onEnter[s] = append(d.onEnter[s], hook)
	return d
}

// OnExit registers a hook invoked before the machine commits a transition out
// of state s.
func (d *Definition[S, E]) OnExit(s S, hook Hook[S]) *Definition[S, E] {
	d.onExit[s] = append(d.onExit[s], hook)
	return d
}

// CanTransition reports whether event is legal from state s, and if so the
// resulting state.
func (d *Definition[S, E]) CanTransition(s S, event E) (S, bool) {
	m, ok := d.transitions[s]
	if !ok {
		var zero S
		return zero, false
	}
	t, ok := m[event]
	return t.to, ok
}

// InvalidTransitionError is returned when event is not legal from the
// entity's current state. No state change occurs and no side effects run.
type InvalidTransitionError[S comparable, E comparable] struct {
	EntityID string
	From     S
	Event    E
}

func (e *InvalidTransitionError[S, E]) Error() string {
	return fmt.Sprintf("statemachine: entity %q: event %v not valid from state %v", e.EntityID, e.Event, e.From)
}

// Result is returned by Machine.Transition on success.
type Result[S comparable] struct {
	From S
	To   S
}

// Machine executes transitions for many entities against one Definition,
// serializing concurrent transitions on the same entity id via a striped
// lock map (spec §5 "per-entity serialization").
type Machine[S comparable, E comparable] struct {
	def *Definition[S, E]

	mu     sync.Mutex
	states map[string]S
	locks  map[string]*sync.Mutex
}

// New constructs a Machine from a Definition. The Definition should be fully
// configured (via Allow/OnEnter/OnExit) before first use; Machine does not
// copy it defensively.
func New[S comparable, E comparable](def *Definition[S, E]) *Machine[S, E] {
	return &Machine[S, E]{
		def:    def,
		states: make(map[string]S),
		locks:  make(map[string]*sync.Mutex),
	}
}

// State returns the entity's current state, creating it at Definition.Initial
// if unseen.
func (m *Machine[S, E]) State(entityID string) S {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[entityID]
	if !ok {
		s = m.def.Initial
		m.states[entityID] = s
	}
	return s
}

// SetState forces the entity into state s without running transition
// validation or hooks. Used to rehydrate a Machine from a durable store
// record (the store, not the Machine, is the system of record).
func (m *Machine[S, E]) SetState(entityID string, s S) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[entityID] = s
}

// Transition applies event to the entity identified by entityID. Concurrent
// calls for the same entityID are serialized; calls for different entities
// proceed independently. If event is not legal from the entity's current
// state, returns *InvalidTransitionError and neither the state nor any hook
// runs. If onExit or onEnter returns an error, the transition rolls back
// (state unchanged) and the error is returned unwrapped.
func (m *Machine[S, E]) Transition(ctx context.Context, entityID string, event E) (Result[S], error) {
	lock := m.lockFor(entityID)
	lock.Lock()
	defer lock.Unlock()

	from := m.State(entityID)
	to, ok := m.def.CanTransition(from, event)
	if !ok {
		return Result[S]{}, &InvalidTransitionError[S, E]{EntityID: entityID, From: from, Event: event}
	}

	// Both hooks run before the state change commits so that a failure in
	// either leaves the entity's state untouched (spec §4.3). onEntry hooks
	// must still be idempotent: crash recovery may re-invoke them after the
	// state has in fact committed in the durable store.
	for _, hook := range m.def.onExit[from] {
		if err := hook(ctx, entityID, from); err != nil {
			return Result[S]{}, err
		}
	}
	for _, hook := range m.def.onEnter[to] {
		if err := hook(ctx, entityID, to); err != nil {
			return Result[S]{}, err
		}
	}

	m.mu.Lock()
	m.states[entityID] = to
	m.mu.Unlock()

	return Result[S]{From: from, To: to}, nil
}

func (m *Machine[S, E]) lockFor(entityID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[entityID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[entityID] = l
	}
	return l
}
