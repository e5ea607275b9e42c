// Package team implements the TeamOrchestrator described in spec §4.5: it
// owns team records, drives one of four execution strategies over a team's
// referenced agents, and handles scaling.
//
// Per spec §9's design note, strategies are a closed variant set implemented
// as a tagged enum with a dispatch function per variant rather than an open
// inheritance hierarchy. Per spec §9's "Cyclic references" note, Team stores
// only agent ids; AgentRegistry remains the sole owner of agent records.
//
// The functional-options constructor follows runtime/registry.Manager's
// NewManager(opts ...Option) idiom.
package team

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/agentctrl/controlplane/agent"
	"github.com/agentctrl/controlplane/errs"
	"github.com/agentctrl/controlplane/eventbus"
	"github.com/agentctrl/controlplane/statemachine"
	"github.com/agentctrl/controlplane/txn"
)

// Strategy is the closed variant set of team execution strategies (spec §4.5,
// frozen at creation per spec §3 Team invariant (d)).
type Strategy string

const (
	StrategyParallel  Strategy = "parallel"
	StrategyMapReduce Strategy = "map-reduce"
	StrategyPipeline  Strategy = "pipeline"
	StrategyTree      Strategy = "tree"
)

// State is the team's lifecycle state (spec §3 Team.status).
type State string

const (
	StateCreating  State = "creating"
	StateActive    State = "active"
	StateScaling   State = "scaling"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDestroyed State = "destroyed"
)

// Event drives team state transitions.
type Event string

const (
	EventActivate  Event = "activate"
	EventScale     Event = "scale"
	EventScaled    Event = "scaled"
	EventPause     Event = "pause"
	EventResume    Event = "resume"
	EventComplete  Event = "complete"
	EventFail      Event = "fail"
	EventDestroy   Event = "destroy"
)

func (s State) IsTerminal() bool { return s == StateDestroyed }

// PipelineStage describes one stage of a `pipeline` strategy team (spec §4.5).
type PipelineStage struct {
	AgentID     string
	Recoverable bool
}

// Team is the durable team record (spec §3 Team entity).
type Team struct {
	ID             string
	Name           string
	Description    string
	Strategy       Strategy
	State          State
	AgentIDs       []string
	BudgetAllocated *float64
	BudgetConsumed float64
	MaxAgents      int
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Metadata       map[string]string

	// PipelineStages is populated only for StrategyPipeline teams, one entry
	// per agent in AgentIDs order (per-strategy state lives inline in the
	// variant, per spec §9).
	PipelineStages []PipelineStage
	// MapReduceReducerAgentID names the agent that runs the reduce step for
	// StrategyMapReduce teams. Empty for other strategies.
	MapReduceReducerAgentID string
	// TreeMaxDepth records the descendant depth limit for StrategyTree teams;
	// executeTree does not read it.
	TreeMaxDepth int
}

// CreateConfig is the input to Orchestrator.CreateTeam.
type CreateConfig struct {
	Name        string
	Description string
	Strategy    Strategy
	MaxAgents   int
	Metadata    map[string]string
}

// Store persists Team records.
type Store interface {
	Insert(ctx context.Context, t *Team) error
	Get(ctx context.Context, id string) (*Team, error)
	Replace(ctx context.Context, t *Team) error
	Find(ctx context.Context) ([]*Team, error)
}

var ErrNotFound = errors.New("team: not found")

// Orchestrator implements spec §4.5's TeamOrchestrator.
type Orchestrator struct {
	store   Store
	tx      *txn.TransactionManager
	bus     *eventbus.Bus
	agents  *agent.Registry
	machine *statemachine.Machine[State, Event]
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// New constructs an Orchestrator.
func New(store Store, tx *txn.TransactionManager, bus *eventbus.Bus, agents *agent.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{store: store, tx: tx, bus: bus, agents: agents}
	o.machine = statemachine.New(definition())
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func definition() *statemachine.Definition[State, Event] {
	return statemachine.NewDefinition[State, Event](StateCreating).
		Allow(StateCreating, EventActivate, StateActive).
		Allow(StateCreating, EventFail, StateFailed).
		Allow(StateCreating, EventDestroy, StateDestroyed).
		Allow(StateActive, EventScale, StateScaling).
		Allow(StateActive, EventPause, StatePaused).
		Allow(StateActive, EventComplete, StateCompleted).
		Allow(StateActive, EventFail, StateFailed).
		Allow(StateScaling, EventScaled, StateActive).
		Allow(StateScaling, EventFail, StateFailed).
		Allow(StatePaused, EventResume, StateActive).
		Allow(StatePaused, EventDestroy, StateDestroyed).
		Allow(StateActive, EventDestroy, StateDestroyed).
		Allow(StateFailed, EventDestroy, StateDestroyed).
		Allow(StateCompleted, EventDestroy, StateDestroyed)
}

// CreateTeam allocates a team id and persists it with status=creating (spec
// §4.5 createTeam).
func (o *Orchestrator) CreateTeam(ctx context.Context, cfg CreateConfig) (*Team, error) {
	switch cfg.Strategy {
	case StrategyParallel, StrategyMapReduce, StrategyPipeline, StrategyTree:
	default:
		return nil, errs.Validation("strategy", fmt.Sprintf("unknown strategy %q", cfg.Strategy))
	}
	now := time.Now()
	t := &Team{
		ID:          newTeamID(),
		Name:        cfg.Name,
		Description: cfg.Description,
		Strategy:    cfg.Strategy,
		State:       StateCreating,
		MaxAgents:   cfg.MaxAgents,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
		Metadata:    cfg.Metadata,
	}
	if err := o.store.Insert(ctx, t); err != nil {
		return nil, err
	}
	o.machine.SetState(t.ID, StateCreating)
	o.publish(ctx, "team.created", t)
	return t, nil
}

// StartTeam transitions a team to active once its first agent is running
// (spec §3 Team lifecycle: "creating -> active (first agent running)").
func (o *Orchestrator) StartTeam(ctx context.Context, id string) (*Team, error) {
	return o.transition(ctx, id, EventActivate)
}

func (o *Orchestrator) PauseTeam(ctx context.Context, id string) (*Team, error) {
	return o.transition(ctx, id, EventPause)
}

func (o *Orchestrator) ResumeTeam(ctx context.Context, id string) (*Team, error) {
	return o.transition(ctx, id, EventResume)
}

func (o *Orchestrator) CompleteTeam(ctx context.Context, id string) (*Team, error) {
	return o.transition(ctx, id, EventComplete)
}

// DestroyTeam marks a team destroyed (terminal, spec §3 invariant (c)) and
// cascades to its child agents by killing every non-terminal one (spec §4.5
// design note "Team... destroyed after explicit delete (cascades to child
// agents)").
func (o *Orchestrator) DestroyTeam(ctx context.Context, id string) (*Team, error) {
	t, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, aid := range t.AgentIDs {
		a, err := o.agents.GetByID(ctx, aid)
		if err != nil || a.State.IsTerminal() {
			continue
		}
		_, _ = o.agents.Transition(ctx, aid, agent.EventKill)
	}
	return o.transition(ctx, id, EventDestroy)
}

func (o *Orchestrator) transition(ctx context.Context, id string, event Event) (*Team, error) {
	t, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	o.machine.SetState(id, t.State)
	res, err := o.machine.Transition(ctx, id, event)
	if err != nil {
		var invalid *statemachine.InvalidTransitionError[State, Event]
		if errors.As(err, &invalid) {
			return nil, &errs.InvalidTransitionError{From: string(invalid.From), Event: string(invalid.Event)}
		}
		return nil, err
	}
	t.State = res.To
	t.UpdatedAt = time.Now()
	t.Version++
	if err := o.store.Replace(ctx, t); err != nil {
		return nil, err
	}
	o.publish(ctx, fmt.Sprintf("team.%s", res.To), t)
	return t, nil
}

// AddAgent registers agentID with the team (spec §4.5 addAgent), enforcing
// the max-agents invariant (spec §3 Team invariant (b)).
func (o *Orchestrator) AddAgent(ctx context.Context, teamID, agentID string) (*Team, error) {
	t, err := o.store.Get(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if t.MaxAgents > 0 && len(t.AgentIDs) >= t.MaxAgents {
		return nil, errs.Validation("agentIds", fmt.Sprintf("team %s already has max-agents (%d)", teamID, t.MaxAgents))
	}
	t.AgentIDs = append(t.AgentIDs, agentID)
	t.Version++
	t.UpdatedAt = time.Now()
	if err := o.store.Replace(ctx, t); err != nil {
		return nil, err
	}
	o.publish(ctx, "team.agentAdded", map[string]string{"teamId": teamID, "agentId": agentID})
	return t, nil
}

// RemoveAgent drops agentID's reference from the team (the agent record
// itself is untouched; AgentRegistry remains the sole owner).
func (o *Orchestrator) RemoveAgent(ctx context.Context, teamID, agentID string) (*Team, error) {
	t, err := o.store.Get(ctx, teamID)
	if err != nil {
		return nil, err
	}
	out := t.AgentIDs[:0]
	for _, id := range t.AgentIDs {
		if id != agentID {
			out = append(out, id)
		}
	}
	t.AgentIDs = out
	t.Version++
	t.UpdatedAt = time.Now()
	if err := o.store.Replace(ctx, t); err != nil {
		return nil, err
	}
	o.publish(ctx, "team.agentRemoved", map[string]string{"teamId": teamID, "agentId": agentID})
	return t, nil
}

// scaleCandidate ranks an agent for termination selection (spec §4.5
// scaleTeam priority: (1) idle>running, (2) higher retry-count first, (3)
// oldest spawned-at).
type scaleCandidate struct {
	id         string
	idle       bool
	retryCount int
	spawnedAt  time.Time
}

// ScaleTeam computes delta = target - currentActive and spawns or terminates
// agents to reach it (spec §4.5 scaleTeam).
func (o *Orchestrator) ScaleTeam(ctx context.Context, teamID string, target int) (*Team, error) {
	t, err := o.store.Get(ctx, teamID)
	if err != nil {
		return nil, err
	}
	previous := len(t.AgentIDs)
	delta := target - previous

	if _, err := o.transition(ctx, teamID, EventScale); err != nil {
		return nil, err
	}

	if delta > 0 {
		room := delta
		if t.MaxAgents > 0 {
			if room > t.MaxAgents-previous {
				room = t.MaxAgents - previous
			}
		}
		for i := 0; i < room; i++ {
			a, err := o.agents.Register(ctx, agent.RegisterConfig{TeamID: &teamID})
			if err != nil {
				return nil, err
			}
			if _, err := o.AddAgent(ctx, teamID, a.ID); err != nil {
				return nil, err
			}
		}
	} else if delta < 0 {
		victims, err := o.selectTerminationCandidates(ctx, t, -delta)
		if err != nil {
			return nil, err
		}
		for _, v := range victims {
			_, _ = o.agents.Transition(ctx, v, agent.EventKill)
			if _, err := o.RemoveAgent(ctx, teamID, v); err != nil {
				return nil, err
			}
		}
	}

	t, err = o.store.Get(ctx, teamID)
	if err != nil {
		return nil, err
	}
	final, err := o.transition(ctx, teamID, EventScaled)
	if err != nil {
		return nil, err
	}
	o.publish(ctx, "team.scaled", map[string]any{"teamId": teamID, "previous": previous, "new": len(final.AgentIDs)})
	return final, nil
}

func (o *Orchestrator) selectTerminationCandidates(ctx context.Context, t *Team, count int) ([]string, error) {
	candidates := make([]scaleCandidate, 0, len(t.AgentIDs))
	for _, id := range t.AgentIDs {
		a, err := o.agents.GetByID(ctx, id)
		if err != nil {
			continue
		}
		spawnedAt := a.CreatedAt
		if a.SpawnedAt != nil {
			spawnedAt = *a.SpawnedAt
		}
		candidates = append(candidates, scaleCandidate{
			id:         id,
			idle:       a.State == agent.StatePending || a.State == agent.StatePaused,
			retryCount: a.RetryCount,
			spawnedAt:  spawnedAt,
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if ci.idle != cj.idle {
			return ci.idle // idle first
		}
		if ci.retryCount != cj.retryCount {
			return ci.retryCount > cj.retryCount // higher retry-count first
		}
		return ci.spawnedAt.Before(cj.spawnedAt) // oldest first
	})
	if count > len(candidates) {
		count = len(candidates)
	}
	out := make([]string, count)
	for i := 0; i < count; i++ {
		out[i] = candidates[i].id
	}
	return out, nil
}

func (o *Orchestrator) publish(ctx context.Context, topic string, payload any) {
	if o.bus == nil {
		return
	}
	_, _ = o.bus.Publish(ctx, topic, payload)
}

var teamIDCounter uint64

func newTeamID() string {
	teamIDCounter++
	return fmt.Sprintf("team-%d-%d", time.Now().UnixNano(), teamIDCounter)
}
