// Package supervisor implements spec §4.10's autonomic loop: declared
// alert rules evaluated on a periodic tick, each firing a policy action
// and then entering a cooldown, grounded on features/policy/basic's
// allow/block rule-filtering idiom generalized from tool selection to
// cluster/team control actions.
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentctrl/controlplane/config"
	"github.com/agentctrl/controlplane/eventbus"
)

// TriggerKind is the tagged-enum discriminator for a Rule's Trigger.
type TriggerKind string

const (
	TriggerThreshold TriggerKind = "threshold"
	TriggerAlert     TriggerKind = "alert"
	TriggerCron      TriggerKind = "cron"
)

// Trigger conditions a Rule's evaluation (spec §4.10 "trigger").
type Trigger struct {
	Kind TriggerKind

	// Threshold fields.
	Metric   string
	Operator string // one of ==, !=, >, <, >=, <=
	Value    float64

	// Alert fields.
	AlertID string

	// Cron fields: standard 5-field "minute hour dom month dow" expression.
	Cron string
}

// ActionKind is the tagged-enum discriminator for a Rule's Action (spec
// §4.10 "scale-up, scale-down, restart, rebalance, notify").
type ActionKind string

const (
	ActionScaleUp   ActionKind = "scale-up"
	ActionScaleDown ActionKind = "scale-down"
	ActionRestart   ActionKind = "restart"
	ActionRebalance ActionKind = "rebalance"
	ActionNotify    ActionKind = "notify"
)

// Action is the policy action a Rule executes once its trigger fires.
type Action struct {
	Kind   ActionKind
	Target string
	Params map[string]any
}

// Rule is one declared autonomic-loop rule (spec §4.10 "{trigger, action,
// cooldown}").
type Rule struct {
	ID       string
	Priority int
	Trigger  Trigger
	Action   Action
	Cooldown time.Duration
}

// Snapshot is the tick's view of the world a Supervisor evaluates rules
// against.
type Snapshot struct {
	Metrics     map[string]float64
	FiredAlerts map[string]bool
	Now         time.Time
}

// ActionExecutor performs a Rule's Action against the rest of the control
// plane (TeamOrchestrator scale, AgentRegistry restart, FederationRouter
// rebalance, a notification sink). Kept as the opaque execution seam, the
// same shape as team.TaskExecutor.
type ActionExecutor interface {
	Execute(ctx context.Context, action Action) error
}

// Supervisor implements spec §4.10's autonomic loop.
type Supervisor struct {
	mu        sync.Mutex
	rules     map[string]Rule
	lastFired map[string]time.Time
	executor  ActionExecutor
	bus       *eventbus.Bus
	now       func() time.Time
	tick      time.Duration
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock overrides the supervisor's clock for deterministic tests.
func WithClock(fn func() time.Time) Option { return func(s *Supervisor) { s.now = fn } }

// New constructs a Supervisor.
func New(executor ActionExecutor, bus *eventbus.Bus, cfg config.Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		rules:     make(map[string]Rule),
		lastFired: make(map[string]time.Time),
		executor:  executor,
		bus:       bus,
		now:       time.Now,
		tick:      cfg.SupervisorTick,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// TickInterval reports the configured evaluation period (spec §4.10
// "periodic tick (default 15s)").
func (s *Supervisor) TickInterval() time.Duration { return s.tick }

var ErrUnknownTriggerKind = fmt.Errorf("supervisor: unknown trigger kind")
var ErrUnknownActionKind = fmt.Errorf("supervisor: unknown action kind")
var ErrRuleExists = fmt.Errorf("supervisor: rule id already registered")

// AddRule registers a rule, rejecting unknown trigger/action kinds and
// duplicate rule ids up front (spec §4.10's named trigger/action taxonomy).
func (s *Supervisor) AddRule(r Rule) error {
	switch r.Trigger.Kind {
	case TriggerThreshold, TriggerAlert, TriggerCron:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTriggerKind, r.Trigger.Kind)
	}
	switch r.Action.Kind {
	case ActionScaleUp, ActionScaleDown, ActionRestart, ActionRebalance, ActionNotify:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownActionKind, r.Action.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rules[r.ID]; exists {
		return fmt.Errorf("%w: %s", ErrRuleExists, r.ID)
	}
	s.rules[r.ID] = r
	return nil
}

// RemoveRule unregisters a rule, if present.
func (s *Supervisor) RemoveRule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, id)
	delete(s.lastFired, id)
}

// Tick evaluates every registered rule against snapshot, in configured
// priority then rule-id order (spec §4.10 "Rule evaluation order is
// configured priority, then rule id for determinism"), executing the
// action of every rule whose trigger matches and is not muted by a prior
// cooldown. Returns the ids of rules that fired.
func (s *Supervisor) Tick(ctx context.Context, snapshot Snapshot) ([]string, error) {
	if snapshot.Now.IsZero() {
		snapshot.Now = s.now()
	}

	ordered := s.orderedRules()

	var fired []string
	for _, r := range ordered {
		s.mu.Lock()
		last, onCooldown := s.lastFired[r.ID]
		s.mu.Unlock()
		if onCooldown && snapshot.Now.Sub(last) < r.Cooldown {
			continue
		}
		if !matches(r.Trigger, snapshot) {
			continue
		}

		if err := s.executor.Execute(ctx, r.Action); err != nil {
			s.publish(ctx, "supervisor.rule.failed", map[string]string{"ruleId": r.ID, "error": err.Error()})
			continue
		}

		s.mu.Lock()
		s.lastFired[r.ID] = snapshot.Now
		s.mu.Unlock()
		fired = append(fired, r.ID)
		s.publish(ctx, "supervisor.rule.fired", map[string]string{"ruleId": r.ID, "action": string(r.Action.Kind)})
	}
	return fired, nil
}

func (s *Supervisor) orderedRules() []Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	ordered := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})
	return ordered
}

func matches(t Trigger, snapshot Snapshot) bool {
	switch t.Kind {
	case TriggerThreshold:
		v, ok := snapshot.Metrics[t.Metric]
		if !ok {
			return false
		}
		return compareThreshold(v, t.Operator, t.Value)
	case TriggerAlert:
		return snapshot.FiredAlerts[t.AlertID]
	case TriggerCron:
		return matchesCron(t.Cron, snapshot.Now)
	default:
		return false
	}
}

func compareThreshold(v float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case "<":
		return v < threshold
	case ">=":
		return v >= threshold
	case "<=":
		return v <= threshold
	case "==":
		return v == threshold
	case "!=":
		return v != threshold
	default:
		return false
	}
}

func (s *Supervisor) publish(ctx context.Context, topic string, payload any) {
	if s.bus == nil {
		return
	}
	_, _ = s.bus.Publish(ctx, topic, payload)
}
