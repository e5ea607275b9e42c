// Package budget implements spec §4.7's BudgetManager: hierarchical
// atomic consume across an entity's ancestor chain (agent → team → project
// → organization), with threshold alerts fired exactly once per crossing.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentctrl/controlplane/config"
	"github.com/agentctrl/controlplane/errs"
	"github.com/agentctrl/controlplane/eventbus"
	"github.com/agentctrl/controlplane/txn"
)

// Budget is the durable budget record bound to one entity (spec §3 Budget
// entity).
type Budget struct {
	EntityID    string
	ParentID    *string
	Total       float64
	Consumed    float64
	PeriodStart time.Time
	PeriodEnd   *time.Time
	Currency    string
	Version     int64

	// WarningFired/CriticalFired track whether the 75%/90% alerts have
	// already been emitted for the current period, enforcing
	// exactly-once-per-crossing (spec §4.7, §8 property around the
	// exact-0.90 boundary).
	WarningFired  bool
	CriticalFired bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Remaining returns the budget's unspent balance.
func (b *Budget) Remaining() float64 { return b.Total - b.Consumed }

// Store persists Budget records, one row per entity.
type Store interface {
	Insert(ctx context.Context, b *Budget) error
	Get(ctx context.Context, entityID string) (*Budget, error)
	Replace(ctx context.Context, b *Budget) error
}

var ErrNotFound = errors.New("budget: not found")

// Manager implements spec §4.7's BudgetManager.
type Manager struct {
	store             Store
	tx                *txn.TransactionManager
	bus               *eventbus.Bus
	warningThreshold  float64
	criticalThreshold float64
}

// Option configures a Manager.
type Option func(*Manager)

// New constructs a Manager, applying cfg's warning/critical thresholds
// (spec §6 `budget.warningThreshold`/`budget.criticalThreshold`).
func New(store Store, tx *txn.TransactionManager, bus *eventbus.Bus, cfg config.Config, opts ...Option) *Manager {
	m := &Manager{
		store:             store,
		tx:                tx,
		bus:               bus,
		warningThreshold:  cfg.BudgetWarningThreshold,
		criticalThreshold: cfg.BudgetCriticalThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// CreateBudget allocates a new budget row, optionally chained to a parent
// entity (spec §4.7 "parent chain").
func (m *Manager) CreateBudget(ctx context.Context, entityID string, parentID *string, total float64, currency string, periodEnd *time.Time) (*Budget, error) {
	now := time.Now()
	b := &Budget{
		EntityID:    entityID,
		ParentID:    parentID,
		Total:       total,
		Currency:    currency,
		PeriodStart: now,
		PeriodEnd:   periodEnd,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.Insert(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// chain walks entityID up through ParentID, returning the full ancestor
// list starting with entityID itself (spec §4.7 "checks each ancestor's
// remaining budget").
func (m *Manager) chain(ctx context.Context, entityID string) ([]*Budget, error) {
	var out []*Budget
	seen := map[string]bool{}
	id := entityID
	for id != "" {
		if seen[id] {
			return nil, fmt.Errorf("budget: cycle detected in parent chain at %q", id)
		}
		seen[id] = true
		b, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
		if b.ParentID == nil {
			break
		}
		id = *b.ParentID
	}
	return out, nil
}

// Consume atomically debits amount from entityID and every ancestor in its
// chain (spec §4.7 `consume`): if any level cannot afford it, none are
// debited and the call fails with a distinguished BudgetExceededError
// naming the level that rejected it.
func (m *Manager) Consume(ctx context.Context, entityID string, amount float64) error {
	var fired []thresholdCrossing

	err := m.tx.WithTransaction(ctx, func(ctx context.Context) error {
		chain, err := m.chain(ctx, entityID)
		if err != nil {
			return err
		}
		for _, b := range chain {
			if b.Consumed+amount > b.Total {
				return &errs.BudgetExceededError{Level: b.EntityID}
			}
		}
		fired = nil
		for _, b := range chain {
			b.Consumed += amount
			b.UpdatedAt = time.Now()
			b.Version++
			for _, crossing := range evaluateThresholds(b, m.warningThreshold, m.criticalThreshold) {
				fired = append(fired, thresholdCrossing{entityID: b.EntityID, kind: crossing})
			}
			if err := m.store.Replace(ctx, b); err != nil {
				return err
			}
		}
		return nil
	}, txn.TxOptions{Isolation: config.IsolationSerializable})
	if err != nil {
		return err
	}

	for _, c := range fired {
		topic := "budget.warning"
		if c.kind == criticalCrossing {
			topic = "budget.critical"
		}
		m.publish(ctx, topic, map[string]string{"entityId": c.entityID})
	}
	return nil
}

type crossingKind int

const (
	noCrossing crossingKind = iota
	warningCrossing
	criticalCrossing
)

type thresholdCrossing struct {
	entityID string
	kind     crossingKind
}

// evaluateThresholds flips WarningFired/CriticalFired the first time
// consumed/total crosses each configured ratio, returning every alert that
// fires for this debit (warning before critical), each exactly once.
func evaluateThresholds(b *Budget, warningThreshold, criticalThreshold float64) []crossingKind {
	if b.Total <= 0 {
		return nil
	}
	ratio := b.Consumed / b.Total
	var crossings []crossingKind
	if !b.WarningFired && ratio >= warningThreshold {
		b.WarningFired = true
		crossings = append(crossings, warningCrossing)
	}
	if !b.CriticalFired && ratio >= criticalThreshold {
		b.CriticalFired = true
		crossings = append(crossings, criticalCrossing)
	}
	return crossings
}

// ResetPeriod starts a new accounting period for entityID: consumed and the
// alert-fired flags reset, total carries over.
func (m *Manager) ResetPeriod(ctx context.Context, entityID string, periodEnd *time.Time) (*Budget, error) {
	b, err := m.store.Get(ctx, entityID)
	if err != nil {
		return nil, err
	}
	b.Consumed = 0
	b.WarningFired = false
	b.CriticalFired = false
	b.PeriodStart = time.Now()
	b.PeriodEnd = periodEnd
	b.UpdatedAt = time.Now()
	b.Version++
	if err := m.store.Replace(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// GetBudget returns entityID's current budget row.
func (m *Manager) GetBudget(ctx context.Context, entityID string) (*Budget, error) {
	return m.store.Get(ctx, entityID)
}

func (m *Manager) publish(ctx context.Context, topic string, payload any) {
	if m.bus == nil {
		return
	}
	_, _ = m.bus.Publish(ctx, topic, payload)
}
