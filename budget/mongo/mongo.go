// Package mongo backs budget.Store with MongoDB, mirroring agent/mongo's
// shape: one document per budget entity, keyed by _id=entityID.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/agentctrl/controlplane/budget"
)

const defaultOpTimeout = 10 * time.Second

const collectionBudgets = "budgets"

// Options configures the Mongo-backed Store.
type Options struct {
	Client   *mongodriver.Client
	Database string
	Timeout  time.Duration
}

// Store implements budget.Store against a MongoDB deployment.
type Store struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

// New returns a budget.Store backed by MongoDB.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("budget/mongo: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("budget/mongo: database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	return &Store{coll: db.Collection(collectionBudgets), timeout: timeout}, nil
}

var _ budget.Store = (*Store)(nil)

type doc struct {
	EntityID      string     `bson:"_id"`
	ParentID      *string    `bson:"parentId,omitempty"`
	Total         float64    `bson:"total"`
	Consumed      float64    `bson:"consumed"`
	PeriodStart   time.Time  `bson:"periodStart"`
	PeriodEnd     *time.Time `bson:"periodEnd,omitempty"`
	Currency      string     `bson:"currency"`
	Version       int64      `bson:"version"`
	WarningFired  bool       `bson:"warningFired"`
	CriticalFired bool       `bson:"criticalFired"`
	CreatedAt     time.Time  `bson:"createdAt"`
	UpdatedAt     time.Time  `bson:"updatedAt"`
}

func fromBudget(b *budget.Budget) doc {
	return doc{
		EntityID:      b.EntityID,
		ParentID:      b.ParentID,
		Total:         b.Total,
		Consumed:      b.Consumed,
		PeriodStart:   b.PeriodStart,
		PeriodEnd:     b.PeriodEnd,
		Currency:      b.Currency,
		Version:       b.Version,
		WarningFired:  b.WarningFired,
		CriticalFired: b.CriticalFired,
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}
}

func (d doc) toBudget() *budget.Budget {
	return &budget.Budget{
		EntityID:      d.EntityID,
		ParentID:      d.ParentID,
		Total:         d.Total,
		Consumed:      d.Consumed,
		PeriodStart:   d.PeriodStart,
		PeriodEnd:     d.PeriodEnd,
		Currency:      d.Currency,
		Version:       d.Version,
		WarningFired:  d.WarningFired,
		CriticalFired: d.CriticalFired,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

func (s *Store) Insert(ctx context.Context, b *budget.Budget) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.coll.InsertOne(ctx, fromBudget(b)); err != nil {
		return fmt.Errorf("budget/mongo: insert %s: %w", b.EntityID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, entityID string) (*budget.Budget, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var d doc
	if err := s.coll.FindOne(ctx, bson.M{"_id": entityID}).Decode(&d); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, budget.ErrNotFound
		}
		return nil, fmt.Errorf("budget/mongo: get %s: %w", entityID, err)
	}
	return d.toBudget(), nil
}

func (s *Store) Replace(ctx context.Context, b *budget.Budget) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": b.EntityID}, fromBudget(b))
	if err != nil {
		return fmt.Errorf("budget/mongo: replace %s: %w", b.EntityID, err)
	}
	if res.MatchedCount == 0 {
		return budget.ErrNotFound
	}
	return nil
}
