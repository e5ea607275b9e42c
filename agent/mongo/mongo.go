// Package mongo backs agent.Store with MongoDB, following the same
// Options-struct-plus-narrow-collection idiom as txn/mongo, the module's
// first Mongo-backed store. Agent records are stored one document per
// agent, keyed by _id=agent.ID; Find's cursor is the agent id itself,
// ordered ascending, matching pagination's opaque forward-cursor contract.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/agentctrl/controlplane/agent"
	"github.com/agentctrl/controlplane/pagination"
)

const defaultOpTimeout = 10 * time.Second

const collectionAgents = "agents"

// Options configures the Mongo-backed Store.
type Options struct {
	Client   *mongodriver.Client
	Database string
	Timeout  time.Duration
}

// Store implements agent.Store against a MongoDB deployment.
type Store struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

// New returns an agent.Store backed by MongoDB.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("agent/mongo: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("agent/mongo: database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	return &Store{coll: db.Collection(collectionAgents), timeout: timeout}, nil
}

var _ agent.Store = (*Store)(nil)

type doc struct {
	ID             string     `bson:"_id"`
	TeamID         *string    `bson:"teamId,omitempty"`
	Model          string     `bson:"model"`
	Task           string     `bson:"task"`
	State          string     `bson:"state"`
	RetryCount     int        `bson:"retryCount"`
	MaxRetries     int        `bson:"maxRetries"`
	Version        int64      `bson:"version"`
	SpawnedAt      *time.Time `bson:"spawnedAt,omitempty"`
	CompletedAt    *time.Time `bson:"completedAt,omitempty"`
	LastError      string     `bson:"lastError,omitempty"`
	WorktreePath   string     `bson:"worktreePath,omitempty"`
	BudgetConsumed float64    `bson:"budgetConsumed"`
	CreatedAt      time.Time  `bson:"createdAt"`
	UpdatedAt      time.Time  `bson:"updatedAt"`
}

func fromAgent(a *agent.Agent) doc {
	return doc{
		ID:             a.ID,
		TeamID:         a.TeamID,
		Model:          a.Model,
		Task:           a.Task,
		State:          string(a.State),
		RetryCount:     a.RetryCount,
		MaxRetries:     a.MaxRetries,
		Version:        a.Version,
		SpawnedAt:      a.SpawnedAt,
		CompletedAt:    a.CompletedAt,
		LastError:      a.LastError,
		WorktreePath:   a.WorktreePath,
		BudgetConsumed: a.BudgetConsumed,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

func (d doc) toAgent() *agent.Agent {
	return &agent.Agent{
		ID:             d.ID,
		TeamID:         d.TeamID,
		Model:          d.Model,
		Task:           d.Task,
		State:          agent.State(d.State),
		RetryCount:     d.RetryCount,
		MaxRetries:     d.MaxRetries,
		Version:        d.Version,
		SpawnedAt:      d.SpawnedAt,
		CompletedAt:    d.CompletedAt,
		LastError:      d.LastError,
		WorktreePath:   d.WorktreePath,
		BudgetConsumed: d.BudgetConsumed,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func (s *Store) Insert(ctx context.Context, a *agent.Agent) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.coll.InsertOne(ctx, fromAgent(a))
	if err != nil {
		return fmt.Errorf("agent/mongo: insert %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*agent.Agent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var d doc
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, agent.ErrNotFound
		}
		return nil, fmt.Errorf("agent/mongo: get %s: %w", id, err)
	}
	return d.toAgent(), nil
}

// Replace overwrites the full document. Registry serializes mutation
// through txn.TransactionManager.UpdateWithOptimisticLock; this method
// itself performs no version check.
func (s *Store) Replace(ctx context.Context, a *agent.Agent) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": a.ID}, fromAgent(a))
	if err != nil {
		return fmt.Errorf("agent/mongo: replace %s: %w", a.ID, err)
	}
	if res.MatchedCount == 0 {
		return agent.ErrNotFound
	}
	return nil
}

func (s *Store) Find(ctx context.Context, q agent.Query) ([]*agent.Agent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	filter := bson.M{}
	if q.TeamID != nil {
		filter["teamId"] = *q.TeamID
	}
	if q.State != nil {
		filter["state"] = string(*q.State)
	}
	after, err := pagination.Decode(q.Cursor)
	if err != nil {
		return nil, err
	}
	if after != "" {
		filter["_id"] = bson.M{"$gt": after}
	}

	limit := int64(pagination.Query{Limit: q.Limit}.EffectiveLimit(100))
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(limit)
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("agent/mongo: find: %w", err)
	}
	defer cur.Close(ctx)

	var out []*agent.Agent
	for cur.Next(ctx) {
		var d doc
		if err := cur.Decode(&d); err != nil {
			return nil, fmt.Errorf("agent/mongo: decode: %w", err)
		}
		out = append(out, d.toAgent())
	}
	return out, cur.Err()
}

func (s *Store) TeamExistsNonTerminal(ctx context.Context, teamID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.coll.CountDocuments(ctx, bson.M{
		"teamId": teamID,
		"state":  bson.M{"$nin": []string{string(agent.StateCompleted), string(agent.StateKilled)}},
	}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("agent/mongo: team exists check %s: %w", teamID, err)
	}
	return n > 0, nil
}
