// Package mongo backs team.Store with MongoDB, mirroring agent/mongo's
// shape: one document per team, keyed by _id=team.ID.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/agentctrl/controlplane/team"
)

const defaultOpTimeout = 10 * time.Second

const collectionTeams = "teams"

// Options configures the Mongo-backed Store.
type Options struct {
	Client   *mongodriver.Client
	Database string
	Timeout  time.Duration
}

// Store implements team.Store against a MongoDB deployment.
type Store struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

// New returns a team.Store backed by MongoDB.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("team/mongo: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("team/mongo: database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	return &Store{coll: db.Collection(collectionTeams), timeout: timeout}, nil
}

var _ team.Store = (*Store)(nil)

type doc struct {
	ID                      string               `bson:"_id"`
	Name                    string               `bson:"name"`
	Description             string               `bson:"description,omitempty"`
	Strategy                string               `bson:"strategy"`
	State                   string               `bson:"state"`
	AgentIDs                []string             `bson:"agentIds"`
	BudgetAllocated         *float64             `bson:"budgetAllocated,omitempty"`
	BudgetConsumed          float64              `bson:"budgetConsumed"`
	MaxAgents               int                  `bson:"maxAgents"`
	Version                 int64                `bson:"version"`
	CreatedAt               time.Time            `bson:"createdAt"`
	UpdatedAt               time.Time            `bson:"updatedAt"`
	Metadata                map[string]string    `bson:"metadata,omitempty"`
	PipelineStages          []team.PipelineStage `bson:"pipelineStages,omitempty"`
	MapReduceReducerAgentID string               `bson:"mapReduceReducerAgentId,omitempty"`
}

func fromTeam(t *team.Team) doc {
	return doc{
		ID:                      t.ID,
		Name:                    t.Name,
		Description:             t.Description,
		Strategy:                string(t.Strategy),
		State:                   string(t.State),
		AgentIDs:                t.AgentIDs,
		BudgetAllocated:         t.BudgetAllocated,
		BudgetConsumed:          t.BudgetConsumed,
		MaxAgents:               t.MaxAgents,
		Version:                 t.Version,
		CreatedAt:               t.CreatedAt,
		UpdatedAt:               t.UpdatedAt,
		Metadata:                t.Metadata,
		PipelineStages:          t.PipelineStages,
		MapReduceReducerAgentID: t.MapReduceReducerAgentID,
	}
}

func (d doc) toTeam() *team.Team {
	return &team.Team{
		ID:                      d.ID,
		Name:                    d.Name,
		Description:             d.Description,
		Strategy:                team.Strategy(d.Strategy),
		State:                   team.State(d.State),
		AgentIDs:                d.AgentIDs,
		BudgetAllocated:         d.BudgetAllocated,
		BudgetConsumed:          d.BudgetConsumed,
		MaxAgents:               d.MaxAgents,
		Version:                 d.Version,
		CreatedAt:               d.CreatedAt,
		UpdatedAt:               d.UpdatedAt,
		Metadata:                d.Metadata,
		PipelineStages:          d.PipelineStages,
		MapReduceReducerAgentID: d.MapReduceReducerAgentID,
	}
}

func (s *Store) Insert(ctx context.Context, t *team.Team) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.coll.InsertOne(ctx, fromTeam(t)); err != nil {
		return fmt.Errorf("team/mongo: insert %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*team.Team, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var d doc
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, team.ErrNotFound
		}
		return nil, fmt.Errorf("team/mongo: get %s: %w", id, err)
	}
	return d.toTeam(), nil
}

func (s *Store) Replace(ctx context.Context, t *team.Team) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": t.ID}, fromTeam(t))
	if err != nil {
		return fmt.Errorf("team/mongo: replace %s: %w", t.ID, err)
	}
	if res.MatchedCount == 0 {
		return team.ErrNotFound
	}
	return nil
}

func (s *Store) Find(ctx context.Context) ([]*team.Team, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("team/mongo: find: %w", err)
	}
	defer cur.Close(ctx)

	var out []*team.Team
	for cur.Next(ctx) {
		var d doc
		if err := cur.Decode(&d); err != nil {
			return nil, fmt.Errorf("team/mongo: decode: %w", err)
		}
		out = append(out, d.toTeam())
	}
	return out, cur.Err()
}
