// Package mongo backs federation.Store and federation.AffinityStore with
// MongoDB, mirroring agent/mongo's shape. Clusters are one document per
// cluster (_id=cluster.ID); affinities are one document per session
// (_id=sessionID) with a TTL index expected on expiresAt so expired rows
// self-evict (spec §4.8 routing step 4's bounded-lifetime affinity).
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/agentctrl/controlplane/federation"
)

const defaultOpTimeout = 10 * time.Second

const (
	collectionClusters   = "clusters"
	collectionAffinities = "cluster_affinities"
)

// Options configures the Mongo-backed stores.
type Options struct {
	Client   *mongodriver.Client
	Database string
	Timeout  time.Duration
}

// ClusterStore implements federation.Store against a MongoDB deployment.
type ClusterStore struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

// NewClusterStore returns a federation.Store backed by MongoDB.
func NewClusterStore(opts Options) (*ClusterStore, error) {
	coll, timeout, err := open(opts, collectionClusters)
	if err != nil {
		return nil, err
	}
	return &ClusterStore{coll: coll, timeout: timeout}, nil
}

var _ federation.Store = (*ClusterStore)(nil)

type clusterDoc struct {
	ID                      string    `bson:"_id"`
	Endpoint                string    `bson:"endpoint"`
	Region                  string    `bson:"region"`
	Status                  string    `bson:"status"`
	HealthScore             float64   `bson:"healthScore"`
	MaxAgents               int       `bson:"maxAgents"`
	CurrentAgents           int       `bson:"currentAgents"`
	LastHeartbeat           time.Time `bson:"lastHeartbeat"`
	Features                []string  `bson:"features,omitempty"`
	Models                  []string  `bson:"models,omitempty"`
	Version                 int64     `bson:"version"`
	ConnectivitySuccessRate float64   `bson:"connectivitySuccessRate"`
	AvgLatencyMillis        float64   `bson:"avgLatencyMillis"`
	ErrorRate               float64   `bson:"errorRate"`
}

func fromCluster(c *federation.Cluster) clusterDoc {
	return clusterDoc{
		ID:                      c.ID,
		Endpoint:                c.Endpoint,
		Region:                  c.Region,
		Status:                  string(c.Status),
		HealthScore:             c.HealthScore,
		MaxAgents:               c.Capacity.MaxAgents,
		CurrentAgents:           c.Capacity.CurrentAgents,
		LastHeartbeat:           c.LastHeartbeat,
		Features:                c.Capabilities.Features,
		Models:                  c.Capabilities.Models,
		Version:                 c.Version,
		ConnectivitySuccessRate: c.ConnectivitySuccessRate,
		AvgLatencyMillis:        c.AvgLatencyMillis,
		ErrorRate:               c.ErrorRate,
	}
}

func (d clusterDoc) toCluster() *federation.Cluster {
	return &federation.Cluster{
		ID:                      d.ID,
		Endpoint:                d.Endpoint,
		Region:                  d.Region,
		Status:                  federation.ClusterStatus(d.Status),
		HealthScore:             d.HealthScore,
		Capacity:                federation.Capacity{MaxAgents: d.MaxAgents, CurrentAgents: d.CurrentAgents},
		LastHeartbeat:           d.LastHeartbeat,
		Capabilities:            federation.ClusterCapabilities{Features: d.Features, Models: d.Models},
		Version:                 d.Version,
		ConnectivitySuccessRate: d.ConnectivitySuccessRate,
		AvgLatencyMillis:        d.AvgLatencyMillis,
		ErrorRate:               d.ErrorRate,
	}
}

func (s *ClusterStore) Insert(ctx context.Context, c *federation.Cluster) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.coll.InsertOne(ctx, fromCluster(c)); err != nil {
		return fmt.Errorf("federation/mongo: insert %s: %w", c.ID, err)
	}
	return nil
}

func (s *ClusterStore) Get(ctx context.Context, id string) (*federation.Cluster, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var d clusterDoc
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, federation.ErrNotFound
		}
		return nil, fmt.Errorf("federation/mongo: get %s: %w", id, err)
	}
	return d.toCluster(), nil
}

func (s *ClusterStore) Replace(ctx context.Context, c *federation.Cluster) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": c.ID}, fromCluster(c))
	if err != nil {
		return fmt.Errorf("federation/mongo: replace %s: %w", c.ID, err)
	}
	if res.MatchedCount == 0 {
		return federation.ErrNotFound
	}
	return nil
}

func (s *ClusterStore) Find(ctx context.Context) ([]*federation.Cluster, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("federation/mongo: find: %w", err)
	}
	defer cur.Close(ctx)

	var out []*federation.Cluster
	for cur.Next(ctx) {
		var d clusterDoc
		if err := cur.Decode(&d); err != nil {
			return nil, fmt.Errorf("federation/mongo: decode: %w", err)
		}
		out = append(out, d.toCluster())
	}
	return out, cur.Err()
}

// AffinityStore implements federation.AffinityStore against a MongoDB
// deployment. Callers should create a TTL index on expiresAt so expired
// rows are reclaimed without a read-time check; Get still re-validates
// expiry defensively since TTL eviction is only eventually consistent.
type AffinityStore struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

// NewAffinityStore returns a federation.AffinityStore backed by MongoDB.
func NewAffinityStore(opts Options) (*AffinityStore, error) {
	coll, timeout, err := open(opts, collectionAffinities)
	if err != nil {
		return nil, err
	}
	return &AffinityStore{coll: coll, timeout: timeout}, nil
}

var _ federation.AffinityStore = (*AffinityStore)(nil)

type affinityDoc struct {
	SessionID string    `bson:"_id"`
	ClusterID string    `bson:"clusterId"`
	ExpiresAt time.Time `bson:"expiresAt"`
}

func (s *AffinityStore) Get(ctx context.Context, sessionID string) (string, time.Time, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var d affinityDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&d)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("federation/mongo: get affinity %s: %w", sessionID, err)
	}
	return d.ClusterID, d.ExpiresAt, true, nil
}

func (s *AffinityStore) Set(ctx context.Context, sessionID, clusterID string, expiresAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.coll.ReplaceOne(ctx,
		bson.M{"_id": sessionID},
		affinityDoc{SessionID: sessionID, ClusterID: clusterID, ExpiresAt: expiresAt},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("federation/mongo: set affinity %s: %w", sessionID, err)
	}
	return nil
}

func open(opts Options, collection string) (*mongodriver.Collection, time.Duration, error) {
	if opts.Client == nil {
		return nil, 0, errors.New("federation/mongo: client is required")
	}
	if opts.Database == "" {
		return nil, 0, errors.New("federation/mongo: database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return opts.Client.Database(opts.Database).Collection(collection), timeout, nil
}
