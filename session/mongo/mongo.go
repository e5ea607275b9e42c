// Package mongo backs session.Store with MongoDB across two collections:
// one document per Session (keyed by _id=session.ID) and one document per
// SessionNode (keyed by _id=node.ID, indexed by sessionId for
// NodesBySession), mirroring agent/mongo's shape.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/agentctrl/controlplane/session"
)

const defaultOpTimeout = 10 * time.Second

const (
	collectionSessions = "sessions"
	collectionNodes    = "session_nodes"
)

// Options configures the Mongo-backed Store.
type Options struct {
	Client   *mongodriver.Client
	Database string
	Timeout  time.Duration
}

// Store implements session.Store against a MongoDB deployment.
type Store struct {
	sessions *mongodriver.Collection
	nodes    *mongodriver.Collection
	timeout  time.Duration
}

// New returns a session.Store backed by MongoDB.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("session/mongo: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("session/mongo: database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	return &Store{
		sessions: db.Collection(collectionSessions),
		nodes:    db.Collection(collectionNodes),
		timeout:  timeout,
	}, nil
}

var _ session.Store = (*Store)(nil)

type branchDoc struct {
	Name       string    `bson:"name"`
	LeafNodeID string    `bson:"leafNodeId"`
	CreatedAt  time.Time `bson:"createdAt"`
}

type sessionDoc struct {
	ID            string      `bson:"_id"`
	AgentID       string      `bson:"agentId"`
	RootNodeID    string      `bson:"rootNodeId"`
	Branches      []branchDoc `bson:"branches"`
	CurrentBranch string      `bson:"currentBranch"`
	Version       int64       `bson:"version"`
	CreatedAt     time.Time   `bson:"createdAt"`
	UpdatedAt     time.Time   `bson:"updatedAt"`
}

func fromSession(s *session.Session) sessionDoc {
	branches := make([]branchDoc, 0, len(s.Branches))
	for _, b := range s.Branches {
		branches = append(branches, branchDoc{Name: b.Name, LeafNodeID: b.LeafNodeID, CreatedAt: b.CreatedAt})
	}
	return sessionDoc{
		ID:            s.ID,
		AgentID:       s.AgentID,
		RootNodeID:    s.RootNodeID,
		Branches:      branches,
		CurrentBranch: s.CurrentBranch,
		Version:       s.Version,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

func (d sessionDoc) toSession() *session.Session {
	branches := make(map[string]*session.Branch, len(d.Branches))
	for _, b := range d.Branches {
		bb := b
		branches[bb.Name] = &session.Branch{Name: bb.Name, LeafNodeID: bb.LeafNodeID, CreatedAt: bb.CreatedAt}
	}
	return &session.Session{
		ID:            d.ID,
		AgentID:       d.AgentID,
		RootNodeID:    d.RootNodeID,
		Branches:      branches,
		CurrentBranch: d.CurrentBranch,
		Version:       d.Version,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

type nodeDoc struct {
	ID           string         `bson:"_id"`
	SessionID    string         `bson:"sessionId"`
	ParentID     *string        `bson:"parentId,omitempty"`
	Type         string         `bson:"type"`
	Timestamp    time.Time      `bson:"timestamp"`
	Role         string         `bson:"role,omitempty"`
	Content      string         `bson:"content,omitempty"`
	Action       string         `bson:"action,omitempty"`
	ActionStatus string         `bson:"actionStatus,omitempty"`
	Cost         float64        `bson:"cost"`
	Tokens       int            `bson:"tokens"`
	Label        string         `bson:"label,omitempty"`
	Metadata     map[string]any `bson:"metadata,omitempty"`
}

func fromNode(n *session.SessionNode) nodeDoc {
	return nodeDoc{
		ID:           n.ID,
		SessionID:    n.SessionID,
		ParentID:     n.ParentID,
		Type:         string(n.Type),
		Timestamp:    n.Timestamp,
		Role:         n.Role,
		Content:      n.Content,
		Action:       n.Action,
		ActionStatus: string(n.ActionStatus),
		Cost:         n.Cost,
		Tokens:       n.Tokens,
		Label:        n.Label,
		Metadata:     n.Metadata,
	}
}

func (d nodeDoc) toNode() *session.SessionNode {
	return &session.SessionNode{
		ID:           d.ID,
		SessionID:    d.SessionID,
		ParentID:     d.ParentID,
		Type:         session.NodeType(d.Type),
		Timestamp:    d.Timestamp,
		Role:         d.Role,
		Content:      d.Content,
		Action:       d.Action,
		ActionStatus: session.ActionStatus(d.ActionStatus),
		Cost:         d.Cost,
		Tokens:       d.Tokens,
		Label:        d.Label,
		Metadata:     d.Metadata,
	}
}

func (s *Store) InsertSession(ctx context.Context, sess *session.Session) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.sessions.InsertOne(ctx, fromSession(sess)); err != nil {
		return fmt.Errorf("session/mongo: insert session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var d sessionDoc
	if err := s.sessions.FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, session.ErrSessionNotFound
		}
		return nil, fmt.Errorf("session/mongo: get session %s: %w", id, err)
	}
	return d.toSession(), nil
}

func (s *Store) ReplaceSession(ctx context.Context, sess *session.Session) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.sessions.ReplaceOne(ctx, bson.M{"_id": sess.ID}, fromSession(sess))
	if err != nil {
		return fmt.Errorf("session/mongo: replace session %s: %w", sess.ID, err)
	}
	if res.MatchedCount == 0 {
		return session.ErrSessionNotFound
	}
	return nil
}

func (s *Store) InsertNode(ctx context.Context, n *session.SessionNode) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.nodes.InsertOne(ctx, fromNode(n)); err != nil {
		return fmt.Errorf("session/mongo: insert node %s: %w", n.ID, err)
	}
	return nil
}

func (s *Store) GetNode(ctx context.Context, id string) (*session.SessionNode, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var d nodeDoc
	if err := s.nodes.FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, session.ErrNodeNotFound
		}
		return nil, fmt.Errorf("session/mongo: get node %s: %w", id, err)
	}
	return d.toNode(), nil
}

func (s *Store) NodesBySession(ctx context.Context, sessionID string) ([]*session.SessionNode, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cur, err := s.nodes.Find(ctx, bson.M{"sessionId": sessionID}, options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("session/mongo: nodes by session %s: %w", sessionID, err)
	}
	defer cur.Close(ctx)

	var out []*session.SessionNode
	for cur.Next(ctx) {
		var d nodeDoc
		if err := cur.Decode(&d); err != nil {
			return nil, fmt.Errorf("session/mongo: decode node: %w", err)
		}
		out = append(out, d.toNode())
	}
	return out, cur.Err()
}
