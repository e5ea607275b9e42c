// Package session implements spec §4.9's SessionTree: an append-only,
// branching node log per agent, grounded on runtime/agent/session's
// value-type Session/RunMeta store idiom.
package session

import (
	"context"
	"errors"
	"time"
)

// NodeType is the kind of a SessionNode (spec §3 SessionNode entity).
type NodeType string

const (
	NodeMessage     NodeType = "message"
	NodeAgentAction NodeType = "agent-action"
	NodeBranchPoint NodeType = "branch-point"
	NodeLabel       NodeType = "label"
)

// ActionStatus classifies an agent-action node's outcome, used by
// CompareBranches' winner metric.
type ActionStatus string

const (
	ActionSuccess ActionStatus = "success"
	ActionFailure ActionStatus = "failure"
)

// SessionNode is one append-only entry in a session's tree (spec §3).
type SessionNode struct {
	ID        string
	SessionID string
	ParentID  *string // nil only for a session's root node
	Type      NodeType
	Timestamp time.Time

	// Message fields (Type == NodeMessage).
	Role    string
	Content string

	// Agent-action fields (Type == NodeAgentAction).
	Action       string
	ActionStatus ActionStatus
	Cost         float64
	Tokens       int

	// Label fields (Type == NodeBranchPoint, NodeLabel).
	Label string

	Metadata map[string]any
}

// Branch names a leaf pointer within a session (spec §3 "current-branch is
// a pointer to a leaf").
type Branch struct {
	Name       string
	LeafNodeID string
	CreatedAt  time.Time
}

// Session is the durable per-agent session-tree record.
type Session struct {
	ID            string
	AgentID       string
	RootNodeID    string
	Branches      map[string]*Branch
	CurrentBranch string
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store persists sessions and their append-only node log.
type Store interface {
	InsertSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ReplaceSession(ctx context.Context, s *Session) error

	InsertNode(ctx context.Context, n *SessionNode) error
	GetNode(ctx context.Context, id string) (*SessionNode, error)
	NodesBySession(ctx context.Context, sessionID string) ([]*SessionNode, error)
}

var (
	ErrSessionNotFound = errors.New("session: not found")
	ErrNodeNotFound     = errors.New("session: node not found")
	ErrBranchNotFound   = errors.New("session: branch not found")
	ErrBranchExists     = errors.New("session: branch already exists")
)
