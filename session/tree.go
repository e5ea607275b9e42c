package session

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/agentctrl/controlplane/eventbus"
)

const mainBranch = "main"

// Orchestrator implements spec §4.9's SessionTree operations.
type Orchestrator struct {
	store Store
	bus   *eventbus.Bus
	now   func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the orchestrator's clock for deterministic tests.
func WithClock(fn func() time.Time) Option { return func(o *Orchestrator) { o.now = fn } }

// New constructs an Orchestrator.
func New(store Store, bus *eventbus.Bus, opts ...Option) *Orchestrator {
	o := &Orchestrator{store: store, bus: bus, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateSession opens a new session for agentID, seeding its tree with a
// root label node and a "main" branch pointing at it.
func (o *Orchestrator) CreateSession(ctx context.Context, agentID string) (*Session, error) {
	now := o.now()
	root := &SessionNode{
		ID:        newNodeID(),
		ParentID:  nil,
		Type:      NodeLabel,
		Label:     "root",
		Timestamp: now,
	}

	s := &Session{
		ID:         newSessionID(),
		AgentID:    agentID,
		RootNodeID: root.ID,
		Branches: map[string]*Branch{
			mainBranch: {Name: mainBranch, LeafNodeID: root.ID, CreatedAt: now},
		},
		CurrentBranch: mainBranch,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	root.SessionID = s.ID

	if err := o.store.InsertNode(ctx, root); err != nil {
		return nil, err
	}
	if err := o.store.InsertSession(ctx, s); err != nil {
		return nil, err
	}
	o.publish(ctx, "session.created", s)
	return s, nil
}

// AppendMessage appends a message node to the session's current branch
// (spec §4.9 `appendMessage`).
func (o *Orchestrator) AppendMessage(ctx context.Context, sessionID, role, content string) (*SessionNode, error) {
	return o.appendNode(ctx, sessionID, func(s *Session, parentID string) *SessionNode {
		return &SessionNode{
			SessionID: s.ID,
			ParentID:  &parentID,
			Type:      NodeMessage,
			Role:      role,
			Content:   content,
			Timestamp: o.now(),
		}
	})
}

// AppendAgentAction appends an agent-action node to the session's current
// branch (spec §4.9 `appendAgentAction`).
func (o *Orchestrator) AppendAgentAction(ctx context.Context, sessionID, action string, status ActionStatus, cost float64, tokens int) (*SessionNode, error) {
	return o.appendNode(ctx, sessionID, func(s *Session, parentID string) *SessionNode {
		return &SessionNode{
			SessionID:    s.ID,
			ParentID:     &parentID,
			Type:         NodeAgentAction,
			Action:       action,
			ActionStatus: status,
			Cost:         cost,
			Tokens:       tokens,
			Timestamp:    o.now(),
		}
	})
}

func (o *Orchestrator) appendNode(ctx context.Context, sessionID string, build func(s *Session, parentID string) *SessionNode) (*SessionNode, error) {
	s, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	branch, ok := s.Branches[s.CurrentBranch]
	if !ok {
		return nil, ErrBranchNotFound
	}
	node := build(s, branch.LeafNodeID)
	node.ID = newNodeID()
	if err := o.store.InsertNode(ctx, node); err != nil {
		return nil, err
	}
	branch.LeafNodeID = node.ID
	s.UpdatedAt = o.now()
	s.Version++
	if err := o.store.ReplaceSession(ctx, s); err != nil {
		return nil, err
	}
	return node, nil
}

// CreateBranch forks a new branch at the current branch's leaf (spec §4.9
// `createBranch(name, description?)`).
func (o *Orchestrator) CreateBranch(ctx context.Context, sessionID, name, description string) (*Branch, error) {
	s, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	branch, ok := s.Branches[s.CurrentBranch]
	if !ok {
		return nil, ErrBranchNotFound
	}
	return o.createBranchAtNode(ctx, s, branch.LeafNodeID, name, description)
}

// CreateBranchAt forks a new branch at an arbitrary existing node (spec
// §4.9 `createBranchAt(nodeId, name)`).
func (o *Orchestrator) CreateBranchAt(ctx context.Context, sessionID, nodeID, name string) (*Branch, error) {
	s, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := o.store.GetNode(ctx, nodeID); err != nil {
		return nil, err
	}
	return o.createBranchAtNode(ctx, s, nodeID, name, "")
}

func (o *Orchestrator) createBranchAtNode(ctx context.Context, s *Session, atNodeID, name, description string) (*Branch, error) {
	if _, exists := s.Branches[name]; exists {
		return nil, ErrBranchExists
	}
	point := &SessionNode{
		ID:        newNodeID(),
		SessionID: s.ID,
		ParentID:  &atNodeID,
		Type:      NodeBranchPoint,
		Label:     name,
		Metadata:  map[string]any{"description": description},
		Timestamp: o.now(),
	}
	if err := o.store.InsertNode(ctx, point); err != nil {
		return nil, err
	}
	b := &Branch{Name: name, LeafNodeID: point.ID, CreatedAt: o.now()}
	s.Branches[name] = b
	s.UpdatedAt = o.now()
	s.Version++
	if err := o.store.ReplaceSession(ctx, s); err != nil {
		return nil, err
	}
	o.publish(ctx, "session.branch.created", map[string]string{"sessionId": s.ID, "branch": name})
	return b, nil
}

// SwitchBranch moves the session's current-branch pointer (spec §4.9
// `switchBranch(name)`).
func (o *Orchestrator) SwitchBranch(ctx context.Context, sessionID, name string) error {
	s, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if _, ok := s.Branches[name]; !ok {
		return ErrBranchNotFound
	}
	s.CurrentBranch = name
	s.UpdatedAt = o.now()
	s.Version++
	return o.store.ReplaceSession(ctx, s)
}

// ForkSession creates a brand-new session whose root incorporates the path
// from the original root to fromNode (spec §4.9 `forkSession(fromNode) ->
// newSessionId`, spec §3 SessionNode invariant (c)).
func (o *Orchestrator) ForkSession(ctx context.Context, sessionID, fromNodeID string) (string, error) {
	s, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	chain, err := o.ancestryChain(ctx, fromNodeID)
	if err != nil {
		return "", err
	}

	now := o.now()
	newSessionID := newSessionID()
	var newParentID *string
	var newRootID string
	for i, n := range chain {
		cp := *n
		cp.ID = newNodeID()
		cp.SessionID = newSessionID
		cp.ParentID = newParentID
		cp.Timestamp = now
		if i == 0 {
			newRootID = cp.ID
		}
		if err := o.store.InsertNode(ctx, &cp); err != nil {
			return "", err
		}
		id := cp.ID
		newParentID = &id
	}

	leafID := newRootID
	if newParentID != nil {
		leafID = *newParentID
	}

	forked := &Session{
		ID:         newSessionID,
		AgentID:    s.AgentID,
		RootNodeID: newRootID,
		Branches: map[string]*Branch{
			mainBranch: {Name: mainBranch, LeafNodeID: leafID, CreatedAt: now},
		},
		CurrentBranch: mainBranch,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.store.InsertSession(ctx, forked); err != nil {
		return "", err
	}
	o.publish(ctx, "session.forked", map[string]string{"fromSessionId": sessionID, "newSessionId": newSessionID})
	return newSessionID, nil
}

// ancestryChain walks from nodeID's root ancestor down to nodeID itself,
// returning nodes in root-to-leaf order.
func (o *Orchestrator) ancestryChain(ctx context.Context, nodeID string) ([]*SessionNode, error) {
	var reversed []*SessionNode
	id := nodeID
	for {
		n, err := o.store.GetNode(ctx, id)
		if err != nil {
			return nil, err
		}
		reversed = append(reversed, n)
		if n.ParentID == nil {
			break
		}
		id = *n.ParentID
	}
	chain := make([]*SessionNode, len(reversed))
	for i, n := range reversed {
		chain[len(reversed)-1-i] = n
	}
	return chain, nil
}

// BranchStat is one branch's aggregate stats in a CompareBranches diff.
type BranchStat struct {
	Name            string
	NodeCount       int
	AggregateCost   float64
	AggregateTokens int
	Successful      bool
}

// Diff is CompareBranches' result (spec §4.9 `compareBranches(names) ->
// diff`; shape defined per this module's supplemented-feature expansion:
// per-branch stats plus added/removed node IDs relative to their common
// ancestor).
type Diff struct {
	Branches []BranchStat
	// Added maps branch name to the node IDs unique to that branch since
	// the branches' common ancestor.
	Added map[string][]string
	// Removed is always empty: the log is append-only, so no branch ever
	// loses a node relative to another. Present for a stable diff shape.
	Removed map[string][]string
	Winner  string
}

// CompareBranches reports per-branch node count, aggregate cost, and
// aggregate token usage, and selects a winner: the lowest aggregate cost
// among branches whose most recent agent-action node succeeded (spec
// §4.9's stated default metric).
func (o *Orchestrator) CompareBranches(ctx context.Context, sessionID string, names []string) (*Diff, error) {
	s, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	chains := make(map[string][]*SessionNode, len(names))
	for _, name := range names {
		b, ok := s.Branches[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrBranchNotFound, name)
		}
		chain, err := o.ancestryChain(ctx, b.LeafNodeID)
		if err != nil {
			return nil, err
		}
		chains[name] = chain
	}

	ancestorLen := commonAncestorLength(chains)

	diff := &Diff{Added: map[string][]string{}, Removed: map[string][]string{}}
	var bestName string
	var bestCost float64
	haveBest := false

	for _, name := range names {
		chain := chains[name]
		stat := BranchStat{Name: name, NodeCount: len(chain)}
		var added []string
		var lastAction *SessionNode
		for i, n := range chain {
			if i >= ancestorLen {
				added = append(added, n.ID)
			}
			if n.Type == NodeAgentAction {
				stat.AggregateCost += n.Cost
				stat.AggregateTokens += n.Tokens
				lastAction = n
			}
		}
		if lastAction != nil && lastAction.ActionStatus == ActionSuccess {
			stat.Successful = true
		}
		diff.Added[name] = added
		diff.Removed[name] = []string{}
		diff.Branches = append(diff.Branches, stat)

		if stat.Successful && (!haveBest || stat.AggregateCost < bestCost || (stat.AggregateCost == bestCost && name < bestName)) {
			bestName = name
			bestCost = stat.AggregateCost
			haveBest = true
		}
	}

	sort.Slice(diff.Branches, func(i, j int) bool { return diff.Branches[i].Name < diff.Branches[j].Name })
	diff.Winner = bestName
	return diff, nil
}

// commonAncestorLength returns how many leading nodes are identical (by ID,
// position-for-position) across every chain.
func commonAncestorLength(chains map[string][]*SessionNode) int {
	minLen := -1
	for _, c := range chains {
		if minLen == -1 || len(c) < minLen {
			minLen = len(c)
		}
	}
	if minLen <= 0 {
		return 0
	}
	names := make([]string, 0, len(chains))
	for name := range chains {
		names = append(names, name)
	}
	first := chains[names[0]]
	for i := 0; i < minLen; i++ {
		id := first[i].ID
		for _, name := range names[1:] {
			if chains[name][i].ID != id {
				return i
			}
		}
	}
	return minLen
}

func (o *Orchestrator) publish(ctx context.Context, topic string, payload any) {
	if o.bus == nil {
		return
	}
	_, _ = o.bus.Publish(ctx, topic, payload)
}

func newSessionID() string { return uuid.NewString() }
func newNodeID() string    { return uuid.NewString() }
