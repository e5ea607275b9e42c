package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentctrl/controlplane/eventbus"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	return New(NewMemStore(), eventbus.New(nil))
}

func TestCreateSessionSeedsRootAndMainBranch(t *testing.T) {
	o := newTestOrchestrator(t)
	s, err := o.CreateSession(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, s.RootNodeID, s.Branches["main"].LeafNodeID)
	assert.Equal(t, "main", s.CurrentBranch)
}

func TestAppendMessageAdvancesCurrentBranchLeaf(t *testing.T) {
	o := newTestOrchestrator(t)
	s, err := o.CreateSession(context.Background(), "agent-1")
	require.NoError(t, err)

	n1, err := o.AppendMessage(context.Background(), s.ID, "user", "hello")
	require.NoError(t, err)
	assert.Equal(t, s.RootNodeID, *n1.ParentID)

	n2, err := o.AppendMessage(context.Background(), s.ID, "assistant", "hi there")
	require.NoError(t, err)
	assert.Equal(t, n1.ID, *n2.ParentID)

	updated, err := o.store.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, n2.ID, updated.Branches["main"].LeafNodeID)
}

func TestNodeLogIsStrictTreeEveryNodeHasExactlyOneParentExceptRoot(t *testing.T) {
	o := newTestOrchestrator(t)
	s, err := o.CreateSession(context.Background(), "agent-1")
	require.NoError(t, err)
	_, err = o.AppendMessage(context.Background(), s.ID, "user", "hi")
	require.NoError(t, err)

	nodes, err := o.store.NodesBySession(context.Background(), s.ID)
	require.NoError(t, err)
	var roots int
	for _, n := range nodes {
		if n.ParentID == nil {
			roots++
		}
	}
	assert.Equal(t, 1, roots)
}

func TestCreateBranchForksAtCurrentLeafAndSwitchBranchMoves(t *testing.T) {
	o := newTestOrchestrator(t)
	s, err := o.CreateSession(context.Background(), "agent-1")
	require.NoError(t, err)
	m1, err := o.AppendMessage(context.Background(), s.ID, "user", "step one")
	require.NoError(t, err)

	branch, err := o.CreateBranch(context.Background(), s.ID, "alt", "exploring an alternative")
	require.NoError(t, err)
	assert.Equal(t, "alt", branch.Name)

	require.NoError(t, o.SwitchBranch(context.Background(), s.ID, "alt"))
	n2, err := o.AppendMessage(context.Background(), s.ID, "assistant", "alt path")
	require.NoError(t, err)
	assert.Equal(t, branch.LeafNodeID, *n2.ParentID)

	current, err := o.store.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, m1.ID, current.Branches["main"].LeafNodeID, "main branch must be untouched by appends on alt")
}

func TestCreateBranchRejectsDuplicateName(t *testing.T) {
	o := newTestOrchestrator(t)
	s, err := o.CreateSession(context.Background(), "agent-1")
	require.NoError(t, err)
	_, err = o.CreateBranch(context.Background(), s.ID, "main", "")
	assert.ErrorIs(t, err, ErrBranchExists)
}

func TestForkSessionCopiesAncestryIntoNewSession(t *testing.T) {
	o := newTestOrchestrator(t)
	s, err := o.CreateSession(context.Background(), "agent-1")
	require.NoError(t, err)
	n1, err := o.AppendMessage(context.Background(), s.ID, "user", "a")
	require.NoError(t, err)
	n2, err := o.AppendMessage(context.Background(), s.ID, "assistant", "b")
	require.NoError(t, err)
	_ = n1

	newID, err := o.ForkSession(context.Background(), s.ID, n2.ID)
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, newID)

	forked, err := o.store.GetSession(context.Background(), newID)
	require.NoError(t, err)
	nodes, err := o.store.NodesBySession(context.Background(), newID)
	require.NoError(t, err)
	assert.Len(t, nodes, 3, "root + 2 appended messages copied into the fork")
	assert.NotEqual(t, forked.RootNodeID, forked.Branches["main"].LeafNodeID, "forked branch leaf must be the chosen node, not the new root")
}

func TestCompareBranchesPicksLowestCostAmongSuccessfulBranches(t *testing.T) {
	clock := time.Now()
	o := New(NewMemStore(), eventbus.New(nil), WithClock(func() time.Time { return clock }))
	s, err := o.CreateSession(context.Background(), "agent-1")
	require.NoError(t, err)

	_, err = o.CreateBranch(context.Background(), s.ID, "cheap", "")
	require.NoError(t, err)
	_, err = o.CreateBranch(context.Background(), s.ID, "expensive", "")
	require.NoError(t, err)
	_, err = o.CreateBranch(context.Background(), s.ID, "failed", "")
	require.NoError(t, err)

	require.NoError(t, o.SwitchBranch(context.Background(), s.ID, "cheap"))
	_, err = o.AppendAgentAction(context.Background(), s.ID, "solve", ActionSuccess, 1.5, 100)
	require.NoError(t, err)

	require.NoError(t, o.SwitchBranch(context.Background(), s.ID, "expensive"))
	_, err = o.AppendAgentAction(context.Background(), s.ID, "solve", ActionSuccess, 9.0, 900)
	require.NoError(t, err)

	require.NoError(t, o.SwitchBranch(context.Background(), s.ID, "failed"))
	_, err = o.AppendAgentAction(context.Background(), s.ID, "solve", ActionFailure, 0.1, 10)
	require.NoError(t, err)

	diff, err := o.CompareBranches(context.Background(), s.ID, []string{"cheap", "expensive", "failed"})
	require.NoError(t, err)
	assert.Equal(t, "cheap", diff.Winner)

	for _, stat := range diff.Branches {
		if stat.Name == "failed" {
			assert.False(t, stat.Successful)
		} else {
			assert.True(t, stat.Successful)
		}
	}
}

func TestCompareBranchesReportsAddedNodesSinceDivergence(t *testing.T) {
	o := newTestOrchestrator(t)
	s, err := o.CreateSession(context.Background(), "agent-1")
	require.NoError(t, err)
	_, err = o.AppendMessage(context.Background(), s.ID, "user", "shared")
	require.NoError(t, err)

	_, err = o.CreateBranch(context.Background(), s.ID, "a", "")
	require.NoError(t, err)
	_, err = o.CreateBranch(context.Background(), s.ID, "b", "")
	require.NoError(t, err)

	require.NoError(t, o.SwitchBranch(context.Background(), s.ID, "a"))
	na, err := o.AppendMessage(context.Background(), s.ID, "assistant", "only on a")
	require.NoError(t, err)

	require.NoError(t, o.SwitchBranch(context.Background(), s.ID, "b"))
	nb, err := o.AppendMessage(context.Background(), s.ID, "assistant", "only on b")
	require.NoError(t, err)

	diff, err := o.CompareBranches(context.Background(), s.ID, []string{"a", "b"})
	require.NoError(t, err)
	assert.Contains(t, diff.Added["a"], na.ID)
	assert.NotContains(t, diff.Added["a"], nb.ID)
	assert.Contains(t, diff.Added["b"], nb.ID)
	assert.Empty(t, diff.Removed["a"])
}
