package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, 100, c.MaxAgentsPerTeam)
	assert.Equal(t, BackpressureDropOldest, c.EventBusBackpressure)
	assert.Equal(t, IsolationReadCommitted, c.TransactionDefaultIsolation)
	assert.InDelta(t, 0.75, c.BudgetWarningThreshold, 0.0001)
	assert.InDelta(t, 0.90, c.BudgetCriticalThreshold, 0.0001)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("CONTROLPLANE_MAX_AGENTS_PER_TEAM", "250")
	t.Setenv("CONTROLPLANE_EVENTBUS_BACKPRESSURE_POLICY", "block")
	t.Setenv("CONTROLPLANE_GRACEFUL_KILL_TIMEOUT_MS", "5000")
	t.Setenv("CONTROLPLANE_BUDGET_WARNING_THRESHOLD", "0.5")

	c := FromEnv()
	require.Equal(t, 250, c.MaxAgentsPerTeam)
	assert.Equal(t, BackpressureBlock, c.EventBusBackpressure)
	assert.Equal(t, 5*time.Second, c.GracefulKillTimeout)
	assert.InDelta(t, 0.5, c.BudgetWarningThreshold, 0.0001)
}

func TestFromEnvIgnoresUnparsable(t *testing.T) {
	t.Setenv("CONTROLPLANE_MAX_AGENTS_PER_TEAM", "not-a-number")
	c := FromEnv()
	assert.Equal(t, Default().MaxAgentsPerTeam, c.MaxAgentsPerTeam)
}
