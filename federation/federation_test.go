package federation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentctrl/controlplane/config"
	"github.com/agentctrl/controlplane/eventbus"
)

func newTestRouter(t *testing.T, now time.Time) (*Router, *MemStore) {
	t.Helper()
	store := NewMemStore()
	affinity := NewMemAffinityStore()
	bus := eventbus.New(nil)
	cfg := config.Default()
	clock := now
	r := New(store, affinity, bus, cfg,
		WithNow(func() time.Time { return clock }),
		WithRand(func() float64 { return 0 }),
	)
	return r, store
}

func mustRegister(t *testing.T, r *Router, id, region string, caps ClusterCapabilities) {
	t.Helper()
	require.NoError(t, r.RegisterCluster(context.Background(), &Cluster{
		ID:           id,
		Region:       region,
		Capabilities: caps,
		Capacity:     Capacity{MaxAgents: 100, CurrentAgents: 10},
	}))
}

func TestHeartbeatComputesHealthScoreAndStatus(t *testing.T) {
	now := time.Now()
	r, _ := newTestRouter(t, now)
	mustRegister(t, r, "c1", "us-east", ClusterCapabilities{})

	c, err := r.Heartbeat(context.Background(), "c1", 1.0, 0.0, 50, Capacity{MaxAgents: 100, CurrentAgents: 20})
	require.NoError(t, err)
	assert.Equal(t, ClusterOnline, c.Status)
	assert.Greater(t, c.HealthScore, 80.0)
}

func TestRouteFiltersByRegionAndCapabilities(t *testing.T) {
	now := time.Now()
	r, _ := newTestRouter(t, now)
	mustRegister(t, r, "east", "us-east", ClusterCapabilities{Features: []string{"vision"}})
	mustRegister(t, r, "west", "us-west", ClusterCapabilities{Features: []string{"vision"}})
	_, err := r.Heartbeat(context.Background(), "east", 1, 0, 10, Capacity{MaxAgents: 10, CurrentAgents: 1})
	require.NoError(t, err)
	_, err = r.Heartbeat(context.Background(), "west", 1, 0, 10, Capacity{MaxAgents: 10, CurrentAgents: 1})
	require.NoError(t, err)

	chosen, err := r.Route(context.Background(), RouteRequest{Region: "us-east", StrictRegion: true, RequireFeature: []string{"vision"}})
	require.NoError(t, err)
	assert.Equal(t, "east", chosen.ID)
}

func TestRouteRejectsClusterMissingRequiredCapability(t *testing.T) {
	now := time.Now()
	r, _ := newTestRouter(t, now)
	mustRegister(t, r, "c1", "us-east", ClusterCapabilities{Features: []string{"text"}})
	_, err := r.Heartbeat(context.Background(), "c1", 1, 0, 10, Capacity{MaxAgents: 10, CurrentAgents: 1})
	require.NoError(t, err)

	_, err = r.Route(context.Background(), RouteRequest{RequireFeature: []string{"vision"}})
	require.Error(t, err)
}

func TestRouteHonorsSessionAffinityWhileClusterEligible(t *testing.T) {
	now := time.Now()
	r, _ := newTestRouter(t, now)
	mustRegister(t, r, "c1", "", ClusterCapabilities{})
	mustRegister(t, r, "c2", "", ClusterCapabilities{})
	_, err := r.Heartbeat(context.Background(), "c1", 1, 0, 10, Capacity{MaxAgents: 10, CurrentAgents: 1})
	require.NoError(t, err)
	_, err = r.Heartbeat(context.Background(), "c2", 1, 0, 10, Capacity{MaxAgents: 10, CurrentAgents: 1})
	require.NoError(t, err)

	first, err := r.Route(context.Background(), RouteRequest{SessionID: "sess-1"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := r.Route(context.Background(), RouteRequest{SessionID: "sess-1"})
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID, "session affinity must stick across repeated routes")
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	now := time.Now()
	r, _ := newTestRouter(t, now)
	mustRegister(t, r, "c1", "", ClusterCapabilities{})
	_, err := r.Heartbeat(context.Background(), "c1", 1, 0, 10, Capacity{MaxAgents: 10, CurrentAgents: 1})
	require.NoError(t, err)

	for i := 0; i < config.Default().FederationBreakerFailures; i++ {
		r.RecordFailure(context.Background(), "c1")
	}
	assert.Equal(t, string(breakerOpen), r.BreakerState(context.Background(), "c1"))
}

func TestBreakerHalfOpensAfterCooldownAndClosesOnSuccess(t *testing.T) {
	now := time.Now()
	r, store := newTestRouter(t, now)
	_ = store
	WithNow(func() time.Time { return now })(r)
	mustRegister(t, r, "c1", "", ClusterCapabilities{})
	_, err := r.Heartbeat(context.Background(), "c1", 1, 0, 10, Capacity{MaxAgents: 10, CurrentAgents: 1})
	require.NoError(t, err)

	cfg := config.Default()
	for i := 0; i < cfg.FederationBreakerFailures; i++ {
		r.RecordFailure(context.Background(), "c1")
	}
	require.Equal(t, string(breakerOpen), r.BreakerState(context.Background(), "c1"))

	now = now.Add(cfg.FederationBreakerCooldown + time.Second)
	assert.Equal(t, string(breakerHalfOpen), r.BreakerState(context.Background(), "c1"))

	r.RecordSuccess(context.Background(), "c1")
	assert.Equal(t, string(breakerClosed), r.BreakerState(context.Background(), "c1"))
}

func TestBreakerHalfOpenReopensOnFailure(t *testing.T) {
	now := time.Now()
	r, _ := newTestRouter(t, now)
	WithNow(func() time.Time { return now })(r)
	mustRegister(t, r, "c1", "", ClusterCapabilities{})
	_, err := r.Heartbeat(context.Background(), "c1", 1, 0, 10, Capacity{MaxAgents: 10, CurrentAgents: 1})
	require.NoError(t, err)

	cfg := config.Default()
	for i := 0; i < cfg.FederationBreakerFailures; i++ {
		r.RecordFailure(context.Background(), "c1")
	}
	now = now.Add(cfg.FederationBreakerCooldown + time.Second)
	require.Equal(t, string(breakerHalfOpen), r.BreakerState(context.Background(), "c1"))

	r.RecordFailure(context.Background(), "c1")
	assert.Equal(t, string(breakerOpen), r.BreakerState(context.Background(), "c1"))
}

// TestAffinitySurvivesBreakerOpenAndDoesNotRevertBeforeTTL covers the
// worked example of session affinity moving off a broken cluster and
// staying put even after that cluster recovers, until the affinity TTL
// elapses.
func TestAffinitySurvivesBreakerOpenAndDoesNotRevertBeforeTTL(t *testing.T) {
	now := time.Now()
	store := NewMemStore()
	affinity := NewMemAffinityStore()
	bus := eventbus.New(nil)
	cfg := config.Default()
	clock := now
	draws := []float64{0, 1}
	drawIdx := 0
	r := New(store, affinity, bus, cfg,
		WithNow(func() time.Time { return clock }),
		WithRand(func() float64 {
			v := draws[drawIdx]
			if drawIdx < len(draws)-1 {
				drawIdx++
			}
			return v
		}),
		WithAffinityTTL(5*time.Minute),
	)
	mustRegister(t, r, "primary", "", ClusterCapabilities{})
	mustRegister(t, r, "secondary", "", ClusterCapabilities{})
	_, err := r.Heartbeat(context.Background(), "primary", 1, 0, 10, Capacity{MaxAgents: 10, CurrentAgents: 1})
	require.NoError(t, err)
	_, err = r.Heartbeat(context.Background(), "secondary", 1, 0, 10, Capacity{MaxAgents: 10, CurrentAgents: 1})
	require.NoError(t, err)

	first, err := r.Route(context.Background(), RouteRequest{SessionID: "sess-1"})
	require.NoError(t, err)
	require.Equal(t, "primary", first.ID, "draw=0 must pick the lexicographically first cluster")

	for i := 0; i < cfg.FederationBreakerFailures; i++ {
		r.RecordFailure(context.Background(), "primary")
	}
	require.Equal(t, string(breakerOpen), r.BreakerState(context.Background(), "primary"))

	require.NoError(t, affinity.Set(context.Background(), "sess-1", "primary", clock.Add(-time.Second)))

	rerouted, err := r.Route(context.Background(), RouteRequest{SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, "secondary", rerouted.ID, "must move off the broken cluster once its affinity entry is stale")

	clock = clock.Add(cfg.FederationBreakerCooldown + time.Second)
	r.RecordSuccess(context.Background(), "primary")
	require.Equal(t, string(breakerClosed), r.BreakerState(context.Background(), "primary"))

	stillSecondary, err := r.Route(context.Background(), RouteRequest{SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, "secondary", stillSecondary.ID, "recovered cluster must not reclaim affinity before TTL elapses")
}
