// Package federation implements spec §4.8's FederationRouter: a
// ClusterRegistry with heartbeat-driven health scoring, weighted routing
// with session affinity, and a per-cluster circuit breaker.
package federation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/agentctrl/controlplane/config"
	"github.com/agentctrl/controlplane/eventbus"
	"github.com/agentctrl/controlplane/statemachine"
)

// ClusterStatus is the cluster's heartbeat-derived status (spec §3 Cluster
// entity).
type ClusterStatus string

const (
	ClusterOnline   ClusterStatus = "online"
	ClusterDegraded ClusterStatus = "degraded"
	ClusterOffline  ClusterStatus = "offline"
)

// Capacity reports a cluster's current agent load.
type Capacity struct {
	MaxAgents     int
	CurrentAgents int
}

// LoadFactor returns current/max clamped to [0,1]; an unconfigured max
// reports full capacity (conservative: never routed to preferentially).
func (c Capacity) LoadFactor() float64 {
	if c.MaxAgents <= 0 {
		return 1
	}
	f := float64(c.CurrentAgents) / float64(c.MaxAgents)
	return clamp01(f)
}

// Cluster is the durable federation-peer record (spec §3 Cluster entity).
type Cluster struct {
	ID           string
	Endpoint     string
	Region       string
	Status       ClusterStatus
	HealthScore  float64 // [0,100]
	Capacity     Capacity
	LastHeartbeat time.Time
	Capabilities ClusterCapabilities
	Version      int64

	// connectivitySuccessRate/avgLatencyMillis/errorRate are the raw
	// heartbeat-reported health inputs (spec §4.8's health-score formula).
	ConnectivitySuccessRate float64
	AvgLatencyMillis        float64
	ErrorRate               float64
}

// ClusterCapabilities names what a cluster supports, used to filter routing
// requests (spec §4.8 routing step 1).
type ClusterCapabilities struct {
	Features []string
	Models   []string
}

func (c ClusterCapabilities) supports(features, models []string) bool {
	return containsAll(c.Features, features) && containsAll(c.Models, models)
}

func containsAll(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[h] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

// Store persists Cluster records.
type Store interface {
	Insert(ctx context.Context, c *Cluster) error
	Get(ctx context.Context, id string) (*Cluster, error)
	Replace(ctx context.Context, c *Cluster) error
	Find(ctx context.Context) ([]*Cluster, error)
}

// AffinityStore persists session→cluster routing affinity (spec §4.8
// routing step 4).
type AffinityStore interface {
	Get(ctx context.Context, sessionID string) (clusterID string, expiresAt time.Time, ok bool, err error)
	Set(ctx context.Context, sessionID, clusterID string, expiresAt time.Time) error
}

var ErrNotFound = errors.New("federation: cluster not found")

// RouteRequest is the input to Router.Route (spec §4.8 "Given a request
// {sessionId?, region?, requirements}").
type RouteRequest struct {
	SessionID      string
	Region         string
	StrictRegion   bool
	RequireFeature []string
	RequireModel   []string
}

// breakerState is the circuit breaker's lifecycle state (spec §4.8
// "Circuit breaker per cluster").
type breakerState string

const (
	breakerClosed   breakerState = "closed"
	breakerOpen     breakerState = "open"
	breakerHalfOpen breakerState = "half-open"
)

type breakerEvent string

const (
	breakerEventFailure          breakerEvent = "failure"
	breakerEventSuccess          breakerEvent = "success"
	breakerEventCooldownElapsed  breakerEvent = "cooldownElapsed"
)

func breakerDefinition() *statemachine.Definition[breakerState, breakerEvent] {
	return statemachine.NewDefinition[breakerState, breakerEvent](breakerClosed).
		Allow(breakerClosed, breakerEventFailure, breakerOpen).
		Allow(breakerOpen, breakerEventCooldownElapsed, breakerHalfOpen).
		Allow(breakerHalfOpen, breakerEventSuccess, breakerClosed).
		Allow(breakerHalfOpen, breakerEventFailure, breakerOpen)
}

type breakerRecord struct {
	consecutiveFailures int
	openedAt            time.Time
}

// Router implements spec §4.8's FederationRouter.
type Router struct {
	store     Store
	affinity  AffinityStore
	bus       *eventbus.Bus
	cfg       config.Config
	machine   *statemachine.Machine[breakerState, breakerEvent]
	breakers  map[string]*breakerRecord
	affinityTTL time.Duration
	rand      func() float64
	now       func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithRand overrides the weighted-selection random source for deterministic tests.
func WithRand(fn func() float64) Option { return func(r *Router) { r.rand = fn } }

// WithNow overrides the clock for deterministic heartbeat-freshness tests.
func WithNow(fn func() time.Time) Option { return func(r *Router) { r.now = fn } }

// WithAffinityTTL overrides the session-affinity TTL (default 10 minutes).
func WithAffinityTTL(d time.Duration) Option { return func(r *Router) { r.affinityTTL = d } }

// New constructs a Router.
func New(store Store, affinity AffinityStore, bus *eventbus.Bus, cfg config.Config, opts ...Option) *Router {
	r := &Router{
		store:       store,
		affinity:    affinity,
		bus:         bus,
		cfg:         cfg,
		machine:     statemachine.New(breakerDefinition()),
		breakers:    make(map[string]*breakerRecord),
		affinityTTL: 10 * time.Minute,
		rand:        rand.Float64,
		now:         time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterCluster adds a cluster to the registry (spec §4.8 ClusterRegistry).
func (r *Router) RegisterCluster(ctx context.Context, c *Cluster) error {
	c.Status = ClusterOnline
	c.LastHeartbeat = r.now()
	c.Version = 1
	if err := r.store.Insert(ctx, c); err != nil {
		return err
	}
	r.machine.SetState(c.ID, breakerClosed)
	r.publish(ctx, "federation.cluster.registered", c)
	return nil
}

// Heartbeat records a fresh heartbeat and health inputs for a cluster,
// demoting/promoting Status against the configured stale/dead thresholds
// (spec §3 Cluster invariants).
func (r *Router) Heartbeat(ctx context.Context, clusterID string, connectivity, errRate, latencyMillis float64, capacity Capacity) (*Cluster, error) {
	c, err := r.store.Get(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	c.LastHeartbeat = r.now()
	c.ConnectivitySuccessRate = connectivity
	c.ErrorRate = errRate
	c.AvgLatencyMillis = latencyMillis
	c.Capacity = capacity
	before := c.Status
	c.Status = ClusterOnline
	c.HealthScore = r.healthScore(c) * 100
	c.Version++
	if err := r.store.Replace(ctx, c); err != nil {
		return nil, err
	}
	if before != c.Status {
		r.publish(ctx, "federation.cluster.health-changed", c)
	}
	return c, nil
}

// demoteStale applies spec §3's "now - last-heartbeat > T_stale/T_dead"
// invariant, called lazily on read so status never needs a background
// sweep to stay correct.
func (r *Router) demoteStale(c *Cluster) {
	age := r.now().Sub(c.LastHeartbeat)
	switch {
	case age > r.cfg.FederationDeadThreshold:
		c.Status = ClusterOffline
	case age > r.cfg.FederationStaleThreshold:
		if c.Status == ClusterOnline {
			c.Status = ClusterDegraded
		}
	}
}

// healthScore computes spec §4.8's weighted formula, each factor normalized
// to [0,1]. The circuit breaker state is a direct input to connectivity
// (an open breaker drives connectivity, and so the whole score, toward 0).
func (r *Router) healthScore(c *Cluster) float64 {
	connectivity := clamp01(c.ConnectivitySuccessRate)
	switch r.breakerStateFor(c.ID) {
	case breakerOpen:
		connectivity = 0
	case breakerHalfOpen:
		connectivity *= 0.5
	}

	inverseLatency := clamp01(1 - c.AvgLatencyMillis/1000)
	inverseErrorRate := clamp01(1 - c.ErrorRate)
	spareCapacity := clamp01(1 - c.Capacity.LoadFactor())

	age := r.now().Sub(c.LastHeartbeat)
	freshness := clamp01(1 - float64(age)/float64(r.cfg.FederationStaleThreshold))

	return connectivity*0.25 + inverseLatency*0.20 + inverseErrorRate*0.25 + spareCapacity*0.20 + freshness*0.10
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Route selects a cluster for a request (spec §4.8 "Routing").
func (r *Router) Route(ctx context.Context, req RouteRequest) (*Cluster, error) {
	all, err := r.store.Find(ctx)
	if err != nil {
		return nil, err
	}

	eligible := make([]*Cluster, 0, len(all))
	for _, c := range all {
		r.demoteStale(c)
		if c.Status == ClusterOffline {
			continue
		}
		if req.StrictRegion && req.Region != "" && c.Region != req.Region {
			continue
		}
		if !c.Capabilities.supports(req.RequireFeature, req.RequireModel) {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("federation: no eligible cluster for request")
	}

	if req.SessionID != "" {
		if clusterID, expiresAt, ok, err := r.affinity.Get(ctx, req.SessionID); err == nil && ok && r.now().Before(expiresAt) {
			for _, c := range eligible {
				if c.ID == clusterID {
					return c, nil
				}
			}
		}
	}

	chosen := r.weightedSelect(eligible)
	if req.SessionID != "" {
		_ = r.affinity.Set(ctx, req.SessionID, chosen.ID, r.now().Add(r.affinityTTL))
	}
	return chosen, nil
}

// weightedSelect picks among eligible clusters, weighted by health score
// (spec §4.8 routing step 3).
func (r *Router) weightedSelect(eligible []*Cluster) *Cluster {
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })

	weights := make([]float64, len(eligible))
	var total float64
	for i, c := range eligible {
		w := r.healthScore(c)
		if w <= 0 {
			w = 0.0001 // never fully exclude an eligible cluster from selection
		}
		weights[i] = w
		total += w
	}
	draw := r.rand() * total
	var cumulative float64
	for i, w := range weights {
		cumulative += w
		if draw <= cumulative {
			return eligible[i]
		}
	}
	return eligible[len(eligible)-1]
}

func (r *Router) breakerStateFor(clusterID string) breakerState {
	return r.machine.State(clusterID)
}

// RecordSuccess reports a successful call to clusterID, closing the breaker
// if it was half-open (spec §4.8 "one success closes it").
func (r *Router) RecordSuccess(ctx context.Context, clusterID string) {
	rec := r.breakerRecord(clusterID)
	rec.consecutiveFailures = 0
	if r.BreakerState(ctx, clusterID) == string(breakerHalfOpen) {
		if _, err := r.machine.Transition(ctx, clusterID, breakerEventSuccess); err == nil {
			r.publish(ctx, "federation.breaker.closed", map[string]string{"clusterId": clusterID})
		}
	}
}

// RecordFailure reports a failed call to clusterID, opening the breaker
// after FederationBreakerFailures consecutive failures, or immediately
// reopening it if already half-open (spec §4.8 "one failure reopens").
func (r *Router) RecordFailure(ctx context.Context, clusterID string) {
	rec := r.breakerRecord(clusterID)
	rec.consecutiveFailures++

	switch r.breakerStateFor(clusterID) {
	case breakerHalfOpen:
		if _, err := r.machine.Transition(ctx, clusterID, breakerEventFailure); err == nil {
			rec.openedAt = r.now()
			r.publish(ctx, "federation.breaker.opened", map[string]string{"clusterId": clusterID})
		}
	case breakerClosed:
		if rec.consecutiveFailures >= r.cfg.FederationBreakerFailures {
			if _, err := r.machine.Transition(ctx, clusterID, breakerEventFailure); err == nil {
				rec.openedAt = r.now()
				r.publish(ctx, "federation.breaker.opened", map[string]string{"clusterId": clusterID})
			}
		}
	}
}

// BreakerState reports a cluster's current breaker state, moving an open
// breaker to half-open once its cooldown has elapsed (spec §4.8 "after
// cooldown move to half-open").
func (r *Router) BreakerState(ctx context.Context, clusterID string) string {
	if r.breakerStateFor(clusterID) == breakerOpen {
		rec := r.breakerRecord(clusterID)
		if r.now().Sub(rec.openedAt) >= r.cfg.FederationBreakerCooldown {
			_, _ = r.machine.Transition(ctx, clusterID, breakerEventCooldownElapsed)
		}
	}
	return string(r.breakerStateFor(clusterID))
}

func (r *Router) breakerRecord(clusterID string) *breakerRecord {
	rec, ok := r.breakers[clusterID]
	if !ok {
		rec = &breakerRecord{}
		r.breakers[clusterID] = rec
	}
	return rec
}

func (r *Router) publish(ctx context.Context, topic string, payload any) {
	if r.bus == nil {
		return
	}
	_, _ = r.bus.Publish(ctx, topic, payload)
}
