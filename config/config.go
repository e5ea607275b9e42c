// Package config centralizes the control plane's recognized configuration
// options (spec §6) and loads them from the process environment the way the
// teacher's mongo client Options structs are loaded: an explicit struct with
// documented defaults, optionally overridden by env vars at process start.
package config

import (
	"os"
	"strconv"
	"time"
)

// BackpressurePolicy selects how a subscription's buffer behaves once full.
type BackpressurePolicy string

const (
	BackpressureDropOldest BackpressurePolicy = "drop-oldest"
	BackpressureDropNewest BackpressurePolicy = "drop-newest"
	BackpressureBlock      BackpressurePolicy = "block"
)

// IsolationLevel names a TransactionManager isolation level.
type IsolationLevel string

const (
	IsolationReadCommitted  IsolationLevel = "read-committed"
	IsolationRepeatableRead IsolationLevel = "repeatable-read"
	IsolationSerializable   IsolationLevel = "serializable"
)

// Config holds every recognized option from spec §6 plus the ambient
// retention-window knob documented in DESIGN.md's Open Question decisions.
type Config struct {
	MaxAgentsPerTeam  int
	DefaultMaxRetries int

	GracefulKillTimeout time.Duration

	EventBusBufferSize        int
	EventBusBackpressure      BackpressurePolicy
	EventBusStalledTimeout    time.Duration

	TransactionDefaultIsolation IsolationLevel
	TransactionMaxRetries       int
	TransactionDefaultTimeout   time.Duration

	WorkflowDefaultMaxConcurrency int

	FederationStaleThreshold     time.Duration
	FederationDeadThreshold      time.Duration
	FederationBreakerFailures    int
	FederationBreakerCooldown    time.Duration

	SupervisorTick time.Duration

	BudgetWarningThreshold  float64
	BudgetCriticalThreshold float64

	// RetentionWindow bounds how long terminal agents, completed workflows,
	// and session journals remain in durable state before eligible for
	// cleanup. Spec.md leaves agent/workflow/session retention unspecified
	// and separate; this config unifies them into one knob (see DESIGN.md).
	RetentionWindow time.Duration

	// MaxTreeDepth holds the hierarchical decomposition depth limit for the
	// `tree` team strategy (spec §4.5); no package reads it.
	MaxTreeDepth int

	// IdempotencyWindow holds how long an idempotency-key -> result mapping
	// is retained (spec §6); no package in this module stores such mappings.
	IdempotencyWindow time.Duration
}

// Default returns a Config populated with the defaults named throughout
// spec §4 and §6.
func Default() Config {
	return Config{
		MaxAgentsPerTeam:  100,
		DefaultMaxRetries: 3,

		GracefulKillTimeout: 10 * time.Second,

		EventBusBufferSize:     1024,
		EventBusBackpressure:   BackpressureDropOldest,
		EventBusStalledTimeout: 30 * time.Second,

		TransactionDefaultIsolation: IsolationReadCommitted,
		TransactionMaxRetries:       3,
		TransactionDefaultTimeout:   30 * time.Second,

		WorkflowDefaultMaxConcurrency: 4,

		FederationStaleThreshold:  30 * time.Second,
		FederationDeadThreshold:   2 * time.Minute,
		FederationBreakerFailures: 5,
		FederationBreakerCooldown: 60 * time.Second,

		SupervisorTick: 15 * time.Second,

		BudgetWarningThreshold:  0.75,
		BudgetCriticalThreshold: 0.90,

		RetentionWindow: 7 * 24 * time.Hour,
		MaxTreeDepth:    8,

		IdempotencyWindow: 24 * time.Hour,
	}
}

// FromEnv returns Default() overridden by any recognized CONTROLPLANE_*
// environment variables. Unset or unparsable variables fall back silently to
// the existing value, mirroring the teacher's permissive Options-struct
// defaulting (zero value means "use the default").
func FromEnv() Config {
	c := Default()

	envInt(&c.MaxAgentsPerTeam, "CONTROLPLANE_MAX_AGENTS_PER_TEAM")
	envInt(&c.DefaultMaxRetries, "CONTROLPLANE_DEFAULT_MAX_RETRIES")
	envDuration(&c.GracefulKillTimeout, "CONTROLPLANE_GRACEFUL_KILL_TIMEOUT_MS", time.Millisecond)

	envInt(&c.EventBusBufferSize, "CONTROLPLANE_EVENTBUS_BUFFER_SIZE")
	if v, ok := os.LookupEnv("CONTROLPLANE_EVENTBUS_BACKPRESSURE_POLICY"); ok && v != "" {
		c.EventBusBackpressure = BackpressurePolicy(v)
	}
	envDuration(&c.EventBusStalledTimeout, "CONTROLPLANE_EVENTBUS_STALLED_TIMEOUT_MS", time.Millisecond)

	if v, ok := os.LookupEnv("CONTROLPLANE_TRANSACTION_DEFAULT_ISOLATION"); ok && v != "" {
		c.TransactionDefaultIsolation = IsolationLevel(v)
	}
	envInt(&c.TransactionMaxRetries, "CONTROLPLANE_TRANSACTION_MAX_RETRIES")

	envInt(&c.WorkflowDefaultMaxConcurrency, "CONTROLPLANE_WORKFLOW_DEFAULT_MAX_CONCURRENCY")

	envDuration(&c.FederationStaleThreshold, "CONTROLPLANE_FEDERATION_STALE_MS", time.Millisecond)
	envDuration(&c.FederationDeadThreshold, "CONTROLPLANE_FEDERATION_DEAD_MS", time.Millisecond)
	envInt(&c.FederationBreakerFailures, "CONTROLPLANE_FEDERATION_BREAKER_FAILURE_COUNT")
	envDuration(&c.FederationBreakerCooldown, "CONTROLPLANE_FEDERATION_BREAKER_COOLDOWN_MS", time.Millisecond)

	envDuration(&c.SupervisorTick, "CONTROLPLANE_SUPERVISOR_TICK_MS", time.Millisecond)

	envFloat(&c.BudgetWarningThreshold, "CONTROLPLANE_BUDGET_WARNING_THRESHOLD")
	envFloat(&c.BudgetCriticalThreshold, "CONTROLPLANE_BUDGET_CRITICAL_THRESHOLD")

	envDuration(&c.RetentionWindow, "CONTROLPLANE_RETENTION_WINDOW_MS", time.Millisecond)
	envInt(&c.MaxTreeDepth, "CONTROLPLANE_MAX_TREE_DEPTH")
	envDuration(&c.IdempotencyWindow, "CONTROLPLANE_IDEMPOTENCY_WINDOW_MS", time.Millisecond)

	return c
}

func envInt(dst *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

func envFloat(dst *float64, key string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return
	}
	*dst = f
}

func envDuration(dst *time.Duration, key string, unit time.Duration) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return
	}
	*dst = time.Duration(n) * unit
}
