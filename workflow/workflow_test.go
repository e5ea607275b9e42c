package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentctrl/controlplane/eventbus"
	"github.com/agentctrl/controlplane/workflow/engine/inmem"
)

type recordingStepExecutor struct {
	mu        sync.Mutex
	order     []string
	failUntil map[string]int
	attempts  map[string]int
}

func newRecordingStepExecutor() *recordingStepExecutor {
	return &recordingStepExecutor{failUntil: map[string]int{}, attempts: map[string]int{}}
}

func (e *recordingStepExecutor) Execute(ctx context.Context, step Step, workflowCtx map[string]any) (any, error) {
	e.mu.Lock()
	e.order = append(e.order, step.ID)
	e.attempts[step.ID]++
	attempt := e.attempts[step.ID]
	failUntil := e.failUntil[step.ID]
	e.mu.Unlock()

	if attempt <= failUntil {
		return nil, errors.New("injected failure")
	}
	return step.ID + ":ok", nil
}

func newTestOrchestrator(t *testing.T, exec StepExecutor) *Orchestrator {
	t.Helper()
	eng := inmem.New()
	bus := eventbus.New(nil)
	orch, err := New(NewMemStore(), bus, eng, exec, WithSleep(func(time.Duration) {}))
	require.NoError(t, err)
	return orch
}

// TestFanOutOrderingSerializedByConcurrencyOne exercises property E4 at
// maxConcurrency=1: A -> {B, C} -> D must run strictly in order A, B, C, D
// (lexicographic tie-break between B and C).
func TestFanOutOrderingSerializedByConcurrencyOne(t *testing.T) {
	exec := newRecordingStepExecutor()
	orch := newTestOrchestrator(t, exec)

	def := Definition{
		Name:           "fanout",
		MaxConcurrency: 1,
		Steps: []Step{
			{ID: "A"},
			{ID: "B", DependsOn: []string{"A"}},
			{ID: "C", DependsOn: []string{"A"}},
			{ID: "D", DependsOn: []string{"B", "C"}},
		},
	}
	w, err := orch.CreateWorkflow(context.Background(), def, nil)
	require.NoError(t, err)

	final, err := orch.StartWorkflow(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, []string{"A", "B", "C", "D"}, exec.order)
}

// TestFanOutMaxConcurrencyTwoRunsBAndCBeforeD exercises E4 at
// maxConcurrency=2: A completes before B and C start; D starts only after
// both B and C complete. B/C relative order between themselves is not
// constrained once concurrency allows both.
func TestFanOutMaxConcurrencyTwoRunsBAndCBeforeD(t *testing.T) {
	exec := newRecordingStepExecutor()
	orch := newTestOrchestrator(t, exec)

	def := Definition{
		Name:           "fanout2",
		MaxConcurrency: 2,
		Steps: []Step{
			{ID: "A"},
			{ID: "B", DependsOn: []string{"A"}},
			{ID: "C", DependsOn: []string{"A"}},
			{ID: "D", DependsOn: []string{"B", "C"}},
		},
	}
	w, err := orch.CreateWorkflow(context.Background(), def, nil)
	require.NoError(t, err)

	final, err := orch.StartWorkflow(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	require.Len(t, exec.order, 4)
	assert.Equal(t, "A", exec.order[0])
	assert.Equal(t, "D", exec.order[3])
	assert.ElementsMatch(t, []string{"B", "C"}, exec.order[1:3])
}

func TestStepRetriesThenSucceeds(t *testing.T) {
	exec := newRecordingStepExecutor()
	exec.failUntil["flaky"] = 2 // fails twice, succeeds on 3rd attempt
	orch := newTestOrchestrator(t, exec)

	def := Definition{
		Name:           "retry",
		MaxConcurrency: 1,
		Steps:          []Step{{ID: "flaky", MaxRetries: 3}},
	}
	w, err := orch.CreateWorkflow(context.Background(), def, nil)
	require.NoError(t, err)

	final, err := orch.StartWorkflow(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, StepCompleted, final.Steps["flaky"].Status)
	assert.Equal(t, 3, final.Steps["flaky"].Attempts)
}

func TestStepExhaustsRetriesFailsWorkflowUnderFailPolicy(t *testing.T) {
	exec := newRecordingStepExecutor()
	exec.failUntil["broken"] = 99
	orch := newTestOrchestrator(t, exec)

	def := Definition{
		Name:           "failfast",
		MaxConcurrency: 1,
		OnError:        OnErrorFail,
		Steps:          []Step{{ID: "broken", MaxRetries: 1}},
	}
	w, err := orch.CreateWorkflow(context.Background(), def, nil)
	require.NoError(t, err)

	final, err := orch.StartWorkflow(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, StepFailed, final.Steps["broken"].Status)
}

func TestOnErrorContinueRunsUnaffectedSiblings(t *testing.T) {
	exec := newRecordingStepExecutor()
	exec.failUntil["broken"] = 99
	orch := newTestOrchestrator(t, exec)

	def := Definition{
		Name:           "continue",
		MaxConcurrency: 2,
		OnError:        OnErrorContinue,
		Steps: []Step{
			{ID: "broken", MaxRetries: 0},
			{ID: "sibling"},
			{ID: "dependent", DependsOn: []string{"broken"}},
		},
	}
	w, err := orch.CreateWorkflow(context.Background(), def, nil)
	require.NoError(t, err)

	final, err := orch.StartWorkflow(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, StepFailed, final.Steps["broken"].Status)
	assert.Equal(t, StepCompleted, final.Steps["sibling"].Status)
	assert.Equal(t, StepSkipped, final.Steps["dependent"].Status)
}

func TestConditionalStepFalseWhenIsSkippedAndSatisfiesDependents(t *testing.T) {
	exec := newRecordingStepExecutor()
	orch := newTestOrchestrator(t, exec)

	def := Definition{
		Name:           "conditional",
		MaxConcurrency: 1,
		Steps: []Step{
			{ID: "gate", When: "proceed"},
			{ID: "after", DependsOn: []string{"gate"}},
		},
	}
	w, err := orch.CreateWorkflow(context.Background(), def, nil)
	require.NoError(t, err)

	final, err := orch.StartWorkflow(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, StepSkipped, final.Steps["gate"].Status)
	assert.Equal(t, StepCompleted, final.Steps["after"].Status)
}

func TestResumeTreatsInProgressStepsAsPending(t *testing.T) {
	orch, err := New(NewMemStore(), eventbus.New(nil), inmem.New(), newRecordingStepExecutor(), WithSleep(func(time.Duration) {}))
	require.NoError(t, err)

	def := Definition{Name: "resume", MaxConcurrency: 1, Steps: []Step{{ID: "a"}}}
	w, err := orch.CreateWorkflow(context.Background(), def, nil)
	require.NoError(t, err)

	// Simulate a crash mid-step: status left as running with one attempt
	// already recorded.
	persisted, err := orch.store.Get(context.Background(), w.ID)
	require.NoError(t, err)
	persisted.Steps["a"].Status = StepRunning
	persisted.Steps["a"].Attempts = 1
	require.NoError(t, orch.store.Replace(context.Background(), persisted))

	final, err := orch.StartWorkflow(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, StepCompleted, final.Steps["a"].Status)
}
