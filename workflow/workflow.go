// Package workflow implements spec §4.6's WorkflowEngine: it parses DAG
// definitions, validates them, and executes steps honoring dependencies,
// concurrency limits, retries, timeouts, and conditional (`when`) steps.
//
// Durable execution is delegated to workflow/engine.Engine (one registered
// engine workflow per Workflow run, one shared activity handler per step) so
// the same scheduling logic runs unmodified against the in-memory adapter in
// tests and the Temporal adapter in production, per runtime/agent/engine's
// pattern of keeping workflow code engine-agnostic.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentctrl/controlplane/errs"
	"github.com/agentctrl/controlplane/eventbus"
	"github.com/agentctrl/controlplane/workflow/engine"
)

// StepStatus is one step's execution status within a Workflow run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepRetrying  StepStatus = "retrying"
)

// OnErrorPolicy governs what happens when a step exhausts its retries
// (spec §4.6 step 5).
type OnErrorPolicy string

const (
	OnErrorFail     OnErrorPolicy = "fail"
	OnErrorContinue OnErrorPolicy = "continue"
)

// Status is the workflow's overall lifecycle status (spec §3 Workflow entity).
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Step is one DAG node (spec §3 Workflow.parsed DAG).
type Step struct {
	ID            string
	Task          string
	AgentSelector string
	When          string
	DependsOn     []string
	Timeout       time.Duration
	MaxRetries    int
}

// Definition is the parsed, validated DAG a Workflow executes.
type Definition struct {
	Name           string
	Steps          []Step
	MaxConcurrency int
	OnError        OnErrorPolicy
	Timeout        time.Duration
}

// StepResult records one step's terminal or in-flight outcome.
type StepResult struct {
	Status   StepStatus
	Output   any
	Err      string
	Attempts int
}

// Workflow is the durable workflow record (spec §3 Workflow entity).
type Workflow struct {
	ID         string
	TeamID     *string
	Definition Definition
	Status     Status
	Context    map[string]any
	Steps      map[string]*StepResult
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store persists Workflow records.
type Store interface {
	Insert(ctx context.Context, w *Workflow) error
	Get(ctx context.Context, id string) (*Workflow, error)
	Replace(ctx context.Context, w *Workflow) error
	Find(ctx context.Context) ([]*Workflow, error)
}

var ErrNotFound = errors.New("workflow: not found")

// StepExecutor runs one step's task to completion. Mirrors team.TaskExecutor's
// seam for treating agent work as opaque (spec §1 non-goals).
type StepExecutor interface {
	Execute(ctx context.Context, step Step, workflowCtx map[string]any) (result any, err error)
}

const stepActivityName = "workflow.executeStep"

// Orchestrator implements spec §4.6's WorkflowEngine.
type Orchestrator struct {
	store    Store
	bus      *eventbus.Bus
	eng      engine.Engine
	executor StepExecutor
	sleep    func(time.Duration)

	mu         sync.Mutex
	registered map[string]bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSleep overrides the backoff sleep function; tests use a no-op so
// retry-with-backoff scenarios run instantly.
func WithSleep(fn func(time.Duration)) Option { return func(o *Orchestrator) { o.sleep = fn } }

// New constructs an Orchestrator and registers the shared step activity.
func New(store Store, bus *eventbus.Bus, eng engine.Engine, executor StepExecutor, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		store:      store,
		bus:        bus,
		eng:        eng,
		executor:   executor,
		sleep:      time.Sleep,
		registered: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	err := eng.RegisterActivity(context.Background(), engine.ActivityDefinition{
		Name: stepActivityName,
		Handler: func(ctx context.Context, input any) (any, error) {
			call, ok := input.(stepCall)
			if !ok {
				return nil, fmt.Errorf("workflow: malformed step activity input")
			}
			return o.executor.Execute(ctx, call.Step, call.Context)
		},
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

type stepCall struct {
	Step    Step
	Context map[string]any
}

// CreateWorkflow validates the DAG and persists the workflow as pending
// (spec §4.6 "DAG validation").
func (o *Orchestrator) CreateWorkflow(ctx context.Context, def Definition, teamID *string) (*Workflow, error) {
	if def.MaxConcurrency == 0 {
		def.MaxConcurrency = 1
	}
	if def.OnError == "" {
		def.OnError = OnErrorFail
	}
	if err := ValidateDAG(def.Steps, def.MaxConcurrency); err != nil {
		return nil, errs.Validation("steps", err.Error())
	}

	now := time.Now()
	steps := make(map[string]*StepResult, len(def.Steps))
	for _, s := range def.Steps {
		steps[s.ID] = &StepResult{Status: StepPending}
	}
	w := &Workflow{
		ID:         newWorkflowID(),
		TeamID:     teamID,
		Definition: def,
		Status:     StatusPending,
		Context:    map[string]any{},
		Steps:      steps,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.store.Insert(ctx, w); err != nil {
		return nil, err
	}
	o.publish(ctx, "workflow.started", w)
	return w, nil
}

// StartWorkflow begins (or, after a restart, resumes) execution of a
// created workflow, blocking until it reaches a terminal status.
func (o *Orchestrator) StartWorkflow(ctx context.Context, id string) (*Workflow, error) {
	w, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// Resume semantics (spec §4.6 "Resume"): in-progress steps become
	// pending again; their attempt counts already accrued against retries.
	for _, r := range w.Steps {
		if r.Status == StepRunning || r.Status == StepRetrying {
			r.Status = StepPending
		}
	}
	w.Status = StatusRunning
	w.UpdatedAt = time.Now()
	w.Version++
	if err := o.store.Replace(ctx, w); err != nil {
		return nil, err
	}

	o.mu.Lock()
	if !o.registered[w.ID] {
		handler := o.dagHandler(w.ID)
		if err := o.eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{Name: w.ID, TaskQueue: "workflow", Handler: handler}); err != nil {
			o.mu.Unlock()
			return nil, err
		}
		o.registered[w.ID] = true
	}
	o.mu.Unlock()

	handle, err := o.eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: w.ID, Workflow: w.ID, TaskQueue: "workflow"})
	if err != nil {
		return nil, err
	}
	var result any
	waitErr := handle.Wait(ctx, &result)

	final, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if waitErr != nil && !final.Status.IsTerminal() {
		final.Status = StatusFailed
		final.UpdatedAt = time.Now()
		final.Version++
		_ = o.store.Replace(ctx, final)
		o.publish(ctx, "workflow.failed", final)
	}
	return final, nil
}

// dagHandler builds the engine.WorkflowFunc implementing spec §4.6's
// execution algorithm for workflow id.
func (o *Orchestrator) dagHandler(id string) engine.WorkflowFunc {
	return func(wctx engine.WorkflowContext, _ any) (any, error) {
		ctx := context.Background()
		w, err := o.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		steps := w.Definition.Steps
		byID := make(map[string]Step, len(steps))
		for _, s := range steps {
			byID[s.ID] = s
		}

		type inflight struct {
			step   Step
			future engine.Future
			since  time.Time
		}
		running := map[string]*inflight{}
		workflowFailed := false

		for {
			w, err := o.store.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			if allTerminal(steps, w.Steps) {
				break
			}

			ready := readySet(steps, w.Steps, w.Context)
			sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })

			slots := w.Definition.MaxConcurrency - len(running)
			for i := 0; i < len(ready) && slots > 0; i++ {
				s := ready[i]
				if _, inRun := running[s.ID]; inRun {
					continue
				}
				ok, evalErr := evalWhen(s.When, w.Context)
				if evalErr != nil {
					ok = false
				}
				if !ok {
					o.markStep(ctx, id, s.ID, &StepResult{Status: StepSkipped, Output: nil})
					continue
				}
				o.markStep(ctx, id, s.ID, &StepResult{Status: StepRunning, Attempts: stepAttempts(w, s.ID) + 1})
				o.publish(ctx, "workflow.step.running", map[string]string{"workflowId": id, "stepId": s.ID})
				fut, ferr := wctx.ExecuteActivityAsync(wctx.Context(), engine.ActivityRequest{
					Name:    stepActivityName,
					Input:   stepCall{Step: s, Context: w.Context},
					Timeout: s.Timeout,
				})
				if ferr != nil {
					o.markStep(ctx, id, s.ID, &StepResult{Status: StepFailed, Err: ferr.Error()})
					continue
				}
				running[s.ID] = &inflight{step: s, future: fut, since: wctx.Now()}
				slots--
			}

			if len(running) == 0 {
				if workflowFailed || len(readySet(steps, w.Steps, w.Context)) == 0 {
					break
				}
				o.sleep(5 * time.Millisecond)
				continue
			}

			// Poll for the first future to resolve. WorkflowContext must stay
			// single-goroutine (engine.WorkflowContext doc), so this loop
			// polls IsReady rather than fanning into concurrent Get calls.
			var resolvedID string
			for resolvedID == "" {
				for sid, rs := range running {
					if rs.future.IsReady() {
						resolvedID = sid
						break
					}
				}
				if resolvedID == "" {
					o.sleep(5 * time.Millisecond)
				}
			}
			rs := running[resolvedID]
			delete(running, resolvedID)

			var out any
			getErr := rs.future.Get(wctx.Context(), &out)
			cur, err := o.store.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			attempts := stepAttempts(cur, rs.step.ID)
			if getErr == nil {
				o.markStep(ctx, id, rs.step.ID, &StepResult{Status: StepCompleted, Output: out, Attempts: attempts})
				o.appendContext(ctx, id, rs.step.ID, out)
				o.publish(ctx, "workflow.step.completed", map[string]string{"workflowId": id, "stepId": rs.step.ID})
				continue
			}

			if attempts <= rs.step.MaxRetries {
				o.markStep(ctx, id, rs.step.ID, &StepResult{Status: StepPending, Attempts: attempts})
				o.publish(ctx, "workflow.step.retrying", map[string]string{"workflowId": id, "stepId": rs.step.ID})
				o.sleep(backoffFor(attempts))
				continue
			}
			o.markStep(ctx, id, rs.step.ID, &StepResult{Status: StepFailed, Err: getErr.Error(), Attempts: attempts})
			o.publish(ctx, "workflow.step.failed", map[string]string{"workflowId": id, "stepId": rs.step.ID})
			if w.Definition.OnError == OnErrorFail {
				workflowFailed = true
			}
		}

		// Steps that never became reachable because an ancestor failed under
		// the `continue` policy stay unreachable forever; mark them skipped
		// so the workflow can still reach a terminal status.
		if unresolved, err := o.store.Get(ctx, id); err == nil {
			for sid, r := range unresolved.Steps {
				if r.Status == StepPending {
					o.markStep(ctx, id, sid, &StepResult{Status: StepSkipped})
				}
			}
		}

		final, err := o.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		anyFailed := false
		for _, r := range final.Steps {
			if r.Status == StepFailed {
				anyFailed = true
			}
		}
		if anyFailed && final.Definition.OnError == OnErrorFail {
			final.Status = StatusFailed
			o.publish(ctx, "workflow.failed", final)
		} else {
			final.Status = StatusCompleted
			o.publish(ctx, "workflow.completed", final)
		}
		final.UpdatedAt = time.Now()
		final.Version++
		if err := o.store.Replace(ctx, final); err != nil {
			return nil, err
		}
		if final.Status == StatusFailed {
			return nil, fmt.Errorf("workflow %s failed", id)
		}
		return final.Context, nil
	}
}

func stepAttempts(w *Workflow, stepID string) int {
	if r, ok := w.Steps[stepID]; ok {
		return r.Attempts
	}
	return 0
}

func backoffFor(attempt int) time.Duration {
	d := time.Duration(attempt) * 200 * time.Millisecond
	if d > 5*time.Second {
		return 5 * time.Second
	}
	return d
}

func (o *Orchestrator) markStep(ctx context.Context, workflowID, stepID string, r *StepResult) {
	w, err := o.store.Get(ctx, workflowID)
	if err != nil {
		return
	}
	w.Steps[stepID] = r
	w.UpdatedAt = time.Now()
	w.Version++
	_ = o.store.Replace(ctx, w)
}

func (o *Orchestrator) appendContext(ctx context.Context, workflowID, stepID string, output any) {
	w, err := o.store.Get(ctx, workflowID)
	if err != nil {
		return
	}
	if w.Context == nil {
		w.Context = map[string]any{}
	}
	w.Context[stepID] = output
	w.UpdatedAt = time.Now()
	w.Version++
	_ = o.store.Replace(ctx, w)
}

// CancelWorkflow marks a workflow cancelled (spec §4.6 step 6 "or on cancel").
func (o *Orchestrator) CancelWorkflow(ctx context.Context, id string) (*Workflow, error) {
	w, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status.IsTerminal() {
		return w, nil
	}
	w.Status = StatusCancelled
	w.UpdatedAt = time.Now()
	w.Version++
	if err := o.store.Replace(ctx, w); err != nil {
		return nil, err
	}
	o.publish(ctx, "workflow.cancelled", w)
	return w, nil
}

func (o *Orchestrator) publish(ctx context.Context, topic string, payload any) {
	if o.bus == nil {
		return
	}
	_, _ = o.bus.Publish(ctx, topic, payload)
}

var workflowIDCounter uint64

func newWorkflowID() string {
	workflowIDCounter++
	return fmt.Sprintf("wf-%d-%d", time.Now().UnixNano(), workflowIDCounter)
}
