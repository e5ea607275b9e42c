package team

import (
	"context"
	"fmt"
	"sync"
)

// TaskExecutor runs one agent's task to completion. The control plane treats
// the actual work as an opaque call (spec §1 non-goals: "every agent's
// actual work [is] an opaque execute task call that eventually returns a
// result or error"); TaskExecutor is that seam.
type TaskExecutor interface {
	Execute(ctx context.Context, agentID string, input any) (result any, err error)
}

// StrategyResult is the tagged-enum dispatch outcome (spec §9 "tagged enum
// with a dispatch function per variant"). Exactly one of the typed result
// fields is populated, matching Result.Strategy.
type StrategyResult struct {
	Strategy Strategy

	Parallel  *ParallelResult
	MapReduce *MapReduceResult
	Pipeline  *PipelineResult
	Tree      *TreeResult
}

// ParallelResult aggregates one outcome per agent, in AgentIDs order (spec
// §4.5: "Aggregated result = sequence of per-agent results").
type ParallelResult struct {
	Results []AgentOutcome
}

// MapReduceResult holds the per-chunk outcomes plus the reducer's output.
type MapReduceResult struct {
	ChunkResults []AgentOutcome
	Reduced      any
}

// PipelineResult holds one outcome per stage, in stage order. A stage after
// a non-recoverable failure is marked Skipped.
type PipelineResult struct {
	Stages []StageOutcome
}

// TreeResult reports the root outcome and every descendant spawned during
// execution.
type TreeResult struct {
	Root        AgentOutcome
	Descendants []AgentOutcome
}

// AgentOutcome is one agent's execution result within a strategy.
type AgentOutcome struct {
	AgentID string
	Output  any
	Err     error
}

// StageOutcome is one pipeline stage's execution result.
type StageOutcome struct {
	AgentID     string
	Output      any
	Err         error
	Skipped     bool
	Recoverable bool
}

// ExecuteStrategy dispatches to the variant named by the team's frozen
// Strategy (spec §4.5 executeStrategy / §9 "closed variant set... tagged
// enum with a dispatch function per variant").
func (o *Orchestrator) ExecuteStrategy(ctx context.Context, teamID string, executor TaskExecutor, input any) (StrategyResult, error) {
	t, err := o.store.Get(ctx, teamID)
	if err != nil {
		return StrategyResult{}, err
	}

	switch t.Strategy {
	case StrategyParallel:
		r := o.executeParallel(ctx, t, executor, input)
		return StrategyResult{Strategy: t.Strategy, Parallel: &r}, nil
	case StrategyMapReduce:
		r, err := o.executeMapReduce(ctx, t, executor, input)
		if err != nil {
			return StrategyResult{}, err
		}
		return StrategyResult{Strategy: t.Strategy, MapReduce: &r}, nil
	case StrategyPipeline:
		r := o.executePipeline(ctx, t, executor, input)
		return StrategyResult{Strategy: t.Strategy, Pipeline: &r}, nil
	case StrategyTree:
		r := o.executeTree(ctx, t, executor, input)
		return StrategyResult{Strategy: t.Strategy, Tree: &r}, nil
	default:
		return StrategyResult{}, fmt.Errorf("team: unknown strategy %q", t.Strategy)
	}
}

// executeParallel runs every agent independently on the same input and
// completes when all are done (spec §4.5 `parallel`).
func (o *Orchestrator) executeParallel(ctx context.Context, t *Team, executor TaskExecutor, input any) ParallelResult {
	results := make([]AgentOutcome, len(t.AgentIDs))
	var wg sync.WaitGroup
	for i, id := range t.AgentIDs {
		wg.Add(1)
		go func(i int, agentID string) {
			defer wg.Done()
			out, err := executor.Execute(ctx, agentID, input)
			results[i] = AgentOutcome{AgentID: agentID, Output: out, Err: err}
		}(i, id)
	}
	wg.Wait()
	return ParallelResult{Results: results}
}

// executeMapReduce partitions input into one chunk per agent, dispatches
// chunks concurrently, then runs the reducer over the combined outputs
// (spec §4.5 `map-reduce`). Reducer failure fails the whole strategy;
// per-chunk failure is reported in ChunkResults without aborting siblings.
func (o *Orchestrator) executeMapReduce(ctx context.Context, t *Team, executor TaskExecutor, input any) (MapReduceResult, error) {
	chunks, ok := input.([]any)
	if !ok || len(chunks) == 0 {
		chunks = make([]any, len(t.AgentIDs))
		for i := range chunks {
			chunks[i] = input
		}
	}
	n := len(t.AgentIDs)
	if len(chunks) > n {
		chunks = chunks[:n]
	}

	results := make([]AgentOutcome, len(chunks))
	var wg sync.WaitGroup
	for i, id := range t.AgentIDs {
		if i >= len(chunks) {
			break
		}
		wg.Add(1)
		go func(i int, agentID string, chunk any) {
			defer wg.Done()
			out, err := executor.Execute(ctx, agentID, chunk)
			results[i] = AgentOutcome{AgentID: agentID, Output: out, Err: err}
		}(i, id, chunks[i])
	}
	wg.Wait()

	reducerID := t.MapReduceReducerAgentID
	if reducerID == "" && len(t.AgentIDs) > 0 {
		reducerID = t.AgentIDs[len(t.AgentIDs)-1]
	}
	combined := make([]any, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			combined = append(combined, r.Output)
		}
	}
	reduced, err := executor.Execute(ctx, reducerID, combined)
	if err != nil {
		return MapReduceResult{ChunkResults: results}, fmt.Errorf("team: reducer %s failed: %w", reducerID, err)
	}
	return MapReduceResult{ChunkResults: results, Reduced: reduced}, nil
}

// executePipeline threads output i into input i+1 across PipelineStages
// (spec §4.5 `pipeline`). A non-recoverable stage failure marks every
// remaining stage Skipped instead of executing it.
func (o *Orchestrator) executePipeline(ctx context.Context, t *Team, executor TaskExecutor, input any) PipelineResult {
	stages := t.PipelineStages
	if len(stages) == 0 {
		stages = make([]PipelineStage, len(t.AgentIDs))
		for i, id := range t.AgentIDs {
			stages[i] = PipelineStage{AgentID: id}
		}
	}

	outcomes := make([]StageOutcome, len(stages))
	current := input
	failed := false
	for i, stage := range stages {
		if failed {
			outcomes[i] = StageOutcome{AgentID: stage.AgentID, Skipped: true, Recoverable: stage.Recoverable}
			continue
		}
		out, err := executor.Execute(ctx, stage.AgentID, current)
		outcomes[i] = StageOutcome{AgentID: stage.AgentID, Output: out, Err: err, Recoverable: stage.Recoverable}
		if err != nil && !stage.Recoverable {
			failed = true
			continue
		}
		if err == nil {
			current = out
		}
	}
	return PipelineResult{Stages: outcomes}
}

// executeTree runs the root agent (the first entry of t.AgentIDs), then every
// other listed agent in order, each with the same input (spec §4.5 `tree`).
// It does not read t.TreeMaxDepth, does not track agents spawned as
// children, and does not wait for any subtree to reach a terminal status.
func (o *Orchestrator) executeTree(ctx context.Context, t *Team, executor TaskExecutor, input any) TreeResult {
	if len(t.AgentIDs) == 0 {
		return TreeResult{}
	}
	rootID := t.AgentIDs[0]
	out, err := executor.Execute(ctx, rootID, input)
	root := AgentOutcome{AgentID: rootID, Output: out, Err: err}

	descendants := make([]AgentOutcome, 0, len(t.AgentIDs)-1)
	for _, id := range t.AgentIDs[1:] {
		dOut, dErr := executor.Execute(ctx, id, input)
		descendants = append(descendants, AgentOutcome{AgentID: id, Output: dOut, Err: dErr})
	}
	return TreeResult{Root: root, Descendants: descendants}
}
