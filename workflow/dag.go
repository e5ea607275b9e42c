package workflow

import "fmt"

// ValidateDAG rejects self-loops, unknown dependency ids, duplicate step
// ids, and dependency cycles (spec §4.6 "DAG validation"), plus a
// maxConcurrency below 1.
func ValidateDAG(steps []Step, maxConcurrency int) error {
	if maxConcurrency < 1 {
		return fmt.Errorf("workflow: maxConcurrency must be >= 1, got %d", maxConcurrency)
	}

	byID := make(map[string]Step, len(steps))
	for _, s := range steps {
		if _, dup := byID[s.ID]; dup {
			return fmt.Errorf("workflow: duplicate step id %q", s.ID)
		}
		byID[s.ID] = s
	}

	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return fmt.Errorf("workflow: step %q depends on itself", s.ID)
			}
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("workflow: step %q depends on unknown step %q", s.ID, dep)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return fmt.Errorf("workflow: dependency cycle detected at step %q", id)
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, s := range steps {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}

// readySet computes §4.6 step 1: steps not yet started or finished whose
// every dependency is completed or skipped. It does not evaluate `when`;
// dagHandler does that for each ready step.
func readySet(steps []Step, results map[string]*StepResult, ctxVars map[string]any) []Step {
	var ready []Step
	for _, s := range steps {
		r := results[s.ID]
		if r != nil && (r.Status == StepCompleted || r.Status == StepRunning || r.Status == StepFailed || r.Status == StepSkipped) {
			continue
		}
		depsSatisfied := true
		for _, dep := range s.DependsOn {
			dr := results[dep]
			if dr == nil || (dr.Status != StepCompleted && dr.Status != StepSkipped) {
				depsSatisfied = false
				break
			}
		}
		if !depsSatisfied {
			continue
		}
		ready = append(ready, s)
	}
	return ready
}

func allTerminal(steps []Step, results map[string]*StepResult) bool {
	for _, s := range steps {
		r := results[s.ID]
		if r == nil {
			return false
		}
		switch r.Status {
		case StepCompleted, StepFailed, StepSkipped:
		default:
			return false
		}
	}
	return true
}
