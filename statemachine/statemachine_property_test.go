package statemachine

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestTransitionOnlyEverReachesAllowedStatesProperty checks, for any random
// walk of start/stop events over the traffic-light definition, that the
// machine's state after each step is always either unchanged (the event was
// rejected) or one of the definition's declared legal targets for the state
// the entity was in before the step — it never lands somewhere the
// transition table doesn't allow.
func TestTransitionOnlyEverReachesAllowedStatesProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	events := []event{eventStart, eventStop}

	properties.Property("every transition lands on the prior state or a declared target", prop.ForAll(
		func(steps []int) bool {
			def := trafficLightDef()
			m := New(def)
			ctx := context.Background()
			before := m.State("walker")
			for _, i := range steps {
				ev := events[i%len(events)]
				target, allowed := def.CanTransition(before, ev)
				res, err := m.Transition(ctx, "walker", ev)
				after := m.State("walker")
				if allowed {
					if err != nil || res.To != target || after != target {
						return false
					}
				} else if err == nil || after != before {
					return false
				}
				before = after
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 1)),
	))

	properties.TestingRun(t)
}
