package buildstate

import (
	"fmt"

	"github.com/ethpandaops/runboor/pkg/filter"
)

// StepKind decides the state a build is in while a step runs.
type StepKind string

// Step kinds.
const (
	KindTesting StepKind = "testing"
	KindRunning StepKind = "running"
)

// State returns the local state of a build executing a step of kind k.
func (k StepKind) State() State {
	if k == KindRunning {
		return StateRunning
	}

	return StateTesting
}

// Step is the part of a configured step that drives progression.
type Step struct {
	ID     uint
	Name   string
	Kind   StepKind
	Filter string
}

// Transition is the outcome of advancing a build to its next step.
type Transition struct {
	// Step is the new active step, nil when the build is finished.
	Step *Step
	// State is the new local state.
	State State
	// Result is set when progression escalates the local result.
	Result Result
	// Skipped lists the steps whose filter did not match.
	Skipped []Step
	// Error describes a configuration problem that forced the build done.
	Error string
}

// NextJob computes the step following active in steps. attrs describe the
// build and are matched against step filters.
func NextJob(steps []Step, active *uint, local State, current Result, attrs filter.Attrs) Transition {
	done := Transition{State: StateDone}

	if len(steps) == 0 {
		return done
	}

	// A step was run outside of the configured sequence.
	if active == nil && local != StatePending {
		return done
	}

	next := 0

	if active != nil {
		idx := -1

		for i := range steps {
			if steps[i].ID == *active {
				idx = i

				break
			}
		}

		if idx < 0 {
			return Transition{
				State:  StateDone,
				Result: Worst(current, ResultKO),
				Error:  "Config was modified and current step does not exist anymore, skipping.",
			}
		}

		next = idx + 1
	}

	var skipped []Step

	for ; next < len(steps); next++ {
		step := steps[next]

		ok, err := filter.Match(step.Filter, attrs)
		if err != nil {
			return Transition{
				State:   StateDone,
				Result:  Worst(current, ResultKO),
				Skipped: skipped,
				Error:   fmt.Sprintf("Invalid filter on step %s: %v", step.Name, err),
			}
		}

		if !ok {
			skipped = append(skipped, step)

			continue
		}

		return Transition{Step: &step, State: step.Kind.State(), Skipped: skipped}
	}

	done.Skipped = skipped

	return done
}
