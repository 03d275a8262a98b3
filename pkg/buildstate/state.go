// Package buildstate holds the build lifecycle vocabulary and the pure
// functions aggregating state and result over a build tree.
package buildstate

import (
	"errors"
	"fmt"
)

// State is the progress of a build.
type State string

// Build states, in progression order.
const (
	StateNone    State = ""
	StatePending State = "pending"
	StateTesting State = "testing"
	StateWaiting State = "waiting"
	StateRunning State = "running"
	StateDone    State = "done"
)

// Result is the outcome of a build.
type Result string

// Build results, in severity order.
const (
	ResultNone           Result = ""
	ResultOK             Result = "ok"
	ResultWarn           Result = "warn"
	ResultKO             Result = "ko"
	ResultSkipped        Result = "skipped"
	ResultKilled         Result = "killed"
	ResultManuallyKilled Result = "manually_killed"
)

// Action is a transition requested on a build and consumed by the
// scheduler of the build's host.
type Action string

// Requested actions.
const (
	ActionNone     Action = ""
	ActionWakeUp   Action = "wake_up"
	ActionDeathrow Action = "deathrow"
)

var stateOrder = []State{StatePending, StateTesting, StateWaiting, StateRunning, StateDone}

var resultOrder = []Result{
	ResultOK, ResultWarn, ResultKO, ResultSkipped, ResultKilled, ResultManuallyKilled,
}

// ErrWeakerResult is returned when a write would loosen a build result.
var ErrWeakerResult = errors.New("local result cannot be set to a less critical level")

// Rank returns the position of s in the progression order, -1 if unknown.
func (s State) Rank() int {
	for i, o := range stateOrder {
		if o == s {
			return i
		}
	}

	return -1
}

// Valid reports whether s is a known, non-empty state.
func (s State) Valid() bool {
	return s.Rank() >= 0
}

// Severity returns the position of r in the severity order, -1 if unset
// or unknown.
func (r Result) Severity() int {
	for i, o := range resultOrder {
		if o == r {
			return i
		}
	}

	return -1
}

// Valid reports whether r is a known, non-empty result.
func (r Result) Valid() bool {
	return r.Severity() >= 0
}

// Worst returns the most severe of the given results, ignoring unset ones.
// With nothing set it returns ok.
func Worst(results ...Result) Result {
	worst := 0

	for _, r := range results {
		if s := r.Severity(); s > worst {
			worst = s
		}
	}

	return resultOrder[worst]
}

// worstCapped is Worst limited to the severity of limit.
func worstCapped(limit Result, results ...Result) Result {
	w := Worst(results...)
	if w.Severity() > limit.Severity() {
		return limit
	}

	return w
}

// Youngest returns the least progressed of the given states.
func Youngest(states ...State) State {
	youngest := len(stateOrder) - 1

	for _, s := range states {
		if r := s.Rank(); r >= 0 && r < youngest {
			youngest = r
		}
	}

	return stateOrder[youngest]
}

// Child is the view of a child build used by the aggregate functions.
type Child struct {
	GlobalState  State
	GlobalResult Result
	Orphan       bool
}

func counted(children []Child) []Child {
	out := make([]Child, 0, len(children))

	for _, c := range children {
		if !c.Orphan {
			out = append(out, c)
		}
	}

	return out
}

// GlobalState aggregates the state of a build over its non-orphan
// children. A finished or running build whose children are not all past
// waiting reports waiting.
func GlobalState(local State, children []Child) State {
	kids := counted(children)

	if local.Rank() <= StateWaiting.Rank() || len(kids) == 0 {
		return local
	}

	states := make([]State, 0, len(kids))
	for _, c := range kids {
		states = append(states, c.GlobalState)
	}

	if Youngest(states...).Rank() > StateWaiting.Rank() {
		return local
	}

	return StateWaiting
}

// GlobalResult aggregates the result of a build over its non-orphan
// children. A local result of ko or worse always wins; children alone can
// never push the aggregate beyond ko.
func GlobalResult(local Result, children []Child) Result {
	if local.Severity() >= ResultKO.Severity() {
		return local
	}

	kids := counted(children)
	if len(kids) == 0 {
		return local
	}

	results := make([]Result, 0, len(kids))
	for _, c := range kids {
		results = append(results, c.GlobalResult)
	}

	childResult := worstCapped(ResultKO, results...)

	if local == ResultNone {
		return childResult
	}

	return Worst(local, childResult)
}

// CheckResultWrite rejects writing next over current when next is not the
// worst of both.
func CheckResultWrite(current, next Result) error {
	if next == ResultNone {
		if current == ResultNone {
			return nil
		}

		return fmt.Errorf("%w: clearing %s", ErrWeakerResult, current)
	}

	if !next.Valid() {
		return fmt.Errorf("unknown result %q", next)
	}

	if next != Worst(current, next) {
		return fmt.Errorf("%w: %s over %s", ErrWeakerResult, next, current)
	}

	return nil
}

// StatusState maps an aggregate state and result onto a commit status
// state. The second return value is false when nothing should be reported.
func StatusState(state State, result Result) (string, bool) {
	switch {
	case result == ResultKO || result == ResultWarn:
		return "failure", true
	case state == StatePending || state == StateTesting:
		return "pending", true
	case state == StateRunning || state == StateDone:
		if result == ResultOK {
			return "success", true
		}

		return "error", true
	}

	return "", false
}
