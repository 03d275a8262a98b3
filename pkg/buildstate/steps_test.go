package buildstate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bs "github.com/ethpandaops/runboor/pkg/buildstate"
	"github.com/ethpandaops/runboor/pkg/filter"
)

func uintPtr(v uint) *uint { return &v }

func TestNextJob(t *testing.T) {
	steps := []bs.Step{
		{ID: 1, Name: "install", Kind: bs.KindTesting},
		{ID: 2, Name: "tests", Kind: bs.KindTesting, Filter: "build_type != 'rebuild'"},
		{ID: 3, Name: "run", Kind: bs.KindRunning},
	}

	tests := []struct {
		name        string
		steps       []bs.Step
		active      *uint
		local       bs.State
		current     bs.Result
		attrs       filter.Attrs
		wantStep    uint
		wantState   bs.State
		wantResult  bs.Result
		wantSkipped int
		wantError   bool
	}{
		{name: "no steps", steps: nil, local: bs.StatePending, wantState: bs.StateDone},
		{name: "first step", steps: steps, local: bs.StatePending,
			attrs: filter.Attrs{"build_type": "normal"}, wantStep: 1, wantState: bs.StateTesting},
		{name: "next step", steps: steps, active: uintPtr(1), local: bs.StateTesting,
			attrs: filter.Attrs{"build_type": "normal"}, wantStep: 2, wantState: bs.StateTesting},
		{name: "filtered step skipped", steps: steps, active: uintPtr(1), local: bs.StateTesting,
			attrs: filter.Attrs{"build_type": "rebuild"}, wantStep: 3, wantState: bs.StateRunning, wantSkipped: 1},
		{name: "end of sequence", steps: steps, active: uintPtr(3), local: bs.StateRunning,
			wantState: bs.StateDone},
		{name: "manual step outside sequence", steps: steps, local: bs.StateTesting,
			wantState: bs.StateDone},
		{name: "removed active step", steps: steps, active: uintPtr(42), local: bs.StateTesting,
			current: bs.ResultWarn, wantState: bs.StateDone, wantResult: bs.ResultKO, wantError: true},
		{name: "removed active step keeps worse result", steps: steps, active: uintPtr(42), local: bs.StateTesting,
			current: bs.ResultKilled, wantState: bs.StateDone, wantResult: bs.ResultKilled, wantError: true},
		{name: "broken filter", steps: steps, active: uintPtr(1), local: bs.StateTesting,
			attrs: filter.Attrs{}, wantState: bs.StateDone, wantResult: bs.ResultKO, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bs.NextJob(tt.steps, tt.active, tt.local, tt.current, tt.attrs)

			assert.Equal(t, tt.wantState, got.State)
			assert.Equal(t, tt.wantResult, got.Result)
			assert.Len(t, got.Skipped, tt.wantSkipped)
			assert.Equal(t, tt.wantError, got.Error != "")

			if tt.wantStep == 0 {
				assert.Nil(t, got.Step)

				return
			}

			require.NotNil(t, got.Step)
			assert.Equal(t, tt.wantStep, got.Step.ID)
		})
	}
}
