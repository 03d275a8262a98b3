package buildstate_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bs "github.com/ethpandaops/runboor/pkg/buildstate"
)

func TestWorst(t *testing.T) {
	tests := []struct {
		name    string
		results []bs.Result
		want    bs.Result
	}{
		{name: "nothing set defaults to ok", want: bs.ResultOK},
		{name: "unset ignored", results: []bs.Result{bs.ResultNone, bs.ResultWarn}, want: bs.ResultWarn},
		{name: "ko beats warn", results: []bs.Result{bs.ResultWarn, bs.ResultKO}, want: bs.ResultKO},
		{name: "manual kill is worst", results: []bs.Result{bs.ResultManuallyKilled, bs.ResultKilled}, want: bs.ResultManuallyKilled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, bs.Worst(tt.results...))
		})
	}
}

func TestGlobalState(t *testing.T) {
	tests := []struct {
		name     string
		local    bs.State
		children []bs.Child
		want     bs.State
	}{
		{name: "no children", local: bs.StateDone, want: bs.StateDone},
		{name: "testing ignores children", local: bs.StateTesting,
			children: []bs.Child{{GlobalState: bs.StatePending}}, want: bs.StateTesting},
		{name: "done waits for testing child", local: bs.StateDone,
			children: []bs.Child{{GlobalState: bs.StateDone}, {GlobalState: bs.StateTesting}}, want: bs.StateWaiting},
		{name: "done waits for waiting child", local: bs.StateDone,
			children: []bs.Child{{GlobalState: bs.StateWaiting}}, want: bs.StateWaiting},
		{name: "done with running and done children", local: bs.StateDone,
			children: []bs.Child{{GlobalState: bs.StateRunning}, {GlobalState: bs.StateDone}}, want: bs.StateDone},
		{name: "running with done children", local: bs.StateRunning,
			children: []bs.Child{{GlobalState: bs.StateDone}}, want: bs.StateRunning},
		{name: "orphan children ignored", local: bs.StateDone,
			children: []bs.Child{{GlobalState: bs.StatePending, Orphan: true}}, want: bs.StateDone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, bs.GlobalState(tt.local, tt.children))
		})
	}
}

func TestGlobalResult(t *testing.T) {
	tests := []struct {
		name     string
		local    bs.Result
		children []bs.Child
		want     bs.Result
	}{
		{name: "no children", local: bs.ResultWarn, want: bs.ResultWarn},
		{name: "unset without children", local: bs.ResultNone, want: bs.ResultNone},
		{name: "local ko wins over killed child", local: bs.ResultKO,
			children: []bs.Child{{GlobalResult: bs.ResultKilled}}, want: bs.ResultKO},
		{name: "local killed wins", local: bs.ResultKilled,
			children: []bs.Child{{GlobalResult: bs.ResultOK}}, want: bs.ResultKilled},
		{name: "children capped at ko", local: bs.ResultOK,
			children: []bs.Child{{GlobalResult: bs.ResultManuallyKilled}}, want: bs.ResultKO},
		{name: "unset local takes children", local: bs.ResultNone,
			children: []bs.Child{{GlobalResult: bs.ResultWarn}, {GlobalResult: bs.ResultOK}}, want: bs.ResultWarn},
		{name: "children without results count as ok", local: bs.ResultNone,
			children: []bs.Child{{GlobalResult: bs.ResultNone}}, want: bs.ResultOK},
		{name: "warn local with ok child", local: bs.ResultWarn,
			children: []bs.Child{{GlobalResult: bs.ResultOK}}, want: bs.ResultWarn},
		{name: "orphan ko ignored", local: bs.ResultOK,
			children: []bs.Child{{GlobalResult: bs.ResultKO, Orphan: true}}, want: bs.ResultOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, bs.GlobalResult(tt.local, tt.children))
		})
	}
}

func TestGlobalResult_FailFast(t *testing.T) {
	children := []bs.Child{{GlobalResult: bs.ResultOK}, {GlobalResult: bs.ResultManuallyKilled}}

	for _, local := range []bs.Result{bs.ResultKO, bs.ResultSkipped, bs.ResultKilled, bs.ResultManuallyKilled} {
		got := bs.GlobalResult(local, children)
		assert.GreaterOrEqual(t, got.Severity(), local.Severity(), "local %s", local)
	}
}

func TestCheckResultWrite(t *testing.T) {
	tests := []struct {
		name    string
		current bs.Result
		next    bs.Result
		wantErr bool
	}{
		{name: "set from unset", current: bs.ResultNone, next: bs.ResultOK},
		{name: "tighten", current: bs.ResultWarn, next: bs.ResultKO},
		{name: "same value", current: bs.ResultKO, next: bs.ResultKO},
		{name: "ok over ko", current: bs.ResultKO, next: bs.ResultOK, wantErr: true},
		{name: "clear", current: bs.ResultWarn, next: bs.ResultNone, wantErr: true},
		{name: "unknown", current: bs.ResultNone, next: bs.Result("bogus"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := bs.CheckResultWrite(tt.current, tt.next)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
		})
	}

	require.ErrorIs(t, bs.CheckResultWrite(bs.ResultKO, bs.ResultOK), bs.ErrWeakerResult)
}

func TestStatusState(t *testing.T) {
	tests := []struct {
		state  bs.State
		result bs.Result
		want   string
		ok     bool
	}{
		{bs.StateDone, bs.ResultKO, "failure", true},
		{bs.StateTesting, bs.ResultWarn, "failure", true},
		{bs.StatePending, bs.ResultNone, "pending", true},
		{bs.StateDone, bs.ResultOK, "success", true},
		{bs.StateRunning, bs.ResultKilled, "error", true},
		{bs.StateWaiting, bs.ResultNone, "", false},
	}

	for _, tt := range tests {
		got, ok := bs.StatusState(tt.state, tt.result)
		assert.Equal(t, tt.ok, ok)
		assert.Equal(t, tt.want, got)
	}
}

func TestTiming(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(-10 * time.Minute)
	end := now.Add(-4 * time.Minute)

	assert.Zero(t, bs.JobTime(nil, nil, now))
	assert.Equal(t, 6*time.Minute, bs.JobTime(&start, &end, now))
	assert.Equal(t, 10*time.Minute, bs.JobTime(&start, nil, now))

	assert.Equal(t, 6*time.Minute, bs.BuildTime(&start, &end, bs.StateDone, now))
	assert.Equal(t, 10*time.Minute, bs.BuildTime(&start, &end, bs.StateWaiting, now))

	assert.Equal(t, 10*time.Minute, bs.BuildAge(&start, now))
	assert.Zero(t, bs.BuildAge(nil, now))
}
