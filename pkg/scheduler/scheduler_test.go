package scheduler

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bs "github.com/ethpandaops/runboor/pkg/buildstate"
	"github.com/ethpandaops/runboor/pkg/config"
	"github.com/ethpandaops/runboor/pkg/metrics"
	"github.com/ethpandaops/runboor/pkg/store"
	"github.com/ethpandaops/runboor/pkg/store/storetest"
)

const testHost = "host-a"

type fakeMachine struct {
	mu    sync.Mutex
	calls map[string][]uint
	errs  map[uint]error
}

func (f *fakeMachine) record(op string, b *store.Build) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[op] = append(f.calls[op], b.ID)

	return f.errs[b.ID]
}

func (f *fakeMachine) called(op string) []uint {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := slices.Clone(f.calls[op])
	slices.Sort(out)

	return out
}

func (f *fakeMachine) InitPending(_ context.Context, b *store.Build) error {
	return f.record("init", b)
}

func (f *fakeMachine) ScheduleTick(_ context.Context, b *store.Build) error {
	return f.record("tick", b)
}

func (f *fakeMachine) ProcessRequestedAction(_ context.Context, b *store.Build) error {
	return f.record("requested", b)
}

func (f *fakeMachine) Kill(_ context.Context, b *store.Build, _ bs.Result) error {
	return f.record("kill", b)
}

func (f *fakeMachine) AskKill(_ context.Context, b *store.Build, _ string) error {
	return f.record("ask_kill", b)
}

func (f *fakeMachine) Rebuild(_ context.Context, b *store.Build, _ string) (*store.Build, error) {
	return b, f.record("rebuild", b)
}

func (f *fakeMachine) WakeUp(_ context.Context, b *store.Build) error {
	return f.record("wake_up", b)
}

func (f *fakeMachine) Skip(_ context.Context, b *store.Build, _ string) error {
	return f.record("skip", b)
}

func (f *fakeMachine) ReportStatus(_ context.Context, b *store.Build) error {
	return f.record("report", b)
}

type fakeBatches struct {
	mu    sync.Mutex
	calls int
	ids   []uint
	err   error
}

func (f *fakeBatches) Prepare(context.Context, uint, bool) error { return nil }

func (f *fakeBatches) RegisterHead(context.Context, uint, string) (*store.Batch, error) {
	return nil, nil
}

func (f *fakeBatches) CreateMissingBuild(context.Context, uint) (*store.Build, error) {
	return nil, nil
}

func (f *fakeBatches) Process(context.Context, time.Time) ([]uint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++

	return f.ids, f.err
}

type harness struct {
	s       *scheduler
	fx      *storetest.Fixture
	machine *fakeMachine
	batches *fakeBatches
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, mutate func(*config.SchedulerConfig)) *harness {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	st := storetest.New(t)

	cfg := &config.SchedulerConfig{
		PollInterval: 10 * time.Millisecond,
		Concurrency:  2,
		MaxWorkers:   2,
		MaxRunning:   10,
	}
	if mutate != nil {
		mutate(cfg)
	}

	h := &harness{
		fx:      storetest.Seed(t, st),
		machine: &fakeMachine{calls: map[string][]uint{}, errs: map[uint]error{}},
		batches: &fakeBatches{},
		metrics: metrics.Discard(),
	}

	sched, ok := NewScheduler(log, cfg, testHost, st, h.machine, h.batches, h.metrics).(*scheduler)
	require.True(t, ok)

	h.s = sched

	return h
}

func (h *harness) build(t *testing.T, state bs.State, mutate func(*store.Build)) *store.Build {
	t.Helper()

	return h.fx.Build(t, func(b *store.Build) {
		b.Host = testHost
		b.LocalState = state
		b.GlobalState = state

		if mutate != nil {
			mutate(b)
		}
	})
}

// slot attaches b to a new batch of the base bundle.
func (h *harness) slot(t *testing.T, b *store.Build, skipped bool) {
	t.Helper()

	ctx := context.Background()

	batch := &store.Batch{BundleID: h.fx.Base.ID, Category: config.DefaultCategory, State: store.BatchReady}
	require.NoError(t, h.fx.Store.CreateBatch(ctx, batch))

	require.NoError(t, h.fx.Store.CreateSlot(ctx, &store.BatchSlot{
		BatchID:   batch.ID,
		TriggerID: h.fx.Trigger.ID,
		ParamsID:  b.ParamsID,
		BuildID:   &b.ID,
		LinkType:  store.LinkCreated,
		Active:    true,
		Skipped:   skipped,
	}))
}

func TestTick_AssignsAndInitsPending(t *testing.T) {
	h := newHarness(t, nil)

	first := h.fx.Build(t, nil)
	second := h.fx.Build(t, nil)
	third := h.fx.Build(t, nil)
	foreign := h.fx.Build(t, func(b *store.Build) { b.Host = "host-b" })

	require.NoError(t, h.s.Tick(context.Background()))

	assert.Equal(t, []uint{first.ID, second.ID}, h.machine.called("init"))
	assert.Equal(t, testHost, h.fx.Reload(t, first.ID).Host)
	assert.Equal(t, testHost, h.fx.Reload(t, second.ID).Host)
	assert.Empty(t, h.fx.Reload(t, third.ID).Host)
	assert.Equal(t, "host-b", h.fx.Reload(t, foreign.ID).Host)
	assert.InDelta(t, 2, testutil.ToFloat64(h.metrics.BuildActions.WithLabelValues("assign")), 0)
}

func TestTick_ProcessesRequestedActions(t *testing.T) {
	h := newHarness(t, nil)

	deathrow := h.build(t, bs.StateTesting, func(b *store.Build) { b.RequestedAction = bs.ActionDeathrow })
	wakeUp := h.build(t, bs.StateDone, func(b *store.Build) { b.RequestedAction = bs.ActionWakeUp })
	h.fx.Build(t, func(b *store.Build) {
		b.Host = "host-b"
		b.LocalState = bs.StateTesting
		b.RequestedAction = bs.ActionDeathrow
	})

	require.NoError(t, h.s.Tick(context.Background()))

	assert.Equal(t, []uint{deathrow.ID, wakeUp.ID}, h.machine.called("requested"))
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.BuildActions.WithLabelValues("deathrow")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.BuildActions.WithLabelValues("wake_up")), 0)
}

func TestTick_ReapsKillableBuilds(t *testing.T) {
	tests := []struct {
		name  string
		slots []bool
		child bool
		state bs.State
		want  bool
	}{
		{name: "all slots skipped", slots: []bool{true, true}, state: bs.StateTesting, want: true},
		{name: "one slot still active", slots: []bool{true, false}, state: bs.StateTesting},
		{name: "no slot", state: bs.StateTesting},
		{name: "child build", slots: []bool{true}, child: true, state: bs.StateTesting},
		{name: "running build", slots: []bool{true}, state: bs.StateRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)

			var parentID *uint

			if tt.child {
				parent := h.build(t, bs.StateTesting, nil)
				parentID = &parent.ID
			}

			b := h.build(t, tt.state, func(b *store.Build) {
				b.Killable = true
				b.ParentID = parentID
			})

			for _, skipped := range tt.slots {
				h.slot(t, b, skipped)
			}

			require.NoError(t, h.s.Tick(context.Background()))

			if tt.want {
				assert.Equal(t, []uint{b.ID}, h.machine.called("ask_kill"))
			} else {
				assert.Empty(t, h.machine.called("ask_kill"))
			}
		})
	}
}

func TestTick_CapsRunningBuilds(t *testing.T) {
	h := newHarness(t, func(c *config.SchedulerConfig) { c.MaxRunning = 2 })

	oldest := h.build(t, bs.StateRunning, nil)
	older := h.build(t, bs.StateRunning, nil)
	pinned := h.build(t, bs.StateRunning, func(b *store.Build) { b.KeepRunning = true })
	h.build(t, bs.StateRunning, nil)
	h.build(t, bs.StateRunning, nil)

	require.NoError(t, h.s.Tick(context.Background()))

	killed := h.machine.called("kill")
	assert.Equal(t, []uint{oldest.ID, older.ID}, killed)
	assert.NotContains(t, killed, pinned.ID)
}

func TestTick_SchedulesActiveBuilds(t *testing.T) {
	h := newHarness(t, nil)

	testingBuild := h.build(t, bs.StateTesting, nil)
	running := h.build(t, bs.StateRunning, nil)
	broken := h.build(t, bs.StateTesting, nil)
	h.build(t, bs.StateDone, nil)

	h.machine.errs[broken.ID] = errors.New("container query failed")

	require.NoError(t, h.s.Tick(context.Background()))

	assert.Equal(t, []uint{testingBuild.ID, running.ID, broken.ID}, h.machine.called("tick"))
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.BuildErrors.WithLabelValues("tick")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(h.metrics.BuildActions.WithLabelValues("tick")), 0)
}

func TestTick_ProcessBatches(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		err     error
		calls   int
		wantErr bool
	}{
		{name: "disabled", calls: 0},
		{name: "enabled", enabled: true, calls: 1},
		{name: "failure is reported", enabled: true, err: errors.New("boom"), calls: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *config.SchedulerConfig) { c.ProcessBatches = tt.enabled })
			h.batches.ids = []uint{4, 5}
			h.batches.err = tt.err

			err := h.s.Tick(context.Background())
			if tt.wantErr {
				require.ErrorIs(t, err, tt.err)
			} else {
				require.NoError(t, err)
			}

			assert.Equal(t, tt.calls, h.batches.calls)
		})
	}
}

func TestScheduler_StartStop(t *testing.T) {
	h := newHarness(t, nil)

	b := h.build(t, bs.StateTesting, nil)

	require.NoError(t, h.s.Start(context.Background()))

	require.Eventually(t, func() bool {
		return len(h.machine.called("tick")) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.s.Stop())

	assert.Contains(t, h.machine.called("tick"), b.ID)
	assert.GreaterOrEqual(t, testutil.ToFloat64(h.metrics.Ticks), float64(2))
}
