package docker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeManager struct {
	states  map[string]*ContainerState
	inspect error
	created []*ContainerSpec
	started []string
	stopped []string
	removed []string
}

func newFakeManager() *fakeManager {
	return &fakeManager{states: make(map[string]*ContainerState)}
}

func (f *fakeManager) Start(context.Context) error { return nil }
func (f *fakeManager) Stop() error { return nil }
func (f *fakeManager) EnsureNetwork(context.Context, string) error { return nil }

func (f *fakeManager) PullImage(context.Context, string, string) error { return nil }

func (f *fakeManager) CreateContainer(_ context.Context, spec *ContainerSpec) (string, error) {
	f.created = append(f.created, spec)
	f.states[spec.Name] = &ContainerState{Name: spec.Name, Status: "created"}

	return "id-" + spec.Name, nil
}

func (f *fakeManager) StartContainer(_ context.Context, name string) error {
	f.started = append(f.started, name)
	f.states[name].Status = "running"
	f.states[name].Running = true

	return nil
}

func (f *fakeManager) StopContainer(_ context.Context, name string, _ time.Duration) error {
	st, ok := f.states[name]
	if !ok {
		return ErrContainerNotFound
	}

	f.stopped = append(f.stopped, name)
	st.Running = false
	st.Status = "exited"

	return nil
}

func (f *fakeManager) RemoveContainer(_ context.Context, name string) error {
	if _, ok := f.states[name]; !ok {
		return ErrContainerNotFound
	}

	f.removed = append(f.removed, name)
	delete(f.states, name)

	return nil
}

func (f *fakeManager) InspectContainer(_ context.Context, name string) (*ContainerState, error) {
	if f.inspect != nil {
		return nil, f.inspect
	}

	st, ok := f.states[name]
	if !ok {
		return nil, ErrContainerNotFound
	}

	return st, nil
}

func (f *fakeManager) ListContainers(context.Context) ([]ContainerInfo, error) { return nil, nil }

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func TestSandbox_Status(t *testing.T) {
	tests := []struct {
		name    string
		state   *ContainerState
		inspect error
		want    Observation
	}{
		{name: "missing", want: Observation{Status: StatusUnknown}},
		{
			name:    "inspect failure",
			inspect: errors.New("daemon down"),
			want:    Observation{Status: StatusUnknown},
		},
		{
			name:  "running",
			state: &ContainerState{Status: "running", Running: true},
			want:  Observation{Status: StatusRunning},
		},
		{
			name:  "exited",
			state: &ContainerState{Status: "exited", ExitCode: 3},
			want:  Observation{Status: StatusExited, ExitCode: 3},
		},
		{
			name:  "created but never started",
			state: &ContainerState{Status: "created"},
			want:  Observation{Status: StatusGhost},
		},
		{
			name:  "dead",
			state: &ContainerState{Status: "dead"},
			want:  Observation{Status: StatusGhost},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := newFakeManager()
			mgr.inspect = tt.inspect

			if tt.state != nil {
				mgr.states["00001-master_tests"] = tt.state
			}

			sb := NewSandbox(testLogger(), mgr, "never")
			assert.Equal(t, tt.want, sb.Status(context.Background(), "00001-master_tests"))
		})
	}
}

func TestSandbox_StartReplacesAndLabels(t *testing.T) {
	mgr := newFakeManager()
	mgr.states["00001-master_run"] = &ContainerState{Status: "exited"}

	sb := NewSandbox(testLogger(), mgr, "never")

	spec := &ContainerSpec{Name: "00001-master_run", Image: "runboor/default:latest"}
	require.NoError(t, sb.Start(context.Background(), spec))

	assert.Equal(t, []string{"00001-master_run"}, mgr.removed)
	assert.Equal(t, []string{"00001-master_run"}, mgr.started)
	require.Len(t, mgr.created, 1)
	assert.Equal(t, ManagedByValue, mgr.created[0].Labels[LabelManagedBy])
	assert.Equal(t, StatusRunning, sb.Status(context.Background(), "00001-master_run").Status)
}

func TestSandbox_StopMissingIsNoop(t *testing.T) {
	mgr := newFakeManager()
	sb := NewSandbox(testLogger(), mgr, "never")

	require.NoError(t, sb.Stop(context.Background(), "absent"))
	assert.Empty(t, mgr.stopped)

	mgr.states["present"] = &ContainerState{Status: "running", Running: true}
	require.NoError(t, sb.Stop(context.Background(), "present"))
	assert.Equal(t, []string{"present"}, mgr.stopped)
	assert.Equal(t, []string{"present"}, mgr.removed)
}
