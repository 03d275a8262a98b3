package steps_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bs "github.com/ethpandaops/runboor/pkg/buildstate"
	"github.com/ethpandaops/runboor/pkg/config"
	"github.com/ethpandaops/runboor/pkg/docker"
	"github.com/ethpandaops/runboor/pkg/fsutil"
	"github.com/ethpandaops/runboor/pkg/steps"
	"github.com/ethpandaops/runboor/pkg/store"
	"github.com/ethpandaops/runboor/pkg/store/storetest"
	"github.com/ethpandaops/runboor/pkg/vcs"
)

type fakeSandbox struct {
	started []*docker.ContainerSpec
	obs     docker.Observation
}

func (f *fakeSandbox) Start(_ context.Context, spec *docker.ContainerSpec) error {
	f.started = append(f.started, spec)

	return nil
}

func (f *fakeSandbox) Stop(context.Context, string) error { return nil }

func (f *fakeSandbox) Status(context.Context, string) docker.Observation { return f.obs }

type fakeVCS struct {
	vcs.VCS
	exported map[string]string
}

func (f *fakeVCS) Export(_ context.Context, repo, commit, dest string) (string, error) {
	f.exported[repo] = commit

	return dest, os.MkdirAll(dest, 0o755)
}

type fakeSpawner struct {
	opts []steps.ChildOptions
}

func (f *fakeSpawner) AddChild(_ context.Context, parent *store.Build, opts steps.ChildOptions) (*store.Build, error) {
	f.opts = append(f.opts, opts)

	return &store.Build{ID: parent.ID + uint(len(f.opts)), ParentID: &parent.ID}, nil
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func TestExitResult(t *testing.T) {
	tests := []struct {
		name string
		obs  docker.Observation
		warn []int
		want bs.Result
	}{
		{name: "success", obs: docker.Observation{Status: docker.StatusExited}, want: bs.ResultOK},
		{name: "failure", obs: docker.Observation{Status: docker.StatusExited, ExitCode: 1}, want: bs.ResultKO},
		{
			name: "warn code",
			obs:  docker.Observation{Status: docker.StatusExited, ExitCode: 3},
			warn: []int{3},
			want: bs.ResultWarn,
		},
		{
			name: "oom killed",
			obs:  docker.Observation{Status: docker.StatusExited, OOMKilled: true},
			want: bs.ResultKO,
		},
		{name: "vanished", obs: docker.Observation{Status: docker.StatusUnknown}, want: bs.ResultKO},
		{name: "ghost", obs: docker.Observation{Status: docker.StatusGhost}, want: bs.ResultKO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, steps.ExitResult(tt.obs, tt.warn))
		})
	}
}

func TestRegistry(t *testing.T) {
	r := steps.NewRegistry()
	r.Register(steps.ExecutorSpawn, steps.NewSpawnExecutor(testLogger(), nil, &fakeSpawner{}))

	e, err := r.Get(steps.ExecutorSpawn)
	require.NoError(t, err)
	assert.False(t, e.Container())

	_, err = r.Get("python")
	require.Error(t, err)

	assert.Equal(t, []string{steps.ExecutorSpawn}, r.Names())
}

func TestContainerExecutor_RunAndResults(t *testing.T) {
	s := storetest.New(t)
	f := storetest.Seed(t, s)
	ctx := context.Background()

	commit := f.Commit(t, f.Server.ID, "deadbeef")
	link := &store.CommitLink{CommitID: commit.ID, MatchType: store.MatchHead}
	require.NoError(t, s.CreateCommitLink(ctx, link))

	p := f.Params(t, *link)
	b := f.Build(t, func(b *store.Build) {
		b.ParamsID = p.ID
		b.Port = 2000
	})

	ws, err := fsutil.NewWorkspace(t.TempDir(), "")
	require.NoError(t, err)
	require.NoError(t, ws.MkdirAll(b.Dest(), fsutil.LogsDir))

	sandbox := &fakeSandbox{obs: docker.Observation{Status: docker.StatusExited, ExitCode: 4}}
	v := &fakeVCS{exported: make(map[string]string)}

	cfg := &config.ContainerConfig{Network: "runboor", Memory: "1g", DefaultImage: "runboor/default:latest"}
	e := steps.NewContainerExecutor(testLogger(), cfg, sandbox, v, ws, s)
	assert.True(t, e.Container())

	step := &store.Step{
		Name:     "tests",
		Executor: steps.ExecutorContainer,
		Params: map[string]any{
			"command":         "python3 -m pytest 'tests dir'",
			"container_port":  8069,
			"warn_exit_codes": []any{float64(4)},
			"stats_file":      "stats.json",
			"database":        "all",
			"cpus":            1.5,
		},
	}

	job := &steps.Job{Build: b, Step: step}
	require.NoError(t, e.Run(ctx, job))

	require.Len(t, sandbox.started, 1)
	spec := sandbox.started[0]
	assert.Equal(t, b.Dest()+"_tests", spec.Name)
	assert.Equal(t, "runboor/default:latest", spec.Image)
	assert.Equal(t, []string{"python3", "-m", "pytest", "tests dir"}, spec.Command)
	assert.Equal(t, map[int]int{8069: 2000}, spec.Ports)
	assert.Equal(t, b.Dest()+"-all", spec.Env["RUNBOOR_DB_NAME"])
	require.NotNil(t, spec.ResourceLimits)
	assert.Equal(t, int64(1<<30), spec.ResourceLimits.MemoryBytes)
	assert.Equal(t, int64(1.5e9), spec.ResourceLimits.NanoCPUs)
	assert.Equal(t, "deadbeef", v.exported["server"])

	dbs, err := s.ListDatabases(ctx)
	require.NoError(t, err)
	require.Len(t, dbs, 1)

	require.NoError(t, os.WriteFile(
		filepath.Join(ws.Path(b.Dest(), fsutil.LogsDir), "stats.json"),
		[]byte(`{"tests.count": 12, "tests.failed": 0}`), 0o600,
	))

	res, err := e.Results(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, bs.ResultWarn, res.Result)
	assert.Equal(t, 12.0, res.Stats["tests.count"])
}

func TestContainerExecutor_RejectsUnknownParams(t *testing.T) {
	ws, err := fsutil.NewWorkspace(t.TempDir(), "")
	require.NoError(t, err)

	e := steps.NewContainerExecutor(testLogger(), &config.ContainerConfig{}, &fakeSandbox{}, nil, ws, nil)

	job := &steps.Job{
		Build: &store.Build{ID: 1},
		Step:  &store.Step{Name: "tests", Params: map[string]any{"imgae": "typo"}},
	}

	require.Error(t, e.Run(context.Background(), job))
}

func TestSpawnExecutor(t *testing.T) {
	s := storetest.New(t)
	f := storetest.Seed(t, s)
	ctx := context.Background()

	spawner := &fakeSpawner{}
	e := steps.NewSpawnExecutor(testLogger(), s, spawner)

	parent := f.Build(t, nil)
	job := &steps.Job{
		Build: parent,
		Step: &store.Step{
			Name: "children",
			Params: map[string]any{
				"configs":      []any{"default"},
				"extra_params": "--test-tags /module",
			},
		},
	}

	require.NoError(t, e.Run(ctx, job))
	require.Len(t, spawner.opts, 1)
	assert.Equal(t, f.Config.ID, spawner.opts[0].ConfigID)
	assert.Equal(t, "default", spawner.opts[0].Description)
	assert.Equal(t, "--test-tags /module", spawner.opts[0].ExtraParams)

	res, err := e.Results(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, bs.ResultOK, res.Result)

	job.Step.Params = map[string]any{"configs": []any{"missing"}}
	require.Error(t, e.Run(ctx, job))
}
