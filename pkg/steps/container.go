package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"

	"github.com/google/shlex"
	"github.com/sirupsen/logrus"

	bs "github.com/ethpandaops/runboor/pkg/buildstate"
	"github.com/ethpandaops/runboor/pkg/config"
	"github.com/ethpandaops/runboor/pkg/docker"
	"github.com/ethpandaops/runboor/pkg/fsutil"
	"github.com/ethpandaops/runboor/pkg/store"
	"github.com/ethpandaops/runboor/pkg/vcs"
)

// Paths inside step containers.
const (
	containerBuildDir = "/data/build"
	containerSrcDir   = "/data/build/src"
)

// ContainerParams configures a container step.
type ContainerParams struct {
	// Image overrides the dockerfile image of the build params.
	Image   string            `mapstructure:"image"`
	Command string            `mapstructure:"command"`
	Env     map[string]string `mapstructure:"env"`
	// ContainerPort is published on the build port.
	ContainerPort int     `mapstructure:"container_port"`
	CPUs          float64 `mapstructure:"cpus"`
	// WarnExitCodes are exit codes mapped to a warn result instead of ko.
	WarnExitCodes []int `mapstructure:"warn_exit_codes"`
	// StatsFile is a JSON object of numeric stats written by the step,
	// relative to the logs directory.
	StatsFile    string `mapstructure:"stats_file"`
	Database     string `mapstructure:"database"`
	SkipCheckout bool   `mapstructure:"skip_checkout"`
}

// Compile-time interface check.
var _ Executor = (*containerExecutor)(nil)

type containerExecutor struct {
	log     logrus.FieldLogger
	cfg     *config.ContainerConfig
	sandbox docker.Sandbox
	vcs     vcs.VCS
	ws      *fsutil.Workspace
	store   store.Store
}

// NewContainerExecutor creates the executor running steps in containers.
func NewContainerExecutor(
	log logrus.FieldLogger,
	cfg *config.ContainerConfig,
	sandbox docker.Sandbox,
	v vcs.VCS,
	ws *fsutil.Workspace,
	s store.Store,
) Executor {
	return &containerExecutor{
		log:     log.WithField("component", "container-step"),
		cfg:     cfg,
		sandbox: sandbox,
		vcs:     v,
		ws:      ws,
		store:   s,
	}
}

func (e *containerExecutor) Container() bool {
	return true
}

// Run checks out the build commits, then starts the step container.
func (e *containerExecutor) Run(ctx context.Context, job *Job) error {
	var p ContainerParams
	if err := decodeParams(job.Step, &p); err != nil {
		return err
	}

	b := job.Build
	dest := b.Dest()

	image := e.image(b, &p)
	if image == "" {
		return errors.New("no dockerfile image for build")
	}

	cmd, err := shlex.Split(p.Command)
	if err != nil {
		return fmt.Errorf("parsing command of step %s: %w", job.Step.Name, err)
	}

	if !p.SkipCheckout {
		if err := e.checkout(ctx, b); err != nil {
			return err
		}
	}

	env := map[string]string{
		"RUNBOOR_BUILD_ID": strconv.FormatUint(uint64(b.ID), 10),
		"RUNBOOR_DEST":     dest,
		"RUNBOOR_STEP":     job.Step.Name,
		"RUNBOOR_PORT":     strconv.Itoa(b.Port),
		"RUNBOOR_SRC":      containerSrcDir,
	}

	if b.Params != nil {
		env["RUNBOOR_EXTRA_PARAMS"] = b.Params.ExtraParams
		env["RUNBOOR_MODULES"] = b.Params.Modules
	}

	if p.Database != "" {
		name := dest + "-" + p.Database
		if err := e.store.CreateDatabase(ctx, &store.Database{BuildID: b.ID, Name: name}); err != nil {
			return err
		}

		env["RUNBOOR_DB_NAME"] = name
	}

	for k, v := range p.Env {
		env[k] = v
	}

	spec := &docker.ContainerSpec{
		Name:        job.Name(),
		Image:       image,
		Command:     cmd,
		Env:         env,
		WorkingDir:  containerBuildDir,
		Mounts:      []docker.Mount{{Source: e.ws.Path(dest), Target: containerBuildDir}},
		NetworkName: e.cfg.Network,
		Labels: map[string]string{
			docker.LabelBuild: strconv.FormatUint(uint64(b.ID), 10),
			docker.LabelStep:  job.Step.Name,
		},
	}

	if p.ContainerPort > 0 && b.Port > 0 {
		spec.Ports = map[int]int{p.ContainerPort: b.Port}
	}

	mem, err := e.cfg.MemoryBytes()
	if err != nil {
		return err
	}

	if mem > 0 || p.CPUs > 0 {
		spec.ResourceLimits = &docker.ResourceLimits{
			MemoryBytes: mem,
			NanoCPUs:    int64(p.CPUs * 1e9),
		}
	}

	return e.sandbox.Start(ctx, spec)
}

// Results maps the container exit code and reads optional stats.
func (e *containerExecutor) Results(ctx context.Context, job *Job) (*Result, error) {
	var p ContainerParams
	if err := decodeParams(job.Step, &p); err != nil {
		return nil, err
	}

	obs := e.sandbox.Status(ctx, job.Name())

	res := &Result{Result: ExitResult(obs, p.WarnExitCodes)}

	if p.StatsFile != "" {
		stats, err := readStats(e.ws.Path(job.Build.Dest(), fsutil.LogsDir, p.StatsFile))
		if err != nil {
			e.log.WithError(err).WithField("build", job.Build.ID).Warn("Failed to read step stats")
		} else {
			res.Stats = stats
		}
	}

	return res, nil
}

// ExitResult maps a container observation onto a step result. A container
// that did not exit cleanly is a failure.
func ExitResult(obs docker.Observation, warnCodes []int) bs.Result {
	if obs.Status != docker.StatusExited || obs.OOMKilled {
		return bs.ResultKO
	}

	switch {
	case obs.ExitCode == 0:
		return bs.ResultOK
	case slices.Contains(warnCodes, obs.ExitCode):
		return bs.ResultWarn
	default:
		return bs.ResultKO
	}
}

func (e *containerExecutor) image(b *store.Build, p *ContainerParams) string {
	if p.Image != "" {
		return p.Image
	}

	if b.Params != nil && b.Params.Dockerfile != nil && b.Params.Dockerfile.ImageTag != "" {
		return b.Params.Dockerfile.ImageTag
	}

	return e.cfg.DefaultImage
}

// checkout exports every commit of the build params into src/<repo> once.
func (e *containerExecutor) checkout(ctx context.Context, b *store.Build) error {
	if b.Params == nil {
		return nil
	}

	for _, link := range b.Params.CommitLinks {
		if link.Commit == nil || link.Commit.Repo == nil {
			continue
		}

		repo := link.Commit.Repo.Name
		dest := e.ws.Path(b.Dest(), "src", repo)

		if _, err := os.Stat(dest); err == nil {
			continue
		}

		if _, err := e.vcs.Export(ctx, repo, link.Commit.Hash, dest); err != nil {
			return fmt.Errorf("checking out %s: %w", repo, err)
		}
	}

	return nil
}

func readStats(path string) (map[string]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, err
	}

	var stats map[string]float64
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return stats, nil
}
