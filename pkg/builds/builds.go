// Package builds creates builds and drives them through their lifecycle:
// initialisation, step scheduling, kill, rebuild and wake-up.
package builds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	bs "github.com/ethpandaops/runboor/pkg/buildstate"
	"github.com/ethpandaops/runboor/pkg/config"
	"github.com/ethpandaops/runboor/pkg/docker"
	"github.com/ethpandaops/runboor/pkg/filter"
	"github.com/ethpandaops/runboor/pkg/fsutil"
	"github.com/ethpandaops/runboor/pkg/status"
	"github.com/ethpandaops/runboor/pkg/steps"
	"github.com/ethpandaops/runboor/pkg/store"
)

var (
	// ErrForeignHost is returned when a host acts on a build it does not own.
	ErrForeignHost = errors.New("build is owned by another host")
	// ErrNotDone is returned when waking up a build that is not done.
	ErrNotDone = errors.New("build is not done")
	// ErrContainerRunning is returned when waking up a build whose
	// container still runs.
	ErrContainerRunning = errors.New("container is already running")
	// ErrWorkspaceMissing is returned when waking up a build whose
	// workspace was garbage collected.
	ErrWorkspaceMissing = errors.New("build workspace does not exist anymore")
)

// wakeUpContainer suffixes the container started by a wake-up.
const wakeUpContainer = "wake_up"

// Machine advances builds owned by one host.
type Machine interface {
	// InitPending allocates a port and starts the first step of a pending
	// build.
	InitPending(ctx context.Context, b *store.Build) error
	// ScheduleTick observes the active step of a testing or running build
	// and moves to the next step once it finished.
	ScheduleTick(ctx context.Context, b *store.Build) error
	// ProcessRequestedAction consumes a deathrow or wake_up request.
	ProcessRequestedAction(ctx context.Context, b *store.Build) error

	Kill(ctx context.Context, b *store.Build, result bs.Result) error
	AskKill(ctx context.Context, b *store.Build, message string) error
	Rebuild(ctx context.Context, b *store.Build, message string) (*store.Build, error)
	// WakeUp requests a wake-up, performed by the owning host.
	WakeUp(ctx context.Context, b *store.Build) error
	Skip(ctx context.Context, b *store.Build, reason string) error

	// ReportStatus publishes the commit status of the build's tree.
	ReportStatus(ctx context.Context, b *store.Build) error
}

// Compile-time interface check.
var _ Machine = (*machine)(nil)

type machine struct {
	log      logrus.FieldLogger
	cfg      *config.SchedulerConfig
	host     string
	domain   string
	store    store.Store
	sandbox  docker.Sandbox
	registry steps.Registry
	ws       *fsutil.Workspace
	reporter status.Reporter
	now      func() time.Time
}

// NewMachine creates the build state machine of the configured host.
func NewMachine(
	log logrus.FieldLogger,
	cfg *config.Config,
	s store.Store,
	sandbox docker.Sandbox,
	registry steps.Registry,
	ws *fsutil.Workspace,
	reporter status.Reporter,
) Machine {
	domain := cfg.Status.Domain
	if domain == "" {
		domain = cfg.Global.Host
	}

	return &machine{
		log:      log.WithField("component", "builds"),
		cfg:      &cfg.Scheduler,
		host:     cfg.Global.Host,
		domain:   domain,
		store:    s,
		sandbox:  sandbox,
		registry: registry,
		ws:       ws,
		reporter: reporter,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// owned rejects builds of other hosts.
func (m *machine) owned(b *store.Build) error {
	if b.Host != m.host {
		return fmt.Errorf("build %d on %q: %w", b.ID, b.Host, ErrForeignHost)
	}

	return nil
}

// logBuild writes an operator-visible build log next to the process log.
func (m *machine) logBuild(ctx context.Context, s store.Store, b *store.Build, fn, level, message string) {
	entry := m.log.WithFields(logrus.Fields{"build": b.ID, "func": fn})

	switch level {
	case store.LevelError:
		entry.Error(message)
	case store.LevelWarning:
		entry.Warn(message)
	default:
		entry.Info(message)
	}

	if err := s.AddBuildLog(ctx, &store.BuildLog{
		BuildID: b.ID,
		Level:   level,
		Func:    fn,
		Type:    "runboor",
		Message: message,
	}); err != nil {
		entry.WithError(err).Warn("Failed to persist build log")
	}
}

// tighten merges r into the local result. Weaker results are dropped.
func (m *machine) tighten(b *store.Build, r bs.Result) {
	if r == bs.ResultNone {
		return
	}

	if err := b.SetLocalResult(r); err != nil {
		m.log.WithField("build", b.ID).WithError(err).Debug("Result not written")
	}
}

// containerName is the container observed for the build: the active
// step's, or the wake-up one once the build runs without a step.
func (m *machine) containerName(b *store.Build) string {
	if b.ActiveStep != nil {
		return b.ContainerName(b.ActiveStep.Name)
	}

	return b.ContainerName(wakeUpContainer)
}

// configSteps returns the ordered steps of the build's config.
func configSteps(b *store.Build) []store.Step {
	if b.Params == nil || b.Params.Config == nil {
		return nil
	}

	return b.Params.Config.Steps
}

func configName(b *store.Build) string {
	if b.Params == nil || b.Params.Config == nil {
		return ""
	}

	return b.Params.Config.Name
}

// attrs exposes the build to step filters.
func attrs(b *store.Build) filter.Attrs {
	a := filter.Attrs{
		"build_type":   b.BuildType,
		"host":         b.Host,
		"has_parent":   b.ParentID != nil,
		"orphan":       b.OrphanResult,
		"keep_running": b.KeepRunning,
		"local_result": string(b.LocalResult),
		"config":       configName(b),
		"trigger":      "",
		"category":     "",
		"extra_params": "",
	}

	var version *store.Version

	if p := b.Params; p != nil {
		version = p.Version
		a["category"] = p.Category
		a["extra_params"] = p.ExtraParams

		if p.Trigger != nil {
			a["trigger"] = p.Trigger.Name
		}
	}

	for k, v := range version.Attrs() {
		a[k] = v
	}

	return a
}

func (m *machine) timeout(step *store.Step) time.Duration {
	limit := m.cfg.Timeout

	if step != nil && step.CPULimit > 0 {
		if d := time.Duration(step.CPULimit) * time.Second; d < limit || limit <= 0 {
			limit = d
		}
	}

	return limit
}

func (m *machine) executor(step *store.Step) (steps.Executor, error) {
	if step == nil {
		return nil, nil
	}

	return m.registry.Get(step.Executor)
}

// findPort returns the first free port from the starting port, stepping
// by three so each build can use a small range.
func (m *machine) findPort(ctx context.Context, s store.Store) (int, error) {
	used, err := s.UsedPorts(ctx, m.host)
	if err != nil {
		return 0, err
	}

	taken := make(map[int]struct{}, len(used))
	for _, p := range used {
		taken[p] = struct{}{}
	}

	port := m.cfg.StartingPort
	for {
		if _, ok := taken[port]; !ok {
			return port, nil
		}

		port += 3
	}
}
