package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ethpandaops/runboor/pkg/archive"
	"github.com/ethpandaops/runboor/pkg/batch"
	"github.com/ethpandaops/runboor/pkg/builds"
	"github.com/ethpandaops/runboor/pkg/config"
	"github.com/ethpandaops/runboor/pkg/docker"
	"github.com/ethpandaops/runboor/pkg/fsutil"
	"github.com/ethpandaops/runboor/pkg/gc"
	"github.com/ethpandaops/runboor/pkg/metrics"
	"github.com/ethpandaops/runboor/pkg/params"
	"github.com/ethpandaops/runboor/pkg/podman"
	"github.com/ethpandaops/runboor/pkg/status"
	"github.com/ethpandaops/runboor/pkg/steps"
	"github.com/ethpandaops/runboor/pkg/store"
	"github.com/ethpandaops/runboor/pkg/vcs"
)

// app wires the components shared by the commands.
type app struct {
	cfg      *config.Config
	store    store.Store
	ws       *fsutil.Workspace
	vcs      vcs.VCS
	runtime  docker.ContainerManager
	sandbox  docker.Sandbox
	machine  builds.Machine
	factory  builds.Factory
	batches  batch.Service
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

// newApp opens the store and builds the components. The container runtime
// is only started when withRuntime is set; commands that only record
// requests for the owning host run without it.
func newApp(ctx context.Context, cfg *config.Config, withRuntime bool) (*app, error) {
	a := &app{cfg: cfg}

	a.store = store.NewStore(log, &cfg.Database)
	if err := a.store.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

	ws, err := fsutil.NewWorkspace(cfg.Global.WorkspaceRoot, cfg.Global.WorkspaceOwner)
	if err != nil {
		a.close()

		return nil, err
	}

	a.ws = ws
	a.vcs = vcs.NewGit(log, cfg.Global.ReposRoot)

	if withRuntime {
		if err := a.startRuntime(ctx); err != nil {
			a.close()

			return nil, err
		}
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	reporter := status.NewNoopReporter()
	if cfg.Status.Enabled {
		reporter = status.NewGitHubReporter(log, &cfg.Status, a.store)
	}

	ps := params.NewStore(log)
	a.factory = builds.NewFactory(log, a.store, ps)

	registry := steps.NewRegistry()
	registry.Register(steps.ExecutorSpawn, steps.NewSpawnExecutor(log, a.store, a.factory))

	if a.sandbox != nil {
		registry.Register(steps.ExecutorContainer, steps.NewContainerExecutor(
			log, &cfg.Container, a.sandbox, a.vcs, a.ws, a.store,
		))
	}

	a.machine = builds.NewMachine(log, cfg, a.store, a.sandbox, registry, a.ws, reporter)
	a.batches = batch.NewService(log, &cfg.Batch, a.store, a.vcs, ps, a.factory, a.machine)

	return a, nil
}

func (a *app) startRuntime(ctx context.Context) error {
	var (
		mgr docker.ContainerManager
		err error
	)

	switch a.cfg.Container.Runtime {
	case "podman":
		mgr, err = podman.NewManager(log, "")
	default:
		mgr, err = docker.NewManager(log)
	}

	if err != nil {
		return fmt.Errorf("creating %s manager: %w", a.cfg.Container.Runtime, err)
	}

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("starting %s manager: %w", a.cfg.Container.Runtime, err)
	}

	if err := mgr.EnsureNetwork(ctx, a.cfg.Container.Network); err != nil {
		_ = mgr.Stop()

		return fmt.Errorf("ensuring network %s: %w", a.cfg.Container.Network, err)
	}

	a.runtime = mgr
	a.sandbox = docker.NewSandbox(log, mgr, a.cfg.Container.PullPolicy)

	return nil
}

// gcEngine builds the retention engine with the optional database and
// archive backends.
func (a *app) gcEngine() (gc.Engine, error) {
	var dbs gc.Databases
	if a.cfg.GC.AdminDSN != "" {
		dbs = gc.NewPostgresDatabases(a.cfg.GC.AdminDSN)
	}

	archiver := archive.NewNoopArchiver()

	if a.cfg.Archive.S3.Enabled {
		s3, err := archive.NewS3Archiver(log, &a.cfg.Archive.S3)
		if err != nil {
			return nil, fmt.Errorf("creating archiver: %w", err)
		}

		archiver = s3
	}

	return gc.NewEngine(log, &a.cfg.GC, a.store, a.ws, dbs, archiver, a.metrics), nil
}

func (a *app) close() {
	var errs []error

	if a.runtime != nil {
		errs = append(errs, a.runtime.Stop())
	}

	if a.store != nil {
		errs = append(errs, a.store.Stop())
	}

	if err := errors.Join(errs...); err != nil {
		log.WithError(err).Warn("Failed to close resources")
	}
}
