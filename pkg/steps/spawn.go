package steps

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	bs "github.com/ethpandaops/runboor/pkg/buildstate"
	"github.com/ethpandaops/runboor/pkg/store"
)

// ChildOptions overrides the parent params of a spawned child build.
type ChildOptions struct {
	ConfigID    uint
	ExtraParams string
	ConfigData  map[string]any
	Description string
}

// ChildSpawner creates child builds.
type ChildSpawner interface {
	AddChild(ctx context.Context, parent *store.Build, opts ChildOptions) (*store.Build, error)
}

// SpawnParams configures a spawn step.
type SpawnParams struct {
	// Configs are the names of the build configs to create children for.
	Configs     []string       `mapstructure:"configs"`
	ExtraParams string         `mapstructure:"extra_params"`
	ConfigData  map[string]any `mapstructure:"config_data"`
	Description string         `mapstructure:"description"`
}

// Compile-time interface check.
var _ Executor = (*spawnExecutor)(nil)

type spawnExecutor struct {
	log     logrus.FieldLogger
	store   store.Store
	spawner ChildSpawner
}

// NewSpawnExecutor creates the executor creating child builds.
func NewSpawnExecutor(log logrus.FieldLogger, s store.Store, spawner ChildSpawner) Executor {
	return &spawnExecutor{
		log:     log.WithField("component", "spawn-step"),
		store:   s,
		spawner: spawner,
	}
}

func (e *spawnExecutor) Container() bool {
	return false
}

// Run creates one child per configured config.
func (e *spawnExecutor) Run(ctx context.Context, job *Job) error {
	var p SpawnParams
	if err := decodeParams(job.Step, &p); err != nil {
		return err
	}

	for _, name := range p.Configs {
		cfg, err := e.store.FindBuildConfigByName(ctx, name)
		if err != nil {
			return fmt.Errorf("resolving config %s: %w", name, err)
		}

		desc := p.Description
		if desc == "" {
			desc = name
		}

		child, err := e.spawner.AddChild(ctx, job.Build, ChildOptions{
			ConfigID:    cfg.ID,
			ExtraParams: p.ExtraParams,
			ConfigData:  p.ConfigData,
			Description: desc,
		})
		if err != nil {
			return fmt.Errorf("creating child for %s: %w", name, err)
		}

		e.log.WithFields(logrus.Fields{
			"build": job.Build.ID,
			"child": child.ID,
		}).Info("Spawned child build")
	}

	return nil
}

// Results is always ok: children carry their own results up the tree.
func (e *spawnExecutor) Results(context.Context, *Job) (*Result, error) {
	return &Result{Result: bs.ResultOK}, nil
}
