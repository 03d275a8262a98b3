package builds

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	bs "github.com/ethpandaops/runboor/pkg/buildstate"
	"github.com/ethpandaops/runboor/pkg/params"
	"github.com/ethpandaops/runboor/pkg/steps"
	"github.com/ethpandaops/runboor/pkg/store"
)

// RootOptions describes a root build created for params.
type RootOptions struct {
	Description string
	BuildType   string
	NoAutoRun   bool
	// Host pins the build and its children to one host when set.
	Host string
}

// Factory creates builds.
type Factory interface {
	// Ensure returns the latest root build of paramsID, creating one when
	// none exists. The bool reports whether the build was created. A
	// matched build is no longer killable.
	Ensure(ctx context.Context, paramsID uint, opts RootOptions) (*store.Build, bool, error)
	steps.ChildSpawner
}

// Compile-time interface check.
var _ Factory = (*factory)(nil)

type factory struct {
	log    logrus.FieldLogger
	store  store.Store
	params params.Store
}

// NewFactory creates a build factory.
func NewFactory(log logrus.FieldLogger, s store.Store, ps params.Store) Factory {
	return &factory{
		log:    log.WithField("component", "build-factory"),
		store:  s,
		params: ps,
	}
}

func (f *factory) Ensure(ctx context.Context, paramsID uint, opts RootOptions) (*store.Build, bool, error) {
	existing, err := f.store.FindRootBuild(ctx, paramsID)
	if err == nil {
		if existing.Killable {
			existing.Killable = false
			if err := f.store.UpdateBuildFields(ctx, existing.ID, map[string]any{"killable": false}); err != nil {
				return nil, false, err
			}
		}

		return existing, false, nil
	}

	if !store.IsNotFound(err) {
		return nil, false, err
	}

	buildType := opts.BuildType
	if buildType == "" {
		buildType = store.BuildNormal
	}

	b := &store.Build{
		ParamsID:    paramsID,
		Description: opts.Description,
		BuildType:   buildType,
		NoAutoRun:   opts.NoAutoRun,
		LocalState:  bs.StatePending,
		GlobalState: bs.StatePending,
	}

	if opts.Host != "" {
		b.Host = opts.Host
		b.KeepHost = true
	}

	if err := f.store.CreateBuild(ctx, b); err != nil {
		return nil, false, fmt.Errorf("creating root build: %w", err)
	}

	f.log.WithFields(logrus.Fields{"build": b.ID, "params": paramsID}).Info("Created build")

	out, err := f.store.GetBuild(ctx, b.ID)
	if err != nil {
		return nil, false, err
	}

	return out, true, nil
}

// AddChild creates a child of parent on a copy of its params using the
// config and overrides of opts.
func (f *factory) AddChild(ctx context.Context, parent *store.Build, opts steps.ChildOptions) (*store.Build, error) {
	src := parent.Params
	if src == nil {
		p, err := f.store.GetParams(ctx, parent.ParamsID)
		if err != nil {
			return nil, err
		}

		src = p
	}

	cp := *src
	cp.ID = 0
	cp.Fingerprint = nil
	cp.CreatedAt = time.Time{}
	cp.ConfigID = opts.ConfigID
	cp.Config = nil
	cp.CommitLinks = slices.Clone(src.CommitLinks)
	cp.ReferenceBuilds = slices.Clone(src.ReferenceBuilds)

	if opts.ExtraParams != "" {
		cp.ExtraParams = opts.ExtraParams
	}

	if opts.ConfigData != nil {
		cp.ConfigData = datatypes.JSONMap(opts.ConfigData)
	}

	childParams, _, err := f.params.Create(ctx, f.store, &cp)
	if err != nil {
		return nil, fmt.Errorf("copying params of build %d: %w", parent.ID, err)
	}

	child := &store.Build{
		ParamsID:    childParams.ID,
		ParentID:    &parent.ID,
		BuildType:   parent.BuildType,
		Description: opts.Description,
		KeepHost:    parent.KeepHost,
		LocalState:  bs.StatePending,
		GlobalState: bs.StatePending,
	}

	if parent.KeepHost {
		child.Host = parent.Host
	}

	if err := f.store.CreateBuild(ctx, child); err != nil {
		return nil, fmt.Errorf("creating child of build %d: %w", parent.ID, err)
	}

	return f.store.GetBuild(ctx, child.ID)
}
