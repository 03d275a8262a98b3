// Package storetest provides a throwaway SQLite store and catalog fixtures
// for tests of packages built on the store.
package storetest

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	bs "github.com/ethpandaops/runboor/pkg/buildstate"
	"github.com/ethpandaops/runboor/pkg/config"
	"github.com/ethpandaops/runboor/pkg/store"
)

// New starts a store on a fresh SQLite file removed with the test.
func New(t *testing.T) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: filepath.Join(t.TempDir(), "runboor.db")},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

// Fixture is a seeded catalog: one project on a master version with a
// server repo, an addons dependency repo, a three step config, a base
// bundle tracking both repos and one default trigger.
type Fixture struct {
	Store      store.Store
	Project    *store.Project
	Version    *store.Version
	Dockerfile *store.Dockerfile
	Server     *store.Repo
	Addons     *store.Repo
	Config     *store.BuildConfig
	Base       *store.Bundle
	Trigger    *store.Trigger

	seq atomic.Uint64
}

// Seed fills s with the fixture catalog.
func Seed(t *testing.T, s store.Store) *Fixture {
	t.Helper()

	ctx := context.Background()
	f := &Fixture{Store: s}

	f.Dockerfile = &store.Dockerfile{Name: "default", ImageTag: "runboor/default:latest"}
	require.NoError(t, s.Seed(ctx, f.Dockerfile))

	f.Project = &store.Project{Name: "acme", DockerfileID: &f.Dockerfile.ID}
	f.Version = &store.Version{Name: "master", Number: "99.0", IsMajor: true}
	require.NoError(t, s.Seed(ctx, f.Project, f.Version))

	f.Server = &store.Repo{Name: "server", ProjectID: f.Project.ID, GithubName: "acme/server"}
	f.Addons = &store.Repo{Name: "addons", ProjectID: f.Project.ID, GithubName: "acme/addons"}
	require.NoError(t, s.Seed(ctx, f.Server, f.Addons))

	f.Config = &store.BuildConfig{
		Name: "default",
		Steps: []store.Step{
			{Sequence: 10, Name: "install", Kind: bs.KindTesting, Executor: "container"},
			{Sequence: 20, Name: "tests", Kind: bs.KindTesting, Executor: "container"},
			{Sequence: 30, Name: "run", Kind: bs.KindRunning, Executor: "container"},
		},
	}
	require.NoError(t, s.Seed(ctx, f.Config))

	f.Base = f.Bundle(t, "master", true, nil, map[uint]string{
		f.Server.ID: "s-master-1",
		f.Addons.ID: "a-master-1",
	})

	f.Trigger = &store.Trigger{
		Name:        "ci",
		ProjectID:   f.Project.ID,
		Category:    config.DefaultCategory,
		ConfigID:    &f.Config.ID,
		Description: "default ci",
		CIContext:   "ci/runboor",
		Repos:       []store.Repo{*f.Server},
		Dependencies: []store.Repo{
			*f.Addons,
		},
	}
	require.NoError(t, s.Seed(ctx, f.Trigger))

	return f
}

// Commit returns the commit hash of repoID.
func (f *Fixture) Commit(t *testing.T, repoID uint, hash string) *store.Commit {
	t.Helper()

	c, err := f.Store.GetOrCreateCommit(context.Background(), repoID, hash)
	require.NoError(t, err)

	return c
}

// Bundle creates a bundle on the fixture version with one alive branch
// per entry of heads, keyed by repo id. Non-base bundles point to the
// fixture base bundle when it exists.
func (f *Fixture) Bundle(t *testing.T, name string, isBase bool, mutate func(*store.Bundle), heads map[uint]string) *store.Bundle {
	t.Helper()

	ctx := context.Background()

	b := &store.Bundle{
		Name:      name,
		ProjectID: f.Project.ID,
		VersionID: &f.Version.ID,
		IsBase:    isBase,
	}

	if !isBase && f.Base != nil {
		b.BaseID = &f.Base.ID
	}

	if mutate != nil {
		mutate(b)
	}

	require.NoError(t, f.Store.Seed(ctx, b))

	for _, repoID := range sortedKeys(heads) {
		f.Branch(t, b, repoID, name, heads[repoID], false)
	}

	out, err := f.Store.GetBundle(ctx, b.ID)
	require.NoError(t, err)

	return out
}

// Branch adds a branch with the given head to bundle.
func (f *Fixture) Branch(t *testing.T, bundle *store.Bundle, repoID uint, name, head string, isPR bool) *store.Branch {
	t.Helper()

	c := f.Commit(t, repoID, head)

	br := &store.Branch{
		Name:     name,
		BundleID: bundle.ID,
		RepoID:   repoID,
		HeadID:   &c.ID,
		IsPR:     isPR,
		Alive:    true,
	}
	require.NoError(t, f.Store.Seed(context.Background(), br))

	return br
}

// Params stores params on the fixture config linking the given commit
// links. Each call yields a distinct fingerprint.
func (f *Fixture) Params(t *testing.T, links ...store.CommitLink) *store.BuildParams {
	t.Helper()

	fp := fmt.Sprintf("fixture-%d", f.seq.Add(1))

	p := &store.BuildParams{
		Fingerprint: &fp,
		VersionID:   f.Version.ID,
		ProjectID:   f.Project.ID,
		TriggerID:   &f.Trigger.ID,
		Category:    config.DefaultCategory,
		ConfigID:    f.Config.ID,
		CommitLinks: links,
	}

	out, created, err := f.Store.CreateParams(context.Background(), p)
	require.NoError(t, err)
	require.True(t, created)

	return out
}

// Build creates a build on fresh params, applying mutate before insert,
// and returns it reloaded.
func (f *Fixture) Build(t *testing.T, mutate func(*store.Build)) *store.Build {
	t.Helper()

	ctx := context.Background()

	b := &store.Build{ParamsID: f.Params(t).ID, LocalState: bs.StatePending}
	if mutate != nil {
		mutate(b)
	}

	require.NoError(t, f.Store.CreateBuild(ctx, b))

	out, err := f.Store.GetBuild(ctx, b.ID)
	require.NoError(t, err)

	return out
}

// Reload fetches the current row of a build.
func (f *Fixture) Reload(t *testing.T, id uint) *store.Build {
	t.Helper()

	b, err := f.Store.GetBuild(context.Background(), id)
	require.NoError(t, err)

	return b
}

func sortedKeys(m map[uint]string) []uint {
	keys := make([]uint, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}
