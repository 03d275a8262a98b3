package store_test

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bs "github.com/ethpandaops/runboor/pkg/buildstate"
	"github.com/ethpandaops/runboor/pkg/store"
	"github.com/ethpandaops/runboor/pkg/store/storetest"
)

func TestStore_CreateParamsDeduplicatesFingerprint(t *testing.T) {
	s := storetest.New(t)
	f := storetest.Seed(t, s)
	ctx := context.Background()

	commit := f.Commit(t, f.Server.ID, "abc")
	link := &store.CommitLink{CommitID: commit.ID, MatchType: store.MatchHead}
	require.NoError(t, s.CreateCommitLink(ctx, link))

	fp := "sha256:same"

	newParams := func() *store.BuildParams {
		return &store.BuildParams{
			Fingerprint: &fp,
			VersionID:   f.Version.ID,
			ProjectID:   f.Project.ID,
			ConfigID:    f.Config.ID,
			CommitLinks: []store.CommitLink{*link},
		}
	}

	first, created, err := s.CreateParams(ctx, newParams())
	require.NoError(t, err)
	assert.True(t, created)
	require.Len(t, first.CommitLinks, 1)
	assert.Equal(t, "abc", first.CommitLinks[0].Commit.Hash)

	second, created, err := s.CreateParams(ctx, newParams())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestStore_CreateParamsWithoutFingerprint(t *testing.T) {
	s := storetest.New(t)
	f := storetest.Seed(t, s)
	ctx := context.Background()

	newParams := func() *store.BuildParams {
		return &store.BuildParams{
			VersionID: f.Version.ID,
			ProjectID: f.Project.ID,
			ConfigID:  f.Config.ID,
		}
	}

	first, created, err := s.CreateParams(ctx, newParams())
	require.NoError(t, err)
	assert.True(t, created)
	assert.Nil(t, first.Fingerprint)

	second, created, err := s.CreateParams(ctx, newParams())
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestBuildParams_Immutable(t *testing.T) {
	p := &store.BuildParams{ID: 1}

	require.ErrorIs(t, p.BeforeUpdate(nil), store.ErrParamsImmutable)
}

func TestStore_CreateBuildParentPath(t *testing.T) {
	s := storetest.New(t)
	f := storetest.Seed(t, s)

	root := f.Build(t, nil)
	child := f.Build(t, func(b *store.Build) { b.ParentID = &root.ID })
	grandchild := f.Build(t, func(b *store.Build) { b.ParentID = &child.ID })

	assert.Equal(t, pathOf(root.ID), root.ParentPath)
	assert.Equal(t, pathOf(root.ID)+pathOf(child.ID), child.ParentPath)
	assert.Equal(t, []uint{root.ID, child.ID}, grandchild.Ancestors())
	assert.Equal(t, root.ID, grandchild.TopParentID())

	subtree, err := s.ListSubtree(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, subtree, 2)
	assert.Equal(t, child.ID, subtree[0].ID)
	assert.Equal(t, grandchild.ID, subtree[1].ID)

	locked, err := s.LockSubtree(context.Background(), root.ParentPath)
	require.NoError(t, err)
	assert.Equal(t, []uint{root.ID, child.ID, grandchild.ID}, locked)
}

func TestStore_ListBuildsFilters(t *testing.T) {
	s := storetest.New(t)
	f := storetest.Seed(t, s)
	ctx := context.Background()

	host := "host-a"

	pending := f.Build(t, nil)
	testing1 := f.Build(t, func(b *store.Build) {
		b.Host = host
		b.LocalState = bs.StateTesting
		b.RequestedAction = bs.ActionDeathrow
	})
	running := f.Build(t, func(b *store.Build) {
		b.Host = host
		b.LocalState = bs.StateRunning
		b.Port = 2003
	})
	f.Build(t, func(b *store.Build) { b.ParentID = &running.ID })

	tests := []struct {
		name  string
		query store.BuildQuery
		want  []uint
	}{
		{
			name:  "by host",
			query: store.BuildQuery{Host: &host},
			want:  []uint{testing1.ID, running.ID},
		},
		{
			name:  "by state",
			query: store.BuildQuery{States: []bs.State{bs.StatePending}, RootOnly: true},
			want:  []uint{pending.ID},
		},
		{
			name:  "requested action",
			query: store.BuildQuery{RequestedAction: true},
			want:  []uint{testing1.ID},
		},
		{
			name:  "descending with limit",
			query: store.BuildQuery{Host: &host, OrderDesc: true, Limit: 1},
			want:  []uint{running.ID},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			builds, err := s.ListBuilds(ctx, tt.query)
			require.NoError(t, err)

			got := make([]uint, 0, len(builds))
			for _, b := range builds {
				got = append(got, b.ID)
			}

			assert.Equal(t, tt.want, got)
		})
	}

	ports, err := s.UsedPorts(ctx, host)
	require.NoError(t, err)
	assert.Equal(t, []int{2003}, ports)
}

func TestStore_AssignPending(t *testing.T) {
	s := storetest.New(t)
	f := storetest.Seed(t, s)
	ctx := context.Background()

	f.Build(t, func(b *store.Build) {
		b.Host = "host-a"
		b.LocalState = bs.StateTesting
	})

	for range 3 {
		f.Build(t, nil)
	}

	assigned, err := s.AssignPending(ctx, "host-a", 3)
	require.NoError(t, err)
	assert.Equal(t, 2, assigned)

	assigned, err = s.AssignPending(ctx, "host-a", 3)
	require.NoError(t, err)
	assert.Equal(t, 0, assigned)

	host := "host-a"
	builds, err := s.ListBuilds(ctx, store.BuildQuery{Host: &host, States: []bs.State{bs.StatePending}})
	require.NoError(t, err)
	assert.Len(t, builds, 2)
}

func TestStore_BatchQueries(t *testing.T) {
	s := storetest.New(t)
	f := storetest.Seed(t, s)
	ctx := context.Background()

	commit := f.Commit(t, f.Server.ID, "c1")

	older := &store.Batch{BundleID: f.Base.ID, Category: "default", State: store.BatchReady}
	require.NoError(t, s.CreateBatch(ctx, older))
	require.NoError(t, s.CreateCommitLink(ctx, &store.CommitLink{
		BatchID:   &older.ID,
		CommitID:  commit.ID,
		MatchType: store.MatchNew,
	}))

	newer := &store.Batch{BundleID: f.Base.ID, Category: "default", State: store.BatchPreparing}
	require.NoError(t, s.CreateBatch(ctx, newer))

	preparing, err := s.FindPreparingBatch(ctx, f.Base.ID, "default")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, preparing.ID)

	last, err := s.LastBatch(ctx, f.Base.ID, "default", newer.ID)
	require.NoError(t, err)
	assert.Equal(t, older.ID, last.ID)
	require.Len(t, last.CommitLinks, 1)
	assert.Equal(t, "c1", last.CommitLinks[0].Commit.Hash)

	matching, err := s.BatchesWithCommits(ctx, f.Base.ID, "default", []uint{commit.ID})
	require.NoError(t, err)
	require.Len(t, matching, 1)
	assert.Equal(t, older.ID, matching[0].ID)

	skippable, err := s.SkippableBatches(ctx, f.Base.ID, "default", newer.ID)
	require.NoError(t, err)
	require.Len(t, skippable, 1)

	_, err = s.LastDoneBatch(ctx, f.Base.ID, "default")
	assert.True(t, store.IsNotFound(err))
}

func TestStore_LogsAreTruncated(t *testing.T) {
	tests := []struct {
		name    string
		message string
	}{
		{name: "ascii", message: strings.Repeat("x", 300010)},
		{name: "multi byte rune on the limit", message: "x" + strings.Repeat("é", 150005)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := storetest.New(t)
			f := storetest.Seed(t, s)
			ctx := context.Background()

			b := f.Build(t, nil)

			require.NoError(t, s.AddBuildLog(ctx, &store.BuildLog{BuildID: b.ID, Message: tt.message}))

			logs, err := s.ListBuildLogs(ctx, b.ID)
			require.NoError(t, err)
			require.Len(t, logs, 1)
			assert.Equal(t, store.LevelInfo, logs[0].Level)
			assert.True(t, strings.HasSuffix(logs[0].Message, "[Truncate, message too long]"))
			assert.True(t, utf8.ValidString(logs[0].Message))
			assert.Less(t, len(logs[0].Message), len(tt.message)+len("[Truncate, message too long]"))
		})
	}
}

func TestStore_UpsertCommitStatus(t *testing.T) {
	s := storetest.New(t)
	f := storetest.Seed(t, s)
	ctx := context.Background()

	commit := f.Commit(t, f.Server.ID, "abc")

	require.NoError(t, s.UpsertCommitStatus(ctx, &store.CommitStatus{
		CommitID: commit.ID, Context: "ci/runboor", State: "pending",
	}))
	require.NoError(t, s.UpsertCommitStatus(ctx, &store.CommitStatus{
		CommitID: commit.ID, Context: "ci/runboor", State: "success",
	}))

	st, err := s.GetCommitStatus(ctx, commit.ID, "ci/runboor")
	require.NoError(t, err)
	assert.Equal(t, "success", st.State)
}

func TestBuild_Dest(t *testing.T) {
	tests := []struct {
		name    string
		id      uint
		version string
		want    string
	}{
		{name: "plain", id: 42, version: "master", want: "00042-master"},
		{name: "sanitized", id: 7, version: "saas-17.2_Beta/x.y", want: "00007-saas-17-2-beta-x-y"},
		{name: "quotes dropped", id: 123456, version: `"it's":~`, want: "123456-its"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := store.Build{
				ID:     tt.id,
				Params: &store.BuildParams{Version: &store.Version{Name: tt.version}},
			}

			assert.Equal(t, tt.want, b.Dest())

			id, ok := store.BuildIDFromDest(b.Dest())
			require.True(t, ok)
			assert.Equal(t, tt.id, id)
		})
	}

	_, ok := store.BuildIDFromDest("template0")
	assert.False(t, ok)
}

func TestBuild_SetLocalResult(t *testing.T) {
	b := store.Build{ID: 1, LocalResult: bs.ResultKO}

	require.ErrorIs(t, b.SetLocalResult(bs.ResultOK), bs.ErrWeakerResult)
	assert.Equal(t, bs.ResultKO, b.LocalResult)

	require.NoError(t, b.SetLocalResult(bs.ResultKilled))
	assert.Equal(t, bs.ResultKilled, b.LocalResult)
}

func pathOf(id uint) string {
	return strconv.FormatUint(uint64(id), 10) + "/"
}

func TestStore_Ping(t *testing.T) {
	s := storetest.New(t)

	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Stop())
	require.Error(t, s.Ping(context.Background()))
}
