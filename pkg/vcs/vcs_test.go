package vcs_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/runboor/pkg/vcs"
)

func TestParseRevListCounts(t *testing.T) {
	tests := []struct {
		name      string
		out       string
		wantLeft  int
		wantRight int
		wantErr   bool
	}{
		{name: "regular", out: "3\t12\n", wantLeft: 3, wantRight: 12},
		{name: "zero", out: "0\t0", wantLeft: 0, wantRight: 0},
		{name: "garbage", out: "fatal: bad revision", wantErr: true},
		{name: "non numeric", out: "a\t1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			left, right, err := vcs.ParseRevListCounts(tt.out)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantLeft, left)
			assert.Equal(t, tt.wantRight, right)
		})
	}
}

func TestParseNumstat(t *testing.T) {
	out := "10\t2\tserver/models.py\n-\t-\tstatic/logo.png\n0\t7\tREADME.md\n"

	stats, err := vcs.ParseNumstat(out)
	require.NoError(t, err)
	require.Len(t, stats, 3)

	assert.Equal(t, vcs.NumStat{Added: 10, Removed: 2, Path: "server/models.py"}, stats[0])
	assert.True(t, stats[1].Binary)

	files, added, removed := vcs.Totals(stats)
	assert.Equal(t, 3, files)
	assert.Equal(t, 10, added)
	assert.Equal(t, 9, removed)

	_, err = vcs.ParseNumstat("broken line")
	require.Error(t, err)
}

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", append([]string{
		"-C", dir, "-c", "user.name=test", "-c", "user.email=test@localhost",
	}, args...)...)

	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))

	return strings.TrimSpace(string(out))
}

func TestGit_AgainstMirror(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	ctx := context.Background()
	work := filepath.Join(t.TempDir(), "work")
	root := t.TempDir()

	require.NoError(t, os.MkdirAll(work, 0o755))
	gitCmd(t, work, "init", "-q", "-b", "master")

	require.NoError(t, os.WriteFile(filepath.Join(work, "a.txt"), []byte("one\n"), 0o600))
	gitCmd(t, work, "add", ".")
	gitCmd(t, work, "commit", "-q", "-m", "base")
	base := gitCmd(t, work, "rev-parse", "HEAD")

	gitCmd(t, work, "checkout", "-q", "-b", "feature")
	require.NoError(t, os.WriteFile(filepath.Join(work, "a.txt"), []byte("one\ntwo\nthree\n"), 0o600))
	gitCmd(t, work, "commit", "-q", "-am", "feature")
	feature := gitCmd(t, work, "rev-parse", "HEAD")

	gitCmd(t, work, "checkout", "-q", "master")
	require.NoError(t, os.WriteFile(filepath.Join(work, "b.txt"), []byte("b\n"), 0o600))
	gitCmd(t, work, "add", ".")
	gitCmd(t, work, "commit", "-q", "-m", "master moves")
	master := gitCmd(t, work, "rev-parse", "HEAD")

	gitCmd(t, root, "clone", "-q", "--bare", work, filepath.Join(root, "server"))

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	g := vcs.NewGit(log, root)

	head, err := g.Head(ctx, "server", "feature")
	require.NoError(t, err)
	assert.Equal(t, feature, head)

	mb, err := g.MergeBase(ctx, "server", master, feature)
	require.NoError(t, err)
	assert.Equal(t, base, mb)

	behind, ahead, err := g.RevListCounts(ctx, "server", master, feature)
	require.NoError(t, err)
	assert.Equal(t, 1, behind)
	assert.Equal(t, 1, ahead)

	stats, err := g.DiffNumstat(ctx, "server", base, feature)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 2, stats[0].Added)

	dest := filepath.Join(t.TempDir(), "export")
	_, err = g.Export(ctx, "server", feature, dest)
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree\n", string(content))

	_, err = g.Head(ctx, "server", "missing")
	require.Error(t, err)
}
