// Package vcs wraps the git command line for batch preparation and build
// workspace export.
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// NumStat is one line of a numstat diff. Binary files have Binary set and
// zero line counts.
type NumStat struct {
	Added   int
	Removed int
	Path    string
	Binary  bool
}

// VCS is the version control collaborator. Repositories are addressed by
// name and resolved under the configured mirror root.
type VCS interface {
	Head(ctx context.Context, repo, branch string) (string, error)
	MergeBase(ctx context.Context, repo, a, b string) (string, error)
	// RevListCounts returns the number of commits only reachable from a
	// and only reachable from b.
	RevListCounts(ctx context.Context, repo, a, b string) (int, int, error)
	DiffNumstat(ctx context.Context, repo, a, b string) ([]NumStat, error)
	Export(ctx context.Context, repo, commit, dest string) (string, error)
	Rebase(ctx context.Context, repo, commit, onto string) (string, error)
}

// Compile-time interface check.
var _ VCS = (*git)(nil)

type git struct {
	log  logrus.FieldLogger
	root string
}

// NewGit creates a VCS operating on bare mirrors stored as root/<repo>.
func NewGit(log logrus.FieldLogger, root string) VCS {
	return &git{
		log:  log.WithField("component", "vcs"),
		root: root,
	}
}

func (g *git) path(repo string) string {
	return filepath.Join(g.root, repo)
}

func (g *git) run(ctx context.Context, repo string, args ...string) (string, error) {
	full := append([]string{"--git-dir", g.path(repo)}, args...)

	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}

	return stdout.String(), nil
}

func (g *git) Head(ctx context.Context, repo, branch string) (string, error) {
	out, err := g.run(ctx, repo, "rev-parse", "refs/heads/"+branch)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(out), nil
}

func (g *git) MergeBase(ctx context.Context, repo, a, b string) (string, error) {
	out, err := g.run(ctx, repo, "merge-base", a, b)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(out), nil
}

func (g *git) RevListCounts(ctx context.Context, repo, a, b string) (int, int, error) {
	out, err := g.run(ctx, repo, "rev-list", "--left-right", "--count", a+"..."+b)
	if err != nil {
		return 0, 0, err
	}

	return ParseRevListCounts(out)
}

func (g *git) DiffNumstat(ctx context.Context, repo, a, b string) ([]NumStat, error) {
	out, err := g.run(ctx, repo, "diff", "--numstat", a, b)
	if err != nil {
		return nil, err
	}

	return ParseNumstat(out)
}

// Export checks commit out into dest and returns dest.
func (g *git) Export(ctx context.Context, repo, commit, dest string) (string, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("creating export dir: %w", err)
	}

	if _, err := g.run(ctx, repo, "--work-tree", dest, "checkout", "-f", commit, "--", "."); err != nil {
		return "", fmt.Errorf("exporting %s@%s: %w", repo, commit, err)
	}

	g.log.WithFields(logrus.Fields{
		"repo":   repo,
		"commit": commit,
		"dest":   dest,
	}).Debug("Exported commit")

	return dest, nil
}

// Rebase replays the commits of commit not reachable from onto on top of
// it in a throwaway worktree and returns the resulting commit.
func (g *git) Rebase(ctx context.Context, repo, commit, onto string) (string, error) {
	tmp, err := os.MkdirTemp("", "runboor-rebase-")
	if err != nil {
		return "", fmt.Errorf("creating rebase worktree dir: %w", err)
	}

	defer func() { _ = os.RemoveAll(tmp) }()

	wt := filepath.Join(tmp, "wt")

	if _, err := g.run(ctx, repo, "worktree", "add", "--detach", wt, commit); err != nil {
		return "", err
	}

	defer func() {
		if _, err := g.run(context.Background(), repo, "worktree", "remove", "--force", wt); err != nil {
			g.log.WithError(err).Warn("Failed to remove rebase worktree")
		}
	}()

	cmd := exec.CommandContext(ctx, "git", "-C", wt,
		"-c", "user.name=runboor", "-c", "user.email=runboor@localhost",
		"rebase", onto)

	if out, err := cmd.CombinedOutput(); err != nil {
		_ = exec.CommandContext(ctx, "git", "-C", wt, "rebase", "--abort").Run()

		return "", fmt.Errorf("rebasing %s on %s: %w: %s", commit, onto, err, strings.TrimSpace(string(out)))
	}

	out, err := exec.CommandContext(ctx, "git", "-C", wt, "rev-parse", "HEAD").Output()
	if err != nil {
		return "", fmt.Errorf("reading rebased head: %w", err)
	}

	return strings.TrimSpace(string(out)), nil
}

// ParseRevListCounts parses the output of rev-list --left-right --count.
func ParseRevListCounts(out string) (int, int, error) {
	fields := strings.Split(strings.TrimSpace(out), "\t")
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected rev-list output %q", out)
	}

	left, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, fmt.Errorf("parsing left count: %w", err)
	}

	right, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, fmt.Errorf("parsing right count: %w", err)
	}

	return left, right, nil
}

// ParseNumstat parses the output of diff --numstat.
func ParseNumstat(out string) ([]NumStat, error) {
	var stats []NumStat

	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}

		fields := strings.SplitN(line, "\t", 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf("unexpected numstat line %q", line)
		}

		st := NumStat{Path: fields[2]}

		if fields[0] == "-" && fields[1] == "-" {
			st.Binary = true
			stats = append(stats, st)

			continue
		}

		var err error

		if st.Added, err = strconv.Atoi(fields[0]); err != nil {
			return nil, fmt.Errorf("parsing added lines: %w", err)
		}

		if st.Removed, err = strconv.Atoi(fields[1]); err != nil {
			return nil, fmt.Errorf("parsing removed lines: %w", err)
		}

		stats = append(stats, st)
	}

	return stats, nil
}

// Totals sums a numstat diff into files changed, lines added and removed.
func Totals(stats []NumStat) (files, added, removed int) {
	for _, st := range stats {
		files++
		added += st.Added
		removed += st.Removed
	}

	return files, added, removed
}
