package batch

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/runboor/pkg/filter"
	"github.com/ethpandaops/runboor/pkg/store"
)

// preparation carries the state of one Prepare call.
type preparation struct {
	*service

	log    logrus.FieldLogger
	batch  *store.Batch
	bundle *store.Bundle
	base   *store.Bundle

	links   []*store.CommitLink
	repos   map[uint]*store.Repo
	missing map[uint]struct{}
	// dependencies are the dependency repos of the selected triggers.
	dependencies map[uint]*store.Repo

	lastDone       *store.Batch
	lastDoneLoaded bool
}

// candidate is a commit offered to fill a missing repository.
type candidate struct {
	branch *store.Branch
	commit *store.Commit
}

func (s *service) Prepare(ctx context.Context, batchID uint, autoRebase bool) error {
	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}

	if batch.State != store.BatchPreparing {
		return fmt.Errorf("batch %d is %s: %w", batchID, batch.State, ErrNotPreparing)
	}

	bundle, err := s.store.GetBundle(ctx, batch.BundleID)
	if err != nil {
		return err
	}

	p := &preparation{
		service:      s,
		log:          s.log.WithFields(logrus.Fields{"batch": batch.ID, "bundle": bundle.Name}),
		batch:        batch,
		bundle:       bundle,
		repos:        make(map[uint]*store.Repo),
		missing:      make(map[uint]struct{}),
		dependencies: make(map[uint]*store.Repo),
	}

	for i := range batch.CommitLinks {
		link := &batch.CommitLinks[i]
		p.links = append(p.links, link)

		if link.Commit != nil && link.Commit.Repo != nil {
			p.repos[link.Commit.RepoID] = link.Commit.Repo
		}
	}

	p.log.Info("Preparing batch")

	if err := p.run(ctx, autoRebase); err != nil {
		return fmt.Errorf("preparing batch %d: %w", batchID, err)
	}

	return nil
}

func (p *preparation) run(ctx context.Context, autoRebase bool) error {
	base, err := p.resolveBase(ctx)
	if err != nil {
		return err
	}

	p.base = base
	p.bundleWarnings(ctx)

	p.batch.State = store.BatchReady

	if p.bundle.VersionID == nil {
		p.log.Error("No version found on bundle")
	}

	dockerfileID, err := p.dockerfile(ctx)
	if err != nil {
		return err
	}

	if dockerfileID == nil {
		p.log.Error("No dockerfile found")
	}

	triggers, err := p.triggers(ctx)
	if err != nil {
		return err
	}

	p.initMissing(triggers)
	p.checkHeads(ctx)

	if len(p.missing) > 0 {
		if err := p.fill(ctx, branchHeads(sortedBranches(p.bundle.Branches)), store.MatchHead); err != nil {
			return err
		}
	}

	lastBase, err := p.lastBaseBatch(ctx)
	if err != nil {
		return err
	}

	if err := p.updateCommitInfos(ctx, batchHeads(lastBase)); err != nil {
		return err
	}

	if len(p.missing) > 0 && !p.bundle.IsBase {
		if err := p.fillFromBaseMatch(ctx, lastBase, autoRebase); err != nil {
			return err
		}
	}

	if err := p.fillFallbacks(ctx); err != nil {
		return err
	}

	if len(p.missing) > 0 {
		p.log.WithField("repos", p.names(p.missingIDs())).Warn("Missing repos for batch")
	}

	if autoRebase {
		if err := p.rebase(ctx); err != nil {
			return err
		}
	}

	if err := p.createSlots(ctx, triggers, dockerfileID); err != nil {
		return err
	}

	if err := p.store.UpdateBatch(ctx, p.batch); err != nil {
		return err
	}

	if !p.bundle.Sticky && p.batch.Category == p.cfg.DefaultCategory {
		return p.skipOlder(ctx)
	}

	return nil
}

// resolveBase returns the base bundle: the bundle itself for a base
// bundle, its explicit base, or the base bundle of its version.
func (p *preparation) resolveBase(ctx context.Context) (*store.Bundle, error) {
	if p.bundle.IsBase {
		return p.bundle, nil
	}

	if p.bundle.BaseID != nil {
		return p.store.GetBundle(ctx, *p.bundle.BaseID)
	}

	if p.bundle.VersionID == nil {
		return nil, nil
	}

	base, err := p.store.FindBaseBundle(ctx, p.bundle.ProjectID, *p.bundle.VersionID)
	if store.IsNotFound(err) {
		return nil, nil
	}

	return base, err
}

func (p *preparation) bundleWarnings(ctx context.Context) {
	if p.base == nil {
		p.warning(ctx, "Bundle warning: no base bundle found for %s", p.bundle.Name)

		return
	}

	if p.base.ID != p.bundle.ID && p.base.VersionID != nil && p.bundle.VersionID != nil &&
		*p.base.VersionID != *p.bundle.VersionID {
		p.warning(ctx, "Bundle warning: base bundle %s is not on the version of %s", p.base.Name, p.bundle.Name)
	}
}

// dockerfile resolves the dockerfile from the bundle, its base, its
// version then its project.
func (p *preparation) dockerfile(ctx context.Context) (*uint, error) {
	if p.bundle.DockerfileID != nil {
		return p.bundle.DockerfileID, nil
	}

	if p.base != nil && p.base.DockerfileID != nil {
		return p.base.DockerfileID, nil
	}

	if p.bundle.Version != nil && p.bundle.Version.DockerfileID != nil {
		return p.bundle.Version.DockerfileID, nil
	}

	project, err := p.store.GetProject(ctx, p.bundle.ProjectID)
	if err != nil {
		return nil, err
	}

	return project.DockerfileID, nil
}

// triggers returns the triggers of the batch category whose version
// filter accepts the bundle version.
func (p *preparation) triggers(ctx context.Context) ([]store.Trigger, error) {
	all, err := p.store.ListTriggers(ctx, p.bundle.ProjectID, p.batch.Category)
	if err != nil {
		return nil, err
	}

	attrs := p.bundle.Version.Attrs()
	out := make([]store.Trigger, 0, len(all))

	for _, t := range all {
		if t.VersionFilter != "" {
			ok, err := filter.Match(t.VersionFilter, attrs)
			if err != nil {
				p.warning(ctx, "Invalid version filter on trigger %s: %v", t.Name, err)

				continue
			}

			if !ok {
				continue
			}
		}

		out = append(out, t)
	}

	return out, nil
}

// initMissing marks every trigger repo without a pushed commit as missing.
func (p *preparation) initMissing(triggers []store.Trigger) {
	for i := range triggers {
		for _, r := range triggers[i].AllRepos() {
			repo := r
			p.repos[repo.ID] = &repo
			p.missing[repo.ID] = struct{}{}
		}

		for _, r := range triggers[i].Dependencies {
			repo := r
			p.dependencies[repo.ID] = &repo
		}
	}

	for _, link := range p.links {
		if link.Commit != nil {
			delete(p.missing, link.Commit.RepoID)
		}
	}
}

// checkHeads warns when two alive branches of a repo disagree on their
// head.
func (p *preparation) checkHeads(ctx context.Context) {
	first := make(map[uint]*store.Branch)

	for _, br := range sortedBranches(p.bundle.Branches) {
		if !br.Alive || br.Head == nil {
			continue
		}

		other, ok := first[br.RepoID]
		if !ok {
			first[br.RepoID] = br

			continue
		}

		if other.Head.ID != br.Head.ID {
			p.warning(ctx, "Branch %s and branch %s in repo %s don't have the same head: %s ≠ %s",
				br.Name, other.Name, repoName(br.Repo), br.Head.Hash, other.Head.Hash)
		}
	}
}

// fill links the candidates of missing repos to the batch, first
// candidate of a repo wins.
func (p *preparation) fill(ctx context.Context, candidates []candidate, matchType string) error {
	for _, c := range candidates {
		if c.commit == nil || c.branch == nil {
			continue
		}

		if _, ok := p.missing[c.commit.RepoID]; !ok {
			continue
		}

		if !c.branch.Alive {
			p.info(ctx, "Skipping dead branch %s", c.branch.Name)

			continue
		}

		link := &store.CommitLink{
			BatchID:   &p.batch.ID,
			CommitID:  c.commit.ID,
			Commit:    c.commit,
			BranchID:  &c.branch.ID,
			Branch:    c.branch,
			MatchType: matchType,
		}

		if strings.HasPrefix(matchType, "base") {
			link.BaseCommitID = &c.commit.ID
			link.MergeBaseCommitID = &c.commit.ID
		}

		if err := p.store.CreateCommitLink(ctx, link); err != nil {
			return err
		}

		if c.branch.Repo != nil {
			p.repos[c.commit.RepoID] = c.branch.Repo
		}

		p.links = append(p.links, link)
		delete(p.missing, c.commit.RepoID)
	}

	return nil
}

// fillFallbacks tries the base heads, the master base heads, then the
// bundles of foreign projects.
func (p *preparation) fillFallbacks(ctx context.Context) error {
	if len(p.missing) > 0 {
		if !p.bundle.IsBase {
			p.info(ctx, "Not all commit found in bundle branches and base batch. Fallback on base branches heads.")
		}

		if p.base != nil {
			if err := p.fill(ctx, branchHeads(ptrs(p.base.Branches)), store.MatchBaseHead); err != nil {
				return err
			}
		}
	}

	if len(p.missing) > 0 {
		if !p.bundle.IsBase {
			p.info(ctx, "Not all commit found in current version. Fallback on master branches heads.")
		}

		master, err := p.masterBase(ctx)
		if err != nil {
			return err
		}

		if master != nil {
			if err := p.fill(ctx, branchHeads(ptrs(master.Branches)), store.MatchBaseHead); err != nil {
				return err
			}
		}
	}

	if len(p.missing) == 0 {
		return nil
	}

	projects := p.foreignProjects()
	if len(projects) == 0 {
		return nil
	}

	p.info(ctx, "Not all commit found. Fallback on foreign base branches heads.")

	foreign, err := p.store.FindBundlesByName(ctx, p.bundle.Name, projects)
	if err != nil {
		return err
	}

	var branches []store.Branch
	for _, b := range foreign {
		branches = append(branches, b.Branches...)
	}

	sort.SliceStable(branches, func(i, j int) bool { return branches[i].IsPR && !branches[j].IsPR })

	if err := p.fill(ctx, branchHeads(ptrs(branches)), store.MatchHead); err != nil {
		return err
	}

	if len(p.missing) == 0 || p.base == nil {
		return nil
	}

	foreignBases, err := p.store.FindBundlesByName(ctx, p.base.Name, projects)
	if err != nil {
		return err
	}

	branches = branches[:0]
	for _, b := range foreignBases {
		branches = append(branches, b.Branches...)
	}

	return p.fill(ctx, branchHeads(ptrs(branches)), store.MatchBaseHead)
}

// masterBase returns the base bundle of the master version in the bundle
// project, nil when there is none.
func (p *preparation) masterBase(ctx context.Context) (*store.Bundle, error) {
	version, err := p.store.FindVersionByName(ctx, p.cfg.MasterVersion)
	if store.IsNotFound(err) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	master, err := p.store.FindBaseBundle(ctx, p.bundle.ProjectID, version.ID)
	if store.IsNotFound(err) {
		return nil, nil
	}

	return master, err
}

// foreignProjects lists the projects of dependency repos other than the
// bundle project.
func (p *preparation) foreignProjects() []uint {
	var out []uint

	for _, r := range p.dependencies {
		if r.ProjectID != p.bundle.ProjectID && !slices.Contains(out, r.ProjectID) {
			out = append(out, r.ProjectID)
		}
	}

	slices.Sort(out)

	return out
}

// lastBaseBatch is the latest non-preparing batch of the base bundle in
// the same category.
func (p *preparation) lastBaseBatch(ctx context.Context) (*store.Batch, error) {
	if p.base == nil {
		return nil, nil
	}

	last, err := p.store.LastBatch(ctx, p.base.ID, p.batch.Category, p.batch.ID)
	if store.IsNotFound(err) {
		return nil, nil
	}

	return last, err
}

func (p *preparation) info(ctx context.Context, format string, args ...any) {
	p.addLog(ctx, p.batch.ID, store.LevelInfo, fmt.Sprintf(format, args...))
}

func (p *preparation) warning(ctx context.Context, format string, args ...any) {
	message := fmt.Sprintf(format, args...)

	p.batch.HasWarning = true
	p.log.Warn(message)
	p.addLog(ctx, p.batch.ID, store.LevelWarning, message)
}

func (p *preparation) missingIDs() []uint {
	ids := make([]uint, 0, len(p.missing))
	for id := range p.missing {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

func (p *preparation) names(ids []uint) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, repoName(p.repos[id]))
	}

	return out
}

// sortedBranches orders branches by head commit id, newest first, plain
// branches before pull requests on the same head.
func sortedBranches(branches []store.Branch) []*store.Branch {
	out := ptrs(branches)

	sort.SliceStable(out, func(i, j int) bool {
		hi, hj := headID(out[i]), headID(out[j])
		if hi != hj {
			return hi > hj
		}

		return !out[i].IsPR && out[j].IsPR
	})

	return out
}

func headID(b *store.Branch) uint {
	if b.Head == nil {
		return 0
	}

	return b.Head.ID
}

func ptrs(branches []store.Branch) []*store.Branch {
	out := make([]*store.Branch, 0, len(branches))
	for i := range branches {
		out = append(out, &branches[i])
	}

	return out
}

func branchHeads(branches []*store.Branch) []candidate {
	out := make([]candidate, 0, len(branches))
	for _, br := range branches {
		out = append(out, candidate{branch: br, commit: br.Head})
	}

	return out
}

// batchHeads maps each repo to the commit linked in batch.
func batchHeads(batch *store.Batch) map[uint]*store.Commit {
	heads := make(map[uint]*store.Commit)
	if batch == nil {
		return heads
	}

	for i := range batch.CommitLinks {
		if c := batch.CommitLinks[i].Commit; c != nil {
			heads[c.RepoID] = c
		}
	}

	return heads
}

func repoName(r *store.Repo) string {
	if r == nil {
		return "?"
	}

	return r.Name
}
