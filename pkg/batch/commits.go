package batch

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethpandaops/runboor/pkg/store"
	"github.com/ethpandaops/runboor/pkg/vcs"
)

// updateCommitInfos sets the base commit of every link from baseHeads and
// computes merge base, ahead/behind counts and diff size against it. Git
// failures leave the counters at zero.
func (p *preparation) updateCommitInfos(ctx context.Context, baseHeads map[uint]*store.Commit) error {
	for _, link := range p.links {
		commit := link.Commit
		if commit == nil {
			continue
		}

		baseHead, ok := baseHeads[commit.RepoID]
		if !ok {
			p.warning(ctx, "No base head found for repo %s", p.repoNameOf(ctx, commit.RepoID))

			continue
		}

		link.BaseCommitID = &baseHead.ID
		link.BaseCommit = baseHead
		link.BaseAhead, link.BaseBehind = 0, 0
		link.FileChanged, link.DiffAdd, link.DiffRemove = 0, 0, 0
		link.MergeBaseCommitID = &commit.ID

		if commit.Hash != baseHead.Hash {
			if err := p.diffInfo(ctx, link, commit, baseHead); err != nil {
				p.log.WithError(err).Debug("Commit info failed")
				p.warning(ctx, "Commit info failed between %s and %s", commit.Hash, baseHead.Hash)
			}
		}

		if err := p.store.UpdateCommitLink(ctx, link); err != nil {
			return err
		}
	}

	return nil
}

func (p *preparation) diffInfo(ctx context.Context, link *store.CommitLink, commit, baseHead *store.Commit) error {
	repo, err := p.repo(ctx, commit.RepoID)
	if err != nil {
		return err
	}

	mergeBase, err := p.vcs.MergeBase(ctx, repo.Name, commit.Hash, baseHead.Hash)
	if err != nil {
		return err
	}

	mbCommit, err := p.store.GetOrCreateCommit(ctx, commit.RepoID, mergeBase)
	if err != nil {
		return err
	}

	link.MergeBaseCommitID = &mbCommit.ID

	ahead, behind, err := p.vcs.RevListCounts(ctx, repo.Name, commit.Hash, baseHead.Hash)
	if err != nil {
		return err
	}

	link.BaseAhead = ahead
	link.BaseBehind = behind

	if mergeBase == commit.Hash {
		return nil
	}

	stats, err := p.vcs.DiffNumstat(ctx, repo.Name, mergeBase, commit.Hash)
	if err != nil {
		return err
	}

	link.FileChanged, link.DiffAdd, link.DiffRemove = vcs.Totals(stats)

	return nil
}

// fillFromBaseMatch fills missing repos from the base batch sharing the
// most merge bases with this batch, or from the last base batch when
// rebasing automatically.
func (p *preparation) fillFromBaseMatch(ctx context.Context, lastBase *store.Batch, autoRebase bool) error {
	var match *store.Batch

	if autoRebase {
		match = lastBase
		if match != nil {
			p.info(ctx, "Using last done batch %d to define missing commits (automatic rebase)", match.ID)
		}
	} else {
		var err error

		match, err = p.baseMatch(ctx)
		if err != nil {
			return err
		}
	}

	if match == nil {
		return nil
	}

	candidates := make([]candidate, 0, len(match.CommitLinks))
	for i := range match.CommitLinks {
		link := &match.CommitLinks[i]
		candidates = append(candidates, candidate{branch: link.Branch, commit: link.Commit})
	}

	return p.fill(ctx, candidates, store.MatchBaseMatch)
}

// baseMatch ranks the base batches linking one of the merge bases of this
// batch by the number of merge bases they contain, then by id.
func (p *preparation) baseMatch(ctx context.Context) (*store.Batch, error) {
	if p.base == nil {
		return nil, nil
	}

	mergeBases := make(map[uint]uint)
	ids := make([]uint, 0, len(p.links))

	for _, link := range p.links {
		if link.MergeBaseCommitID == nil || link.Commit == nil {
			continue
		}

		if _, ok := mergeBases[*link.MergeBaseCommitID]; !ok {
			mergeBases[*link.MergeBaseCommitID] = link.Commit.RepoID
			ids = append(ids, *link.MergeBaseCommitID)
		}
	}

	batches, err := p.store.BatchesWithCommits(ctx, p.base.ID, p.batch.Category, ids)
	if err != nil {
		return nil, err
	}

	var (
		best      *store.Batch
		bestScore = -1
	)

	for i := range batches {
		score := 0

		for _, c := range commitIDs(&batches[i]) {
			if _, ok := mergeBases[c]; ok {
				score++
			}
		}

		if score > bestScore || (score == bestScore && batches[i].ID > best.ID) {
			best = &batches[i]
			bestScore = score
		}
	}

	if best == nil {
		return nil, nil
	}

	p.info(ctx, "Using batch %d to define missing commits", best.ID)

	mergeBaseRepos := make(map[uint]struct{}, len(mergeBases))
	for _, repoID := range mergeBases {
		mergeBaseRepos[repoID] = struct{}{}
	}

	var tips []string

	seen := make(map[uint]struct{})

	for i := range best.CommitLinks {
		c := best.CommitLinks[i].Commit
		if c == nil {
			continue
		}

		if _, ok := seen[c.ID]; ok {
			continue
		}

		seen[c.ID] = struct{}{}

		if _, ok := mergeBaseRepos[c.RepoID]; !ok {
			continue
		}

		if _, ok := mergeBases[c.ID]; ok {
			continue
		}

		tips = append(tips, fmt.Sprintf("Tip: rebase %s to %s", p.repoNameOf(ctx, c.RepoID), c.Hash))
	}

	if len(tips) > 0 {
		p.warning(ctx, "Only %d out of %d merge base matched. You may want to rebase your branches to ensure compatibility\n%s",
			len(mergeBases)-len(tips), len(mergeBases), strings.Join(tips, "\n"))
	}

	return best, nil
}

// rebase replaces every linked commit by its rebase on the link base
// commit.
func (p *preparation) rebase(ctx context.Context) error {
	for _, link := range p.links {
		if link.BaseCommitID == nil || link.Commit == nil || *link.BaseCommitID == link.CommitID {
			continue
		}

		onto := link.BaseCommit
		if onto == nil {
			c, err := p.store.GetCommit(ctx, *link.BaseCommitID)
			if err != nil {
				return err
			}

			onto = c
		}

		repo, err := p.repo(ctx, link.Commit.RepoID)
		if err != nil {
			return err
		}

		hash, err := p.vcs.Rebase(ctx, repo.Name, link.Commit.Hash, onto.Hash)
		if err != nil {
			p.warning(ctx, "Rebase of %s on %s failed in repo %s", link.Commit.Hash, onto.Hash, repo.Name)
			p.log.WithError(err).Debug("Rebase failed")

			continue
		}

		rebased, err := p.store.GetOrCreateCommit(ctx, link.Commit.RepoID, hash)
		if err != nil {
			return err
		}

		link.CommitID = rebased.ID
		link.Commit = rebased

		if err := p.store.UpdateCommitLink(ctx, link); err != nil {
			return err
		}
	}

	return nil
}

// repo returns the repo of id from the preparation cache or the store.
func (p *preparation) repo(ctx context.Context, id uint) (*store.Repo, error) {
	if r, ok := p.repos[id]; ok && r != nil {
		return r, nil
	}

	r, err := p.store.GetRepo(ctx, id)
	if err != nil {
		return nil, err
	}

	p.repos[id] = r

	return r, nil
}

func (p *preparation) repoNameOf(ctx context.Context, id uint) string {
	r, err := p.repo(ctx, id)
	if err != nil {
		return fmt.Sprintf("#%d", id)
	}

	return r.Name
}

// commitIDs returns the distinct commits linked in batch.
func commitIDs(batch *store.Batch) []uint {
	seen := make(map[uint]struct{}, len(batch.CommitLinks))
	out := make([]uint, 0, len(batch.CommitLinks))

	for _, l := range batch.CommitLinks {
		if _, ok := seen[l.CommitID]; ok {
			continue
		}

		seen[l.CommitID] = struct{}{}
		out = append(out, l.CommitID)
	}

	return out
}
