package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	bs "github.com/ethpandaops/runboor/pkg/buildstate"
	"github.com/ethpandaops/runboor/pkg/store"
)

func (s *service) RegisterHead(ctx context.Context, branchID uint, category string) (*store.Batch, error) {
	branch, err := s.store.GetBranch(ctx, branchID)
	if err != nil {
		return nil, err
	}

	if branch.Head == nil {
		return nil, fmt.Errorf("branch %s has no head", branch.Name)
	}

	if category == "" {
		category = s.cfg.DefaultCategory
	}

	batch, err := s.store.FindPreparingBatch(ctx, branch.BundleID, category)
	if store.IsNotFound(err) {
		batch = &store.Batch{
			BundleID: branch.BundleID,
			Category: category,
			State:    store.BatchPreparing,
		}

		if err := s.store.CreateBatch(ctx, batch); err != nil {
			return nil, err
		}

		s.log.WithFields(logrus.Fields{"batch": batch.ID, "branch": branch.Name}).Info("Created batch")
	} else if err != nil {
		return nil, err
	}

	if err := s.newCommit(ctx, batch, branch); err != nil {
		return nil, fmt.Errorf("registering head of branch %s: %w", branch.Name, err)
	}

	return s.store.GetBatch(ctx, batch.ID)
}

// newCommit links the branch head to the batch. A newer head replaces the
// commit already linked for the repo and a pull request takes over the
// branch of an identical commit.
func (s *service) newCommit(ctx context.Context, batch *store.Batch, branch *store.Branch) error {
	commit := branch.Head
	batch.LastUpdate = s.now()

	found := false

	for i := range batch.CommitLinks {
		link := &batch.CommitLinks[i]
		if link.Commit == nil || link.Commit.RepoID != commit.RepoID {
			continue
		}

		found = true

		switch {
		case link.CommitID != commit.ID:
			s.addLog(ctx, batch.ID, store.LevelInfo, fmt.Sprintf(
				"New head on branch %s during throttle phase: Replacing commit %s with %s",
				branch.Name, link.Commit.Hash, commit.Hash))

			link.CommitID = commit.ID
			link.Commit = commit
			link.BranchID = &branch.ID
			link.Branch = branch
		case (link.Branch == nil || !link.Branch.IsPR) && branch.IsPR:
			link.BranchID = &branch.ID
			link.Branch = branch
		}

		if err := s.store.UpdateCommitLink(ctx, link); err != nil {
			return err
		}

		break
	}

	if !found {
		if err := s.store.CreateCommitLink(ctx, &store.CommitLink{
			BatchID:   &batch.ID,
			CommitID:  commit.ID,
			BranchID:  &branch.ID,
			MatchType: store.MatchNew,
		}); err != nil {
			return err
		}
	}

	return s.store.UpdateBatch(ctx, batch)
}

func (s *service) Process(ctx context.Context, now time.Time) ([]uint, error) {
	batches, err := s.store.ListBatchesByState(ctx, store.BatchPreparing, store.BatchReady)
	if err != nil {
		return nil, err
	}

	var (
		processed []uint
		errs      []error
	)

	for i := range batches {
		batch := &batches[i]

		switch batch.State {
		case store.BatchPreparing:
			if !batch.LastUpdate.Before(now.Add(-s.cfg.Quiescence)) {
				continue
			}

			if err := s.Prepare(ctx, batch.ID, false); err != nil {
				s.log.WithField("batch", batch.ID).WithError(err).Error("Failed to prepare batch")
				errs = append(errs, err)

				continue
			}

			processed = append(processed, batch.ID)
		case store.BatchReady:
			if !finished(batch) {
				continue
			}

			batch.State = store.BatchDone
			if err := s.store.UpdateBatch(ctx, batch); err != nil {
				errs = append(errs, err)

				continue
			}

			s.log.WithField("batch", batch.ID).Info("Batch is done")
			s.addLog(ctx, batch.ID, store.LevelInfo, "Batch done")

			processed = append(processed, batch.ID)
		}
	}

	return processed, errors.Join(errs...)
}

// finished reports whether every slot build of batch runs or is done.
func finished(batch *store.Batch) bool {
	for _, slot := range batch.Slots {
		if slot.Build == nil {
			continue
		}

		switch slot.Build.GlobalState {
		case bs.StateNone, bs.StateRunning, bs.StateDone:
		default:
			return false
		}
	}

	return true
}

func (s *service) CreateMissingBuild(ctx context.Context, slotID uint) (*store.Build, error) {
	slot, err := s.store.GetSlot(ctx, slotID)
	if err != nil {
		return nil, err
	}

	if slot.BuildID != nil {
		return s.store.GetBuild(ctx, *slot.BuildID)
	}

	batch, err := s.store.GetBatch(ctx, slot.BatchID)
	if err != nil {
		return nil, err
	}

	bundle, err := s.store.GetBundle(ctx, batch.BundleID)
	if err != nil {
		return nil, err
	}

	params, err := s.store.GetParams(ctx, slot.ParamsID)
	if err != nil {
		return nil, err
	}

	build, linkType, err := s.createBuild(ctx, batch, bundle, params)
	if err != nil {
		return nil, err
	}

	slot.BuildID = &build.ID
	slot.LinkType = linkType

	if err := s.store.UpdateSlot(ctx, slot); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"slot": slot.ID, "build": build.ID}).Info("Created missing build")

	return build, nil
}
