package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func preloadBatch(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Bundle").
		Preload("Bundle.Version").
		Preload("CommitLinks", func(tx *gorm.DB) *gorm.DB { return tx.Order("id") }).
		Preload("CommitLinks.Commit").
		Preload("CommitLinks.Commit.Repo").
		Preload("CommitLinks.Branch").
		Preload("Slots", func(tx *gorm.DB) *gorm.DB { return tx.Order("id") }).
		Preload("Slots.Build")
}

func (s *store) CreateBatch(ctx context.Context, batch *Batch) error {
	if batch.LastUpdate.IsZero() {
		batch.LastUpdate = now()
	}

	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(batch).Error; err != nil {
		return fmt.Errorf("creating batch: %w", err)
	}

	return nil
}

// GetBatch loads a batch with its bundle, commit links and slots.
func (s *store) GetBatch(ctx context.Context, id uint) (*Batch, error) {
	var b Batch
	if err := preloadBatch(s.db.WithContext(ctx)).First(&b, id).Error; err != nil {
		return nil, notFound(err, "batch")
	}

	return &b, nil
}

func (s *store) UpdateBatch(ctx context.Context, batch *Batch) error {
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Save(batch).Error; err != nil {
		return fmt.Errorf("updating batch %d: %w", batch.ID, err)
	}

	return nil
}

func (s *store) FindPreparingBatch(ctx context.Context, bundleID uint, category string) (*Batch, error) {
	var b Batch
	if err := preloadBatch(s.db.WithContext(ctx)).
		Where("bundle_id = ? AND category = ? AND state = ?", bundleID, category, BatchPreparing).
		Order("id DESC").
		First(&b).Error; err != nil {
		return nil, notFound(err, "preparing batch")
	}

	return &b, nil
}

// LastBatch returns the most recent non-preparing batch of a bundle in a
// category, ignoring excludeID.
func (s *store) LastBatch(ctx context.Context, bundleID uint, category string, excludeID uint) (*Batch, error) {
	var b Batch
	if err := preloadBatch(s.db.WithContext(ctx)).
		Where("bundle_id = ? AND category = ? AND state <> ? AND id <> ?",
			bundleID, category, BatchPreparing, excludeID).
		Order("id DESC").
		First(&b).Error; err != nil {
		return nil, notFound(err, "last batch")
	}

	return &b, nil
}

func (s *store) LastDoneBatch(ctx context.Context, bundleID uint, category string) (*Batch, error) {
	var b Batch
	if err := preloadBatch(s.db.WithContext(ctx)).
		Where("bundle_id = ? AND category = ? AND state = ?", bundleID, category, BatchDone).
		Order("id DESC").
		First(&b).Error; err != nil {
		return nil, notFound(err, "last done batch")
	}

	return &b, nil
}

// BatchesWithCommits returns the non-preparing batches of a bundle holding
// a new or head link on one of commitIDs.
func (s *store) BatchesWithCommits(
	ctx context.Context,
	bundleID uint,
	category string,
	commitIDs []uint,
) ([]Batch, error) {
	var batches []Batch
	if len(commitIDs) == 0 {
		return batches, nil
	}

	sub := s.db.
		Model(&CommitLink{}).
		Select("batch_id").
		Where("commit_id IN ? AND match_type IN ?", commitIDs, []string{MatchNew, MatchHead})

	if err := preloadBatch(s.db.WithContext(ctx)).
		Where("bundle_id = ? AND category = ? AND state <> ? AND id IN (?)",
			bundleID, category, BatchPreparing, sub).
		Order("id DESC").
		Find(&batches).Error; err != nil {
		return nil, fmt.Errorf("finding batches with commits: %w", err)
	}

	return batches, nil
}

// SkippableBatches returns the batches of a bundle older than beforeID that
// are neither done nor already skipped.
func (s *store) SkippableBatches(
	ctx context.Context,
	bundleID uint,
	category string,
	beforeID uint,
) ([]Batch, error) {
	var batches []Batch
	if err := preloadBatch(s.db.WithContext(ctx)).
		Where("bundle_id = ? AND category = ? AND id < ? AND state NOT IN ?",
			bundleID, category, beforeID, []string{BatchDone, BatchSkipped}).
		Order("id").
		Find(&batches).Error; err != nil {
		return nil, fmt.Errorf("listing skippable batches: %w", err)
	}

	return batches, nil
}

func (s *store) ListBatchesByState(ctx context.Context, states ...string) ([]Batch, error) {
	var batches []Batch
	if err := preloadBatch(s.db.WithContext(ctx)).
		Where("state IN ?", states).
		Order("id").
		Find(&batches).Error; err != nil {
		return nil, fmt.Errorf("listing batches: %w", err)
	}

	return batches, nil
}

func (s *store) AddBatchLog(ctx context.Context, batchID uint, level, message string) error {
	entry := BatchLog{
		BatchID: batchID,
		Level:   level,
		Message: truncateLog(message),
	}

	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("adding batch log: %w", err)
	}

	return nil
}

func (s *store) ListBatchLogs(ctx context.Context, batchID uint) ([]BatchLog, error) {
	var logs []BatchLog
	if err := s.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("id").
		Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("listing batch logs: %w", err)
	}

	return logs, nil
}

func (s *store) CreateCommitLink(ctx context.Context, link *CommitLink) error {
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(link).Error; err != nil {
		return fmt.Errorf("creating commit link: %w", err)
	}

	return nil
}

func (s *store) UpdateCommitLink(ctx context.Context, link *CommitLink) error {
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Save(link).Error; err != nil {
		return fmt.Errorf("updating commit link %d: %w", link.ID, err)
	}

	return nil
}

func (s *store) CreateSlot(ctx context.Context, slot *BatchSlot) error {
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(slot).Error; err != nil {
		return fmt.Errorf("creating slot: %w", err)
	}

	return nil
}

func (s *store) UpdateSlot(ctx context.Context, slot *BatchSlot) error {
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Save(slot).Error; err != nil {
		return fmt.Errorf("updating slot %d: %w", slot.ID, err)
	}

	return nil
}

func (s *store) GetSlot(ctx context.Context, id uint) (*BatchSlot, error) {
	var slot BatchSlot
	if err := s.db.WithContext(ctx).
		Preload("Build").
		Preload("Trigger").
		First(&slot, id).Error; err != nil {
		return nil, notFound(err, "slot")
	}

	return &slot, nil
}

func (s *store) ListSlots(ctx context.Context, batchID uint) ([]BatchSlot, error) {
	var slots []BatchSlot
	if err := s.db.WithContext(ctx).
		Preload("Build").
		Preload("Trigger").
		Where("batch_id = ?", batchID).
		Order("id").
		Find(&slots).Error; err != nil {
		return nil, fmt.Errorf("listing slots: %w", err)
	}

	return slots, nil
}

// ListSlotsForBuild returns every slot pointing at buildID, with its batch.
func (s *store) ListSlotsForBuild(ctx context.Context, buildID uint) ([]BatchSlot, error) {
	var slots []BatchSlot
	if err := s.db.WithContext(ctx).
		Preload("Batch").
		Preload("Batch.Bundle").
		Where("build_id = ?", buildID).
		Order("id").
		Find(&slots).Error; err != nil {
		return nil, fmt.Errorf("listing slots for build %d: %w", buildID, err)
	}

	return slots, nil
}
