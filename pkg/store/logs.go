package store

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"
)

func (s *store) AddBuildLog(ctx context.Context, log *BuildLog) error {
	log.Message = truncateLog(log.Message)

	if log.Level == "" {
		log.Level = LevelInfo
	}

	if err := s.db.WithContext(ctx).Create(log).Error; err != nil {
		return fmt.Errorf("adding build log: %w", err)
	}

	return nil
}

func (s *store) ListBuildLogs(ctx context.Context, buildID uint) ([]BuildLog, error) {
	var logs []BuildLog
	if err := s.db.WithContext(ctx).
		Where("build_id = ?", buildID).
		Order("id").
		Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("listing build logs: %w", err)
	}

	return logs, nil
}

func (s *store) AddBuildStats(ctx context.Context, stats []BuildStat) error {
	if len(stats) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).CreateInBatches(stats, 100).Error; err != nil {
		return fmt.Errorf("adding build stats: %w", err)
	}

	return nil
}

func (s *store) CreateDatabase(ctx context.Context, db *Database) error {
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(db).Error; err != nil {
		return fmt.Errorf("recording database %s: %w", db.Name, err)
	}

	return nil
}

func (s *store) ListDatabases(ctx context.Context) ([]Database, error) {
	var dbs []Database
	if err := s.db.WithContext(ctx).Order("id").Find(&dbs).Error; err != nil {
		return nil, fmt.Errorf("listing databases: %w", err)
	}

	return dbs, nil
}

func (s *store) DeleteDatabase(ctx context.Context, name string) error {
	if err := s.db.WithContext(ctx).
		Where("name = ?", name).
		Delete(&Database{}).Error; err != nil {
		return fmt.Errorf("deleting database %s: %w", name, err)
	}

	return nil
}

func (s *store) GetCommitStatus(ctx context.Context, commitID uint, ciContext string) (*CommitStatus, error) {
	var st CommitStatus
	if err := s.db.WithContext(ctx).
		Where("commit_id = ? AND context = ?", commitID, ciContext).
		First(&st).Error; err != nil {
		return nil, notFound(err, "commit status")
	}

	return &st, nil
}

// UpsertCommitStatus records the last status sent for a commit and context.
func (s *store) UpsertCommitStatus(ctx context.Context, status *CommitStatus) error {
	if status.SentAt.IsZero() {
		status.SentAt = now()
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "commit_id"}, {Name: "context"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "target_url", "description", "sent_at"}),
		}).
		Create(status).Error; err != nil {
		return fmt.Errorf("saving commit status: %w", err)
	}

	return nil
}
