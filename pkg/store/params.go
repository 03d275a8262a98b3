package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

func preloadParams(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Version").
		Preload("Trigger").
		Preload("Trigger.Repos").
		Preload("Config").
		Preload("Config.Steps", orderedSteps).
		Preload("Dockerfile").
		Preload("CommitLinks", func(tx *gorm.DB) *gorm.DB { return tx.Order("id") }).
		Preload("CommitLinks.Commit").
		Preload("CommitLinks.Commit.Repo").
		Preload("ReferenceBuilds")
}

// CreateParams stores params unless a record with the same fingerprint
// exists, in which case the existing record is returned and created is
// false. Params without fingerprint are always inserted.
func (s *store) CreateParams(ctx context.Context, params *BuildParams) (*BuildParams, bool, error) {
	if params.Fingerprint != nil {
		if *params.Fingerprint == "" {
			return nil, false, errors.New("params fingerprint is empty")
		}

		existing, err := s.FindParamsByFingerprint(ctx, *params.Fingerprint)
		if err == nil {
			return existing, false, nil
		}

		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}

	// Associated links and builds already exist: only the join rows are
	// written.
	createErr := s.db.WithContext(ctx).
		Omit("Version", "Trigger", "Config", "Dockerfile", "CommitLinks.*", "ReferenceBuilds.*").
		Create(params).Error
	if createErr != nil {
		// A concurrent writer may have inserted the same fingerprint.
		if params.Fingerprint != nil {
			if existing, err := s.FindParamsByFingerprint(ctx, *params.Fingerprint); err == nil {
				return existing, false, nil
			}
		}

		return nil, false, fmt.Errorf("creating params: %w", createErr)
	}

	created, err := s.GetParams(ctx, params.ID)
	if err != nil {
		return nil, false, err
	}

	return created, true, nil
}

// GetParams loads params with their version, trigger, config steps and
// commit links.
func (s *store) GetParams(ctx context.Context, id uint) (*BuildParams, error) {
	var p BuildParams
	if err := preloadParams(s.db.WithContext(ctx)).First(&p, id).Error; err != nil {
		return nil, notFound(err, "params")
	}

	return &p, nil
}

func (s *store) FindParamsByFingerprint(ctx context.Context, fingerprint string) (*BuildParams, error) {
	var p BuildParams
	if err := preloadParams(s.db.WithContext(ctx)).
		Where("fingerprint = ?", fingerprint).
		First(&p).Error; err != nil {
		return nil, notFound(err, "params")
	}

	return &p, nil
}
