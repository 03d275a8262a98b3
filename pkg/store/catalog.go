package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Seed inserts catalog records such as projects, repos, bundles, branches,
// configs and triggers, including their many-to-many associations.
func (s *store) Seed(ctx context.Context, records ...any) error {
	for _, r := range records {
		if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
			return fmt.Errorf("seeding %T: %w", r, err)
		}
	}

	return nil
}

func (s *store) GetProject(ctx context.Context, id uint) (*Project, error) {
	var p Project
	if err := s.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, notFound(err, "project")
	}

	return &p, nil
}

func (s *store) GetVersion(ctx context.Context, id uint) (*Version, error) {
	var v Version
	if err := s.db.WithContext(ctx).First(&v, id).Error; err != nil {
		return nil, notFound(err, "version")
	}

	return &v, nil
}

func (s *store) FindVersionByName(ctx context.Context, name string) (*Version, error) {
	var v Version
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&v).Error; err != nil {
		return nil, notFound(err, "version")
	}

	return &v, nil
}

func (s *store) GetRepo(ctx context.Context, id uint) (*Repo, error) {
	var r Repo
	if err := s.db.WithContext(ctx).First(&r, id).Error; err != nil {
		return nil, notFound(err, "repo")
	}

	return &r, nil
}

func (s *store) GetDockerfile(ctx context.Context, id uint) (*Dockerfile, error) {
	var d Dockerfile
	if err := s.db.WithContext(ctx).First(&d, id).Error; err != nil {
		return nil, notFound(err, "dockerfile")
	}

	return &d, nil
}

// GetOrCreateCommit returns the commit hash of repoID, inserting it when
// unknown.
func (s *store) GetOrCreateCommit(ctx context.Context, repoID uint, hash string) (*Commit, error) {
	c := Commit{RepoID: repoID, Hash: hash}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&c).Error; err != nil {
		return nil, fmt.Errorf("inserting commit %s: %w", hash, err)
	}

	var out Commit
	if err := s.db.WithContext(ctx).
		Preload("Repo").
		Where("repo_id = ? AND hash = ?", repoID, hash).
		First(&out).Error; err != nil {
		return nil, notFound(err, "commit")
	}

	return &out, nil
}

func (s *store) GetCommit(ctx context.Context, id uint) (*Commit, error) {
	var c Commit
	if err := s.db.WithContext(ctx).Preload("Repo").First(&c, id).Error; err != nil {
		return nil, notFound(err, "commit")
	}

	return &c, nil
}

func (s *store) GetBranch(ctx context.Context, id uint) (*Branch, error) {
	var b Branch
	if err := s.db.WithContext(ctx).
		Preload("Repo").
		Preload("Head").
		First(&b, id).Error; err != nil {
		return nil, notFound(err, "branch")
	}

	return &b, nil
}

func (s *store) SetBranchHead(ctx context.Context, branchID, commitID uint) error {
	if err := s.db.WithContext(ctx).
		Model(&Branch{}).
		Where("id = ?", branchID).
		Update("head_id", commitID).Error; err != nil {
		return fmt.Errorf("updating branch head: %w", err)
	}

	return nil
}

func preloadBundle(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Version").
		Preload("Dockerfile").
		Preload("Branches", func(tx *gorm.DB) *gorm.DB { return tx.Order("id") }).
		Preload("Branches.Repo").
		Preload("Branches.Head")
}

// GetBundle loads a bundle with its branches, their repos and heads.
func (s *store) GetBundle(ctx context.Context, id uint) (*Bundle, error) {
	var b Bundle
	if err := preloadBundle(s.db.WithContext(ctx)).First(&b, id).Error; err != nil {
		return nil, notFound(err, "bundle")
	}

	return &b, nil
}

// FindBaseBundle returns the base bundle of a version within a project.
func (s *store) FindBaseBundle(ctx context.Context, projectID, versionID uint) (*Bundle, error) {
	var b Bundle
	if err := preloadBundle(s.db.WithContext(ctx)).
		Where("project_id = ? AND version_id = ? AND is_base = ?", projectID, versionID, true).
		Order("id").
		First(&b).Error; err != nil {
		return nil, notFound(err, "base bundle")
	}

	return &b, nil
}

func (s *store) FindBundlesByName(ctx context.Context, name string, projectIDs []uint) ([]Bundle, error) {
	var bundles []Bundle
	if len(projectIDs) == 0 {
		return bundles, nil
	}

	if err := preloadBundle(s.db.WithContext(ctx)).
		Where("name = ? AND project_id IN ?", name, projectIDs).
		Order("id").
		Find(&bundles).Error; err != nil {
		return nil, fmt.Errorf("finding bundles %s: %w", name, err)
	}

	return bundles, nil
}

// ListTriggers returns the triggers of a project category with their repos.
func (s *store) ListTriggers(ctx context.Context, projectID uint, category string) ([]Trigger, error) {
	var triggers []Trigger
	if err := s.db.WithContext(ctx).
		Preload("Repos").
		Preload("Dependencies").
		Preload("ReferenceTriggers").
		Preload("Config").
		Where("project_id = ? AND category = ?", projectID, category).
		Order("id").
		Find(&triggers).Error; err != nil {
		return nil, fmt.Errorf("listing triggers: %w", err)
	}

	return triggers, nil
}

func (s *store) ListTriggerCustoms(ctx context.Context, bundleID uint) ([]TriggerCustom, error) {
	var customs []TriggerCustom
	if err := s.db.WithContext(ctx).
		Where("bundle_id = ?", bundleID).
		Find(&customs).Error; err != nil {
		return nil, fmt.Errorf("listing trigger customs: %w", err)
	}

	return customs, nil
}

func orderedSteps(tx *gorm.DB) *gorm.DB {
	return tx.Order("sequence, id")
}

// GetBuildConfig loads a config with its steps in execution order.
func (s *store) GetBuildConfig(ctx context.Context, id uint) (*BuildConfig, error) {
	var c BuildConfig
	if err := s.db.WithContext(ctx).Preload("Steps", orderedSteps).First(&c, id).Error; err != nil {
		return nil, notFound(err, "build config")
	}

	return &c, nil
}

func (s *store) FindBuildConfigByName(ctx context.Context, name string) (*BuildConfig, error) {
	var c BuildConfig
	if err := s.db.WithContext(ctx).
		Preload("Steps", orderedSteps).
		Where("name = ?", name).
		First(&c).Error; err != nil {
		return nil, notFound(err, "build config")
	}

	return &c, nil
}

func (s *store) FindStepByName(ctx context.Context, name string) (*Step, error) {
	var st Step
	if err := s.db.WithContext(ctx).Where("name = ?", name).Order("id").First(&st).Error; err != nil {
		return nil, notFound(err, "step")
	}

	return &st, nil
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
