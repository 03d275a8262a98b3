package store

import (
	"context"
	"fmt"
	"strconv"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	bs "github.com/ethpandaops/runboor/pkg/buildstate"
)

func preloadBuild(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Params", preloadParams).
		Preload("ActiveStep")
}

// CreateBuild inserts a build and derives its parent path from its parent.
func (s *store) CreateBuild(ctx context.Context, build *Build) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		prefix := ""

		if build.ParentID != nil {
			var parent Build
			if err := tx.Select("id", "parent_path").First(&parent, *build.ParentID).Error; err != nil {
				return notFound(err, "parent build")
			}

			prefix = parent.ParentPath
		}

		if build.LocalState == bs.StateNone {
			build.LocalState = bs.StatePending
		}

		if build.BuildType == "" {
			build.BuildType = BuildNormal
		}

		if err := tx.Omit(clause.Associations).Create(build).Error; err != nil {
			return fmt.Errorf("creating build: %w", err)
		}

		build.ParentPath = prefix + strconv.FormatUint(uint64(build.ID), 10) + "/"

		if err := tx.Model(&Build{}).
			Where("id = ?", build.ID).
			Update("parent_path", build.ParentPath).Error; err != nil {
			return fmt.Errorf("setting parent path: %w", err)
		}

		return nil
	})
}

// GetBuild loads a build with its params and active step.
func (s *store) GetBuild(ctx context.Context, id uint) (*Build, error) {
	var b Build
	if err := preloadBuild(s.db.WithContext(ctx)).First(&b, id).Error; err != nil {
		return nil, notFound(err, "build")
	}

	return &b, nil
}

func (s *store) UpdateBuild(ctx context.Context, build *Build, columns ...string) error {
	if len(columns) == 0 {
		return fmt.Errorf("updating build %d: no columns", build.ID)
	}

	// Select writes zero values of the listed columns and nothing else, so
	// concurrent single column updates of other columns survive.
	if err := s.db.WithContext(ctx).
		Model(build).
		Select(columns).
		Updates(build).Error; err != nil {
		return fmt.Errorf("updating build %d: %w", build.ID, err)
	}

	return nil
}

func (s *store) UpdateBuildFields(ctx context.Context, id uint, fields map[string]any) error {
	if err := s.db.WithContext(ctx).
		Model(&Build{}).
		Where("id = ?", id).
		Updates(fields).Error; err != nil {
		return fmt.Errorf("updating build %d: %w", id, err)
	}

	return nil
}

// ListBuilds returns the builds matching q, oldest first unless
// q.OrderDesc is set.
func (s *store) ListBuilds(ctx context.Context, q BuildQuery) ([]Build, error) {
	query := preloadBuild(s.db.WithContext(ctx))

	if len(q.IDs) > 0 {
		query = query.Where("id IN ?", q.IDs)
	}

	if q.Host != nil {
		query = query.Where("host = ?", *q.Host)
	}

	if len(q.States) > 0 {
		query = query.Where("local_state IN ?", q.States)
	}

	if len(q.GlobalStates) > 0 {
		query = query.Where("global_state IN ?", q.GlobalStates)
	}

	if q.RequestedAction {
		query = query.Where("requested_action <> ?", bs.ActionNone)
	}

	if q.Killable != nil {
		query = query.Where("killable = ?", *q.Killable)
	}

	if q.ParamsID != 0 {
		query = query.Where("params_id = ?", q.ParamsID)
	}

	if q.RootOnly {
		query = query.Where("parent_id IS NULL")
	}

	if q.KeepRunning != nil {
		query = query.Where("keep_running = ?", *q.KeepRunning)
	}

	if q.OrderDesc {
		query = query.Order("id DESC")
	} else {
		query = query.Order("id")
	}

	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	var builds []Build
	if err := query.Find(&builds).Error; err != nil {
		return nil, fmt.Errorf("listing builds: %w", err)
	}

	return builds, nil
}

func (s *store) ListChildren(ctx context.Context, parentID uint) ([]Build, error) {
	var builds []Build
	if err := preloadBuild(s.db.WithContext(ctx)).
		Where("parent_id = ?", parentID).
		Order("id").
		Find(&builds).Error; err != nil {
		return nil, fmt.Errorf("listing children of %d: %w", parentID, err)
	}

	return builds, nil
}

// ListSubtree returns the descendants of build, excluding build itself.
func (s *store) ListSubtree(ctx context.Context, build *Build) ([]Build, error) {
	var builds []Build
	if err := preloadBuild(s.db.WithContext(ctx)).
		Where("parent_path LIKE ? AND id <> ?", build.ParentPath+"%", build.ID).
		Order("id").
		Find(&builds).Error; err != nil {
		return nil, fmt.Errorf("listing subtree of %d: %w", build.ID, err)
	}

	return builds, nil
}

// LockSubtree row-locks every build under parentPath for the rest of the
// transaction and returns their ids.
func (s *store) LockSubtree(ctx context.Context, parentPath string) ([]uint, error) {
	var ids []uint
	if err := s.db.WithContext(ctx).
		Model(&Build{}).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("parent_path LIKE ?", parentPath+"%").
		Order("id").
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("locking subtree %s: %w", parentPath, err)
	}

	return ids, nil
}

// FindRootBuild returns the most recent root build using paramsID.
func (s *store) FindRootBuild(ctx context.Context, paramsID uint) (*Build, error) {
	var b Build
	if err := preloadBuild(s.db.WithContext(ctx)).
		Where("params_id = ? AND parent_id IS NULL", paramsID).
		Order("id DESC").
		First(&b).Error; err != nil {
		return nil, notFound(err, "root build")
	}

	return &b, nil
}

// UsedPorts returns the ports held by active builds of host.
func (s *store) UsedPorts(ctx context.Context, host string) ([]int, error) {
	var ports []int
	if err := s.db.WithContext(ctx).
		Model(&Build{}).
		Where("host = ? AND local_state NOT IN ? AND port > 0",
			host, []bs.State{bs.StatePending, bs.StateDone}).
		Pluck("port", &ports).Error; err != nil {
		return nil, fmt.Errorf("listing used ports: %w", err)
	}

	return ports, nil
}

// AssignPending claims unassigned pending builds for host until it has
// limit builds testing or pending, and returns how many were claimed.
func (s *store) AssignPending(ctx context.Context, host string, limit int) (int, error) {
	assigned := 0

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var busy int64
		if err := tx.Model(&Build{}).
			Where("host = ? AND local_state IN ?", host, []bs.State{bs.StatePending, bs.StateTesting}).
			Count(&busy).Error; err != nil {
			return fmt.Errorf("counting host builds: %w", err)
		}

		free := limit - int(busy)
		if free <= 0 {
			return nil
		}

		var ids []uint
		if err := tx.Model(&Build{}).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("local_state = ? AND host = ?", bs.StatePending, "").
			Order("id").
			Limit(free).
			Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("selecting pending builds: %w", err)
		}

		if len(ids) == 0 {
			return nil
		}

		result := tx.Model(&Build{}).
			Where("id IN ? AND host = ?", ids, "").
			Update("host", host)
		if result.Error != nil {
			return fmt.Errorf("assigning pending builds: %w", result.Error)
		}

		assigned = int(result.RowsAffected)

		return nil
	})

	return assigned, err
}
