// Package store persists the CI domain in a relational database through
// gorm. SQLite serves single-host setups and tests, PostgreSQL production.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	bs "github.com/ethpandaops/runboor/pkg/buildstate"
	"github.com/ethpandaops/runboor/pkg/config"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides persistence for bundles, batches, params and builds.
type Store interface {
	Start(ctx context.Context) error
	Stop() error
	Ping(ctx context.Context) error

	// Transaction runs fn against a store bound to one transaction.
	Transaction(ctx context.Context, fn func(tx Store) error) error

	// Catalog.
	Seed(ctx context.Context, records ...any) error
	GetProject(ctx context.Context, id uint) (*Project, error)
	GetVersion(ctx context.Context, id uint) (*Version, error)
	FindVersionByName(ctx context.Context, name string) (*Version, error)
	GetRepo(ctx context.Context, id uint) (*Repo, error)
	GetDockerfile(ctx context.Context, id uint) (*Dockerfile, error)
	GetOrCreateCommit(ctx context.Context, repoID uint, hash string) (*Commit, error)
	GetCommit(ctx context.Context, id uint) (*Commit, error)
	GetBranch(ctx context.Context, id uint) (*Branch, error)
	SetBranchHead(ctx context.Context, branchID, commitID uint) error
	GetBundle(ctx context.Context, id uint) (*Bundle, error)
	FindBaseBundle(ctx context.Context, projectID, versionID uint) (*Bundle, error)
	FindBundlesByName(ctx context.Context, name string, projectIDs []uint) ([]Bundle, error)
	ListTriggers(ctx context.Context, projectID uint, category string) ([]Trigger, error)
	ListTriggerCustoms(ctx context.Context, bundleID uint) ([]TriggerCustom, error)
	GetBuildConfig(ctx context.Context, id uint) (*BuildConfig, error)
	FindBuildConfigByName(ctx context.Context, name string) (*BuildConfig, error)
	FindStepByName(ctx context.Context, name string) (*Step, error)

	// Batches.
	CreateBatch(ctx context.Context, batch *Batch) error
	GetBatch(ctx context.Context, id uint) (*Batch, error)
	UpdateBatch(ctx context.Context, batch *Batch) error
	FindPreparingBatch(ctx context.Context, bundleID uint, category string) (*Batch, error)
	LastBatch(ctx context.Context, bundleID uint, category string, excludeID uint) (*Batch, error)
	LastDoneBatch(ctx context.Context, bundleID uint, category string) (*Batch, error)
	BatchesWithCommits(ctx context.Context, bundleID uint, category string, commitIDs []uint) ([]Batch, error)
	SkippableBatches(ctx context.Context, bundleID uint, category string, beforeID uint) ([]Batch, error)
	ListBatchesByState(ctx context.Context, states ...string) ([]Batch, error)
	AddBatchLog(ctx context.Context, batchID uint, level, message string) error
	ListBatchLogs(ctx context.Context, batchID uint) ([]BatchLog, error)
	CreateCommitLink(ctx context.Context, link *CommitLink) error
	UpdateCommitLink(ctx context.Context, link *CommitLink) error

	// Slots.
	CreateSlot(ctx context.Context, slot *BatchSlot) error
	UpdateSlot(ctx context.Context, slot *BatchSlot) error
	GetSlot(ctx context.Context, id uint) (*BatchSlot, error)
	ListSlots(ctx context.Context, batchID uint) ([]BatchSlot, error)
	ListSlotsForBuild(ctx context.Context, buildID uint) ([]BatchSlot, error)

	// Params.
	CreateParams(ctx context.Context, params *BuildParams) (*BuildParams, bool, error)
	GetParams(ctx context.Context, id uint) (*BuildParams, error)
	FindParamsByFingerprint(ctx context.Context, fingerprint string) (*BuildParams, error)

	// Builds.
	CreateBuild(ctx context.Context, build *Build) error
	GetBuild(ctx context.Context, id uint) (*Build, error)
	// UpdateBuild writes the given columns of build.
	UpdateBuild(ctx context.Context, build *Build, columns ...string) error
	// UpdateBuildFields writes only the named columns of a build.
	UpdateBuildFields(ctx context.Context, id uint, fields map[string]any) error
	ListBuilds(ctx context.Context, q BuildQuery) ([]Build, error)
	ListChildren(ctx context.Context, parentID uint) ([]Build, error)
	ListSubtree(ctx context.Context, build *Build) ([]Build, error)
	LockSubtree(ctx context.Context, parentPath string) ([]uint, error)
	FindRootBuild(ctx context.Context, paramsID uint) (*Build, error)
	UsedPorts(ctx context.Context, host string) ([]int, error)
	AssignPending(ctx context.Context, host string, limit int) (int, error)
	AddBuildLog(ctx context.Context, log *BuildLog) error
	ListBuildLogs(ctx context.Context, buildID uint) ([]BuildLog, error)
	AddBuildStats(ctx context.Context, stats []BuildStat) error

	// Databases.
	CreateDatabase(ctx context.Context, db *Database) error
	ListDatabases(ctx context.Context) ([]Database, error)
	DeleteDatabase(ctx context.Context, name string) error

	// Commit statuses.
	GetCommitStatus(ctx context.Context, commitID uint, ciContext string) (*CommitStatus, error)
	UpsertCommitStatus(ctx context.Context, status *CommitStatus) error
}

// BuildQuery filters ListBuilds. Zero fields do not filter.
type BuildQuery struct {
	IDs             []uint
	Host            *string
	States          []bs.State
	GlobalStates    []bs.State
	RequestedAction bool
	Killable        *bool
	ParamsID        uint
	RootOnly        bool
	KeepRunning     *bool
	OrderDesc       bool
	Limit           int
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger:                                   logger.Discard,
		DisableForeignKeyConstraintWhenMigrating: true,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(sqliteDSN(s.cfg.SQLite.Path))
	case "postgres":
		dialector = postgres.Open(s.cfg.Postgres.DSN())
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Project{},
		&Version{},
		&Repo{},
		&Commit{},
		&Dockerfile{},
		&Bundle{},
		&Branch{},
		&BuildConfig{},
		&Step{},
		&Trigger{},
		&TriggerCustom{},
		&Batch{},
		&BatchLog{},
		&CommitLink{},
		&BuildParams{},
		&BatchSlot{},
		&Build{},
		&BuildLog{},
		&BuildStat{},
		&Database{},
		&CommitStatus{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// sqliteDSN enables a busy timeout so concurrent writers wait instead of
// failing with SQLITE_BUSY.
func sqliteDSN(path string) string {
	if strings.Contains(path, "_pragma=busy_timeout") {
		return path
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}

	return path + sep + "_pragma=busy_timeout(5000)"
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// Ping checks the database connection.
func (s *store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	return nil
}

// Transaction runs fn inside a database transaction.
func (s *store) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&store{log: s.log, cfg: s.cfg, db: tx})
	})
}

// notFound maps gorm's not-found error onto ErrNotFound.
func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}

	return fmt.Errorf("getting %s: %w", what, err)
}

func now() time.Time {
	return time.Now().UTC()
}
