// Package batch resolves one commit per repository for the batches of a
// bundle and turns every applicable trigger into a build slot.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/runboor/pkg/builds"
	"github.com/ethpandaops/runboor/pkg/config"
	"github.com/ethpandaops/runboor/pkg/params"
	"github.com/ethpandaops/runboor/pkg/store"
	"github.com/ethpandaops/runboor/pkg/vcs"
)

// ErrNotPreparing is returned when preparing a batch that already left the
// preparing state.
var ErrNotPreparing = errors.New("batch is not preparing")

// Resolver prepares batches.
type Resolver interface {
	// Prepare fills the missing commits of a preparing batch, creates one
	// slot per eligible trigger and skips the older batches it supersedes.
	Prepare(ctx context.Context, batchID uint, autoRebase bool) error
}

// Service ingests new heads and moves batches through their states.
type Service interface {
	Resolver

	// RegisterHead records the current head of a branch on the preparing
	// batch of its bundle, creating the batch when needed.
	RegisterHead(ctx context.Context, branchID uint, category string) (*store.Batch, error)
	// Process prepares quiet batches and completes ready ones. It returns
	// the ids of the batches it changed.
	Process(ctx context.Context, now time.Time) ([]uint, error)
	// CreateMissingBuild creates the build of a slot left without one.
	CreateMissingBuild(ctx context.Context, slotID uint) (*store.Build, error)
}

// Compile-time interface check.
var _ Service = (*service)(nil)

type service struct {
	log     logrus.FieldLogger
	cfg     *config.BatchConfig
	store   store.Store
	vcs     vcs.VCS
	params  params.Store
	factory builds.Factory
	machine builds.Machine
	now     func() time.Time
}

// NewService creates the batch service.
func NewService(
	log logrus.FieldLogger,
	cfg *config.BatchConfig,
	s store.Store,
	v vcs.VCS,
	ps params.Store,
	factory builds.Factory,
	machine builds.Machine,
) Service {
	return &service{
		log:     log.WithField("component", "batch"),
		cfg:     cfg,
		store:   s,
		vcs:     v,
		params:  ps,
		factory: factory,
		machine: machine,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// addLog persists an operator-visible batch log. Failures are only logged.
func (s *service) addLog(ctx context.Context, batchID uint, level, message string) {
	if err := s.store.AddBatchLog(ctx, batchID, level, message); err != nil {
		s.log.WithField("batch", batchID).WithError(err).Warn("Failed to store batch log")
	}
}

// createBuild returns the root build of p, creating it for the batch when
// none exists, along with the slot link type.
func (s *service) createBuild(
	ctx context.Context,
	batch *store.Batch,
	bundle *store.Bundle,
	p *store.BuildParams,
) (*store.Build, string, error) {
	buildType := store.BuildScheduled
	if batch.Category == s.cfg.DefaultCategory {
		buildType = store.BuildNormal
	}

	description := ""
	if p.Trigger != nil {
		description = p.Trigger.Description
	}

	b, created, err := s.factory.Ensure(ctx, p.ID, builds.RootOptions{
		Description: description,
		BuildType:   buildType,
		NoAutoRun:   bundle.NoAutoRun,
		Host:        bundle.Host,
	})
	if err != nil {
		return nil, "", fmt.Errorf("creating build for params %d: %w", p.ID, err)
	}

	if !created {
		return b, store.LinkMatched, nil
	}

	if err := s.machine.ReportStatus(ctx, b); err != nil {
		s.log.WithField("build", b.ID).WithError(err).Warn("Failed to report status")
	}

	return b, store.LinkCreated, nil
}
