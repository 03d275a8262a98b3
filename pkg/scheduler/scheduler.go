// Package scheduler runs the per-host polling loop advancing the builds
// the host owns.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/runboor/pkg/batch"
	bs "github.com/ethpandaops/runboor/pkg/buildstate"
	"github.com/ethpandaops/runboor/pkg/builds"
	"github.com/ethpandaops/runboor/pkg/config"
	"github.com/ethpandaops/runboor/pkg/metrics"
	"github.com/ethpandaops/runboor/pkg/store"
)

// Scheduler periodically advances the builds of one host.
type Scheduler interface {
	// Start runs a first tick then keeps ticking every poll interval
	// until Stop is called or ctx is done.
	Start(ctx context.Context) error
	Stop() error
	// Tick runs a single pass. Per-build failures are logged and do not
	// stop the pass.
	Tick(ctx context.Context) error
}

// Compile-time interface check.
var _ Scheduler = (*scheduler)(nil)

type scheduler struct {
	log     logrus.FieldLogger
	cfg     *config.SchedulerConfig
	host    string
	store   store.Store
	machine builds.Machine
	batches batch.Service
	metrics *metrics.Metrics
	now     func() time.Time

	wg   sync.WaitGroup
	done chan struct{}
}

// NewScheduler creates the scheduler of host. batches may be nil, in which
// case batches are never processed by this host.
func NewScheduler(
	log logrus.FieldLogger,
	cfg *config.SchedulerConfig,
	host string,
	s store.Store,
	m builds.Machine,
	batches batch.Service,
	mt *metrics.Metrics,
) Scheduler {
	if mt == nil {
		mt = metrics.Discard()
	}

	return &scheduler{
		log:     log.WithField("component", "scheduler"),
		cfg:     cfg,
		host:    host,
		store:   s,
		machine: m,
		batches: batches,
		metrics: mt,
		now:     func() time.Time { return time.Now().UTC() },
		done:    make(chan struct{}),
	}
}

func (s *scheduler) Start(ctx context.Context) error {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.runTick(ctx)

		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runTick(ctx)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	s.log.WithFields(logrus.Fields{
		"host":     s.host,
		"interval": s.cfg.PollInterval,
	}).Info("Scheduler started")

	return nil
}

func (s *scheduler) Stop() error {
	close(s.done)
	s.wg.Wait()

	s.log.Info("Scheduler stopped")

	return nil
}

func (s *scheduler) runTick(ctx context.Context) {
	if err := s.Tick(ctx); err != nil {
		s.log.WithError(err).Error("Scheduler tick failed")
	}
}

func (s *scheduler) Tick(ctx context.Context) error {
	defer s.metrics.ObserveTick(time.Now())

	var errs []error

	if n, err := s.store.AssignPending(ctx, s.host, s.cfg.MaxWorkers); err != nil {
		errs = append(errs, fmt.Errorf("assigning pending builds: %w", err))
	} else if n > 0 {
		s.log.WithField("count", n).Info("Assigned pending builds")
		s.metrics.BuildActions.WithLabelValues("assign").Add(float64(n))
	}

	phases := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"requested", s.processRequested},
		{"reap", s.reapKillable},
		{"running_cap", s.capRunning},
		{"init", s.initPending},
		{"tick", s.tickActive},
	}

	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := phase.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", phase.name, err))
		}
	}

	if s.cfg.ProcessBatches && s.batches != nil {
		if err := s.processBatches(ctx); err != nil {
			errs = append(errs, fmt.Errorf("batches: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (s *scheduler) hostBuilds(ctx context.Context, q store.BuildQuery) ([]store.Build, error) {
	q.Host = &s.host

	return s.store.ListBuilds(ctx, q)
}

// failed logs a per-build failure without stopping the pass.
func (s *scheduler) failed(phase string, b *store.Build, err error) {
	s.metrics.BuildErrors.WithLabelValues(phase).Inc()
	s.log.WithFields(logrus.Fields{
		"build": b.ID,
		"phase": phase,
	}).WithError(err).Warn("Build processing failed")
}

// processRequested consumes deathrow and wake-up requests.
func (s *scheduler) processRequested(ctx context.Context) error {
	list, err := s.hostBuilds(ctx, store.BuildQuery{RequestedAction: true})
	if err != nil {
		return err
	}

	for i := range list {
		b := &list[i]
		action := b.RequestedAction

		if err := s.machine.ProcessRequestedAction(ctx, b); err != nil {
			s.failed("requested", b, err)

			continue
		}

		s.metrics.BuildActions.WithLabelValues(string(action)).Inc()
	}

	return nil
}

// reapKillable sends to deathrow the killable root builds still testing
// whose batch slots were all skipped.
func (s *scheduler) reapKillable(ctx context.Context) error {
	killable := true

	list, err := s.hostBuilds(ctx, store.BuildQuery{
		States:   []bs.State{bs.StateTesting},
		Killable: &killable,
		RootOnly: true,
	})
	if err != nil {
		return err
	}

	for i := range list {
		b := &list[i]

		slots, err := s.store.ListSlotsForBuild(ctx, b.ID)
		if err != nil {
			s.failed("reap", b, err)

			continue
		}

		if len(slots) == 0 || !allSkipped(slots) {
			continue
		}

		if err := s.machine.AskKill(ctx, b, "Build automatically killed, newer build found"); err != nil {
			s.failed("reap", b, err)

			continue
		}

		s.metrics.BuildActions.WithLabelValues("reap").Inc()
	}

	return nil
}

func allSkipped(slots []store.BatchSlot) bool {
	for _, slot := range slots {
		if !slot.Skipped {
			return false
		}
	}

	return true
}

// capRunning kills the running builds of the host beyond the max_running
// most recent ones. Builds flagged keep_running are not counted.
func (s *scheduler) capRunning(ctx context.Context) error {
	if s.cfg.MaxRunning <= 0 {
		return nil
	}

	keep := false

	list, err := s.hostBuilds(ctx, store.BuildQuery{
		States:      []bs.State{bs.StateRunning},
		KeepRunning: &keep,
		OrderDesc:   true,
	})
	if err != nil {
		return err
	}

	if len(list) <= s.cfg.MaxRunning {
		return nil
	}

	for i := range list[s.cfg.MaxRunning:] {
		b := &list[s.cfg.MaxRunning+i]

		if err := s.machine.Kill(ctx, b, bs.ResultNone); err != nil {
			s.failed("running_cap", b, err)

			continue
		}

		s.metrics.BuildActions.WithLabelValues("running_cap").Inc()
	}

	return nil
}

// initPending starts the pending builds of the host. Builds are started
// one at a time since each one allocates ports.
func (s *scheduler) initPending(ctx context.Context) error {
	list, err := s.hostBuilds(ctx, store.BuildQuery{States: []bs.State{bs.StatePending}})
	if err != nil {
		return err
	}

	for i := range list {
		b := &list[i]

		if err := s.machine.InitPending(ctx, b); err != nil {
			s.failed("init", b, err)

			continue
		}

		s.metrics.BuildActions.WithLabelValues("init").Inc()
	}

	return nil
}

// tickActive advances the testing and running builds of the host with
// bounded parallelism.
func (s *scheduler) tickActive(ctx context.Context) error {
	list, err := s.hostBuilds(ctx, store.BuildQuery{
		States: []bs.State{bs.StateTesting, bs.StateRunning},
	})
	if err != nil {
		return err
	}

	if len(list) == 0 {
		return nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.cfg.Concurrency, 1))

	for i := range list {
		b := &list[i]

		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			case <-s.done:
				return nil
			default:
			}

			if err := s.machine.ScheduleTick(gCtx, b); err != nil {
				s.failed("tick", b, err)

				return nil //nolint:nilerr // log and continue
			}

			s.metrics.BuildActions.WithLabelValues("tick").Inc()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("ticking builds: %w", err)
	}

	return nil
}

func (s *scheduler) processBatches(ctx context.Context) error {
	processed, err := s.batches.Process(ctx, s.now())

	s.metrics.Batches.WithLabelValues("processed").Add(float64(len(processed)))

	if err != nil {
		s.metrics.Batches.WithLabelValues("failed").Inc()

		return err
	}

	if len(processed) > 0 {
		s.log.WithField("batches", processed).Debug("Processed batches")
	}

	return nil
}
