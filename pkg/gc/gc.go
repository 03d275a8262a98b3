// Package gc reclaims the workspaces and databases of builds past their
// retention date.
package gc

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/runboor/pkg/archive"
	bs "github.com/ethpandaops/runboor/pkg/buildstate"
	"github.com/ethpandaops/runboor/pkg/config"
	"github.com/ethpandaops/runboor/pkg/fsutil"
	"github.com/ethpandaops/runboor/pkg/metrics"
	"github.com/ethpandaops/runboor/pkg/store"
)

const day = 24 * time.Hour

// Report lists what a sweep or clean did.
type Report struct {
	// Full and Partial hold the workspace directories removed entirely or
	// stripped down to their logs and test artifacts.
	Full    []string
	Partial []string
	// Databases holds the dropped databases.
	Databases []string
	// Archived holds the workspaces whose logs were uploaded.
	Archived []string
	// Inconsistent holds builds past retention that are neither done nor
	// running. Their resources are kept.
	Inconsistent []uint
	// Ignored holds names not following the build dest format.
	Ignored []string
	// Unknown holds dest formatted names with no matching build.
	Unknown []string
}

// Engine deletes build resources once their retention expired.
type Engine interface {
	// Sweep cleans every local workspace and database whose build is
	// done and past retention. force ignores the retention date.
	Sweep(ctx context.Context, now time.Time, force bool) (*Report, error)
	// Clean cleans the resources of the given builds whatever their age.
	Clean(ctx context.Context, ids []uint, full bool) (*Report, error)
	// Start sweeps every configured interval until Stop.
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Engine = (*engine)(nil)

type engine struct {
	log      logrus.FieldLogger
	cfg      *config.GCConfig
	store    store.Store
	ws       *fsutil.Workspace
	dbs      Databases
	archiver archive.Archiver
	metrics  *metrics.Metrics
	now      func() time.Time

	wg   sync.WaitGroup
	done chan struct{}
}

// NewEngine creates the gc engine. dbs may be nil when builds have no
// databases, archiver may be nil when logs are not archived.
func NewEngine(
	log logrus.FieldLogger,
	cfg *config.GCConfig,
	s store.Store,
	ws *fsutil.Workspace,
	dbs Databases,
	archiver archive.Archiver,
	mt *metrics.Metrics,
) Engine {
	if archiver == nil {
		archiver = archive.NewNoopArchiver()
	}

	if mt == nil {
		mt = metrics.Discard()
	}

	return &engine{
		log:      log.WithField("component", "gc"),
		cfg:      cfg,
		store:    s,
		ws:       ws,
		dbs:      dbs,
		archiver: archiver,
		metrics:  mt,
		now:      func() time.Time { return time.Now().UTC() },
		done:     make(chan struct{}),
	}
}

// GCDate is the retention date of b: its job end (or creation) plus the
// root or child retention and the build extra delay.
func GCDate(b *store.Build, rootDays, childDays int) time.Time {
	ref := b.CreatedAt
	if b.JobEnd != nil {
		ref = *b.JobEnd
	}

	days := rootDays
	if b.ParentID != nil {
		days = childDays
	}

	return ref.Add(time.Duration(days+b.GCDelay) * day)
}

func (e *engine) gcDate(b *store.Build) time.Time {
	return GCDate(b, e.cfg.RootDays, e.cfg.ChildDays)
}

// target is one build with its local resources.
type target struct {
	build     *store.Build
	dests     []string
	databases []string
	full      bool
}

func (e *engine) Sweep(ctx context.Context, now time.Time, force bool) (*Report, error) {
	report := &Report{}

	targets, err := e.discover(ctx, report, nil)
	if err != nil {
		return report, err
	}

	var selected []*target

	for _, t := range targets {
		gcDate := e.gcDate(t.build)
		if !force && !gcDate.Before(now) {
			continue
		}

		switch t.build.LocalState {
		case bs.StateDone:
			t.full = gcDate.Add(time.Duration(e.cfg.FullDays) * day).Before(now)
			selected = append(selected, t)
		case bs.StateRunning:
		default:
			report.Inconsistent = append(report.Inconsistent, t.build.ID)
			e.metrics.GCBuilds.WithLabelValues("inconsistent").Inc()
			e.log.WithFields(logrus.Fields{
				"build": t.build.ID,
				"state": t.build.LocalState,
				"dests": append(slices.Clone(t.dests), t.databases...),
			}).Warn("Resources not deleted because build is not done")
		}
	}

	err = e.apply(ctx, report, selected)

	e.log.WithFields(logrus.Fields{
		"full":         len(report.Full),
		"partial":      len(report.Partial),
		"databases":    len(report.Databases),
		"inconsistent": len(report.Inconsistent),
		"force":        force,
	}).Info("Retention sweep complete")

	return report, err
}

func (e *engine) Clean(ctx context.Context, ids []uint, full bool) (*Report, error) {
	report := &Report{}

	if len(ids) == 0 {
		return report, nil
	}

	builds, err := e.store.ListBuilds(ctx, store.BuildQuery{IDs: ids})
	if err != nil {
		return report, err
	}

	byID := make(map[uint]*target, len(builds))
	for i := range builds {
		b := &builds[i]
		t := &target{build: b, full: full}

		if e.ws.Exists(b.Dest()) {
			t.dests = []string{b.Dest()}
		}

		byID[b.ID] = t
	}

	if _, err := e.discover(ctx, report, byID); err != nil {
		return report, err
	}

	targets := make([]*target, 0, len(byID))
	for _, t := range byID {
		targets = append(targets, t)
	}

	slices.SortFunc(targets, func(a, b *target) int { return cmp.Compare(a.build.ID, b.build.ID) })

	return report, e.apply(ctx, report, targets)
}

// discover groups the local workspaces and databases by build. When only
// is set, names are matched against its builds instead of the store, and
// workspaces are taken as given.
func (e *engine) discover(ctx context.Context, report *Report, only map[uint]*target) ([]*target, error) {
	names := make(map[uint]*target)

	add := func(name string, isDB bool) {
		id, ok := store.BuildIDFromDest(name)
		if !ok {
			if name != e.cfg.DBTemplate {
				report.Ignored = append(report.Ignored, name)
			}

			return
		}

		t := names[id]
		if only != nil {
			if t = only[id]; t == nil {
				return
			}
		} else if t == nil {
			t = &target{}
			names[id] = t
		}

		if isDB {
			t.databases = append(t.databases, name)
		} else if only == nil {
			t.dests = append(t.dests, name)
		}
	}

	if only == nil {
		dests, err := e.ws.List()
		if err != nil {
			return nil, err
		}

		for _, d := range dests {
			add(d, false)
		}
	}

	if e.dbs != nil {
		dbs, err := e.dbs.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing databases: %w", err)
		}

		for _, name := range dbs {
			add(name, true)
		}
	}

	if len(report.Ignored) > 0 {
		e.log.WithField("names", report.Ignored).Info("Not deleted because not dest format")
	}

	if only != nil {
		return nil, nil
	}

	ids := make([]uint, 0, len(names))
	for id := range names {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	if len(ids) == 0 {
		return nil, nil
	}

	builds, err := e.store.ListBuilds(ctx, store.BuildQuery{IDs: ids})
	if err != nil {
		return nil, err
	}

	for i := range builds {
		names[builds[i].ID].build = &builds[i]
	}

	targets := make([]*target, 0, len(builds))

	for _, id := range ids {
		t := names[id]
		if t.build == nil {
			report.Unknown = append(report.Unknown, append(t.dests, t.databases...)...)

			continue
		}

		targets = append(targets, t)
	}

	if len(report.Unknown) > 0 {
		e.log.WithField("names", report.Unknown).Info("Not deleted because no corresponding build found")
	}

	return targets, nil
}

// apply drops the databases and cleans the workspaces of targets.
// Failures are collected and do not stop the pass.
func (e *engine) apply(ctx context.Context, report *Report, targets []*target) error {
	var errs []error

	for _, t := range targets {
		log := e.log.WithField("build", t.build.ID)

		for _, name := range t.databases {
			if err := e.dropDatabase(ctx, name); err != nil {
				log.WithError(err).Warn("Failed to drop database")
				errs = append(errs, err)

				continue
			}

			log.WithField("database", name).Info("Removed database")
			report.Databases = append(report.Databases, name)
			e.metrics.GCDatabases.Inc()
		}

		for _, dest := range t.dests {
			if err := e.cleanWorkspace(ctx, report, dest, t.full); err != nil {
				log.WithError(err).Warn("Failed to clean workspace")
				errs = append(errs, err)

				continue
			}

			kind := "partial"
			if t.full {
				kind = "full"
			}

			e.metrics.GCBuilds.WithLabelValues(kind).Inc()
		}
	}

	return errors.Join(errs...)
}

func (e *engine) dropDatabase(ctx context.Context, name string) error {
	if e.dbs == nil {
		return nil
	}

	if err := e.dbs.Drop(ctx, name); err != nil {
		return err
	}

	return e.store.DeleteDatabase(ctx, name)
}

func (e *engine) cleanWorkspace(ctx context.Context, report *Report, dest string, full bool) error {
	if !full {
		if err := partialClean(e.ws.Path(dest)); err != nil {
			return err
		}

		report.Partial = append(report.Partial, dest)

		return nil
	}

	n, err := e.archiver.Archive(ctx, dest, e.ws.Path(dest, fsutil.LogsDir))
	if err != nil && !isNotExist(err) {
		return fmt.Errorf("archiving logs of %s: %w", dest, err)
	}

	if n > 0 {
		report.Archived = append(report.Archived, dest)
	}

	e.log.WithField("dest", dest).Info("Removing build dir")

	if err := removeAll(e.ws.Path(dest)); err != nil {
		return err
	}

	report.Full = append(report.Full, dest)

	return nil
}

func (e *engine) Start(ctx context.Context) error {
	interval := e.cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		e.runSweep(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				e.runSweep(ctx)
			case <-e.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	e.log.WithField("interval", interval).Info("GC started")

	return nil
}

func (e *engine) Stop() error {
	close(e.done)
	e.wg.Wait()

	e.log.Info("GC stopped")

	return nil
}

func (e *engine) runSweep(ctx context.Context) {
	if _, err := e.Sweep(ctx, e.now(), false); err != nil {
		e.log.WithError(err).Error("Retention sweep failed")
	}
}
