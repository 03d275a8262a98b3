package batch

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	bs "github.com/ethpandaops/runboor/pkg/buildstate"
	"github.com/ethpandaops/runboor/pkg/store"
)

// createSlots builds the params of every trigger whose repos all resolved
// and attaches them to the batch, creating the build when the bundle
// tracks one of the trigger repos.
func (p *preparation) createSlots(ctx context.Context, triggers []store.Trigger, dockerfileID *uint) error {
	linkByRepo := make(map[uint]*store.CommitLink, len(p.links))
	for _, link := range p.links {
		if link.Commit != nil {
			linkByRepo[link.Commit.RepoID] = link
		}
	}

	bundleRepos := make(map[uint]struct{}, len(p.bundle.Branches))
	for _, br := range p.bundle.Branches {
		bundleRepos[br.RepoID] = struct{}{}
	}

	customs, err := p.store.ListTriggerCustoms(ctx, p.bundle.ID)
	if err != nil {
		return err
	}

	customByTrigger := make(map[uint]store.TriggerCustom, len(customs))
	for _, c := range customs {
		customByTrigger[c.TriggerID] = c
	}

	var versionID uint
	if p.bundle.VersionID != nil {
		versionID = *p.bundle.VersionID
	}

	for i := range triggers {
		trigger := &triggers[i]
		repos := trigger.AllRepos()

		var missing []uint
		for _, r := range repos {
			if _, ok := p.missing[r.ID]; ok {
				missing = append(missing, r.ID)
			}
		}

		if len(missing) > 0 {
			p.warning(ctx, "Missing commit for repo %s for trigger %s",
				strings.Join(p.names(missing), ", "), trigger.Name)

			continue
		}

		configID := trigger.ConfigID
		extra := ""

		if custom, ok := customByTrigger[trigger.ID]; ok {
			if custom.ConfigID != nil {
				configID = custom.ConfigID
			}

			extra = custom.ExtraParams
		}

		if configID == nil {
			continue
		}

		links := make([]store.CommitLink, 0, len(repos))
		for _, r := range repos {
			if link, ok := linkByRepo[r.ID]; ok {
				links = append(links, store.CommitLink{ID: link.ID, CommitID: link.CommitID})
			}
		}

		refs, err := p.referenceBuilds(ctx, trigger)
		if err != nil {
			return err
		}

		params, _, err := p.params.Create(ctx, p.store, &store.BuildParams{
			VersionID:       versionID,
			ProjectID:       p.bundle.ProjectID,
			TriggerID:       &trigger.ID,
			Trigger:         trigger,
			CreateBatchID:   &p.batch.ID,
			Category:        p.batch.Category,
			ConfigID:        *configID,
			ConfigData:      datatypes.JSONMap{},
			ExtraParams:     extra,
			Modules:         p.bundle.Modules,
			DockerfileID:    dockerfileID,
			CommitLinks:     links,
			ReferenceBuilds: refs,
		})
		if err != nil {
			return fmt.Errorf("creating params for trigger %s: %w", trigger.Name, err)
		}

		slot := &store.BatchSlot{
			BatchID:   p.batch.ID,
			TriggerID: trigger.ID,
			ParamsID:  params.ID,
			LinkType:  store.LinkCreated,
			Active:    true,
		}

		if autoLinked(trigger, bundleRepos, p.bundle) {
			build, linkType, err := p.createBuild(ctx, p.batch, p.bundle, params)
			if err != nil {
				return err
			}

			slot.BuildID = &build.ID
			slot.LinkType = linkType
		}

		if err := p.store.CreateSlot(ctx, slot); err != nil {
			return err
		}
	}

	return nil
}

// autoLinked reports whether the build of a trigger is created with the
// batch: the bundle tracks one of the trigger repos or builds everything,
// and the trigger is not manual.
func autoLinked(trigger *store.Trigger, bundleRepos map[uint]struct{}, bundle *store.Bundle) bool {
	if trigger.Manual {
		return false
	}

	if bundle.BuildAll || bundle.Sticky {
		return true
	}

	for _, r := range trigger.Repos {
		if _, ok := bundleRepos[r.ID]; ok {
			return true
		}
	}

	return false
}

// referenceBuilds returns the builds of the trigger reference triggers in
// the latest done batch of the base bundle.
func (p *preparation) referenceBuilds(ctx context.Context, trigger *store.Trigger) ([]store.Build, error) {
	if len(trigger.ReferenceTriggers) == 0 || p.base == nil {
		return nil, nil
	}

	if !p.lastDoneLoaded {
		last, err := p.store.LastDoneBatch(ctx, p.base.ID, p.batch.Category)
		if err != nil && !store.IsNotFound(err) {
			return nil, err
		}

		p.lastDone = last
		p.lastDoneLoaded = true
	}

	if p.lastDone == nil {
		return nil, nil
	}

	var refs []store.Build

	for _, slot := range p.lastDone.Slots {
		if !slot.Active || slot.BuildID == nil {
			continue
		}

		if !slices.ContainsFunc(trigger.ReferenceTriggers, func(t store.Trigger) bool { return t.ID == slot.TriggerID }) {
			continue
		}

		refs = append(refs, store.Build{ID: *slot.BuildID})
	}

	return refs, nil
}

// skipOlder skips the earlier unfinished batches of the bundle.
func (p *preparation) skipOlder(ctx context.Context) error {
	batches, err := p.store.SkippableBatches(ctx, p.bundle.ID, p.batch.Category, p.batch.ID)
	if err != nil {
		return err
	}

	for i := range batches {
		if err := p.skipBatch(ctx, &batches[i]); err != nil {
			return err
		}
	}

	return nil
}

// skipBatch marks a batch and its slots skipped. Builds no other active
// slot uses are skipped when pending and made killable when started.
func (s *service) skipBatch(ctx context.Context, batch *store.Batch) error {
	if (batch.Bundle != nil && batch.Bundle.IsBase) || batch.State == store.BatchDone {
		return nil
	}

	log := s.log.WithField("batch", batch.ID)

	batch.State = store.BatchSkipped
	if err := s.store.UpdateBatch(ctx, batch); err != nil {
		return err
	}

	log.Info("Skipping batch")
	s.addLog(ctx, batch.ID, store.LevelInfo, "Skipping batch")

	for i := range batch.Slots {
		slot := &batch.Slots[i]
		slot.Skipped = true

		if err := s.store.UpdateSlot(ctx, slot); err != nil {
			return err
		}

		if slot.BuildID == nil {
			continue
		}

		if err := s.releaseBuild(ctx, log, batch, slot); err != nil {
			return err
		}
	}

	return nil
}

func (s *service) releaseBuild(ctx context.Context, log logrus.FieldLogger, batch *store.Batch, slot *store.BatchSlot) error {
	build, err := s.store.GetBuild(ctx, *slot.BuildID)
	if err != nil {
		return err
	}

	if build.GlobalState == bs.StateRunning || build.GlobalState == bs.StateDone {
		return nil
	}

	slots, err := s.store.ListSlotsForBuild(ctx, build.ID)
	if err != nil {
		return err
	}

	var using []store.BatchSlot

	for _, other := range slots {
		if other.Active && !other.Skipped {
			using = append(using, other)
		}
	}

	if len(using) == 0 {
		switch build.GlobalState {
		case bs.StatePending:
			return s.machine.Skip(ctx, build, "Newer build found")
		case bs.StateWaiting, bs.StateTesting:
			if build.Killable {
				return nil
			}

			return s.store.UpdateBuildFields(ctx, build.ID, map[string]any{"killable": true})
		}

		return nil
	}

	if slot.LinkType != store.LinkCreated {
		return nil
	}

	batchIDs := make([]uint, 0, len(using))

	var bundles []string

	for _, other := range using {
		batchIDs = append(batchIDs, other.BatchID)

		if other.Batch == nil || other.Batch.Bundle == nil || other.Batch.BundleID == batch.BundleID {
			continue
		}

		if !slices.Contains(bundles, other.Batch.Bundle.Name) {
			bundles = append(bundles, other.Batch.Bundle.Name)
		}
	}

	log.WithFields(logrus.Fields{"build": build.ID, "batches": batchIDs}).
		Info("Cannot skip build, build is still in use")

	if len(bundles) > 0 {
		s.addLog(ctx, batch.ID, store.LevelInfo, fmt.Sprintf(
			"Cannot kill or skip build %d, build is used in another bundle: %s",
			build.ID, strings.Join(bundles, ", ")))
	}

	return nil
}
