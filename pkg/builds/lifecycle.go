package builds

import (
	"context"
	"errors"
	"fmt"

	bs "github.com/ethpandaops/runboor/pkg/buildstate"
	"github.com/ethpandaops/runboor/pkg/docker"
	"github.com/ethpandaops/runboor/pkg/steps"
	"github.com/ethpandaops/runboor/pkg/store"
)

// Kill stops the build container and marks the build done, tightening
// its result to result when set.
func (m *machine) Kill(ctx context.Context, b *store.Build, result bs.Result) error {
	if err := m.owned(b); err != nil {
		return err
	}

	m.logBuild(ctx, m.store, b, "kill", store.LevelInfo, "Kill build "+b.Dest())

	// Commands run without a container runtime leave the container to the
	// retention sweep of the owning scheduler.
	if m.sandbox != nil {
		if err := m.sandbox.Stop(ctx, m.containerName(b)); err != nil {
			m.log.WithField("build", b.ID).WithError(err).Warn("Failed to stop container")
		}
	}

	now := m.now()
	b.LocalState = bs.StateDone
	b.RequestedAction = bs.ActionNone
	b.ActiveStepID = nil
	b.ActiveStep = nil
	b.JobEnd = &now

	columns := []string{"requested_action"}

	if b.BuildEnd == nil {
		b.BuildEnd = &now
		columns = append(columns, "build_end")
	}

	m.tighten(b, result)

	if err := m.save(ctx, m.store, b, columns...); err != nil {
		return fmt.Errorf("killing build %d: %w", b.ID, err)
	}

	m.reportQuietly(ctx, b)

	return nil
}

// AskKill locks the subtree of b, then skips its pending builds and sends
// its active ones to deathrow.
func (m *machine) AskKill(ctx context.Context, b *store.Build, message string) error {
	err := m.store.Transaction(ctx, func(tx store.Store) error {
		if _, err := tx.LockSubtree(ctx, b.ParentPath); err != nil {
			return err
		}

		return m.askKill(ctx, tx, b.ID, message)
	})
	if err != nil {
		return fmt.Errorf("asking kill of build %d: %w", b.ID, err)
	}

	fresh, err := m.store.GetBuild(ctx, b.ID)
	if err != nil {
		return err
	}

	*b = *fresh

	return nil
}

func (m *machine) askKill(ctx context.Context, s store.Store, id uint, message string) error {
	b, err := s.GetBuild(ctx, id)
	if err != nil {
		return err
	}

	if message == "" {
		message = "Killing build " + b.Dest()
	}

	m.logBuild(ctx, s, b, "_ask_kill", store.LevelInfo, message)

	switch b.LocalState {
	case bs.StatePending:
		if err := m.skip(ctx, s, b, ""); err != nil {
			return err
		}
	case bs.StateTesting, bs.StateRunning:
		if err := s.UpdateBuildFields(ctx, b.ID, map[string]any{
			"requested_action": bs.ActionDeathrow,
		}); err != nil {
			return err
		}
	}

	children, err := s.ListChildren(ctx, b.ID)
	if err != nil {
		return err
	}

	for _, child := range children {
		if err := m.askKill(ctx, s, child.ID, ""); err != nil {
			return err
		}
	}

	return nil
}

// Skip marks the build done with a skipped result.
func (m *machine) Skip(ctx context.Context, b *store.Build, reason string) error {
	return m.skip(ctx, m.store, b, reason)
}

func (m *machine) skip(ctx context.Context, s store.Store, b *store.Build, reason string) error {
	if reason != "" {
		m.log.WithField("build", b.ID).Infof("skip %s", reason)
	}

	b.LocalState = bs.StateDone
	m.tighten(b, bs.ResultSkipped)

	if err := m.save(ctx, s, b); err != nil {
		return fmt.Errorf("skipping build %d: %w", b.ID, err)
	}

	return nil
}

// Rebuild creates a new build on the same params. A child rebuild becomes
// a sibling and the original stops counting for the parent. Slots of a
// root build move to the new build.
func (m *machine) Rebuild(ctx context.Context, b *store.Build, message string) (*store.Build, error) {
	nb := &store.Build{
		ParamsID:    b.ParamsID,
		BuildType:   store.BuildRebuild,
		LocalState:  bs.StatePending,
		GlobalState: bs.StatePending,
	}

	if b.KeepHost {
		nb.Host = b.Host
		nb.KeepHost = true
	}

	if b.ParentID != nil {
		nb.ParentID = b.ParentID
		nb.Description = b.Description

		b.OrphanResult = true
		if err := m.store.UpdateBuildFields(ctx, b.ID, map[string]any{"orphan_result": true}); err != nil {
			return nil, fmt.Errorf("orphaning build %d: %w", b.ID, err)
		}
	}

	if err := m.store.CreateBuild(ctx, nb); err != nil {
		return nil, fmt.Errorf("rebuilding build %d: %w", b.ID, err)
	}

	created, err := m.store.GetBuild(ctx, nb.ID)
	if err != nil {
		return nil, err
	}

	if err := m.save(ctx, m.store, created); err != nil {
		return nil, err
	}

	if b.ParentID != nil {
		m.reportQuietly(ctx, created)
	}

	msg := "Rebuild initiated"
	if message != "" {
		msg += ": " + message
	}

	m.logBuild(ctx, m.store, created, "rebuild", store.LevelInfo, msg)

	if b.LocalState != bs.StateDone {
		if err := m.AskKill(ctx, b, fmt.Sprintf("Killed by rebuild (new build:%d)", created.ID)); err != nil {
			return nil, err
		}
	}

	if b.ParentID == nil {
		if err := m.moveSlots(ctx, b, created); err != nil {
			return nil, err
		}
	}

	return created, nil
}

// moveSlots copies the active slots of from onto to and detaches them.
func (m *machine) moveSlots(ctx context.Context, from, to *store.Build) error {
	slots, err := m.store.ListSlotsForBuild(ctx, from.ID)
	if err != nil {
		return err
	}

	for i := range slots {
		slot := slots[i]
		if !slot.Active {
			continue
		}

		moved := &store.BatchSlot{
			BatchID:   slot.BatchID,
			TriggerID: slot.TriggerID,
			ParamsID:  slot.ParamsID,
			BuildID:   &to.ID,
			LinkType:  store.LinkRebuild,
			Active:    true,
			Skipped:   slot.Skipped,
		}

		if err := m.store.CreateSlot(ctx, moved); err != nil {
			return fmt.Errorf("copying slot %d: %w", slot.ID, err)
		}

		slot.Active = false
		if err := m.store.UpdateSlot(ctx, &slot); err != nil {
			return fmt.Errorf("detaching slot %d: %w", slot.ID, err)
		}
	}

	return nil
}

// WakeUp requests a wake-up of a done build.
func (m *machine) WakeUp(ctx context.Context, b *store.Build) error {
	if b.LocalState != bs.StateDone {
		m.logBuild(ctx, m.store, b, "wake_up", store.LevelInfo, "Impossible to wake up, state is not done")

		return fmt.Errorf("waking up build %d: %w", b.ID, ErrNotDone)
	}

	b.RequestedAction = bs.ActionWakeUp

	return m.store.UpdateBuildFields(ctx, b.ID, map[string]any{"requested_action": bs.ActionWakeUp})
}

func (m *machine) ProcessRequestedAction(ctx context.Context, b *store.Build) error {
	if err := m.owned(b); err != nil {
		return err
	}

	switch b.RequestedAction {
	case bs.ActionDeathrow:
		result := bs.ResultNone
		if b.LocalState != bs.StateRunning &&
			b.GlobalResult != bs.ResultWarn && b.GlobalResult != bs.ResultKO {
			result = bs.ResultManuallyKilled
		}

		return m.Kill(ctx, b, result)
	case bs.ActionWakeUp:
		return m.wakeUp(ctx, b)
	}

	return nil
}

func (m *machine) wakeUp(ctx context.Context, b *store.Build) error {
	name := b.ContainerName(wakeUpContainer)

	if m.sandbox.Status(ctx, name).Status == docker.StatusRunning {
		b.RequestedAction = bs.ActionNone

		if err := m.store.UpdateBuildFields(ctx, b.ID, map[string]any{"requested_action": bs.ActionNone}); err != nil {
			return err
		}

		m.logBuild(ctx, m.store, b, "wake_up", store.LevelSeparator, "Waking up failed, docker is already running")

		return fmt.Errorf("waking up build %d: %w", b.ID, ErrContainerRunning)
	}

	if !m.ws.Exists(b.Dest()) {
		b.RequestedAction = bs.ActionNone
		b.LocalState = bs.StateDone

		if err := m.save(ctx, m.store, b, "requested_action"); err != nil {
			return err
		}

		m.logBuild(ctx, m.store, b, "wake_up", store.LevelSeparator,
			"Impossible to wake-up, build dir does not exists anymore")

		return fmt.Errorf("waking up build %d: %w", b.ID, ErrWorkspaceMissing)
	}

	err := m.startWakeUp(ctx, b, name)
	if err == nil {
		return nil
	}

	m.logBuild(ctx, m.store, b, "_schedule", store.LevelError, fmt.Sprintf("Failed waking up build: %v", err))

	b.RequestedAction = bs.ActionNone
	b.LocalState = bs.StateDone

	if serr := m.save(ctx, m.store, b, "requested_action"); serr != nil {
		return errors.Join(err, serr)
	}

	return fmt.Errorf("waking up build %d: %w", b.ID, err)
}

func (m *machine) startWakeUp(ctx context.Context, b *store.Build, name string) error {
	port, err := m.findPort(ctx, m.store)
	if err != nil {
		return err
	}

	now := m.now()
	b.JobStart = &now
	b.JobEnd = nil
	b.ActiveStepID = nil
	b.ActiveStep = nil
	b.RequestedAction = bs.ActionNone
	b.LocalState = bs.StateRunning
	b.Port = port

	if err := m.save(ctx, m.store, b, "requested_action"); err != nil {
		return err
	}

	m.logBuild(ctx, m.store, b, "wake_up", store.LevelSeparator, "Waking up build")

	step, err := m.runStep(ctx, b)
	if err != nil {
		return err
	}

	return m.launch(ctx, b, &steps.Job{Build: b, Step: step, ContainerName: name})
}

// runStep is the last configured step when it is a running one, else the
// default run step.
func (m *machine) runStep(ctx context.Context, b *store.Build) (*store.Step, error) {
	if cfgSteps := configSteps(b); len(cfgSteps) > 0 {
		if last := cfgSteps[len(cfgSteps)-1]; last.Kind == bs.KindRunning {
			return &last, nil
		}
	}

	step, err := m.store.FindStepByName(ctx, m.cfg.DefaultRunStep)
	if err != nil {
		return nil, fmt.Errorf("resolving run step %q: %w", m.cfg.DefaultRunStep, err)
	}

	return step, nil
}
