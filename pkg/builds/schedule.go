package builds

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	bs "github.com/ethpandaops/runboor/pkg/buildstate"
	"github.com/ethpandaops/runboor/pkg/docker"
	"github.com/ethpandaops/runboor/pkg/fsutil"
	"github.com/ethpandaops/runboor/pkg/steps"
	"github.com/ethpandaops/runboor/pkg/store"
)

func (m *machine) InitPending(ctx context.Context, b *store.Build) error {
	if b.LocalState != bs.StatePending {
		return fmt.Errorf("build %d is not pending: %s", b.ID, b.LocalState)
	}

	if err := m.owned(b); err != nil {
		return err
	}

	port, err := m.findPort(ctx, m.store)
	if err != nil {
		return fmt.Errorf("allocating port for build %d: %w", b.ID, err)
	}

	now := m.now()
	b.Port = port
	b.JobStart = &now
	b.BuildStart = &now
	b.JobEnd = nil

	m.advance(ctx, m.store, b)

	if b.ActiveStep == nil {
		m.logBuild(ctx, m.store, b, "_schedule", store.LevelInfo, "No job in config, doing nothing")
		m.tighten(b, bs.ResultWarn)

		if err := updateBuildEnd(ctx, m.store, b, now); err != nil {
			return err
		}

		if err := m.save(ctx, m.store, b, "build_end"); err != nil {
			return err
		}

		m.reportQuietly(ctx, b)

		return nil
	}

	if err := m.save(ctx, m.store, b); err != nil {
		return err
	}

	m.logBuild(ctx, m.store, b, "_schedule", store.LevelInfo,
		fmt.Sprintf("Init build environment with config %s", configName(b)))

	if err := m.ws.MkdirAll(b.Dest(), fsutil.LogsDir); err != nil {
		m.log.WithField("build", b.ID).WithError(err).Error("Failed initiating build")
		m.logBuild(ctx, m.store, b, "_schedule", store.LevelError, "Failed initiating build")

		return m.Kill(ctx, b, bs.ResultKO)
	}

	return m.runJob(ctx, b)
}

func (m *machine) ScheduleTick(ctx context.Context, b *store.Build) error {
	if b.LocalState != bs.StateTesting && b.LocalState != bs.StateRunning {
		return fmt.Errorf("build %d is not testing/running: %s", b.ID, b.LocalState)
	}

	if err := m.owned(b); err != nil {
		return err
	}

	if b.LocalState == bs.StateTesting && b.TriggeredResult != bs.ResultNone &&
		(b.ActiveStep == nil || !b.ActiveStep.IgnoreTriggeredResult) &&
		bs.Worst(b.TriggeredResult, b.LocalResult) != b.LocalResult {
		m.tighten(b, b.TriggeredResult)

		if err := m.save(ctx, m.store, b); err != nil {
			return err
		}

		m.reportQuietly(ctx, b)
	}

	exec, err := m.executor(b.ActiveStep)
	if err != nil {
		m.logBuild(ctx, m.store, b, "_schedule", store.LevelError, err.Error())
	}

	isContainer := exec != nil && exec.Container()
	now := m.now()

	obs := m.sandbox.Status(ctx, m.containerName(b))

	switch {
	case obs.Status == docker.StatusRunning:
		if b.LocalState == bs.StateRunning {
			return nil
		}

		if elapsed := bs.JobTime(b.JobStart, b.JobEnd, now); elapsed > m.timeout(b.ActiveStep) {
			stepName := "?"
			if b.ActiveStep != nil {
				stepName = b.ActiveStep.Name
			}

			m.logBuild(ctx, m.store, b, "_schedule", store.LevelInfo,
				fmt.Sprintf("%s time exceeded (%ds)", stepName, int(elapsed.Seconds())))

			return m.Kill(ctx, b, bs.ResultKilled)
		}

		return nil
	case (obs.Status == docker.StatusUnknown || obs.Status == docker.StatusGhost) &&
		(b.LocalState == bs.StateRunning || isContainer):
		since := b.DockerStart
		if since == nil {
			since = b.JobStart
		}

		if since != nil {
			switch elapsed := now.Sub(*since); {
			case elapsed < m.cfg.ContainerGrace:
				return nil
			case elapsed < m.cfg.ContainerDeadline:
				m.log.WithFields(logrus.Fields{
					"build":     b.ID,
					"container": m.containerName(b),
				}).Info("Container seems to take a while to start")

				return nil
			}
		}

		m.logBuild(ctx, m.store, b, "_schedule", store.LevelError,
			fmt.Sprintf("Docker with state %s not started after %s, skipping", obs.Status, m.cfg.ContainerDeadline))
	}

	return m.finishJob(ctx, b, exec)
}

// finishJob collects the results of the active step, moves to the next
// step and launches it.
func (m *machine) finishJob(ctx context.Context, b *store.Build, exec steps.Executor) error {
	now := m.now()
	previous := b.LocalState

	b.JobEnd = &now
	b.DockerStart = nil

	if b.ActiveStep != nil {
		m.collectResults(ctx, b, exec)
	}

	m.advance(ctx, m.store, b)

	ending := previous != bs.StateDone && previous != bs.StateRunning &&
		(b.LocalState == bs.StateDone || b.LocalState == bs.StateRunning)

	if ending {
		if err := updateBuildEnd(ctx, m.store, b, now); err != nil {
			return err
		}

		if b.LocalResult == bs.ResultNone {
			b.LocalResult = bs.ResultOK
			m.log.WithField("build", b.ID).Info("No result set, setting ok by default")
		}
	}

	columns := []string{}
	if ending {
		columns = append(columns, "build_end")
	}

	if err := m.save(ctx, m.store, b, columns...); err != nil {
		return err
	}

	if ending {
		m.reportQuietly(ctx, b)
	}

	return m.runJob(ctx, b)
}

func (m *machine) collectResults(ctx context.Context, b *store.Build, exec steps.Executor) {
	if exec == nil {
		m.tighten(b, bs.ResultKO)

		return
	}

	res, err := exec.Results(ctx, &steps.Job{Build: b, Step: b.ActiveStep})
	if err != nil {
		m.logBuild(ctx, m.store, b, "_make_results", store.LevelError,
			fmt.Sprintf("An error occured while computing results of %s: %v", b.ActiveStep.Name, err))
		m.tighten(b, bs.ResultKO)

		return
	}

	m.tighten(b, res.Result)

	if len(res.Stats) == 0 {
		return
	}

	stats := make([]store.BuildStat, 0, len(res.Stats))
	for k, v := range res.Stats {
		stats = append(stats, store.BuildStat{BuildID: b.ID, StepID: &b.ActiveStep.ID, Key: k, Value: v})
	}

	if err := m.store.AddBuildStats(ctx, stats); err != nil {
		m.log.WithField("build", b.ID).WithError(err).Warn("Failed to store build stats")
	}
}

// advance applies step progression to b in memory.
func (m *machine) advance(ctx context.Context, s store.Store, b *store.Build) {
	cfgSteps := configSteps(b)

	views := make([]bs.Step, 0, len(cfgSteps))
	for i := range cfgSteps {
		views = append(views, cfgSteps[i].State())
	}

	tr := bs.NextJob(views, b.ActiveStepID, b.LocalState, b.LocalResult, attrs(b))

	for _, skipped := range tr.Skipped {
		m.logBuild(ctx, s, b, "run", store.LevelSeparator,
			fmt.Sprintf("Skipping step %s from config %s", skipped.Name, configName(b)))
	}

	if tr.Error != "" {
		m.logBuild(ctx, s, b, "run", store.LevelError, tr.Error)
	}

	m.tighten(b, tr.Result)

	if tr.Step != nil && tr.Step.Kind == bs.KindRunning && b.NoAutoRun {
		m.logBuild(ctx, s, b, "run", store.LevelSeparator,
			fmt.Sprintf("Skipping step %s, build is not auto run", tr.Step.Name))

		tr.Step = nil
		tr.State = bs.StateDone
	}

	b.LocalState = tr.State
	b.ActiveStepID = nil
	b.ActiveStep = nil

	if tr.Step == nil {
		return
	}

	for i := range cfgSteps {
		if cfgSteps[i].ID == tr.Step.ID {
			step := cfgSteps[i]
			b.ActiveStepID = &step.ID
			b.ActiveStep = &step

			return
		}
	}
}

// runJob launches the active step unless the build is done. A failing
// launch kills the build with a ko result.
func (m *machine) runJob(ctx context.Context, b *store.Build) error {
	if b.LocalState == bs.StateDone || b.ActiveStep == nil {
		return nil
	}

	m.log.WithFields(logrus.Fields{"build": b.ID, "step": b.ActiveStep.Name}).Info("Running step")

	err := m.ws.MkdirAll(b.Dest(), fsutil.LogsDir, fsutil.DataDir)
	if err == nil {
		err = m.launch(ctx, b, &steps.Job{Build: b, Step: b.ActiveStep})
	}

	if err != nil {
		m.logBuild(ctx, m.store, b, "run", store.LevelError,
			fmt.Sprintf("%s failed running step %s:\n %v", b.Dest(), b.ActiveStep.Name, err))

		return m.Kill(ctx, b, bs.ResultKO)
	}

	return nil
}

// launch runs job, stamping docker_start for container steps.
func (m *machine) launch(ctx context.Context, b *store.Build, job *steps.Job) error {
	exec, err := m.executor(job.Step)
	if err != nil {
		return err
	}

	if exec.Container() {
		now := m.now()
		b.DockerStart = &now

		if err := m.store.UpdateBuildFields(ctx, b.ID, map[string]any{"docker_start": now}); err != nil {
			return err
		}
	}

	return exec.Run(ctx, job)
}

// reportQuietly publishes the build status, logging failures.
func (m *machine) reportQuietly(ctx context.Context, b *store.Build) {
	if err := m.ReportStatus(ctx, b); err != nil {
		m.log.WithField("build", b.ID).WithError(err).Warn("Failed to report status")
	}
}
