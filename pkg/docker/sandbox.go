package docker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Status is the scheduler's view of a step container.
type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
	StatusUnknown Status = "unknown"
	// StatusGhost is a container that exists but neither runs nor exited
	// cleanly, such as one stuck in created or dead.
	StatusGhost Status = "ghost"
)

// Observation is the result of a status query.
type Observation struct {
	Status    Status
	ExitCode  int
	OOMKilled bool
}

// Sandbox starts, stops and observes step containers by name.
type Sandbox interface {
	Start(ctx context.Context, spec *ContainerSpec) error
	Stop(ctx context.Context, name string) error
	Status(ctx context.Context, name string) Observation
}

// Compile-time interface check.
var _ Sandbox = (*sandbox)(nil)

type sandbox struct {
	log         logrus.FieldLogger
	mgr         ContainerManager
	pullPolicy  string
	stopTimeout time.Duration
}

// NewSandbox wraps a container manager.
func NewSandbox(log logrus.FieldLogger, mgr ContainerManager, pullPolicy string) Sandbox {
	return &sandbox{
		log:         log.WithField("component", "sandbox"),
		mgr:         mgr,
		pullPolicy:  pullPolicy,
		stopTimeout: 10 * time.Second,
	}
}

// Start replaces any previous container with the same name and starts a
// fresh one.
func (s *sandbox) Start(ctx context.Context, spec *ContainerSpec) error {
	if err := s.mgr.RemoveContainer(ctx, spec.Name); err != nil && !errors.Is(err, ErrContainerNotFound) {
		return fmt.Errorf("removing previous container: %w", err)
	}

	if err := s.mgr.PullImage(ctx, spec.Image, s.pullPolicy); err != nil {
		return err
	}

	if spec.NetworkName != "" {
		if err := s.mgr.EnsureNetwork(ctx, spec.NetworkName); err != nil {
			return err
		}
	}

	if spec.Labels == nil {
		spec.Labels = make(map[string]string, 1)
	}

	spec.Labels[LabelManagedBy] = ManagedByValue

	if _, err := s.mgr.CreateContainer(ctx, spec); err != nil {
		return err
	}

	if err := s.mgr.StartContainer(ctx, spec.Name); err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"container": spec.Name,
		"image":     spec.Image,
	}).Info("Started container")

	return nil
}

// Stop stops and removes a container. A missing container is not an error.
func (s *sandbox) Stop(ctx context.Context, name string) error {
	if err := s.mgr.StopContainer(ctx, name, s.stopTimeout); err != nil {
		if errors.Is(err, ErrContainerNotFound) {
			return nil
		}

		return err
	}

	if err := s.mgr.RemoveContainer(ctx, name); err != nil && !errors.Is(err, ErrContainerNotFound) {
		s.log.WithError(err).WithField("container", name).Warn("Failed to remove container")
	}

	s.log.WithField("container", name).Info("Stopped container")

	return nil
}

// Status maps the container state. Query failures are reported as unknown.
func (s *sandbox) Status(ctx context.Context, name string) Observation {
	st, err := s.mgr.InspectContainer(ctx, name)
	if err != nil {
		if !errors.Is(err, ErrContainerNotFound) {
			s.log.WithError(err).WithField("container", name).Warn("Failed to inspect container")
		}

		return Observation{Status: StatusUnknown}
	}

	switch {
	case st.Running:
		return Observation{Status: StatusRunning}
	case st.Status == "exited":
		return Observation{Status: StatusExited, ExitCode: st.ExitCode, OOMKilled: st.OOMKilled}
	default:
		return Observation{Status: StatusGhost}
	}
}
