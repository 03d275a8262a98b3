package podman

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/containers/podman/v5/pkg/bindings"
	"github.com/containers/podman/v5/pkg/bindings/containers"
	"github.com/containers/podman/v5/pkg/bindings/images"
	"github.com/containers/podman/v5/pkg/bindings/network"
	"github.com/containers/podman/v5/pkg/bindings/system"
	"github.com/containers/podman/v5/pkg/specgen"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/sirupsen/logrus"
	nettypes "go.podman.io/common/libnetwork/types"

	"github.com/ethpandaops/runboor/pkg/docker"
)

// DefaultSocket is the default rootful Podman socket path.
const DefaultSocket = "unix:///run/podman/podman.sock"

// cpuPeriod is the CFS period used to express CPU quotas.
const cpuPeriod = 100000

// qualifyImageName ensures the image name is fully qualified for Podman.
// Docker defaults short names like "runboor/default:tag" to
// "docker.io/runboor/default:tag", but Podman requires fully-qualified names
// unless unqualified-search registries are configured.
func qualifyImageName(name string) string {
	parts := strings.SplitN(name, "/", 2)
	if len(parts) == 2 && (strings.Contains(parts[0], ".") || strings.Contains(parts[0], ":")) {
		return name
	}

	if len(parts) == 1 {
		return "docker.io/library/" + name
	}

	return "docker.io/" + name
}

// manager implements docker.ContainerManager using Podman Go bindings.
type manager struct {
	log    logrus.FieldLogger
	socket string
	conn   context.Context // Podman connection context.
}

// Ensure interface compliance.
var _ docker.ContainerManager = (*manager)(nil)

// NewManager creates a new Podman container manager. An empty socket
// selects DefaultSocket.
func NewManager(log logrus.FieldLogger, socket string) (docker.ContainerManager, error) {
	if socket == "" {
		socket = DefaultSocket
	}

	return &manager{
		log:    log.WithField("component", "podman"),
		socket: socket,
	}, nil
}

// Start opens the Podman connection.
func (m *manager) Start(ctx context.Context) error {
	conn, err := bindings.NewConnection(ctx, m.socket)
	if err != nil {
		return fmt.Errorf(
			"connecting to podman socket (%s): %w\n"+
				"Ensure the Podman service is running: systemctl start podman.socket",
			m.socket, err,
		)
	}

	m.conn = conn

	info, err := system.Info(m.conn, nil)
	if err != nil {
		return fmt.Errorf("querying podman info: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"version":  info.Version.Version,
		"runtime":  info.Host.OCIRuntime.Name,
		"rootless": info.Host.Security.Rootless,
	}).Debug("Connected to Podman daemon")

	return nil
}

// Stop is a no-op; the bindings connection has no close.
func (m *manager) Stop() error {
	return nil
}

// EnsureNetwork creates a Podman network if it doesn't exist.
func (m *manager) EnsureNetwork(ctx context.Context, name string) error {
	if name == "" || name == "host" || name == "podman" {
		return nil
	}

	nets, err := network.List(m.conn, &network.ListOptions{
		Filters: map[string][]string{"name": {name}},
	})
	if err != nil {
		return fmt.Errorf("listing networks: %w", err)
	}

	for _, n := range nets {
		if n.Name == name {
			return nil
		}
	}

	netCfg := nettypes.Network{
		Name:   name,
		Driver: "bridge",
		Labels: map[string]string{docker.LabelManagedBy: docker.ManagedByValue},
	}

	if _, err := network.Create(m.conn, &netCfg); err != nil {
		return fmt.Errorf("creating network %s: %w", name, err)
	}

	m.log.WithField("network", name).Info("Created Podman network")

	return nil
}

// PullImage pulls a container image.
func (m *manager) PullImage(ctx context.Context, imageName string, policy string) error {
	imageName = qualifyImageName(imageName)
	log := m.log.WithField("image", imageName)

	if policy == "never" {
		return nil
	}

	if policy == "if-not-present" {
		if _, err := images.GetImage(m.conn, imageName, nil); err == nil {
			return nil
		}
	}

	log.Info("Pulling image")

	if _, err := images.Pull(m.conn, imageName, nil); err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}

	log.Info("Image pulled successfully")

	return nil
}

// CreateContainer creates a new container from the spec using Podman's specgen.
func (m *manager) CreateContainer(ctx context.Context, spec *docker.ContainerSpec) (string, error) {
	s := &specgen.SpecGenerator{}
	s.Name = spec.Name
	s.Image = qualifyImageName(spec.Image)
	s.HealthLogDestination = "local"
	s.Command = spec.Command
	s.Labels = spec.Labels
	s.User = spec.User
	s.WorkDir = spec.WorkingDir

	if len(spec.Env) > 0 {
		s.Env = make(map[string]string, len(spec.Env))
		for k, v := range spec.Env {
			s.Env[k] = v
		}
	}

	for _, mnt := range spec.Mounts {
		mount := specs.Mount{
			Destination: mnt.Target,
			Source:      mnt.Source,
			Type:        "bind",
			Options:     []string{"rbind"},
		}

		if mnt.ReadOnly {
			mount.Options = append(mount.Options, "ro")
		}

		s.Mounts = append(s.Mounts, mount)
	}

	for containerPort, hostPort := range spec.Ports {
		s.PortMappings = append(s.PortMappings, nettypes.PortMapping{
			ContainerPort: uint16(containerPort),
			HostPort:      uint16(hostPort),
			Protocol:      "tcp",
		})
	}

	if spec.NetworkName != "" {
		s.Networks = map[string]nettypes.PerNetworkOptions{
			spec.NetworkName: {},
		}
	}

	if spec.ResourceLimits != nil {
		s.ResourceLimits = &specs.LinuxResources{}

		if spec.ResourceLimits.MemoryBytes > 0 {
			mem := spec.ResourceLimits.MemoryBytes
			s.ResourceLimits.Memory = &specs.LinuxMemory{Limit: &mem}
		}

		if spec.ResourceLimits.NanoCPUs > 0 {
			period := uint64(cpuPeriod)
			quota := spec.ResourceLimits.NanoCPUs * cpuPeriod / 1e9
			s.ResourceLimits.CPU = &specs.LinuxCPU{Period: &period, Quota: &quota}
		}
	}

	resp, err := containers.CreateWithSpec(m.conn, s, nil)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", spec.Name, err)
	}

	m.log.WithField("container", spec.Name).Debug("Created container")

	return resp.ID, nil
}

// StartContainer starts a container.
func (m *manager) StartContainer(ctx context.Context, nameOrID string) error {
	if err := containers.Start(m.conn, nameOrID, nil); err != nil {
		return fmt.Errorf("starting container %s: %w", nameOrID, err)
	}

	return nil
}

// StopContainer stops a container, waiting at most timeout.
func (m *manager) StopContainer(ctx context.Context, nameOrID string, timeout time.Duration) error {
	secs := uint(timeout.Seconds())

	if err := containers.Stop(m.conn, nameOrID, &containers.StopOptions{Timeout: &secs}); err != nil {
		if isNotFound(err) {
			return docker.ErrContainerNotFound
		}

		return fmt.Errorf("stopping container %s: %w", nameOrID, err)
	}

	return nil
}

// RemoveContainer force-removes a container.
func (m *manager) RemoveContainer(ctx context.Context, nameOrID string) error {
	force := true
	vols := true
	timeout := uint(0) // SIGKILL immediately, skip SIGTERM grace period.

	if _, err := containers.Remove(m.conn, nameOrID, &containers.RemoveOptions{
		Force:   &force,
		Volumes: &vols,
		Timeout: &timeout,
	}); err != nil {
		if isNotFound(err) {
			return docker.ErrContainerNotFound
		}

		return fmt.Errorf("removing container %s: %w", nameOrID, err)
	}

	return nil
}

// InspectContainer returns the state of a container.
func (m *manager) InspectContainer(ctx context.Context, nameOrID string) (*docker.ContainerState, error) {
	inspect, err := containers.Inspect(m.conn, nameOrID, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, docker.ErrContainerNotFound
		}

		return nil, fmt.Errorf("inspecting container %s: %w", nameOrID, err)
	}

	st := &docker.ContainerState{
		ID:   inspect.ID,
		Name: inspect.Name,
	}

	if inspect.State != nil {
		st.Status = inspect.State.Status
		st.Running = inspect.State.Running
		st.ExitCode = int(inspect.State.ExitCode)
		st.OOMKilled = inspect.State.OOMKilled
		st.StartedAt = inspect.State.StartedAt
		st.FinishedAt = inspect.State.FinishedAt
	}

	return st, nil
}

// ListContainers returns all containers managed by runboor.
func (m *manager) ListContainers(ctx context.Context) ([]docker.ContainerInfo, error) {
	all := true

	podmanContainers, err := containers.List(m.conn, &containers.ListOptions{
		All: &all,
		Filters: map[string][]string{
			"label": {docker.LabelManagedBy + "=" + docker.ManagedByValue},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	result := make([]docker.ContainerInfo, 0, len(podmanContainers))

	for _, c := range podmanContainers {
		name := ""

		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}

		result = append(result, docker.ContainerInfo{
			ID:     c.ID,
			Name:   name,
			State:  c.State,
			Labels: c.Labels,
		})
	}

	return result, nil
}

func isNotFound(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "no such container")
}
