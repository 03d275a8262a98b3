package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/sirupsen/logrus"
)

// Container labels set on every step container.
const (
	LabelManagedBy = "runboor.managed-by"
	LabelBuild     = "runboor.build"
	LabelStep      = "runboor.step"

	ManagedByValue = "runboor"
)

// ErrContainerNotFound is returned when no container has the given name.
var ErrContainerNotFound = errors.New("container not found")

// ContainerManager is the container runtime used to run build steps. It is
// implemented on the Docker API here and on Podman bindings in pkg/podman.
type ContainerManager interface {
	Start(ctx context.Context) error
	Stop() error

	EnsureNetwork(ctx context.Context, name string) error
	PullImage(ctx context.Context, imageName string, policy string) error

	CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error)
	StartContainer(ctx context.Context, nameOrID string) error
	StopContainer(ctx context.Context, nameOrID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, nameOrID string) error

	// InspectContainer returns ErrContainerNotFound for unknown names.
	InspectContainer(ctx context.Context, nameOrID string) (*ContainerState, error)
	ListContainers(ctx context.Context) ([]ContainerInfo, error)
}

// ResourceLimits defines container resource constraints.
type ResourceLimits struct {
	MemoryBytes int64 // Memory limit in bytes
	NanoCPUs    int64 // CPU quota in units of 1e-9 CPUs
}

// ContainerSpec defines container configuration.
type ContainerSpec struct {
	Name           string
	Image          string
	Command        []string
	Env            map[string]string
	WorkingDir     string
	User           string
	Mounts         []Mount
	NetworkName    string
	Labels         map[string]string
	Ports          map[int]int // container port -> host port
	ResourceLimits *ResourceLimits
}

// Mount defines a bind mount.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerState is the observed state of a container.
type ContainerState struct {
	ID         string
	Name       string
	Status     string // created, running, paused, restarting, removing, exited, dead
	Running    bool
	ExitCode   int
	OOMKilled  bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// ContainerInfo contains information about a managed container.
type ContainerInfo struct {
	ID     string
	Name   string
	State  string
	Labels map[string]string
}

// NewManager creates a new Docker manager.
func NewManager(log logrus.FieldLogger) (ContainerManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	return &manager{
		log:    log.WithField("component", "docker"),
		client: cli,
	}, nil
}

type manager struct {
	log    logrus.FieldLogger
	client *client.Client
}

// Ensure interface compliance.
var _ ContainerManager = (*manager)(nil)

// Start checks the Docker daemon is reachable.
func (m *manager) Start(ctx context.Context) error {
	if _, err := m.client.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to docker daemon: %w", err)
	}

	m.log.Debug("Connected to Docker daemon")

	return nil
}

// Stop closes the Docker client.
func (m *manager) Stop() error {
	if err := m.client.Close(); err != nil {
		return fmt.Errorf("closing docker client: %w", err)
	}

	return nil
}

// EnsureNetwork creates a Docker network if it doesn't exist.
func (m *manager) EnsureNetwork(ctx context.Context, name string) error {
	if name == "" || name == "host" || name == "bridge" {
		return nil
	}

	networks, err := m.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return fmt.Errorf("listing networks: %w", err)
	}

	for _, net := range networks {
		if net.Name == name {
			return nil
		}
	}

	if _, err := m.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{LabelManagedBy: ManagedByValue},
	}); err != nil {
		return fmt.Errorf("creating network %s: %w", name, err)
	}

	m.log.WithField("network", name).Info("Created Docker network")

	return nil
}

// PullImage pulls an image according to policy: always, never or
// if-not-present.
func (m *manager) PullImage(ctx context.Context, imageName string, policy string) error {
	log := m.log.WithField("image", imageName)

	if policy == "never" {
		return nil
	}

	if policy == "if-not-present" {
		images, err := m.client.ImageList(ctx, image.ListOptions{
			Filters: filters.NewArgs(filters.Arg("reference", imageName)),
		})
		if err != nil {
			return fmt.Errorf("listing images: %w", err)
		}

		if len(images) > 0 {
			return nil
		}
	}

	log.Info("Pulling image")

	reader, err := m.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}
	defer func() { _ = reader.Close() }()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull response: %w", err)
	}

	log.Info("Image pulled successfully")

	return nil
}

// CreateContainer creates a new container from the spec.
func (m *manager) CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, mnt := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   mnt.Source,
			Target:   mnt.Target,
			ReadOnly: mnt.ReadOnly,
		})
	}

	exposed := make(nat.PortSet, len(spec.Ports))
	bindings := make(nat.PortMap, len(spec.Ports))

	for containerPort, hostPort := range spec.Ports {
		p := nat.Port(strconv.Itoa(containerPort) + "/tcp")
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(hostPort)}}
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		User:         spec.User,
		Env:          env,
		Labels:       spec.Labels,
		Cmd:          spec.Command,
		WorkingDir:   spec.WorkingDir,
		ExposedPorts: exposed,
	}

	hostCfg := &container.HostConfig{
		Mounts:       mounts,
		NetworkMode:  container.NetworkMode(spec.NetworkName),
		PortBindings: bindings,
	}

	if spec.ResourceLimits != nil {
		hostCfg.Memory = spec.ResourceLimits.MemoryBytes
		hostCfg.NanoCPUs = spec.ResourceLimits.NanoCPUs
	}

	resp, err := m.client.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", spec.Name, err)
	}

	m.log.WithFields(logrus.Fields{
		"container": spec.Name,
		"id":        shortID(resp.ID),
	}).Debug("Created container")

	return resp.ID, nil
}

// StartContainer starts a container.
func (m *manager) StartContainer(ctx context.Context, nameOrID string) error {
	if err := m.client.ContainerStart(ctx, nameOrID, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", nameOrID, err)
	}

	return nil
}

// StopContainer stops a container, waiting at most timeout before it is
// killed.
func (m *manager) StopContainer(ctx context.Context, nameOrID string, timeout time.Duration) error {
	secs := int(timeout.Seconds())

	if err := m.client.ContainerStop(ctx, nameOrID, container.StopOptions{Timeout: &secs}); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrContainerNotFound
		}

		return fmt.Errorf("stopping container %s: %w", nameOrID, err)
	}

	return nil
}

// RemoveContainer force-removes a container.
func (m *manager) RemoveContainer(ctx context.Context, nameOrID string) error {
	if err := m.client.ContainerRemove(ctx, nameOrID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrContainerNotFound
		}

		return fmt.Errorf("removing container %s: %w", nameOrID, err)
	}

	return nil
}

// InspectContainer returns the state of a container.
func (m *manager) InspectContainer(ctx context.Context, nameOrID string) (*ContainerState, error) {
	inspect, err := m.client.ContainerInspect(ctx, nameOrID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, ErrContainerNotFound
		}

		return nil, fmt.Errorf("inspecting container %s: %w", nameOrID, err)
	}

	st := &ContainerState{
		ID:   inspect.ID,
		Name: trimName(inspect.Name),
	}

	if inspect.State != nil {
		st.Status = string(inspect.State.Status)
		st.Running = inspect.State.Running
		st.ExitCode = inspect.State.ExitCode
		st.OOMKilled = inspect.State.OOMKilled
		st.StartedAt = parseTime(inspect.State.StartedAt)
		st.FinishedAt = parseTime(inspect.State.FinishedAt)
	}

	return st, nil
}

// ListContainers returns all containers managed by runboor.
func (m *manager) ListContainers(ctx context.Context) ([]ContainerInfo, error) {
	containers, err := m.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManagedBy+"="+ManagedByValue),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	result := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = trimName(c.Names[0])
		}

		result = append(result, ContainerInfo{
			ID:     c.ID,
			Name:   name,
			State:  string(c.State),
			Labels: c.Labels,
		})
	}

	return result, nil
}

func trimName(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}

	return name
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}

	return id
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}

	return t
}
