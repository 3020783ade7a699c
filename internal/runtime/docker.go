package runtime

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

const logBufferCapacity = 500

// engineAPI is the slice of the docker client the adapter uses.
// Abstracted for testability.
type engineAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
}

// DockerRuntime drives containers through the docker control socket.
type DockerRuntime struct {
	api    engineAPI
	ports  *PortAllocator
	logger *zap.Logger
}

// DockerRuntimeConfig configures the DockerRuntime.
type DockerRuntimeConfig struct {
	Host     string // engine socket URL; empty = environment default
	PortMin  int
	PortMax  int
	Logger   *zap.Logger
}

// NewDockerRuntime connects to the engine socket and verifies it responds.
func NewDockerRuntime(cfg DockerRuntimeConfig) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = []client.Opt{client.WithHost(cfg.Host), client.WithAPIVersionNegotiation()}
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}
	if _, err := cli.Ping(context.Background()); err != nil {
		return nil, &TransportError{Op: "ping", Err: err}
	}
	return &DockerRuntime{
		api:    cli,
		ports:  NewPortAllocator(cfg.PortMin, cfg.PortMax),
		logger: cfg.Logger,
	}, nil
}

// newDockerRuntimeWithAPI wires a custom engine API (for testing).
func newDockerRuntimeWithAPI(api engineAPI, ports *PortAllocator, logger *zap.Logger) *DockerRuntime {
	return &DockerRuntime{api: api, ports: ports, logger: logger}
}

// Create reserves a host port and creates the container with the server's
// port published on it. On failure the reserved port is returned to the
// pool.
func (r *DockerRuntime) Create(ctx context.Context, spec Spec) (*Handle, error) {
	hostPort, err := r.ports.Reserve()
	if err != nil {
		return nil, err
	}

	containerPort := nat.Port(strconv.Itoa(spec.ContainerPort) + "/tcp")
	config := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Cmd:          spec.Cmd,
		OpenStdin:    true,
		ExposedPorts: nat.PortSet{containerPort: struct{}{}},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{
				HostIP:   "127.0.0.1",
				HostPort: strconv.Itoa(hostPort),
			}},
		},
	}

	resp, err := r.api.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		r.ports.Release(hostPort)
		return nil, wrapEngineError("create", err)
	}

	r.logger.Info("container created",
		zap.String("name", spec.Name),
		zap.String("image", spec.Image),
		zap.Int("host_port", hostPort),
	)

	return &Handle{
		ID:       resp.ID,
		Name:     spec.Name,
		HostPort: hostPort,
		Logs:     NewLogBuffer(logBufferCapacity),
	}, nil
}

// Start starts the container. Starting an already-running container is a
// no-op that returns the current state.
func (r *DockerRuntime) Start(ctx context.Context, h *Handle) (State, error) {
	if h.Absent() {
		return StateAbsent, &RuntimeError{Op: "start", Err: errAbsentHandle}
	}

	state, err := r.StatusSummary(ctx, h)
	if err != nil {
		return StateError, err
	}
	if state == StateRunning {
		return StateRunning, nil
	}

	if err := r.api.ContainerStart(ctx, h.ID, container.StartOptions{}); err != nil {
		return StateError, wrapEngineError("start", err)
	}
	return StateRunning, nil
}

// Stop stops the container. Absent handles are a no-op.
func (r *DockerRuntime) Stop(ctx context.Context, h *Handle) error {
	if h.Absent() {
		return nil
	}
	if err := r.api.ContainerStop(ctx, h.ID, container.StopOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return wrapEngineError("stop", err)
	}
	return nil
}

// Remove removes the container and reclaims its host port. Absent handles
// are a no-op.
func (r *DockerRuntime) Remove(ctx context.Context, h *Handle) error {
	if h.Absent() {
		return nil
	}
	if err := r.api.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: true}); err != nil {
		if !client.IsErrNotFound(err) {
			return wrapEngineError("remove", err)
		}
	}
	r.ports.Release(h.HostPort)
	h.ID = ""
	return nil
}

// StatusSummary maps the engine's container status onto State.
func (r *DockerRuntime) StatusSummary(ctx context.Context, h *Handle) (State, error) {
	if h.Absent() {
		return StateAbsent, nil
	}
	inspect, err := r.api.ContainerInspect(ctx, h.ID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return StateAbsent, nil
		}
		return StateError, wrapEngineError("inspect", err)
	}
	return mapEngineStatus(inspect.State.Status), nil
}

// RecentLogs fetches the last n log lines and retains them in the handle's
// ring buffer.
func (r *DockerRuntime) RecentLogs(ctx context.Context, h *Handle, n int) ([]string, error) {
	if h.Absent() {
		return nil, nil
	}
	rc, err := r.api.ContainerLogs(ctx, h.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(n),
	})
	if err != nil {
		return nil, wrapEngineError("logs", err)
	}
	defer rc.Close()

	// The engine multiplexes stdout/stderr on one stream.
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return nil, wrapEngineError("logs", err)
	}

	lines := splitLines(stdout.String())
	lines = append(lines, splitLines(stderr.String())...)
	if h.Logs != nil {
		h.Logs.Append(lines...)
	}
	return lines, nil
}

// StreamInto writes data to the container's stdin.
func (r *DockerRuntime) StreamInto(ctx context.Context, h *Handle, data []byte) error {
	if h.Absent() {
		return &RuntimeError{Op: "stream", Err: errAbsentHandle}
	}
	attach, err := r.api.ContainerAttach(ctx, h.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
	})
	if err != nil {
		return wrapEngineError("attach", err)
	}
	defer attach.Close()

	if _, err := attach.Conn.Write(data); err != nil {
		return &TransportError{Op: "stream", Err: err}
	}
	return nil
}

var errAbsentHandle = &absentHandleError{}

type absentHandleError struct{}

func (*absentHandleError) Error() string { return "handle refers to no container" }

func mapEngineStatus(status string) State {
	switch status {
	case "running":
		return StateRunning
	case "created", "restarting":
		return StateCreating
	case "removing":
		return StateStopping
	case "exited", "paused":
		return StateStopped
	case "dead":
		return StateError
	default:
		return StateError
	}
}

func wrapEngineError(op string, err error) error {
	if client.IsErrConnectionFailed(err) {
		return &TransportError{Op: op, Err: err}
	}
	return &RuntimeError{Op: op, Err: err}
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}
