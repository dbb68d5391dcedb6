package container

import (
	"context"
	"fmt"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	units "github.com/docker/go-units"

	"github.com/shellbox/broker/internal/logger"
)

// DockerSupervisor is the production Supervisor: one hardened container
// per session against the local Docker Engine, per spec.md §4.C6.
type DockerSupervisor struct {
	cli    *dockerclient.Client
	events chan Event

	mu       sync.Mutex
	attached map[string]*attachedConn // ref.ID -> current hijacked connection
}

// NewDockerSupervisor dials the Docker Engine API using the ambient
// environment (DOCKER_HOST and friends), matching every other CLI in the
// pack's ecosystem that wraps this client.
func NewDockerSupervisor(ctx context.Context) (*DockerSupervisor, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("container: dial docker: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("container: docker not reachable: %w", err)
	}

	s := &DockerSupervisor{
		cli:      cli,
		events:   make(chan Event, 64),
		attached: make(map[string]*attachedConn),
	}
	go s.watchEvents(context.Background())
	return s, nil
}

// Create provisions a hardened, non-root, read-only-rootfs container on
// the restricted network, per the posture in spec.md §4.C6. The
// credential hash is attached only as a label for observability — never
// as an environment variable a process inside the container could read
// back.
func (s *DockerSupervisor) Create(ctx context.Context, spec Spec) (Ref, error) {
	name := "shellbox-" + spec.SessionID

	memBytes := spec.MemoryBytes
	if memBytes == 0 {
		memBytes, _ = units.RAMInBytes("512m")
	}
	pidsLimit := spec.PidsLimit
	if pidsLimit == 0 {
		pidsLimit = 128
	}
	nanoCPUs := int64(spec.CPUs * 1e9)

	securityOpt := []string{"no-new-privileges:true"}
	if spec.SeccompProfile != "" {
		securityOpt = append(securityOpt, "seccomp="+spec.SeccompProfile)
	}
	if spec.AppArmorProfile != "" {
		securityOpt = append(securityOpt, "apparmor="+spec.AppArmorProfile)
	}

	var env []string
	if spec.ProxyPort != 0 {
		// host.docker.internal resolves to the host's loopback interface
		// via the extra_hosts entry below, so the container reaches the
		// proxy bound on 127.0.0.1 on the host.
		proxyURL := fmt.Sprintf("http://host.docker.internal:%d", spec.ProxyPort)
		env = []string{
			"HTTP_PROXY=" + proxyURL,
			"HTTPS_PROXY=" + proxyURL,
			"http_proxy=" + proxyURL,
			"https_proxy=" + proxyURL,
		}
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Tty:          spec.TTY,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		User:         "65534:65534", // nobody:nogroup — never root inside the sandbox
		Env:          env,
		Labels: map[string]string{
			"shellbox.session":        spec.SessionID,
			"shellbox.credentialHash": spec.CredentialHash,
		},
		ExposedPorts: nat.PortSet{},
	}

	hostCfg := &container.HostConfig{
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m",
		},
		CapDrop:      []string{"ALL"},
		SecurityOpt:  securityOpt,
		NetworkMode:  container.NetworkMode(spec.NetworkName),
		Resources: container.Resources{
			Memory:    memBytes,
			NanoCPUs:  nanoCPUs,
			PidsLimit: &pidsLimit,
		},
		AutoRemove: false, // Destroy removes explicitly so repeated calls stay idempotent
	}
	if spec.ProxyPort != 0 {
		hostCfg.ExtraHosts = []string{"host.docker.internal:host-gateway"}
	}

	netCfg := &network.NetworkingConfig{}

	resp, err := s.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return Ref{}, fmt.Errorf("container: create: %w", err)
	}
	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Ref{}, fmt.Errorf("container: start: %w", err)
	}

	logger.Info("container created", "sessionId", spec.SessionID, "containerId", resp.ID, "network", spec.NetworkName)
	return Ref{ID: resp.ID, Name: name}, nil
}

// Attach opens a fresh hijacked connection to the container's stdio,
// first cleanly closing any prior attachment to the same ref — resume
// re-attaches to the same container across a new transport connection,
// per spec.md §4.C6.
func (s *DockerSupervisor) Attach(ctx context.Context, ref Ref) (AttachedStream, error) {
	s.mu.Lock()
	if old, ok := s.attached[ref.ID]; ok {
		old.Close()
		delete(s.attached, ref.ID)
	}
	s.mu.Unlock()

	hijacked, err := s.cli.ContainerAttach(ctx, ref.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("container: attach: %w", err)
	}

	ac := &attachedConn{resp: hijacked}
	s.mu.Lock()
	s.attached[ref.ID] = ac
	s.mu.Unlock()
	return ac, nil
}

func (s *DockerSupervisor) Resize(ctx context.Context, ref Ref, cols, rows int) error {
	return s.cli.ContainerResize(ctx, ref.ID, container.ResizeOptions{
		Width:  uint(cols),
		Height: uint(rows),
	})
}

// Destroy is idempotent: a container already gone is treated as success,
// per spec.md §8's termination-idempotence property.
func (s *DockerSupervisor) Destroy(ctx context.Context, ref Ref, reason string) error {
	s.mu.Lock()
	if ac, ok := s.attached[ref.ID]; ok {
		ac.Close()
		delete(s.attached, ref.ID)
	}
	s.mu.Unlock()

	timeoutSec := int(DestroyTimeout.Seconds())
	if err := s.cli.ContainerStop(ctx, ref.ID, container.StopOptions{Timeout: &timeoutSec}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil
		}
		logger.Warn("container stop failed, force killing", "containerId", ref.ID, "error", err)
		_ = s.cli.ContainerKill(ctx, ref.ID, "SIGKILL")
	}

	if err := s.cli.ContainerRemove(ctx, ref.ID, container.RemoveOptions{Force: true}); err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("container: remove: %w", err)
	}
	logger.Info("container destroyed", "containerId", ref.ID, "reason", reason)
	return nil
}

func (s *DockerSupervisor) Events() <-chan Event {
	return s.events
}

func (s *DockerSupervisor) watchEvents(ctx context.Context) {
	filterArgs := filters.NewArgs(filters.Arg("type", "container"), filters.Arg("label", "shellbox.session"))
	msgs, errs := s.cli.Events(ctx, events.ListOptions{Filters: filterArgs})
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			if err != nil {
				logger.Warn("container event stream error", "error", err)
				return
			}
		case m := <-msgs:
			if m.Action != "die" {
				continue
			}
			exitCode := 0
			if v, ok := m.Actor.Attributes["exitCode"]; ok {
				fmt.Sscanf(v, "%d", &exitCode)
			}
			select {
			case s.events <- Event{ContainerID: m.Actor.ID, Exited: true, ExitCode: exitCode}:
			default:
				logger.Warn("container event dropped: events channel full", "containerId", m.Actor.ID)
			}
		}
	}
}

// attachedConn adapts types.HijackedResponse (a buffered reader plus a
// raw net.Conn, not itself an io.ReadWriteCloser) to AttachedStream.
type attachedConn struct {
	resp types.HijackedResponse
}

func (a *attachedConn) Read(p []byte) (int, error)  { return a.resp.Reader.Read(p) }
func (a *attachedConn) Write(p []byte) (int, error) { return a.resp.Conn.Write(p) }
func (a *attachedConn) Close() error                { a.resp.Close(); return nil }
