//go:build linux

package container

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/shellbox/broker/internal/logger"
)

// minVirtualAddressSpace floors RLIMIT_AS so JIT runtimes invoked inside a
// session shell (node, bun) don't immediately OOM on startup — they reserve
// a large CodeRange of virtual address space before touching real memory.
// Adapted from the teacher's internal/sandbox/linux.go rlimits().
const minVirtualAddressSpace = 4 * 1024 * 1024 * 1024

// LocalSupervisor runs each session's shell as a namespaced host process
// instead of a Docker container, for development/ci profiles that lack a
// container runtime (spec.md §4.C6: "in development/ci profile, falls
// back ... with a structured warning"). Adapted from the teacher's
// internal/sandbox/linux.go namespace+seccomp sandbox: same clone-flag
// approach, generalized from one-shot CLI exec to a long-lived attachable
// PTY session. No seccomp BPF filter is installed (see Create).
type LocalSupervisor struct {
	shellPath string
	events    chan Event

	mu        sync.Mutex
	processes map[string]*localProcess
}

type localProcess struct {
	cmd    *exec.Cmd
	pty    *os.File
	cgroup *cgroupManager
}

func NewLocalSupervisor(shellPath string) *LocalSupervisor {
	if shellPath == "" {
		shellPath = "/bin/sh"
	}
	return &LocalSupervisor{
		shellPath: shellPath,
		events:    make(chan Event, 64),
		processes: make(map[string]*localProcess),
	}
}

func (s *LocalSupervisor) Create(ctx context.Context, spec Spec) (Ref, error) {
	cmd := exec.CommandContext(ctx, s.shellPath)
	cmd.Env = []string{"PATH=/usr/bin:/bin", "TERM=xterm-256color"}
	if spec.ProxyPort != 0 {
		// Mirrors the teacher's internal/egg/server.go HTTP_PROXY injection.
		// This backend's namespace isolation (when CLONE_NEWNET applies) gives
		// the child its own loopback, which can make the host's proxy
		// unreachable; that tradeoff is accepted here since this path is
		// development/ci-only, never production (spec.md §4.C6).
		proxyURL := fmt.Sprintf("http://127.0.0.1:%d", spec.ProxyPort)
		cmd.Env = append(cmd.Env,
			"HTTP_PROXY="+proxyURL, "HTTPS_PROXY="+proxyURL,
			"http_proxy="+proxyURL, "https_proxy="+proxyURL,
		)
	}
	cmd.SysProcAttr = buildSysProcAttr(spec.SessionID)

	f, err := pty.Start(cmd)
	if err != nil {
		return Ref{}, fmt.Errorf("container: local pty start: %w", err)
	}

	// Namespace isolation only — seccomp enforcement requires the filter
	// to be installed by the child before exec (the teacher's _deny_init
	// wrapper does this via re-exec; see internal/sandbox/linux.go). This
	// backend is development/ci-only, so the weaker posture is logged,
	// not silently assumed, per spec.md §4.C6's degrade-with-warning rule.
	logger.Warn("local supervisor: seccomp not enforced for this backend", "sessionId", spec.SessionID)

	if err := applyRlimits(cmd.Process.Pid, spec); err != nil {
		logger.Warn("local supervisor: rlimit application failed", "sessionId", spec.SessionID, "error", err)
	}

	var memLimit uint64
	if spec.MemoryBytes > 0 {
		memLimit = uint64(spec.MemoryBytes)
	}
	var pidLimit uint32
	if spec.PidsLimit > 0 {
		pidLimit = uint32(spec.PidsLimit)
	}
	cgroup, err := newCgroupManager(spec.SessionID, memLimit, pidLimit)
	if err != nil {
		logger.Warn("local supervisor: cgroup setup failed, continuing without resource enforcement", "sessionId", spec.SessionID, "error", err)
	} else if cgroup != nil {
		if err := cgroup.AddPID(cmd.Process.Pid); err != nil {
			logger.Warn("local supervisor: failed to move process into cgroup", "sessionId", spec.SessionID, "error", err)
		}
	}

	ref := Ref{ID: spec.SessionID, Name: "local-" + spec.SessionID}
	s.mu.Lock()
	s.processes[ref.ID] = &localProcess{cmd: cmd, pty: f, cgroup: cgroup}
	s.mu.Unlock()

	go s.waitForExit(ref.ID, cmd)
	return ref, nil
}

func (s *LocalSupervisor) waitForExit(id string, cmd *exec.Cmd) {
	err := cmd.Wait()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	}
	select {
	case s.events <- Event{ContainerID: id, Exited: true, ExitCode: exitCode}:
	default:
	}
}

func (s *LocalSupervisor) Attach(ctx context.Context, ref Ref) (AttachedStream, error) {
	s.mu.Lock()
	p, ok := s.processes[ref.ID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("container: local: unknown ref %s", ref.ID)
	}
	return &localAttachedStream{f: p.pty}, nil
}

func (s *LocalSupervisor) Resize(ctx context.Context, ref Ref, cols, rows int) error {
	s.mu.Lock()
	p, ok := s.processes[ref.ID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("container: local: unknown ref %s", ref.ID)
	}
	return pty.Setsize(p.pty, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (s *LocalSupervisor) Destroy(ctx context.Context, ref Ref, reason string) error {
	s.mu.Lock()
	p, ok := s.processes[ref.ID]
	if ok {
		delete(s.processes, ref.ID)
	}
	s.mu.Unlock()
	if !ok {
		return nil // already destroyed — idempotent per spec.md §8
	}
	p.pty.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
	if p.cgroup != nil {
		if err := p.cgroup.Destroy(); err != nil {
			logger.Warn("local supervisor: cgroup cleanup failed", "containerId", ref.ID, "error", err)
		}
	}
	return nil
}

func (s *LocalSupervisor) Events() <-chan Event {
	return s.events
}

type localAttachedStream struct {
	f *os.File
}

func (l *localAttachedStream) Read(p []byte) (int, error)  { return l.f.Read(p) }
func (l *localAttachedStream) Write(p []byte) (int, error) { return l.f.Write(p) }
func (l *localAttachedStream) Close() error                { return nil } // PTY itself is closed by Destroy

// buildSysProcAttr sets namespace isolation flags, dropping to an
// unprivileged user namespace when not running as root so CLONE_NEWNS/
// CLONE_NEWPID/CLONE_NEWNET don't require CAP_SYS_ADMIN on the host.
// Adapted from the teacher's internal/sandbox/linux.go sysProcAttr(),
// minus the wrapper re-exec (this backend has no _deny_init equivalent).
func buildSysProcAttr(sessionID string) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setsid: true,
	}

	if !hasNamespaceCapability() {
		logger.Warn("local supervisor: no namespace capability, running without isolation", "sessionId", sessionID)
		return attr
	}

	attr.Cloneflags = syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWNET
	if os.Geteuid() != 0 {
		attr.Cloneflags |= syscall.CLONE_NEWUSER
		uid, gid := os.Getuid(), os.Getgid()
		attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: uid, HostID: uid, Size: 1}}
		attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: gid, HostID: gid, Size: 1}}
	}
	return attr
}

// hasNamespaceCapability reports whether the process can create the
// namespaces buildSysProcAttr asks for, either as root, via CAP_SYS_ADMIN,
// or via unprivileged user namespaces. Adapted from the teacher's
// internal/sandbox/linux.go hasNamespaceCapability()/probeUserNamespace().
func hasNamespaceCapability() bool {
	if os.Geteuid() == 0 {
		return true
	}
	var hdr unix.CapUserHeader
	var data unix.CapUserData
	hdr.Version = unix.LINUX_CAPABILITY_VERSION_1
	hdr.Pid = 0
	if err := unix.Capget(&hdr, &data); err == nil {
		if data.Effective&(1<<unix.CAP_SYS_ADMIN) != 0 {
			return true
		}
	}
	if val, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone"); err == nil {
		return strings.TrimSpace(string(val)) == "1"
	}
	return probeUserNamespace()
}

func probeUserNamespace() bool {
	cmd := exec.Command("true")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER,
		UidMappings: []syscall.SysProcIDMap{{
			ContainerID: os.Getuid(),
			HostID:      os.Getuid(),
			Size:        1,
		}},
		GidMappings: []syscall.SysProcIDMap{{
			ContainerID: os.Getgid(),
			HostID:      os.Getgid(),
			Size:        1,
		}},
	}
	return cmd.Run() == nil
}

// applyRlimits mirrors the container runtime's memory cap with a host
// RLIMIT_AS via prlimit(2), since the local backend has no cgroup-equivalent
// guarantee on platforms where newCgroupManager degrades to a no-op. The
// pids cap is not mirrored as an rlimit; only the cgroup enforces it.
// Adapted from the teacher's internal/sandbox/linux.go PostStart()/rlimits().
func applyRlimits(pid int, spec Spec) error {
	if spec.MemoryBytes <= 0 {
		return nil
	}
	mem := effectiveVirtualAddressLimit(spec.MemoryBytes)
	lim := unix.Rlimit{Cur: mem, Max: mem}
	if err := unix.Prlimit(pid, unix.RLIMIT_AS, &lim, nil); err != nil {
		return fmt.Errorf("prlimit RLIMIT_AS: %w", err)
	}
	return nil
}

// effectiveVirtualAddressLimit applies the JIT floor described above to a
// configured memory budget. Split out from applyRlimits so the floor logic
// is testable without a real prlimit(2) call.
func effectiveVirtualAddressLimit(memoryBytes int64) uint64 {
	mem := uint64(memoryBytes)
	if mem < minVirtualAddressSpace {
		return minVirtualAddressSpace
	}
	return mem
}
