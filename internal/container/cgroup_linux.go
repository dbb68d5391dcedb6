//go:build linux

package container

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shellbox/broker/internal/logger"
)

// cgroupManager manages a cgroups v2 sub-cgroup for one local-backend
// session. Adapted from the teacher's internal/sandbox/cgroup_linux.go:
// same subtree_control/EBUSY-retry dance, renamed from the teacher's
// "wt-egg"/"wt-daemon" CLI-session naming to the broker's session id
// naming, and logging through the structured logger instead of the
// standard log package. Gives LocalSupervisor the resource enforcement
// the Docker backend gets for free from container.Resources.
type cgroupManager struct {
	path string
}

// newCgroupManager creates a cgroup v2 sub-cgroup with the given limits.
// Returns (nil, nil) if cgroups v2 is unavailable or permissions are
// insufficient — the caller falls back to no enforcement, and this
// function logs the reason as a warning rather than returning an error
// (LocalSupervisor is a development/ci-only backend, per spec.md §4.C6).
func newCgroupManager(sessionID string, memLimit uint64, pidLimit uint32) (*cgroupManager, error) {
	if memLimit == 0 && pidLimit == 0 {
		return nil, nil
	}

	if _, err := os.Stat("/sys/fs/cgroup/cgroup.controllers"); err != nil {
		logger.Warn("local supervisor: cgroups v2 not available, no resource enforcement", "sessionId", sessionID)
		return nil, nil
	}

	ownPath, err := readOwnCgroup()
	if err != nil {
		logger.Warn("local supervisor: cannot read own cgroup", "sessionId", sessionID, "error", err)
		return nil, nil
	}

	parentPath := filepath.Join("/sys/fs/cgroup", ownPath)
	cgroupPath := filepath.Join(parentPath, "shellbox-"+sessionID)

	if err := os.MkdirAll(cgroupPath, 0o755); err != nil {
		logger.Warn("local supervisor: cannot create cgroup", "sessionId", sessionID, "error", err)
		return nil, nil
	}

	var controllers []string
	if memLimit > 0 {
		controllers = append(controllers, "+memory")
	}
	if pidLimit > 0 {
		controllers = append(controllers, "+pids")
	}
	if err := enableControllers(parentPath, controllers); err != nil {
		os.Remove(cgroupPath)
		logger.Warn("local supervisor: cannot enable cgroup controllers", "sessionId", sessionID, "error", err)
		return nil, nil
	}

	if memLimit > 0 {
		if err := os.WriteFile(filepath.Join(cgroupPath, "memory.max"), []byte(fmt.Sprintf("%d", memLimit)), 0o644); err != nil {
			os.Remove(cgroupPath)
			logger.Warn("local supervisor: cannot set memory.max", "sessionId", sessionID, "error", err)
			return nil, nil
		}
	}
	if pidLimit > 0 {
		if err := os.WriteFile(filepath.Join(cgroupPath, "pids.max"), []byte(fmt.Sprintf("%d", pidLimit)), 0o644); err != nil {
			os.Remove(cgroupPath)
			logger.Warn("local supervisor: cannot set pids.max", "sessionId", sessionID, "error", err)
			return nil, nil
		}
	}

	return &cgroupManager{path: cgroupPath}, nil
}

// AddPID moves a process into this cgroup.
func (c *cgroupManager) AddPID(pid int) error {
	if c == nil {
		return nil
	}
	return os.WriteFile(filepath.Join(c.path, "cgroup.procs"), []byte(fmt.Sprintf("%d", pid)), 0o644)
}

// Destroy removes the cgroup. All processes must have exited first.
func (c *cgroupManager) Destroy() error {
	if c == nil {
		return nil
	}
	return os.Remove(c.path)
}

func parseCgroupV2Path(content string) (string, error) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "0::") {
			return line[3:], nil
		}
	}
	return "", fmt.Errorf("no cgroup v2 entry found")
}

func readOwnCgroup() (string, error) {
	data, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return "", fmt.Errorf("read /proc/self/cgroup: %w", err)
	}
	return parseCgroupV2Path(string(data))
}

// enableControllers writes to cgroup.subtree_control to enable
// controllers, retrying through a leaf "shellbox-daemon" cgroup if the
// parent has direct member processes (cgroups v2's "no internal
// processes" rule).
func enableControllers(parentPath string, controllers []string) error {
	if len(controllers) == 0 {
		return nil
	}
	payload := strings.Join(controllers, " ")
	controlPath := filepath.Join(parentPath, "cgroup.subtree_control")

	if err := os.WriteFile(controlPath, []byte(payload), 0o644); err == nil {
		return nil
	} else if !strings.Contains(err.Error(), "device or resource busy") {
		return err
	}

	daemonPath := filepath.Join(parentPath, "shellbox-daemon")
	if err := os.MkdirAll(daemonPath, 0o755); err != nil {
		return fmt.Errorf("create shellbox-daemon cgroup: %w", err)
	}
	if err := os.WriteFile(filepath.Join(daemonPath, "cgroup.procs"), []byte(fmt.Sprintf("%d", os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("move self to shellbox-daemon: %w", err)
	}

	return os.WriteFile(controlPath, []byte(payload), 0o644)
}
