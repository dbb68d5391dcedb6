// Package security verifies and applies the host-level security posture a
// session container runs under: the restricted Docker network, the seccomp
// and AppArmor profiles, and an optional egress domain allowlist. Grounded
// on the teacher's internal/sandbox package (EnforcementError, the
// network/profile verification shape) generalized from a one-shot CLI
// sandbox to a long-lived broker process with its own startup/shutdown
// lifecycle.
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"

	"github.com/shellbox/broker/internal/logger"
)

// Kind enumerates the ways security initialisation can fail, mirroring the
// teacher's EnforcementError shape: a typed error a caller branches on.
type Kind string

const (
	KindNetworkUnavailable Kind = "network_unavailable"
	KindSeccompInvalid     Kind = "seccomp_invalid"
	KindAppArmorMissing    Kind = "apparmor_missing"
)

type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("security: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Status is exposed to observability per spec.md §4.C10's
// getSecurityStatus(): initialized/degraded plus the resolved profile
// identifiers a container will actually run with.
type Status struct {
	Initialized     bool
	Degraded        bool
	NetworkName     string
	SeccompProfile  string // materialised temp file path, or ""
	AppArmorProfile string // verified profile name, or ""
}

// Options carries the Config fields C10 needs, kept narrow rather than
// depending on the whole config package.
type Options struct {
	NetworkName             string
	SeccompProfilePath      string
	AppArmorProfileName     string
	RequireHardenedSecurity bool
	EgressAllowedDomains    []string
}

// Policy is the C10 contract: one strict (production) and one permissive
// (development/ci) variant behind the same interface, so no conditional on
// EnvironmentProfile is sprinkled through the rest of the codebase.
type Policy interface {
	// Init verifies/creates the restricted network, verifies the seccomp
	// and AppArmor profiles, and starts the optional egress proxy. It
	// returns the resolved Status; the temp seccomp file and proxy (if
	// any) are owned by the returned Posture and released by Close.
	Init(ctx context.Context) (*Posture, error)
}

// Posture is the live result of a successful Init: the values a
// container.Spec needs, plus the resources to release on shutdown.
type Posture struct {
	Status Status

	seccompTempPath string
	proxy           *DomainProxy
}

// ProxyPort returns the egress proxy's loopback port, or 0 if no proxy is
// running (no EgressAllowedDomains configured, or it failed to start).
func (p *Posture) ProxyPort() int {
	if p == nil || p.proxy == nil {
		return 0
	}
	return p.proxy.Port()
}

// Close removes the materialised seccomp temp file and stops the egress
// proxy, per spec.md §4.C10's shutdown step ("remove the temp seccomp
// file; registered to fire on normal exit and on interrupt signals").
func (p *Posture) Close() error {
	if p == nil {
		return nil
	}
	if p.proxy != nil {
		p.proxy.Close()
	}
	if p.seccompTempPath != "" {
		return os.Remove(p.seccompTempPath)
	}
	return nil
}

// StrictPolicy fails startup fatally on any verification failure, for
// environmentProfile=production or requireHardenedSecurity=true.
type StrictPolicy struct{ Options Options }

// PermissivePolicy degrades rather than aborts on verification failure,
// for environmentProfile=development/ci, marking Status.Degraded instead.
type PermissivePolicy struct{ Options Options }

func NewPolicy(profile string, opts Options) Policy {
	if profile == "production" || opts.RequireHardenedSecurity {
		return &StrictPolicy{Options: opts}
	}
	return &PermissivePolicy{Options: opts}
}

func (p *StrictPolicy) Init(ctx context.Context) (*Posture, error) {
	return initPosture(ctx, p.Options, true)
}

func (p *PermissivePolicy) Init(ctx context.Context) (*Posture, error) {
	return initPosture(ctx, p.Options, false)
}

func initPosture(ctx context.Context, opts Options, strict bool) (*Posture, error) {
	status := Status{NetworkName: opts.NetworkName}

	netName, netErr := verifyOrCreateNetwork(ctx, opts.NetworkName)
	if netErr != nil {
		if strict {
			return nil, &Error{Kind: KindNetworkUnavailable, Err: netErr}
		}
		logger.Warn("security: restricted network unavailable, degrading", "error", netErr)
		status.Degraded = true
		status.NetworkName = ""
	} else {
		status.NetworkName = netName
	}

	var seccompTempPath string
	if opts.SeccompProfilePath != "" {
		tempPath, err := verifyAndMaterializeSeccomp(opts.SeccompProfilePath)
		if err != nil {
			if strict {
				return nil, &Error{Kind: KindSeccompInvalid, Err: err}
			}
			logger.Warn("security: seccomp profile invalid, degrading", "error", err)
			status.Degraded = true
		} else {
			seccompTempPath = tempPath
			status.SeccompProfile = tempPath
		}
	} else if strict {
		return nil, &Error{Kind: KindSeccompInvalid, Err: fmt.Errorf("seccomp profile required under requireHardenedSecurity")}
	}

	if opts.AppArmorProfileName != "" {
		if err := verifyAppArmorEnforced(opts.AppArmorProfileName); err != nil {
			if strict {
				return nil, &Error{Kind: KindAppArmorMissing, Err: err}
			}
			logger.Warn("security: apparmor profile not verified, degrading", "error", err)
			status.Degraded = true
		} else {
			status.AppArmorProfile = opts.AppArmorProfileName
		}
	} else if strict {
		return nil, &Error{Kind: KindAppArmorMissing, Err: fmt.Errorf("apparmor profile required under requireHardenedSecurity")}
	}

	var proxy *DomainProxy
	if len(opts.EgressAllowedDomains) > 0 {
		p, err := StartProxy(opts.EgressAllowedDomains)
		if err != nil {
			logger.Warn("security: egress proxy failed to start, continuing without egress restriction", "error", err)
		} else {
			proxy = p
		}
	}

	status.Initialized = true
	return &Posture{Status: status, seccompTempPath: seccompTempPath, proxy: proxy}, nil
}

// verifyOrCreateNetwork ensures the restricted bridge network named by
// networkName exists, with inter-container communication disabled and host
// binding limited to loopback, per spec.md §4.C10 step 1. It creates the
// network if absent.
func verifyOrCreateNetwork(ctx context.Context, networkName string) (string, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return "", fmt.Errorf("dial docker: %w", err)
	}
	defer cli.Close()

	existing, err := cli.NetworkInspect(ctx, networkName, network.InspectOptions{})
	if err == nil {
		// Docker enables ICC unless the option is explicitly "false".
		if existing.Options["com.docker.network.bridge.enable_icc"] != "false" {
			return "", fmt.Errorf("network %s has inter-container communication enabled", networkName)
		}
		if existing.Options["com.docker.network.bridge.host_binding_ipv4"] != "127.0.0.1" {
			return "", fmt.Errorf("network %s does not restrict host binding to loopback", networkName)
		}
		return existing.Name, nil
	}
	if !dockerclient.IsErrNotFound(err) {
		return "", fmt.Errorf("inspect network: %w", err)
	}

	resp, err := cli.NetworkCreate(ctx, networkName, network.CreateOptions{
		Driver: "bridge",
		Options: map[string]string{
			"com.docker.network.bridge.enable_icc":           "false",
			"com.docker.network.bridge.host_binding_ipv4":    "127.0.0.1",
		},
		Labels: map[string]string{"shellbox.managed": "true"},
	})
	if err != nil {
		return "", fmt.Errorf("create network: %w", err)
	}
	logger.Info("security: created restricted network", "network", networkName, "id", resp.ID)
	return networkName, nil
}

// seccompProfile is the minimal shape spec.md §4.C10 requires to be
// present: a default action and a syscall rule list. Extra fields in a
// real profile pass through untouched via json.RawMessage round-tripping
// being unnecessary here — we only need to validate shape, not rewrite it.
type seccompProfile struct {
	DefaultAction string        `json:"defaultAction"`
	Syscalls      []interface{} `json:"syscalls"`
}

// verifyAndMaterializeSeccomp reads and validates the profile at path, then
// writes it to a fresh 0600 temp file (the Docker CLI wants a filesystem
// path, and the broker should not depend on the source path's permissions).
func verifyAndMaterializeSeccomp(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read seccomp profile: %w", err)
	}
	var profile seccompProfile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return "", fmt.Errorf("seccomp profile not valid JSON: %w", err)
	}
	if profile.DefaultAction == "" {
		return "", fmt.Errorf("seccomp profile missing defaultAction")
	}
	if len(profile.Syscalls) == 0 {
		return "", fmt.Errorf("seccomp profile has no syscall rules")
	}

	f, err := os.CreateTemp("", "shellbox-seccomp-*.json")
	if err != nil {
		return "", fmt.Errorf("create seccomp temp file: %w", err)
	}
	defer f.Close()
	if err := f.Chmod(0o600); err != nil {
		return "", fmt.Errorf("chmod seccomp temp file: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		return "", fmt.Errorf("write seccomp temp file: %w", err)
	}
	return f.Name(), nil
}

// verifyAppArmorEnforced confirms the named profile is loaded on the host
// in enforce mode, per spec.md §4.C10 step 3. AppArmor exposes loaded
// profiles and their mode through /sys/kernel/security/apparmor/profiles;
// absence of that path (non-Linux dev machines, kernel built without
// AppArmor) is reported as an error for the caller to degrade on.
func verifyAppArmorEnforced(profileName string) error {
	data, err := os.ReadFile("/sys/kernel/security/apparmor/profiles")
	if err != nil {
		return fmt.Errorf("apparmor not available on this host: %w", err)
	}
	want := profileName + " (enforce)"
	for _, line := range splitLines(data) {
		if line == want {
			return nil
		}
	}
	return fmt.Errorf("apparmor profile %q not loaded in enforce mode", profileName)
}

func splitLines(data []byte) []string {
	var lines []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, string(data[start:i]))
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, string(data[start:]))
	}
	return lines
}
