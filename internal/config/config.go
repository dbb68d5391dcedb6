// Package config parses the broker's environment into an immutable Config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Profile selects the environment posture the broker runs under.
type Profile string

const (
	Development Profile = "development"
	CI          Profile = "ci"
	Production  Profile = "production"
)

func ParseProfile(s string) Profile {
	switch Profile(strings.ToLower(s)) {
	case CI:
		return CI
	case Production:
		return Production
	default:
		return Development
	}
}

// Config is the broker's immutable runtime configuration, materialised once
// at startup from SHELLBOX_-prefixed environment variables (cmd/shellboxd's
// flags cover logging only). Nothing downstream mutates it.
type Config struct {
	ListenAddress string

	MaxSessions              int
	MaxAnonymousSessions     int
	MaxAuthenticatedSessions int

	SessionOrphanGrace time.Duration
	SessionMaxIdle     time.Duration

	OutputBufferMaxLines int
	OutputBufferMaxBytes int

	EnableConnectionThrottling  bool
	MaxConnectionsPerIPPerMin   int
	ConnectionThrottleWindow    time.Duration
	MaxResumeAttemptsPerMinute  int

	OutputBandwidthBytesPerSec int
	OutputBandwidthBurstBytes  int

	ContainerImage       string
	ContainerNetworkName string
	ContainerMemoryBytes int64
	ContainerPidsLimit   int64
	ContainerCPUs        float64

	SeccompProfilePath     string
	AppArmorProfileName    string
	RequireHardenedSecurity bool
	EgressAllowedDomains   []string

	JWTPublicKeyPEM string
	RequirePasskey  bool
	// RPID, RPDisplayName and RPOrigin configure the WebAuthn relying party
	// when RequirePasskey is set; PasskeyCredentialsPath names a JSON file
	// of out-of-band-provisioned credentials to load at startup (see
	// SPEC_FULL.md §5).
	RPID                   string
	RPDisplayName          string
	RPOrigin               string
	PasskeyCredentialsPath string

	EnvironmentProfile Profile
}

// Default returns the baseline configuration before environment overlay,
// matching the numeric defaults named in spec.md §4.C1.
func Default() Config {
	return Config{
		ListenAddress: ":7777",

		MaxSessions:              500,
		MaxAnonymousSessions:     100,
		MaxAuthenticatedSessions: 400,

		SessionOrphanGrace: 5 * time.Minute,
		SessionMaxIdle:     30 * time.Minute,

		OutputBufferMaxLines: 10000,
		OutputBufferMaxBytes: 2 * 1024 * 1024,

		EnableConnectionThrottling: true,
		MaxConnectionsPerIPPerMin:  30,
		ConnectionThrottleWindow:   time.Minute,
		MaxResumeAttemptsPerMinute: 10,

		OutputBandwidthBytesPerSec: 0, // 0 = disabled
		OutputBandwidthBurstBytes:  65536,

		ContainerImage:       "shellbox/sandbox:latest",
		ContainerNetworkName: "shellbox-restricted",
		ContainerMemoryBytes: 512 * 1024 * 1024,
		ContainerPidsLimit:   128,
		ContainerCPUs:        1.0,

		RequireHardenedSecurity: false,

		RPDisplayName: "shellbox",

		EnvironmentProfile: Development,
	}
}

// Load builds a Config from Default() overlaid with SHELLBOX_-prefixed
// environment variables. No third-party env-parsing library is wired here:
// none of the pack's dependencies provide one, and a dozen os.Getenv/strconv
// calls carry less weight than pulling in a new dependency for it.
func Load() (Config, error) {
	c := Default()

	if v, ok := lookup("LISTEN_ADDRESS"); ok {
		c.ListenAddress = v
	}
	if err := setInt("MAX_SESSIONS", &c.MaxSessions); err != nil {
		return c, err
	}
	if err := setInt("MAX_ANONYMOUS_SESSIONS", &c.MaxAnonymousSessions); err != nil {
		return c, err
	}
	if err := setInt("MAX_AUTHENTICATED_SESSIONS", &c.MaxAuthenticatedSessions); err != nil {
		return c, err
	}
	if err := setDurationMs("SESSION_ORPHAN_GRACE_MS", &c.SessionOrphanGrace); err != nil {
		return c, err
	}
	if err := setDurationMs("SESSION_MAX_IDLE_MS", &c.SessionMaxIdle); err != nil {
		return c, err
	}
	if err := setInt("OUTPUT_BUFFER_MAX_LINES", &c.OutputBufferMaxLines); err != nil {
		return c, err
	}
	if err := setInt("OUTPUT_BUFFER_MAX_BYTES", &c.OutputBufferMaxBytes); err != nil {
		return c, err
	}
	if err := setBool("ENABLE_CONNECTION_THROTTLING", &c.EnableConnectionThrottling); err != nil {
		return c, err
	}
	if err := setInt("MAX_CONNECTIONS_PER_IP_PER_MINUTE", &c.MaxConnectionsPerIPPerMin); err != nil {
		return c, err
	}
	if err := setDurationMs("CONNECTION_THROTTLE_WINDOW_MS", &c.ConnectionThrottleWindow); err != nil {
		return c, err
	}
	if err := setInt("MAX_RESUME_ATTEMPTS_PER_SESSION_PER_MINUTE", &c.MaxResumeAttemptsPerMinute); err != nil {
		return c, err
	}
	if err := setInt("OUTPUT_BANDWIDTH_BYTES_PER_SEC", &c.OutputBandwidthBytesPerSec); err != nil {
		return c, err
	}
	if err := setInt("OUTPUT_BANDWIDTH_BURST_BYTES", &c.OutputBandwidthBurstBytes); err != nil {
		return c, err
	}
	if v, ok := lookup("CONTAINER_IMAGE"); ok {
		c.ContainerImage = v
	}
	if v, ok := lookup("CONTAINER_NETWORK_NAME"); ok {
		c.ContainerNetworkName = v
	}
	if err := setInt64("CONTAINER_MEMORY_BYTES", &c.ContainerMemoryBytes); err != nil {
		return c, err
	}
	if err := setInt64("CONTAINER_PIDS_LIMIT", &c.ContainerPidsLimit); err != nil {
		return c, err
	}
	if err := setFloat("CONTAINER_CPUS", &c.ContainerCPUs); err != nil {
		return c, err
	}
	if v, ok := lookup("SECCOMP_PROFILE_PATH"); ok {
		c.SeccompProfilePath = v
	}
	if v, ok := lookup("APPARMOR_PROFILE_NAME"); ok {
		c.AppArmorProfileName = v
	}
	if err := setBool("REQUIRE_HARDENED_SECURITY", &c.RequireHardenedSecurity); err != nil {
		return c, err
	}
	if v, ok := lookup("EGRESS_ALLOWED_DOMAINS"); ok && v != "" {
		c.EgressAllowedDomains = strings.Split(v, ",")
	}
	if v, ok := lookup("JWT_PUBLIC_KEY"); ok {
		c.JWTPublicKeyPEM = v
	}
	if err := setBool("REQUIRE_PASSKEY", &c.RequirePasskey); err != nil {
		return c, err
	}
	if v, ok := lookup("RP_ID"); ok {
		c.RPID = v
	}
	if v, ok := lookup("RP_DISPLAY_NAME"); ok {
		c.RPDisplayName = v
	}
	if v, ok := lookup("RP_ORIGIN"); ok {
		c.RPOrigin = v
	}
	if v, ok := lookup("PASSKEY_CREDENTIALS_PATH"); ok {
		c.PasskeyCredentialsPath = v
	}
	if v, ok := lookup("ENVIRONMENT_PROFILE"); ok {
		c.EnvironmentProfile = ParseProfile(v)
	}

	if c.EnvironmentProfile == Production {
		c.RequireHardenedSecurity = true
	}

	if c.RequirePasskey && c.RPID == "" {
		return c, fmt.Errorf("config: SHELLBOX_RP_ID is required when SHELLBOX_REQUIRE_PASSKEY is set")
	}

	return c, c.validate()
}

func (c Config) validate() error {
	if c.MaxAnonymousSessions+c.MaxAuthenticatedSessions < c.MaxSessions {
		return fmt.Errorf("config: per-class caps (%d+%d) must cover MAX_SESSIONS (%d)",
			c.MaxAnonymousSessions, c.MaxAuthenticatedSessions, c.MaxSessions)
	}
	if c.OutputBufferMaxLines <= 0 || c.OutputBufferMaxBytes <= 0 {
		return fmt.Errorf("config: output buffer caps must be positive")
	}
	return nil
}

func lookup(name string) (string, bool) {
	return os.LookupEnv("SHELLBOX_" + name)
}

func setInt(name string, dst *int) error {
	v, ok := lookup(name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: SHELLBOX_%s: %w", name, err)
	}
	*dst = n
	return nil
}

func setInt64(name string, dst *int64) error {
	v, ok := lookup(name)
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("config: SHELLBOX_%s: %w", name, err)
	}
	*dst = n
	return nil
}

func setFloat(name string, dst *float64) error {
	v, ok := lookup(name)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("config: SHELLBOX_%s: %w", name, err)
	}
	*dst = f
	return nil
}

func setBool(name string, dst *bool) error {
	v, ok := lookup(name)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: SHELLBOX_%s: %w", name, err)
	}
	*dst = b
	return nil
}

func setDurationMs(name string, dst *time.Duration) error {
	v, ok := lookup(name)
	if !ok {
		return nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: SHELLBOX_%s: %w", name, err)
	}
	*dst = time.Duration(ms) * time.Millisecond
	return nil
}
