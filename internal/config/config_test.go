package config

import "testing"

func TestParseProfile(t *testing.T) {
	cases := map[string]Profile{
		"production":  Production,
		"PRODUCTION":  Production,
		"ci":          CI,
		"development": Development,
		"garbage":     Development,
		"":            Development,
	}
	for input, want := range cases {
		if got := ParseProfile(input); got != want {
			t.Errorf("ParseProfile(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestLoadOverlaysEnvironment(t *testing.T) {
	t.Setenv("SHELLBOX_MAX_SESSIONS", "10")
	t.Setenv("SHELLBOX_MAX_ANONYMOUS_SESSIONS", "4")
	t.Setenv("SHELLBOX_MAX_AUTHENTICATED_SESSIONS", "6")
	t.Setenv("SHELLBOX_ENVIRONMENT_PROFILE", "production")
	t.Setenv("SHELLBOX_EGRESS_ALLOWED_DOMAINS", "api.example.com,*.cdn.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxSessions != 10 {
		t.Errorf("MaxSessions = %d, want 10", cfg.MaxSessions)
	}
	if cfg.EnvironmentProfile != Production {
		t.Errorf("EnvironmentProfile = %q, want production", cfg.EnvironmentProfile)
	}
	if !cfg.RequireHardenedSecurity {
		t.Error("production profile must force RequireHardenedSecurity")
	}
	if len(cfg.EgressAllowedDomains) != 2 || cfg.EgressAllowedDomains[0] != "api.example.com" {
		t.Errorf("EgressAllowedDomains = %v", cfg.EgressAllowedDomains)
	}
}

func TestLoadRejectsInconsistentCaps(t *testing.T) {
	t.Setenv("SHELLBOX_MAX_SESSIONS", "100")
	t.Setenv("SHELLBOX_MAX_ANONYMOUS_SESSIONS", "10")
	t.Setenv("SHELLBOX_MAX_AUTHENTICATED_SESSIONS", "10")

	if _, err := Load(); err == nil {
		t.Error("expected an error when per-class caps don't cover MAX_SESSIONS")
	}
}

func TestLoadRejectsMalformedInt(t *testing.T) {
	t.Setenv("SHELLBOX_MAX_SESSIONS", "not-a-number")
	if _, err := Load(); err == nil {
		t.Error("expected an error for a malformed integer override")
	}
}

func TestDefaultPassesValidation(t *testing.T) {
	if err := Default().validate(); err != nil {
		t.Errorf("Default() config should be valid, got %v", err)
	}
}
