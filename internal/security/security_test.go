package security

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeProfile(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "profile.json")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	return path
}

func TestVerifyAndMaterializeSeccompValid(t *testing.T) {
	path := writeProfile(t, t.TempDir(), `{"defaultAction":"SCMP_ACT_ERRNO","syscalls":[{"names":["read"],"action":"SCMP_ACT_ALLOW"}]}`)
	tempPath, err := verifyAndMaterializeSeccomp(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer os.Remove(tempPath)

	info, err := os.Stat(tempPath)
	if err != nil {
		t.Fatalf("stat temp file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("want mode 0600, got %o", info.Mode().Perm())
	}
}

func TestVerifyAndMaterializeSeccompMalformedJSON(t *testing.T) {
	path := writeProfile(t, t.TempDir(), `not json`)
	if _, err := verifyAndMaterializeSeccomp(path); err == nil {
		t.Fatalf("expected error for malformed JSON")
	}
}

func TestVerifyAndMaterializeSeccompMissingDefaultAction(t *testing.T) {
	path := writeProfile(t, t.TempDir(), `{"syscalls":[{"names":["read"]}]}`)
	if _, err := verifyAndMaterializeSeccomp(path); err == nil {
		t.Fatalf("expected error for missing defaultAction")
	}
}

func TestVerifyAndMaterializeSeccompNoSyscalls(t *testing.T) {
	path := writeProfile(t, t.TempDir(), `{"defaultAction":"SCMP_ACT_ERRNO","syscalls":[]}`)
	if _, err := verifyAndMaterializeSeccomp(path); err == nil {
		t.Fatalf("expected error for empty syscalls")
	}
}

func TestDomainProxyAllowsExactAndWildcard(t *testing.T) {
	p := &DomainProxy{
		domains:   map[string]bool{"api.example.com": true},
		wildcards: []string{".cdn.example.com"},
	}
	cases := map[string]bool{
		"api.example.com":        true,
		"api.example.com:443":    true,
		"assets.cdn.example.com": true,
		"evil.com":               false,
	}
	for host, want := range cases {
		if got := p.allowed(host); got != want {
			t.Errorf("allowed(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestDomainProxyRejectsNonConnect(t *testing.T) {
	p := &DomainProxy{domains: map[string]bool{}}
	req := httptest.NewRequest("GET", "http://example.com", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	if rec.Code != 405 {
		t.Fatalf("want 405 for non-CONNECT, got %d", rec.Code)
	}
}

func TestPermissivePolicyDegradesOnInvalidSeccomp(t *testing.T) {
	path := writeProfile(t, t.TempDir(), `not json`)
	policy := &PermissivePolicy{Options: Options{
		NetworkName:        "shellbox-test-net-does-not-matter",
		SeccompProfilePath: path,
	}}
	posture, err := policy.Init(context.Background())
	if err != nil {
		t.Fatalf("permissive policy should not return error: %v", err)
	}
	if !posture.Status.Degraded {
		t.Fatalf("expected status to be degraded")
	}
	if !posture.Status.Initialized {
		t.Fatalf("expected status to still report initialized")
	}
}
