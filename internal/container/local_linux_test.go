//go:build linux

package container

import "testing"

func TestEffectiveVirtualAddressLimit(t *testing.T) {
	cases := []struct {
		name   string
		memory int64
		want   uint64
	}{
		{"below floor bumps to floor", 512 * 1024 * 1024, minVirtualAddressSpace},
		{"at floor stays put", minVirtualAddressSpace, minVirtualAddressSpace},
		{"above floor passes through", 8 * 1024 * 1024 * 1024, 8 * 1024 * 1024 * 1024},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := effectiveVirtualAddressLimit(tc.memory); got != tc.want {
				t.Errorf("got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestApplyRlimitsNoopWithoutMemoryBudget(t *testing.T) {
	// No MemoryBytes configured: applyRlimits must not attempt a prlimit
	// call at all, so an invalid pid is harmless.
	if err := applyRlimits(-1, Spec{}); err != nil {
		t.Errorf("expected no-op when MemoryBytes is unset, got %v", err)
	}
}

func TestBuildSysProcAttrAlwaysSetsSid(t *testing.T) {
	attr := buildSysProcAttr("test-session")
	if !attr.Setsid {
		t.Error("buildSysProcAttr should always request a new session")
	}
}
