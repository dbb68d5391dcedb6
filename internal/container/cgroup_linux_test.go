//go:build linux

package container

import "testing"

func TestParseCgroupV2Path(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{
			name:    "unified hierarchy",
			content: "0::/user.slice/user-1000.slice/session-1.scope\n",
			want:    "/user.slice/user-1000.slice/session-1.scope",
		},
		{
			name:    "trailing blank lines",
			content: "0::/\n\n",
			want:    "/",
		},
		{
			name:    "hybrid hierarchy without a 0:: line",
			content: "1:name=systemd:/user.slice\n",
			wantErr: true,
		},
		{
			name:    "empty",
			content: "",
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseCgroupV2Path(tc.content)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected an error, got path %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewCgroupManagerNoopWhenNoLimits(t *testing.T) {
	mgr, err := newCgroupManager("test-session", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mgr != nil {
		t.Errorf("expected nil manager when no limits are configured, got %+v", mgr)
	}
}

func TestCgroupManagerNilReceiverIsSafe(t *testing.T) {
	var mgr *cgroupManager
	if err := mgr.AddPID(1); err != nil {
		t.Errorf("AddPID on nil manager should be a no-op, got %v", err)
	}
	if err := mgr.Destroy(); err != nil {
		t.Errorf("Destroy on nil manager should be a no-op, got %v", err)
	}
}
