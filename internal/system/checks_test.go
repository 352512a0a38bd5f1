package system

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/podtrace/eintrprobe/internal/config"
)

func TestKernelVersionAtLeast(t *testing.T) {
	tests := []struct {
		v            KernelVersion
		major, minor int
		want         bool
	}{
		{KernelVersion{6, 1, 0}, 4, 7, true},
		{KernelVersion{4, 7, 0}, 4, 7, true},
		{KernelVersion{4, 6, 9}, 4, 7, false},
		{KernelVersion{3, 19, 0}, 4, 7, false},
		{KernelVersion{5, 0, 0}, 4, 20, true},
	}
	for _, tt := range tests {
		if got := tt.v.AtLeast(tt.major, tt.minor); got != tt.want {
			t.Errorf("%s.AtLeast(%d, %d) = %v, want %v", tt.v, tt.major, tt.minor, got, tt.want)
		}
	}
}

func TestKernelVersionString(t *testing.T) {
	if got := (KernelVersion{6, 18, 44}).String(); got != "6.18.44" {
		t.Errorf("String() = %q", got)
	}
}

func TestParseVersionString(t *testing.T) {
	tests := []struct {
		input   string
		want    KernelVersion
		wantErr bool
	}{
		{"6.1.0-28-amd64", KernelVersion{6, 1, 0}, false},
		{"5.15.0-1030-aws", KernelVersion{5, 15, 0}, false},
		{"6.8.0+", KernelVersion{6, 8, 0}, false},
		{"4.19", KernelVersion{4, 19, 0}, false},
		{"not-a-version", KernelVersion{}, true},
		{"x.1", KernelVersion{}, true},
		{"6.y", KernelVersion{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseVersionString(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func withProcVersion(t *testing.T, content string) {
	t.Helper()
	dir := t.TempDir()
	if content != "" {
		if err := os.WriteFile(filepath.Join(dir, "version"), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	orig := config.ProcBasePath
	config.SetProcBasePath(dir)
	t.Cleanup(func() { config.SetProcBasePath(orig) })
}

func withTracefs(t *testing.T, present bool) {
	t.Helper()
	dir := t.TempDir()
	if present {
		if err := os.MkdirAll(filepath.Join(dir, "events", "signal", "signal_deliver"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	origTracefs, origDebugfs := config.TracefsBasePath, config.DebugfsBasePath
	config.SetTracefsBasePath(dir)
	config.SetDebugfsBasePath(filepath.Join(dir, "debug"))
	t.Cleanup(func() {
		config.SetTracefsBasePath(origTracefs)
		config.SetDebugfsBasePath(origDebugfs)
	})
}

func TestKernelVersionFromProc(t *testing.T) {
	withProcVersion(t, "Linux version 6.18.44-fc-v139 (builder@host) #1 SMP\n")
	got, err := KernelVersionFromProc()
	if err != nil {
		t.Fatalf("KernelVersionFromProc: %v", err)
	}
	if got != (KernelVersion{6, 18, 44}) {
		t.Errorf("got %v", got)
	}

	withProcVersion(t, "garbage\n")
	if _, err := KernelVersionFromProc(); err == nil {
		t.Error("expected error for a version file without a version field")
	}
}

func TestCheckAuditRequirements(t *testing.T) {
	tests := []struct {
		name       string
		version    string
		tracepoint bool
		wantErr    string
	}{
		{"supported", "Linux version 6.1.0-28-amd64 x", true, ""},
		{"old kernel", "Linux version 4.4.0 x", true, "requires Linux"},
		{"no tracepoint", "Linux version 6.1.0 x", false, "signal:signal_deliver"},
		{"unreadable version still checks tracepoint", "", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withProcVersion(t, tt.version)
			withTracefs(t, tt.tracepoint)

			err := CheckAuditRequirements()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestSignalDeliverTracepoint(t *testing.T) {
	withTracefs(t, true)
	path, ok := SignalDeliverTracepoint()
	if !ok {
		t.Fatal("expected tracepoint to be found")
	}
	if !strings.HasSuffix(path, filepath.Join("signal", "signal_deliver")) {
		t.Errorf("path = %q", path)
	}
}

func TestReadUname(t *testing.T) {
	u, err := ReadUname()
	if err != nil {
		t.Fatalf("ReadUname: %v", err)
	}
	if u.Sysname != "Linux" {
		t.Errorf("Sysname = %q, want Linux", u.Sysname)
	}
	if u.Release == "" || u.Machine == "" {
		t.Errorf("incomplete uname: %+v", u)
	}
}

func TestSelinuxEnforcing_SkipEnvVar(t *testing.T) {
	t.Setenv("EINTRPROBE_SKIP_SELINUX_CHECK", "1")
	if enforcing, how := selinuxEnforcing(); enforcing {
		t.Errorf("expected enforcing=false when skip env is set, got how=%q", how)
	}
}

func TestSelinuxEnforcing_CmdlineFallback(t *testing.T) {
	if _, err := os.Stat("/sys/fs/selinux/enforce"); err == nil {
		t.Skip("SELinux filesystem present")
	}
	t.Setenv("EINTRPROBE_SKIP_SELINUX_CHECK", "")

	dir := t.TempDir()
	orig := config.ProcBasePath
	config.SetProcBasePath(dir)
	defer config.SetProcBasePath(orig)

	if err := os.WriteFile(filepath.Join(dir, "cmdline"), []byte("BOOT_IMAGE=/vmlinuz ro quiet"), 0o644); err != nil {
		t.Fatal(err)
	}
	if enforcing, _ := selinuxEnforcing(); enforcing {
		t.Error("expected false without selinux kernel parameters")
	}

	if err := os.WriteFile(filepath.Join(dir, "cmdline"), []byte("ro security=selinux"), 0o644); err != nil {
		t.Fatal(err)
	}
	if enforcing, how := selinuxEnforcing(); !enforcing || how != "/proc/cmdline" {
		t.Errorf("expected cmdline detection, got %v %q", enforcing, how)
	}
}

func TestCheckSELinux_NoPanic(t *testing.T) {
	t.Setenv("EINTRPROBE_SKIP_SELINUX_CHECK", "1")
	CheckSELinux()
}
