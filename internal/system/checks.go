package system

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/podtrace/eintrprobe/internal/config"
	"github.com/podtrace/eintrprobe/internal/logger"
)

// Tracepoint programs attached through perf events need 4.7.
const (
	minAuditKernelMajor = 4
	minAuditKernelMinor = 7
)

// KernelVersion holds the parsed major.minor.patch kernel version.
type KernelVersion struct {
	Major int
	Minor int
	Patch int
}

func (v KernelVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// AtLeast returns true if v >= major.minor.
func (v KernelVersion) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

// Uname is the subset of uname(2) reported by diagnose-env.
type Uname struct {
	Sysname string `json:"sysname"`
	Release string `json:"release"`
	Version string `json:"version"`
	Machine string `json:"machine"`
}

func ReadUname() (Uname, error) {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return Uname{}, fmt.Errorf("uname: %w", err)
	}
	return Uname{
		Sysname: unix.ByteSliceToString(u.Sysname[:]),
		Release: unix.ByteSliceToString(u.Release[:]),
		Version: unix.ByteSliceToString(u.Version[:]),
		Machine: unix.ByteSliceToString(u.Machine[:]),
	}, nil
}

// CheckAuditRequirements reports why the kernel delivery audit cannot run,
// or nil when it may. The audit is optional, so callers log the error and
// continue without it.
func CheckAuditRequirements() error {
	kv, err := parseKernelVersion()
	if err != nil {
		logger.Warn("Could not parse kernel version; proceeding anyway", zap.Error(err))
	} else if !kv.AtLeast(minAuditKernelMajor, minAuditKernelMinor) {
		return fmt.Errorf("delivery audit requires Linux %d.%d+, running on %s",
			minAuditKernelMajor, minAuditKernelMinor, kv)
	}

	if _, ok := SignalDeliverTracepoint(); !ok {
		return fmt.Errorf("tracepoint signal:signal_deliver not found under %s; mount tracefs or set EINTRPROBE_TRACEFS_BASE",
			config.TracefsBasePath)
	}

	if os.Geteuid() != 0 {
		logger.Debug("Not running as root; loading the audit program needs CAP_BPF and CAP_PERFMON")
	}
	return nil
}

// SignalDeliverTracepoint returns the first directory exposing the
// signal:signal_deliver tracepoint.
func SignalDeliverTracepoint() (string, bool) {
	for _, p := range config.GetSignalDeliverTracepointPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

// CheckSELinux warns when SELinux is enforcing, since it can deny bpf(2)
// with a bare EACCES.
func CheckSELinux() {
	enforcing, how := selinuxEnforcing()
	if !enforcing {
		return
	}
	logger.Warn(
		"SELinux is in Enforcing mode (detected via " + how + "). " +
			"This may block loading the delivery audit program.\n" +
			"  Run 'sudo setenforce 0' temporarily or run without --audit.\n" +
			"  Set EINTRPROBE_SKIP_SELINUX_CHECK=1 to suppress this warning.")
}

// KernelVersionFromProc parses the running kernel version from /proc/version.
func KernelVersionFromProc() (KernelVersion, error) {
	return parseKernelVersion()
}

// parseKernelVersion handles forms like:
//   - "Linux version 6.1.0-28-amd64 ..."
//   - "Linux version 5.15.0-1030-aws ..."
func parseKernelVersion() (KernelVersion, error) {
	path := config.GetProcVersionPath()
	data, err := os.ReadFile(path)
	if err != nil {
		return KernelVersion{}, fmt.Errorf("read %s: %w", path, err)
	}

	fields := strings.Fields(string(data))
	for i, f := range fields {
		if strings.ToLower(f) == "version" && i+1 < len(fields) {
			return parseVersionString(fields[i+1])
		}
	}
	return KernelVersion{}, fmt.Errorf("could not find version field in %s", path)
}

func parseVersionString(s string) (KernelVersion, error) {
	// Strip anything after '-' (distro suffix) or '+' (local build suffix).
	for _, sep := range []string{"-", "+"} {
		if idx := strings.Index(s, sep); idx >= 0 {
			s = s[:idx]
		}
	}
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return KernelVersion{}, fmt.Errorf("unexpected version string %q", s)
	}

	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return KernelVersion{}, fmt.Errorf("parse major from %q: %w", s, err)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return KernelVersion{}, fmt.Errorf("parse minor from %q: %w", s, err)
	}
	patch := 0
	if len(parts) >= 3 {
		patch, _ = strconv.Atoi(parts[2])
	}
	return KernelVersion{Major: major, Minor: minor, Patch: patch}, nil
}

func selinuxEnforcing() (bool, string) {
	if os.Getenv("EINTRPROBE_SKIP_SELINUX_CHECK") == "1" {
		return false, ""
	}

	if data, err := os.ReadFile("/sys/fs/selinux/enforce"); err == nil {
		if strings.TrimSpace(string(data)) == "1" {
			return true, "/sys/fs/selinux/enforce"
		}
		return false, ""
	}

	if data, err := os.ReadFile(config.ProcBasePath + "/cmdline"); err == nil {
		cmdline := string(data)
		if strings.Contains(cmdline, "security=selinux") || strings.Contains(cmdline, "selinux=1") {
			return true, "/proc/cmdline"
		}
	}

	return false, ""
}
