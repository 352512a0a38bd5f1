package validation

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/podtrace/eintrprobe/internal/config"
	"github.com/podtrace/eintrprobe/internal/signals"
)

var (
	signalNameRegex     = regexp.MustCompile(`^(?i)(SIG)?[A-Z0-9+-]{2,12}$`)
	maxSignalNameLength = 16
	maxEndpointLength   = 253
)

// Signals the probe must never claim.
var reservedSignals = map[syscall.Signal]string{
	syscall.SIGINT:  "is reserved for stopping the run",
	syscall.SIGTERM: "is reserved for stopping the run",
	syscall.SIGKILL: "cannot be caught",
	syscall.SIGSTOP: "cannot be caught",
	syscall.SIGURG:  "is used by the Go runtime for preemption",
	syscall.SIGSEGV: "is a synchronous fault signal",
	syscall.SIGBUS:  "is a synchronous fault signal",
	syscall.SIGFPE:  "is a synchronous fault signal",
	syscall.SIGILL:  "is a synchronous fault signal",
}

func ValidateIterations(n uint64) error {
	if n == 0 {
		return fmt.Errorf("iterations must be at least 1")
	}
	if n > config.MaxIterations {
		return fmt.Errorf("iterations cannot exceed %d", uint64(config.MaxIterations))
	}
	return nil
}

// ValidateModuli checks the progress and snapshot cadence. Zero disables the
// corresponding report.
func ValidateModuli(progressEvery, snapshotEvery uint64) error {
	if progressEvery > config.MaxIterations {
		return fmt.Errorf("progress interval cannot exceed %d", uint64(config.MaxIterations))
	}
	if snapshotEvery > config.MaxIterations {
		return fmt.Errorf("snapshot interval cannot exceed %d", uint64(config.MaxIterations))
	}
	return nil
}

func ValidateSource(kind string) error {
	switch kind {
	case config.SourceInjector, config.SourceTimer, config.SourceNone:
		return nil
	case "":
		return fmt.Errorf("signal source cannot be empty")
	default:
		return fmt.Errorf("invalid signal source: %s (valid: injector, timer, none)", kind)
	}
}

// ValidateSignal parses name and rejects signals the probe cannot own. An
// empty name is only allowed when optional is set.
func ValidateSignal(name string, optional bool) (syscall.Signal, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		if optional {
			return 0, nil
		}
		return 0, fmt.Errorf("signal name cannot be empty")
	}
	if len(name) > maxSignalNameLength {
		return 0, fmt.Errorf("signal name exceeds maximum length of %d characters", maxSignalNameLength)
	}
	if !signalNameRegex.MatchString(name) {
		return 0, fmt.Errorf("signal name %q is malformed", name)
	}
	sig, err := signals.ParseSignal(name)
	if err != nil {
		return 0, err
	}
	if reason, ok := reservedSignals[sig]; ok {
		return 0, fmt.Errorf("%s %s", signals.SignalName(sig), reason)
	}
	return sig, nil
}

// ValidateSourceSignal checks the pairing of source, probe signal and noise.
func ValidateSourceSignal(kind string, sig, noise syscall.Signal) error {
	if kind == config.SourceTimer && sig != syscall.SIGALRM {
		return fmt.Errorf("timer source delivers SIGALRM, got %s", signals.SignalName(sig))
	}
	if noise != 0 && noise == sig {
		return fmt.Errorf("noise signal must differ from the probe signal")
	}
	return nil
}

func ValidateTimerPeriod(d time.Duration) error {
	if d < config.MinTimerPeriod {
		return fmt.Errorf("timer period must be at least %v", config.MinTimerPeriod)
	}
	if d > config.MaxTimerPeriod {
		return fmt.Errorf("timer period cannot exceed %v", config.MaxTimerPeriod)
	}
	return nil
}

func ValidateGrace(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("shutdown grace must be non-negative")
	}
	if d > config.MaxShutdownGrace {
		return fmt.Errorf("shutdown grace cannot exceed %v", config.MaxShutdownGrace)
	}
	return nil
}

func ValidateSpin(n int) error {
	if n < 0 {
		return fmt.Errorf("spin must be non-negative")
	}
	if n > config.MaxSpinIterations {
		return fmt.Errorf("spin cannot exceed %d", config.MaxSpinIterations)
	}
	return nil
}

func ValidateSampleRate(rate float64) error {
	if rate < 0 || rate > 1 {
		return fmt.Errorf("tracing sample rate must be between 0 and 1")
	}
	return nil
}

func ValidateOTLPEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("OTLP endpoint cannot be empty")
	}
	if len(endpoint) > maxEndpointLength {
		return fmt.Errorf("OTLP endpoint exceeds maximum length of %d characters", maxEndpointLength)
	}
	if strings.Contains(endpoint, "://") {
		return fmt.Errorf("OTLP endpoint must be host:port without a scheme")
	}
	if _, _, err := net.SplitHostPort(endpoint); err != nil {
		return fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}
	return nil
}

// ValidateScratchDir only applies when scratch operations are enabled.
func ValidateScratchDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("scratch directory cannot be empty")
	}
	if strings.ContainsRune(dir, 0) {
		return fmt.Errorf("scratch directory contains a NUL byte")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("scratch directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("scratch directory %s is not a directory", dir)
	}
	return nil
}
