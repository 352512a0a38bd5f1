package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultSource             = "injector"
	DefaultSignal             = "SIGALRM"
	DefaultNoiseSignal        = "SIGCHLD"
	DefaultIterations         = 100000000
	DefaultProgressEvery      = 100000
	DefaultSnapshotEvery      = 1000000
	DefaultTimerPeriod        = 1 * time.Microsecond
	DefaultSpinIterations     = 1000
	DefaultShutdownGrace      = 100 * time.Millisecond
	DefaultInjectorStartWait  = 2 * time.Second
	DefaultSettleTimeout      = 100 * time.Millisecond
	DefaultCancelCheckEvery   = 4096
	DefaultDispatchBufferSize = 1024
	DefaultScratchEnabled     = true
	DefaultAuditEnabled       = false
	DefaultMetricsPort        = 3000
	DefaultMetricsHost        = "127.0.0.1"
	DefaultLogLevel           = "info"
	DefaultTracingEnabled     = false
	DefaultTracingSampleRate  = 1.0
	DefaultOTLPEndpoint       = "localhost:4318"
	DefaultVersion            = "v0.1.0"
)

const (
	SourceTimer    = "timer"
	SourceInjector = "injector"
	SourceNone     = "none"
)

const (
	MaxIterations      = 1 << 40
	MaxSpinIterations  = 1 << 24
	MaxShutdownGrace   = 10 * time.Second
	MinTimerPeriod     = 1 * time.Microsecond
	MaxTimerPeriod     = 1 * time.Second
	SiblingPathSuffix  = ".eintrprobe-absent"
	ScratchFilePrefix  = "eintrprobe-"
	ScratchFileSuffix  = ".scratch"
	DefaultFileMode    = 0600
	ExitCodeCompleted  = 0
	ExitCodeEarlyStop  = 1
	AuditMapMaxEntries = 4096
)

const (
	DefaultMetricsReadTimeout     = 5 * time.Second
	DefaultMetricsWriteTimeout    = 10 * time.Second
	DefaultMetricsShutdownTimeout = 5 * time.Second
	DefaultTracingShutdownTimeout = 5 * time.Second
	MaxRequestSize                = 1024 * 1024
	DefaultRateLimitPerSec        = 10
	DefaultRateLimitBurst         = 20
)

var (
	Source            = getEnvOrDefault("EINTRPROBE_SOURCE", DefaultSource)
	Signal            = getEnvOrDefault("EINTRPROBE_SIGNAL", DefaultSignal)
	NoiseSignal       = getEnvOrDefault("EINTRPROBE_NOISE_SIGNAL", DefaultNoiseSignal)
	Iterations        = getUint64EnvOrDefault("EINTRPROBE_ITERATIONS", DefaultIterations)
	ProgressEvery     = getUint64EnvOrDefault("EINTRPROBE_PROGRESS_EVERY", DefaultProgressEvery)
	SnapshotEvery     = getUint64EnvOrDefault("EINTRPROBE_SNAPSHOT_EVERY", DefaultSnapshotEvery)
	TimerPeriod       = getDurationEnvOrDefault("EINTRPROBE_TIMER_PERIOD", DefaultTimerPeriod)
	SpinIterations    = getIntEnvOrDefault("EINTRPROBE_SPIN", DefaultSpinIterations)
	ShutdownGrace     = getDurationEnvOrDefault("EINTRPROBE_SHUTDOWN_GRACE", DefaultShutdownGrace)
	InjectorStartWait = getDurationEnvOrDefault("EINTRPROBE_INJECTOR_START_WAIT", DefaultInjectorStartWait)
	SettleTimeout     = getDurationEnvOrDefault("EINTRPROBE_SETTLE_TIMEOUT", DefaultSettleTimeout)
	DispatchBuffer    = getIntEnvOrDefault("EINTRPROBE_DISPATCH_BUFFER", DefaultDispatchBufferSize)
	ScratchEnabled    = getBoolEnvOrDefault("EINTRPROBE_SCRATCH", DefaultScratchEnabled)
	ScratchDir        = getEnvOrDefault("EINTRPROBE_SCRATCH_DIR", os.TempDir())
	AuditEnabled      = getBoolEnvOrDefault("EINTRPROBE_AUDIT", DefaultAuditEnabled)
	TracingEnabled    = getBoolEnvOrDefault("EINTRPROBE_TRACING_ENABLED", DefaultTracingEnabled)
	TracingSampleRate = getFloatEnvOrDefault("EINTRPROBE_TRACING_SAMPLE_RATE", DefaultTracingSampleRate)
	OTLPEndpoint      = getEnvOrDefault("EINTRPROBE_OTLP_ENDPOINT", DefaultOTLPEndpoint)
	RateLimitPerSec   = getIntEnvOrDefault("EINTRPROBE_RATE_LIMIT_PER_SEC", DefaultRateLimitPerSec)
	RateLimitBurst    = getIntEnvOrDefault("EINTRPROBE_RATE_LIMIT_BURST", DefaultRateLimitBurst)
	TracefsBasePath   = getEnvOrDefault("EINTRPROBE_TRACEFS_BASE", "/sys/kernel/tracing")
	DebugfsBasePath   = getEnvOrDefault("EINTRPROBE_DEBUGFS_TRACING_BASE", "/sys/kernel/debug/tracing")
	ProcBasePath      = getEnvOrDefault("EINTRPROBE_PROC_BASE", "/proc")
	Version           = getEnvOrDefault("EINTRPROBE_VERSION", DefaultVersion)
)

func SetTracefsBasePath(path string) {
	TracefsBasePath = path
}

func SetDebugfsBasePath(path string) {
	DebugfsBasePath = path
}

func SetProcBasePath(path string) {
	ProcBasePath = path
}

// GetSignalDeliverTracepointPaths lists the locations where the
// signal:signal_deliver tracepoint may be exposed, tracefs first.
func GetSignalDeliverTracepointPaths() []string {
	return []string{
		filepath.Join(TracefsBasePath, "events", "signal", "signal_deliver"),
		filepath.Join(DebugfsBasePath, "events", "signal", "signal_deliver"),
	}
}

func GetProcVersionPath() string {
	return filepath.Join(ProcBasePath, "version")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getFloatEnvOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getIntEnvOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil && i > 0 {
			return i
		}
	}
	return defaultValue
}

func getUint64EnvOrDefault(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseUint(value, 10, 64); err == nil && i > 0 {
			return i
		}
	}
	return defaultValue
}

func getBoolEnvOrDefault(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return defaultValue
	}
}

func getDurationEnvOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func GetMetricsAddress() string {
	addr := os.Getenv("EINTRPROBE_METRICS_ADDR")
	if addr == "" {
		addr = DefaultMetricsHost + ":" + strconv.Itoa(DefaultMetricsPort)
	}
	return addr
}

func AllowNonLoopbackMetrics() bool {
	return os.Getenv("EINTRPROBE_METRICS_INSECURE_ALLOW_ANY_ADDR") == "1"
}

func GetVersion() string {
	return Version
}
