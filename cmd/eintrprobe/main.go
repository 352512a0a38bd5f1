package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/podtrace/eintrprobe/internal/config"
	"github.com/podtrace/eintrprobe/internal/harness"
	"github.com/podtrace/eintrprobe/internal/logger"
	"github.com/podtrace/eintrprobe/internal/metricsexporter"
	"github.com/podtrace/eintrprobe/internal/signals"
	"github.com/podtrace/eintrprobe/internal/tracing"
	"github.com/podtrace/eintrprobe/internal/validation"
)

type runSettings struct {
	source        string
	signal        string
	noise         string
	interruptible bool
	iterations    uint64
	progressEvery uint64
	snapshotEvery uint64
	timerPeriod   time.Duration
	spin          int
	grace         time.Duration
	scratch       bool
	noScratch     bool
	scratchDir    string
	audit         bool
	quiet         bool
	metrics       bool
	tracing       bool
	otlpEndpoint  string
	sampleRate    float64
	logLevel      string
	configPath    string
}

var (
	settings runSettings
	exitCode int

	runFunc  func(context.Context, harness.Options) (*harness.Result, error)
	exitFunc func(int)
)

func init() {
	runFunc = harness.Run
	exitFunc = os.Exit
}

func main() {
	rootCmd := newRootCmd()
	rootCmd.AddCommand(newDiagnoseEnvCmd())

	if err := rootCmd.Execute(); err != nil {
		logger.Error("Command execution failed", zap.Error(err))
		logger.Sync()
		exitFunc(config.ExitCodeEarlyStop)
		return
	}
	logger.Sync()
	exitFunc(exitCode)
}

func newRootCmd() *cobra.Command {
	settings = runSettings{}
	rootCmd := &cobra.Command{
		Use:   "eintrprobe [interruptible]",
		Short: "Checks whether filesystem syscalls fail with EINTR under signal load",
		Long: `eintrprobe runs stat, create, close and unlink in a tight loop while a signal
source interrupts the calling thread, and stops at the first call that fails
with EINTR. Any positional argument clears SA_RESTART on the probe signal.`,
		Args:         cobra.MaximumNArgs(1),
		RunE:         runProbe,
		SilenceUsage: true,
	}

	f := rootCmd.Flags()
	f.StringVar(&settings.source, "source", config.Source, "Signal source (injector, timer, none)")
	f.StringVar(&settings.signal, "signal", config.Signal, "Probe signal")
	f.StringVar(&settings.noise, "noise-signal", config.NoiseSignal, "Signal the injector sends after each probe signal; empty disables")
	f.Uint64Var(&settings.iterations, "iterations", config.Iterations, "Maximum number of iterations")
	f.Uint64Var(&settings.progressEvery, "progress-every", config.ProgressEvery, "Print progress every N iterations; 0 disables")
	f.Uint64Var(&settings.snapshotEvery, "snapshot-every", config.SnapshotEvery, "Print counter snapshots every N iterations; 0 disables")
	f.DurationVar(&settings.timerPeriod, "timer-period", config.TimerPeriod, "Interval timer period for the timer source")
	f.IntVar(&settings.spin, "spin", config.SpinIterations, "Busy-loop iterations between injector sends")
	f.DurationVar(&settings.grace, "grace", config.ShutdownGrace, "How long to wait for the injector to stop")
	f.BoolVar(&settings.scratch, "scratch", config.ScratchEnabled, "Create, close and unlink a scratch file each iteration")
	f.BoolVar(&settings.noScratch, "no-scratch", false, "Shorthand for --scratch=false")
	f.StringVar(&settings.scratchDir, "scratch-dir", config.ScratchDir, "Directory for the scratch file")
	f.BoolVar(&settings.audit, "audit", config.AuditEnabled, "Count deliveries per thread in the kernel with eBPF (requires privileges)")
	f.BoolVarP(&settings.quiet, "quiet", "q", false, "Only print the outcome and summary")
	f.BoolVar(&settings.metrics, "metrics", false, "Enable Prometheus metrics server")
	f.BoolVar(&settings.tracing, "tracing", config.TracingEnabled, "Export a run span over OTLP")
	f.StringVar(&settings.otlpEndpoint, "tracing-otlp-endpoint", config.OTLPEndpoint, "OpenTelemetry OTLP endpoint")
	f.Float64Var(&settings.sampleRate, "tracing-sample-rate", config.TracingSampleRate, "Tracing sample rate (0.0-1.0)")
	f.StringVar(&settings.logLevel, "log-level", "", "Set log level (debug, info, warn, error, fatal). Overrides EINTRPROBE_LOG_LEVEL environment variable")
	f.StringVarP(&settings.configPath, "config", "c", "", "TOML profile; command-line flags take precedence")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if settings.logLevel != "" {
			logger.SetLevel(settings.logLevel)
		}
	}
	return rootCmd
}

func runProbe(cmd *cobra.Command, args []string) error {
	s, err := resolveSettings(cmd, args)
	if err != nil {
		return err
	}
	if s.logLevel != "" {
		logger.SetLevel(s.logLevel)
	}

	opts, err := buildOptions(s)
	if err != nil {
		return err
	}
	opts.Out = cmd.OutOrStdout()

	if s.metrics {
		srv, err := metricsexporter.StartServer()
		if err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer srv.Shutdown()
	}

	tm, err := tracing.NewManager(s.tracing, s.otlpEndpoint, s.sampleRate)
	if err != nil {
		logger.Warn("Failed to create tracing manager", zap.Error(err))
		tm, _ = tracing.NewManager(false, "", 0)
	}
	defer func() {
		if err := tm.Shutdown(context.Background()); err != nil {
			logger.Warn("Failed to flush traces", zap.Error(err))
		}
	}()
	opts.Tracing = tm

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := runFunc(ctx, opts)
	if err != nil {
		return err
	}
	exitCode = res.ExitCode
	return nil
}

// resolveSettings layers the profile named by --config under the flags the
// user set explicitly. Unset flags keep their environment-derived defaults
// unless the profile overrides them.
func resolveSettings(cmd *cobra.Command, args []string) (runSettings, error) {
	s := settings
	if s.configPath != "" {
		p, err := config.LoadProfile(s.configPath)
		if err != nil {
			return s, err
		}
		applyProfile(&s, p, cmd.Flags().Changed)
	}
	if s.noScratch {
		s.scratch = false
	}
	if signals.PolicyFromArgs(args) == signals.Interruptible {
		s.interruptible = true
	}
	return s, nil
}

func applyProfile(s *runSettings, p *config.Profile, changed func(string) bool) {
	set := func(flag string, ok bool) bool { return ok && !changed(flag) }

	if set("source", p.Source != "") {
		s.source = p.Source
	}
	if set("signal", p.Signal != "") {
		s.signal = p.Signal
	}
	if set("noise-signal", p.NoiseSignal != nil) {
		s.noise = *p.NoiseSignal
	}
	if p.Interruptible != nil {
		s.interruptible = *p.Interruptible
	}
	if set("iterations", p.Iterations != 0) {
		s.iterations = p.Iterations
	}
	if set("progress-every", p.ProgressEvery != 0) {
		s.progressEvery = p.ProgressEvery
	}
	if set("snapshot-every", p.SnapshotEvery != 0) {
		s.snapshotEvery = p.SnapshotEvery
	}
	if set("timer-period", p.TimerPeriod.Duration != 0) {
		s.timerPeriod = p.TimerPeriod.Duration
	}
	if set("spin", p.Spin != 0) {
		s.spin = p.Spin
	}
	if set("grace", p.Grace.Duration != 0) {
		s.grace = p.Grace.Duration
	}
	if set("scratch", p.Scratch != nil) {
		s.scratch = *p.Scratch
	}
	if set("scratch-dir", p.ScratchDir != "") {
		s.scratchDir = p.ScratchDir
	}
	if set("audit", p.Audit != nil) {
		s.audit = *p.Audit
	}
	if set("log-level", p.LogLevel != "") {
		s.logLevel = p.LogLevel
	}
	if set("tracing", p.Tracing != nil) {
		s.tracing = *p.Tracing
	}
	if set("tracing-otlp-endpoint", p.OTLPEndpoint != "") {
		s.otlpEndpoint = p.OTLPEndpoint
	}
	if set("tracing-sample-rate", p.SampleRate != nil) {
		s.sampleRate = *p.SampleRate
	}
}

func buildOptions(s runSettings) (harness.Options, error) {
	opts := harness.DefaultOptions()

	if err := validation.ValidateSource(s.source); err != nil {
		return opts, fmt.Errorf("invalid source: %w", err)
	}
	sig, err := validation.ValidateSignal(s.signal, false)
	if err != nil {
		return opts, fmt.Errorf("invalid signal: %w", err)
	}
	noise, err := validation.ValidateSignal(s.noise, true)
	if err != nil {
		return opts, fmt.Errorf("invalid noise signal: %w", err)
	}
	if err := validation.ValidateSourceSignal(s.source, sig, noise); err != nil {
		return opts, err
	}
	if err := validation.ValidateIterations(s.iterations); err != nil {
		return opts, fmt.Errorf("invalid iterations: %w", err)
	}
	if err := validation.ValidateModuli(s.progressEvery, s.snapshotEvery); err != nil {
		return opts, err
	}
	if s.source == config.SourceTimer {
		if err := validation.ValidateTimerPeriod(s.timerPeriod); err != nil {
			return opts, fmt.Errorf("invalid timer period: %w", err)
		}
	}
	if err := validation.ValidateSpin(s.spin); err != nil {
		return opts, fmt.Errorf("invalid spin: %w", err)
	}
	if err := validation.ValidateGrace(s.grace); err != nil {
		return opts, fmt.Errorf("invalid grace: %w", err)
	}
	if s.scratch {
		if err := validation.ValidateScratchDir(s.scratchDir); err != nil {
			return opts, fmt.Errorf("invalid scratch directory: %w", err)
		}
	}
	if s.tracing {
		if err := validation.ValidateSampleRate(s.sampleRate); err != nil {
			return opts, fmt.Errorf("invalid tracing sample rate: %w", err)
		}
		if err := validation.ValidateOTLPEndpoint(s.otlpEndpoint); err != nil {
			return opts, fmt.Errorf("invalid tracing endpoint: %w", err)
		}
	}

	opts.Source = s.source
	opts.Signal = sig
	opts.Noise = noise
	opts.Policy = signals.AutoRestart
	if s.interruptible {
		opts.Policy = signals.Interruptible
	}
	opts.Iterations = s.iterations
	opts.ProgressEvery = s.progressEvery
	opts.SnapshotEvery = s.snapshotEvery
	opts.TimerPeriod = s.timerPeriod
	opts.Spin = s.spin
	opts.Grace = s.grace
	opts.Scratch = s.scratch
	opts.ScratchDir = s.scratchDir
	opts.Audit = s.audit
	opts.Quiet = s.quiet
	return opts, nil
}
