package harness

import (
	"context"
	"io"
	"os"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/podtrace/eintrprobe/internal/audit"
	"github.com/podtrace/eintrprobe/internal/config"
	"github.com/podtrace/eintrprobe/internal/logger"
	"github.com/podtrace/eintrprobe/internal/metricsexporter"
	"github.com/podtrace/eintrprobe/internal/prober"
	"github.com/podtrace/eintrprobe/internal/progress"
	"github.com/podtrace/eintrprobe/internal/shutdown"
	"github.com/podtrace/eintrprobe/internal/signals"
	"github.com/podtrace/eintrprobe/internal/source"
	"github.com/podtrace/eintrprobe/internal/system"
	"github.com/podtrace/eintrprobe/internal/tracing"
)

type Options struct {
	Source string
	Policy signals.RestartPolicy
	Signal syscall.Signal
	// Noise is sent by the injector after each probe signal. Zero disables it.
	Noise syscall.Signal

	Iterations    uint64
	ProgressEvery uint64
	SnapshotEvery uint64

	TimerPeriod    time.Duration
	Spin           int
	Grace          time.Duration
	StartWait      time.Duration
	SettleTimeout  time.Duration
	DispatchBuffer int

	Scratch    bool
	ScratchDir string
	Audit      bool

	Out     io.Writer
	Quiet   bool
	Ops     prober.Ops
	Tracing *tracing.Manager

	// ExpectedThread replaces the recorded prober thread identity in the
	// accountant. Signals are still aimed at the real prober thread.
	ExpectedThread signals.ThreadID
}

// DefaultOptions returns options populated from the config package.
func DefaultOptions() Options {
	return Options{
		Source:         config.Source,
		Policy:         signals.AutoRestart,
		Signal:         syscall.SIGALRM,
		Noise:          syscall.SIGCHLD,
		Iterations:     config.Iterations,
		ProgressEvery:  config.ProgressEvery,
		SnapshotEvery:  config.SnapshotEvery,
		TimerPeriod:    config.TimerPeriod,
		Spin:           config.SpinIterations,
		Grace:          config.ShutdownGrace,
		StartWait:      config.InjectorStartWait,
		SettleTimeout:  config.SettleTimeout,
		DispatchBuffer: config.DispatchBuffer,
		Scratch:        config.ScratchEnabled,
		ScratchDir:     config.ScratchDir,
		Audit:          config.AuditEnabled,
		Out:            os.Stdout,
	}
}

type Result struct {
	RunID        uuid.UUID
	ProberThread signals.ThreadID
	Outcome      prober.Outcome
	// Final is read after the handler is stopped and includes deliveries
	// that landed after the loop ended.
	Final signals.Snapshot
	Sends uint64
	// Deliveries combines Final, Sends and the audit figures. It is what the
	// run reports as its delivery totals.
	Deliveries signals.Deliveries
	SourceErr  error
	Audit      *audit.Report
	Elapsed    time.Duration
	ExitCode   int
}

// ExitCode maps an outcome to the process exit status. Detection and
// failure share a status.
func ExitCode(out prober.Outcome) int {
	if out.Kind == prober.Completed {
		return config.ExitCodeCompleted
	}
	return config.ExitCodeEarlyStop
}

// Run performs one probe run on the calling goroutine, which is locked to its
// OS thread for the duration. A *SetupError is returned when the run could
// not start; otherwise the outcome is in the Result.
func Run(ctx context.Context, opts Options) (*Result, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	start := time.Now()
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Signal == 0 {
		opts.Signal = syscall.SIGALRM
	}
	tm := opts.Tracing
	if tm == nil {
		tm, _ = tracing.NewManager(false, "", 0)
	}

	res := &Result{
		RunID:        uuid.New(),
		ProberThread: signals.CurrentThread(),
		ExitCode:     config.ExitCodeEarlyStop,
	}
	expected := res.ProberThread
	if opts.ExpectedThread != signals.NoThread {
		expected = opts.ExpectedThread
	}
	sigName := signals.SignalName(opts.Signal)

	ctx, span := tm.StartRun(ctx, tracing.RunAttributes{
		RunID:        res.RunID.String(),
		Source:       opts.Source,
		Policy:       opts.Policy.String(),
		Signal:       sigName,
		Iterations:   opts.Iterations,
		PID:          os.Getpid(),
		ProberThread: int(res.ProberThread),
	})
	setupFailed := func(stage string, err error) (*Result, error) {
		metricsexporter.RecordSetupFailure(stage)
		span.SetupFailed(stage, err)
		logger.Error("Probe setup failed", zap.String("stage", stage), zap.Error(err))
		return res, NewSetupError(stage, err)
	}

	paths, err := prober.ResolvePaths(opts.ScratchDir, res.RunID, opts.Scratch)
	if err != nil {
		return setupFailed(StagePaths, err)
	}

	acct := signals.NewAccountant(expected)
	coord := shutdown.NewCoordinator(opts.Grace)

	noise := syscall.Signal(0)
	if opts.Source == config.SourceInjector {
		noise = opts.Noise
	}
	src, err := source.New(source.Config{
		Kind:        opts.Source,
		Target:      res.ProberThread,
		Signal:      opts.Signal,
		Noise:       noise,
		Spin:        opts.Spin,
		Period:      opts.TimerPeriod,
		StartWait:   opts.StartWait,
		Coordinator: coord,
	})
	if err != nil {
		return setupFailed(StageSource, err)
	}

	handler, err := signals.Install(acct, signals.HandlerConfig{
		Signal:     opts.Signal,
		Noise:      noise,
		Policy:     opts.Policy,
		Attribute:  src.Attribute,
		BufferSize: opts.DispatchBuffer,
	})
	if err != nil {
		return setupFailed(StageHandler, err)
	}
	defer func() {
		if err := handler.Stop(); err != nil {
			logger.Warn("Failed to restore signal handling", zap.Error(err))
		}
	}()

	metricsexporter.Bind(acct.Snapshot, src.Sends)
	metricsexporter.RecordRunInfo(src.Kind(), opts.Policy, sigName)

	var aud *audit.Audit
	if opts.Audit {
		aud = startAudit(opts.Signal)
	}

	if err := src.Start(); err != nil {
		if aud != nil {
			_ = aud.Close()
		}
		return setupFailed(StageStart, err)
	}
	span.Event("source started", attribute.String("eintrprobe.source", src.Kind()))

	logger.Info("Probe run started",
		zap.String("run_id", res.RunID.String()),
		zap.String("source", src.Kind()),
		zap.Stringer("policy", opts.Policy),
		zap.String("signal", sigName),
		zap.Stringer("prober_thread", res.ProberThread),
		zap.Stringer("expected_thread", expected))

	reporter := progress.NewReporter(opts.Out, opts.Quiet)
	reporter.Start(opts.Policy, src.Kind(), opts.Iterations)
	p := prober.New(opts.Ops, acct, observers{reporter, metricsexporter.ProgressObserver{}}, prober.Config{
		Iterations:    opts.Iterations,
		ProgressEvery: opts.ProgressEvery,
		SnapshotEvery: opts.SnapshotEvery,
		SettleTimeout: opts.SettleTimeout,
		Paths:         paths,
	})
	res.Outcome = p.Run(ctx)

	coord.RequestShutdown()
	if err := src.Stop(); err != nil {
		res.SourceErr = err
		logger.Error("Signal source reported an error", zap.String("source", src.Kind()), zap.Error(err))
	}
	if err := handler.Stop(); err != nil {
		logger.Warn("Failed to restore signal handling", zap.Error(err))
	}
	res.Final = acct.Snapshot()
	res.Sends = src.Sends()

	if aud != nil {
		if report, err := aud.Report(res.ProberThread); err != nil {
			logger.Warn("Failed to read delivery audit", zap.Error(err))
		} else {
			res.Audit = &report
			metricsexporter.RecordAudit(report.ProberThread, report.OtherThreads)
		}
		if err := aud.Close(); err != nil {
			logger.Warn("Failed to detach delivery audit", zap.Error(err))
		}
	}

	res.Deliveries = signals.Deliveries{
		Sends:    res.Sends,
		Observed: res.Final.Signals,
		Noise:    res.Final.Noise,
	}
	if res.Audit != nil {
		res.Deliveries.Audited = true
		res.Deliveries.KernelProber = res.Audit.ProberThread
		res.Deliveries.KernelOther = res.Audit.OtherThreads
	}

	reporter.Outcome(res.Outcome)
	reporter.Summary(progress.Summary{
		Iterations: res.Outcome.Iteration,
		Deliveries: res.Deliveries,
	})

	metricsexporter.RecordOutcome(res.Outcome)
	span.End(res.Outcome, res.Deliveries)

	res.Elapsed = time.Since(start)
	res.ExitCode = ExitCode(res.Outcome)
	logger.Info("Probe run finished",
		zap.String("run_id", res.RunID.String()),
		zap.Stringer("outcome", res.Outcome.Kind),
		zap.Uint64("iteration", res.Outcome.Iteration),
		zap.Uint64("deliveries_observed", res.Final.Signals),
		zap.Uint64("sends", res.Sends),
		zap.Bool("audited", res.Deliveries.Audited),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

func startAudit(sig syscall.Signal) *audit.Audit {
	system.CheckSELinux()
	if err := system.CheckAuditRequirements(); err != nil {
		logger.Warn("Delivery audit unavailable", zap.Error(err))
		return nil
	}
	aud, err := audit.Start(sig)
	if err != nil {
		logger.Warn("Delivery audit unavailable", zap.Error(err))
		return nil
	}
	return aud
}

type observers []prober.Observer

func (o observers) Progress(iteration uint64) {
	for _, obs := range o {
		obs.Progress(iteration)
	}
}

func (o observers) Snapshot(iteration uint64, snap signals.Snapshot) {
	for _, obs := range o {
		obs.Snapshot(iteration, snap)
	}
}
