package prober

import (
	"context"
	"errors"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/podtrace/eintrprobe/internal/config"
	"github.com/podtrace/eintrprobe/internal/logger"
	"github.com/podtrace/eintrprobe/internal/signals"
)

// Observer receives the periodic progress of a run. It is called on the
// prober thread between iterations.
type Observer interface {
	Progress(iteration uint64)
	Snapshot(iteration uint64, snap signals.Snapshot)
}

type Config struct {
	Iterations    uint64
	ProgressEvery uint64
	SnapshotEvery uint64
	// SettleTimeout bounds the wait for the first delivery to be counted
	// after an interruption is seen.
	SettleTimeout time.Duration
	// CancelCheckEvery is how often ctx is polled, independent of
	// ProgressEvery. Zero selects config.DefaultCancelCheckEvery.
	CancelCheckEvery uint64
	Paths            Paths
}

type Prober struct {
	ops      Ops
	acct     *signals.Accountant
	observer Observer
	cfg      Config
}

func New(ops Ops, acct *signals.Accountant, observer Observer, cfg Config) *Prober {
	if ops == nil {
		ops = SyscallOps{}
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if cfg.CancelCheckEvery == 0 {
		cfg.CancelCheckEvery = config.DefaultCancelCheckEvery
	}
	return &Prober{ops: ops, acct: acct, observer: observer, cfg: cfg}
}

// Run executes iterations until one is interrupted or fails, the ceiling is
// reached, or ctx is cancelled. Cancellation is noticed at progress
// boundaries and every CancelCheckEvery iterations. The caller must have locked the goroutine to the thread whose
// identity the accountant expects.
func (p *Prober) Run(ctx context.Context) Outcome {
	defer p.removeScratch()

	var completed uint64
	for it := uint64(1); it <= p.cfg.Iterations; it++ {
		if out := p.Step(it); out.Kind != Continue {
			return p.finish(out)
		}
		completed = it

		atProgress := p.cfg.ProgressEvery > 0 && it%p.cfg.ProgressEvery == 0
		if atProgress {
			p.observer.Progress(it)
		}
		if atProgress || it%p.cfg.CancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return p.finish(Outcome{
					Kind:      FatalError,
					Iteration: it,
					Err:       NewCancelledError(it, err),
				})
			}
		}
		if p.cfg.SnapshotEvery > 0 && it%p.cfg.SnapshotEvery == 0 {
			p.observer.Snapshot(it, p.acct.Snapshot())
		}
	}

	return Outcome{
		Kind:      Completed,
		Iteration: completed,
		Snapshot:  p.acct.Snapshot(),
	}
}

// Step runs the operations of one iteration, checking each result as soon as
// the call returns.
func (p *Prober) Step(iteration uint64) Outcome {
	paths := p.cfg.Paths

	if out := p.check(iteration, OpStatSelf, paths.Self, p.ops.Stat(paths.Self)); out.Kind != Continue {
		return out
	}
	if out := p.check(iteration, OpStatSibling, paths.Sibling, p.ops.Stat(paths.Sibling)); out.Kind != Continue {
		return out
	}
	if paths.Scratch == "" {
		return Outcome{Kind: Continue, Iteration: iteration}
	}

	fd, err := p.ops.Create(paths.Scratch)
	if out := p.check(iteration, OpCreate, paths.Scratch, err); out.Kind != Continue {
		return out
	}
	if out := p.check(iteration, OpClose, paths.Scratch, p.ops.Close(fd)); out.Kind != Continue {
		return out
	}
	return p.check(iteration, OpUnlink, paths.Scratch, p.ops.Unlink(paths.Scratch))
}

func (p *Prober) check(iteration uint64, op Op, path string, err error) Outcome {
	switch classify(op, err) {
	case InterruptDetected:
		return Outcome{Kind: InterruptDetected, Iteration: iteration, Op: op, Path: path,
			Err: NewInterruptError(iteration, op, path, err)}
	case FatalError:
		return Outcome{Kind: FatalError, Iteration: iteration, Op: op, Path: path,
			Err: NewIOError(iteration, op, path, err)}
	default:
		return Outcome{Kind: Continue, Iteration: iteration}
	}
}

func classify(op Op, err error) Kind {
	if err == nil {
		return Continue
	}
	if errors.Is(err, unix.EINTR) {
		return InterruptDetected
	}
	if op == OpStatSelf || op == OpStatSibling {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENOTDIR) {
			return Continue
		}
	}
	return FatalError
}

func (p *Prober) finish(out Outcome) Outcome {
	if out.Kind == InterruptDetected {
		p.settle()
	}
	out.Snapshot = p.acct.Snapshot()
	return out
}

// settle waits for the dispatcher to count the delivery that caused the
// interruption. The kernel has already delivered it; the count lags by the
// time the runtime takes to hand it over.
func (p *Prober) settle() {
	if p.cfg.SettleTimeout <= 0 || p.acct.Signals() > 0 {
		return
	}
	deadline := time.Now().Add(p.cfg.SettleTimeout)
	for p.acct.Signals() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Microsecond)
	}
}

func (p *Prober) removeScratch() {
	if p.cfg.Paths.Scratch == "" {
		return
	}
	if err := os.Remove(p.cfg.Paths.Scratch); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Failed to remove scratch file", zap.String("path", p.cfg.Paths.Scratch), zap.Error(err))
	}
}

type nopObserver struct{}

func (nopObserver) Progress(uint64)                   {}
func (nopObserver) Snapshot(uint64, signals.Snapshot) {}
