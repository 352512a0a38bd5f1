package source

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/podtrace/eintrprobe/internal/config"
	"github.com/podtrace/eintrprobe/internal/logger"
	"github.com/podtrace/eintrprobe/internal/shutdown"
	"github.com/podtrace/eintrprobe/internal/signals"
)

var ErrInjectorStuck = errors.New("injector did not exit within the grace period")

// tgkill is replaced in tests.
var tgkill = unix.Tgkill

// Injector sends the probe signal to one thread from a dedicated OS thread,
// as fast as it can. Between sends it spins without sleeping so the prober
// sees deliveries at arbitrary points of its syscalls.
type Injector struct {
	target      signals.ThreadID
	signal      syscall.Signal
	noise       syscall.Signal
	spin        int
	startWait   time.Duration
	coordinator *shutdown.Coordinator

	pid     int
	thread  atomic.Int64
	sends   atomic.Uint64
	started atomic.Bool
	done    chan struct{}

	errOnce sync.Once
	err     error
	sink    uint64
}

var _ Source = (*Injector)(nil)

func NewInjector(cfg Config) *Injector {
	sig := cfg.Signal
	if sig == 0 {
		sig = syscall.SIGALRM
	}
	spin := cfg.Spin
	if spin < 0 {
		spin = 0
	}
	wait := cfg.StartWait
	if wait <= 0 {
		wait = config.DefaultInjectorStartWait
	}
	return &Injector{
		target:      cfg.Target,
		signal:      sig,
		noise:       cfg.Noise,
		spin:        spin,
		startWait:   wait,
		coordinator: cfg.Coordinator,
		pid:         os.Getpid(),
		done:        make(chan struct{}),
	}
}

func (i *Injector) Kind() string { return config.SourceInjector }

// Start launches the injector thread and waits for it to report ready. The
// thread first checks with a null signal that the target exists.
func (i *Injector) Start() error {
	if !i.started.CompareAndSwap(false, true) {
		return errors.New("injector already started")
	}
	ready := make(chan error, 1)
	go i.run(ready)

	timer := time.NewTimer(i.startWait)
	defer timer.Stop()
	select {
	case err := <-ready:
		if err != nil {
			<-i.done
			return err
		}
		logger.Debug("Injector ready",
			zap.Stringer("injector_thread", i.Thread()),
			zap.Stringer("target", i.target),
			zap.String("signal", signals.SignalName(i.signal)))
		return nil
	case <-timer.C:
		i.coordinator.RequestShutdown()
		return fmt.Errorf("injector not ready after %v", i.startWait)
	}
}

func (i *Injector) run(ready chan<- error) {
	defer close(i.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	i.thread.Store(int64(signals.CurrentThread()))
	if err := tgkill(i.pid, int(i.target), 0); err != nil {
		ready <- fmt.Errorf("target thread %s unreachable: %w", i.target, err)
		return
	}
	ready <- nil

	for !i.coordinator.Requested() {
		if err := tgkill(i.pid, int(i.target), i.signal); err != nil {
			i.fail(fmt.Errorf("send %s to thread %s: %w", signals.SignalName(i.signal), i.target, err))
			return
		}
		i.sends.Add(1)
		if i.noise != 0 {
			if err := tgkill(i.pid, int(i.target), i.noise); err != nil {
				i.fail(fmt.Errorf("send %s to thread %s: %w", signals.SignalName(i.noise), i.target, err))
				return
			}
		}
		i.sink += spin(i.spin)
	}
}

func spin(n int) uint64 {
	var acc uint64
	for k := 0; k < n; k++ {
		acc += uint64(k)
	}
	return acc
}

func (i *Injector) fail(err error) {
	i.errOnce.Do(func() { i.err = err })
}

// Stop asks the injector thread to exit and waits up to the coordinator's
// grace period. It returns the first send failure, if any.
func (i *Injector) Stop() error {
	if !i.started.Load() {
		return nil
	}
	var errs []error
	if !i.coordinator.Shutdown(i.done) {
		errs = append(errs, ErrInjectorStuck)
	} else if i.err != nil {
		errs = append(errs, i.err)
	}
	return errors.Join(errs...)
}

func (i *Injector) Attribute() signals.ThreadID { return i.target }

func (i *Injector) Sends() uint64 { return i.sends.Load() }

// Thread is the id of the injector's own OS thread once it is running.
func (i *Injector) Thread() signals.ThreadID {
	return signals.ThreadID(i.thread.Load())
}

// Done is closed when the injector thread has exited.
func (i *Injector) Done() <-chan struct{} { return i.done }
