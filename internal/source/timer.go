package source

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/podtrace/eintrprobe/internal/config"
	"github.com/podtrace/eintrprobe/internal/signals"
)

// Timer arms the process-wide ITIMER_REAL so the kernel raises SIGALRM every
// period. SIGALRM from the timer is process-directed: the kernel picks any
// thread that does not block it. Deliveries are attributed to the thread that
// armed the timer.
type Timer struct {
	period time.Duration
	armer  atomic.Int64
	armed  atomic.Bool
}

var _ Source = (*Timer)(nil)

func NewTimer(period time.Duration) *Timer {
	if period <= 0 {
		period = config.DefaultTimerPeriod
	}
	return &Timer{period: period}
}

func (t *Timer) Kind() string { return config.SourceTimer }

// Start arms the timer. Call it from the thread deliveries should be
// attributed to, with that goroutine locked to its thread.
func (t *Timer) Start() error {
	tv := unix.NsecToTimeval(t.period.Nanoseconds())
	if tv.Sec == 0 && tv.Usec == 0 {
		tv.Usec = 1
	}
	t.armer.Store(int64(signals.CurrentThread()))
	if _, err := unix.Setitimer(unix.ItimerReal, unix.Itimerval{Interval: tv, Value: tv}); err != nil {
		t.armer.Store(int64(signals.NoThread))
		return fmt.Errorf("arm interval timer: %w", err)
	}
	t.armed.Store(true)
	return nil
}

// Stop disarms the timer. A SIGALRM already pending may still be delivered.
func (t *Timer) Stop() error {
	if !t.armed.CompareAndSwap(true, false) {
		return nil
	}
	if _, err := unix.Setitimer(unix.ItimerReal, unix.Itimerval{}); err != nil {
		return fmt.Errorf("disarm interval timer: %w", err)
	}
	return nil
}

func (t *Timer) Attribute() signals.ThreadID {
	return signals.ThreadID(t.armer.Load())
}

func (t *Timer) Sends() uint64 { return 0 }

func (t *Timer) Period() time.Duration { return t.period }
