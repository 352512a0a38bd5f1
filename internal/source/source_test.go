package source

import (
	"errors"
	"runtime"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/podtrace/eintrprobe/internal/config"
	"github.com/podtrace/eintrprobe/internal/shutdown"
	"github.com/podtrace/eintrprobe/internal/signals"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

type fakeKill struct {
	calls   atomic.Uint64
	probes  atomic.Uint64
	noise   atomic.Uint64
	probeFn func() error
	failAt  uint64
}

func (f *fakeKill) tgkill(pid, tid int, sig syscall.Signal) error {
	if sig == 0 {
		f.probes.Add(1)
		if f.probeFn != nil {
			return f.probeFn()
		}
		return nil
	}
	if sig == syscall.SIGCHLD {
		f.noise.Add(1)
		return nil
	}
	n := f.calls.Add(1)
	if f.failAt != 0 && n >= f.failAt {
		return unix.EPERM
	}
	return nil
}

func withFakeKill(t *testing.T, f *fakeKill) {
	t.Helper()
	orig := tgkill
	tgkill = f.tgkill
	t.Cleanup(func() { tgkill = orig })
}

func TestNew(t *testing.T) {
	coord := shutdown.NewCoordinator(time.Millisecond)
	tests := []struct {
		name     string
		cfg      Config
		wantKind string
		wantErr  bool
	}{
		{"injector", Config{Kind: config.SourceInjector, Coordinator: coord}, config.SourceInjector, false},
		{"injector without coordinator", Config{Kind: config.SourceInjector}, "", true},
		{"timer", Config{Kind: config.SourceTimer, Signal: syscall.SIGALRM}, config.SourceTimer, false},
		{"timer default signal", Config{Kind: config.SourceTimer}, config.SourceTimer, false},
		{"timer wrong signal", Config{Kind: config.SourceTimer, Signal: syscall.SIGUSR1}, "", true},
		{"none", Config{Kind: config.SourceNone}, config.SourceNone, false},
		{"unknown", Config{Kind: "cron"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := New(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if src.Kind() != tt.wantKind {
				t.Errorf("Kind() = %q, want %q", src.Kind(), tt.wantKind)
			}
		})
	}
}

func TestNone(t *testing.T) {
	var src Source = None{}
	if err := src.Start(); err != nil {
		t.Errorf("Start: %v", err)
	}
	if src.Attribute() != signals.NoThread {
		t.Errorf("Attribute() = %v, want none", src.Attribute())
	}
	if src.Sends() != 0 {
		t.Errorf("Sends() = %d", src.Sends())
	}
	if err := src.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestInjector_SendsUntilShutdown(t *testing.T) {
	f := &fakeKill{}
	withFakeKill(t, f)

	coord := shutdown.NewCoordinator(time.Second)
	inj := NewInjector(Config{
		Target:      signals.ThreadID(4242),
		Signal:      syscall.SIGALRM,
		Noise:       syscall.SIGCHLD,
		Spin:        10,
		Coordinator: coord,
	})
	if err := inj.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := inj.Start(); err == nil {
		t.Error("second Start should fail")
	}

	waitFor(t, func() bool { return inj.Sends() >= 100 })
	if inj.Thread() == signals.NoThread {
		t.Error("injector thread id should be recorded")
	}
	if inj.Thread() == signals.CurrentThread() {
		t.Error("injector should run on its own thread")
	}

	if err := inj.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-inj.Done():
	default:
		t.Fatal("injector should have exited")
	}

	sends := inj.Sends()
	if sends != f.calls.Load() {
		t.Errorf("Sends() = %d, fake saw %d", sends, f.calls.Load())
	}
	if f.probes.Load() != 1 {
		t.Errorf("null-signal probe ran %d times, want 1", f.probes.Load())
	}
	if f.noise.Load() != sends {
		t.Errorf("noise sends = %d, want one per probe send (%d)", f.noise.Load(), sends)
	}
	if inj.Attribute() != signals.ThreadID(4242) {
		t.Errorf("Attribute() = %v, want target", inj.Attribute())
	}
	if err := inj.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if inj.Sends() != sends {
		t.Error("no sends expected after exit")
	}
}

func TestInjector_ProbeFailureIsStartError(t *testing.T) {
	f := &fakeKill{probeFn: func() error { return unix.ESRCH }}
	withFakeKill(t, f)

	inj := NewInjector(Config{Target: 1, Coordinator: shutdown.NewCoordinator(time.Millisecond)})
	err := inj.Start()
	if !errors.Is(err, unix.ESRCH) {
		t.Fatalf("Start error = %v, want ESRCH", err)
	}
	if f.calls.Load() != 0 {
		t.Errorf("no probe signal should be sent after a failed start, got %d", f.calls.Load())
	}
}

func TestInjector_SendFailureReportedOnStop(t *testing.T) {
	f := &fakeKill{failAt: 10}
	withFakeKill(t, f)

	inj := NewInjector(Config{Target: 1, Coordinator: shutdown.NewCoordinator(time.Second)})
	if err := inj.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-inj.Done()

	err := inj.Stop()
	if !errors.Is(err, unix.EPERM) {
		t.Fatalf("Stop error = %v, want EPERM", err)
	}
	if inj.Sends() != 9 {
		t.Errorf("Sends() = %d, want 9", inj.Sends())
	}
}

func TestInjector_StopBeforeStart(t *testing.T) {
	inj := NewInjector(Config{Coordinator: shutdown.NewCoordinator(time.Millisecond)})
	if err := inj.Stop(); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}
}

func TestInjector_TargetsExpectedThread(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	self := signals.CurrentThread()
	acct := signals.NewAccountant(self)
	inj := NewInjector(Config{
		Target:      self,
		Signal:      syscall.SIGUSR1,
		Spin:        1000,
		Coordinator: shutdown.NewCoordinator(100 * time.Millisecond),
	})
	h, err := signals.Install(acct, signals.HandlerConfig{
		Signal:     syscall.SIGUSR1,
		Policy:     signals.AutoRestart,
		Attribute:  inj.Attribute,
		BufferSize: 64,
	})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	defer h.Stop()

	if err := inj.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return acct.Signals() >= 100 })
	if err := inj.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("handler Stop: %v", err)
	}

	got := acct.Snapshot()
	if got.OtherThread != 0 {
		t.Errorf("OtherThread = %d, want 0 when the injector targets the expected thread", got.OtherThread)
	}
	if got.Signals > inj.Sends() {
		t.Errorf("counted %d deliveries for %d sends", got.Signals, inj.Sends())
	}
}

func TestSpin(t *testing.T) {
	if got := spin(0); got != 0 {
		t.Errorf("spin(0) = %d", got)
	}
	if got := spin(5); got != 10 {
		t.Errorf("spin(5) = %d, want 10", got)
	}
}
