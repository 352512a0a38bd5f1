package signals

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// HandlerConfig describes which signals a Handler watches and how a probe
// signal delivery is attributed to a thread.
type HandlerConfig struct {
	Signal syscall.Signal
	// Noise is an optional second signal counted separately. Zero disables it.
	Noise  syscall.Signal
	Policy RestartPolicy
	// Attribute returns the thread a delivery is credited to. It runs on the
	// delivery path and must be lock-free.
	Attribute  func() ThreadID
	BufferSize int
}

// Handler forwards deliveries that the Go runtime's own signal handler has
// queued to an Accountant. The runtime handler is the code that actually runs
// on the interrupted thread; Handler only owns the restart policy of the
// watched signals and the goroutine draining the runtime queue.
type Handler struct {
	acct      *Accountant
	probe     syscall.Signal
	attribute func() ThreadID
	ch        chan os.Signal
	done      chan struct{}
	applied   []appliedPolicy
	stopped   atomic.Bool
}

type appliedPolicy struct {
	sig  syscall.Signal
	prev RestartPolicy
}

func Install(acct *Accountant, cfg HandlerConfig) (*Handler, error) {
	if acct == nil {
		return nil, errors.New("accountant is required")
	}
	if cfg.Signal == 0 {
		return nil, fmt.Errorf("%w: probe signal is required", ErrInvalidSignal)
	}
	if cfg.Attribute == nil {
		return nil, errors.New("attribution func is required")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}

	watched := []os.Signal{cfg.Signal}
	if cfg.Noise != 0 && cfg.Noise != cfg.Signal {
		watched = append(watched, cfg.Noise)
	}

	h := &Handler{
		acct:      acct,
		probe:     cfg.Signal,
		attribute: cfg.Attribute,
		ch:        make(chan os.Signal, cfg.BufferSize),
		done:      make(chan struct{}),
	}

	signal.Notify(h.ch, watched...)
	for _, s := range watched {
		sig := s.(syscall.Signal)
		prev, err := ApplyRestartPolicy(sig, cfg.Policy)
		if err != nil {
			_ = h.restorePolicies()
			signal.Stop(h.ch)
			return nil, fmt.Errorf("apply %s policy to %s: %w", cfg.Policy, SignalName(sig), err)
		}
		h.applied = append(h.applied, appliedPolicy{sig: sig, prev: prev})
	}

	go h.dispatch()
	return h, nil
}

// dispatch counts one delivery per value received. The runtime merges
// instances of a signal that arrive before its queue is drained, so this is
// the observed count, not the kernel delivery count.
func (h *Handler) dispatch() {
	defer close(h.done)
	for s := range h.ch {
		if s == h.probe {
			h.acct.RecordDelivery(h.attribute())
		} else {
			h.acct.RecordNoise()
		}
	}
}

// Stop restores the restart policies found at Install, stops watching the
// signals and waits until every queued delivery has been counted. Calling it
// more than once is a no-op.
func (h *Handler) Stop() error {
	if !h.stopped.CompareAndSwap(false, true) {
		return nil
	}
	err := h.restorePolicies()
	signal.Stop(h.ch)
	close(h.ch)
	<-h.done
	return err
}

func (h *Handler) restorePolicies() error {
	var errs []error
	for i := len(h.applied) - 1; i >= 0; i-- {
		a := h.applied[i]
		if _, err := ApplyRestartPolicy(a.sig, a.prev); err != nil {
			errs = append(errs, err)
		}
	}
	h.applied = nil
	return errors.Join(errs...)
}
