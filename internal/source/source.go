package source

import (
	"fmt"
	"syscall"
	"time"

	"github.com/podtrace/eintrprobe/internal/config"
	"github.com/podtrace/eintrprobe/internal/shutdown"
	"github.com/podtrace/eintrprobe/internal/signals"
)

// Source produces asynchronous signal deliveries while the prober runs.
type Source interface {
	Kind() string
	// Start begins producing signals. A non-nil error means no signal was
	// produced and nothing needs stopping.
	Start() error
	// Stop ends signal production and returns any error the source hit
	// while running.
	Stop() error
	// Attribute returns the thread a probe signal delivery is credited to.
	// It is called on the delivery path and never blocks.
	Attribute() signals.ThreadID
	// Sends is the number of probe signals the source sent, or 0 when the
	// kernel generates them.
	Sends() uint64
}

type Config struct {
	Kind        string
	Target      signals.ThreadID
	Signal      syscall.Signal
	Noise       syscall.Signal
	Spin        int
	Period      time.Duration
	StartWait   time.Duration
	Coordinator *shutdown.Coordinator
}

func New(cfg Config) (Source, error) {
	switch cfg.Kind {
	case config.SourceInjector:
		if cfg.Coordinator == nil {
			return nil, fmt.Errorf("injector requires a shutdown coordinator")
		}
		return NewInjector(cfg), nil
	case config.SourceTimer:
		if cfg.Signal != 0 && cfg.Signal != syscall.SIGALRM {
			return nil, fmt.Errorf("interval timer delivers SIGALRM, not %s", signals.SignalName(cfg.Signal))
		}
		return NewTimer(cfg.Period), nil
	case config.SourceNone:
		return None{}, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}

// None produces no signals.
type None struct{}

var _ Source = None{}

func (None) Kind() string                { return config.SourceNone }
func (None) Start() error                { return nil }
func (None) Stop() error                 { return nil }
func (None) Attribute() signals.ThreadID { return signals.NoThread }
func (None) Sends() uint64               { return 0 }
