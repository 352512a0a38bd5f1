package prober

import (
	"fmt"

	"github.com/podtrace/eintrprobe/internal/signals"
)

type Op string

const (
	OpNone        Op = ""
	OpStatSelf    Op = "stat-self"
	OpStatSibling Op = "stat-sibling"
	OpCreate      Op = "create"
	OpClose       Op = "close"
	OpUnlink      Op = "unlink"
)

type Kind int

const (
	Continue Kind = iota
	InterruptDetected
	FatalError
	Completed
)

func (k Kind) String() string {
	switch k {
	case Continue:
		return "continue"
	case InterruptDetected:
		return "interrupt-detected"
	case FatalError:
		return "fatal-error"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Outcome is the result of one iteration or, from Run, of the whole loop.
// Iteration is 1-based; for Completed it is the number of iterations run.
type Outcome struct {
	Kind      Kind
	Iteration uint64
	Op        Op
	Path      string
	Snapshot  signals.Snapshot
	Err       error
}

// Stopped reports whether the loop ended before the iteration ceiling.
func (o Outcome) Stopped() bool {
	return o.Kind == InterruptDetected || o.Kind == FatalError
}
