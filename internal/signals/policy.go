package signals

import (
	"fmt"
	"strings"
)

// RestartPolicy selects whether a blocking syscall interrupted by the probe
// signal is restarted by the kernel or fails with EINTR. It is chosen once at
// setup and not changed while a run is in progress.
type RestartPolicy int

const (
	AutoRestart RestartPolicy = iota
	Interruptible
)

func (p RestartPolicy) String() string {
	switch p {
	case AutoRestart:
		return "auto-restart"
	case Interruptible:
		return "interruptible"
	default:
		return fmt.Sprintf("RestartPolicy(%d)", int(p))
	}
}

func ParseRestartPolicy(s string) (RestartPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto-restart", "autorestart", "restart", "":
		return AutoRestart, nil
	case "interruptible", "eintr":
		return Interruptible, nil
	default:
		return AutoRestart, fmt.Errorf("unknown restart policy %q", s)
	}
}

// PolicyFromArgs maps the optional positional argument of the command line to
// a policy: its presence, whatever its value, selects Interruptible.
func PolicyFromArgs(args []string) RestartPolicy {
	if len(args) > 0 {
		return Interruptible
	}
	return AutoRestart
}
