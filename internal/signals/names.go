package signals

import (
	"fmt"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// ParseSignal accepts "SIGALRM", "alrm" or "sigalrm". An empty name yields 0,
// which callers treat as "disabled".
func ParseSignal(name string) (syscall.Signal, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return 0, nil
	}
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSignal, name)
	}
	return sig, nil
}

// SignalName is the inverse of ParseSignal for the canonical form.
func SignalName(sig syscall.Signal) string {
	if sig == 0 {
		return ""
	}
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return fmt.Sprintf("signal %d", int(sig))
}
