//go:build linux && (amd64 || arm64)

package signals

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	saRestart  = 0x10000000
	sigDfl     = 0
	sigIgn     = 1
	sigsetSize = 8
)

// kernelSigaction mirrors struct sigaction as the kernel expects it from
// rt_sigaction on amd64 and arm64.
type kernelSigaction struct {
	handler  uintptr
	flags    uint64
	restorer uintptr
	mask     uint64
}

func rtSigaction(sig syscall.Signal, act, old *kernelSigaction) error {
	_, _, errno := unix.RawSyscall6(unix.SYS_RT_SIGACTION,
		uintptr(sig),
		uintptr(unsafe.Pointer(act)),
		uintptr(unsafe.Pointer(old)),
		sigsetSize, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func policyFromFlags(flags uint64) RestartPolicy {
	if flags&saRestart != 0 {
		return AutoRestart
	}
	return Interruptible
}

// CurrentRestartPolicy reports the restart behaviour of the action installed
// for sig.
func CurrentRestartPolicy(sig syscall.Signal) (RestartPolicy, error) {
	var cur kernelSigaction
	if err := rtSigaction(sig, nil, &cur); err != nil {
		return AutoRestart, fmt.Errorf("read action for %v: %w", sig, err)
	}
	if cur.handler == sigDfl || cur.handler == sigIgn {
		return AutoRestart, ErrNoHandler
	}
	return policyFromFlags(cur.flags), nil
}

// ApplyRestartPolicy rewrites only the SA_RESTART bit of the action already
// installed for sig; handler, mask and the remaining flags are kept as the Go
// runtime set them. It returns the policy in effect before the call.
//
// The runtime reinstalls its handler with SA_RESTART when os/signal starts
// watching a signal for the first time, so this must run after signal.Notify.
func ApplyRestartPolicy(sig syscall.Signal, p RestartPolicy) (RestartPolicy, error) {
	var cur kernelSigaction
	if err := rtSigaction(sig, nil, &cur); err != nil {
		return AutoRestart, fmt.Errorf("read action for %v: %w", sig, err)
	}
	if cur.handler == sigDfl || cur.handler == sigIgn {
		return AutoRestart, ErrNoHandler
	}
	prev := policyFromFlags(cur.flags)

	next := cur
	switch p {
	case Interruptible:
		next.flags &^= saRestart
	default:
		next.flags |= saRestart
	}
	if next.flags == cur.flags {
		return prev, nil
	}
	if err := rtSigaction(sig, &next, nil); err != nil {
		return prev, fmt.Errorf("write action for %v: %w", sig, err)
	}
	return prev, nil
}
