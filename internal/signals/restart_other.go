//go:build linux && !amd64 && !arm64

package signals

import "syscall"

func CurrentRestartPolicy(sig syscall.Signal) (RestartPolicy, error) {
	return AutoRestart, ErrUnsupportedPlatform
}

func ApplyRestartPolicy(sig syscall.Signal, p RestartPolicy) (RestartPolicy, error) {
	return AutoRestart, ErrUnsupportedPlatform
}
