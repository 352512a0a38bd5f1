package prober

import (
	"golang.org/x/sys/unix"

	"github.com/podtrace/eintrprobe/internal/config"
)

// Ops are the blocking filesystem calls issued each iteration. Implementations
// must surface EINTR to the caller: the os package retries it internally and
// so cannot be used here.
type Ops interface {
	Stat(path string) error
	Create(path string) (int, error)
	Close(fd int) error
	Unlink(path string) error
}

// SyscallOps issues the calls directly with no retry.
type SyscallOps struct{}

var _ Ops = SyscallOps{}

func (SyscallOps) Stat(path string) error {
	var st unix.Stat_t
	return unix.Stat(path, &st)
}

func (SyscallOps) Create(path string) (int, error) {
	return unix.Open(path, unix.O_CREAT|unix.O_WRONLY|unix.O_TRUNC|unix.O_CLOEXEC, config.DefaultFileMode)
}

func (SyscallOps) Close(fd int) error {
	return unix.Close(fd)
}

func (SyscallOps) Unlink(path string) error {
	return unix.Unlink(path)
}
