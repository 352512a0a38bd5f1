package signals

import (
	"strconv"

	"golang.org/x/sys/unix"
)

// ThreadID is a kernel thread id as returned by gettid(2).
type ThreadID int

// NoThread never names a live thread.
const NoThread ThreadID = 0

// CurrentThread returns the id of the OS thread executing the caller. The
// result is only stable if the calling goroutine is locked to its thread with
// runtime.LockOSThread.
func CurrentThread() ThreadID {
	return ThreadID(unix.Gettid())
}

func (t ThreadID) String() string {
	if t == NoThread {
		return "none"
	}
	return strconv.Itoa(int(t))
}
