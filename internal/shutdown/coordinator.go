package shutdown

import (
	"sync/atomic"
	"time"
)

// Coordinator stops a worker cooperatively. The worker polls Requested; the
// owner calls Shutdown and gets a bounded wait for the worker to notice.
type Coordinator struct {
	requested atomic.Bool
	grace     time.Duration
}

func NewCoordinator(grace time.Duration) *Coordinator {
	return &Coordinator{grace: grace}
}

// RequestShutdown sets the flag. Repeated calls have no further effect.
func (c *Coordinator) RequestShutdown() {
	c.requested.Store(true)
}

func (c *Coordinator) Requested() bool {
	return c.requested.Load()
}

func (c *Coordinator) Grace() time.Duration {
	return c.grace
}

// Shutdown requests shutdown and waits until done is closed or the grace
// period elapses. It reports whether the worker exited in time. A nil done
// means there is no worker and returns true immediately.
func (c *Coordinator) Shutdown(done <-chan struct{}) bool {
	c.RequestShutdown()
	if done == nil {
		return true
	}
	if c.grace <= 0 {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}

	timer := time.NewTimer(c.grace)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
