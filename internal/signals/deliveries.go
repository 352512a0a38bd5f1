package signals

// Deliveries are the totals of a finished run.
//
// Observed counts wakeups of the runtime signal queue. The Go runtime keeps
// one pending bit per signal, so instances that arrive before the queue is
// drained are merged and Observed is a lower bound. The kernel also merges a
// standard signal that is already pending for the receiving thread. With the
// delivery audit running the relation is Observed <= Kernel total <= Sends.
type Deliveries struct {
	Sends    uint64
	Observed uint64
	Noise    uint64

	// Kernel figures are only valid when Audited is set.
	Audited      bool
	KernelProber uint64
	KernelOther  uint64
}

// Delivered returns the kernel total when the audit ran and the observed
// lower bound otherwise. measured reports which one it is.
func (d Deliveries) Delivered() (n uint64, measured bool) {
	if !d.Audited {
		return d.Observed, false
	}
	return d.KernelProber + d.KernelOther, true
}

// OtherThreads is only measured by the audit. Without it the receiving
// thread of a delivery is unknown.
func (d Deliveries) OtherThreads() (n uint64, measured bool) {
	return d.KernelOther, d.Audited
}
