package signals

import "sync/atomic"

// Snapshot is a point-in-time copy of the accountant counters. The fields are
// read one after another, so a snapshot taken while deliveries are in flight
// may be off by the deliveries that landed between the loads.
type Snapshot struct {
	Signals     uint64
	OtherThread uint64
	Noise       uint64
}

// Accountant counts signal deliveries for the whole process.
//
// RecordDelivery and RecordNoise run on the delivery path. They must stay
// restricted to atomic operations on the counters and a comparison against the
// immutable expected thread: no allocation, no locks, no logging, no calls
// that can block. Anything else on that path can deadlock against the thread
// the signal preempted.
type Accountant struct {
	expected    ThreadID
	signals     atomic.Uint64
	otherThread atomic.Uint64
	noise       atomic.Uint64
}

// NewAccountant fixes the expected thread identity. It must be called before
// any signal source starts.
func NewAccountant(expected ThreadID) *Accountant {
	return &Accountant{expected: expected}
}

func (a *Accountant) Expected() ThreadID {
	return a.expected
}

// RecordDelivery counts one delivery of the probe signal observed on current.
func (a *Accountant) RecordDelivery(current ThreadID) {
	a.signals.Add(1)
	if current != a.expected {
		a.otherThread.Add(1)
	}
}

// RecordNoise counts one delivery of the secondary noise signal.
func (a *Accountant) RecordNoise() {
	a.noise.Add(1)
}

func (a *Accountant) Signals() uint64 {
	return a.signals.Load()
}

func (a *Accountant) Snapshot() Snapshot {
	return Snapshot{
		Signals:     a.signals.Load(),
		OtherThread: a.otherThread.Load(),
		Noise:       a.noise.Load(),
	}
}
