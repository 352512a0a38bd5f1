// Package audit counts probe signal deliveries in the kernel, per receiving
// thread, with a small eBPF program on the signal:signal_deliver tracepoint.
// It answers which thread really took each signal, something the Go runtime
// cannot report to user code.
package audit

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"

	"github.com/podtrace/eintrprobe/internal/config"
	"github.com/podtrace/eintrprobe/internal/logger"
	"github.com/podtrace/eintrprobe/internal/signals"
)

// Offset of the sig field in the signal_deliver tracepoint record, after the
// 8-byte common header.
const sigFieldOffset = 8

const (
	bpfAny     = 0
	bpfNoExist = 1
)

// Audit holds the loaded program and its per-thread counter map.
type Audit struct {
	pid    int
	counts *ebpf.Map
	prog   *ebpf.Program
	tp     link.Link
}

// Report splits kernel-observed deliveries between the prober thread and the
// rest of the process.
type Report struct {
	ProberThread uint64
	OtherThreads uint64
	Threads      int
}

// Start loads the program filtering on this process and sig and attaches it.
func Start(sig syscall.Signal) (*Audit, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		logger.Debug("Failed to remove memlock limit", zap.Error(err))
	}

	counts, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "eintr_deliv",
		Type:       ebpf.Hash,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: config.AuditMapMaxEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("create delivery map: %w", err)
	}

	pid := os.Getpid()
	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "eintr_deliver",
		Type:         ebpf.TracePoint,
		License:      "GPL",
		Instructions: instructions(counts.FD(), pid, sig),
	})
	if err != nil {
		counts.Close()
		return nil, fmt.Errorf("load delivery program: %w", err)
	}

	tp, err := link.Tracepoint("signal", "signal_deliver", prog, nil)
	if err != nil {
		prog.Close()
		counts.Close()
		return nil, fmt.Errorf("attach signal:signal_deliver: %w", err)
	}

	logger.Debug("Delivery audit attached", zap.Int("pid", pid), zap.String("signal", signals.SignalName(sig)))
	return &Audit{pid: pid, counts: counts, prog: prog, tp: tp}, nil
}

// instructions builds the tracepoint program. For every delivery of sig to a
// thread of pid it increments counts[tid].
func instructions(mapFD, pid int, sig syscall.Signal) asm.Instructions {
	return asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),
		asm.FnGetCurrentPidTgid.Call(),
		asm.Mov.Reg(asm.R7, asm.R0),
		asm.RSh.Imm(asm.R0, 32),
		asm.JNE.Imm(asm.R0, int32(pid), "exit"),
		asm.LoadMem(asm.R1, asm.R6, sigFieldOffset, asm.Word),
		asm.JNE.Imm(asm.R1, int32(sig), "exit"),

		// key = lower 32 bits of pid_tgid, the tid.
		asm.StoreMem(asm.RFP, -4, asm.R7, asm.Word),
		asm.LoadMapPtr(asm.R1, mapFD),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -4),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "insert"),
		asm.Mov.Imm(asm.R1, 1),
		asm.StoreXAdd(asm.R0, asm.R1, asm.DWord),
		asm.Ja.Label("exit"),

		asm.StoreImm(asm.RFP, -16, 1, asm.DWord).WithSymbol("insert"),
		asm.LoadMapPtr(asm.R1, mapFD),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -4),
		asm.Mov.Reg(asm.R3, asm.RFP),
		asm.Add.Imm(asm.R3, -16),
		asm.Mov.Imm(asm.R4, bpfNoExist),
		asm.FnMapUpdateElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "exit"),

		// Another CPU inserted the key first.
		asm.LoadMapPtr(asm.R1, mapFD),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -4),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "exit"),
		asm.Mov.Imm(asm.R1, 1),
		asm.StoreXAdd(asm.R0, asm.R1, asm.DWord),

		asm.Mov.Imm(asm.R0, 0).WithSymbol("exit"),
		asm.Return(),
	}
}

// Counts returns the deliveries seen so far keyed by receiving thread.
func (a *Audit) Counts() (map[signals.ThreadID]uint64, error) {
	out := make(map[signals.ThreadID]uint64)
	var (
		tid   uint32
		count uint64
	)
	it := a.counts.Iterate()
	for it.Next(&tid, &count) {
		out[signals.ThreadID(tid)] = count
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("read delivery map: %w", err)
	}
	return out, nil
}

func (a *Audit) Report(prober signals.ThreadID) (Report, error) {
	counts, err := a.Counts()
	if err != nil {
		return Report{}, err
	}
	return summarize(counts, prober), nil
}

func summarize(counts map[signals.ThreadID]uint64, prober signals.ThreadID) Report {
	r := Report{Threads: len(counts)}
	for tid, n := range counts {
		if tid == prober {
			r.ProberThread += n
		} else {
			r.OtherThreads += n
		}
	}
	return r
}

// Close detaches the program and releases the map.
func (a *Audit) Close() error {
	var errs []error
	if a.tp != nil {
		errs = append(errs, a.tp.Close())
	}
	if a.prog != nil {
		errs = append(errs, a.prog.Close())
	}
	if a.counts != nil {
		errs = append(errs, a.counts.Close())
	}
	return errors.Join(errs...)
}
