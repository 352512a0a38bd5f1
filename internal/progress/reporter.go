package progress

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/podtrace/eintrprobe/internal/prober"
	"github.com/podtrace/eintrprobe/internal/signals"
)

// Reporter writes run progress and results to the console. Output is for
// people and carries no format guarantee.
type Reporter struct {
	out       io.Writer
	quiet     bool
	startTime time.Time
}

var _ prober.Observer = (*Reporter)(nil)

// NewReporter creates a reporter writing to out. With quiet set only the
// outcome and summary are written.
func NewReporter(out io.Writer, quiet bool) *Reporter {
	return &Reporter{out: out, quiet: quiet, startTime: time.Now()}
}

func (r *Reporter) Start(policy signals.RestartPolicy, source string, iterations uint64) {
	r.startTime = time.Now()
	if r.quiet {
		return
	}
	fmt.Fprintf(r.out, "Probing up to %s iterations (source %s, %s)\n",
		humanize.Comma(int64(iterations)), source, policy)
}

func (r *Reporter) Progress(iteration uint64) {
	if r.quiet {
		return
	}
	fmt.Fprintf(r.out, "... %s iterations\n", humanize.Comma(int64(iteration)))
}

func (r *Reporter) Snapshot(iteration uint64, snap signals.Snapshot) {
	if r.quiet {
		return
	}
	fmt.Fprintf(r.out, "... %s iterations: deliveries observed=%s noise=%s\n",
		humanize.Comma(int64(iteration)),
		humanize.Comma(int64(snap.Signals)),
		humanize.Comma(int64(snap.Noise)))
}

// Outcome writes the result line. The completion line is fixed text with the
// raw iteration count.
func (r *Reporter) Outcome(out prober.Outcome) {
	switch out.Kind {
	case prober.Completed:
		fmt.Fprintf(r.out, "No interruption observed in %d iterations — platform did not interrupt the tested operations\n",
			out.Iteration)
	case prober.InterruptDetected:
		fmt.Fprintf(r.out, "Interrupted at iteration %d: %s %s (deliveries observed=%d)\n",
			out.Iteration, out.Op, out.Path, out.Snapshot.Signals)
	case prober.FatalError:
		if out.Op == prober.OpNone {
			fmt.Fprintf(r.out, "Stopped at iteration %d: %v\n", out.Iteration, out.Err)
			return
		}
		fmt.Fprintf(r.out, "Failed at iteration %d: %s %s: %v\n", out.Iteration, out.Op, out.Path, cause(out.Err))
	}
}

func cause(err error) error {
	if pe, ok := err.(*prober.ProbeError); ok && pe.Err != nil {
		return pe.Err
	}
	return err
}

// Summary holds the totals reported after the outcome line.
type Summary struct {
	Iterations uint64
	Deliveries signals.Deliveries
}

// Summary writes the totals. Kernel figures are printed as the delivery
// count when the audit ran; the runtime-observed count is always labelled as
// merged, and the other-thread figure is only printed when measured.
func (r *Reporter) Summary(s Summary) {
	elapsed := time.Since(r.startTime)
	d := s.Deliveries
	if d.Audited {
		fmt.Fprintf(r.out, "Signals delivered: %s (prober thread: %s, other thread: %s; kernel audit)\n",
			humanize.Comma(int64(d.KernelProber+d.KernelOther)),
			humanize.Comma(int64(d.KernelProber)),
			humanize.Comma(int64(d.KernelOther)))
		fmt.Fprintf(r.out, "Deliveries observed (merged by runtime): %s (noise: %s)\n",
			humanize.Comma(int64(d.Observed)),
			humanize.Comma(int64(d.Noise)))
	} else {
		fmt.Fprintf(r.out, "Deliveries observed (merged by runtime): %s (other thread: not measured (audit disabled), noise: %s)\n",
			humanize.Comma(int64(d.Observed)),
			humanize.Comma(int64(d.Noise)))
	}
	if d.Sends > 0 {
		fmt.Fprintf(r.out, "Signals sent: %s\n", humanize.Comma(int64(d.Sends)))
	}
	rate := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(s.Iterations) / secs
	}
	fmt.Fprintf(r.out, "Elapsed: %v (%s iterations/s)\n",
		elapsed.Round(time.Millisecond), humanize.CommafWithDigits(rate, 0))
}
