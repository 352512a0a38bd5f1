package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/podtrace/eintrprobe/internal/config"
	"github.com/podtrace/eintrprobe/internal/signals"
	"github.com/podtrace/eintrprobe/internal/system"
)

type envReport struct {
	Time                string            `json:"time"`
	Version             string            `json:"version"`
	GoVersion           string            `json:"goVersion"`
	GOOS                string            `json:"goos"`
	GOARCH              string            `json:"goarch"`
	Uname               system.Uname      `json:"uname"`
	KernelVersion       string            `json:"kernelVersion"`
	PID                 int               `json:"pid"`
	EUID                int               `json:"euid"`
	RestartPolicies     map[string]string `json:"restartPolicies"`
	Tracepoint          string            `json:"signalDeliverTracepoint"`
	TracepointAvailable bool              `json:"signalDeliverTracepointAvailable"`
	BTFVmlinux          bool              `json:"btfVmlinuxPresent"`
	AuditSupported      bool              `json:"auditSupported"`
	Warnings            []string          `json:"warnings"`
}

var probeSignals = []syscall.Signal{syscall.SIGALRM, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGCHLD}

func newDiagnoseEnvCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diagnose-env",
		Short: "Print environment diagnostics for eintrprobe (kernel/signals/tracepoints)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rep := collectEnvReport()
			out, err := json.MarshalIndent(rep, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	return cmd
}

func collectEnvReport() envReport {
	rep := envReport{
		Time:            time.Now().Format(time.RFC3339),
		Version:         config.GetVersion(),
		GoVersion:       runtime.Version(),
		GOOS:            runtime.GOOS,
		GOARCH:          runtime.GOARCH,
		PID:             os.Getpid(),
		EUID:            os.Geteuid(),
		RestartPolicies: make(map[string]string, len(probeSignals)),
	}

	if u, err := system.ReadUname(); err == nil {
		rep.Uname = u
	} else {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("uname failed: %v", err))
	}
	if v, err := system.KernelVersionFromProc(); err == nil {
		rep.KernelVersion = v.String()
	} else {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("failed to read kernel version: %v", err))
	}

	// The runtime only guarantees its own handler once a signal is notified.
	ch := make(chan os.Signal, 1)
	for _, sig := range probeSignals {
		signal.Notify(ch, sig)
	}
	for _, sig := range probeSignals {
		policy, err := signals.CurrentRestartPolicy(sig)
		if err != nil {
			rep.RestartPolicies[signals.SignalName(sig)] = "unknown: " + err.Error()
			continue
		}
		rep.RestartPolicies[signals.SignalName(sig)] = policy.String()
	}
	signal.Stop(ch)

	rep.Tracepoint, rep.TracepointAvailable = system.SignalDeliverTracepoint()
	if _, err := os.Stat("/sys/kernel/btf/vmlinux"); err == nil {
		rep.BTFVmlinux = true
	}

	if err := system.CheckAuditRequirements(); err != nil {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("delivery audit unavailable: %v", err))
	} else {
		rep.AuditSupported = true
	}
	if rep.EUID != 0 {
		rep.Warnings = append(rep.Warnings, "not running as root; --audit needs CAP_BPF and CAP_PERFMON")
	}
	return rep
}
