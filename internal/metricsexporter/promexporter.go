package metricsexporter

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/podtrace/eintrprobe/internal/config"
	"github.com/podtrace/eintrprobe/internal/logger"
	"github.com/podtrace/eintrprobe/internal/prober"
	"github.com/podtrace/eintrprobe/internal/signals"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type snapshotFunc func() signals.Snapshot

type sendsFunc func() uint64

var (
	boundSnapshot atomic.Pointer[snapshotFunc]
	boundSends    atomic.Pointer[sendsFunc]
	lastIteration atomic.Uint64
)

func currentSnapshot() signals.Snapshot {
	if fn := boundSnapshot.Load(); fn != nil {
		return (*fn)()
	}
	return signals.Snapshot{}
}

func currentSends() uint64 {
	if fn := boundSends.Load(); fn != nil {
		return (*fn)()
	}
	return 0
}

var (
	deliveriesObservedCounter = prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "eintrprobe_deliveries_observed_total",
			Help: "Probe signal deliveries observed through the runtime signal queue (merged by runtime, a lower bound).",
		},
		func() float64 { return float64(currentSnapshot().Signals) },
	)

	noiseCounter = prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "eintrprobe_noise_signals_total",
			Help: "Noise signal deliveries.",
		},
		func() float64 { return float64(currentSnapshot().Noise) },
	)

	injectorSendsCounter = prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "eintrprobe_injector_sends_total",
			Help: "Probe signals sent by the thread injector.",
		},
		func() float64 { return float64(currentSends()) },
	)

	iterationsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eintrprobe_iterations_total",
			Help: "Probe iterations completed without interruption or error.",
		},
	)

	outcomesCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eintrprobe_outcomes_total",
			Help: "Run outcomes by kind and interrupted operation.",
		},
		[]string{"outcome", "op"},
	)

	setupFailuresCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eintrprobe_setup_failures_total",
			Help: "Runs that failed before the first iteration, by stage.",
		},
		[]string{"stage"},
	)

	auditDeliveriesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eintrprobe_audit_deliveries",
			Help: "Probe signal deliveries seen by the kernel tracepoint, by receiving thread. Only set when the delivery audit ran.",
		},
		[]string{"thread"},
	)

	runInfoGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eintrprobe_run_info",
			Help: "Configuration of the current run.",
		},
		[]string{"source", "policy", "signal"},
	)
)

func init() {
	prometheus.MustRegister(deliveriesObservedCounter)
	prometheus.MustRegister(noiseCounter)
	prometheus.MustRegister(injectorSendsCounter)
	prometheus.MustRegister(iterationsCounter)
	prometheus.MustRegister(outcomesCounter)
	prometheus.MustRegister(setupFailuresCounter)
	prometheus.MustRegister(auditDeliveriesGauge)
	prometheus.MustRegister(runInfoGauge)
}

// Bind makes the delivery counters read from snapshot and sends. Either may
// be nil. Reads happen at scrape time, never on the delivery path.
func Bind(snapshot func() signals.Snapshot, sends func() uint64) {
	if snapshot == nil {
		boundSnapshot.Store(nil)
	} else {
		fn := snapshotFunc(snapshot)
		boundSnapshot.Store(&fn)
	}
	if sends == nil {
		boundSends.Store(nil)
	} else {
		fn := sendsFunc(sends)
		boundSends.Store(&fn)
	}
}

func RecordRunInfo(source string, policy signals.RestartPolicy, signal string) {
	runInfoGauge.Reset()
	runInfoGauge.WithLabelValues(source, policy.String(), signal).Set(1)
	lastIteration.Store(0)
}

// RecordProgress advances the iteration counter to iteration.
func RecordProgress(iteration uint64) {
	for {
		prev := lastIteration.Load()
		if iteration <= prev {
			return
		}
		if lastIteration.CompareAndSwap(prev, iteration) {
			iterationsCounter.Add(float64(iteration - prev))
			return
		}
	}
}

func RecordOutcome(out prober.Outcome) {
	completed := out.Iteration
	if out.Stopped() && completed > 0 {
		completed--
	}
	RecordProgress(completed)
	outcomesCounter.WithLabelValues(out.Kind.String(), string(out.Op)).Inc()
}

func RecordSetupFailure(stage string) {
	setupFailuresCounter.WithLabelValues(stage).Inc()
}

func RecordAudit(proberThread, otherThreads uint64) {
	auditDeliveriesGauge.WithLabelValues("prober").Set(float64(proberThread))
	auditDeliveriesGauge.WithLabelValues("other").Set(float64(otherThreads))
}

// ProgressObserver feeds prober progress into the iteration counter.
type ProgressObserver struct{}

var _ prober.Observer = ProgressObserver{}

func (ProgressObserver) Progress(iteration uint64)                     { RecordProgress(iteration) }
func (ProgressObserver) Snapshot(iteration uint64, _ signals.Snapshot) { RecordProgress(iteration) }

var (
	limiter        = rate.NewLimiter(rate.Every(time.Second/time.Duration(config.RateLimitPerSec)), config.RateLimitBurst)
	maxRequestSize = int64(config.MaxRequestSize)
)

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > maxRequestSize {
			http.Error(w, "Request too large", http.StatusRequestEntityTooLarge)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestSize)
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func newMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", securityHeadersMiddleware(rateLimitMiddleware(promhttp.Handler())))
	return mux
}

// resolveAddr keeps the metrics endpoint on loopback unless explicitly
// allowed otherwise.
func resolveAddr(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if ip := net.ParseIP(host); ip != nil && !ip.IsLoopback() && !config.AllowNonLoopbackMetrics() {
		fallback := fmt.Sprintf("%s:%d", config.DefaultMetricsHost, config.DefaultMetricsPort)
		logger.Warn("Rejecting non-loopback metrics address, falling back to default",
			zap.String("requested_addr", addr),
			zap.String("fallback", fallback))
		return fallback
	}
	return addr
}

type Server struct {
	server   *http.Server
	listener net.Listener
}

// StartServer binds the metrics endpoint and serves it in the background.
func StartServer() (*Server, error) {
	addr := resolveAddr(config.GetMetricsAddress())
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:      newMux(),
		ReadTimeout:  config.DefaultMetricsReadTimeout,
		WriteTimeout: config.DefaultMetricsWriteTimeout,
	}
	srv := &Server{server: server, listener: ln}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic in metrics server", zap.Any("panic", r))
			}
		}()
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	logger.Info("Metrics server listening", zap.String("addr", ln.Addr().String()))
	return srv, nil
}

func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), config.DefaultMetricsShutdownTimeout)
		defer cancel()
		_ = s.server.Shutdown(ctx)
	}
}
