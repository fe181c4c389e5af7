// Package metrics exposes the always-on internal Prometheus metrics and
// health endpoint, grounded on the teacher's startMetricsServer
// (supervisor.go): promhttp `/metrics` plus a liveness `/healthz`, bound
// to loopback only. Generalized from the teacher's single restart/crash
// counters to per-status gauges and cron/retry counters that make sense
// for a multi-daemon supervisor. This is distinct from the optional
// PITCHFORK_WEB_PORT dashboard (out of scope for the core per spec.md
// §1), which would be a separate HTTP collaborator layered on top.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wardenhq/warden/internal/daemonid"
)

// Metrics bundles every Prometheus collector the supervisor maintains.
type Metrics struct {
	DaemonsByStatus  *prometheus.GaugeVec
	RestartsTotal    *prometheus.CounterVec
	CrashLoopsTotal  *prometheus.CounterVec
	CronFiresTotal   *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec
	ReadySeconds     *prometheus.HistogramVec
	ProbeCommandFail *prometheus.CounterVec

	registry *prometheus.Registry
}

// New constructs and registers every collector against a private
// registry (never the global default, so tests can construct multiple
// independent Metrics instances safely).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		DaemonsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "warden_daemons_by_status",
			Help: "Number of daemons currently in each status.",
		}, []string{"status"}),
		RestartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_restarts_total",
			Help: "Total daemon restarts, by daemon id.",
		}, []string{"daemon_id"}),
		CrashLoopsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_crash_loops_total",
			Help: "Total crash-loop detections, by daemon id.",
		}, []string{"daemon_id"}),
		CronFiresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_cron_fires_total",
			Help: "Total cron-triggered runs, by daemon id.",
		}, []string{"daemon_id"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_retries_total",
			Help: "Total asynchronous retry attempts, by daemon id.",
		}, []string{"daemon_id"}),
		ReadySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_ready_seconds",
			Help:    "Time from spawn to readiness, by daemon id.",
			Buckets: prometheus.DefBuckets,
		}, []string{"daemon_id"}),
		ProbeCommandFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_probe_command_failures_total",
			Help: "Total readiness probe failures, by daemon id and probe kind.",
		}, []string{"daemon_id", "probe"}),
		registry: reg,
	}
	reg.MustRegister(
		m.DaemonsByStatus,
		m.RestartsTotal,
		m.CrashLoopsTotal,
		m.CronFiresTotal,
		m.RetriesTotal,
		m.ReadySeconds,
		m.ProbeCommandFail,
	)
	return m
}

func (m *Metrics) ObserveReady(id daemonid.ID, d time.Duration) {
	m.ReadySeconds.WithLabelValues(id.Qualified()).Observe(d.Seconds())
}

func (m *Metrics) IncRestart(id daemonid.ID)   { m.RestartsTotal.WithLabelValues(id.Qualified()).Inc() }
func (m *Metrics) IncCrashLoop(id daemonid.ID) { m.CrashLoopsTotal.WithLabelValues(id.Qualified()).Inc() }
func (m *Metrics) IncCronFire(id daemonid.ID)  { m.CronFiresTotal.WithLabelValues(id.Qualified()).Inc() }
func (m *Metrics) IncRetry(id daemonid.ID)     { m.RetriesTotal.WithLabelValues(id.Qualified()).Inc() }

// SetStatusCounts replaces the per-status gauge values with a fresh
// tally, called after every registry snapshot.
func (m *Metrics) SetStatusCounts(counts map[string]int) {
	m.DaemonsByStatus.Reset()
	for status, n := range counts {
		m.DaemonsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// Server exposes /metrics and /healthz on addr, bound to loopback per
// SPEC_FULL.md's "always-on internal metrics" ambient-stack carryover.
type Server struct {
	httpServer *http.Server
}

// NewServer builds (but does not start) the metrics HTTP server.
func (m *Metrics) NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &Server{httpServer: &http.Server{Addr: addr, Handler: mux}}
}

// Run starts serving and blocks until ctx is cancelled, then shuts down
// gracefully (mirrors the teacher's startMetricsServer done-channel
// pattern, generalized to context.Context).
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
