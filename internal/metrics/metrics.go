// Package metrics exposes per-stream sync progress to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/84hero/token-indexer/pkg/scanner"
)

const namespace = "indexer"

// Metrics implements scanner.Observer.
type Metrics struct {
	WindowsTotal   *prometheus.CounterVec
	EventsTotal    *prometheus.CounterVec
	RecordsTotal   *prometheus.CounterVec
	DroppedTotal   *prometheus.CounterVec
	ErrorsTotal    *prometheus.CounterVec
	Checkpoint     *prometheus.GaugeVec
	WindowDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		WindowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_total",
			Help:      "Processed block windows by outcome",
		}, []string{"stream", "status"}), // "ok", "degraded"
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_fetched_total",
			Help:      "Decoded events fetched",
		}, []string{"stream"}),
		RecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_applied_total",
			Help:      "Records merged into the store",
		}, []string{"stream"}),
		DroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped as unmappable",
		}, []string{"stream"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by pipeline stage",
		}, []string{"stream", "stage"}),
		Checkpoint: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_block",
			Help:      "Last committed block",
		}, []string{"stream"}),
		WindowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "window_duration_seconds",
			Help:      "Time to fetch, map and commit one window",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stream"}),
	}
	m.registry.MustRegister(
		m.WindowsTotal, m.EventsTotal, m.RecordsTotal, m.DroppedTotal,
		m.ErrorsTotal, m.Checkpoint, m.WindowDuration,
	)
	return m
}

func (m *Metrics) ObserveWindow(stream string, _ scanner.Window, res scanner.WindowResult, took time.Duration) {
	status := "ok"
	if res.Degraded {
		status = "degraded"
	}
	m.WindowsTotal.WithLabelValues(stream, status).Inc()
	m.EventsTotal.WithLabelValues(stream).Add(float64(res.Fetched))
	m.RecordsTotal.WithLabelValues(stream).Add(float64(res.Applied))
	m.DroppedTotal.WithLabelValues(stream).Add(float64(res.Dropped))
	m.WindowDuration.WithLabelValues(stream).Observe(took.Seconds())
}

func (m *Metrics) ObserveCheckpoint(stream string, block uint64) {
	m.Checkpoint.WithLabelValues(stream).Set(float64(block))
}

func (m *Metrics) ObserveError(stream, stage string) {
	m.ErrorsTotal.WithLabelValues(stream, stage).Inc()
}

// Handler serves /metrics and /healthz.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Serve listens on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("Metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
