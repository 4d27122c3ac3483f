package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qrnotify/internal/transport"
)

const namespace = "qrnotify"

// Metrics owns a private registry so tests and multiple instances never
// collide on the default one.
type Metrics struct {
	reg *prometheus.Registry

	// decisions counts rule engine output.
	// Labels: kind, source ("event" or "scan").
	decisions *prometheus.CounterVec
	// outcomes counts ledger commits.
	// Labels: kind, status.
	outcomes *prometheus.CounterVec
	// duplicates counts reservations that found an existing entry.
	duplicates *prometheus.CounterVec
	sends      *prometheus.HistogramVec
	recoveries *prometheus.CounterVec
	queueDepth *prometheus.GaugeVec
	scans      *prometheus.CounterVec
	scanTime   prometheus.Histogram
	events     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rules", Name: "decisions_total",
			Help: "Notification decisions emitted by the rule engine.",
		}, []string{"kind", "source"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "outcomes_total",
			Help: "Ledger commits by kind and status.",
		}, []string{"kind", "status"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "duplicates_total",
			Help: "Decisions dropped because the dedup key was already reserved.",
		}, []string{"kind"}),
		sends: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "transport", Name: "send_duration_seconds",
			Help:    "Transport send latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "result"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "recoveries_total",
			Help: "Stale entries retried by the recovery sweep, by resulting status.",
		}, []string{"status"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Items waiting in an in-process queue.",
		}, []string{"queue"}),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scan", Name: "runs_total",
			Help: "Campaign scan runs by result (ok, error, canceled, skipped).",
		}, []string{"result"}),
		scanTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scan", Name: "duration_seconds",
			Help:    "Campaign scan run duration.",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900},
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "received_total",
			Help: "Raw events received by source and result.",
		}, []string{"source", "result"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.decisions, m.outcomes, m.duplicates, m.sends, m.recoveries,
		m.queueDepth, m.scans, m.scanTime, m.events,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// All recorders are nil-safe so components can run without metrics.

func (m *Metrics) Decision(kind, source string) {
	if m != nil {
		m.decisions.WithLabelValues(kind, source).Inc()
	}
}

func (m *Metrics) Outcome(kind, status string) {
	if m != nil {
		m.outcomes.WithLabelValues(kind, status).Inc()
	}
}

func (m *Metrics) Duplicate(kind string) {
	if m != nil {
		m.duplicates.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Recovery(status string) {
	if m != nil {
		m.recoveries.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) QueueDepth(queue string, n int) {
	if m != nil {
		m.queueDepth.WithLabelValues(queue).Set(float64(n))
	}
}

func (m *Metrics) ScanRun(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(result).Inc()
	if result != "skipped" {
		m.scanTime.Observe(d.Seconds())
	}
}

func (m *Metrics) Event(source, result string) {
	if m != nil {
		m.events.WithLabelValues(source, result).Inc()
	}
}

// Transport wraps t so every send is timed.
func (m *Metrics) Transport(t transport.Transport) transport.Transport {
	if m == nil {
		return t
	}
	return &timedTransport{inner: t, hist: m.sends}
}

type timedTransport struct {
	inner transport.Transport
	hist  *prometheus.HistogramVec
}

func (t *timedTransport) Name() string { return t.inner.Name() }

func (t *timedTransport) Send(ctx context.Context, msg transport.Message) (transport.Receipt, error) {
	start := time.Now()
	rc, err := t.inner.Send(ctx, msg)
	result := "accepted"
	switch {
	case err == nil:
	case transport.IsPermanent(err):
		result = "permanent"
	default:
		result = "retryable"
	}
	t.hist.WithLabelValues(t.inner.Name(), result).Observe(time.Since(start).Seconds())
	return rc, err
}
