package rules

import (
	"context"
	"sync/atomic"
	"time"

	"qrnotify/internal/domain"
	"qrnotify/internal/metrics"
	"qrnotify/internal/recipients"
	logx "qrnotify/pkg/logx"
)

// LedgerReader is the read side of the ledger used for suppression.
type LedgerReader interface {
	Get(ctx context.Context, key string) (domain.LedgerEntry, bool, error)
}

// Engine wraps Decide with a read-through ledger check so already reserved
// keys are not rendered again. The executor's Reserve stays authoritative.
type Engine struct {
	cfg     atomic.Pointer[Config]
	ledger  LedgerReader
	stats   recipients.StatsProvider
	metrics *metrics.Metrics
	log     logx.Logger
}

type Option func(*Engine)

// WithStats enables real scan counts in the monthly report.
func WithStats(s recipients.StatsProvider) Option { return func(e *Engine) { e.stats = s } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithLogger(log logx.Logger) Option {
	return func(e *Engine) { e.log = log.Named("rules") }
}

func NewEngine(cfg Config, l LedgerReader, opts ...Option) *Engine {
	e := &Engine{ledger: l}
	for _, o := range opts {
		o(e)
	}
	e.SetConfig(cfg)
	return e
}

// SetConfig swaps thresholds at runtime.
func (e *Engine) SetConfig(cfg Config) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	e.cfg.Store(&cfg)
}

func (e *Engine) Config() Config { return *e.cfg.Load() }

// Evaluate handles an event-driven fact.
func (e *Engine) Evaluate(ctx context.Context, f domain.TriggerFact, r domain.Recipient) (domain.Decision, bool, error) {
	return e.evaluate(ctx, f, r, "event")
}

// ScanDecisions evaluates the time-based kinds for one recipient at now.
func (e *Engine) ScanDecisions(ctx context.Context, r domain.Recipient, now time.Time) ([]domain.Decision, error) {
	var out []domain.Decision
	for _, k := range domain.ScanKinds {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		d, ok, err := e.evaluate(ctx, domain.TriggerFact{Kind: k, RecipientID: r.ID, OccurredAt: now}, r, "scan")
		if err != nil {
			return out, err
		}
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (e *Engine) evaluate(ctx context.Context, f domain.TriggerFact, r domain.Recipient, source string) (domain.Decision, bool, error) {
	cfg := e.Config()
	if f.OccurredAt.IsZero() {
		f.OccurredAt = time.Now()
	}
	d, ok := Decide(cfg, f, r)
	if !ok {
		return domain.Decision{}, false, nil
	}

	if e.ledger != nil {
		entry, found, err := e.ledger.Get(ctx, d.DedupKey)
		if err != nil {
			return domain.Decision{}, false, err
		}
		if found {
			e.log.Trace("decision suppressed",
				logx.String("dedup_key", d.DedupKey),
				logx.String("status", string(entry.Status)))
			return domain.Decision{}, false, nil
		}
	}

	if d.Kind == domain.KindMonthlyReport && e.stats != nil {
		from, to := ReportPeriod(f.OccurredAt, cfg.Location)
		st, err := e.stats.ReportStats(ctx, r.ID, from, to)
		if err != nil {
			return domain.Decision{}, false, err
		}
		d.Payload["total_qr"] = st.TotalQR
		d.Payload["total_scans"] = st.TotalScans
		d.Payload["month_scans"] = st.PeriodScans
	}

	e.metrics.Decision(string(d.Kind), source)
	return d, true, nil
}
