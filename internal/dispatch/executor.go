package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"qrnotify/internal/alert"
	"qrnotify/internal/config"
	"qrnotify/internal/domain"
	"qrnotify/internal/ledger"
	"qrnotify/internal/metrics"
	"qrnotify/internal/render"
	rtsup "qrnotify/internal/runtime/supervisor"
	"qrnotify/internal/transport"
	logx "qrnotify/pkg/logx"
)

var (
	ErrQueueFull = errors.New("dispatch: queue full")
	ErrStopped   = errors.New("dispatch: executor stopped")
)

// commitTimeout bounds ledger writes that must survive caller cancellation.
const commitTimeout = 5 * time.Second

// Config is the executor's runtime configuration.
type Config struct {
	From     string
	FromName string

	// MaxAttempts is the total transport attempts per dedup key.
	MaxAttempts   int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	// RatePerSec limits provider calls; 0 means unlimited.
	RatePerSec int

	Workers   int
	QueueSize int

	GracePeriod   time.Duration
	RecoveryBatch int
}

func FromConfig(c *config.Config) Config {
	return Config{
		From:          c.Sender.Address,
		FromName:      c.Sender.DisplayName,
		MaxAttempts:   c.Dispatch.RetryMaxAttempts,
		RetryBase:     c.Dispatch.RetryBaseDuration(),
		RetryMaxDelay: c.Dispatch.RetryMaxDelayDuration(),
		SendTimeout:   c.Transport.TimeoutDuration(),
		RatePerSec:    c.Transport.RatePerSec,
		Workers:       c.Dispatch.Workers,
		QueueSize:     c.Dispatch.QueueSize,
		GracePeriod:   c.Ledger.GracePeriod(),
		RecoveryBatch: c.Ledger.RecoveryBatch,
	}
}

func normalize(cfg Config) Config {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = config.DefaultRetryBase
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = config.DefaultRetryMaxDelay
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = config.DefaultTransportTimeout
	}
	if cfg.RatePerSec < 0 {
		cfg.RatePerSec = 0
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = config.DefaultGracePeriod
	}
	if cfg.RecoveryBatch <= 0 {
		cfg.RecoveryBatch = 100
	}
	return cfg
}

// Report describes what Dispatch did with one decision.
type Report struct {
	DedupKey string
	// Duplicate is set when the key was already reserved; nothing was sent.
	Duplicate bool
	Status    domain.Status
	Attempts  int
	Response  string
}

// Executor turns decisions into at most one delivered message per dedup key.
//
// It is safe for concurrent use. Dispatch runs the lifecycle synchronously;
// Submit hands decisions to the worker pool started by Start.
type Executor struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	ledger    ledger.Ledger
	renderer  render.Renderer
	transport transport.Transport
	alerts    alert.Sink
	metrics   *metrics.Metrics
	log       logx.Logger
	now       func() time.Time

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan domain.Decision
	sup       *rtsup.Supervisor
}

type Option func(*Executor)

func WithAlerts(s alert.Sink) Option { return func(e *Executor) { e.alerts = s } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Executor) { e.metrics = m } }

func WithLogger(log logx.Logger) Option { return func(e *Executor) { e.log = log } }

// WithClock overrides time.Now for ledger timestamps.
func WithClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }

func New(cfg Config, l ledger.Ledger, r render.Renderer, t transport.Transport, opts ...Option) *Executor {
	e := &Executor{ledger: l, renderer: r, transport: t, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	e.log = e.log.Named("dispatch")
	if e.alerts == nil {
		e.alerts = alert.NewLog(e.log)
	}
	e.applyLocked(cfg)
	return e
}

// Apply swaps retry and rate settings. Pool size changes need a restart.
func (e *Executor) Apply(cfg Config) {
	e.mu.Lock()
	e.applyLocked(cfg)
	e.mu.Unlock()
}

func (e *Executor) applyLocked(cfg Config) {
	cfg = normalize(cfg)
	e.cfg = cfg
	if cfg.RatePerSec == 0 {
		e.limiter = rate.NewLimiter(rate.Inf, 0)
		return
	}
	e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (e *Executor) snapshot() (Config, *rate.Limiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg, e.limiter
}

// Dispatch reserves the decision's dedup key and, if acquired, renders,
// sends and commits it, retrying retryable failures with backoff.
//
// AlreadyTaken is the normal idempotent path and returns a Duplicate report
// with a nil error. Errors are ledger failures only; delivery failures end in
// the report's Status.
func (e *Executor) Dispatch(ctx context.Context, d domain.Decision) (Report, error) {
	rep := Report{DedupKey: d.DedupKey}
	res, err := e.ledger.Reserve(ctx, ledger.Reservation{Decision: d, At: e.now()})
	if err != nil {
		return rep, fmt.Errorf("dispatch: reserve %s: %w", d.DedupKey, err)
	}
	if res == ledger.AlreadyTaken {
		e.metrics.Duplicate(string(d.Kind))
		e.log.Debug("dedup key already reserved", logx.String("dedup_key", d.DedupKey))
		rep.Duplicate = true
		return rep, nil
	}

	cfg, lim := e.snapshot()
	content, err := e.renderer.Render(d.Kind, d.Payload)
	if err != nil {
		return e.finish(ctx, d, rep, domain.StatusFailedPermanent, "render", err.Error())
	}
	msg := e.message(d, content)

	for {
		if err := lim.Wait(ctx); err != nil {
			// Not attempted; the entry stays non-terminal for the sweep.
			if rep.Status == "" {
				rep.Status = domain.StatusPending
			}
			return rep, nil
		}
		n, err := e.ledger.MarkAttempt(ctx, d.DedupKey, e.now())
		if err != nil {
			return rep, fmt.Errorf("dispatch: mark attempt %s: %w", d.DedupKey, err)
		}
		rep.Attempts = n

		sendErr := e.send(ctx, cfg, msg)
		switch {
		case sendErr == nil:
			return e.finish(ctx, d, rep, domain.StatusSent, "accepted", "")
		case transport.IsPermanent(sendErr):
			return e.finish(ctx, d, rep, domain.StatusFailedPermanent, transport.Code(sendErr), sendErr.Error())
		case n >= cfg.MaxAttempts:
			return e.finish(ctx, d, rep, domain.StatusFailedPermanent, transport.Code(sendErr), "retry budget exhausted: "+sendErr.Error())
		}

		e.log.Debug("send failed, will retry",
			logx.String("dedup_key", d.DedupKey),
			logx.Int("attempt", n),
			logx.Int("max", cfg.MaxAttempts),
			logx.Err(sendErr))
		rep, err = e.finish(ctx, d, rep, domain.StatusFailedRetryable, transport.Code(sendErr), "")
		if err != nil {
			return rep, err
		}
		if !sleepCtx(ctx, retryDelay(cfg, n)) {
			return rep, nil
		}
	}
}

func (e *Executor) message(d domain.Decision, c render.Content) transport.Message {
	cfg, _ := e.snapshot()
	return transport.Message{
		To:       d.Email,
		ToName:   d.Payload.String("name"),
		From:     cfg.From,
		FromName: cfg.FromName,
		Subject:  c.Subject,
		HTML:     c.HTML,
		DedupKey: d.DedupKey,
	}
}

// send bounds one provider call by the transport timeout.
func (e *Executor) send(ctx context.Context, cfg Config, msg transport.Message) error {
	callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	_, err := e.transport.Send(callCtx, msg)
	return err
}

// finish commits status and emits the operator record for permanent failures.
// reason is only used for the alert.
func (e *Executor) finish(ctx context.Context, d domain.Decision, rep Report, status domain.Status, response, reason string) (Report, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if err := e.ledger.Commit(cctx, d.DedupKey, ledger.Outcome{Status: status, ProviderResponse: response}); err != nil {
		return rep, fmt.Errorf("dispatch: commit %s: %w", d.DedupKey, err)
	}
	rep.Status = status
	rep.Response = response
	e.metrics.Outcome(string(d.Kind), string(status))

	switch status {
	case domain.StatusSent:
		e.log.Info("notification sent",
			logx.String("dedup_key", d.DedupKey),
			logx.String("kind", string(d.Kind)),
			logx.Int("attempts", rep.Attempts))
	case domain.StatusFailedPermanent:
		e.emit(cctx, alert.Record{
			Type:        alert.FailedPermanent,
			DedupKey:    d.DedupKey,
			Kind:        d.Kind,
			RecipientID: d.RecipientID,
			Attempts:    rep.Attempts,
			Outcome:     status,
			Response:    response,
			Reason:      reason,
		})
	}
	return rep, nil
}

func (e *Executor) emit(ctx context.Context, r alert.Record) {
	if r.At.IsZero() {
		r.At = e.now()
	}
	if err := e.alerts.Emit(ctx, r); err != nil {
		e.log.Warn("operator alert not delivered", logx.String("dedup_key", r.DedupKey), logx.Err(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
