package scan

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"qrnotify/internal/domain"
	"qrnotify/internal/metrics"
	"qrnotify/internal/recipients"
	logx "qrnotify/pkg/logx"
)

// ErrRunning is returned when a run is requested while one is in flight.
var ErrRunning = errors.New("scan: run already in progress")

// Evaluator produces the time-based decisions for one recipient.
type Evaluator interface {
	ScanDecisions(ctx context.Context, r domain.Recipient, now time.Time) ([]domain.Decision, error)
}

// Sink receives scan decisions.
type Sink interface {
	Submit(ctx context.Context, d domain.Decision) error
}

type SinkFunc func(ctx context.Context, d domain.Decision) error

func (f SinkFunc) Submit(ctx context.Context, d domain.Decision) error { return f(ctx, d) }

type Config struct {
	Concurrency int
	PageSize    int
	// Timeout bounds one run; 0 means no limit.
	Timeout time.Duration
}

// Result summarizes one run.
type Result struct {
	Recipients int
	Decisions  int
	Errors     int
	Duration   time.Duration
}

// Scanner walks the recipient population and feeds scan-driven decisions to
// the sink. It holds no state between runs: every run re-evaluates everyone
// and relies on the ledger to suppress what was already sent.
type Scanner struct {
	store   recipients.Store
	eval    Evaluator
	sink    Sink
	metrics *metrics.Metrics
	log     logx.Logger
	now     func() time.Time

	mu      sync.Mutex
	cfg     Config
	running atomic.Bool
	last    atomic.Pointer[Result]
}

type Option func(*Scanner)

func WithMetrics(m *metrics.Metrics) Option { return func(s *Scanner) { s.metrics = m } }

func WithLogger(log logx.Logger) Option { return func(s *Scanner) { s.log = log } }

func WithClock(now func() time.Time) Option { return func(s *Scanner) { s.now = now } }

func NewScanner(cfg Config, store recipients.Store, eval Evaluator, sink Sink, opts ...Option) *Scanner {
	s := &Scanner{store: store, eval: eval, sink: sink, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.Named("scan")
	s.Apply(cfg)
	return s
}

func (s *Scanner) Apply(cfg Config) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Running reports whether a run is in flight.
func (s *Scanner) Running() bool { return s.running.Load() }

// Last returns the most recent finished run, if any.
func (s *Scanner) Last() (Result, bool) {
	if r := s.last.Load(); r != nil {
		return *r, true
	}
	return Result{}, false
}

// RunOnce performs one full pass. Concurrent calls get ErrRunning.
//
// Cancelling ctx stops the pass between recipients; anything not yet
// evaluated is picked up by the next run.
func (s *Scanner) RunOnce(ctx context.Context) (Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.ScanRun("skipped", 0)
		s.log.Debug("scan skipped, previous run still in flight")
		return Result{}, ErrRunning
	}
	defer s.running.Store(false)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	now := s.now()
	var seen, decided, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	err := recipients.Each(gctx, s.store, cfg.PageSize, func(r domain.Recipient) error {
		seen.Add(1)
		g.Go(func() error {
			ds, err := s.eval.ScanDecisions(gctx, r, now)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed.Add(1)
				s.log.Warn("scan evaluation failed", logx.String("recipient_id", r.ID), logx.Err(err))
				return nil
			}
			for _, d := range ds {
				if err := s.sink.Submit(gctx, d); err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					failed.Add(1)
					s.log.Warn("scan submit failed", logx.String("dedup_key", d.DedupKey), logx.Err(err))
					continue
				}
				decided.Add(1)
			}
			return nil
		})
		return nil
	})
	if werr := g.Wait(); err == nil {
		err = werr
	}

	res := Result{
		Recipients: int(seen.Load()),
		Decisions:  int(decided.Load()),
		Errors:     int(failed.Load()),
		Duration:   time.Since(start),
	}
	s.last.Store(&res)

	result := "ok"
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		result = "canceled"
	case err != nil:
		result = "error"
	}
	s.metrics.ScanRun(result, res.Duration)
	s.log.Info("scan finished",
		logx.String("result", result),
		logx.Int("recipients", res.Recipients),
		logx.Int("decisions", res.Decisions),
		logx.Int("errors", res.Errors),
		logx.Duration("took", res.Duration))
	return res, err
}
