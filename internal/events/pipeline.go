package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"qrnotify/internal/dispatch"
	"qrnotify/internal/domain"
	"qrnotify/internal/metrics"
	"qrnotify/internal/recipients"
	rtsup "qrnotify/internal/runtime/supervisor"
	logx "qrnotify/pkg/logx"
)

var (
	ErrQueueFull = errors.New("events: queue full")
	ErrStopped   = errors.New("events: pipeline stopped")
)

// Evaluator decides what a fact should send.
type Evaluator interface {
	Evaluate(ctx context.Context, f domain.TriggerFact, r domain.Recipient) (domain.Decision, bool, error)
}

// Submitter accepts decisions without blocking; dispatch.Executor implements it.
type Submitter interface {
	Submit(ctx context.Context, d domain.Decision) error
}

type PipelineConfig struct {
	Workers   int
	QueueSize int
}

// Pipeline is the asynchronous path from an accepted event to the dispatcher.
// Ingest only enqueues; lookups, rules and dispatch happen on the workers.
type Pipeline struct {
	store   recipients.Store
	eval    Evaluator
	sink    Submitter
	metrics *metrics.Metrics
	log     logx.Logger

	mu        sync.Mutex
	cfg       PipelineConfig
	accepting bool
	sendWG    sync.WaitGroup
	queue     chan domain.TriggerFact
	sup       *rtsup.Supervisor
}

type PipelineOption func(*Pipeline)

func WithMetrics(m *metrics.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

func WithLogger(log logx.Logger) PipelineOption {
	return func(p *Pipeline) { p.log = log }
}

func NewPipeline(cfg PipelineConfig, store recipients.Store, eval Evaluator, sink Submitter, opts ...PipelineOption) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	p := &Pipeline{cfg: cfg, store: store, eval: eval, sink: sink}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.Named("events")
	return p
}

// Start launches the workers. It is idempotent.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.queue != nil {
		p.mu.Unlock()
		return
	}
	cfg := p.cfg
	p.queue = make(chan domain.TriggerFact, cfg.QueueSize)
	p.accepting = true
	p.sup = rtsup.New(ctx,
		rtsup.WithLogger(p.log),
		rtsup.WithCancelOnError(false),
	)
	q, sup := p.queue, p.sup
	p.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("events.worker.%d", i), func(c context.Context) error {
			if p.workerLoop(c, q) {
				return nil
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("events worker exited unexpectedly")
		})
	}
	p.log.Info("event pipeline started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Enqueue adds facts in order and never blocks. It returns how many were
// queued; on ErrQueueFull the rest were not.
func (p *Pipeline) Enqueue(ctx context.Context, facts ...domain.TriggerFact) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	if !p.accepting || p.queue == nil {
		p.mu.Unlock()
		return 0, ErrStopped
	}
	q := p.queue
	p.sendWG.Add(1)
	p.mu.Unlock()
	defer p.sendWG.Done()

	for i, f := range facts {
		select {
		case q <- f:
		default:
			p.log.Warn("event queue full", logx.Int("dropped", len(facts)-i))
			p.metrics.QueueDepth("events", len(q))
			return i, ErrQueueFull
		}
	}
	p.metrics.QueueDepth("events", len(q))
	return len(facts), nil
}

func (p *Pipeline) workerLoop(ctx context.Context, q <-chan domain.TriggerFact) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case f, ok := <-q:
			if !ok {
				return true
			}
			p.metrics.QueueDepth("events", len(q))
			if err := p.Handle(ctx, f); err != nil && ctx.Err() == nil {
				p.log.Warn("event handling failed",
					logx.String("fact_id", f.ID),
					logx.String("kind", string(f.Kind)),
					logx.String("recipient_id", f.RecipientID),
					logx.Err(err))
			}
		}
	}
}

// Handle runs one fact synchronously: recipient lookup, rules, submit.
// An unknown recipient is not an error; the fact is dropped.
func (p *Pipeline) Handle(ctx context.Context, f domain.TriggerFact) error {
	r, ok, err := p.store.Get(ctx, f.RecipientID)
	if err != nil {
		return fmt.Errorf("lookup recipient: %w", err)
	}
	if !ok {
		p.log.Debug("event for unknown recipient", logx.String("recipient_id", f.RecipientID), logx.String("kind", string(f.Kind)))
		return nil
	}
	d, ok, err := p.eval.Evaluate(ctx, f, r)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	if !ok {
		return nil
	}
	return p.submit(ctx, d)
}

// submit waits out a full dispatch queue so an accepted event is not lost to
// a burst.
func (p *Pipeline) submit(ctx context.Context, d domain.Decision) error {
	wait := 50 * time.Millisecond
	for {
		err := p.sink.Submit(ctx, d)
		if !errors.Is(err, dispatch.ErrQueueFull) {
			return err
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if wait *= 2; wait > time.Second {
			wait = time.Second
		}
	}
}

// Stop refuses new events, lets the workers drain the queue until ctx ends,
// then cancels them.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	q, sup := p.queue, p.sup
	if q == nil || !p.accepting {
		p.mu.Unlock()
		return nil
	}
	p.accepting = false
	p.mu.Unlock()

	p.sendWG.Wait()
	close(q)

	done := make(chan error, 1)
	go func() { done <- sup.Wait(context.Background()) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		sup.Cancel()
		err = <-done
	}

	p.mu.Lock()
	p.queue = nil
	p.sup = nil
	p.mu.Unlock()
	return err
}
