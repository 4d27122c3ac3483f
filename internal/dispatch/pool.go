package dispatch

import (
	"context"
	"errors"
	"fmt"

	"qrnotify/internal/domain"
	rtsup "qrnotify/internal/runtime/supervisor"
	logx "qrnotify/pkg/logx"
)

// Start launches the worker pool. It is idempotent.
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	if e.queue != nil {
		e.mu.Unlock()
		return
	}
	cfg := e.cfg
	e.queue = make(chan domain.Decision, cfg.QueueSize)
	e.accepting = true
	e.sup = rtsup.New(ctx,
		rtsup.WithLogger(e.log),
		// Delivery is best-effort; a failing worker must not stop the process.
		rtsup.WithCancelOnError(false),
	)
	q, sup := e.queue, e.sup
	e.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("dispatch.worker.%d", i), func(c context.Context) error {
			if e.workerLoop(c, q) {
				return nil
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("dispatch worker exited unexpectedly")
		})
	}
	e.log.Info("dispatch started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Submit enqueues d for the pool. It never blocks.
func (e *Executor) Submit(ctx context.Context, d domain.Decision) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	if !e.accepting || e.queue == nil {
		e.mu.Unlock()
		return ErrStopped
	}
	q := e.queue
	e.sendWG.Add(1)
	e.mu.Unlock()
	defer e.sendWG.Done()

	select {
	case q <- d:
		e.metrics.QueueDepth("dispatch", len(q))
		return nil
	default:
		e.log.Warn("dispatch queue full, decision dropped",
			logx.String("dedup_key", d.DedupKey),
			logx.String("kind", string(d.Kind)))
		return ErrQueueFull
	}
}

// workerLoop returns true when the queue was closed.
func (e *Executor) workerLoop(ctx context.Context, q <-chan domain.Decision) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case d, ok := <-q:
			if !ok {
				return true
			}
			e.metrics.QueueDepth("dispatch", len(q))
			if _, err := e.Dispatch(ctx, d); err != nil {
				e.log.Error("dispatch failed", logx.String("dedup_key", d.DedupKey), logx.Err(err))
			}
		}
	}
}

// Stop refuses new submissions and drains the queue until ctx ends, then
// cancels in-flight attempts. Cancelled work stays in the ledger for the
// recovery sweep.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	q, sup := e.queue, e.sup
	if q == nil || !e.accepting {
		e.mu.Unlock()
		return nil
	}
	e.accepting = false
	e.mu.Unlock()

	e.sendWG.Wait()
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

	e.mu.Lock()
	e.queue = nil
	e.sup = nil
	e.mu.Unlock()
	return err
}
