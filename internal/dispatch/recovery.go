package dispatch

import (
	"context"
	"fmt"

	"qrnotify/internal/alert"
	"qrnotify/internal/domain"
	"qrnotify/internal/transport"
	logx "qrnotify/pkg/logx"
)

// RecoverStale gives every non-terminal entry idle for longer than the grace
// period exactly one more transport attempt. It returns how many entries this
// sweeper claimed.
//
// Outcomes: accepted -> SENT; permanent -> FAILED_PERMANENT; retryable ->
// FAILED_RETRYABLE while the attempt budget remains, FAILED_PERMANENT after.
// Entries claimed by a concurrent sweeper are skipped.
func (e *Executor) RecoverStale(ctx context.Context) (int, error) {
	cfg, lim := e.snapshot()
	now := e.now()
	stale, err := e.ledger.Stale(ctx, now.Add(-cfg.GracePeriod), cfg.RecoveryBatch)
	if err != nil {
		return 0, fmt.Errorf("dispatch: list stale: %w", err)
	}

	claimed := 0
	for _, entry := range stale {
		if err := ctx.Err(); err != nil {
			return claimed, err
		}
		ok, err := e.ledger.Claim(ctx, entry, e.now())
		if err != nil {
			return claimed, fmt.Errorf("dispatch: claim %s: %w", entry.DedupKey, err)
		}
		if !ok {
			continue
		}
		claimed++
		e.recoverOne(ctx, cfg, lim.Wait, entry)
	}
	if claimed > 0 {
		e.log.Info("recovery sweep finished", logx.Int("stale", len(stale)), logx.Int("claimed", claimed))
	}
	return claimed, nil
}

func (e *Executor) recoverOne(ctx context.Context, cfg Config, wait func(context.Context) error, entry domain.LedgerEntry) {
	d := entry.Decision()
	attempts := entry.AttemptCount + 1
	rep := Report{DedupKey: d.DedupKey, Attempts: attempts}
	prev := entry.Status

	var (
		status   domain.Status
		response string
		reason   string
	)
	content, err := e.renderer.Render(d.Kind, d.Payload)
	switch {
	case err != nil:
		status, response, reason = domain.StatusFailedPermanent, "render", err.Error()
	case wait(ctx) != nil:
		// Claimed but not attempted; budget accounting already counted it.
		status, response, reason = domain.StatusFailedRetryable, "canceled", "recovery canceled before send"
		if attempts >= cfg.MaxAttempts {
			status = domain.StatusFailedPermanent
		}
	default:
		sendErr := e.send(ctx, cfg, e.message(d, content))
		switch {
		case sendErr == nil:
			status, response = domain.StatusSent, "accepted"
		case transport.IsPermanent(sendErr):
			status, response, reason = domain.StatusFailedPermanent, transport.Code(sendErr), sendErr.Error()
		case attempts >= cfg.MaxAttempts:
			status, response, reason = domain.StatusFailedPermanent, transport.Code(sendErr), "retry budget exhausted: "+sendErr.Error()
		default:
			status, response, reason = domain.StatusFailedRetryable, transport.Code(sendErr), sendErr.Error()
		}
	}

	rep, err = e.finish(ctx, d, rep, status, response, reason)
	if err != nil {
		e.log.Error("recovery commit failed", logx.String("dedup_key", d.DedupKey), logx.Err(err))
		return
	}
	e.metrics.Recovery(string(rep.Status))
	e.emit(context.WithoutCancel(ctx), alert.Record{
		Type:        alert.Recovery,
		DedupKey:    d.DedupKey,
		Kind:        d.Kind,
		RecipientID: d.RecipientID,
		Attempts:    attempts,
		Outcome:     rep.Status,
		Response:    response,
		Reason:      "stale " + string(prev) + " entry retried",
	})
}
