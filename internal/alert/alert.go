package alert

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"qrnotify/internal/domain"
	logx "qrnotify/pkg/logx"
)

// Type names what the operator is being told about.
type Type string

const (
	// FailedPermanent: a dedup key reached FAILED_PERMANENT.
	FailedPermanent Type = "failed_permanent"
	// Recovery: the sweep retried a stale entry.
	Recovery Type = "recovery"
)

// Record is one operator-visible event.
type Record struct {
	At          time.Time     `json:"at"`
	Type        Type          `json:"type"`
	DedupKey    string        `json:"dedup_key"`
	Kind        domain.Kind   `json:"kind"`
	RecipientID string        `json:"recipient_id"`
	Attempts    int           `json:"attempts"`
	Outcome     domain.Status `json:"outcome"` // ledger status after the action
	Response    string        `json:"provider_response,omitempty"`
	Reason      string        `json:"reason,omitempty"`
}

func (r Record) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s kind=%s recipient=%s attempts=%d outcome=%s",
		r.Type, r.DedupKey, r.Kind, r.RecipientID, r.Attempts, r.Outcome)
	if r.Response != "" {
		b.WriteString(" response=" + r.Response)
	}
	if r.Reason != "" {
		b.WriteString(" reason=" + r.Reason)
	}
	return b.String()
}

// Sink receives operator records. Emit must not block for long.
type Sink interface {
	Emit(ctx context.Context, r Record) error
}

// Log writes every record to the structured log at WARN.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log {
	return &Log{log: log.Named("alert")}
}

func (l *Log) Emit(ctx context.Context, r Record) error {
	l.log.Warn("operator alert",
		logx.String("type", string(r.Type)),
		logx.String("dedup_key", r.DedupKey),
		logx.String("kind", string(r.Kind)),
		logx.String("recipient_id", r.RecipientID),
		logx.Int("attempts", r.Attempts),
		logx.String("outcome", string(r.Outcome)),
		logx.String("provider_response", r.Response),
		logx.String("reason", r.Reason),
	)
	return nil
}

// Multi fans a record out to every sink and joins their errors.
type Multi struct {
	mu    sync.RWMutex
	sinks []Sink
}

func NewMulti(sinks ...Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Replace swaps the sink set (config reload).
func (m *Multi) Replace(sinks ...Sink) {
	next := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			next = append(next, s)
		}
	}
	m.mu.Lock()
	m.sinks = next
	m.mu.Unlock()
}

func (m *Multi) Emit(ctx context.Context, r Record) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	m.mu.RLock()
	sinks := m.sinks
	m.mu.RUnlock()

	var errs *multierror.Error
	for _, s := range sinks {
		if err := s.Emit(ctx, r); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, r Record) error

func (f Func) Emit(ctx context.Context, r Record) error { return f(ctx, r) }
