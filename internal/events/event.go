// Package events turns raw application events into trigger facts and feeds
// them through the rule engine to the dispatcher.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"qrnotify/internal/domain"
)

// Event types published by the web application.
const (
	TypeUserRegistered   = "user.registered"
	TypeQRCreated        = "qr.created"
	TypePaymentCompleted = "payment.completed"
	TypePasswordReset    = "password_reset.requested"
)

var (
	ErrMalformed   = errors.New("events: malformed event")
	ErrUnknownType = errors.New("events: unknown event type")
)

// Raw is the wire form of one event.
type Raw struct {
	ID         string    `json:"id,omitempty"`
	Type       string    `json:"type"`
	UserID     string    `json:"user_id"`
	OccurredAt time.Time `json:"occurred_at,omitempty"`
	QRCount    int       `json:"qr_count,omitempty"`
	Plan       string    `json:"plan,omitempty"`
	PaymentID  string    `json:"payment_id,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	ResetURL   string    `json:"reset_url,omitempty"`
}

// Translate decodes a single event or a JSON array of events. The batch is
// rejected as a whole when any element is invalid.
func Translate(raw []byte) ([]domain.TriggerFact, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}

	var evs []Raw
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &evs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	} else {
		var ev Raw
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		evs = []Raw{ev}
	}

	out := make([]domain.TriggerFact, 0, len(evs)+1)
	for i, ev := range evs {
		facts, err := ev.Facts()
		if err != nil {
			if len(evs) > 1 {
				return nil, fmt.Errorf("event %d: %w", i, err)
			}
			return nil, err
		}
		out = append(out, facts...)
	}
	return out, nil
}

// Facts maps the event to its trigger facts. A registration yields both the
// welcome and the verification fact.
func (ev Raw) Facts() ([]domain.TriggerFact, error) {
	typ := strings.ToLower(strings.TrimSpace(ev.Type))
	uid := strings.TrimSpace(ev.UserID)
	if typ == "" {
		return nil, fmt.Errorf("%w: type required", ErrMalformed)
	}
	if uid == "" {
		return nil, fmt.Errorf("%w: user_id required", ErrMalformed)
	}

	base := domain.TriggerFact{
		ID:          strings.TrimSpace(ev.ID),
		RecipientID: uid,
		OccurredAt:  ev.OccurredAt,
	}
	if base.ID == "" {
		base.ID = uuid.NewString()
	}
	if base.OccurredAt.IsZero() {
		base.OccurredAt = time.Now()
	}

	switch typ {
	case TypeUserRegistered:
		welcome, verify := base, base
		welcome.Kind = domain.KindWelcome
		verify.Kind = domain.KindVerification
		return []domain.TriggerFact{welcome, verify}, nil

	case TypeQRCreated:
		if ev.QRCount <= 0 {
			return nil, fmt.Errorf("%w: qr_count must be > 0", ErrMalformed)
		}
		f := base
		f.Kind = domain.KindQRWarning
		f.QRCount = ev.QRCount
		return []domain.TriggerFact{f}, nil

	case TypePaymentCompleted:
		if strings.TrimSpace(ev.PaymentID) == "" {
			return nil, fmt.Errorf("%w: payment_id required", ErrMalformed)
		}
		f := base
		f.Kind = domain.KindSubConfirm
		f.PaymentID = strings.TrimSpace(ev.PaymentID)
		if strings.TrimSpace(ev.Plan) != "" {
			f.Plan = domain.ParsePlan(ev.Plan)
		}
		return []domain.TriggerFact{f}, nil

	case TypePasswordReset:
		if strings.TrimSpace(ev.RequestID) == "" || strings.TrimSpace(ev.ResetURL) == "" {
			return nil, fmt.Errorf("%w: request_id and reset_url required", ErrMalformed)
		}
		f := base
		f.Kind = domain.KindPasswordReset
		f.RequestID = strings.TrimSpace(ev.RequestID)
		f.ResetURL = strings.TrimSpace(ev.ResetURL)
		return []domain.TriggerFact{f}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, ev.Type)
}
