package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Plan is a subscription tier.
type Plan string

const (
	PlanFree     Plan = "FREE"
	PlanPro      Plan = "PRO"
	PlanBusiness Plan = "BUSINESS"
)

// ParsePlan normalizes a plan name ("free", "Pro", ...). Unknown values map to FREE.
func ParsePlan(s string) Plan {
	switch Plan(strings.ToUpper(strings.TrimSpace(s))) {
	case PlanPro:
		return PlanPro
	case PlanBusiness:
		return PlanBusiness
	default:
		return PlanFree
	}
}

// Kind identifies one of the notification triggers.
type Kind string

const (
	KindWelcome       Kind = "welcome"
	KindVerification  Kind = "verify"
	KindUpgradePromo  Kind = "upgrade_promo"
	KindQRWarning     Kind = "qr_warning"
	KindSubConfirm    Kind = "sub_confirm"
	KindAbandonedCart Kind = "abandoned_cart"
	KindPasswordReset Kind = "pw_reset"
	KindMonthlyReport Kind = "monthly_report"
)

// AllKinds lists every kind in a stable order.
var AllKinds = []Kind{
	KindWelcome, KindVerification, KindUpgradePromo, KindQRWarning,
	KindSubConfirm, KindAbandonedCart, KindPasswordReset, KindMonthlyReport,
}

// ScanKinds are evaluated by the campaign scanner rather than by events.
var ScanKinds = []Kind{KindUpgradePromo, KindAbandonedCart, KindMonthlyReport}

func (k Kind) Valid() bool {
	for _, v := range AllKinds {
		if v == k {
			return true
		}
	}
	return false
}

// Recipient is a read-only snapshot of a user owned by the web application.
type Recipient struct {
	ID           string
	Email        string
	Name         string
	Plan         Plan
	RegisteredAt time.Time
	QRCount      int
	Verified     bool
	Active       bool

	// LimitReachedAt is when the recipient created the QR code that hit the
	// FREE limit. Zero when unknown or not reached.
	LimitReachedAt time.Time
	// DowngradedAt is when a paid subscription ended. Zero if never.
	DowngradedAt time.Time
}

// DisplayName falls back to the address, like the web app's templates do.
func (r Recipient) DisplayName() string {
	if strings.TrimSpace(r.Name) != "" {
		return r.Name
	}
	return r.Email
}

// TriggerFact is an immutable record of something that happened.
type TriggerFact struct {
	ID          string
	Kind        Kind
	RecipientID string
	OccurredAt  time.Time

	// Kind-specific payload.
	QRCount   int
	Plan      Plan
	PaymentID string
	RequestID string
	ResetURL  string
}

// Decision is the rule engine's verdict: send Kind to RecipientID once under DedupKey.
type Decision struct {
	RecipientID string
	Email       string
	Kind        Kind
	DedupKey    string
	Payload     Payload
}

// Payload carries rendering variables. Values must be JSON-serializable so the
// ledger can persist them for crash recovery.
type Payload map[string]any

func (p Payload) String(k string) string {
	v, _ := p[k].(string)
	return v
}

func (p Payload) Int(k string) int {
	switch v := p[k].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}

// Status is the delivery state of a ledger entry.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusSent            Status = "SENT"
	StatusFailedRetryable Status = "FAILED_RETRYABLE"
	StatusFailedPermanent Status = "FAILED_PERMANENT"
)

// Terminal reports whether no further transport call may happen for the entry.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailedPermanent
}

// LedgerEntry is the persisted delivery outcome for one dedup key.
type LedgerEntry struct {
	DedupKey         string
	Status           Status
	AttemptCount     int
	LastAttemptAt    time.Time
	ProviderResponse string

	Kind        Kind
	RecipientID string
	Address     string
	Payload     Payload
	CreatedAt   time.Time
	Recovered   bool
}

// Decision rebuilds the decision that created the entry, used by recovery.
func (e LedgerEntry) Decision() Decision {
	return Decision{
		RecipientID: e.RecipientID,
		Email:       e.Address,
		Kind:        e.Kind,
		DedupKey:    e.DedupKey,
		Payload:     e.Payload,
	}
}
