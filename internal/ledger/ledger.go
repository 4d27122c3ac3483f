package ledger

import (
	"context"
	"errors"
	"time"

	"qrnotify/internal/domain"
)

var (
	// ErrTerminal is returned when a write targets a SENT or FAILED_PERMANENT entry.
	ErrTerminal = errors.New("ledger: entry is terminal")
	ErrNotFound = errors.New("ledger: entry not found")
	ErrClosed   = errors.New("ledger: closed")
)

// Result is the outcome of Reserve.
type Result int

const (
	Acquired Result = iota + 1
	AlreadyTaken
)

func (r Result) String() string {
	switch r {
	case Acquired:
		return "acquired"
	case AlreadyTaken:
		return "already_taken"
	default:
		return "unknown"
	}
}

// Reservation is what Reserve persists alongside the new PENDING entry.
// Address and Payload are kept so a restarted process can finish the send.
type Reservation struct {
	Decision domain.Decision
	At       time.Time
}

// Outcome is a commit request.
type Outcome struct {
	Status           domain.Status
	ProviderResponse string
}

// Ledger is the durable dedup-key -> delivery outcome store.
//
// Reserve is the only synchronization point between dispatchers: for a given
// key exactly one caller observes Acquired. Entries are never deleted.
type Ledger interface {
	// Reserve atomically creates a PENDING entry. Any existing entry, whatever
	// its status, yields AlreadyTaken.
	Reserve(ctx context.Context, r Reservation) (Result, error)
	// MarkAttempt bumps attempt_count and last_attempt_at and returns the new count.
	MarkAttempt(ctx context.Context, key string, at time.Time) (int, error)
	// Commit records an outcome. Terminal entries are refused with ErrTerminal.
	Commit(ctx context.Context, key string, o Outcome) error
	Get(ctx context.Context, key string) (domain.LedgerEntry, bool, error)
	// Stale lists non-terminal entries whose last activity is before the cutoff,
	// oldest first.
	Stale(ctx context.Context, before time.Time, limit int) ([]domain.LedgerEntry, error)
	// Claim is a compare-and-swap on (status, last_attempt_at) of e. The winner
	// gets the attempt counted and the entry flagged as recovered.
	Claim(ctx context.Context, e domain.LedgerEntry, now time.Time) (bool, error)
	Close() error
}

// activityAt is the timestamp staleness is measured from.
func activityAt(e domain.LedgerEntry) time.Time {
	if !e.LastAttemptAt.IsZero() {
		return e.LastAttemptAt
	}
	return e.CreatedAt
}

func newEntry(r Reservation) domain.LedgerEntry {
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}
	return domain.LedgerEntry{
		DedupKey:    r.Decision.DedupKey,
		Status:      domain.StatusPending,
		Kind:        r.Decision.Kind,
		RecipientID: r.Decision.RecipientID,
		Address:     r.Decision.Email,
		Payload:     r.Decision.Payload,
		CreatedAt:   at,
	}
}

func validOutcome(o Outcome) error {
	switch o.Status {
	case domain.StatusSent, domain.StatusFailedRetryable, domain.StatusFailedPermanent:
		return nil
	default:
		return errors.New("ledger: invalid outcome status " + string(o.Status))
	}
}
