package recipients

import (
	"context"
	"errors"
	"time"

	"qrnotify/internal/domain"
)

var ErrClosed = errors.New("recipients: store closed")

// Store is read-only access to the web application's users.
//
// Page returns recipients ordered by id after cursor ("" starts from the
// beginning) and the cursor for the next page, "" when exhausted.
type Store interface {
	Page(ctx context.Context, cursor string, limit int) ([]domain.Recipient, string, error)
	Get(ctx context.Context, id string) (domain.Recipient, bool, error)
	Close() error
}

// Stats feeds the monthly report.
type Stats struct {
	TotalQR     int
	TotalScans  int
	PeriodScans int
}

// StatsProvider is implemented by stores that can aggregate scan analytics.
// The period is [from, to).
type StatsProvider interface {
	ReportStats(ctx context.Context, id string, from, to time.Time) (Stats, error)
}

// Each calls fn for every recipient, page by page, until fn fails, ctx ends
// or the store is exhausted.
func Each(ctx context.Context, s Store, pageSize int, fn func(domain.Recipient) error) error {
	if pageSize <= 0 {
		pageSize = 200
	}
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, next, err := s.Page(ctx, cursor, pageSize)
		if err != nil {
			return err
		}
		for _, r := range page {
			if err := fn(r); err != nil {
				return err
			}
		}
		if next == "" || len(page) == 0 {
			return nil
		}
		cursor = next
	}
}
