package recipients

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"qrnotify/internal/domain"
)

// Postgres reads the web application's schema when it runs on PostgreSQL.
type Postgres struct {
	pool  *pgxpool.Pool
	limit int
}

const pgRecipientQuery = `
SELECT u.id, u.email, COALESCE(u.full_name, ''), COALESCE(u.subscription_plan::text, 'FREE'),
       u.created_at, COALESCE(u.is_active, true), COALESCE(u.is_verified, false), u.subscription_ends_at,
       (SELECT COUNT(*) FROM qr_codes q WHERE q.user_id = u.id),
       (SELECT q.created_at FROM qr_codes q WHERE q.user_id = u.id
         ORDER BY q.created_at, q.id LIMIT 1 OFFSET $1)
FROM users u`

func OpenPostgres(ctx context.Context, dsn string, freeLimit int) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("recipients: postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("recipients: postgres ping: %w", err)
	}
	if freeLimit <= 0 {
		freeLimit = 3
	}
	return &Postgres{pool: pool, limit: freeLimit}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) Page(ctx context.Context, cursor string, limit int) ([]domain.Recipient, string, error) {
	after := int64(0)
	if cursor != "" {
		n, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("recipients: bad cursor %q", cursor)
		}
		after = n
	}
	rows, err := p.pool.Query(ctx, pgRecipientQuery+` WHERE u.id > $2 ORDER BY u.id LIMIT $3`, p.limit-1, after, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		r, err := scanPGRecipient(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) == limit && limit > 0 {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (p *Postgres) Get(ctx context.Context, id string) (domain.Recipient, bool, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return domain.Recipient{}, false, nil
	}
	r, err := scanPGRecipient(p.pool.QueryRow(ctx, pgRecipientQuery+` WHERE u.id = $2`, p.limit-1, n))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Recipient{}, false, nil
	}
	if err != nil {
		return domain.Recipient{}, false, err
	}
	return r, true, nil
}

func (p *Postgres) ReportStats(ctx context.Context, id string, from, to time.Time) (Stats, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return Stats{}, fmt.Errorf("recipients: bad id %q", id)
	}
	var st Stats
	err = p.pool.QueryRow(ctx, `
SELECT (SELECT COUNT(*) FROM qr_codes WHERE user_id = $1),
       (SELECT COUNT(*) FROM qr_scans sc JOIN qr_codes q ON q.id = sc.qr_code_id WHERE q.user_id = $1),
       (SELECT COUNT(*) FROM qr_scans sc JOIN qr_codes q ON q.id = sc.qr_code_id
         WHERE q.user_id = $1 AND sc.scanned_at >= $2 AND sc.scanned_at < $3)`,
		n, from.UTC(), to.UTC(),
	).Scan(&st.TotalQR, &st.TotalScans, &st.PeriodScans)
	return st, err
}

func scanPGRecipient(row pgx.Row) (domain.Recipient, error) {
	var (
		id                      int64
		rec                     domain.Recipient
		plan                    string
		created, ends, limitHit *time.Time
		qrCount                 int
	)
	if err := row.Scan(&id, &rec.Email, &rec.Name, &plan, &created, &rec.Active, &rec.Verified, &ends, &qrCount, &limitHit); err != nil {
		return domain.Recipient{}, err
	}
	rec.ID = strconv.FormatInt(id, 10)
	rec.Plan = domain.ParsePlan(plan)
	rec.QRCount = qrCount
	rec.RegisteredAt = derefUTC(created)
	rec.LimitReachedAt = derefUTC(limitHit)
	if rec.Plan == domain.PlanFree {
		rec.DowngradedAt = derefUTC(ends)
	}
	return rec, nil
}

func derefUTC(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
