package recipients

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"qrnotify/internal/domain"
)

// SQLite reads the web application's own database file (users, qr_codes,
// qr_scans). It never writes.
type SQLite struct {
	db    *sql.DB
	limit int
}

// recipientQuery selects one row per user. The single placeholder before
// the WHERE clause is the OFFSET of the QR that reached the free limit.
const recipientQuery = `
SELECT u.id, u.email, COALESCE(u.full_name, ''), COALESCE(u.subscription_plan, 'FREE'),
       u.created_at, COALESCE(u.is_active, 1), COALESCE(u.is_verified, 0), u.subscription_ends_at,
       (SELECT COUNT(*) FROM qr_codes q WHERE q.user_id = u.id),
       (SELECT q.created_at FROM qr_codes q WHERE q.user_id = u.id
         ORDER BY q.created_at, q.id LIMIT 1 OFFSET ?)
FROM users u`

// OpenSQLite opens dsn read-only. freeLimit is the FREE plan QR limit used to
// derive LimitReachedAt.
func OpenSQLite(dsn string, freeLimit int) (*SQLite, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("recipients: sqlite dsn is required")
	}
	if freeLimit <= 0 {
		freeLimit = 3
	}
	db, err := sql.Open("sqlite", "file:"+dsn+"?mode=ro")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("recipients: open %s: %w", dsn, err)
	}
	return &SQLite{db: db, limit: freeLimit}, nil
}

// NewSQLite wraps an open handle (tests).
func NewSQLite(db *sql.DB, freeLimit int) *SQLite {
	if freeLimit <= 0 {
		freeLimit = 3
	}
	return &SQLite{db: db, limit: freeLimit}
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Page(ctx context.Context, cursor string, limit int) ([]domain.Recipient, string, error) {
	after := int64(0)
	if cursor != "" {
		n, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("recipients: bad cursor %q", cursor)
		}
		after = n
	}
	rows, err := s.db.QueryContext(ctx, recipientQuery+` WHERE u.id > ? ORDER BY u.id LIMIT ?`, s.limit-1, after, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
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

func (s *SQLite) Get(ctx context.Context, id string) (domain.Recipient, bool, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return domain.Recipient{}, false, nil
	}
	row := s.db.QueryRowContext(ctx, recipientQuery+` WHERE u.id = ?`, s.limit-1, n)
	r, err := scanRecipient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Recipient{}, false, nil
	}
	if err != nil {
		return domain.Recipient{}, false, err
	}
	return r, true, nil
}

func (s *SQLite) ReportStats(ctx context.Context, id string, from, to time.Time) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
SELECT (SELECT COUNT(*) FROM qr_codes WHERE user_id = ?),
       (SELECT COUNT(*) FROM qr_scans sc JOIN qr_codes q ON q.id = sc.qr_code_id WHERE q.user_id = ?),
       (SELECT COUNT(*) FROM qr_scans sc JOIN qr_codes q ON q.id = sc.qr_code_id
         WHERE q.user_id = ? AND sc.scanned_at >= ? AND sc.scanned_at < ?)`,
		id, id, id, sqliteTime(from), sqliteTime(to),
	).Scan(&st.TotalQR, &st.TotalScans, &st.PeriodScans)
	return st, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecipient(r rowScanner) (domain.Recipient, error) {
	var (
		id                        int64
		rec                       domain.Recipient
		plan                      string
		created, ends, limitHit   sql.NullString
		active, verified, qrCount int
	)
	if err := r.Scan(&id, &rec.Email, &rec.Name, &plan, &created, &active, &verified, &ends, &qrCount, &limitHit); err != nil {
		return domain.Recipient{}, err
	}
	rec.ID = strconv.FormatInt(id, 10)
	rec.Plan = domain.ParsePlan(plan)
	rec.RegisteredAt = parseTime(created)
	rec.Active = active != 0
	rec.Verified = verified != 0
	rec.QRCount = qrCount
	rec.LimitReachedAt = parseTime(limitHit)
	if rec.Plan == domain.PlanFree {
		rec.DowngradedAt = parseTime(ends)
	}
	return rec, nil
}

// SQLAlchemy writes naive UTC datetimes as text; the driver may also hand back
// RFC 3339 when it recognizes the column type.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(ns sql.NullString) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	s := strings.TrimSpace(ns.String)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func sqliteTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05.000000")
}
