package ledger

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"qrnotify/internal/domain"
	logx "qrnotify/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// SQLiteConfig configures the file-backed ledger.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
}

// SQLite is the default durable Ledger.
type SQLite struct {
	db  *sql.DB
	log logx.Logger
}

const entryCols = `dedup_key, status, attempt_count, last_attempt_at, provider_response,
	kind, recipient_id, address, payload, created_at, recovered`

func OpenSQLite(cfg SQLiteConfig, log logx.Logger) (*SQLite, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("ledger: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; Reserve relies on INSERT .. ON CONFLICT serializing anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &SQLite{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) Reserve(ctx context.Context, r Reservation) (Result, error) {
	if r.Decision.DedupKey == "" {
		return 0, errors.New("ledger: empty dedup key")
	}
	e := newEntry(r)
	payload, err := encodePayload(e.Payload)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger(dedup_key, status, kind, recipient_id, address, payload, created_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(dedup_key) DO NOTHING`,
		e.DedupKey, string(e.Status), string(e.Kind), e.RecipientID, e.Address, payload, e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return AlreadyTaken, nil
	}
	return Acquired, nil
}

func (s *SQLite) MarkAttempt(ctx context.Context, key string, at time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`UPDATE ledger SET attempt_count = attempt_count + 1, last_attempt_at = ?
		 WHERE dedup_key = ? AND status NOT IN ('SENT','FAILED_PERMANENT')
		 RETURNING attempt_count`,
		at.UnixMilli(), key,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, s.whyNot(ctx, key)
	}
	return n, err
}

func (s *SQLite) Commit(ctx context.Context, key string, o Outcome) error {
	if err := validOutcome(o); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ledger SET status = ?, provider_response = ?
		 WHERE dedup_key = ? AND status NOT IN ('SENT','FAILED_PERMANENT')`,
		string(o.Status), o.ProviderResponse, key,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return s.whyNot(ctx, key)
	}
	return nil
}

// whyNot explains a guarded UPDATE that touched no rows.
func (s *SQLite) whyNot(ctx context.Context, key string) error {
	_, ok, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return ErrTerminal
}

func (s *SQLite) Get(ctx context.Context, key string) (domain.LedgerEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryCols+` FROM ledger WHERE dedup_key = ?`, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LedgerEntry{}, false, nil
	}
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}
	return e, true, nil
}

func (s *SQLite) Stale(ctx context.Context, before time.Time, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryCols+` FROM ledger
		 WHERE status IN ('PENDING','FAILED_RETRYABLE')
		   AND (CASE WHEN last_attempt_at > 0 THEN last_attempt_at ELSE created_at END) < ?
		 ORDER BY (CASE WHEN last_attempt_at > 0 THEN last_attempt_at ELSE created_at END), dedup_key
		 LIMIT ?`,
		before.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) Claim(ctx context.Context, e domain.LedgerEntry, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ledger SET attempt_count = attempt_count + 1, last_attempt_at = ?, recovered = 1
		 WHERE dedup_key = ? AND status = ? AND last_attempt_at = ?`,
		now.UnixMilli(), e.DedupKey, string(e.Status), unixMilli(e.LastAttemptAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (domain.LedgerEntry, error) {
	var (
		e                    domain.LedgerEntry
		status, kind, pl     string
		lastAttempt, created int64
		recovered            int
	)
	err := r.Scan(&e.DedupKey, &status, &e.AttemptCount, &lastAttempt, &e.ProviderResponse,
		&kind, &e.RecipientID, &e.Address, &pl, &created, &recovered)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	e.Status = domain.Status(status)
	e.Kind = domain.Kind(kind)
	e.LastAttemptAt = fromMilli(lastAttempt)
	e.CreatedAt = fromMilli(created)
	e.Recovered = recovered != 0
	if e.Payload, err = decodePayload(pl); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("ledger: payload of %s: %w", e.DedupKey, err)
	}
	return e, nil
}

func encodePayload(p domain.Payload) (string, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("ledger: encode payload: %w", err)
	}
	return string(b), nil
}

func decodePayload(s string) (domain.Payload, error) {
	if s == "" || s == "{}" {
		return domain.Payload{}, nil
	}
	var p domain.Payload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, err
	}
	return p, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
