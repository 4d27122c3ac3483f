package recipients

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"qrnotify/internal/domain"
)

// webSchema mirrors the tables the web application creates.
const webSchema = `
CREATE TABLE users (
  id INTEGER PRIMARY KEY, email VARCHAR NOT NULL, full_name VARCHAR,
  is_active BOOLEAN, is_verified BOOLEAN, subscription_plan VARCHAR(8),
  subscription_ends_at DATETIME, created_at DATETIME
);
CREATE TABLE qr_codes (
  id INTEGER PRIMARY KEY, user_id INTEGER, title VARCHAR NOT NULL,
  total_scans INTEGER DEFAULT 0, created_at DATETIME
);
CREATE TABLE qr_scans (
  id INTEGER PRIMARY KEY, qr_code_id INTEGER NOT NULL, scanned_at DATETIME
);`

func seedWebDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "qr_saas.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	stmts := []string{
		webSchema,
		`INSERT INTO users VALUES (1, 'ada@example.com', 'Ada', 1, 0, 'FREE', NULL, '2026-01-10 08:00:00.000000')`,
		`INSERT INTO users VALUES (2, 'bob@example.com', NULL, 1, 1, 'PRO', '2027-01-01 00:00:00', '2026-02-01 09:30:00')`,
		`INSERT INTO users VALUES (3, 'cy@example.com', 'Cy', 0, 1, 'FREE', '2026-03-01 00:00:00', '2025-12-24 12:00:00')`,
		`INSERT INTO qr_codes VALUES (10, 1, 'menu', 0, '2026-01-11 10:00:00')`,
		`INSERT INTO qr_codes VALUES (11, 1, 'flyer', 0, '2026-01-12 10:00:00')`,
		`INSERT INTO qr_codes VALUES (12, 1, 'card', 0, '2026-01-13 10:00:00')`,
		`INSERT INTO qr_codes VALUES (20, 2, 'site', 0, '2026-02-02 10:00:00')`,
		`INSERT INTO qr_scans VALUES (1, 10, '2026-01-20 10:00:00.000000')`,
		`INSERT INTO qr_scans VALUES (2, 10, '2026-02-03 10:00:00.000000')`,
		`INSERT INTO qr_scans VALUES (3, 11, '2026-02-27 23:59:59.000000')`,
		`INSERT INTO qr_scans VALUES (4, 20, '2026-02-10 10:00:00.000000')`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("seed %q: %v", s, err)
		}
	}
	return db
}

func TestSQLiteGet(t *testing.T) {
	t.Parallel()
	s := NewSQLite(seedWebDB(t), 3)
	ctx := context.Background()

	ada, ok, err := s.Get(ctx, "1")
	if err != nil || !ok {
		t.Fatalf("Get(1) = %v, %v", ok, err)
	}
	if ada.Email != "ada@example.com" || ada.Name != "Ada" || ada.Plan != domain.PlanFree {
		t.Fatalf("ada = %+v", ada)
	}
	if ada.QRCount != 3 || ada.Verified || !ada.Active {
		t.Fatalf("ada flags = %+v", ada)
	}
	if want := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC); !ada.RegisteredAt.Equal(want) {
		t.Fatalf("RegisteredAt = %v, want %v", ada.RegisteredAt, want)
	}
	if want := time.Date(2026, 1, 13, 10, 0, 0, 0, time.UTC); !ada.LimitReachedAt.Equal(want) {
		t.Fatalf("LimitReachedAt = %v, want %v", ada.LimitReachedAt, want)
	}

	bob, _, _ := s.Get(ctx, "2")
	if bob.Plan != domain.PlanPro || !bob.LimitReachedAt.IsZero() || !bob.DowngradedAt.IsZero() {
		t.Fatalf("bob = %+v", bob)
	}
	if bob.DisplayName() != "bob@example.com" {
		t.Fatalf("DisplayName = %q", bob.DisplayName())
	}

	cy, _, _ := s.Get(ctx, "3")
	if cy.Active || !cy.DowngradedAt.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("cy = %+v", cy)
	}

	if _, ok, err := s.Get(ctx, "404"); ok || err != nil {
		t.Fatalf("Get(404) = %v, %v", ok, err)
	}
	if _, ok, err := s.Get(ctx, "not-a-number"); ok || err != nil {
		t.Fatalf("Get(bad id) = %v, %v", ok, err)
	}
}

func TestSQLitePaging(t *testing.T) {
	t.Parallel()
	s := NewSQLite(seedWebDB(t), 3)
	var ids []string
	err := Each(context.Background(), s, 2, func(r domain.Recipient) error {
		ids = append(ids, r.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("Each: %v", err)
	}
	if len(ids) != 3 || ids[0] != "1" || ids[1] != "2" || ids[2] != "3" {
		t.Fatalf("ids = %v", ids)
	}
}

func TestSQLiteReportStats(t *testing.T) {
	t.Parallel()
	s := NewSQLite(seedWebDB(t), 3)
	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	st, err := s.ReportStats(context.Background(), "1", from, from.AddDate(0, 1, 0))
	if err != nil {
		t.Fatalf("ReportStats: %v", err)
	}
	if st.TotalQR != 3 || st.TotalScans != 3 || st.PeriodScans != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestMemoryPaging(t *testing.T) {
	t.Parallel()
	m := NewMemory(
		domain.Recipient{ID: "c"}, domain.Recipient{ID: "a"}, domain.Recipient{ID: "b"},
	)
	page, next, _ := m.Page(context.Background(), "", 2)
	if len(page) != 2 || page[0].ID != "a" || next != "b" {
		t.Fatalf("page1 = %v next=%q", page, next)
	}
	page, next, _ = m.Page(context.Background(), next, 2)
	if len(page) != 1 || page[0].ID != "c" || next != "" {
		t.Fatalf("page2 = %v next=%q", page, next)
	}
}

func TestEachStopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Each(ctx, NewMemory(domain.Recipient{ID: "a"}), 10, func(domain.Recipient) error { return nil })
	if err == nil {
		t.Fatal("expected context error")
	}
}
