package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"qrnotify/internal/domain"
	logx "qrnotify/pkg/logx"
)

func decision(key string) domain.Decision {
	return domain.Decision{
		RecipientID: "u1",
		Email:       "u1@example.com",
		Kind:        domain.KindWelcome,
		DedupKey:    key,
		Payload:     domain.Payload{"name": "Ada", "qr_count": 2},
	}
}

func openSQLiteForTest(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "ledger.db"), BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// backends returns fresh ledgers for the shared behaviour tests.
func backends(t *testing.T) map[string]func(t *testing.T) Ledger {
	return map[string]func(t *testing.T) Ledger{
		"memory": func(t *testing.T) Ledger { return NewMemory() },
		"sqlite": func(t *testing.T) Ledger { return openSQLiteForTest(t) },
		"cached": func(t *testing.T) Ledger { return NewCached(NewMemory(), time.Minute) },
	}
}

func TestReserveOnce(t *testing.T) {
	t.Parallel()
	for name, open := range backends(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			l := open(t)
			ctx := context.Background()
			now := time.Now()

			res, err := l.Reserve(ctx, Reservation{Decision: decision("welcome:u1"), At: now})
			if err != nil || res != Acquired {
				t.Fatalf("first Reserve = %v, %v", res, err)
			}
			res, err = l.Reserve(ctx, Reservation{Decision: decision("welcome:u1"), At: now})
			if err != nil || res != AlreadyTaken {
				t.Fatalf("second Reserve = %v, %v", res, err)
			}

			e, ok, err := l.Get(ctx, "welcome:u1")
			if err != nil || !ok {
				t.Fatalf("Get = %v, %v", ok, err)
			}
			if e.Status != domain.StatusPending || e.AttemptCount != 0 {
				t.Fatalf("entry = %+v", e)
			}
			if e.Address != "u1@example.com" || e.Payload.String("name") != "Ada" || e.Payload.Int("qr_count") != 2 {
				t.Fatalf("decision data not persisted: %+v", e)
			}
		})
	}
}

func TestReserveConcurrent(t *testing.T) {
	t.Parallel()
	for name, open := range backends(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			l := open(t)
			var (
				wg  sync.WaitGroup
				won atomic.Int32
			)
			for i := 0; i < 32; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := l.Reserve(context.Background(), Reservation{Decision: decision("sub_confirm:u1:p1"), At: time.Now()})
					if err != nil {
						t.Errorf("Reserve: %v", err)
						return
					}
					if res == Acquired {
						won.Add(1)
					}
				}()
			}
			wg.Wait()
			if got := won.Load(); got != 1 {
				t.Fatalf("acquired %d times, want 1", got)
			}
		})
	}
}

func TestAttemptAndCommit(t *testing.T) {
	t.Parallel()
	for name, open := range backends(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			l := open(t)
			ctx := context.Background()
			if _, err := l.Reserve(ctx, Reservation{Decision: decision("k"), At: time.Now()}); err != nil {
				t.Fatal(err)
			}
			for want := 1; want <= 2; want++ {
				n, err := l.MarkAttempt(ctx, "k", time.Now())
				if err != nil || n != want {
					t.Fatalf("MarkAttempt = %d, %v; want %d", n, err, want)
				}
			}
			if err := l.Commit(ctx, "k", Outcome{Status: domain.StatusFailedRetryable, ProviderResponse: "503"}); err != nil {
				t.Fatalf("Commit retryable: %v", err)
			}
			if err := l.Commit(ctx, "k", Outcome{Status: domain.StatusSent, ProviderResponse: "202"}); err != nil {
				t.Fatalf("Commit sent: %v", err)
			}
			if err := l.Commit(ctx, "k", Outcome{Status: domain.StatusSent}); !errors.Is(err, ErrTerminal) {
				t.Fatalf("Commit after SENT = %v, want ErrTerminal", err)
			}
			if _, err := l.MarkAttempt(ctx, "k", time.Now()); !errors.Is(err, ErrTerminal) {
				t.Fatalf("MarkAttempt after SENT = %v, want ErrTerminal", err)
			}
			if err := l.Commit(ctx, "missing", Outcome{Status: domain.StatusSent}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Commit missing = %v, want ErrNotFound", err)
			}
			if err := l.Commit(ctx, "k", Outcome{Status: domain.StatusPending}); err == nil {
				t.Fatal("Commit PENDING should be rejected")
			}

			e, _, _ := l.Get(ctx, "k")
			if e.Status != domain.StatusSent || e.AttemptCount != 2 || e.ProviderResponse != "202" {
				t.Fatalf("entry = %+v", e)
			}
		})
	}
}

func TestStaleAndClaim(t *testing.T) {
	t.Parallel()
	for name, open := range backends(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			l := open(t)
			ctx := context.Background()
			old := time.Now().Add(-time.Hour)
			fresh := time.Now()

			mustReserve := func(key string, at time.Time) {
				if res, err := l.Reserve(ctx, Reservation{Decision: decision(key), At: at}); err != nil || res != Acquired {
					t.Fatalf("Reserve %s = %v, %v", key, res, err)
				}
			}
			mustReserve("old-pending", old)
			mustReserve("fresh-pending", fresh)
			mustReserve("old-sent", old)
			if err := l.Commit(ctx, "old-sent", Outcome{Status: domain.StatusSent}); err != nil {
				t.Fatal(err)
			}
			mustReserve("old-retryable", old.Add(-time.Minute))
			if _, err := l.MarkAttempt(ctx, "old-retryable", old.Add(time.Minute)); err != nil {
				t.Fatal(err)
			}
			if err := l.Commit(ctx, "old-retryable", Outcome{Status: domain.StatusFailedRetryable}); err != nil {
				t.Fatal(err)
			}

			stale, err := l.Stale(ctx, time.Now().Add(-15*time.Minute), 10)
			if err != nil {
				t.Fatalf("Stale: %v", err)
			}
			if len(stale) != 2 || stale[0].DedupKey != "old-pending" || stale[1].DedupKey != "old-retryable" {
				t.Fatalf("Stale = %+v", stale)
			}

			e := stale[0]
			ok, err := l.Claim(ctx, e, time.Now())
			if err != nil || !ok {
				t.Fatalf("first Claim = %v, %v", ok, err)
			}
			ok, err = l.Claim(ctx, e, time.Now())
			if err != nil || ok {
				t.Fatalf("second Claim with stale snapshot = %v, %v", ok, err)
			}
			got, _, _ := l.Get(ctx, "old-pending")
			if got.AttemptCount != 1 || !got.Recovered {
				t.Fatalf("claimed entry = %+v", got)
			}

			stale, _ = l.Stale(ctx, time.Now().Add(-15*time.Minute), 10)
			if len(stale) != 1 || stale[0].DedupKey != "old-retryable" {
				t.Fatalf("Stale after claim = %+v", stale)
			}
		})
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	s, err := OpenSQLite(SQLiteConfig{Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Reserve(ctx, Reservation{Decision: decision("welcome:u1"), At: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(ctx, "welcome:u1", Outcome{Status: domain.StatusSent, ProviderResponse: "202"}); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	s, err = OpenSQLite(SQLiteConfig{Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	res, err := s.Reserve(ctx, Reservation{Decision: decision("welcome:u1"), At: time.Now()})
	if err != nil || res != AlreadyTaken {
		t.Fatalf("Reserve after reopen = %v, %v", res, err)
	}
}

type countingLedger struct {
	Ledger
	gets atomic.Int32
}

func (c *countingLedger) Get(ctx context.Context, key string) (domain.LedgerEntry, bool, error) {
	c.gets.Add(1)
	return c.Ledger.Get(ctx, key)
}

func TestCachedOnlyMemoizesTerminal(t *testing.T) {
	t.Parallel()
	inner := &countingLedger{Ledger: NewMemory()}
	c := NewCached(inner, time.Minute)
	ctx := context.Background()

	if _, err := c.Reserve(ctx, Reservation{Decision: decision("k"), At: time.Now()}); err != nil {
		t.Fatal(err)
	}
	_, _, _ = c.Get(ctx, "k")
	_, _, _ = c.Get(ctx, "k")
	if got := inner.gets.Load(); got != 2 {
		t.Fatalf("pending lookups hit inner %d times, want 2", got)
	}

	if err := c.Commit(ctx, "k", Outcome{Status: domain.StatusSent}); err != nil {
		t.Fatal(err)
	}
	_, _, _ = c.Get(ctx, "k")
	e, ok, _ := c.Get(ctx, "k")
	if !ok || e.Status != domain.StatusSent {
		t.Fatalf("cached entry = %+v", e)
	}
	if got := inner.gets.Load(); got != 3 {
		t.Fatalf("terminal lookups hit inner %d times, want 3", got)
	}
}

// slotTag is the part of a key Redis Cluster hashes.
func slotTag(key string) string {
	if i := strings.IndexByte(key, '{'); i >= 0 {
		if j := strings.IndexByte(key[i+1:], '}'); j > 0 {
			return key[i+1 : i+1+j]
		}
	}
	return key
}

func TestRedisKeysShareOneSlot(t *testing.T) {
	t.Parallel()
	tests := []struct {
		prefix, want string
	}{
		{"", "{qrnotify:ledger}:"},
		{"qrnotify", "{qrnotify}:"},
		{"qrnotify:ledger:", "{qrnotify:ledger}:"},
		{"{tenant1}:ledger:", "{tenant1}:ledger:"},
		{"odd{}", "{odd{}}:"},
	}
	for _, tt := range tests {
		r := NewRedis(nil, tt.prefix)
		if r.prefix != tt.want {
			t.Errorf("NewRedis(%q) prefix = %q, want %q", tt.prefix, r.prefix, tt.want)
			continue
		}
		keys := r.keys("monthly_report:u1:2026-05")
		if a, b := slotTag(keys[0]), slotTag(keys[1]); a != b {
			t.Errorf("prefix %q: %q and %q hash to different slots", tt.prefix, keys[0], keys[1])
		}
	}
}
