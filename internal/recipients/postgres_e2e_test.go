//go:build e2e

package recipients

import (
	"context"
	"os"
	"testing"
)

// Run with: QRNOTIFY_PG_DSN=postgres://... go test -tags e2e ./internal/recipients/
// The database must carry the web application's users and qr_codes tables.
func TestPostgresStoreE2E(t *testing.T) {
	dsn := os.Getenv("QRNOTIFY_PG_DSN")
	if dsn == "" {
		t.Skip("QRNOTIFY_PG_DSN not set")
	}
	ctx := context.Background()
	s, err := OpenPostgres(ctx, dsn, 3)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	defer s.Close()

	page, _, err := s.Page(ctx, "", 5)
	if err != nil {
		t.Fatalf("Page: %v", err)
	}
	if len(page) == 0 {
		t.Skip("no users to read")
	}
	r, ok, err := s.Get(ctx, page[0].ID)
	if err != nil || !ok || r.Email != page[0].Email {
		t.Fatalf("Get(%s) = %+v, %v, %v", page[0].ID, r, ok, err)
	}
	if _, ok, err := s.Get(ctx, "0"); err != nil || ok {
		t.Fatalf("Get(0) = %v, %v", ok, err)
	}
}
