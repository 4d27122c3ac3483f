package domain

import (
	"testing"
	"time"
)

func TestDedupKeys(t *testing.T) {
	t.Parallel()
	down := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"welcome", WelcomeKey("u1"), "welcome:u1"},
		{"verify", VerificationKey("u1"), "verify:u1"},
		{"upgrade", UpgradePromoKey("u1"), "upgrade_promo:u1"},
		{"qr warning", QRWarningKey("u1", 2), "qr_warning:u1:2"},
		{"sub confirm", SubConfirmKey("u1", "cs_42"), "sub_confirm:u1:cs_42"},
		{"abandoned lifetime", AbandonedCartKey("u1", time.Time{}), "abandoned_cart:u1"},
		{"abandoned cycle", AbandonedCartKey("u1", down), "abandoned_cart:u1:1772323200"},
		{"pw reset", PasswordResetKey("u1", "r9"), "pw_reset:u1:r9"},
		{"monthly", MonthlyReportKey("u1", 2026, time.February), "monthly_report:u1:2026-02"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Fatalf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestParsePlan(t *testing.T) {
	t.Parallel()
	if ParsePlan("pro") != PlanPro || ParsePlan(" Business ") != PlanBusiness {
		t.Fatal("expected case-insensitive plan parsing")
	}
	if ParsePlan("") != PlanFree || ParsePlan("gold") != PlanFree {
		t.Fatal("unknown plans should map to FREE")
	}
}

func TestPayloadIntAcceptsJSONNumbers(t *testing.T) {
	t.Parallel()
	p := Payload{"a": 3, "b": float64(4), "c": "x"}
	if p.Int("a") != 3 || p.Int("b") != 4 || p.Int("c") != 0 {
		t.Fatalf("unexpected ints: %d %d %d", p.Int("a"), p.Int("b"), p.Int("c"))
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()
	if !StatusSent.Terminal() || !StatusFailedPermanent.Terminal() {
		t.Fatal("sent and failed_permanent are terminal")
	}
	if StatusPending.Terminal() || StatusFailedRetryable.Terminal() {
		t.Fatal("pending and failed_retryable are not terminal")
	}
}
