package rules

import (
	"context"
	"testing"
	"time"

	"qrnotify/internal/domain"
	"qrnotify/internal/ledger"
	"qrnotify/internal/recipients"
)

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func freeUser() domain.Recipient {
	return domain.Recipient{
		ID:           "u1",
		Email:        "ada@example.com",
		Name:         "Ada",
		Plan:         domain.PlanFree,
		RegisteredAt: t0,
		Active:       true,
	}
}

func TestQRWarningFiresOnlyAtPenultimate(t *testing.T) {
	t.Parallel()
	cfg := Defaults()
	tests := []struct {
		count int
		want  bool
	}{
		{cfg.FreeQRLimit - 2, false},
		{cfg.FreeQRLimit - 1, true},
		{cfg.FreeQRLimit, false},
	}
	for _, tt := range tests {
		f := domain.TriggerFact{Kind: domain.KindQRWarning, RecipientID: "u1", QRCount: tt.count, OccurredAt: t0}
		d, ok := Decide(cfg, f, freeUser())
		if ok != tt.want {
			t.Fatalf("count %d: ok = %v, want %v", tt.count, ok, tt.want)
		}
		if ok && (d.DedupKey != "qr_warning:u1:2" || d.Payload.Int("limit") != 3) {
			t.Fatalf("decision = %+v", d)
		}
	}

	pro := freeUser()
	pro.Plan = domain.PlanPro
	if _, ok := Decide(cfg, domain.TriggerFact{Kind: domain.KindQRWarning, QRCount: 2}, pro); ok {
		t.Fatal("PRO recipients never get the warning")
	}
}

func TestUpgradePromoWindow(t *testing.T) {
	t.Parallel()
	cfg := Defaults()
	at := func(d time.Duration) domain.TriggerFact {
		return domain.TriggerFact{Kind: domain.KindUpgradePromo, RecipientID: "u1", OccurredAt: t0.Add(d)}
	}
	if _, ok := Decide(cfg, at(48*time.Hour), freeUser()); ok {
		t.Fatal("T+2d should not fire")
	}
	d, ok := Decide(cfg, at(72*time.Hour+time.Minute), freeUser())
	if !ok || d.DedupKey != "upgrade_promo:u1" {
		t.Fatalf("T+3d+1m: %+v %v", d, ok)
	}
	biz := freeUser()
	biz.Plan = domain.PlanBusiness
	if _, ok := Decide(cfg, at(96*time.Hour), biz); ok {
		t.Fatal("paid plans are not nudged")
	}
}

func TestRegistrationKinds(t *testing.T) {
	t.Parallel()
	cfg := Defaults()
	u := freeUser()
	if d, ok := Decide(cfg, domain.TriggerFact{Kind: domain.KindWelcome, RecipientID: "u1"}, u); !ok || d.DedupKey != "welcome:u1" {
		t.Fatalf("welcome = %+v %v", d, ok)
	}
	if d, ok := Decide(cfg, domain.TriggerFact{Kind: domain.KindVerification, RecipientID: "u1"}, u); !ok || d.DedupKey != "verify:u1" {
		t.Fatalf("verify = %+v %v", d, ok)
	}
	u.Verified = true
	if _, ok := Decide(cfg, domain.TriggerFact{Kind: domain.KindVerification}, u); ok {
		t.Fatal("verified recipients are not asked again")
	}
	cfg.VerificationOptional = false
	u.Verified = false
	if _, ok := Decide(cfg, domain.TriggerFact{Kind: domain.KindVerification}, u); ok {
		t.Fatal("mandatory verification is not this dispatcher's job")
	}
}

func TestIneligibleRecipients(t *testing.T) {
	t.Parallel()
	cfg := Defaults()
	inactive := freeUser()
	inactive.Active = false
	if _, ok := Decide(cfg, domain.TriggerFact{Kind: domain.KindWelcome}, inactive); ok {
		t.Fatal("inactive recipient")
	}
	noAddr := freeUser()
	noAddr.Email = " "
	if _, ok := Decide(cfg, domain.TriggerFact{Kind: domain.KindWelcome}, noAddr); ok {
		t.Fatal("recipient without address")
	}
	if _, ok := Decide(cfg, domain.TriggerFact{Kind: domain.KindWelcome, RecipientID: "u2"}, freeUser()); ok {
		t.Fatal("fact for another recipient")
	}
	if _, ok := Decide(cfg, domain.TriggerFact{Kind: "newsletter"}, freeUser()); ok {
		t.Fatal("unknown kind")
	}
}

func TestSubConfirmAndPasswordReset(t *testing.T) {
	t.Parallel()
	cfg := Defaults()
	u := freeUser()
	d, ok := Decide(cfg, domain.TriggerFact{Kind: domain.KindSubConfirm, PaymentID: "pay_9", Plan: "pro"}, u)
	if !ok || d.DedupKey != "sub_confirm:u1:pay_9" || d.Payload.String("plan") != "PRO" {
		t.Fatalf("sub confirm = %+v %v", d, ok)
	}
	if _, ok := Decide(cfg, domain.TriggerFact{Kind: domain.KindSubConfirm}, u); ok {
		t.Fatal("payment id is required")
	}

	r1, ok1 := Decide(cfg, domain.TriggerFact{Kind: domain.KindPasswordReset, RequestID: "r1", ResetURL: "https://x/r1"}, u)
	r2, ok2 := Decide(cfg, domain.TriggerFact{Kind: domain.KindPasswordReset, RequestID: "r2", ResetURL: "https://x/r2"}, u)
	if !ok1 || !ok2 || r1.DedupKey == r2.DedupKey {
		t.Fatalf("each reset request gets its own key: %q %q", r1.DedupKey, r2.DedupKey)
	}
	if _, ok := Decide(cfg, domain.TriggerFact{Kind: domain.KindPasswordReset, RequestID: "r3"}, u); ok {
		t.Fatal("reset without link")
	}
}

func TestAbandonedCartLifecyclePolicy(t *testing.T) {
	t.Parallel()
	cfg := Defaults()
	u := freeUser()
	u.QRCount = 3
	u.LimitReachedAt = t0
	u.DowngradedAt = t0.Add(-30 * 24 * time.Hour)

	f := domain.TriggerFact{Kind: domain.KindAbandonedCart, OccurredAt: t0.Add(23 * time.Hour)}
	if _, ok := Decide(cfg, f, u); ok {
		t.Fatal("inside the upgrade window")
	}
	f.OccurredAt = t0.Add(25 * time.Hour)
	d, ok := Decide(cfg, f, u)
	if !ok || d.DedupKey != "abandoned_cart:u1" || d.Payload.String("plan") != "PRO" {
		t.Fatalf("lifetime = %+v %v", d, ok)
	}

	cfg.Lifecycle = PolicyPerDowngrade
	d, ok = Decide(cfg, f, u)
	want := domain.AbandonedCartKey("u1", u.DowngradedAt)
	if !ok || d.DedupKey != want {
		t.Fatalf("per_downgrade key = %q, want %q", d.DedupKey, want)
	}

	u.QRCount = 2
	if _, ok := Decide(cfg, f, u); ok {
		t.Fatal("below the limit")
	}
}

func TestMonthlyReportPeriod(t *testing.T) {
	t.Parallel()
	cfg := Defaults()
	u := freeUser()
	u.RegisteredAt = time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	u.QRCount = 2

	f := domain.TriggerFact{Kind: domain.KindMonthlyReport, OccurredAt: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	d, ok := Decide(cfg, f, u)
	if !ok || d.DedupKey != "monthly_report:u1:2026-02" || d.Payload.String("month") != "February 2026" {
		t.Fatalf("report = %+v %v", d, ok)
	}

	late := u
	late.RegisteredAt = time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC)
	if _, ok := Decide(cfg, f, late); ok {
		t.Fatal("registered after the reported month")
	}

	idle := u
	idle.QRCount = 0
	if _, ok := Decide(cfg, f, idle); ok {
		t.Fatal("idle account with activity required")
	}
	cfg.MonthlyReportRequireActivity = false
	if _, ok := Decide(cfg, f, idle); !ok {
		t.Fatal("idle account with activity not required")
	}
}

func TestReportPeriodTimezone(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+9", 9*3600)
	// 2026-03-31T20:00Z is already April 1st in UTC+9.
	from, to := ReportPeriod(time.Date(2026, 3, 31, 20, 0, 0, 0, time.UTC), loc)
	if from.Month() != time.March || to.Month() != time.April || to.Day() != 1 {
		t.Fatalf("period = %v .. %v", from, to)
	}
	from, _ = ReportPeriod(time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), nil)
	if from.Year() != 2025 || from.Month() != time.December {
		t.Fatalf("January wraps to December: %v", from)
	}
}

func TestEngineSuppressesReservedKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := ledger.NewMemory()
	e := NewEngine(Defaults(), l)

	f := domain.TriggerFact{Kind: domain.KindWelcome, RecipientID: "u1", OccurredAt: t0}
	d, ok, err := e.Evaluate(ctx, f, freeUser())
	if err != nil || !ok {
		t.Fatalf("first Evaluate = %v %v", ok, err)
	}
	if _, err := l.Reserve(ctx, ledger.Reservation{Decision: d, At: t0}); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := e.Evaluate(ctx, f, freeUser()); err != nil || ok {
		t.Fatalf("pending key should suppress: %v %v", ok, err)
	}
}

func TestEngineScanDecisionsWithStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	u := freeUser()
	u.RegisteredAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	u.QRCount = 3
	u.LimitReachedAt = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	store := recipients.NewMemory(u)
	store.SetStats("u1", recipients.Stats{TotalQR: 3, TotalScans: 40, PeriodScans: 12})
	e := NewEngine(Defaults(), ledger.NewMemory(), WithStats(store))

	ds, err := e.ScanDecisions(ctx, u, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	kinds := map[domain.Kind]domain.Decision{}
	for _, d := range ds {
		kinds[d.Kind] = d
	}
	if len(kinds) != 3 {
		t.Fatalf("decisions = %+v", ds)
	}
	if m := kinds[domain.KindMonthlyReport]; m.Payload.Int("month_scans") != 12 || m.Payload.Int("total_scans") != 40 {
		t.Fatalf("report payload = %+v", m.Payload)
	}

	cfg := e.Config()
	cfg.UpgradePromoAfter = 365 * 24 * time.Hour
	e.SetConfig(cfg)
	ds, _ = e.ScanDecisions(ctx, u, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	if len(ds) != 2 {
		t.Fatalf("after SetConfig: %+v", ds)
	}
}
