package render

import (
	"errors"
	"strings"
	"testing"

	"qrnotify/internal/domain"
)

func newTemplates(t *testing.T) *Templates {
	t.Helper()
	r, err := New(Config{AppName: "QR Code Pro", AppURL: "http://localhost:8000/", DiscountCode: "SAVE20"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestRenderEveryKind(t *testing.T) {
	t.Parallel()
	r := newTemplates(t)
	payloads := map[domain.Kind]domain.Payload{
		domain.KindWelcome:       {"name": "Ada"},
		domain.KindVerification:  {"name": "Ada", "email": "ada@example.com"},
		domain.KindUpgradePromo:  {"name": "Ada"},
		domain.KindQRWarning:     {"name": "Ada", "qr_count": 2, "limit": 3},
		domain.KindSubConfirm:    {"plan": "PRO", "payment_id": "pi_1"},
		domain.KindAbandonedCart: {"name": "Ada", "plan": "PRO"},
		domain.KindPasswordReset: {"name": "Ada", "email": "ada@example.com", "reset_url": "https://x.test/r?t=1"},
		domain.KindMonthlyReport: {"name": "Ada", "month": "February 2026", "total_qr": 3, "total_scans": 10, "month_scans": 4},
	}
	for _, k := range domain.AllKinds {
		k := k
		t.Run(string(k), func(t *testing.T) {
			c, err := r.Render(k, payloads[k])
			if err != nil {
				t.Fatalf("Render: %v", err)
			}
			if c.Subject == "" || !strings.Contains(c.HTML, "<html>") {
				t.Fatalf("content = %+v", c)
			}
			if !strings.Contains(c.HTML, "http://localhost:8000") {
				t.Fatalf("app url missing from %s", k)
			}
		})
	}
}

func TestRenderSubstitutes(t *testing.T) {
	t.Parallel()
	r := newTemplates(t)
	c, err := r.Render(domain.KindUpgradePromo, domain.Payload{"name": "Ada <script>"})
	if err != nil {
		t.Fatal(err)
	}
	if c.Subject != "20% off QR Code Pro PRO with code SAVE20" {
		t.Fatalf("subject = %q", c.Subject)
	}
	if strings.Contains(c.HTML, "<script>") || !strings.Contains(c.HTML, "Ada &lt;script&gt;") {
		t.Fatal("name not escaped")
	}
	if !strings.Contains(c.HTML, "http://localhost:8000/pricing") {
		t.Fatal("pricing link missing")
	}

	c, _ = r.Render(domain.KindQRWarning, domain.Payload{"name": "Ada", "qr_count": 2, "limit": 3})
	if c.Subject != "You have used 2 of 3 free QR codes" {
		t.Fatalf("subject = %q", c.Subject)
	}
}

func TestRenderMissingVariable(t *testing.T) {
	t.Parallel()
	r := newTemplates(t)
	if _, err := r.Render(domain.KindPasswordReset, domain.Payload{"name": "Ada", "email": "a@b.c"}); err == nil {
		t.Fatal("expected error for missing reset_url")
	}
	// Body-only variables count too: the subject of a monthly report needs
	// only month, the body needs the stats.
	if _, err := r.Render(domain.KindMonthlyReport, domain.Payload{"name": "Ada", "month": "May 2026"}); err == nil {
		t.Fatal("expected error for missing report stats")
	}
}

func TestRenderUnknownKind(t *testing.T) {
	t.Parallel()
	r := newTemplates(t)
	if _, err := r.Render(domain.Kind("nope"), nil); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("err = %v", err)
	}
}
