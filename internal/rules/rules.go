package rules

import (
	"strings"
	"time"

	"qrnotify/internal/config"
	"qrnotify/internal/domain"
)

// Policy decides whether one-shot lifecycle keys restart after a downgrade.
type Policy string

const (
	PolicyLifetime     Policy = "lifetime"
	PolicyPerDowngrade Policy = "per_downgrade"
)

// Config is the resolved rule set. The zero value is not useful; use
// FromConfig or Defaults.
type Config struct {
	FreeQRLimit                  int
	UpgradePromoAfter            time.Duration
	AbandonedCartWindow          time.Duration
	VerificationOptional         bool
	MonthlyReportRequireActivity bool
	Lifecycle                    Policy
	// Location decides calendar month boundaries for the monthly report.
	Location *time.Location
}

func Defaults() Config {
	return Config{
		FreeQRLimit:                  config.DefaultFreeQRLimit,
		UpgradePromoAfter:            config.DefaultUpgradePromoAfter,
		AbandonedCartWindow:          config.DefaultAbandonedCartWindow,
		VerificationOptional:         true,
		MonthlyReportRequireActivity: true,
		Lifecycle:                    PolicyLifetime,
		Location:                     time.UTC,
	}
}

func FromConfig(rc config.RulesConfig, sc config.ScanConfig) Config {
	c := Defaults()
	if rc.FreeQRLimit > 0 {
		c.FreeQRLimit = rc.FreeQRLimit
	}
	c.UpgradePromoAfter = rc.UpgradePromoAfterDuration()
	c.AbandonedCartWindow = rc.AbandonedCartWindowDuration()
	c.VerificationOptional = rc.VerificationIsOptional()
	c.MonthlyReportRequireActivity = rc.MonthlyReportNeedsActivity()
	if Policy(strings.ToLower(strings.TrimSpace(rc.LifecyclePolicy))) == PolicyPerDowngrade {
		c.Lifecycle = PolicyPerDowngrade
	}
	c.Location = sc.Location()
	return c
}

// Decide maps one fact and the recipient snapshot to at most one decision.
// It is pure: the ledger is not consulted here.
//
// Scan-driven kinds (upgrade promo, abandoned cart, monthly report) take the
// fact's OccurredAt as "now".
func Decide(cfg Config, f domain.TriggerFact, r domain.Recipient) (domain.Decision, bool) {
	if !r.Active || strings.TrimSpace(r.Email) == "" {
		return domain.Decision{}, false
	}
	if f.RecipientID != "" && f.RecipientID != r.ID {
		return domain.Decision{}, false
	}

	var (
		key string
		p   = domain.Payload{"name": r.DisplayName(), "email": r.Email}
	)
	switch f.Kind {
	case domain.KindWelcome:
		key = domain.WelcomeKey(r.ID)

	case domain.KindVerification:
		if !cfg.VerificationOptional || r.Verified {
			return domain.Decision{}, false
		}
		key = domain.VerificationKey(r.ID)

	case domain.KindUpgradePromo:
		if r.Plan != domain.PlanFree || r.RegisteredAt.IsZero() {
			return domain.Decision{}, false
		}
		if f.OccurredAt.Sub(r.RegisteredAt) < cfg.UpgradePromoAfter {
			return domain.Decision{}, false
		}
		key = domain.UpgradePromoKey(r.ID)

	case domain.KindQRWarning:
		if r.Plan != domain.PlanFree || cfg.FreeQRLimit < 2 {
			return domain.Decision{}, false
		}
		count := f.QRCount
		if count != cfg.FreeQRLimit-1 {
			return domain.Decision{}, false
		}
		key = domain.QRWarningKey(r.ID, count)
		p["qr_count"] = count
		p["limit"] = cfg.FreeQRLimit

	case domain.KindSubConfirm:
		if strings.TrimSpace(f.PaymentID) == "" {
			return domain.Decision{}, false
		}
		plan := f.Plan
		if plan == "" {
			plan = r.Plan
		}
		key = domain.SubConfirmKey(r.ID, f.PaymentID)
		p["plan"] = strings.ToUpper(string(plan))
		p["payment_id"] = f.PaymentID

	case domain.KindAbandonedCart:
		if r.Plan != domain.PlanFree || r.QRCount < cfg.FreeQRLimit {
			return domain.Decision{}, false
		}
		reached := r.LimitReachedAt
		if reached.IsZero() {
			reached = r.RegisteredAt
		}
		if reached.IsZero() || f.OccurredAt.Sub(reached) < cfg.AbandonedCartWindow {
			return domain.Decision{}, false
		}
		var cycle time.Time
		if cfg.Lifecycle == PolicyPerDowngrade {
			cycle = r.DowngradedAt
		}
		key = domain.AbandonedCartKey(r.ID, cycle)
		p["plan"] = string(domain.PlanPro)

	case domain.KindPasswordReset:
		if strings.TrimSpace(f.RequestID) == "" || strings.TrimSpace(f.ResetURL) == "" {
			return domain.Decision{}, false
		}
		key = domain.PasswordResetKey(r.ID, f.RequestID)
		p["reset_url"] = f.ResetURL

	case domain.KindMonthlyReport:
		from, to := ReportPeriod(f.OccurredAt, cfg.Location)
		if r.RegisteredAt.IsZero() || !r.RegisteredAt.Before(to) {
			return domain.Decision{}, false
		}
		if cfg.MonthlyReportRequireActivity && r.QRCount == 0 {
			return domain.Decision{}, false
		}
		key = domain.MonthlyReportKey(r.ID, from.Year(), from.Month())
		p["month"] = from.Format("January 2006")
		p["total_qr"] = r.QRCount
		p["total_scans"] = 0
		p["month_scans"] = 0

	default:
		return domain.Decision{}, false
	}

	return domain.Decision{
		RecipientID: r.ID,
		Email:       r.Email,
		Kind:        f.Kind,
		DedupKey:    key,
		Payload:     p,
	}, true
}

// ReportPeriod returns [from, to) of the calendar month before now, in loc.
func ReportPeriod(now time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)
	to := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
	return to.AddDate(0, -1, 0), to
}
