package domain

import (
	"fmt"
	"strconv"
	"time"
)

// Dedup keys are pure functions of (kind, recipient, discriminator). They must
// never depend on the time a message is sent.

func WelcomeKey(uid string) string      { return "welcome:" + uid }
func VerificationKey(uid string) string { return "verify:" + uid }
func UpgradePromoKey(uid string) string { return "upgrade_promo:" + uid }

func QRWarningKey(uid string, count int) string {
	return "qr_warning:" + uid + ":" + strconv.Itoa(count)
}

func SubConfirmKey(uid, paymentID string) string {
	return "sub_confirm:" + uid + ":" + paymentID
}

// AbandonedCartKey returns the lifetime key when cycle is zero, otherwise a key
// scoped to the given downgrade time.
func AbandonedCartKey(uid string, cycle time.Time) string {
	if cycle.IsZero() {
		return "abandoned_cart:" + uid
	}
	return "abandoned_cart:" + uid + ":" + strconv.FormatInt(cycle.Unix(), 10)
}

func PasswordResetKey(uid, requestID string) string {
	return "pw_reset:" + uid + ":" + requestID
}

// MonthlyReportKey is keyed by the reported calendar month.
func MonthlyReportKey(uid string, year int, month time.Month) string {
	return fmt.Sprintf("monthly_report:%s:%04d-%02d", uid, year, int(month))
}
