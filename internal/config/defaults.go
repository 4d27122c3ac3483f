package config

import (
	"strings"
	"time"
)

const (
	DefaultFromAddress         = "noreply@qrcodepro.com"
	DefaultFromName            = "QR Code Pro"
	DefaultAppName             = "QR Code Pro"
	DefaultAppURL              = "http://localhost:8000"
	DefaultDiscountCode        = "SAVE20"
	DefaultFreeQRLimit         = 3
	DefaultUpgradePromoAfter   = 72 * time.Hour
	DefaultAbandonedCartWindow = 24 * time.Hour
	DefaultGracePeriod         = 15 * time.Minute
	DefaultRecoveryInterval    = time.Minute
	DefaultTransportTimeout    = 10 * time.Second
	DefaultRetryBase           = 2 * time.Second
	DefaultRetryMaxDelay       = time.Minute
	DefaultTerminalCacheTTL    = 10 * time.Minute
)

// ApplyDefaults fills zero values. It never overrides explicit settings.
func ApplyDefaults(c *Config) {
	if c == nil {
		return
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if c.Sender.Address == "" {
		c.Sender.Address = DefaultFromAddress
	}
	if c.Sender.DisplayName == "" {
		c.Sender.DisplayName = DefaultFromName
	}

	c.Transport.Provider = strings.ToLower(strings.TrimSpace(c.Transport.Provider))
	if c.Transport.Provider == "" {
		c.Transport.Provider = "sendgrid"
	}
	if c.Transport.Timeout == "" {
		c.Transport.Timeout = DefaultTransportTimeout.String()
	}
	if c.Transport.SMTP.Port == 0 {
		c.Transport.SMTP.Port = 587
	}

	if c.Dispatch.Workers <= 0 {
		c.Dispatch.Workers = 4
	}
	if c.Dispatch.QueueSize <= 0 {
		c.Dispatch.QueueSize = 1024
	}
	if c.Dispatch.RetryMaxAttempts <= 0 {
		c.Dispatch.RetryMaxAttempts = 3
	}
	if c.Dispatch.RetryBase == "" {
		c.Dispatch.RetryBase = DefaultRetryBase.String()
	}
	if c.Dispatch.RetryMaxDelay == "" {
		c.Dispatch.RetryMaxDelay = DefaultRetryMaxDelay.String()
	}

	c.Ledger.Driver = strings.ToLower(strings.TrimSpace(c.Ledger.Driver))
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "sqlite"
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = "./data/ledger.db"
	}
	if c.Ledger.BusyTimeout == "" {
		c.Ledger.BusyTimeout = "5s"
	}
	if c.Ledger.Redis.Prefix == "" {
		c.Ledger.Redis.Prefix = "qrnotify:ledger:"
	}
	if c.Ledger.GracePeriodPending == "" {
		c.Ledger.GracePeriodPending = DefaultGracePeriod.String()
	}
	if c.Ledger.RecoveryInterval == "" {
		c.Ledger.RecoveryInterval = DefaultRecoveryInterval.String()
	}
	if c.Ledger.RecoveryBatch <= 0 {
		c.Ledger.RecoveryBatch = 100
	}
	if c.Ledger.TerminalCacheTTL == "" {
		c.Ledger.TerminalCacheTTL = DefaultTerminalCacheTTL.String()
	}

	c.Recipients.Driver = strings.ToLower(strings.TrimSpace(c.Recipients.Driver))
	if c.Recipients.Driver == "" {
		c.Recipients.Driver = "sqlite"
	}
	if c.Recipients.Driver == "sqlite" && c.Recipients.DSN == "" {
		c.Recipients.DSN = "./qr_saas.db"
	}
	if c.Recipients.PageSize <= 0 {
		c.Recipients.PageSize = 200
	}

	if c.Scan.Interval == "" {
		c.Scan.Interval = "1h"
	}
	if c.Scan.Timezone == "" {
		c.Scan.Timezone = "UTC"
	}
	if c.Scan.Concurrency <= 0 {
		c.Scan.Concurrency = 4
	}
	if c.Scan.Timeout == "" {
		c.Scan.Timeout = "30m"
	}

	if c.Rules.FreeQRLimit <= 0 {
		c.Rules.FreeQRLimit = DefaultFreeQRLimit
	}
	if c.Rules.UpgradePromoAfter == "" {
		c.Rules.UpgradePromoAfter = DefaultUpgradePromoAfter.String()
	}
	if c.Rules.AbandonedCartWindow == "" {
		c.Rules.AbandonedCartWindow = DefaultAbandonedCartWindow.String()
	}
	if c.Rules.VerificationOptional == nil {
		c.Rules.VerificationOptional = boolPtr(true)
	}
	if c.Rules.MonthlyReportRequireActivity == nil {
		c.Rules.MonthlyReportRequireActivity = boolPtr(true)
	}
	c.Rules.LifecyclePolicy = strings.ToLower(strings.TrimSpace(c.Rules.LifecyclePolicy))
	if c.Rules.LifecyclePolicy == "" {
		c.Rules.LifecyclePolicy = "lifetime"
	}

	if c.Render.AppName == "" {
		c.Render.AppName = DefaultAppName
	}
	if c.Render.AppURL == "" {
		c.Render.AppURL = DefaultAppURL
	}
	c.Render.AppURL = strings.TrimRight(c.Render.AppURL, "/")
	if c.Render.DiscountCode == "" {
		c.Render.DiscountCode = DefaultDiscountCode
	}

	if c.Ingest.Addr == "" {
		c.Ingest.Addr = "127.0.0.1:8090"
	}
	if c.Ingest.Workers <= 0 {
		c.Ingest.Workers = 2
	}
	if c.Ingest.Queue <= 0 {
		c.Ingest.Queue = 256
	}

	if c.Kafka != nil && c.Kafka.Group == "" {
		c.Kafka.Group = "qrnotify"
	}

	if c.Alerts.Telegram.RatePerSec <= 0 {
		c.Alerts.Telegram.RatePerSec = 1
	}
	if c.Pprof.Prefix == "" {
		c.Pprof.Prefix = "/debug/pprof/"
	}
}

func boolPtr(v bool) *bool { return &v }

// ---- resolved accessors (call after Validate) ----

func (t TransportConfig) TimeoutDuration() time.Duration {
	return DurationOr("transport.timeout", t.Timeout, DefaultTransportTimeout)
}

func (d DispatchConfig) RetryBaseDuration() time.Duration {
	return DurationOr("dispatch.retry_base", d.RetryBase, DefaultRetryBase)
}

func (d DispatchConfig) RetryMaxDelayDuration() time.Duration {
	return DurationOr("dispatch.retry_max_delay", d.RetryMaxDelay, DefaultRetryMaxDelay)
}

func (l LedgerConfig) GracePeriod() time.Duration {
	return DurationOr("ledger.grace_period_pending", l.GracePeriodPending, DefaultGracePeriod)
}

func (l LedgerConfig) RecoveryEvery() time.Duration {
	return DurationOr("ledger.recovery_interval", l.RecoveryInterval, DefaultRecoveryInterval)
}

func (l LedgerConfig) BusyTimeoutDuration() time.Duration {
	return DurationOr("ledger.busy_timeout", l.BusyTimeout, 5*time.Second)
}

func (l LedgerConfig) TerminalCacheTTLDuration() time.Duration {
	v, _ := ParseDuration("ledger.terminal_cache_ttl", l.TerminalCacheTTL)
	return v
}

func (s ScanConfig) TimeoutDuration() time.Duration {
	return DurationOr("scan.timeout", s.Timeout, 30*time.Minute)
}

// Location resolves Timezone, falling back to UTC.
func (s ScanConfig) Location() *time.Location {
	if loc, err := time.LoadLocation(strings.TrimSpace(s.Timezone)); err == nil {
		return loc
	}
	return time.UTC
}

func (r RulesConfig) UpgradePromoAfterDuration() time.Duration {
	return DurationOr("rules.upgrade_promo_after", r.UpgradePromoAfter, DefaultUpgradePromoAfter)
}

func (r RulesConfig) AbandonedCartWindowDuration() time.Duration {
	return DurationOr("rules.abandoned_cart_window", r.AbandonedCartWindow, DefaultAbandonedCartWindow)
}

func (r RulesConfig) VerificationIsOptional() bool {
	return r.VerificationOptional == nil || *r.VerificationOptional
}

func (r RulesConfig) MonthlyReportNeedsActivity() bool {
	return r.MonthlyReportRequireActivity == nil || *r.MonthlyReportRequireActivity
}
