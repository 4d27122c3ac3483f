package config

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Validate reports every problem at once. Call after ApplyDefaults.
func Validate(c *Config) error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	var errs *multierror.Error
	add := func(err error) {
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if _, err := mail.ParseAddress(c.Sender.Address); err != nil {
		add(fmt.Errorf("sender.address: %w", err))
	}

	switch c.Transport.Provider {
	case "sendgrid", "simulation":
	case "smtp":
		if strings.TrimSpace(c.Transport.SMTP.Host) == "" {
			add(fmt.Errorf("transport.smtp.host is required for provider smtp"))
		}
	default:
		add(fmt.Errorf("transport.provider: unknown %q", c.Transport.Provider))
	}
	if c.Transport.RatePerSec < 0 {
		add(fmt.Errorf("transport.rate_per_sec must be >= 0"))
	}

	durations := []struct{ path, raw string }{
		{"transport.timeout", c.Transport.Timeout},
		{"dispatch.retry_base", c.Dispatch.RetryBase},
		{"dispatch.retry_max_delay", c.Dispatch.RetryMaxDelay},
		{"ledger.busy_timeout", c.Ledger.BusyTimeout},
		{"ledger.grace_period_pending", c.Ledger.GracePeriodPending},
		{"ledger.recovery_interval", c.Ledger.RecoveryInterval},
		{"ledger.terminal_cache_ttl", c.Ledger.TerminalCacheTTL},
		{"scan.timeout", c.Scan.Timeout},
		{"rules.upgrade_promo_after", c.Rules.UpgradePromoAfter},
		{"rules.abandoned_cart_window", c.Rules.AbandonedCartWindow},
	}
	for _, d := range durations {
		_, err := ParseDuration(d.path, d.raw)
		add(err)
	}
	// A live retry must never look stale to the recovery sweep.
	if busy := c.Transport.TimeoutDuration() + c.Dispatch.RetryMaxDelayDuration(); c.Ledger.GracePeriod() <= busy {
		add(fmt.Errorf("ledger.grace_period_pending must exceed transport.timeout + dispatch.retry_max_delay (%s)", busy))
	}

	switch c.Ledger.Driver {
	case "sqlite", "memory":
	case "redis":
		if strings.TrimSpace(c.Ledger.Redis.Addr) == "" {
			add(fmt.Errorf("ledger.redis.addr is required for driver redis"))
		}
	default:
		add(fmt.Errorf("ledger.driver: unknown %q", c.Ledger.Driver))
	}

	switch c.Recipients.Driver {
	case "sqlite", "postgres":
		if strings.TrimSpace(c.Recipients.DSN) == "" {
			add(fmt.Errorf("recipients.dsn is required for driver %s", c.Recipients.Driver))
		}
	case "memory":
	default:
		add(fmt.Errorf("recipients.driver: unknown %q", c.Recipients.Driver))
	}

	if c.Scan.Enabled && strings.TrimSpace(c.Scan.Interval) == "" {
		add(fmt.Errorf("scan.interval is required when scan is enabled"))
	}
	if _, err := time.LoadLocation(c.Scan.Timezone); err != nil {
		add(fmt.Errorf("scan.timezone: %w", err))
	}

	switch c.Rules.LifecyclePolicy {
	case "lifetime", "per_downgrade":
	default:
		add(fmt.Errorf("rules.lifecycle_policy: unknown %q", c.Rules.LifecyclePolicy))
	}

	if k := c.Kafka; k != nil && k.Enabled {
		if len(k.Brokers) == 0 {
			add(fmt.Errorf("kafka.brokers is required when kafka is enabled"))
		}
		if strings.TrimSpace(k.Topic) == "" {
			add(fmt.Errorf("kafka.topic is required when kafka is enabled"))
		}
	}

	if t := c.Alerts.Telegram; t.Enabled {
		if strings.TrimSpace(t.Token) == "" {
			add(fmt.Errorf("alerts.telegram.token is required when enabled"))
		}
		if t.ChatID == 0 {
			add(fmt.Errorf("alerts.telegram.chat_id is required when enabled"))
		}
	}

	if c.Pprof.Enabled && !c.Ingest.Enabled {
		add(fmt.Errorf("pprof requires ingest.enabled (served on the ops listener)"))
	}

	return errs.ErrorOrNil()
}
