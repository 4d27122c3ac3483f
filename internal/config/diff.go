package config

import (
	"reflect"

	logx "qrnotify/pkg/logx"
)

// coldSections cannot be swapped on a running process; a change is logged
// and takes effect on the next restart. A nil entry means the whole section
// is cold; otherwise only the fields the func compares are.
var coldSections = map[string]func(a, b *Config) bool{
	"ledger": func(a, b *Config) bool {
		x, y := a.Ledger, b.Ledger
		return x.Driver != y.Driver || x.Path != y.Path || x.BusyTimeout != y.BusyTimeout ||
			x.Redis != y.Redis || x.RecoveryInterval != y.RecoveryInterval ||
			x.TerminalCacheTTL != y.TerminalCacheTTL
	},
	"dispatch": func(a, b *Config) bool {
		return a.Dispatch.Workers != b.Dispatch.Workers || a.Dispatch.QueueSize != b.Dispatch.QueueSize
	},
	"recipients": nil,
	"ingest":     nil,
	"kafka":      nil,
	"render":     nil,
	"pprof":      nil,
}

// SummarizeChange returns (1) the changed top-level sections in a stable order,
// (2) safe structured attrs for logging (never secrets), and (3) the changed
// sections that need a restart.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	sections := []struct {
		name  string
		a, b  any
		attrs func() []logx.Field
	}{
		{"logging", oldCfg.Logging, newCfg.Logging, func() []logx.Field {
			return []logx.Field{
				logx.String("logging.level", newCfg.Logging.Level),
				logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			}
		}},
		{"sender", oldCfg.Sender, newCfg.Sender, func() []logx.Field {
			return []logx.Field{logx.String("sender.address", newCfg.Sender.Address)}
		}},
		{"transport", oldCfg.Transport, newCfg.Transport, func() []logx.Field {
			return []logx.Field{
				logx.String("transport.provider", newCfg.Transport.Provider),
				logx.Bool("transport.api_key_set", newCfg.Transport.APIKey != ""),
				logx.Int("transport.rate_per_sec", newCfg.Transport.RatePerSec),
			}
		}},
		{"dispatch", oldCfg.Dispatch, newCfg.Dispatch, func() []logx.Field {
			return []logx.Field{logx.Int("dispatch.retry_max_attempts", newCfg.Dispatch.RetryMaxAttempts)}
		}},
		{"ledger", oldCfg.Ledger, newCfg.Ledger, func() []logx.Field {
			return []logx.Field{logx.String("ledger.driver", newCfg.Ledger.Driver)}
		}},
		{"recipients", oldCfg.Recipients, newCfg.Recipients, func() []logx.Field {
			return []logx.Field{logx.String("recipients.driver", newCfg.Recipients.Driver)}
		}},
		{"scan", oldCfg.Scan, newCfg.Scan, func() []logx.Field {
			return []logx.Field{
				logx.Bool("scan.enabled", newCfg.Scan.Enabled),
				logx.String("scan.interval", newCfg.Scan.Interval),
			}
		}},
		{"rules", oldCfg.Rules, newCfg.Rules, func() []logx.Field {
			return []logx.Field{
				logx.Int("rules.free_qr_limit", newCfg.Rules.FreeQRLimit),
				logx.String("rules.lifecycle_policy", newCfg.Rules.LifecyclePolicy),
			}
		}},
		{"render", oldCfg.Render, newCfg.Render, func() []logx.Field {
			return []logx.Field{logx.String("render.app_url", newCfg.Render.AppURL)}
		}},
		{"ingest", oldCfg.Ingest, newCfg.Ingest, func() []logx.Field {
			return []logx.Field{
				logx.Bool("ingest.enabled", newCfg.Ingest.Enabled),
				logx.String("ingest.addr", newCfg.Ingest.Addr),
				logx.Bool("ingest.token_set", newCfg.Ingest.Token != ""),
			}
		}},
		{"kafka", oldCfg.Kafka, newCfg.Kafka, func() []logx.Field {
			return []logx.Field{logx.Bool("kafka.enabled", newCfg.Kafka != nil && newCfg.Kafka.Enabled)}
		}},
		{"alerts", oldCfg.Alerts, newCfg.Alerts, func() []logx.Field {
			return []logx.Field{
				logx.Bool("alerts.journal", newCfg.Alerts.JournalPath != ""),
				logx.Bool("alerts.telegram", newCfg.Alerts.Telegram.Enabled),
			}
		}},
		{"pprof", oldCfg.Pprof, newCfg.Pprof, func() []logx.Field {
			return []logx.Field{logx.Bool("pprof.enabled", newCfg.Pprof.Enabled)}
		}},
	}

	var (
		changed []string
		attrs   []logx.Field
		restart []string
	)
	for _, s := range sections {
		if reflect.DeepEqual(s.a, s.b) {
			continue
		}
		changed = append(changed, s.name)
		attrs = append(attrs, s.attrs()...)
		if cold, ok := coldSections[s.name]; ok && (cold == nil || cold(oldCfg, newCfg)) {
			restart = append(restart, s.name)
		}
	}
	return changed, attrs, restart
}
