package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "72h").
// Unknown keys are rejected so typos surface on load and on hot reload.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Sender     SenderConfig     `json:"sender"`
	Transport  TransportConfig  `json:"transport"`
	Dispatch   DispatchConfig   `json:"dispatch"`
	Ledger     LedgerConfig     `json:"ledger"`
	Recipients RecipientsConfig `json:"recipients"`
	Scan       ScanConfig       `json:"scan"`
	Rules      RulesConfig      `json:"rules"`
	Render     RenderConfig     `json:"render"`
	Ingest     IngestConfig     `json:"ingest"`
	Kafka      *KafkaConfig     `json:"kafka,omitempty"`
	Alerts     AlertsConfig     `json:"alerts"`
	Pprof      PprofConfig      `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SenderConfig is the From header. The address must be verified with the provider.
type SenderConfig struct {
	Address     string `json:"address"`
	DisplayName string `json:"display_name"`
}

// TransportConfig selects the delivery provider.
//
// Provider values: "sendgrid" (default), "smtp", "simulation".
// An empty APIKey with provider "sendgrid" selects simulation mode.
type TransportConfig struct {
	Provider   string     `json:"provider"`
	APIKey     string     `json:"api_key,omitempty"` // do not log
	BaseURL    string     `json:"base_url,omitempty"`
	Timeout    string     `json:"timeout,omitempty"`
	RatePerSec int        `json:"rate_per_sec,omitempty"`
	SMTP       SMTPConfig `json:"smtp,omitempty"`
}

type SMTPConfig struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // do not log
}

// DispatchConfig controls the executor.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 1024
//   - retry_max_attempts: 3
//   - retry_base: "2s"
//   - retry_max_delay: "1m"
type DispatchConfig struct {
	Workers          int    `json:"workers,omitempty"`
	QueueSize        int    `json:"queue_size,omitempty"`
	RetryMaxAttempts int    `json:"retry_max_attempts,omitempty"`
	RetryBase        string `json:"retry_base,omitempty"`
	RetryMaxDelay    string `json:"retry_max_delay,omitempty"`
}

// LedgerConfig controls the dedup ledger.
//
// Driver values: "sqlite" (default), "redis", "memory".
type LedgerConfig struct {
	Driver             string      `json:"driver"`
	Path               string      `json:"path,omitempty"`
	BusyTimeout        string      `json:"busy_timeout,omitempty"`
	Redis              RedisConfig `json:"redis,omitempty"`
	GracePeriodPending string      `json:"grace_period_pending,omitempty"`
	RecoveryInterval   string      `json:"recovery_interval,omitempty"`
	RecoveryBatch      int         `json:"recovery_batch,omitempty"`
	TerminalCacheTTL   string      `json:"terminal_cache_ttl,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// RecipientsConfig points at the web application's user database.
//
// Driver values: "sqlite" (default, the app's qr_saas.db), "postgres", "memory".
type RecipientsConfig struct {
	Driver   string `json:"driver"`
	DSN      string `json:"dsn,omitempty"`
	PageSize int    `json:"page_size,omitempty"`
}

type ScanConfig struct {
	Enabled bool `json:"enabled"`
	// Interval is a schedule string: "1h", "02:30" or a cron expression.
	Interval    string `json:"interval"`
	Timezone    string `json:"timezone,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

// RulesConfig holds eligibility thresholds.
type RulesConfig struct {
	FreeQRLimit                  int    `json:"free_qr_limit,omitempty"`
	UpgradePromoAfter            string `json:"upgrade_promo_after,omitempty"`
	AbandonedCartWindow          string `json:"abandoned_cart_window,omitempty"`
	VerificationOptional         *bool  `json:"verification_optional,omitempty"`
	MonthlyReportRequireActivity *bool  `json:"monthly_report_require_activity,omitempty"`
	// LifecyclePolicy is "lifetime" (default) or "per_downgrade".
	LifecyclePolicy string `json:"lifecycle_policy,omitempty"`
}

type RenderConfig struct {
	AppName      string `json:"app_name,omitempty"`
	AppURL       string `json:"app_url,omitempty"`
	DiscountCode string `json:"discount_code,omitempty"`
}

// IngestConfig controls the ops HTTP server (event ingest, health, metrics).
type IngestConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
	Workers int    `json:"workers,omitempty"`
	Queue   int    `json:"queue_size,omitempty"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
	Group   string   `json:"group"`
}

// AlertsConfig controls the operator channel.
// Records always go to the log; the journal and Telegram sinks are optional.
type AlertsConfig struct {
	JournalPath string         `json:"journal_path,omitempty"`
	Telegram    TelegramAlerts `json:"telegram,omitempty"`
}

type TelegramAlerts struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"` // do not log
	ChatID     int64  `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// PprofConfig exposes net/http/pprof on the ops server when enabled.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Prefix  string `json:"prefix,omitempty"` // default: "/debug/pprof/"
}
