package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables that are already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// ApplyEnv overlays the web application's environment variables on cfg.
//
// Recognized:
//
//	SENDGRID_API_KEY, EMAIL_SERVICE, FROM_EMAIL, FROM_NAME,
//	DATABASE_URL, PLAN_FREE_QR_LIMIT, APP_NAME, APP_URL, REDIS_URL
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil {
		return
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("SENDGRID_API_KEY"); ok {
		cfg.Transport.APIKey = v
	}
	if v, ok := get("EMAIL_SERVICE"); ok {
		cfg.Transport.Provider = strings.ToLower(v)
	}
	if v, ok := get("FROM_EMAIL"); ok {
		cfg.Sender.Address = v
	}
	if v, ok := get("FROM_NAME"); ok {
		cfg.Sender.DisplayName = v
	}
	if v, ok := get("DATABASE_URL"); ok {
		driver, dsn := splitDatabaseURL(v)
		cfg.Recipients.Driver = driver
		cfg.Recipients.DSN = dsn
	}
	if v, ok := get("PLAN_FREE_QR_LIMIT"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Rules.FreeQRLimit = n
		}
	}
	if v, ok := get("APP_NAME"); ok {
		cfg.Render.AppName = v
	}
	if v, ok := get("APP_URL"); ok {
		cfg.Render.AppURL = v
	}
	if v, ok := get("REDIS_URL"); ok {
		cfg.Ledger.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}
}

// splitDatabaseURL maps SQLAlchemy-style URLs to (driver, dsn).
//
//	sqlite:///./qr_saas.db      -> sqlite, ./qr_saas.db
//	postgresql://u:p@h/db       -> postgres, postgres://u:p@h/db
func splitDatabaseURL(raw string) (string, string) {
	switch {
	case strings.HasPrefix(raw, "sqlite:///"):
		return "sqlite", strings.TrimPrefix(raw, "sqlite:///")
	case strings.HasPrefix(raw, "postgresql://"):
		return "postgres", "postgres://" + strings.TrimPrefix(raw, "postgresql://")
	case strings.HasPrefix(raw, "postgres://"):
		return "postgres", raw
	default:
		return "sqlite", raw
	}
}
