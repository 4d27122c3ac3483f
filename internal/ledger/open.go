package ledger

import (
	"context"
	"errors"
	"strings"

	"qrnotify/internal/config"
	logx "qrnotify/pkg/logx"
)

// Open builds the configured ledger, wrapped with the terminal-entry cache
// when a TTL is set.
func Open(ctx context.Context, cfg config.LedgerConfig, log logx.Logger) (Ledger, error) {
	var (
		l   Ledger
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		l, err = OpenSQLite(SQLiteConfig{Path: cfg.Path, BusyTimeout: cfg.BusyTimeoutDuration()}, log)
	case "redis":
		l, err = OpenRedis(ctx, RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	case "memory":
		log.Warn("ledger is in-memory; dedup state is lost on restart")
		l = NewMemory()
	default:
		return nil, errors.New("ledger: unknown driver " + cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if ttl := cfg.TerminalCacheTTLDuration(); ttl > 0 {
		l = NewCached(l, ttl)
	}
	log.Info("ledger opened", logx.String("driver", cfg.Driver))
	return l, nil
}
