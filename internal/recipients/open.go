package recipients

import (
	"context"
	"errors"

	"qrnotify/internal/config"
)

// Open builds the configured recipient store.
func Open(ctx context.Context, cfg config.RecipientsConfig, freeLimit int) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return OpenSQLite(cfg.DSN, freeLimit)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN, freeLimit)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("recipients: unknown driver " + cfg.Driver)
	}
}
