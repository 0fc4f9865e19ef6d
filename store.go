package main

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

const defaultCachePath = "articles.db"

// articleStore is the persistent article cache, keyed by article id alone.
// Records are replaced wholesale on upsert and never expire.
type articleStore interface {
	// lookup returns (nil, nil) when no record exists.
	lookup(ctx context.Context, id string) (*Article, error)
	// upsert writes or replaces the record and stamps a.Timestamp.
	upsert(ctx context.Context, a *Article) error
	Close() error
}

// openStore picks a backend from dsn: redis:// and rediss:// URLs select
// Redis, anything else is a SQLite database path.
func openStore(ctx context.Context, dsn string, logger *slog.Logger) (articleStore, error) {
	if dsn == "" {
		dsn = defaultCachePath
	}
	if strings.HasPrefix(dsn, "redis://") || strings.HasPrefix(dsn, "rediss://") {
		return openRedisStore(ctx, dsn, logger)
	}
	return openSQLiteStore(ctx, dsn, logger)
}

// storeClock is the time source used to stamp records.
type storeClock func() time.Time

func (c storeClock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c()
}
