// Package store reaches the Postgres database of the tree store: it reads nodes,
// writes bridge columns and keeps the bridge's own migration history.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Pool sizes the connection pool. Migration runs are sequential and need far fewer
// connections than the sync daemon.
type Pool struct {
	MaxOpen int
	MaxIdle int
}

var DefaultPool = Pool{MaxOpen: 20, MaxIdle: 10}

func Open(ctx context.Context, databaseURL string, pools ...Pool) (*sql.DB, error) {
	pool := DefaultPool
	if len(pools) > 0 {
		pool = pools[0]
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(pool.MaxIdle)
	db.SetMaxOpenConns(pool.MaxOpen)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}
