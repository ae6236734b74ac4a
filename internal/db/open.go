package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type Config struct {
	// Name identifies the in-memory database. Empty means a fresh random
	// name, so two Opens never share state.
	Name string
}

// Open returns a migrated in-memory SQLite database. Nothing is written to
// disk: the event index is rebuilt from the ledger on every start.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "vehicleaccess_" + uuid.NewString()
	}

	// The shared cache keeps the database alive while the pool holds a
	// connection; the single connection below guarantees that.
	dsn := fmt.Sprintf(
		"file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
		name,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}
