// Package sqlite opens local SQLite databases used for single-node run history.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/animus-labs/reexec/internal/platform/env"
)

const memoryPath = ":memory:"

type Config struct {
	Path string
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{Path: env.String("REEXEC_SQLITE_PATH", "reexec.db")}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return errors.New("REEXEC_SQLITE_PATH is required")
	}
	return nil
}

// Open opens the database with foreign keys and WAL enabled. An in-memory
// database is pinned to a single connection so every query sees the same data.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_busy_timeout=5000",
	}
	db, err := sql.Open("sqlite3", cfg.Path+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if cfg.Path == memoryPath {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}
