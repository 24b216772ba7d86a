// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Vute Tech LTD
// Copyright (C) 2026 Bor contributors

// Package database holds the Postgres connection backing the scope
// manager (C9) — the only component in the server that is stateful
// across restarts. Everything else (pub/sub hub, tracker, bundle
// builder) keeps its state in memory or in the on-disk git clone, so
// this package stays thin: a connection helper plus the one schema
// migration the scope manager needs.
package database

import (
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/lib/pq"
)

//go:embed migrations/0001_scopes.up.sql
var scopesMigration embed.FS

// DB wraps the scope manager's Postgres connection.
type DB struct {
	*sql.DB
}

// Config holds database connection configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// New opens the scope manager's Postgres connection.
func New(cfg Config) (*DB, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("database: failed to open connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("database: failed to ping: %w", err)
	}

	return &DB{db}, nil
}

// EnsureScopesSchema creates the scopes table that server/internal/scope
// reads and writes, if it doesn't already exist. This is the single
// source of truth for that table's DDL: server/internal/scope no longer
// creates it itself, so there's one place to look when the shape of a
// scope changes.
func (db *DB) EnsureScopesSchema() error {
	content, err := scopesMigration.ReadFile("migrations/0001_scopes.up.sql")
	if err != nil {
		return fmt.Errorf("database: failed to read scopes schema: %w", err)
	}
	if _, err := db.Exec(string(content)); err != nil {
		return fmt.Errorf("database: failed to apply scopes schema: %w", err)
	}
	return nil
}

// Close closes the connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
