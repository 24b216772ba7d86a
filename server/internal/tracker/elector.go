// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Vute Tech LTD
// Copyright (C) 2026 Bor contributors

package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"os"
	"syscall"
)

// FileElector implements leadership via a flock()'d lock file, for
// single-host multi-process deployments and tests.
type FileElector struct {
	path string
	file *os.File
}

// NewFileElector builds an Elector backed by an flock on path.
func NewFileElector(path string) *FileElector {
	return &FileElector{path: path}
}

func (f *FileElector) TryAcquire(_ context.Context) (bool, error) {
	if f.file != nil {
		return true, nil
	}

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return false, fmt.Errorf("elector: open lock file failed: %w", err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("elector: flock failed: %w", err)
	}

	f.file = file
	return true, nil
}

func (f *FileElector) Release(_ context.Context) error {
	if f.file == nil {
		return nil
	}
	err := syscall.Flock(int(f.file.Fd()), syscall.LOCK_UN)
	f.file.Close()
	f.file = nil
	if err != nil {
		return fmt.Errorf("elector: unlock failed: %w", err)
	}
	return nil
}

// PostgresElector implements leadership via pg_try_advisory_lock, for
// multi-replica deployments that already depend on Postgres for the
// scope store or backbone.
type PostgresElector struct {
	db      *sql.DB
	lockKey int64
	held    bool
}

// NewPostgresElector builds an Elector backed by a single Postgres
// advisory lock, keyed by hashing lockName to an int64.
func NewPostgresElector(db *sql.DB, lockName string) *PostgresElector {
	h := fnv.New64a()
	h.Write([]byte(lockName))
	return &PostgresElector{db: db, lockKey: int64(h.Sum64())}
}

func (p *PostgresElector) TryAcquire(ctx context.Context) (bool, error) {
	if p.held {
		return true, nil
	}
	var acquired bool
	err := p.db.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, p.lockKey).Scan(&acquired)
	if err != nil {
		return false, fmt.Errorf("elector: pg_try_advisory_lock failed: %w", err)
	}
	p.held = acquired
	return acquired, nil
}

func (p *PostgresElector) Release(ctx context.Context) error {
	if !p.held {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, p.lockKey)
	p.held = false
	if err != nil {
		return fmt.Errorf("elector: pg_advisory_unlock failed: %w", err)
	}
	return nil
}

// AlwaysLeader is a trivial Elector for single-replica deployments and
// tests where leader election adds no value.
type AlwaysLeader struct{}

func (AlwaysLeader) TryAcquire(context.Context) (bool, error) { return true, nil }
func (AlwaysLeader) Release(context.Context) error             { return nil }
