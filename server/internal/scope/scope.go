// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Vute Tech LTD
// Copyright (C) 2026 Bor contributors

// Package scope implements the multi-tenant scope manager (C9): each
// Scope names its own policy source and is stored with a shard key
// derived from a hash of its source URL, so scopes sharing the same
// source URL always get the same key. The store only records scopes
// and their keys; the source tracker does not read them.
package scope

import (
	"context"
	"database/sql"
	"fmt"
)

// Scope is one tenant's policy/data source configuration.
type Scope struct {
	ID          string `json:"scope_id"`
	SourceType  string `json:"source_type"`
	GitURL      string `json:"git_url,omitempty"`
	GitBranch   string `json:"git_branch,omitempty"`
	BundleURL   string `json:"bundle_url,omitempty"`
	ShardKey    string `json:"-"`
}

// Store persists scopes in Postgres and assigns each a shard.
type Store struct {
	db         *sql.DB
	shardCount int
}

// New builds a Store backed by db, distributing scopes across
// shardCount physical clones by hashing each scope's source URL.
func New(db *sql.DB, shardCount int) *Store {
	if shardCount < 1 {
		shardCount = 1
	}
	return &Store{db: db, shardCount: shardCount}
}

// Put creates or replaces a scope, assigning it a shard key derived
// from its source URL.
func (s *Store) Put(ctx context.Context, sc Scope) (Scope, error) {
	sourceURL := sc.GitURL
	if sourceURL == "" {
		sourceURL = sc.BundleURL
	}
	sc.ShardKey = s.shardKeyFor(sourceURL)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scopes (id, source_type, git_url, git_branch, bundle_url, shard_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			source_type = EXCLUDED.source_type,
			git_url = EXCLUDED.git_url,
			git_branch = EXCLUDED.git_branch,
			bundle_url = EXCLUDED.bundle_url,
			shard_key = EXCLUDED.shard_key
	`, sc.ID, sc.SourceType, sc.GitURL, sc.GitBranch, sc.BundleURL, sc.ShardKey)
	if err != nil {
		return Scope{}, fmt.Errorf("scope: put failed: %w", err)
	}
	return sc, nil
}

// Get fetches a single scope by ID.
func (s *Store) Get(ctx context.Context, id string) (Scope, error) {
	var sc Scope
	var gitURL, gitBranch, bundleURL sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source_type, git_url, git_branch, bundle_url, shard_key
		FROM scopes WHERE id = $1
	`, id).Scan(&sc.ID, &sc.SourceType, &gitURL, &gitBranch, &bundleURL, &sc.ShardKey)
	if err == sql.ErrNoRows {
		return Scope{}, fmt.Errorf("scope: %q not found", id)
	}
	if err != nil {
		return Scope{}, fmt.Errorf("scope: get failed: %w", err)
	}
	sc.GitURL = gitURL.String
	sc.GitBranch = gitBranch.String
	sc.BundleURL = bundleURL.String
	return sc, nil
}

// List returns every registered scope.
func (s *Store) List(ctx context.Context) ([]Scope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_type, git_url, git_branch, bundle_url, shard_key FROM scopes ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("scope: list failed: %w", err)
	}
	defer rows.Close()

	var out []Scope
	for rows.Next() {
		var sc Scope
		var gitURL, gitBranch, bundleURL sql.NullString
		if err := rows.Scan(&sc.ID, &sc.SourceType, &gitURL, &gitBranch, &bundleURL, &sc.ShardKey); err != nil {
			return nil, fmt.Errorf("scope: row scan failed: %w", err)
		}
		sc.GitURL = gitURL.String
		sc.GitBranch = gitBranch.String
		sc.BundleURL = bundleURL.String
		out = append(out, sc)
	}
	return out, rows.Err()
}

// Delete removes a scope.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scopes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("scope: delete failed: %w", err)
	}
	return nil
}

// shardKeyFor hashes a source URL to one of shardCount shard buckets, so
// scopes sharing the same source get the same key (different sources
// may also land in the same bucket).
func (s *Store) shardKeyFor(sourceURL string) string {
	var h uint32
	for i := 0; i < len(sourceURL); i++ {
		h = h*31 + uint32(sourceURL[i])
	}
	return fmt.Sprintf("shard-%d", h%uint32(s.shardCount))
}
