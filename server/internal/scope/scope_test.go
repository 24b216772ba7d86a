// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Vute Tech LTD
// Copyright (C) 2026 Bor contributors

package scope

import "testing"

func TestShardKeyForIsStableAndBounded(t *testing.T) {
	s := New(nil, 4)

	a := s.shardKeyFor("https://example.com/repo-a.git")
	b := s.shardKeyFor("https://example.com/repo-a.git")
	if a != b {
		t.Errorf("shardKeyFor should be deterministic, got %q and %q", a, b)
	}

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		url := "https://example.com/repo-" + string(rune('a'+i%26)) + ".git"
		seen[s.shardKeyFor(url)] = true
	}
	if len(seen) > 4 {
		t.Errorf("shardKeyFor produced %d distinct shards, want at most 4", len(seen))
	}
}

func TestShardKeyForDefaultsShardCountToOne(t *testing.T) {
	s := New(nil, 0)
	if s.shardCount != 1 {
		t.Errorf("shardCount = %d, want 1 when constructed with 0", s.shardCount)
	}
}
