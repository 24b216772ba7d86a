// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Vute Tech LTD
// Copyright (C) 2026 Bor contributors

package bundle

import (
	"os"
	"path/filepath"
	"testing"
)

func writeRego(t *testing.T, dir, name, content string) {
	t.Helper()
	writeFile(t, dir, name, content)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestBuildCompleteCollectsAllModules(t *testing.T) {
	dir := t.TempDir()
	writeRego(t, dir, "rbac.rego", "package rbac\nallow { true }")
	writeRego(t, dir, "nested/sub.rego", "package rbac.nested")

	b := New(dir)
	bdl, err := b.BuildComplete(nil)
	if err != nil {
		t.Fatalf("BuildComplete() error = %v", err)
	}
	if len(bdl.PolicyModules) != 2 {
		t.Fatalf("PolicyModules = %d, want 2", len(bdl.PolicyModules))
	}
	if bdl.NewHash == "" {
		t.Error("NewHash should not be empty")
	}
}

func TestBuildCompleteCollectsDataModules(t *testing.T) {
	dir := t.TempDir()
	writeRego(t, dir, "rbac.rego", "package rbac\nallow { true }")
	writeFile(t, dir, "data.json", "{}")
	writeFile(t, dir, "static/data.json", `{"region": "eu"}`)

	b := New(dir)
	bdl, err := b.BuildComplete(nil)
	if err != nil {
		t.Fatalf("BuildComplete() error = %v", err)
	}
	if len(bdl.DataModules) != 2 {
		t.Fatalf("DataModules = %d, want 2", len(bdl.DataModules))
	}

	byPath := make(map[string]string)
	for _, d := range bdl.DataModules {
		byPath[d.Path] = string(d.Data)
	}
	if _, ok := byPath["/"]; !ok {
		t.Errorf("expected a data module at root path \"/\", got paths %v", keysOf(byPath))
	}
	if _, ok := byPath["/static"]; !ok {
		t.Errorf("expected a data module at \"/static\", got paths %v", keysOf(byPath))
	}
}

func keysOf(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestBuildCompleteFiltersBySubscriptionDirectory(t *testing.T) {
	dir := t.TempDir()
	writeRego(t, dir, "rbac/allow.rego", "package rbac")
	writeRego(t, dir, "billing/charge.rego", "package billing")

	b := New(dir)
	bdl, err := b.BuildComplete([]string{"rbac"})
	if err != nil {
		t.Fatalf("BuildComplete() error = %v", err)
	}
	if len(bdl.PolicyModules) != 1 || bdl.PolicyModules[0].Path != "rbac/allow.rego" {
		t.Fatalf("PolicyModules = %v, want only rbac/allow.rego", bdl.PolicyModules)
	}
}

func TestBuildCompleteHonorsManifestOrdering(t *testing.T) {
	dir := t.TempDir()
	writeRego(t, dir, "b.rego", "package b")
	writeRego(t, dir, "a.rego", "package a")
	writeFile(t, dir, ".manifest", "b.rego\na.rego\n")

	b := New(dir)
	bdl, err := b.BuildComplete(nil)
	if err != nil {
		t.Fatalf("BuildComplete() error = %v", err)
	}
	if len(bdl.PolicyModules) != 2 || bdl.PolicyModules[0].Path != "b.rego" || bdl.PolicyModules[1].Path != "a.rego" {
		t.Fatalf("PolicyModules order = %v, want [b.rego a.rego]", bdl.PolicyModules)
	}
}

func TestBuildDeltaDetectsChangeAndDeletion(t *testing.T) {
	dir := t.TempDir()
	writeRego(t, dir, "a.rego", "package a")
	writeRego(t, dir, "b.rego", "package b")

	b := New(dir)
	complete, err := b.BuildComplete(nil)
	if err != nil {
		t.Fatalf("BuildComplete() error = %v", err)
	}

	if err := os.Remove(filepath.Join(dir, "b.rego")); err != nil {
		t.Fatal(err)
	}
	writeRego(t, dir, "a.rego", "package a\nchanged := true")
	writeRego(t, dir, "c.rego", "package c")

	delta, err := b.BuildDelta(complete, nil)
	if err != nil {
		t.Fatalf("BuildDelta() error = %v", err)
	}

	if len(delta.PolicyModules) != 2 {
		t.Fatalf("delta PolicyModules = %d, want 2 (a.rego changed, c.rego added)", len(delta.PolicyModules))
	}
	if len(delta.Deleted) != 1 || delta.Deleted[0] != "b.rego" {
		t.Fatalf("delta Deleted = %v, want [b.rego]", delta.Deleted)
	}
	if delta.OldHash != complete.NewHash {
		t.Errorf("delta.OldHash = %q, want %q", delta.OldHash, complete.NewHash)
	}
}

func TestBuildFromBaseFallsBackToCompleteOnUnknownHash(t *testing.T) {
	dir := t.TempDir()
	writeRego(t, dir, "a.rego", "package a")

	b := New(dir)
	bdl, err := b.BuildFromBase("does-not-exist", nil)
	if err != nil {
		t.Fatalf("BuildFromBase() error = %v", err)
	}
	if bdl.OldHash != "" {
		t.Errorf("expected a complete bundle fallback (no OldHash), got OldHash = %q", bdl.OldHash)
	}
	if len(bdl.PolicyModules) != 1 {
		t.Fatalf("PolicyModules = %d, want 1", len(bdl.PolicyModules))
	}
}

func TestBuildFromBaseReturnsDeltaForKnownHash(t *testing.T) {
	dir := t.TempDir()
	writeRego(t, dir, "a.rego", "package a")

	b := New(dir)
	complete, err := b.BuildComplete(nil)
	if err != nil {
		t.Fatalf("BuildComplete() error = %v", err)
	}

	writeRego(t, dir, "b.rego", "package b")

	delta, err := b.BuildFromBase(complete.NewHash, nil)
	if err != nil {
		t.Fatalf("BuildFromBase() error = %v", err)
	}
	if delta.OldHash != complete.NewHash {
		t.Fatalf("delta.OldHash = %q, want %q", delta.OldHash, complete.NewHash)
	}
	if len(delta.PolicyModules) != 1 || delta.PolicyModules[0].Path != "b.rego" {
		t.Fatalf("delta PolicyModules = %v, want only b.rego", delta.PolicyModules)
	}
}

func TestTouchedDirs(t *testing.T) {
	dir := t.TempDir()
	writeRego(t, dir, "rbac/allow.rego", "package rbac")

	b := New(dir)
	bdl, err := b.BuildComplete(nil)
	if err != nil {
		t.Fatalf("BuildComplete() error = %v", err)
	}

	dirs := TouchedDirs(bdl)
	if len(dirs) != 1 || dirs[0] != "rbac" {
		t.Fatalf("TouchedDirs = %v, want [rbac]", dirs)
	}
}
