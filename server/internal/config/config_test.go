// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Vute Tech LTD
// Copyright (C) 2026 Bor contributors

package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"OPAL_CONFIG_FILE",
		"OPAL_SERVER_ADDR",
		"OPAL_BROADCAST_URI",
		"OPAL_POLICY_SOURCE_TYPE",
		"OPAL_POLICY_REPO_URL",
		"OPAL_BUNDLE_URL",
		"OPAL_AUTH_MASTER_TOKEN",
		"OPAL_AUTH_JWT_SECRET",
		"OPAL_DB_PORT",
		"OPAL_SCOPES_ENABLED",
	} {
		os.Unsetenv(key)
	}
	os.Setenv("OPAL_POLICY_REPO_URL", "https://example.com/policy-repo.git")
	os.Setenv("OPAL_AUTH_JWT_SECRET", "test-secret")
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Addr != ":7002" {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, ":7002")
	}
	if cfg.Source.Type != "git" {
		t.Errorf("Source.Type = %q, want %q", cfg.Source.Type, "git")
	}
	if cfg.Source.GitBranch != "main" {
		t.Errorf("Source.GitBranch = %q, want %q", cfg.Source.GitBranch, "main")
	}
	if cfg.Auth.Audience != "https://opal.ac/token" {
		t.Errorf("Auth.Audience = %q, want %q", cfg.Auth.Audience, "https://opal.ac/token")
	}
	if cfg.Database.Port != 5432 {
		t.Errorf("Database.Port = %d, want 5432", cfg.Database.Port)
	}
	if cfg.Scopes.ShardCount != 1 {
		t.Errorf("Scopes.ShardCount = %d, want 1", cfg.Scopes.ShardCount)
	}
}

func TestLoad_FailFast_MissingJWTSecret(t *testing.T) {
	clearEnv(t)
	os.Unsetenv("OPAL_AUTH_JWT_SECRET")

	_, err := Load()
	if err == nil {
		t.Error("Load() should fail when OPAL_AUTH_JWT_SECRET is unset")
	}
}

func TestLoad_FailFast_GitSourceWithoutURL(t *testing.T) {
	clearEnv(t)
	os.Unsetenv("OPAL_POLICY_REPO_URL")
	os.Setenv("OPAL_POLICY_SOURCE_TYPE", "git")

	_, err := Load()
	if err == nil {
		t.Error("Load() should fail when OPAL_POLICY_SOURCE_TYPE=git without OPAL_POLICY_REPO_URL")
	}
}

func TestLoad_FailFast_BundleSourceWithoutURL(t *testing.T) {
	clearEnv(t)
	os.Setenv("OPAL_POLICY_SOURCE_TYPE", "bundle")
	os.Unsetenv("OPAL_BUNDLE_URL")

	_, err := Load()
	if err == nil {
		t.Error("Load() should fail when OPAL_POLICY_SOURCE_TYPE=bundle without OPAL_BUNDLE_URL")
	}
}

func TestLoad_FailFast_InvalidSourceType(t *testing.T) {
	clearEnv(t)
	os.Setenv("OPAL_POLICY_SOURCE_TYPE", "ftp")
	defer os.Unsetenv("OPAL_POLICY_SOURCE_TYPE")

	_, err := Load()
	if err == nil {
		t.Error("Load() should fail on an invalid OPAL_POLICY_SOURCE_TYPE")
	}
}

func TestLoad_CustomAddr(t *testing.T) {
	clearEnv(t)
	os.Setenv("OPAL_SERVER_ADDR", ":9002")
	defer os.Unsetenv("OPAL_SERVER_ADDR")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":9002" {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, ":9002")
	}
}

func TestLoad_MasterToken(t *testing.T) {
	clearEnv(t)
	os.Setenv("OPAL_AUTH_MASTER_TOKEN", "secret123")
	defer os.Unsetenv("OPAL_AUTH_MASTER_TOKEN")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.MasterToken != "secret123" {
		t.Errorf("Auth.MasterToken = %q, want %q", cfg.Auth.MasterToken, "secret123")
	}
}

func TestLoad_DataConfigSources(t *testing.T) {
	clearEnv(t)
	os.Setenv("OPAL_DATA_CONFIG_SOURCES", `{"entries":[{"url":"http://example.com/data","topics":["policy_data"],"dst_path":"/"}]}`)
	defer os.Unsetenv("OPAL_DATA_CONFIG_SOURCES")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.DataSrc.Entries) != 1 {
		t.Fatalf("DataSrc.Entries = %v, want 1 entry", cfg.DataSrc.Entries)
	}
	if cfg.DataSrc.Entries[0].URL != "http://example.com/data" {
		t.Errorf("DataSrc.Entries[0].URL = %q, want %q", cfg.DataSrc.Entries[0].URL, "http://example.com/data")
	}
}

func TestLoad_DataConfigSources_Invalid(t *testing.T) {
	clearEnv(t)
	os.Setenv("OPAL_DATA_CONFIG_SOURCES", `not-json`)
	defer os.Unsetenv("OPAL_DATA_CONFIG_SOURCES")

	if _, err := Load(); err == nil {
		t.Error("Load() should fail on invalid OPAL_DATA_CONFIG_SOURCES JSON")
	}
}

func TestLoad_ScopesEnabled(t *testing.T) {
	clearEnv(t)
	os.Setenv("OPAL_SCOPES_ENABLED", "true")
	defer os.Unsetenv("OPAL_SCOPES_ENABLED")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Scopes.Enabled {
		t.Error("Scopes.Enabled = false, want true")
	}
}
