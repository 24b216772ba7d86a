// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Vute Tech LTD
// Copyright (C) 2026 Bor contributors

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"OPAL_CONFIG_FILE", "OPAL_SERVER_URL", "OPAL_SERVER_WS_URL",
		"OPAL_CLIENT_TOKEN", "OPAL_CLIENT_ID", "OPAL_CLIENT_TOPICS",
		"OPAL_POLICY_SUBSCRIPTION_DIRS", "OPAL_CLIENT_SCOPE_ID",
		"OPAL_POLICY_STORE_URL", "OPAL_FETCHING_WORKER_COUNT",
		"OPAL_OFFLINE_MODE_ENABLED", "OPAL_OFFLINE_MODE_BACKUP_FILE",
	} {
		os.Unsetenv(key)
	}
	os.Setenv("OPAL_SERVER_URL", "http://localhost:7002")
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.URL != "http://localhost:7002" {
		t.Errorf("Server.URL = %q, want %q", cfg.Server.URL, "http://localhost:7002")
	}
	if cfg.Client.ClientID == "" {
		t.Error("Client.ClientID should default to hostname")
	}
	if len(cfg.Client.Topics) != 1 || cfg.Client.Topics[0] != "policy_data" {
		t.Errorf("Client.Topics = %v, want [policy_data]", cfg.Client.Topics)
	}
	if cfg.Store.URL != "http://localhost:8181" {
		t.Errorf("Store.URL = %q, want %q", cfg.Store.URL, "http://localhost:8181")
	}
	if cfg.Store.AuthType != "none" {
		t.Errorf("Store.AuthType = %q, want %q", cfg.Store.AuthType, "none")
	}
	if cfg.Fetch.WorkerCount != 6 {
		t.Errorf("Fetch.WorkerCount = %d, want 6", cfg.Fetch.WorkerCount)
	}
}

func TestLoad_FailFast_MissingServerURL(t *testing.T) {
	clearEnv(t)
	os.Unsetenv("OPAL_SERVER_URL")

	_, err := Load()
	if err == nil {
		t.Error("Load() should fail when OPAL_SERVER_URL is unset")
	}
}

func TestLoad_CustomClientID(t *testing.T) {
	clearEnv(t)
	os.Setenv("OPAL_CLIENT_ID", "test-agent")
	defer os.Unsetenv("OPAL_CLIENT_ID")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Client.ClientID != "test-agent" {
		t.Errorf("Client.ClientID = %q, want %q", cfg.Client.ClientID, "test-agent")
	}
}

func TestLoad_TopicsCommaList(t *testing.T) {
	clearEnv(t)
	os.Setenv("OPAL_CLIENT_TOPICS", "policy_data, billing")
	defer os.Unsetenv("OPAL_CLIENT_TOPICS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Client.Topics) != 2 || cfg.Client.Topics[0] != "policy_data" || cfg.Client.Topics[1] != "billing" {
		t.Errorf("Client.Topics = %v, want [policy_data billing]", cfg.Client.Topics)
	}
}

func TestLoad_TopicsJSONList(t *testing.T) {
	clearEnv(t)
	os.Setenv("OPAL_CLIENT_TOPICS", `["policy_data","billing"]`)
	defer os.Unsetenv("OPAL_CLIENT_TOPICS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Client.Topics) != 2 || cfg.Client.Topics[1] != "billing" {
		t.Errorf("Client.Topics = %v, want [policy_data billing]", cfg.Client.Topics)
	}
}

func TestLoad_OfflineMode(t *testing.T) {
	clearEnv(t)
	os.Setenv("OPAL_OFFLINE_MODE_ENABLED", "true")
	defer os.Unsetenv("OPAL_OFFLINE_MODE_ENABLED")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Offline.Enabled {
		t.Error("Offline.Enabled = false, want true")
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
server:
  url: "http://from-file:7002"
client:
  client_id: "file-agent"
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0600); err != nil {
		t.Fatal(err)
	}
	os.Setenv("OPAL_CONFIG_FILE", cfgPath)
	os.Unsetenv("OPAL_SERVER_URL")
	defer os.Unsetenv("OPAL_CONFIG_FILE")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.URL != "http://from-file:7002" {
		t.Errorf("Server.URL = %q, want %q", cfg.Server.URL, "http://from-file:7002")
	}
	if cfg.Client.ClientID != "file-agent" {
		t.Errorf("Client.ClientID = %q, want %q", cfg.Client.ClientID, "file-agent")
	}
}

func TestLoad_ConfigFileMissing(t *testing.T) {
	clearEnv(t)
	os.Setenv("OPAL_CONFIG_FILE", "/nonexistent/path/config.yaml")
	defer os.Unsetenv("OPAL_CONFIG_FILE")

	if _, err := Load(); err == nil {
		t.Error("Load() should fail when OPAL_CONFIG_FILE points to a missing file")
	}
}
