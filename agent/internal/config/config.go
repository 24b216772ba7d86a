// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Vute Tech LTD
// Copyright (C) 2026 Bor contributors

// Package config loads the OPAL client configuration from environment
// variables (and an optional YAML file), the same layered pattern the
// server side uses.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full OPAL client configuration.
type Config struct {
	Server  ServerConfig
	Client  ClientConfig
	Store   StoreConfig
	Fetch   FetchConfig
	Backup  BackupConfig
	Offline OfflineConfig
	HTTP    HTTPConfig
}

// HTTPConfig holds the client's own HTTP listen settings, serving its
// healthcheck/ready surface.
type HTTPConfig struct {
	Addr string // OPAL_CLIENT_HTTP_ADDR – default ":7766"
}

// ServerConfig holds connection settings for the OPAL server.
type ServerConfig struct {
	URL                string // OPAL_SERVER_URL – e.g. "http://localhost:7002"
	WSURL              string // derived from URL unless OPAL_SERVER_WS_URL overrides it
	Token              string // OPAL_CLIENT_TOKEN – JWT obtained from POST /token
	MasterToken        string // OPAL_CLIENT_AUTH_MASTER_TOKEN – enables proactive token rotation
	InsecureSkipVerify bool   // OPAL_CLIENT_TLS_INSECURE
}

// ClientConfig identifies this client and its subscriptions.
type ClientConfig struct {
	ClientID   string   // OPAL_CLIENT_ID – default hostname
	Topics     []string // OPAL_CLIENT_TOPICS – e.g. ["policy_data"]
	PolicyDirs []string // OPAL_POLICY_SUBSCRIPTION_DIRS – e.g. [".", "rbac"]
	ScopeID    string   // OPAL_CLIENT_SCOPE_ID – optional, for scoped multi-tenant servers
}

// StoreConfig configures the policy store adapter (C8).
type StoreConfig struct {
	URL             string // OPAL_POLICY_STORE_URL – e.g. "http://localhost:8181"
	AuthType        string // OPAL_POLICY_STORE_AUTH_TYPE – "none" | "token" | "oauth2"
	Token           string // OPAL_POLICY_STORE_AUTH_TOKEN
	OAuth2ClientID  string // OPAL_POLICY_STORE_OAUTH_CLIENT_ID
	OAuth2Secret    string // OPAL_POLICY_STORE_OAUTH_CLIENT_SECRET
	OAuth2TokenURL  string // OPAL_POLICY_STORE_OAUTH_TOKEN_URL
	HealthcheckPath string // OPAL_POLICY_STORE_HEALTHCHECK_PATH – document path for the healthcheck doc
}

// FetchConfig configures the fetch engine (C7).
type FetchConfig struct {
	WorkerCount    int           // OPAL_FETCHING_WORKER_COUNT – default 6
	FetchTimeout   time.Duration // OPAL_FETCHING_CALLBACK_TIMEOUT – per-fetch timeout, default 10s
	EnqueueTimeout time.Duration // default 10s
	QueueSize      int           // default 1000
	SplitRootData  bool          // OPAL_SPLIT_ROOT_DATA
	RatePerSecond  float64       // OPAL_FETCHING_RATE_LIMIT – 0 disables the cap
}

// BackupConfig configures local store backup/restore.
type BackupConfig struct {
	Path     string        // OPAL_OFFLINE_MODE_BACKUP_FILE
	Interval time.Duration // default 60s
}

// OfflineConfig controls offline-restart behaviour.
type OfflineConfig struct {
	Enabled bool // OPAL_OFFLINE_MODE_ENABLED
}

// Load assembles configuration from an optional YAML file (path from
// OPAL_CONFIG_FILE) and environment variables, with env vars winning.
func Load() (*Config, error) {
	fc := defaultFileConfig()

	if cfgPath := os.Getenv("OPAL_CONFIG_FILE"); cfgPath != "" {
		data, err := os.ReadFile(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", cfgPath, err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", cfgPath, err)
		}
	}

	clientID := getEnv("OPAL_CLIENT_ID", fc.Client.ClientID)
	if clientID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("OPAL_CLIENT_ID not set and failed to get hostname: %w", err)
		}
		clientID = hostname
	}

	serverURL := getEnv("OPAL_SERVER_URL", fc.Server.URL)
	if serverURL == "" {
		return nil, fmt.Errorf("OPAL_SERVER_URL must be set")
	}

	fetchTimeout, err := parseDurationEnv("OPAL_FETCHING_CALLBACK_TIMEOUT", fc.Fetch.FetchTimeoutSeconds)
	if err != nil {
		return nil, err
	}
	enqueueTimeout, err := parseDurationEnv("OPAL_FETCHING_ENQUEUE_TIMEOUT", fc.Fetch.EnqueueTimeoutSeconds)
	if err != nil {
		return nil, err
	}
	backupInterval, err := parseDurationEnv("OPAL_OFFLINE_MODE_BACKUP_INTERVAL", fc.Backup.IntervalSeconds)
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: ServerConfig{
			URL:                serverURL,
			WSURL:              getEnv("OPAL_SERVER_WS_URL", fc.Server.WSURL),
			Token:              getEnv("OPAL_CLIENT_TOKEN", fc.Server.Token),
			MasterToken:        getEnv("OPAL_CLIENT_AUTH_MASTER_TOKEN", fc.Server.MasterToken),
			InsecureSkipVerify: getEnvBool("OPAL_CLIENT_TLS_INSECURE", fc.Server.InsecureSkipVerify),
		},
		Client: ClientConfig{
			ClientID:   clientID,
			Topics:     splitList(getEnv("OPAL_CLIENT_TOPICS", joinList(fc.Client.Topics))),
			PolicyDirs: splitList(getEnv("OPAL_POLICY_SUBSCRIPTION_DIRS", joinList(fc.Client.PolicyDirs))),
			ScopeID:    getEnv("OPAL_CLIENT_SCOPE_ID", fc.Client.ScopeID),
		},
		Store: StoreConfig{
			URL:             getEnv("OPAL_POLICY_STORE_URL", fc.Store.URL),
			AuthType:        getEnv("OPAL_POLICY_STORE_AUTH_TYPE", fc.Store.AuthType),
			Token:           getEnv("OPAL_POLICY_STORE_AUTH_TOKEN", fc.Store.Token),
			OAuth2ClientID:  getEnv("OPAL_POLICY_STORE_OAUTH_CLIENT_ID", fc.Store.OAuth2ClientID),
			OAuth2Secret:    getEnv("OPAL_POLICY_STORE_OAUTH_CLIENT_SECRET", fc.Store.OAuth2Secret),
			OAuth2TokenURL:  getEnv("OPAL_POLICY_STORE_OAUTH_TOKEN_URL", fc.Store.OAuth2TokenURL),
			HealthcheckPath: getEnv("OPAL_POLICY_STORE_HEALTHCHECK_PATH", fc.Store.HealthcheckPath),
		},
		Fetch: FetchConfig{
			WorkerCount:    getEnvInt("OPAL_FETCHING_WORKER_COUNT", fc.Fetch.WorkerCount),
			FetchTimeout:   fetchTimeout,
			EnqueueTimeout: enqueueTimeout,
			QueueSize:      getEnvInt("OPAL_FETCHING_QUEUE_SIZE", fc.Fetch.QueueSize),
			SplitRootData:  getEnvBool("OPAL_SPLIT_ROOT_DATA", fc.Fetch.SplitRootData),
			RatePerSecond:  getEnvFloat("OPAL_FETCHING_RATE_LIMIT", fc.Fetch.RatePerSecond),
		},
		Backup: BackupConfig{
			Path:     getEnv("OPAL_OFFLINE_MODE_BACKUP_FILE", fc.Backup.Path),
			Interval: backupInterval,
		},
		Offline: OfflineConfig{
			Enabled: getEnvBool("OPAL_OFFLINE_MODE_ENABLED", fc.Offline.Enabled),
		},
		HTTP: HTTPConfig{
			Addr: getEnv("OPAL_CLIENT_HTTP_ADDR", fc.HTTP.Addr),
		},
	}, nil
}

type fileConfig struct {
	Server struct {
		URL                string `yaml:"url"`
		WSURL              string `yaml:"ws_url"`
		Token              string `yaml:"token"`
		MasterToken        string `yaml:"auth_master_token"`
		InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	} `yaml:"server"`
	Client struct {
		ClientID   string   `yaml:"client_id"`
		Topics     []string `yaml:"topics"`
		PolicyDirs []string `yaml:"policy_dirs"`
		ScopeID    string   `yaml:"scope_id"`
	} `yaml:"client"`
	Store struct {
		URL             string `yaml:"url"`
		AuthType        string `yaml:"auth_type"`
		Token           string `yaml:"auth_token"`
		OAuth2ClientID  string `yaml:"oauth_client_id"`
		OAuth2Secret    string `yaml:"oauth_client_secret"`
		OAuth2TokenURL  string `yaml:"oauth_token_url"`
		HealthcheckPath string `yaml:"healthcheck_path"`
	} `yaml:"policy_store"`
	Fetch struct {
		WorkerCount           int     `yaml:"worker_count"`
		FetchTimeoutSeconds   int     `yaml:"fetch_timeout_seconds"`
		EnqueueTimeoutSeconds int     `yaml:"enqueue_timeout_seconds"`
		QueueSize             int     `yaml:"queue_size"`
		SplitRootData         bool    `yaml:"split_root_data"`
		RatePerSecond         float64 `yaml:"rate_limit_per_second"`
	} `yaml:"fetch"`
	Backup struct {
		Path            string `yaml:"path"`
		IntervalSeconds int    `yaml:"interval_seconds"`
	} `yaml:"backup"`
	Offline struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"offline"`
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
}

func defaultFileConfig() fileConfig {
	var fc fileConfig
	fc.Client.Topics = []string{"policy_data"}
	fc.Client.PolicyDirs = []string{"."}
	fc.Store.URL = "http://localhost:8181"
	fc.Store.AuthType = "none"
	fc.Store.HealthcheckPath = "/opal/healthcheck"
	fc.Fetch.WorkerCount = 6
	fc.Fetch.FetchTimeoutSeconds = 10
	fc.Fetch.EnqueueTimeoutSeconds = 10
	fc.Fetch.QueueSize = 1000
	fc.Fetch.RatePerSecond = 0
	fc.Backup.Path = "/var/lib/opal/client/backup.json"
	fc.Backup.IntervalSeconds = 60
	fc.HTTP.Addr = ":7766"
	return fc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvFloat(key string, defaultValue float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	switch val {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}

func parseDurationEnv(key string, defaultSeconds int) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return time.Duration(defaultSeconds) * time.Second, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(n) * time.Second, nil
}

// splitList accepts either a comma-separated string or a JSON array, per
// the OPAL convention that list-valued options accept either encoding.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	if raw[0] == '[' {
		var out []string
		if err := json.Unmarshal([]byte(raw), &out); err == nil {
			return out
		}
	}
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			tok := trimSpace(raw[start:i])
			if tok != "" {
				out = append(out, tok)
			}
			start = i + 1
		}
	}
	return out
}

func joinList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	out := items[0]
	for _, it := range items[1:] {
		out += "," + it
	}
	return out
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}
