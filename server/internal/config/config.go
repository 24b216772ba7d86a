// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Vute Tech LTD
// Copyright (C) 2026 Bor contributors

// Package config loads OPAL server configuration from an optional YAML
// file and environment variables, the same layered pattern the original
// Bor server used for its own settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vutetech/opal/server/pkg/wire"
)

// Config holds the full OPAL server configuration.
type Config struct {
	Server    ServerConfig
	Broadcast BroadcastConfig
	Source    SourceConfig
	PubSub    PubSubConfig
	Auth      AuthConfig
	DataSrc   wire.DataSourceConfig
	Database  DatabaseConfig
	Scopes    ScopesConfig
}

// ServerConfig holds HTTP listen settings.
type ServerConfig struct {
	Addr string // OPAL_SERVER_ADDR – HTTP listen address (default ":7002")
}

// BroadcastConfig selects and configures the backbone broker adapter (C1).
type BroadcastConfig struct {
	URI              string // OPAL_BROADCAST_URI – e.g. "postgres://...", "redis://...", "kafka://...", or "" for in-process
	KeepaliveSeconds int    // OPAL_BROADCAST_KEEPALIVE_INTERVAL – default 3600
	Channel          string // OPAL_BROADCAST_CHANNEL_NAME – default "EventNotifier"
}

// KeepaliveInterval returns the configured keepalive as a duration.
func (b BroadcastConfig) KeepaliveInterval() time.Duration {
	return time.Duration(b.KeepaliveSeconds) * time.Second
}

// SourceConfig configures the policy source tracker (C3).
type SourceConfig struct {
	Type             string // OPAL_POLICY_SOURCE_TYPE – "git" or "bundle"
	GitURL           string // OPAL_POLICY_REPO_URL
	GitBranch        string // OPAL_POLICY_REPO_BRANCH – default "main"
	GitClonePath     string // OPAL_POLICY_REPO_CLONE_PATH – default "/var/lib/opal/server/repo"
	PollingInterval  time.Duration
	WebhookSecret    string // OPAL_POLICY_REPO_WEBHOOK_SECRET
	WebhookScheme    string // OPAL_POLICY_REPO_WEBHOOK_SCHEME – "token" or "hmac-sha256" (default "token")
	WebhookBranch    string // OPAL_POLICY_REPO_WEBHOOK_BRANCH – ignore webhooks naming a different ref, "" accepts all
	BundleURL        string // OPAL_BUNDLE_URL
	BundlePollPeriod time.Duration
	BundlePollCron   string // OPAL_BUNDLE_POLL_CRON – standard 5-field cron expr, overrides BundlePollPeriod
	LeaderLockPath   string // OPAL_LEADER_LOCK_PATH
}

// PubSubConfig configures the pub/sub hub (C2).
type PubSubConfig struct {
	StatsKeepaliveSeconds int
	RateLimitPerSecond    int // OPAL_CLIENT_RATE_LIMIT – 0 disables
	IdleTimeout           time.Duration
}

// AuthConfig configures the auth gate (C10).
type AuthConfig struct {
	MasterToken string // OPAL_AUTH_MASTER_TOKEN
	JWTSecret   string // OPAL_AUTH_JWT_SECRET
	Audience    string // OPAL_AUTH_JWT_AUDIENCE
	Issuer      string // OPAL_AUTH_JWT_ISSUER
	TokenTTL    time.Duration
}

// DatabaseConfig configures the Postgres connection backing the scope
// store. A postgres backbone does not use it; it connects through the
// broadcast URI.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// ScopesConfig toggles the multi-tenant scope manager (C9).
type ScopesConfig struct {
	Enabled    bool
	ShardCount int // number of physical git clones shared across scopes
}

// Load loads configuration from an optional YAML file (path from
// OPAL_CONFIG_FILE) and environment variables. Environment variables
// always take precedence over the file, matching the teacher's layering.
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

	dbPort, err := strconv.Atoi(getEnv("OPAL_DB_PORT", strconv.Itoa(fc.Database.Port)))
	if err != nil {
		return nil, fmt.Errorf("invalid OPAL_DB_PORT: %w", err)
	}

	pollInterval, err := parseDurationEnv("OPAL_POLICY_REPO_POLLING_INTERVAL", fc.Source.PollingIntervalSeconds)
	if err != nil {
		return nil, err
	}
	bundlePoll, err := parseDurationEnv("OPAL_BUNDLE_POLL_INTERVAL", fc.Source.BundlePollSeconds)
	if err != nil {
		return nil, err
	}
	tokenTTL, err := parseDurationEnv("OPAL_AUTH_JWT_TTL", fc.Auth.TTLSeconds)
	if err != nil {
		return nil, err
	}

	sourceType := getEnv("OPAL_POLICY_SOURCE_TYPE", fc.Source.Type)
	if sourceType != "git" && sourceType != "bundle" {
		return nil, fmt.Errorf("invalid OPAL_POLICY_SOURCE_TYPE %q: must be \"git\" or \"bundle\"", sourceType)
	}

	dataSrc, err := parseDataSourceConfig(getEnv("OPAL_DATA_CONFIG_SOURCES", ""))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr: getEnv("OPAL_SERVER_ADDR", fc.Server.Addr),
		},
		Broadcast: BroadcastConfig{
			URI:              getEnv("OPAL_BROADCAST_URI", fc.Broadcast.URI),
			KeepaliveSeconds: getEnvInt("OPAL_BROADCAST_KEEPALIVE_INTERVAL", fc.Broadcast.KeepaliveSeconds),
			Channel:          getEnv("OPAL_BROADCAST_CHANNEL_NAME", fc.Broadcast.Channel),
		},
		Source: SourceConfig{
			Type:             sourceType,
			GitURL:           getEnv("OPAL_POLICY_REPO_URL", fc.Source.GitURL),
			GitBranch:        getEnv("OPAL_POLICY_REPO_BRANCH", fc.Source.GitBranch),
			GitClonePath:     getEnv("OPAL_POLICY_REPO_CLONE_PATH", fc.Source.GitClonePath),
			PollingInterval:  pollInterval,
			WebhookSecret:    getEnv("OPAL_POLICY_REPO_WEBHOOK_SECRET", fc.Source.WebhookSecret),
			WebhookScheme:    getEnv("OPAL_POLICY_REPO_WEBHOOK_SCHEME", fc.Source.WebhookScheme),
			WebhookBranch:    getEnv("OPAL_POLICY_REPO_WEBHOOK_BRANCH", fc.Source.WebhookBranch),
			BundleURL:        getEnv("OPAL_BUNDLE_URL", fc.Source.BundleURL),
			BundlePollPeriod: bundlePoll,
			BundlePollCron:   getEnv("OPAL_BUNDLE_POLL_CRON", fc.Source.BundlePollCron),
			LeaderLockPath:   getEnv("OPAL_LEADER_LOCK_PATH", fc.Source.LeaderLockPath),
		},
		PubSub: PubSubConfig{
			StatsKeepaliveSeconds: getEnvInt("OPAL_STATISTICS_KEEPALIVE", fc.PubSub.StatsKeepaliveSeconds),
			RateLimitPerSecond:    getEnvInt("OPAL_CLIENT_RATE_LIMIT", fc.PubSub.RateLimitPerSecond),
			IdleTimeout:           90 * time.Second,
		},
		Auth: AuthConfig{
			MasterToken: getEnv("OPAL_AUTH_MASTER_TOKEN", fc.Auth.MasterToken),
			JWTSecret:   getEnv("OPAL_AUTH_JWT_SECRET", fc.Auth.JWTSecret),
			Audience:    getEnv("OPAL_AUTH_JWT_AUDIENCE", fc.Auth.Audience),
			Issuer:      getEnv("OPAL_AUTH_JWT_ISSUER", fc.Auth.Issuer),
			TokenTTL:    tokenTTL,
		},
		DataSrc: dataSrc,
		Database: DatabaseConfig{
			Host:     getEnv("OPAL_DB_HOST", fc.Database.Host),
			Port:     dbPort,
			User:     getEnv("OPAL_DB_USER", fc.Database.User),
			Password: getEnv("OPAL_DB_PASSWORD", fc.Database.Password),
			Database: getEnv("OPAL_DB_NAME", fc.Database.Name),
			SSLMode:  getEnv("OPAL_DB_SSLMODE", fc.Database.SSLMode),
		},
		Scopes: ScopesConfig{
			Enabled:    getEnvBool("OPAL_SCOPES_ENABLED", fc.Scopes.Enabled),
			ShardCount: getEnvInt("OPAL_SCOPES_SHARD_COUNT", fc.Scopes.ShardCount),
		},
	}

	if cfg.Source.Type == "git" && cfg.Source.GitURL == "" {
		return nil, fmt.Errorf("OPAL_POLICY_REPO_URL is required when OPAL_POLICY_SOURCE_TYPE=git")
	}
	if cfg.Source.Type == "bundle" && cfg.Source.BundleURL == "" {
		return nil, fmt.Errorf("OPAL_BUNDLE_URL is required when OPAL_POLICY_SOURCE_TYPE=bundle")
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("OPAL_AUTH_JWT_SECRET must be set")
	}

	return cfg, nil
}

// parseDataSourceConfig decodes the JSON-encoded OPAL_DATA_CONFIG_SOURCES
// value into a DataSourceConfig. An empty string yields an empty config.
func parseDataSourceConfig(raw string) (wire.DataSourceConfig, error) {
	if raw == "" {
		return wire.DataSourceConfig{}, nil
	}
	var cfg wire.DataSourceConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return wire.DataSourceConfig{}, fmt.Errorf("invalid OPAL_DATA_CONFIG_SOURCES: %w", err)
	}
	return cfg, nil
}

// fileConfig mirrors Config for YAML unmarshalling, using
// lowercase_underscore keys like the teacher's fileConfig.
type fileConfig struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Broadcast struct {
		URI              string `yaml:"uri"`
		KeepaliveSeconds int    `yaml:"keepalive_seconds"`
		Channel          string `yaml:"channel"`
	} `yaml:"broadcast"`
	Source struct {
		Type                   string `yaml:"type"`
		GitURL                 string `yaml:"git_url"`
		GitBranch              string `yaml:"git_branch"`
		GitClonePath           string `yaml:"git_clone_path"`
		PollingIntervalSeconds int    `yaml:"polling_interval_seconds"`
		WebhookSecret          string `yaml:"webhook_secret"`
		WebhookScheme          string `yaml:"webhook_scheme"`
		WebhookBranch          string `yaml:"webhook_branch"`
		BundleURL              string `yaml:"bundle_url"`
		BundlePollSeconds      int    `yaml:"bundle_poll_seconds"`
		BundlePollCron         string `yaml:"bundle_poll_cron"`
		LeaderLockPath         string `yaml:"leader_lock_path"`
	} `yaml:"source"`
	PubSub struct {
		StatsKeepaliveSeconds int `yaml:"stats_keepalive_seconds"`
		RateLimitPerSecond    int `yaml:"rate_limit_per_second"`
	} `yaml:"pubsub"`
	Auth struct {
		MasterToken string `yaml:"master_token"`
		JWTSecret   string `yaml:"jwt_secret"`
		Audience    string `yaml:"audience"`
		Issuer      string `yaml:"issuer"`
		TTLSeconds  int    `yaml:"ttl_seconds"`
	} `yaml:"auth"`
	Database struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslmode"`
	} `yaml:"database"`
	Scopes struct {
		Enabled    bool `yaml:"enabled"`
		ShardCount int  `yaml:"shard_count"`
	} `yaml:"scopes"`
}

func defaultFileConfig() fileConfig {
	var fc fileConfig
	fc.Server.Addr = ":7002"
	fc.Broadcast.KeepaliveSeconds = 3600
	fc.Broadcast.Channel = "EventNotifier"
	fc.Source.Type = "git"
	fc.Source.GitBranch = "main"
	fc.Source.GitClonePath = "/var/lib/opal/server/repo"
	fc.Source.WebhookScheme = "token"
	fc.Source.BundlePollSeconds = 30
	fc.Source.LeaderLockPath = "/var/lib/opal/server/opal_server_leader.lock"
	fc.PubSub.StatsKeepaliveSeconds = 5
	fc.Auth.Audience = "https://opal.ac/token"
	fc.Auth.Issuer = "https://opal.ac/"
	fc.Auth.TTLSeconds = int((4 * time.Hour).Seconds())
	fc.Database.Host = "localhost"
	fc.Database.Port = 5432
	fc.Database.User = "opal"
	fc.Database.Password = "opal"
	fc.Database.Name = "opal"
	fc.Database.SSLMode = "disable"
	fc.Scopes.ShardCount = 1
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

// parseDurationEnv reads an integer-seconds env var, falling back to
// defaultSeconds (itself sourced from the YAML file) when unset.
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
