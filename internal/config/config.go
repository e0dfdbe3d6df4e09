// Package config loads keyspider's runtime configuration from a YAML file
// with environment-variable overrides, following the teacher's
// internal/daemon/config.go convention: a DefaultConfig, a LoadConfig that
// unmarshals then overlays env vars, and field-level validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds every environment/configuration name enumerated in
// SPEC_FULL.md §6.
type Config struct {
	DatabaseURL string `yaml:"database_url"`
	BrokerURL   string `yaml:"broker_url"`

	SSHKeyPath        string `yaml:"ssh_key_path"`
	SSHKnownHostsPath string `yaml:"ssh_known_hosts"`
	SSHConnectTimeout int    `yaml:"ssh_connect_timeout"` // seconds
	SSHCommandTimeout int    `yaml:"ssh_command_timeout"` // seconds
	SSHMaxConnections int    `yaml:"ssh_max_connections"`
	SSHPerServerLimit int    `yaml:"ssh_per_server_limit"`

	SecretKey                string `yaml:"secret_key"`
	AccessTokenExpireMinutes int    `yaml:"access_token_expire_minutes"`
	CORSOrigins              string `yaml:"cors_origins"`

	SpiderDefaultDepth int `yaml:"spider_default_depth"`
	SpiderMaxDepth     int `yaml:"spider_max_depth"`

	LogMaxLinesInitial     int `yaml:"log_max_lines_initial"`
	LogMaxLinesIncremental int `yaml:"log_max_lines_incremental"`

	WatcherReconnectDelaySecs    int `yaml:"watcher_reconnect_delay"`
	WatcherMaxReconnectDelaySecs int `yaml:"watcher_max_reconnect_delay"`

	StateDir string `yaml:"state_dir"`
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns a Config with the defaults named throughout
// SPEC_FULL.md (50 000 initial log lines, 10s SSH connect timeout, 300s
// watcher ceiling, etc).
func DefaultConfig() Config {
	return Config{
		SSHConnectTimeout:            10,
		SSHCommandTimeout:            30,
		SSHMaxConnections:            200,
		SSHPerServerLimit:            4,
		AccessTokenExpireMinutes:     60,
		SpiderDefaultDepth:           2,
		SpiderMaxDepth:               5,
		LogMaxLinesInitial:           50000,
		LogMaxLinesIncremental:       1000,
		WatcherReconnectDelaySecs:    5,
		WatcherMaxReconnectDelaySecs: 300,
		StateDir:                     "/var/lib/keyspider",
		LogLevel:                     "INFO",
	}
}

// LoadConfig reads a YAML file, applies DefaultConfig as the base, then
// overlays environment variables, matching the teacher's override order in
// internal/daemon/config.go.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required")
	}
	if cfg.SpiderMaxDepth < cfg.SpiderDefaultDepth {
		cfg.SpiderMaxDepth = cfg.SpiderDefaultDepth
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	strOverride := map[string]*string{
		"DATABASE_URL":      &cfg.DatabaseURL,
		"BROKER_URL":        &cfg.BrokerURL,
		"SSH_KEY_PATH":      &cfg.SSHKeyPath,
		"SSH_KNOWN_HOSTS":   &cfg.SSHKnownHostsPath,
		"SECRET_KEY":        &cfg.SecretKey,
		"CORS_ORIGINS":      &cfg.CORSOrigins,
		"STATE_DIR":         &cfg.StateDir,
	}
	for env, dst := range strOverride {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToUpper(v)
	}

	intOverride := map[string]*int{
		"SSH_CONNECT_TIMEOUT":          &cfg.SSHConnectTimeout,
		"SSH_COMMAND_TIMEOUT":          &cfg.SSHCommandTimeout,
		"SSH_MAX_CONNECTIONS":          &cfg.SSHMaxConnections,
		"SSH_PER_SERVER_LIMIT":         &cfg.SSHPerServerLimit,
		"ACCESS_TOKEN_EXPIRE_MINUTES":  &cfg.AccessTokenExpireMinutes,
		"SPIDER_DEFAULT_DEPTH":         &cfg.SpiderDefaultDepth,
		"SPIDER_MAX_DEPTH":             &cfg.SpiderMaxDepth,
		"LOG_MAX_LINES_INITIAL":        &cfg.LogMaxLinesInitial,
		"LOG_MAX_LINES_INCREMENTAL":    &cfg.LogMaxLinesIncremental,
		"WATCHER_RECONNECT_DELAY":      &cfg.WatcherReconnectDelaySecs,
		"WATCHER_MAX_RECONNECT_DELAY":  &cfg.WatcherMaxReconnectDelaySecs,
	}
	for env, dst := range intOverride {
		if v := os.Getenv(env); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
}
