package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigMatchesSpecDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.SSHMaxConnections != 200 {
		t.Fatalf("expected ssh_max_connections=200, got %d", cfg.SSHMaxConnections)
	}
	if cfg.SSHPerServerLimit != 4 {
		t.Fatalf("expected ssh_per_server_limit=4, got %d", cfg.SSHPerServerLimit)
	}
	if cfg.LogMaxLinesInitial != 50000 {
		t.Fatalf("expected log_max_lines_initial=50000, got %d", cfg.LogMaxLinesInitial)
	}
	if cfg.WatcherMaxReconnectDelaySecs != 300 {
		t.Fatalf("expected watcher_max_reconnect_delay=300, got %d", cfg.WatcherMaxReconnectDelaySecs)
	}
}

func TestLoadConfigRequiresDatabaseURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("spider_default_depth: 3\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected an error when database_url is missing")
	}
}

func TestLoadConfigOverlaysEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("database_url: postgres://file-value\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("DATABASE_URL", "postgres://env-value")
	t.Setenv("SSH_MAX_CONNECTIONS", "50")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DatabaseURL != "postgres://env-value" {
		t.Fatalf("expected env override to win, got %q", cfg.DatabaseURL)
	}
	if cfg.SSHMaxConnections != 50 {
		t.Fatalf("expected ssh_max_connections overridden to 50, got %d", cfg.SSHMaxConnections)
	}
}

func TestLoadConfigClampsMaxDepthToDefaultDepth(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "database_url: postgres://x\nspider_default_depth: 7\nspider_max_depth: 2\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SpiderMaxDepth != 7 {
		t.Fatalf("expected spider_max_depth raised to match default_depth=7, got %d", cfg.SpiderMaxDepth)
	}
}
