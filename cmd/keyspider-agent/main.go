// Standalone on-host collector.
//
// Runs the Agent's cooperative loop (SPEC_FULL.md §4.12): heartbeats,
// tails local log files by byte offset, and inventories local SSH keys,
// POSTing everything to the receiver. Its settings come from the YAML
// config file named by --config. The Agent Manager (internal/agentmgr)
// does not install this binary; it deploys its own Python agent script.
//
// Usage:
//
//	keyspider-agent --config /opt/keyspider/agent.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keyspider/keyspider/internal/agent"
)

var (
	flagConfig = flag.String("config", "/opt/keyspider/agent.yaml", "Path to the deploy-time agent config")
	Version    = "0.1.0"
)

type fileConfig struct {
	APIURL            string   `yaml:"api_url"`
	AgentToken        string   `yaml:"agent_token"`
	ServerID          string   `yaml:"server_id"`
	HeartbeatInterval int      `yaml:"heartbeat_interval"`
	CollectInterval   int      `yaml:"collect_interval"`
	LogPaths          []string `yaml:"log_paths"`
	AgentVersion      string   `yaml:"agent_version"`
	DataDir           string   `yaml:"data_dir"`
}

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("[agent] keyspider-agent v%s starting", Version)

	fc, err := loadFileConfig(*flagConfig)
	if err != nil {
		log.Fatalf("[agent] load config %s: %v", *flagConfig, err)
	}
	if fc.APIURL == "" || fc.AgentToken == "" || fc.ServerID == "" {
		log.Fatal("[agent] config must set api_url, agent_token, and server_id")
	}

	cfg := agent.Config{
		APIURL:       fc.APIURL,
		AgentToken:   fc.AgentToken,
		ServerID:     fc.ServerID,
		LogPaths:     fc.LogPaths,
		AgentVersion: firstNonEmpty(fc.AgentVersion, Version),
		DataDir:      fc.DataDir,
	}
	if fc.HeartbeatInterval > 0 {
		cfg.HeartbeatInterval = time.Duration(fc.HeartbeatInterval) * time.Second
	}
	if fc.CollectInterval > 0 {
		cfg.CollectInterval = time.Duration(fc.CollectInterval) * time.Second
	}

	a, err := agent.New(cfg)
	if err != nil {
		log.Fatalf("[agent] init: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("[agent] shutdown signal: %v", sig)
		cancel()
	}()

	a.Run(ctx)
	cancel()
	log.Println("[agent] stopped")
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse: %w", err)
	}
	return fc, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
