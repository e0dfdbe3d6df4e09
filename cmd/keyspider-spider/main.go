// Standalone spider crawl runner.
//
// Runs one BFS crawl (SPEC_FULL.md §4.9) against a seed host and prints
// progress as it goes. Scheduled invocation (cron, a task queue) is the
// external collaborator per spec §1; this binary is the unit it dispatches.
//
// Usage:
//
//	keyspider-spider --host 10.0.1.10 --port 22 --depth 3 --db "postgres://..." --ssh-key ~/.ssh/id_ed25519
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/keyspider/keyspider/internal/config"
	"github.com/keyspider/keyspider/internal/sshpool"
	"github.com/keyspider/keyspider/internal/spider"
	"github.com/keyspider/keyspider/internal/store"
	"github.com/keyspider/keyspider/internal/unreachable"
)

var (
	flagConfig  = flag.String("config", "", "YAML config file path")
	flagDB      = flag.String("db", "", "PostgreSQL connection string (or DATABASE_URL env)")
	flagHost    = flag.String("host", "", "Seed hostname/IP to crawl from")
	flagPort    = flag.Int("port", 22, "Seed SSH port")
	flagDepth   = flag.Int("depth", 0, "Max crawl depth (0 = use spider_default_depth)")
	flagSSHKey  = flag.String("ssh-key", "", "Path to the SSH private key (or SSH_KEY_PATH env)")
	flagSSHUser = flag.String("ssh-user", "root", "SSH username")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if *flagHost == "" {
		log.Fatal("--host is required")
	}

	var cfg *config.Config
	if *flagConfig != "" {
		var err error
		cfg, err = config.LoadConfig(*flagConfig)
		if err != nil {
			log.Fatalf("[spider] load config: %v", err)
		}
	} else {
		c := config.DefaultConfig()
		cfg = &c
		if v := os.Getenv("DATABASE_URL"); v != "" {
			cfg.DatabaseURL = v
		}
		if v := os.Getenv("SSH_KEY_PATH"); v != "" {
			cfg.SSHKeyPath = v
		}
	}
	if *flagDB != "" {
		cfg.DatabaseURL = *flagDB
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("database connection string required: --db, config file, or DATABASE_URL env")
	}

	depth := *flagDepth
	if depth <= 0 {
		depth = cfg.SpiderDefaultDepth
	}

	keyPath := *flagSSHKey
	if keyPath == "" {
		keyPath = cfg.SSHKeyPath
	}
	if keyPath == "" {
		log.Fatal("--ssh-key, config ssh_key_path, or SSH_KEY_PATH env is required")
	}
	pem, err := os.ReadFile(keyPath)
	if err != nil {
		log.Fatalf("[spider] read ssh key: %v", err)
	}
	auth := sshpool.Auth{Username: *flagSSHUser, PrivateKeyPEM: string(pem)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("[spider] shutdown signal: %v", sig)
		cancel()
	}()

	st, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[spider] connect to database: %v", err)
	}
	log.Println("[spider] connected to PostgreSQL")

	pool := sshpool.New(sshpool.Options{
		Max:            cfg.SSHMaxConnections,
		PerHost:        cfg.SSHPerServerLimit,
		KnownHostsPath: cfg.SSHKnownHostsPath,
	})
	defer pool.CloseAll()

	classifier := unreachable.New(func(ctx context.Context, ip string) bool {
		handle, err := pool.Acquire(ctx, ip, *flagPort, auth)
		if err != nil {
			return false
		}
		pool.Release(handle.ID)
		return true
	})

	engine := spider.New(pool, st, classifier, auth, spider.Options{
		MaxDepth:               depth,
		LogMaxLinesInitial:     cfg.LogMaxLinesInitial,
		LogMaxLinesIncremental: cfg.LogMaxLinesIncremental,
		OnProgress: func(p spider.Progress) {
			log.Printf("[spider] progress: scanned=%d keys=%d events=%d unreachable=%d depth=%d current=%s",
				p.ServersScanned, p.KeysFound, p.EventsParsed, p.UnreachableFound, p.CurrentDepth, p.CurrentServer)
		},
	})

	log.Printf("[spider] crawl starting from %s:%d depth=%d", *flagHost, *flagPort, depth)
	if err := engine.Run(ctx, *flagHost, *flagPort); err != nil {
		log.Fatalf("[spider] crawl failed: %v", err)
	}
	log.Println("[spider] crawl complete")
}
