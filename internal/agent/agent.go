// Package agent implements the on-host collector deployed to every
// monitored server (SPEC_FULL.md §4.12): a single cooperative loop that
// heartbeats, tails local log files by byte offset, and inventories local
// SSH keys, POSTing everything to the receiver. It mirrors the teacher's
// agent daemon loop shape (internal/daemon run-loop with a ticker and
// signal-driven shutdown) but collects from the local filesystem directly
// rather than over SSH, since it executes on the monitored host itself.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/keyspider/keyspider/internal/fingerprint"
	"github.com/keyspider/keyspider/internal/logparser"
	"github.com/keyspider/keyspider/internal/model"
)

// Config is the deploy-time configuration injected into the agent, per
// spec §4.12.
type Config struct {
	APIURL            string
	AgentToken        string
	ServerID          string
	HeartbeatInterval time.Duration // default 60s
	CollectInterval   time.Duration // default 30s
	LogPaths          []string
	AgentVersion      string
	DataDir           string // offline queue location
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 60 * time.Second
	}
	if c.CollectInterval <= 0 {
		c.CollectInterval = 30 * time.Second
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/keyspider-agent"
	}
	if len(c.LogPaths) == 0 {
		c.LogPaths = logparser.DetectLogPaths(model.OSLinux)
	}
}

// Agent is a single-process collector. No threads: Run's loop is the only
// goroutine that touches offsets or HTTP state.
type Agent struct {
	cfg        Config
	httpClient *http.Client
	queue      *OfflineQueue

	offsets map[string]int64

	running        bool
	lastHeartbeat  time.Time
	lastCollect    time.Time
}

// New constructs an Agent. Call Run to start the loop.
func New(cfg Config) (*Agent, error) {
	cfg.applyDefaults()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	queue, err := NewOfflineQueue(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open offline queue: %w", err)
	}
	return &Agent{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		queue:      queue,
		offsets:    make(map[string]int64),
	}, nil
}

// Run executes the cooperative collector loop until ctx is cancelled — the
// caller wires SIGTERM/SIGINT into ctx's cancellation, per spec §4.12.
func (a *Agent) Run(ctx context.Context) {
	a.running = true
	defer a.queue.Close()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for a.running {
		select {
		case <-ctx.Done():
			a.running = false
			return
		case <-ticker.C:
		}

		now := time.Now().UTC()
		if now.Sub(a.lastHeartbeat) >= a.cfg.HeartbeatInterval {
			a.heartbeat(ctx)
			a.lastHeartbeat = now
		}
		if now.Sub(a.lastCollect) >= a.cfg.CollectInterval {
			a.collect(ctx)
			a.lastCollect = now
		}
	}
}

// Stop requests the loop exit on its next tick.
func (a *Agent) Stop() { a.running = false }

type heartbeatRequest struct {
	ServerID     string     `json:"server_id"`
	AgentVersion string     `json:"agent_version,omitempty"`
	Timestamp    *time.Time `json:"timestamp,omitempty"`
}

func (a *Agent) heartbeat(ctx context.Context) {
	now := time.Now().UTC()
	body := heartbeatRequest{ServerID: a.cfg.ServerID, AgentVersion: a.cfg.AgentVersion, Timestamp: &now}
	a.postJSON(ctx, "/api/agent/heartbeat", body)
}

type eventPayload struct {
	Timestamp   time.Time `json:"timestamp"`
	SourceIP    string    `json:"source_ip"`
	Username    string    `json:"username"`
	AuthMethod  string    `json:"auth_method,omitempty"`
	EventType   string    `json:"event_type"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Port        int       `json:"port,omitempty"`
	RawLine     string    `json:"raw_line,omitempty"`
}

type eventsRequest struct {
	ServerID string         `json:"server_id"`
	Events   []eventPayload `json:"events"`
}

type sudoPayload struct {
	Timestamp  time.Time `json:"timestamp"`
	Username   string    `json:"username"`
	TTY        string    `json:"tty,omitempty"`
	WorkingDir string    `json:"working_dir,omitempty"`
	TargetUser string    `json:"target_user,omitempty"`
	Command    string    `json:"command,omitempty"`
	Success    bool      `json:"success"`
	RawLine    string    `json:"raw_line,omitempty"`
}

type sudoEventsRequest struct {
	ServerID string        `json:"server_id"`
	Events   []sudoPayload `json:"events"`
}

// collect implements spec §4.12's per-cycle log tail: per-file byte
// offset, rotation reset on size shrink, line parsing, batch POST.
func (a *Agent) collect(ctx context.Context) {
	var events []eventPayload
	var sudoEvents []sudoPayload

	for _, path := range a.cfg.LogPaths {
		lines, err := a.readDelta(path)
		if err != nil {
			log.Printf("[agent] read %s: %v", path, err)
			continue
		}
		var last *time.Time
		for _, line := range lines {
			if ev, ok := logparser.ParseLine(line, model.OSLinux, time.Time{}, last); ok {
				ts := ev.Timestamp
				last = &ts
				events = append(events, eventPayload{
					Timestamp: ev.Timestamp, SourceIP: ev.SourceIP, Username: ev.Username,
					AuthMethod: ev.AuthMethod, EventType: string(ev.EventType),
					Fingerprint: ev.Fingerprint, Port: ev.Port, RawLine: ev.RawLine,
				})
				continue
			}
			if sl, ok := logparser.ParseSudoLine(line, time.Time{}, last); ok {
				ts := sl.Timestamp
				last = &ts
				sudoEvents = append(sudoEvents, sudoPayload{
					Timestamp: sl.Timestamp, Username: sl.Username, TTY: sl.TTY,
					WorkingDir: sl.WorkingDir, TargetUser: sl.TargetUser,
					Command: sl.Command, Success: true, RawLine: sl.RawLine,
				})
			}
		}
	}

	if len(events) > 0 {
		a.postJSON(ctx, "/api/agent/events", eventsRequest{ServerID: a.cfg.ServerID, Events: events})
	}
	if len(sudoEvents) > 0 {
		a.postJSON(ctx, "/api/agent/sudo-events", sudoEventsRequest{ServerID: a.cfg.ServerID, Events: sudoEvents})
	}

	if keys := a.scanLocalKeys(); len(keys) > 0 {
		a.postJSON(ctx, "/api/agent/keys", keysRequest{ServerID: a.cfg.ServerID, Keys: keys})
	}
}

// readDelta reads the bytes of path appended since the last cycle's
// offset, resetting to 0 on rotation (current size smaller than the
// stored offset), per spec §4.12.
func (a *Agent) readDelta(path string) ([]string, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	offset := a.offsets[path]
	if info.Size() < offset {
		log.Printf("[agent] %s rotated (size %s < offset %s), resetting", path, humanize.Bytes(uint64(info.Size())), humanize.Bytes(uint64(offset)))
		offset = 0
	}
	if info.Size() == offset {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	a.offsets[path] = info.Size()
	return lines, nil
}

type keyPayload struct {
	PublicKeyData   string  `json:"public_key_data"`
	FilePath        string  `json:"file_path"`
	FileType        string  `json:"file_type"`
	UnixOwner       string  `json:"unix_owner,omitempty"`
	UnixPermissions string  `json:"unix_permissions,omitempty"`
	FileMtime       *int64  `json:"file_mtime,omitempty"`
	FileSize        *int64  `json:"file_size,omitempty"`
	IsHostKey       bool    `json:"is_host_key"`
}

type keysRequest struct {
	ServerID string       `json:"server_id"`
	Keys     []keyPayload `json:"keys"`
}

// scanLocalKeys inventories /etc/ssh host keys and every authorized_keys /
// id_*.pub under non-system users' home directories, reading the local
// filesystem directly since the agent runs on the host it inspects — the
// spider's keyscanner package instead goes over SFTP because it runs
// remotely, per spec §4.5 vs §4.12.
func (a *Agent) scanLocalKeys() []keyPayload {
	var out []keyPayload

	for _, keyType := range []string{"rsa", "ed25519", "ecdsa", "dsa"} {
		path := "/etc/ssh/ssh_host_" + keyType + "_key.pub"
		if kp, ok := readLocalPublicKey(path, true, model.FileHostKey); ok {
			out = append(out, kp)
		}
	}

	passwd, err := os.ReadFile("/etc/passwd")
	if err != nil {
		log.Printf("[agent] read /etc/passwd: %v", err)
		return out
	}
	for _, line := range strings.Split(string(passwd), "\n") {
		fields := strings.Split(strings.TrimSpace(line), ":")
		if len(fields) < 7 {
			continue
		}
		home, shell := fields[5], fields[6]
		if strings.HasSuffix(shell, "nologin") || strings.HasSuffix(shell, "false") || strings.HasPrefix(home, "/dev") {
			continue
		}

		sshDir := filepath.Join(home, ".ssh")
		for _, name := range []string{"authorized_keys", "authorized_keys2"} {
			out = append(out, readLocalAuthorizedKeys(filepath.Join(sshDir, name))...)
		}
		for _, keyType := range []string{"rsa", "ed25519", "ecdsa", "dsa"} {
			path := filepath.Join(sshDir, "id_"+keyType+".pub")
			if kp, ok := readLocalPublicKey(path, false, model.FilePublicKey); ok {
				out = append(out, kp)
			}
		}
	}
	return out
}

func readLocalPublicKey(path string, isHostKey bool, fileType model.FileType) (keyPayload, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return keyPayload{}, false
	}
	line := strings.TrimSpace(string(data))
	if _, _, ok := fingerprint.Fingerprints(line); !ok {
		return keyPayload{}, false
	}
	kp := keyPayload{PublicKeyData: line, FilePath: path, FileType: string(fileType), IsHostKey: isHostKey}
	if info, err := os.Stat(path); err == nil {
		mt := info.ModTime().Unix()
		kp.FileMtime = &mt
		sz := info.Size()
		kp.FileSize = &sz
		perms := fmt.Sprintf("%04o", info.Mode().Perm())
		kp.UnixPermissions = perms
	}
	return kp, true
}

func readLocalAuthorizedKeys(path string) []keyPayload {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	info, statErr := os.Stat(path)

	var out []keyPayload
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, _, ok := fingerprint.Fingerprints(line); !ok {
			continue
		}
		kp := keyPayload{PublicKeyData: line, FilePath: path, FileType: string(model.FileAuthorizedKeys)}
		if statErr == nil {
			mt := info.ModTime().Unix()
			kp.FileMtime = &mt
			sz := info.Size()
			kp.FileSize = &sz
			kp.UnixPermissions = fmt.Sprintf("%04o", info.Mode().Perm())
		}
		out = append(out, kp)
	}
	return out
}

// postJSON sends body to the receiver, bearer-authenticated. On failure it
// enqueues the payload to the offline durability buffer (§4.12a) instead
// of interrupting the loop, per spec §4.12's "all HTTP errors are logged
// and do not interrupt the loop." Before every POST it first tries to send
// any backlog already queued for the same endpoint.
func (a *Agent) postJSON(ctx context.Context, path string, body interface{}) {
	payload, err := json.Marshal(body)
	if err != nil {
		log.Printf("[agent] marshal %s: %v", path, err)
		return
	}

	a.flushQueued(ctx, path)

	if err := a.send(ctx, path, payload); err != nil {
		log.Printf("[agent] POST %s failed, buffering offline: %v", path, err)
		if err := a.queue.Enqueue(path, payload); err != nil {
			log.Printf("[agent] offline enqueue failed: %v", err)
		}
	}
}

const flushBatchSize = 50

func (a *Agent) flushQueued(ctx context.Context, path string) {
	posts, err := a.queue.DequeueAll(path, flushBatchSize)
	if err != nil || len(posts) == 0 {
		return
	}
	for i, p := range posts {
		if err := a.send(ctx, p.endpoint, p.payload); err != nil {
			log.Printf("[agent] flush %s still failing, re-buffering: %v", p.endpoint, err)
			for _, rest := range posts[i:] {
				if err := a.queue.Enqueue(rest.endpoint, rest.payload); err != nil {
					log.Printf("[agent] re-enqueue failed: %v", err)
				}
			}
			return
		}
	}
}

func (a *Agent) send(ctx context.Context, path string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(a.cfg.APIURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.AgentToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("receiver returned %d", resp.StatusCode)
	}
	return nil
}
