// Package spider implements the recursive BFS crawl of SPEC_FULL.md §4.9:
// starting from a seed host, it rides the SSH connection pool to acquire
// logs and keys from each reachable host, persists them, reconciles the
// authorization/usage layers, and follows every observed source IP into
// the next BFS frontier.
package spider

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/pkg/sftp"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/ssh"

	"github.com/keyspider/keyspider/internal/ingest"
	"github.com/keyspider/keyspider/internal/keyscanner"
	"github.com/keyspider/keyspider/internal/logparser"
	"github.com/keyspider/keyspider/internal/model"
	"github.com/keyspider/keyspider/internal/reconciler"
	"github.com/keyspider/keyspider/internal/sftpreader"
	"github.com/keyspider/keyspider/internal/sshpool"
	"github.com/keyspider/keyspider/internal/store"
	"github.com/keyspider/keyspider/internal/unreachable"
)

// agentFreshnessWindow is the heartbeat-freshness threshold for the agent
// short-circuit, per spec §4.9 step 3. SPEC_FULL.md §9 notes this 300s
// value is duplicated across the spider and scan-task paths in the
// original and should be consolidated; the same 5-minute value is also
// defined as agentInactiveThreshold in internal/agentmgr (DESIGN.md, Open
// Question 2).
const agentFreshnessWindow = 5 * time.Minute

// frontierEntry is one BFS queue item.
type frontierEntry struct {
	hostname string
	port     int
	depth    int
}

func frontierKey(hostname string, port int) string {
	return hostname + ":" + strconv.Itoa(port)
}

// Progress is notified after every frontier pop, per spec §4.9.
type Progress struct {
	ServersScanned    int
	KeysFound         int
	EventsParsed      int
	UnreachableFound  int
	CurrentDepth      int
	CurrentServer     string
}

// ProgressFunc receives a snapshot of Progress after each frontier pop.
type ProgressFunc func(Progress)

// Options configures an Engine.
type Options struct {
	MaxDepth               int
	LogMaxLinesInitial     int // default 50000
	LogMaxLinesIncremental int // default 1000
	LogMaxBytes            int64
	OnProgress             ProgressFunc
}

// Engine runs one BFS crawl at a time. Each Engine value owns its own
// frontier, visited set, and progress counters — concurrent crawls (e.g.
// one per site) are the caller's responsibility to run as separate Engine
// values, per SPEC_FULL.md §5.
type Engine struct {
	pool       *sshpool.Pool
	st         store.Store
	classifier *unreachable.Classifier
	auth       sshpool.Auth
	opts       Options

	visited  map[string]bool
	frontier []frontierEntry
	progress Progress
	cancelled bool

	serversScannedMetric prometheus.Counter
}

// New constructs an Engine. auth is used for every SSH dial the crawl
// performs through pool.
func New(pool *sshpool.Pool, st store.Store, classifier *unreachable.Classifier, auth sshpool.Auth, opts Options) *Engine {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 5
	}
	if opts.LogMaxLinesInitial <= 0 {
		opts.LogMaxLinesInitial = 50000
	}
	if opts.LogMaxLinesIncremental <= 0 {
		opts.LogMaxLinesIncremental = 1000
	}
	if opts.LogMaxBytes <= 0 {
		opts.LogMaxBytes = 8 << 20
	}
	e := &Engine{
		pool:       pool,
		st:         st,
		classifier: classifier,
		auth:       auth,
		opts:       opts,
		visited:    make(map[string]bool),
		serversScannedMetric: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keyspider_spider_servers_scanned_total",
			Help: "Count of hosts the spider engine has completed a scan pass over.",
		}),
	}
	prometheus.DefaultRegisterer.Register(e.serversScannedMetric)
	return e
}

// Cancel requests the crawl stop at the next BFS step boundary, per spec
// §5 ("SpiderEngine.cancel() is checked at every BFS step").
func (e *Engine) Cancel() { e.cancelled = true }

// Progress returns a copy of the engine's current progress counters.
func (e *Engine) Progress() Progress { return e.progress }

// Run crawls starting from (rootHostname, rootPort) at depth 0, following
// every observed source IP up to opts.MaxDepth.
func (e *Engine) Run(ctx context.Context, rootHostname string, rootPort int) error {
	e.frontier = append(e.frontier, frontierEntry{hostname: rootHostname, port: rootPort, depth: 0})

	for len(e.frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return trace.Wrap(err)
		}
		if e.cancelled {
			return trace.Errorf("spider crawl cancelled")
		}

		entry := e.frontier[0]
		e.frontier = e.frontier[1:]

		if err := e.visitOne(ctx, entry); err != nil {
			log.Printf("[spider] %s:%d: %v", entry.hostname, entry.port, err)
		}

		if e.opts.OnProgress != nil {
			e.opts.OnProgress(e.progress)
		}
	}
	return nil
}

func (e *Engine) visitOne(ctx context.Context, entry frontierEntry) error {
	fk := frontierKey(entry.hostname, entry.port)
	if e.visited[fk] || entry.depth > e.opts.MaxDepth {
		return nil
	}
	e.visited[fk] = true
	e.progress.CurrentDepth = entry.depth
	e.progress.CurrentServer = entry.hostname

	discoveredVia := model.DiscoveredManual
	if entry.depth > 0 {
		discoveredVia = model.DiscoveredScan
	}

	var server model.Server
	err := e.st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		s, _, err := tx.GetOrCreateServer(ctx, store.ServerKeys{IPAddress: entry.hostname, SSHPort: entry.port}, model.Server{
			Hostname:      entry.hostname,
			IPAddress:     entry.hostname,
			SSHPort:       entry.port,
			OSType:        model.OSLinux,
			DiscoveredVia: discoveredVia,
		})
		if err != nil {
			return err
		}
		server = s
		return nil
	})
	if err != nil {
		return trace.Wrap(err, "upsert server")
	}

	if server.PreferAgent {
		skipped, err := e.tryAgentShortCircuit(ctx, server)
		if err != nil {
			return trace.Wrap(err, "agent short circuit")
		}
		if skipped {
			e.progress.ServersScanned++
			e.serversScannedMetric.Inc()
			return nil
		}
	}

	handle, err := e.pool.Acquire(ctx, entry.hostname, entry.port, e.auth)
	if err != nil {
		return trace.Wrap(err, "acquire ssh session")
	}
	defer e.pool.Release(handle.ID)

	sftpClient, err := sftp.NewClient(handle.Client)
	if err != nil {
		return trace.Wrap(err, "open sftp")
	}
	defer sftpClient.Close()
	reader := sftpreader.New(sftpClient)

	events, newWatermark, newLogSize := e.acquireLogs(handle.Client, reader, server)
	discovered := keyscanner.Scan(reader)

	e.progress.KeysFound += len(discovered)
	e.progress.EventsParsed += len(events)

	return e.st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := store.Now()

		if err := ingest.PersistKeys(ctx, tx, server.ID, discoveredToRecords(discovered), now); err != nil {
			return trace.Wrap(err, "persist keys")
		}
		if err := ingest.PersistEvents(ctx, tx, server.ID, eventsToRecords(events), model.LogSourceSpider); err != nil {
			return trace.Wrap(err, "persist events")
		}
		if err := reconciler.Reconcile(ctx, tx, server.ID); err != nil {
			return trace.Wrap(err, "reconcile")
		}
		if err := e.followChain(ctx, tx, server, events, entry.depth); err != nil {
			return trace.Wrap(err, "follow chain")
		}

		server.LastScannedAt = &now
		server.IsReachable = true
		if newWatermark != nil {
			server.ScanWatermark = newWatermark
		}
		if newLogSize != nil {
			server.LastLogSize = newLogSize
		}
		return tx.UpdateServer(ctx, server)
	})
}

// tryAgentShortCircuit implements spec §4.9 step 3: if an active agent
// heartbeated within agentFreshnessWindow, the spider skips all SSH I/O for
// this host.
func (e *Engine) tryAgentShortCircuit(ctx context.Context, server model.Server) (skipped bool, err error) {
	err = e.st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		status, ok, err := tx.GetAgentStatus(ctx, server.ID)
		if err != nil {
			return err
		}
		if !ok || status.DeploymentStatus != model.DeployActive || status.LastHeartbeatAt == nil {
			return nil
		}
		if store.Now().Sub(*status.LastHeartbeatAt) >= agentFreshnessWindow {
			return nil
		}
		skipped = true
		now := store.Now()
		server.LastScannedAt = &now
		return tx.UpdateServer(ctx, server)
	})
	return skipped, err
}

// acquireLogs implements spec §4.9 step 5: try journald JSON first, fall
// back to an SFTP tail of the OS family's primary log on failure or empty
// output. Returns the parsed events, the new scan watermark (max observed
// event time), and the new last_log_size (only set on the SFTP path, where
// rotation is observable).
func (e *Engine) acquireLogs(client *ssh.Client, reader *sftpreader.Reader, server model.Server) ([]logparser.AuthEvent, *time.Time, *int64) {
	events := e.tryJournald(client, server)
	var logSize *int64
	if events == nil {
		events, logSize = e.tailPrimaryLog(reader, server)
	}

	if server.ScanWatermark != nil {
		filtered := events[:0]
		for _, ev := range events {
			if ev.Timestamp.After(*server.ScanWatermark) {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}

	var newWatermark *time.Time
	for _, ev := range events {
		if newWatermark == nil || ev.Timestamp.After(*newWatermark) {
			ts := ev.Timestamp
			newWatermark = &ts
		}
	}
	return events, newWatermark, logSize
}

func (e *Engine) tryJournald(client *ssh.Client, server model.Server) []logparser.AuthEvent {
	session, err := client.NewSession()
	if err != nil {
		return nil
	}
	defer session.Close()

	n := e.opts.LogMaxLinesIncremental
	if server.ScanWatermark == nil {
		n = e.opts.LogMaxLinesInitial
	}
	cmd := fmt.Sprintf("journalctl -u sshd --output=json -n %d", n)
	if server.ScanWatermark != nil {
		cmd += " --since=" + server.ScanWatermark.Format("2006-01-02 15:04:05")
	}

	out, err := session.CombinedOutput(cmd)
	if err != nil || len(strings.TrimSpace(string(out))) == 0 {
		return nil
	}

	var events []logparser.AuthEvent
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if ev, ok := logparser.ParseJournald(line); ok {
			events = append(events, ev)
		}
	}
	return events
}

// tailPrimaryLog reads the OS family's primary auth log over SFTP,
// detecting rotation per spec §4.9 step 5 / S4: if the current size is
// strictly less than server.LastLogSize, a rotation occurred and a full
// initial window is read instead of the incremental one.
func (e *Engine) tailPrimaryLog(reader *sftpreader.Reader, server model.Server) ([]logparser.AuthEvent, *int64) {
	var content string
	var ok bool
	var newSize *int64

	for _, path := range logparser.DetectLogPaths(server.OSType) {
		size, statOK := reader.GetSize(path)
		if !statOK {
			continue
		}
		sz := size
		newSize = &sz

		maxLines := e.opts.LogMaxLinesIncremental
		rotated := server.LastLogSize != nil && size < *server.LastLogSize
		if server.LastLogSize == nil || rotated {
			maxLines = e.opts.LogMaxLinesInitial
		}

		content, ok = reader.ReadTail(path, maxLines, e.opts.LogMaxBytes)
		if ok {
			break
		}
	}
	if !ok {
		return nil, newSize
	}
	return logparser.ParseLog(content, server.OSType, time.Now().UTC()), newSize
}

// discoveredToRecords adapts keyscanner's output shape to the ingest
// package's store-agnostic KeyRecord, per spec §4.9 step 7.
func discoveredToRecords(discovered []keyscanner.DiscoveredKey) []ingest.KeyRecord {
	out := make([]ingest.KeyRecord, 0, len(discovered))
	for _, dk := range discovered {
		out = append(out, ingest.KeyRecord{
			FingerprintSHA256: dk.FingerprintSHA256,
			FingerprintMD5:    dk.FingerprintMD5,
			KeyType:           dk.KeyType,
			PublicKeyData:     dk.PublicKeyData,
			Comment:           dk.Comment,
			Owner:             dk.Owner,
			Path:              dk.Path,
			FileType:          dk.FileType,
			IsHostKey:         dk.IsHostKey,
			Mtime:             dk.Mtime,
			Size:              dk.Size,
			Perms:             dk.Perms,
		})
	}
	return out
}

// eventsToRecords adapts the log parser's AuthEvent shape to the ingest
// package's store-agnostic EventRecord, per spec §4.9 step 8.
func eventsToRecords(events []logparser.AuthEvent) []ingest.EventRecord {
	out := make([]ingest.EventRecord, 0, len(events))
	for _, ev := range events {
		out = append(out, ingest.EventRecord{
			SourceIP:    ev.SourceIP,
			Username:    ev.Username,
			AuthMethod:  ev.AuthMethod,
			EventType:   ev.EventType,
			EventTime:   ev.Timestamp,
			Fingerprint: ev.Fingerprint,
			RawLine:     ev.RawLine,
		})
	}
	return out
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// followChain implements spec §4.9 step 10: enqueue known source servers,
// probe and adopt reachable unknown ones, and classify the rest as
// unreachable sources.
func (e *Engine) followChain(ctx context.Context, tx store.Tx, target model.Server, events []logparser.AuthEvent, depth int) error {
	seen := make(map[string]bool)
	for _, ev := range events {
		if seen[ev.SourceIP] {
			continue
		}
		seen[ev.SourceIP] = true

		if e.visited[frontierKeyForIP(ev.SourceIP, target.SSHPort)] {
			e.frontier = append(e.frontier, frontierEntry{hostname: ev.SourceIP, port: target.SSHPort, depth: depth + 1})
			continue
		}

		existing, err := tx.ServersByIP(ctx, []string{ev.SourceIP})
		if err != nil {
			return trace.Wrap(err, "lookup source server")
		}
		if s, ok := existing[ev.SourceIP]; ok {
			e.frontier = append(e.frontier, frontierEntry{hostname: s.IPAddress, port: s.SSHPort, depth: depth + 1})
			continue
		}

		if e.classifier != nil && e.classifier.IsReachable(ctx, ev.SourceIP) {
			newServer, _, err := tx.GetOrCreateServer(ctx, store.ServerKeys{IPAddress: ev.SourceIP, SSHPort: target.SSHPort}, model.Server{
				Hostname:      ev.SourceIP,
				IPAddress:     ev.SourceIP,
				SSHPort:       target.SSHPort,
				OSType:        model.OSLinux,
				DiscoveredVia: model.DiscoveredScan,
			})
			if err != nil {
				return trace.Wrap(err, "insert discovered server")
			}
			e.frontier = append(e.frontier, frontierEntry{hostname: newServer.IPAddress, port: newServer.SSHPort, depth: depth + 1})
			continue
		}

		var fp string
		var sshKeyID *string
		if ev.Fingerprint != "" {
			fp = ev.Fingerprint
		}
		reverseDNS, severity := "", model.SeverityLow
		if e.classifier != nil {
			reverseDNS, severity = e.classifier.Classify(ctx, ev.SourceIP, ev.Username, fp)
		}
		var rdnsPtr *string
		if reverseDNS != "" {
			rdnsPtr = &reverseDNS
		}
		now := store.Now()
		u, created, err := tx.GetOrCreateUnreachableSource(ctx, store.UnreachableSourceKeys{
			SourceIP: ev.SourceIP, TargetServerID: target.ID, Fingerprint: "",
		}, model.UnreachableSource{
			ReverseDNS:     rdnsPtr,
			SSHKeyID:       sshKeyID,
			Username:       strPtr(ev.Username),
			FirstSeenAt:    now,
			LastSeenAt:     now,
			EventCount:     1,
			Severity:       severity,
		})
		if err != nil {
			return trace.Wrap(err, "upsert unreachable source")
		}
		if !created {
			u.EventCount++
			u.LastSeenAt = now
			if rdnsPtr != nil {
				u.ReverseDNS = rdnsPtr
			}
			if err := tx.UpdateUnreachableSource(ctx, u); err != nil {
				return trace.Wrap(err, "update unreachable source")
			}
		}
		e.progress.UnreachableFound++
	}
	return nil
}

func frontierKeyForIP(ip string, port int) string {
	return frontierKey(ip, port)
}
