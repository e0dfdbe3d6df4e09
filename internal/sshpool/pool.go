// Package sshpool implements a bounded, health-checked pool of SSH
// connections shared by the spider (whose sessions the key scanner reads
// through) and the agent manager; the watcher dials its own sessions
// through its Dialer. It generalizes the teacher's internal/sshexec connection cache
// (LRU map, TOFU host-key verification, exponential-backoff dialing) from a
// single-connection-per-hostname cache into a capacity-bounded pool keyed by
// (ip, port), because the spider fans out across many hosts concurrently
// instead of one appliance target at a time.
//
// The critical invariant: the pool mutex guards only map bookkeeping. Every
// network call — health check, dial, handshake, close — happens with the
// lock released. Holding it across I/O would serialize the whole crawl on
// one host's network latency.
package sshpool

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/ssh"
)

const (
	healthCheckTimeout = 5 * time.Second
	dialTimeout        = 10 * time.Second
	maxDialAttempts    = 3
)

// backoffDelays holds the wait before each retry attempt after the first;
// a pool capped at maxDialAttempts never reaches the third element, which is
// kept only so the sequence documents where the doubling would continue.
var backoffDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// Auth describes how to authenticate to a host. Exactly one of PrivateKeyPEM
// or Password must be set.
type Auth struct {
	Username      string
	PrivateKeyPEM string
	Password      string
}

func (a Auth) methods() ([]ssh.AuthMethod, error) {
	if a.PrivateKeyPEM != "" {
		signer, err := ssh.ParsePrivateKey([]byte(a.PrivateKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	if a.Password != "" {
		return []ssh.AuthMethod{ssh.Password(a.Password)}, nil
	}
	return nil, fmt.Errorf("no auth method for user %s", a.Username)
}

// entry is one pooled connection.
type entry struct {
	id     string
	host   string // "ip:port"
	client *ssh.Client
	inUse  bool
}

// Handle is a checked-out connection. Callers must Release it by ID.
type Handle struct {
	ID     string
	Client *ssh.Client
}

// Options configures a Pool.
type Options struct {
	Max            int // global cap on concurrently in-use handles
	PerHost        int // cap on live connections (idle+in-use) per host
	KnownHostsPath string
}

// Pool is a bounded, per-host-capped SSH connection pool.
type Pool struct {
	mu             sync.Mutex
	entries        map[string]*entry // by handle id
	perHostCount   map[string]int
	hostKeys       map[string]ssh.PublicKey
	knownHostsPath string
	perHost        int
	sem            chan struct{} // capacity Max; held while a handle is checked out

	sessionsInUse   prometheus.Gauge
	sessionsTotal   prometheus.Gauge
	connectFailures prometheus.Counter
}

// New constructs a Pool and loads any persisted TOFU host keys.
func New(opts Options) *Pool {
	if opts.Max <= 0 {
		opts.Max = 200
	}
	if opts.PerHost <= 0 {
		opts.PerHost = 4
	}
	if opts.KnownHostsPath == "" {
		opts.KnownHostsPath = "/var/lib/keyspider/ssh_known_hosts"
	}

	p := &Pool{
		entries:        make(map[string]*entry),
		perHostCount:   make(map[string]int),
		hostKeys:       make(map[string]ssh.PublicKey),
		knownHostsPath: opts.KnownHostsPath,
		perHost:        opts.PerHost,
		sem:            make(chan struct{}, opts.Max),

		sessionsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keyspider_ssh_pool_sessions_in_use",
			Help: "Number of SSH sessions currently checked out of the pool.",
		}),
		sessionsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keyspider_ssh_pool_sessions_total",
			Help: "Number of live SSH connections held by the pool, idle or in use.",
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keyspider_ssh_pool_connect_failures_total",
			Help: "Count of SSH connection attempts that exhausted all retries.",
		}),
	}
	prometheus.DefaultRegisterer.Register(p.sessionsInUse)
	prometheus.DefaultRegisterer.Register(p.sessionsTotal)
	prometheus.DefaultRegisterer.Register(p.connectFailures)

	p.loadKnownHosts()
	return p
}

func hostKey(ip string, port int) string {
	return ip + ":" + strconv.Itoa(port)
}

// Acquire checks out a connection to (ip, port), reusing an idle one for
// that host when possible, or opening a new one within the per-host and
// global caps.
func (p *Pool) Acquire(ctx context.Context, ip string, port int, auth Auth) (*Handle, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}

	host := hostKey(ip, port)

	if h, ok := p.takeIdle(host); ok {
		if p.healthCheck(h.client) {
			return &Handle{ID: h.id, Client: h.client}, nil
		}
		p.dropEntry(h.id, host)
	}

	p.mu.Lock()
	if p.perHostCount[host] >= p.perHost {
		p.mu.Unlock()
		<-p.sem
		return nil, trace.LimitExceeded("ssh pool: per-host limit reached for %s", host)
	}
	p.perHostCount[host]++
	p.mu.Unlock()

	client, err := p.dial(ctx, ip, port, auth)
	if err != nil {
		p.mu.Lock()
		p.perHostCount[host]--
		p.mu.Unlock()
		<-p.sem
		p.connectFailures.Inc()
		return nil, trace.ConnectionProblem(err, "ssh connect to %s failed", host)
	}

	id := uuid.NewString()
	p.mu.Lock()
	p.entries[id] = &entry{id: id, host: host, client: client, inUse: true}
	p.mu.Unlock()
	p.sessionsTotal.Inc()
	p.sessionsInUse.Inc()

	return &Handle{ID: id, Client: client}, nil
}

// takeIdle marks an idle entry for host as in-use and returns it.
func (p *Pool) takeIdle(host string) (*entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.host == host && !e.inUse {
			e.inUse = true
			p.sessionsInUse.Inc()
			return e, true
		}
	}
	return nil, false
}

// dropEntry closes and forgets an entry after a failed health check.
func (p *Pool) dropEntry(id, host string) {
	p.mu.Lock()
	e, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
		p.perHostCount[host]--
	}
	p.mu.Unlock()
	if ok {
		e.client.Close()
		p.sessionsTotal.Dec()
		p.sessionsInUse.Dec()
	}
}

// healthCheck runs "echo ok" over a fresh session with a 5-second deadline.
func (p *Pool) healthCheck(client *ssh.Client) bool {
	session, err := client.NewSession()
	if err != nil {
		return false
	}
	defer session.Close()

	done := make(chan error, 1)
	go func() { done <- session.Run("echo ok") }()

	select {
	case err := <-done:
		return err == nil
	case <-time.After(healthCheckTimeout):
		return false
	}
}

// dial opens a new SSH connection with exponential backoff.
func (p *Pool) dial(ctx context.Context, ip string, port int, auth Auth) (*ssh.Client, error) {
	methods, err := auth.methods()
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            auth.Username,
		Auth:            methods,
		HostKeyCallback: p.tofuHostKeyCallback,
		Timeout:         dialTimeout,
	}
	addr := net.JoinHostPort(ip, strconv.Itoa(port))

	var lastErr error
	for attempt := 0; attempt < maxDialAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoffDelays[attempt-1]):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		client, err := ssh.Dial("tcp", addr, config)
		if err == nil {
			return client, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Release returns a handle's semaphore slot. An unknown id is a no-op that
// still frees the slot, so a caller bug (double-release, lost handle) can
// never leak pool capacity.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	if e, ok := p.entries[id]; ok {
		e.inUse = false
		p.sessionsInUse.Dec()
	}
	p.mu.Unlock()
	<-p.sem
}

// CloseAll drops every pooled connection. Callers must ensure no handle is
// checked out when calling this.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.perHostCount = make(map[string]int)
	p.mu.Unlock()

	for _, e := range entries {
		e.client.Close()
	}
	p.sessionsTotal.Set(0)
	p.sessionsInUse.Set(0)
}

// tofuHostKeyCallback trusts a host's key on first contact and persists it;
// a later mismatch is rejected as a possible MITM attack.
func (p *Pool) tofuHostKeyCallback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	host, _, err := net.SplitHostPort(hostname)
	if err != nil {
		host = hostname
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	existing, known := p.hostKeys[host]
	if !known {
		p.hostKeys[host] = key
		p.saveKnownHostsLocked()
		return nil
	}
	if string(existing.Marshal()) == string(key.Marshal()) {
		return nil
	}
	return fmt.Errorf("host key mismatch for %s: expected %s, got %s (remove from %s to accept the new key)",
		host, ssh.FingerprintSHA256(existing), ssh.FingerprintSHA256(key), p.knownHostsPath)
}

func (p *Pool) loadKnownHosts() {
	data, err := os.ReadFile(p.knownHostsPath)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		pubKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.Join(fields[1:], " ")))
		if err != nil {
			continue
		}
		p.hostKeys[fields[0]] = pubKey
	}
}

// saveKnownHostsLocked persists all known host keys to disk. Must be called
// with p.mu held.
func (p *Pool) saveKnownHostsLocked() {
	dir := filepath.Dir(p.knownHostsPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	var buf strings.Builder
	buf.WriteString("# keyspider TOFU known hosts\n")
	for host, key := range p.hostKeys {
		buf.WriteString(host + " " + string(ssh.MarshalAuthorizedKey(key)))
	}
	_ = os.WriteFile(p.knownHostsPath, []byte(buf.String()), 0o600)
}

// Stats reports current pool occupancy, mainly for tests.
type Stats struct {
	TotalEntries int
	InUse        int
	PerHost      map[string]int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{PerHost: make(map[string]int, len(p.perHostCount))}
	for h, c := range p.perHostCount {
		s.PerHost[h] = c
	}
	s.TotalEntries = len(p.entries)
	for _, e := range p.entries {
		if e.inUse {
			s.InUse++
		}
	}
	return s
}
