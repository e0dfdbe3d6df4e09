// Package unreachable classifies a source IP observed in a reachable
// target's logs that the scanner itself cannot reach: reverse DNS lookup,
// private-range test, and severity assignment, per SPEC_FULL.md §4.7.
// Reverse DNS is cached in-process with the same TTL-map shape as the
// reachability probe cache below — github.com/rs/dnscache (the
// rcourtman-Pulse go.mod's caching resolver) only caches forward A/AAAA
// lookups, so it cannot serve a PTR result and is not used here; see
// DESIGN.md for the dropped-dependency note.
package unreachable

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/keyspider/keyspider/internal/model"
)

// reachabilityTTL is how long a reachability probe result is cached per
// spec §4.7 ("cached reachability probe ... TTL 1 hour").
const reachabilityTTL = time.Hour

var privateRanges = func() []*net.IPNet {
	cidrs := []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "fc00::/7"}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err) // static input, cannot fail
		}
		nets = append(nets, n)
	}
	return nets
}()

// isPrivate reports whether ip falls in one of the private ranges named in
// spec §4.7 severity rule 2/3.
func isPrivate(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range privateRanges {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// ProbeFunc reports whether a source IP is reachable from the scanner
// (typically a pool-backed open-then-close connect attempt). Classifier
// never dials directly — it is agnostic to transport.
type ProbeFunc func(ctx context.Context, ip string) bool

type probeCacheEntry struct {
	reachable bool
	expiresAt time.Time
}

// reverseDNSTTL bounds how long a PTR lookup result is reused before
// ReverseDNS re-resolves it. A repeat-offender source IP otherwise
// triggers a fresh reverse lookup on every scan cycle it reappears in.
const reverseDNSTTL = time.Hour

type reverseDNSCacheEntry struct {
	host      string
	ok        bool
	expiresAt time.Time
}

// Classifier assigns severity to unreachable sources and performs cached
// reachability probing and reverse DNS.
type Classifier struct {
	probe ProbeFunc

	mu         sync.Mutex
	probeCache map[string]probeCacheEntry
	rdnsCache  map[string]reverseDNSCacheEntry
}

// New constructs a Classifier. probe is called (with the probe cache
// consulted first) to determine whether a source IP is reachable.
func New(probe ProbeFunc) *Classifier {
	return &Classifier{
		probe:      probe,
		probeCache: make(map[string]probeCacheEntry),
		rdnsCache:  make(map[string]reverseDNSCacheEntry),
	}
}

// IsReachable returns the cached reachability probe for ip, refreshing it
// through c.probe if the cache entry is absent or older than
// reachabilityTTL.
func (c *Classifier) IsReachable(ctx context.Context, ip string) bool {
	c.mu.Lock()
	entry, ok := c.probeCache[ip]
	c.mu.Unlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.reachable
	}

	reachable := c.probe(ctx, ip)

	c.mu.Lock()
	c.probeCache[ip] = probeCacheEntry{reachable: reachable, expiresAt: time.Now().Add(reachabilityTTL)}
	c.mu.Unlock()
	return reachable
}

// ReverseDNS performs a best-effort reverse lookup, returning ok=false on
// any failure (spec §4.7: "failures -> absent"). The result is cached for
// reverseDNSTTL so a repeat-offender source IP does not trigger a fresh PTR
// lookup on every scan cycle it reappears in.
func (c *Classifier) ReverseDNS(ctx context.Context, ip string) (string, bool) {
	c.mu.Lock()
	entry, cached := c.rdnsCache[ip]
	c.mu.Unlock()
	if cached && time.Now().Before(entry.expiresAt) {
		return entry.host, entry.ok
	}

	hosts, err := net.DefaultResolver.LookupAddr(ctx, ip)
	host, ok := "", false
	if err == nil && len(hosts) > 0 {
		host, ok = hosts[0], true
	}

	c.mu.Lock()
	c.rdnsCache[ip] = reverseDNSCacheEntry{host: host, ok: ok, expiresAt: time.Now().Add(reverseDNSTTL)}
	c.mu.Unlock()
	return host, ok
}

// Severity applies the first-match-wins rules of spec §4.7.
func Severity(sourceIP, username, fingerprint string) model.Severity {
	hasFingerprint := fingerprint != ""
	switch {
	case username == "root" && hasFingerprint:
		return model.SeverityCritical
	case hasFingerprint && !isPrivate(sourceIP):
		return model.SeverityHigh
	case hasFingerprint && isPrivate(sourceIP):
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

// Classify resolves reverse DNS and assigns severity for one observed
// unreachable source. It does not touch persistence — callers (the spider)
// own the get-or-create against the store.
func (c *Classifier) Classify(ctx context.Context, sourceIP, username, fingerprint string) (reverseDNS string, severity model.Severity) {
	rdns, ok := c.ReverseDNS(ctx, sourceIP)
	if ok {
		reverseDNS = rdns
	}
	severity = Severity(sourceIP, username, fingerprint)
	return reverseDNS, severity
}
