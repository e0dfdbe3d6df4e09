package unreachable

import (
	"context"
	"testing"

	"github.com/keyspider/keyspider/internal/model"
)

func TestSeverityRules(t *testing.T) {
	cases := []struct {
		name        string
		sourceIP    string
		username    string
		fingerprint string
		want        model.Severity
	}{
		{"root with fingerprint is critical", "8.8.8.8", "root", "SHA256:abc", model.SeverityCritical},
		{"non-root public fingerprint is high", "8.8.8.8", "deploy", "SHA256:abc", model.SeverityHigh},
		{"non-root private fingerprint is medium", "10.0.0.5", "deploy", "SHA256:abc", model.SeverityMedium},
		{"root private fingerprint is still critical", "10.0.0.5", "root", "SHA256:abc", model.SeverityCritical},
		{"no fingerprint is low regardless of user", "8.8.8.8", "root", "", model.SeverityLow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Severity(tc.sourceIP, tc.username, tc.fingerprint)
			if got != tc.want {
				t.Fatalf("Severity(%q, %q, %q) = %q, want %q", tc.sourceIP, tc.username, tc.fingerprint, got, tc.want)
			}
		})
	}
}

func TestIsPrivate(t *testing.T) {
	cases := []struct {
		ip   string
		want bool
	}{
		{"10.0.0.1", true},
		{"172.16.5.1", true},
		{"192.168.1.1", true},
		{"8.8.8.8", false},
		{"not-an-ip", false},
	}
	for _, tc := range cases {
		if got := isPrivate(tc.ip); got != tc.want {
			t.Fatalf("isPrivate(%q) = %v, want %v", tc.ip, got, tc.want)
		}
	}
}

func TestIsReachableCachesProbeResult(t *testing.T) {
	calls := 0
	c := New(func(ctx context.Context, ip string) bool {
		calls++
		return true
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if !c.IsReachable(ctx, "10.0.0.1") {
			t.Fatal("expected reachable")
		}
	}
	if calls != 1 {
		t.Fatalf("expected the probe to run once and then be cached, got %d calls", calls)
	}
}

func TestIsReachableProbesEachDistinctIPIndependently(t *testing.T) {
	seen := make(map[string]bool)
	c := New(func(ctx context.Context, ip string) bool {
		seen[ip] = true
		return ip == "10.0.0.1"
	})

	ctx := context.Background()
	if !c.IsReachable(ctx, "10.0.0.1") {
		t.Fatal("expected 10.0.0.1 reachable")
	}
	if c.IsReachable(ctx, "10.0.0.2") {
		t.Fatal("expected 10.0.0.2 unreachable")
	}
	if len(seen) != 2 {
		t.Fatalf("expected both IPs probed, got %v", seen)
	}
}
