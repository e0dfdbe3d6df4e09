package sshpool

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
)

func testPool(t *testing.T) *Pool {
	t.Helper()
	dir := t.TempDir()
	return New(Options{Max: 4, PerHost: 2, KnownHostsPath: filepath.Join(dir, "known_hosts")})
}

func testPublicKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("new public key: %v", err)
	}
	return sshPub
}

func TestHostKey(t *testing.T) {
	if got := hostKey("10.0.0.1", 22); got != "10.0.0.1:22" {
		t.Errorf("hostKey() = %q, want %q", got, "10.0.0.1:22")
	}
}

func TestTOFUAcceptsFirstContactAndPersists(t *testing.T) {
	p := testPool(t)
	key := testPublicKey(t)

	if err := p.tofuHostKeyCallback("10.0.0.5:22", nil, key); err != nil {
		t.Fatalf("first contact should be trusted: %v", err)
	}

	data, err := os.ReadFile(p.knownHostsPath)
	if err != nil || len(data) == 0 {
		t.Fatalf("expected known_hosts to be persisted: %v", err)
	}

	// Same key again is fine.
	if err := p.tofuHostKeyCallback("10.0.0.5:22", nil, key); err != nil {
		t.Fatalf("matching key should be accepted: %v", err)
	}
}

func TestTOFURejectsChangedKey(t *testing.T) {
	p := testPool(t)
	first := testPublicKey(t)
	second := testPublicKey(t)

	if err := p.tofuHostKeyCallback("10.0.0.9:22", nil, first); err != nil {
		t.Fatalf("first contact should be trusted: %v", err)
	}
	if err := p.tofuHostKeyCallback("10.0.0.9:22", nil, second); err == nil {
		t.Fatalf("expected a changed host key to be rejected")
	}
}

func TestReleaseUnknownIDStillFreesSlot(t *testing.T) {
	p := testPool(t)

	// Occupy the semaphore as Acquire would, then release by a bogus id.
	p.sem <- struct{}{}
	p.Release("not-a-real-handle-id")

	select {
	case p.sem <- struct{}{}:
	default:
		t.Fatal("expected the semaphore slot to be freed by Release, even for an unknown id")
	}
	<-p.sem
}

func TestStatsReflectsPerHostAndInUseCounts(t *testing.T) {
	p := testPool(t)
	p.entries["a"] = &entry{id: "a", host: "10.0.0.1:22", inUse: true}
	p.entries["b"] = &entry{id: "b", host: "10.0.0.1:22", inUse: false}
	p.perHostCount["10.0.0.1:22"] = 2

	stats := p.Stats()
	if stats.TotalEntries != 2 || stats.InUse != 1 || stats.PerHost["10.0.0.1:22"] != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
