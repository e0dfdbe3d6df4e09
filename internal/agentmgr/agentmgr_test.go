package agentmgr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/keyspider/keyspider/internal/model"
	"github.com/keyspider/keyspider/internal/sshpool"
	"github.com/keyspider/keyspider/internal/store"
)

func TestGenerateTokenIsUniqueAndHashesConsistently(t *testing.T) {
	token1, hash1, err := generateToken()
	if err != nil {
		t.Fatal(err)
	}
	token2, hash2, err := generateToken()
	if err != nil {
		t.Fatal(err)
	}
	if token1 == token2 {
		t.Fatal("expected two distinct random tokens")
	}
	sum := sha256.Sum256([]byte(token1))
	if hash1 != hex.EncodeToString(sum[:]) {
		t.Fatal("expected the hash to be the hex SHA-256 of the token")
	}

	_, rehash, err := generateToken()
	if err != nil {
		t.Fatal(err)
	}
	if rehash == hash1 || rehash == hash2 {
		t.Fatal("expected a fresh call to produce a fresh hash")
	}
}

// TestThrottledAfterConsecutiveFailures exercises spec §4.13a's escalation
// rule: a server backs off only after maxConsecutiveFailures in a row.
func TestThrottledAfterConsecutiveFailures(t *testing.T) {
	m := New(sshpool.New(sshpool.Options{}), store.NewMemoryStore(), sshpool.Auth{}, "https://receiver.example")

	if m.throttled("srv-1") {
		t.Fatal("expected no throttle before any attempt")
	}

	for i := 0; i < maxConsecutiveFailures-1; i++ {
		m.recordAttempt("srv-1", false)
	}
	if m.throttled("srv-1") {
		t.Fatal("expected no throttle before reaching the failure threshold")
	}

	m.recordAttempt("srv-1", false)
	if !m.throttled("srv-1") {
		t.Fatal("expected throttle after reaching the failure threshold")
	}

	m.recordAttempt("srv-1", true)
	if m.throttled("srv-1") {
		t.Fatal("expected a success to reset the throttle")
	}
}

// TestSweepInactiveMarksStaleHeartbeats exercises spec §4.13's periodic
// health task: an active agent whose last heartbeat is older than
// agentInactiveThreshold flips to DeployInactive; a fresh one does not; and
// a never-deployed agent is left alone.
func TestSweepInactiveMarksStaleHeartbeats(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	stale := time.Now().UTC().Add(-10 * time.Minute)
	fresh := time.Now().UTC().Add(-1 * time.Minute)

	err := st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, s := range []model.AgentStatus{
			{ServerID: "srv-stale", DeploymentStatus: model.DeployActive, LastHeartbeatAt: &stale, AgentTokenHash: "h1"},
			{ServerID: "srv-fresh", DeploymentStatus: model.DeployActive, LastHeartbeatAt: &fresh, AgentTokenHash: "h2"},
			{ServerID: "srv-new", DeploymentStatus: model.DeployNotDeployed, AgentTokenHash: "h3"},
		} {
			if err := tx.UpsertAgentStatus(ctx, s); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed agent statuses: %v", err)
	}

	marked, err := SweepInactive(ctx, st)
	if err != nil {
		t.Fatalf("SweepInactive: %v", err)
	}
	if marked != 1 {
		t.Fatalf("expected exactly 1 agent marked inactive, got %d", marked)
	}

	err = st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		stale, _, err := tx.GetAgentStatus(ctx, "srv-stale")
		if err != nil {
			return err
		}
		if stale.DeploymentStatus != model.DeployInactive {
			t.Fatalf("expected srv-stale to be DeployInactive, got %s", stale.DeploymentStatus)
		}

		fresh, _, err := tx.GetAgentStatus(ctx, "srv-fresh")
		if err != nil {
			return err
		}
		if fresh.DeploymentStatus != model.DeployActive {
			t.Fatalf("expected srv-fresh to remain DeployActive, got %s", fresh.DeploymentStatus)
		}

		notDeployed, _, err := tx.GetAgentStatus(ctx, "srv-new")
		if err != nil {
			return err
		}
		if notDeployed.DeploymentStatus != model.DeployNotDeployed {
			t.Fatalf("expected srv-new to remain DeployNotDeployed, got %s", notDeployed.DeploymentStatus)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify agent statuses: %v", err)
	}
}
