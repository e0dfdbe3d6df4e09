package receiver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/keyspider/keyspider/internal/fingerprint"
	"github.com/keyspider/keyspider/internal/model"
	"github.com/keyspider/keyspider/internal/store"
)

func seedAgent(t *testing.T, st *store.MemoryStore, serverID, token string) {
	t.Helper()
	err := st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.UpsertAgentStatus(ctx, model.AgentStatus{
			ServerID:         serverID,
			DeploymentStatus: model.DeployDeploying,
			AgentTokenHash:   tokenHash(token),
		})
	})
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}
}

func newMux(st *store.MemoryStore) http.Handler {
	mux := http.NewServeMux()
	New(st).RegisterRoutes(mux)
	return mux
}

func TestHeartbeatRejectsMissingToken(t *testing.T) {
	st := store.NewMemoryStore()
	seedAgent(t, st, "srv-1", "tok-1")
	mux := newMux(st)

	req := httptest.NewRequest(http.MethodPost, "/api/agent/heartbeat", bytes.NewBufferString(`{"server_id":"srv-1"}`))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestHeartbeatRejectsWrongToken(t *testing.T) {
	st := store.NewMemoryStore()
	seedAgent(t, st, "srv-1", "tok-1")
	mux := newMux(st)

	req := httptest.NewRequest(http.MethodPost, "/api/agent/heartbeat", bytes.NewBufferString(`{"server_id":"srv-1"}`))
	req.Header.Set("Authorization", "Bearer wrong-token")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestHeartbeatAdvancesStatus(t *testing.T) {
	st := store.NewMemoryStore()
	seedAgent(t, st, "srv-1", "tok-1")
	mux := newMux(st)

	req := httptest.NewRequest(http.MethodPost, "/api/agent/heartbeat", bytes.NewBufferString(`{"server_id":"srv-1","agent_version":"1.2.3"}`))
	req.Header.Set("Authorization", "Bearer tok-1")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	err := st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		status, ok, err := tx.GetAgentStatus(ctx, "srv-1")
		if err != nil {
			return err
		}
		if !ok {
			t.Fatal("expected agent status to exist")
		}
		if status.DeploymentStatus != model.DeployActive {
			t.Fatalf("expected active, got %s", status.DeploymentStatus)
		}
		if status.LastHeartbeatAt == nil {
			t.Fatal("expected last_heartbeat_at to be set")
		}
		if status.AgentVersion == nil || *status.AgentVersion != "1.2.3" {
			t.Fatalf("expected agent_version refreshed, got %+v", status.AgentVersion)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestPriorTokenRejectedAfterRedeploy exercises spec §8's idempotence
// property: "Agent re-deploy with a new token replaces agent_token_hash;
// prior token authentications then return 401."
func TestPriorTokenRejectedAfterRedeploy(t *testing.T) {
	st := store.NewMemoryStore()
	seedAgent(t, st, "srv-1", "old-token")
	seedAgent(t, st, "srv-1", "new-token") // redeploy overwrites the hash

	mux := newMux(st)
	req := httptest.NewRequest(http.MethodPost, "/api/agent/heartbeat", bytes.NewBufferString(`{"server_id":"srv-1"}`))
	req.Header.Set("Authorization", "Bearer old-token")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected old token to be rejected after redeploy, got %d", w.Code)
	}
}

// TestEventsPersistAndReconcile exercises spec S6 end-to-end through the
// receiver: an authorized_keys location plus an accepted event, delivered
// as an agent payload, must promote the location to graph_layer=both.
func TestEventsPersistAndReconcile(t *testing.T) {
	st := store.NewMemoryStore()
	seedAgent(t, st, "srv-1", "tok-1")

	const pubKey = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIBCeX0vY5R9jklSdL7e4g0K3TkA1xu6zgKdZy8J6vQk0 deploy@ci"
	sha256fp, _, ok := fingerprint.Fingerprints(pubKey)
	if !ok {
		t.Fatal("test fixture key failed to fingerprint")
	}

	err := st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		key, _, err := tx.GetOrCreateKey(ctx, sha256fp, model.SSHKey{
			FingerprintSHA256: sha256fp, PublicKeyData: pubKey, FirstSeenAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		_, _, err = tx.GetOrCreateKeyLocation(ctx, store.KeyLocationKeys{SSHKeyID: key.ID, ServerID: "srv-1", FilePath: "/home/deploy/.ssh/authorized_keys"}, model.KeyLocation{
			FileType:   model.FileAuthorizedKeys,
			GraphLayer: model.LayerAuthorization,
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed key location: %v", err)
	}

	body, _ := json.Marshal(map[string]interface{}{
		"server_id": "srv-1",
		"events": []map[string]interface{}{{
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
			"source_ip":   "10.0.1.50",
			"username":    "deploy",
			"event_type":  "accepted",
			"fingerprint": sha256fp,
		}},
	})

	mux := newMux(st)
	req := httptest.NewRequest(http.MethodPost, "/api/agent/events", bytes.NewBuffer(body))
	req.Header.Set("Authorization", "Bearer tok-1")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	err = st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		locs, err := tx.KeyLocationsByServer(ctx, "srv-1")
		if err != nil {
			return err
		}
		if len(locs) != 1 {
			t.Fatalf("expected 1 location, got %d", len(locs))
		}
		if locs[0].GraphLayer != model.LayerBoth {
			t.Fatalf("expected location promoted to graph_layer=both, got %s", locs[0].GraphLayer)
		}

		paths, err := tx.AccessPathsByTarget(ctx, "srv-1")
		if err != nil {
			return err
		}
		if len(paths) != 1 || !paths[0].IsAuthorized || !paths[0].IsUsed {
			t.Fatalf("expected one authorized+used access path, got %+v", paths)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestKeysHandlerDropsUnfingerprintableLines(t *testing.T) {
	st := store.NewMemoryStore()
	seedAgent(t, st, "srv-1", "tok-1")

	body, _ := json.Marshal(map[string]interface{}{
		"server_id": "srv-1",
		"keys": []map[string]interface{}{
			{"public_key_data": "not a valid key", "file_path": "/x", "file_type": "authorized_keys"},
			{"public_key_data": "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIBCeX0vY5R9jklSdL7e4g0K3TkA1xu6zgKdZy8J6vQk0 a@b", "file_path": "/home/a/.ssh/authorized_keys", "file_type": "authorized_keys"},
		},
	})

	mux := newMux(st)
	req := httptest.NewRequest(http.MethodPost, "/api/agent/keys", bytes.NewBuffer(body))
	req.Header.Set("Authorization", "Bearer tok-1")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	err := st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		locs, err := tx.KeyLocationsByServer(ctx, "srv-1")
		if err != nil {
			return err
		}
		if len(locs) != 1 {
			t.Fatalf("expected only the valid key to persist, got %d locations", len(locs))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSudoEventsHandler(t *testing.T) {
	st := store.NewMemoryStore()
	seedAgent(t, st, "srv-1", "tok-1")

	body, _ := json.Marshal(map[string]interface{}{
		"server_id": "srv-1",
		"events": []map[string]interface{}{{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"username":  "alice",
			"command":   "/usr/bin/apt update",
			"success":   true,
		}},
	})

	mux := newMux(st)
	req := httptest.NewRequest(http.MethodPost, "/api/agent/sudo-events", bytes.NewBuffer(body))
	req.Header.Set("Authorization", "Bearer tok-1")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}
}
