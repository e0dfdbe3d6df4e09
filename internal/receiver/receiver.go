// Package receiver implements the four agent ingestion endpoints of
// SPEC_FULL.md §4.13 / §6: heartbeat, events, sudo-events, and keys. Each
// handler authenticates by hashing the bearer token and looking up
// AgentStatus by agent_token_hash, then reuses the same
// batch-correlate+persist logic the spider runs (internal/ingest), per
// spec §4.13's "Event and key payloads reuse the same batch-correlate and
// persist logic as the spider (§4.9 steps 7-9)". Handlers are registered
// on a caller-supplied *http.ServeMux, matching the teacher's
// checkin.RegisterRoutes convention — the receiver never owns its own
// router, since the REST/API layer that mounts it is an external
// collaborator (spec §1).
package receiver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/keyspider/keyspider/internal/fingerprint"
	"github.com/keyspider/keyspider/internal/ingest"
	"github.com/keyspider/keyspider/internal/model"
	"github.com/keyspider/keyspider/internal/reconciler"
	"github.com/keyspider/keyspider/internal/store"
)

// Receiver holds the persistence dependency the four endpoints share.
type Receiver struct {
	st store.Store
}

// New constructs a Receiver.
func New(st store.Store) *Receiver {
	return &Receiver{st: st}
}

// RegisterRoutes mounts the four endpoints on mux, matching the teacher's
// checkin.RegisterRoutes convention (one function, caller owns the mux).
func (r *Receiver) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/agent/heartbeat", r.handleHeartbeat)
	mux.HandleFunc("POST /api/agent/events", r.handleEvents)
	mux.HandleFunc("POST /api/agent/sudo-events", r.handleSudoEvents)
	mux.HandleFunc("POST /api/agent/keys", r.handleKeys)
}

func tokenHash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// authenticate resolves the bearer token in the Authorization header to
// its AgentStatus, per spec §4.13: "all four ingestion endpoints
// authenticate via Authorization: Bearer <token>, looking up AgentStatus
// by sha256(token) = agent_token_hash." Token absence or mismatch is a
// 401, per spec §7.
func (r *Receiver) authenticate(req *http.Request) (model.AgentStatus, bool) {
	h := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return model.AgentStatus{}, false
	}
	raw := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	if raw == "" {
		return model.AgentStatus{}, false
	}
	return r.lookupStatus(req, tokenHash(raw))
}

func (r *Receiver) lookupStatus(req *http.Request, hash string) (model.AgentStatus, bool) {
	var status model.AgentStatus
	var found bool
	err := r.st.WithTx(req.Context(), func(ctx context.Context, tx store.Tx) error {
		s, ok, err := tx.AgentStatusByTokenHash(ctx, hash)
		if err != nil {
			return err
		}
		status, found = s, ok
		return nil
	})
	if err != nil {
		return model.AgentStatus{}, false
	}
	return status, found
}

func writeErr(w http.ResponseWriter, status int, kind string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": kind})
}

type heartbeatRequest struct {
	ServerID     string     `json:"server_id"`
	AgentVersion string     `json:"agent_version,omitempty"`
	Timestamp    *time.Time `json:"timestamp,omitempty"`
}

// handleHeartbeat advances last_heartbeat_at, sets deployment_status=active,
// and refreshes agent_version, per spec §4.13.
func (r *Receiver) handleHeartbeat(w http.ResponseWriter, req *http.Request) {
	status, ok := r.authenticate(req)
	if !ok {
		writeErr(w, http.StatusUnauthorized, "auth")
		return
	}

	var body heartbeatRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "validation")
		return
	}

	now := time.Now().UTC()
	if body.Timestamp != nil {
		now = body.Timestamp.UTC()
	}
	status.LastHeartbeatAt = &now
	status.DeploymentStatus = model.DeployActive
	if body.AgentVersion != "" {
		v := body.AgentVersion
		status.AgentVersion = &v
	}

	err := r.st.WithTx(req.Context(), func(ctx context.Context, tx store.Tx) error {
		return tx.UpsertAgentStatus(ctx, status)
	})
	if err != nil {
		log.Printf("[receiver] heartbeat persist: %v", err)
		writeErr(w, http.StatusInternalServerError, "persistence")
		return
	}
	w.WriteHeader(http.StatusNoContent)
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

// handleEvents reuses the spider's batch-correlate+persist+reconcile
// sequence (internal/ingest, internal/reconciler) inside one transaction
// per received payload, per spec §4.8/§4.13.
func (r *Receiver) handleEvents(w http.ResponseWriter, req *http.Request) {
	status, ok := r.authenticate(req)
	if !ok {
		writeErr(w, http.StatusUnauthorized, "auth")
		return
	}

	var body eventsRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "validation")
		return
	}
	if body.ServerID == "" {
		body.ServerID = status.ServerID
	}

	records := make([]ingest.EventRecord, 0, len(body.Events))
	for _, ev := range body.Events {
		records = append(records, ingest.EventRecord{
			SourceIP:    ev.SourceIP,
			Username:    ev.Username,
			AuthMethod:  ev.AuthMethod,
			EventType:   model.EventType(ev.EventType),
			EventTime:   ev.Timestamp,
			Fingerprint: ev.Fingerprint,
			RawLine:     ev.RawLine,
		})
	}

	err := r.st.WithTx(req.Context(), func(ctx context.Context, tx store.Tx) error {
		if err := ingest.PersistEvents(ctx, tx, body.ServerID, records, model.LogSourceAgent); err != nil {
			return err
		}
		if err := reconciler.Reconcile(ctx, tx, body.ServerID); err != nil {
			return err
		}
		now := time.Now().UTC()
		status.LastEventAt = &now
		return tx.UpsertAgentStatus(ctx, status)
	})
	if err != nil {
		log.Printf("[receiver] events persist: %v", err)
		writeErr(w, http.StatusInternalServerError, "persistence")
		return
	}
	w.WriteHeader(http.StatusNoContent)
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

func (r *Receiver) handleSudoEvents(w http.ResponseWriter, req *http.Request) {
	status, ok := r.authenticate(req)
	if !ok {
		writeErr(w, http.StatusUnauthorized, "auth")
		return
	}

	var body sudoEventsRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "validation")
		return
	}
	if body.ServerID == "" {
		body.ServerID = status.ServerID
	}

	events := make([]model.SudoEvent, 0, len(body.Events))
	for _, ev := range body.Events {
		events = append(events, model.SudoEvent{
			ServerID:   body.ServerID,
			Username:   ev.Username,
			Command:    optStr(ev.Command),
			TargetUser: optStr(ev.TargetUser),
			WorkingDir: optStr(ev.WorkingDir),
			TTY:        optStr(ev.TTY),
			EventTime:  ev.Timestamp,
			Success:    ev.Success,
			RawLogLine: ev.RawLine,
		})
	}

	err := r.st.WithTx(req.Context(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertSudoEvents(ctx, events)
	})
	if err != nil {
		log.Printf("[receiver] sudo events persist: %v", err)
		writeErr(w, http.StatusInternalServerError, "persistence")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type keyPayload struct {
	PublicKeyData   string `json:"public_key_data"`
	FilePath        string `json:"file_path"`
	FileType        string `json:"file_type"`
	UnixOwner       string `json:"unix_owner,omitempty"`
	UnixPermissions string `json:"unix_permissions,omitempty"`
	FileMtime       *int64 `json:"file_mtime,omitempty"`
	FileSize        *int64 `json:"file_size,omitempty"`
	IsHostKey       bool   `json:"is_host_key"`
}

type keysRequest struct {
	ServerID string       `json:"server_id"`
	Keys     []keyPayload `json:"keys"`
}

// handleKeys decodes each key's public_key_data to derive fingerprints
// (the agent never computes or sends them, keeping the fingerprint
// algorithm in one place per spec §4.1) and reuses ingest.PersistKeys.
func (r *Receiver) handleKeys(w http.ResponseWriter, req *http.Request) {
	status, ok := r.authenticate(req)
	if !ok {
		writeErr(w, http.StatusUnauthorized, "auth")
		return
	}

	var body keysRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "validation")
		return
	}
	if body.ServerID == "" {
		body.ServerID = status.ServerID
	}

	records := make([]ingest.KeyRecord, 0, len(body.Keys))
	for _, k := range body.Keys {
		rec, ok := decodeKeyPayload(k)
		if !ok {
			continue // unfingerprintable lines are dropped, per spec §4.5
		}
		records = append(records, rec)
	}

	err := r.st.WithTx(req.Context(), func(ctx context.Context, tx store.Tx) error {
		if err := ingest.PersistKeys(ctx, tx, body.ServerID, records, time.Now().UTC()); err != nil {
			return err
		}
		return reconciler.Reconcile(ctx, tx, body.ServerID)
	})
	if err != nil {
		log.Printf("[receiver] keys persist: %v", err)
		writeErr(w, http.StatusInternalServerError, "persistence")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// decodeKeyPayload derives SHA256/MD5 fingerprints and key type from the
// agent-reported public_key_data, matching the spider's keyscanner
// behavior (spec §4.5: "records without at least one valid fingerprint are
// dropped").
func decodeKeyPayload(k keyPayload) (ingest.KeyRecord, bool) {
	sha256fp, md5fp, ok := fingerprint.Fingerprints(k.PublicKeyData)
	if !ok {
		return ingest.KeyRecord{}, false
	}

	var mtime *time.Time
	if k.FileMtime != nil {
		t := time.Unix(*k.FileMtime, 0).UTC()
		mtime = &t
	}

	return ingest.KeyRecord{
		FingerprintSHA256: sha256fp,
		FingerprintMD5:    md5fp,
		KeyType:           model.KeyType(fingerprint.DetectKeyType(k.PublicKeyData)),
		PublicKeyData:     k.PublicKeyData,
		Comment:           fingerprint.ExtractComment(k.PublicKeyData),
		Owner:             k.UnixOwner,
		Path:              k.FilePath,
		FileType:          model.FileType(k.FileType),
		IsHostKey:         k.IsHostKey,
		Mtime:             mtime,
		Size:              k.FileSize,
		Perms:             k.UnixPermissions,
	}, true
}
