// Package store defines the persistence interface the core requires
// (SPEC_FULL.md §4.8) and provides two implementations: an in-memory Store
// used by the agentmgr/reconciler/graph/receiver packages' test suites,
// and a Postgres-backed Store (postgres.go) grounded in the
// teacher's internal/checkin/db.go pgx usage.
package store

import (
	"context"
	"time"

	"github.com/keyspider/keyspider/internal/model"
)

// ServerKeys identifies a Server for get-or-create purposes: the
// (ip_address, ssh_port) uniqueness pair from SPEC_FULL.md §3.
type ServerKeys struct {
	IPAddress string
	SSHPort   int
}

// KeyLocationKeys identifies a KeyLocation for get-or-create purposes: the
// (ssh_key_id, server_id, file_path) uniqueness triple.
type KeyLocationKeys struct {
	SSHKeyID string
	ServerID string
	FilePath string
}

// AccessPathKeys identifies an AccessPath for get-or-create purposes: the
// four-tuple (source_server_id?, target_server_id, ssh_key_id?, username),
// with NULLs represented as empty strings per model.PathKey.
type AccessPathKeys = model.PathKey

// UnreachableSourceKeys identifies an UnreachableSource for get-or-create
// purposes: (source_ip, target_server_id, fingerprint) — fingerprint is
// empty when absent, per SPEC_FULL.md §4.9 step 10.
type UnreachableSourceKeys struct {
	SourceIP       string
	TargetServerID string
	Fingerprint    string
}

// PageRequest is the pagination helper's input: an offset and a limit
// applied to the selection the Tx method itself already filters (for
// example AccessEventsByTarget's target server).
type PageRequest struct {
	Offset int
	Limit  int
}

// Store is the persistence contract the core consumes, per SPEC_FULL.md
// §4.8. Every Upsert/GetOrCreate is atomic and keyed by the subset of
// fields named in its Keys parameter; Defaults are applied only on insert.
type Store interface {
	// Transactional commit boundary: one per processed host (spider) or
	// per received agent payload (receiver). The reconciler must run
	// inside the same transaction fn passes to its callback.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the transactional handle passed into WithTx's callback. All writes
// for one host-scan or one agent-payload go through a single Tx so a
// failure partway through aborts the whole unit, per spec §7.
type Tx interface {
	GetOrCreateServer(ctx context.Context, keys ServerKeys, defaults model.Server) (model.Server, bool, error)
	UpdateServer(ctx context.Context, s model.Server) error
	DeleteServer(ctx context.Context, serverID string) error
	ServersByIP(ctx context.Context, ips []string) (map[string]model.Server, error)
	GetServer(ctx context.Context, serverID string) (model.Server, bool, error)

	GetOrCreateKey(ctx context.Context, fingerprintSHA256 string, defaults model.SSHKey) (model.SSHKey, bool, error)
	UpdateKey(ctx context.Context, k model.SSHKey) error
	KeysByFingerprint(ctx context.Context, fingerprints []string) (map[string]model.SSHKey, error)

	GetOrCreateKeyLocation(ctx context.Context, keys KeyLocationKeys, defaults model.KeyLocation) (model.KeyLocation, bool, error)
	UpdateKeyLocation(ctx context.Context, l model.KeyLocation) error
	KeyLocationsByServer(ctx context.Context, serverID string) ([]model.KeyLocation, error)

	InsertAccessEvents(ctx context.Context, events []model.AccessEvent) error
	AccessEventsByTarget(ctx context.Context, targetServerID string, page PageRequest) ([]model.AccessEvent, error)

	GetOrCreateAccessPath(ctx context.Context, keys AccessPathKeys, defaults model.AccessPath) (model.AccessPath, bool, error)
	UpdateAccessPath(ctx context.Context, p model.AccessPath) error
	AccessPathsByTarget(ctx context.Context, targetServerID string) ([]model.AccessPath, error)
	AccessPathsByKey(ctx context.Context, sshKeyID string) ([]model.AccessPath, error)
	AllActiveAccessPaths(ctx context.Context) ([]model.AccessPath, error)

	GetOrCreateUnreachableSource(ctx context.Context, keys UnreachableSourceKeys, defaults model.UnreachableSource) (model.UnreachableSource, bool, error)
	UpdateUnreachableSource(ctx context.Context, u model.UnreachableSource) error
	AllUnreachableSources(ctx context.Context) ([]model.UnreachableSource, error)

	GetAgentStatus(ctx context.Context, serverID string) (model.AgentStatus, bool, error)
	UpsertAgentStatus(ctx context.Context, s model.AgentStatus) error
	AgentStatusByTokenHash(ctx context.Context, tokenHash string) (model.AgentStatus, bool, error)
	AllAgentStatuses(ctx context.Context) ([]model.AgentStatus, error)

	InsertSudoEvents(ctx context.Context, events []model.SudoEvent) error

	CreateScanJob(ctx context.Context, j model.ScanJob) error
	UpdateScanJob(ctx context.Context, j model.ScanJob) error

	CreateWatchSession(ctx context.Context, s model.WatchSession) error
	UpdateWatchSession(ctx context.Context, s model.WatchSession) error
}

// Now is a package-level var so tests can freeze time; production code
// never overrides it.
var Now = func() time.Time { return time.Now().UTC() }
