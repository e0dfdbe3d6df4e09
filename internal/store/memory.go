package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/keyspider/keyspider/internal/model"
)

// MemoryStore is an in-process Store used by package tests across
// agentmgr/reconciler/graph/receiver, and usable as a lightweight
// single-process deployment store. A single mutex guards all maps; callers
// only ever hold it for the duration of one WithTx call, matching the
// "transactional commit boundary per host" contract without needing a real
// database round-trip in tests.
type MemoryStore struct {
	mu sync.Mutex

	servers     map[string]model.Server // id -> server
	serverByKey map[string]string       // "ip:port" -> id

	keys       map[string]model.SSHKey // id -> key
	keyByFP    map[string]string       // sha256 fingerprint -> id

	locations    map[string]model.KeyLocation // id -> location
	locationByKey map[KeyLocationKeys]string

	events []model.AccessEvent

	paths      map[string]model.AccessPath
	pathByKeys map[AccessPathKeys]string

	unreachable      map[string]model.UnreachableSource
	unreachableByKey map[UnreachableSourceKeys]string

	agentStatus      map[string]model.AgentStatus // server id -> status
	agentByTokenHash map[string]string            // token hash -> server id

	sudoEvents []model.SudoEvent

	scanJobs      map[string]model.ScanJob
	watchSessions map[string]model.WatchSession
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		servers:          make(map[string]model.Server),
		serverByKey:      make(map[string]string),
		keys:             make(map[string]model.SSHKey),
		keyByFP:          make(map[string]string),
		locations:        make(map[string]model.KeyLocation),
		locationByKey:    make(map[KeyLocationKeys]string),
		paths:            make(map[string]model.AccessPath),
		pathByKeys:       make(map[AccessPathKeys]string),
		unreachable:      make(map[string]model.UnreachableSource),
		unreachableByKey: make(map[UnreachableSourceKeys]string),
		agentStatus:      make(map[string]model.AgentStatus),
		agentByTokenHash: make(map[string]string),
		scanJobs:         make(map[string]model.ScanJob),
		watchSessions:    make(map[string]model.WatchSession),
	}
}

// WithTx runs fn against a tx view of the store under the store's single
// mutex, so concurrent WithTx calls serialize exactly as spec §5 requires
// for per-host-target writes ("single-writer-per-host-target").
func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, &memoryTx{s: m})
}

type memoryTx struct {
	s *MemoryStore
}

func serverKey(ip string, port int) string {
	return (&model.Server{IPAddress: ip, SSHPort: port}).Key()
}

func (t *memoryTx) GetOrCreateServer(ctx context.Context, keys ServerKeys, defaults model.Server) (model.Server, bool, error) {
	sk := serverKey(keys.IPAddress, keys.SSHPort)
	if id, ok := t.s.serverByKey[sk]; ok {
		return t.s.servers[id], false, nil
	}
	if defaults.ID == "" {
		defaults.ID = uuid.NewString()
	}
	defaults.IPAddress = keys.IPAddress
	defaults.SSHPort = keys.SSHPort
	t.s.servers[defaults.ID] = defaults
	t.s.serverByKey[sk] = defaults.ID
	return defaults, true, nil
}

func (t *memoryTx) UpdateServer(ctx context.Context, s model.Server) error {
	t.s.servers[s.ID] = s
	return nil
}

func (t *memoryTx) DeleteServer(ctx context.Context, serverID string) error {
	s, ok := t.s.servers[serverID]
	if !ok {
		return nil
	}
	delete(t.s.servers, serverID)
	delete(t.s.serverByKey, serverKey(s.IPAddress, s.SSHPort))
	for id, l := range t.s.locations {
		if l.ServerID == serverID {
			delete(t.s.locations, id)
			delete(t.s.locationByKey, KeyLocationKeys{SSHKeyID: l.SSHKeyID, ServerID: l.ServerID, FilePath: l.FilePath})
		}
	}
	for id, ws := range t.s.watchSessions {
		if ws.ServerID == serverID {
			delete(t.s.watchSessions, id)
		}
	}
	return nil
}

func (t *memoryTx) ServersByIP(ctx context.Context, ips []string) (map[string]model.Server, error) {
	want := make(map[string]bool, len(ips))
	for _, ip := range ips {
		want[ip] = true
	}
	out := make(map[string]model.Server)
	for _, s := range t.s.servers {
		if want[s.IPAddress] {
			out[s.IPAddress] = s
		}
	}
	return out, nil
}

func (t *memoryTx) GetServer(ctx context.Context, serverID string) (model.Server, bool, error) {
	s, ok := t.s.servers[serverID]
	return s, ok, nil
}

func (t *memoryTx) GetOrCreateKey(ctx context.Context, fingerprintSHA256 string, defaults model.SSHKey) (model.SSHKey, bool, error) {
	if id, ok := t.s.keyByFP[fingerprintSHA256]; ok {
		return t.s.keys[id], false, nil
	}
	if defaults.ID == "" {
		defaults.ID = uuid.NewString()
	}
	defaults.FingerprintSHA256 = fingerprintSHA256
	t.s.keys[defaults.ID] = defaults
	t.s.keyByFP[fingerprintSHA256] = defaults.ID
	return defaults, true, nil
}

func (t *memoryTx) UpdateKey(ctx context.Context, k model.SSHKey) error {
	t.s.keys[k.ID] = k
	return nil
}

func (t *memoryTx) KeysByFingerprint(ctx context.Context, fingerprints []string) (map[string]model.SSHKey, error) {
	out := make(map[string]model.SSHKey)
	for _, fp := range fingerprints {
		if id, ok := t.s.keyByFP[fp]; ok {
			out[fp] = t.s.keys[id]
		}
	}
	return out, nil
}

func (t *memoryTx) GetOrCreateKeyLocation(ctx context.Context, keys KeyLocationKeys, defaults model.KeyLocation) (model.KeyLocation, bool, error) {
	if id, ok := t.s.locationByKey[keys]; ok {
		return t.s.locations[id], false, nil
	}
	id := uuid.NewString()
	defaults.SSHKeyID = keys.SSHKeyID
	defaults.ServerID = keys.ServerID
	defaults.FilePath = keys.FilePath
	t.s.locations[id] = defaults
	t.s.locationByKey[keys] = id
	return defaults, true, nil
}

func (t *memoryTx) UpdateKeyLocation(ctx context.Context, l model.KeyLocation) error {
	key := KeyLocationKeys{SSHKeyID: l.SSHKeyID, ServerID: l.ServerID, FilePath: l.FilePath}
	id, ok := t.s.locationByKey[key]
	if !ok {
		return nil
	}
	t.s.locations[id] = l
	return nil
}

func (t *memoryTx) KeyLocationsByServer(ctx context.Context, serverID string) ([]model.KeyLocation, error) {
	var out []model.KeyLocation
	for _, l := range t.s.locations {
		if l.ServerID == serverID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (t *memoryTx) InsertAccessEvents(ctx context.Context, events []model.AccessEvent) error {
	for i := range events {
		if events[i].ID == "" {
			events[i].ID = uuid.NewString()
		}
	}
	t.s.events = append(t.s.events, events...)
	return nil
}

func (t *memoryTx) AccessEventsByTarget(ctx context.Context, targetServerID string, page PageRequest) ([]model.AccessEvent, error) {
	var matched []model.AccessEvent
	for _, e := range t.s.events {
		if e.TargetServerID == targetServerID {
			matched = append(matched, e)
		}
	}
	return paginate(matched, page), nil
}

func paginate[T any](items []T, page PageRequest) []T {
	if page.Offset < 0 {
		page.Offset = 0
	}
	if page.Offset >= len(items) {
		return nil
	}
	end := len(items)
	if page.Limit > 0 && page.Offset+page.Limit < end {
		end = page.Offset + page.Limit
	}
	return items[page.Offset:end]
}

func (t *memoryTx) GetOrCreateAccessPath(ctx context.Context, keys AccessPathKeys, defaults model.AccessPath) (model.AccessPath, bool, error) {
	if id, ok := t.s.pathByKeys[keys]; ok {
		return t.s.paths[id], false, nil
	}
	id := uuid.NewString()
	defaults.ID = id
	if keys.SourceServerID != "" {
		src := keys.SourceServerID
		defaults.SourceServerID = &src
	}
	defaults.TargetServerID = keys.TargetServerID
	if keys.SSHKeyID != "" {
		k := keys.SSHKeyID
		defaults.SSHKeyID = &k
	}
	defaults.Username = keys.Username
	t.s.paths[id] = defaults
	t.s.pathByKeys[keys] = id
	return defaults, true, nil
}

func (t *memoryTx) UpdateAccessPath(ctx context.Context, p model.AccessPath) error {
	t.s.paths[p.ID] = p
	return nil
}

func (t *memoryTx) AccessPathsByTarget(ctx context.Context, targetServerID string) ([]model.AccessPath, error) {
	var out []model.AccessPath
	for _, p := range t.s.paths {
		if p.TargetServerID == targetServerID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *memoryTx) AccessPathsByKey(ctx context.Context, sshKeyID string) ([]model.AccessPath, error) {
	var out []model.AccessPath
	for _, p := range t.s.paths {
		if p.SSHKeyID != nil && *p.SSHKeyID == sshKeyID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *memoryTx) AllActiveAccessPaths(ctx context.Context) ([]model.AccessPath, error) {
	var out []model.AccessPath
	for _, p := range t.s.paths {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *memoryTx) GetOrCreateUnreachableSource(ctx context.Context, keys UnreachableSourceKeys, defaults model.UnreachableSource) (model.UnreachableSource, bool, error) {
	if id, ok := t.s.unreachableByKey[keys]; ok {
		return t.s.unreachable[id], false, nil
	}
	id := uuid.NewString()
	defaults.ID = id
	defaults.SourceIP = keys.SourceIP
	defaults.TargetServerID = keys.TargetServerID
	if keys.Fingerprint != "" {
		fp := keys.Fingerprint
		defaults.Fingerprint = &fp
	}
	t.s.unreachable[id] = defaults
	t.s.unreachableByKey[keys] = id
	return defaults, true, nil
}

func (t *memoryTx) AllUnreachableSources(ctx context.Context) ([]model.UnreachableSource, error) {
	out := make([]model.UnreachableSource, 0, len(t.s.unreachable))
	for _, u := range t.s.unreachable {
		out = append(out, u)
	}
	return out, nil
}

func (t *memoryTx) UpdateUnreachableSource(ctx context.Context, u model.UnreachableSource) error {
	t.s.unreachable[u.ID] = u
	return nil
}

func (t *memoryTx) GetAgentStatus(ctx context.Context, serverID string) (model.AgentStatus, bool, error) {
	s, ok := t.s.agentStatus[serverID]
	return s, ok, nil
}

func (t *memoryTx) UpsertAgentStatus(ctx context.Context, s model.AgentStatus) error {
	if old, ok := t.s.agentStatus[s.ServerID]; ok && old.AgentTokenHash != s.AgentTokenHash {
		delete(t.s.agentByTokenHash, old.AgentTokenHash)
	}
	t.s.agentStatus[s.ServerID] = s
	if s.AgentTokenHash != "" {
		t.s.agentByTokenHash[s.AgentTokenHash] = s.ServerID
	}
	return nil
}

func (t *memoryTx) AgentStatusByTokenHash(ctx context.Context, tokenHash string) (model.AgentStatus, bool, error) {
	serverID, ok := t.s.agentByTokenHash[tokenHash]
	if !ok {
		return model.AgentStatus{}, false, nil
	}
	s, ok := t.s.agentStatus[serverID]
	return s, ok, nil
}

func (t *memoryTx) AllAgentStatuses(ctx context.Context) ([]model.AgentStatus, error) {
	out := make([]model.AgentStatus, 0, len(t.s.agentStatus))
	for _, s := range t.s.agentStatus {
		out = append(out, s)
	}
	return out, nil
}

func (t *memoryTx) InsertSudoEvents(ctx context.Context, events []model.SudoEvent) error {
	for i := range events {
		if events[i].ID == "" {
			events[i].ID = uuid.NewString()
		}
	}
	t.s.sudoEvents = append(t.s.sudoEvents, events...)
	return nil
}

func (t *memoryTx) CreateScanJob(ctx context.Context, j model.ScanJob) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	t.s.scanJobs[j.ID] = j
	return nil
}

func (t *memoryTx) UpdateScanJob(ctx context.Context, j model.ScanJob) error {
	t.s.scanJobs[j.ID] = j
	return nil
}

func (t *memoryTx) CreateWatchSession(ctx context.Context, s model.WatchSession) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	t.s.watchSessions[s.ID] = s
	return nil
}

func (t *memoryTx) UpdateWatchSession(ctx context.Context, s model.WatchSession) error {
	t.s.watchSessions[s.ID] = s
	return nil
}
