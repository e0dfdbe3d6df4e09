package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/keyspider/keyspider/internal/model"
)

// PostgresStore is the production Store, grounded on the teacher's
// internal/checkin/db.go pgxpool usage: a pool wrapper whose methods each
// issue one ON CONFLICT upsert or one batch statement inside a caller
// transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pgxpool against connString and verifies
// connectivity with Ping, exactly as the teacher's checkin.NewDB does.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, trace.Wrap(err, "create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, trace.Wrap(err, "ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() { s.pool.Close() }

// WithTx opens one pgx transaction per call, matching spec §4.8's
// "transactional commit boundary per processed host / per received agent
// payload" requirement. A non-nil return from fn rolls back.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return trace.Wrap(err, "begin tx")
	}
	defer pgtx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: pgtx}); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return trace.Wrap(err, "commit tx")
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetOrCreateServer(ctx context.Context, keys ServerKeys, defaults model.Server) (model.Server, bool, error) {
	var s model.Server
	err := t.tx.QueryRow(ctx, `
		SELECT id, hostname, ip_address, ssh_port, os_type, os_version,
		       is_reachable, last_scanned_at, scan_watermark, last_log_size,
		       prefer_agent, discovered_via
		FROM servers WHERE ip_address = $1 AND ssh_port = $2`,
		keys.IPAddress, keys.SSHPort).Scan(
		&s.ID, &s.Hostname, &s.IPAddress, &s.SSHPort, &s.OSType, &s.OSVersion,
		&s.IsReachable, &s.LastScannedAt, &s.ScanWatermark, &s.LastLogSize,
		&s.PreferAgent, &s.DiscoveredVia)
	if err == nil {
		return s, false, nil
	}
	if err != pgx.ErrNoRows {
		return model.Server{}, false, trace.Wrap(err, "get server")
	}

	if defaults.ID == "" {
		defaults.ID = uuid.NewString()
	}
	defaults.IPAddress = keys.IPAddress
	defaults.SSHPort = keys.SSHPort
	_, err = t.tx.Exec(ctx, `
		INSERT INTO servers (
			id, hostname, ip_address, ssh_port, os_type, os_version,
			is_reachable, last_scanned_at, scan_watermark, last_log_size,
			prefer_agent, discovered_via
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		defaults.ID, defaults.Hostname, defaults.IPAddress, defaults.SSHPort,
		defaults.OSType, defaults.OSVersion, defaults.IsReachable,
		defaults.LastScannedAt, defaults.ScanWatermark, defaults.LastLogSize,
		defaults.PreferAgent, defaults.DiscoveredVia)
	if err != nil {
		return model.Server{}, false, trace.Wrap(err, "insert server")
	}
	return defaults, true, nil
}

func (t *pgTx) UpdateServer(ctx context.Context, s model.Server) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE servers SET hostname=$2, os_type=$3, os_version=$4,
			is_reachable=$5, last_scanned_at=$6, scan_watermark=$7,
			last_log_size=$8, prefer_agent=$9, discovered_via=$10
		WHERE id=$1`,
		s.ID, s.Hostname, s.OSType, s.OSVersion, s.IsReachable,
		s.LastScannedAt, s.ScanWatermark, s.LastLogSize, s.PreferAgent, s.DiscoveredVia)
	return trace.Wrap(err, "update server")
}

func (t *pgTx) DeleteServer(ctx context.Context, serverID string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM key_locations WHERE server_id=$1`, serverID)
	if err != nil {
		return trace.Wrap(err, "cascade delete key_locations")
	}
	_, err = t.tx.Exec(ctx, `DELETE FROM watch_sessions WHERE server_id=$1`, serverID)
	if err != nil {
		return trace.Wrap(err, "cascade delete watch_sessions")
	}
	_, err = t.tx.Exec(ctx, `DELETE FROM servers WHERE id=$1`, serverID)
	return trace.Wrap(err, "delete server")
}

func (t *pgTx) ServersByIP(ctx context.Context, ips []string) (map[string]model.Server, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, hostname, ip_address, ssh_port, os_type, os_version,
		       is_reachable, last_scanned_at, scan_watermark, last_log_size,
		       prefer_agent, discovered_via
		FROM servers WHERE ip_address = ANY($1)`, ips)
	if err != nil {
		return nil, trace.Wrap(err, "servers by ip")
	}
	defer rows.Close()

	out := make(map[string]model.Server)
	for rows.Next() {
		var s model.Server
		if err := rows.Scan(&s.ID, &s.Hostname, &s.IPAddress, &s.SSHPort, &s.OSType,
			&s.OSVersion, &s.IsReachable, &s.LastScannedAt, &s.ScanWatermark,
			&s.LastLogSize, &s.PreferAgent, &s.DiscoveredVia); err != nil {
			return nil, trace.Wrap(err, "scan server")
		}
		out[s.IPAddress] = s
	}
	return out, trace.Wrap(rows.Err())
}

func (t *pgTx) GetServer(ctx context.Context, serverID string) (model.Server, bool, error) {
	var s model.Server
	err := t.tx.QueryRow(ctx, `
		SELECT id, hostname, ip_address, ssh_port, os_type, os_version,
		       is_reachable, last_scanned_at, scan_watermark, last_log_size,
		       prefer_agent, discovered_via
		FROM servers WHERE id=$1`, serverID).Scan(
		&s.ID, &s.Hostname, &s.IPAddress, &s.SSHPort, &s.OSType, &s.OSVersion,
		&s.IsReachable, &s.LastScannedAt, &s.ScanWatermark, &s.LastLogSize,
		&s.PreferAgent, &s.DiscoveredVia)
	if err == pgx.ErrNoRows {
		return model.Server{}, false, nil
	}
	if err != nil {
		return model.Server{}, false, trace.Wrap(err, "get server")
	}
	return s, true, nil
}

func (t *pgTx) GetOrCreateKey(ctx context.Context, fingerprintSHA256 string, defaults model.SSHKey) (model.SSHKey, bool, error) {
	k, ok, err := t.getKeyByFingerprint(ctx, fingerprintSHA256)
	if err != nil {
		return model.SSHKey{}, false, err
	}
	if ok {
		return k, false, nil
	}

	if defaults.ID == "" {
		defaults.ID = uuid.NewString()
	}
	defaults.FingerprintSHA256 = fingerprintSHA256
	if defaults.FirstSeenAt.IsZero() {
		defaults.FirstSeenAt = Now()
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO ssh_keys (
			id, fingerprint_sha256, fingerprint_md5, key_type, key_bits,
			public_key_data, comment, is_host_key, first_seen_at,
			file_mtime, estimated_age_days
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		defaults.ID, defaults.FingerprintSHA256, defaults.FingerprintMD5,
		defaults.KeyType, defaults.KeyBits, defaults.PublicKeyData,
		defaults.Comment, defaults.IsHostKey, defaults.FirstSeenAt,
		defaults.FileMtime, defaults.EstimatedAgeDays)
	if err != nil {
		return model.SSHKey{}, false, trace.Wrap(err, "insert ssh_key")
	}
	return defaults, true, nil
}

func (t *pgTx) getKeyByFingerprint(ctx context.Context, fp string) (model.SSHKey, bool, error) {
	var k model.SSHKey
	err := t.tx.QueryRow(ctx, `
		SELECT id, fingerprint_sha256, fingerprint_md5, key_type, key_bits,
		       public_key_data, comment, is_host_key, first_seen_at,
		       file_mtime, estimated_age_days
		FROM ssh_keys WHERE fingerprint_sha256=$1`, fp).Scan(
		&k.ID, &k.FingerprintSHA256, &k.FingerprintMD5, &k.KeyType, &k.KeyBits,
		&k.PublicKeyData, &k.Comment, &k.IsHostKey, &k.FirstSeenAt,
		&k.FileMtime, &k.EstimatedAgeDays)
	if err == pgx.ErrNoRows {
		return model.SSHKey{}, false, nil
	}
	if err != nil {
		return model.SSHKey{}, false, trace.Wrap(err, "get ssh_key")
	}
	return k, true, nil
}

func (t *pgTx) UpdateKey(ctx context.Context, k model.SSHKey) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE ssh_keys SET fingerprint_md5=$2, key_type=$3, key_bits=$4,
			comment=$5, file_mtime=$6, estimated_age_days=$7
		WHERE id=$1`,
		k.ID, k.FingerprintMD5, k.KeyType, k.KeyBits, k.Comment, k.FileMtime, k.EstimatedAgeDays)
	return trace.Wrap(err, "update ssh_key")
}

func (t *pgTx) KeysByFingerprint(ctx context.Context, fingerprints []string) (map[string]model.SSHKey, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, fingerprint_sha256, fingerprint_md5, key_type, key_bits,
		       public_key_data, comment, is_host_key, first_seen_at,
		       file_mtime, estimated_age_days
		FROM ssh_keys WHERE fingerprint_sha256 = ANY($1)`, fingerprints)
	if err != nil {
		return nil, trace.Wrap(err, "keys by fingerprint")
	}
	defer rows.Close()

	out := make(map[string]model.SSHKey)
	for rows.Next() {
		var k model.SSHKey
		if err := rows.Scan(&k.ID, &k.FingerprintSHA256, &k.FingerprintMD5, &k.KeyType,
			&k.KeyBits, &k.PublicKeyData, &k.Comment, &k.IsHostKey, &k.FirstSeenAt,
			&k.FileMtime, &k.EstimatedAgeDays); err != nil {
			return nil, trace.Wrap(err, "scan ssh_key")
		}
		out[k.FingerprintSHA256] = k
	}
	return out, trace.Wrap(rows.Err())
}

func (t *pgTx) GetOrCreateKeyLocation(ctx context.Context, keys KeyLocationKeys, defaults model.KeyLocation) (model.KeyLocation, bool, error) {
	var l model.KeyLocation
	err := t.tx.QueryRow(ctx, `
		SELECT ssh_key_id, server_id, file_path, file_type, unix_owner,
		       unix_permissions, graph_layer, file_mtime, file_size, last_verified_at
		FROM key_locations WHERE ssh_key_id=$1 AND server_id=$2 AND file_path=$3`,
		keys.SSHKeyID, keys.ServerID, keys.FilePath).Scan(
		&l.SSHKeyID, &l.ServerID, &l.FilePath, &l.FileType, &l.UnixOwner,
		&l.UnixPermissions, &l.GraphLayer, &l.FileMtime, &l.FileSize, &l.LastVerifiedAt)
	if err == nil {
		return l, false, nil
	}
	if err != pgx.ErrNoRows {
		return model.KeyLocation{}, false, trace.Wrap(err, "get key_location")
	}

	defaults.SSHKeyID = keys.SSHKeyID
	defaults.ServerID = keys.ServerID
	defaults.FilePath = keys.FilePath
	_, err = t.tx.Exec(ctx, `
		INSERT INTO key_locations (
			ssh_key_id, server_id, file_path, file_type, unix_owner,
			unix_permissions, graph_layer, file_mtime, file_size, last_verified_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		defaults.SSHKeyID, defaults.ServerID, defaults.FilePath, defaults.FileType,
		defaults.UnixOwner, defaults.UnixPermissions, defaults.GraphLayer,
		defaults.FileMtime, defaults.FileSize, defaults.LastVerifiedAt)
	if err != nil {
		return model.KeyLocation{}, false, trace.Wrap(err, "insert key_location")
	}
	return defaults, true, nil
}

func (t *pgTx) UpdateKeyLocation(ctx context.Context, l model.KeyLocation) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE key_locations SET unix_owner=$4, unix_permissions=$5,
			graph_layer=$6, file_mtime=$7, file_size=$8, last_verified_at=$9
		WHERE ssh_key_id=$1 AND server_id=$2 AND file_path=$3`,
		l.SSHKeyID, l.ServerID, l.FilePath, l.UnixOwner, l.UnixPermissions,
		l.GraphLayer, l.FileMtime, l.FileSize, l.LastVerifiedAt)
	return trace.Wrap(err, "update key_location")
}

func (t *pgTx) KeyLocationsByServer(ctx context.Context, serverID string) ([]model.KeyLocation, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT ssh_key_id, server_id, file_path, file_type, unix_owner,
		       unix_permissions, graph_layer, file_mtime, file_size, last_verified_at
		FROM key_locations WHERE server_id=$1`, serverID)
	if err != nil {
		return nil, trace.Wrap(err, "key_locations by server")
	}
	defer rows.Close()

	var out []model.KeyLocation
	for rows.Next() {
		var l model.KeyLocation
		if err := rows.Scan(&l.SSHKeyID, &l.ServerID, &l.FilePath, &l.FileType,
			&l.UnixOwner, &l.UnixPermissions, &l.GraphLayer, &l.FileMtime,
			&l.FileSize, &l.LastVerifiedAt); err != nil {
			return nil, trace.Wrap(err, "scan key_location")
		}
		out = append(out, l)
	}
	return out, trace.Wrap(rows.Err())
}

// InsertAccessEvents batch-inserts with pgx.Batch, matching the "batch
// insert of homogeneous rows" contract of spec §4.8 without issuing one
// round trip per row.
func (t *pgTx) InsertAccessEvents(ctx context.Context, events []model.AccessEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		batch.Queue(`
			INSERT INTO access_events (
				id, target_server_id, source_ip, source_server_id, ssh_key_id,
				fingerprint, username, auth_method, event_type, event_time,
				raw_log_line, log_source
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			e.ID, e.TargetServerID, e.SourceIP, e.SourceServerID, e.SSHKeyID,
			e.Fingerprint, e.Username, e.AuthMethod, e.EventType, e.EventTime,
			e.RawLogLine, e.LogSource)
	}
	br := t.tx.SendBatch(ctx, batch)
	defer br.Close()
	for range events {
		if _, err := br.Exec(); err != nil {
			return trace.Wrap(err, "insert access_event")
		}
	}
	return nil
}

func (t *pgTx) AccessEventsByTarget(ctx context.Context, targetServerID string, page PageRequest) ([]model.AccessEvent, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.tx.Query(ctx, `
		SELECT id, target_server_id, source_ip, source_server_id, ssh_key_id,
		       fingerprint, username, auth_method, event_type, event_time,
		       raw_log_line, log_source
		FROM access_events WHERE target_server_id=$1
		ORDER BY event_time DESC OFFSET $2 LIMIT $3`, targetServerID, page.Offset, limit)
	if err != nil {
		return nil, trace.Wrap(err, "access_events by target")
	}
	defer rows.Close()

	var out []model.AccessEvent
	for rows.Next() {
		var e model.AccessEvent
		if err := rows.Scan(&e.ID, &e.TargetServerID, &e.SourceIP, &e.SourceServerID,
			&e.SSHKeyID, &e.Fingerprint, &e.Username, &e.AuthMethod, &e.EventType,
			&e.EventTime, &e.RawLogLine, &e.LogSource); err != nil {
			return nil, trace.Wrap(err, "scan access_event")
		}
		out = append(out, e)
	}
	return out, trace.Wrap(rows.Err())
}

func (t *pgTx) GetOrCreateAccessPath(ctx context.Context, keys AccessPathKeys, defaults model.AccessPath) (model.AccessPath, bool, error) {
	var p model.AccessPath
	var src, key *string
	if keys.SourceServerID != "" {
		src = &keys.SourceServerID
	}
	if keys.SSHKeyID != "" {
		key = &keys.SSHKeyID
	}
	err := t.tx.QueryRow(ctx, `
		SELECT id, source_server_id, target_server_id, ssh_key_id, username,
		       first_seen_at, last_seen_at, event_count, is_active, is_authorized, is_used
		FROM access_paths
		WHERE source_server_id IS NOT DISTINCT FROM $1
		  AND target_server_id = $2
		  AND ssh_key_id IS NOT DISTINCT FROM $3
		  AND username = $4`,
		src, keys.TargetServerID, key, keys.Username).Scan(
		&p.ID, &p.SourceServerID, &p.TargetServerID, &p.SSHKeyID, &p.Username,
		&p.FirstSeenAt, &p.LastSeenAt, &p.EventCount, &p.IsActive, &p.IsAuthorized, &p.IsUsed)
	if err == nil {
		return p, false, nil
	}
	if err != pgx.ErrNoRows {
		return model.AccessPath{}, false, trace.Wrap(err, "get access_path")
	}

	if defaults.ID == "" {
		defaults.ID = uuid.NewString()
	}
	defaults.SourceServerID = src
	defaults.TargetServerID = keys.TargetServerID
	defaults.SSHKeyID = key
	defaults.Username = keys.Username
	_, err = t.tx.Exec(ctx, `
		INSERT INTO access_paths (
			id, source_server_id, target_server_id, ssh_key_id, username,
			first_seen_at, last_seen_at, event_count, is_active, is_authorized, is_used
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		defaults.ID, defaults.SourceServerID, defaults.TargetServerID, defaults.SSHKeyID,
		defaults.Username, defaults.FirstSeenAt, defaults.LastSeenAt, defaults.EventCount,
		defaults.IsActive, defaults.IsAuthorized, defaults.IsUsed)
	if err != nil {
		return model.AccessPath{}, false, trace.Wrap(err, "insert access_path")
	}
	return defaults, true, nil
}

func (t *pgTx) UpdateAccessPath(ctx context.Context, p model.AccessPath) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE access_paths SET last_seen_at=$2, event_count=$3, is_active=$4,
			is_authorized=$5, is_used=$6
		WHERE id=$1`,
		p.ID, p.LastSeenAt, p.EventCount, p.IsActive, p.IsAuthorized, p.IsUsed)
	return trace.Wrap(err, "update access_path")
}

func (t *pgTx) AccessPathsByTarget(ctx context.Context, targetServerID string) ([]model.AccessPath, error) {
	return t.queryAccessPaths(ctx, `WHERE target_server_id=$1`, targetServerID)
}

func (t *pgTx) AccessPathsByKey(ctx context.Context, sshKeyID string) ([]model.AccessPath, error) {
	return t.queryAccessPaths(ctx, `WHERE ssh_key_id=$1`, sshKeyID)
}

func (t *pgTx) AllActiveAccessPaths(ctx context.Context) ([]model.AccessPath, error) {
	return t.queryAccessPaths(ctx, `WHERE is_active`)
}

func (t *pgTx) queryAccessPaths(ctx context.Context, where string, args ...interface{}) ([]model.AccessPath, error) {
	rows, err := t.tx.Query(ctx, fmt.Sprintf(`
		SELECT id, source_server_id, target_server_id, ssh_key_id, username,
		       first_seen_at, last_seen_at, event_count, is_active, is_authorized, is_used
		FROM access_paths %s`, where), args...)
	if err != nil {
		return nil, trace.Wrap(err, "query access_paths")
	}
	defer rows.Close()

	var out []model.AccessPath
	for rows.Next() {
		var p model.AccessPath
		if err := rows.Scan(&p.ID, &p.SourceServerID, &p.TargetServerID, &p.SSHKeyID,
			&p.Username, &p.FirstSeenAt, &p.LastSeenAt, &p.EventCount, &p.IsActive,
			&p.IsAuthorized, &p.IsUsed); err != nil {
			return nil, trace.Wrap(err, "scan access_path")
		}
		out = append(out, p)
	}
	return out, trace.Wrap(rows.Err())
}

func (t *pgTx) GetOrCreateUnreachableSource(ctx context.Context, keys UnreachableSourceKeys, defaults model.UnreachableSource) (model.UnreachableSource, bool, error) {
	var u model.UnreachableSource
	var fp *string
	if keys.Fingerprint != "" {
		fp = &keys.Fingerprint
	}
	err := t.tx.QueryRow(ctx, `
		SELECT id, source_ip, reverse_dns, fingerprint, ssh_key_id, target_server_id,
		       username, first_seen_at, last_seen_at, event_count, severity,
		       notes, acknowledged, acknowledged_by
		FROM unreachable_sources
		WHERE source_ip=$1 AND target_server_id=$2 AND fingerprint IS NOT DISTINCT FROM $3`,
		keys.SourceIP, keys.TargetServerID, fp).Scan(
		&u.ID, &u.SourceIP, &u.ReverseDNS, &u.Fingerprint, &u.SSHKeyID, &u.TargetServerID,
		&u.Username, &u.FirstSeenAt, &u.LastSeenAt, &u.EventCount, &u.Severity,
		&u.Notes, &u.Acknowledged, &u.AcknowledgedBy)
	if err == nil {
		return u, false, nil
	}
	if err != pgx.ErrNoRows {
		return model.UnreachableSource{}, false, trace.Wrap(err, "get unreachable_source")
	}

	if defaults.ID == "" {
		defaults.ID = uuid.NewString()
	}
	defaults.SourceIP = keys.SourceIP
	defaults.TargetServerID = keys.TargetServerID
	defaults.Fingerprint = fp
	_, err = t.tx.Exec(ctx, `
		INSERT INTO unreachable_sources (
			id, source_ip, reverse_dns, fingerprint, ssh_key_id, target_server_id,
			username, first_seen_at, last_seen_at, event_count, severity,
			notes, acknowledged, acknowledged_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		defaults.ID, defaults.SourceIP, defaults.ReverseDNS, defaults.Fingerprint,
		defaults.SSHKeyID, defaults.TargetServerID, defaults.Username, defaults.FirstSeenAt,
		defaults.LastSeenAt, defaults.EventCount, defaults.Severity, defaults.Notes,
		defaults.Acknowledged, defaults.AcknowledgedBy)
	if err != nil {
		return model.UnreachableSource{}, false, trace.Wrap(err, "insert unreachable_source")
	}
	return defaults, true, nil
}

func (t *pgTx) UpdateUnreachableSource(ctx context.Context, u model.UnreachableSource) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE unreachable_sources SET reverse_dns=$2, last_seen_at=$3, event_count=$4,
			severity=$5, notes=$6, acknowledged=$7, acknowledged_by=$8
		WHERE id=$1`,
		u.ID, u.ReverseDNS, u.LastSeenAt, u.EventCount, u.Severity, u.Notes,
		u.Acknowledged, u.AcknowledgedBy)
	return trace.Wrap(err, "update unreachable_source")
}

func (t *pgTx) AllUnreachableSources(ctx context.Context) ([]model.UnreachableSource, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, source_ip, reverse_dns, fingerprint, ssh_key_id, target_server_id,
		       username, first_seen_at, last_seen_at, event_count, severity,
		       notes, acknowledged, acknowledged_by
		FROM unreachable_sources`)
	if err != nil {
		return nil, trace.Wrap(err, "list unreachable_sources")
	}
	defer rows.Close()

	var out []model.UnreachableSource
	for rows.Next() {
		var u model.UnreachableSource
		if err := rows.Scan(&u.ID, &u.SourceIP, &u.ReverseDNS, &u.Fingerprint, &u.SSHKeyID,
			&u.TargetServerID, &u.Username, &u.FirstSeenAt, &u.LastSeenAt, &u.EventCount,
			&u.Severity, &u.Notes, &u.Acknowledged, &u.AcknowledgedBy); err != nil {
			return nil, trace.Wrap(err, "scan unreachable_source")
		}
		out = append(out, u)
	}
	return out, trace.Wrap(rows.Err())
}

func (t *pgTx) GetAgentStatus(ctx context.Context, serverID string) (model.AgentStatus, bool, error) {
	var a model.AgentStatus
	var configJSON []byte
	err := t.tx.QueryRow(ctx, `
		SELECT server_id, agent_version, deployment_status, last_heartbeat_at,
		       last_event_at, agent_token_hash, config, installed_at, error_message
		FROM agent_statuses WHERE server_id=$1`, serverID).Scan(
		&a.ServerID, &a.AgentVersion, &a.DeploymentStatus, &a.LastHeartbeatAt,
		&a.LastEventAt, &a.AgentTokenHash, &configJSON, &a.InstalledAt, &a.ErrorMessage)
	if err == pgx.ErrNoRows {
		return model.AgentStatus{}, false, nil
	}
	if err != nil {
		return model.AgentStatus{}, false, trace.Wrap(err, "get agent_status")
	}
	if len(configJSON) > 0 {
		_ = json.Unmarshal(configJSON, &a.Config)
	}
	return a, true, nil
}

func (t *pgTx) UpsertAgentStatus(ctx context.Context, a model.AgentStatus) error {
	configJSON, err := json.Marshal(a.Config)
	if err != nil {
		return trace.Wrap(err, "marshal agent config")
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO agent_statuses (
			server_id, agent_version, deployment_status, last_heartbeat_at,
			last_event_at, agent_token_hash, config, installed_at, error_message
		) VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb,$8,$9)
		ON CONFLICT (server_id) DO UPDATE SET
			agent_version=EXCLUDED.agent_version,
			deployment_status=EXCLUDED.deployment_status,
			last_heartbeat_at=EXCLUDED.last_heartbeat_at,
			last_event_at=EXCLUDED.last_event_at,
			agent_token_hash=EXCLUDED.agent_token_hash,
			config=EXCLUDED.config,
			installed_at=EXCLUDED.installed_at,
			error_message=EXCLUDED.error_message`,
		a.ServerID, a.AgentVersion, a.DeploymentStatus, a.LastHeartbeatAt,
		a.LastEventAt, a.AgentTokenHash, string(configJSON), a.InstalledAt, a.ErrorMessage)
	return trace.Wrap(err, "upsert agent_status")
}

func (t *pgTx) AgentStatusByTokenHash(ctx context.Context, tokenHash string) (model.AgentStatus, bool, error) {
	var a model.AgentStatus
	var configJSON []byte
	err := t.tx.QueryRow(ctx, `
		SELECT server_id, agent_version, deployment_status, last_heartbeat_at,
		       last_event_at, agent_token_hash, config, installed_at, error_message
		FROM agent_statuses WHERE agent_token_hash=$1`, tokenHash).Scan(
		&a.ServerID, &a.AgentVersion, &a.DeploymentStatus, &a.LastHeartbeatAt,
		&a.LastEventAt, &a.AgentTokenHash, &configJSON, &a.InstalledAt, &a.ErrorMessage)
	if err == pgx.ErrNoRows {
		return model.AgentStatus{}, false, nil
	}
	if err != nil {
		return model.AgentStatus{}, false, trace.Wrap(err, "get agent_status by token")
	}
	if len(configJSON) > 0 {
		_ = json.Unmarshal(configJSON, &a.Config)
	}
	return a, true, nil
}

func (t *pgTx) AllAgentStatuses(ctx context.Context) ([]model.AgentStatus, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT server_id, agent_version, deployment_status, last_heartbeat_at,
		       last_event_at, agent_token_hash, config, installed_at, error_message
		FROM agent_statuses`)
	if err != nil {
		return nil, trace.Wrap(err, "list agent_statuses")
	}
	defer rows.Close()

	var out []model.AgentStatus
	for rows.Next() {
		var a model.AgentStatus
		var configJSON []byte
		if err := rows.Scan(&a.ServerID, &a.AgentVersion, &a.DeploymentStatus,
			&a.LastHeartbeatAt, &a.LastEventAt, &a.AgentTokenHash, &configJSON,
			&a.InstalledAt, &a.ErrorMessage); err != nil {
			return nil, trace.Wrap(err, "scan agent_status")
		}
		if len(configJSON) > 0 {
			_ = json.Unmarshal(configJSON, &a.Config)
		}
		out = append(out, a)
	}
	return out, trace.Wrap(rows.Err())
}

func (t *pgTx) InsertSudoEvents(ctx context.Context, events []model.SudoEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		batch.Queue(`
			INSERT INTO sudo_events (
				id, server_id, username, command, target_user, working_dir,
				tty, event_time, success, raw_log_line
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			e.ID, e.ServerID, e.Username, e.Command, e.TargetUser, e.WorkingDir,
			e.TTY, e.EventTime, e.Success, e.RawLogLine)
	}
	br := t.tx.SendBatch(ctx, batch)
	defer br.Close()
	for range events {
		if _, err := br.Exec(); err != nil {
			return trace.Wrap(err, "insert sudo_event")
		}
	}
	return nil
}

func (t *pgTx) CreateScanJob(ctx context.Context, j model.ScanJob) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO scan_jobs (id, root_hostname, root_port, max_depth, status, started_at, finished_at, error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		j.ID, j.RootHostname, j.RootPort, j.MaxDepth, j.Status, j.StartedAt, j.FinishedAt, j.Error)
	return trace.Wrap(err, "insert scan_job")
}

func (t *pgTx) UpdateScanJob(ctx context.Context, j model.ScanJob) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE scan_jobs SET status=$2, started_at=$3, finished_at=$4, error=$5 WHERE id=$1`,
		j.ID, j.Status, j.StartedAt, j.FinishedAt, j.Error)
	return trace.Wrap(err, "update scan_job")
}

func (t *pgTx) CreateWatchSession(ctx context.Context, s model.WatchSession) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO watch_sessions (id, server_id, status, started_at, stopped_at)
		VALUES ($1,$2,$3,$4,$5)`,
		s.ID, s.ServerID, s.Status, s.StartedAt, s.StoppedAt)
	return trace.Wrap(err, "insert watch_session")
}

func (t *pgTx) UpdateWatchSession(ctx context.Context, s model.WatchSession) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE watch_sessions SET status=$2, stopped_at=$3 WHERE id=$1`,
		s.ID, s.Status, s.StoppedAt)
	return trace.Wrap(err, "update watch_session")
}
