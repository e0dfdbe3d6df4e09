// Package ingest holds the batch-correlate-and-persist routine that both
// the Spider Engine (after a live scan) and the Agent Receiver (after an
// agent payload) run against a store.Tx: upserting discovered keys and their
// locations (SPEC_FULL.md §4.9 step 7), then prefetching fingerprint->key
// and source_ip->server maps to insert a batch of AccessEvents and upsert
// their AccessPaths (step 8). Factoring this out keeps the two ingestion
// paths — SSH scan and HTTP agent payload — from drifting, per spec §4.13
// ("Event and key payloads reuse the same batch-correlate+persist logic as
// the spider").
package ingest

import (
	"context"
	"time"

	"github.com/gravitational/trace"

	"github.com/keyspider/keyspider/internal/model"
	"github.com/keyspider/keyspider/internal/store"
)

// KeyRecord is one key sighting, produced either by the keyscanner (over
// SFTP) or decoded from an agent's /api/agent/keys payload.
type KeyRecord struct {
	FingerprintSHA256 string
	FingerprintMD5    string
	KeyType           model.KeyType
	PublicKeyData     string
	Comment           string
	Owner             string
	Path              string
	FileType          model.FileType
	IsHostKey         bool
	Mtime             *time.Time
	Size              *int64
	Perms             string
}

// EventRecord is one parsed authentication attempt, produced either by the
// log parser (spider, watcher) or decoded from an agent's
// /api/agent/events payload.
type EventRecord struct {
	SourceIP    string
	Username    string
	AuthMethod  string
	EventType   model.EventType
	EventTime   time.Time
	Fingerprint string
	RawLine     string
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func ageDays(mtime *time.Time, now time.Time) *int {
	if mtime == nil {
		return nil
	}
	d := int(now.Sub(*mtime).Hours() / 24)
	return &d
}

// defaultGraphLayer resolves SPEC_FULL.md §4.10's Open Question
// conservatively: every file type starts in the authorization layer, and
// only authorized_keys locations are later promoted to both by the
// reconciler; every other file type stays in authorization.
func defaultGraphLayer(ft model.FileType) model.GraphLayer {
	return model.LayerAuthorization
}

// PersistKeys implements spec §4.9 step 7: upsert each SSHKey by its SHA256
// fingerprint (file_mtime tracks the oldest observed value), then upsert its
// KeyLocation at (key, server, path), refreshing verification metadata.
func PersistKeys(ctx context.Context, tx store.Tx, serverID string, keys []KeyRecord, now time.Time) error {
	for _, k := range keys {
		key, _, err := tx.GetOrCreateKey(ctx, k.FingerprintSHA256, model.SSHKey{
			FingerprintMD5:   strPtr(k.FingerprintMD5),
			KeyType:          k.KeyType,
			PublicKeyData:    k.PublicKeyData,
			Comment:          strPtr(k.Comment),
			IsHostKey:        k.IsHostKey,
			FirstSeenAt:      now,
			FileMtime:        k.Mtime,
			EstimatedAgeDays: ageDays(k.Mtime, now),
		})
		if err != nil {
			return trace.Wrap(err, "get or create key %s", k.FingerprintSHA256)
		}

		if k.Mtime != nil && (key.FileMtime == nil || k.Mtime.Before(*key.FileMtime)) {
			key.FileMtime = k.Mtime
			key.EstimatedAgeDays = ageDays(k.Mtime, now)
			if err := tx.UpdateKey(ctx, key); err != nil {
				return trace.Wrap(err, "update key mtime")
			}
		}

		loc, _, err := tx.GetOrCreateKeyLocation(ctx, store.KeyLocationKeys{
			SSHKeyID: key.ID, ServerID: serverID, FilePath: k.Path,
		}, model.KeyLocation{
			FileType:   k.FileType,
			UnixOwner:  strPtr(k.Owner),
			GraphLayer: defaultGraphLayer(k.FileType),
			FileMtime:  k.Mtime,
			FileSize:   k.Size,
		})
		if err != nil {
			return trace.Wrap(err, "get or create key location")
		}
		loc.FileMtime = k.Mtime
		loc.FileSize = k.Size
		if k.Perms != "" {
			loc.UnixPermissions = strPtr(k.Perms)
		}
		loc.LastVerifiedAt = &now
		if err := tx.UpdateKeyLocation(ctx, loc); err != nil {
			return trace.Wrap(err, "refresh key location")
		}
	}
	return nil
}

func keysOf(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// PersistEvents implements spec §4.9 step 8: batch-prefetch
// fingerprint->key and source_ip->server maps over the whole event set,
// insert all events, then upsert an AccessPath per accepted event.
func PersistEvents(ctx context.Context, tx store.Tx, targetServerID string, events []EventRecord, source model.LogSource) error {
	if len(events) == 0 {
		return nil
	}

	fingerprints := make(map[string]bool)
	sourceIPs := make(map[string]bool)
	for _, ev := range events {
		if ev.Fingerprint != "" {
			fingerprints[ev.Fingerprint] = true
		}
		if ev.SourceIP != "" {
			sourceIPs[ev.SourceIP] = true
		}
	}
	keysByFP, err := tx.KeysByFingerprint(ctx, keysOf(fingerprints))
	if err != nil {
		return trace.Wrap(err, "prefetch keys by fingerprint")
	}
	serversByIP, err := tx.ServersByIP(ctx, keysOf(sourceIPs))
	if err != nil {
		return trace.Wrap(err, "prefetch servers by ip")
	}

	accessEvents := make([]model.AccessEvent, 0, len(events))
	for _, ev := range events {
		var keyID, fp *string
		if ev.Fingerprint != "" {
			fp = strPtr(ev.Fingerprint)
			if k, ok := keysByFP[ev.Fingerprint]; ok {
				id := k.ID
				keyID = &id
			}
		}
		var sourceServerID *string
		if s, ok := serversByIP[ev.SourceIP]; ok {
			id := s.ID
			sourceServerID = &id
		}
		accessEvents = append(accessEvents, model.AccessEvent{
			TargetServerID: targetServerID,
			SourceIP:       ev.SourceIP,
			SourceServerID: sourceServerID,
			SSHKeyID:       keyID,
			Fingerprint:    fp,
			Username:       ev.Username,
			AuthMethod:     strPtr(ev.AuthMethod),
			EventType:      ev.EventType,
			EventTime:      ev.EventTime,
			RawLogLine:     ev.RawLine,
			LogSource:      source,
		})
	}
	if err := tx.InsertAccessEvents(ctx, accessEvents); err != nil {
		return trace.Wrap(err, "insert access events")
	}

	for _, ev := range accessEvents {
		if ev.EventType != model.EventAccepted {
			continue
		}
		pathKeys := model.PathKey{TargetServerID: targetServerID, Username: ev.Username}
		if ev.SourceServerID != nil {
			pathKeys.SourceServerID = *ev.SourceServerID
		}
		if ev.SSHKeyID != nil {
			pathKeys.SSHKeyID = *ev.SSHKeyID
		}
		now := ev.EventTime
		path, created, err := tx.GetOrCreateAccessPath(ctx, pathKeys, model.AccessPath{
			FirstSeenAt: now,
			LastSeenAt:  now,
			EventCount:  1,
			IsActive:    true,
			IsUsed:      true,
		})
		if err != nil {
			return trace.Wrap(err, "get or create access path")
		}
		if !created {
			path.EventCount++
			if ev.EventTime.After(path.LastSeenAt) {
				path.LastSeenAt = ev.EventTime
			}
			path.IsUsed = true
			if err := tx.UpdateAccessPath(ctx, path); err != nil {
				return trace.Wrap(err, "update access path")
			}
		}
	}
	return nil
}
