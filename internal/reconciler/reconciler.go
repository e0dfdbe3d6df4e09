// Package reconciler joins the authorization layer (authorized_keys
// KeyLocations) and the usage layer (accepted AccessEvents) for one target
// host, per SPEC_FULL.md §4.10. It runs inside the same store transaction
// as the host's event and key writes, so the reconciliation for a given
// target is always single-writer.
package reconciler

import (
	"context"

	"github.com/gravitational/trace"
	"github.com/keyspider/keyspider/internal/model"
	"github.com/keyspider/keyspider/internal/store"
)

// Reconcile promotes authorized_keys KeyLocations to graph_layer=both when
// the same key also has an accepted AccessEvent at this host, and stamps
// is_authorized/is_used on every AccessPath targeting the host.
//
// A = set of ssh_key_id with a KeyLocation(file_type=authorized_keys) here.
// U = set of ssh_key_id with at least one accepted AccessEvent here.
func Reconcile(ctx context.Context, tx store.Tx, targetServerID string) error {
	locations, err := tx.KeyLocationsByServer(ctx, targetServerID)
	if err != nil {
		return trace.Wrap(err, "load key locations")
	}

	usedKeys, err := usedKeySet(ctx, tx, targetServerID)
	if err != nil {
		return trace.Wrap(err, "load used keys")
	}

	authorizedKeys := make(map[string]bool)
	for _, l := range locations {
		if l.FileType == model.FileAuthorizedKeys {
			authorizedKeys[l.SSHKeyID] = true
		}
	}

	for _, l := range locations {
		if l.FileType != model.FileAuthorizedKeys {
			continue
		}
		wantLayer := model.LayerAuthorization
		if usedKeys[l.SSHKeyID] {
			wantLayer = model.LayerBoth
		}
		if l.GraphLayer == wantLayer {
			continue
		}
		l.GraphLayer = wantLayer
		if err := tx.UpdateKeyLocation(ctx, l); err != nil {
			return trace.Wrap(err, "promote key location %s/%s", l.ServerID, l.FilePath)
		}
	}

	paths, err := tx.AccessPathsByTarget(ctx, targetServerID)
	if err != nil {
		return trace.Wrap(err, "load access paths")
	}
	for _, p := range paths {
		isAuthorized := p.SSHKeyID != nil && authorizedKeys[*p.SSHKeyID]
		isUsed := p.SSHKeyID != nil && usedKeys[*p.SSHKeyID]
		if p.IsAuthorized == isAuthorized && p.IsUsed == isUsed {
			continue
		}
		p.IsAuthorized = isAuthorized
		p.IsUsed = isUsed
		if err := tx.UpdateAccessPath(ctx, p); err != nil {
			return trace.Wrap(err, "update access path %s", p.ID)
		}
	}
	return nil
}

// usedKeySet returns the set of ssh_key_id with at least one accepted
// AccessEvent at targetServerID. Pagination bound is generous because a
// single host's event volume per scan cycle is small relative to a whole
// fleet scan.
func usedKeySet(ctx context.Context, tx store.Tx, targetServerID string) (map[string]bool, error) {
	used := make(map[string]bool)
	const pageSize = 1000
	for offset := 0; ; offset += pageSize {
		events, err := tx.AccessEventsByTarget(ctx, targetServerID, store.PageRequest{Offset: offset, Limit: pageSize})
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			if e.EventType == model.EventAccepted && e.SSHKeyID != nil {
				used[*e.SSHKeyID] = true
			}
		}
		if len(events) < pageSize {
			break
		}
	}
	return used, nil
}

// Classify reports whether an AccessPath is dormant (authorized, never
// used) or mystery (used, not authorized), per the glossary in spec.md.
func Classify(p model.AccessPath) (dormant, mystery bool) {
	return p.IsAuthorized && !p.IsUsed, p.IsUsed && !p.IsAuthorized
}
