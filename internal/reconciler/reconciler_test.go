package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/keyspider/keyspider/internal/model"
	"github.com/keyspider/keyspider/internal/store"
)

func seedServer(t *testing.T, tx store.Tx, ip string) model.Server {
	t.Helper()
	s, _, err := tx.GetOrCreateServer(context.Background(), store.ServerKeys{IPAddress: ip, SSHPort: 22}, model.Server{IPAddress: ip, Hostname: ip, OSType: model.OSLinux})
	if err != nil {
		t.Fatalf("seed server: %v", err)
	}
	return s
}

func seedKey(t *testing.T, tx store.Tx, fingerprint string) model.SSHKey {
	t.Helper()
	k, _, err := tx.GetOrCreateKey(context.Background(), fingerprint, model.SSHKey{
		FingerprintSHA256: fingerprint, PublicKeyData: "ssh-ed25519 AAAA test", FirstSeenAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed key: %v", err)
	}
	return k
}

// TestReconcilePromotesAuthorizedAndUsedKey covers spec S6: a key present
// both as an authorized_keys location and behind an accepted AccessEvent
// promotes to graph_layer=both and stamps is_authorized/is_used.
func TestReconcilePromotesAuthorizedAndUsedKey(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	err := st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		target := seedServer(t, tx, "10.0.0.1")
		source := seedServer(t, tx, "10.0.0.2")
		key := seedKey(t, tx, "SHA256:abc")

		_, _, err := tx.GetOrCreateKeyLocation(ctx, store.KeyLocationKeys{
			SSHKeyID: key.ID, ServerID: target.ID, FilePath: "/home/deploy/.ssh/authorized_keys",
		}, model.KeyLocation{FileType: model.FileAuthorizedKeys, GraphLayer: model.LayerAuthorization})
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if err := tx.InsertAccessEvents(ctx, []model.AccessEvent{{
			TargetServerID: target.ID, SourceServerID: &source.ID, SourceIP: source.IPAddress,
			SSHKeyID: &key.ID, Username: "deploy", EventType: model.EventAccepted, EventTime: now,
			LogSource: model.LogSourceSpider,
		}}); err != nil {
			return err
		}

		pathKeys := model.PathKey{TargetServerID: target.ID, SourceServerID: source.ID, SSHKeyID: key.ID, Username: "deploy"}
		if _, _, err := tx.GetOrCreateAccessPath(ctx, pathKeys, model.AccessPath{
			FirstSeenAt: now, LastSeenAt: now, EventCount: 1, IsActive: true,
		}); err != nil {
			return err
		}

		if err := Reconcile(ctx, tx, target.ID); err != nil {
			return err
		}

		locs, err := tx.KeyLocationsByServer(ctx, target.ID)
		if err != nil {
			return err
		}
		if len(locs) != 1 || locs[0].GraphLayer != model.LayerBoth {
			t.Fatalf("expected the location promoted to both, got %+v", locs)
		}

		paths, err := tx.AccessPathsByTarget(ctx, target.ID)
		if err != nil {
			return err
		}
		if len(paths) != 1 || !paths[0].IsAuthorized || !paths[0].IsUsed {
			t.Fatalf("expected authorized+used path, got %+v", paths)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestReconcileLeavesUnusedAuthorizedKeyInAuthorizationLayer covers the
// "dormant" case: a key seen only in authorized_keys never gets promoted.
func TestReconcileLeavesUnusedAuthorizedKeyInAuthorizationLayer(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	err := st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		target := seedServer(t, tx, "10.0.0.1")
		key := seedKey(t, tx, "SHA256:def")

		_, _, err := tx.GetOrCreateKeyLocation(ctx, store.KeyLocationKeys{
			SSHKeyID: key.ID, ServerID: target.ID, FilePath: "/home/deploy/.ssh/authorized_keys",
		}, model.KeyLocation{FileType: model.FileAuthorizedKeys, GraphLayer: model.LayerAuthorization})
		if err != nil {
			return err
		}

		if err := Reconcile(ctx, tx, target.ID); err != nil {
			return err
		}

		locs, err := tx.KeyLocationsByServer(ctx, target.ID)
		if err != nil {
			return err
		}
		if len(locs) != 1 || locs[0].GraphLayer != model.LayerAuthorization {
			t.Fatalf("expected location to remain authorization-only, got %+v", locs)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name             string
		path             model.AccessPath
		wantDormant      bool
		wantMystery      bool
	}{
		{"dormant", model.AccessPath{IsAuthorized: true, IsUsed: false}, true, false},
		{"mystery", model.AccessPath{IsAuthorized: false, IsUsed: true}, false, true},
		{"normal", model.AccessPath{IsAuthorized: true, IsUsed: true}, false, false},
		{"neither", model.AccessPath{IsAuthorized: false, IsUsed: false}, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dormant, mystery := Classify(tc.path)
			if dormant != tc.wantDormant || mystery != tc.wantMystery {
				t.Fatalf("Classify(%+v) = (%v, %v), want (%v, %v)", tc.path, dormant, mystery, tc.wantDormant, tc.wantMystery)
			}
		})
	}
}
