package graph

import (
	"context"
	"testing"
	"time"

	"github.com/keyspider/keyspider/internal/model"
	"github.com/keyspider/keyspider/internal/store"
)

func seedServer(t *testing.T, tx store.Tx, ip string) model.Server {
	t.Helper()
	s, _, err := tx.GetOrCreateServer(context.Background(), store.ServerKeys{IPAddress: ip, SSHPort: 22}, model.Server{
		IPAddress: ip, Hostname: ip, OSType: model.OSLinux,
	})
	if err != nil {
		t.Fatalf("seed server: %v", err)
	}
	return s
}

func seedPath(t *testing.T, tx store.Tx, from, to model.Server) model.AccessPath {
	t.Helper()
	now := time.Now().UTC()
	p, _, err := tx.GetOrCreateAccessPath(context.Background(), model.PathKey{
		SourceServerID: from.ID, TargetServerID: to.ID, Username: "deploy",
	}, model.AccessPath{
		SourceServerID: &from.ID, TargetServerID: to.ID, Username: "deploy",
		FirstSeenAt: now, LastSeenAt: now, EventCount: 1, IsActive: true, IsAuthorized: true, IsUsed: true,
	})
	if err != nil {
		t.Fatalf("seed path: %v", err)
	}
	return p
}

func TestFullGraphIncludesEveryActivePathAsAnEdge(t *testing.T) {
	st := store.NewMemoryStore()
	err := st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		a := seedServer(t, tx, "10.0.0.1")
		b := seedServer(t, tx, "10.0.0.2")
		seedPath(t, tx, a, b)

		g, err := FullGraph(ctx, tx, LayerAll)
		if err != nil {
			return err
		}
		if len(g.Edges) != 1 {
			t.Fatalf("expected 1 edge, got %d", len(g.Edges))
		}
		if len(g.Nodes) != 2 {
			t.Fatalf("expected 2 server nodes, got %d", len(g.Nodes))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestFullGraphUsageFilterExcludesUnusedPaths(t *testing.T) {
	st := store.NewMemoryStore()
	err := st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		a := seedServer(t, tx, "10.0.0.1")
		b := seedServer(t, tx, "10.0.0.2")
		now := time.Now().UTC()
		if _, _, err := tx.GetOrCreateAccessPath(ctx, model.PathKey{
			SourceServerID: a.ID, TargetServerID: b.ID, Username: "dormant",
		}, model.AccessPath{
			SourceServerID: &a.ID, TargetServerID: b.ID, Username: "dormant",
			FirstSeenAt: now, LastSeenAt: now, IsActive: true, IsAuthorized: true, IsUsed: false,
		}); err != nil {
			return err
		}

		g, err := FullGraph(ctx, tx, LayerUsage)
		if err != nil {
			return err
		}
		if len(g.Edges) != 0 {
			t.Fatalf("expected the dormant-only path filtered out, got %d edges", len(g.Edges))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestFindPathsFindsMultiHopChain exercises the BFS over a->b->c, expecting
// exactly one simple path from a to c.
func TestFindPathsFindsMultiHopChain(t *testing.T) {
	st := store.NewMemoryStore()
	err := st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		a := seedServer(t, tx, "10.0.0.1")
		b := seedServer(t, tx, "10.0.0.2")
		c := seedServer(t, tx, "10.0.0.3")
		seedPath(t, tx, a, b)
		seedPath(t, tx, b, c)

		paths, err := FindPaths(ctx, tx, a.ID, c.ID)
		if err != nil {
			return err
		}
		if len(paths) != 1 {
			t.Fatalf("expected exactly one path, got %d", len(paths))
		}
		if len(paths[0].ServerIDs) != 3 {
			t.Fatalf("expected a 3-server path, got %v", paths[0].ServerIDs)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestFindPathsNoPathReturnsEmpty(t *testing.T) {
	st := store.NewMemoryStore()
	err := st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		a := seedServer(t, tx, "10.0.0.1")
		b := seedServer(t, tx, "10.0.0.2")

		paths, err := FindPaths(ctx, tx, a.ID, b.ID)
		if err != nil {
			return err
		}
		if len(paths) != 0 {
			t.Fatalf("expected no paths between disconnected servers, got %d", len(paths))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestKeySubgraphOnlyIncludesActivePaths(t *testing.T) {
	st := store.NewMemoryStore()
	err := st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		a := seedServer(t, tx, "10.0.0.1")
		b := seedServer(t, tx, "10.0.0.2")
		key, _, err := tx.GetOrCreateKey(ctx, "SHA256:xyz", model.SSHKey{
			FingerprintSHA256: "SHA256:xyz", PublicKeyData: "ssh-ed25519 AAAA test", FirstSeenAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if _, _, err := tx.GetOrCreateAccessPath(ctx, model.PathKey{
			SourceServerID: a.ID, TargetServerID: b.ID, SSHKeyID: key.ID, Username: "deploy",
		}, model.AccessPath{
			SourceServerID: &a.ID, TargetServerID: b.ID, SSHKeyID: &key.ID, Username: "deploy",
			FirstSeenAt: now, LastSeenAt: now, IsActive: true,
		}); err != nil {
			return err
		}
		if _, _, err := tx.GetOrCreateAccessPath(ctx, model.PathKey{
			SourceServerID: a.ID, TargetServerID: b.ID, SSHKeyID: key.ID, Username: "retired",
		}, model.AccessPath{
			SourceServerID: &a.ID, TargetServerID: b.ID, SSHKeyID: &key.ID, Username: "retired",
			FirstSeenAt: now, LastSeenAt: now, IsActive: false,
		}); err != nil {
			return err
		}

		g, err := KeySubgraph(ctx, tx, key.ID)
		if err != nil {
			return err
		}
		if len(g.Edges) != 1 {
			t.Fatalf("expected 1 edge for the key, got %d", len(g.Edges))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
