// Package graph builds read-only views of the access graph over the
// persisted model, per SPEC_FULL.md §4.11: the full graph (with an optional
// layer filter), a server subgraph, a key subgraph, and simple-path
// enumeration between two servers.
package graph

import (
	"context"

	"github.com/gravitational/trace"
	"github.com/keyspider/keyspider/internal/model"
	"github.com/keyspider/keyspider/internal/store"
)

// NodeType classifies a GraphNode.
type NodeType string

const (
	NodeServer            NodeType = "server"
	NodeUnreachableSource NodeType = "unreachable_source"
)

// GraphNode is one vertex of the access graph.
type GraphNode struct {
	ID   string
	Type NodeType

	Server            *model.Server
	UnreachableSource *model.UnreachableSource
}

// GraphEdge is one directed edge of the access graph: an AccessPath from a
// known source server (or a synthetic unreachable-source node) to a target
// server.
type GraphEdge struct {
	FromID string
	ToID   string
	Path   model.AccessPath
}

// Graph is a node/edge view, filtered per the caller's request.
type Graph struct {
	Nodes []GraphNode
	Edges []GraphEdge
}

// LayerFilter restricts a full-graph query to authorization-layer paths,
// usage-layer paths, or all paths.
type LayerFilter string

const (
	LayerAll           LayerFilter = "all"
	LayerAuthorization LayerFilter = "authorization"
	LayerUsage         LayerFilter = "usage"
)

func unreachableNodeID(u model.UnreachableSource) string {
	return "unreachable:" + u.ID
}

func matchesLayer(p model.AccessPath, filter LayerFilter) bool {
	switch filter {
	case LayerAuthorization:
		return p.IsAuthorized
	case LayerUsage:
		return p.IsUsed
	default:
		return true
	}
}

// FullGraph builds the complete access graph, optionally restricted to
// authorization-only or usage-only edges. UnreachableSource rows are
// included as pseudo-nodes directed at their target, per spec §4.11.
func FullGraph(ctx context.Context, tx store.Tx, filter LayerFilter) (Graph, error) {
	paths, err := tx.AllActiveAccessPaths(ctx)
	if err != nil {
		return Graph{}, trace.Wrap(err, "load access paths")
	}

	var g Graph
	serverIDs := make(map[string]bool)
	for _, p := range paths {
		if !matchesLayer(p, filter) {
			continue
		}
		serverIDs[p.TargetServerID] = true
		fromID := "unknown"
		if p.SourceServerID != nil {
			serverIDs[*p.SourceServerID] = true
			fromID = *p.SourceServerID
		}
		g.Edges = append(g.Edges, GraphEdge{FromID: fromID, ToID: p.TargetServerID, Path: p})
	}

	for id := range serverIDs {
		s, ok, err := tx.GetServer(ctx, id)
		if err != nil {
			return Graph{}, trace.Wrap(err, "load server %s", id)
		}
		if !ok {
			continue
		}
		server := s
		g.Nodes = append(g.Nodes, GraphNode{ID: s.ID, Type: NodeServer, Server: &server})
	}

	sources, err := tx.AllUnreachableSources(ctx)
	if err != nil {
		return Graph{}, trace.Wrap(err, "load unreachable sources")
	}
	for _, u := range sources {
		if !serverIDs[u.TargetServerID] {
			s, ok, err := tx.GetServer(ctx, u.TargetServerID)
			if err != nil {
				return Graph{}, trace.Wrap(err, "load server %s", u.TargetServerID)
			}
			if ok {
				server := s
				g.Nodes = append(g.Nodes, GraphNode{ID: s.ID, Type: NodeServer, Server: &server})
			}
			serverIDs[u.TargetServerID] = true
		}
		source := u
		nodeID := unreachableNodeID(u)
		g.Nodes = append(g.Nodes, GraphNode{ID: nodeID, Type: NodeUnreachableSource, UnreachableSource: &source})
		g.Edges = append(g.Edges, GraphEdge{
			FromID: nodeID,
			ToID:   u.TargetServerID,
			Path: model.AccessPath{
				TargetServerID: u.TargetServerID,
				Username:       derefString(u.Username),
				FirstSeenAt:    u.FirstSeenAt,
				LastSeenAt:     u.LastSeenAt,
				EventCount:     u.EventCount,
				IsActive:       true,
			},
		})
	}
	return g, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ServerSubgraph returns the BFS neighborhood of serverID over AccessPath
// edges in both directions, limited to depth hops.
func ServerSubgraph(ctx context.Context, tx store.Tx, serverID string, depth int) (Graph, error) {
	visited := map[string]int{serverID: 0}
	frontier := []string{serverID}

	var edges []GraphEdge
	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []string
		for _, id := range frontier {
			outgoing, err := tx.AccessPathsByTarget(ctx, id)
			if err != nil {
				return Graph{}, trace.Wrap(err, "load outgoing paths for %s", id)
			}
			asTarget, err := accessPathsWithSource(ctx, tx, id)
			if err != nil {
				return Graph{}, trace.Wrap(err, "load source-side paths for %s", id)
			}
			for _, p := range append(outgoing, asTarget...) {
				fromID := "unknown"
				if p.SourceServerID != nil {
					fromID = *p.SourceServerID
				}
				edges = append(edges, GraphEdge{FromID: fromID, ToID: p.TargetServerID, Path: p})

				for _, neighbor := range []string{fromID, p.TargetServerID} {
					if neighbor == "unknown" {
						continue
					}
					if _, seen := visited[neighbor]; !seen {
						visited[neighbor] = d + 1
						next = append(next, neighbor)
					}
				}
			}
		}
		frontier = next
	}

	var g Graph
	g.Edges = dedupeEdges(edges)
	for id := range visited {
		s, ok, err := tx.GetServer(ctx, id)
		if err != nil {
			return Graph{}, trace.Wrap(err, "load server %s", id)
		}
		if !ok {
			continue
		}
		server := s
		g.Nodes = append(g.Nodes, GraphNode{ID: s.ID, Type: NodeServer, Server: &server})
	}
	return g, nil
}

// accessPathsWithSource finds every AccessPath where serverID is the
// source. The Tx interface has no dedicated "by source" query (source is optional and
// therefore not a natural index key per spec §3), so this walks through
// AllActiveAccessPaths and filters — acceptable for the bounded subgraph
// query sizes spec §4.11 describes.
func accessPathsWithSource(ctx context.Context, tx store.Tx, serverID string) ([]model.AccessPath, error) {
	all, err := tx.AllActiveAccessPaths(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.AccessPath
	for _, p := range all {
		if p.SourceServerID != nil && *p.SourceServerID == serverID {
			out = append(out, p)
		}
	}
	return out, nil
}

func dedupeEdges(edges []GraphEdge) []GraphEdge {
	seen := make(map[string]bool)
	var out []GraphEdge
	for _, e := range edges {
		if seen[e.Path.ID] {
			continue
		}
		seen[e.Path.ID] = true
		out = append(out, e)
	}
	return out
}

// KeySubgraph returns every active AccessPath for one key, plus the
// servers those paths touch.
func KeySubgraph(ctx context.Context, tx store.Tx, sshKeyID string) (Graph, error) {
	paths, err := tx.AccessPathsByKey(ctx, sshKeyID)
	if err != nil {
		return Graph{}, trace.Wrap(err, "load access paths by key")
	}

	var g Graph
	serverIDs := make(map[string]bool)
	for _, p := range paths {
		if !p.IsActive {
			continue
		}
		fromID := "unknown"
		if p.SourceServerID != nil {
			serverIDs[*p.SourceServerID] = true
			fromID = *p.SourceServerID
		}
		serverIDs[p.TargetServerID] = true
		g.Edges = append(g.Edges, GraphEdge{FromID: fromID, ToID: p.TargetServerID, Path: p})
	}
	for id := range serverIDs {
		s, ok, err := tx.GetServer(ctx, id)
		if err != nil {
			return Graph{}, trace.Wrap(err, "load server %s", id)
		}
		if !ok {
			continue
		}
		server := s
		g.Nodes = append(g.Nodes, GraphNode{ID: s.ID, Type: NodeServer, Server: &server})
	}
	return g, nil
}

const (
	maxPathLength  = 10
	maxPathResults = 100
)

// Path is one simple path from src to dst.
type Path struct {
	ServerIDs []string
	Edges     []GraphEdge
}

// FindPaths enumerates simple paths from src to dst on the directed
// AccessPath graph via BFS, capped at maxPathLength hops and maxPathResults
// returned paths, per spec §4.11.
func FindPaths(ctx context.Context, tx store.Tx, src, dst string) ([]Path, error) {
	all, err := tx.AllActiveAccessPaths(ctx)
	if err != nil {
		return nil, trace.Wrap(err, "load access paths")
	}

	adjacency := make(map[string][]GraphEdge)
	for _, p := range all {
		if p.SourceServerID == nil {
			continue
		}
		edge := GraphEdge{FromID: *p.SourceServerID, ToID: p.TargetServerID, Path: p}
		adjacency[edge.FromID] = append(adjacency[edge.FromID], edge)
	}

	type queueItem struct {
		path Path
		last string
	}
	queue := []queueItem{{path: Path{ServerIDs: []string{src}}, last: src}}
	var results []Path

	for len(queue) > 0 && len(results) < maxPathResults {
		item := queue[0]
		queue = queue[1:]

		if len(item.path.ServerIDs)-1 >= maxPathLength {
			continue
		}

		for _, edge := range adjacency[item.last] {
			if containsID(item.path.ServerIDs, edge.ToID) {
				continue // simple paths only: never revisit a node
			}
			nextPath := Path{
				ServerIDs: append(append([]string{}, item.path.ServerIDs...), edge.ToID),
				Edges:     append(append([]GraphEdge{}, item.path.Edges...), edge),
			}
			if edge.ToID == dst {
				results = append(results, nextPath)
				if len(results) >= maxPathResults {
					break
				}
				continue
			}
			queue = append(queue, queueItem{path: nextPath, last: edge.ToID})
		}
	}
	return results, nil
}

func containsID(ids []string, id string) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}
