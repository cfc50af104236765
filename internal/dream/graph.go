package dream

import (
	"sort"
)

// Graph is a flat arena of concept nodes with adjacency lists of edge
// indices. Nodes are addressed by arena index internally and by stable id
// externally; edges never hold live node pointers, which keeps the
// structure cycle-free for ownership purposes and cheap to serialize.
type Graph struct {
	nodes []*ConceptNode
	index map[string]int // node id -> arena index
	edges []*ConceptEdge
	adj   [][]int        // arena index -> outgoing edge indices
	keys  map[edgeKey]int // dedup: (src, dst, relation) -> edge index
}

type edgeKey struct {
	src, dst int
	relation Relation
}

// NewGraph creates an empty concept graph.
func NewGraph() *Graph {
	return &Graph{
		index: make(map[string]int),
		keys:  make(map[edgeKey]int),
	}
}

// AddNode inserts a node into the arena. Re-adding an existing id returns
// the existing arena index.
func (g *Graph) AddNode(n *ConceptNode) int {
	if i, ok := g.index[n.ID]; ok {
		return i
	}
	i := len(g.nodes)
	g.nodes = append(g.nodes, n)
	g.adj = append(g.adj, nil)
	g.index[n.ID] = i
	return i
}

// Node returns the node at an arena index.
func (g *Graph) Node(i int) *ConceptNode { return g.nodes[i] }

// NodeByID returns a node by its stable id.
func (g *Graph) NodeByID(id string) (*ConceptNode, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return g.nodes[i], true
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Edges returns the edge arena.
func (g *Graph) Edges() []*ConceptEdge { return g.edges }

// UpsertEdge adds a directed edge or reinforces an existing one. The same
// (source, target, relation) is never duplicated: weight takes the max and
// evidence increments.
func (g *Graph) UpsertEdge(srcIdx, dstIdx int, relation Relation, weight float64) *ConceptEdge {
	if weight < 0 {
		weight = 0
	}
	if weight > 1 {
		weight = 1
	}
	key := edgeKey{src: srcIdx, dst: dstIdx, relation: relation}
	if ei, ok := g.keys[key]; ok {
		e := g.edges[ei]
		if weight > e.Weight {
			e.Weight = weight
		}
		e.Evidence++
		return e
	}
	e := &ConceptEdge{
		SourceID: g.nodes[srcIdx].ID,
		TargetID: g.nodes[dstIdx].ID,
		Relation: relation,
		Weight:   weight,
		Evidence: 1,
	}
	ei := len(g.edges)
	g.edges = append(g.edges, e)
	g.adj[srcIdx] = append(g.adj[srcIdx], ei)
	g.keys[key] = ei
	return e
}

// RestoreEdge seeds an edge with weight and evidence accumulated in prior
// sessions, without counting as a fresh observation.
func (g *Graph) RestoreEdge(srcIdx, dstIdx int, relation Relation, weight float64, evidence int) {
	if evidence < 1 {
		evidence = 1
	}
	key := edgeKey{src: srcIdx, dst: dstIdx, relation: relation}
	if ei, ok := g.keys[key]; ok {
		e := g.edges[ei]
		if weight > e.Weight {
			e.Weight = weight
		}
		if evidence > e.Evidence {
			e.Evidence = evidence
		}
		return
	}
	e := g.UpsertEdge(srcIdx, dstIdx, relation, weight)
	e.Evidence = evidence
}

// Outgoing returns the outgoing edges of an arena index.
func (g *Graph) Outgoing(i int) []*ConceptEdge {
	out := make([]*ConceptEdge, 0, len(g.adj[i]))
	for _, ei := range g.adj[i] {
		out = append(out, g.edges[ei])
	}
	return out
}

// OutDegree returns the number of outgoing edges of an arena index.
func (g *Graph) OutDegree(i int) int { return len(g.adj[i]) }

// CapOutDegree trims every node's adjacency list to at most max edges,
// keeping the highest-weight ones, to bound traversal cost.
func (g *Graph) CapOutDegree(max int) {
	if max <= 0 {
		return
	}
	for i := range g.adj {
		if len(g.adj[i]) <= max {
			continue
		}
		sort.Slice(g.adj[i], func(a, b int) bool {
			return g.edges[g.adj[i][a]].Weight > g.edges[g.adj[i][b]].Weight
		})
		dropped := g.adj[i][max:]
		g.adj[i] = g.adj[i][:max]
		for _, ei := range dropped {
			e := g.edges[ei]
			delete(g.keys, edgeKey{src: i, dst: g.index[e.TargetID], relation: e.Relation})
		}
	}
}

// strongestEdge returns the highest weight among a node's outgoing edges.
// A node with at least one strong edge is considered established in the
// graph rather than a fresh concept.
func (g *Graph) strongestEdge(i int) float64 {
	var w float64
	for _, ei := range g.adj[i] {
		if g.edges[ei].Weight > w {
			w = g.edges[ei].Weight
		}
	}
	return w
}

// strongestConnection returns the max edge weight between two arena
// indices in either direction, plus the total evidence behind it.
func (g *Graph) strongestConnection(a, b int) (float64, int) {
	var weight float64
	var evidence int
	for _, rel := range []Relation{RelationSimilarity, RelationCausation, RelationCooccurrence, RelationSequence} {
		for _, key := range []edgeKey{{src: a, dst: b, relation: rel}, {src: b, dst: a, relation: rel}} {
			if ei, ok := g.keys[key]; ok {
				e := g.edges[ei]
				if e.Weight > weight {
					weight = e.Weight
				}
				evidence += e.Evidence
			}
		}
	}
	return weight, evidence
}
