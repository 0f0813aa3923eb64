// Package graph maintains the just-in-time entity graph: nodes and
// relations extracted from retrieved chunks, grown incrementally and
// queried as hop-bounded subgraphs.
package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/maestro-rag/maestro/internal/metrics"
)

// Node is one canonicalized entity.
type Node struct {
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Mentions int    `json:"mentions"`
}

// Edge is a deduplicated relation between two nodes.
type Edge struct {
	Src      string  `json:"src"`
	Relation string  `json:"relation"`
	Dst      string  `json:"dst"`
	Weight   float64 `json:"weight"`
}

type edgeKey struct {
	src, rel, dst string
}

// Graph grows monotonically for the process lifetime. Traversal copies
// the matched region so callers never hold the lock across LLM calls.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	edges map[edgeKey]*Edge
	// out indexes edges by source node for traversal; in by target.
	out map[string][]edgeKey
	in  map[string][]edgeKey
}

// New builds an empty graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]*Node),
		edges: make(map[edgeKey]*Edge),
		out:   make(map[string][]edgeKey),
		in:    make(map[string][]edgeKey),
	}
}

// Canonical lowercases and trims an entity name. Empty results are
// rejected by the mutators.
func Canonical(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// AddNode records an entity mention, creating the node on first sight.
// The type tag sticks from the first non-empty observation.
func (g *Graph) AddNode(name, typ string) bool {
	key := Canonical(name)
	if key == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[key]
	if !ok {
		n = &Node{Name: key, Type: typ}
		g.nodes[key] = n
		metrics.GraphNodes.Set(float64(len(g.nodes)))
	}
	if n.Type == "" && typ != "" {
		n.Type = typ
	}
	n.Mentions++
	return !ok
}

// AddEdge records a relation, creating endpoint nodes as needed.
// Duplicate (src, rel, dst) triples accumulate weight instead of
// multiplying edges.
func (g *Graph) AddEdge(src, relation, dst string, weight float64) bool {
	sk, dk := Canonical(src), Canonical(dst)
	rel := strings.ToLower(strings.TrimSpace(relation))
	if sk == "" || dk == "" || rel == "" || sk == dk {
		return false
	}
	if weight <= 0 {
		weight = 1
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, key := range []string{sk, dk} {
		if _, ok := g.nodes[key]; !ok {
			g.nodes[key] = &Node{Name: key, Mentions: 1}
		}
	}
	metrics.GraphNodes.Set(float64(len(g.nodes)))

	ek := edgeKey{src: sk, rel: rel, dst: dk}
	if e, ok := g.edges[ek]; ok {
		e.Weight += weight
		return false
	}
	g.edges[ek] = &Edge{Src: sk, Relation: rel, Dst: dk, Weight: weight}
	g.out[sk] = append(g.out[sk], ek)
	g.in[dk] = append(g.in[dk], ek)
	metrics.GraphEdges.Set(float64(len(g.edges)))
	return true
}

// Has reports whether an entity is already known.
func (g *Graph) Has(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[Canonical(name)]
	return ok
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// EdgeCount returns the number of distinct edges.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// Subgraph is an owned snapshot; safe to read without the graph lock.
type Subgraph struct {
	Nodes []Node
	Edges []Edge
}

// Empty reports whether the snapshot matched nothing.
func (s *Subgraph) Empty() bool { return len(s.Nodes) == 0 }

// Describe renders the subgraph as prompt-ready lines, most heavily
// weighted relations first.
func (s *Subgraph) Describe(maxLines int) string {
	if maxLines <= 0 {
		maxLines = 50
	}
	edges := make([]Edge, len(s.Edges))
	copy(edges, s.Edges)
	sort.SliceStable(edges, func(i, j int) bool { return edges[i].Weight > edges[j].Weight })
	var b strings.Builder
	for i, e := range edges {
		if i >= maxLines {
			break
		}
		fmt.Fprintf(&b, "%s %s %s\n", e.Src, e.Relation, e.Dst)
	}
	if b.Len() == 0 {
		for i, n := range s.Nodes {
			if i >= maxLines {
				break
			}
			fmt.Fprintf(&b, "%s (%s)\n", n.Name, n.Type)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Neighborhood copies the region reachable from the seed entities
// within the given hop count, following edges in both directions.
func (g *Graph) Neighborhood(seeds []string, hops int) *Subgraph {
	if hops <= 0 {
		hops = 2
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := make(map[string]struct{})
	frontier := make([]string, 0, len(seeds))
	for _, s := range seeds {
		key := Canonical(s)
		if _, ok := g.nodes[key]; ok {
			if _, seen := visited[key]; !seen {
				visited[key] = struct{}{}
				frontier = append(frontier, key)
			}
		}
	}

	edgeSet := make(map[edgeKey]struct{})
	for hop := 0; hop < hops && len(frontier) > 0; hop++ {
		var next []string
		for _, name := range frontier {
			for _, ek := range g.out[name] {
				edgeSet[ek] = struct{}{}
				if _, seen := visited[ek.dst]; !seen {
					visited[ek.dst] = struct{}{}
					next = append(next, ek.dst)
				}
			}
			for _, ek := range g.in[name] {
				edgeSet[ek] = struct{}{}
				if _, seen := visited[ek.src]; !seen {
					visited[ek.src] = struct{}{}
					next = append(next, ek.src)
				}
			}
		}
		frontier = next
	}

	sub := &Subgraph{}
	names := make([]string, 0, len(visited))
	for name := range visited {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sub.Nodes = append(sub.Nodes, *g.nodes[name])
	}
	keys := make([]edgeKey, 0, len(edgeSet))
	for ek := range edgeSet {
		keys = append(keys, ek)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].src != keys[j].src {
			return keys[i].src < keys[j].src
		}
		if keys[i].rel != keys[j].rel {
			return keys[i].rel < keys[j].rel
		}
		return keys[i].dst < keys[j].dst
	})
	for _, ek := range keys {
		sub.Edges = append(sub.Edges, *g.edges[ek])
	}
	return sub
}

// MissingEntities filters the given names down to those the graph has
// not seen yet.
func (g *Graph) MissingEntities(names []string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var missing []string
	seen := make(map[string]struct{})
	for _, name := range names {
		key := Canonical(name)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if _, ok := g.nodes[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}
