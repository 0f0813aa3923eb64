package graph

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddNodeCanonicalizes(t *testing.T) {
	g := New()
	assert.True(t, g.AddNode("  Jon   Snow ", "person"))
	assert.False(t, g.AddNode("jon snow", "person"))
	assert.Equal(t, 1, g.NodeCount())
	assert.True(t, g.Has("JON SNOW"))
}

func TestAddNodeRejectsEmpty(t *testing.T) {
	g := New()
	assert.False(t, g.AddNode("   ", "person"))
	assert.Equal(t, 0, g.NodeCount())
}

func TestAddNodeCountsMentions(t *testing.T) {
	g := New()
	g.AddNode("winterfell", "place")
	g.AddNode("Winterfell", "")
	sub := g.Neighborhood([]string{"winterfell"}, 1)
	require.Len(t, sub.Nodes, 1)
	assert.Equal(t, 2, sub.Nodes[0].Mentions)
	assert.Equal(t, "place", sub.Nodes[0].Type)
}

func TestAddEdgeDeduplicates(t *testing.T) {
	g := New()
	assert.True(t, g.AddEdge("Jon Snow", "RULES", "The North", 1))
	assert.False(t, g.AddEdge("jon snow", "rules", "the north", 1))
	assert.Equal(t, 1, g.EdgeCount())

	sub := g.Neighborhood([]string{"jon snow"}, 1)
	require.Len(t, sub.Edges, 1)
	assert.Equal(t, 2.0, sub.Edges[0].Weight)
}

func TestAddEdgeCreatesEndpoints(t *testing.T) {
	g := New()
	g.AddEdge("a", "knows", "b", 1)
	assert.Equal(t, 2, g.NodeCount())
}

func TestAddEdgeRejectsSelfLoop(t *testing.T) {
	g := New()
	assert.False(t, g.AddEdge("a", "knows", "A", 1))
	assert.Equal(t, 0, g.EdgeCount())
}

func buildFamily(g *Graph) {
	g.AddEdge("ned", "father of", "jon", 1)
	g.AddEdge("ned", "father of", "arya", 1)
	g.AddEdge("jon", "allied with", "dany", 1)
	g.AddEdge("dany", "rides", "drogon", 1)
	g.AddEdge("cersei", "rules", "kings landing", 1)
}

func TestNeighborhoodHopBound(t *testing.T) {
	g := New()
	buildFamily(g)

	one := g.Neighborhood([]string{"ned"}, 1)
	names := nodeNames(one)
	assert.ElementsMatch(t, []string{"ned", "jon", "arya"}, names)

	two := g.Neighborhood([]string{"ned"}, 2)
	assert.Contains(t, nodeNames(two), "dany")
	assert.NotContains(t, nodeNames(two), "drogon")
	assert.NotContains(t, nodeNames(two), "cersei")
}

func TestNeighborhoodFollowsBothDirections(t *testing.T) {
	g := New()
	buildFamily(g)
	sub := g.Neighborhood([]string{"jon"}, 1)
	assert.Contains(t, nodeNames(sub), "ned")
	assert.Contains(t, nodeNames(sub), "dany")
}

func TestNeighborhoodUnknownSeed(t *testing.T) {
	g := New()
	buildFamily(g)
	sub := g.Neighborhood([]string{"hodor"}, 2)
	assert.True(t, sub.Empty())
}

func TestNeighborhoodIsSnapshot(t *testing.T) {
	g := New()
	g.AddEdge("a", "knows", "b", 1)
	sub := g.Neighborhood([]string{"a"}, 1)
	g.AddEdge("a", "knows", "c", 1)
	assert.Len(t, sub.Edges, 1)
}

func TestDescribeOrdersByWeight(t *testing.T) {
	g := New()
	g.AddEdge("a", "weak", "b", 1)
	g.AddEdge("a", "strong", "c", 5)
	out := g.Neighborhood([]string{"a"}, 1).Describe(10)
	lines := splitLines(out)
	require.Len(t, lines, 2)
	assert.Equal(t, "a strong c", lines[0])
}

func TestMissingEntities(t *testing.T) {
	g := New()
	g.AddNode("jon snow", "person")
	missing := g.MissingEntities([]string{"Jon Snow", "Arya", "arya", ""})
	assert.Equal(t, []string{"arya"}, missing)
}

func TestConcurrentMutation(t *testing.T) {
	g := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.AddEdge("a", "knows", "b", 1)
			g.AddNode("c", "thing")
			g.Neighborhood([]string{"a"}, 2)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, g.EdgeCount())
	assert.Equal(t, 3, g.NodeCount())
}

func nodeNames(s *Subgraph) []string {
	out := make([]string, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		out = append(out, n.Name)
	}
	return out
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
