package pipeline

import (
	"slices"
	"sort"
	"strings"

	"gridweaver/internal/stage"
)

// Edge is a dependency: To runs only after From completed. Fields lists the
// fields whose data flow induced the edge; it is empty for an explicit barrier.
type Edge struct {
	From   string
	To     string
	Fields []string
}

type edgeIndex struct {
	from int
	to   int
}

type node struct {
	stage   *stage.Stage
	defHash string
}

// graph is the immutable dependency structure of a built pipeline. Node
// indices are canonical: stages sorted by name.
type graph struct {
	nodes  []*node
	byName map[string]int

	edges []edgeIndex // sorted
	via   map[edgeIndex][]string

	outgoing [][]int // sorted ascending
	incoming [][]int // sorted ascending
	indeg    []int
	depth    []int
	layers   [][]int // node indices by depth, ascending within a layer
	reach    [][]bool
}

func newGraph(stages []*stage.Stage) *graph {
	nodes := make([]*node, len(stages))
	for i, s := range stages {
		nodes[i] = &node{stage: s}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].stage.Name < nodes[j].stage.Name })

	byName := make(map[string]int, len(nodes))
	for i, n := range nodes {
		byName[n.stage.Name] = i
	}
	return &graph{
		nodes:    nodes,
		byName:   byName,
		via:      make(map[edgeIndex][]string),
		outgoing: make([][]int, len(nodes)),
		incoming: make([][]int, len(nodes)),
		indeg:    make([]int, len(nodes)),
	}
}

// addEdge records that to depends on from. Self edges are ignored; a stage
// may read what it writes.
func (g *graph) addEdge(from, to int, fieldName string) {
	if from == to {
		return
	}
	e := edgeIndex{from: from, to: to}
	fields, exists := g.via[e]
	if fieldName != "" {
		fields = append(fields, fieldName)
	}
	g.via[e] = fields
	if exists {
		return
	}
	g.edges = append(g.edges, e)
	g.outgoing[from] = append(g.outgoing[from], to)
	g.incoming[to] = append(g.incoming[to], from)
	g.indeg[to]++
}

// seal sorts adjacency, proves acyclicity and derives depth and reachability.
func (g *graph) seal() error {
	sort.Slice(g.edges, func(i, j int) bool {
		a, b := g.edges[i], g.edges[j]
		if a.from != b.from {
			return a.from < b.from
		}
		return a.to < b.to
	})
	for i := range g.nodes {
		sort.Ints(g.outgoing[i])
		sort.Ints(g.incoming[i])
	}
	for e, fields := range g.via {
		sort.Strings(fields)
		g.via[e] = fields
	}

	g.layers = g.peel()
	var order []int
	for _, layer := range g.layers {
		order = append(order, layer...)
	}
	if len(order) != len(g.nodes) {
		return configf(ErrCycle, "%s", strings.Join(g.cycleAmong(order), " -> "))
	}
	g.depth = make([]int, len(g.nodes))
	for d, layer := range g.layers {
		for _, u := range layer {
			g.depth[u] = d
		}
	}

	g.reach = make([][]bool, len(g.nodes))
	for i := len(order) - 1; i >= 0; i-- {
		u := order[i]
		r := make([]bool, len(g.nodes))
		for _, v := range g.outgoing[u] {
			r[v] = true
			for w, ok := range g.reach[v] {
				if ok {
					r[w] = true
				}
			}
		}
		g.reach[u] = r
	}
	return nil
}

// ordered reports whether a and b are connected by a path in either direction.
func (g *graph) ordered(a, b int) bool {
	return g.reach[a][b] || g.reach[b][a]
}

// levels groups node indices by depth, canonical order within a level.
func (g *graph) levels() [][]int { return g.layers }

func (g *graph) name(i int) string { return g.nodes[i].stage.Name }

// peel removes sources layer by layer. A node lands in the layer after its
// last predecessor, so the layer index is its longest-path depth. Nodes on or
// behind a cycle never become sources and are left out.
func (g *graph) peel() [][]int {
	indeg := slices.Clone(g.indeg)
	var layer []int
	for i, d := range indeg {
		if d == 0 {
			layer = append(layer, i)
		}
	}
	var layers [][]int
	for len(layer) > 0 {
		layers = append(layers, layer)
		var next []int
		for _, u := range layer {
			for _, v := range g.outgoing[u] {
				if indeg[v]--; indeg[v] == 0 {
					next = append(next, v)
				}
			}
		}
		sort.Ints(next)
		layer = next
	}
	return layers
}

// cycleAmong returns one cycle as stage names, first name repeated at the
// end. Every node peel left behind has a predecessor that was also left
// behind, so walking smallest such predecessors must revisit a node.
func (g *graph) cycleAmong(peeled []int) []string {
	left := make([]bool, len(g.nodes))
	for i := range left {
		left[i] = true
	}
	for _, u := range peeled {
		left[u] = false
	}
	start := slices.Index(left, true)

	seen := map[int]int{}
	var walk []int
	for u := start; ; {
		if at, ok := seen[u]; ok {
			walk = walk[at:]
			break
		}
		seen[u] = len(walk)
		walk = append(walk, u)
		for _, p := range g.incoming[u] {
			if left[p] {
				u = p
				break
			}
		}
	}

	// The walk follows edges backwards; reverse it and start at the
	// smallest node so the witness does not depend on the entry point.
	slices.Reverse(walk)
	lo := slices.Index(walk, slices.Min(walk))
	cycle := slices.Concat(walk[lo:], walk[:lo])
	out := make([]string, 0, len(cycle)+1)
	for _, u := range cycle {
		out = append(out, g.name(u))
	}
	return append(out, out[0])
}
