package invtx

import "sort"

// WaitForGraph is a snapshot of the "waits for" relation between in-flight
// transactions, derived from the lock registry. Nodes are transactions with
// at least one outstanding conflicting request or a grant some waiter blocks
// on; an edge A→B means A waits for a resource B holds.
type WaitForGraph struct {
	edges map[string]map[string]struct{}
}

func (g *WaitForGraph) addEdge(waiting, holding string) {
	if g.edges[waiting] == nil {
		g.edges[waiting] = make(map[string]struct{})
	}
	g.edges[waiting][holding] = struct{}{}
}

// Nodes returns every transaction id in the graph, sorted.
func (g *WaitForGraph) Nodes() []string {
	set := make(map[string]struct{}, len(g.edges))
	for waiting, holdings := range g.edges {
		set[waiting] = struct{}{}
		for holding := range holdings {
			set[holding] = struct{}{}
		}
	}

	nodes := make([]string, 0, len(set))
	for node := range set {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	return nodes
}

func (g *WaitForGraph) successors(node string) []string {
	succ := make([]string, 0, len(g.edges[node]))
	for holding := range g.edges[node] {
		succ = append(succ, holding)
	}
	sort.Strings(succ)
	return succ
}

// WaitForGraphAnalyzer rebuilds the wait-for graph from registry state and
// enumerates its cycles. It runs on a fixed interval rather than per lock
// request, so detection latency is bounded by the interval.
type WaitForGraphAnalyzer struct {
	registry *LockRegistry
}

func NewWaitForGraphAnalyzer(registry *LockRegistry) *WaitForGraphAnalyzer {
	return &WaitForGraphAnalyzer{registry: registry}
}

// Snapshot derives the current wait-for graph.
func (a *WaitForGraphAnalyzer) Snapshot() *WaitForGraph {
	graph := &WaitForGraph{edges: make(map[string]map[string]struct{})}
	for _, edge := range a.registry.WaitEdges() {
		graph.addEdge(edge.WaitingTXID, edge.HoldingTXID)
	}
	return graph
}

// FindCycles reports every distinct cycle in the graph in one pass, using DFS
// with an explicit recursion stack. Node and successor iteration is sorted,
// so output is deterministic for a given graph.
func (a *WaitForGraphAnalyzer) FindCycles(graph *WaitForGraph) [][]string {
	var cycles [][]string
	seen := make(map[string]struct{})
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var stack []string

	var dfs func(node string)
	dfs = func(node string) {
		visited[node] = true
		onStack[node] = true
		stack = append(stack, node)

		for _, next := range graph.successors(node) {
			if !visited[next] {
				dfs(next)
				continue
			}
			if !onStack[next] {
				continue
			}
			// Back edge: the cycle is the stack suffix starting at next.
			start := 0
			for i, id := range stack {
				if id == next {
					start = i
					break
				}
			}
			cycle := append([]string(nil), stack[start:]...)
			key := cycleKey(cycle)
			if _, dup := seen[key]; !dup {
				seen[key] = struct{}{}
				cycles = append(cycles, normalizeCycle(cycle))
			}
		}

		stack = stack[:len(stack)-1]
		onStack[node] = false
	}

	for _, node := range graph.Nodes() {
		if !visited[node] {
			dfs(node)
		}
	}
	return cycles
}

// normalizeCycle rotates the cycle so the smallest transaction id leads,
// making reports reproducible regardless of traversal entry point.
func normalizeCycle(cycle []string) []string {
	if len(cycle) == 0 {
		return cycle
	}

	smallest := 0
	for i, id := range cycle {
		if id < cycle[smallest] {
			smallest = i
		}
	}

	normalized := make([]string, 0, len(cycle))
	normalized = append(normalized, cycle[smallest:]...)
	normalized = append(normalized, cycle[:smallest]...)
	return normalized
}

func cycleKey(cycle []string) string {
	members := append([]string(nil), cycle...)
	sort.Strings(members)
	key := ""
	for _, id := range members {
		key += id + "|"
	}
	return key
}
