// Package dataflow maintains the directed acyclic lineage graph of values:
// which existing values each new value was derived from. The graph backs
// provenance audits and ordering queries.
// Cycle detection and topological sort algorithms adapted from TaskWing
// (https://github.com/josephgoksu/TaskWing) under MIT License.
package dataflow

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/normanking/warden/internal/capability"
	"github.com/normanking/warden/internal/logging"
)

// Node is one vertex of the lineage graph.
type Node struct {
	// ValueID identifies the value this node tracks.
	ValueID string `yaml:"value_id"`

	// Operation names the operation that produced the value.
	Operation string `yaml:"operation"`

	// Inputs and Outputs are the neighboring value ids.
	Inputs  []string `yaml:"inputs,omitempty"`
	Outputs []string `yaml:"outputs,omitempty"`

	// Timestamp records when the node was added.
	Timestamp time.Time `yaml:"timestamp"`
}

// Statistics summarizes the graph shape.
type Statistics struct {
	Nodes        int     `yaml:"nodes" json:"nodes"`
	Edges        int     `yaml:"edges" json:"edges"`
	Roots        int     `yaml:"roots" json:"roots"`
	Leaves       int     `yaml:"leaves" json:"leaves"`
	AvgOutDegree float64 `yaml:"avg_out_degree" json:"avg_out_degree"`
	MaxDepth     int     `yaml:"max_depth" json:"max_depth"`
	Cycles       int     `yaml:"cycles" json:"cycles"`
}

// Graph is the value lineage DAG. When constructed with Shared(), all
// operations serialize behind a mutex so the graph can be process-wide
// state; otherwise it is request-scoped and unsynchronized access is the
// caller's responsibility.
type Graph struct {
	mu       sync.RWMutex
	shared   bool
	maxNodes int

	nodes  map[string]*Node
	roots  map[string]struct{}
	leaves map[string]struct{}

	log *logging.Logger
}

// Option configures graph construction.
type Option func(*Graph)

// Shared marks the graph as process-wide shared state; every mutation and
// query then takes the graph mutex.
func Shared() Option {
	return func(g *Graph) { g.shared = true }
}

// MaxNodes bounds the graph size; AddValue fails once the bound is
// reached. Zero means unbounded.
func MaxNodes(n int) Option {
	return func(g *Graph) { g.maxNodes = n }
}

// New creates an empty lineage graph.
func New(log *logging.Logger, opts ...Option) *Graph {
	if log == nil {
		log = logging.Global()
	}
	g := &Graph{
		nodes:  make(map[string]*Node),
		roots:  make(map[string]struct{}),
		leaves: make(map[string]struct{}),
		log:    log.WithComponent("dataflow"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Graph) lock() {
	if g.shared {
		g.mu.Lock()
	}
}

func (g *Graph) unlock() {
	if g.shared {
		g.mu.Unlock()
	}
}

func (g *Graph) rlock() {
	if g.shared {
		g.mu.RLock()
	}
}

func (g *Graph) runlock() {
	if g.shared {
		g.mu.RUnlock()
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// MUTATION
// ═══════════════════════════════════════════════════════════════════════════════

// AddValue creates a node for the value, wires edges from each input node,
// and recomputes the root/leaf sets.
func (g *Graph) AddValue(v *capability.Value, operation string, inputs []string) error {
	if v == nil || v.ID == "" {
		return fmt.Errorf("dataflow: value must have an id")
	}

	g.lock()
	defer g.unlock()

	if _, exists := g.nodes[v.ID]; exists {
		return fmt.Errorf("dataflow: node %s already exists", v.ID)
	}
	if g.maxNodes > 0 && len(g.nodes) >= g.maxNodes {
		return fmt.Errorf("dataflow: node limit %d reached", g.maxNodes)
	}

	node := &Node{
		ValueID:   v.ID,
		Operation: operation,
		Timestamp: time.Now(),
	}
	for _, in := range inputs {
		parent, ok := g.nodes[in]
		if !ok {
			continue // input predates graph retention; edge is dropped
		}
		node.Inputs = append(node.Inputs, in)
		parent.Outputs = append(parent.Outputs, v.ID)
	}
	g.nodes[v.ID] = node
	g.recomputeEndpointsLocked()
	return nil
}

// RemoveValue unlinks the node from all neighbors, deletes it, and
// recomputes the root/leaf sets.
func (g *Graph) RemoveValue(id string) bool {
	g.lock()
	defer g.unlock()

	node, ok := g.nodes[id]
	if !ok {
		return false
	}
	for _, in := range node.Inputs {
		if parent, ok := g.nodes[in]; ok {
			parent.Outputs = removeString(parent.Outputs, id)
		}
	}
	for _, out := range node.Outputs {
		if child, ok := g.nodes[out]; ok {
			child.Inputs = removeString(child.Inputs, id)
		}
	}
	delete(g.nodes, id)
	g.recomputeEndpointsLocked()
	return true
}

// recomputeEndpointsLocked rebuilds the root and leaf sets. O(n) per
// mutation; acceptable at expected scale. Callers needing high mutation
// rates should incrementalize this.
func (g *Graph) recomputeEndpointsLocked() {
	g.roots = make(map[string]struct{})
	g.leaves = make(map[string]struct{})
	for id, n := range g.nodes {
		if len(n.Inputs) == 0 {
			g.roots[id] = struct{}{}
		}
		if len(n.Outputs) == 0 {
			g.leaves[id] = struct{}{}
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// QUERIES
// ═══════════════════════════════════════════════════════════════════════════════

// Node returns a copy of the node for the given value id.
func (g *Graph) Node(id string) (Node, bool) {
	g.rlock()
	defer g.runlock()
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Roots returns the sorted ids of nodes with no inputs.
func (g *Graph) Roots() []string {
	g.rlock()
	defer g.runlock()
	return sortedKeys(g.roots)
}

// Leaves returns the sorted ids of nodes with no outputs.
func (g *Graph) Leaves() []string {
	g.rlock()
	defer g.runlock()
	return sortedKeys(g.leaves)
}

// GetPath returns the first path found from one value to another following
// output edges (DFS, not guaranteed shortest), or nil if none exists.
func (g *Graph) GetPath(from, to string) []string {
	g.rlock()
	defer g.runlock()

	if _, ok := g.nodes[from]; !ok {
		return nil
	}
	if _, ok := g.nodes[to]; !ok {
		return nil
	}

	visited := make(map[string]struct{})
	var dfs func(id string, path []string) []string
	dfs = func(id string, path []string) []string {
		path = append(path, id)
		if id == to {
			return append([]string(nil), path...)
		}
		visited[id] = struct{}{}
		for _, next := range g.nodes[id].Outputs {
			if _, seen := visited[next]; seen {
				continue
			}
			if found := dfs(next, path); found != nil {
				return found
			}
		}
		return nil
	}
	return dfs(from, nil)
}

// GetAncestors returns every value id reachable over input edges.
func (g *Graph) GetAncestors(id string) []string {
	g.rlock()
	defer g.runlock()
	return g.reachLocked(id, func(n *Node) []string { return n.Inputs })
}

// GetDescendants returns every value id reachable over output edges.
func (g *Graph) GetDescendants(id string) []string {
	g.rlock()
	defer g.runlock()
	return g.reachLocked(id, func(n *Node) []string { return n.Outputs })
}

func (g *Graph) reachLocked(id string, edges func(*Node) []string) []string {
	if _, ok := g.nodes[id]; !ok {
		return nil
	}
	visited := map[string]struct{}{id: {}}
	var out []string
	var dfs func(string)
	dfs = func(cur string) {
		n, ok := g.nodes[cur]
		if !ok {
			return
		}
		for _, next := range edges(n) {
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = struct{}{}
			out = append(out, next)
			dfs(next)
		}
	}
	dfs(id)
	return out
}

// DetectCycles returns every cycle found as a vertex sequence. An empty
// result means the graph is a proper DAG.
func (g *Graph) DetectCycles() [][]string {
	g.rlock()
	defer g.runlock()
	return g.detectCyclesLocked()
}

func (g *Graph) detectCyclesLocked() [][]string {
	visited := make(map[string]struct{})
	var cycles [][]string

	var dfs func(id string, stack []string, onStack map[string]int)
	dfs = func(id string, stack []string, onStack map[string]int) {
		visited[id] = struct{}{}
		onStack[id] = len(stack)
		stack = append(stack, id)

		for _, next := range g.nodes[id].Outputs {
			if pos, cycling := onStack[next]; cycling {
				cycle := append([]string(nil), stack[pos:]...)
				cycles = append(cycles, cycle)
				continue
			}
			if _, seen := visited[next]; seen {
				continue
			}
			dfs(next, stack, onStack)
		}
		delete(onStack, id)
	}

	for _, id := range g.sortedIDsLocked() {
		if _, seen := visited[id]; !seen {
			dfs(id, nil, make(map[string]int))
		}
	}
	return cycles
}

// GetTopologicalSort returns every value id in an order respecting all
// edges. A cyclic graph returns an empty sequence, signaling an invalid
// graph rather than panicking.
func (g *Graph) GetTopologicalSort() []string {
	g.rlock()
	defer g.runlock()

	if len(g.detectCyclesLocked()) > 0 {
		return nil
	}

	visited := make(map[string]struct{})
	var order []string
	var dfs func(string)
	dfs = func(id string) {
		visited[id] = struct{}{}
		for _, next := range g.nodes[id].Outputs {
			if _, seen := visited[next]; !seen {
				dfs(next)
			}
		}
		order = append(order, id)
	}
	for _, id := range g.sortedIDsLocked() {
		if _, seen := visited[id]; !seen {
			dfs(id)
		}
	}

	// Post-order DFS yields reverse topological order.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}

// GetSubgraph returns the induced subgraph over the given ids: the
// matching nodes with only the edges whose both endpoints are included.
func (g *Graph) GetSubgraph(ids []string) map[string]Node {
	g.rlock()
	defer g.runlock()

	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}

	out := make(map[string]Node)
	for id := range keep {
		n, ok := g.nodes[id]
		if !ok {
			continue
		}
		sub := Node{ValueID: n.ValueID, Operation: n.Operation, Timestamp: n.Timestamp}
		for _, in := range n.Inputs {
			if _, ok := keep[in]; ok {
				sub.Inputs = append(sub.Inputs, in)
			}
		}
		for _, o := range n.Outputs {
			if _, ok := keep[o]; ok {
				sub.Outputs = append(sub.Outputs, o)
			}
		}
		out[id] = sub
	}
	return out
}

// GetStatistics returns node/edge counts, average out-degree, maximum
// depth from the roots, and the cycle count.
func (g *Graph) GetStatistics() Statistics {
	g.rlock()
	defer g.runlock()

	stats := Statistics{
		Nodes:  len(g.nodes),
		Roots:  len(g.roots),
		Leaves: len(g.leaves),
		Cycles: len(g.detectCyclesLocked()),
	}
	for _, n := range g.nodes {
		stats.Edges += len(n.Outputs)
	}
	if stats.Nodes > 0 {
		stats.AvgOutDegree = float64(stats.Edges) / float64(stats.Nodes)
	}

	// Max depth via DFS from each root; the visited map holds the best
	// known depth so deeper revisits are allowed.
	depth := make(map[string]int)
	var dfs func(id string, d int)
	dfs = func(id string, d int) {
		if best, seen := depth[id]; seen && best >= d {
			return
		}
		depth[id] = d
		if d > stats.MaxDepth {
			stats.MaxDepth = d
		}
		for _, next := range g.nodes[id].Outputs {
			dfs(next, d+1)
		}
	}
	if stats.Cycles == 0 {
		for id := range g.roots {
			dfs(id, 0)
		}
	}
	return stats
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.rlock()
	defer g.runlock()
	return len(g.nodes)
}

// sortedIDsLocked gives deterministic iteration for traversal entry points.
func (g *Graph) sortedIDsLocked() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ═══════════════════════════════════════════════════════════════════════════════
// ERRORS & HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

// CycleError reports a lineage cycle, which can only arise from manual
// edge rigging or corrupted import.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return "lineage cycle detected"
	}
	return fmt.Sprintf("lineage cycle detected: %s", strings.Join(e.Path, " -> "))
}

// IsCycleError checks if an error is a CycleError.
func IsCycleError(err error) bool {
	_, ok := err.(*CycleError)
	return ok
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
