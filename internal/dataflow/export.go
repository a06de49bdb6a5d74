package dataflow

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// state is the structural serialization of the graph. Adequate for process
// restart and debugging; not a cross-version wire format.
type state struct {
	Nodes []Node `yaml:"nodes"`
}

// ExportState serializes the graph structurally.
func (g *Graph) ExportState() ([]byte, error) {
	g.rlock()
	defer g.runlock()

	st := state{Nodes: make([]Node, 0, len(g.nodes))}
	for _, id := range g.sortedIDsLocked() {
		st.Nodes = append(st.Nodes, *g.nodes[id])
	}
	return yaml.Marshal(&st)
}

// ImportState replaces the graph content with a previously exported state.
// A state containing a lineage cycle is rejected with a CycleError.
func (g *Graph) ImportState(data []byte) error {
	var st state
	if err := yaml.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("dataflow: decode state: %w", err)
	}

	nodes := make(map[string]*Node, len(st.Nodes))
	for i := range st.Nodes {
		n := st.Nodes[i]
		if n.ValueID == "" {
			return fmt.Errorf("dataflow: state node %d missing value id", i)
		}
		nodes[n.ValueID] = &n
	}

	g.lock()
	defer g.unlock()

	old := g.nodes
	g.nodes = nodes
	g.recomputeEndpointsLocked()

	if cycles := g.detectCyclesLocked(); len(cycles) > 0 {
		g.nodes = old
		g.recomputeEndpointsLocked()
		return &CycleError{Path: cycles[0]}
	}

	// Drop edges referencing ids absent from the state.
	for _, n := range g.nodes {
		n.Inputs = keepKnown(n.Inputs, g.nodes)
		n.Outputs = keepKnown(n.Outputs, g.nodes)
	}
	g.recomputeEndpointsLocked()
	return nil
}

func keepKnown(ids []string, nodes map[string]*Node) []string {
	out := ids[:0]
	for _, id := range ids {
		if _, ok := nodes[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
