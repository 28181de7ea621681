package onnx

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
)

// GraphViewer is a read-only view of a Graph, with nodes in topological order.
//
// The underlying Graph must not be changed while the viewer is in use: node units and the lowering
// keep references to its nodes and values.
type GraphViewer struct {
	graph     *Graph
	sorted    []*Node
	producers map[string]*Node
	consumers map[string][]*Node
	inputs    sets.Set[string]
	outputs   sets.Set[string]
}

// NewGraphViewer validates the graph connections and sorts its nodes.
//
// It returns an error if a value is produced by more than one node, if a node reads a value that is
// not a graph input, an initializer or another node's output, or if the graph has a cycle.
func NewGraphViewer(g *Graph) (*GraphViewer, error) {
	v := &GraphViewer{
		graph:     g,
		producers: make(map[string]*Node),
		consumers: make(map[string][]*Node),
		inputs:    sets.Make[string](len(g.inputs)),
		outputs:   sets.Make[string](len(g.outputs)),
	}
	for _, arg := range g.inputs {
		v.inputs.Insert(arg.Name)
	}
	for _, arg := range g.outputs {
		v.outputs.Insert(arg.Name)
	}
	for _, node := range g.nodes {
		for _, output := range node.outputs {
			if !output.Exists() {
				continue
			}
			if previous, found := v.producers[output.Name]; found {
				return nil, errors.Errorf("value %q is produced by both %s and %s", output.Name, previous, node)
			}
			if v.inputs.Has(output.Name) || g.initializers[output.Name] != nil {
				return nil, errors.Errorf("value %q produced by %s is also a graph input or initializer", output.Name, node)
			}
			v.producers[output.Name] = node
		}
	}
	v.consumers = buildConsumerMap(g)
	for _, node := range g.nodes {
		for _, input := range node.inputs {
			if !input.Exists() {
				continue
			}
			if v.producers[input.Name] == nil && !v.inputs.Has(input.Name) && g.initializers[input.Name] == nil {
				return nil, errors.Errorf("input %q of %s is not a graph input, an initializer or a node output",
					input.Name, node)
			}
		}
	}
	for name := range v.outputs {
		if v.producers[name] == nil && !v.inputs.Has(name) && g.initializers[name] == nil {
			return nil, errors.Errorf("graph output %q is not produced by any node", name)
		}
	}
	var err error
	v.sorted, err = v.sortedGraph()
	if err != nil {
		return nil, err
	}
	return v, nil
}

// buildConsumerMap builds a map from value name to all nodes that consume it as input.
// A node reading the same value twice is listed once.
func buildConsumerMap(g *Graph) map[string][]*Node {
	consumers := make(map[string][]*Node)
	for _, node := range g.nodes {
		for _, input := range node.inputs {
			if !input.Exists() {
				continue
			}
			if slices.Contains(consumers[input.Name], node) {
				continue
			}
			consumers[input.Name] = append(consumers[input.Name], node)
		}
	}
	return consumers
}

// sortedGraph returns a DAG sorting of the graph, so the returned nodes can be converted in order.
//
// Ties are broken by the node insertion order, so the result is deterministic.
func (v *GraphViewer) sortedGraph() ([]*Node, error) {
	nodes := v.graph.nodes
	sortedNodes := make([]*Node, 0, len(nodes))

	// Number of distinct producer nodes each node waits on.
	pending := make([]int, len(nodes))
	dependants := make([][]*Node, len(nodes))
	for _, node := range nodes {
		seen := sets.Make[*Node]()
		for _, input := range node.inputs {
			if !input.Exists() {
				continue
			}
			producer := v.producers[input.Name]
			if producer == nil || seen.Has(producer) {
				continue
			}
			seen.Insert(producer)
			pending[node.index]++
			dependants[producer.index] = append(dependants[producer.index], node)
		}
	}

	var ready []*Node
	for _, node := range nodes {
		if pending[node.index] == 0 {
			ready = append(ready, node)
		}
	}
	for len(ready) > 0 {
		node := ready[0]
		ready = ready[1:]
		sortedNodes = append(sortedNodes, node)
		var unblocked []*Node
		for _, dep := range dependants[node.index] {
			pending[dep.index]--
			if pending[dep.index] == 0 {
				unblocked = append(unblocked, dep)
			}
		}
		slices.SortFunc(unblocked, func(a, b *Node) int { return int(a.index) - int(b.index) })
		ready = append(ready, unblocked...)
	}
	if len(sortedNodes) != len(nodes) {
		return nil, errors.Errorf("sorting operations graph failed: found %d nodes connected to inputs, but there were %d nodes (cycle?)",
			len(sortedNodes), len(nodes))
	}
	return sortedNodes, nil
}

// Graph returns the viewed graph.
func (v *GraphViewer) Graph() *Graph { return v.graph }

// Name of the viewed graph.
func (v *GraphViewer) Name() string { return v.graph.Name }

// Nodes returns the nodes in topological order.
func (v *GraphViewer) Nodes() []*Node { return v.sorted }

// NumNodes returns the number of nodes.
func (v *GraphViewer) NumNodes() int { return len(v.sorted) }

// GetNode returns the node with the given index, or nil if it doesn't exist.
func (v *GraphViewer) GetNode(index NodeIndex) *Node { return v.graph.Node(index) }

// Producer returns the node that outputs the named value, or nil for graph inputs and initializers.
func (v *GraphViewer) Producer(name string) *Node { return v.producers[name] }

// Consumers returns the nodes that read the named value.
func (v *GraphViewer) Consumers(name string) []*Node { return v.consumers[name] }

// IsGraphInput returns whether the named value is a graph input.
func (v *GraphViewer) IsGraphInput(name string) bool { return v.inputs.Has(name) }

// IsGraphOutput returns whether the named value is a graph output.
func (v *GraphViewer) IsGraphOutput(name string) bool { return v.outputs.Has(name) }

// Inputs returns the graph inputs.
func (v *GraphViewer) Inputs() []*NodeArg { return v.graph.inputs }

// Outputs returns the graph outputs.
func (v *GraphViewer) Outputs() []*NodeArg { return v.graph.outputs }

// IsConstantInitializer returns whether the named value is an initializer that can't be overridden:
// an initializer also listed as a graph input may be fed at runtime, so it is not constant.
func (v *GraphViewer) IsConstantInitializer(name string) bool {
	return v.GetConstantInitializer(name) != nil
}

// GetConstantInitializer returns the initializer for the name if IsConstantInitializer, or nil.
func (v *GraphViewer) GetConstantInitializer(name string) *Initializer {
	if name == "" || v.inputs.Has(name) {
		return nil
	}
	return v.graph.initializers[name]
}
