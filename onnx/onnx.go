// Package onnx holds the host representation of an ONNX computation graph that is lowered to the NPU.
//
//   - Graph: nodes, values (NodeArg), constant initializers and graph inputs/outputs. Built incrementally with
//     Graph.Value, Graph.AddInitializer, Graph.AddNode, Graph.AddInput and Graph.AddOutput.
//   - GraphViewer: a read-only, topologically sorted view of a Graph, with producer/consumer lookups and
//     constant-initializer queries. This is what the lowering consumes.
//   - QDQGroup and SelectQDQGroups: detection of DequantizeLinear → op → QuantizeLinear clusters.
package onnx

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// DefaultOpsetVersion is the opset version of the default domain of a new Graph.
var DefaultOpsetVersion = 13

// Graph is a mutable ONNX graph. Use NewGraphViewer to lower it.
type Graph struct {
	// Name of the graph.
	Name string

	// ModelPath is the file the graph was loaded from, if any. It is copied to every node added.
	ModelPath string

	opsets       map[string]int
	nodes        []*Node
	values       map[string]*NodeArg
	inputs       []*NodeArg
	outputs      []*NodeArg
	initializers map[string]*Initializer
}

// NewGraph creates an empty graph importing the default domain at DefaultOpsetVersion.
func NewGraph(name string) *Graph {
	return &Graph{
		Name:         name,
		opsets:       map[string]int{DefaultDomain: DefaultOpsetVersion},
		values:       make(map[string]*NodeArg),
		initializers: make(map[string]*Initializer),
	}
}

// SetOpset sets the imported opset version for the domain.
// Nodes added afterwards default to this version.
func (g *Graph) SetOpset(domain string, version int) *Graph {
	if IsDefaultDomain(domain) {
		domain = DefaultDomain
	}
	g.opsets[domain] = version
	return g
}

// Opset returns the imported opset version of the domain, or 0 if not imported.
func (g *Graph) Opset(domain string) int {
	if IsDefaultDomain(domain) {
		domain = DefaultDomain
	}
	return g.opsets[domain]
}

// Value declares a value with the given dtype and dimensions (use -1 for dynamic dimensions), or returns
// the one already declared with that name.
//
// It panics if the value exists with a different shape.
func (g *Graph) Value(name string, dtype dtypes.DType, dimensions ...int) *NodeArg {
	if name == "" {
		exceptions.Panicf("onnx.Graph.Value() requires a non-empty name")
	}
	shape := shapes.Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	if arg, found := g.values[name]; found {
		if arg.Shape.DType != shape.DType || !slices.Equal(arg.Shape.Dimensions, shape.Dimensions) {
			exceptions.Panicf("onnx.Graph.Value(%q): value already declared with shape %s, redeclared as %s",
				name, arg.Shape, shape)
		}
		return arg
	}
	arg := &NodeArg{Name: name, Shape: shape}
	g.values[name] = arg
	return arg
}

// Arg returns the value with the given name, or nil if it was not declared.
func (g *Graph) Arg(name string) *NodeArg {
	return g.values[name]
}

// AddInput marks values as graph inputs.
func (g *Graph) AddInput(args ...*NodeArg) *Graph {
	g.inputs = append(g.inputs, args...)
	return g
}

// AddOutput marks values as graph outputs.
func (g *Graph) AddOutput(args ...*NodeArg) *Graph {
	g.outputs = append(g.outputs, args...)
	return g
}

// AddInitializer adds a constant with the given flat data (e.g. []float32) and dimensions,
// and returns the corresponding value.
func (g *Graph) AddInitializer(name string, flat any, dimensions ...int) (*NodeArg, error) {
	if _, found := g.initializers[name]; found {
		return nil, errors.Errorf("initializer %q defined twice", name)
	}
	initializer, err := NewInitializer(name, flat, dimensions...)
	if err != nil {
		return nil, err
	}
	if existing, found := g.values[name]; found {
		if !existing.Shape.Equal(initializer.Shape) {
			return nil, errors.Errorf("initializer %q shaped %s conflicts with value declared as %s",
				name, initializer.Shape, existing.Shape)
		}
		g.initializers[name] = initializer
		return existing, nil
	}
	arg := &NodeArg{Name: name, Shape: initializer.Shape}
	g.values[name] = arg
	g.initializers[name] = initializer
	return arg, nil
}

// AddNode appends a node of the given op type. A nil input stands for an omitted optional input.
//
// The node's SinceVersion defaults to the opset imported for the default domain: use Node.SetSinceVersion
// and Node.SetDomain to change it.
func (g *Graph) AddNode(opType string, inputs, outputs []*NodeArg) *Node {
	node := &Node{
		index:        NodeIndex(len(g.nodes)),
		opType:       opType,
		domain:       DefaultDomain,
		sinceVersion: g.opsets[DefaultDomain],
		modelPath:    g.ModelPath,
		inputs:       sliceMap(inputs, orMissing),
		outputs:      sliceMap(outputs, orMissing),
	}
	g.nodes = append(g.nodes, node)
	return node
}

func orMissing(arg *NodeArg) *NodeArg {
	if arg == nil {
		return &NodeArg{}
	}
	return arg
}

// Nodes returns the nodes in insertion order.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Node returns the node with the given index, or nil if there is no such node.
func (g *Graph) Node(index NodeIndex) *Node {
	if index < 0 || int(index) >= len(g.nodes) {
		return nil
	}
	return g.nodes[index]
}

// Inputs returns the graph inputs.
func (g *Graph) Inputs() []*NodeArg { return g.inputs }

// Outputs returns the graph outputs.
func (g *Graph) Outputs() []*NodeArg { return g.outputs }

// Initializer returns the constant with the given name, or nil.
func (g *Graph) Initializer(name string) *Initializer { return g.initializers[name] }
