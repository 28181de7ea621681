package onnx

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// DefaultDomain is the domain of the standard ONNX operators. "ai.onnx" is accepted as an alias.
const DefaultDomain = ""

// IsDefaultDomain returns whether domain refers to the standard ONNX operator set.
func IsDefaultDomain(domain string) bool {
	return domain == DefaultDomain || domain == "ai.onnx"
}

// NodeIndex identifies a node within its Graph.
type NodeIndex int

// NodeArg describes a value flowing through the graph: a graph input, an initializer or a node output.
//
// Negative dimensions in Shape mean the dimension is not statically known.
// NodeArgs are owned by the Graph that created them, and shared by every node that reads or writes them.
type NodeArg struct {
	Name  string
	Shape shapes.Shape
}

// Exists returns whether the argument is set. ONNX marks omitted optional inputs with an empty name.
func (a *NodeArg) Exists() bool {
	return a != nil && a.Name != ""
}

// IsStatic returns whether every dimension of the shape is known.
func (a *NodeArg) IsStatic() bool {
	for _, dim := range a.Shape.Dimensions {
		if dim < 0 {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (a *NodeArg) String() string {
	if !a.Exists() {
		return "<none>"
	}
	return fmt.Sprintf("%q%s", a.Name, a.Shape)
}

// Node is one operator application in the Graph.
//
// Nodes are created with Graph.AddNode, and afterwards configured with the Set* methods.
// Once the graph is handed to a GraphViewer it should be treated as read-only.
type Node struct {
	index        NodeIndex
	name         string
	opType       string
	domain       string
	sinceVersion int
	modelPath    string
	attributes   []*Attribute
	inputs       []*NodeArg
	outputs      []*NodeArg
}

// Index of the node in its graph.
func (n *Node) Index() NodeIndex { return n.index }

// Name of the node. It may be empty.
func (n *Node) Name() string { return n.name }

// OpType of the node, e.g. "Softmax".
func (n *Node) OpType() string { return n.opType }

// Domain of the operator.
func (n *Node) Domain() string { return n.domain }

// SinceVersion is the opset version of the operator definition used by the node.
func (n *Node) SinceVersion() int { return n.sinceVersion }

// ModelPath is the path of the model file the node was loaded from, if any.
func (n *Node) ModelPath() string { return n.modelPath }

// InputDefs returns the node inputs, in positional order. Omitted optional inputs have an empty name.
func (n *Node) InputDefs() []*NodeArg { return n.inputs }

// OutputDefs returns the node outputs, in positional order.
func (n *Node) OutputDefs() []*NodeArg { return n.outputs }

// Attributes returns the node attributes.
func (n *Node) Attributes() []*Attribute { return n.attributes }

// SetName sets the node name.
func (n *Node) SetName(name string) *Node {
	n.name = name
	return n
}

// SetDomain sets the operator domain.
func (n *Node) SetDomain(domain string) *Node {
	n.domain = domain
	return n
}

// SetSinceVersion sets the opset version of the operator definition.
func (n *Node) SetSinceVersion(version int) *Node {
	n.sinceVersion = version
	return n
}

// SetAttr adds or replaces attributes.
func (n *Node) SetAttr(attrs ...*Attribute) *Node {
	for _, attr := range attrs {
		replaced := false
		for ii, existing := range n.attributes {
			if existing.Name == attr.Name {
				n.attributes[ii] = attr
				replaced = true
				break
			}
		}
		if !replaced {
			n.attributes = append(n.attributes, attr)
		}
	}
	return n
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	var parts []string
	for _, attr := range n.attributes {
		parts = append(parts, attr.Name)
	}
	name := n.name
	if name == "" {
		name = fmt.Sprintf("#%d", n.index)
	}
	return fmt.Sprintf("<%s/%q>(%s) -> %s, attrs=%v",
		n.opType, name,
		strings.Join(sliceMap(n.inputs, func(a *NodeArg) string { return a.Name }), ", "),
		strings.Join(sliceMap(n.outputs, func(a *NodeArg) string { return a.Name }), ", "),
		parts)
}
