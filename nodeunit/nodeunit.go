// Package nodeunit provides NodeUnit, the unit of work of the NPU lowering: either a single ONNX node or a
// cluster of DequantizeLinear → target → QuantizeLinear nodes, both seen through the same interface.
//
// For a cluster, every accessor other than the input/output definitions resolves to the target node, so
// consumers reason about the cluster as if it were that one operator.
package nodeunit

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/onnx-npu/onnx"
)

// Type of NodeUnit.
type Type int

const (
	// SingleNode is a unit made of one node.
	SingleNode Type = iota

	// QDQGroup is a unit made of a target node with its DequantizeLinear inputs and QuantizeLinear outputs.
	QDQGroup
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case SingleNode:
		return "SingleNode"
	case QDQGroup:
		return "QDQGroup"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// QuantParam points to the quantization scale and optional zero-point of a cluster boundary value.
type QuantParam struct {
	Scale *onnx.NodeArg

	// ZeroPoint is nil if the quantization node omits it.
	ZeroPoint *onnx.NodeArg
}

// IODef is one data input or output of a NodeUnit.
type IODef struct {
	Arg *onnx.NodeArg

	// Quant is set for the quantized boundary values of a QDQGroup unit, nil otherwise.
	Quant *QuantParam
}

// NodeUnit is the read-only view over a single node or a QDQ cluster.
//
// The returned slices are computed once at construction and shared: they must not be modified.
// A NodeUnit doesn't own any of the nodes or values it references, and is only valid while the
// underlying graph is.
type NodeUnit interface {
	// InputDefs returns the external inputs: for a single node, its inputs; for a QDQ cluster, all the
	// inputs (data, scale and zero-point) of every DequantizeLinear node, in group order.
	InputDefs() []*onnx.NodeArg

	// OutputDefs returns the external outputs: for a single node, its outputs; for a QDQ cluster, all the
	// outputs of every QuantizeLinear node, in group order.
	OutputDefs() []*onnx.NodeArg

	// Inputs returns one IODef per data input. For a QDQ cluster these are the quantized inputs of the
	// DequantizeLinear nodes, with their quantization parameters.
	Inputs() []IODef

	// Outputs returns one IODef per data output. For a QDQ cluster these are the outputs of the
	// QuantizeLinear nodes, with their quantization parameters.
	Outputs() []IODef

	OpType() string
	SinceVersion() int
	Domain() string
	ModelPath() string
	Name() string
	Index() onnx.NodeIndex

	// Node returns the representative node: the node itself, or the target node of a cluster.
	Node() *onnx.Node

	// AllNodes returns every node covered by the unit.
	AllNodes() []*onnx.Node

	UnitType() Type
}

// nodeRef implements the NodeUnit accessors delegated to the representative node.
type nodeRef struct {
	node *onnx.Node
}

func (r nodeRef) OpType() string        { return r.node.OpType() }
func (r nodeRef) SinceVersion() int     { return r.node.SinceVersion() }
func (r nodeRef) Domain() string        { return r.node.Domain() }
func (r nodeRef) ModelPath() string     { return r.node.ModelPath() }
func (r nodeRef) Name() string          { return r.node.Name() }
func (r nodeRef) Index() onnx.NodeIndex { return r.node.Index() }
func (r nodeRef) Node() *onnx.Node      { return r.node }

// singleNodeUnit is a NodeUnit wrapping one node.
type singleNodeUnit struct {
	nodeRef
	inputs, outputs []IODef
}

var _ NodeUnit = (*singleNodeUnit)(nil)

// New creates a NodeUnit for a single node.
func New(node *onnx.Node) NodeUnit {
	if node == nil {
		exceptions.Panicf("nodeunit.New(nil)")
	}
	return &singleNodeUnit{
		nodeRef: nodeRef{node: node},
		inputs:  plainIODefs(node.InputDefs()),
		outputs: plainIODefs(node.OutputDefs()),
	}
}

func plainIODefs(args []*onnx.NodeArg) []IODef {
	defs := make([]IODef, len(args))
	for ii, arg := range args {
		defs[ii] = IODef{Arg: arg}
	}
	return defs
}

func (u *singleNodeUnit) InputDefs() []*onnx.NodeArg  { return u.node.InputDefs() }
func (u *singleNodeUnit) OutputDefs() []*onnx.NodeArg { return u.node.OutputDefs() }
func (u *singleNodeUnit) Inputs() []IODef             { return u.inputs }
func (u *singleNodeUnit) Outputs() []IODef            { return u.outputs }
func (u *singleNodeUnit) AllNodes() []*onnx.Node      { return []*onnx.Node{u.node} }
func (u *singleNodeUnit) UnitType() Type              { return SingleNode }

// String implements fmt.Stringer.
func (u *singleNodeUnit) String() string {
	return fmt.Sprintf("NodeUnit(%s)", u.node)
}

// qdqNodeUnit is a NodeUnit for a QDQ cluster.
type qdqNodeUnit struct {
	nodeRef
	group           onnx.QDQGroup
	allNodes        []*onnx.Node
	inputDefs       []*onnx.NodeArg
	outputDefs      []*onnx.NodeArg
	inputs, outputs []IODef
}

var _ NodeUnit = (*qdqNodeUnit)(nil)

// NewQDQ creates a NodeUnit for the cluster described by group.
//
// The grouping is trusted (see onnx.ValidateQDQGroup for a check). If the target node or any of the DQ/Q
// nodes is not in the viewed graph, it panics: this is a precondition violation of whoever produced group.
func NewQDQ(viewer *onnx.GraphViewer, group onnx.QDQGroup) NodeUnit {
	target := viewer.GetNode(group.TargetNode)
	if target == nil {
		exceptions.Panicf("nodeunit.NewQDQ(): target node #%d of QDQ group not found in graph %q",
			group.TargetNode, viewer.Name())
	}
	u := &qdqNodeUnit{
		nodeRef: nodeRef{node: target},
		group:   group,
	}
	for _, idx := range group.DQNodes {
		dq := mustGetNode(viewer, idx, "DequantizeLinear")
		u.allNodes = append(u.allNodes, dq)
		u.inputDefs = append(u.inputDefs, dq.InputDefs()...)
		u.inputs = append(u.inputs, quantizedIODef(dq.InputDefs()[0], dq.InputDefs()))
	}
	u.allNodes = append(u.allNodes, target)
	for _, idx := range group.QNodes {
		q := mustGetNode(viewer, idx, "QuantizeLinear")
		u.allNodes = append(u.allNodes, q)
		u.outputDefs = append(u.outputDefs, q.OutputDefs()...)
		for _, output := range q.OutputDefs() {
			u.outputs = append(u.outputs, quantizedIODef(output, q.InputDefs()))
		}
	}
	return u
}

func mustGetNode(viewer *onnx.GraphViewer, idx onnx.NodeIndex, role string) *onnx.Node {
	node := viewer.GetNode(idx)
	if node == nil {
		exceptions.Panicf("nodeunit.NewQDQ(): %s node #%d of QDQ group not found in graph %q", role, idx, viewer.Name())
	}
	if len(node.InputDefs()) < 2 {
		exceptions.Panicf("nodeunit.NewQDQ(): %s node %s must have at least data and scale inputs", role, node)
	}
	return node
}

// quantizedIODef builds the IODef of arg, quantized with the scale and zero-point inputs of the
// quantization node with quantInputs.
func quantizedIODef(arg *onnx.NodeArg, quantInputs []*onnx.NodeArg) IODef {
	quant := &QuantParam{Scale: quantInputs[1]}
	if len(quantInputs) > 2 && quantInputs[2].Exists() {
		quant.ZeroPoint = quantInputs[2]
	}
	return IODef{Arg: arg, Quant: quant}
}

func (u *qdqNodeUnit) InputDefs() []*onnx.NodeArg  { return u.inputDefs }
func (u *qdqNodeUnit) OutputDefs() []*onnx.NodeArg { return u.outputDefs }
func (u *qdqNodeUnit) Inputs() []IODef             { return u.inputs }
func (u *qdqNodeUnit) Outputs() []IODef            { return u.outputs }
func (u *qdqNodeUnit) AllNodes() []*onnx.Node      { return u.allNodes }
func (u *qdqNodeUnit) UnitType() Type              { return QDQGroup }

// String implements fmt.Stringer.
func (u *qdqNodeUnit) String() string {
	return fmt.Sprintf("NodeUnit(QDQ %s, %d DQ, %d Q)", u.node, len(u.group.DQNodes), len(u.group.QNodes))
}

// ForGraph creates the NodeUnits of the whole graph: one per QDQ group and one per node not covered by any
// group. Units are returned in the topological order of their representative nodes. It also returns the
// unit covering each node.
//
// It panics if groups overlap or reference missing nodes.
func ForGraph(viewer *onnx.GraphViewer, groups []onnx.QDQGroup) (units []NodeUnit, unitOf map[onnx.NodeIndex]NodeUnit) {
	unitOf = make(map[onnx.NodeIndex]NodeUnit, viewer.NumNodes())
	byTarget := make(map[onnx.NodeIndex]NodeUnit, len(groups))
	for _, group := range groups {
		unit := NewQDQ(viewer, group)
		for _, node := range unit.AllNodes() {
			if previous, found := unitOf[node.Index()]; found {
				exceptions.Panicf("nodeunit.ForGraph(): node %s is claimed by both %s and %s", node, previous, unit)
			}
			unitOf[node.Index()] = unit
		}
		byTarget[group.TargetNode] = unit
	}
	for _, node := range viewer.Nodes() {
		if unit, found := byTarget[node.Index()]; found {
			units = append(units, unit)
			continue
		}
		if _, covered := unitOf[node.Index()]; covered {
			continue
		}
		unit := New(node)
		unitOf[node.Index()] = unit
		units = append(units, unit)
	}
	return units, unitOf
}
