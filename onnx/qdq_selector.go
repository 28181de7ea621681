package onnx

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
)

// Operator types of the quantization nodes that delimit a QDQ cluster.
const (
	OpDequantizeLinear = "DequantizeLinear"
	OpQuantizeLinear   = "QuantizeLinear"
)

// QDQGroup describes a quantized cluster: the DequantizeLinear nodes feeding a target node, and the
// QuantizeLinear nodes consuming its outputs. Node lists are ordered, and the order defines the order
// of the cluster's boundary inputs and outputs.
type QDQGroup struct {
	TargetNode NodeIndex
	DQNodes    []NodeIndex
	QNodes     []NodeIndex
}

// Nodes returns all the node indices of the group: DQ nodes, target node and Q nodes.
func (g QDQGroup) Nodes() []NodeIndex {
	all := make([]NodeIndex, 0, len(g.DQNodes)+1+len(g.QNodes))
	all = append(all, g.DQNodes...)
	all = append(all, g.TargetNode)
	return append(all, g.QNodes...)
}

// soleConsumer returns the single consumer of outputName, or nil if there are 0 or 2+ consumers.
func soleConsumer(v *GraphViewer, outputName string) *Node {
	list := v.consumers[outputName]
	if len(list) == 1 {
		return list[0]
	}
	return nil
}

// SelectQDQGroups scans the graph for clusters DequantizeLinear(s) → target → QuantizeLinear(s).
//
// A node is selected as target if accept returns true for it and:
//   - every one of its inputs is the output of a DequantizeLinear read by no one else;
//   - every one of its outputs is read only by one QuantizeLinear and is not a graph output.
//
// Groups are returned in the topological order of their target nodes and never overlap.
func SelectQDQGroups(v *GraphViewer, accept func(node *Node) bool) []QDQGroup {
	var groups []QDQGroup
	claimed := sets.Make[NodeIndex]()
	for _, node := range v.sorted {
		if node.opType == OpDequantizeLinear || node.opType == OpQuantizeLinear {
			continue
		}
		if accept != nil && !accept(node) {
			continue
		}
		group, ok := matchQDQGroup(v, node)
		if !ok {
			continue
		}
		if slices.ContainsFunc(group.Nodes(), claimed.Has) {
			continue
		}
		claimed.Insert(group.Nodes()...)
		groups = append(groups, group)
	}
	return groups
}

// matchQDQGroup tries to match the QDQ pattern around target.
func matchQDQGroup(v *GraphViewer, target *Node) (group QDQGroup, ok bool) {
	group.TargetNode = target.index
	for _, input := range target.inputs {
		if !input.Exists() {
			continue
		}
		dq := v.producers[input.Name]
		if dq == nil || dq.opType != OpDequantizeLinear || !IsDefaultDomain(dq.domain) {
			return group, false
		}
		if soleConsumer(v, input.Name) != target || v.outputs.Has(input.Name) {
			return group, false
		}
		if !slices.Contains(group.DQNodes, dq.index) {
			group.DQNodes = append(group.DQNodes, dq.index)
		}
	}
	for _, output := range target.outputs {
		if !output.Exists() {
			continue
		}
		if v.outputs.Has(output.Name) {
			return group, false
		}
		q := soleConsumer(v, output.Name)
		if q == nil || q.opType != OpQuantizeLinear || !IsDefaultDomain(q.domain) {
			return group, false
		}
		if len(q.inputs) == 0 || q.inputs[0].Name != output.Name {
			return group, false
		}
		group.QNodes = append(group.QNodes, q.index)
	}
	if len(group.DQNodes) == 0 || len(group.QNodes) == 0 {
		return group, false
	}
	return group, true
}

// ValidateQDQGroup checks that a grouping is well-formed:
//   - all nodes exist, and there are no repeated nodes;
//   - DQ nodes are DequantizeLinear and Q nodes are QuantizeLinear, and the target is neither;
//   - the target reads exactly the DQ outputs, and the DQ outputs are read by nobody else;
//   - the Q nodes read exactly the target outputs, and the target outputs are read by nobody else.
func ValidateQDQGroup(v *GraphViewer, group QDQGroup) error {
	seen := sets.Make[NodeIndex]()
	for _, idx := range group.Nodes() {
		if v.GetNode(idx) == nil {
			return errors.Errorf("QDQ group references node #%d, which is not in graph %q", idx, v.Name())
		}
		if seen.Has(idx) {
			return errors.Errorf("QDQ group lists node #%d more than once", idx)
		}
		seen.Insert(idx)
	}
	target := v.GetNode(group.TargetNode)
	if target.opType == OpDequantizeLinear || target.opType == OpQuantizeLinear {
		return errors.Errorf("QDQ group target %s cannot be a quantization node", target)
	}

	dqOutputs := sets.Make[string]()
	for _, idx := range group.DQNodes {
		dq := v.GetNode(idx)
		if dq.opType != OpDequantizeLinear {
			return errors.Errorf("QDQ group DQ node %s is not a %s", dq, OpDequantizeLinear)
		}
		for _, output := range dq.outputs {
			if !output.Exists() {
				continue
			}
			dqOutputs.Insert(output.Name)
			for _, consumer := range v.consumers[output.Name] {
				if consumer != target {
					return errors.Errorf("output %q of QDQ group DQ node %s is also read by %s", output.Name, dq, consumer)
				}
			}
			if v.outputs.Has(output.Name) {
				return errors.Errorf("output %q of QDQ group DQ node %s is a graph output", output.Name, dq)
			}
		}
	}
	for _, input := range target.inputs {
		if !input.Exists() {
			continue
		}
		if !dqOutputs.Has(input.Name) {
			return errors.Errorf("input %q of QDQ group target %s is not produced by the group's DQ nodes", input.Name, target)
		}
	}

	targetOutputs := sets.Make[string]()
	for _, output := range target.outputs {
		if output.Exists() {
			targetOutputs.Insert(output.Name)
		}
	}
	quantized := sets.Make[string]()
	qNodes := sets.Make[*Node]()
	for _, idx := range group.QNodes {
		q := v.GetNode(idx)
		if q.opType != OpQuantizeLinear {
			return errors.Errorf("QDQ group Q node %s is not a %s", q, OpQuantizeLinear)
		}
		if len(q.inputs) == 0 || !targetOutputs.Has(q.inputs[0].Name) {
			return errors.Errorf("QDQ group Q node %s does not quantize an output of target %s", q, target)
		}
		quantized.Insert(q.inputs[0].Name)
		qNodes.Insert(q)
	}
	for name := range targetOutputs {
		if !quantized.Has(name) {
			return errors.Errorf("output %q of QDQ group target %s is not quantized by the group", name, target)
		}
		if v.outputs.Has(name) {
			return errors.Errorf("output %q of QDQ group target %s is a graph output", name, target)
		}
		for _, consumer := range v.consumers[name] {
			if !qNodes.Has(consumer) {
				return errors.Errorf("output %q of QDQ group target %s is also read by %s", name, target, consumer)
			}
		}
	}
	return nil
}
