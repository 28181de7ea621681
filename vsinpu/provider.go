// Package vsinpu lowers ONNX graphs to the NPU: it decides which node units the NPU can execute
// (the capability pass) and emits the equivalent NPU operations for them (the compile pass).
//
// Operators are handled by OpBuilders, registered per ONNX operator type. See SupportedOpTypes.
package vsinpu

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/onnx-npu/nodeunit"
	"github.com/gomlx/onnx-npu/onnx"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Provider drives the lowering of a graph to the NPU.
//
// Create it with New, and configure it with its methods before use.
type Provider struct {
	qdqFusion            bool
	validateQDQGroups    bool
	fallbackOnBuildError bool
}

// New creates a Provider with QDQ fusion and validation enabled.
func New() *Provider {
	return &Provider{qdqFusion: true, validateQDQGroups: true}
}

// DisableQDQFusion makes every node its own unit: DequantizeLinear and QuantizeLinear nodes are lowered
// individually instead of fused with the operator they surround.
func (p *Provider) DisableQDQFusion() *Provider {
	p.qdqFusion = false
	return p
}

// SkipQDQValidation trusts the QDQ groups found, without checking them with onnx.ValidateQDQGroup.
func (p *Provider) SkipQDQValidation() *Provider {
	p.validateQDQGroups = false
	return p
}

// FallbackOnBuildError makes Compile drop units whose build fails (leaving them to the host) instead of
// failing.
func (p *Provider) FallbackOnBuildError() *Provider {
	p.fallbackOnBuildError = true
	return p
}

// Rejection is a unit the NPU can't execute, and why.
type Rejection struct {
	Unit   nodeunit.NodeUnit
	Reason error
}

// Capability is the result of the capability pass over a graph.
type Capability struct {
	viewer *onnx.GraphViewer

	// Units are all the units of the graph, in topological order.
	Units []nodeunit.NodeUnit

	// Supported units, in topological order.
	Supported []nodeunit.NodeUnit

	// Unsupported units, with the reason.
	Unsupported []Rejection
}

// NumSupportedNodes returns the number of host nodes covered by the supported units.
func (c *Capability) NumSupportedNodes() int {
	var n int
	for _, unit := range c.Supported {
		n += len(unit.AllNodes())
	}
	return n
}

// checkUnit runs the capability check of unit, converting panics into rejections.
func checkUnit(viewer *onnx.GraphViewer, unit nodeunit.NodeUnit) error {
	var reason error
	err := exceptions.TryCatch[error](func() { reason = CheckNodeUnit(viewer, unit) })
	if err != nil {
		return errors.WithMessagef(ErrUnsupported, "capability check failed: %v", err)
	}
	return reason
}

// qdqGroups selects the QDQ groups of the graph whose fused unit is supported.
func (p *Provider) qdqGroups(viewer *onnx.GraphViewer) []onnx.QDQGroup {
	if !p.qdqFusion {
		return nil
	}
	candidates := onnx.SelectQDQGroups(viewer, func(node *onnx.Node) bool {
		return GetOpBuilder(node.OpType()) != nil
	})
	groups := make([]onnx.QDQGroup, 0, len(candidates))
	for _, group := range candidates {
		target := viewer.GetNode(group.TargetNode)
		if p.validateQDQGroups {
			if err := onnx.ValidateQDQGroup(viewer, group); err != nil {
				klog.Warningf("vsinpu: invalid QDQ group around %s, lowering its nodes individually: %v", target, err)
				continue
			}
		}
		var unit nodeunit.NodeUnit
		err := exceptions.TryCatch[error](func() { unit = nodeunit.NewQDQ(viewer, group) })
		if err == nil {
			err = checkUnit(viewer, unit)
		}
		if err != nil {
			klog.V(1).Infof("vsinpu: QDQ group around %s not fused: %v", target, err)
			continue
		}
		groups = append(groups, group)
	}
	return groups
}

// GetCapability splits the graph in units and checks which of them the NPU supports.
func (p *Provider) GetCapability(viewer *onnx.GraphViewer) (*Capability, error) {
	groups := p.qdqGroups(viewer)
	capability := &Capability{viewer: viewer}
	err := exceptions.TryCatch[error](func() { capability.Units, _ = nodeunit.ForGraph(viewer, groups) })
	if err != nil {
		return nil, errors.WithMessagef(err, "while creating the node units of graph %q", viewer.Name())
	}
	for _, unit := range capability.Units {
		if reason := checkUnit(viewer, unit); reason != nil {
			klog.V(1).Infof("vsinpu: %s not supported: %v", unit.Node(), reason)
			capability.Unsupported = append(capability.Unsupported, Rejection{Unit: unit, Reason: reason})
			continue
		}
		capability.Supported = append(capability.Supported, unit)
	}
	klog.V(1).Infof("vsinpu: graph %q: %d of %d units (%d of %d nodes) supported by the NPU",
		viewer.Name(), len(capability.Supported), len(capability.Units),
		capability.NumSupportedNodes(), viewer.NumNodes())
	return capability, nil
}

// Compile builds the NPU graph for the supported units of capability, which must have been computed by
// GetCapability for the same viewer.
//
// If a unit fails to build, Compile fails, unless FallbackOnBuildError was set: then the unit is dropped
// and the graph is built again without it.
func (p *Provider) Compile(viewer *onnx.GraphViewer, capability *Capability) (*GraphEP, error) {
	if capability == nil || capability.viewer != viewer {
		return nil, errors.New("Compile() requires the Capability computed by GetCapability for the same graph")
	}
	units := slices.Clone(capability.Supported)
	for {
		if len(units) == 0 {
			return nil, errors.Errorf("graph %q has no node supported by the NPU", viewer.Name())
		}
		ep, failedIdx, err := compileUnits(viewer, units)
		if err == nil {
			return ep, nil
		}
		if !p.fallbackOnBuildError || failedIdx < 0 {
			return nil, err
		}
		klog.Warningf("vsinpu: dropping %s from the NPU graph: %+v", units[failedIdx].Node(), err)
		units = slices.Delete(units, failedIdx, failedIdx+1)
	}
}

// compileUnits builds the NPU graph for units. If a unit fails to build, its index is returned along with
// the error, otherwise the index is -1.
func compileUnits(viewer *onnx.GraphViewer, units []nodeunit.NodeUnit) (ep *GraphEP, failedIdx int, err error) {
	inputNames, outputNames := subgraphIO(viewer, units)
	ep = NewGraphEP(viewer, inputNames, outputNames)
	for ii, unit := range units {
		builder := GetOpBuilder(unit.OpType())
		if builder == nil {
			return nil, ii, errors.Errorf("no NPU builder for %s", unit.Node())
		}
		var buildErr error
		err = exceptions.TryCatch[error](func() { buildErr = builder.BuildOp(ep, unit) })
		if err == nil {
			err = buildErr
		}
		if err != nil {
			return nil, ii, errors.WithMessagef(err, "while building unit %d of %d", ii, len(units))
		}
	}
	var bindErr error
	err = exceptions.TryCatch[error](func() { bindErr = ep.BindTensors() })
	if err == nil {
		err = bindErr
	}
	if err != nil {
		return nil, -1, errors.WithMessagef(err, "while binding the NPU graph of %q", viewer.Name())
	}
	if err = ep.Graph().Compile(); err != nil {
		return nil, -1, errors.WithMessagef(err, "while compiling the NPU graph of %q", viewer.Name())
	}
	return ep, -1, nil
}

// subgraphIO returns the names of the values flowing into and out of the subgraph formed by units, in
// order of first use.
//
// Inputs are the non-constant values read by the units that are graph inputs or are produced outside the
// subgraph. Outputs are the values produced by the units that are graph outputs or are read outside the
// subgraph.
func subgraphIO(viewer *onnx.GraphViewer, units []nodeunit.NodeUnit) (inputs, outputs []string) {
	inside := sets.Make[onnx.NodeIndex]()
	for _, unit := range units {
		for _, node := range unit.AllNodes() {
			inside.Insert(node.Index())
		}
	}
	seen := sets.Make[string]()
	for _, unit := range units {
		for _, arg := range unit.InputDefs() {
			if !arg.Exists() || seen.Has(arg.Name) || viewer.IsConstantInitializer(arg.Name) {
				continue
			}
			producer := viewer.Producer(arg.Name)
			if viewer.IsGraphInput(arg.Name) || producer == nil || !inside.Has(producer.Index()) {
				seen.Insert(arg.Name)
				inputs = append(inputs, arg.Name)
			}
		}
	}
	for _, unit := range units {
		for _, arg := range unit.OutputDefs() {
			if !arg.Exists() || seen.Has(arg.Name) {
				continue
			}
			readOutside := slices.ContainsFunc(viewer.Consumers(arg.Name), func(node *onnx.Node) bool {
				return !inside.Has(node.Index())
			})
			if viewer.IsGraphOutput(arg.Name) || readOutside {
				seen.Insert(arg.Name)
				outputs = append(outputs, arg.Name)
			}
		}
	}
	return inputs, outputs
}
