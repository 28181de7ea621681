package vsinpu

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/onnx-npu/internal/npu"
	"github.com/gomlx/onnx-npu/nodeunit"
	"github.com/gomlx/onnx-npu/onnx"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NodeIO is a backend operation emitted by a builder, along with the host values to bind to its inputs
// and outputs.
//
// Binding is done by name, after all builders run (see GraphEP.BindTensors), so the tensor bound is the
// one registered under the name at the end of the build.
type NodeIO struct {
	Op         *npu.Operation
	InputArgs  []*onnx.NodeArg
	OutputArgs []*onnx.NodeArg
}

// GraphEP holds the NPU graph being built for one subgraph of the host graph, the map from host value
// names to NPU tensors, and the operations emitted so far.
//
// It is not safe for concurrent use: builders must be invoked sequentially.
type GraphEP struct {
	viewer  *onnx.GraphViewer
	graph   *npu.Graph
	tensors map[string]*npu.Tensor
	ops     []*NodeIO

	inputNames, outputNames []string
	isInput, isOutput       sets.Set[string]
	bound                   bool
}

// NewGraphEP creates an empty GraphEP for a subgraph of viewer with the given input and output value
// names.
func NewGraphEP(viewer *onnx.GraphViewer, inputNames, outputNames []string) *GraphEP {
	return &GraphEP{
		viewer:      viewer,
		graph:       npu.NewGraph(),
		tensors:     make(map[string]*npu.Tensor),
		inputNames:  slices.Clone(inputNames),
		outputNames: slices.Clone(outputNames),
		isInput:     sets.MakeWith(inputNames...),
		isOutput:    sets.MakeWith(outputNames...),
	}
}

// Graph returns the NPU graph being built.
func (ep *GraphEP) Graph() *npu.Graph { return ep.graph }

// Viewer returns the host graph.
func (ep *GraphEP) Viewer() *onnx.GraphViewer { return ep.viewer }

// Ops returns the operations emitted so far, in emission order.
func (ep *GraphEP) Ops() []*NodeIO { return ep.ops }

// InputNames of the subgraph.
func (ep *GraphEP) InputNames() []string { return ep.inputNames }

// OutputNames of the subgraph.
func (ep *GraphEP) OutputNames() []string { return ep.outputNames }

// ConstructNodeIO pairs op with the host values to be bound to it. Values that don't exist (omitted
// optional inputs) are skipped.
func (ep *GraphEP) ConstructNodeIO(op *npu.Operation, inputs, outputs []*onnx.NodeArg) *NodeIO {
	existing := func(args []*onnx.NodeArg) []*onnx.NodeArg {
		var filtered []*onnx.NodeArg
		for _, arg := range args {
			if arg.Exists() {
				filtered = append(filtered, arg)
			}
		}
		return filtered
	}
	return &NodeIO{Op: op, InputArgs: existing(inputs), OutputArgs: existing(outputs)}
}

// AppendOp appends the emitted operations.
func (ep *GraphEP) AppendOp(nodeIOs ...*NodeIO) {
	ep.ops = append(ep.ops, nodeIOs...)
}

// Tensor returns the tensor registered under name, or nil.
func (ep *GraphEP) Tensor(name string) *npu.Tensor { return ep.tensors[name] }

// userOf returns the first emitted operation bound to the value name, as input or output, or nil.
func (ep *GraphEP) userOf(name string) *npu.Operation {
	for _, nodeIO := range ep.ops {
		isName := func(arg *onnx.NodeArg) bool { return arg.Name == name }
		if slices.ContainsFunc(nodeIO.InputArgs, isName) || slices.ContainsFunc(nodeIO.OutputArgs, isName) {
			return nodeIO.Op
		}
	}
	return nil
}

// UpdateTensorMap registers tensor under name, replacing any previous one.
func (ep *GraphEP) UpdateTensorMap(name string, tensor *npu.Tensor) {
	if previous, found := ep.tensors[name]; found && previous != tensor {
		klog.V(2).Infof("vsinpu: value %q remapped from tensor %s to %s", name, previous, tensor)
	}
	ep.tensors[name] = tensor
}

// MapTensor returns the tensor registered for arg, creating it if needed. It returns nil for a value that
// doesn't exist (an omitted optional input).
//
// New tensors are constant (with the initializer data) for constant initializers, input or output for the
// subgraph boundary values, and transient otherwise. If quant is given, the tensor is created with the
// per-tensor asymmetric quantization it describes.
//
// A tensor already registered for arg is returned only if it carries the requested quantization (none
// for a nil quant), otherwise it is an error.
func (ep *GraphEP) MapTensor(arg *onnx.NodeArg, quant *nodeunit.QuantParam) (*npu.Tensor, error) {
	return ep.mapTensor(arg, quant, true)
}

// mapTensor implements MapTensor. If matchQuant is false, a tensor already registered for arg is returned
// whatever its quantization.
func (ep *GraphEP) mapTensor(arg *onnx.NodeArg, quant *nodeunit.QuantParam, matchQuant bool) (*npu.Tensor, error) {
	if !arg.Exists() {
		return nil, nil
	}
	var quantization npu.Quantization
	if quant != nil {
		var err error
		quantization, err = quantizationOf(ep.viewer, quant)
		if err != nil {
			return nil, errors.WithMessagef(err, "quantization of value %q", arg.Name)
		}
	}
	if tensor, found := ep.tensors[arg.Name]; found {
		if matchQuant && !tensor.Quantization().Equal(quantization) {
			return nil, errors.Errorf("value %q is mapped to tensor %s, it can't be read with quantization %s",
				arg.Name, tensor, quantization)
		}
		return tensor, nil
	}

	attribute := npu.AttributeTransient
	initializer := ep.viewer.GetConstantInitializer(arg.Name)
	switch {
	case initializer != nil:
		attribute = npu.AttributeConstant
	case ep.isInput.Has(arg.Name):
		attribute = npu.AttributeInput
	case ep.isOutput.Has(arg.Name):
		attribute = npu.AttributeOutput
	}
	spec, err := tensorSpec(arg, attribute)
	if err != nil {
		return nil, err
	}
	if quant != nil {
		spec = spec.SetQuantization(quantization)
	}

	var tensor *npu.Tensor
	if initializer != nil {
		tensor, err = ep.graph.CreateTensorWithData(spec, initializer.Data())
		if err != nil {
			return nil, errors.WithMessagef(err, "constant %q", arg.Name)
		}
	} else {
		tensor = ep.graph.CreateTensor(spec)
	}
	ep.tensors[arg.Name] = tensor
	return tensor, nil
}

// quantizationOf reads the constant scale and zero point of quant.
func quantizationOf(viewer *onnx.GraphViewer, quant *nodeunit.QuantParam) (npu.Quantization, error) {
	scaleInit := viewer.GetConstantInitializer(quant.Scale.Name)
	if scaleInit == nil {
		return npu.Quantization{}, errors.Errorf("scale %q is not a constant initializer", quant.Scale.Name)
	}
	scale, err := scalarAsFloat32(scaleInit)
	if err != nil {
		return npu.Quantization{}, err
	}
	if err = npu.CheckScale(scale); err != nil {
		return npu.Quantization{}, errors.WithMessagef(err, "scale %q", quant.Scale.Name)
	}
	var zeroPoint int32
	if quant.ZeroPoint.Exists() {
		zeroPointInit := viewer.GetConstantInitializer(quant.ZeroPoint.Name)
		if zeroPointInit == nil {
			return npu.Quantization{}, errors.Errorf("zero point %q is not a constant initializer", quant.ZeroPoint.Name)
		}
		zeroPoint, err = scalarAsInt32(zeroPointInit)
		if err != nil {
			return npu.Quantization{}, err
		}
	}
	return npu.NewAsymmetricQuantization(scale, zeroPoint), nil
}

// BindTensors binds the tensors registered for the host values of every emitted operation. It must be
// called once, after all builders ran.
func (ep *GraphEP) BindTensors() error {
	if ep.bound {
		return errors.New("GraphEP.BindTensors() called twice")
	}
	lookup := func(nodeIO *NodeIO, arg *onnx.NodeArg) (*npu.Tensor, error) {
		tensor := ep.tensors[arg.Name]
		if tensor == nil {
			return nil, errors.Errorf("no tensor registered for value %q used by operation %s", arg.Name, nodeIO.Op)
		}
		return tensor, nil
	}
	for _, nodeIO := range ep.ops {
		for _, arg := range nodeIO.InputArgs {
			tensor, err := lookup(nodeIO, arg)
			if err != nil {
				return err
			}
			nodeIO.Op.BindInput(tensor)
		}
		for _, arg := range nodeIO.OutputArgs {
			tensor, err := lookup(nodeIO, arg)
			if err != nil {
				return err
			}
			nodeIO.Op.BindOutput(tensor)
		}
	}
	ep.bound = true
	return nil
}

// Inputs returns the tensors of the subgraph inputs, in order. Values not read by any emitted operation
// have a nil tensor.
func (ep *GraphEP) Inputs() []*npu.Tensor {
	return ep.tensorsFor(ep.inputNames)
}

// Outputs returns the tensors of the subgraph outputs, in order.
func (ep *GraphEP) Outputs() []*npu.Tensor {
	return ep.tensorsFor(ep.outputNames)
}

func (ep *GraphEP) tensorsFor(names []string) []*npu.Tensor {
	tensors := make([]*npu.Tensor, len(names))
	for ii, name := range names {
		tensors[ii] = ep.tensors[name]
	}
	return tensors
}
