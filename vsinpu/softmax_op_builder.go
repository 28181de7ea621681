package vsinpu

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/onnx-npu/internal/npu"
	"github.com/gomlx/onnx-npu/nodeunit"
	"github.com/gomlx/onnx-npu/onnx"
	"k8s.io/klog/v2"
)

// softmaxOpset13 is the version from which Softmax normalizes along axis, instead of coercing the input
// to 2D at axis and normalizing along the second dimension.
const softmaxOpset13 = 13

type softmaxHandler struct{}

func init() {
	registerHandler("Softmax", softmaxHandler{})
}

func (softmaxHandler) traits() opTraits {
	return opTraits{MinVersion: 1, MaxVersion: maxOpsetVersion, MinInputs: 1, MaxInputs: 1, NumOutputs: 1}
}

// softmaxAxis returns the axis attribute, with the default of the node opset version.
func softmaxAxis(unit nodeunit.NodeUnit) int {
	defaultAxis := -1
	if unit.SinceVersion() < softmaxOpset13 {
		defaultAxis = 1
	}
	return onnx.GetIntAttrOr(unit.Node(), "axis", defaultAxis)
}

func (softmaxHandler) IsOpSupported(_ *onnx.GraphViewer, unit nodeunit.NodeUnit) error {
	var axis int
	err := exceptions.TryCatch[error](func() { axis = softmaxAxis(unit) })
	if err != nil {
		return unsupportedf("Softmax: %v", err)
	}
	inputs, _ := dataIODefs(unit)
	rank := inputs[0].Arg.Shape.Rank()
	if axis >= rank || axis < -rank {
		return unsupportedf("Softmax: axis %d out of range for rank %d input", axis, rank)
	}
	return nil
}

func (softmaxHandler) HandleBuildOp(ep *GraphEP, inputs, outputs []*npu.Tensor, unit nodeunit.NodeUnit) error {
	inputDefs, outputDefs := dataIODefs(unit)
	inputArgs, outputArgs := dataArgs(inputDefs), dataArgs(outputDefs)
	input := inputs[0]
	rank := inputDefs[0].Arg.Shape.Rank()
	axis := softmaxAxis(unit)

	if unit.SinceVersion() >= softmaxOpset13 {
		npuAxis := ReverseAxis(axis, rank)
		klog.V(2).Infof("vsinpu: Softmax node %q axis %d lowered to NPU axis %d", unit.Name(), axis, npuAxis)
		op := ep.Graph().CreateOperation(npu.Softmax{Beta: 1, Axis: int32(npuAxis)})
		ep.AppendOp(ep.ConstructNodeIO(op, inputArgs, outputArgs))
		return nil
	}

	// Coerce to 2D [first, last] at axis, normalize over last, and reshape back.
	shape := input.Shape()
	first, last := uint32(1), uint32(1)
	axis = HandleNegativeAxis(axis, rank)
	for ii, dim := range shape {
		if ii < axis {
			first *= dim
		} else {
			last *= dim
		}
	}
	coerced := []uint32{first, last}
	reshapedInput := ep.Graph().CreateTensor(input.Spec().AsTransientSpec().SetShape(coerced))
	reshapedOutput := ep.Graph().CreateTensor(outputs[0].Spec().AsTransientSpec().SetShape(coerced))

	reshapeIn := ep.Graph().CreateOperation(npu.Reshape{Size: coerced}).BindOutput(reshapedInput)
	softmax := ep.Graph().CreateOperation(npu.Softmax{Beta: 1, Axis: 0}).
		BindInput(reshapedInput).BindOutput(reshapedOutput)
	reshapeOut := ep.Graph().CreateOperation(npu.Reshape{Size: shape}).BindInput(reshapedOutput)

	ep.AppendOp(
		ep.ConstructNodeIO(reshapeIn, inputArgs, nil),
		ep.ConstructNodeIO(softmax, nil, nil),
		ep.ConstructNodeIO(reshapeOut, nil, outputArgs),
	)
	return nil
}
