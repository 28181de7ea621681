package vsinpu

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/onnx-npu/internal/npu"
	"github.com/gomlx/onnx-npu/nodeunit"
	"github.com/gomlx/onnx-npu/onnx"
)

// activationHandler lowers an element-wise activation to the single NPU operation returned by params.
type activationHandler struct {
	params func(node *onnx.Node) npu.Params
}

func init() {
	registerHandler("Relu", activationHandler{func(*onnx.Node) npu.Params { return npu.Relu{} }})
	registerHandler("Sigmoid", activationHandler{func(*onnx.Node) npu.Params { return npu.Sigmoid{} }})
	registerHandler("Tanh", activationHandler{func(*onnx.Node) npu.Params { return npu.Tanh{} }})
	registerHandler("LeakyRelu", activationHandler{func(node *onnx.Node) npu.Params {
		return npu.LeakyRelu{Alpha: onnx.GetFloatAttrOr(node, "alpha", 0.01)}
	}})
	registerHandler("Elu", activationHandler{func(node *onnx.Node) npu.Params {
		return npu.Elu{Alpha: onnx.GetFloatAttrOr(node, "alpha", 1.0)}
	}})
	registerHandler("HardSigmoid", activationHandler{func(node *onnx.Node) npu.Params {
		return npu.HardSigmoid{
			Alpha: onnx.GetFloatAttrOr(node, "alpha", 0.2),
			Beta:  onnx.GetFloatAttrOr(node, "beta", 0.5),
		}
	}})
}

func (activationHandler) traits() opTraits {
	return opTraits{MinVersion: 6, MaxVersion: maxOpsetVersion, MinInputs: 1, MaxInputs: 1, NumOutputs: 1}
}

// IsOpSupported has no restriction beyond the generic checks, other than well-typed attributes.
func (h activationHandler) IsOpSupported(_ *onnx.GraphViewer, unit nodeunit.NodeUnit) error {
	err := exceptions.TryCatch[error](func() { h.params(unit.Node()) })
	if err != nil {
		return unsupportedf("%s: %v", unit.OpType(), err)
	}
	return nil
}

func (h activationHandler) HandleBuildOp(ep *GraphEP, _, _ []*npu.Tensor, unit nodeunit.NodeUnit) error {
	op := ep.Graph().CreateOperation(h.params(unit.Node()))
	inputs, outputs := dataIODefs(unit)
	ep.AppendOp(ep.ConstructNodeIO(op, dataArgs(inputs), dataArgs(outputs)))
	return nil
}
