package vsinpu

import (
	"github.com/gomlx/onnx-npu/internal/npu"
	"github.com/gomlx/onnx-npu/nodeunit"
	"github.com/gomlx/onnx-npu/onnx"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Inputs of DequantizeLinear.
const (
	dequantizeInput = iota
	dequantizeScale
	dequantizeZeroPoint
)

type dequantizeHandler struct{}

func init() {
	registerHandler(onnx.OpDequantizeLinear, dequantizeHandler{})
}

func (dequantizeHandler) traits() opTraits {
	return opTraits{MinVersion: 10, MaxVersion: maxOpsetVersion, MinInputs: 2, MaxInputs: 3, NumOutputs: 1,
		AnyInputQuantization: true}
}

type scaleType interface {
	float32 | float16.Float16 | int32
}

type quantizedType interface {
	int8 | uint8 | int16 | uint16
}

// dequantizeKey is the (scale, quantized input) pair of data types.
type dequantizeKey struct {
	scale, quantized npu.DataType
}

type dequantizeFn func(ep *GraphEP, inputs []*npu.Tensor, unit nodeunit.NodeUnit) error

// dequantizeTable lists every supported combination of scale and quantized data types. Anything else is
// rejected by IsOpSupported.
var dequantizeTable = map[dequantizeKey]dequantizeFn{
	{npu.Float32, npu.Int8}:   dequantizeImpl[float32, int8],
	{npu.Float32, npu.Uint8}:  dequantizeImpl[float32, uint8],
	{npu.Float32, npu.Int16}:  dequantizeImpl[float32, int16],
	{npu.Float32, npu.Uint16}: dequantizeImpl[float32, uint16],
	{npu.Float16, npu.Int8}:   dequantizeImpl[float16.Float16, int8],
	{npu.Float16, npu.Uint8}:  dequantizeImpl[float16.Float16, uint8],
	{npu.Float16, npu.Int16}:  dequantizeImpl[float16.Float16, int16],
	{npu.Float16, npu.Uint16}: dequantizeImpl[float16.Float16, uint16],
	{npu.Int32, npu.Int8}:     dequantizeImpl[int32, int8],
	{npu.Int32, npu.Uint8}:    dequantizeImpl[int32, uint8],
	{npu.Int32, npu.Int16}:    dequantizeImpl[int32, int16],
	{npu.Int32, npu.Uint16}:   dequantizeImpl[int32, uint16],
}

func (dequantizeHandler) IsOpSupported(viewer *onnx.GraphViewer, unit nodeunit.NodeUnit) error {
	if unit.UnitType() != nodeunit.SingleNode {
		return unsupportedf("DequantizeLinear: can't be the target of a QDQ group")
	}
	node := unit.Node()
	if onnx.HasAttr(node, "block_size") && onnx.GetIntAttrOr(node, "block_size", 0) != 0 {
		return unsupportedf("DequantizeLinear: block quantization is not supported")
	}
	inputDefs := unit.InputDefs()
	input, scale := inputDefs[dequantizeInput], inputDefs[dequantizeScale]
	if err := checkConstantScalar(viewer, scale, "scale"); err != nil {
		return errors.WithMessage(err, "DequantizeLinear")
	}
	if len(inputDefs) > dequantizeZeroPoint && inputDefs[dequantizeZeroPoint].Exists() {
		zeroPoint := inputDefs[dequantizeZeroPoint]
		if err := checkConstantScalar(viewer, zeroPoint, "zero point"); err != nil {
			return errors.WithMessage(err, "DequantizeLinear")
		}
		if zeroPoint.Shape.DType != input.Shape.DType {
			return unsupportedf("DequantizeLinear: zero point dtype %s differs from input dtype %s",
				zeroPoint.Shape.DType, input.Shape.DType)
		}
	}
	key, err := dequantizeKeyOf(scale, input)
	if err != nil {
		return err
	}
	if _, found := dequantizeTable[key]; !found {
		return unsupportedf("DequantizeLinear: scale of type %s with quantized input of type %s is not supported",
			key.scale, key.quantized)
	}
	if err := checkQuantizedReaders(viewer, input, quantParamOf(node)); err != nil {
		return errors.WithMessage(err, "DequantizeLinear")
	}
	return nil
}

func dequantizeKeyOf(scale, input *onnx.NodeArg) (dequantizeKey, error) {
	scaleDataType, err := npu.FromDType(scale.Shape.DType)
	if err != nil {
		return dequantizeKey{}, unsupportedf("DequantizeLinear: scale: %v", err)
	}
	quantized, err := npu.FromDType(input.Shape.DType)
	if err != nil {
		return dequantizeKey{}, unsupportedf("DequantizeLinear: input: %v", err)
	}
	return dequantizeKey{scale: scaleDataType, quantized: quantized}, nil
}

func (dequantizeHandler) HandleBuildOp(ep *GraphEP, inputs, _ []*npu.Tensor, unit nodeunit.NodeUnit) error {
	key := dequantizeKey{scale: inputs[dequantizeScale].DataType(), quantized: inputs[dequantizeInput].DataType()}
	impl, found := dequantizeTable[key]
	if !found {
		return errors.Errorf("no DequantizeLinear implementation for scale %s and input %s", key.scale, key.quantized)
	}
	return impl(ep, inputs, unit)
}

func scaleToFloat32[S scaleType](scale S) float32 {
	switch v := any(scale).(type) {
	case float32:
		return v
	case float16.Float16:
		return v.Float32()
	case int32:
		return float32(v)
	}
	return 0
}

// dequantizeImpl emits a DataConvert from the quantized input to the node output.
//
// The quantization is attached to the input tensor: if it isn't quantized yet, a quantized view of it is
// created (with a copy of the data for constants) and registered under the input name, so every operation
// bound to that value reads the view. It fails if the input already has another quantization, or if an
// operation already emitted uses it unquantized.
func dequantizeImpl[S scaleType, Q quantizedType](ep *GraphEP, inputs []*npu.Tensor, unit nodeunit.NodeUnit) error {
	scales, err := npu.CopyDataFromTensor[S](inputs[dequantizeScale])
	if err != nil {
		return err
	}
	scale := scaleToFloat32(scales[0])
	if err = npu.CheckScale(scale); err != nil {
		return errors.WithMessagef(err, "DequantizeLinear node %q", unit.Name())
	}
	var zeroPoint int32
	if len(inputs) > dequantizeZeroPoint && inputs[dequantizeZeroPoint] != nil {
		zeroPoints, err := npu.CopyDataFromTensor[Q](inputs[dequantizeZeroPoint])
		if err != nil {
			return err
		}
		zeroPoint = int32(zeroPoints[0])
	}
	quant := npu.NewAsymmetricQuantization(scale, zeroPoint)

	input := inputs[dequantizeInput]
	inputArg := unit.InputDefs()[dequantizeInput]
	switch {
	case input.Quantization().Equal(quant):
	case input.Quantization().Type != npu.QuantNone:
		return errors.Errorf("DequantizeLinear node %q reads %q with quantization %s, but its tensor %s has another one",
			unit.Name(), inputArg.Name, quant, input)
	default:
		if op := ep.userOf(inputArg.Name); op != nil {
			return errors.Errorf("DequantizeLinear node %q can't quantize %q, it is already used unquantized by operation %s",
				unit.Name(), inputArg.Name, op)
		}
		view := ep.Graph().CreateTensor(input.Spec().SetQuantization(quant))
		if input.IsConstTensor() {
			data, err := npu.CopyDataFromTensor[Q](input)
			if err != nil {
				return err
			}
			if err = view.CopyDataToTensor(data); err != nil {
				return err
			}
		}
		ep.UpdateTensorMap(inputArg.Name, view)
	}

	op := ep.Graph().CreateOperation(npu.DataConvert{})
	ep.AppendOp(ep.ConstructNodeIO(op, []*onnx.NodeArg{inputArg}, unit.OutputDefs()))
	return nil
}
