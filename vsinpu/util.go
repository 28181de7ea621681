package vsinpu

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/onnx-npu/internal/npu"
	"github.com/gomlx/onnx-npu/nodeunit"
	"github.com/gomlx/onnx-npu/onnx"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// MaxRank is the largest tensor rank the NPU accepts.
const MaxRank = 6

// HandleNegativeAxis converts an ONNX axis in [-rank, rank) to a non-negative one.
// It panics if axis is out of range: callers are expected to have checked it during the capability pass.
func HandleNegativeAxis(axis, rank int) int {
	if axis < -rank || axis >= rank {
		exceptions.Panicf("axis %d out of range for rank %d", axis, rank)
	}
	if axis < 0 {
		return axis + rank
	}
	return axis
}

// ReverseAxis converts an ONNX axis (counted from the outermost dimension) to the NPU convention, which
// counts from the innermost dimension.
func ReverseAxis(axis, rank int) int {
	return rank - 1 - HandleNegativeAxis(axis, rank)
}

// npuShape converts a static host shape to the NPU shape. Scalars become shape [1].
func npuShape(shape shapes.Shape) ([]uint32, error) {
	if shape.Rank() == 0 {
		return []uint32{1}, nil
	}
	dims := make([]uint32, shape.Rank())
	for axis, dim := range shape.Dimensions {
		if dim < 0 {
			return nil, errors.Errorf("shape %s is not static", shape)
		}
		dims[axis] = uint32(dim)
	}
	return dims, nil
}

// tensorSpec builds the NPU spec of arg.
func tensorSpec(arg *onnx.NodeArg, attribute npu.TensorAttribute) (npu.TensorSpec, error) {
	dataType, err := npu.FromDType(arg.Shape.DType)
	if err != nil {
		return npu.TensorSpec{}, errors.WithMessagef(err, "value %s", arg)
	}
	dims, err := npuShape(arg.Shape)
	if err != nil {
		return npu.TensorSpec{}, errors.WithMessagef(err, "value %s", arg)
	}
	return npu.NewTensorSpec(dataType, dims, attribute), nil
}

// checkValueSupported checks arg can be represented as an NPU tensor.
func checkValueSupported(arg *onnx.NodeArg) error {
	if !arg.IsStatic() {
		return unsupportedf("value %s has a dynamic shape", arg)
	}
	if arg.Shape.Rank() > MaxRank {
		return unsupportedf("value %s has rank %d, more than the maximum %d", arg, arg.Shape.Rank(), MaxRank)
	}
	if _, err := npu.FromDType(arg.Shape.DType); err != nil {
		return unsupportedf("value %s: %v", arg, err)
	}
	return nil
}

// checkConstantScalar checks that arg is a constant initializer with exactly one element.
func checkConstantScalar(viewer *onnx.GraphViewer, arg *onnx.NodeArg, what string) error {
	if !viewer.IsConstantInitializer(arg.Name) {
		return unsupportedf("%s %q is not a constant initializer", what, arg.Name)
	}
	if size := viewer.GetConstantInitializer(arg.Name).Size(); size != 1 {
		return unsupportedf("%s %q has %d elements, only per-tensor quantization is supported", what, arg.Name, size)
	}
	return nil
}

// initializerScalar returns the single element of a constant initializer holding T data.
func initializerScalar[T onnx.ConstantType](initializer *onnx.Initializer) (T, error) {
	var zero T
	data, err := onnx.InitializerData[T](initializer)
	if err != nil {
		return zero, err
	}
	if len(data) != 1 {
		return zero, errors.Errorf("initializer %q has %d elements, expected 1", initializer.Name, len(data))
	}
	return data[0], nil
}

// scalarAsFloat32 reads the single element of a constant initializer as float32.
func scalarAsFloat32(initializer *onnx.Initializer) (float32, error) {
	switch initializer.Shape.DType {
	case dtypes.Float32:
		return initializerScalar[float32](initializer)
	case dtypes.Float16:
		value, err := initializerScalar[float16.Float16](initializer)
		return value.Float32(), err
	case dtypes.Float64:
		value, err := initializerScalar[float64](initializer)
		return float32(value), err
	case dtypes.Int32:
		value, err := initializerScalar[int32](initializer)
		return float32(value), err
	default:
		return 0, errors.Errorf("initializer %q of dtype %s can't be used as a scale", initializer.Name, initializer.Shape.DType)
	}
}

// scalarAsInt32 reads the single element of a constant initializer as int32.
func scalarAsInt32(initializer *onnx.Initializer) (int32, error) {
	switch initializer.Shape.DType {
	case dtypes.Int8:
		value, err := initializerScalar[int8](initializer)
		return int32(value), err
	case dtypes.Uint8:
		value, err := initializerScalar[uint8](initializer)
		return int32(value), err
	case dtypes.Int16:
		value, err := initializerScalar[int16](initializer)
		return int32(value), err
	case dtypes.Uint16:
		value, err := initializerScalar[uint16](initializer)
		return int32(value), err
	case dtypes.Int32:
		return initializerScalar[int32](initializer)
	default:
		return 0, errors.Errorf("initializer %q of dtype %s can't be used as a zero point", initializer.Name, initializer.Shape.DType)
	}
}

// quantParamOf returns the scale and zero point inputs of a DequantizeLinear or QuantizeLinear node.
func quantParamOf(node *onnx.Node) *nodeunit.QuantParam {
	inputs := node.InputDefs()
	quant := &nodeunit.QuantParam{Scale: inputs[1]}
	if len(inputs) > 2 && inputs[2].Exists() {
		quant.ZeroPoint = inputs[2]
	}
	return quant
}

// sameQuantArgs returns whether a and b read the same scale and zero point values.
func sameQuantArgs(a, b *nodeunit.QuantParam) bool {
	zeroPointName := func(quant *nodeunit.QuantParam) string {
		if quant.ZeroPoint.Exists() {
			return quant.ZeroPoint.Name
		}
		return ""
	}
	return a.Scale.Name == b.Scale.Name && zeroPointName(a) == zeroPointName(b)
}

// checkQuantizedReaders checks that every node reading the quantized value arg dequantizes it like quant.
//
// A value is mapped to one NPU tensor, which carries one quantization.
func checkQuantizedReaders(viewer *onnx.GraphViewer, arg *onnx.NodeArg, quant *nodeunit.QuantParam) error {
	var want *npu.Quantization
	for _, reader := range viewer.Consumers(arg.Name) {
		inputs := reader.InputDefs()
		if reader.OpType() != onnx.OpDequantizeLinear || len(inputs) < 2 || inputs[0].Name != arg.Name {
			return unsupportedf("quantized value %q is also read as is by %s", arg.Name, reader)
		}
		readerQuant := quantParamOf(reader)
		if sameQuantArgs(readerQuant, quant) {
			continue
		}
		if want == nil {
			quantization, err := quantizationOf(viewer, quant)
			if err != nil {
				return unsupportedf("quantized value %q: %v", arg.Name, err)
			}
			want = &quantization
		}
		got, err := quantizationOf(viewer, readerQuant)
		if err != nil {
			return unsupportedf("quantized value %q is also dequantized by %s: %v", arg.Name, reader, err)
		}
		if !got.Equal(*want) {
			return unsupportedf("quantized value %q is read with %s and dequantized by %s with %s",
				arg.Name, *want, reader, got)
		}
	}
	return nil
}
