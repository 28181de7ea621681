// Package npu models the operator graph of the NPU (TIM-VX style): tensors with a fixed spec (data type,
// shape, role and quantization), operations with static parameters, and the graph that owns both.
//
// Shapes are listed outermost dimension first, as in ONNX. Axis parameters of operations, however, count
// from the innermost dimension: axis 0 is the fastest varying one.
package npu

import (
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// DataType of the elements of a tensor, as supported by the NPU.
type DataType int

const (
	DataTypeUnknown DataType = iota
	Int8
	Uint8
	Int16
	Uint16
	Int32
	Uint32
	Int64
	Float16
	Float32
	Bool8
)

// String implements fmt.Stringer.
func (dt DataType) String() string {
	switch dt {
	case Int8:
		return "INT8"
	case Uint8:
		return "UINT8"
	case Int16:
		return "INT16"
	case Uint16:
		return "UINT16"
	case Int32:
		return "INT32"
	case Uint32:
		return "UINT32"
	case Int64:
		return "INT64"
	case Float16:
		return "FLOAT16"
	case Float32:
		return "FLOAT32"
	case Bool8:
		return "BOOL8"
	default:
		return fmt.Sprintf("DataType(%d)", int(dt))
	}
}

// Size in bytes of one element.
func (dt DataType) Size() int {
	switch dt {
	case Int8, Uint8, Bool8:
		return 1
	case Int16, Uint16, Float16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64:
		return 8
	default:
		return 0
	}
}

// FromDType maps a gomlx dtype to the NPU data type.
func FromDType(dtype dtypes.DType) (DataType, error) {
	switch dtype {
	case dtypes.Int8:
		return Int8, nil
	case dtypes.Uint8:
		return Uint8, nil
	case dtypes.Int16:
		return Int16, nil
	case dtypes.Uint16:
		return Uint16, nil
	case dtypes.Int32:
		return Int32, nil
	case dtypes.Uint32:
		return Uint32, nil
	case dtypes.Int64:
		return Int64, nil
	case dtypes.Float16:
		return Float16, nil
	case dtypes.Float32:
		return Float32, nil
	case dtypes.Bool:
		return Bool8, nil
	default:
		return DataTypeUnknown, errors.Errorf("dtype %s is not supported by the NPU", dtype)
	}
}

// QuantType is the quantization scheme of a tensor.
type QuantType int

const (
	QuantNone QuantType = iota
	QuantAsymmetric
	QuantSymmetricPerChannel
)

// String implements fmt.Stringer.
func (qt QuantType) String() string {
	switch qt {
	case QuantNone:
		return "NONE"
	case QuantAsymmetric:
		return "ASYMMETRIC"
	case QuantSymmetricPerChannel:
		return "SYMMETRIC_PER_CHANNEL"
	default:
		return fmt.Sprintf("QuantType(%d)", int(qt))
	}
}

// Quantization describes the affine transform real = scale * (quantized - zeroPoint) of a tensor.
// Per-tensor quantization has exactly one scale and zero-point.
type Quantization struct {
	Type       QuantType
	ChannelDim int32
	Scales     []float32
	ZeroPoints []int32
}

// NewAsymmetricQuantization returns a per-tensor asymmetric quantization.
func NewAsymmetricQuantization(scale float32, zeroPoint int32) Quantization {
	return Quantization{
		Type:       QuantAsymmetric,
		Scales:     []float32{scale},
		ZeroPoints: []int32{zeroPoint},
	}
}

// Equal compares two quantizations.
func (q Quantization) Equal(other Quantization) bool {
	return q.Type == other.Type && q.ChannelDim == other.ChannelDim &&
		slices.Equal(q.Scales, other.Scales) && slices.Equal(q.ZeroPoints, other.ZeroPoints)
}

// String implements fmt.Stringer.
func (q Quantization) String() string {
	if q.Type == QuantNone {
		return "NONE"
	}
	return fmt.Sprintf("%s(scales=%v, zero_points=%v)", q.Type, q.Scales, q.ZeroPoints)
}

// TensorAttribute is the role of a tensor in the graph.
type TensorAttribute int

const (
	// AttributeTransient tensors are intermediate values, produced and consumed inside the graph.
	AttributeTransient TensorAttribute = iota

	// AttributeConstant tensors hold data fixed at graph build time.
	AttributeConstant

	// AttributeInput tensors are fed by the caller.
	AttributeInput

	// AttributeOutput tensors are read by the caller.
	AttributeOutput
)

// String implements fmt.Stringer.
func (a TensorAttribute) String() string {
	switch a {
	case AttributeTransient:
		return "TRANSIENT"
	case AttributeConstant:
		return "CONSTANT"
	case AttributeInput:
		return "INPUT"
	case AttributeOutput:
		return "OUTPUT"
	default:
		return fmt.Sprintf("TensorAttribute(%d)", int(a))
	}
}

// TensorSpec is the static description of a tensor. The Set* methods and AsTransientSpec return modified
// copies, leaving the receiver untouched.
type TensorSpec struct {
	DataType     DataType
	Shape        []uint32
	Attribute    TensorAttribute
	Quantization Quantization
}

// NewTensorSpec creates an unquantized spec.
func NewTensorSpec(dataType DataType, shape []uint32, attribute TensorAttribute) TensorSpec {
	return TensorSpec{DataType: dataType, Shape: slices.Clone(shape), Attribute: attribute}
}

func (s TensorSpec) clone() TensorSpec {
	s.Shape = slices.Clone(s.Shape)
	s.Quantization.Scales = slices.Clone(s.Quantization.Scales)
	s.Quantization.ZeroPoints = slices.Clone(s.Quantization.ZeroPoints)
	return s
}

// AsTransientSpec returns a copy of the spec for an intermediate tensor.
func (s TensorSpec) AsTransientSpec() TensorSpec {
	s = s.clone()
	s.Attribute = AttributeTransient
	return s
}

// SetShape returns a copy of the spec with the given shape.
func (s TensorSpec) SetShape(shape []uint32) TensorSpec {
	s = s.clone()
	s.Shape = slices.Clone(shape)
	return s
}

// SetQuantization returns a copy of the spec with the given quantization.
func (s TensorSpec) SetQuantization(quantization Quantization) TensorSpec {
	s = s.clone()
	s.Quantization = quantization
	s.Quantization.Scales = slices.Clone(quantization.Scales)
	s.Quantization.ZeroPoints = slices.Clone(quantization.ZeroPoints)
	return s
}

// SetAttribute returns a copy of the spec with the given attribute.
func (s TensorSpec) SetAttribute(attribute TensorAttribute) TensorSpec {
	s = s.clone()
	s.Attribute = attribute
	return s
}

// ElementNum returns the number of elements of the shape.
func (s TensorSpec) ElementNum() int {
	n := 1
	for _, dim := range s.Shape {
		n *= int(dim)
	}
	return n
}

// ByteSize returns the memory needed to store the tensor.
func (s TensorSpec) ByteSize() int {
	return s.ElementNum() * s.DataType.Size()
}

// String implements fmt.Stringer.
func (s TensorSpec) String() string {
	if s.Quantization.Type == QuantNone {
		return fmt.Sprintf("(%s)%v %s", s.DataType, s.Shape, s.Attribute)
	}
	return fmt.Sprintf("(%s)%v %s %s", s.DataType, s.Shape, s.Attribute, s.Quantization)
}
