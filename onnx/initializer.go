package onnx

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// ConstantType is the set of Go types that can hold constant initializer data.
type ConstantType interface {
	bool | float16.Float16 | float32 | float64 |
		int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64
}

// Initializer is a constant tensor stored in the graph: a weight, a quantization scale or zero-point, etc.
//
// The data is kept as a flat slice in row-major order.
type Initializer struct {
	Name  string
	Shape shapes.Shape
	data  any
}

// flatDType returns the dtype and length of a flat slice of one of the ConstantType types.
func flatDType(flat any) (dtype dtypes.DType, length int, err error) {
	switch data := flat.(type) {
	case []bool:
		return dtypes.Bool, len(data), nil
	case []float16.Float16:
		return dtypes.Float16, len(data), nil
	case []float32:
		return dtypes.Float32, len(data), nil
	case []float64:
		return dtypes.Float64, len(data), nil
	case []int8:
		return dtypes.Int8, len(data), nil
	case []int16:
		return dtypes.Int16, len(data), nil
	case []int32:
		return dtypes.Int32, len(data), nil
	case []int64:
		return dtypes.Int64, len(data), nil
	case []uint8:
		return dtypes.Uint8, len(data), nil
	case []uint16:
		return dtypes.Uint16, len(data), nil
	case []uint32:
		return dtypes.Uint32, len(data), nil
	case []uint64:
		return dtypes.Uint64, len(data), nil
	default:
		return dtypes.InvalidDType, 0, errors.Errorf("constant data of type %T is not supported", flat)
	}
}

// NewInitializer creates a constant with the given flat data (e.g. []float32) and dimensions.
// A scalar has no dimensions.
func NewInitializer(name string, flat any, dimensions ...int) (*Initializer, error) {
	dtype, length, err := flatDType(flat)
	if err != nil {
		return nil, errors.WithMessagef(err, "while creating initializer %q", name)
	}
	shape := shapes.Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < 0 {
			return nil, errors.Errorf("initializer %q shaped %s: constants must have static dimensions", name, shape)
		}
	}
	if length != shape.Size() {
		return nil, errors.Errorf("initializer %q shaped %s has size %d, but %d values were provided!?",
			name, shape, shape.Size(), length)
	}
	return &Initializer{Name: name, Shape: shape, data: flat}, nil
}

// Data returns the flat data slice. It must not be modified.
func (i *Initializer) Data() any { return i.data }

// Size returns the number of elements.
func (i *Initializer) Size() int { return i.Shape.Size() }

// InitializerData returns the flat data of the initializer as []T, checking the dtype matches.
func InitializerData[T ConstantType](i *Initializer) ([]T, error) {
	data, ok := i.data.([]T)
	if !ok {
		var zero T
		return nil, errors.Errorf("initializer %q shaped %s does not hold %T data", i.Name, i.Shape, zero)
	}
	return data, nil
}
