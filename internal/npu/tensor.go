package npu

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Tensor is a value of the NPU graph. Constant tensors carry their data, stored as a flat Go slice of the
// type matching the DataType (float16.Float16 for Float16, bool for Bool8).
type Tensor struct {
	graph *Graph
	id    int
	spec  TensorSpec
	data  any
}

// ID of the tensor, unique in its graph.
func (t *Tensor) ID() int { return t.id }

// Spec returns a copy of the tensor spec.
func (t *Tensor) Spec() TensorSpec { return t.spec.clone() }

// Shape of the tensor, outermost dimension first.
func (t *Tensor) Shape() []uint32 { return slices.Clone(t.spec.Shape) }

// DataType of the tensor elements.
func (t *Tensor) DataType() DataType { return t.spec.DataType }

// Quantization of the tensor.
func (t *Tensor) Quantization() Quantization { return t.spec.clone().Quantization }

// IsConstTensor returns whether the tensor has a constant role.
func (t *Tensor) IsConstTensor() bool { return t.spec.Attribute == AttributeConstant }

// HasData returns whether data was copied into the tensor.
func (t *Tensor) HasData() bool { return t.data != nil }

// Data returns the flat data of the tensor, or nil. It is owned by the tensor and must not be modified.
func (t *Tensor) Data() any { return t.data }

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("#%d%s", t.id, t.spec)
}

// flatInfo returns the DataType and length of a flat slice.
func flatInfo(flat any) (DataType, int, error) {
	switch v := flat.(type) {
	case []int8:
		return Int8, len(v), nil
	case []uint8:
		return Uint8, len(v), nil
	case []int16:
		return Int16, len(v), nil
	case []uint16:
		return Uint16, len(v), nil
	case []int32:
		return Int32, len(v), nil
	case []uint32:
		return Uint32, len(v), nil
	case []int64:
		return Int64, len(v), nil
	case []float16.Float16:
		return Float16, len(v), nil
	case []float32:
		return Float32, len(v), nil
	case []bool:
		return Bool8, len(v), nil
	default:
		return DataTypeUnknown, 0, errors.Errorf("flat data of type %T is not supported", flat)
	}
}

// CopyDataToTensor copies the flat slice into the tensor. Its Go type must match the tensor DataType and
// its length the number of elements of the tensor.
func (t *Tensor) CopyDataToTensor(flat any) error {
	dt, size, err := flatInfo(flat)
	if err != nil {
		return errors.WithMessagef(err, "CopyDataToTensor() into tensor %s", t)
	}
	if dt != t.spec.DataType {
		return errors.Errorf("CopyDataToTensor(): data of type %s given to tensor %s", dt, t)
	}
	if size != t.spec.ElementNum() {
		return errors.Errorf("CopyDataToTensor(): %d elements given to tensor %s with %d elements",
			size, t, t.spec.ElementNum())
	}
	t.data = cloneFlat(flat)
	return nil
}

func cloneFlat(flat any) any {
	switch v := flat.(type) {
	case []int8:
		return slices.Clone(v)
	case []uint8:
		return slices.Clone(v)
	case []int16:
		return slices.Clone(v)
	case []uint16:
		return slices.Clone(v)
	case []int32:
		return slices.Clone(v)
	case []uint32:
		return slices.Clone(v)
	case []int64:
		return slices.Clone(v)
	case []float16.Float16:
		return slices.Clone(v)
	case []float32:
		return slices.Clone(v)
	case []bool:
		return slices.Clone(v)
	default:
		return nil
	}
}

// CopyDataFromTensor returns a copy of the tensor data, which must be stored with Go type T.
func CopyDataFromTensor[T any](t *Tensor) ([]T, error) {
	if t.data == nil {
		return nil, errors.Errorf("CopyDataFromTensor(): tensor %s has no data", t)
	}
	flat, ok := t.data.([]T)
	if !ok {
		var zero T
		return nil, errors.Errorf("CopyDataFromTensor[%T](): tensor %s stores %T", zero, t, t.data)
	}
	return slices.Clone(flat), nil
}
