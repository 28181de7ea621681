package npu

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
)

// OpType enumerates the NPU operations.
type OpType int

const (
	OpUnknown OpType = iota
	OpRelu
	OpSigmoid
	OpTanh
	OpLeakyRelu
	OpElu
	OpHardSigmoid
	OpSoftmax
	OpReshape
	OpDataConvert
)

var opTypeNames = map[OpType]string{
	OpRelu:        "Relu",
	OpSigmoid:     "Sigmoid",
	OpTanh:        "Tanh",
	OpLeakyRelu:   "LeakyRelu",
	OpElu:         "Elu",
	OpHardSigmoid: "HardSigmoid",
	OpSoftmax:     "Softmax",
	OpReshape:     "Reshape",
	OpDataConvert: "DataConvert",
}

// String implements fmt.Stringer.
func (t OpType) String() string {
	if name, found := opTypeNames[t]; found {
		return name
	}
	return fmt.Sprintf("OpType(%d)", int(t))
}

// Params are the static parameters of an operation. Each operation kind has its own Params type.
type Params interface {
	Type() OpType
}

// Relu is max(x, 0).
type Relu struct{}

// Sigmoid is 1/(1+exp(-x)).
type Sigmoid struct{}

// Tanh is the hyperbolic tangent.
type Tanh struct{}

// LeakyRelu is x for x >= 0, Alpha*x otherwise.
type LeakyRelu struct {
	Alpha float32
}

// Elu is x for x >= 0, Alpha*(exp(x)-1) otherwise.
type Elu struct {
	Alpha float32
}

// HardSigmoid is max(0, min(1, Alpha*x+Beta)).
type HardSigmoid struct {
	Alpha, Beta float32
}

// Softmax normalizes exp(Beta*x) along Axis, counted from the innermost dimension.
type Softmax struct {
	Beta float32
	Axis int32
}

// Reshape changes the shape of the input to Size, listed outermost dimension first.
type Reshape struct {
	Size []uint32
}

// DataConvert converts between data types and quantizations, as given by the specs of the input and output
// tensors.
type DataConvert struct{}

func (Relu) Type() OpType        { return OpRelu }
func (Sigmoid) Type() OpType     { return OpSigmoid }
func (Tanh) Type() OpType        { return OpTanh }
func (LeakyRelu) Type() OpType   { return OpLeakyRelu }
func (Elu) Type() OpType         { return OpElu }
func (HardSigmoid) Type() OpType { return OpHardSigmoid }
func (Softmax) Type() OpType     { return OpSoftmax }
func (Reshape) Type() OpType     { return OpReshape }
func (DataConvert) Type() OpType { return OpDataConvert }

// Operation is a node of the NPU graph.
type Operation struct {
	graph           *Graph
	id              int
	params          Params
	inputs, outputs []*Tensor
}

// ID of the operation, in creation order.
func (op *Operation) ID() int { return op.id }

// Type of the operation.
func (op *Operation) Type() OpType { return op.params.Type() }

// Params returns the parameters the operation was created with.
func (op *Operation) Params() Params { return op.params }

// Inputs bound to the operation.
func (op *Operation) Inputs() []*Tensor { return slices.Clone(op.inputs) }

// Outputs bound to the operation.
func (op *Operation) Outputs() []*Tensor { return slices.Clone(op.outputs) }

// BindInput appends the tensor to the inputs of the operation. It returns the operation itself.
//
// It panics if the tensor belongs to another graph or the graph was already compiled.
func (op *Operation) BindInput(tensor *Tensor) *Operation {
	op.checkBind(tensor)
	op.inputs = append(op.inputs, tensor)
	return op
}

// BindOutput appends the tensor to the outputs of the operation. It returns the operation itself.
func (op *Operation) BindOutput(tensor *Tensor) *Operation {
	op.checkBind(tensor)
	op.outputs = append(op.outputs, tensor)
	return op
}

func (op *Operation) checkBind(tensor *Tensor) {
	if tensor == nil {
		exceptions.Panicf("binding nil tensor to operation %s", op)
	}
	if tensor.graph != op.graph {
		exceptions.Panicf("binding tensor %s from another graph to operation %s", tensor, op)
	}
	op.graph.mustNotBeCompiled()
}

// String implements fmt.Stringer.
func (op *Operation) String() string {
	return fmt.Sprintf("#%d:%s", op.id, op.params.Type())
}
