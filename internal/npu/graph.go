package npu

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
)

// Graph owns the tensors and operations of one NPU program.
//
// It is not safe for concurrent use.
type Graph struct {
	tensors    []*Tensor
	operations []*Operation
	compiled   bool
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{}
}

func (g *Graph) mustNotBeCompiled() {
	if g.compiled {
		exceptions.Panicf("npu graph already compiled, it can no longer be changed")
	}
}

// CreateTensor creates a tensor with the given spec.
func (g *Graph) CreateTensor(spec TensorSpec) *Tensor {
	g.mustNotBeCompiled()
	t := &Tensor{graph: g, id: len(g.tensors), spec: spec.clone()}
	g.tensors = append(g.tensors, t)
	return t
}

// CreateTensorWithData creates a tensor and copies the flat data into it. See Tensor.CopyDataToTensor.
func (g *Graph) CreateTensorWithData(spec TensorSpec, flat any) (*Tensor, error) {
	t := g.CreateTensor(spec)
	if err := t.CopyDataToTensor(flat); err != nil {
		return nil, err
	}
	return t, nil
}

// CreateOperation creates an operation with no tensors bound.
func (g *Graph) CreateOperation(params Params) *Operation {
	g.mustNotBeCompiled()
	if params == nil {
		exceptions.Panicf("CreateOperation(nil)")
	}
	op := &Operation{graph: g, id: len(g.operations), params: params}
	g.operations = append(g.operations, op)
	return op
}

// Tensors returns all tensors in creation order.
func (g *Graph) Tensors() []*Tensor { return slices.Clone(g.tensors) }

// Operations returns all operations in creation order.
func (g *Graph) Operations() []*Operation { return slices.Clone(g.operations) }

// Inputs returns the tensors with AttributeInput, in creation order.
func (g *Graph) Inputs() []*Tensor { return g.tensorsWith(AttributeInput) }

// Outputs returns the tensors with AttributeOutput, in creation order.
func (g *Graph) Outputs() []*Tensor { return g.tensorsWith(AttributeOutput) }

func (g *Graph) tensorsWith(attribute TensorAttribute) []*Tensor {
	var tensors []*Tensor
	for _, t := range g.tensors {
		if t.spec.Attribute == attribute {
			tensors = append(tensors, t)
		}
	}
	return tensors
}

// IsCompiled returns whether Compile succeeded.
func (g *Graph) IsCompiled() bool { return g.compiled }

// Compile validates the graph and freezes it. It checks that:
//
//   - every operation has one input and one output, with the shapes its parameters require;
//   - constant tensors carry data;
//   - input and constant tensors are never written by an operation;
//   - transient and output tensors are written by exactly one operation, and transient tensors are only
//     read if they are written.
func (g *Graph) Compile() error {
	if g.compiled {
		return nil
	}
	producers := make(map[*Tensor]int, len(g.tensors))
	consumed := sets.Make[*Tensor](len(g.tensors))
	for _, op := range g.operations {
		if err := checkOperation(op); err != nil {
			return err
		}
		for _, t := range op.inputs {
			consumed.Insert(t)
		}
		for _, t := range op.outputs {
			switch t.spec.Attribute {
			case AttributeInput, AttributeConstant:
				return errors.Errorf("operation %s writes to %s tensor %s", op, t.spec.Attribute, t)
			}
			producers[t]++
			if producers[t] > 1 {
				return errors.Errorf("tensor %s is written by more than one operation", t)
			}
		}
	}
	for _, t := range g.tensors {
		switch t.spec.Attribute {
		case AttributeConstant:
			if !t.HasData() {
				return errors.Errorf("constant tensor %s has no data", t)
			}
		case AttributeOutput:
			if producers[t] == 0 {
				return errors.Errorf("output tensor %s is never written", t)
			}
		case AttributeTransient:
			if consumed.Has(t) && producers[t] == 0 {
				return errors.Errorf("transient tensor %s is read but never written", t)
			}
		}
	}
	g.compiled = true
	return nil
}

// checkOperation validates the tensors bound to op against its parameters.
func checkOperation(op *Operation) error {
	if len(op.inputs) != 1 || len(op.outputs) != 1 {
		return errors.Errorf("operation %s requires 1 input and 1 output, got %d inputs and %d outputs",
			op, len(op.inputs), len(op.outputs))
	}
	input, output := op.inputs[0].spec, op.outputs[0].spec
	switch params := op.params.(type) {
	case Reshape:
		target := TensorSpec{Shape: params.Size}
		if target.ElementNum() != input.ElementNum() {
			return errors.Errorf("operation %s reshapes %v (%d elements) to %v (%d elements)",
				op, input.Shape, input.ElementNum(), params.Size, target.ElementNum())
		}
		if !slices.Equal(output.Shape, params.Size) {
			return errors.Errorf("operation %s reshapes to %v, but output tensor has shape %v",
				op, params.Size, output.Shape)
		}
		return nil
	case Softmax:
		if params.Axis < 0 || int(params.Axis) >= len(input.Shape) {
			return errors.Errorf("operation %s has axis %d out of range for rank %d input",
				op, params.Axis, len(input.Shape))
		}
	}
	if !slices.Equal(input.Shape, output.Shape) {
		return errors.Errorf("operation %s input shape %v differs from output shape %v", op, input.Shape, output.Shape)
	}
	return nil
}
