package npu

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestTensorSpec(t *testing.T) {
	spec := NewTensorSpec(Uint8, []uint32{2, 3, 4}, AttributeInput)
	assert.Equal(t, 24, spec.ElementNum())
	assert.Equal(t, 24, spec.ByteSize())

	quantized := spec.SetQuantization(NewAsymmetricQuantization(0.5, 128))
	assert.Equal(t, QuantNone, spec.Quantization.Type, "receiver must not change")
	assert.True(t, quantized.Quantization.Equal(NewAsymmetricQuantization(0.5, 128)))

	transient := quantized.AsTransientSpec().SetShape([]uint32{6, 4})
	assert.Equal(t, AttributeTransient, transient.Attribute)
	assert.Equal(t, []uint32{6, 4}, transient.Shape)
	assert.Equal(t, []uint32{2, 3, 4}, quantized.Shape)
	assert.Equal(t, AttributeInput, quantized.Attribute)

	// Copies don't share backing arrays.
	transient.Quantization.Scales[0] = 7
	assert.Equal(t, float32(0.5), quantized.Quantization.Scales[0])
}

func TestFromDType(t *testing.T) {
	for dtype, want := range map[dtypes.DType]DataType{
		dtypes.Int8:    Int8,
		dtypes.Uint8:   Uint8,
		dtypes.Int16:   Int16,
		dtypes.Uint16:  Uint16,
		dtypes.Int32:   Int32,
		dtypes.Float16: Float16,
		dtypes.Float32: Float32,
		dtypes.Bool:    Bool8,
	} {
		assert.Equal(t, want, must.M1(FromDType(dtype)), "dtype %s", dtype)
	}
	_, err := FromDType(dtypes.Float64)
	require.Error(t, err)
}

func TestQuantization(t *testing.T) {
	q := NewAsymmetricQuantization(0.5, 10)
	assert.True(t, q.Equal(NewAsymmetricQuantization(0.5, 10)))
	assert.False(t, q.Equal(NewAsymmetricQuantization(0.5, 11)))
	assert.False(t, q.Equal(Quantization{}))
	assert.True(t, Quantization{}.Equal(NewTensorSpec(Int8, []uint32{1}, AttributeInput).Quantization))
	assert.Equal(t, "ASYMMETRIC(scales=[0.5], zero_points=[10])", q.String())

	require.NoError(t, CheckScale(0.01))
	require.Error(t, CheckScale(0))
	require.Error(t, CheckScale(-1))
	require.Error(t, CheckScale(math32.NaN()))
	require.Error(t, CheckScale(math32.Inf(1)))
}

func TestTensorData(t *testing.T) {
	g := NewGraph()
	spec := NewTensorSpec(Float16, []uint32{2}, AttributeConstant)
	data := []float16.Float16{float16.Fromfloat32(1), float16.Fromfloat32(-2)}
	tensor := must.M1(g.CreateTensorWithData(spec, data))
	data[0] = float16.Fromfloat32(100)
	got := must.M1(CopyDataFromTensor[float16.Float16](tensor))
	assert.Equal(t, float32(1), got[0].Float32(), "data must be copied on the way in")
	assert.True(t, tensor.IsConstTensor())

	_, err := CopyDataFromTensor[float32](tensor)
	require.Error(t, err)
	require.Error(t, tensor.CopyDataToTensor([]float32{1, 2}), "wrong data type")
	require.Error(t, tensor.CopyDataToTensor([]float16.Float16{1}), "wrong size")
	_, err = CopyDataFromTensor[float32](g.CreateTensor(NewTensorSpec(Float32, []uint32{1}, AttributeInput)))
	require.Error(t, err)
}

func TestCompile(t *testing.T) {
	g := NewGraph()
	input := g.CreateTensor(NewTensorSpec(Float32, []uint32{2, 3, 4}, AttributeInput))
	flat := g.CreateTensor(input.Spec().AsTransientSpec().SetShape([]uint32{2, 12}))
	softmax := g.CreateTensor(flat.Spec())
	output := g.CreateTensor(input.Spec().SetAttribute(AttributeOutput))
	g.CreateOperation(Reshape{Size: []uint32{2, 12}}).BindInput(input).BindOutput(flat)
	g.CreateOperation(Softmax{Beta: 1, Axis: 0}).BindInput(flat).BindOutput(softmax)
	g.CreateOperation(Reshape{Size: []uint32{2, 3, 4}}).BindInput(softmax).BindOutput(output)
	require.NoError(t, g.Compile())
	assert.True(t, g.IsCompiled())
	require.Len(t, g.Operations(), 3)
	assert.Equal(t, OpSoftmax, g.Operations()[1].Type())
	assert.Equal(t, []*Tensor{input}, g.Inputs())
	assert.Equal(t, []*Tensor{output}, g.Outputs())
	assert.Panics(t, func() { g.CreateOperation(Relu{}) })
}

func TestCompileErrors(t *testing.T) {
	for name, build := range map[string]func(g *Graph){
		"unwritten output": func(g *Graph) {
			g.CreateTensor(NewTensorSpec(Float32, []uint32{4}, AttributeOutput))
		},
		"constant without data": func(g *Graph) {
			g.CreateTensor(NewTensorSpec(Float32, []uint32{4}, AttributeConstant))
		},
		"missing output binding": func(g *Graph) {
			in := g.CreateTensor(NewTensorSpec(Float32, []uint32{4}, AttributeInput))
			g.CreateOperation(Relu{}).BindInput(in)
		},
		"writes input": func(g *Graph) {
			in := g.CreateTensor(NewTensorSpec(Float32, []uint32{4}, AttributeInput))
			other := g.CreateTensor(NewTensorSpec(Float32, []uint32{4}, AttributeInput))
			g.CreateOperation(Tanh{}).BindInput(in).BindOutput(other)
		},
		"two writers": func(g *Graph) {
			in := g.CreateTensor(NewTensorSpec(Float32, []uint32{4}, AttributeInput))
			out := g.CreateTensor(NewTensorSpec(Float32, []uint32{4}, AttributeOutput))
			g.CreateOperation(Tanh{}).BindInput(in).BindOutput(out)
			g.CreateOperation(Sigmoid{}).BindInput(in).BindOutput(out)
		},
		"read unwritten transient": func(g *Graph) {
			tmp := g.CreateTensor(NewTensorSpec(Float32, []uint32{4}, AttributeTransient))
			out := g.CreateTensor(NewTensorSpec(Float32, []uint32{4}, AttributeOutput))
			g.CreateOperation(Relu{}).BindInput(tmp).BindOutput(out)
		},
		"bad reshape": func(g *Graph) {
			in := g.CreateTensor(NewTensorSpec(Float32, []uint32{4}, AttributeInput))
			out := g.CreateTensor(NewTensorSpec(Float32, []uint32{5}, AttributeOutput))
			g.CreateOperation(Reshape{Size: []uint32{5}}).BindInput(in).BindOutput(out)
		},
		"softmax axis": func(g *Graph) {
			in := g.CreateTensor(NewTensorSpec(Float32, []uint32{4}, AttributeInput))
			out := g.CreateTensor(NewTensorSpec(Float32, []uint32{4}, AttributeOutput))
			g.CreateOperation(Softmax{Beta: 1, Axis: 1}).BindInput(in).BindOutput(out)
		},
	} {
		t.Run(name, func(t *testing.T) {
			g := NewGraph()
			build(g)
			require.Error(t, g.Compile())
			assert.False(t, g.IsCompiled())
		})
	}
}

func TestBindFromOtherGraph(t *testing.T) {
	g1, g2 := NewGraph(), NewGraph()
	foreign := g2.CreateTensor(NewTensorSpec(Float32, []uint32{1}, AttributeInput))
	assert.Panics(t, func() { g1.CreateOperation(Relu{}).BindInput(foreign) })
}
