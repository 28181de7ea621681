package vsinpu

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/onnx-npu/internal/npu"
	"github.com/gomlx/onnx-npu/nodeunit"
	"github.com/gomlx/onnx-npu/onnx"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeQDQReluCosGraph builds:
//
//	x_q → DequantizeLinear → Relu → QuantizeLinear → y_q → Cos → z
//
// Cos has no NPU builder. If constScale is false, the output scale of the QuantizeLinear is a graph input.
func makeQDQReluCosGraph(t *testing.T, constScale bool) *onnx.GraphViewer {
	t.Helper()
	g := onnx.NewGraph("qdq_relu_cos").SetOpset("", 13)
	xq := g.Value("x_q", dtypes.Uint8, 1, 4)
	x := g.Value("x", dtypes.Float32, 1, 4)
	y := g.Value("y", dtypes.Float32, 1, 4)
	yq := g.Value("y_q", dtypes.Uint8, 1, 4)
	z := g.Value("z", dtypes.Uint8, 1, 4)
	xScale := must.M1(g.AddInitializer("x_scale", []float32{0.1}))
	xZeroPoint := must.M1(g.AddInitializer("x_zero_point", []uint8{128}))
	var yScale *onnx.NodeArg
	if constScale {
		yScale = must.M1(g.AddInitializer("y_scale", []float32{0.05}))
	} else {
		yScale = g.Value("y_scale", dtypes.Float32)
		g.AddInput(yScale)
	}
	yZeroPoint := must.M1(g.AddInitializer("y_zero_point", []uint8{0}))
	g.AddInput(xq).AddOutput(z)
	g.AddNode(onnx.OpDequantizeLinear, []*onnx.NodeArg{xq, xScale, xZeroPoint}, []*onnx.NodeArg{x}).SetName("dq")
	g.AddNode("Relu", []*onnx.NodeArg{x}, []*onnx.NodeArg{y}).SetName("relu")
	g.AddNode(onnx.OpQuantizeLinear, []*onnx.NodeArg{y, yScale, yZeroPoint}, []*onnx.NodeArg{yq}).SetName("q")
	g.AddNode("Cos", []*onnx.NodeArg{yq}, []*onnx.NodeArg{z}).SetName("cos")
	return must.M1(onnx.NewGraphViewer(g))
}

func unitNames(units []nodeunit.NodeUnit) []string {
	names := make([]string, len(units))
	for ii, unit := range units {
		names[ii] = unit.Name()
	}
	return names
}

func TestProviderQDQ(t *testing.T) {
	v := makeQDQReluCosGraph(t, true)
	p := New()
	capability := must.M1(p.GetCapability(v))
	require.Len(t, capability.Units, 2)
	require.Len(t, capability.Supported, 1)
	relu := capability.Supported[0]
	assert.Equal(t, nodeunit.QDQGroup, relu.UnitType())
	assert.Equal(t, "relu", relu.Name())
	assert.Equal(t, 3, capability.NumSupportedNodes())
	require.Len(t, capability.Unsupported, 1)
	assert.Equal(t, "cos", capability.Unsupported[0].Unit.Name())
	assert.ErrorIs(t, capability.Unsupported[0].Reason, ErrUnsupported)
	assert.Contains(t, capability.String(), "cos")

	ep := must.M1(p.Compile(v, capability))
	assert.Equal(t, []string{"x_q"}, ep.InputNames())
	assert.Equal(t, []string{"y_q"}, ep.OutputNames())
	require.Len(t, ep.Ops(), 1)
	op := ep.Ops()[0].Op
	assert.Equal(t, npu.Relu{}, op.Params())

	// The fused Relu runs directly on the quantized values.
	input, output := op.Inputs()[0], op.Outputs()[0]
	assert.Equal(t, npu.Uint8, input.DataType())
	assert.True(t, input.Quantization().Equal(npu.NewAsymmetricQuantization(0.1, 128)))
	assert.Equal(t, npu.AttributeInput, input.Spec().Attribute)
	assert.True(t, output.Quantization().Equal(npu.NewAsymmetricQuantization(0.05, 0)))
	assert.Equal(t, npu.AttributeOutput, output.Spec().Attribute)
	assert.Equal(t, []*npu.Tensor{input}, ep.Inputs())
	assert.Equal(t, []*npu.Tensor{output}, ep.Outputs())
	assert.True(t, ep.Graph().IsCompiled())
	assert.Contains(t, ep.String(), "Relu")
}

func TestProviderWithoutQDQFusion(t *testing.T) {
	v := makeQDQReluCosGraph(t, true)
	p := New().DisableQDQFusion()
	capability := must.M1(p.GetCapability(v))
	assert.Equal(t, []string{"dq", "relu", "q", "cos"}, unitNames(capability.Units))
	assert.Equal(t, []string{"dq", "relu"}, unitNames(capability.Supported))

	ep := must.M1(p.Compile(v, capability))
	assert.Equal(t, []string{"x_q"}, ep.InputNames())
	assert.Equal(t, []string{"y"}, ep.OutputNames())
	require.Len(t, ep.Ops(), 2)
	assert.Equal(t, npu.OpDataConvert, ep.Ops()[0].Op.Type())
	assert.Equal(t, npu.OpRelu, ep.Ops()[1].Op.Type())
	assert.Same(t, ep.Ops()[0].Op.Outputs()[0], ep.Ops()[1].Op.Inputs()[0])
	assert.True(t, ep.Tensor("x_q").Quantization().Equal(npu.NewAsymmetricQuantization(0.1, 128)))
}

func TestProviderUnsupportedQDQGroup(t *testing.T) {
	// A runtime output scale can't be fused: its nodes are lowered individually.
	v := makeQDQReluCosGraph(t, false)
	capability := must.M1(New().GetCapability(v))
	assert.Equal(t, []string{"dq", "relu", "q", "cos"}, unitNames(capability.Units))
	assert.Equal(t, []string{"dq", "relu"}, unitNames(capability.Supported))
	for _, unit := range capability.Units {
		assert.Equal(t, nodeunit.SingleNode, unit.UnitType())
	}
}

func TestProviderFallbackOnBuildError(t *testing.T) {
	// A zero scale passes the capability check but fails to build.
	g := onnx.NewGraph("bad_scale")
	xq := g.Value("x_q", dtypes.Int8, 4)
	x := g.Value("x", dtypes.Float32, 4)
	y := g.Value("y", dtypes.Float32, 4)
	scale := must.M1(g.AddInitializer("scale", []float32{0}))
	g.AddInput(xq).AddOutput(y)
	g.AddNode(onnx.OpDequantizeLinear, []*onnx.NodeArg{xq, scale}, []*onnx.NodeArg{x}).SetName("dq")
	g.AddNode("Sigmoid", []*onnx.NodeArg{x}, []*onnx.NodeArg{y}).SetName("sigmoid")
	v := must.M1(onnx.NewGraphViewer(g))

	capability := must.M1(New().GetCapability(v))
	require.Len(t, capability.Supported, 2)
	_, err := New().Compile(v, capability)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be positive")

	ep := must.M1(New().FallbackOnBuildError().Compile(v, capability))
	assert.Equal(t, []string{"x"}, ep.InputNames())
	assert.Equal(t, []string{"y"}, ep.OutputNames())
	require.Len(t, ep.Ops(), 1)
	assert.Equal(t, npu.OpSigmoid, ep.Ops()[0].Op.Type())
}

func TestProviderErrors(t *testing.T) {
	v := makeQDQReluCosGraph(t, true)
	other := makeQDQReluCosGraph(t, true)
	capability := must.M1(New().GetCapability(other))
	_, err := New().Compile(v, capability)
	require.Error(t, err)

	// Nothing to lower.
	g := makeUnaryGraph(t, "Cos", 13, dtypes.Float32, 4)
	v = must.M1(onnx.NewGraphViewer(g))
	capability = must.M1(New().GetCapability(v))
	assert.Empty(t, capability.Supported)
	_, err = New().Compile(v, capability)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no node supported")
}

func TestSubgraphIO(t *testing.T) {
	// x → Relu → a → Tanh → b → Cos → c, with a also a graph output.
	g := onnx.NewGraph("chain")
	x := g.Value("x", dtypes.Float32, 4)
	a := g.Value("a", dtypes.Float32, 4)
	b := g.Value("b", dtypes.Float32, 4)
	c := g.Value("c", dtypes.Float32, 4)
	g.AddInput(x).AddOutput(a, c)
	g.AddNode("Relu", []*onnx.NodeArg{x}, []*onnx.NodeArg{a})
	g.AddNode("Tanh", []*onnx.NodeArg{a}, []*onnx.NodeArg{b})
	g.AddNode("Cos", []*onnx.NodeArg{b}, []*onnx.NodeArg{c})
	v := must.M1(onnx.NewGraphViewer(g))
	units, _ := nodeunit.ForGraph(v, nil)

	inputs, outputs := subgraphIO(v, units[:2])
	assert.Equal(t, []string{"x"}, inputs)
	assert.Equal(t, []string{"a", "b"}, outputs)

	inputs, outputs = subgraphIO(v, units[1:2])
	assert.Equal(t, []string{"a"}, inputs)
	assert.Equal(t, []string{"b"}, outputs)

	capability := must.M1(New().GetCapability(v))
	ep := must.M1(New().Compile(v, capability))
	assert.Equal(t, npu.AttributeOutput, ep.Tensor("a").Spec().Attribute)
	assert.Same(t, ep.Ops()[0].Op.Outputs()[0], ep.Ops()[1].Op.Inputs()[0])
}

// makeSharedQuantizedGraph builds a graph where x_q is read by a DequantizeLinear → Sigmoid → QuantizeLinear
// cluster (scale 0.1, zero point 7) and also by either a Relu, if rawReader is set, or by a second such
// cluster with scale otherScale.
func makeSharedQuantizedGraph(t *testing.T, rawReader bool, otherScale float32) *onnx.GraphViewer {
	t.Helper()
	g := onnx.NewGraph("shared_quantized").SetOpset("", 13)
	xq := g.Value("x_q", dtypes.Uint8, 4)
	g.AddInput(xq)
	if rawReader {
		r := g.Value("r", dtypes.Uint8, 4)
		g.AddOutput(r)
		g.AddNode("Relu", []*onnx.NodeArg{xq}, []*onnx.NodeArg{r}).SetName("relu")
	}
	zeroPoint := must.M1(g.AddInitializer("zero_point", []uint8{7}))
	addCluster := func(suffix string, scale float32) {
		x := g.Value("x"+suffix, dtypes.Float32, 4)
		y := g.Value("y"+suffix, dtypes.Float32, 4)
		yq := g.Value("y_q"+suffix, dtypes.Uint8, 4)
		xScale := must.M1(g.AddInitializer("x_scale"+suffix, []float32{scale}))
		yScale := must.M1(g.AddInitializer("y_scale"+suffix, []float32{0.05}))
		g.AddOutput(yq)
		g.AddNode(onnx.OpDequantizeLinear, []*onnx.NodeArg{xq, xScale, zeroPoint}, []*onnx.NodeArg{x}).SetName("dq" + suffix)
		g.AddNode("Sigmoid", []*onnx.NodeArg{x}, []*onnx.NodeArg{y}).SetName("sigmoid" + suffix)
		g.AddNode(onnx.OpQuantizeLinear, []*onnx.NodeArg{y, yScale, zeroPoint}, []*onnx.NodeArg{yq}).SetName("q" + suffix)
	}
	addCluster("1", 0.1)
	if !rawReader {
		addCluster("2", otherScale)
	}
	return must.M1(onnx.NewGraphViewer(g))
}

func rejectionOf(t *testing.T, capability *Capability, name string) error {
	t.Helper()
	for _, rejection := range capability.Unsupported {
		if rejection.Unit.Name() == name {
			return rejection.Reason
		}
	}
	require.Failf(t, "unit not rejected", "%q is not among the unsupported units", name)
	return nil
}

func TestProviderQuantizedValueReadRaw(t *testing.T) {
	v := makeSharedQuantizedGraph(t, true, 0)
	p := New()
	capability := must.M1(p.GetCapability(v))
	for _, unit := range capability.Units {
		assert.Equal(t, nodeunit.SingleNode, unit.UnitType(), "unit %s must not be fused", unit.Name())
	}
	assert.Equal(t, []string{"relu", "sigmoid1"}, unitNames(capability.Supported))
	requireUnsupported(t, rejectionOf(t, capability, "dq1"), `"x_q" is also read as is by`)

	ep := must.M1(p.Compile(v, capability))
	require.Len(t, ep.Ops(), 2)
	assert.Equal(t, npu.QuantNone, ep.Tensor("x_q").Quantization().Type)
	assert.Same(t, ep.Tensor("x_q"), ep.Ops()[0].Op.Inputs()[0])
}

func TestProviderQuantizedValueDequantizedTwice(t *testing.T) {
	// Different parameters: neither cluster can be fused, nor their DequantizeLinear nodes lowered.
	v := makeSharedQuantizedGraph(t, false, 0.9)
	capability := must.M1(New().GetCapability(v))
	for _, unit := range capability.Units {
		assert.Equal(t, nodeunit.SingleNode, unit.UnitType(), "unit %s must not be fused", unit.Name())
	}
	assert.Equal(t, []string{"sigmoid1", "sigmoid2"}, unitNames(capability.Supported))
	requireUnsupported(t, rejectionOf(t, capability, "dq1"), "dequantized by")
	requireUnsupported(t, rejectionOf(t, capability, "dq2"), "dequantized by")

	// Same parameters, from different initializers: both clusters read the same quantized tensor.
	v = makeSharedQuantizedGraph(t, false, 0.1)
	capability = must.M1(New().GetCapability(v))
	require.Len(t, capability.Supported, 2)
	for _, unit := range capability.Supported {
		assert.Equal(t, nodeunit.QDQGroup, unit.UnitType())
	}
	ep := must.M1(New().Compile(v, capability))
	require.Len(t, ep.Ops(), 2)
	xq := ep.Tensor("x_q")
	assert.True(t, xq.Quantization().Equal(npu.NewAsymmetricQuantization(0.1, 7)))
	assert.Same(t, xq, ep.Ops()[0].Op.Inputs()[0])
	assert.Same(t, xq, ep.Ops()[1].Op.Inputs()[0])
}
