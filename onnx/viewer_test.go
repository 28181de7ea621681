package onnx

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nodeOpTypes(nodes []*Node) []string {
	return sliceMap(nodes, func(n *Node) string { return n.OpType() })
}

func TestGraphViewerSorting(t *testing.T) {
	g := NewGraph("sorting")
	x := g.Value("x", dtypes.Float32, 2, 3)
	a := g.Value("a", dtypes.Float32, 2, 3)
	b := g.Value("b", dtypes.Float32, 2, 3)
	c := g.Value("c", dtypes.Float32, 2, 3)
	g.AddInput(x).AddOutput(c)

	// Inserted out of order on purpose.
	g.AddNode("Add", []*NodeArg{a, b}, []*NodeArg{c})
	g.AddNode("Tanh", []*NodeArg{a}, []*NodeArg{b})
	g.AddNode("Relu", []*NodeArg{x}, []*NodeArg{a})

	v, err := NewGraphViewer(g)
	require.NoError(t, err)
	assert.Equal(t, []string{"Relu", "Tanh", "Add"}, nodeOpTypes(v.Nodes()))
	assert.Equal(t, 3, v.NumNodes())
	assert.Equal(t, "Relu", v.Producer("a").OpType())
	assert.Nil(t, v.Producer("x"))
	assert.Equal(t, []string{"Add", "Tanh"}, nodeOpTypes(v.Consumers("a")))
	assert.True(t, v.IsGraphInput("x"))
	assert.True(t, v.IsGraphOutput("c"))
	assert.Nil(t, v.GetNode(NodeIndex(7)))
}

func TestGraphViewerErrors(t *testing.T) {
	t.Run("dangling input", func(t *testing.T) {
		g := NewGraph("dangling")
		x := g.Value("x", dtypes.Float32, 2)
		y := g.Value("y", dtypes.Float32, 2)
		g.AddNode("Relu", []*NodeArg{x}, []*NodeArg{y})
		_, err := NewGraphViewer(g)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `input "x"`)
	})

	t.Run("cycle", func(t *testing.T) {
		g := NewGraph("cycle")
		a := g.Value("a", dtypes.Float32, 2)
		b := g.Value("b", dtypes.Float32, 2)
		g.AddNode("Relu", []*NodeArg{a}, []*NodeArg{b})
		g.AddNode("Relu", []*NodeArg{b}, []*NodeArg{a})
		_, err := NewGraphViewer(g)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cycle")
	})

	t.Run("two producers", func(t *testing.T) {
		g := NewGraph("producers")
		x := g.Value("x", dtypes.Float32, 2)
		y := g.Value("y", dtypes.Float32, 2)
		g.AddInput(x)
		g.AddNode("Relu", []*NodeArg{x}, []*NodeArg{y})
		g.AddNode("Tanh", []*NodeArg{x}, []*NodeArg{y})
		_, err := NewGraphViewer(g)
		require.Error(t, err)
	})
}

func TestConstantInitializers(t *testing.T) {
	g := NewGraph("constants")
	scale := must.M1(g.AddInitializer("scale", []float32{0.5}))
	overridable := must.M1(g.AddInitializer("overridable", []int8{1, 2}, 2))
	g.AddInput(overridable)

	v, err := NewGraphViewer(g)
	require.NoError(t, err)
	assert.True(t, v.IsConstantInitializer(scale.Name))
	assert.False(t, v.IsConstantInitializer(overridable.Name), "initializers that are also graph inputs can be overridden")
	assert.False(t, v.IsConstantInitializer("missing"))
	assert.False(t, v.IsConstantInitializer(""))

	data, err := InitializerData[float32](v.GetConstantInitializer("scale"))
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5}, data)
	_, err = InitializerData[int32](v.GetConstantInitializer("scale"))
	require.Error(t, err)
}

func TestAddInitializerErrors(t *testing.T) {
	g := NewGraph("errors")
	_, err := g.AddInitializer("wrong_size", []float32{1, 2, 3}, 2, 2)
	require.Error(t, err)
	_, err = g.AddInitializer("wrong_type", []string{"a"})
	require.Error(t, err)
	must.M1(g.AddInitializer("twice", []int32{1}))
	_, err = g.AddInitializer("twice", []int32{1})
	require.Error(t, err)
}

func TestValueRedeclaration(t *testing.T) {
	g := NewGraph("values")
	x := g.Value("x", dtypes.Float32, 2, 3)
	assert.Same(t, x, g.Value("x", dtypes.Float32, 2, 3))
	assert.Panics(t, func() { g.Value("x", dtypes.Float32, 3, 2) })
}

func TestAttributes(t *testing.T) {
	g := NewGraph("attributes")
	x := g.Value("x", dtypes.Float32, 2)
	y := g.Value("y", dtypes.Float32, 2)
	node := g.AddNode("LeakyRelu", []*NodeArg{x}, []*NodeArg{y}).
		SetAttr(FloatAttr("alpha", 0.2), IntAttr("axis", -1))

	assert.Equal(t, float32(0.2), GetFloatAttrOr(node, "alpha", 0.01))
	assert.Equal(t, float32(0.5), GetFloatAttrOr(node, "beta", 0.5))
	assert.Equal(t, -1, GetIntAttrOr(node, "axis", 1))
	assert.True(t, HasAttr(node, "axis"))
	assert.False(t, HasAttr(node, "missing"))
	assert.Panics(t, func() { GetNodeAttr(node, "missing", true) })
	assert.Panics(t, func() { GetIntAttrOr(node, "alpha", 0) }, "wrong attribute type")

	node.SetAttr(FloatAttr("alpha", 0.3))
	assert.Len(t, node.Attributes(), 2)
	assert.Equal(t, float32(0.3), GetFloatAttrOr(node, "alpha", 0.01))
}
