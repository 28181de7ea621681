package vsinpu

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/onnx-npu/nodeunit"
	"github.com/gomlx/onnx-npu/onnx"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

// makeUnaryGraph builds a graph with a single node x → opType → y, at the given opset.
func makeUnaryGraph(t *testing.T, opType string, opset int, dtype dtypes.DType, dims ...int) *onnx.Graph {
	t.Helper()
	g := onnx.NewGraph(opType).SetOpset("", opset)
	x := g.Value("x", dtype, dims...)
	y := g.Value("y", dtype, dims...)
	g.AddInput(x).AddOutput(y)
	g.AddNode(opType, []*onnx.NodeArg{x}, []*onnx.NodeArg{y}).SetName(opType)
	return g
}

// singleUnit returns the viewer of g and the unit of its node idx.
func singleUnit(t *testing.T, g *onnx.Graph, idx onnx.NodeIndex) (*onnx.GraphViewer, nodeunit.NodeUnit) {
	t.Helper()
	v := must.M1(onnx.NewGraphViewer(g))
	node := v.GetNode(idx)
	require.NotNil(t, node)
	return v, nodeunit.New(node)
}

// buildUnit lowers unit on its own, binds the tensors and compiles the NPU graph.
func buildUnit(t *testing.T, v *onnx.GraphViewer, unit nodeunit.NodeUnit) *GraphEP {
	t.Helper()
	require.NoError(t, CheckNodeUnit(v, unit))
	inputs, outputs := subgraphIO(v, []nodeunit.NodeUnit{unit})
	ep := NewGraphEP(v, inputs, outputs)
	require.NoError(t, GetOpBuilder(unit.OpType()).BuildOp(ep, unit))
	require.NoError(t, ep.BindTensors())
	require.NoError(t, ep.Graph().Compile())
	return ep
}

// requireUnsupported checks that err is a capability rejection, mentioning reason.
func requireUnsupported(t *testing.T, err error, reason string) {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrUnsupported)
	require.Contains(t, err.Error(), reason)
}
