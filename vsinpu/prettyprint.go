package vsinpu

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/onnx-npu/internal/npu"
)

// String implements fmt.Stringer, listing the emitted operations and their bound tensors.
func (ep *GraphEP) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) { buf.WriteString(fmt.Sprintf(format, args...)) }

	var constBytes, numConst int
	for _, t := range ep.graph.Tensors() {
		if t.IsConstTensor() {
			numConst++
			constBytes += t.Spec().ByteSize()
		}
	}
	w("NPU graph of %q: %d operations, %d tensors, %d constants (%s)\n",
		ep.viewer.Name(), len(ep.ops), len(ep.graph.Tensors()), numConst, humanize.Bytes(uint64(constBytes)))
	w("\tinputs: %q\n", ep.inputNames)
	w("\toutputs: %q\n", ep.outputNames)
	for _, nodeIO := range ep.ops {
		w("\t%s(%s) -> %s\n", nodeIO.Op, tensorsString(nodeIO.Op.Inputs()), tensorsString(nodeIO.Op.Outputs()))
	}
	return buf.String()
}

func tensorsString(tensors []*npu.Tensor) string {
	parts := make([]string, len(tensors))
	for ii, t := range tensors {
		parts[ii] = t.String()
	}
	return strings.Join(parts, ", ")
}

// String implements fmt.Stringer, summarizing the supported and unsupported units.
func (c *Capability) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) { buf.WriteString(fmt.Sprintf(format, args...)) }
	w("NPU capability of %q: %d of %d units supported\n", c.viewer.Name(), len(c.Supported), len(c.Units))
	for _, unit := range c.Supported {
		w("\t+ %s\n", unit.Node())
	}
	for _, rejection := range c.Unsupported {
		w("\t- %s: %v\n", rejection.Unit.Node(), rejection.Reason)
	}
	return buf.String()
}
