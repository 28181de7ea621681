package onnx

import (
	"bytes"
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/gomlx/pkg/support/sets"
)

// String implements fmt.Stringer, and pretty prints graph information.
func (g *Graph) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	w("ONNX Graph %q:\n", g.Name)
	if g.ModelPath != "" {
		w("\tModel path:\t%s\n", g.ModelPath)
	}
	w("\tOperator Sets:\t[")
	for ii, domain := range slices.Sorted(maps.Keys(g.opsets)) {
		if ii > 0 {
			w(", ")
		}
		if domain != DefaultDomain {
			w("v%d (%s)", g.opsets[domain], domain)
		} else {
			w("v%d", g.opsets[domain])
		}
	}
	w("]\n")
	w("\tInputs:\t%v\n", g.inputs)
	w("\tOutputs:\t%v\n", g.outputs)
	w("\t# initializers:\t%d\n", len(g.initializers))
	w("\t# nodes:\t%d\n", len(g.nodes))
	opTypesSet := sets.Make[string]()
	for _, n := range g.nodes {
		opTypesSet.Insert(n.opType)
	}
	w("\tOp types:\t%#v\n", slices.Sorted(maps.Keys(opTypesSet)))
	return buf.String()
}
