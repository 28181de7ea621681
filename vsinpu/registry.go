package vsinpu

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/onnx-npu/nodeunit"
	"github.com/gomlx/onnx-npu/onnx"
	"github.com/pkg/errors"
)

// opBuilders maps ONNX operator types to their builders. It is populated by init() functions and read-only
// afterwards.
var opBuilders = make(map[string]OpBuilder)

// RegisterOpBuilder registers the builder for opType.
//
// It must be called during initialization (from an init() function), since the registry is not protected
// for concurrent access. It panics if a builder is already registered for opType.
func RegisterOpBuilder(opType string, builder OpBuilder) {
	if builder == nil {
		exceptions.Panicf("RegisterOpBuilder(%q, nil)", opType)
	}
	if _, found := opBuilders[opType]; found {
		exceptions.Panicf("RegisterOpBuilder(%q): a builder is already registered for this operator", opType)
	}
	opBuilders[opType] = builder
}

// registerHandler registers a baseOpBuilder for handler.
func registerHandler(opType string, handler opHandler) {
	RegisterOpBuilder(opType, &baseOpBuilder{opType: opType, handler: handler})
}

// GetOpBuilder returns the builder registered for opType, or nil if the operator is not supported.
// The same instance is returned on every call.
func GetOpBuilder(opType string) OpBuilder {
	return opBuilders[opType]
}

// SupportedOpTypes returns the sorted list of operator types with a registered builder.
func SupportedOpTypes() []string {
	opTypes := make([]string, 0, len(opBuilders))
	for opType := range opBuilders {
		opTypes = append(opTypes, opType)
	}
	slices.Sort(opTypes)
	return opTypes
}

// CheckNodeUnit returns nil if unit can be lowered to the NPU, or an error wrapping ErrUnsupported with
// the reason.
func CheckNodeUnit(viewer *onnx.GraphViewer, unit nodeunit.NodeUnit) error {
	builder := GetOpBuilder(unit.OpType())
	if builder == nil {
		return errors.WithMessagef(ErrUnsupported, "operator %q has no NPU builder", unit.OpType())
	}
	return builder.IsSupported(viewer, unit)
}

// IsNodeUnitSupported returns whether unit can be lowered to the NPU.
func IsNodeUnitSupported(viewer *onnx.GraphViewer, unit nodeunit.NodeUnit) bool {
	return CheckNodeUnit(viewer, unit) == nil
}
