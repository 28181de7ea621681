package vsinpu

import (
	"github.com/gomlx/onnx-npu/internal/npu"
	"github.com/gomlx/onnx-npu/nodeunit"
	"github.com/gomlx/onnx-npu/onnx"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrUnsupported is wrapped by every error returned by OpBuilder.IsSupported.
var ErrUnsupported = errors.New("not supported by the NPU")

// unsupportedf returns an error wrapping ErrUnsupported with the formatted reason.
func unsupportedf(format string, args ...any) error {
	return errors.WithMessagef(ErrUnsupported, format, args...)
}

// OpBuilder lowers NodeUnits of one operator type to the NPU.
type OpBuilder interface {
	// IsSupported returns nil if the unit can be executed by the NPU, otherwise an error wrapping
	// ErrUnsupported with the reason.
	IsSupported(viewer *onnx.GraphViewer, unit nodeunit.NodeUnit) error

	// BuildOp emits the NPU operations equivalent to unit into ep.
	// It must only be called for units for which IsSupported returned nil.
	BuildOp(ep *GraphEP, unit nodeunit.NodeUnit) error
}

// maxOpsetVersion is the latest default domain opset the builders know about.
const maxOpsetVersion = 22

// opTraits are the static constraints of an operator checked by baseOpBuilder.
type opTraits struct {
	// MinVersion and MaxVersion bound the node SinceVersion, inclusive.
	MinVersion, MaxVersion int

	// MinInputs and MaxInputs bound the number of data inputs.
	MinInputs, MaxInputs int

	NumOutputs int

	// AnyInputQuantization maps the data inputs to the tensors already registered for them whatever their
	// quantization, for handlers that check it themselves. Otherwise it must match the unit's.
	AnyInputQuantization bool
}

// opHandler is the operator specific part of a builder.
type opHandler interface {
	traits() opTraits

	// IsOpSupported runs the operator specific checks, after the generic ones passed.
	IsOpSupported(viewer *onnx.GraphViewer, unit nodeunit.NodeUnit) error

	// HandleBuildOp emits the operations. inputs and outputs are the tensors of the unit data inputs and
	// outputs (see dataIODefs), with nil for omitted optional values.
	HandleBuildOp(ep *GraphEP, inputs, outputs []*npu.Tensor, unit nodeunit.NodeUnit) error
}

// baseOpBuilder implements OpBuilder with the checks and tensor mapping shared by all operators, and
// delegates the rest to its handler.
type baseOpBuilder struct {
	opType  string
	handler opHandler
}

var _ OpBuilder = (*baseOpBuilder)(nil)

// dataIODefs returns the data inputs and outputs of the unit. For a single node that's every input and
// output, with trailing omitted inputs dropped. For a QDQ cluster, the quantized boundary values.
func dataIODefs(unit nodeunit.NodeUnit) (inputs, outputs []nodeunit.IODef) {
	inputs, outputs = unit.Inputs(), unit.Outputs()
	for len(inputs) > 0 && !inputs[len(inputs)-1].Arg.Exists() {
		inputs = inputs[:len(inputs)-1]
	}
	return
}

// IsSupported implements OpBuilder.
func (b *baseOpBuilder) IsSupported(viewer *onnx.GraphViewer, unit nodeunit.NodeUnit) error {
	if !onnx.IsDefaultDomain(unit.Domain()) {
		return unsupportedf("%s: domain %q is not supported", b.opType, unit.Domain())
	}
	traits := b.handler.traits()
	if version := unit.SinceVersion(); version < traits.MinVersion || version > traits.MaxVersion {
		return unsupportedf("%s: opset version %d not in supported range [%d, %d]",
			b.opType, version, traits.MinVersion, traits.MaxVersion)
	}
	inputs, outputs := dataIODefs(unit)
	if len(inputs) < traits.MinInputs || len(inputs) > traits.MaxInputs {
		return unsupportedf("%s: %d inputs given, supported from %d to %d",
			b.opType, len(inputs), traits.MinInputs, traits.MaxInputs)
	}
	if len(outputs) != traits.NumOutputs {
		return unsupportedf("%s: %d outputs given, only %d supported", b.opType, len(outputs), traits.NumOutputs)
	}
	for _, ioDefs := range [][]nodeunit.IODef{inputs, outputs} {
		for _, ioDef := range ioDefs {
			if !ioDef.Arg.Exists() {
				continue
			}
			if err := checkValueSupported(ioDef.Arg); err != nil {
				return errors.WithMessage(err, b.opType)
			}
			if ioDef.Quant == nil {
				continue
			}
			if err := checkConstantScalar(viewer, ioDef.Quant.Scale, "scale"); err != nil {
				return errors.WithMessage(err, b.opType)
			}
			if ioDef.Quant.ZeroPoint.Exists() {
				if err := checkConstantScalar(viewer, ioDef.Quant.ZeroPoint, "zero point"); err != nil {
					return errors.WithMessage(err, b.opType)
				}
			}
		}
	}
	for _, ioDef := range inputs {
		if ioDef.Quant == nil || !ioDef.Arg.Exists() {
			continue
		}
		if err := checkQuantizedReaders(viewer, ioDef.Arg, ioDef.Quant); err != nil {
			return errors.WithMessage(err, b.opType)
		}
	}
	return b.handler.IsOpSupported(viewer, unit)
}

// BuildOp implements OpBuilder.
func (b *baseOpBuilder) BuildOp(ep *GraphEP, unit nodeunit.NodeUnit) error {
	klog.V(1).Infof("vsinpu: creating %s op for node %q", b.opType, unit.Name())
	inputDefs, outputDefs := dataIODefs(unit)
	mapAll := func(ioDefs []nodeunit.IODef, matchQuant bool) ([]*npu.Tensor, error) {
		tensors := make([]*npu.Tensor, len(ioDefs))
		for ii, ioDef := range ioDefs {
			var err error
			tensors[ii], err = ep.mapTensor(ioDef.Arg, ioDef.Quant, matchQuant)
			if err != nil {
				return nil, err
			}
		}
		return tensors, nil
	}
	inputs, err := mapAll(inputDefs, !b.handler.traits().AnyInputQuantization)
	if err != nil {
		return errors.WithMessagef(err, "while building %s for node %q", b.opType, unit.Name())
	}
	outputs, err := mapAll(outputDefs, true)
	if err != nil {
		return errors.WithMessagef(err, "while building %s for node %q", b.opType, unit.Name())
	}
	if err = b.handler.HandleBuildOp(ep, inputs, outputs, unit); err != nil {
		return errors.WithMessagef(err, "while building %s for node %q", b.opType, unit.Name())
	}
	return nil
}

// dataArgs returns the host values of ioDefs.
func dataArgs(ioDefs []nodeunit.IODef) []*onnx.NodeArg {
	args := make([]*onnx.NodeArg, len(ioDefs))
	for ii, ioDef := range ioDefs {
		args[ii] = ioDef.Arg
	}
	return args
}
