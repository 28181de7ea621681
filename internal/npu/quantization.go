package npu

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// CheckScale returns an error if scale can't be used as a quantization scale: it must be finite and positive.
func CheckScale(scale float32) error {
	if math32.IsNaN(scale) || math32.IsInf(scale, 0) {
		return errors.Errorf("quantization scale %g is not finite", scale)
	}
	if scale <= 0 {
		return errors.Errorf("quantization scale %g must be positive", scale)
	}
	return nil
}
