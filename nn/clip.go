package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// ClipGradNorm rescales the gradients of params so their joint L2 norm does
// not exceed max. It returns the norm measured before clipping. Parameters
// with nil gradients are skipped.
func ClipGradNorm(params Params, max float64) float64 {
	var sq float64
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		n := floats.Norm(p.Grad, 2)
		sq += n * n
	}

	total := math.Sqrt(sq)
	if max <= 0 || total <= max {
		return total
	}

	scale := max / (total + 1e-6)
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		floats.Scale(scale, p.Grad)
	}
	return total
}
