package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Softmax normalizes x in place with the usual max-subtraction for
// stability.
func Softmax(x []float64) {
	if len(x) == 0 {
		return
	}
	max := floats.Max(x)
	var sum float64
	for i, v := range x {
		x[i] = math.Exp(v - max)
		sum += x[i]
	}
	floats.Scale(1/sum, x)
}

// LogSumExp returns log(sum(exp(x))) without overflowing.
func LogSumExp(x []float64) float64 {
	if len(x) == 0 {
		return math.Inf(-1)
	}
	max := floats.Max(x)
	var sum float64
	for _, v := range x {
		sum += math.Exp(v - max)
	}
	return max + math.Log(sum)
}

func Argmax(x []float64) int {
	if len(x) == 0 {
		return -1
	}
	return floats.MaxIdx(x)
}

// Tanh applies tanh element-wise in place.
func Tanh(x []float64) {
	for i, v := range x {
		x[i] = math.Tanh(v)
	}
}

// MatVec computes dst = M v for a matrix-shaped parameter.
func MatVec(dst []float64, m *Parameter, v []float64) {
	rows, cols := m.Shape[0], m.Shape[1]
	for i := range rows {
		dst[i] = floats.Dot(m.Data[i*cols:(i+1)*cols], v)
	}
}

// MatVecT computes dst = Mᵀ v.
func MatVecT(dst []float64, m *Parameter, v []float64) {
	rows, cols := m.Shape[0], m.Shape[1]
	for j := range cols {
		dst[j] = 0
	}
	for i := range rows {
		floats.AddScaled(dst, v[i], m.Data[i*cols:(i+1)*cols])
	}
}

// AddOuter accumulates grad += u vᵀ into a matrix-shaped gradient.
func AddOuter(grad *Parameter, u, v []float64) {
	grad.EnsureGrad()
	cols := grad.Shape[1]
	for i, ui := range u {
		if ui == 0 {
			continue
		}
		floats.AddScaled(grad.Grad[i*cols:(i+1)*cols], ui, v)
	}
}
