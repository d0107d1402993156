package training

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// svgdDirections computes Stein variational update directions for a set of
// particles given the loss gradient at each particle. The direction for
// particle i kernel-smooths the descent directions of all particles and adds
// a repulsion term that keeps the ensemble spread out. With one particle the
// kernel is 1 and repulsion vanishes, reducing to plain gradient descent.
func svgdDirections(particles, grads [][]float64) [][]float64 {
	n := len(particles)
	dim := len(particles[0])

	phi := make([][]float64, n)
	if n == 1 {
		phi[0] = make([]float64, dim)
		floats.AddScaled(phi[0], -1, grads[0])
		return phi
	}

	// squared pairwise distances
	sq := make([][]float64, n)
	for i := range n {
		sq[i] = make([]float64, n)
	}
	for i := range n {
		for j := i + 1; j < n; j++ {
			var d float64
			for k := range dim {
				diff := particles[i][k] - particles[j][k]
				d += diff * diff
			}
			sq[i][j], sq[j][i] = d, d
		}
	}

	h := medianBandwidth(sq, n)

	for i := range n {
		phi[i] = make([]float64, dim)
		for j := range n {
			k := math.Exp(-sq[i][j] / h)
			// kernel-smoothed descent
			floats.AddScaled(phi[i], -k, grads[j])
			// repulsion: grad of the kernel w.r.t. particle j
			for m := range dim {
				phi[i][m] += k * 2 * (particles[i][m] - particles[j][m]) / h
			}
		}
		floats.Scale(1/float64(n), phi[i])
	}
	return phi
}

// medianBandwidth is the usual SVGD heuristic: median squared distance
// divided by log(n+1), floored to keep the kernel finite when particles
// collapse onto each other.
func medianBandwidth(sq [][]float64, n int) float64 {
	dists := make([]float64, 0, n*(n-1)/2)
	for i := range n {
		for j := i + 1; j < n; j++ {
			dists = append(dists, sq[i][j])
		}
	}
	sort.Float64s(dists)

	med := stat.Quantile(0.5, stat.Empirical, dists, nil)
	h := med / math.Log(float64(n)+1)
	if h < 1e-8 {
		h = 1e-8
	}
	return h
}
