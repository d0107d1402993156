package training

import (
	"math"
	"testing"
)

func TestSVGDSingleParticle(t *testing.T) {
	particles := [][]float64{{1, 2}}
	grads := [][]float64{{0.5, -0.25}}

	phi := svgdDirections(particles, grads)
	want := []float64{-0.5, 0.25}
	for i := range want {
		if math.Abs(phi[0][i]-want[i]) > 1e-12 {
			t.Errorf("phi[0][%d] = %v, want %v (plain descent)", i, phi[0][i], want[i])
		}
	}
}

func TestSVGDRepulsion(t *testing.T) {
	// zero gradients: the only force is repulsion, which must push the
	// particles apart along the line between them
	particles := [][]float64{{0, 0}, {1, 0}}
	grads := [][]float64{{0, 0}, {0, 0}}

	phi := svgdDirections(particles, grads)
	if phi[0][0] >= 0 {
		t.Errorf("particle 0 should be pushed left, got %v", phi[0][0])
	}
	if phi[1][0] <= 0 {
		t.Errorf("particle 1 should be pushed right, got %v", phi[1][0])
	}
	if math.Abs(phi[0][0]+phi[1][0]) > 1e-12 {
		t.Errorf("repulsion not symmetric: %v vs %v", phi[0][0], phi[1][0])
	}
	if math.Abs(phi[0][1]) > 1e-12 || math.Abs(phi[1][1]) > 1e-12 {
		t.Error("repulsion should act along the separating axis only")
	}
}

func TestSVGDKernelSmoothing(t *testing.T) {
	// coincident particles see kernel weight 1 everywhere: each direction
	// is minus the mean gradient, and repulsion cancels
	particles := [][]float64{{1, 1}, {1, 1}}
	grads := [][]float64{{1, 0}, {0, 1}}

	phi := svgdDirections(particles, grads)
	for p := range 2 {
		for i := range 2 {
			if math.Abs(phi[p][i]-(-0.5)) > 1e-12 {
				t.Errorf("phi[%d][%d] = %v, want -0.5 (mean descent)", p, i, phi[p][i])
			}
		}
	}
}

func TestSVGDDescends(t *testing.T) {
	// quadratic bowl centered at the origin: one SVGD step from any spread
	// ensemble must reduce the mean loss
	particles := [][]float64{{2, 0}, {0, 2}, {-1, -1}}

	loss := func(ps [][]float64) float64 {
		var sum float64
		for _, p := range ps {
			sum += 0.5 * (p[0]*p[0] + p[1]*p[1])
		}
		return sum / float64(len(ps))
	}

	grads := make([][]float64, len(particles))
	for i, p := range particles {
		grads[i] = []float64{p[0], p[1]}
	}

	before := loss(particles)
	for i, dir := range svgdDirections(particles, grads) {
		particles[i][0] += 0.1 * dir[0]
		particles[i][1] += 0.1 * dir[1]
	}
	if after := loss(particles); after >= before {
		t.Errorf("mean loss did not decrease: %v -> %v", before, after)
	}
}
