package training

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/nv259/tensor2struct/data"
	"github.com/nv259/tensor2struct/model"
	"github.com/nv259/tensor2struct/nn"
	"github.com/nv259/tensor2struct/rng"
)

// BMAML is the Bayesian first-order meta-learner. Instead of adapting one
// point estimate it maintains an ensemble of particles sampled around the
// shared aligner parameters, moves them jointly with Stein variational
// gradient descent on the inner batch, and averages the outer-batch
// gradients across particles into the shared parameters.
type BMAML struct {
	inner        InnerOpt
	numParticles int
	noise        float64
	streams      *rng.Streams
}

func NewBMAML(inner InnerOpt, numParticles int, noise float64, streams *rng.Streams) (*BMAML, error) {
	if numParticles < 1 {
		return nil, fmt.Errorf("bmaml: num_particles must be positive, got %d", numParticles)
	}
	if noise < 0 {
		return nil, fmt.Errorf("bmaml: particle noise must be non-negative, got %v", noise)
	}
	if streams == nil {
		return nil, errors.New("bmaml: random streams are required")
	}

	return &BMAML{
		inner:        inner,
		numParticles: numParticles,
		noise:        noise,
		streams:      streams,
	}, nil
}

// MetaTrain adapts aligner particles on the inner batch and accumulates the
// particle-averaged first-order outer gradients into the shared encoder,
// aligner and decoder parameters. Particles are re-sampled around the
// current shared aligner every call, keyed by step for reproducibility.
func (b *BMAML) MetaTrain(m model.Model, enc, align, dec nn.Params, task data.Task, step int) (float64, error) {
	if len(task.Outer) == 0 {
		return 0, errors.New("meta-update needs at least one outer batch")
	}
	if len(align) == 0 {
		return 0, errors.New("bmaml: model has no aligner parameters to sample particles over")
	}

	all := concat(enc, align, dec)

	// Grad buffers double as scratch during adaptation; stash the
	// meta-gradients accumulated by earlier tasks in this step.
	metaGrad := all.FlatGrad()
	alignData := align.FlatData()

	particles := b.sampleParticles(alignData, step)

	grads := make([][]float64, b.numParticles)
	for range b.inner.Steps {
		for p, particle := range particles {
			align.SetFlatData(particle)
			all.ZeroGrads()
			if _, err := m.LossBackward(task.Inner); err != nil {
				return 0, fmt.Errorf("inner adaptation: %w", err)
			}
			grads[p] = align.FlatGrad()
		}

		for p, dir := range svgdDirections(particles, grads) {
			floats.AddScaled(particles[p], b.inner.LR, dir)
		}
	}

	all.ZeroGrads()
	var outerLoss float64
	for _, particle := range particles {
		align.SetFlatData(particle)
		for _, batch := range task.Outer {
			loss, err := m.LossBackward(batch)
			if err != nil {
				return 0, fmt.Errorf("outer evaluation: %w", err)
			}
			outerLoss += loss
		}
	}

	scale := 1 / float64(b.numParticles*len(task.Outer))
	outerGrad := all.FlatGrad()

	align.SetFlatData(alignData)
	floats.AddScaled(metaGrad, scale, outerGrad)
	all.SetFlatGrad(metaGrad)
	return outerLoss * scale, nil
}

// sampleParticles draws the ensemble around the shared aligner values. The
// first particle is the shared point itself so the ensemble always contains
// the unperturbed parameters.
func (b *BMAML) sampleParticles(center []float64, step int) [][]float64 {
	r := b.streams.StepStream("particles", step)

	particles := make([][]float64, b.numParticles)
	for p := range b.numParticles {
		particle := append([]float64(nil), center...)
		if p > 0 && b.noise > 0 {
			for i := range particle {
				particle[i] += b.noise * r.NormFloat64()
			}
		}
		particles[p] = particle
	}
	return particles
}
