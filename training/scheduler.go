package training

import (
	"fmt"
	"math"

	"github.com/nv259/tensor2struct/registry"
)

// LRScheduler drives the per-group learning rates over the course of a run.
// UpdateLR sets every bound group's rate for the step and returns the new
// rates in group order. A nil return means the scheduler does not manage
// rates and the caller should read them off the optimizer's groups instead.
type LRScheduler interface {
	UpdateLR(step int) []float64
}

var Schedulers = registry.New[[]*ParamGroup, LRScheduler]("lr scheduler")

// NewLRScheduler builds the scheduler a config names; a nil section means
// constant rates.
func NewLRScheduler(s *registry.Section, groups []*ParamGroup) (LRScheduler, error) {
	if s == nil {
		return noop{}, nil
	}
	return Schedulers.Construct(*s, groups)
}

func init() {
	Schedulers.Register("noop", func(registry.Section, []*ParamGroup) (LRScheduler, error) {
		return noop{}, nil
	})
	Schedulers.Register("warmup_linear", func(s registry.Section, groups []*ParamGroup) (LRScheduler, error) {
		return newWarmup(s, groups, func(t float64) float64 { return 1 - t })
	})
	Schedulers.Register("warmup_polynomial", newWarmupPolynomial)
	Schedulers.Register("warmup_cosine", func(s registry.Section, groups []*ParamGroup) (LRScheduler, error) {
		return newWarmup(s, groups, func(t float64) float64 {
			return 0.5 * (1 + math.Cos(math.Pi*t))
		})
	})
}

// noop leaves rates exactly as the optimizer set them.
type noop struct{}

func (noop) UpdateLR(int) []float64 { return nil }

// warmup ramps linearly to each group's base rate over warmup steps, then
// decays by the given shape over the remainder of the run. t passed to the
// shape runs 0..1 across the decay phase.
type warmup struct {
	groups []*ParamGroup
	base   []float64

	warmupSteps int
	totalSteps  int
	shape       func(t float64) float64
}

type warmupParams struct {
	NumWarmupSteps int `json:"num_warmup_steps"`
	TotalSteps     int `json:"total_steps"`
}

func newWarmup(s registry.Section, groups []*ParamGroup, shape func(float64) float64) (LRScheduler, error) {
	var params warmupParams
	if err := s.Decode(&params); err != nil {
		return nil, err
	}
	return newWarmupShape(s.Name, params, groups, shape)
}

func newWarmupPolynomial(s registry.Section, groups []*ParamGroup) (LRScheduler, error) {
	var params struct {
		warmupParams
		Power float64 `json:"power,omitempty"`
	}
	if err := s.Decode(&params); err != nil {
		return nil, err
	}
	if params.Power == 0 {
		params.Power = 1
	}
	if params.Power < 0 {
		return nil, fmt.Errorf("warmup_polynomial: power must be non-negative, got %v", params.Power)
	}

	power := params.Power
	return newWarmupShape(s.Name, params.warmupParams, groups, func(t float64) float64 {
		return math.Pow(1-t, power)
	})
}

func newWarmupShape(name string, params warmupParams, groups []*ParamGroup, shape func(float64) float64) (LRScheduler, error) {
	if params.TotalSteps <= 0 {
		return nil, fmt.Errorf("%s: total_steps must be positive, got %d", name, params.TotalSteps)
	}
	if params.NumWarmupSteps < 0 || params.NumWarmupSteps >= params.TotalSteps {
		return nil, fmt.Errorf("%s: num_warmup_steps %d must be in [0, total_steps %d)", name, params.NumWarmupSteps, params.TotalSteps)
	}

	base := make([]float64, len(groups))
	for i, g := range groups {
		base[i] = g.LR
	}
	return &warmup{
		groups:      groups,
		base:        base,
		warmupSteps: params.NumWarmupSteps,
		totalSteps:  params.TotalSteps,
		shape:       shape,
	}, nil
}

func (w *warmup) factor(step int) float64 {
	switch {
	case step < w.warmupSteps:
		return float64(step+1) / float64(w.warmupSteps)
	case step >= w.totalSteps:
		return w.shape(1)
	default:
		t := float64(step-w.warmupSteps) / float64(w.totalSteps-w.warmupSteps)
		return w.shape(t)
	}
}

func (w *warmup) UpdateLR(step int) []float64 {
	f := w.factor(step)
	lrs := make([]float64, len(w.groups))
	for i, g := range w.groups {
		g.LR = w.base[i] * f
		lrs[i] = g.LR
	}
	return lrs
}
