package training

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/nv259/tensor2struct/data"
	"github.com/nv259/tensor2struct/model"
	"github.com/nv259/tensor2struct/nn"
	"github.com/nv259/tensor2struct/registry"
)

// MetaLearner runs one bi-level adaptation and meta-update for a task,
// accumulating first-order meta-gradients into the shared parameters' Grad
// buffers. The shared parameter data is unchanged on return; only gradients
// move. Returns the mean outer loss.
type MetaLearner interface {
	MetaTrain(m model.Model, enc, align, dec nn.Params, task data.Task, step int) (float64, error)
}

// InnerOpt is the inner-adaptation optimizer setting. Only plain SGD is
// supported inside the inner loop.
type InnerOpt struct {
	LR    float64 `json:"lr"`
	Steps int     `json:"steps,omitempty"`
}

func ParseInnerOpt(s registry.Section) (InnerOpt, error) {
	if s.Name != "sgd" {
		return InnerOpt{}, fmt.Errorf("inner optimizer %q not supported, only sgd", s.Name)
	}

	var opt InnerOpt
	if err := s.Decode(&opt); err != nil {
		return InnerOpt{}, err
	}
	if opt.LR <= 0 {
		return InnerOpt{}, fmt.Errorf("inner sgd: lr must be positive, got %v", opt.LR)
	}
	if opt.Steps == 0 {
		opt.Steps = 1
	}
	if opt.Steps < 0 {
		return InnerOpt{}, fmt.Errorf("inner sgd: steps must be positive, got %d", opt.Steps)
	}
	return opt, nil
}

// MAML is the first-order meta-learner: adapt all trainable subsets on the
// inner batch with SGD, evaluate the outer batches at the adapted point,
// and take the outer gradients as the meta-gradient.
type MAML struct {
	inner InnerOpt
}

func NewMAML(inner InnerOpt) *MAML {
	return &MAML{inner: inner}
}

func (ml *MAML) MetaTrain(m model.Model, enc, align, dec nn.Params, task data.Task, step int) (float64, error) {
	if len(task.Outer) == 0 {
		return 0, errors.New("meta-update needs at least one outer batch")
	}

	all := concat(enc, align, dec)

	// Preserve meta-gradients accumulated by earlier tasks in this step;
	// the inner loop below uses the Grad buffers as scratch.
	metaGrad := all.FlatGrad()
	origData := all.FlatData()

	for range ml.inner.Steps {
		all.ZeroGrads()
		if _, err := m.LossBackward(task.Inner); err != nil {
			return 0, fmt.Errorf("inner adaptation: %w", err)
		}
		for _, p := range all {
			floats.AddScaled(p.Data, -ml.inner.LR, p.Grad)
		}
	}

	all.ZeroGrads()
	var outerLoss float64
	for _, batch := range task.Outer {
		loss, err := m.LossBackward(batch)
		if err != nil {
			return 0, fmt.Errorf("outer evaluation: %w", err)
		}
		outerLoss += loss
	}

	scale := 1 / float64(len(task.Outer))
	outerGrad := all.FlatGrad()

	all.SetFlatData(origData)
	floats.AddScaled(metaGrad, scale, outerGrad)
	all.SetFlatGrad(metaGrad)
	return outerLoss * scale, nil
}

func concat(sets ...nn.Params) nn.Params {
	var all nn.Params
	for _, ps := range sets {
		all = append(all, ps...)
	}
	return all
}
