// Package training implements the optimization stack: outer optimizers over
// named parameter groups, learning-rate schedules bound to those groups, and
// the first-order meta-learners (MAML and its Bayesian particle variant).
package training

import (
	"fmt"
	"math"

	"github.com/nv259/tensor2struct/nn"
	"github.com/nv259/tensor2struct/registry"
)

// ParamGroup is a named set of parameters sharing one learning rate. The
// rate is mutable; schedulers rewrite it every step.
type ParamGroup struct {
	Name   string
	Params nn.Params
	LR     float64
}

// Optimizer applies accumulated gradients to its parameter groups.
// Parameters whose Grad is still nil are skipped.
type Optimizer interface {
	Step()
	Groups() []*ParamGroup

	// State captures step count, rates and moment buffers for checkpoints.
	State() State
	LoadState(State) error
}

// State is an optimizer snapshot. Buffers are keyed "<kind>/<param name>".
type State struct {
	Step    int                  `json:"step"`
	LRs     map[string]float64   `json:"lrs,omitempty"`
	Buffers map[string][]float64 `json:"-"`
}

// Group names used for the two-rate split.
const (
	GroupAll        = "all"
	GroupPretrained = "pretrained"
	GroupScratch    = "scratch"
)

var Optimizers = registry.New[[]*ParamGroup, Optimizer]("optimizer")

func NewOptimizer(s registry.Section, groups []*ParamGroup) (Optimizer, error) {
	if len(groups) == 0 {
		return nil, fmt.Errorf("optimizer needs at least one parameter group")
	}
	return Optimizers.Construct(s, groups)
}

func init() {
	Optimizers.Register("sgd", newSGD)
	Optimizers.Register("adam", func(s registry.Section, groups []*ParamGroup) (Optimizer, error) {
		return newAdam(s, groups, false)
	})
	Optimizers.Register("adamw", func(s registry.Section, groups []*ParamGroup) (Optimizer, error) {
		return newAdam(s, groups, true)
	})
	Optimizers.Register("group_adamw", newGroupAdamW)
}

func singleGroup(name string, groups []*ParamGroup) (*ParamGroup, error) {
	if len(groups) != 1 {
		return nil, fmt.Errorf("%s expects one parameter group, got %d (use group_adamw for split training)", name, len(groups))
	}
	return groups[0], nil
}

// sgd with optional momentum and L2 weight decay.
type sgd struct {
	groups      []*ParamGroup
	momentum    float64
	weightDecay float64

	step int
	vel  map[*nn.Parameter][]float64
}

func newSGD(s registry.Section, groups []*ParamGroup) (Optimizer, error) {
	var params struct {
		LR          float64 `json:"lr"`
		Momentum    float64 `json:"momentum,omitempty"`
		WeightDecay float64 `json:"weight_decay,omitempty"`
	}
	if err := s.Decode(&params); err != nil {
		return nil, err
	}
	if params.LR <= 0 {
		return nil, fmt.Errorf("sgd: lr must be positive, got %v", params.LR)
	}

	g, err := singleGroup("sgd", groups)
	if err != nil {
		return nil, err
	}
	g.LR = params.LR

	return &sgd{
		groups:      groups,
		momentum:    params.Momentum,
		weightDecay: params.WeightDecay,
		vel:         make(map[*nn.Parameter][]float64),
	}, nil
}

func (o *sgd) Groups() []*ParamGroup { return o.groups }

func (o *sgd) Step() {
	o.step++
	for _, g := range o.groups {
		for _, p := range g.Params {
			if p.Grad == nil {
				continue
			}
			for i, grad := range p.Grad {
				if o.weightDecay != 0 {
					grad += o.weightDecay * p.Data[i]
				}
				if o.momentum != 0 {
					v := o.buffer(p)
					v[i] = o.momentum*v[i] + grad
					grad = v[i]
				}
				p.Data[i] -= g.LR * grad
			}
		}
	}
}

func (o *sgd) buffer(p *nn.Parameter) []float64 {
	v, ok := o.vel[p]
	if !ok {
		v = make([]float64, len(p.Data))
		o.vel[p] = v
	}
	return v
}

func (o *sgd) State() State {
	st := State{
		Step:    o.step,
		LRs:     groupLRs(o.groups),
		Buffers: make(map[string][]float64),
	}
	for p, v := range o.vel {
		st.Buffers["vel/"+p.Name] = append([]float64(nil), v...)
	}
	return st
}

func (o *sgd) LoadState(st State) error {
	o.step = st.Step
	loadGroupLRs(o.groups, st.LRs)
	for _, g := range o.groups {
		for _, p := range g.Params {
			if v, ok := st.Buffers["vel/"+p.Name]; ok {
				if len(v) != len(p.Data) {
					return fmt.Errorf("sgd: velocity buffer for %s has %d elements, want %d", p.Name, len(v), len(p.Data))
				}
				o.vel[p] = append([]float64(nil), v...)
			}
		}
	}
	return nil
}

// adam implements Adam and, with decoupled weight decay, AdamW.
type adam struct {
	groups    []*ParamGroup
	beta1     float64
	beta2     float64
	eps       float64
	decay     float64
	decoupled bool

	step int
	m    map[*nn.Parameter][]float64
	v    map[*nn.Parameter][]float64
}

type adamParams struct {
	LR          float64 `json:"lr"`
	Beta1       float64 `json:"beta1,omitempty"`
	Beta2       float64 `json:"beta2,omitempty"`
	Eps         float64 `json:"eps,omitempty"`
	WeightDecay float64 `json:"weight_decay,omitempty"`
}

func (p *adamParams) defaults() {
	if p.Beta1 == 0 {
		p.Beta1 = 0.9
	}
	if p.Beta2 == 0 {
		p.Beta2 = 0.999
	}
	if p.Eps == 0 {
		p.Eps = 1e-8
	}
}

func newAdam(s registry.Section, groups []*ParamGroup, decoupled bool) (Optimizer, error) {
	var params adamParams
	if err := s.Decode(&params); err != nil {
		return nil, err
	}
	params.defaults()
	if params.LR <= 0 {
		return nil, fmt.Errorf("%s: lr must be positive, got %v", s.Name, params.LR)
	}

	g, err := singleGroup(s.Name, groups)
	if err != nil {
		return nil, err
	}
	g.LR = params.LR

	return &adam{
		groups:    groups,
		beta1:     params.Beta1,
		beta2:     params.Beta2,
		eps:       params.Eps,
		decay:     params.WeightDecay,
		decoupled: decoupled,
		m:         make(map[*nn.Parameter][]float64),
		v:         make(map[*nn.Parameter][]float64),
	}, nil
}

func (o *adam) Groups() []*ParamGroup { return o.groups }

func (o *adam) Step() {
	o.step++
	bc1 := 1 - math.Pow(o.beta1, float64(o.step))
	bc2 := 1 - math.Pow(o.beta2, float64(o.step))

	for _, g := range o.groups {
		for _, p := range g.Params {
			if p.Grad == nil {
				continue
			}
			m, v := o.buffers(p)
			for i, grad := range p.Grad {
				if !o.decoupled && o.decay != 0 {
					grad += o.decay * p.Data[i]
				}
				m[i] = o.beta1*m[i] + (1-o.beta1)*grad
				v[i] = o.beta2*v[i] + (1-o.beta2)*grad*grad

				update := (m[i] / bc1) / (math.Sqrt(v[i]/bc2) + o.eps)
				p.Data[i] -= g.LR * update
				if o.decoupled && o.decay != 0 {
					p.Data[i] -= g.LR * o.decay * p.Data[i]
				}
			}
		}
	}
}

func (o *adam) buffers(p *nn.Parameter) (m, v []float64) {
	m, ok := o.m[p]
	if !ok {
		m = make([]float64, len(p.Data))
		v = make([]float64, len(p.Data))
		o.m[p] = m
		o.v[p] = v
	}
	return m, o.v[p]
}

func (o *adam) State() State {
	st := State{
		Step:    o.step,
		LRs:     groupLRs(o.groups),
		Buffers: make(map[string][]float64),
	}
	for p, m := range o.m {
		st.Buffers["m/"+p.Name] = append([]float64(nil), m...)
		st.Buffers["v/"+p.Name] = append([]float64(nil), o.v[p]...)
	}
	return st
}

func (o *adam) LoadState(st State) error {
	o.step = st.Step
	loadGroupLRs(o.groups, st.LRs)
	for _, g := range o.groups {
		for _, p := range g.Params {
			m, okM := st.Buffers["m/"+p.Name]
			v, okV := st.Buffers["v/"+p.Name]
			if !okM || !okV {
				continue
			}
			if len(m) != len(p.Data) || len(v) != len(p.Data) {
				return fmt.Errorf("adam: moment buffers for %s have %d/%d elements, want %d", p.Name, len(m), len(v), len(p.Data))
			}
			o.m[p] = append([]float64(nil), m...)
			o.v[p] = append([]float64(nil), v...)
		}
	}
	return nil
}

// newGroupAdamW builds AdamW over the pretrained/scratch split, with a
// separate (typically much smaller) rate for the pretrained group.
func newGroupAdamW(s registry.Section, groups []*ParamGroup) (Optimizer, error) {
	var params struct {
		adamParams
		PretrainedLR float64 `json:"pretrained_lr"`
	}
	if err := s.Decode(&params); err != nil {
		return nil, err
	}
	params.defaults()
	if params.LR <= 0 {
		return nil, fmt.Errorf("group_adamw: lr must be positive, got %v", params.LR)
	}
	if params.PretrainedLR <= 0 {
		return nil, fmt.Errorf("group_adamw: pretrained_lr must be positive, got %v", params.PretrainedLR)
	}

	if len(groups) != 2 {
		return nil, fmt.Errorf("group_adamw expects the pretrained and scratch groups, got %d groups", len(groups))
	}
	for _, g := range groups {
		switch g.Name {
		case GroupPretrained:
			g.LR = params.PretrainedLR
		case GroupScratch:
			g.LR = params.LR
		default:
			return nil, fmt.Errorf("group_adamw: unexpected group %q", g.Name)
		}
	}

	return &adam{
		groups:    groups,
		beta1:     params.Beta1,
		beta2:     params.Beta2,
		eps:       params.Eps,
		decay:     params.WeightDecay,
		decoupled: true,
		m:         make(map[*nn.Parameter][]float64),
		v:         make(map[*nn.Parameter][]float64),
	}, nil
}

func groupLRs(groups []*ParamGroup) map[string]float64 {
	lrs := make(map[string]float64, len(groups))
	for _, g := range groups {
		lrs[g.Name] = g.LR
	}
	return lrs
}

func loadGroupLRs(groups []*ParamGroup, lrs map[string]float64) {
	for _, g := range groups {
		if lr, ok := lrs[g.Name]; ok {
			g.LR = lr
		}
	}
}
