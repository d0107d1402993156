package training

import (
	"math"
	"strings"
	"testing"

	"github.com/nv259/tensor2struct/nn"
	"github.com/nv259/tensor2struct/registry"
)

func mustSection(t *testing.T, name string, params any) registry.Section {
	t.Helper()
	s, err := registry.SectionFor(name, params)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func quadGroup(name string, n int) *ParamGroup {
	p := nn.NewParameter(name+".w", n)
	for i := range p.Data {
		p.Data[i] = 5
	}
	return &ParamGroup{Name: name, Params: nn.Params{p}}
}

// setQuadGrad writes the gradient of 0.5*||w - target||^2.
func setQuadGrad(g *ParamGroup, target float64) {
	for _, p := range g.Params {
		p.EnsureGrad()
		for i := range p.Data {
			p.Grad[i] = p.Data[i] - target
		}
	}
}

func maxDistance(g *ParamGroup, target float64) float64 {
	var worst float64
	for _, p := range g.Params {
		for _, v := range p.Data {
			worst = math.Max(worst, math.Abs(v-target))
		}
	}
	return worst
}

func TestOptimizersConverge(t *testing.T) {
	cases := []struct {
		name   string
		params map[string]any
		steps  int
	}{
		{"sgd", map[string]any{"lr": 0.1}, 200},
		{"sgd", map[string]any{"lr": 0.05, "momentum": 0.9}, 200},
		{"adam", map[string]any{"lr": 0.2}, 300},
		{"adamw", map[string]any{"lr": 0.2}, 300},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			g := quadGroup(GroupAll, 4)
			opt, err := NewOptimizer(mustSection(t, tt.name, tt.params), []*ParamGroup{g})
			if err != nil {
				t.Fatal(err)
			}

			for range tt.steps {
				setQuadGrad(g, 1)
				opt.Step()
			}
			if d := maxDistance(g, 1); d > 0.05 {
				t.Errorf("did not converge: max distance to target %v", d)
			}
		})
	}
}

func TestSGDUpdateExact(t *testing.T) {
	g := quadGroup(GroupAll, 2)
	opt, err := NewOptimizer(mustSection(t, "sgd", map[string]any{"lr": 0.5}), []*ParamGroup{g})
	if err != nil {
		t.Fatal(err)
	}

	setQuadGrad(g, 1) // grad = 4
	opt.Step()
	for _, v := range g.Params[0].Data {
		if math.Abs(v-3) > 1e-12 {
			t.Errorf("w = %v, want 5 - 0.5*4 = 3", v)
		}
	}
}

func TestOptimizerSkipsNilGrads(t *testing.T) {
	g := quadGroup(GroupAll, 2)
	opt, err := NewOptimizer(mustSection(t, "adamw", map[string]any{"lr": 0.1}), []*ParamGroup{g})
	if err != nil {
		t.Fatal(err)
	}

	opt.Step()
	for _, v := range g.Params[0].Data {
		if v != 5 {
			t.Errorf("parameter moved without a gradient: %v", v)
		}
	}
}

func TestGroupAdamW(t *testing.T) {
	pre := quadGroup(GroupPretrained, 2)
	scratch := quadGroup(GroupScratch, 2)

	opt, err := NewOptimizer(mustSection(t, "group_adamw", map[string]any{
		"lr":            0.1,
		"pretrained_lr": 0.001,
	}), []*ParamGroup{pre, scratch})
	if err != nil {
		t.Fatal(err)
	}

	if pre.LR != 0.001 || scratch.LR != 0.1 {
		t.Fatalf("group rates = %v/%v, want 0.001/0.1", pre.LR, scratch.LR)
	}

	setQuadGrad(pre, 1)
	setQuadGrad(scratch, 1)
	opt.Step()

	movedPre := 5 - pre.Params[0].Data[0]
	movedScratch := 5 - scratch.Params[0].Data[0]
	if movedPre <= 0 || movedScratch <= 0 {
		t.Fatalf("groups did not move toward target: %v, %v", movedPre, movedScratch)
	}
	if movedPre >= movedScratch {
		t.Errorf("pretrained group moved %v, should be slower than scratch %v", movedPre, movedScratch)
	}
}

func TestGroupAdamWRejectsWrongGroups(t *testing.T) {
	section := mustSection(t, "group_adamw", map[string]any{"lr": 0.1, "pretrained_lr": 0.01})

	_, err := NewOptimizer(section, []*ParamGroup{quadGroup(GroupAll, 2)})
	if err == nil {
		t.Fatal("expected error for single group")
	}

	_, err = NewOptimizer(section, []*ParamGroup{quadGroup("alpha", 2), quadGroup("beta", 2)})
	if err == nil || !strings.Contains(err.Error(), "unexpected group") {
		t.Fatalf("expected unexpected-group error, got %v", err)
	}
}

func TestSingleGroupOptimizerRejectsSplit(t *testing.T) {
	_, err := NewOptimizer(mustSection(t, "adamw", map[string]any{"lr": 0.1}),
		[]*ParamGroup{quadGroup(GroupPretrained, 2), quadGroup(GroupScratch, 2)})
	if err == nil {
		t.Fatal("expected error for two groups")
	}
}

func TestOptimizerValidation(t *testing.T) {
	groups := []*ParamGroup{quadGroup(GroupAll, 2)}
	for _, name := range []string{"sgd", "adam", "adamw"} {
		if _, err := NewOptimizer(mustSection(t, name, map[string]any{"lr": 0}), groups); err == nil {
			t.Errorf("%s accepted zero lr", name)
		}
	}
	if _, err := NewOptimizer(mustSection(t, "nadam", map[string]any{"lr": 0.1}), groups); err == nil {
		t.Error("expected error for unknown optimizer")
	}
	if _, err := NewOptimizer(mustSection(t, "sgd", map[string]any{"lr": 0.1}), nil); err == nil {
		t.Error("expected error for no groups")
	}
}

// TestAdamStateRoundTrip interrupts an Adam run with a snapshot/restore and
// checks it lands exactly where the uninterrupted run does.
func TestAdamStateRoundTrip(t *testing.T) {
	section := mustSection(t, "adamw", map[string]any{"lr": 0.2})

	straight := quadGroup(GroupAll, 3)
	opt1, err := NewOptimizer(section, []*ParamGroup{straight})
	if err != nil {
		t.Fatal(err)
	}
	for range 20 {
		setQuadGrad(straight, 1)
		opt1.Step()
	}

	resumed := quadGroup(GroupAll, 3)
	opt2, err := NewOptimizer(section, []*ParamGroup{resumed})
	if err != nil {
		t.Fatal(err)
	}
	for range 10 {
		setQuadGrad(resumed, 1)
		opt2.Step()
	}

	st := opt2.State()
	if st.Step != 10 {
		t.Fatalf("state step = %d, want 10", st.Step)
	}

	// fresh optimizer over the same parameters, restored mid-run
	opt3, err := NewOptimizer(section, []*ParamGroup{resumed})
	if err != nil {
		t.Fatal(err)
	}
	if err := opt3.LoadState(st); err != nil {
		t.Fatal(err)
	}
	for range 10 {
		setQuadGrad(resumed, 1)
		opt3.Step()
	}

	for i := range straight.Params[0].Data {
		a, b := straight.Params[0].Data[i], resumed.Params[0].Data[i]
		if math.Abs(a-b) > 1e-12 {
			t.Errorf("element %d: straight %v, resumed %v", i, a, b)
		}
	}
}

func TestLoadStateSizeMismatch(t *testing.T) {
	g := quadGroup(GroupAll, 3)
	opt, err := NewOptimizer(mustSection(t, "adam", map[string]any{"lr": 0.1}), []*ParamGroup{g})
	if err != nil {
		t.Fatal(err)
	}

	bad := State{
		Step: 1,
		Buffers: map[string][]float64{
			"m/" + g.Params[0].Name: make([]float64, 99),
			"v/" + g.Params[0].Name: make([]float64, 99),
		},
	}
	if err := opt.LoadState(bad); err == nil {
		t.Fatal("expected error for mismatched buffer size")
	}
}
