// Package nn holds the parameter representation shared by models and
// optimizers: named float64 tensors with explicitly managed gradients.
// There is no autograd tape; models compute their gradients analytically
// and accumulate them into Grad.
package nn

import "fmt"

type Parameter struct {
	Name  string
	Shape []int
	Data  []float64

	// Grad is nil until EnsureGrad or a backward pass allocates it.
	// Gradients accumulate; callers zero them explicitly.
	Grad []float64
}

func NewParameter(name string, shape ...int) *Parameter {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			panic(fmt.Sprintf("nn: parameter %s has non-positive dimension %d", name, d))
		}
		n *= d
	}

	return &Parameter{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  make([]float64, n),
	}
}

func (p *Parameter) NumElements() int {
	return len(p.Data)
}

// Row returns the i-th row of a matrix-shaped parameter as a slice aliasing
// the underlying data.
func (p *Parameter) Row(i int) []float64 {
	if len(p.Shape) != 2 {
		panic(fmt.Sprintf("nn: Row on parameter %s with shape %v", p.Name, p.Shape))
	}
	cols := p.Shape[1]
	return p.Data[i*cols : (i+1)*cols]
}

// GradRow returns the i-th row of the gradient, allocating it first if
// needed.
func (p *Parameter) GradRow(i int) []float64 {
	p.EnsureGrad()
	if len(p.Shape) != 2 {
		panic(fmt.Sprintf("nn: GradRow on parameter %s with shape %v", p.Name, p.Shape))
	}
	cols := p.Shape[1]
	return p.Grad[i*cols : (i+1)*cols]
}

// GradVec returns the whole gradient buffer, allocating it if needed.
func (p *Parameter) GradVec() []float64 {
	p.EnsureGrad()
	return p.Grad
}

// EnsureGrad allocates a zero gradient buffer if none exists yet.
func (p *Parameter) EnsureGrad() {
	if p.Grad == nil {
		p.Grad = make([]float64, len(p.Data))
	}
}

// ZeroGrad zeroes the gradient in place, allocating it if needed.
func (p *Parameter) ZeroGrad() {
	if p.Grad == nil {
		p.Grad = make([]float64, len(p.Data))
		return
	}
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Clone returns a deep copy of the parameter's data. The gradient buffer is
// not copied.
func (p *Parameter) Clone() *Parameter {
	q := &Parameter{
		Name:  p.Name,
		Shape: append([]int(nil), p.Shape...),
		Data:  append([]float64(nil), p.Data...),
	}
	return q
}

// CopyDataFrom overwrites p's data with q's. Shapes must match.
func (p *Parameter) CopyDataFrom(q *Parameter) {
	if len(p.Data) != len(q.Data) {
		panic(fmt.Sprintf("nn: copy %s (%d elements) from %s (%d elements)", p.Name, len(p.Data), q.Name, len(q.Data)))
	}
	copy(p.Data, q.Data)
}

// Params is an ordered collection of parameters, typically one model subset.
type Params []*Parameter

func (ps Params) NumElements() int {
	var n int
	for _, p := range ps {
		n += p.NumElements()
	}
	return n
}

func (ps Params) Names() []string {
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = p.Name
	}
	return names
}

func (ps Params) EnsureGrads() {
	for _, p := range ps {
		p.EnsureGrad()
	}
}

func (ps Params) ZeroGrads() {
	for _, p := range ps {
		p.ZeroGrad()
	}
}

func (ps Params) Clone() Params {
	qs := make(Params, len(ps))
	for i, p := range ps {
		qs[i] = p.Clone()
	}
	return qs
}

func (ps Params) CopyDataFrom(qs Params) {
	if len(ps) != len(qs) {
		panic(fmt.Sprintf("nn: copy %d parameters from %d", len(ps), len(qs)))
	}
	for i, p := range ps {
		p.CopyDataFrom(qs[i])
	}
}

// FlatData concatenates every parameter's data into one vector, in order.
func (ps Params) FlatData() []float64 {
	out := make([]float64, 0, ps.NumElements())
	for _, p := range ps {
		out = append(out, p.Data...)
	}
	return out
}

// SetFlatData scatters a flat vector back into the parameters.
func (ps Params) SetFlatData(v []float64) {
	if len(v) != ps.NumElements() {
		panic(fmt.Sprintf("nn: set %d elements into %d", len(v), ps.NumElements()))
	}
	var off int
	for _, p := range ps {
		copy(p.Data, v[off:off+len(p.Data)])
		off += len(p.Data)
	}
}

// FlatGrad concatenates every parameter's gradient, allocating missing ones.
func (ps Params) FlatGrad() []float64 {
	out := make([]float64, 0, ps.NumElements())
	for _, p := range ps {
		p.EnsureGrad()
		out = append(out, p.Grad...)
	}
	return out
}

// SetFlatGrad scatters a flat vector back into the gradients.
func (ps Params) SetFlatGrad(v []float64) {
	if len(v) != ps.NumElements() {
		panic(fmt.Sprintf("nn: set %d gradient elements into %d", len(v), ps.NumElements()))
	}
	var off int
	for _, p := range ps {
		p.EnsureGrad()
		copy(p.Grad, v[off:off+len(p.Grad)])
		off += len(p.Grad)
	}
}

// ScaleGrads multiplies every allocated gradient by c.
func (ps Params) ScaleGrads(c float64) {
	for _, p := range ps {
		if p.Grad == nil {
			continue
		}
		for i := range p.Grad {
			p.Grad[i] *= c
		}
	}
}
