package encdec

import (
	"errors"

	"gonum.org/v1/gonum/floats"

	"github.com/nv259/tensor2struct/data"
	"github.com/nv259/tensor2struct/nn"
)

// LossBackward computes the batch loss and accumulates analytic gradients
// into every parameter's Grad. Gradients are not zeroed here; callers
// control accumulation across batches.
func (m *Model) LossBackward(batch data.Batch) (float64, error) {
	if batch.Len() == 0 {
		return 0, errors.New("empty batch")
	}

	var total float64
	for _, ex := range batch.Examples {
		e, st, nll, err := m.forward(ex, batch.Schemas[ex.DB])
		if err != nil {
			return 0, err
		}
		total += nll
		m.backward(e, st, 1/float64(len(st.targets)*batch.Len()))
	}
	return total / float64(batch.Len()), nil
}

// backward accumulates gradients for one example. scale folds the
// per-token mean and the batch mean into each timestep's contribution.
func (m *Model) backward(e *encoding, st *steps, scale float64) {
	d := m.opts.EmbedDim

	dq := make([]float64, d)
	dctx := make([]float64, d)

	// decoder, walking the cached teacher-forced steps
	dh := make([]float64, d)
	dx := make([]float64, 3*d)
	for t, target := range st.targets {
		h, x := st.hs[t], st.xs[t]

		// d logits = (p - onehot(target)) * scale
		dlogits := append([]float64(nil), st.probs[t]...)
		dlogits[target]--
		floats.Scale(scale, dlogits)

		nn.AddOuter(m.outW, dlogits, h)
		floats.Add(m.outB.GradVec(), dlogits)
		nn.MatVecT(dh, m.outW, dlogits)

		// tanh backward
		for i := range dh {
			dh[i] *= 1 - h[i]*h[i]
		}

		nn.AddOuter(m.hidW, dh, x)
		floats.Add(m.hidB.GradVec(), dh)
		nn.MatVecT(dx, m.hidW, dh)

		floats.Add(dq, dx[:d])
		floats.Add(dctx, dx[d:2*d])
		floats.Add(m.actEmbed.GradRow(st.prev[t]), dx[2*d:])
	}

	// aligner: ctx = sum_j alpha_j c_j, alpha = softmax(c_j . u)
	numCols := len(e.cols)
	dalpha := make([]float64, numCols)
	for j, c := range e.cols {
		dalpha[j] = floats.Dot(dctx, c)
	}
	var inner float64
	for j := range numCols {
		inner += e.alpha[j] * dalpha[j]
	}

	du := make([]float64, d)
	dc := make([]float64, d)
	for j, c := range e.cols {
		ds := e.alpha[j] * (dalpha[j] - inner)
		floats.AddScaled(du, ds, c)

		// dc_j from the context path and the score path
		for i := range dc {
			dc[i] = e.alpha[j]*dctx[i] + ds*e.u[i]
		}
		w := 1 / float64(len(e.colIDs[j]))
		for _, id := range e.colIDs[j] {
			floats.AddScaled(m.tokEmbed.GradRow(id), w, dc)
		}
	}

	nn.AddOuter(m.alignW, du, e.q)
	dqAlign := make([]float64, d)
	nn.MatVecT(dqAlign, m.alignW, du)
	floats.Add(dq, dqAlign)

	// encoder: q = tanh(W m + b)
	for i := range dq {
		dq[i] *= 1 - e.q[i]*e.q[i]
	}
	nn.AddOuter(m.encW, dq, e.mean)
	floats.Add(m.encB.GradVec(), dq)

	dm := make([]float64, d)
	nn.MatVecT(dm, m.encW, dq)
	w := 1 / float64(len(e.tokenIDs))
	for _, id := range e.tokenIDs {
		floats.AddScaled(m.tokEmbed.GradRow(id), w, dm)
	}
}
