package encdec

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/nv259/tensor2struct/data"
	"github.com/nv259/tensor2struct/nn"
	"github.com/nv259/tensor2struct/vocab"
)

// encoding caches the question encoding and column alignment for one
// example, shared by every decoder step and by backward.
type encoding struct {
	tokenIDs []int
	mean     []float64
	q        []float64

	colIDs [][]int
	cols   [][]float64
	u      []float64
	alpha  []float64
	ctx    []float64
}

// steps caches the teacher-forced decoder pass for backward.
type steps struct {
	prev    []int
	targets []int
	xs      [][]float64
	hs      [][]float64
	probs   [][]float64
}

func (m *Model) encode(ex *data.Example, schema *data.Schema) (*encoding, error) {
	if len(ex.Tokens) == 0 {
		return nil, fmt.Errorf("example %q has no tokens, tokenize the dataset first", ex.Question)
	}
	if schema == nil {
		return nil, fmt.Errorf("no schema for database %q", ex.DB)
	}
	numCols := schema.NumColumns()
	if numCols == 0 {
		return nil, fmt.Errorf("schema %q has no columns", schema.DB)
	}

	d := m.opts.EmbedDim
	e := &encoding{
		tokenIDs: m.tokens.Indices(ex.Tokens),
		mean:     make([]float64, d),
		q:        make([]float64, d),
		u:        make([]float64, d),
		ctx:      make([]float64, d),
	}

	for _, id := range e.tokenIDs {
		floats.Add(e.mean, m.tokEmbed.Row(id))
	}
	floats.Scale(1/float64(len(e.tokenIDs)), e.mean)

	nn.MatVec(e.q, m.encW, e.mean)
	floats.Add(e.q, m.encB.Data)
	nn.Tanh(e.q)

	e.colIDs = make([][]int, numCols)
	e.cols = make([][]float64, numCols)
	e.alpha = make([]float64, numCols)
	for j := range numCols {
		col := schema.Column(j)
		ids := m.tokens.Indices(col.Tokens)
		if len(ids) == 0 {
			ids = []int{vocab.UnkID}
		}
		e.colIDs[j] = ids

		c := make([]float64, d)
		for _, id := range ids {
			floats.Add(c, m.tokEmbed.Row(id))
		}
		floats.Scale(1/float64(len(ids)), c)
		e.cols[j] = c
	}

	nn.MatVec(e.u, m.alignW, e.q)
	for j, c := range e.cols {
		e.alpha[j] = floats.Dot(c, e.u)
	}
	nn.Softmax(e.alpha)
	for j, c := range e.cols {
		floats.AddScaled(e.ctx, e.alpha[j], c)
	}
	return e, nil
}

// decodeStep runs one decoder step given the previous action id. The
// returned slices are freshly allocated; logits are unnormalized.
func (m *Model) decodeStep(e *encoding, prev int) (x, h, logits []float64) {
	d := m.opts.EmbedDim

	x = make([]float64, 3*d)
	copy(x[:d], e.q)
	copy(x[d:2*d], e.ctx)
	copy(x[2*d:], m.actEmbed.Row(prev))

	h = make([]float64, d)
	nn.MatVec(h, m.hidW, x)
	floats.Add(h, m.hidB.Data)
	nn.Tanh(h)

	logits = make([]float64, m.actions.Len())
	nn.MatVec(logits, m.outW, h)
	floats.Add(logits, m.outB.Data)
	return x, h, logits
}

// forward runs the teacher-forced decoder over the example's action
// sequence, returning the per-token mean negative log-likelihood.
func (m *Model) forward(ex *data.Example, schema *data.Schema) (*encoding, *steps, float64, error) {
	if len(ex.Actions) == 0 {
		return nil, nil, 0, fmt.Errorf("example %q has no actions", ex.Question)
	}

	e, err := m.encode(ex, schema)
	if err != nil {
		return nil, nil, 0, err
	}

	targets := m.actions.Indices(ex.Actions)
	st := &steps{
		targets: targets,
		prev:    make([]int, len(targets)),
		xs:      make([][]float64, len(targets)),
		hs:      make([][]float64, len(targets)),
		probs:   make([][]float64, len(targets)),
	}

	var nll float64
	prev := vocab.BosID
	for t, target := range targets {
		x, h, logits := m.decodeStep(e, prev)
		nll += nn.LogSumExp(logits) - logits[target]

		nn.Softmax(logits)
		st.prev[t] = prev
		st.xs[t] = x
		st.hs[t] = h
		st.probs[t] = logits
		prev = target
	}
	return e, st, nll / float64(len(targets)), nil
}

// Loss returns the mean per-token negative log-likelihood over the batch.
func (m *Model) Loss(batch data.Batch) (float64, error) {
	if batch.Len() == 0 {
		return 0, errors.New("empty batch")
	}

	var total float64
	for _, ex := range batch.Examples {
		_, _, nll, err := m.forward(ex, batch.Schemas[ex.DB])
		if err != nil {
			return 0, err
		}
		total += nll
	}
	return total / float64(batch.Len()), nil
}

// ActionScores returns log-probabilities for the next action given a
// decoded prefix of action ids.
func (m *Model) ActionScores(ex *data.Example, schema *data.Schema, prefix []int) ([]float64, error) {
	e, err := m.encode(ex, schema)
	if err != nil {
		return nil, err
	}

	prev := vocab.BosID
	if len(prefix) > 0 {
		prev = prefix[len(prefix)-1]
	}
	_, _, logits := m.decodeStep(e, prev)

	lse := nn.LogSumExp(logits)
	for i := range logits {
		logits[i] -= lse
	}
	return logits, nil
}
