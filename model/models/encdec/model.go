// Package encdec implements the "encdec" parser architecture: an embedding
// encoder over question tokens, a bilinear aligner scoring schema columns
// against the question, and an autoregressive action decoder. Gradients are
// computed analytically in backward.go, so the model works without an
// autograd tape.
package encdec

import (
	"errors"
	"fmt"

	"github.com/nv259/tensor2struct/model"
	"github.com/nv259/tensor2struct/nn"
	"github.com/nv259/tensor2struct/registry"
	"github.com/nv259/tensor2struct/rng"
	"github.com/nv259/tensor2struct/vocab"
)

func init() {
	model.Register("encdec", New)
}

type Model struct {
	opts    Options
	tokens  *vocab.Vocab
	actions *vocab.Vocab

	// encoder
	tokEmbed *nn.Parameter // [V_tok, d]
	encW     *nn.Parameter // [d, d]
	encB     *nn.Parameter // [d]

	// aligner
	alignW *nn.Parameter // [d, d]

	// decoder
	actEmbed *nn.Parameter // [V_act, d]
	hidW     *nn.Parameter // [d, 3d]
	hidB     *nn.Parameter // [d]
	outW     *nn.Parameter // [V_act, d]
	outB     *nn.Parameter // [V_act]

	pretrained bool
}

func New(s registry.Section, deps model.Deps) (model.Model, error) {
	var opts Options
	if err := s.Decode(&opts); err != nil {
		return nil, err
	}
	opts.defaults()

	if deps.Tokens == nil || deps.Actions == nil {
		return nil, errors.New("encdec: token and action vocabularies are required")
	}
	if deps.Streams == nil {
		deps.Streams = rng.New(1)
	}

	d := opts.EmbedDim
	m := &Model{
		opts:    opts,
		tokens:  deps.Tokens,
		actions: deps.Actions,

		tokEmbed: nn.NewParameter("encoder.tok_embed", deps.Tokens.Len(), d),
		encW:     nn.NewParameter("encoder.w", d, d),
		encB:     nn.NewParameter("encoder.b", d),

		alignW: nn.NewParameter("aligner.w", d, d),

		actEmbed: nn.NewParameter("decoder.act_embed", deps.Actions.Len(), d),
		hidW:     nn.NewParameter("decoder.hid_w", d, 3*d),
		hidB:     nn.NewParameter("decoder.hid_b", d),
		outW:     nn.NewParameter("decoder.out_w", deps.Actions.Len(), d),
		outB:     nn.NewParameter("decoder.out_b", deps.Actions.Len()),
	}

	r := deps.Streams.Stream("model")
	nn.InitNormal(r, 0.1, m.tokEmbed)
	nn.InitNormal(r, 0.1, m.actEmbed)
	for _, p := range []*nn.Parameter{m.encW, m.encB, m.alignW, m.hidW, m.hidB, m.outW, m.outB} {
		nn.InitGlorot(r, p)
	}

	if deps.Pretrained != nil {
		if err := m.loadPretrained(deps.Pretrained); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// loadPretrained overwrites token embedding rows with imported vectors.
// Tokens absent from the import keep their random initialization.
func (m *Model) loadPretrained(pre *model.Pretrained) error {
	if pre.Dim != m.opts.EmbedDim {
		return fmt.Errorf("encdec: pretrained dim %d does not match embed_dim %d", pre.Dim, m.opts.EmbedDim)
	}

	var hit int
	for i := range m.tokens.Len() {
		if vec, ok := pre.Vectors[m.tokens.Token(i)]; ok {
			copy(m.tokEmbed.Row(i), vec)
			hit++
		}
	}
	if hit == 0 {
		return errors.New("encdec: pretrained vectors cover no vocabulary tokens")
	}

	m.pretrained = true
	return nil
}

func (m *Model) Actions() *vocab.Vocab {
	return m.actions
}

func (m *Model) Parameters() nn.Params {
	return nn.Params{
		m.tokEmbed, m.encW, m.encB,
		m.alignW,
		m.actEmbed, m.hidW, m.hidB, m.outW, m.outB,
	}
}

func (m *Model) EncoderParameters() nn.Params {
	return nn.Params{m.tokEmbed, m.encW, m.encB}
}

func (m *Model) AlignerParameters() nn.Params {
	return nn.Params{m.alignW}
}

func (m *Model) DecoderParameters() nn.Params {
	return nn.Params{m.actEmbed, m.hidW, m.hidB, m.outW, m.outB}
}

func (m *Model) PretrainedParameters() nn.Params {
	if !m.pretrained {
		return nil
	}
	return nn.Params{m.tokEmbed}
}
