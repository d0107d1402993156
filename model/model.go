// Package model defines the trainable parser interface and the architecture
// registry. Architectures register a constructor under a name; configs pick
// one with a {"name": ...} section. Importing an architecture package (for
// its init) is what makes it constructible.
package model

import (
	"log/slog"

	"github.com/nv259/tensor2struct/data"
	"github.com/nv259/tensor2struct/nn"
	"github.com/nv259/tensor2struct/registry"
	"github.com/nv259/tensor2struct/rng"
	"github.com/nv259/tensor2struct/vocab"
)

// Model is a trainable text-to-SQL parser. Implementations compute their
// gradients analytically and accumulate them into parameter Grad buffers;
// nothing here zeroes gradients implicitly.
type Model interface {
	// Loss returns the mean negative log-likelihood of the batch's action
	// sequences.
	Loss(batch data.Batch) (float64, error)

	// LossBackward computes Loss and accumulates gradients.
	LossBackward(batch data.Batch) (float64, error)

	// ActionScores returns log-probabilities over the action vocabulary for
	// the next action, given an already-decoded prefix of action ids.
	ActionScores(ex *data.Example, schema *data.Schema, prefix []int) ([]float64, error)

	Actions() *vocab.Vocab

	Parameters() nn.Params
	EncoderParameters() nn.Params
	AlignerParameters() nn.Params
	DecoderParameters() nn.Params

	// PretrainedParameters returns the subset initialized from imported
	// embeddings, empty for models trained from scratch.
	PretrainedParameters() nn.Params
}

// Pretrained is an imported embedding table keyed by token.
type Pretrained struct {
	Dim     int
	Vectors map[string][]float64
}

// Deps carries everything architectures need beyond their config section.
type Deps struct {
	Tokens     *vocab.Vocab
	Actions    *vocab.Vocab
	Streams    *rng.Streams
	Pretrained *Pretrained
}

var models = registry.New[Deps, Model]("model")

// Register adds an architecture constructor. Called from init; registering
// a name twice panics.
func Register(name string, f func(registry.Section, Deps) (Model, error)) {
	models.Register(name, f)
}

// New constructs the architecture the section names.
func New(s registry.Section, deps Deps) (Model, error) {
	return models.Construct(s, deps)
}

// Split partitions the model's parameters into the pretrained group and the
// scratch group for two-rate optimization. The pretrained subset must be a
// non-empty subset of the trainable parameters; a violation is a programming
// error in the architecture and panics.
func Split(m Model) (pretrained, scratch nn.Params) {
	pretrained = m.PretrainedParameters()
	if len(pretrained) == 0 {
		panic("model: pretrained parameter group is empty")
	}

	inPretrained := make(map[*nn.Parameter]bool, len(pretrained))
	for _, p := range pretrained {
		inPretrained[p] = true
	}

	all := m.Parameters()
	for _, p := range all {
		if !inPretrained[p] {
			scratch = append(scratch, p)
		}
	}
	if len(pretrained)+len(scratch) != len(all) {
		panic("model: pretrained parameters are not a subset of the trainable parameters")
	}

	slog.Info("parameter split",
		"pretrained", len(pretrained),
		"scratch", len(scratch),
		"pretrained_elements", pretrained.NumElements(),
		"scratch_elements", scratch.NumElements())
	return pretrained, scratch
}
