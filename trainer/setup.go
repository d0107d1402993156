package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nv259/tensor2struct/config"
	"github.com/nv259/tensor2struct/convert"
	"github.com/nv259/tensor2struct/data"
	"github.com/nv259/tensor2struct/envconfig"
	"github.com/nv259/tensor2struct/model"
	"github.com/nv259/tensor2struct/rng"
	"github.com/nv259/tensor2struct/text"
	"github.com/nv259/tensor2struct/vocab"
)

// Vocabulary files written next to the checkpoints so every command that
// touches a run directory resolves identical ids.
const (
	tokensFile  = "tokens.json"
	actionsFile = "actions.json"
)

// Setup is everything a run needs before stepping: datasets, vocabularies
// and the constructed model.
type Setup struct {
	Streams *rng.Streams
	Train   *data.Dataset
	Val     *data.Dataset
	Tokens  *vocab.Vocab
	Actions *vocab.Vocab
	Model   model.Model
}

// NewSetup loads the datasets a config names, resolves the vocabularies
// and constructs the model. Vocabularies come from the configured paths
// when set, are reused from logdir when a previous run built them, and are
// built from the training shards otherwise.
func NewSetup(ctx context.Context, cfg *config.Config, logdir string) (*Setup, error) {
	seed := cfg.Seed
	if seed == 0 {
		seed = envconfig.Seed()
	}
	streams := rng.New(seed)

	tok := text.NewTokenizer()
	train, err := data.Load(ctx, cfg.Data.Train)
	if err != nil {
		return nil, fmt.Errorf("load training data: %w", err)
	}
	train.Tokenize(tok)

	var val *data.Dataset
	if len(cfg.Data.Val) > 0 {
		if val, err = data.Load(ctx, cfg.Data.Val); err != nil {
			return nil, fmt.Errorf("load validation data: %w", err)
		}
		val.Tokenize(tok)
	}

	tokens, actions, err := loadVocabs(cfg.Data, train, logdir)
	if err != nil {
		return nil, err
	}

	var pre *model.Pretrained
	if cfg.Data.Embeddings != "" {
		pre, err = convert.Import(cfg.Data.Embeddings, cfg.Data.EmbeddingVocab, convert.Options{})
		if err != nil {
			return nil, fmt.Errorf("import embeddings: %w", err)
		}
	}

	m, err := model.New(cfg.Model, model.Deps{
		Tokens:     tokens,
		Actions:    actions,
		Streams:    streams,
		Pretrained: pre,
	})
	if err != nil {
		return nil, fmt.Errorf("construct model: %w", err)
	}

	return &Setup{
		Streams: streams,
		Train:   train,
		Val:     val,
		Tokens:  tokens,
		Actions: actions,
		Model:   m,
	}, nil
}

func loadVocabs(dc config.DataConfig, train *data.Dataset, logdir string) (tokens, actions *vocab.Vocab, err error) {
	if dc.Vocab != "" || dc.Actions != "" {
		if dc.Vocab == "" || dc.Actions == "" {
			return nil, nil, errors.New("data.vocab and data.actions must be set together")
		}
		if tokens, err = vocab.Load(dc.Vocab); err != nil {
			return nil, nil, fmt.Errorf("load token vocabulary: %w", err)
		}
		if actions, err = vocab.Load(dc.Actions); err != nil {
			return nil, nil, fmt.Errorf("load action vocabulary: %w", err)
		}
		return tokens, actions, nil
	}

	tokPath := filepath.Join(logdir, tokensFile)
	actPath := filepath.Join(logdir, actionsFile)
	if logdir != "" {
		if _, serr := os.Stat(tokPath); serr == nil {
			if tokens, err = vocab.Load(tokPath); err != nil {
				return nil, nil, fmt.Errorf("load token vocabulary: %w", err)
			}
			if actions, err = vocab.Load(actPath); err != nil {
				return nil, nil, fmt.Errorf("load action vocabulary: %w", err)
			}
			return tokens, actions, nil
		}
	}

	tokens, actions = buildVocabs(train, dc.MinFreq)
	slog.Info("built vocabularies", "tokens", tokens.Len(), "actions", actions.Len())

	if logdir != "" {
		if err := tokens.Save(tokPath); err != nil {
			return nil, nil, fmt.Errorf("save token vocabulary: %w", err)
		}
		if err := actions.Save(actPath); err != nil {
			return nil, nil, fmt.Errorf("save action vocabulary: %w", err)
		}
	}
	return tokens, actions, nil
}

// buildVocabs counts question tokens, schema column tokens and gold actions
// from the training shards. The action vocabulary ignores the frequency
// cutoff: an action dropped from the vocabulary could never be decoded.
func buildVocabs(ds *data.Dataset, minFreq int) (tokens, actions *vocab.Vocab) {
	tb, ab := vocab.NewBuilder(), vocab.NewBuilder()
	for _, ex := range ds.Examples {
		tb.AddAll(ex.Tokens)
		ab.AddAll(ex.Actions)
	}
	for _, db := range ds.Domains() {
		sc := ds.Schema(db)
		for i := range sc.NumColumns() {
			tb.AddAll(sc.Column(i).Tokens)
		}
	}

	if minFreq < 1 {
		minFreq = 1
	}
	return tb.Build(minFreq), ab.Build(1)
}
