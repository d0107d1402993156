// Package config loads and validates run configuration files. A run config
// is a JSON document with registry-shaped sections (each selecting an
// implementation by "name") plus plain hyperparameter blocks. Configs are
// immutable after Load; anything invalid is reported before training starts.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/nv259/tensor2struct/registry"
)

// Run kinds select the trainer implementation.
const (
	KindTrain         = "train"
	KindMetaTrain     = "meta_train"
	KindBayesianTrain = "bayesian_meta_train"
)

type Config struct {
	Kind string `json:"kind"`
	Seed int64  `json:"seed,omitempty"`

	Model       registry.Section  `json:"model"`
	Data        DataConfig        `json:"data"`
	Train       TrainConfig       `json:"train"`
	MetaTrain   *MetaTrainConfig  `json:"meta_train,omitempty"`
	Optimizer   registry.Section  `json:"optimizer"`
	LRScheduler *registry.Section `json:"lr_scheduler,omitempty"`
}

// DataConfig points at dataset shards and optional prebuilt vocabularies.
// Empty vocab paths mean "build from the training shards".
type DataConfig struct {
	Train   []string `json:"train"`
	Val     []string `json:"val,omitempty"`
	Vocab   string   `json:"vocab,omitempty"`
	Actions string   `json:"actions,omitempty"`
	MinFreq int      `json:"min_freq,omitempty"`

	// Embeddings optionally points at a pretrained embedding file (PyTorch,
	// safetensors or GloVe text). EmbeddingVocab lists the row tokens for
	// the binary formats; GloVe files carry their own tokens.
	Embeddings     string `json:"embeddings,omitempty"`
	EmbeddingVocab string `json:"embedding_vocab,omitempty"`
}

// TrainConfig holds the loop cadences shared by every run kind.
type TrainConfig struct {
	MaxSteps      int `json:"max_steps"`
	BatchSize     int `json:"batch_size"`
	EvalBatchSize int `json:"eval_batch_size"`

	ReportEveryN int `json:"report_every_n"`
	EvalEveryN   int `json:"eval_every_n"`
	SaveEveryN   int `json:"save_every_n"`

	KeepCheckpoints int  `json:"keep_checkpoints"`
	NumEvalItems    int  `json:"num_eval_items"`
	EvalOnTrain     bool `json:"eval_on_train"`
	EvalOnVal       bool `json:"eval_on_val"`

	NumBatchAccumulated int     `json:"num_batch_accumulated"`
	ClipGrad            float64 `json:"clip_grad,omitempty"`
}

// MetaTrainConfig holds the knobs specific to meta-training runs.
type MetaTrainConfig struct {
	InnerLR      float64 `json:"inner_lr"`
	NumParticles int     `json:"num_particles"`
	FirstOrder   bool    `json:"first_order"`

	// UsePretrainedTraining splits parameters into a pretrained group and a
	// scratch group with separate learning rates.
	UsePretrainedTraining bool `json:"use_pretrained_training"`

	// ParticleNoise is the stddev of the Gaussian used to sample particle
	// realizations around the shared parameters.
	ParticleNoise float64 `json:"particle_noise,omitempty"`

	InnerOpt      registry.Section `json:"inner_opt"`
	DataScheduler registry.Section `json:"data_scheduler"`
}

// Load reads, defaults and validates a run config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Kind == "" {
		c.Kind = KindTrain
	}

	t := &c.Train
	if t.MaxSteps == 0 {
		t.MaxSteps = 20000
	}
	if t.BatchSize == 0 {
		t.BatchSize = 10
	}
	if t.EvalBatchSize == 0 {
		t.EvalBatchSize = t.BatchSize
	}
	if t.ReportEveryN == 0 {
		t.ReportEveryN = 10
	}
	if t.EvalEveryN == 0 {
		t.EvalEveryN = 100
	}
	if t.SaveEveryN == 0 {
		t.SaveEveryN = 100
	}
	if t.KeepCheckpoints == 0 {
		t.KeepCheckpoints = 5
	}
	if t.NumEvalItems == 0 {
		t.NumEvalItems = 50
	}
	if t.NumBatchAccumulated == 0 {
		t.NumBatchAccumulated = 1
	}

	if m := c.MetaTrain; m != nil {
		if m.InnerLR == 0 {
			m.InnerLR = 1e-3
		}
		if m.NumParticles == 0 {
			m.NumParticles = 1
		}
		if m.ParticleNoise == 0 {
			m.ParticleNoise = 0.01
		}
		if m.InnerOpt.Name == "" {
			m.InnerOpt, _ = registry.SectionFor("sgd", map[string]any{
				"lr":    m.InnerLR,
				"steps": 1,
			})
		}
		if m.DataScheduler.Name == "" {
			m.DataScheduler, _ = registry.SectionFor("uniform", nil)
		}
	}
}

// Validate reports hard misconfigurations as errors and logs the soft ones.
func (c *Config) Validate() error {
	switch c.Kind {
	case KindTrain, KindMetaTrain, KindBayesianTrain:
	default:
		return fmt.Errorf("unknown run kind %q", c.Kind)
	}

	if c.Model.Name == "" {
		return errors.New("missing model section")
	}
	if c.Optimizer.Name == "" {
		return errors.New("missing optimizer section")
	}
	if len(c.Data.Train) == 0 {
		return errors.New("data.train must list at least one shard")
	}

	t := &c.Train
	if t.MaxSteps < 1 {
		return fmt.Errorf("max_steps must be positive, got %d", t.MaxSteps)
	}
	if t.NumBatchAccumulated < 1 {
		return fmt.Errorf("num_batch_accumulated must be positive, got %d", t.NumBatchAccumulated)
	}
	if t.ClipGrad < 0 {
		return fmt.Errorf("clip_grad must be non-negative, got %v", t.ClipGrad)
	}

	meta := c.Kind == KindMetaTrain || c.Kind == KindBayesianTrain
	if meta && c.MetaTrain == nil {
		return fmt.Errorf("%s requires a meta_train section", c.Kind)
	}
	if !meta && c.MetaTrain != nil {
		slog.Warn("meta_train section ignored for plain training")
	}

	if m := c.MetaTrain; m != nil && meta {
		if !m.FirstOrder {
			return errors.New("second-order meta-gradients are not supported, set first_order")
		}
		if m.InnerLR <= 0 {
			return fmt.Errorf("inner_lr must be positive, got %v", m.InnerLR)
		}
		if m.NumParticles < 1 {
			return fmt.Errorf("num_particles must be positive, got %d", m.NumParticles)
		}

		if t.NumBatchAccumulated > 1 {
			slog.Warn("batch accumulation applies at the meta-step level, inner adaptation sees single tasks")
		}
		if m.UsePretrainedTraining && t.ClipGrad == 0 {
			slog.Info("gradient clipping is recommended when fine-tuning pretrained parameters")
		}
	}

	return nil
}
