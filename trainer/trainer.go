// Package trainer drives training runs. It owns the step loop, checkpoint
// and evaluation cadences and metric reporting, and specializes the
// per-step procedure for plain, meta and Bayesian-meta runs.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nv259/tensor2struct/config"
	"github.com/nv259/tensor2struct/data"
	"github.com/nv259/tensor2struct/model"
	"github.com/nv259/tensor2struct/nn"
	"github.com/nv259/tensor2struct/registry"
	"github.com/nv259/tensor2struct/saver"
	"github.com/nv259/tensor2struct/tracker"
	"github.com/nv259/tensor2struct/training"
)

// Options configure a run beyond the config file.
type Options struct {
	Config *config.Config

	// LogDir receives checkpoints, vocabularies and the config snapshot.
	LogDir string

	// Tracker is the metric sink. Nil logs metrics through slog only.
	Tracker tracker.Tracker

	// OnStep is called after every completed optimizer step, for progress
	// display.
	OnStep func(step int)
}

type stepFunc func(task data.Task, step int) (float64, error)

// Trainer runs one training process. The loop is single-threaded and
// synchronous: parameters are mutated only by the optimizer step on the
// calling goroutine.
type Trainer struct {
	cfg    *config.Config
	logdir string
	track  tracker.Tracker
	onStep func(int)

	setup *Setup
	sched data.Scheduler
	opt   training.Optimizer
	lr    training.LRScheduler
	saver *saver.Saver

	stepFn  stepFunc
	innerLR float64
}

func New(ctx context.Context, opts Options) (*Trainer, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("trainer: config is required")
	}
	if opts.LogDir == "" {
		return nil, errors.New("trainer: logdir is required")
	}
	if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
		return nil, err
	}
	if err := cfg.Snapshot(opts.LogDir); err != nil {
		return nil, fmt.Errorf("snapshot config: %w", err)
	}

	setup, err := NewSetup(ctx, cfg, opts.LogDir)
	if err != nil {
		return nil, err
	}

	groups := paramGroups(cfg, setup.Model)
	opt, err := training.NewOptimizer(cfg.Optimizer, groups)
	if err != nil {
		return nil, fmt.Errorf("construct optimizer: %w", err)
	}
	lr, err := training.NewLRScheduler(cfg.LRScheduler, groups)
	if err != nil {
		return nil, fmt.Errorf("construct lr scheduler: %w", err)
	}

	t := &Trainer{
		cfg:    cfg,
		logdir: opts.LogDir,
		track:  opts.Tracker,
		onStep: opts.OnStep,
		setup:  setup,
		opt:    opt,
		lr:     lr,
		saver: &saver.Saver{
			Dir:  CheckpointDir(opts.LogDir),
			Keep: cfg.Train.KeepCheckpoints,
		},
	}
	if t.track == nil {
		t.track = tracker.Slog()
	}

	if err := t.bindKind(); err != nil {
		return nil, err
	}
	return t, nil
}

// CheckpointDir returns where a run directory keeps its checkpoints.
func CheckpointDir(logdir string) string {
	return filepath.Join(logdir, "checkpoints")
}

// paramGroups binds the model's parameters to optimizer groups. With
// pretrained-split training the partition invariants are checked in
// model.Split; violations panic there.
func paramGroups(cfg *config.Config, m model.Model) []*training.ParamGroup {
	if mt := cfg.MetaTrain; mt != nil && mt.UsePretrainedTraining {
		pretrained, scratch := model.Split(m)
		return []*training.ParamGroup{
			{Name: training.GroupPretrained, Params: pretrained},
			{Name: training.GroupScratch, Params: scratch},
		}
	}
	return []*training.ParamGroup{{Name: training.GroupAll, Params: m.Parameters()}}
}

// bindKind wires the task scheduler and the per-step procedure for the
// config's run kind.
func (t *Trainer) bindKind() error {
	cfg := t.cfg

	schedSection := registry.Section{Name: "uniform"}
	if cfg.MetaTrain != nil {
		schedSection = cfg.MetaTrain.DataScheduler
	}
	sched, err := data.NewScheduler(schedSection, data.SchedulerDeps{
		Dataset:   t.setup.Train,
		Seed:      t.setup.Streams.Seed(),
		BatchSize: cfg.Train.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("construct data scheduler: %w", err)
	}
	t.sched = sched

	m := t.setup.Model
	switch cfg.Kind {
	case config.KindTrain:
		t.stepFn = func(task data.Task, _ int) (float64, error) {
			return m.LossBackward(task.Inner)
		}
		return nil
	case config.KindMetaTrain, config.KindBayesianTrain:
	default:
		return fmt.Errorf("unknown run kind %q", cfg.Kind)
	}

	mt := cfg.MetaTrain
	inner, err := training.ParseInnerOpt(mt.InnerOpt)
	if err != nil {
		return err
	}
	t.innerLR = inner.LR

	var ml training.MetaLearner
	switch cfg.Kind {
	case config.KindMetaTrain:
		ml = training.NewMAML(inner)
	case config.KindBayesianTrain:
		if ml, err = training.NewBMAML(inner, mt.NumParticles, mt.ParticleNoise, t.setup.Streams); err != nil {
			return err
		}
	}

	// meta-updates need outer batches; GetBatch is pure in step, so probing
	// here consumes nothing
	probe, err := t.sched.GetBatch(0)
	if err != nil {
		return err
	}
	if len(probe.Outer) == 0 {
		return errors.New("data scheduler yields no outer batches for meta-training")
	}

	t.stepFn = func(task data.Task, step int) (float64, error) {
		return ml.MetaTrain(m, m.EncoderParameters(), m.AlignerParameters(), m.DecoderParameters(), task, step)
	}
	return nil
}

// Run restores the latest checkpoint and steps until max_steps, saving and
// evaluating on the configured cadences. Interrupted runs resume from the
// last checkpoint and replay identically: task selection is a pure function
// of (seed, step).
func (t *Trainer) Run(ctx context.Context) error {
	cfg := t.cfg
	params := t.setup.Model.Parameters()

	step, state, err := t.saver.Restore(params)
	switch {
	case errors.Is(err, saver.ErrNoCheckpoint):
		slog.Info("no checkpoint, starting from step 0")
	case err != nil:
		return fmt.Errorf("restore checkpoint: %w", err)
	default:
		if state != nil {
			if err := t.opt.LoadState(*state); err != nil {
				return fmt.Errorf("restore optimizer: %w", err)
			}
		}
		slog.Info("resumed from checkpoint", "step", step)
	}

	lastSaved := -1
	for step < cfg.Train.MaxSteps {
		if err := ctx.Err(); err != nil {
			if step != lastSaved {
				if serr := t.save(step); serr != nil {
					slog.Warn("save on interrupt failed", "error", serr)
				}
			}
			return err
		}

		if step%cfg.Train.EvalEveryN == 0 {
			t.evalSections(step)
		}

		loss, rates, err := t.trainStep(step)
		if err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
		step++

		if step%cfg.Train.ReportEveryN == 0 {
			t.report(step, loss, rates)
		}
		if step%cfg.Train.SaveEveryN == 0 {
			if err := t.save(step); err != nil {
				return err
			}
			lastSaved = step
		}
		if t.onStep != nil {
			t.onStep(step)
		}
	}

	if step != lastSaved {
		if err := t.save(step); err != nil {
			return err
		}
	}
	return nil
}

// trainStep runs one optimizer step: gradient accumulation over the
// configured number of tasks, optional clipping, the outer update and the
// LR schedule. Gradients accumulate across the task loop and are zeroed
// only after the optimizer has applied them.
func (t *Trainer) trainStep(step int) (loss float64, rates []float64, err error) {
	cfg := t.cfg
	params := t.setup.Model.Parameters()
	params.EnsureGrads()

	accum := cfg.Train.NumBatchAccumulated
	for i := range accum {
		// distinct deterministic draw per accumulation slot
		task, err := t.sched.GetBatch(step*accum + i)
		if err != nil {
			return 0, nil, err
		}
		l, err := t.stepFn(task, step)
		if err != nil {
			return 0, nil, err
		}
		loss += l
	}
	loss /= float64(accum)

	if cfg.Kind == config.KindTrain && accum > 1 {
		// plain training averages the accumulated batch gradients
		params.ScaleGrads(1 / float64(accum))
	}

	if cfg.Train.ClipGrad > 0 && t.pretrainedSplit() {
		for _, g := range t.opt.Groups() {
			nn.ClipGradNorm(g.Params, cfg.Train.ClipGrad)
		}
	}

	t.opt.Step()
	rates = t.lr.UpdateLR(step)
	params.ZeroGrads()

	if rates == nil {
		for _, g := range t.opt.Groups() {
			rates = append(rates, g.LR)
		}
	}
	return loss, rates, nil
}

func (t *Trainer) pretrainedSplit() bool {
	return t.cfg.MetaTrain != nil && t.cfg.MetaTrain.UsePretrainedTraining
}

func (t *Trainer) evalSections(step int) {
	if t.cfg.Train.EvalOnTrain {
		t.evalSection(step, "train", t.setup.Train)
	}
	if t.cfg.Train.EvalOnVal && t.setup.Val != nil {
		t.evalSection(step, "val", t.setup.Val)
	}
}

// evalSection reports the mean loss over the head of a section. Decoding
// metrics are the evaluate command's job; during training only losses are
// tracked.
func (t *Trainer) evalSection(step int, section string, ds *data.Dataset) {
	examples := ds.Head(t.cfg.Train.NumEvalItems)
	if len(examples) == 0 {
		return
	}

	bs := t.cfg.Train.EvalBatchSize
	var total float64
	var n int
	for i := 0; i < len(examples); i += bs {
		batch := ds.Batch(examples[i:min(i+bs, len(examples))])
		loss, err := t.setup.Model.Loss(batch)
		if err != nil {
			slog.Warn("section eval failed", "section", section, "error", err)
			return
		}
		total += loss * float64(batch.Len())
		n += batch.Len()
	}

	mean := total / float64(n)
	slog.Info("eval", "step", step, "section", section, "loss", mean)
	t.track.Log(step, tracker.Metrics{section + "_eval_loss": mean})
}

// report sends the step loss and current learning rates to the tracker:
// inner_lr for meta runs plus one outer_lr_<i> per optimizer group.
func (t *Trainer) report(step int, loss float64, rates []float64) {
	metrics := tracker.Metrics{"train_loss": loss}
	if t.innerLR > 0 {
		metrics["inner_lr"] = t.innerLR
	}
	for i, rate := range rates {
		metrics[fmt.Sprintf("outer_lr_%d", i)] = rate
	}
	t.track.Log(step, metrics)
}

func (t *Trainer) save(step int) error {
	state := t.opt.State()
	if _, err := t.saver.Save(step, t.setup.Model.Parameters(), &state); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}
