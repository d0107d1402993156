package trainer

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/nv259/tensor2struct/config"
	"github.com/nv259/tensor2struct/saver"
	"github.com/nv259/tensor2struct/tracker"

	_ "github.com/nv259/tensor2struct/model/models/encdec"
)

func writeShard(t *testing.T) string {
	t.Helper()

	shard := map[string]any{
		"schemas": []map[string]any{
			{"db_id": "concerts", "tables": []map[string]any{
				{"name": "stadium", "columns": []map[string]any{{"name": "stadium_id"}, {"name": "capacity"}}},
			}},
			{"db_id": "pets", "tables": []map[string]any{
				{"name": "owner", "columns": []map[string]any{{"name": "owner_id"}, {"name": "age"}}},
			}},
		},
		"examples": []map[string]any{
			{"db_id": "concerts", "question": "how many stadiums are there", "actions": []string{"select", "count", "stadium"}},
			{"db_id": "concerts", "question": "largest stadium capacity", "actions": []string{"select", "max", "capacity"}},
			{"db_id": "pets", "question": "how many owners are there", "actions": []string{"select", "count", "owner"}},
			{"db_id": "pets", "question": "average age of owners", "actions": []string{"select", "avg", "age"}},
		},
	}

	bts, err := json.Marshal(shard)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "train.json")
	if err := os.WriteFile(path, bts, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func parseConfig(t *testing.T, raw map[string]any) *config.Config {
	t.Helper()

	bts, err := json.Marshal(raw)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Parse(bts)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

// capture records every tracker call so tests can assert on cadence.
type capture struct {
	records []record
}

type record struct {
	step    int
	metrics tracker.Metrics
}

func (c *capture) Log(step int, metrics tracker.Metrics) {
	c.records = append(c.records, record{step, metrics})
}

func (c *capture) Finish() {}

// steps returns the steps at which the named metric was reported.
func (c *capture) steps(name string) []int {
	var steps []int
	for _, r := range c.records {
		if _, ok := r.metrics[name]; ok {
			steps = append(steps, r.step)
		}
	}
	return steps
}

func (c *capture) value(step int, name string) (float64, bool) {
	for _, r := range c.records {
		if r.step == step {
			if v, ok := r.metrics[name]; ok {
				return v, true
			}
		}
	}
	return 0, false
}

func bayesianConfig(shard string, maxSteps int) map[string]any {
	return map[string]any{
		"kind": "bayesian_meta_train",
		"seed": 7,
		"model": map[string]any{"name": "encdec", "embed_dim": 8},
		"data":  map[string]any{"train": []string{shard}},
		"train": map[string]any{
			"max_steps":      maxSteps,
			"batch_size":     2,
			"report_every_n": 2,
			"eval_every_n":   4,
			"save_every_n":   3,
			"eval_on_train":  true,
		},
		"meta_train": map[string]any{
			"first_order":    true,
			"inner_lr":       0.05,
			"num_particles":  2,
			"data_scheduler": map[string]any{"name": "domain"},
		},
		"optimizer": map[string]any{"name": "adam", "lr": 0.01},
	}
}

func TestBayesianMetaTrainRun(t *testing.T) {
	shard := writeShard(t)
	logdir := t.TempDir()
	cfg := parseConfig(t, bayesianConfig(shard, 6))

	sink := &capture{}
	tr, err := New(t.Context(), Options{Config: cfg, LogDir: logdir, Tracker: sink})
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Run(t.Context()); err != nil {
		t.Fatal(err)
	}

	sv := &saver.Saver{Dir: CheckpointDir(logdir)}
	ckpts, err := sv.Checkpoints()
	if err != nil {
		t.Fatal(err)
	}
	var steps []int
	for _, c := range ckpts {
		steps = append(steps, c.Step)
	}
	if len(steps) != 2 || steps[0] != 3 || steps[1] != 6 {
		t.Errorf("checkpoint steps = %v, want [3 6]", steps)
	}

	if got := sink.steps("train_loss"); len(got) != 3 || got[0] != 2 || got[2] != 6 {
		t.Errorf("train_loss reported at %v, want [2 4 6]", got)
	}
	for _, step := range sink.steps("train_loss") {
		loss, _ := sink.value(step, "train_loss")
		if math.IsNaN(loss) || loss <= 0 {
			t.Errorf("step %d: train_loss = %v", step, loss)
		}
		if lr, ok := sink.value(step, "inner_lr"); !ok || lr != 0.05 {
			t.Errorf("step %d: inner_lr = %v, %v", step, lr, ok)
		}
		if _, ok := sink.value(step, "outer_lr_0"); !ok {
			t.Errorf("step %d: outer_lr_0 missing", step)
		}
	}

	if got := sink.steps("train_eval_loss"); len(got) != 2 || got[0] != 0 || got[1] != 4 {
		t.Errorf("train_eval_loss reported at %v, want [0 4]", got)
	}

	for _, file := range []string{"config.json", "tokens.json", "actions.json"} {
		if _, err := os.Stat(filepath.Join(logdir, file)); err != nil {
			t.Errorf("missing %s: %v", file, err)
		}
	}
}

func TestTrainingResumesFromLatestCheckpoint(t *testing.T) {
	shard := writeShard(t)
	logdir := t.TempDir()

	raw := bayesianConfig(shard, 4)
	raw["train"].(map[string]any)["save_every_n"] = 2
	first := &capture{}
	tr, err := New(t.Context(), Options{Config: parseConfig(t, raw), LogDir: logdir, Tracker: first})
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Run(t.Context()); err != nil {
		t.Fatal(err)
	}

	raw["train"].(map[string]any)["max_steps"] = 8
	second := &capture{}
	tr, err = New(t.Context(), Options{Config: parseConfig(t, raw), LogDir: logdir, Tracker: second})
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Run(t.Context()); err != nil {
		t.Fatal(err)
	}

	steps := second.steps("train_loss")
	if len(steps) == 0 {
		t.Fatal("no training metrics after resume")
	}
	for _, step := range steps {
		if step <= 4 {
			t.Errorf("resumed run re-ran step %d", step)
		}
	}

	sv := &saver.Saver{Dir: CheckpointDir(logdir)}
	latest, err := sv.Latest()
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(latest) != "checkpoint-00000008.ckpt" {
		t.Errorf("latest checkpoint = %s, want step 8", latest)
	}
}

func TestPlainTrainingReducesLoss(t *testing.T) {
	shard := writeShard(t)
	logdir := t.TempDir()

	cfg := parseConfig(t, map[string]any{
		"kind": "train",
		"seed": 3,
		"model": map[string]any{"name": "encdec", "embed_dim": 8},
		"data":  map[string]any{"train": []string{shard}},
		"train": map[string]any{
			"max_steps":      40,
			"batch_size":     4,
			"report_every_n": 1,
			"save_every_n":   40,
			"eval_every_n":   41,
		},
		"optimizer": map[string]any{"name": "sgd", "lr": 0.1},
	})

	sink := &capture{}
	tr, err := New(t.Context(), Options{Config: cfg, LogDir: logdir, Tracker: sink})
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Run(t.Context()); err != nil {
		t.Fatal(err)
	}

	steps := sink.steps("train_loss")
	if len(steps) != 40 {
		t.Fatalf("reported %d steps, want 40", len(steps))
	}
	firstLoss, _ := sink.value(steps[0], "train_loss")
	lastLoss, _ := sink.value(steps[len(steps)-1], "train_loss")
	if !(lastLoss < firstLoss) {
		t.Errorf("loss did not decrease: first %v, last %v", firstLoss, lastLoss)
	}

	// plain runs report no inner rate
	if _, ok := sink.value(steps[0], "inner_lr"); ok {
		t.Error("plain training reported an inner_lr")
	}
}

func TestStepRateScheduleReported(t *testing.T) {
	shard := writeShard(t)
	logdir := t.TempDir()

	raw := bayesianConfig(shard, 4)
	raw["train"].(map[string]any)["report_every_n"] = 1
	raw["lr_scheduler"] = map[string]any{
		"name":             "warmup_linear",
		"num_warmup_steps": 2,
		"total_steps":      4,
	}

	sink := &capture{}
	tr, err := New(t.Context(), Options{Config: parseConfig(t, raw), LogDir: logdir, Tracker: sink})
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Run(t.Context()); err != nil {
		t.Fatal(err)
	}

	// warmup over 2 steps: step 0 runs at half the base rate
	half, ok := sink.value(1, "outer_lr_0")
	if !ok {
		t.Fatal("no outer_lr_0 at step 1")
	}
	if math.Abs(half-0.005) > 1e-12 {
		t.Errorf("outer_lr_0 after first step = %v, want 0.005", half)
	}
}
