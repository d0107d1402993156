package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nv259/tensor2struct/config"
	"github.com/nv259/tensor2struct/data"
	"github.com/nv259/tensor2struct/envconfig"
	"github.com/nv259/tensor2struct/eval"
	"github.com/nv259/tensor2struct/logutil"
	"github.com/nv259/tensor2struct/progress"
	"github.com/nv259/tensor2struct/saver"
	"github.com/nv259/tensor2struct/trainer"
)

// EvaluateHandler restores a checkpoint and scores it on held-out data.
func EvaluateHandler(cmd *cobra.Command, args []string) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))

	cfg, err := config.Load(args[0])
	if err != nil {
		return err
	}

	logdir, err := cmd.Flags().GetString("logdir")
	if err != nil {
		return err
	}
	logdir = resolveLogdir(logdir, runName(args[0]))

	setup, err := trainer.NewSetup(cmd.Context(), cfg, logdir)
	if err != nil {
		return err
	}

	s := &saver.Saver{Dir: trainer.CheckpointDir(logdir)}

	checkpoint, err := cmd.Flags().GetString("checkpoint")
	if err != nil {
		return err
	}

	var step int
	if checkpoint != "" {
		step, _, err = s.RestoreFrom(checkpoint, setup.Model.Parameters())
	} else {
		step, _, err = s.Restore(setup.Model.Parameters())
	}
	if err != nil {
		return fmt.Errorf("restore checkpoint: %w", err)
	}

	section, err := cmd.Flags().GetString("section")
	if err != nil {
		return err
	}

	var ds *data.Dataset
	switch section {
	case "val":
		ds = setup.Val
	case "train":
		ds = setup.Train
	default:
		return fmt.Errorf("unknown section %q, expected train or val", section)
	}
	if ds == nil {
		return fmt.Errorf("config has no %s data", section)
	}

	beam, _ := cmd.Flags().GetInt("beam")
	maxLen, _ := cmd.Flags().GetInt("max-len")
	limit, _ := cmd.Flags().GetInt("limit")

	p := progress.NewProgress(os.Stderr)
	spinner := progress.NewSpinner(fmt.Sprintf("scoring %s at step %d", section, step))
	p.Add("eval", spinner)

	report, preds, err := eval.Evaluate(cmd.Context(), setup.Model, ds, eval.Options{
		Beam:   beam,
		MaxLen: maxLen,
		Limit:  limit,
	})
	p.StopAndClear()
	if err != nil {
		return err
	}

	report.Render(os.Stdout)

	if out, _ := cmd.Flags().GetString("out"); out != "" {
		bts, err := json.MarshalIndent(preds, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(out, bts, 0o644); err != nil {
			return err
		}
		fmt.Printf("wrote %d predictions to %s\n", len(preds), out)
	}
	return nil
}

func newEvaluateCmd() *cobra.Command {
	evaluateCmd := &cobra.Command{
		Use:     "evaluate CONFIG",
		Aliases: []string{"eval"},
		Short:   "Score a trained checkpoint on held-out data",
		Args:    cobra.ExactArgs(1),
		RunE:    EvaluateHandler,
	}

	evaluateCmd.Flags().String("logdir", "", "Run directory holding the checkpoints (default: $T2S_RUNS/<name>)")
	evaluateCmd.Flags().String("checkpoint", "", "Path to a specific checkpoint file (default: latest in logdir)")
	evaluateCmd.Flags().String("section", "val", "Dataset section to score: train or val")
	evaluateCmd.Flags().Int("beam", 0, "Beam width; 0 or 1 decodes greedily")
	evaluateCmd.Flags().Int("max-len", 0, "Maximum decoded action sequence length")
	evaluateCmd.Flags().Int("limit", 0, "Score only the first N examples; 0 scores all")
	evaluateCmd.Flags().String("out", "", "Write per-example predictions to this JSON file")

	return evaluateCmd
}
