package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nv259/tensor2struct/api"
	"github.com/nv259/tensor2struct/config"
	"github.com/nv259/tensor2struct/envconfig"
	"github.com/nv259/tensor2struct/logutil"
	"github.com/nv259/tensor2struct/progress"
	"github.com/nv259/tensor2struct/tracker"
	"github.com/nv259/tensor2struct/trainer"
)

// runName derives a run name from the config file name.
func runName(configPath string) string {
	base := filepath.Base(configPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// resolveLogdir is the run directory for a named run, honoring an explicit
// override.
func resolveLogdir(logdir, name string) string {
	if logdir != "" {
		return logdir
	}
	return filepath.Join(envconfig.Runs(), name)
}

// TrainHandler runs training to completion. Interrupting the process saves
// a checkpoint and exits cleanly; a later invocation with the same logdir
// resumes from it.
func TrainHandler(cmd *cobra.Command, args []string) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))

	cfg, err := config.Load(args[0])
	if err != nil {
		return err
	}

	name, err := cmd.Flags().GetString("name")
	if err != nil {
		return err
	}
	if name == "" {
		name = runName(args[0])
	}

	logdir, err := cmd.Flags().GetString("logdir")
	if err != nil {
		return err
	}
	logdir = resolveLogdir(logdir, name)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		cancel()
	}()

	var snapshot bytes.Buffer
	if err := cfg.Dump(&snapshot); err != nil {
		return err
	}

	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	run, err := tracker.Start(ctx, tracker.Options{
		Name:   name,
		Kind:   cfg.Kind,
		Config: snapshot.Bytes(),
		Dir:    logdir,
		Client: client,
	})
	if err != nil {
		return err
	}
	defer run.Finish()

	opts := trainer.Options{
		Config:  cfg,
		LogDir:  logdir,
		Tracker: run,
	}

	if term.IsTerminal(int(os.Stderr.Fd())) {
		p := progress.NewProgress(os.Stderr)
		defer p.Stop()

		bar := progress.NewBar(fmt.Sprintf("training %s:", name), int64(cfg.Train.MaxSteps), 0)
		p.Add("steps", bar)
		opts.OnStep = func(step int) {
			bar.Set(int64(step))
		}
	}

	t, err := trainer.New(ctx, opts)
	if err != nil {
		return err
	}

	if err := t.Run(ctx); err != nil {
		// An interrupt already saved a checkpoint; the run resumes next
		// time.
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	return nil
}

func newTrainCmd() *cobra.Command {
	trainCmd := &cobra.Command{
		Use:   "train CONFIG",
		Short: "Train a parser from a run config",
		Args:  cobra.ExactArgs(1),
		RunE:  TrainHandler,
	}

	trainCmd.Flags().String("logdir", "", "Run directory for checkpoints and metrics (default: $T2S_RUNS/<name>)")
	trainCmd.Flags().String("name", "", "Run name reported to the tracker (default: config file name)")

	return trainCmd
}
