package tracker

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/nv259/tensor2struct/api"
	"github.com/nv259/tensor2struct/envconfig"
	"github.com/nv259/tensor2struct/sysinfo"
)

// Options configure a run.
type Options struct {
	// Name is the human-readable run name, usually derived from the config
	// file name.
	Name string

	// Kind is the trainer kind (train, meta_train, bayesian_meta_train).
	Kind string

	// Config is the serialized config snapshot stored with the run.
	Config []byte

	// Dir is the run directory for the JSONL metrics log and run metadata.
	// Empty disables the file sink.
	Dir string

	// Client posts runs and metrics to the tracker server. Nil, or the
	// T2S_OFFLINE environment variable, disables the remote sink.
	Client *api.Client
}

// Run is a live training run: a stable run ID plus the metric sink stack.
type Run struct {
	ID string
	Tracker
}

// Start assigns the run a fresh UUID, registers it with the tracker server
// when one is reachable, and assembles the metric sinks. An unreachable
// server downgrades the run to local-only logging; it never fails training.
func Start(ctx context.Context, opts Options) (*Run, error) {
	host := sysinfo.Collect()
	meta := api.Run{
		ID:        uuid.NewString(),
		Name:      opts.Name,
		Kind:      opts.Kind,
		Config:    opts.Config,
		Host:      &host,
		CreatedAt: time.Now().UTC(),
	}

	sinks := []Tracker{Slog()}

	if opts.Client != nil && !envconfig.Offline() {
		req := api.CreateRunRequest{ID: meta.ID, Name: meta.Name, Kind: meta.Kind, Config: meta.Config, Host: meta.Host}
		run, err := opts.Client.CreateRun(ctx, &req)
		if err != nil {
			slog.Warn("tracker server unavailable, metrics stay local", "error", err)
		} else {
			meta.ID = run.ID
			opts.Client.CheckVersionSkew(ctx)
			sinks = append(sinks, Remote(opts.Client, run.ID))
		}
	}

	if opts.Dir != "" {
		if err := writeRunMeta(opts.Dir, meta); err != nil {
			return nil, err
		}
		fs, err := File(opts.Dir)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fs)
	}

	slog.Info("run started", "id", meta.ID, "name", meta.Name, "kind", meta.Kind)
	return &Run{ID: meta.ID, Tracker: Multi(sinks...)}, nil
}

func writeRunMeta(dir string, meta api.Run) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	bts, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "run.json"), bts, 0o644)
}
