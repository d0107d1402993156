package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"

	"github.com/nv259/tensor2struct/api"
	"github.com/nv259/tensor2struct/envconfig"
)

func TestRunName(t *testing.T) {
	cases := map[string]string{
		"spider-bmaml.json":            "spider-bmaml",
		"configs/spider-bmaml.json":    "spider-bmaml",
		"/abs/path/mt-en-uniform.json": "mt-en-uniform",
		"noext":                        "noext",
	}
	for in, want := range cases {
		if got := runName(in); got != want {
			t.Errorf("runName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveLogdir(t *testing.T) {
	t.Setenv("T2S_RUNS", filepath.Join("/data", "runs"))

	if got, want := resolveLogdir("", "spider"), filepath.Join("/data", "runs", "spider"); got != want {
		t.Errorf("default logdir = %q, want %q", got, want)
	}
	if got := resolveLogdir("/tmp/explicit", "spider"); got != "/tmp/explicit" {
		t.Errorf("explicit logdir = %q, want /tmp/explicit", got)
	}
}

func TestWriteRunsTable(t *testing.T) {
	runs := []api.Run{
		{ID: "0d9c7a2e-8f3b-4f55-9d35-1f6a2f9f7f10", Name: "spider-bmaml", Kind: "bayesian_meta_train", Step: 1200, UpdatedAt: time.Now().Add(-2 * time.Hour)},
		{ID: "aa11bb22-0000-4f55-9d35-1f6a2f9f7f10", Name: "wikisql-plain", Kind: "train", Step: 40},
	}

	var b bytes.Buffer
	writeRunsTable(&b, runs, "")
	out := b.String()

	for _, want := range []string{"NAME", "KIND", "STEP", "spider-bmaml", "0d9c7a2e", "2 hours ago", "wikisql-plain", "Never"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "0d9c7a2e-8f3b") {
		t.Errorf("table should truncate IDs:\n%s", out)
	}

	b.Reset()
	writeRunsTable(&b, runs, "SPIDER")
	if out := b.String(); !strings.Contains(out, "spider-bmaml") || strings.Contains(out, "wikisql-plain") {
		t.Errorf("prefix filter not applied:\n%s", out)
	}
}

func TestLatestMetrics(t *testing.T) {
	history := []api.Metric{
		{Name: "train_loss", Step: 10, Value: 1.5},
		{Name: "val_eval_loss", Step: 0, Value: 2.0},
		{Name: "train_loss", Step: 20, Value: 0.9},
		{Name: "val_eval_loss", Step: 100, Value: 1.1},
		{Name: "inner_lr", Step: 20, Value: 0.001},
	}

	want := []api.Metric{
		{Name: "inner_lr", Step: 20, Value: 0.001},
		{Name: "train_loss", Step: 20, Value: 0.9},
		{Name: "val_eval_loss", Step: 100, Value: 1.1},
	}
	if diff := cmp.Diff(want, latestMetrics(history)); diff != "" {
		t.Errorf("latest metrics mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteRunDetail(t *testing.T) {
	run := &api.Run{
		ID:        "0d9c7a2e-8f3b-4f55-9d35-1f6a2f9f7f10",
		Name:      "spider-bmaml",
		Kind:      "bayesian_meta_train",
		Step:      1200,
		CreatedAt: time.Now().Add(-26 * time.Hour),
	}

	var b bytes.Buffer
	writeRunDetail(&b, run, []api.Metric{
		{Name: "train_loss", Step: 1200, Value: 0.412},
	})
	out := b.String()

	for _, want := range []string{"Run", "spider-bmaml", run.ID, "bayesian_meta_train", "1200", "Metrics", "train_loss", "0.412", "(step 1200)"} {
		if !strings.Contains(out, want) {
			t.Errorf("detail missing %q:\n%s", want, out)
		}
	}
}

func trackerStub(t *testing.T, runs []api.Run) *api.Client {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/runs", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.ListRunsResponse{Runs: runs})
	})
	mux.HandleFunc("/api/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		for _, run := range runs {
			if run.ID == r.PathValue("id") {
				json.NewEncoder(w).Encode(run)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "run not found"})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	base, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	return api.NewClient(base, srv.Client())
}

func TestResolveRun(t *testing.T) {
	runs := []api.Run{
		{ID: "0d9c7a2e-8f3b-4f55-9d35-1f6a2f9f7f10", Name: "spider-bmaml"},
		{ID: "0daaaaaa-0000-4f55-9d35-1f6a2f9f7f10", Name: "wikisql-plain"},
	}
	client := trackerStub(t, runs)

	t.Run("exact id", func(t *testing.T) {
		run, err := resolveRun(t.Context(), client, runs[0].ID)
		if err != nil {
			t.Fatal(err)
		}
		if run.Name != "spider-bmaml" {
			t.Errorf("got run %q", run.Name)
		}
	})

	t.Run("id prefix", func(t *testing.T) {
		run, err := resolveRun(t.Context(), client, "0d9c")
		if err != nil {
			t.Fatal(err)
		}
		if run.Name != "spider-bmaml" {
			t.Errorf("got run %q", run.Name)
		}
	})

	t.Run("name", func(t *testing.T) {
		run, err := resolveRun(t.Context(), client, "wikisql-plain")
		if err != nil {
			t.Fatal(err)
		}
		if run.ID != runs[1].ID {
			t.Errorf("got run %q", run.ID)
		}
	})

	t.Run("ambiguous prefix", func(t *testing.T) {
		_, err := resolveRun(t.Context(), client, "0d")
		if err == nil || !strings.Contains(err.Error(), "ambiguous") {
			t.Errorf("want ambiguity error, got %v", err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		_, err := resolveRun(t.Context(), client, "nope")
		if err == nil || !strings.Contains(err.Error(), "not found") {
			t.Errorf("want not-found error, got %v", err)
		}
	})
}

func TestCheckServerHeartbeat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(srv.Close)
	t.Setenv("T2S_HOST", srv.URL)

	cmd := &cobra.Command{}
	cmd.SetContext(t.Context())
	if err := checkServerHeartbeat(cmd, nil); err != nil {
		t.Errorf("heartbeat against live server: %v", err)
	}

	srv.Close()
	if err := checkServerHeartbeat(cmd, nil); err == nil || !strings.Contains(err.Error(), "tensor2struct serve") {
		t.Errorf("want hint to start the tracker, got %v", err)
	}
}

func TestAppendEnvDocs(t *testing.T) {
	cmd := &cobra.Command{Use: "train"}
	envVars := envconfig.AsMap()
	appendEnvDocs(cmd, []envconfig.EnvVar{envVars["T2S_HOST"], envVars["T2S_RUNS"]})

	usage := cmd.UsageString()
	for _, want := range []string{"Environment Variables:", "T2S_HOST", "T2S_RUNS"} {
		if !strings.Contains(usage, want) {
			t.Errorf("usage missing %q:\n%s", want, usage)
		}
	}
}

func TestNewCLICommands(t *testing.T) {
	root := NewCLI()

	want := []string{"train", "evaluate", "convert", "serve", "runs", "show", "version"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered: %v", name, err)
		}
	}
}
