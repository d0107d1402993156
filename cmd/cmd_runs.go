package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/nv259/tensor2struct/api"
	"github.com/nv259/tensor2struct/envconfig"
	"github.com/nv259/tensor2struct/format"
)

func checkServerHeartbeat(cmd *cobra.Command, _ []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}
	if err := client.Heartbeat(cmd.Context()); err != nil {
		return fmt.Errorf("no tracker at %s, start one with `tensor2struct serve`: %w", envconfig.Host(), err)
	}
	return nil
}

// RunsHandler lists runs known to the tracker, optionally filtered by a
// name prefix.
func RunsHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	runs, err := client.ListRuns(cmd.Context())
	if err != nil {
		return err
	}

	var prefix string
	if len(args) > 0 {
		prefix = args[0]
	}
	writeRunsTable(os.Stdout, runs.Runs, prefix)
	return nil
}

func writeRunsTable(w io.Writer, runs []api.Run, prefix string) {
	var data [][]string

	for _, r := range runs {
		if prefix == "" || strings.HasPrefix(strings.ToLower(r.Name), strings.ToLower(prefix)) {
			id := r.ID
			if len(id) > 8 {
				id = id[:8]
			}
			data = append(data, []string{
				r.Name,
				id,
				r.Kind,
				strconv.Itoa(r.Step),
				format.HumanTime(r.UpdatedAt, "Never"),
			})
		}
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"NAME", "ID", "KIND", "STEP", "UPDATED"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

// resolveRun fetches a run by exact ID, falling back to a unique ID prefix
// or name match; the runs table truncates IDs to eight characters.
func resolveRun(ctx context.Context, client *api.Client, ref string) (*api.Run, error) {
	run, err := client.GetRun(ctx, ref)

	var se api.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		return run, err
	}

	runs, err := client.ListRuns(ctx)
	if err != nil {
		return nil, err
	}

	var matches []api.Run
	for _, r := range runs.Runs {
		if strings.HasPrefix(r.ID, ref) || r.Name == ref {
			matches = append(matches, r)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("run %q not found", ref)
	case 1:
		return &matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID[:min(8, len(m.ID))]
		}
		return nil, fmt.Errorf("run %q is ambiguous: %s", ref, strings.Join(ids, ", "))
	}
}

// ShowHandler prints one run with the latest value of each metric, or the
// full history of a single metric with --metric.
func ShowHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	run, err := resolveRun(cmd.Context(), client, args[0])
	if err != nil {
		return err
	}

	metric, err := cmd.Flags().GetString("metric")
	if err != nil {
		return err
	}

	metrics, err := client.Metrics(cmd.Context(), run.ID, metric)
	if err != nil {
		return err
	}

	if metric != "" {
		writeMetricHistory(os.Stdout, metrics.Metrics)
		return nil
	}

	writeRunDetail(os.Stdout, run, metrics.Metrics)
	return nil
}

func writeRunDetail(w io.Writer, run *api.Run, metrics []api.Metric) {
	tableRender := func(header string, rows func() [][]string) {
		fmt.Fprintln(w, " ", header)
		table := tablewriter.NewWriter(w)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetBorder(false)
		table.SetNoWhiteSpace(true)
		table.SetTablePadding("    ")
		table.AppendBulk(rows())
		table.Render()
		fmt.Fprintln(w)
	}

	tableRender("Run", func() (rows [][]string) {
		rows = append(rows, []string{"", "name", run.Name})
		rows = append(rows, []string{"", "id", run.ID})
		rows = append(rows, []string{"", "kind", run.Kind})
		rows = append(rows, []string{"", "step", strconv.Itoa(run.Step)})
		rows = append(rows, []string{"", "created", format.HumanTime(run.CreatedAt, "Never")})
		rows = append(rows, []string{"", "updated", format.HumanTime(run.UpdatedAt, "Never")})
		if h := run.Host; h != nil {
			rows = append(rows, []string{"", "host", fmt.Sprintf("%s (%s/%s, %d CPU)", h.Hostname, h.OS, h.Arch, h.NumCPU)})
		}
		return
	})

	if len(metrics) == 0 {
		return
	}

	tableRender("Metrics", func() (rows [][]string) {
		for _, m := range latestMetrics(metrics) {
			rows = append(rows, []string{
				"",
				m.Name,
				strconv.FormatFloat(m.Value, 'g', 6, 64),
				fmt.Sprintf("(step %d)", m.Step),
			})
		}
		return
	})
}

// latestMetrics reduces a history to the most recent observation of each
// metric, sorted by name.
func latestMetrics(metrics []api.Metric) []api.Metric {
	latest := make(map[string]api.Metric)
	for _, m := range metrics {
		if prev, ok := latest[m.Name]; !ok || m.Step >= prev.Step {
			latest[m.Name] = m
		}
	}

	names := make([]string, 0, len(latest))
	for name := range latest {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]api.Metric, 0, len(names))
	for _, name := range names {
		out = append(out, latest[name])
	}
	return out
}

func writeMetricHistory(w io.Writer, metrics []api.Metric) {
	var data [][]string
	for _, m := range metrics {
		data = append(data, []string{
			strconv.Itoa(m.Step),
			strconv.FormatFloat(m.Value, 'g', 6, 64),
		})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"STEP", "VALUE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

func newRunsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "runs [PREFIX]",
		Aliases: []string{"ls"},
		Short:   "List runs on the tracker",
		Args:    cobra.MaximumNArgs(1),
		PreRunE: checkServerHeartbeat,
		RunE:    RunsHandler,
	}
}

func newShowCmd() *cobra.Command {
	showCmd := &cobra.Command{
		Use:     "show RUN",
		Short:   "Show a run and its metrics",
		Args:    cobra.ExactArgs(1),
		PreRunE: checkServerHeartbeat,
		RunE:    ShowHandler,
	}

	showCmd.Flags().String("metric", "", "Print the full history of one metric")

	return showCmd
}
