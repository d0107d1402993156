// Package cmd assembles the tensor2struct command line: training and
// evaluation drivers, the embedding converter, the experiment tracker
// server and the client commands that query it.
package cmd

import (
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/containerd/console"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nv259/tensor2struct/envconfig"
)

// appendEnvDocs lists the environment variables a command honors at the
// end of its usage text.
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	if runtime.GOOS == "windows" && term.IsTerminal(int(os.Stdout.Fd())) {
		console.ConsoleFromFile(os.Stdin) //nolint:errcheck
	}

	rootCmd := &cobra.Command{
		Use:           "tensor2struct",
		Short:         "Meta-learning trainer for text-to-SQL parsers",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			if version, _ := cmd.Flags().GetBool("version"); version {
				versionHandler(cmd, args)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	trainCmd := newTrainCmd()
	evaluateCmd := newEvaluateCmd()
	convertCmd := newConvertCmd()
	serveCmd := newServeCmd()
	runsCmd := newRunsCmd()
	showCmd := newShowCmd()
	versionCmd := newVersionCmd()

	envVars := envconfig.AsMap()
	envs := []envconfig.EnvVar{envVars["T2S_HOST"]}

	for _, cmd := range []*cobra.Command{
		trainCmd,
		evaluateCmd,
		runsCmd,
		showCmd,
		serveCmd,
	} {
		switch cmd {
		case trainCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["T2S_DEBUG"],
				envVars["T2S_HOST"],
				envVars["T2S_RUNS"],
				envVars["T2S_SEED"],
				envVars["T2S_THREADS"],
				envVars["T2S_OFFLINE"],
				envVars["T2S_AUTH"],
			})
		case serveCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["T2S_DEBUG"],
				envVars["T2S_HOST"],
				envVars["T2S_RUNS"],
				envVars["T2S_ORIGINS"],
				envVars["T2S_AUTH"],
			})
		default:
			appendEnvDocs(cmd, envs)
		}
	}

	rootCmd.AddCommand(
		trainCmd,
		evaluateCmd,
		convertCmd,
		serveCmd,
		runsCmd,
		showCmd,
		versionCmd,
	)

	return rootCmd
}
