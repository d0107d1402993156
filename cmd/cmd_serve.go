package cmd

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/nv259/tensor2struct/api"
	"github.com/nv259/tensor2struct/auth"
	"github.com/nv259/tensor2struct/envconfig"
	"github.com/nv259/tensor2struct/server"
	"github.com/nv259/tensor2struct/version"
)

// RunServer starts the experiment tracker.
func RunServer(_ *cobra.Command, _ []string) error {
	if err := auth.InitKeypair(); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", envconfig.Host().Host)
	if err != nil {
		return err
	}

	err = server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

func versionHandler(cmd *cobra.Command, _ []string) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return
	}

	serverVersion, err := client.Version(cmd.Context())
	if err != nil {
		fmt.Println("Warning: could not connect to a running tracker instance")
	}

	if serverVersion != "" {
		fmt.Printf("tracker version is %s\n", serverVersion)
	}

	if serverVersion != version.Version {
		fmt.Printf("client version is %s\n", version.Version)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the experiment tracker",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.ExactArgs(0),
		Run:   versionHandler,
	}
}
