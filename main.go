package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/nv259/tensor2struct/cmd"
)

func main() {
	cobra.CheckErr(cmd.NewCLI().ExecuteContext(context.Background()))
}
