package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nv259/tensor2struct/convert"
	"github.com/nv259/tensor2struct/envconfig"
	"github.com/nv259/tensor2struct/format"
	"github.com/nv259/tensor2struct/logutil"
)

// ConvertHandler imports an embedding file and reports its shape, so a
// source checks out before a long training run depends on it. With --out
// the table is rewritten as GloVe text, which needs no separate vocabulary
// file on later imports.
func ConvertHandler(cmd *cobra.Command, args []string) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))

	vocabPath, err := cmd.Flags().GetString("vocab")
	if err != nil {
		return err
	}
	key, err := cmd.Flags().GetString("key")
	if err != nil {
		return err
	}
	transpose, err := cmd.Flags().GetBool("transpose")
	if err != nil {
		return err
	}

	pre, err := convert.Import(args[0], vocabPath, convert.Options{
		Key:       key,
		Transpose: transpose,
	})
	if err != nil {
		return err
	}

	fmt.Printf("%s tokens, %d dimensions\n", format.HumanNumber(uint64(len(pre.Vectors))), pre.Dim)

	out, err := cmd.Flags().GetString("out")
	if err != nil || out == "" {
		return err
	}

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := convert.Export(f, pre); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", out)
	return nil
}

func newConvertCmd() *cobra.Command {
	convertCmd := &cobra.Command{
		Use:   "convert EMBEDDINGS",
		Short: "Import pretrained embeddings and check their shape",
		Args:  cobra.ExactArgs(1),
		RunE:  ConvertHandler,
	}

	convertCmd.Flags().String("vocab", "", "Token file pairing rows of a torch or safetensors matrix (one token per line)")
	convertCmd.Flags().String("key", "", "Tensor name inside the source file (default: the only 2D float tensor)")
	convertCmd.Flags().Bool("transpose", false, "Treat the source matrix as [dim, vocab]")
	convertCmd.Flags().String("out", "", "Rewrite the table as GloVe text to this path")

	return convertCmd
}
