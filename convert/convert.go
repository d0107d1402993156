// Package convert imports pretrained token embeddings from external
// formats — PyTorch archives, safetensors files and GloVe text — into the
// vector table the model consumes. Matrices are reoriented to row-major
// [vocab, dim] regardless of how the source stores them.
package convert

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/nv259/tensor2struct/format"
	"github.com/nv259/tensor2struct/model"
)

// ErrNoEmbedding is returned when a source file holds no usable embedding
// matrix.
var ErrNoEmbedding = errors.New("no embedding matrix found")

// Options select and orient the source matrix.
type Options struct {
	// Key names the tensor inside a torch or safetensors file. Empty picks
	// the only two-dimensional float tensor, and fails if that is
	// ambiguous.
	Key string

	// Transpose forces a [dim, vocab] source matrix into row-major
	// [vocab, dim]. When unset the orientation is inferred from the token
	// count.
	Transpose bool
}

// Import reads an embedding file and pairs each row with the token at the
// same position in the vocabulary file (one token per line). The format
// follows the file extension: .pt/.pth/.bin are PyTorch archives,
// .safetensors is safetensors, anything else is GloVe text (which embeds
// its own tokens and needs no vocabulary file).
func Import(path, vocabPath string, opts Options) (*model.Pretrained, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pt", ".pth", ".bin":
		tokens, err := readTokens(vocabPath)
		if err != nil {
			return nil, err
		}
		mat, err := readTorch(path, opts.Key)
		if err != nil {
			return nil, err
		}
		return pair(mat, tokens, opts)
	case ".safetensors":
		tokens, err := readTokens(vocabPath)
		if err != nil {
			return nil, err
		}
		mat, err := readSafetensors(path, opts.Key)
		if err != nil {
			return nil, err
		}
		return pair(mat, tokens, opts)
	default:
		return readGlove(path)
	}
}

// matrix is a dense row-major float32 matrix.
type matrix struct {
	rows, cols int
	data       []float32
}

// pair aligns matrix rows with tokens, transposing if the orientation
// calls for it, and builds the vector table.
func pair(mat *matrix, tokens []string, opts Options) (*model.Pretrained, error) {
	if opts.Transpose || (mat.rows != len(tokens) && mat.cols == len(tokens)) {
		t, err := transpose(mat)
		if err != nil {
			return nil, err
		}
		mat = t
	}

	if mat.rows != len(tokens) {
		return nil, fmt.Errorf("embedding matrix has %d rows for %d tokens", mat.rows, len(tokens))
	}

	pre := &model.Pretrained{
		Dim:     mat.cols,
		Vectors: make(map[string][]float64, mat.rows),
	}
	for i, tok := range tokens {
		row := make([]float64, mat.cols)
		for j, v := range mat.data[i*mat.cols : (i+1)*mat.cols] {
			row[j] = float64(v)
		}
		pre.Vectors[tok] = row
	}

	slog.Info("imported embeddings",
		"tokens", format.HumanNumber(uint64(mat.rows)),
		"dim", mat.cols)
	return pre, nil
}
