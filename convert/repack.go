package convert

import (
	"fmt"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
)

// transpose reorients a [dim, vocab] matrix into row-major [vocab, dim].
func transpose(mat *matrix) (*matrix, error) {
	n := tensor.New(tensor.WithShape(mat.rows, mat.cols), tensor.WithBacking(mat.data))
	if err := n.T(); err != nil {
		return nil, fmt.Errorf("transpose %dx%d matrix: %w", mat.rows, mat.cols, err)
	}
	if err := n.Transpose(); err != nil {
		return nil, fmt.Errorf("transpose %dx%d matrix: %w", mat.rows, mat.cols, err)
	}

	rows, err := native.SelectF32(n, 1)
	if err != nil {
		return nil, err
	}

	out := &matrix{rows: mat.cols, cols: mat.rows, data: make([]float32, 0, mat.rows*mat.cols)}
	for _, row := range rows {
		out.data = append(out.data, row...)
	}
	return out, nil
}
