package convert

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// readTokens reads a vocabulary file, one token per line, preserving row
// order.
func readTokens(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("a vocabulary file is required for this format")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var tokens []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		tokens = append(tokens, strings.TrimRight(sc.Text(), "\r\n"))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("vocabulary file %s is empty", path)
	}
	return tokens, nil
}

// readTorch loads a PyTorch archive and extracts the embedding matrix.
func readTorch(path, key string) (*matrix, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load torch archive: %w", err)
	}

	tensors := make(map[string]*pytorch.Tensor)
	collectTensors(obj, "", tensors)
	if len(tensors) == 0 {
		return nil, ErrNoEmbedding
	}

	t, err := selectTensor(tensors, key)
	if err != nil {
		return nil, err
	}
	return tensorMatrix(t)
}

// collectTensors walks nested state dicts, flattening keys with dots.
func collectTensors(obj any, prefix string, out map[string]*pytorch.Tensor) {
	add := func(k, v any) {
		name, ok := k.(string)
		if !ok {
			return
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		switch v := v.(type) {
		case *pytorch.Tensor:
			out[name] = v
		default:
			collectTensors(v, name, out)
		}
	}

	switch obj := obj.(type) {
	case *types.OrderedDict:
		for _, entry := range obj.List {
			add(entry.Key, entry.Value)
		}
	case *types.Dict:
		for _, entry := range *obj {
			add(entry.Key, entry.Value)
		}
	}
}

// selectTensor picks the tensor named by key, or the single 2-D float
// tensor when no key is given.
func selectTensor(tensors map[string]*pytorch.Tensor, key string) (*pytorch.Tensor, error) {
	if key != "" {
		t, ok := tensors[key]
		if !ok {
			return nil, fmt.Errorf("tensor %q not found in archive", key)
		}
		return t, nil
	}

	var found *pytorch.Tensor
	var names []string
	for name, t := range tensors {
		if len(t.Size) != 2 || !floatStorage(t) {
			continue
		}
		found = t
		names = append(names, name)
	}

	switch len(names) {
	case 0:
		return nil, ErrNoEmbedding
	case 1:
		return found, nil
	default:
		return nil, fmt.Errorf("archive has %d candidate matrices %v, pick one with --key", len(names), names)
	}
}

func floatStorage(t *pytorch.Tensor) bool {
	switch t.Source.(type) {
	case *pytorch.FloatStorage, *pytorch.HalfStorage, *pytorch.DoubleStorage:
		return true
	default:
		return false
	}
}

// tensorMatrix copies a 2-D torch tensor into a dense row-major matrix,
// honoring storage offset and strides.
func tensorMatrix(t *pytorch.Tensor) (*matrix, error) {
	if len(t.Size) != 2 {
		return nil, fmt.Errorf("embedding tensor must be 2-D, got shape %v", t.Size)
	}

	var src []float32
	switch storage := t.Source.(type) {
	case *pytorch.FloatStorage:
		src = storage.Data
	case *pytorch.HalfStorage:
		src = storage.Data
	case *pytorch.DoubleStorage:
		src = make([]float32, len(storage.Data))
		for i, v := range storage.Data {
			src[i] = float32(v)
		}
	default:
		return nil, fmt.Errorf("unsupported tensor storage %T", t.Source)
	}

	rows, cols := t.Size[0], t.Size[1]
	rowStride, colStride := cols, 1
	if len(t.Stride) == 2 {
		rowStride, colStride = t.Stride[0], t.Stride[1]
	}

	mat := &matrix{rows: rows, cols: cols, data: make([]float32, rows*cols)}
	for i := range rows {
		for j := range cols {
			idx := t.StorageOffset + i*rowStride + j*colStride
			if idx >= len(src) {
				return nil, fmt.Errorf("tensor data is shorter than its shape %v implies", t.Size)
			}
			mat.data[i*cols+j] = src[idx]
		}
	}
	return mat, nil
}
