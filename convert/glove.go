package convert

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/nv259/tensor2struct/format"
	"github.com/nv259/tensor2struct/model"
)

// readGlove parses GloVe text: one "token v1 v2 ... vD" line per word.
// A word2vec-style "count dim" first line is skipped. All vectors must
// share one dimensionality.
func readGlove(path string) (*model.Pretrained, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pre := &model.Pretrained{Vectors: make(map[string][]float64)}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)

	lineno := 0
	for sc.Scan() {
		lineno++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}

		// word2vec files start with "count dim"
		if lineno == 1 && len(fields) == 2 {
			if _, err := strconv.Atoi(fields[0]); err == nil {
				continue
			}
		}

		if len(fields) < 2 {
			return nil, fmt.Errorf("line %d: no vector after token", lineno)
		}

		vec := make([]float64, len(fields)-1)
		for i, field := range fields[1:] {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad value %q: %w", lineno, field, err)
			}
			vec[i] = v
		}

		if pre.Dim == 0 {
			pre.Dim = len(vec)
		} else if len(vec) != pre.Dim {
			return nil, fmt.Errorf("line %d: vector has %d values, file uses %d", lineno, len(vec), pre.Dim)
		}

		pre.Vectors[fields[0]] = vec
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(pre.Vectors) == 0 {
		return nil, ErrNoEmbedding
	}

	slog.Info("imported embeddings",
		"tokens", format.HumanNumber(uint64(len(pre.Vectors))),
		"dim", pre.Dim)
	return pre, nil
}
