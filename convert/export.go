package convert

import (
	"bufio"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/nv259/tensor2struct/model"
)

// Export writes a vector table as GloVe text, one "token v1 v2 ... vD"
// line per token in sorted order. The output reads back with [Import].
// Tokens containing whitespace cannot be represented and are skipped.
func Export(w io.Writer, pre *model.Pretrained) error {
	bw := bufio.NewWriter(w)

	var skipped int
	for _, token := range slices.Sorted(maps.Keys(pre.Vectors)) {
		if strings.ContainsFunc(token, unicode.IsSpace) {
			skipped++
			continue
		}

		if _, err := bw.WriteString(token); err != nil {
			return err
		}
		for _, v := range pre.Vectors[token] {
			if err := bw.WriteByte(' '); err != nil {
				return err
			}
			if _, err := bw.WriteString(strconv.FormatFloat(v, 'g', -1, 64)); err != nil {
				return err
			}
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}

	if skipped > 0 {
		slog.Warn("skipped tokens containing whitespace", "count", skipped)
	}
	return bw.Flush()
}
