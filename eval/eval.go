// Package eval measures parser quality: it decodes action sequences for
// held-out examples and scores them against the gold annotations, overall
// and per database.
package eval

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/olekukonko/tablewriter"

	"github.com/nv259/tensor2struct/data"
	"github.com/nv259/tensor2struct/model"
)

// Options control decoding and how much of the dataset is scored.
type Options struct {
	// Beam is the beam width; one or less decodes greedily.
	Beam int

	// MaxLen caps decoded sequence length.
	MaxLen int

	// Limit caps how many examples are scored. Zero scores all.
	Limit int
}

// Prediction is one decoded example with its scores.
type Prediction struct {
	DB         string
	Question   string
	Gold       []string
	Actions    []string
	Exact      bool
	Similarity float64
}

// DBReport aggregates scores for one database.
type DBReport struct {
	DB         string
	Count      int
	Exact      float64
	Similarity float64
}

// Report aggregates scores for an evaluation pass.
type Report struct {
	Count      int
	Exact      float64
	Similarity float64
	Databases  []DBReport
}

// Evaluate decodes and scores examples from the dataset. The context stops
// a long evaluation between examples.
func Evaluate(ctx context.Context, m model.Model, ds *data.Dataset, opts Options) (*Report, []Prediction, error) {
	if opts.MaxLen <= 0 {
		opts.MaxLen = 200
	}

	examples := ds.Head(opts.Limit)
	if len(examples) == 0 {
		return nil, nil, fmt.Errorf("no examples to evaluate")
	}

	preds := make([]Prediction, 0, len(examples))
	for _, ex := range examples {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		schema := ds.Schema(ex.DB)
		actions, err := Beam(m, ex, schema, opts.MaxLen, opts.Beam)
		if err != nil {
			return nil, nil, fmt.Errorf("decode %q: %w", ex.Question, err)
		}

		preds = append(preds, Prediction{
			DB:         ex.DB,
			Question:   ex.Question,
			Gold:       ex.Actions,
			Actions:    actions,
			Exact:      slices.Equal(actions, ex.Actions),
			Similarity: Similarity(ex.Actions, actions),
		})
	}

	return report(preds), preds, nil
}

// Similarity is a Levenshtein-based score in [0, 1]: one for an exact
// match, falling with edit distance relative to sequence length.
func Similarity(gold, pred []string) float64 {
	a := strings.Join(gold, " ")
	b := strings.Join(pred, " ")
	if a == "" && b == "" {
		return 1
	}

	n := utf8.RuneCountInString(a)
	if m := utf8.RuneCountInString(b); m > n {
		n = m
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(n)
}

func report(preds []Prediction) *Report {
	type sums struct {
		count int
		exact int
		sim   float64
	}

	total := sums{}
	byDB := make(map[string]*sums)
	for _, p := range preds {
		s := byDB[p.DB]
		if s == nil {
			s = &sums{}
			byDB[p.DB] = s
		}
		s.count++
		total.count++
		if p.Exact {
			s.exact++
			total.exact++
		}
		s.sim += p.Similarity
		total.sim += p.Similarity
	}

	r := &Report{
		Count:      total.count,
		Exact:      float64(total.exact) / float64(total.count),
		Similarity: total.sim / float64(total.count),
	}
	for db, s := range byDB {
		r.Databases = append(r.Databases, DBReport{
			DB:         db,
			Count:      s.count,
			Exact:      float64(s.exact) / float64(s.count),
			Similarity: s.sim / float64(s.count),
		})
	}
	slices.SortFunc(r.Databases, func(a, b DBReport) int { return strings.Compare(a.DB, b.DB) })
	return r
}

// Render writes the report as a table, one row per database plus a total.
func (r *Report) Render(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"DATABASE", "EXAMPLES", "EXACT", "SIMILARITY"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")

	for _, db := range r.Databases {
		table.Append([]string{
			db.DB,
			fmt.Sprintf("%d", db.Count),
			fmt.Sprintf("%.1f%%", 100*db.Exact),
			fmt.Sprintf("%.3f", db.Similarity),
		})
	}
	table.Append([]string{
		"TOTAL",
		fmt.Sprintf("%d", r.Count),
		fmt.Sprintf("%.1f%%", 100*r.Exact),
		fmt.Sprintf("%.3f", r.Similarity),
	})
	table.Render()
}
