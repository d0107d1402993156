package eval

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nv259/tensor2struct/data"
	"github.com/nv259/tensor2struct/model"
	"github.com/nv259/tensor2struct/nn"
	"github.com/nv259/tensor2struct/vocab"
)

// scriptModel returns scripted log-probabilities per decoded prefix.
type scriptModel struct {
	actions *vocab.Vocab
	scores  map[string][]float64
}

func (s *scriptModel) ActionScores(ex *data.Example, schema *data.Schema, prefix []int) ([]float64, error) {
	if scores, ok := s.scores[fmt.Sprint(prefix)]; ok {
		return scores, nil
	}
	return s.dist(), nil
}

// dist is a flat floor distribution.
func (s *scriptModel) dist(pairs ...any) []float64 {
	scores := make([]float64, s.actions.Len())
	for i := range scores {
		scores[i] = -12
	}
	for i := 0; i < len(pairs); i += 2 {
		scores[pairs[i].(int)] = math.Log(pairs[i+1].(float64))
	}
	return scores
}

func (s *scriptModel) Loss(data.Batch) (float64, error)         { return 0, nil }
func (s *scriptModel) LossBackward(data.Batch) (float64, error) { return 0, nil }
func (s *scriptModel) Actions() *vocab.Vocab                    { return s.actions }
func (s *scriptModel) Parameters() nn.Params                    { return nil }
func (s *scriptModel) EncoderParameters() nn.Params             { return nil }
func (s *scriptModel) AlignerParameters() nn.Params             { return nil }
func (s *scriptModel) DecoderParameters() nn.Params             { return nil }
func (s *scriptModel) PretrainedParameters() nn.Params          { return nil }

var _ model.Model = (*scriptModel)(nil)

// newGardenPath builds a model where the greedy first choice leads to a
// low-probability dead end and the runner-up leads to a high-probability
// completion.
func newGardenPath(t *testing.T) *scriptModel {
	t.Helper()

	b := vocab.NewBuilder()
	for i, tok := range []string{"a", "b", "c"} {
		for range 3 - i {
			b.Add(tok)
		}
	}
	actions := b.Build(1)

	a, bID, c := actions.Index("a"), actions.Index("b"), actions.Index("c")
	s := &scriptModel{actions: actions}
	s.scores = map[string][]float64{
		fmt.Sprint([]int(nil)): s.dist(a, 0.50, bID, 0.49),
		fmt.Sprint([]int{a}): s.dist(vocab.EosID, 0.30, a, 0.25),
		fmt.Sprint([]int{bID}): s.dist(c, 0.98),
		fmt.Sprint([]int{bID, c}): s.dist(vocab.EosID, 0.99),
		fmt.Sprint([]int{a, a}): s.dist(vocab.EosID, 0.99),
	}
	return s
}

func TestGreedyFollowsArgmax(t *testing.T) {
	m := newGardenPath(t)

	got, err := Greedy(m, &data.Example{}, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a"}, got); diff != "" {
		t.Errorf("greedy decode mismatch (-want +got):\n%s", diff)
	}
}

func TestBeamEscapesGardenPath(t *testing.T) {
	m := newGardenPath(t)

	got, err := Beam(m, &data.Example{}, nil, 10, 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"b", "c"}, got); diff != "" {
		t.Errorf("beam decode mismatch (-want +got):\n%s", diff)
	}
}

func TestBeamHonorsMaxLen(t *testing.T) {
	m := newGardenPath(t)

	got, err := Beam(m, &data.Example{}, nil, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) > 1 {
		t.Errorf("decode exceeded max length: %v", got)
	}
}

func TestSimilarity(t *testing.T) {
	cases := []struct {
		name       string
		gold, pred []string
		want       float64
	}{
		{"identical", []string{"select", "col0"}, []string{"select", "col0"}, 1},
		{"both empty", nil, nil, 1},
		{"one edit", []string{"select", "from", "t"}, []string{"select", "from", "u"}, 1 - 1.0/13},
		{"disjoint", []string{"aa"}, []string{"zz"}, 0},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got := Similarity(tt.gold, tt.pred)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("similarity = %v, want %v", got, tt.want)
			}
		})
	}
}

func writeEvalDataset(t *testing.T) *data.Dataset {
	t.Helper()

	shard := map[string]any{
		"schemas": []map[string]any{
			{"db_id": "concerts", "tables": []map[string]any{{"name": "stadium", "columns": []map[string]any{{"name": "id"}}}}},
			{"db_id": "pets", "tables": []map[string]any{{"name": "owner", "columns": []map[string]any{{"name": "id"}}}}},
		},
		"examples": []map[string]any{
			{"db_id": "concerts", "question": "how many stadiums", "actions": []string{"b", "c"}},
			{"db_id": "pets", "question": "how many owners", "actions": []string{"b", "a"}},
		},
	}

	bts, err := json.Marshal(shard)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "dev.json")
	if err := os.WriteFile(path, bts, 0o644); err != nil {
		t.Fatal(err)
	}

	ds, err := data.Load(t.Context(), []string{path})
	if err != nil {
		t.Fatal(err)
	}
	return ds
}

func TestEvaluateReportsPerDatabase(t *testing.T) {
	m := newGardenPath(t)
	ds := writeEvalDataset(t)

	report, preds, err := Evaluate(t.Context(), m, ds, Options{Beam: 2})
	if err != nil {
		t.Fatal(err)
	}

	if report.Count != 2 {
		t.Fatalf("count = %d, want 2", report.Count)
	}
	if math.Abs(report.Exact-0.5) > 1e-9 {
		t.Errorf("exact = %v, want 0.5", report.Exact)
	}
	if len(preds) != 2 || !preds[0].Exact || preds[1].Exact {
		t.Errorf("predictions = %+v", preds)
	}

	if len(report.Databases) != 2 {
		t.Fatalf("databases = %+v", report.Databases)
	}
	if report.Databases[0].DB != "concerts" || report.Databases[0].Exact != 1 {
		t.Errorf("concerts row = %+v", report.Databases[0])
	}
	if report.Databases[1].DB != "pets" || report.Databases[1].Exact != 0 {
		t.Errorf("pets row = %+v", report.Databases[1])
	}

	var buf bytes.Buffer
	report.Render(&buf)
	out := buf.String()
	for _, want := range []string{"concerts", "pets", "TOTAL", "50.0%"} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered report is missing %q:\n%s", want, out)
		}
	}
}
