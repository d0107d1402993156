package eval

import (
	"fmt"

	"github.com/emirpasic/gods/v2/queues/priorityqueue"

	"github.com/nv259/tensor2struct/data"
	"github.com/nv259/tensor2struct/model"
	"github.com/nv259/tensor2struct/vocab"
)

// hypothesis is a partial decode: the action ids chosen so far and their
// accumulated log-probability.
type hypothesis struct {
	ids   []int
	score float64
	done  bool
}

// bestFirst orders hypotheses by descending score.
func bestFirst(a, b hypothesis) int {
	switch {
	case a.score > b.score:
		return -1
	case a.score < b.score:
		return 1
	default:
		return 0
	}
}

func (h hypothesis) extend(id int, score float64, done bool) hypothesis {
	ids := make([]int, 0, len(h.ids)+1)
	ids = append(ids, h.ids...)
	if !done {
		ids = append(ids, id)
	}
	return hypothesis{ids: ids, score: h.score + score, done: done}
}

// Greedy decodes by always taking the most probable next action, up to
// maxLen actions.
func Greedy(m model.Model, ex *data.Example, schema *data.Schema, maxLen int) ([]string, error) {
	actions := m.Actions()

	var ids []int
	for range maxLen {
		scores, err := m.ActionScores(ex, schema, ids)
		if err != nil {
			return nil, err
		}
		if len(scores) != actions.Len() {
			return nil, fmt.Errorf("model returned %d scores for %d actions", len(scores), actions.Len())
		}

		best := 0
		for id, s := range scores {
			if s > scores[best] {
				best = id
			}
		}
		if best == vocab.EosID {
			break
		}
		ids = append(ids, best)
	}

	return tokensOf(actions, ids), nil
}

// Beam decodes with a fixed-width beam over summed log-probabilities. A
// width of one is greedy search paying for a priority queue.
func Beam(m model.Model, ex *data.Example, schema *data.Schema, maxLen, width int) ([]string, error) {
	if width <= 1 {
		return Greedy(m, ex, schema, maxLen)
	}
	actions := m.Actions()

	live := []hypothesis{{}}
	completed := priorityqueue.NewWith(bestFirst)

	for range maxLen {
		if len(live) == 0 {
			break
		}

		candidates := priorityqueue.NewWith(bestFirst)
		for _, h := range live {
			scores, err := m.ActionScores(ex, schema, h.ids)
			if err != nil {
				return nil, err
			}
			if len(scores) != actions.Len() {
				return nil, fmt.Errorf("model returned %d scores for %d actions", len(scores), actions.Len())
			}
			for id, s := range scores {
				candidates.Enqueue(h.extend(id, s, id == vocab.EosID))
			}
		}

		live = live[:0]
		for len(live) < width {
			h, ok := candidates.Dequeue()
			if !ok {
				break
			}
			if h.done {
				completed.Enqueue(h)
				continue
			}
			live = append(live, h)
		}
	}

	// unfinished beams compete too, in case nothing reached end-of-sequence
	for _, h := range live {
		completed.Enqueue(h)
	}

	best, ok := completed.Dequeue()
	if !ok {
		return nil, nil
	}
	return tokensOf(actions, best.ids), nil
}

func tokensOf(actions *vocab.Vocab, ids []int) []string {
	toks := make([]string, 0, len(ids))
	for _, id := range ids {
		toks = append(toks, actions.Token(id))
	}
	return toks
}
