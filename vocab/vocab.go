// Package vocab maps tokens to dense ids for model embeddings. Vocabularies
// are built once from corpus counts, persisted as JSON next to the dataset,
// and never mutated during training.
package vocab

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

const (
	Pad = "<pad>"
	Unk = "<unk>"
	Bos = "<s>"
	Eos = "</s>"
)

// PadID, UnkID, BosID and EosID are fixed by construction order.
const (
	PadID = iota
	UnkID
	BosID
	EosID
)

type Vocab struct {
	tokens []string
	index  map[string]int
}

// Builder accumulates token counts before the vocabulary is frozen.
type Builder struct {
	counts map[string]int
}

func NewBuilder() *Builder {
	return &Builder{counts: make(map[string]int)}
}

func (b *Builder) Add(tok string) {
	b.counts[tok]++
}

func (b *Builder) AddAll(toks []string) {
	for _, t := range toks {
		b.counts[t]++
	}
}

// Build freezes the vocabulary. Tokens below minFreq are dropped and map to
// <unk>. Ordering is deterministic: specials first, then by descending
// count, ties broken lexically.
func (b *Builder) Build(minFreq int) *Vocab {
	if minFreq < 1 {
		minFreq = 1
	}

	type entry struct {
		tok   string
		count int
	}
	entries := make([]entry, 0, len(b.counts))
	for tok, c := range b.counts {
		if c >= minFreq {
			entries = append(entries, entry{tok, c})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].tok < entries[j].tok
	})

	v := &Vocab{index: make(map[string]int, len(entries)+4)}
	for _, tok := range []string{Pad, Unk, Bos, Eos} {
		v.index[tok] = len(v.tokens)
		v.tokens = append(v.tokens, tok)
	}
	for _, e := range entries {
		if _, ok := v.index[e.tok]; ok {
			continue
		}
		v.index[e.tok] = len(v.tokens)
		v.tokens = append(v.tokens, e.tok)
	}
	return v
}

func (v *Vocab) Len() int {
	return len(v.tokens)
}

// Index returns the id of tok, or the <unk> id for unknown tokens.
func (v *Vocab) Index(tok string) int {
	if id, ok := v.index[tok]; ok {
		return id
	}
	return UnkID
}

func (v *Vocab) Contains(tok string) bool {
	_, ok := v.index[tok]
	return ok
}

// Token returns the token for id, or <unk> when out of range.
func (v *Vocab) Token(id int) string {
	if id < 0 || id >= len(v.tokens) {
		return Unk
	}
	return v.tokens[id]
}

// Indices maps every token, unknowns included.
func (v *Vocab) Indices(toks []string) []int {
	ids := make([]int, len(toks))
	for i, t := range toks {
		ids[i] = v.Index(t)
	}
	return ids
}

func (v *Vocab) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.tokens)
}

func (v *Vocab) UnmarshalJSON(data []byte) error {
	var tokens []string
	if err := json.Unmarshal(data, &tokens); err != nil {
		return err
	}
	if len(tokens) < 4 || tokens[PadID] != Pad || tokens[UnkID] != Unk {
		return fmt.Errorf("vocab: missing special tokens")
	}

	v.tokens = tokens
	v.index = make(map[string]int, len(tokens))
	for i, t := range tokens {
		if _, ok := v.index[t]; ok {
			return fmt.Errorf("vocab: duplicate token %q", t)
		}
		v.index[t] = i
	}
	return nil
}

func (v *Vocab) Save(path string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func Load(path string) (*Vocab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocab: %w", err)
	}

	var v Vocab
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse vocab %s: %w", path, err)
	}
	return &v, nil
}
