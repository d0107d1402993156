// Package data loads text-to-SQL datasets and serves batches to training.
// A dataset is one or more JSON shards, each carrying database schemas and
// examples; shards load in parallel and merge in path order so the result
// is deterministic.
package data

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/nv259/tensor2struct/envconfig"
	"github.com/nv259/tensor2struct/text"
)

type Column struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`

	// Tokens is filled by Dataset.Tokenize.
	Tokens []string `json:"-"`
}

type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

type Schema struct {
	DB     string  `json:"db_id"`
	Tables []Table `json:"tables"`
}

// NumColumns counts columns across all tables.
func (s *Schema) NumColumns() int {
	var n int
	for _, t := range s.Tables {
		n += len(t.Columns)
	}
	return n
}

// Column returns the i-th column in table order.
func (s *Schema) Column(i int) *Column {
	for ti := range s.Tables {
		cols := s.Tables[ti].Columns
		if i < len(cols) {
			return &cols[i]
		}
		i -= len(cols)
	}
	return nil
}

// ColumnNames returns table-qualified names in table order.
func (s *Schema) ColumnNames() []string {
	names := make([]string, 0, s.NumColumns())
	for _, t := range s.Tables {
		for _, c := range t.Columns {
			names = append(names, t.Name+"."+c.Name)
		}
	}
	return names
}

type Example struct {
	DB       string   `json:"db_id"`
	Question string   `json:"question"`
	Query    string   `json:"query,omitempty"`
	Actions  []string `json:"actions"`

	// Tokens is filled by Dataset.Tokenize.
	Tokens []string `json:"-"`
}

type shard struct {
	Schemas  []*Schema  `json:"schemas,omitempty"`
	Examples []*Example `json:"examples"`
}

type Dataset struct {
	Examples []*Example

	schemas map[string]*Schema
	byDB    map[string][]*Example
	domains []string
}

// Load reads and merges dataset shards. Shards are fetched concurrently,
// bounded by the thread limit, but always merged in path order.
func Load(ctx context.Context, paths []string) (*Dataset, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no dataset shards given")
	}

	shards := make([]shard, len(paths))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(envconfig.Threads())
	for i, path := range paths {
		g.Go(func() error {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read shard: %w", err)
			}
			if err := json.Unmarshal(data, &shards[i]); err != nil {
				return fmt.Errorf("parse shard %s: %w", path, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	d := &Dataset{
		schemas: make(map[string]*Schema),
		byDB:    make(map[string][]*Example),
	}
	for _, sh := range shards {
		for _, sc := range sh.Schemas {
			if _, ok := d.schemas[sc.DB]; ok {
				return nil, fmt.Errorf("duplicate schema for database %q", sc.DB)
			}
			d.schemas[sc.DB] = sc
		}
		for _, ex := range sh.Examples {
			d.Examples = append(d.Examples, ex)
			d.byDB[ex.DB] = append(d.byDB[ex.DB], ex)
		}
	}

	for _, ex := range d.Examples {
		if _, ok := d.schemas[ex.DB]; !ok {
			return nil, fmt.Errorf("example references unknown database %q", ex.DB)
		}
	}

	d.domains = make([]string, 0, len(d.byDB))
	for db := range d.byDB {
		d.domains = append(d.domains, db)
	}
	sort.Strings(d.domains)
	return d, nil
}

// Tokenize fills question tokens and schema column tokens in place.
func (d *Dataset) Tokenize(tok *text.Tokenizer) {
	for _, ex := range d.Examples {
		ex.Tokens = tok.Tokenize(ex.Question)
	}
	for _, sc := range d.schemas {
		for ti := range sc.Tables {
			for ci := range sc.Tables[ti].Columns {
				c := &sc.Tables[ti].Columns[ci]
				c.Tokens = text.SplitName(c.Name)
			}
		}
	}
}

func (d *Dataset) Len() int {
	return len(d.Examples)
}

// Domains lists database ids with at least one example, sorted.
func (d *Dataset) Domains() []string {
	return d.domains
}

func (d *Dataset) ByDomain(db string) []*Example {
	return d.byDB[db]
}

func (d *Dataset) Schema(db string) *Schema {
	return d.schemas[db]
}

// Head returns up to n examples from the front, for eval subsets.
func (d *Dataset) Head(n int) []*Example {
	if n > len(d.Examples) {
		n = len(d.Examples)
	}
	return d.Examples[:n]
}

// Batch groups examples with the schemas they reference.
type Batch struct {
	Examples []*Example
	Schemas  map[string]*Schema
}

func (d *Dataset) Batch(examples []*Example) Batch {
	b := Batch{
		Examples: examples,
		Schemas:  make(map[string]*Schema),
	}
	for _, ex := range examples {
		if _, ok := b.Schemas[ex.DB]; !ok {
			b.Schemas[ex.DB] = d.schemas[ex.DB]
		}
	}
	return b
}

func (b Batch) Len() int {
	return len(b.Examples)
}
