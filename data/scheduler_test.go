package data

import (
	"math/rand/v2"
	"testing"

	"github.com/nv259/tensor2struct/registry"
	"github.com/nv259/tensor2struct/rng"
)

func testRand() *rand.Rand {
	return rng.New(99).Stream("test")
}

func mustSection(t *testing.T, name string, params any) registry.Section {
	t.Helper()
	s, err := registry.SectionFor(name, params)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func taskSignature(task Task) []string {
	var sig []string
	for _, ex := range task.Inner.Examples {
		sig = append(sig, "i:"+ex.Question)
	}
	for _, b := range task.Outer {
		for _, ex := range b.Examples {
			sig = append(sig, "o:"+ex.Question)
		}
	}
	return sig
}

func TestDomainSchedulerDeterministic(t *testing.T) {
	ds := testDataset(t)
	deps := SchedulerDeps{Dataset: ds, Seed: 42, BatchSize: 2}

	a, err := NewScheduler(mustSection(t, "domain", map[string]any{"num_outer": 2}), deps)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewScheduler(mustSection(t, "domain", map[string]any{"num_outer": 2}), deps)
	if err != nil {
		t.Fatal(err)
	}

	for _, step := range []int{0, 1, 7, 500} {
		ta, err := a.GetBatch(step)
		if err != nil {
			t.Fatal(err)
		}
		tb, err := b.GetBatch(step)
		if err != nil {
			t.Fatal(err)
		}
		sa, sb := taskSignature(ta), taskSignature(tb)
		if len(sa) == 0 {
			t.Fatalf("step %d: empty task", step)
		}
		for i := range sa {
			if sa[i] != sb[i] {
				t.Fatalf("step %d not deterministic: %q vs %q", step, sa[i], sb[i])
			}
		}
	}
}

func TestDomainSchedulerSeparatesDomains(t *testing.T) {
	ds := testDataset(t)
	s, err := NewScheduler(mustSection(t, "domain", map[string]any{"num_outer": 2}),
		SchedulerDeps{Dataset: ds, Seed: 7, BatchSize: 2})
	if err != nil {
		t.Fatal(err)
	}

	for step := range 50 {
		task, err := s.GetBatch(step)
		if err != nil {
			t.Fatal(err)
		}
		if len(task.Outer) != 2 {
			t.Fatalf("step %d: %d outer batches, want 2", step, len(task.Outer))
		}

		innerDB := task.Inner.Examples[0].DB
		for _, ex := range task.Inner.Examples {
			if ex.DB != innerDB {
				t.Fatalf("step %d: inner batch mixes domains", step)
			}
		}
		seen := map[string]bool{innerDB: true}
		for _, outer := range task.Outer {
			db := outer.Examples[0].DB
			if seen[db] {
				t.Fatalf("step %d: outer domain %q repeats or matches inner", step, db)
			}
			seen[db] = true
			for _, ex := range outer.Examples {
				if ex.DB != db {
					t.Fatalf("step %d: outer batch mixes domains", step)
				}
			}
		}
	}
}

func TestDomainSchedulerRejectsSingleDomain(t *testing.T) {
	ds := testDataset(t)
	single := &Dataset{
		Examples: ds.ByDomain("pets"),
		schemas:  map[string]*Schema{"pets": ds.Schema("pets")},
		byDB:     map[string][]*Example{"pets": ds.ByDomain("pets")},
		domains:  []string{"pets"},
	}

	_, err := NewScheduler(mustSection(t, "domain", nil),
		SchedulerDeps{Dataset: single, Seed: 1, BatchSize: 2})
	if err == nil {
		t.Fatal("expected error for single-domain dataset")
	}
}

func TestDomainSchedulerRejectsTooManyOuter(t *testing.T) {
	ds := testDataset(t)
	_, err := NewScheduler(mustSection(t, "domain", map[string]any{"num_outer": 5}),
		SchedulerDeps{Dataset: ds, Seed: 1, BatchSize: 2})
	if err == nil {
		t.Fatal("expected error when num_outer exceeds other domains")
	}
}

func TestUniformScheduler(t *testing.T) {
	ds := testDataset(t)
	s, err := NewScheduler(mustSection(t, "uniform", map[string]any{"num_outer": 3}),
		SchedulerDeps{Dataset: ds, Seed: 3, BatchSize: 2})
	if err != nil {
		t.Fatal(err)
	}

	task, err := s.GetBatch(11)
	if err != nil {
		t.Fatal(err)
	}
	if task.Inner.Len() != 2 {
		t.Errorf("inner batch size = %d, want 2", task.Inner.Len())
	}
	if len(task.Outer) != 3 {
		t.Errorf("outer batches = %d, want 3", len(task.Outer))
	}

	again, err := s.GetBatch(11)
	if err != nil {
		t.Fatal(err)
	}
	sa, sb := taskSignature(task), taskSignature(again)
	for i := range sa {
		if sa[i] != sb[i] {
			t.Fatalf("uniform scheduler not deterministic at index %d", i)
		}
	}
}

func TestSampleExamplesDistinct(t *testing.T) {
	ds := testDataset(t)
	pool := ds.Examples
	r := testRand()

	got := sampleExamples(r, pool, 3)
	if len(got) != 3 {
		t.Fatalf("sampled %d, want 3", len(got))
	}
	seen := map[*Example]bool{}
	for _, ex := range got {
		if seen[ex] {
			t.Fatal("sample repeats an example")
		}
		seen[ex] = true
	}

	whole := sampleExamples(r, pool[:2], 5)
	if len(whole) != 2 {
		t.Errorf("small pool: got %d, want whole pool of 2", len(whole))
	}
}
