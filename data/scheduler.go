package data

import (
	"fmt"
	"math/rand/v2"

	"github.com/nv259/tensor2struct/registry"
	"github.com/nv259/tensor2struct/rng"
)

// Task pairs one inner-adaptation batch with the outer batches the
// meta-update is evaluated on.
type Task struct {
	Inner Batch
	Outer []Batch
}

// Scheduler hands out the task for a given step. Results are a pure
// function of (seed, step) so interrupted runs replay identically.
type Scheduler interface {
	GetBatch(step int) (Task, error)
}

type SchedulerDeps struct {
	Dataset   *Dataset
	Seed      int64
	BatchSize int
}

var Schedulers = registry.New[SchedulerDeps, Scheduler]("data scheduler")

func NewScheduler(s registry.Section, deps SchedulerDeps) (Scheduler, error) {
	if deps.Dataset == nil || deps.Dataset.Len() == 0 {
		return nil, fmt.Errorf("data scheduler needs a non-empty dataset")
	}
	if deps.BatchSize < 1 {
		return nil, fmt.Errorf("data scheduler needs a positive batch size, got %d", deps.BatchSize)
	}
	return Schedulers.Construct(s, deps)
}

func init() {
	Schedulers.Register("domain", newDomainScheduler)
	Schedulers.Register("uniform", newUniformScheduler)
}

// domainScheduler draws the inner batch from one sampled database domain
// and each outer batch from a distinct other domain, so the meta-update
// is evaluated on databases the inner adaptation never saw.
type domainScheduler struct {
	ds        *Dataset
	streams   *rng.Streams
	batchSize int
	numOuter  int
	domains   []string
}

func newDomainScheduler(s registry.Section, deps SchedulerDeps) (Scheduler, error) {
	var params struct {
		NumOuter int `json:"num_outer,omitempty"`
	}
	if err := s.Decode(&params); err != nil {
		return nil, err
	}
	if params.NumOuter == 0 {
		params.NumOuter = 1
	}
	if params.NumOuter < 1 {
		return nil, fmt.Errorf("domain scheduler: num_outer must be positive, got %d", params.NumOuter)
	}

	domains := deps.Dataset.Domains()
	if len(domains) < 2 {
		return nil, fmt.Errorf("domain scheduler needs at least 2 database domains, have %d", len(domains))
	}
	if params.NumOuter > len(domains)-1 {
		return nil, fmt.Errorf("domain scheduler: num_outer %d exceeds available other domains %d",
			params.NumOuter, len(domains)-1)
	}

	return &domainScheduler{
		ds:        deps.Dataset,
		streams:   rng.New(deps.Seed),
		batchSize: deps.BatchSize,
		numOuter:  params.NumOuter,
		domains:   domains,
	}, nil
}

func (s *domainScheduler) GetBatch(step int) (Task, error) {
	r := s.streams.StepStream("scheduler", step)

	inner := r.IntN(len(s.domains))
	task := Task{
		Inner: s.ds.Batch(sampleExamples(r, s.ds.ByDomain(s.domains[inner]), s.batchSize)),
	}

	others := make([]string, 0, len(s.domains)-1)
	for i, db := range s.domains {
		if i != inner {
			others = append(others, db)
		}
	}
	r.Shuffle(len(others), func(i, j int) {
		others[i], others[j] = others[j], others[i]
	})
	for _, db := range others[:s.numOuter] {
		task.Outer = append(task.Outer, s.ds.Batch(sampleExamples(r, s.ds.ByDomain(db), s.batchSize)))
	}
	return task, nil
}

// uniformScheduler samples inner and outer batches uniformly over the
// whole dataset, ignoring domain boundaries.
type uniformScheduler struct {
	ds        *Dataset
	streams   *rng.Streams
	batchSize int
	numOuter  int
}

func newUniformScheduler(s registry.Section, deps SchedulerDeps) (Scheduler, error) {
	var params struct {
		NumOuter int `json:"num_outer,omitempty"`
	}
	if err := s.Decode(&params); err != nil {
		return nil, err
	}
	if params.NumOuter == 0 {
		params.NumOuter = 1
	}
	if params.NumOuter < 1 {
		return nil, fmt.Errorf("uniform scheduler: num_outer must be positive, got %d", params.NumOuter)
	}

	return &uniformScheduler{
		ds:        deps.Dataset,
		streams:   rng.New(deps.Seed),
		batchSize: deps.BatchSize,
		numOuter:  params.NumOuter,
	}, nil
}

func (s *uniformScheduler) GetBatch(step int) (Task, error) {
	r := s.streams.StepStream("scheduler", step)

	task := Task{
		Inner: s.ds.Batch(sampleExamples(r, s.ds.Examples, s.batchSize)),
	}
	for range s.numOuter {
		task.Outer = append(task.Outer, s.ds.Batch(sampleExamples(r, s.ds.Examples, s.batchSize)))
	}
	return task, nil
}

// sampleExamples draws up to n distinct examples from pool. Pools smaller
// than n are returned whole.
func sampleExamples(r *rand.Rand, pool []*Example, n int) []*Example {
	if len(pool) <= n {
		out := make([]*Example, len(pool))
		copy(out, pool)
		return out
	}

	idx := make([]int, len(pool))
	for i := range idx {
		idx[i] = i
	}
	out := make([]*Example, n)
	for i := range n {
		j := i + r.IntN(len(idx)-i)
		idx[i], idx[j] = idx[j], idx[i]
		out[i] = pool[idx[i]]
	}
	return out
}
