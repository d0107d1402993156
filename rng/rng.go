// Package rng provides named deterministic random streams. Model
// initialization, particle sampling and task selection each draw from their
// own stream so that editing one part of a config does not reshuffle the
// randomness of the others, and so any step can be replayed in isolation.
package rng

import (
	"hash/fnv"
	"math/rand/v2"
)

type Streams struct {
	seed uint64
}

func New(seed int64) *Streams {
	return &Streams{seed: uint64(seed)}
}

func (s *Streams) Seed() int64 {
	return int64(s.seed)
}

// Stream returns a generator for the named stream. The same (seed, name)
// pair always yields the same sequence.
func (s *Streams) Stream(name string) *rand.Rand {
	return rand.New(rand.NewPCG(s.seed, hashName(name)))
}

// StepStream returns a generator keyed by (seed, name, step). Schedulers use
// it so task selection at step N is reproducible without replaying steps
// 0..N-1.
func (s *Streams) StepStream(name string, step int) *rand.Rand {
	return rand.New(rand.NewPCG(s.seed^uint64(step)*0x9e3779b97f4a7c15, hashName(name)))
}

func hashName(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return h.Sum64()
}
