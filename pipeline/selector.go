// Package pipeline orchestrates the two batch phases of the benchmark:
// sampling regression posteriors into chains, and training the density
// models on those chains.
package pipeline

import (
	"hash/fnv"
	"math/rand"
	"sort"

	"github.com/n0madic/go-density-bench/store"
)

// Selector makes the seeded random choices of phase 1. Every choice is a
// pure function of the seed and its inputs, so the order in which tasks
// run never changes what gets sampled.
type Selector struct {
	Seed  int64
	Count int // models per dataset
}

// Shuffle returns a seeded permutation of ids. The input is not modified.
func (s Selector) Shuffle(ids []string) []string {
	out := append([]string(nil), ids...)
	rng := rand.New(rand.NewSource(s.Seed))
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// Models picks up to Count of names for datasetID.
func (s Selector) Models(datasetID string, names []string) []string {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	rng := rand.New(rand.NewSource(taskSeed(s.Seed, datasetID)))
	rng.Shuffle(len(sorted), func(i, j int) { sorted[i], sorted[j] = sorted[j], sorted[i] })
	return sorted[:min(max(s.Count, 0), len(sorted))]
}

// taskSeed mixes seed with the FNV-1a hash of key.
func taskSeed(seed int64, key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return seed ^ int64(h.Sum64())
}

var preprocessCycle = []store.Preprocess{
	store.PreprocessOneHot,
	store.PreprocessStandardized,
	store.PreprocessRobust,
	store.PreprocessWhitened,
}

// PreprocessFor assigns the preprocessing variant of the i-th shuffled
// dataset.
func PreprocessFor(i int) store.Preprocess {
	return preprocessCycle[((i%4)+4)%4]
}
