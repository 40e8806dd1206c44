// Package assign implements the deterministic sample assignment
// algorithm: given a dataset's chunk layout, a world size, an epoch, and
// a seed, it produces a fixed ordered list of sample ids for every
// (rank, worker) pair with chunk-aligned partitioning, optional seeded
// shuffling, and round-robin chunk distribution.
package assign

import (
	"encoding/binary"
	"math/rand"

	"github.com/cespare/xxhash/v2"

	"github.com/ltdc/ltdc/internal/errs"
)

// ChunkRange is the sample id span one chunk covers, in dataset order.
type ChunkRange struct {
	ChunkID uint64
	First   uint64
	Last    uint64 // inclusive
}

func (c ChunkRange) samples() []uint64 {
	out := make([]uint64, 0, c.Last-c.First+1)
	for s := c.First; s <= c.Last; s++ {
		out = append(out, s)
	}
	return out
}

// Params bundles the assignment inputs named in the algorithm:
// world size, epoch, seed, and the shuffle/drop_last flags.
type Params struct {
	WorldSize int
	Epoch     uint64
	Seed      uint64
	Shuffle   bool
	DropLast  bool
}

// seededHash derives a deterministic uint64 from an arbitrary number of
// uint64 components, used both for the chunk-order permutation seed and
// the per-chunk intra-chunk permutation seed.
func seededHash(parts ...uint64) uint64 {
	buf := make([]byte, 8*len(parts))
	for i, p := range parts {
		binary.LittleEndian.PutUint64(buf[8*i:8*i+8], p)
	}
	return xxhash.Sum64(buf)
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewSource(int64(seed)))
}

// permute returns a random permutation of [0,n) driven by r.
func permute(r *rand.Rand, n int) []int {
	p := r.Perm(n)
	return p
}

// Assign computes the per-worker sample id list for every worker in
// [0, p.WorldSize), given chunks in ascending chunk-id order covering
// exactly [0, N).
func Assign(chunks []ChunkRange, p Params) ([][]uint64, error) {
	if p.WorldSize <= 0 {
		return nil, errs.Assignment(errs.Config("assign: world size must be positive, got %d", p.WorldSize))
	}
	ordered := make([]ChunkRange, len(chunks))
	copy(ordered, chunks)

	if p.Shuffle {
		orderSeed := seededHash(p.Seed, p.Epoch)
		perm := permute(newRand(orderSeed), len(ordered))
		shuffled := make([]ChunkRange, len(ordered))
		for i, j := range perm {
			shuffled[i] = ordered[j]
		}
		ordered = shuffled
	}

	perWorker := make([][]uint64, p.WorldSize)
	for i, c := range ordered {
		worker := i % p.WorldSize
		samples := c.samples()
		if p.Shuffle {
			intraSeed := seededHash(p.Seed, p.Epoch, c.ChunkID)
			r := newRand(intraSeed)
			perm := permute(r, len(samples))
			reordered := make([]uint64, len(samples))
			for k, j := range perm {
				reordered[k] = samples[j]
			}
			samples = reordered
		}
		perWorker[worker] = append(perWorker[worker], samples...)
	}

	if p.DropLast {
		min := -1
		for _, w := range perWorker {
			if min == -1 || len(w) < min {
				min = len(w)
			}
		}
		for i := range perWorker {
			perWorker[i] = perWorker[i][:min]
		}
		return perWorker, nil
	}

	max := 0
	for _, w := range perWorker {
		if len(w) > max {
			max = len(w)
		}
	}
	for i, w := range perWorker {
		if len(w) == 0 || len(w) == max {
			continue
		}
		padded := make([]uint64, max)
		copy(padded, w)
		for j := len(w); j < max; j++ {
			padded[j] = w[j%len(w)]
		}
		perWorker[i] = padded
	}
	return perWorker, nil
}
