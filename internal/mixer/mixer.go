// Package mixer implements the combined dataset mixer: weighted draws
// across several underlying sample sources, each with its own
// independent cursor, reproducible from a seed and a global step.
package mixer

import (
	"encoding/binary"
	"math/rand"

	"github.com/cespare/xxhash/v2"

	"github.com/ltdc/ltdc/internal/errs"
)

// Source is one underlying stream a Mixer draws from: Next returns the
// next sample id from this source's own cursor, wrapping to the start
// when exhausted if the source chooses to (the mixer itself doesn't
// enforce wrap-vs-stop; that's a per-source policy).
type Source interface {
	// Next returns the next sample id, or ok=false if this source is
	// exhausted and configured to stop rather than wrap.
	Next() (id uint64, ok bool)
}

// OnExhausted controls what happens when a Source reports exhaustion.
type OnExhausted int

const (
	Wrap OnExhausted = iota
	Stop
)

// WrappingSource adapts a fixed-length dataset into a Source, wrapping
// its cursor back to 0 on exhaustion (the default) or, when Stop is
// configured, reporting !ok on that call and every later one.
type WrappingSource struct {
	Length  int
	Policy  OnExhausted
	cursor  int
	stopped bool
}

func NewWrappingSource(length int, policy OnExhausted) *WrappingSource {
	return &WrappingSource{Length: length, Policy: policy}
}

func (s *WrappingSource) Next() (uint64, bool) {
	if s.Length == 0 || s.stopped {
		return 0, false
	}
	if s.cursor >= s.Length {
		if s.Policy == Stop {
			s.stopped = true
			return 0, false
		}
		s.cursor = 0
	}
	id := uint64(s.cursor)
	s.cursor++
	return id, true
}

// Mixer draws from multiple Sources, weighted, with the drawn source
// selected by a PRNG seeded from (seed, global_step) at every draw.
type Mixer struct {
	sources []Source
	weights []float64
	seed    uint64
	step    uint64
}

// New builds a Mixer. weights need not be pre-normalized; New normalizes
// them to sum to 1.
func New(sources []Source, weights []float64, seed uint64) (*Mixer, error) {
	if len(sources) == 0 {
		return nil, errs.Config("mixer: at least one source is required")
	}
	if len(sources) != len(weights) {
		return nil, errs.Config("mixer: %d sources but %d weights", len(sources), len(weights))
	}
	var sum float64
	for _, w := range weights {
		if w < 0 {
			return nil, errs.Config("mixer: weights must be non-negative")
		}
		sum += w
	}
	if sum <= 0 {
		return nil, errs.Config("mixer: weights must sum to a positive value")
	}
	normalized := make([]float64, len(weights))
	for i, w := range weights {
		normalized[i] = w / sum
	}
	return &Mixer{sources: sources, weights: normalized, seed: seed}, nil
}

// Next draws one sample: picks a source by weight using a PRNG seeded
// from (seed, global_step), advances that source's own cursor, and
// returns (sourceIndex, sampleID). Returns ok=false only if the drawn
// source is exhausted and configured to stop.
func (m *Mixer) Next() (sourceIndex int, sampleID uint64, ok bool) {
	drawSeed := stepSeed(m.seed, m.step)
	m.step++
	r := rand.New(rand.NewSource(int64(drawSeed)))
	x := r.Float64()

	idx := len(m.weights) - 1
	var cum float64
	for i, w := range m.weights {
		cum += w
		if x < cum {
			idx = i
			break
		}
	}

	id, sok := m.sources[idx].Next()
	if !sok {
		return idx, 0, false
	}
	return idx, id, true
}

func stepSeed(seed, step uint64) uint64 {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], seed)
	binary.LittleEndian.PutUint64(buf[8:16], step)
	return xxhash.Sum64(buf)
}
