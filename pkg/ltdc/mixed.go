package ltdc

import (
	"github.com/ltdc/ltdc/internal/codec"
	"github.com/ltdc/ltdc/internal/errs"
	"github.com/ltdc/ltdc/internal/mixer"
)

// MixedDataset draws weighted samples across several already-open
// StreamingDatasets, picking which one serves the next sample with a PRNG
// reseeded from (seed, draw index) so the source sequence is reproducible
// independent of how fast any one dataset's chunks happen to download.
// Each underlying dataset advances its own epoch automatically when
// exhausted, so a MixedDataset never itself runs out -- Next only reports
// done if every dataset fails to produce a sample on the same draw.
type MixedDataset struct {
	datasets []*StreamingDataset
	mx       *mixer.Mixer
}

// NewMixedDataset builds a MixedDataset over datasets weighted by
// weights, which need not already sum to 1. Each dataset keeps whatever
// (rank, worker) assignment it was opened with; the mixer only decides
// draw order across them, not within one.
func NewMixedDataset(datasets []*StreamingDataset, weights []float64, seed uint64) (*MixedDataset, error) {
	if len(datasets) == 0 {
		return nil, errs.Config("ltdc: mixed dataset requires at least one underlying dataset")
	}
	sources := make([]mixer.Source, len(datasets))
	for i := range datasets {
		// each dataset loops its own epochs forever from MixedDataset's
		// point of view, so the mixer's per-source exhaustion bookkeeping
		// is irrelevant here: a source that never reports !ok.
		sources[i] = mixer.NewWrappingSource(1, mixer.Wrap)
	}
	mx, err := mixer.New(sources, weights, seed)
	if err != nil {
		return nil, err
	}
	return &MixedDataset{datasets: datasets, mx: mx}, nil
}

// Next draws a source by weight and returns its next sample, advancing
// that source past its epoch boundary transparently. done is true only
// if every dataset returned done on its turn this call (in practice,
// unreachable unless every underlying dataset has zero samples).
func (m *MixedDataset) Next() (sample codec.Sample, done bool, err error) {
	for attempt := 0; attempt < len(m.datasets); attempt++ {
		idx, _, ok := m.mx.Next()
		if !ok {
			continue
		}
		ds := m.datasets[idx]
		s, dsDone, err := ds.Next()
		if err != nil {
			return nil, false, err
		}
		if !dsDone {
			return s, false, nil
		}
		if err := ds.NextEpoch(); err != nil {
			return nil, false, err
		}
		s, dsDone, err = ds.Next()
		if err != nil {
			return nil, false, err
		}
		if !dsDone {
			return s, false, nil
		}
		// this dataset has zero samples even after a fresh epoch; try
		// another weighted draw instead of returning a bogus sample.
	}
	return nil, true, nil
}

// Close closes every underlying dataset.
func (m *MixedDataset) Close() error {
	var first error
	for _, ds := range m.datasets {
		if err := ds.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
