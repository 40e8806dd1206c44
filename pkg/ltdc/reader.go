// Package ltdc is the public entry point tying the dataset's internal
// components -- object store, chunk format, cache, prefetch, and
// deterministic sample assignment -- into a StreamingDataset reader and a
// single-process Writer.
package ltdc

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/ltdc/ltdc/internal/assign"
	"github.com/ltdc/ltdc/internal/cache"
	"github.com/ltdc/ltdc/internal/codec"
	"github.com/ltdc/ltdc/internal/config"
	"github.com/ltdc/ltdc/internal/errs"
	"github.com/ltdc/ltdc/internal/index"
	"github.com/ltdc/ltdc/internal/objstore"
	"github.com/ltdc/ltdc/internal/observability"
	"github.com/ltdc/ltdc/internal/prefetch"
	"github.com/ltdc/ltdc/internal/trace"
)

// checkpointEvery bounds how often a resumed cursor is written: too often
// and every sample pays a boltdb fsync, too rarely and a crash loses more
// progress than necessary.
const checkpointEvery = 64

// ReaderParams identifies one (rank, worker) consumer of a dataset within
// a distributed training job and where its local chunk cache lives.
type ReaderParams struct {
	Rank           int // this process's rank, 0-indexed
	WorldSizeRanks int // total number of ranks; 0 treated as 1
	WorkerID       int // this dataloader worker's index within the rank
	NumWorkers     int // dataloader workers per rank; 0 treated as 1
	CacheDir       string
	Window         int // prefetch window; 0 uses prefetch's default
	Metrics        *observability.Metrics // optional; nil disables instrumentation
	TracePath      string // where ProfileBatches writes its Chrome trace; defaults to "result.json" in CacheDir
	EncryptionKey  []byte // required if the dataset's chunks were written with encryption
	IVBase         [12]byte
}

func (p ReaderParams) normalized() ReaderParams {
	if p.WorldSizeRanks <= 0 {
		p.WorldSizeRanks = 1
	}
	if p.NumWorkers <= 0 {
		p.NumWorkers = 1
	}
	return p
}

func (p ReaderParams) consumerIndex() int {
	return p.Rank*p.NumWorkers + p.WorkerID
}

func (p ReaderParams) worldSize() int {
	return p.WorldSizeRanks * p.NumWorkers
}

// StreamingDataset reads one (rank, worker)'s deterministic assignment of
// a dataset, prefetching chunks ahead of the foreground decode path and
// optionally checkpointing its position so a restarted job resumes
// mid-epoch instead of from scratch.
type StreamingDataset struct {
	ctx      context.Context
	store    objstore.Store
	registry *codec.Registry
	cfg      config.ReaderConfig
	params   ReaderParams
	resume   *ResumeStore

	idx    index.Index
	ranges []assign.ChunkRange // sorted ascending by First, covers [0, N)

	epoch      uint64
	assignment []uint64 // this consumer's sample ids for the current epoch
	pos        int       // next unread index into assignment
	sinceCkpt  int

	cache *cache.Cache
	pf    *prefetch.Prefetcher
	trace *trace.Recorder // non-nil only when cfg.ProfileBatches > 0
}

// Open loads a dataset's index.json from store and builds a
// StreamingDataset positioned at the start of epoch 0, or at a previously
// checkpointed (epoch, position) if resume is non-nil and holds one for
// this (rank, worker).
func Open(ctx context.Context, store objstore.Store, registry *codec.Registry, cfg config.ReaderConfig, params ReaderParams, resume *ResumeStore) (*StreamingDataset, error) {
	params = params.normalized()
	if params.CacheDir == "" {
		return nil, errs.Config("ltdc: reader cache_dir is required")
	}

	raw, err := store.Get(ctx, "index.json")
	if err != nil {
		return nil, err
	}
	idx, err := index.Unmarshal(raw)
	if err != nil {
		return nil, err
	}
	ranges, filenames := chunkRangesAndFilenames(idx)

	ds := &StreamingDataset{
		ctx:      ctx,
		store:    store,
		registry: registry,
		cfg:      cfg,
		params:   params,
		resume:   resume,
		idx:      idx,
		ranges:   ranges,
	}

	epoch := uint64(0)
	pos := 0
	if resume != nil {
		if c, found, err := resume.Load(params.Rank, params.WorkerID); err != nil {
			return nil, err
		} else if found {
			epoch = c.Epoch
			pos = c.Position
		}
	}

	fetcher := func(ctx context.Context, chunkID uint64) ([]byte, error) {
		filename, ok := filenames[chunkID]
		if !ok {
			return nil, errUnknownChunk(chunkID)
		}
		data, err := store.Get(ctx, filename)
		if err != nil {
			return nil, err
		}
		if params.Metrics != nil {
			params.Metrics.RecordChunkDownloaded(int64(len(data)))
		}
		return data, nil
	}
	c, err := cache.New(params.CacheDir, cfg.MaxCacheSizeBytes, fetcher)
	if err != nil {
		return nil, err
	}
	c.SetMetrics(params.Metrics)
	ds.cache = c

	if cfg.ProfileBatches > 0 {
		tracePath := params.TracePath
		if tracePath == "" {
			tracePath = filepath.Join(params.CacheDir, "result.json")
		}
		ds.trace = trace.NewRecorder(tracePath, cfg.ProfileBatches*2)
	}

	if err := ds.startEpoch(epoch, pos); err != nil {
		c.Close()
		return nil, err
	}
	return ds, nil
}

// startEpoch computes this consumer's assignment for epoch, seeks to pos
// within it, and starts a fresh prefetcher over the remainder.
func (ds *StreamingDataset) startEpoch(epoch uint64, pos int) error {
	assignment, err := assign.Assign(ds.ranges, assign.Params{
		WorldSize: ds.params.worldSize(),
		Epoch:     epoch,
		Seed:      ds.cfg.Seed,
		Shuffle:   ds.cfg.Shuffle,
		DropLast:  ds.cfg.DropLast,
	})
	if err != nil {
		return err
	}
	idx := ds.params.consumerIndex()
	if idx >= len(assignment) {
		return errs.Assignment(errs.Config("ltdc: consumer index %d out of range for world size %d", idx, len(assignment)))
	}
	ids := assignment[idx]
	if pos > len(ids) {
		pos = len(ids)
	}

	steps := make([]prefetch.Step, 0, len(ids)-pos)
	for _, sampleID := range ids[pos:] {
		step, ok := lookupStep(ds.ranges, sampleID)
		if !ok {
			return errs.Assignment(errs.Config("ltdc: sample id %d not covered by any chunk", sampleID))
		}
		steps = append(steps, step)
	}

	ds.epoch = epoch
	ds.assignment = ids
	ds.pos = pos
	ds.sinceCkpt = 0
	ds.pf = prefetch.NewWithOptions(ds.ctx, steps, ds.cache, ds.registry, ds.idx.Schema, prefetch.Options{
		Window:        ds.params.Window,
		Trace:         ds.trace,
		EncryptionKey: ds.params.EncryptionKey,
		IVBase:        ds.params.IVBase,
		Metrics:       ds.params.Metrics,
	})
	return nil
}

// Next returns the next sample in assignment order. done=true means the
// current epoch is exhausted; call NextEpoch to continue.
func (ds *StreamingDataset) Next() (sample codec.Sample, done bool, err error) {
	r, ok := ds.pf.Next()
	if !ok {
		return nil, true, nil
	}
	ds.pos++
	ds.sinceCkpt++
	if r.Err != nil {
		return nil, false, r.Err
	}
	if ds.sinceCkpt >= checkpointEvery {
		if cerr := ds.Checkpoint(); cerr != nil {
			return r.Sample, false, cerr
		}
	}
	return r.Sample, false, nil
}

// Checkpoint persists the current (epoch, position) so a restarted reader
// can resume from here rather than the start of the epoch. A no-op if no
// ResumeStore was supplied to Open.
func (ds *StreamingDataset) Checkpoint() error {
	ds.sinceCkpt = 0
	if ds.resume == nil {
		return nil
	}
	return ds.resume.Save(ds.params.Rank, ds.params.WorkerID, Cursor{Epoch: ds.epoch, Position: ds.pos})
}

// NextEpoch closes the current epoch's prefetcher and starts the next
// one from position 0, recomputing the (possibly reshuffled) assignment.
func (ds *StreamingDataset) NextEpoch() error {
	ds.pf.Close()
	if err := ds.startEpoch(ds.epoch+1, 0); err != nil {
		return err
	}
	return ds.Checkpoint()
}

// Epoch returns the epoch currently being read.
func (ds *StreamingDataset) Epoch() uint64 { return ds.epoch }

// Len returns the number of samples in this consumer's assignment for the
// current epoch.
func (ds *StreamingDataset) Len() int { return len(ds.assignment) }

// Close releases the prefetcher and local cache, flushing the trace file
// if ProfileBatches was enabled. It does not close the ResumeStore, which
// callers may share across several StreamingDatasets.
func (ds *StreamingDataset) Close() error {
	ds.pf.Close()
	if ds.trace != nil {
		if err := ds.trace.Close(); err != nil {
			ds.cache.Close()
			return err
		}
	}
	return ds.cache.Close()
}

func chunkRangesAndFilenames(idx index.Index) ([]assign.ChunkRange, map[uint64]string) {
	ranges := make([]assign.ChunkRange, len(idx.Chunks))
	filenames := make(map[uint64]string, len(idx.Chunks))
	for i, c := range idx.Chunks {
		ranges[i] = assign.ChunkRange{ChunkID: c.ID, First: c.First, Last: c.Last}
		filenames[c.ID] = c.Filename
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].First < ranges[j].First })
	return ranges, filenames
}

// lookupStep finds which chunk range covers sampleID, returning its
// position within that chunk. ranges must be sorted ascending by First.
func lookupStep(ranges []assign.ChunkRange, sampleID uint64) (prefetch.Step, bool) {
	i := sort.Search(len(ranges), func(i int) bool { return ranges[i].Last >= sampleID })
	if i == len(ranges) || ranges[i].First > sampleID {
		return prefetch.Step{}, false
	}
	return prefetch.Step{ChunkID: ranges[i].ChunkID, IndexInChunk: int(sampleID - ranges[i].First)}, true
}

func errUnknownChunk(chunkID uint64) error {
	return errs.Config("ltdc: no chunk with id %d in index", chunkID)
}
