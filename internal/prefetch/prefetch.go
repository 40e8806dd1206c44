// Package prefetch turns a worker's sample assignment into a continuous
// stream of decoded samples: a small pool of background tasks downloads
// upcoming chunks into the local cache while a single foreground path
// decodes and yields samples strictly in assignment order.
package prefetch

import (
	"context"
	"sync"
	"time"

	"github.com/ltdc/ltdc/internal/cache"
	"github.com/ltdc/ltdc/internal/chunk"
	"github.com/ltdc/ltdc/internal/codec"
	"github.com/ltdc/ltdc/internal/errs"
	"github.com/ltdc/ltdc/internal/observability"
	"github.com/ltdc/ltdc/internal/trace"
)

// Step is one assignment entry: which chunk a sample lives in, and its
// index within that chunk's payload.
type Step struct {
	ChunkID      uint64
	IndexInChunk int
}

// Result is one decoded sample handed to the consumer, in strict
// assignment order, or an error if decode/download ultimately failed.
type Result struct {
	Sample codec.Sample
	Err    error
}

// Prefetcher drives the download/decode pipeline for one worker's
// assignment.
type Prefetcher struct {
	steps         []Step
	cache         *cache.Cache
	registry      *codec.Registry
	schema        []codec.FieldSchema
	window        int
	trace         *trace.Recorder // optional; nil disables profiling
	encryptionKey []byte          // optional; nil for unencrypted chunks
	ivBase        [12]byte
	metrics       *observability.Metrics // optional; nil disables instrumentation

	ctx    context.Context
	cancel context.CancelFunc

	out chan Result
	wg  sync.WaitGroup
}

// Options configures optional Prefetcher behavior beyond the required
// steps/cache/registry/schema/window.
type Options struct {
	Window        int
	Trace         *trace.Recorder // optional; nil disables profiling
	EncryptionKey []byte          // optional; set together with IVBase to read encrypted chunks
	IVBase        [12]byte
	Metrics       *observability.Metrics // optional; nil disables instrumentation
}

// New builds a Prefetcher over steps, with at most `window` chunk
// downloads in flight at once. A download frees its slot as soon as it
// finishes, whether or not the foreground decode path has reached that
// chunk yet.
func New(ctx context.Context, steps []Step, c *cache.Cache, registry *codec.Registry, schema []codec.FieldSchema, window int) *Prefetcher {
	return NewWithOptions(ctx, steps, c, registry, schema, Options{Window: window})
}

// NewWithTrace is New with an optional trace.Recorder: when non-nil, every
// chunk download and sample decode is recorded as a Chrome trace event so
// the pipeline's stalls can be visualized after the run.
func NewWithTrace(ctx context.Context, steps []Step, c *cache.Cache, registry *codec.Registry, schema []codec.FieldSchema, window int, tr *trace.Recorder) *Prefetcher {
	return NewWithOptions(ctx, steps, c, registry, schema, Options{Window: window, Trace: tr})
}

// NewWithOptions is the fully general constructor: opts.Trace enables
// Chrome trace recording and opts.EncryptionKey/IVBase enable reading
// chunks written with per-chunk payload encryption.
func NewWithOptions(ctx context.Context, steps []Step, c *cache.Cache, registry *codec.Registry, schema []codec.FieldSchema, opts Options) *Prefetcher {
	window := opts.Window
	if window <= 0 {
		window = 2
	}
	pctx, cancel := context.WithCancel(ctx)
	p := &Prefetcher{
		steps:         steps,
		cache:         c,
		registry:      registry,
		schema:        schema,
		window:        window,
		trace:         opts.Trace,
		encryptionKey: opts.EncryptionKey,
		ivBase:        opts.IVBase,
		metrics:       opts.Metrics,
		ctx:           pctx,
		cancel:        cancel,
		out:           make(chan Result, window),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// chunkOrder returns the distinct chunk ids in the order they first
// appear in steps, preserving assignment order for the download
// scheduler.
func (p *Prefetcher) chunkOrder() []uint64 {
	var order []uint64
	seen := make(map[uint64]bool)
	for _, s := range p.steps {
		if !seen[s.ChunkID] {
			seen[s.ChunkID] = true
			order = append(order, s.ChunkID)
		}
	}
	return order
}

// run is the single foreground decode task: it walks steps in order,
// downloading ahead up to the configured window, decoding each sample as
// it's reached, and marking chunks done_with once fully consumed.
func (p *Prefetcher) run() {
	defer p.wg.Done()
	defer close(p.out)

	order := p.chunkOrder()
	paths := make(map[uint64]string)
	pathErrs := make(map[uint64]error)
	pathsMu := sync.Mutex{}
	cond := sync.NewCond(&pathsMu)

	// wake any waiter blocked in waitForPath when the pipeline is
	// cancelled, since cond.Wait alone never observes ctx.Done.
	go func() {
		<-p.ctx.Done()
		cond.Broadcast()
	}()

	sem := make(chan struct{}, p.window)

	var dlWG sync.WaitGroup
	download := func(chunkID uint64) {
		defer dlWG.Done()
		defer func() { <-sem }()
		dlStart := time.Now()
		path, err := p.cache.Get(p.ctx, chunkID)
		if p.trace != nil {
			p.trace.Record(trace.TrackDownload, "chunk_download", "download", dlStart, time.Since(dlStart),
				map[string]any{"chunk_id": chunkID})
		}
		pathsMu.Lock()
		if err != nil {
			pathErrs[chunkID] = err
		} else {
			paths[chunkID] = path
		}
		pathsMu.Unlock()
		cond.Broadcast()
	}

	go func() {
		for _, chunkID := range order {
			select {
			case sem <- struct{}{}:
			case <-p.ctx.Done():
				return
			}
			dlWG.Add(1)
			go download(chunkID)
		}
	}()

	var lastChunk *uint64
	var openedChunk *chunk.Chunk

	for _, step := range p.steps {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		if lastChunk == nil || *lastChunk != step.ChunkID {
			if lastChunk != nil {
				p.cache.Done(*lastChunk)
			}
			path, err := p.waitForPath(step.ChunkID, cond, paths, pathErrs)
			if err != nil {
				p.emit(Result{Err: err})
				return
			}
			openStart := time.Now()
			c, err := chunk.ReadFileWithKey(path, p.encryptionKey, p.ivBase)
			if p.metrics != nil && p.encryptionKey != nil {
				p.metrics.RecordCryptoOperation("chunk_decrypt", time.Since(openStart).Seconds())
			}
			if err != nil {
				p.emit(Result{Err: err})
				return
			}
			openedChunk = c
			id := step.ChunkID
			lastChunk = &id
		}

		decodeStart := time.Now()
		sample, err := openedChunk.DecodeSample(p.registry, p.schema, step.IndexInChunk)
		if p.trace != nil {
			p.trace.Record(trace.TrackDecode, "sample_decode", "decode", decodeStart, time.Since(decodeStart),
				map[string]any{"chunk_id": step.ChunkID, "index_in_chunk": step.IndexInChunk})
		}
		if !p.emit(Result{Sample: sample, Err: err}) {
			return
		}
		if err != nil {
			return
		}
	}
	if lastChunk != nil {
		p.cache.Done(*lastChunk)
	}
	dlWG.Wait()
}

// waitForPath blocks until chunkID's download completes, returning its
// local path on success or the download's error (cache-full, IOError
// after retry exhaustion, etc.) so it propagates to the consumer instead
// of spinning forever. cond is woken on every download completion and on
// pipeline cancellation.
func (p *Prefetcher) waitForPath(chunkID uint64, cond *sync.Cond, paths map[uint64]string, pathErrs map[uint64]error) (string, error) {
	cond.L.Lock()
	defer cond.L.Unlock()
	for {
		if path, ok := paths[chunkID]; ok {
			return path, nil
		}
		if err, ok := pathErrs[chunkID]; ok {
			return "", err
		}
		select {
		case <-p.ctx.Done():
			return "", errs.IO("", 0, p.ctx.Err())
		default:
		}
		cond.Wait()
	}
}

func (p *Prefetcher) emit(r Result) bool {
	select {
	case p.out <- r:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// Next blocks until the next decoded sample is available, or returns
// ok=false once the assignment is exhausted.
func (p *Prefetcher) Next() (Result, bool) {
	r, ok := <-p.out
	return r, ok
}

// Close cancels outstanding downloads and drains the pipeline; partial
// cache files left behind by an in-flight download are the cache's own
// responsibility to clean up on its next admission pass.
func (p *Prefetcher) Close() {
	p.cancel()
	p.wg.Wait()
}
