// Package optimize implements the parallel producer that turns user inputs
// into chunks (optimize) or arbitrary files (map), coordinating many worker
// shards and merging their per-worker indices into one global manifest.
package optimize

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/ltdc/ltdc/internal/chunk"
	"github.com/ltdc/ltdc/internal/codec"
	"github.com/ltdc/ltdc/internal/errs"
	"github.com/ltdc/ltdc/internal/index"
	"github.com/ltdc/ltdc/internal/objstore"
	"github.com/ltdc/ltdc/internal/observability"
	"github.com/ltdc/ltdc/internal/ratelimit"
)

// UserFn produces zero or more samples from one input item. A nil error
// with an empty slice means the item legitimately yielded nothing.
type UserFn func(item any) ([]codec.Sample, error)

// MapFn produces one arbitrary output file from one input item.
type MapFn func(item any) (filename string, data []byte, err error)

// Partition assigns each of n input positions to one of numShards shards
// via a hash of its position, so re-running with the same n and numShards
// reproduces the identical assignment regardless of process count or
// scheduling order.
func Partition(n, numShards int) [][]int {
	shards := make([][]int, numShards)
	for i := 0; i < n; i++ {
		var buf [8]byte
		put64(buf[:], uint64(i))
		shard := int(xxhash.Sum64(buf[:]) % uint64(numShards))
		shards[shard] = append(shards[shard], i)
	}
	return shards
}

func put64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// callWithRetry invokes fn, retrying up to maxRetries additional times on
// error before giving up; a UserFnError failure aborts the whole job, it is
// never swallowed or skipped.
func callWithRetry(fn UserFn, item any, itemIndex, maxRetries int, m *observability.Metrics) ([]codec.Sample, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		samples, err := fn(item)
		if err == nil {
			if attempt > 0 && m != nil {
				m.RecordUserFnRetry("recovered")
			}
			return samples, nil
		}
		lastErr = err
		if attempt < maxRetries && m != nil {
			m.RecordUserFnRetry("retried")
		}
	}
	if m != nil {
		m.RecordUserFnRetry("exhausted")
	}
	return nil, errs.UserFn(uint64(itemIndex), maxRetries, lastErr)
}

func callMapWithRetry(fn MapFn, item any, itemIndex, maxRetries int, m *observability.Metrics) (string, []byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		name, data, err := fn(item)
		if err == nil {
			if attempt > 0 && m != nil {
				m.RecordUserFnRetry("recovered")
			}
			return name, data, nil
		}
		lastErr = err
		if attempt < maxRetries && m != nil {
			m.RecordUserFnRetry("retried")
		}
	}
	if m != nil {
		m.RecordUserFnRetry("exhausted")
	}
	return "", nil, errs.UserFn(uint64(itemIndex), maxRetries, lastErr)
}

// WorkerParams configures one optimize worker's shard.
type WorkerParams struct {
	WorkerID   int // flat id used for partial-index ordering and coordination key
	Items      []any
	Fn         UserFn
	LocalDir   string // scratch dir for chunk files before upload
	ChunkPrefix string // store prefix chunk files are uploaded under
	Schema     []codec.FieldSchema
	Registry   *codec.Registry
	ChunkOpts  chunk.WriterOptions
	Store      objstore.Store
	Pacer      *ratelimit.TokenBucket // paces uploads to respect upload_concurrency
	MaxFnRetries int
	CoordinationPrefix string // e.g. "_partials"
	JobID      string                 // tags this run's partial index so a stale one from a prior run is never merged into it
	Metrics    *observability.Metrics // optional; nil disables instrumentation
	Logger     *observability.Logger  // optional; nil disables per-chunk/progress logging
	ProgressEvery int                 // log JobProgress every N items; 0 disables it
}

// RunWorker consumes one worker's shard of items, writing produced samples
// into chunks, uploading each chunk as soon as it closes, and publishing a
// partial index to the coordination prefix once the shard is exhausted.
// Any UserFnError aborts immediately without uploading a partial index, per
// the fail-fast-the-whole-job policy.
func RunWorker(ctx context.Context, p WorkerParams) (index.PartialIndex, error) {
	var descriptors []chunk.Descriptor
	var uploadErr error

	onClose := func(d chunk.Descriptor) error {
		path := filepath.Join(p.LocalDir, d.Filename)
		data, err := os.ReadFile(path)
		if err != nil {
			return errs.IO(path, 0, err)
		}
		if p.Logger != nil {
			p.Logger.ChunkClosed(d.ChunkID, d.Samples, d.Bytes)
		}
		if p.Pacer != nil {
			p.Pacer.Wait(1)
		}
		key := p.ChunkPrefix + "/" + d.Filename
		if err := p.Store.Put(ctx, key, data); err != nil {
			uploadErr = err
			return err
		}
		if p.Metrics != nil {
			p.Metrics.RecordChunkWritten(d.Bytes)
		}
		if p.Logger != nil {
			p.Logger.ChunkUploaded(d.ChunkID, key, d.Bytes, 0)
		}
		descriptors = append(descriptors, d)
		// only after a successful upload does the local file become
		// eligible for deletion.
		os.Remove(path)
		return nil
	}

	w, err := chunk.NewWriter(p.LocalDir, p.Schema, p.Registry, p.ChunkOpts, onClose)
	if err != nil {
		return index.PartialIndex{}, err
	}

	jobID := fmt.Sprintf("worker-%d", p.WorkerID)
	start := time.Now()
	for i, item := range p.Items {
		select {
		case <-ctx.Done():
			return index.PartialIndex{}, errs.IO("", 0, ctx.Err())
		default:
		}

		samples, err := callWithRetry(p.Fn, item, i, p.MaxFnRetries, p.Metrics)
		if err != nil {
			return index.PartialIndex{}, err
		}
		for _, s := range samples {
			if err := w.Add(s); err != nil {
				return index.PartialIndex{}, err
			}
		}
		if p.Logger != nil && p.ProgressEvery > 0 && (i+1)%p.ProgressEvery == 0 {
			p.Logger.JobProgress(jobID, i+1, len(p.Items), time.Since(start))
		}
	}
	if err := w.Close(); err != nil {
		return index.PartialIndex{}, err
	}
	if uploadErr != nil {
		return index.PartialIndex{}, uploadErr
	}

	chunkDescs := make([]index.ChunkDescriptor, len(descriptors))
	for i, d := range descriptors {
		chunkDescs[i] = index.ChunkDescriptor{
			ID:       d.ChunkID,
			Filename: d.Filename,
			Bytes:    d.Bytes,
			Samples:  d.Samples,
			First:    d.FirstSample,
			Last:     d.LastSample,
			BLAKE3:   d.BLAKE3,
		}
	}
	partial := index.PartialIndex{
		WorkerID:    p.WorkerID,
		Schema:      p.Schema,
		Compression: compressionName(p.ChunkOpts.Compression),
		Chunks:      chunkDescs,
	}

	body, err := json.Marshal(partial)
	if err != nil {
		return index.PartialIndex{}, errs.Format("", err)
	}
	coordKey := fmt.Sprintf("%s/worker-%d-%s.json", p.CoordinationPrefix, p.WorkerID, p.JobID)
	if err := p.Store.Put(ctx, coordKey, body); err != nil {
		return index.PartialIndex{}, err
	}
	return partial, nil
}

func compressionName(c chunk.Compression) string {
	switch c {
	case chunk.CompressionZstd:
		return "zstd"
	case chunk.CompressionLZ4:
		return "lz4"
	default:
		return ""
	}
}

// MapWorkerParams configures one map worker's shard.
type MapWorkerParams struct {
	WorkerID     int
	Items        []any
	Fn           MapFn
	OutputPrefix string
	Store        objstore.Store
	Pacer        *ratelimit.TokenBucket
	MaxFnRetries int
	Metrics      *observability.Metrics // optional; nil disables instrumentation
	Logger       *observability.Logger  // optional; nil disables progress logging
	ProgressEvery int                   // log JobProgress every N items; 0 disables it
}

// RunMapWorker consumes one worker's shard, uploading each fn's output
// directly as an arbitrary file under OutputPrefix. There is no chunk
// writer and no partial index: map outputs are not part of a dataset.
func RunMapWorker(ctx context.Context, p MapWorkerParams) error {
	jobID := fmt.Sprintf("worker-%d", p.WorkerID)
	start := time.Now()
	for i, item := range p.Items {
		select {
		case <-ctx.Done():
			return errs.IO("", 0, ctx.Err())
		default:
		}
		name, data, err := callMapWithRetry(p.Fn, item, i, p.MaxFnRetries, p.Metrics)
		if err != nil {
			return err
		}
		if p.Pacer != nil {
			p.Pacer.Wait(1)
		}
		key := p.OutputPrefix + "/" + name
		if err := p.Store.Put(ctx, key, data); err != nil {
			return err
		}
		if p.Logger != nil && p.ProgressEvery > 0 && (i+1)%p.ProgressEvery == 0 {
			p.Logger.JobProgress(jobID, i+1, len(p.Items), time.Since(start))
		}
	}
	return nil
}

// MergeParams configures the leader's post-production merge pass.
type MergeParams struct {
	Store              objstore.Store
	CoordinationPrefix string
	IndexKey           string
	NumShards          int
	ConfigHash         string
	JobID              string // only partials tagged with this run's job id are merged; others are stale leftovers
	PollInterval       time.Duration
	Timeout            time.Duration
	Metrics            *observability.Metrics // optional; nil disables instrumentation
}

// MergeLeader waits for every worker's partial index to appear under
// CoordinationPrefix, merges them into the global index, writes it to
// IndexKey, then removes the partial objects. Only the designated leader
// (rank 0, node 0) calls this; other ranks simply poll for IndexKey to
// exist.
//
// CoordinationPrefix may still hold partial-index objects orphaned by a
// prior run that crashed or timed out before cleanup; listings are
// filtered to JobID's own suffix so a stale partial is never folded into
// a new run's index.
func MergeLeader(ctx context.Context, p MergeParams) (index.Index, error) {
	start := time.Now()
	deadline := start.Add(p.Timeout)
	suffix := fmt.Sprintf("-%s.json", p.JobID)
	var keys []string
	for {
		listed, err := p.Store.List(ctx, p.CoordinationPrefix)
		if err != nil {
			return index.Index{}, err
		}
		var current []string
		for _, k := range listed {
			if strings.HasSuffix(k, suffix) {
				current = append(current, k)
			}
		}
		if len(current) >= p.NumShards {
			keys = current
			break
		}
		if time.Now().After(deadline) {
			if p.Metrics != nil {
				p.Metrics.RecordIndexMerge(false, time.Since(start).Seconds())
			}
			return index.Index{}, errs.IO(p.CoordinationPrefix, 0,
				fmt.Errorf("index merge timeout: %d/%d partial indices present for job %s", len(current), p.NumShards, p.JobID))
		}
		select {
		case <-ctx.Done():
			return index.Index{}, errs.IO("", 0, ctx.Err())
		case <-time.After(p.PollInterval):
		}
	}

	partials := make([]index.PartialIndex, 0, len(keys))
	for _, key := range keys {
		body, err := p.Store.Get(ctx, key)
		if err != nil {
			return index.Index{}, err
		}
		var partial index.PartialIndex
		if err := json.Unmarshal(body, &partial); err != nil {
			return index.Index{}, errs.Format(key, err)
		}
		partials = append(partials, partial)
	}

	merged, err := index.Merge(partials, p.ConfigHash)
	if err != nil {
		return index.Index{}, err
	}

	body, err := index.Marshal(merged)
	if err != nil {
		return index.Index{}, err
	}
	if err := p.Store.Put(ctx, p.IndexKey, body); err != nil {
		return index.Index{}, err
	}
	for _, key := range keys {
		p.Store.Delete(ctx, key)
	}
	if p.Metrics != nil {
		p.Metrics.RecordIndexMerge(true, time.Since(start).Seconds())
	}
	return merged, nil
}

// WaitForIndex polls until IndexKey exists, for non-leader ranks that need
// to block until the merge has completed before reading the dataset.
func WaitForIndex(ctx context.Context, store objstore.Store, indexKey string, pollInterval, timeout time.Duration) (index.Index, error) {
	deadline := time.Now().Add(timeout)
	for {
		body, err := store.Get(ctx, indexKey)
		if err == nil {
			return index.Unmarshal(body)
		}
		if time.Now().After(deadline) {
			return index.Index{}, errs.IO(indexKey, 0, fmt.Errorf("timed out waiting for index merge"))
		}
		select {
		case <-ctx.Done():
			return index.Index{}, errs.IO("", 0, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}
