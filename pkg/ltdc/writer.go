package ltdc

import (
	"context"
	"os"
	"path/filepath"

	"github.com/ltdc/ltdc/internal/chunk"
	"github.com/ltdc/ltdc/internal/codec"
	"github.com/ltdc/ltdc/internal/errs"
	"github.com/ltdc/ltdc/internal/index"
	"github.com/ltdc/ltdc/internal/objstore"
	"github.com/ltdc/ltdc/internal/observability"
)

// WriterParams configures a single-process Writer: where chunks are
// staged locally, the schema/registry/chunk budget to encode under, and
// an optional object store to upload each closed chunk (and the final
// index) to. A nil Store writes a dataset entirely to LocalDir.
type WriterParams struct {
	LocalDir   string
	Store      objstore.Store
	Schema     []codec.FieldSchema
	Registry   *codec.Registry
	ChunkOpts  chunk.WriterOptions
	ConfigHash string
	Metrics    *observability.Metrics // optional; nil disables instrumentation
}

// Writer builds one dataset's chunks and final index.json in a single
// process, for callers that don't need the distributed optimize engine's
// partition/merge machinery.
type Writer struct {
	ctx    context.Context
	params WriterParams
	cw     *chunk.Writer
	closed []chunk.Descriptor
}

// NewWriter opens a Writer. Samples must be added in final dataset order;
// unlike the optimize engine's per-worker writers, there is no merge step
// to reconcile an interleaved order afterward.
func NewWriter(ctx context.Context, p WriterParams) (*Writer, error) {
	w := &Writer{ctx: ctx, params: p}
	cw, err := chunk.NewWriter(p.LocalDir, p.Schema, p.Registry, p.ChunkOpts, w.onChunkClosed)
	if err != nil {
		return nil, err
	}
	w.cw = cw
	return w, nil
}

func (w *Writer) onChunkClosed(d chunk.Descriptor) error {
	if w.params.Store != nil {
		localPath := filepath.Join(w.params.LocalDir, d.Filename)
		data, err := os.ReadFile(localPath)
		if err != nil {
			return errs.IO(localPath, 0, err)
		}
		if err := w.params.Store.Put(w.ctx, d.Filename, data); err != nil {
			return err
		}
		if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
			return errs.IO(localPath, 0, err)
		}
	}
	if w.params.Metrics != nil {
		w.params.Metrics.RecordChunkWritten(d.Bytes)
	}
	w.closed = append(w.closed, d)
	return nil
}

// Add encodes and appends one sample, closing and uploading the current
// chunk first if adding it would exceed the configured chunk budget.
func (w *Writer) Add(sample codec.Sample) error {
	return w.cw.Add(sample)
}

// Close flushes any partial chunk, builds the dataset index, and writes
// it either to LocalDir/index.json or, if a Store was configured, to
// Store's "index.json" key.
func (w *Writer) Close() (index.Index, error) {
	if err := w.cw.Close(); err != nil {
		return index.Index{}, err
	}

	idx := index.New(w.params.Schema, w.params.ChunkOpts.Compression, w.params.ConfigHash, w.closed)
	data, err := index.MarshalIndent(idx)
	if err != nil {
		return index.Index{}, err
	}

	if w.params.Store != nil {
		if err := w.params.Store.Put(w.ctx, "index.json", data); err != nil {
			return index.Index{}, err
		}
		return idx, nil
	}

	path := filepath.Join(w.params.LocalDir, "index.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return index.Index{}, errs.IO(path, 0, err)
	}
	return idx, nil
}
