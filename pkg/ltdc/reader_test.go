package ltdc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ltdc/ltdc/internal/chunk"
	"github.com/ltdc/ltdc/internal/codec"
	"github.com/ltdc/ltdc/internal/config"
	"github.com/ltdc/ltdc/internal/objstore"
)

// writeFixtureDataset builds a small dataset of `total` int-labeled samples
// (labels 0..total-1) under store, chunked `perChunk` samples at a time, for
// later comparison against what a StreamingDataset yields.
func writeFixtureDataset(t *testing.T, store objstore.Store, total, perChunk int) {
	t.Helper()
	w, err := NewWriter(context.Background(), WriterParams{
		LocalDir:   t.TempDir(),
		Store:      store,
		Schema:     labelSchema,
		Registry:   codec.Default(),
		ChunkOpts:  chunk.WriterOptions{ChunkSize: uint32(perChunk), Compression: chunk.CompressionNone},
		ConfigHash: "fixture",
	})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i := 0; i < total; i++ {
		if err := w.Add(codec.Sample{"label": i}); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}
	if _, err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func drainEpoch(t *testing.T, ds *StreamingDataset) []int64 {
	t.Helper()
	var got []int64
	for {
		sample, done, err := ds.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if done {
			return got
		}
		got = append(got, sample["label"].(int64))
	}
}

func TestStreamingDatasetReadsEverySampleSingleConsumer(t *testing.T) {
	storeDir := t.TempDir()
	store := objstore.NewLocalStore(storeDir)
	writeFixtureDataset(t, store, 12, 4)

	ds, err := Open(context.Background(), store, codec.Default(), config.ReaderConfig{DropLast: false}, ReaderParams{
		CacheDir: t.TempDir(),
	}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ds.Close()

	if ds.Len() != 12 {
		t.Fatalf("Len() = %d, want 12", ds.Len())
	}
	got := drainEpoch(t, ds)
	if len(got) != 12 {
		t.Fatalf("read %d samples, want 12", len(got))
	}
	seen := make(map[int64]bool, 12)
	for _, v := range got {
		seen[v] = true
	}
	for i := int64(0); i < 12; i++ {
		if !seen[i] {
			t.Fatalf("label %d never read", i)
		}
	}
}

func TestStreamingDatasetPartitionsAcrossWorldSizeWithoutOverlap(t *testing.T) {
	storeDir := t.TempDir()
	store := objstore.NewLocalStore(storeDir)
	writeFixtureDataset(t, store, 20, 5)

	cfg := config.ReaderConfig{DropLast: false}
	seen := make(map[int64]int)
	for rank := 0; rank < 2; rank++ {
		ds, err := Open(context.Background(), store, codec.Default(), cfg, ReaderParams{
			Rank:           rank,
			WorldSizeRanks: 2,
			CacheDir:       t.TempDir(),
		}, nil)
		if err != nil {
			t.Fatalf("Open(rank=%d): %v", rank, err)
		}
		for _, v := range drainEpoch(t, ds) {
			seen[v]++
		}
		ds.Close()
	}
	if len(seen) != 20 {
		t.Fatalf("union of both ranks covered %d distinct labels, want 20", len(seen))
	}
	for label, count := range seen {
		if count != 1 {
			t.Fatalf("label %d read %d times across ranks, want exactly 1", label, count)
		}
	}
}

func TestStreamingDatasetNextEpochReassignsAndResets(t *testing.T) {
	storeDir := t.TempDir()
	store := objstore.NewLocalStore(storeDir)
	writeFixtureDataset(t, store, 8, 4)

	ds, err := Open(context.Background(), store, codec.Default(), config.ReaderConfig{Shuffle: true, Seed: 42}, ReaderParams{
		CacheDir: t.TempDir(),
	}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ds.Close()

	first := drainEpoch(t, ds)
	if len(first) != 8 {
		t.Fatalf("epoch 0: read %d samples, want 8", len(first))
	}
	if err := ds.NextEpoch(); err != nil {
		t.Fatalf("NextEpoch: %v", err)
	}
	if ds.Epoch() != 1 {
		t.Fatalf("Epoch() = %d, want 1", ds.Epoch())
	}
	second := drainEpoch(t, ds)
	if len(second) != 8 {
		t.Fatalf("epoch 1: read %d samples, want 8", len(second))
	}
}

func TestStreamingDatasetResumesFromCheckpoint(t *testing.T) {
	storeDir := t.TempDir()
	store := objstore.NewLocalStore(storeDir)
	writeFixtureDataset(t, store, 16, 4)

	resumePath := filepath.Join(t.TempDir(), "cursors.db")
	resume, err := OpenResumeStore(resumePath)
	if err != nil {
		t.Fatalf("OpenResumeStore: %v", err)
	}
	defer resume.Close()

	cfg := config.ReaderConfig{DropLast: false}
	params := ReaderParams{CacheDir: t.TempDir()}

	ds, err := Open(context.Background(), store, codec.Default(), cfg, params, resume)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// Read half the epoch, then checkpoint and stop as if the job died.
	for i := 0; i < 8; i++ {
		if _, done, err := ds.Next(); err != nil || done {
			t.Fatalf("Next(%d): done=%v err=%v", i, done, err)
		}
	}
	if err := ds.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	posAtCheckpoint := ds.pos
	ds.Close()

	ds2, err := Open(context.Background(), store, codec.Default(), cfg, params, resume)
	if err != nil {
		t.Fatalf("reopen Open: %v", err)
	}
	defer ds2.Close()
	if ds2.pos != posAtCheckpoint {
		t.Fatalf("resumed pos = %d, want %d", ds2.pos, posAtCheckpoint)
	}
	rest := drainEpoch(t, ds2)
	if len(rest) != 16-posAtCheckpoint {
		t.Fatalf("resumed read %d samples, want %d", len(rest), 16-posAtCheckpoint)
	}
}

func TestStreamingDatasetReadsEncryptedDataset(t *testing.T) {
	storeDir := t.TempDir()
	store := objstore.NewLocalStore(storeDir)

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	var ivBase [12]byte
	for i := range ivBase {
		ivBase[i] = byte(0xA0 + i)
	}

	w, err := NewWriter(context.Background(), WriterParams{
		LocalDir: t.TempDir(),
		Store:    store,
		Schema:   labelSchema,
		Registry: codec.Default(),
		ChunkOpts: chunk.WriterOptions{
			ChunkSize:     4,
			Compression:   chunk.CompressionNone,
			Encryption:    chunk.EncryptionChaCha20Poly1305,
			EncryptionKey: key,
			IVBase:        ivBase,
		},
		ConfigHash: "fixture-encrypted",
	})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i := 0; i < 12; i++ {
		if err := w.Add(codec.Sample{"label": i}); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}
	if _, err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ds, err := Open(context.Background(), store, codec.Default(), config.ReaderConfig{DropLast: false}, ReaderParams{
		CacheDir:      t.TempDir(),
		EncryptionKey: key,
		IVBase:        ivBase,
	}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ds.Close()

	got := drainEpoch(t, ds)
	if len(got) != 12 {
		t.Fatalf("read %d samples, want 12", len(got))
	}
	seen := make(map[int64]bool, 12)
	for _, v := range got {
		seen[v] = true
	}
	for i := int64(0); i < 12; i++ {
		if !seen[i] {
			t.Fatalf("label %d never read", i)
		}
	}
}

func TestStreamingDatasetProfileBatchesWritesTraceFile(t *testing.T) {
	store := objstore.NewLocalStore(t.TempDir())
	writeFixtureDataset(t, store, 8, 2)

	cacheDir := t.TempDir()
	cfg := config.ReaderConfig{DropLast: false, ProfileBatches: 100}
	params := ReaderParams{CacheDir: cacheDir}

	ds, err := Open(context.Background(), store, codec.Default(), cfg, params, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	drainEpoch(t, ds)
	if err := ds.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	tracePath := filepath.Join(cacheDir, "result.json")
	data, err := os.ReadFile(tracePath)
	if err != nil {
		t.Fatalf("expected trace file at %s: %v", tracePath, err)
	}
	var got struct {
		TraceEvents []map[string]any `json:"traceEvents"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal trace file: %v", err)
	}
	if len(got.TraceEvents) == 0 {
		t.Fatal("expected at least one trace event")
	}
}
