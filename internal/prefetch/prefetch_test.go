package prefetch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ltdc/ltdc/internal/cache"
	"github.com/ltdc/ltdc/internal/chunk"
	"github.com/ltdc/ltdc/internal/codec"
	"github.com/ltdc/ltdc/internal/trace"
)

func testSchema() []codec.FieldSchema {
	return []codec.FieldSchema{
		{Name: "id", Codec: codec.Int},
	}
}

func testSample(i int) codec.Sample {
	return codec.Sample{"id": int64(i)}
}

// writeChunks builds numChunks chunk files of samplesPerChunk samples each
// under dir, returning the raw on-disk bytes keyed by chunk id, as if they
// had been uploaded to object storage.
func writeChunks(t *testing.T, dir string, numChunks, samplesPerChunk int) map[uint64][]byte {
	t.Helper()
	registry := codec.Default()
	schema := testSchema()

	raw := make(map[uint64][]byte)
	sampleID := 0
	w, err := chunk.NewWriter(dir, schema, registry, chunk.WriterOptions{ChunkSize: uint32(samplesPerChunk)}, func(d chunk.Descriptor) error {
		data, err := os.ReadFile(filepath.Join(dir, d.Filename))
		if err != nil {
			t.Fatalf("read chunk file: %v", err)
		}
		raw[d.ChunkID] = data
		return nil
	})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	for c := 0; c < numChunks; c++ {
		for s := 0; s < samplesPerChunk; s++ {
			if err := w.Add(testSample(sampleID)); err != nil {
				t.Fatalf("add: %v", err)
			}
			sampleID++
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return raw
}

func TestPrefetcherDeliversSamplesInAssignmentOrder(t *testing.T) {
	srcDir := t.TempDir()
	raw := writeChunks(t, srcDir, 4, 3)

	fetch := func(_ context.Context, chunkID uint64) ([]byte, error) {
		return raw[chunkID], nil
	}
	c, err := cache.New(t.TempDir(), 1<<20, fetch)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer c.Close()

	var steps []Step
	for chunkID := uint64(0); chunkID < 4; chunkID++ {
		for i := 0; i < 3; i++ {
			steps = append(steps, Step{ChunkID: chunkID, IndexInChunk: i})
		}
	}

	registry := codec.Default()
	schema := testSchema()
	p := New(context.Background(), steps, c, registry, schema, 2)
	defer p.Close()

	want := 0
	for {
		r, ok := p.Next()
		if !ok {
			break
		}
		if r.Err != nil {
			t.Fatalf("sample %d: %v", want, r.Err)
		}
		if r.Sample["id"] != int64(want) {
			t.Fatalf("expected sample id %d, got %v", want, r.Sample["id"])
		}
		want++
	}
	if want != 12 {
		t.Fatalf("expected 12 samples delivered, got %d", want)
	}
}

func TestPrefetcherReversedChunkOrderStillInOrder(t *testing.T) {
	srcDir := t.TempDir()
	raw := writeChunks(t, srcDir, 3, 2)

	fetch := func(_ context.Context, chunkID uint64) ([]byte, error) {
		return raw[chunkID], nil
	}
	c, err := cache.New(t.TempDir(), 1<<20, fetch)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer c.Close()

	// assignment visits chunks out of ascending id order
	order := []uint64{2, 0, 1}
	var steps []Step
	var want []int64
	for _, chunkID := range order {
		for i := 0; i < 2; i++ {
			steps = append(steps, Step{ChunkID: chunkID, IndexInChunk: i})
			want = append(want, int64(int(chunkID)*2+i))
		}
	}

	registry := codec.Default()
	schema := testSchema()
	p := New(context.Background(), steps, c, registry, schema, 4)
	defer p.Close()

	for _, wantID := range want {
		r, ok := p.Next()
		if !ok {
			t.Fatalf("expected a sample, pipeline ended early")
		}
		if r.Err != nil {
			t.Fatalf("unexpected error: %v", r.Err)
		}
		if r.Sample["id"] != wantID {
			t.Fatalf("expected sample id %d, got %v", wantID, r.Sample["id"])
		}
	}
	if _, ok := p.Next(); ok {
		t.Fatal("expected pipeline to be exhausted")
	}
}

func TestPrefetcherCloseIsIdempotentSafe(t *testing.T) {
	srcDir := t.TempDir()
	raw := writeChunks(t, srcDir, 1, 1)
	fetch := func(_ context.Context, chunkID uint64) ([]byte, error) {
		return raw[chunkID], nil
	}
	c, err := cache.New(t.TempDir(), 1<<20, fetch)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer c.Close()

	steps := []Step{{ChunkID: 0, IndexInChunk: 0}}
	registry := codec.Default()
	schema := testSchema()
	p := New(context.Background(), steps, c, registry, schema, 1)
	p.Next()
	p.Close()
}

func TestPrefetcherSurfacesDownloadFailureInsteadOfSpinning(t *testing.T) {
	srcDir := t.TempDir()
	raw := writeChunks(t, srcDir, 2, 2)
	wantErr := errors.New("injected io error")
	fetch := func(_ context.Context, chunkID uint64) ([]byte, error) {
		if chunkID == 1 {
			return nil, wantErr
		}
		return raw[chunkID], nil
	}
	c, err := cache.New(t.TempDir(), 1<<20, fetch)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer c.Close()

	var steps []Step
	for chunkID := uint64(0); chunkID < 2; chunkID++ {
		for i := 0; i < 2; i++ {
			steps = append(steps, Step{ChunkID: chunkID, IndexInChunk: i})
		}
	}

	registry := codec.Default()
	schema := testSchema()
	p := New(context.Background(), steps, c, registry, schema, 2)
	defer p.Close()

	// chunk 0's two samples decode fine; chunk 1's first sample must
	// surface the injected fetch error rather than hang forever.
	var results []Result
	for i := 0; i < 3; i++ {
		select {
		case r, ok := <-resultChan(p):
			if !ok {
				t.Fatalf("pipeline closed early after %d results", len(results))
			}
			results = append(results, r)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for a result; prefetcher appears to be spinning")
		}
	}
	if results[0].Err != nil || results[1].Err != nil {
		t.Fatalf("samples from chunk 0: unexpected errors %v, %v", results[0].Err, results[1].Err)
	}
	if results[2].Err == nil {
		t.Fatal("expected the sample from failing chunk 1 to surface an error")
	}
	if !errors.Is(results[2].Err, wantErr) {
		t.Fatalf("expected wrapped injected error, got %v", results[2].Err)
	}
}

// resultChan adapts Prefetcher.Next into a channel so the test can race it
// against a timeout without blocking forever.
func resultChan(p *Prefetcher) <-chan Result {
	ch := make(chan Result)
	go func() {
		r, ok := p.Next()
		if !ok {
			close(ch)
			return
		}
		ch <- r
	}()
	return ch
}

func TestPrefetcherWithTraceRecordsDownloadAndDecodeEvents(t *testing.T) {
	srcDir := t.TempDir()
	raw := writeChunks(t, srcDir, 2, 2)
	fetch := func(_ context.Context, chunkID uint64) ([]byte, error) {
		return raw[chunkID], nil
	}
	c, err := cache.New(t.TempDir(), 1<<20, fetch)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer c.Close()

	var steps []Step
	for chunkID := uint64(0); chunkID < 2; chunkID++ {
		for i := 0; i < 2; i++ {
			steps = append(steps, Step{ChunkID: chunkID, IndexInChunk: i})
		}
	}

	registry := codec.Default()
	schema := testSchema()
	tracePath := filepath.Join(t.TempDir(), "result.json")
	tr := trace.NewRecorder(tracePath, 0)
	p := NewWithTrace(context.Background(), steps, c, registry, schema, 2, tr)
	for {
		r, ok := p.Next()
		if !ok {
			break
		}
		if r.Err != nil {
			t.Fatalf("unexpected error: %v", r.Err)
		}
	}
	p.Close()
	if err := tr.Close(); err != nil {
		t.Fatalf("trace close: %v", err)
	}

	data, err := os.ReadFile(tracePath)
	if err != nil {
		t.Fatalf("read trace file: %v", err)
	}
	var got struct {
		TraceEvents []trace.Event `json:"traceEvents"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal trace file: %v", err)
	}
	if len(got.TraceEvents) != 6 { // 2 downloads + 4 decodes
		t.Fatalf("len(TraceEvents) = %d, want 6", len(got.TraceEvents))
	}
	var downloads, decodes int
	for _, e := range got.TraceEvents {
		switch e.Name {
		case "chunk_download":
			downloads++
		case "sample_decode":
			decodes++
		default:
			t.Fatalf("unexpected event name %q", e.Name)
		}
	}
	if downloads != 2 || decodes != 4 {
		t.Fatalf("downloads=%d decodes=%d, want 2/4", downloads, decodes)
	}
}
