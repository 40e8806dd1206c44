package index

import (
	"encoding/json"
	"testing"

	"github.com/ltdc/ltdc/internal/chunk"
	"github.com/ltdc/ltdc/internal/codec"
)

func testSchema() []codec.FieldSchema {
	return []codec.FieldSchema{
		{Name: "x", Codec: codec.Int},
	}
}

func TestNewAndMarshalFieldOrder(t *testing.T) {
	idx := New(testSchema(), chunk.CompressionZstd, "abc123", []chunk.Descriptor{
		{ChunkID: 0, Filename: "chunk-0.bin", Bytes: 100, Samples: 3, FirstSample: 0, LastSample: 2, BLAKE3: "h0"},
		{ChunkID: 1, Filename: "chunk-1.bin", Bytes: 80, Samples: 2, FirstSample: 3, LastSample: 4, BLAKE3: "h1"},
	})
	if idx.TotalSamples != 5 {
		t.Fatalf("expected total_samples=5, got %d", idx.TotalSamples)
	}
	if idx.Compression != "zstd" {
		t.Fatalf("expected compression=zstd, got %q", idx.Compression)
	}

	b, err := Marshal(idx)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal into map: %v", err)
	}
	for _, key := range []string{"version", "compression", "schema", "chunks", "total_samples", "config_hash"} {
		if _, ok := m[key]; !ok {
			t.Fatalf("missing key %q in marshaled index", key)
		}
	}

	round, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if round.TotalSamples != idx.TotalSamples || round.ConfigHash != idx.ConfigHash {
		t.Fatalf("round-trip mismatch: %+v vs %+v", round, idx)
	}
}

func TestMergeOrdersByWorkerThenLocalChunkID(t *testing.T) {
	partials := []PartialIndex{
		{
			WorkerID:    1,
			Schema:      testSchema(),
			Compression: "none",
			Chunks: []ChunkDescriptor{
				{ID: 0, Filename: "w1-chunk-0.bin", Samples: 2, First: 0, Last: 1},
				{ID: 1, Filename: "w1-chunk-1.bin", Samples: 1, First: 2, Last: 2},
			},
		},
		{
			WorkerID:    0,
			Schema:      testSchema(),
			Compression: "none",
			Chunks: []ChunkDescriptor{
				{ID: 0, Filename: "w0-chunk-0.bin", Samples: 4, First: 0, Last: 3},
			},
		},
	}

	merged, err := Merge(partials, "hash")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(merged.Chunks) != 3 {
		t.Fatalf("expected 3 merged chunks, got %d", len(merged.Chunks))
	}
	// worker 0's chunk must come first (sorted by worker id)
	if merged.Chunks[0].Filename != "w0-chunk-0.bin" {
		t.Fatalf("expected worker 0's chunk first, got %+v", merged.Chunks[0])
	}
	if merged.Chunks[0].ID != 0 || merged.Chunks[1].ID != 1 || merged.Chunks[2].ID != 2 {
		t.Fatalf("global chunk ids not contiguous: %+v", merged.Chunks)
	}
	if merged.Chunks[0].First != 0 || merged.Chunks[0].Last != 3 {
		t.Fatalf("unexpected sample range for chunk 0: %+v", merged.Chunks[0])
	}
	if merged.Chunks[1].First != 4 || merged.Chunks[1].Last != 5 {
		t.Fatalf("unexpected sample range for chunk 1: %+v", merged.Chunks[1])
	}
	if merged.Chunks[2].First != 6 || merged.Chunks[2].Last != 6 {
		t.Fatalf("unexpected sample range for chunk 2: %+v", merged.Chunks[2])
	}
	if merged.TotalSamples != 7 {
		t.Fatalf("expected total_samples=7, got %d", merged.TotalSamples)
	}
}

func TestMergeRejectsDisagreeingSchema(t *testing.T) {
	partials := []PartialIndex{
		{WorkerID: 0, Schema: testSchema(), Compression: "none"},
		{WorkerID: 1, Schema: []codec.FieldSchema{{Name: "y", Codec: codec.Str}}, Compression: "none"},
	}
	if _, err := Merge(partials, "hash"); err == nil {
		t.Fatal("expected merge to reject disagreeing schemas")
	}
}

func TestConfigHashDeterministic(t *testing.T) {
	h1 := ConfigHash([]byte(`{"a":1,"b":2}`))
	h2 := ConfigHash([]byte(`{"a":1,"b":2}`))
	h3 := ConfigHash([]byte(`{"a":1,"b":3}`))
	if h1 != h2 {
		t.Fatal("expected identical config JSON to hash identically")
	}
	if h1 == h3 {
		t.Fatal("expected different config JSON to hash differently")
	}
}
