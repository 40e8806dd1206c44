// Package index builds, serializes, and merges the dataset-level metadata
// document that sits alongside a set of chunk files: schema, compression,
// format version, and the ordered chunk descriptor list.
package index

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/ltdc/ltdc/internal/chunk"
	"github.com/ltdc/ltdc/internal/codec"
	"github.com/ltdc/ltdc/internal/errs"
)

// ChunkDescriptor is one chunk's entry in an Index, in stable field order.
type ChunkDescriptor struct {
	ID      uint64 `json:"id"`
	Filename string `json:"filename"`
	Bytes   int64  `json:"bytes"`
	Samples int    `json:"samples"`
	First   uint64 `json:"first"`
	Last    uint64 `json:"last"`
	BLAKE3  string `json:"blake3"`
}

// Index is the full dataset manifest, serialized to index.json.
type Index struct {
	Version      int                 `json:"version"`
	Compression  string              `json:"compression"`
	Schema       []codec.FieldSchema `json:"schema"`
	Chunks       []ChunkDescriptor   `json:"chunks"`
	TotalSamples uint64              `json:"total_samples"`
	ConfigHash   string              `json:"config_hash"`
}

// MarshalJSON writes an empty Compression as JSON null, in the same key order.
func (idx Index) MarshalJSON() ([]byte, error) {
	var compression *string
	if idx.Compression != "" {
		compression = &idx.Compression
	}
	return json.Marshal(struct {
		Version      int                 `json:"version"`
		Compression  *string             `json:"compression"`
		Schema       []codec.FieldSchema `json:"schema"`
		Chunks       []ChunkDescriptor   `json:"chunks"`
		TotalSamples uint64              `json:"total_samples"`
		ConfigHash   string              `json:"config_hash"`
	}{idx.Version, compression, idx.Schema, idx.Chunks, idx.TotalSamples, idx.ConfigHash})
}

const CurrentVersion = 1

// compressionName maps a chunk.Compression id to its index.json string, or
// "" for no compression (JSON null).
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

// New builds an Index from a flat list of chunk descriptors, in the order
// given, copying each descriptor's sample range as recorded and summing
// their sample counts into total_samples.
func New(schema []codec.FieldSchema, compression chunk.Compression, configHash string, chunks []chunk.Descriptor) Index {
	out := Index{
		Version:     CurrentVersion,
		Compression: compressionName(compression),
		Schema:      schema,
		ConfigHash:  configHash,
	}
	var total uint64
	for _, c := range chunks {
		out.Chunks = append(out.Chunks, ChunkDescriptor{
			ID:       c.ChunkID,
			Filename: c.Filename,
			Bytes:    c.Bytes,
			Samples:  c.Samples,
			First:    c.FirstSample,
			Last:     c.LastSample,
			BLAKE3:   c.BLAKE3,
		})
		total += uint64(c.Samples)
	}
	out.TotalSamples = total
	return out
}

// Marshal serializes idx as UTF-8 JSON with the field order fixed by the
// struct tags above (Go's encoding/json already preserves struct field
// order, so no custom key-ordering pass is needed).
func Marshal(idx Index) ([]byte, error) {
	b, err := json.Marshal(idx)
	if err != nil {
		return nil, errs.Format("", err)
	}
	return b, nil
}

// MarshalIndent is Marshal with two-space indentation, for ltdc-inspect.
func MarshalIndent(idx Index) ([]byte, error) {
	b, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return nil, errs.Format("", err)
	}
	return b, nil
}

// Unmarshal parses an index.json document.
func Unmarshal(data []byte) (Index, error) {
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return Index{}, errs.Format("", err)
	}
	if idx.Version != CurrentVersion {
		return Index{}, errs.Format("", errs.Config("index: unsupported version %d, want %d", idx.Version, CurrentVersion))
	}
	return idx, nil
}

// PartialIndex is what a single optimize/map worker writes to the
// coordination prefix at the end of its shard: its own chunk descriptors
// plus the worker id, so the leader can order partials deterministically
// before merging.
type PartialIndex struct {
	WorkerID int               `json:"worker_id"`
	Schema   []codec.FieldSchema `json:"schema"`
	Compression string         `json:"compression"`
	Chunks   []ChunkDescriptor `json:"chunks"`
}

// Merge combines every worker's partial index into one global Index: the
// partials are ordered by worker id then by their original (per-worker)
// local chunk id, global chunk ids are reassigned contiguously in that
// order, and sample id ranges are accumulated across the whole sequence.
func Merge(partials []PartialIndex, configHash string) (Index, error) {
	if len(partials) == 0 {
		return Index{}, errs.Assignment(errs.Config("index merge: no partial indices"))
	}

	sorted := make([]PartialIndex, len(partials))
	copy(sorted, partials)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].WorkerID < sorted[j].WorkerID })

	schema := sorted[0].Schema
	compression := sorted[0].Compression
	for _, p := range sorted[1:] {
		if !schemaEqual(p.Schema, schema) {
			return Index{}, errs.Assignment(errs.Config("index merge: worker %d schema disagrees with worker %d", p.WorkerID, sorted[0].WorkerID))
		}
		if p.Compression != compression {
			return Index{}, errs.Assignment(errs.Config("index merge: worker %d compression %q disagrees with %q", p.WorkerID, p.Compression, compression))
		}
	}

	out := Index{
		Version:     CurrentVersion,
		Compression: compression,
		Schema:      schema,
		ConfigHash:  configHash,
	}

	var nextChunkID uint64
	var nextSampleID uint64
	for _, p := range sorted {
		local := make([]ChunkDescriptor, len(p.Chunks))
		copy(local, p.Chunks)
		sort.Slice(local, func(i, j int) bool { return local[i].ID < local[j].ID })

		for _, c := range local {
			n := uint64(c.Samples)
			out.Chunks = append(out.Chunks, ChunkDescriptor{
				ID:       nextChunkID,
				Filename: c.Filename,
				Bytes:    c.Bytes,
				Samples:  c.Samples,
				First:    nextSampleID,
				Last:     nextSampleID + n - 1,
				BLAKE3:   c.BLAKE3,
			})
			nextChunkID++
			nextSampleID += n
		}
	}
	out.TotalSamples = nextSampleID
	return out, nil
}

func schemaEqual(a, b []codec.FieldSchema) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ConfigHash derives the deterministic config_hash field from the
// canonical JSON encoding of whatever configuration value produced this
// dataset, so two runs with byte-identical configuration always agree on
// it regardless of field insertion order in the caller's config struct.
func ConfigHash(canonicalConfigJSON []byte) string {
	sum := sha256.Sum256(canonicalConfigJSON)
	return hex.EncodeToString(sum[:])
}
