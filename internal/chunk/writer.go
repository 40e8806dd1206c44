package chunk

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"

	"github.com/ltdc/ltdc/internal/codec"
	"github.com/ltdc/ltdc/internal/errs"
)

// Descriptor is the per-chunk metadata a writer emits once a chunk closes:
// the fields an index entry needs plus a content hash for integrity
// verification.
type Descriptor struct {
	ChunkID     uint64
	Filename    string
	Bytes       int64
	Samples     int
	FirstSample uint64
	LastSample  uint64
	BLAKE3      string
}

// WriterOptions configures a Writer. At least one of ChunkBytes/ChunkSize
// must be nonzero to bound chunks by payload size or sample count; both
// may be set, in which case whichever bound is hit first closes the
// chunk.
type WriterOptions struct {
	ChunkBytes  uint64 // 0 = unbounded
	ChunkSize   uint32 // 0 = unbounded
	Compression Compression
	StartChunkID uint64
	StartSampleID uint64

	// Encryption, if not EncryptionNone, encrypts each closed chunk's
	// on-disk payload under EncryptionKey (32 bytes) with a nonce derived
	// from IVBase and the chunk id. Leave Encryption at its zero value to
	// write unencrypted chunks.
	Encryption    Encryption
	EncryptionKey []byte
	IVBase        [12]byte
}

// Writer accumulates encoded samples into in-memory chunk buffers and
// flushes closed chunks to disk: each file is written to a temp path,
// fsynced, then atomically renamed so a reader never observes a
// half-written chunk.
type Writer struct {
	dir      string
	schema   []codec.FieldSchema
	registry *codec.Registry
	opts     WriterOptions

	nextChunkID   uint64
	nextSampleID  uint64
	curFirstID    uint64
	blobs         [][]byte
	payloadLen    uint64

	onClose func(Descriptor) error
}

// NewWriter creates a Writer that will serialize samples against schema
// using registry, writing closed chunks under dir.
func NewWriter(dir string, schema []codec.FieldSchema, registry *codec.Registry, opts WriterOptions, onClose func(Descriptor) error) (*Writer, error) {
	if opts.ChunkBytes == 0 && opts.ChunkSize == 0 {
		return nil, errs.Config("writer: one of chunk_bytes or chunk_size must be set")
	}
	if opts.Encryption != EncryptionNone && len(opts.EncryptionKey) != 32 {
		return nil, errs.Config("writer: encryption key must be 32 bytes, got %d", len(opts.EncryptionKey))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.IO(dir, 0, err)
	}
	return &Writer{
		dir:          dir,
		schema:       schema,
		registry:     registry,
		opts:         opts,
		nextChunkID:  opts.StartChunkID,
		nextSampleID: opts.StartSampleID,
		curFirstID:   opts.StartSampleID,
		onClose:      onClose,
	}, nil
}

// Add encodes sample and appends it to the current in-progress chunk,
// closing and flushing the chunk first if adding it would exceed either
// configured budget.
func (w *Writer) Add(sample codec.Sample) error {
	blob, err := codec.EncodeSample(w.registry, w.schema, sample)
	if err != nil {
		return err
	}

	wouldExceedBytes := w.opts.ChunkBytes != 0 && len(w.blobs) > 0 &&
		w.payloadLen+uint64(len(blob)) > w.opts.ChunkBytes
	wouldExceedCount := w.opts.ChunkSize != 0 && uint32(len(w.blobs)) >= w.opts.ChunkSize
	if wouldExceedBytes || wouldExceedCount {
		if err := w.closeChunk(); err != nil {
			return err
		}
	}

	w.blobs = append(w.blobs, blob)
	w.payloadLen += uint64(len(blob))
	w.nextSampleID++
	return nil
}

// Close flushes any non-empty partial chunk remaining at stream end.
func (w *Writer) Close() error {
	if len(w.blobs) == 0 {
		return nil
	}
	return w.closeChunk()
}

func (w *Writer) closeChunk() error {
	n := uint32(len(w.blobs))
	offsets := make([]uint32, n+1)
	var cur uint32
	for i, b := range w.blobs {
		offsets[i] = cur
		cur += uint32(len(b))
	}
	offsets[n] = cur

	payload := make([]byte, 0, cur)
	for _, b := range w.blobs {
		payload = append(payload, b...)
	}

	onDisk, err := compressPayload(w.opts.Compression, payload)
	if err != nil {
		return err
	}

	chunkID := w.nextChunkID
	header := EncodeHeader(Header{
		Version:     FormatVersion,
		ChunkID:     chunkID,
		SampleCount: n,
		PayloadLen:  uint64(len(payload)),
		Compression: w.opts.Compression,
		Encryption:  w.opts.Encryption,
	})
	offsetTable := EncodeOffsetTable(offsets)

	onDisk, err = encryptPayload(w.opts.Encryption, w.opts.EncryptionKey, w.opts.IVBase, chunkID, header, onDisk)
	if err != nil {
		return err
	}

	filename := fmt.Sprintf("chunk-%020d.bin", chunkID)
	finalPath := filepath.Join(w.dir, filename)
	tmpPath := finalPath + ".tmp"

	if err := writeAtomically(tmpPath, finalPath, header, offsetTable, onDisk); err != nil {
		os.Remove(tmpPath)
		return errs.IO(finalPath, 0, err)
	}

	hasher := blake3.New()
	hasher.Write(header)
	hasher.Write(offsetTable)
	hasher.Write(onDisk)
	sum := hasher.Sum(nil)

	desc := Descriptor{
		ChunkID:     chunkID,
		Filename:    filename,
		Bytes:       int64(len(header) + len(offsetTable) + len(onDisk)),
		Samples:     int(n),
		FirstSample: w.curFirstID,
		LastSample:  w.curFirstID + uint64(n) - 1,
		BLAKE3:      blake3HexString(sum),
	}

	w.blobs = w.blobs[:0]
	w.payloadLen = 0
	w.nextChunkID++
	w.curFirstID = w.nextSampleID

	if w.onClose != nil {
		if err := w.onClose(desc); err != nil {
			return err
		}
	}
	return nil
}

func writeAtomically(tmpPath, finalPath string, parts ...[]byte) error {
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	for _, p := range parts {
		if _, err := f.Write(p); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, finalPath)
}

func compressPayload(c Compression, payload []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return payload, nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(payload, nil), nil
	case CompressionLZ4:
		var out []byte
		buf := make([]byte, lz4.CompressBlockBound(len(payload)))
		var c lz4.Compressor
		n, err := c.CompressBlock(payload, buf)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// incompressible: lz4 signals this by writing nothing.
			out = payload
			return out, nil
		}
		return buf[:n], nil
	default:
		return nil, errs.Config("chunk writer: unknown compression id %d", c)
	}
}

func blake3HexString(sum []byte) string {
	const hex = "0123456789abcdef"
	out := make([]byte, len(sum)*2)
	for i, b := range sum {
		out[i*2] = hex[b>>4]
		out[i*2+1] = hex[b&0x0f]
	}
	return string(out)
}
