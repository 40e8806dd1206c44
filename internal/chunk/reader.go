package chunk

import (
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/ltdc/ltdc/internal/codec"
	"github.com/ltdc/ltdc/internal/errs"
)

// Chunk is a fully parsed chunk: its header, the n+1 sample offsets, and
// the decompressed payload bytes the offsets index into.
type Chunk struct {
	Header  Header
	Offsets []uint32
	Payload []byte
}

// Open parses a complete chunk from raw on-disk bytes: header, offset
// table, and the (possibly compressed) remainder of the file. It rejects
// any chunk written with encryption; use OpenWithKey for those.
func Open(raw []byte) (*Chunk, error) {
	return OpenWithKey(raw, nil, [12]byte{})
}

// OpenWithKey parses a complete chunk, decrypting its payload first if the
// header's Encryption id is not EncryptionNone. key and ivBase are ignored
// for unencrypted chunks.
func OpenWithKey(raw []byte, key []byte, ivBase [12]byte) (*Chunk, error) {
	h, err := DecodeHeader(raw)
	if err != nil {
		return nil, err
	}
	rest := raw[HeaderSize:]
	tableSize := OffsetTableSize(h.SampleCount)
	if len(rest) < tableSize {
		return nil, errs.Format("", errShort("offset table", tableSize, len(rest)))
	}
	onDisk := rest[tableSize:]
	onDisk, err = decryptPayload(h.Encryption, key, ivBase, h.ChunkID, raw[:HeaderSize], onDisk)
	if err != nil {
		return nil, err
	}
	payload, err := decompressPayload(h.Compression, onDisk, h.PayloadLen)
	if err != nil {
		return nil, err
	}
	offsets, err := DecodeOffsetTable(rest[:tableSize], h.SampleCount, uint64(len(payload)))
	if err != nil {
		return nil, err
	}

	return &Chunk{Header: h, Offsets: offsets, Payload: payload}, nil
}

// ReadFile opens and fully parses the chunk file at path. It rejects any
// chunk written with encryption; use ReadFileWithKey for those.
func ReadFile(path string) (*Chunk, error) {
	return ReadFileWithKey(path, nil, [12]byte{})
}

// ReadFileWithKey opens and fully parses an encrypted or unencrypted
// chunk file at path.
func ReadFileWithKey(path string, key []byte, ivBase [12]byte) (*Chunk, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.IO(path, 0, err)
	}
	c, err := OpenWithKey(raw, key, ivBase)
	if err != nil {
		return nil, errs.Format(path, err)
	}
	return c, nil
}

// SampleCount returns the number of samples in the chunk.
func (c *Chunk) SampleCount() int {
	return len(c.Offsets) - 1
}

// SampleBytes returns the raw encoded blob for sample i (0-indexed within
// the chunk), the exact bytes EncodeSample produced for it.
func (c *Chunk) SampleBytes(i int) ([]byte, error) {
	if i < 0 || i >= c.SampleCount() {
		return nil, errs.Format("", errOffsetInvariant("sample index %d out of range [0,%d)", i, c.SampleCount()))
	}
	return c.Payload[c.Offsets[i]:c.Offsets[i+1]], nil
}

// DecodeSample returns sample i decoded into named fields per schema.
func (c *Chunk) DecodeSample(registry *codec.Registry, schema []codec.FieldSchema, i int) (codec.Sample, error) {
	blob, err := c.SampleBytes(i)
	if err != nil {
		return nil, err
	}
	return codec.DecodeSample(registry, schema, blob)
}

// RangeReader fetches exact byte spans from a chunk file or object, used
// to read one sample without downloading the whole chunk.
type RangeReader interface {
	ReadRange(offset, length int64) ([]byte, error)
}

// FileRangeReader implements RangeReader against a local file.
type FileRangeReader struct {
	Path string
}

func (r FileRangeReader) ReadRange(offset, length int64) ([]byte, error) {
	f, err := os.Open(r.Path)
	if err != nil {
		return nil, errs.IO(r.Path, 0, err)
	}
	defer f.Close()
	buf := make([]byte, length)
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, errs.IO(r.Path, 0, err)
	}
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, errs.IO(r.Path, 0, err)
	}
	return buf, nil
}

// ReadSampleRange reads only the header, then only the offsets bracketing
// sample index i, then only the payload bytes for that one sample,
// decoding it via schema. The chunk must have been written with
// CompressionNone; any other compression id is rejected since byte
// offsets into a compressed stream don't correspond to sample boundaries.
func ReadSampleRange(r RangeReader, registry *codec.Registry, schema []codec.FieldSchema, sampleIndex int) (codec.Sample, error) {
	headerBytes, err := r.ReadRange(0, HeaderSize)
	if err != nil {
		return nil, err
	}
	h, err := DecodeHeader(headerBytes)
	if err != nil {
		return nil, err
	}
	if h.Compression != CompressionNone {
		return nil, errs.Format("", errOffsetInvariant("range reads require an uncompressed chunk, got compression id %d", h.Compression))
	}
	if sampleIndex < 0 || uint32(sampleIndex) >= h.SampleCount {
		return nil, errs.Format("", errOffsetInvariant("sample index %d out of range [0,%d)", sampleIndex, h.SampleCount))
	}

	tableStart := int64(HeaderSize) + 4*int64(sampleIndex)
	pairBytes, err := r.ReadRange(tableStart, 8)
	if err != nil {
		return nil, err
	}
	start := le32(pairBytes[0:4])
	end := le32(pairBytes[4:8])
	if end < start {
		return nil, errs.Format("", errOffsetInvariant("offset pair out of order: %d > %d", start, end))
	}

	payloadStart := int64(HeaderSize) + int64(OffsetTableSize(h.SampleCount))
	blob, err := r.ReadRange(payloadStart+int64(start), int64(end-start))
	if err != nil {
		return nil, err
	}
	return codec.DecodeSample(registry, schema, blob)
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func decompressPayload(c Compression, onDisk []byte, payloadLen uint64) ([]byte, error) {
	switch c {
	case CompressionNone:
		if uint64(len(onDisk)) != payloadLen {
			return nil, errs.Format("", errOffsetInvariant("uncompressed payload length mismatch: header says %d, have %d", payloadLen, len(onDisk)))
		}
		return onDisk, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		out, err := dec.DecodeAll(onDisk, make([]byte, 0, payloadLen))
		if err != nil {
			return nil, err
		}
		if uint64(len(out)) != payloadLen {
			return nil, errs.Format("", errOffsetInvariant("decompressed payload length mismatch: header says %d, have %d", payloadLen, len(out)))
		}
		return out, nil
	case CompressionLZ4:
		out := make([]byte, payloadLen)
		n, err := lz4.UncompressBlock(onDisk, out)
		if err != nil {
			return nil, err
		}
		if uint64(n) != payloadLen {
			return nil, errs.Format("", errOffsetInvariant("decompressed payload length mismatch: header says %d, have %d", payloadLen, n))
		}
		return out, nil
	default:
		return nil, errs.Config("chunk reader: unknown compression id %d", c)
	}
}
