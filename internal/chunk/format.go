// Package chunk implements the on-disk chunk binary format: a fixed
// header, an intra-chunk offset table, and the concatenated per-sample
// payload. The streaming write/read loop and BLAKE3 content hashing
// follow the same shape as a whole-file content-addressed manifest,
// generalized here to a fixed binary chunk header.
package chunk

import (
	"encoding/binary"

	"github.com/ltdc/ltdc/internal/errs"
)

// Magic is the 4-byte on-disk signature every chunk file starts with.
var Magic = [4]byte{'L', 'T', 'D', 'C'}

// FormatVersion is the current chunk format version. Readers reject any
// other version outright; there is no schema evolution across chunk
// versions at read time beyond this gate.
const FormatVersion uint16 = 1

// Compression ids stored in the chunk header's compression byte.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
	CompressionLZ4  Compression = 2
)

// Encryption ids, stored in the reserved flags byte's low bits.
type Encryption uint8

const (
	EncryptionNone           Encryption = 0
	EncryptionChaCha20Poly1305 Encryption = 1
)

// HeaderSize is the fixed byte length of the chunk header (offsets 0..28).
const HeaderSize = 28

// Header is the fixed-size chunk header: magic, version, chunk id, sample
// count, payload length, and compression/encryption ids.
type Header struct {
	Version     uint16
	ChunkID     uint64
	SampleCount uint32
	PayloadLen  uint64
	Compression Compression
	Encryption  Encryption
}

// EncodeHeader serializes h into the 28-byte on-disk header layout.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic[:])
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint64(buf[6:14], h.ChunkID)
	binary.LittleEndian.PutUint32(buf[14:18], h.SampleCount)
	binary.LittleEndian.PutUint64(buf[18:26], h.PayloadLen)
	buf[26] = byte(h.Compression)
	buf[27] = byte(h.Encryption)
	return buf
}

// DecodeHeader parses and validates the fixed header at the start of data.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, errs.Format("", errShort("header", HeaderSize, len(data)))
	}
	if string(data[0:4]) != string(Magic[:]) {
		return Header{}, errs.Format("", errBadMagic(data[0:4]))
	}
	h := Header{
		Version:     binary.LittleEndian.Uint16(data[4:6]),
		ChunkID:     binary.LittleEndian.Uint64(data[6:14]),
		SampleCount: binary.LittleEndian.Uint32(data[14:18]),
		PayloadLen:  binary.LittleEndian.Uint64(data[18:26]),
		Compression: Compression(data[26]),
		Encryption:  Encryption(data[27]),
	}
	if h.Version != FormatVersion {
		return Header{}, errs.Format("", errBadVersion(h.Version))
	}
	return h, nil
}

// OffsetTableSize returns the byte size of the offset table for a chunk
// holding n samples: n+1 little-endian uint32 offsets.
func OffsetTableSize(n uint32) int {
	return 4 * int(n+1)
}

// EncodeOffsetTable serializes the n+1 offsets, relative to the start of
// the payload region.
func EncodeOffsetTable(offsets []uint32) []byte {
	buf := make([]byte, 4*len(offsets))
	for i, o := range offsets {
		binary.LittleEndian.PutUint32(buf[4*i:4*i+4], o)
	}
	return buf
}

// DecodeOffsetTable parses n+1 offsets and validates the offset-table
// invariants: offsets[0] == 0, non-decreasing, and the last entry equals
// payloadLen.
func DecodeOffsetTable(data []byte, n uint32, payloadLen uint64) ([]uint32, error) {
	want := OffsetTableSize(n)
	if len(data) < want {
		return nil, errs.Format("", errShort("offset table", want, len(data)))
	}
	offsets := make([]uint32, n+1)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint32(data[4*i : 4*i+4])
	}
	if offsets[0] != 0 {
		return nil, errs.Format("", errOffsetInvariant("offsets[0] must be 0, got %d", offsets[0]))
	}
	for i := 1; i < len(offsets); i++ {
		if offsets[i] < offsets[i-1] {
			return nil, errs.Format("", errOffsetInvariant("offset table must be non-decreasing at index %d", i))
		}
	}
	if uint64(offsets[n]) != payloadLen {
		return nil, errs.Format("", errOffsetInvariant("offsets[n]=%d must equal payload length %d", offsets[n], payloadLen))
	}
	return offsets, nil
}
