package crypto

import (
	"encoding/binary"
)

// DeriveNonce generates a deterministic 12-byte nonce from a per-writer
// IVBase and a counter.
//
// ChaCha20-Poly1305 requires a unique nonce for every encryption under the
// same key; this derives one by XORing the IVBase with the counter encoded
// as 8-byte little-endian, leaving the last 4 bytes of IVBase untouched.
//
//	Nonce = IVBase XOR (counter as 8-byte little-endian, zero-padded to 12)
func DeriveNonce(ivBase [12]byte, counter uint64) [12]byte {
	var nonce [12]byte

	var counterBytes [8]byte
	binary.LittleEndian.PutUint64(counterBytes[:], counter)

	for i := 0; i < 8; i++ {
		nonce[i] = ivBase[i] ^ counterBytes[i]
	}
	copy(nonce[8:12], ivBase[8:12])

	return nonce
}

// DeriveChunkNonce derives the nonce used to encrypt one chunk's payload,
// keyed off its chunk id so no two chunks written under the same IVBase
// ever reuse a nonce.
func DeriveChunkNonce(ivBase [12]byte, chunkID uint64) [12]byte {
	return DeriveNonce(ivBase, chunkID)
}
