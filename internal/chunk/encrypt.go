package chunk

import (
	"github.com/ltdc/ltdc/internal/crypto"
	"github.com/ltdc/ltdc/internal/errs"
)

// encryptPayload seals onDisk (the already-compressed payload) under key,
// deriving the nonce from ivBase and chunkID and binding header as AAD so
// a ciphertext can't be replayed against a different chunk.
func encryptPayload(enc Encryption, key []byte, ivBase [12]byte, chunkID uint64, header, onDisk []byte) ([]byte, error) {
	switch enc {
	case EncryptionNone:
		return onDisk, nil
	case EncryptionChaCha20Poly1305:
		nonce := crypto.DeriveChunkNonce(ivBase, chunkID)
		sealed, err := crypto.Seal(key, nonce[:], header, onDisk)
		if err != nil {
			return nil, errs.Format("", err)
		}
		return sealed, nil
	default:
		return nil, errs.Config("chunk writer: unknown encryption id %d", enc)
	}
}

// decryptPayload reverses encryptPayload, recovering the compressed
// payload so it can be handed to decompressPayload.
func decryptPayload(enc Encryption, key []byte, ivBase [12]byte, chunkID uint64, header, onDisk []byte) ([]byte, error) {
	switch enc {
	case EncryptionNone:
		return onDisk, nil
	case EncryptionChaCha20Poly1305:
		nonce := crypto.DeriveChunkNonce(ivBase, chunkID)
		plain, err := crypto.Open(key, nonce[:], header, onDisk)
		if err != nil {
			return nil, errs.Format("", err)
		}
		return plain, nil
	default:
		return nil, errs.Config("chunk reader: unknown encryption id %d", enc)
	}
}
