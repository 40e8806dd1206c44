package crypto

import (
	"github.com/zeebo/blake3"
)

// DeriveKeyFromPassphrase stretches an interactively entered passphrase
// into a 32-byte ChaCha20-Poly1305 key. It is deterministic: the same
// passphrase always derives the same key, so a dataset encrypted by one
// run of ltdc-optimize can be decrypted by any reader given the same
// passphrase, with no separate key file to distribute.
func DeriveKeyFromPassphrase(passphrase []byte) [32]byte {
	h := blake3.New()
	h.Write([]byte("ltdc-chunk-key-v1"))
	h.Write(passphrase)
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

// DeriveIVBaseFromPassphrase derives the 12-byte nonce base paired with
// DeriveKeyFromPassphrase's key, domain-separated from it so the two
// outputs are independent. Deriving the base from the passphrase rather
// than generating it at random means every node of a multi-node optimize
// job reaches the same base without exchanging it out of band: every
// node is given the same passphrase already, for the key itself.
func DeriveIVBaseFromPassphrase(passphrase []byte) [12]byte {
	h := blake3.New()
	h.Write([]byte("ltdc-chunk-ivbase-v1"))
	h.Write(passphrase)
	var base [12]byte
	copy(base[:], h.Sum(nil))
	return base
}
