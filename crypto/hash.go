package crypto

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// Hash returns the SHA-256 hash of data as a lowercase hex string.
func Hash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// HashBytes returns the raw SHA-256 bytes of data.
func HashBytes(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// DomainHash returns the hex-encoded SHA-3-256 digest of tag concatenated
// with data. Domain tags bind a hash to a specific wire purpose (tx signing,
// block hashing) so the same byte layout cannot be replayed across contexts.
func DomainHash(tag string, data []byte) string {
	return hex.EncodeToString(DomainHashBytes(tag, data))
}

// DomainHashBytes is DomainHash without hex encoding.
func DomainHashBytes(tag string, data []byte) []byte {
	h := sha3.New256()
	h.Write([]byte(tag))
	h.Write(data)
	return h.Sum(nil)
}
