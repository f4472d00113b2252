// Package sha256 digests icon content. The hex digest is the identity under
// which identical icons are deduplicated and stored.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements batch.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
