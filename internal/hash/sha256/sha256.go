// Package sha256 derives page ids from URLs for jobs that arrive without one.
package sha256

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data with surrounding whitespace and any
// URL fragment removed, so "https://a/b#top" and "https://a/b" share an id.
func (h *Hasher) Hash(data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if i := bytes.IndexByte(data, '#'); i >= 0 {
		data = data[:i]
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
