// Package sha256 derives content-addressed keys for raw article snapshots.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hasher implements news.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	return Sum(data), nil
}

// Sum returns the lowercase hex SHA-256 of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// StorageKey returns "<prefix>/<sha256(url)>.html", the object key for a fetched page.
// The same URL always maps to the same key so refetches overwrite.
func StorageKey(prefix, url string) string {
	prefix = strings.Trim(prefix, "/")
	name := Sum([]byte(url)) + ".html"
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
