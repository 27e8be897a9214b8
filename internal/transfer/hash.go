// Package transfer moves file bytes between coordinator and workers:
// hash-verified downloads and chunked, resumable uploads.
package transfer

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"sync"
	"time"

	"lukechampine.com/blake3"
)

// copyBufferSize is the chunk size for hashing and streaming.
const copyBufferSize = 8 * 1024

// NewHasher returns the content hash used on the wire.
func NewHasher() hash.Hash {
	return blake3.New(32, nil)
}

// HashFile computes the hex BLAKE3 digest of a file.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening file for hashing: %w", err)
	}
	defer f.Close()

	h := NewHasher()
	buf := make([]byte, copyBufferSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hashing file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type hashEntry struct {
	hash  string
	size  int64
	mtime time.Time
}

// HashCache memoizes file hashes per (path, size, mtime) so repeated
// download requests for the same assignment don't re-read the file.
type HashCache struct {
	mu      sync.Mutex
	entries map[string]hashEntry
}

// NewHashCache creates an empty cache.
func NewHashCache() *HashCache {
	return &HashCache{entries: make(map[string]hashEntry)}
}

// Get returns the cached hash for path, computing it when the file changed
// since the last call.
func (c *HashCache) Get(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat for hashing: %w", err)
	}

	c.mu.Lock()
	cached, ok := c.entries[path]
	c.mu.Unlock()
	if ok && cached.size == info.Size() && cached.mtime.Equal(info.ModTime()) {
		return cached.hash, nil
	}

	digest, err := HashFile(path)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.entries[path] = hashEntry{hash: digest, size: info.Size(), mtime: info.ModTime()}
	c.mu.Unlock()
	return digest, nil
}

// Forget drops the cache entry for path.
func (c *HashCache) Forget(path string) {
	c.mu.Lock()
	delete(c.entries, path)
	c.mu.Unlock()
}
