package proxy

import (
	"os"
	"path/filepath"
)

// HashCache remembers the last save hash reported to the client for
// each title, one file per title id. Suppressing unchanged hashes
// stops the client from re-downloading saves it already has.
type HashCache struct {
	dir string
}

// NewHashCache creates a cache backed by dir. The directory is
// created lazily on first write.
func NewHashCache(dir string) *HashCache {
	return &HashCache{dir: dir}
}

func (c *HashCache) pathFor(titleID string) string {
	return filepath.Join(c.dir, titleID)
}

// Filter returns an empty string when hash matches the one last
// reported for titleID. Otherwise the new hash is persisted and
// returned unchanged. An empty hash means no save exists upstream
// and is passed through without touching the cache.
func (c *HashCache) Filter(titleID, hash string) (string, error) {
	if hash == "" {
		return "", nil
	}
	stored, err := os.ReadFile(c.pathFor(titleID))
	if err == nil && string(stored) == hash {
		return "", nil
	}
	if err := c.Put(titleID, hash); err != nil {
		return "", err
	}
	return hash, nil
}

// Put records hash as the last reported one for titleID.
func (c *HashCache) Put(titleID, hash string) error {
	if err := os.MkdirAll(c.dir, 0777); err != nil {
		return err
	}
	return os.WriteFile(c.pathFor(titleID), []byte(hash), 0666)
}
