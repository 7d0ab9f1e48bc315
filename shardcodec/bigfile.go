package shardcodec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// BigFileSink stores BigFile payloads keyed by their content hash. Put must
// be idempotent: storing the same hash twice must not corrupt the payload
// and must leave exactly one copy.
type BigFileSink interface {
	Put(hash string, data []byte) error
}

// BigFileSource resolves a BigFile payload by its content hash.
type BigFileSource interface {
	Get(hash string) ([]byte, error)
}

// HashPayload returns the hex SHA-256 of a raw payload; BigFiles are
// content-addressed by it.
func HashPayload(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// BuildBigFileKey returns the object key for a BigFile stored next to
// shardKey: dirname(shardKey)/{prefix}/{hash}.
func BuildBigFileKey(shardKey, prefix, hash string) string {
	prefix = strings.Trim(prefix, "/")
	parent := path.Dir(shardKey)
	if parent == "." {
		parent = ""
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{parent, prefix, hash} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "/")
}

// DirBigFiles stores BigFile payloads as plain files under a directory,
// one file per content hash.
type DirBigFiles struct {
	Dir string
}

// NewDirBigFiles returns a directory-backed BigFile store rooted at dir.
func NewDirBigFiles(dir string) *DirBigFiles {
	return &DirBigFiles{Dir: dir}
}

// Put writes the payload under its hash. An existing file with the same
// hash is left untouched: content addressing makes overwrites pointless.
func (d *DirBigFiles) Put(hash string, data []byte) error {
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create bigfiles dir: %w", err)
	}
	dst := filepath.Join(d.Dir, hash)
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	// Write to a temp name first so a crashed writer never leaves a
	// truncated file under a valid hash name.
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write bigfile %s: %w", hash, err)
	}
	return os.Rename(tmp, dst)
}

// Get reads the payload for hash.
func (d *DirBigFiles) Get(hash string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(d.Dir, hash))
	if err != nil {
		return nil, fmt.Errorf("failed to read bigfile %s: %w", hash, err)
	}
	return data, nil
}
