// Package storage provides durable local storage for captured photo bytes
// and resolution of stored object keys to displayable URLs.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// BlobStore stores photo payloads by their content hash (SHA-256).
// Identical captures are stored only once, and a blob written before an upload
// attempt survives a process restart. The blob for a photo is deleted once its
// pending operation is confirmed synced; a missing blob therefore signals
// "already uploaded" to whichever upload path arrives second.
type BlobStore struct {
	baseDir string
}

// NewBlobStore creates a new BlobStore rooted at baseDir.
func NewBlobStore(baseDir string) *BlobStore {
	return &BlobStore{baseDir: baseDir}
}

// Hash calculates the SHA-256 content hash of a payload.
func Hash(data []byte) string {
	h := sha256.New()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// HashFromReader calculates the SHA-256 content hash from a reader.
func HashFromReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to calculate hash: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// path returns the storage path for a hash:
// baseDir/{hash[0:2]}/{hash[2:4]}/{hash}. The two-level structure keeps
// directories small.
func (s *BlobStore) path(hash string) string {
	return filepath.Join(s.baseDir, hash[0:2], hash[2:4], hash)
}

// Store persists a payload and returns its content hash.
func (s *BlobStore) Store(data []byte) (string, error) {
	hash := Hash(data)

	dir := filepath.Join(s.baseDir, hash[0:2], hash[2:4])
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	filePath := filepath.Join(dir, hash)

	// Check if file already exists (deduplication)
	if _, err := os.Stat(filePath); err == nil {
		return hash, nil
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	return hash, nil
}

// Retrieve reads a payload by content hash.
// Returns os.ErrNotExist (wrapped) when the blob is gone.
func (s *BlobStore) Retrieve(hash string) ([]byte, error) {
	data, err := os.ReadFile(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob not found %s: %w", hash, err)
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// Exists reports whether a blob is present.
func (s *BlobStore) Exists(hash string) bool {
	_, err := os.Stat(s.path(hash))
	return err == nil
}

// Delete removes a payload. Deleting an already-deleted blob is a no-op, so
// the second of the two upload paths can call it safely.
func (s *BlobStore) Delete(hash string) error {
	err := os.Remove(s.path(hash))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}
