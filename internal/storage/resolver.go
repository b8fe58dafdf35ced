// Package storage provides durable local storage for captured photo bytes
// and resolution of stored object keys to displayable URLs.
package storage

import (
	"fmt"
	"strings"

	"github.com/rmazur/fieldsync/internal/logging"
)

// URLResolver turns a stored object key into a URL the UI can display.
// Consulted by the photo upload pipeline and the cache-first read path; the
// pending operation queue never touches it.
type URLResolver interface {
	// ResolveURL returns a displayable URL for a stored key, or an error when
	// the resolver does not handle the key.
	ResolveURL(key string) (string, error)
}

// BucketResolver resolves bucket-style object keys (uploads/..., photos/...)
// against an S3-compatible bucket using virtual-host style URLs.
type BucketResolver struct {
	Endpoint   string // e.g. s3.us-west-2.amazonaws.com
	BucketName string
}

// ResolveURL implements URLResolver for bucket-style keys. Keys that carry a
// path separator are treated as bucket keys; bare legacy file names are not.
func (r *BucketResolver) ResolveURL(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty storage key")
	}
	if !strings.Contains(key, "/") {
		return "", fmt.Errorf("not a bucket-style key: %s", key)
	}
	return fmt.Sprintf("https://%s.%s/%s", r.BucketName, r.Endpoint, key), nil
}

// LegacyResolver resolves bare file names against the legacy file-retrieval
// endpoint of the inspection API.
type LegacyResolver struct {
	BaseURL string // e.g. https://api.example.com
}

// ResolveURL implements URLResolver for legacy keys.
func (r *LegacyResolver) ResolveURL(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty storage key")
	}
	return fmt.Sprintf("%s/files/%s", strings.TrimRight(r.BaseURL, "/"), key), nil
}

// ChainResolver tries resolvers in order and returns the first hit. The
// standard chain tries the bucket-style resolver first and falls back to the
// legacy file-retrieval form.
type ChainResolver struct {
	resolvers []URLResolver
}

// NewChainResolver builds a resolver chain. Order matters.
func NewChainResolver(resolvers ...URLResolver) *ChainResolver {
	return &ChainResolver{resolvers: resolvers}
}

// ResolveURL implements URLResolver.
func (c *ChainResolver) ResolveURL(key string) (string, error) {
	var lastErr error
	for _, r := range c.resolvers {
		url, err := r.ResolveURL(key)
		if err == nil {
			return url, nil
		}
		lastErr = err
	}
	logging.Debug("No resolver handled storage key",
		map[string]interface{}{"key": key})
	if lastErr == nil {
		lastErr = fmt.Errorf("no resolvers configured")
	}
	return "", fmt.Errorf("unresolvable storage key %q: %w", key, lastErr)
}
