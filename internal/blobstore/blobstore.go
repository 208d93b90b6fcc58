// Package blobstore implements the Raw Payload Store: a
// content-addressed key-value blob store, with a local-disk implementation
// for small/standalone deployments and an S3-backed implementation for
// large-attachment references.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Store is the abstract content-addressed blob store contract.
type Store interface {
	// Put stores bytes and returns a stable blob_ref. Idempotent: storing
	// the same bytes twice returns the same ref (content-addressed).
	Put(ctx context.Context, data []byte) (blobRef string, err error)
	// Get retrieves bytes by blob_ref.
	Get(ctx context.Context, blobRef string) ([]byte, error)
	// URL returns a fetchable URL for the blob_ref, if this backend
	// supports it (S3-backed stores do; local-disk does not).
	URL(ctx context.Context, blobRef string) (string, bool)
}

// ContentHash computes the content-addressed key for a payload. The key
// must be stable across retries, so it is the sha256 hex of the bytes.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
