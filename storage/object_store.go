package storage

import (
	"context"
	"time"
)

// PresignedPair holds a matched PUT/GET presigned URL set for one key.
type PresignedPair struct {
	Put string `json:"put"`
	Get string `json:"get"`
	Key string `json:"key"`
}

// ObjectStore defines the object-store operations the pipeline needs.
// This interface abstracts the S3 client to enable dependency injection and
// testing with in-memory implementations. Keys follow the grammar in keys.go;
// writes to the same key are idempotent by construction.
type ObjectStore interface {
	// Put uploads an object. Re-invocation overwrites the same key.
	Put(ctx context.Context, key, contentType string, body []byte) error

	// Get retrieves an object's bytes.
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// PresignGet returns a short-lived GET URL for the key.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)

	// PresignPut returns a short-lived PUT URL for the key.
	PresignPut(ctx context.Context, key string, ttl time.Duration) (string, error)
}
