package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for missing or expired keys.
var ErrNotFound = errors.New("not found")

// Store is the shared key-value contract used for execution and definition
// persistence, metric snapshots and dead-letter records. No transactional
// multi-key guarantees are made; single-key writes are last-writer-wins.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes value under key. ttl <= 0 means the key never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// List returns the keys under prefix. Used for operator listings only;
	// hot paths address keys directly.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
