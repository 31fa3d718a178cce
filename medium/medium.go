// Package medium provides the persistent byte stores behind the response cache.
//
// A Medium is a flat key/value space. Keys are produced by the cache key
// builder and are safe to use as file names. No multi-key atomicity is
// assumed by callers.
package medium

//go:generate mockgen -source=medium.go -destination=../internal/mock/medium.go -package=mock

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Read when the key is absent.
var ErrNotFound = errors.New("medium: key not found")

// Medium stores opaque cache entries.
type Medium interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, value []byte) error
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// Kind names a medium implementation in configuration.
type Kind string

const (
	KindFiles   Kind = "files"
	KindMemory  Kind = "memory"
	KindLevelDB Kind = "leveldb"
	KindRedis   Kind = "redis"
)
