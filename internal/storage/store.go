package storage

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a concurrent transaction touched the same key.
	ErrConflict = errors.New("write conflict")
)

// Store is a bucketed key/value store. Values are opaque bytes, usually JSON.
type Store interface {
	Put(bucket, key string, value []byte) error
	Get(bucket, key string) ([]byte, error)
	// Update reads the current value (nil when absent) and writes whatever fn
	// returns, in one serializable transaction. Returning an error from fn
	// aborts the write and is passed through.
	Update(bucket, key string, fn func(current []byte) ([]byte, error)) error
	ForEach(bucket string, fn func(key, value []byte) error) error
	Delete(bucket, key string) error
	Close() error
}
