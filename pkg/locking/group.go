// Package locking provides mutual exclusion over sets of string keys.
//
// The pipeline uses a Group to serialize disk cache writes for a given
// cache key: no two store operations may write the same key concurrently,
// regardless of which stage queue they were scheduled on.
package locking

// locking.Group is an abstraction for running functions with mutual exclusion
// over sets of keys.
type Group interface {
	// DoWithLock runs the given function with mutual exclusion over the given key.
	DoWithLock(key string, fn func() error) error
}
