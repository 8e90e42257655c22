// Package datacache defines the key→blob store that backs the pipeline's
// second cache tier and provides file-backed and in-memory implementations.
package datacache

import "sync"

// Store is the interface for encoded-data cache storage.
// Implementations can be swapped to use different storage mechanisms.
//
// Implementations must be safe for concurrent use and provide
// read-after-write consistency for a single key from a single writer. They
// report failures by logging internally and behaving as a miss; the
// pipeline treats the data cache as best-effort.
type Store interface {
	// Data returns the blob stored under key, or nil on a miss.
	Data(key string) []byte

	// StoreData stores the blob under key, replacing any existing blob.
	StoreData(key string, data []byte)

	// RemoveData removes the blob stored under key, if any.
	RemoveData(key string)

	// ContainsData reports whether a blob is stored under key.
	ContainsData(key string) bool
}

// MemoryStore is a map-backed Store. It is used in tests and as an
// ephemeral cache when no cache directory is configured.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Data(key string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

func (s *MemoryStore) StoreData(key string, data []byte) {
	stored := make([]byte, len(data))
	copy(stored, data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = stored
}

func (s *MemoryStore) RemoveData(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
}

func (s *MemoryStore) ContainsData(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[key]
	return ok
}

// Len returns the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
