package datacache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// fileFormatVersion is prefixed to cache file names so the on-disk layout
// can change without misreading entries written by older versions.
const fileFormatVersion = "v1-"

// FileStore is a file-backed Store. Blobs are addressed by the sha256 of
// their key and organized into 256 subdirectories (00-ff) based on the
// first digest byte, similar to Go's build cache structure.
//
// Writes go to a temp file followed by an atomic rename, guarded by a file
// lock so concurrent processes sharing the directory never interleave
// writes to the same key.
type FileStore struct {
	dir    string // absolute path to the cache directory
	logger *slog.Logger
}

// fileMetadata holds sidecar metadata for a cached blob.
type fileMetadata struct {
	Size    int64
	PutTime time.Time
}

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Ensure cache directory exists
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Convert to absolute path once at initialization
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	// Precreate all 256 subdirectories (00-ff) to avoid syscalls during writes
	for i := 0; i < 256; i++ {
		subdir := fmt.Sprintf("%02x", i)
		if err := os.MkdirAll(filepath.Join(absDir, subdir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create subdirectory %s: %w", subdir, err)
		}
	}

	return &FileStore{dir: absDir, logger: logger}, nil
}

// Data returns the blob stored under key, or nil on a miss.
// Read failures other than absence are logged and reported as a miss.
func (fs *FileStore) Data(key string) []byte {
	data, err := os.ReadFile(fs.keyToPath(key))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fs.logger.Warn("failed to read cache file",
				"key", key,
				"error", err)
		}
		return nil
	}
	return data
}

// StoreData atomically writes the blob under key, with a sidecar metadata
// file recording size and write time for sweeping.
func (fs *FileStore) StoreData(key string, data []byte) {
	path := fs.keyToPath(key)

	// Serialize writers for this key across processes sharing the directory.
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		fs.logger.Warn("failed to acquire cache file lock",
			"key", key,
			"error", err)
		return
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			fs.logger.Warn("failed to release cache file lock",
				"key", key,
				"error", err)
		}
	}()

	// Write to temp file first, then atomically rename. This prevents any
	// partial cache files from ever existing, although it increases the
	// number of syscalls we need to perform.
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		fs.logger.Warn("failed to write temp cache file",
			"key", key,
			"error", err)
		os.Remove(tmpPath)
		return
	}
	if err := os.Rename(tmpPath, path); err != nil {
		fs.logger.Warn("failed to rename cache file",
			"key", key,
			"error", err)
		os.Remove(tmpPath)
		return
	}

	if err := fs.writeMetadata(path, fileMetadata{
		Size:    int64(len(data)),
		PutTime: time.Now(),
	}); err != nil {
		// Continue - data is cached, just missing metadata
		fs.logger.Warn("failed to write cache metadata",
			"key", key,
			"error", err)
	}
}

// RemoveData removes the blob stored under key along with its sidecar files.
func (fs *FileStore) RemoveData(key string) {
	path := fs.keyToPath(key)
	for _, p := range []string{path, path + ".meta", path + ".lock"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			fs.logger.Warn("failed to remove cache file",
				"key", key,
				"path", p,
				"error", err)
		}
	}
}

// ContainsData reports whether a blob is stored under key.
func (fs *FileStore) ContainsData(key string) bool {
	_, err := os.Stat(fs.keyToPath(key))
	return err == nil
}

// Clear removes all entries from the store.
func (fs *FileStore) Clear() error {
	for i := 0; i < 256; i++ {
		subdir := filepath.Join(fs.dir, fmt.Sprintf("%02x", i))
		names, err := os.ReadDir(subdir)
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", subdir, err)
		}
		for _, name := range names {
			if err := os.Remove(filepath.Join(subdir, name.Name())); err != nil {
				return fmt.Errorf("failed to remove %s: %w", name.Name(), err)
			}
		}
	}
	return nil
}

// Sweep removes the oldest entries until the store's total size is at most
// maxBytes. Returns the number of bytes removed. Entry age comes from the
// sidecar metadata, falling back to file modification time when the sidecar
// is missing or corrupted.
func (fs *FileStore) Sweep(maxBytes int64) int64 {
	type swept struct {
		path    string
		size    int64
		putTime time.Time
	}

	var entries []swept
	var total int64
	for i := 0; i < 256; i++ {
		subdir := filepath.Join(fs.dir, fmt.Sprintf("%02x", i))
		names, err := os.ReadDir(subdir)
		if err != nil {
			continue
		}
		for _, name := range names {
			if strings.HasSuffix(name.Name(), ".meta") ||
				strings.HasSuffix(name.Name(), ".lock") ||
				strings.HasSuffix(name.Name(), ".tmp") {
				continue
			}
			path := filepath.Join(subdir, name.Name())
			info, err := name.Info()
			if err != nil {
				continue
			}
			e := swept{path: path, size: info.Size(), putTime: info.ModTime()}
			if meta, err := fs.readMetadata(path); err == nil {
				e.putTime = meta.PutTime
			}
			entries = append(entries, e)
			total += e.size
		}
	}

	if total <= maxBytes {
		return 0
	}

	// Oldest first
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].putTime.Before(entries[j].putTime)
	})

	var removed int64
	for _, e := range entries {
		if total <= maxBytes {
			break
		}
		if err := os.Remove(e.path); err != nil {
			fs.logger.Warn("failed to sweep cache file", "path", e.path, "error", err)
			continue
		}
		os.Remove(e.path + ".meta")
		os.Remove(e.path + ".lock")
		total -= e.size
		removed += e.size
	}
	return removed
}

// writeMetadata writes the sidecar metadata file for a cache entry.
func (fs *FileStore) writeMetadata(path string, meta fileMetadata) error {
	// Format: size:num\ntime:unix\n
	content := fmt.Sprintf("size:%d\ntime:%d\n", meta.Size, meta.PutTime.Unix())

	tmpPath := path + ".meta.tmp"
	if err := os.WriteFile(tmpPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write temp metadata: %w", err)
	}
	if err := os.Rename(tmpPath, path+".meta"); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename metadata: %w", err)
	}
	return nil
}

// readMetadata reads the sidecar metadata file for a cache entry.
// Returns an error if metadata doesn't exist or is corrupted.
func (fs *FileStore) readMetadata(path string) (*fileMetadata, error) {
	data, err := os.ReadFile(path + ".meta")
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var size int64
	var putTimeUnix int64
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "size:") {
			fmt.Sscanf(line, "size:%d", &size)
		} else if strings.HasPrefix(line, "time:") {
			fmt.Sscanf(line, "time:%d", &putTimeUnix)
		}
	}
	if putTimeUnix == 0 {
		return nil, fmt.Errorf("metadata missing time field")
	}

	return &fileMetadata{Size: size, PutTime: time.Unix(putTimeUnix, 0)}, nil
}

// keyToPath converts a cache key to a file path inside the store.
func (fs *FileStore) keyToPath(key string) string {
	digest := sha256.Sum256([]byte(key))
	hexDigest := hex.EncodeToString(digest[:])
	// Use first two hex characters (first byte) of the digest as the subdirectory
	return filepath.Join(fs.dir, hexDigest[:2], fileFormatVersion+hexDigest)
}
