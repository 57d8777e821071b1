package blobstore

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o755
	defaultFilePerm       = 0o644

	blobSuffix = ".blob"
	indexName  = "index.json"
)

// ErrNotExist is returned for missing keys. It wraps fs.ErrNotExist.
var ErrNotExist = fmt.Errorf("blob not found: %w", fs.ErrNotExist)

var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{4,128}$`)

// Backend is the durable key-value store behind the model cache: blobs by key
// plus a single small index record. Implementations must make each Put and
// WriteIndex atomic with respect to crashes.
type Backend interface {
	Put(key string, data []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	Exists(key string) bool
	Keys() ([]string, error)
	ReadIndex() ([]byte, error)
	WriteIndex(data []byte) error
	// Dir returns the filesystem root, or "" for non-file backends.
	Dir() string
}

// FileBackend stores blobs as files in a sharded directory tree.
// It is safe for concurrent use on distinct keys.
type FileBackend struct {
	dir            string
	shardPrefixLen int
	dirPerm        os.FileMode
	filePerm       os.FileMode
	syncWrites     bool
}

// Option configures a FileBackend.
type Option func(*FileBackend)

// WithShardPrefixLen sets the number of key characters used for sharding.
// Use 0 to disable sharding.
func WithShardPrefixLen(n int) Option {
	return func(b *FileBackend) {
		b.shardPrefixLen = n
	}
}

// WithSyncWrites fsyncs every blob and index write before rename.
func WithSyncWrites(enabled bool) Option {
	return func(b *FileBackend) {
		b.syncWrites = enabled
	}
}

// NewFileBackend creates a file backend rooted at dir.
func NewFileBackend(dir string, opts ...Option) (*FileBackend, error) {
	if dir == "" {
		return nil, stderrors.New("blobstore dir is empty")
	}
	b := &FileBackend{
		dir:            dir,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
		filePerm:       defaultFilePerm,
		syncWrites:     true,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.shardPrefixLen < 0 {
		return nil, stderrors.New("shard prefix length must be >= 0")
	}
	if err := os.MkdirAll(b.blobRoot(), b.dirPerm); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return b, nil
}

// Dir returns the backend root directory.
func (b *FileBackend) Dir() string {
	return b.dir
}

func (b *FileBackend) blobRoot() string {
	return filepath.Join(b.dir, "blobs")
}

func (b *FileBackend) path(key string) (string, error) {
	if !keyPattern.MatchString(key) {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	if b.shardPrefixLen == 0 || len(key) <= b.shardPrefixLen {
		return filepath.Join(b.blobRoot(), key+blobSuffix), nil
	}
	return filepath.Join(b.blobRoot(), key[:b.shardPrefixLen], key+blobSuffix), nil
}

// Put writes data under key, replacing any previous content atomically.
func (b *FileBackend) Put(key string, data []byte) error {
	path, err := b.path(key)
	if err != nil {
		return err
	}
	return b.atomicWrite(path, data)
}

// Get returns the content stored under key.
func (b *FileBackend) Get(key string) ([]byte, error) {
	path, err := b.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from a validated key
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotExist
		}
		return nil, err
	}
	return data, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (b *FileBackend) Delete(key string) error {
	path, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Exists reports whether key is stored.
func (b *FileBackend) Exists(key string) bool {
	path, err := b.path(key)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Keys lists every stored key. Leftover temp files are removed on the way.
func (b *FileBackend) Keys() ([]string, error) {
	var keys []string
	err := filepath.WalkDir(b.blobRoot(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if stderrors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".tmp-") {
			_ = os.Remove(path)
			return nil
		}
		if strings.HasSuffix(name, blobSuffix) {
			keys = append(keys, strings.TrimSuffix(name, blobSuffix))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// ReadIndex returns the raw index record, or ErrNotExist.
func (b *FileBackend) ReadIndex() ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, indexName))
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotExist
		}
		return nil, err
	}
	return data, nil
}

// WriteIndex replaces the index record atomically.
func (b *FileBackend) WriteIndex(data []byte) error {
	return b.atomicWrite(filepath.Join(b.dir, indexName), data)
}

// atomicWrite writes to a temp file in the target directory and renames it into place.
func (b *FileBackend) atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, b.dirPerm); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if b.syncWrites {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			_ = os.Remove(tmpPath)
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, b.filePerm); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
