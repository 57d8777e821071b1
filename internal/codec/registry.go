package codec

import (
	"sort"
	"sync"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/errors"
)

// Options configures the default registry.
type Options struct {
	// Disabled lists tags that must report unavailable on this deployment.
	Disabled []string
	// ZstdLevel is the zstd compression level (0 = library default).
	ZstdLevel int
	// GzipLevel is the gzip level (0 = default).
	GzipLevel int
	// MaxDecodedBytes bounds decompressed output per blob (0 = unlimited).
	MaxDecodedBytes int64
}

// Registry maps type tags to codecs. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry creates a registry with none, gzip, zstd and s2 registered and
// lz4/brotli known but unavailable.
func NewRegistry(opts Options) *Registry {
	r := &Registry{codecs: make(map[string]Codec)}

	var maxZstd uint64
	var maxS2 int
	if opts.MaxDecodedBytes > 0 {
		maxZstd = uint64(opts.MaxDecodedBytes)
		maxS2 = int(opts.MaxDecodedBytes)
	}

	r.Register(NewNone())
	r.Register(NewGzip(opts.GzipLevel, opts.MaxDecodedBytes))
	r.Register(NewZstd(opts.ZstdLevel, maxZstd))
	r.Register(NewS2(maxS2))
	r.Register(Unavailable(TypeLZ4))
	r.Register(Unavailable(TypeBrotli))

	for _, tag := range opts.Disabled {
		r.Disable(tag)
	}
	return r
}

// Register adds or replaces a codec under its type tag.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[Normalize(c.Type())] = c
}

// Disable replaces the codec for tag with an unavailable stand-in.
func (r *Registry) Disable(tag string) {
	r.Register(Unavailable(tag))
}

// Get returns the codec registered for tag, available or not.
func (r *Registry) Get(tag string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[Normalize(tag)]
	return c, ok
}

// Lookup returns an available codec for tag or a CodecUnavailable error.
// It is used for both directions: decompressing with an unavailable codec is
// as fatal as compressing with one.
func (r *Registry) Lookup(tag string) (Codec, error) {
	c, ok := r.Get(tag)
	if !ok || !c.IsAvailable() {
		return nil, errors.CodecUnavailable(Normalize(tag))
	}
	return c, nil
}

// Select returns the first available codec among preferred.
func (r *Registry) Select(preferred ...string) (Codec, error) {
	for _, tag := range preferred {
		if c, err := r.Lookup(tag); err == nil {
			return c, nil
		}
	}
	if len(preferred) == 0 {
		return nil, errors.CodecUnavailable("")
	}
	return nil, errors.CodecUnavailable(Normalize(preferred[len(preferred)-1]))
}

// Available lists the tags that can currently be used, sorted.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.codecs))
	for tag, c := range r.codecs {
		if c.IsAvailable() {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags
}

// Compress compresses data with the codec named by tag.
func (r *Registry) Compress(tag string, data []byte) ([]byte, error) {
	c, err := r.Lookup(tag)
	if err != nil {
		return nil, err
	}
	return c.Compress(data)
}

// Decompress decompresses data with the codec named by tag.
func (r *Registry) Decompress(tag string, data []byte) ([]byte, error) {
	c, err := r.Lookup(tag)
	if err != nil {
		return nil, err
	}
	return c.Decompress(data)
}
