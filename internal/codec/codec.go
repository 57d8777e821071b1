// Package codec provides the pluggable byte-stream transforms used to store
// and transfer model blobs.
//
// Every codec is identified by a type tag that is persisted in model metadata.
// A codec may be registered yet unavailable on a given deployment; selecting
// an unavailable codec is always an explicit CodecUnavailable error, never a
// silent pass-through.
package codec

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/errors"
)

// Type tags.
const (
	TypeNone   = "none"
	TypeGzip   = "gzip"
	TypeZstd   = "zstd"
	TypeS2     = "s2"
	TypeLZ4    = "lz4"
	TypeBrotli = "brotli"
)

// Codec is a reversible byte transform.
type Codec interface {
	// Type returns the tag stored in metadata.
	Type() string
	// IsAvailable reports whether the codec can run in this process.
	IsAvailable() bool
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// Normalize maps user supplied tags onto canonical ones.
func Normalize(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	switch tag {
	case "", "identity", "raw":
		return TypeNone
	case "gz":
		return TypeGzip
	case "zst":
		return TypeZstd
	default:
		return tag
	}
}

type noneCodec struct{}

// NewNone returns the identity codec.
func NewNone() Codec { return noneCodec{} }

func (noneCodec) Type() string      { return TypeNone }
func (noneCodec) IsAvailable() bool { return true }

func (noneCodec) Compress(data []byte) ([]byte, error) {
	return bytes.Clone(data), nil
}

func (noneCodec) Decompress(data []byte) ([]byte, error) {
	return bytes.Clone(data), nil
}

type gzipCodec struct {
	level    int
	maxBytes int64
}

// NewGzip returns a gzip codec. maxDecoded limits decompressed output (0 = unlimited).
func NewGzip(level int, maxDecoded int64) Codec {
	if level == 0 {
		level = gzip.DefaultCompression
	}
	return &gzipCodec{level: level, maxBytes: maxDecoded}
}

func (c *gzipCodec) Type() string      { return TypeGzip }
func (c *gzipCodec) IsAvailable() bool { return true }

func (c *gzipCodec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("create gzip writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *gzipCodec) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.CorruptedData("invalid gzip stream", err)
	}
	defer r.Close()

	var src io.Reader = r
	if c.maxBytes > 0 {
		src = io.LimitReader(r, c.maxBytes+1)
	}
	out, err := io.ReadAll(src)
	if err != nil {
		return nil, errors.CorruptedData("gzip decode failed", err)
	}
	if c.maxBytes > 0 && int64(len(out)) > c.maxBytes {
		return nil, errors.CorruptedData(fmt.Sprintf("gzip output exceeds %d bytes", c.maxBytes), nil)
	}
	return out, nil
}

type zstdCodec struct {
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	initErr error
}

// NewZstd returns a zstd codec. The shared encoder and decoder are safe for
// concurrent EncodeAll/DecodeAll calls. If construction fails the codec
// reports itself unavailable.
func NewZstd(level int, maxDecoded uint64) Codec {
	c := &zstdCodec{}
	eopts := []zstd.EOption{zstd.WithEncoderConcurrency(1)}
	if level > 0 {
		eopts = append(eopts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	}
	enc, err := zstd.NewWriter(nil, eopts...)
	if err != nil {
		c.initErr = fmt.Errorf("create zstd encoder: %w", err)
		return c
	}
	dopts := []zstd.DOption{zstd.WithDecoderConcurrency(0)}
	if maxDecoded > 0 {
		dopts = append(dopts, zstd.WithDecoderMaxMemory(maxDecoded))
	}
	dec, err := zstd.NewReader(nil, dopts...)
	if err != nil {
		enc.Close()
		c.initErr = fmt.Errorf("create zstd decoder: %w", err)
		return c
	}
	c.enc = enc
	c.dec = dec
	return c
}

func (c *zstdCodec) Type() string      { return TypeZstd }
func (c *zstdCodec) IsAvailable() bool { return c.initErr == nil }

func (c *zstdCodec) Compress(data []byte) ([]byte, error) {
	if c.initErr != nil {
		return nil, errors.CodecUnavailable(TypeZstd)
	}
	return c.enc.EncodeAll(data, make([]byte, 0, len(data)/2+64)), nil
}

func (c *zstdCodec) Decompress(data []byte) ([]byte, error) {
	if c.initErr != nil {
		return nil, errors.CodecUnavailable(TypeZstd)
	}
	out, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, errors.CorruptedData("zstd decode failed", err)
	}
	return out, nil
}

type s2Codec struct {
	maxBytes int
}

// NewS2 returns an s2 (snappy-compatible) codec.
func NewS2(maxDecoded int) Codec {
	return &s2Codec{maxBytes: maxDecoded}
}

func (c *s2Codec) Type() string      { return TypeS2 }
func (c *s2Codec) IsAvailable() bool { return true }

func (c *s2Codec) Compress(data []byte) ([]byte, error) {
	return s2.EncodeBetter(nil, data), nil
}

func (c *s2Codec) Decompress(data []byte) ([]byte, error) {
	n, err := s2.DecodedLen(data)
	if err != nil {
		return nil, errors.CorruptedData("invalid s2 block", err)
	}
	if c.maxBytes > 0 && n > c.maxBytes {
		return nil, errors.CorruptedData(fmt.Sprintf("s2 output %d exceeds %d bytes", n, c.maxBytes), nil)
	}
	out, err := s2.Decode(nil, data)
	if err != nil {
		return nil, errors.CorruptedData("s2 decode failed", err)
	}
	return out, nil
}

// unavailableCodec stands in for a tag this deployment cannot run.
type unavailableCodec struct {
	tag string
}

// Unavailable returns a codec that is registered under tag but refuses all work.
func Unavailable(tag string) Codec {
	return unavailableCodec{tag: Normalize(tag)}
}

func (u unavailableCodec) Type() string      { return u.tag }
func (u unavailableCodec) IsAvailable() bool { return false }

func (u unavailableCodec) Compress([]byte) ([]byte, error) {
	return nil, errors.CodecUnavailable(u.tag)
}

func (u unavailableCodec) Decompress([]byte) ([]byte, error) {
	return nil, errors.CodecUnavailable(u.tag)
}
