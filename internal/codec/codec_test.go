package codec

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payloads() map[string][]byte {
	rng := rand.New(rand.NewSource(42))
	random := make([]byte, 64*1024)
	rng.Read(random)

	return map[string][]byte{
		"empty":      {},
		"small":      []byte("model weights"),
		"repetitive": bytes.Repeat([]byte("abcdefgh"), 16*1024),
		"random":     random,
	}
}

func TestRoundTrip(t *testing.T) {
	reg := NewRegistry(Options{})

	for _, tag := range []string{TypeNone, TypeGzip, TypeZstd, TypeS2} {
		for name, p := range payloads() {
			t.Run(tag+"/"+name, func(t *testing.T) {
				compressed, err := reg.Compress(tag, p)
				require.NoError(t, err)

				out, err := reg.Decompress(tag, compressed)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(p, out), "round trip must be lossless")
			})
		}
	}
}

func TestCompressionShrinksRepetitiveData(t *testing.T) {
	reg := NewRegistry(Options{})
	data := bytes.Repeat([]byte("0123456789"), 10000)

	for _, tag := range []string{TypeGzip, TypeZstd, TypeS2} {
		out, err := reg.Compress(tag, data)
		require.NoError(t, err)
		assert.Less(t, len(out), len(data)/4, "codec %s", tag)
	}
}

func TestNoneCodecDoesNotAlias(t *testing.T) {
	in := []byte("abc")
	out, err := NewNone().Compress(in)
	require.NoError(t, err)
	out[0] = 'z'
	assert.Equal(t, byte('a'), in[0])
}

func TestLookup_Unavailable(t *testing.T) {
	reg := NewRegistry(Options{Disabled: []string{"zstd"}})

	tests := []string{TypeLZ4, TypeBrotli, TypeZstd, "unknown-format"}
	for _, tag := range tests {
		t.Run(tag, func(t *testing.T) {
			_, err := reg.Lookup(tag)
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeCodecUnavailable, errors.GetCode(err))

			_, err = reg.Decompress(tag, []byte("payload"))
			assert.Equal(t, errors.ErrCodeCodecUnavailable, errors.GetCode(err),
				"decompression must fail loudly, not pass bytes through")
		})
	}
}

func TestAvailableAndSelect(t *testing.T) {
	reg := NewRegistry(Options{Disabled: []string{TypeS2}})

	assert.Equal(t, []string{TypeGzip, TypeNone, TypeZstd}, reg.Available())

	c, err := reg.Select(TypeLZ4, TypeS2, TypeZstd)
	require.NoError(t, err)
	assert.Equal(t, TypeZstd, c.Type())

	_, err = reg.Select(TypeLZ4)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCodecUnavailable))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, TypeNone, Normalize(""))
	assert.Equal(t, TypeNone, Normalize("Identity"))
	assert.Equal(t, TypeGzip, Normalize(" GZ "))
	assert.Equal(t, TypeZstd, Normalize("zst"))
	assert.Equal(t, "lz4", Normalize("LZ4"))
}

func TestDecompress_Corrupt(t *testing.T) {
	reg := NewRegistry(Options{})
	garbage := []byte("definitely not compressed")

	for _, tag := range []string{TypeGzip, TypeZstd, TypeS2} {
		_, err := reg.Decompress(tag, garbage)
		require.Error(t, err, tag)
		assert.Equal(t, errors.ErrCodeCorruptedData, errors.GetCode(err), tag)
	}
}

func TestGzip_MaxDecoded(t *testing.T) {
	reg := NewRegistry(Options{MaxDecodedBytes: 1024})
	data := bytes.Repeat([]byte{'x'}, 4096)

	compressed, err := reg.Compress(TypeGzip, data)
	require.NoError(t, err)

	_, err = reg.Decompress(TypeGzip, compressed)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCorruptedData))
}
