package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeChecksum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"simple", []byte("hello world")},
		{"binary", []byte{0x00, 0x01, 0x02, 0x03, 0xFF}},
		{"large", make([]byte, 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sum1 := ComputeChecksum(tt.data)
			sum2 := ComputeChecksum(tt.data)

			assert.Equal(t, sum1, sum2, "checksums should be deterministic")
			assert.True(t, strings.HasPrefix(sum1, "sha256:"))
		})
	}
}

func TestVerifyChecksum(t *testing.T) {
	data := []byte("test data for checksum validation")
	sum := ComputeChecksum(data)

	actual, ok, err := VerifyChecksum(data, sum)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, sum, actual)

	// bare hex is treated as sha256
	_, ok, err = VerifyChecksum(data, strings.TrimPrefix(sum, "sha256:"))
	require.NoError(t, err)
	assert.True(t, ok)

	corrupted := append([]byte{}, data...)
	corrupted[0] ^= 0xFF
	actual, ok, err = VerifyChecksum(corrupted, sum)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotEqual(t, sum, actual)
}

func TestParseChecksum_Invalid(t *testing.T) {
	for _, in := range []string{"", "   ", "sha256:xyz", "md5:abcd"} {
		_, err := ParseChecksum(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestAppendAndStripCRC32(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"simple", []byte("hello world")},
		{"binary", []byte{0x00, 0x01, 0x02, 0x03, 0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			framed := AppendCRC32(tt.data)
			require.Len(t, framed, len(tt.data)+4)

			data, valid := ValidateAndStripCRC32(framed)
			assert.True(t, valid)
			assert.Equal(t, tt.data, data)
		})
	}
}

func TestValidateAndStripCRC32_Corrupted(t *testing.T) {
	framed := AppendCRC32([]byte("index payload"))
	framed[2] ^= 0x01

	_, valid := ValidateAndStripCRC32(framed)
	assert.False(t, valid)

	_, valid = ValidateAndStripCRC32([]byte{1, 2})
	assert.False(t, valid)
}
