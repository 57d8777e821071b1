package util

import (
	_ "crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Content checksums are OCI-style digests ("sha256:<hex>"). A bare 64 character
// hex string is accepted as a sha256 digest.

var crc32Table = crc32.MakeTable(crc32.IEEE)

// ComputeChecksum returns the sha256 digest string for data
func ComputeChecksum(data []byte) string {
	return digest.FromBytes(data).String()
}

// ParseChecksum normalizes a checksum string into a digest
func ParseChecksum(s string) (digest.Digest, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty checksum")
	}
	if !strings.Contains(s, ":") {
		s = string(digest.SHA256) + ":" + strings.ToLower(s)
	}
	d, err := digest.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid checksum %q: %w", s, err)
	}
	return d, nil
}

// VerifyChecksum checks data against an expected checksum.
// It returns the actual digest string, using the expected digest's algorithm.
func VerifyChecksum(data []byte, expected string) (string, bool, error) {
	want, err := ParseChecksum(expected)
	if err != nil {
		return "", false, err
	}
	got := want.Algorithm().FromBytes(data)
	return got.String(), got == want, nil
}

// ComputeCRC32 computes a CRC32 checksum for the given data
func ComputeCRC32(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// AppendCRC32 appends a 4-byte little-endian CRC32 to the data
// Format: [data][crc32 (4 bytes)]
func AppendCRC32(data []byte) []byte {
	result := make([]byte, len(data)+4)
	copy(result, data)
	binary.LittleEndian.PutUint32(result[len(data):], ComputeCRC32(data))
	return result
}

// ValidateAndStripCRC32 validates the trailer and returns data without it
func ValidateAndStripCRC32(framed []byte) ([]byte, bool) {
	if len(framed) < 4 {
		return nil, false
	}
	n := len(framed) - 4
	data := framed[:n]
	return data, ComputeCRC32(data) == binary.LittleEndian.Uint32(framed[n:])
}
