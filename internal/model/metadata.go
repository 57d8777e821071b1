package model

import "time"

// ModelMetadata describes one version of a model blob.
// Version and Checksum together certify content identity.
type ModelMetadata struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Version         string    `json:"version"`
	Type            string    `json:"type"`
	CompressionType string    `json:"compression_type"`
	Checksum        string    `json:"checksum"`
	SizeBytes       int64     `json:"size_bytes"`
	Created         time.Time `json:"created"`
	Updated         time.Time `json:"updated"`
	Tags            []string  `json:"tags,omitempty"`
}

// Clone returns a deep copy of the metadata
func (m ModelMetadata) Clone() ModelMetadata {
	out := m
	if m.Tags != nil {
		out.Tags = append([]string(nil), m.Tags...)
	}
	return out
}

// SameContent reports whether two records certify the same content
func (m ModelMetadata) SameContent(other ModelMetadata) bool {
	return m.ID == other.ID && m.Version == other.Version && m.Checksum == other.Checksum
}

// CachedModel is the storage record for the single cached version of a model
type CachedModel struct {
	Metadata        ModelMetadata `json:"metadata"`
	BlobKey         string        `json:"blob_key"`
	OriginalSize    int64         `json:"original_size"`
	CompressedSize  int64         `json:"compressed_size"`
	CompressionType string        `json:"compression_type"`
	LastAccessed    time.Time     `json:"last_accessed"`
	AccessCount     int64         `json:"access_count"`
	IsPinned        bool          `json:"is_pinned"`
}

// CompressionRatio returns compressedSize/originalSize, or 1 for empty blobs
func (c CachedModel) CompressionRatio() float64 {
	return CompressionRatio(c.CompressedSize, c.OriginalSize)
}

// CompressionRatio computes compressed/original, treating an empty original as ratio 1
func CompressionRatio(compressed, original int64) float64 {
	if original <= 0 {
		return 1
	}
	return float64(compressed) / float64(original)
}

// StoredModel is a decompressed blob returned by a storage read
type StoredModel struct {
	Data   []byte
	Record CachedModel
}
