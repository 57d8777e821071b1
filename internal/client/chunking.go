package client

import "time"

const chunkAlign = 64 << 10

// SelectChunkSize sizes download chunks from network health: maxSize scaled by
// score, quartered when latency is above highLatency, aligned down to 64 KiB
// and clamped to [minSize, maxSize].
func SelectChunkSize(score float64, latency time.Duration, minSize, maxSize int64, highLatency time.Duration) int64 {
	if maxSize <= 0 {
		return 0
	}
	if minSize > maxSize {
		minSize = maxSize
	}
	if score < 0 {
		score = 0
	} else if score > 1 {
		score = 1
	}

	size := int64(float64(maxSize) * score)
	if highLatency > 0 && latency > highLatency {
		size /= 4
	}
	size -= size % chunkAlign

	if size < minSize {
		size = minSize
	}
	if size > maxSize {
		size = maxSize
	}
	return size
}
