package service

import (
	"bytes"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/metrics"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/model"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/util"
)

// HotCacheConfig holds hot cache configuration
type HotCacheConfig struct {
	MaxBytes int64         // 0 disables the hot cache
	MaxIdle  time.Duration // unpinned entries unused this long are swept; 0 disables
}

// HotEntry is one decompressed buffer. The cache keeps its own copy: Put
// copies in and Get copies out, so callers may modify what they hold.
type HotEntry struct {
	Data             []byte
	Metadata         model.ModelMetadata
	CompressionRatio float64
}

type hotItem struct {
	entry    HotEntry
	lastUsed time.Time
}

// HotCacheService keeps recently used model buffers in memory under a byte
// quota. Pinned ids are skipped by eviction; the pin set is independent of
// presence so a model pinned before it is loaded stays protected.
type HotCacheService struct {
	config  *HotCacheConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	clock   util.Clock

	mu          sync.Mutex
	lru         *simplelru.LRU[string, *hotItem]
	currentSize int64
	pinned      map[string]bool
}

// NewHotCacheService creates a new hot cache
func NewHotCacheService(cfg *HotCacheConfig, m *metrics.Metrics, logger *zap.Logger) *HotCacheService {
	lru, _ := simplelru.NewLRU[string, *hotItem](math.MaxInt32, nil)
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HotCacheService{
		config:  cfg,
		logger:  logger,
		metrics: m,
		clock:   util.SystemClock(),
		lru:     lru,
		pinned:  make(map[string]bool),
	}
}

// SetClock replaces the clock used for idle tracking
func (s *HotCacheService) SetClock(c util.Clock) {
	s.mu.Lock()
	s.clock = c
	s.mu.Unlock()
}

// Get returns a copy of the buffer for id and marks it most recently used
func (s *HotCacheService) Get(id string) (*HotEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.lru.Get(id)
	if !ok {
		return nil, false
	}
	item.lastUsed = s.clock.Now()
	return cloneHotEntry(&item.entry), true
}

// Contains reports whether id is held, without touching recency
func (s *HotCacheService) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Contains(id)
}

// Put stores a copy of entry, replacing any previous one for id, then sweeps.
// It returns false when the entry could not be kept within the quota.
func (s *HotCacheService) Put(id string, entry *HotEntry) bool {
	if s.config.MaxBytes <= 0 {
		return false
	}
	size := int64(len(entry.Data))

	s.mu.Lock()
	defer s.mu.Unlock()

	if size > s.config.MaxBytes && !s.pinned[id] {
		s.removeLocked(id)
		s.metrics.UpdateHotCacheSize(s.currentSize)
		return false
	}

	s.removeLocked(id)
	s.lru.Add(id, &hotItem{entry: *cloneHotEntry(entry), lastUsed: s.clock.Now()})
	s.currentSize += size
	s.sweepLocked(id)

	kept := s.lru.Contains(id)
	if kept && s.currentSize > s.config.MaxBytes && !s.pinned[id] {
		s.removeLocked(id)
		kept = false
	}
	s.metrics.UpdateHotCacheSize(s.currentSize)
	return kept
}

// Remove drops id from memory and reports whether it was present
func (s *HotCacheService) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.removeLocked(id)
	s.metrics.UpdateHotCacheSize(s.currentSize)
	return ok
}

// Pin protects id from the hot cache sweep
func (s *HotCacheService) Pin(id string) {
	s.mu.Lock()
	s.pinned[id] = true
	s.mu.Unlock()
}

// Unpin releases id and sweeps, since the quota may now be exceeded
func (s *HotCacheService) Unpin(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pinned, id)
	s.sweepLocked("")
	s.metrics.UpdateHotCacheSize(s.currentSize)
}

// Sweep drops unpinned entries idle longer than MaxIdle, then evicts unpinned
// entries oldest first until the quota is met. It returns how many went.
func (s *HotCacheService) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	if s.config.MaxIdle > 0 {
		cutoff := s.clock.Now().Add(-s.config.MaxIdle)
		for _, id := range s.lru.Keys() {
			item, _ := s.lru.Peek(id)
			if s.pinned[id] || item.lastUsed.After(cutoff) {
				continue
			}
			s.evictLocked(id, "idle")
			evicted++
		}
	}
	evicted += s.sweepLocked("")
	s.metrics.UpdateHotCacheSize(s.currentSize)
	return evicted
}

// Stats returns the current byte size and entry count
func (s *HotCacheService) Stats() (int64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentSize, s.lru.Len()
}

func (s *HotCacheService) sweepLocked(protect string) int {
	evicted := 0
	for _, id := range s.lru.Keys() {
		if s.currentSize <= s.config.MaxBytes {
			break
		}
		if id == protect || s.pinned[id] {
			continue
		}
		s.evictLocked(id, "quota")
		evicted++
	}
	return evicted
}

func (s *HotCacheService) evictLocked(id, reason string) {
	s.removeLocked(id)
	s.metrics.RecordHotCacheEviction()
	s.logger.Debug("Evicted hot cache entry", zap.String("model_id", id), zap.String("reason", reason))
}

func (s *HotCacheService) removeLocked(id string) bool {
	item, ok := s.lru.Peek(id)
	if !ok {
		return false
	}
	s.lru.Remove(id)
	s.currentSize -= int64(len(item.entry.Data))
	return true
}

func cloneHotEntry(e *HotEntry) *HotEntry {
	return &HotEntry{
		Data:             bytes.Clone(e.Data),
		Metadata:         e.Metadata.Clone(),
		CompressionRatio: e.CompressionRatio,
	}
}
