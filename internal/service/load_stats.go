package service

import (
	"sync"
	"time"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/model"
)

const defaultLoadTimeWindow = 100

// LoadStats keeps load counters and a running window of successful load times
type LoadStats struct {
	mu sync.Mutex

	window []time.Duration
	next   int
	filled int

	total    int64
	failed   int64
	rejected int64
	hits     int64
	misses   int64
	delta    int64
	network  int64
}

// LoadStatsSnapshot is a point-in-time copy of LoadStats
type LoadStatsSnapshot struct {
	TotalLoads      int64
	FailedLoads     int64
	RejectedLoads   int64
	CacheHits       int64
	CacheMisses     int64
	DeltaLoads      int64
	NetworkLoads    int64
	AverageLoadTime time.Duration
}

// NewLoadStats averages load time over the last window loads
func NewLoadStats(window int) *LoadStats {
	if window <= 0 {
		window = defaultLoadTimeWindow
	}
	return &LoadStats{window: make([]time.Duration, window)}
}

// RecordSuccess records a completed load from source
func (s *LoadStats) RecordSuccess(source model.LoadSource, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	switch source {
	case model.LoadSourceCache:
		s.hits++
	case model.LoadSourceNetworkDelta:
		s.misses++
		s.delta++
	case model.LoadSourceNetworkFull:
		s.misses++
		s.network++
	}
	s.window[s.next] = d
	s.next = (s.next + 1) % len(s.window)
	if s.filled < len(s.window) {
		s.filled++
	}
}

// RecordFailure records a load that started and failed
func (s *LoadStats) RecordFailure(cacheMissed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.failed++
	if cacheMissed {
		s.misses++
	}
}

// RecordRejection records a load refused by dedup or backpressure
func (s *LoadStats) RecordRejection() {
	s.mu.Lock()
	s.rejected++
	s.mu.Unlock()
}

// Snapshot returns the current counters
func (s *LoadStats) Snapshot() LoadStatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := LoadStatsSnapshot{
		TotalLoads:    s.total,
		FailedLoads:   s.failed,
		RejectedLoads: s.rejected,
		CacheHits:     s.hits,
		CacheMisses:   s.misses,
		DeltaLoads:    s.delta,
		NetworkLoads:  s.network,
	}
	if s.filled > 0 {
		var sum time.Duration
		for i := 0; i < s.filled; i++ {
			sum += s.window[i]
		}
		snap.AverageLoadTime = sum / time.Duration(s.filled)
	}
	return snap
}

// ErrorRatePercent is failed/total, 0 when nothing ran
func (s LoadStatsSnapshot) ErrorRatePercent() float64 {
	if s.TotalLoads == 0 {
		return 0
	}
	return float64(s.FailedLoads) / float64(s.TotalLoads) * 100.0
}

// CacheHitRatePercent is hits/(hits+misses), 0 when nothing ran
func (s LoadStatsSnapshot) CacheHitRatePercent() float64 {
	lookups := s.CacheHits + s.CacheMisses
	if lookups == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(lookups) * 100.0
}
