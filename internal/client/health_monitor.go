package client

import (
	"context"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	latencyWeight = 0.2 // weight of a new latency sample
	scoreWeight   = 0.3 // weight of a new health sample
)

// ProbeMonitorConfig holds network probe configuration
type ProbeMonitorConfig struct {
	URL         string
	Interval    time.Duration
	Timeout     time.Duration
	HighLatency time.Duration
}

// ProbeMonitor estimates network health by periodically sending HEAD requests.
// Latency is an exponentially weighted moving average; the score moves toward
// 1 on fast successes, 0.5 on slow ones and 0 on failures.
type ProbeMonitor struct {
	config *ProbeMonitorConfig
	client *http.Client
	logger *zap.Logger

	scoreBits atomic.Uint64
	latency   atomic.Int64
	samples   atomic.Uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewProbeMonitor creates a monitor that starts optimistic (score 1)
func NewProbeMonitor(cfg *ProbeMonitorConfig, httpClient *http.Client, logger *zap.Logger) *ProbeMonitor {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &ProbeMonitor{
		config: cfg,
		client: httpClient,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	m.scoreBits.Store(math.Float64bits(1))
	return m
}

// HealthScore implements HealthMonitor
func (m *ProbeMonitor) HealthScore() float64 {
	return math.Float64frombits(m.scoreBits.Load())
}

// Latency implements HealthMonitor
func (m *ProbeMonitor) Latency() time.Duration {
	return time.Duration(m.latency.Load())
}

// Start probes every Interval until ctx is done or Stop is called
func (m *ProbeMonitor) Start(ctx context.Context) {
	if m.config.URL == "" || m.config.Interval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()

		m.Probe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Probe(ctx)
			}
		}
	}()
}

// Stop ends the probe loop
func (m *ProbeMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Probe sends one HEAD request and folds the result into the estimates
func (m *ProbeMonitor) Probe(ctx context.Context) {
	if m.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	ok := false
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.config.URL, nil)
	if err == nil {
		var resp *http.Response
		resp, err = m.client.Do(req)
		if err == nil {
			resp.Body.Close()
			ok = resp.StatusCode < http.StatusInternalServerError
		}
	}
	m.Observe(time.Since(start), ok)

	if !ok {
		m.logger.Debug("Network probe failed",
			zap.String("url", m.config.URL),
			zap.Float64("score", m.HealthScore()),
			zap.Error(err))
	}
}

// Observe folds one sample into the estimates
func (m *ProbeMonitor) Observe(rtt time.Duration, ok bool) {
	first := m.samples.Add(1) == 1

	if ok {
		if first {
			m.latency.Store(int64(rtt))
		} else {
			prev := float64(m.latency.Load())
			m.latency.Store(int64(prev*(1-latencyWeight) + float64(rtt)*latencyWeight))
		}
	}

	sample := 0.0
	if ok {
		sample = 1.0
		if m.config.HighLatency > 0 && rtt > m.config.HighLatency {
			sample = 0.5
		}
	}
	prev := m.HealthScore()
	m.scoreBits.Store(math.Float64bits(prev*(1-scoreWeight) + sample*scoreWeight))
}
