package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/model"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/storage/diskmanager"
)

type staticStats model.ManagerStatistics

func (s *staticStats) GetManagerStatistics() model.ManagerStatistics {
	return model.ManagerStatistics(*s)
}

type staticDisk diskmanager.DiskUsageStats

func (d *staticDisk) GetDiskUsage() diskmanager.DiskUsageStats {
	return diskmanager.DiskUsageStats(*d)
}

func healthyStats() *staticStats {
	return &staticStats{StorageUsagePercent: 40, NetworkHealthPercent: 100, TotalModels: 3}
}

func TestHealthChecker_Status(t *testing.T) {
	tests := []struct {
		name      string
		stats     func(*staticStats)
		disk      staticDisk
		dataDir   func(t *testing.T) string
		want      model.NodeStatus
		wantReady bool
	}{
		{
			name:      "healthy",
			want:      model.NodeStatusHealthy,
			wantReady: true,
		},
		{
			name:      "network degraded",
			stats:     func(s *staticStats) { s.NetworkHealthPercent = 10 },
			want:      model.NodeStatusDegraded,
			wantReady: true,
		},
		{
			name:      "quota exhausted",
			stats:     func(s *staticStats) { s.StorageUsagePercent = 100 },
			want:      model.NodeStatusDegraded,
			wantReady: true,
		},
		{
			name:      "error rate",
			stats:     func(s *staticStats) { s.TotalLoads, s.ErrorRatePercent = 10, 80 },
			want:      model.NodeStatusDegraded,
			wantReady: true,
		},
		{
			name:      "disk warning",
			disk:      staticDisk{UsagePercent: 92},
			want:      model.NodeStatusDegraded,
			wantReady: true,
		},
		{
			name:      "disk full",
			disk:      staticDisk{UsagePercent: 99, IsCircuitBroken: true},
			want:      model.NodeStatusUnhealthy,
			wantReady: false,
		},
		{
			name:      "data dir missing",
			dataDir:   func(t *testing.T) string { return filepath.Join(t.TempDir(), "absent") },
			want:      model.NodeStatusUnhealthy,
			wantReady: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := healthyStats()
			if tt.stats != nil {
				tt.stats(stats)
			}
			dir := t.TempDir()
			if tt.dataDir != nil {
				dir = tt.dataDir(t)
			}
			disk := tt.disk

			h := NewHealthChecker(&HealthCheckConfig{NodeID: "n1", DataDir: dir}, stats, &disk, zap.NewNop())
			assert.Equal(t, tt.want, h.RunChecks())
			assert.Equal(t, tt.wantReady, h.IsReady())
			assert.True(t, h.IsLive())
			assert.Len(t, h.GetChecks(), 5)
		})
	}
}

func TestHealthChecker_ListenerAndDrain(t *testing.T) {
	stats := healthyStats()
	h := NewHealthChecker(&HealthCheckConfig{NodeID: "n1", DataDir: t.TempDir()}, stats, nil, zap.NewNop())

	var seen []bool
	h.SetStatusListener(func(_ model.NodeStatus, ready bool) { seen = append(seen, ready) })

	h.RunChecks()
	assert.Empty(t, seen, "no change from the initial healthy state")

	stats.NetworkHealthPercent = 0
	assert.Equal(t, model.NodeStatusDegraded, h.RunChecks())
	require.Len(t, seen, 1)
	assert.True(t, seen[0])

	h.Drain()
	assert.False(t, h.IsReady())
	h.RunChecks()
	assert.False(t, h.IsReady())
	assert.Equal(t, false, seen[len(seen)-1])
}

func TestHealthChecker_Handlers(t *testing.T) {
	h := NewHealthChecker(&HealthCheckConfig{NodeID: "n1", DataDir: t.TempDir()}, healthyStats(), nil, zap.NewNop())
	h.RunChecks()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["ready"])
	assert.Equal(t, "healthy", body["status"])

	h.Drain()
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(40), h.GetStatus().Metrics.StorageUsage)
}
