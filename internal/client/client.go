// Package client holds the network collaborators of the load pipeline: the
// blob downloader, the delta update client and the network health monitor.
package client

import (
	"context"
	"time"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/model"
)

// ProgressFunc is called after each chunk with bytes received so far and the
// expected total (-1 when unknown)
type ProgressFunc func(downloaded, total int64)

// Downloader fetches a whole blob. chunkSize is a hint; 0 means one request.
// Implementations must be safe to call again after a failure.
type Downloader interface {
	Download(ctx context.Context, url string, chunkSize int64, progress ProgressFunc) ([]byte, error)
}

// UpdateInfo describes an available incremental update
type UpdateInfo struct {
	HasUpdate bool                 `json:"has_update"`
	PatchURL  string               `json:"patch_url,omitempty"`
	PatchSize int64                `json:"patch_size,omitempty"`
	Metadata  *model.ModelMetadata `json:"metadata,omitempty"`
}

// DeltaUpdater reports and applies incremental patches for cached models
type DeltaUpdater interface {
	CheckForUpdate(ctx context.Context, modelID, currentVersion string) (*UpdateInfo, error)
	DownloadPatch(ctx context.Context, url string) ([]byte, error)
	ApplyPatch(ctx context.Context, modelID string, patch []byte) ([]byte, error)
}

// BaseProvider supplies the currently cached bytes a patch applies to
type BaseProvider interface {
	BaseFor(ctx context.Context, modelID string) ([]byte, error)
}

// HealthMonitor exposes a coarse view of network quality. Reads never block.
type HealthMonitor interface {
	// HealthScore is in [0,1], 1 being fully healthy
	HealthScore() float64
	Latency() time.Duration
}

// StaticHealth is a HealthMonitor with fixed values
type StaticHealth struct {
	Score float64
	RTT   time.Duration
}

func (s StaticHealth) HealthScore() float64   { return s.Score }
func (s StaticHealth) Latency() time.Duration { return s.RTT }
