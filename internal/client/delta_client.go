package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/errors"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/model"
)

// HTTPDeltaClientConfig holds delta client configuration
type HTTPDeltaClientConfig struct {
	BaseURL        string
	Timeout        time.Duration
	MaxPatchOutput uint64
}

// HTTPDeltaClient asks an update server for patches between model versions:
//
//	GET {base}/models/{id}/delta?from={version}
//
// 200 carries an UpdateInfo document; 204 and 404 mean no update.
type HTTPDeltaClient struct {
	config     *HTTPDeltaClientConfig
	client     *http.Client
	downloader Downloader
	bases      BaseProvider
	logger     *zap.Logger
}

// NewHTTPDeltaClient creates a delta client. Patches are fetched through
// downloader and applied against bytes from bases.
func NewHTTPDeltaClient(cfg *HTTPDeltaClientConfig, httpClient *http.Client, downloader Downloader, bases BaseProvider, logger *zap.Logger) *HTTPDeltaClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPDeltaClient{
		config:     cfg,
		client:     httpClient,
		downloader: downloader,
		bases:      bases,
		logger:     logger,
	}
}

// SetBaseProvider sets the source of patch bases (set after the storage layer exists)
func (c *HTTPDeltaClient) SetBaseProvider(bases BaseProvider) {
	c.bases = bases
}

// CheckForUpdate implements DeltaUpdater
func (c *HTTPDeltaClient) CheckForUpdate(ctx context.Context, modelID, currentVersion string) (*UpdateInfo, error) {
	endpoint := fmt.Sprintf("%s/models/%s/delta?from=%s",
		strings.TrimRight(c.config.BaseURL, "/"),
		url.PathEscape(modelID),
		url.QueryEscape(currentVersion))

	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.InvalidArgument("invalid delta endpoint", err).WithStage(model.StageDelta)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.NetworkFailure(endpoint, err).WithStage(model.StageDelta)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotFound:
		return &UpdateInfo{HasUpdate: false}, nil
	case http.StatusOK:
	default:
		return nil, errors.NetworkFailure(endpoint, &StatusError{URL: endpoint, StatusCode: resp.StatusCode}).
			WithStage(model.StageDelta)
	}

	var info UpdateInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, errors.CorruptedData("invalid delta response", err).WithStage(model.StageDelta)
	}
	if info.HasUpdate {
		if info.PatchURL == "" {
			return nil, errors.CorruptedData("delta response has no patch url", nil).WithStage(model.StageDelta)
		}
		info.PatchURL = c.resolve(info.PatchURL)
	}

	c.logger.Debug("Delta update checked",
		zap.String("model_id", modelID),
		zap.String("from_version", currentVersion),
		zap.Bool("has_update", info.HasUpdate),
		zap.Int64("patch_size", info.PatchSize))
	return &info, nil
}

// DownloadPatch implements DeltaUpdater
func (c *HTTPDeltaClient) DownloadPatch(ctx context.Context, patchURL string) ([]byte, error) {
	data, err := c.downloader.Download(ctx, patchURL, 0, nil)
	if err != nil {
		return nil, tagDelta(err)
	}
	return data, nil
}

// ApplyPatch implements DeltaUpdater
func (c *HTTPDeltaClient) ApplyPatch(ctx context.Context, modelID string, patch []byte) ([]byte, error) {
	if c.bases == nil {
		return nil, errors.InternalError("no patch base provider configured", nil).WithStage(model.StageDelta)
	}
	base, err := c.bases.BaseFor(ctx, modelID)
	if err != nil {
		return nil, tagDelta(err)
	}
	out, err := ApplyPatch(base, patch, c.config.MaxPatchOutput)
	if err != nil {
		return nil, tagDelta(err)
	}
	return out, nil
}

// resolve makes a relative patch URL absolute against the base URL
func (c *HTTPDeltaClient) resolve(ref string) string {
	base, err := url.Parse(strings.TrimRight(c.config.BaseURL, "/") + "/")
	if err != nil {
		return ref
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}

func tagDelta(err error) error {
	if me, ok := err.(*errors.ModelError); ok {
		tagged := *me
		tagged.Stage = model.StageDelta
		return &tagged
	}
	return errors.InternalError("delta update failed", err).WithStage(model.StageDelta)
}
