package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/client"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/codec"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/errors"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/metrics"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/model"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/util"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/util/workerpool"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/validation"
)

// ManagerConfig holds load pipeline configuration
type ManagerConfig struct {
	MaxConcurrentLoads  int
	VerifyChecksums     bool // every load must carry a checksum, and it is enforced
	VerifyOnCacheLoad   bool // re-hash cached blobs on read
	DeltaUpdatesEnabled bool

	MinChunkSize int64
	MaxChunkSize int64
	HighLatency  time.Duration

	MaxSessions    int
	ErrorLogSize   int
	LoadTimeWindow int
	PreloadWorkers int

	HotCacheSweepInterval time.Duration // 0 disables the periodic hot cache sweep
}

// ModelManager is the single entry point for obtaining model buffers. It tries
// the hot cache and durable storage, then an incremental patch, then a full
// download, writing fetched models back to storage.
//
// At most one load per model id is in flight, and at most MaxConcurrentLoads
// loads run at once. Both limits reject immediately instead of queueing.
type ModelManager struct {
	config     *ManagerConfig
	storage    *StorageService
	hotCache   *HotCacheService
	codecs     *codec.Registry
	downloader client.Downloader
	delta      client.DeltaUpdater
	health     client.HealthMonitor
	validator  *validation.Validator
	metrics    *metrics.Metrics
	logger     *zap.Logger
	clock      util.Clock

	sessions *SessionRegistry
	stats    *LoadStats
	errorLog *ErrorLog
	broker   *StatusBroker
	preload  *workerpool.WorkerPool

	slots *semaphore.Weighted

	mu       sync.Mutex
	inflight map[string]*inflightLoad
	closed   bool
	loads    sync.WaitGroup

	stopCh   chan struct{}
	stopOnce sync.Once
	bg       sync.WaitGroup
}

type inflightLoad struct {
	sessionID string
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// pipelineOutcome is what a successful pipeline run produced
type pipelineOutcome struct {
	data   []byte
	meta   model.ModelMetadata
	source model.LoadSource
	ratio  float64
}

// NewModelManager wires the load pipeline. delta may be nil to disable patches.
// The manager takes ownership of storage and closes it in Close.
func NewModelManager(
	cfg *ManagerConfig,
	storage *StorageService,
	hotCache *HotCacheService,
	codecs *codec.Registry,
	downloader client.Downloader,
	delta client.DeltaUpdater,
	health client.HealthMonitor,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ModelManager {
	if cfg.MaxConcurrentLoads <= 0 {
		cfg.MaxConcurrentLoads = 4
	}
	if cfg.PreloadWorkers <= 0 {
		cfg.PreloadWorkers = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if health == nil {
		health = client.StaticHealth{Score: 1}
	}

	mgr := &ModelManager{
		config:     cfg,
		storage:    storage,
		hotCache:   hotCache,
		codecs:     codecs,
		downloader: downloader,
		delta:      delta,
		health:     health,
		validator:  validation.NewValidatorWithChecksums(cfg.VerifyChecksums),
		metrics:    m,
		logger:     logger,
		clock:      util.SystemClock(),
		sessions:   NewSessionRegistry(cfg.MaxSessions, nil),
		stats:      NewLoadStats(cfg.LoadTimeWindow),
		errorLog:   NewErrorLog(cfg.ErrorLogSize),
		broker:     NewStatusBroker(m),
		slots:      semaphore.NewWeighted(int64(cfg.MaxConcurrentLoads)),
		inflight:   make(map[string]*inflightLoad),
		stopCh:     make(chan struct{}),
	}
	mgr.preload = workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "preload",
		MaxWorkers: cfg.PreloadWorkers,
		QueueSize:  cfg.PreloadWorkers * 16,
		Logger:     logger,
	})

	// Pins survive restarts in storage; mirror them onto the hot cache
	for _, rec := range storage.List() {
		if rec.IsPinned {
			hotCache.Pin(rec.Metadata.ID)
		}
	}

	return mgr
}

// Start runs background maintenance until ctx is done or Close is called
func (m *ModelManager) Start(ctx context.Context) {
	m.storage.Start(ctx)

	if m.config.HotCacheSweepInterval <= 0 {
		return
	}
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		ticker := time.NewTicker(m.config.HotCacheSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				if n := m.hotCache.Sweep(); n > 0 {
					m.logger.Debug("Hot cache sweep", zap.Int("evicted", n))
				}
			}
		}
	}()
}

// LoadModel obtains a usable buffer for req.ModelID. The result is always
// non-nil; on failure result.Error is also returned as the error.
func (m *ModelManager) LoadModel(ctx context.Context, req model.LoadRequest) (*model.LoadResult, error) {
	start := time.Now()
	result := &model.LoadResult{ModelID: req.ModelID}

	if err := m.validator.ValidateLoadRequest(req); err != nil {
		return m.reject(result, err, "invalid")
	}

	loadCtx, l, err := m.admit(ctx, req)
	if err != nil {
		reason := "overloaded"
		switch errors.GetCode(err) {
		case errors.ErrCodeDuplicateLoad:
			reason = "duplicate"
		case errors.ErrCodeClosed:
			reason = "closed"
		}
		return m.reject(result, err, reason)
	}
	defer m.release(req.ModelID, l)

	result.SessionID = l.sessionID
	m.transition(l.sessionID, req.ModelID, model.SessionInitializing, model.LoadSourceNone, model.StageNone, "")
	m.transition(l.sessionID, req.ModelID, model.SessionLoading, model.LoadSourceNone, model.StageNone, "")

	out, attempts, err := m.runPipeline(loadCtx, req)
	result.Attempts = attempts
	result.LoadTime = time.Since(start)

	if l.cancelled.Load() || (err != nil && loadCtx.Err() != nil) {
		cause := loadCtx.Err()
		if cause == nil {
			cause = context.Canceled
		}
		err = errors.Cancelled(req.ModelID, cause).WithStage(errors.GetStage(err))
	}

	if err != nil {
		return m.fail(result, l, err, attempts)
	}

	result.Success = true
	result.Source = out.source
	result.CompressionRatio = out.ratio
	result.Data = out.data
	meta := out.meta
	result.Metadata = &meta

	// The hot cache copies the buffer, so result.Data belongs to the caller
	m.hotCache.Put(req.ModelID, &HotEntry{Data: out.data, Metadata: out.meta, CompressionRatio: out.ratio})

	m.stats.RecordSuccess(out.source, result.LoadTime)
	m.metrics.RecordLoad(string(out.source), result.LoadTime.Seconds())
	m.transition(l.sessionID, req.ModelID, model.SessionCompleted, out.source, model.StageNone, "")

	m.logger.Info("Model loaded",
		zap.String("model_id", req.ModelID),
		zap.String("session_id", l.sessionID),
		zap.String("source", string(out.source)),
		zap.String("version", out.meta.Version),
		zap.Int("bytes", len(out.data)),
		zap.Duration("load_time", result.LoadTime))

	return result, nil
}

// admit performs the dedup check and slot acquisition under one lock so two
// callers for the same id can never both pass
func (m *ModelManager) admit(ctx context.Context, req model.LoadRequest) (context.Context, *inflightLoad, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, nil, errors.Closed("model manager")
	}
	if _, busy := m.inflight[req.ModelID]; busy {
		return nil, nil, errors.DuplicateLoad(req.ModelID)
	}
	if !m.slots.TryAcquire(1) {
		return nil, nil, errors.Overloaded(len(m.inflight), m.config.MaxConcurrentLoads)
	}

	loadCtx, cancel := context.WithCancel(ctx)
	session := m.sessions.Create(req.ModelID, req.Priority)
	l := &inflightLoad{sessionID: session.SessionID, cancel: cancel}
	m.inflight[req.ModelID] = l
	m.loads.Add(1)
	m.metrics.SetInflight(len(m.inflight))
	m.publish(session.SessionID, req.ModelID, model.SessionIdle, model.LoadSourceNone, model.StageNone, "")
	return loadCtx, l, nil
}

// release is deferred by every admitted load, whatever the outcome
func (m *ModelManager) release(id string, l *inflightLoad) {
	l.cancel()
	m.mu.Lock()
	if m.inflight[id] == l {
		delete(m.inflight, id)
	}
	m.metrics.SetInflight(len(m.inflight))
	m.mu.Unlock()
	m.slots.Release(1)
	m.loads.Done()
}

func (m *ModelManager) runPipeline(ctx context.Context, req model.LoadRequest) (*pipelineOutcome, []model.StageAttempt, error) {
	var attempts []model.StageAttempt
	record := func(stage model.Stage, outcome model.AttemptOutcome, reason string, err error) {
		attempts = append(attempts, model.StageAttempt{Stage: stage, Outcome: outcome, Reason: reason, Err: err})
	}

	// CACHE
	var cachedVersion string
	if req.ForceDownload {
		record(model.StageCache, model.OutcomeSkipped, "force download", nil)
	} else {
		out, version, err := m.tryCache(ctx, req, record)
		if err != nil {
			return nil, attempts, err
		}
		if out != nil {
			m.metrics.RecordCacheHit()
			return out, attempts, nil
		}
		m.metrics.RecordCacheMiss()
		cachedVersion = version
	}

	// DELTA
	switch {
	case !m.config.DeltaUpdatesEnabled || m.delta == nil:
		record(model.StageDelta, model.OutcomeSkipped, "delta updates disabled", nil)
	case cachedVersion == "":
		record(model.StageDelta, model.OutcomeSkipped, "no cached base version", nil)
	default:
		out, err := m.tryDelta(ctx, req, cachedVersion, record)
		if err != nil {
			return nil, attempts, err
		}
		if out != nil {
			m.writeBack(ctx, req, out, record)
			return out, attempts, nil
		}
	}

	// NETWORK
	out, err := m.fetch(ctx, req)
	if err != nil {
		record(model.StageNetwork, model.OutcomeFailed, errors.GetCode(err).String(), err)
		return nil, attempts, err
	}
	record(model.StageNetwork, model.OutcomeHit, "", nil)
	if err := ctx.Err(); err != nil {
		return nil, attempts, errors.Cancelled(req.ModelID, err).WithStage(model.StageNetwork)
	}
	m.writeBack(ctx, req, out, record)
	return out, attempts, nil
}

type recordFunc func(stage model.Stage, outcome model.AttemptOutcome, reason string, err error)

// tryCache returns a hit, or nil plus the version held in storage (if any).
// Only an unavailable codec is fatal here; corrupt entries fall through.
func (m *ModelManager) tryCache(ctx context.Context, req model.LoadRequest, record recordFunc) (*pipelineOutcome, string, error) {
	if entry, ok := m.hotCache.Get(req.ModelID); ok && m.matches(entry.Metadata, req) {
		record(model.StageCache, model.OutcomeHit, "hot cache", nil)
		return &pipelineOutcome{
			data:   entry.Data,
			meta:   entry.Metadata.Clone(),
			source: model.LoadSourceCache,
			ratio:  entry.CompressionRatio,
		}, "", nil
	}

	rec, ok := m.storage.Lookup(req.ModelID)
	if !ok {
		record(model.StageCache, model.OutcomeMiss, "not cached", nil)
		return nil, "", nil
	}
	if req.Version != "" && rec.Metadata.Version != req.Version {
		record(model.StageCache, model.OutcomeMiss, fmt.Sprintf("version mismatch: cached %s", rec.Metadata.Version), nil)
		return nil, rec.Metadata.Version, nil
	}
	if !m.matches(rec.Metadata, req) {
		record(model.StageCache, model.OutcomeMiss, "checksum mismatch", nil)
		return nil, rec.Metadata.Version, nil
	}

	stored, found, err := m.storage.Load(ctx, req.ModelID)
	if err != nil {
		err = tagStage(err, model.StageCache)
		if errors.IsCode(err, errors.ErrCodeCodecUnavailable) || errors.IsCode(err, errors.ErrCodeCancelled) {
			record(model.StageCache, model.OutcomeFailed, errors.GetCode(err).String(), err)
			return nil, "", err
		}
		record(model.StageCache, model.OutcomeFailed, "unreadable entry", err)
		m.dropCorrupt(req.ModelID, err)
		return nil, "", nil
	}
	if !found {
		record(model.StageCache, model.OutcomeMiss, "blob missing", nil)
		return nil, "", nil
	}

	if m.config.VerifyOnCacheLoad && stored.Record.Metadata.Checksum != "" {
		actual, ok, verr := util.VerifyChecksum(stored.Data, stored.Record.Metadata.Checksum)
		if verr != nil || !ok {
			cerr := errors.ChecksumFailed(stored.Record.Metadata.Checksum, actual).WithStage(model.StageCache)
			record(model.StageCache, model.OutcomeFailed, "corrupt entry", cerr)
			m.dropCorrupt(req.ModelID, cerr)
			return nil, "", nil
		}
	}

	record(model.StageCache, model.OutcomeHit, "storage", nil)
	return &pipelineOutcome{
		data:   stored.Data,
		meta:   stored.Record.Metadata.Clone(),
		source: model.LoadSourceCache,
		ratio:  stored.Record.CompressionRatio(),
	}, "", nil
}

// matches reports whether held metadata satisfies the requested version and checksum
func (m *ModelManager) matches(held model.ModelMetadata, req model.LoadRequest) bool {
	if req.Version != "" && held.Version != req.Version {
		return false
	}
	if req.Checksum != "" {
		want, err := util.ParseChecksum(req.Checksum)
		if err != nil || held.Checksum != want.String() {
			return false
		}
	}
	return true
}

func (m *ModelManager) dropCorrupt(id string, cause error) {
	m.hotCache.Remove(id)
	if _, err := m.storage.Delete(id); err != nil {
		m.logger.Warn("Failed to drop corrupt cache entry", zap.String("model_id", id), zap.Error(err))
	}
	m.logger.Warn("Dropped corrupt cache entry", zap.String("model_id", id), zap.Error(cause))
}

// tryDelta returns a patched model, or nil to fall through to a full download.
// Only cancellation is fatal.
func (m *ModelManager) tryDelta(ctx context.Context, req model.LoadRequest, cachedVersion string, record recordFunc) (*pipelineOutcome, error) {
	fallThrough := func(reason string, err error) (*pipelineOutcome, error) {
		if ctx.Err() != nil {
			return nil, errors.Cancelled(req.ModelID, ctx.Err()).WithStage(model.StageDelta)
		}
		outcome := model.OutcomeMiss
		if err != nil {
			outcome = model.OutcomeFailed
			m.logger.Warn("Delta update failed, falling back to full download",
				zap.String("model_id", req.ModelID),
				zap.String("reason", reason),
				zap.Error(err))
		}
		record(model.StageDelta, outcome, reason, err)
		return nil, nil
	}

	info, err := m.delta.CheckForUpdate(ctx, req.ModelID, cachedVersion)
	if err != nil {
		return fallThrough("update check failed", err)
	}
	if !info.HasUpdate {
		return fallThrough("no update", nil)
	}
	if req.Version != "" && info.Metadata != nil && info.Metadata.Version != req.Version {
		return fallThrough(fmt.Sprintf("patch targets version %s", info.Metadata.Version), nil)
	}

	patch, err := m.delta.DownloadPatch(ctx, info.PatchURL)
	if err != nil {
		return fallThrough("patch download failed", err)
	}
	m.metrics.RecordDownload("patch", len(patch))

	data, err := m.delta.ApplyPatch(ctx, req.ModelID, patch)
	if err != nil {
		return fallThrough("patch apply failed", err)
	}

	expected := req.Checksum
	if expected == "" && info.Metadata != nil {
		expected = info.Metadata.Checksum
	}
	if expected != "" {
		actual, ok, verr := util.VerifyChecksum(data, expected)
		if verr != nil || !ok {
			return fallThrough("patched checksum mismatch", errors.ChecksumFailed(expected, actual).WithStage(model.StageDelta))
		}
	}

	meta := m.buildMetadata(req, data)
	if info.Metadata != nil {
		if meta.Version == "" {
			meta.Version = info.Metadata.Version
		}
		if meta.Name == "" {
			meta.Name = info.Metadata.Name
		}
		if meta.Type == "" {
			meta.Type = info.Metadata.Type
		}
	}

	record(model.StageDelta, model.OutcomeHit, fmt.Sprintf("patched from %s", cachedVersion), nil)
	return &pipelineOutcome{
		data:   data,
		meta:   meta,
		source: model.LoadSourceNetworkDelta,
		ratio:  model.CompressionRatio(int64(len(patch)), int64(len(data))),
	}, nil
}

// fetch downloads, decompresses and verifies the full model
func (m *ModelManager) fetch(ctx context.Context, req model.LoadRequest) (*pipelineOutcome, error) {
	if req.URL == "" {
		return nil, errors.NotFound(req.ModelID).WithStage(model.StageNetwork)
	}
	if m.downloader == nil {
		return nil, errors.InternalError("no downloader configured", nil).WithStage(model.StageNetwork)
	}

	// Fail before spending bandwidth on a payload we cannot decode
	if _, err := m.codecs.Lookup(req.CompressionType); err != nil {
		return nil, tagStage(err, model.StageNetwork)
	}

	score, latency := m.health.HealthScore(), m.health.Latency()
	m.metrics.SetNetworkHealth(score)
	chunk := client.SelectChunkSize(score, latency, m.config.MinChunkSize, m.config.MaxChunkSize, m.config.HighLatency)

	raw, err := m.downloader.Download(ctx, req.URL, chunk, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Cancelled(req.ModelID, ctx.Err()).WithStage(model.StageNetwork)
		}
		if !errors.IsModelError(err) {
			err = errors.NetworkFailure(req.URL, err)
		}
		return nil, tagStage(err, model.StageNetwork)
	}
	m.metrics.RecordDownload("full", len(raw))

	data, err := m.codecs.Decompress(req.CompressionType, raw)
	if err != nil {
		return nil, tagStage(err, model.StageNetwork)
	}

	if req.Checksum != "" {
		actual, ok, verr := util.VerifyChecksum(data, req.Checksum)
		if verr != nil || !ok {
			return nil, errors.ChecksumFailed(req.Checksum, actual).WithStage(model.StageNetwork)
		}
	}

	return &pipelineOutcome{
		data:   data,
		meta:   m.buildMetadata(req, data),
		source: model.LoadSourceNetworkFull,
		ratio:  model.CompressionRatio(int64(len(raw)), int64(len(data))),
	}, nil
}

func (m *ModelManager) buildMetadata(req model.LoadRequest, data []byte) model.ModelMetadata {
	now := m.clock.Now()
	return model.ModelMetadata{
		ID:              req.ModelID,
		Name:            req.Name,
		Version:         req.Version,
		Type:            req.Type,
		CompressionType: codec.Normalize(req.CompressionType),
		Checksum:        util.ComputeChecksum(data),
		SizeBytes:       int64(len(data)),
		Created:         now,
		Updated:         now,
		Tags:            append([]string(nil), req.Tags...),
	}
}

// writeBack stores a fetched model. Failure does not fail the load; it is
// recorded as a STORAGE attempt and an error report.
func (m *ModelManager) writeBack(ctx context.Context, req model.LoadRequest, out *pipelineOutcome, record recordFunc) {
	rec, err := m.storage.Save(ctx, out.meta, out.data)
	if err != nil {
		err = tagStage(err, model.StageStorage)
		record(model.StageStorage, model.OutcomeFailed, errors.GetCode(err).String(), err)
		if !errors.IsCode(err, errors.ErrCodeCancelled) {
			m.report(req.ModelID, "", err)
			m.logger.Warn("Failed to write model to storage",
				zap.String("model_id", req.ModelID),
				zap.Error(err))
		}
		return
	}
	out.meta = rec.Metadata.Clone()
	if out.source == model.LoadSourceNetworkFull {
		out.ratio = rec.CompressionRatio()
	}
	record(model.StageStorage, model.OutcomeStored, "", nil)
}

func (m *ModelManager) fail(result *model.LoadResult, l *inflightLoad, err error, attempts []model.StageAttempt) (*model.LoadResult, error) {
	stage := errors.GetStage(err)
	if stage == model.StageNone && len(attempts) > 0 {
		stage = attempts[len(attempts)-1].Stage
	}
	code := errors.GetCode(err)

	result.Success = false
	result.Stage = stage
	result.Error = err
	result.ErrorMessage = err.Error()

	cacheMissed := false
	for _, a := range attempts {
		if a.Stage == model.StageCache && a.Outcome != model.OutcomeHit {
			cacheMissed = true
		}
	}
	m.stats.RecordFailure(cacheMissed)
	m.metrics.RecordLoadFailure(string(stage), code.String())

	if code == errors.ErrCodeCancelled {
		// CancelLoad may already have moved the session
		m.transition(l.sessionID, result.ModelID, model.SessionCancelled, model.LoadSourceNone, stage, err.Error())
		m.logger.Info("Model load cancelled",
			zap.String("model_id", result.ModelID),
			zap.String("session_id", l.sessionID))
		return result, err
	}

	m.report(result.ModelID, l.sessionID, err)
	m.transition(l.sessionID, result.ModelID, model.SessionFailed, model.LoadSourceNone, stage, err.Error())
	m.logger.Error("Model load failed",
		zap.String("model_id", result.ModelID),
		zap.String("session_id", l.sessionID),
		zap.String("stage", string(stage)),
		zap.String("code", code.String()),
		zap.Int("attempts", len(attempts)),
		zap.Error(err))
	return result, err
}

func (m *ModelManager) reject(result *model.LoadResult, err error, reason string) (*model.LoadResult, error) {
	result.Success = false
	result.Error = err
	result.ErrorMessage = err.Error()
	m.stats.RecordRejection()
	m.metrics.RecordRejection(reason)
	m.logger.Debug("Model load rejected",
		zap.String("model_id", result.ModelID),
		zap.String("reason", reason),
		zap.Error(err))
	return result, err
}

func (m *ModelManager) report(modelID, sessionID string, err error) {
	m.errorLog.Append(model.ErrorReport{
		Timestamp: m.clock.Now(),
		ModelID:   modelID,
		SessionID: sessionID,
		Stage:     errors.GetStage(err),
		Code:      int(errors.GetCode(err)),
		Message:   err.Error(),
	})
}

func (m *ModelManager) transition(sessionID, modelID string, status model.SessionStatus, source model.LoadSource, stage model.Stage, msg string) {
	if _, ok := m.sessions.Transition(sessionID, status, source, msg); ok {
		m.publish(sessionID, modelID, status, source, stage, msg)
	}
}

func (m *ModelManager) publish(sessionID, modelID string, status model.SessionStatus, source model.LoadSource, stage model.Stage, msg string) {
	m.broker.Publish(model.LoadStatusEvent{
		SessionID: sessionID,
		ModelID:   modelID,
		Status:    status,
		Source:    source,
		Stage:     stage,
		Message:   msg,
		Timestamp: m.clock.Now(),
	})
}

// CancelLoad cancels the in-flight load for id and marks its session
// CANCELLED. The slot is released as soon as the load observes cancellation.
func (m *ModelManager) CancelLoad(id string) bool {
	m.mu.Lock()
	l, ok := m.inflight[id]
	m.mu.Unlock()
	if !ok {
		return false
	}

	l.cancelled.Store(true)
	l.cancel()
	m.transition(l.sessionID, id, model.SessionCancelled, model.LoadSourceNone, model.StageNone, "cancelled by caller")
	m.logger.Info("Model load cancel requested", zap.String("model_id", id), zap.String("session_id", l.sessionID))
	return true
}

// UnloadModel drops the in-memory copy of id. The durable copy stays cached.
func (m *ModelManager) UnloadModel(id string) bool {
	return m.hotCache.Remove(id)
}

// DeleteModel removes id from memory and from durable storage
func (m *ModelManager) DeleteModel(id string) (bool, error) {
	inMemory := m.hotCache.Remove(id)
	stored, err := m.storage.Delete(id)
	if err != nil {
		return inMemory, err
	}
	return inMemory || stored, nil
}

// PinModel protects id from eviction in storage and in the hot cache
func (m *ModelManager) PinModel(id string) error {
	if err := m.storage.Pin(id); err != nil {
		if !errors.IsCode(err, errors.ErrCodeNotFound) {
			return err
		}
		if !m.hotCache.Contains(id) {
			return err
		}
	}
	m.hotCache.Pin(id)
	return nil
}

// UnpinModel makes id evictable again
func (m *ModelManager) UnpinModel(id string) error {
	err := m.storage.Unpin(id)
	m.hotCache.Unpin(id)
	if err != nil && !errors.IsCode(err, errors.ErrCodeNotFound) {
		return err
	}
	return nil
}

// GetStatistics returns durable storage statistics
func (m *ModelManager) GetStatistics() model.StorageStatistics {
	return m.storage.Statistics()
}

// GetManagerStatistics aggregates storage, network and load statistics from
// point-in-time snapshots
func (m *ModelManager) GetManagerStatistics() model.ManagerStatistics {
	storage := m.storage.Statistics()
	loads := m.stats.Snapshot()
	hotBytes, hotModels := m.hotCache.Stats()

	m.mu.Lock()
	active := len(m.inflight)
	m.mu.Unlock()

	return model.ManagerStatistics{
		StorageUsagePercent:  storage.UsagePercent,
		NetworkHealthPercent: m.health.HealthScore() * 100.0,
		NetworkLatency:       m.health.Latency(),
		ErrorRatePercent:     loads.ErrorRatePercent(),
		CacheHitRatePercent:  loads.CacheHitRatePercent(),
		AverageLoadTime:      loads.AverageLoadTime,
		TotalLoads:           loads.TotalLoads,
		FailedLoads:          loads.FailedLoads,
		RejectedLoads:        loads.RejectedLoads,
		CacheHits:            loads.CacheHits,
		CacheMisses:          loads.CacheMisses,
		DeltaLoads:           loads.DeltaLoads,
		NetworkLoads:         loads.NetworkLoads,
		TotalModels:          storage.TotalModels,
		PinnedModels:         storage.PinnedModels,
		ActiveLoads:          active,
		HotCacheBytes:        hotBytes,
		HotCacheModels:       hotModels,
	}
}

// Subscribe streams session transitions for modelIDs (all when empty)
func (m *ModelManager) Subscribe(buffer int, modelIDs ...string) (<-chan model.LoadStatusEvent, func()) {
	return m.broker.Subscribe(buffer, modelIDs...)
}

// ErrorReports returns the recent error reports, oldest first
func (m *ModelManager) ErrorReports() []model.ErrorReport {
	return m.errorLog.Snapshot()
}

// Sessions returns recent sessions, newest first
func (m *ModelManager) Sessions() []model.ModelSession {
	return m.sessions.List()
}

// Preload loads each request through the preload worker pool and waits for all
// of them. Results are in request order.
func (m *ModelManager) Preload(ctx context.Context, reqs []model.LoadRequest) []*model.LoadResult {
	results := make([]*model.LoadResult, len(reqs))
	var wg sync.WaitGroup

	for i, req := range reqs {
		i, req := i, req
		wg.Add(1)
		task := workerpool.Task{
			ID:      "preload-" + req.ModelID,
			Context: ctx,
			Fn: func(ctx context.Context) error {
				defer wg.Done()
				res, err := m.LoadModel(ctx, req)
				results[i] = res
				return err
			},
		}
		if err := m.preload.SubmitWithContext(ctx, task); err != nil {
			wg.Done()
			results[i] = &model.LoadResult{
				ModelID:      req.ModelID,
				Error:        err,
				ErrorMessage: err.Error(),
			}
		}
	}

	wg.Wait()
	return results
}

// PreloadStats reports the preload worker pool
func (m *ModelManager) PreloadStats() workerpool.Stats {
	return m.preload.Stats()
}

// Close rejects new loads, cancels in-flight ones, waits for them to release
// their slots, then flushes and closes storage
func (m *ModelManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, l := range m.inflight {
		l.cancelled.Store(true)
		l.cancel()
	}
	m.mu.Unlock()

	m.loads.Wait()
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.bg.Wait()
	if err := m.preload.Stop(5 * time.Second); err != nil {
		m.logger.Warn("Preload pool did not stop cleanly", zap.Error(err))
	}
	m.broker.Close()

	if err := m.storage.Close(); err != nil && !stderrors.Is(err, errors.ErrClosed) {
		return err
	}
	m.logger.Info("Model manager closed")
	return nil
}

// StorageBaseProvider serves patch bases from durable storage
type StorageBaseProvider struct {
	Storage *StorageService
}

// BaseFor implements client.BaseProvider
func (p StorageBaseProvider) BaseFor(ctx context.Context, modelID string) ([]byte, error) {
	stored, found, err := p.Storage.Load(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.NotFound(modelID)
	}
	return stored.Data, nil
}
