package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/codec"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/errors"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/metrics"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/model"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/storage/blobstore"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/storage/diskmanager"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/storage/index"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/util"
)

// StorageConfig holds durable model storage configuration
type StorageConfig struct {
	MaxBytes         int64   // 0 disables the byte quota
	MaxModels        int     // 0 disables the count quota
	CleanupThreshold float64 // fraction of MaxBytes above which cleanup evicts
	CleanupInterval  time.Duration
}

// StorageService is the persistent LRU cache of compressed model blobs.
//
// Mutating calls are serialized by writeMu and each ends with one index write.
// The in-memory table is guarded by mu, which is never held across disk I/O,
// so statistics and lookups do not wait on blob writes.
type StorageService struct {
	config      *StorageConfig
	backend     blobstore.Backend
	index       *index.Store
	codecs      *codec.Registry
	diskManager *diskmanager.DiskManager
	metrics     *metrics.Metrics
	clock       util.Clock
	logger      *zap.Logger

	writeMu sync.Mutex

	mu            sync.RWMutex
	lru           *simplelru.LRU[string, *model.CachedModel] // oldest first
	totalBytes    int64
	originalBytes int64
	pinned        int
	dirty         bool // access bookkeeping not yet persisted
	closed        bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStorageService opens the store: it loads the index, reconciles it with the
// blobs present in the backend and persists the reconciled view.
// A corrupt or unreadable index is logged and the store starts empty.
func NewStorageService(
	cfg *StorageConfig,
	backend blobstore.Backend,
	codecs *codec.Registry,
	diskMgr *diskmanager.DiskManager,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*StorageService, error) {
	lru, err := simplelru.NewLRU[string, *model.CachedModel](math.MaxInt32, nil)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &StorageService{
		config:      cfg,
		backend:     backend,
		index:       index.NewStore(backend),
		codecs:      codecs,
		diskManager: diskMgr,
		metrics:     m,
		clock:       util.SystemClock(),
		logger:      logger,
		lru:         lru,
		stopCh:      make(chan struct{}),
	}

	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetClock replaces the clock used for access timestamps
func (s *StorageService) SetClock(c util.Clock) {
	s.clock = c
}

func (s *StorageService) open() error {
	records, err := s.index.Load()
	rewrite := false
	if err != nil {
		s.logger.Warn("Model index unreadable, starting with an empty cache",
			zap.String("dir", s.backend.Dir()),
			zap.Error(err))
		records = nil
		rewrite = true
	}

	keys, err := s.backend.Keys()
	if err != nil {
		return errors.IOFailure("failed to list stored blobs", err).WithStage(model.StageStorage)
	}
	present := make(map[string]bool, len(keys))
	for _, k := range keys {
		present[k] = true
	}

	referenced := make(map[string]bool, len(records))
	for i := range records {
		rec := records[i]
		if !present[rec.BlobKey] {
			s.logger.Warn("Dropping index entry without blob",
				zap.String("model_id", rec.Metadata.ID),
				zap.String("blob_key", rec.BlobKey))
			rewrite = true
			continue
		}
		if s.lru.Contains(rec.Metadata.ID) || referenced[rec.BlobKey] {
			rewrite = true
			continue
		}
		referenced[rec.BlobKey] = true
		s.addLocked(&rec)
	}

	for _, k := range keys {
		if referenced[k] {
			continue
		}
		if err := s.backend.Delete(k); err != nil {
			s.logger.Warn("Failed to remove orphan blob", zap.String("blob_key", k), zap.Error(err))
			continue
		}
		s.logger.Info("Removed orphan blob", zap.String("blob_key", k))
	}

	if rewrite {
		if err := s.index.Save(s.snapshotLocked()); err != nil {
			return errors.IOFailure("failed to persist reconciled index", err).WithStage(model.StageStorage)
		}
	}
	s.updateGauges()

	s.logger.Info("Model storage opened",
		zap.String("dir", s.backend.Dir()),
		zap.Int("models", s.lru.Len()),
		zap.Int64("bytes", s.totalBytes))
	return nil
}

// Start runs the periodic cleanup loop until ctx is done or Close is called
func (s *StorageService) Start(ctx context.Context) {
	if s.config.CleanupInterval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				if _, err := s.Cleanup(); err != nil {
					s.logger.Warn("Periodic storage cleanup failed", zap.Error(err))
				}
			}
		}
	}()
}

// Save compresses data with the codec named in meta.CompressionType, writes the
// blob, then records it in the index. Any prior version of the same id is
// replaced and its blob removed once the new index is durable.
func (s *StorageService) Save(ctx context.Context, meta model.ModelMetadata, data []byte) (*model.CachedModel, error) {
	if meta.ID == "" {
		return nil, errors.InvalidArgument("model id is required", nil)
	}
	tag := codec.Normalize(meta.CompressionType)
	compressed, err := s.codecs.Compress(tag, data)
	if err != nil {
		return nil, tagStage(err, model.StageStorage)
	}

	now := s.clock.Now()
	meta = meta.Clone()
	meta.CompressionType = tag
	meta.SizeBytes = int64(len(data))
	if meta.Checksum == "" {
		meta.Checksum = util.ComputeChecksum(data)
	}
	if meta.Created.IsZero() {
		meta.Created = now
	}
	meta.Updated = now

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return nil, errors.Closed("storage")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Cancelled(meta.ID, err).WithStage(model.StageStorage)
	}

	if s.diskManager != nil {
		if err := s.diskManager.CheckBeforeWrite(uint64(len(compressed))); err != nil {
			return nil, errors.IOFailure("insufficient disk space for blob", err).
				WithStage(model.StageStorage).
				WithDetail("model_id", meta.ID)
		}
	}

	s.mu.RLock()
	var liveKey string
	if live, ok := s.lru.Peek(meta.ID); ok {
		liveKey = live.BlobKey
	}
	s.mu.RUnlock()

	key := nextBlobKey(meta.ID, meta.Version, liveKey)
	if err := s.backend.Put(key, compressed); err != nil {
		return nil, errors.IOFailure("failed to write blob", err).
			WithStage(model.StageStorage).
			WithDetail("model_id", meta.ID)
	}

	rec := &model.CachedModel{
		Metadata:        meta,
		BlobKey:         key,
		OriginalSize:    int64(len(data)),
		CompressedSize:  int64(len(compressed)),
		CompressionType: tag,
		LastAccessed:    now,
	}

	s.mu.Lock()
	before := s.snapshotLocked()
	prev, hadPrev := s.lru.Peek(meta.ID)
	if hadPrev {
		rec.IsPinned = prev.IsPinned
		rec.AccessCount = prev.AccessCount
		s.removeLocked(meta.ID)
	}
	s.addLocked(rec)

	victims, ok := s.planEvictionLocked(meta.ID)
	if !ok {
		stats := s.statisticsLocked()
		s.restoreLocked(before)
		s.mu.Unlock()
		s.deleteBlob(key)

		reason := "only pinned entries remain"
		if s.config.MaxBytes > 0 && rec.CompressedSize > s.config.MaxBytes {
			reason = fmt.Sprintf("entry of %d bytes is larger than the byte quota", rec.CompressedSize)
		}
		s.logger.Warn("Storage quota exceeded",
			zap.String("model_id", meta.ID),
			zap.String("reason", reason),
			zap.Int64("total_bytes", stats.TotalBytes),
			zap.Int("models", stats.TotalModels),
			zap.Int("pinned", stats.PinnedModels))
		return nil, errors.QuotaExceeded(reason, stats.TotalBytes, s.config.MaxBytes, stats.TotalModels, s.config.MaxModels).
			WithStage(model.StageStorage)
	}
	for _, v := range victims {
		s.removeLocked(v.Metadata.ID)
	}
	snapshot := s.snapshotLocked()
	s.dirty = false
	s.mu.Unlock()

	if err := s.index.Save(snapshot); err != nil {
		s.mu.Lock()
		s.restoreLocked(before)
		s.mu.Unlock()
		s.deleteBlob(key)
		return nil, errors.IOFailure("failed to persist index", err).
			WithStage(model.StageStorage).
			WithDetail("model_id", meta.ID)
	}

	if hadPrev {
		s.deleteBlob(prev.BlobKey)
	}
	s.finishEvictions(victims)
	s.updateGauges()

	s.logger.Debug("Model saved",
		zap.String("model_id", meta.ID),
		zap.String("version", meta.Version),
		zap.String("compression", tag),
		zap.Int64("original_bytes", rec.OriginalSize),
		zap.Int64("compressed_bytes", rec.CompressedSize))

	out := *rec
	return &out, nil
}

// Lookup returns the cached record for id without touching LRU order
func (s *StorageService) Lookup(id string) (model.CachedModel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.lru.Peek(id)
	if !ok {
		return model.CachedModel{}, false
	}
	return cloneRecord(rec), true
}

// Load reads and decompresses the cached blob for id and marks it most recently
// used. A missing record or missing blob file is a miss (nil, false, nil).
// Decompression failures are returned as errors and leave the entry in place.
func (s *StorageService) Load(ctx context.Context, id string) (*model.StoredModel, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, errors.Cancelled(id, err)
	}

	rec, ok := s.Lookup(id)
	if !ok {
		return nil, false, nil
	}

	raw, err := s.backend.Get(rec.BlobKey)
	if err != nil {
		if stderrors.Is(err, blobstore.ErrNotExist) {
			s.logger.Warn("Cached blob missing, dropping entry",
				zap.String("model_id", id),
				zap.String("blob_key", rec.BlobKey))
			if _, derr := s.deleteMatching(id, rec.BlobKey); derr != nil {
				s.logger.Warn("Failed to drop dangling entry", zap.String("model_id", id), zap.Error(derr))
			}
			return nil, false, nil
		}
		return nil, false, errors.IOFailure("failed to read blob", err).WithDetail("model_id", id)
	}

	data, err := s.codecs.Decompress(rec.CompressionType, raw)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	cur, ok := s.lru.Get(id)
	if ok && cur.BlobKey == rec.BlobKey {
		cur.AccessCount++
		cur.LastAccessed = s.clock.Now()
		s.dirty = true
		rec = cloneRecord(cur)
	}
	s.mu.Unlock()

	return &model.StoredModel{Data: data, Record: rec}, true, nil
}

// Pin protects id from eviction
func (s *StorageService) Pin(id string) error {
	return s.setPinned(id, true)
}

// Unpin makes id eligible for eviction again
func (s *StorageService) Unpin(id string) error {
	return s.setPinned(id, false)
}

func (s *StorageService) setPinned(id string, pinned bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return errors.Closed("storage")
	}

	s.mu.Lock()
	rec, ok := s.lru.Peek(id)
	if !ok {
		s.mu.Unlock()
		return errors.NotFound(id)
	}
	if rec.IsPinned == pinned {
		s.mu.Unlock()
		return nil
	}
	s.applyPinLocked(rec, pinned)
	snapshot := s.snapshotLocked()
	s.dirty = false
	s.mu.Unlock()

	if err := s.index.Save(snapshot); err != nil {
		s.mu.Lock()
		if cur, ok := s.lru.Peek(id); ok {
			s.applyPinLocked(cur, !pinned)
		}
		s.mu.Unlock()
		return errors.IOFailure("failed to persist index", err).WithStage(model.StageStorage)
	}
	s.updateGauges()

	s.logger.Info("Model pin changed", zap.String("model_id", id), zap.Bool("pinned", pinned))
	return nil
}

// Delete removes the blob, record and index entry for id.
// It returns false when id was not cached.
func (s *StorageService) Delete(id string) (bool, error) {
	return s.deleteMatching(id, "")
}

// deleteMatching removes id only while its record still points at key.
// An empty key matches any record.
func (s *StorageService) deleteMatching(id, key string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return false, errors.Closed("storage")
	}

	s.mu.Lock()
	rec, ok := s.lru.Peek(id)
	if !ok || (key != "" && rec.BlobKey != key) {
		s.mu.Unlock()
		return false, nil
	}
	before := s.snapshotLocked()
	key = rec.BlobKey
	s.removeLocked(id)
	snapshot := s.snapshotLocked()
	s.dirty = false
	s.mu.Unlock()

	if err := s.index.Save(snapshot); err != nil {
		s.mu.Lock()
		s.restoreLocked(before)
		s.mu.Unlock()
		return false, errors.IOFailure("failed to persist index", err).WithStage(model.StageStorage)
	}
	s.deleteBlob(key)
	s.updateGauges()

	s.logger.Debug("Model deleted", zap.String("model_id", id))
	return true, nil
}

// Cleanup evicts least recently used unpinned entries while usage is above the
// cleanup threshold or the model count is above its limit. It also flushes
// pending access bookkeeping. The evicted ids are returned oldest first.
func (s *StorageService) Cleanup() ([]string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return nil, nil
	}

	s.mu.Lock()
	before := s.snapshotLocked()
	victims, _ := s.planEvictionLocked("")
	if len(victims) == 0 && !s.dirty {
		s.mu.Unlock()
		return nil, nil
	}
	for _, v := range victims {
		s.removeLocked(v.Metadata.ID)
	}
	snapshot := s.snapshotLocked()
	s.dirty = false
	s.mu.Unlock()

	if err := s.index.Save(snapshot); err != nil {
		s.mu.Lock()
		s.restoreLocked(before)
		s.dirty = true
		s.mu.Unlock()
		return nil, errors.IOFailure("failed to persist index", err).WithStage(model.StageStorage)
	}

	s.finishEvictions(victims)
	s.updateGauges()

	ids := make([]string, 0, len(victims))
	for _, v := range victims {
		ids = append(ids, v.Metadata.ID)
	}
	return ids, nil
}

// Statistics returns a point-in-time view of the store
func (s *StorageService) Statistics() model.StorageStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statisticsLocked()
}

// List returns all records, least recently used first
func (s *StorageService) List() []model.CachedModel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.CachedModel, 0, s.lru.Len())
	for _, id := range s.lru.Keys() {
		if rec, ok := s.lru.Peek(id); ok {
			out = append(out, cloneRecord(rec))
		}
	}
	return out
}

// Close stops the cleanup loop and flushes pending bookkeeping to the index
func (s *StorageService) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	dirty := s.dirty
	snapshot := s.snapshotLocked()
	s.dirty = false
	s.mu.Unlock()

	if dirty {
		if err := s.index.Save(snapshot); err != nil {
			return errors.IOFailure("failed to flush index", err).WithStage(model.StageStorage)
		}
	}
	s.logger.Info("Model storage closed", zap.Int("models", len(snapshot)))
	return nil
}

// planEvictionLocked picks unpinned victims, oldest first, until the store is
// back under its cleanup threshold. protect is never chosen. ok is false when
// the hard quota is still exceeded after every candidate is taken; in that case
// the returned victims must not be applied.
func (s *StorageService) planEvictionLocked(protect string) ([]*model.CachedModel, bool) {
	bytes, count := s.totalBytes, s.lru.Len()
	var victims []*model.CachedModel

	for _, id := range s.lru.Keys() {
		if !s.overThreshold(bytes, count) {
			break
		}
		if id == protect {
			continue
		}
		rec, _ := s.lru.Peek(id)
		if rec.IsPinned {
			continue
		}
		victims = append(victims, rec)
		bytes -= rec.CompressedSize
		count--
	}

	return victims, !s.overQuota(bytes, count)
}

func (s *StorageService) overThreshold(bytes int64, count int) bool {
	if s.config.MaxModels > 0 && count > s.config.MaxModels {
		return true
	}
	if s.config.MaxBytes > 0 {
		threshold := s.config.CleanupThreshold
		if threshold <= 0 || threshold > 1 {
			threshold = 1
		}
		return float64(bytes)/float64(s.config.MaxBytes) > threshold
	}
	return false
}

func (s *StorageService) overQuota(bytes int64, count int) bool {
	if s.config.MaxModels > 0 && count > s.config.MaxModels {
		return true
	}
	return s.config.MaxBytes > 0 && bytes > s.config.MaxBytes
}

func (s *StorageService) finishEvictions(victims []*model.CachedModel) {
	for _, v := range victims {
		s.deleteBlob(v.BlobKey)
		s.metrics.RecordStorageEviction()
		s.logger.Debug("Evicted model from storage",
			zap.String("model_id", v.Metadata.ID),
			zap.Int64("compressed_bytes", v.CompressedSize),
			zap.Time("last_accessed", v.LastAccessed))
	}
}

func (s *StorageService) deleteBlob(key string) {
	if err := s.backend.Delete(key); err != nil {
		// Left for startup reconciliation
		s.logger.Warn("Failed to delete blob", zap.String("blob_key", key), zap.Error(err))
	}
}

func (s *StorageService) addLocked(rec *model.CachedModel) {
	s.lru.Add(rec.Metadata.ID, rec)
	s.totalBytes += rec.CompressedSize
	s.originalBytes += rec.OriginalSize
	if rec.IsPinned {
		s.pinned++
	}
}

func (s *StorageService) removeLocked(id string) {
	rec, ok := s.lru.Peek(id)
	if !ok {
		return
	}
	s.lru.Remove(id)
	s.totalBytes -= rec.CompressedSize
	s.originalBytes -= rec.OriginalSize
	if rec.IsPinned {
		s.pinned--
	}
}

func (s *StorageService) applyPinLocked(rec *model.CachedModel, pinned bool) {
	if rec.IsPinned == pinned {
		return
	}
	rec.IsPinned = pinned
	if pinned {
		s.pinned++
	} else {
		s.pinned--
	}
}

// restoreLocked rebuilds the table from a snapshot taken by snapshotLocked
func (s *StorageService) restoreLocked(records []model.CachedModel) {
	s.lru.Purge()
	s.totalBytes, s.originalBytes, s.pinned = 0, 0, 0
	for i := range records {
		rec := records[i]
		s.addLocked(&rec)
	}
}

func (s *StorageService) snapshotLocked() []model.CachedModel {
	out := make([]model.CachedModel, 0, s.lru.Len())
	for _, id := range s.lru.Keys() {
		if rec, ok := s.lru.Peek(id); ok {
			out = append(out, cloneRecord(rec))
		}
	}
	return out
}

func (s *StorageService) statisticsLocked() model.StorageStatistics {
	stats := model.StorageStatistics{
		TotalBytes:    s.totalBytes,
		OriginalBytes: s.originalBytes,
		MaxBytes:      s.config.MaxBytes,
		TotalModels:   s.lru.Len(),
		MaxModels:     s.config.MaxModels,
		PinnedModels:  s.pinned,
	}
	if s.config.MaxBytes > 0 {
		stats.UsagePercent = float64(s.totalBytes) / float64(s.config.MaxBytes) * 100.0
	}
	return stats
}

func (s *StorageService) updateGauges() {
	stats := s.Statistics()
	s.metrics.UpdateStorageStats(stats.TotalBytes, stats.TotalModels, stats.PinnedModels)
}

func (s *StorageService) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// BlobKey derives the backend key for one version of a model
func BlobKey(id, version string) string {
	return hashKey(id + "@" + version)
}

// nextBlobKey picks the key a new save of id@version writes to. Re-saving the
// version whose blob is live alternates to a second slot, so the live blob is
// only replaced once the index points away from it.
func nextBlobKey(id, version, liveKey string) string {
	key := BlobKey(id, version)
	if key != liveKey {
		return key
	}
	return hashKey(id + "@" + version + "#staged")
}

func hashKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func cloneRecord(rec *model.CachedModel) model.CachedModel {
	out := *rec
	out.Metadata = rec.Metadata.Clone()
	return out
}

// tagStage returns err tagged with stage when it is a ModelError without one
func tagStage(err error, stage model.Stage) error {
	var me *errors.ModelError
	if !stderrors.As(err, &me) {
		return err
	}
	if me.Stage != model.StageNone {
		return err
	}
	tagged := *me
	tagged.Stage = stage
	return &tagged
}
