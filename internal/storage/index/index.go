// Package index persists the model cache index: the durable map from model id
// to its cached record, kept in LRU order so recency survives a restart.
package index

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/model"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/storage/blobstore"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/util"
)

const formatVersion = 1

// ErrCorrupt is returned when the index record fails its integrity check.
var ErrCorrupt = stderrors.New("index: corrupt record")

// Record is one index entry.
type Record = model.CachedModel

type document struct {
	Version int      `json:"version"`
	Records []Record `json:"records"`
}

// Store reads and writes the index through a backend. Writes are serialized.
type Store struct {
	backend blobstore.Backend
	mu      sync.Mutex
	writes  uint64
}

// NewStore creates an index store on top of backend.
func NewStore(backend blobstore.Backend) *Store {
	return &Store{backend: backend}
}

// Load returns the persisted records, oldest access first.
// A missing index yields no records and no error.
func (s *Store) Load() ([]Record, error) {
	raw, err := s.backend.ReadIndex()
	if err != nil {
		if stderrors.Is(err, blobstore.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read index: %w", err)
	}

	payload, ok := util.ValidateAndStripCRC32(raw)
	if !ok {
		return nil, ErrCorrupt
	}

	var doc document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if doc.Version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, doc.Version)
	}
	return doc.Records, nil
}

// Save replaces the persisted index with records, which must be in LRU order.
func (s *Store) Save(records []Record) error {
	if records == nil {
		records = []Record{}
	}
	payload, err := json.Marshal(document{Version: formatVersion, Records: records})
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.WriteIndex(util.AppendCRC32(payload)); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	s.writes++
	return nil
}

// Writes returns how many times the index has been persisted.
func (s *Store) Writes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
