package index

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/model"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/storage/blobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*Store, *blobstore.FileBackend) {
	b, err := blobstore.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	return NewStore(b), b
}

func TestStore_MissingIndexIsEmpty(t *testing.T) {
	s, _ := newStore(t)

	records, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestStore_SaveLoadPreservesOrder(t *testing.T) {
	s, _ := newStore(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	in := []Record{
		{Metadata: model.ModelMetadata{ID: "b", Version: "1", Checksum: "sha256:bb"}, BlobKey: "key-b", LastAccessed: now},
		{Metadata: model.ModelMetadata{ID: "a", Version: "2", Tags: []string{"vision"}}, BlobKey: "key-a", IsPinned: true, AccessCount: 7},
	}
	require.NoError(t, s.Save(in))
	assert.Equal(t, uint64(1), s.Writes())

	out, err := s.Load()
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "b", out[0].Metadata.ID)
	assert.Equal(t, "a", out[1].Metadata.ID)
	assert.True(t, out[1].IsPinned)
	assert.Equal(t, int64(7), out[1].AccessCount)
	assert.Equal(t, []string{"vision"}, out[1].Metadata.Tags)
	assert.True(t, now.Equal(out[0].LastAccessed))
}

func TestStore_CorruptIndex(t *testing.T) {
	s, b := newStore(t)
	require.NoError(t, s.Save([]Record{{Metadata: model.ModelMetadata{ID: "a"}, BlobKey: "key-a"}}))

	raw, err := b.ReadIndex()
	require.NoError(t, err)
	raw[3] ^= 0xFF
	require.NoError(t, b.WriteIndex(raw))

	_, err = s.Load()
	assert.True(t, stderrors.Is(err, ErrCorrupt))
}

func TestStore_GarbageIndex(t *testing.T) {
	s, b := newStore(t)
	require.NoError(t, b.WriteIndex([]byte("not json at all")))

	_, err := s.Load()
	assert.True(t, stderrors.Is(err, ErrCorrupt))
}
