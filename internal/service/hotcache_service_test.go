package service

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/util"
)

func hot(n int) *HotEntry {
	return &HotEntry{Data: bytes.Repeat([]byte{'h'}, n)}
}

func TestHotCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewHotCacheService(&HotCacheConfig{MaxBytes: 300}, nil, zap.NewNop())

	require.True(t, c.Put("a", hot(100)))
	require.True(t, c.Put("b", hot(100)))
	require.True(t, c.Put("c", hot(100)))

	_, ok := c.Get("a")
	require.True(t, ok)

	require.True(t, c.Put("d", hot(100)))

	_, ok = c.Get("b")
	assert.False(t, ok, "b was least recently used")
	_, ok = c.Get("a")
	assert.True(t, ok)

	size, count := c.Stats()
	assert.Equal(t, int64(300), size)
	assert.Equal(t, 3, count)
}

func TestHotCache_PinnedSurvivesSweep(t *testing.T) {
	c := NewHotCacheService(&HotCacheConfig{MaxBytes: 200}, nil, zap.NewNop())

	c.Pin("a")
	require.True(t, c.Put("a", hot(100)))
	require.True(t, c.Put("b", hot(100)))
	require.True(t, c.Put("c", hot(100)))

	_, ok := c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("b")
	assert.False(t, ok)

	c.Unpin("a")
	size, _ := c.Stats()
	assert.LessOrEqual(t, size, int64(200))
}

func TestHotCache_OversizedEntryRejected(t *testing.T) {
	c := NewHotCacheService(&HotCacheConfig{MaxBytes: 50}, nil, zap.NewNop())
	assert.False(t, c.Put("big", hot(51)))
	_, count := c.Stats()
	assert.Equal(t, 0, count)
}

func TestHotCache_ReplaceAndRemove(t *testing.T) {
	c := NewHotCacheService(&HotCacheConfig{MaxBytes: 1000}, nil, zap.NewNop())

	require.True(t, c.Put("a", hot(100)))
	require.True(t, c.Put("a", hot(40)))
	size, count := c.Stats()
	assert.Equal(t, int64(40), size)
	assert.Equal(t, 1, count)

	assert.True(t, c.Remove("a"))
	assert.False(t, c.Remove("a"))
}

func TestHotCache_Disabled(t *testing.T) {
	c := NewHotCacheService(&HotCacheConfig{}, nil, zap.NewNop())
	assert.False(t, c.Put("a", hot(1)))
}

func TestHotCache_CopiesBuffers(t *testing.T) {
	c := NewHotCacheService(&HotCacheConfig{MaxBytes: 100}, nil, zap.NewNop())

	in := []byte("payload")
	require.True(t, c.Put("m", &HotEntry{Data: in}))
	in[0] = 'X'

	got, ok := c.Get("m")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), got.Data)
	got.Data[1] = 'Y'

	again, ok := c.Get("m")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), again.Data)
}

func TestHotCache_SweepDropsIdleUnpinned(t *testing.T) {
	c := NewHotCacheService(&HotCacheConfig{MaxBytes: 1000, MaxIdle: time.Minute}, nil, zap.NewNop())
	clock := util.NewManualClock(testEpoch)
	c.SetClock(clock)

	c.Pin("pinned")
	require.True(t, c.Put("pinned", hot(10)))
	require.True(t, c.Put("idle", hot(10)))
	require.True(t, c.Put("busy", hot(10)))

	clock.Advance(45 * time.Second)
	_, ok := c.Get("busy")
	require.True(t, ok)
	assert.Equal(t, 0, c.Sweep(), "nothing is idle yet")

	clock.Advance(30 * time.Second)
	assert.Equal(t, 1, c.Sweep())

	assert.False(t, c.Contains("idle"))
	assert.True(t, c.Contains("busy"))
	assert.True(t, c.Contains("pinned"), "pinned entries survive the sweep")
}
