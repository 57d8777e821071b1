package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/model"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/util"
)

func TestSessionRegistry_Lifecycle(t *testing.T) {
	clock := util.NewManualClock(testEpoch)
	r := NewSessionRegistry(10, clock)

	s := r.Create("m", model.PriorityHigh)
	assert.Equal(t, model.SessionIdle, s.Status)
	assert.NotEmpty(t, s.SessionID)

	_, ok := r.Transition(s.SessionID, model.SessionLoading, model.LoadSourceNone, "")
	assert.False(t, ok, "IDLE cannot jump to LOADING")

	_, ok = r.Transition(s.SessionID, model.SessionInitializing, model.LoadSourceNone, "")
	require.True(t, ok)
	_, ok = r.Transition(s.SessionID, model.SessionLoading, model.LoadSourceNone, "")
	require.True(t, ok)

	clock.Advance(time.Second)
	done, ok := r.Transition(s.SessionID, model.SessionCompleted, model.LoadSourceCache, "")
	require.True(t, ok)
	assert.Equal(t, model.LoadSourceCache, done.Source)
	assert.Equal(t, testEpoch.Add(time.Second), done.CompletedAt)

	_, ok = r.Transition(s.SessionID, model.SessionCancelled, model.LoadSourceNone, "")
	assert.False(t, ok, "terminal state is final")
	assert.Equal(t, 0, r.Active())
}

func TestSessionRegistry_Bounded(t *testing.T) {
	r := NewSessionRegistry(2, nil)
	first := r.Create("a", model.PriorityNormal)
	r.Create("b", model.PriorityNormal)
	third := r.Create("c", model.PriorityNormal)

	_, ok := r.Get(first.SessionID)
	assert.False(t, ok)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, third.SessionID, list[0].SessionID, "newest first")
	assert.Equal(t, 2, r.Active())
}

func TestErrorLog_Ring(t *testing.T) {
	l := NewErrorLog(3)
	assert.Empty(t, l.Snapshot())

	for i, id := range []string{"a", "b", "c", "d", "e"} {
		l.Append(model.ErrorReport{ModelID: id, Code: i})
	}

	got := l.Snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].ModelID)
	assert.Equal(t, "e", got[2].ModelID)
	assert.Equal(t, uint64(5), l.Total())
}

func TestLoadStats_Window(t *testing.T) {
	s := NewLoadStats(2)
	s.RecordSuccess(model.LoadSourceCache, 10*time.Millisecond)
	s.RecordSuccess(model.LoadSourceNetworkFull, 20*time.Millisecond)
	s.RecordSuccess(model.LoadSourceNetworkDelta, 40*time.Millisecond)
	s.RecordFailure(true)
	s.RecordRejection()

	snap := s.Snapshot()
	assert.Equal(t, int64(4), snap.TotalLoads)
	assert.Equal(t, int64(1), snap.FailedLoads)
	assert.Equal(t, int64(1), snap.RejectedLoads)
	assert.Equal(t, int64(1), snap.CacheHits)
	assert.Equal(t, int64(3), snap.CacheMisses)
	assert.Equal(t, 30*time.Millisecond, snap.AverageLoadTime, "only the last two loads count")
	assert.Equal(t, 25.0, snap.ErrorRatePercent())
	assert.Equal(t, 25.0, snap.CacheHitRatePercent())
}

func TestStatusBroker_NonBlocking(t *testing.T) {
	b := NewStatusBroker(nil)

	all, unsubAll := b.Subscribe(1)
	only, unsubOnly := b.Subscribe(4, "m2")
	defer unsubOnly()

	b.Publish(model.LoadStatusEvent{ModelID: "m1", Status: model.SessionLoading})
	b.Publish(model.LoadStatusEvent{ModelID: "m2", Status: model.SessionCompleted})

	ev := <-all
	assert.Equal(t, "m1", ev.ModelID)
	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, uint64(1), b.Dropped(), "second event overflowed the 1-slot buffer")

	ev = <-only
	assert.Equal(t, "m2", ev.ModelID)

	unsubAll()
	unsubAll()
	_, open := <-all
	assert.False(t, open)
	assert.Equal(t, 1, b.Subscribers())

	b.Close()
	_, open = <-only
	assert.False(t, open)
}
