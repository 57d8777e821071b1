package service

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/metrics"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/model"
)

const defaultSubscriberBuffer = 64

type subscriber struct {
	ch     chan model.LoadStatusEvent
	filter map[string]bool // empty means every model
}

// StatusBroker fans load status events out to subscribers.
// Publish never blocks; a full subscriber channel drops the event.
type StatusBroker struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
	metrics *metrics.Metrics
}

// NewStatusBroker creates an empty broker
func NewStatusBroker(m *metrics.Metrics) *StatusBroker {
	return &StatusBroker{subs: make(map[uint64]*subscriber), metrics: m}
}

// Subscribe returns a channel of events for modelIDs (all models when none are
// given) and a func that unsubscribes and closes the channel.
func (b *StatusBroker) Subscribe(buffer int, modelIDs ...string) (<-chan model.LoadStatusEvent, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	sub := &subscriber{ch: make(chan model.LoadStatusEvent, buffer)}
	if len(modelIDs) > 0 {
		sub.filter = make(map[string]bool, len(modelIDs))
		for _, id := range modelIDs {
			sub.filter[id] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *StatusBroker) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish stamps ev with an id and timestamp and delivers it
func (b *StatusBroker) Publish(ev model.LoadStatusEvent) {
	ev.EventID = uuid.New().String()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if len(sub.filter) > 0 && !sub.filter[ev.ModelID] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.recordDrop()
		}
	}
}

func (b *StatusBroker) recordDrop() {
	b.dropped.Add(1)
	b.metrics.RecordDroppedEvent()
}

// Dropped returns how many deliveries were skipped for slow subscribers
func (b *StatusBroker) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the number of live subscriptions
func (b *StatusBroker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel; later publishes are ignored
func (b *StatusBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
