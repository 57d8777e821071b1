package service

import (
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/model"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/util"
)

const defaultMaxSessions = 256

// SessionRegistry holds the most recent load sessions, bounded by count.
// The oldest session is dropped first once the bound is reached.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions *simplelru.LRU[string, *model.ModelSession]
	clock    util.Clock
}

// NewSessionRegistry creates a registry holding at most maxSessions records
func NewSessionRegistry(maxSessions int, clock util.Clock) *SessionRegistry {
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	if clock == nil {
		clock = util.SystemClock()
	}
	sessions, _ := simplelru.NewLRU[string, *model.ModelSession](maxSessions, nil)
	return &SessionRegistry{sessions: sessions, clock: clock}
}

// Create registers a new IDLE session for modelID
func (r *SessionRegistry) Create(modelID string, priority model.Priority) model.ModelSession {
	now := r.clock.Now()
	s := &model.ModelSession{
		SessionID: uuid.New().String(),
		ModelID:   modelID,
		Priority:  priority,
		Status:    model.SessionIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.sessions.Add(s.SessionID, s)
	r.mu.Unlock()
	return *s
}

// Transition moves a session to next. Illegal transitions, including any move
// out of a terminal state, are ignored and reported with ok=false.
func (r *SessionRegistry) Transition(sessionID string, next model.SessionStatus, source model.LoadSource, errMsg string) (model.ModelSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, found := r.sessions.Peek(sessionID)
	if !found || !s.Status.CanTransitionTo(next) {
		if found {
			return *s, false
		}
		return model.ModelSession{}, false
	}

	now := r.clock.Now()
	s.Status = next
	s.UpdatedAt = now
	if source != model.LoadSourceNone {
		s.Source = source
	}
	if errMsg != "" {
		s.Error = errMsg
	}
	if next.IsTerminal() {
		s.CompletedAt = now
	}
	return *s, true
}

// Get returns a copy of the session
func (r *SessionRegistry) Get(sessionID string) (model.ModelSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions.Peek(sessionID)
	if !ok {
		return model.ModelSession{}, false
	}
	return *s, true
}

// List returns copies of all sessions, newest first
func (r *SessionRegistry) List() []model.ModelSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := r.sessions.Keys()
	out := make([]model.ModelSession, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if s, ok := r.sessions.Peek(keys[i]); ok {
			out = append(out, *s)
		}
	}
	return out
}

// Active counts sessions that have not reached a terminal state
func (r *SessionRegistry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, k := range r.sessions.Keys() {
		if s, ok := r.sessions.Peek(k); ok && !s.Status.IsTerminal() {
			n++
		}
	}
	return n
}
