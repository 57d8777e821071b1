package model

import "time"

// SessionStatus is the lifecycle state of one load session
type SessionStatus string

const (
	SessionIdle         SessionStatus = "IDLE"
	SessionInitializing SessionStatus = "INITIALIZING"
	SessionLoading      SessionStatus = "LOADING"
	SessionCompleted    SessionStatus = "COMPLETED"
	SessionFailed       SessionStatus = "FAILED"
	SessionCancelled    SessionStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is allowed
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

// CanTransitionTo reports whether next is a legal successor of s
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case SessionIdle:
		return next == SessionInitializing || next == SessionCancelled || next == SessionFailed
	case SessionInitializing:
		return next == SessionLoading || next == SessionFailed || next == SessionCancelled
	case SessionLoading:
		return next.IsTerminal()
	default:
		return false
	}
}

// ModelSession is the bookkeeping record of one load attempt
type ModelSession struct {
	SessionID   string        `json:"session_id"`
	ModelID     string        `json:"model_id"`
	Priority    Priority      `json:"priority"`
	Status      SessionStatus `json:"status"`
	Source      LoadSource    `json:"source,omitempty"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	CompletedAt time.Time     `json:"completed_at,omitempty"`
}

// LoadStatusEvent is published on every session transition
type LoadStatusEvent struct {
	EventID   string        `json:"event_id"`
	SessionID string        `json:"session_id"`
	ModelID   string        `json:"model_id"`
	Status    SessionStatus `json:"status"`
	Source    LoadSource    `json:"source,omitempty"`
	Stage     Stage         `json:"stage,omitempty"`
	Message   string        `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// ErrorReport is one entry of the diagnostics log
type ErrorReport struct {
	Timestamp time.Time `json:"timestamp"`
	ModelID   string    `json:"model_id"`
	SessionID string    `json:"session_id,omitempty"`
	Stage     Stage     `json:"stage,omitempty"`
	Code      int       `json:"code"`
	Message   string    `json:"message"`
}
