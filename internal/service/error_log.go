package service

import (
	"sync"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/model"
)

const defaultErrorLogSize = 100

// ErrorLog is a bounded ring buffer of error reports. Appending never fails.
type ErrorLog struct {
	mu      sync.Mutex
	entries []model.ErrorReport
	next    int
	full    bool
	total   uint64
}

// NewErrorLog creates a log holding the last size reports
func NewErrorLog(size int) *ErrorLog {
	if size <= 0 {
		size = defaultErrorLogSize
	}
	return &ErrorLog{entries: make([]model.ErrorReport, size)}
}

// Append records a report, overwriting the oldest once full
func (l *ErrorLog) Append(r model.ErrorReport) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.next] = r
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	l.total++
}

// Snapshot returns the held reports, oldest first
func (l *ErrorLog) Snapshot() []model.ErrorReport {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		return append([]model.ErrorReport(nil), l.entries[:l.next]...)
	}
	out := make([]model.ErrorReport, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}

// Total returns how many reports were ever appended
func (l *ErrorLog) Total() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
