package model

import "time"

// LoadSource identifies where a loaded payload came from
type LoadSource string

const (
	LoadSourceNone         LoadSource = ""
	LoadSourceCache        LoadSource = "CACHE"
	LoadSourceNetworkFull  LoadSource = "NETWORK_FULL"
	LoadSourceNetworkDelta LoadSource = "NETWORK_DELTA"
)

// Stage tags a step of the load pipeline
type Stage string

const (
	StageNone    Stage = ""
	StageCache   Stage = "CACHE"
	StageDelta   Stage = "DELTA"
	StageNetwork Stage = "NETWORK"
	StageStorage Stage = "STORAGE"
)

// AttemptOutcome is the result of a single pipeline stage
type AttemptOutcome string

const (
	OutcomeHit     AttemptOutcome = "hit"
	OutcomeMiss    AttemptOutcome = "miss"
	OutcomeFailed  AttemptOutcome = "failed"
	OutcomeSkipped AttemptOutcome = "skipped"
	OutcomeStored  AttemptOutcome = "stored"
)

// StageAttempt records what one pipeline stage did for a load
type StageAttempt struct {
	Stage   Stage          `json:"stage"`
	Outcome AttemptOutcome `json:"outcome"`
	Reason  string         `json:"reason,omitempty"`
	Err     error          `json:"-"`
}

// Priority orders loads for reporting and preload scheduling
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the priority name
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority converts a name into a Priority, defaulting to normal
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// LoadRequest asks the manager for a usable model buffer
type LoadRequest struct {
	ModelID         string
	URL             string
	Version         string
	CompressionType string
	Checksum        string
	ForceDownload   bool
	Priority        Priority

	// Optional descriptive fields copied into stored metadata
	Name string
	Type string
	Tags []string
}

// LoadResult is the outcome of one load request. It is never persisted.
type LoadResult struct {
	Success          bool           `json:"success"`
	ModelID          string         `json:"model_id"`
	SessionID        string         `json:"session_id,omitempty"`
	Source           LoadSource     `json:"source,omitempty"`
	LoadTime         time.Duration  `json:"load_time"`
	CompressionRatio float64        `json:"compression_ratio"`
	Stage            Stage          `json:"stage,omitempty"`
	Error            error          `json:"-"`
	ErrorMessage     string         `json:"error,omitempty"`
	Attempts         []StageAttempt `json:"attempts,omitempty"`
	Metadata         *ModelMetadata `json:"metadata,omitempty"`
	Data             []byte         `json:"-"`
}
