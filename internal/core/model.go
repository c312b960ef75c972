package core

// Status is the processing state of a single message record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusTranslated Status = "translated"
	StatusScored     Status = "scored"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Terminal reports whether no further processing may happen for this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusScored, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// MessageRecord is one input row flowing through the pipeline and persisted
// in the checkpoint store.
type MessageRecord struct {
	ID             string // stable across re-runs of the same input
	UserID         string
	RawText        string
	Language       string // optional source language from the input
	TranslatedText string // set once translation succeeded
	OffensiveScore float64
	Status         Status
	Reason         string // failure/skip reason, diagnostics only
}

// UserAggregate is the running combined score for one user. Score is the
// rule-applied aggregate value (e.g. avg of TotalScore over MessageCount)
// and is populated at finalize time along with Flagged.
type UserAggregate struct {
	UserID       string
	TotalScore   float64
	MessageCount int64
	Score        float64
	Flagged      bool
}

// RunState is the global state of one pipeline run.
type RunState string

const (
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunAborted   RunState = "aborted"
)
