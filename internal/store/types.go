package store

import (
	"fmt"
	"time"
)

// Status is the persisted lifecycle state of a session. Transitions move
// forward only (running → completed|failed), with one explicit resume edge
// back to running.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Iteration is one prompt/response exchange within a session.
type Iteration struct {
	Iteration int           `json:"iteration"`
	Prompt    string        `json:"prompt"`
	Output    string        `json:"output"`
	ExitCode  int           `json:"exitCode"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// SessionRecord is the durable, append-only record of one execution. It is
// persisted as one JSON file named after its id.
type SessionRecord struct {
	ID            string      `json:"id"`
	StartTime     time.Time   `json:"startTime"`
	EndTime       *time.Time  `json:"endTime,omitempty"`
	InitialPrompt string      `json:"initialPrompt"`
	WorkDir       string      `json:"workDir"`
	Status        Status      `json:"status"`
	Iterations    []Iteration `json:"iterations"`
}

// SessionNotFoundError is returned when no record exists for an id. It is an
// expected condition, not a defect.
type SessionNotFoundError struct {
	ID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session not found: %s", e.ID)
}
