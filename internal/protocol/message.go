package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/YossiAshkenazi/automatic-claude-code-sub013/internal/stream"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionUpdate     = "session.update"
	TypeSessionMessage    = "session.message"
	TypeSessionTerminated = "session.terminated"
	TypeFilesUpdate       = "files.update"
	TypeError             = "error"
)

// Client → Server message types.
const (
	TypeSessionCreate = "session.create"
	TypeSessionPrompt = "session.prompt"
	TypeSessionResume = "session.resume"
	TypeSessionKill   = "session.kill"
)

// Error codes.
const (
	ErrSessionNotFound   = "SESSION_NOT_FOUND"
	ErrSessionLimit      = "SESSION_LIMIT"
	ErrSessionTerminated = "SESSION_TERMINATED"
	ErrSpawnFailed       = "SPAWN_FAILED"
	ErrPromptTimeout     = "PROMPT_TIMEOUT"
	ErrInvalidMessage    = "INVALID_MESSAGE"
)

// Server → Client payloads.

type SessionUpdatePayload struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	WorkDir       string `json:"workDir"`
	InitialPrompt string `json:"initialPrompt"`
	StartTime     string `json:"startTime"`
	Iterations    int    `json:"iterations"`
}

type SessionMessagePayload struct {
	SessionID string               `json:"sessionId"`
	Message   stream.ParsedMessage `json:"message"`
}

type SessionTerminatedPayload struct {
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
}

type FilesUpdatePayload struct {
	SessionID string   `json:"sessionId"`
	FileCount int      `json:"fileCount"`
	Touched   []string `json:"touched"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type SessionCreatePayload struct {
	Prompt  string `json:"prompt"`
	WorkDir string `json:"workDir"`
}

type SessionPromptPayload struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
}

type SessionResumePayload struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
}

type SessionKillPayload struct {
	SessionID string `json:"sessionId"`
}
