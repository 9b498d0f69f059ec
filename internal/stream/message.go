package stream

import "time"

// MessageType classifies a parsed message by the shape of its payload.
type MessageType string

const (
	MessageUser       MessageType = "user"
	MessageAssistant  MessageType = "assistant"
	MessageToolUse    MessageType = "tool_use"
	MessageError      MessageType = "error"
	MessageCompletion MessageType = "completion"
	MessageSystem     MessageType = "system"
)

// Metadata carries fields extracted opportunistically from parsed JSON
// objects, regardless of the classified message type.
type Metadata struct {
	SessionID string  `json:"sessionId,omitempty"`
	Cost      float64 `json:"cost,omitempty"`
	ToolName  string  `json:"toolName,omitempty"`
	Tokens    int     `json:"tokens,omitempty"`
}

// ParsedMessage is one structured message reconstructed from the raw output
// stream. For messages parsed from JSON, Content holds the raw span and
// Fields the decoded object; for plain text, Fields is nil.
type ParsedMessage struct {
	Type       MessageType    `json:"type"`
	Content    string         `json:"content"`
	Fields     map[string]any `json:"fields,omitempty"`
	Metadata   Metadata       `json:"metadata"`
	IsComplete bool           `json:"isComplete"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Text returns the human-readable text of a message: the content field of a
// JSON message when it is a plain string, otherwise the raw content.
func (m ParsedMessage) Text() string {
	if text, ok := m.Fields["content"].(string); ok {
		return text
	}
	return m.Content
}

// BufferState is a read-only snapshot of a Buffer. Buffer holds only the
// unresolved tail; everything else has been emitted or dropped.
type BufferState struct {
	Buffer              string    `json:"buffer"`
	TotalBytesProcessed int64     `json:"totalBytesProcessed"`
	IncompleteMessages  int       `json:"incompleteMessages"`
	CompletedMessages   int       `json:"completedMessages"`
	HasIncompleteUTF8   bool      `json:"hasIncompleteUtf8"`
	DroppedBytes        int64     `json:"droppedBytes"`
	LastProcessedAt     time.Time `json:"lastProcessedAt"`
}
