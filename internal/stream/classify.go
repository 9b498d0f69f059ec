package stream

import (
	"strings"
	"time"
)

// classifyObject builds a ParsedMessage from a decoded top-level JSON
// object. Classification follows the shape of the agent's stream-json
// output; unrecognized objects default to assistant.
func classifyObject(raw string, obj map[string]any) ParsedMessage {
	msg := ParsedMessage{
		Type:       MessageAssistant,
		Content:    raw,
		Fields:     obj,
		IsComplete: true,
		Timestamp:  time.Now(),
	}

	switch {
	case stringField(obj, "role") == "user":
		msg.Type = MessageUser
	case stringField(obj, "role") == "assistant":
		msg.Type = MessageAssistant
	case stringField(obj, "type") == "tool_use":
		msg.Type = MessageToolUse
		msg.Metadata.ToolName = firstToolName(obj)
	case stringField(obj, "type") == "error" || stringField(obj, "status") == "error":
		msg.Type = MessageError
	case stringField(obj, "type") == "system":
		msg.Type = MessageSystem
	default:
		if _, ok := obj["stop_reason"]; ok {
			msg.Type = MessageCompletion
		} else if _, ok := obj["usage"]; ok {
			msg.Type = MessageCompletion
		}
	}

	if msg.Type == MessageCompletion {
		if usage, ok := obj["usage"].(map[string]any); ok {
			if total, ok := usage["total_tokens"].(float64); ok {
				msg.Metadata.Tokens = int(total)
			}
		}
	}

	// Session id and cost can ride on any object type.
	if id := stringField(obj, "session_id"); id != "" {
		msg.Metadata.SessionID = id
	}
	if cost, ok := obj["total_cost_usd"].(float64); ok {
		msg.Metadata.Cost = cost
	}

	return msg
}

// textMessage wraps a plain-text span. Text mentioning an error is surfaced
// as an error message so callers notice tool and shell failures printed
// outside the JSON protocol.
func textMessage(text string, complete bool) ParsedMessage {
	msgType := MessageAssistant
	if strings.Contains(strings.ToLower(text), "error") {
		msgType = MessageError
	}
	return ParsedMessage{
		Type:       msgType,
		Content:    text,
		IsComplete: complete,
		Timestamp:  time.Now(),
	}
}

func stringField(obj map[string]any, key string) string {
	value, _ := obj[key].(string)
	return value
}

// firstToolName finds the first tool referenced by a tool_use object: the
// top-level name, or the name of the first tool_use block in a content array.
func firstToolName(obj map[string]any) string {
	if name := stringField(obj, "name"); name != "" {
		return name
	}
	if name := stringField(obj, "tool"); name != "" {
		return name
	}
	blocks, ok := obj["content"].([]any)
	if !ok {
		return ""
	}
	for _, block := range blocks {
		entry, ok := block.(map[string]any)
		if !ok {
			continue
		}
		if stringField(entry, "type") == "tool_use" {
			if name := stringField(entry, "name"); name != "" {
				return name
			}
		}
	}
	return ""
}
