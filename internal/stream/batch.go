package stream

import (
	"sort"

	"github.com/charmbracelet/x/ansi"
)

// Summary aggregates a full transcript: message counts by type, tools used,
// files the agent reported touching, and whether anything errored.
type Summary struct {
	TotalMessages int                 `json:"totalMessages"`
	MessageTypes  map[MessageType]int `json:"messageTypes"`
	ToolsUsed     []string            `json:"toolsUsed"`
	FilesAffected []string            `json:"filesAffected"`
	HasErrors     bool                `json:"hasErrors"`
}

// fileListFields are the JSON fields agents use to report touched files.
var fileListFields = []string{"files_modified", "files_created", "files_read"}

// ProcessCompleteResponse parses an entire transcript in one pass and
// returns the messages plus an aggregate summary. Unlike the incremental
// path there is no chunk-boundary state to repair, so the whole text is
// stripped up front.
func ProcessCompleteResponse(full string) ([]ParsedMessage, Summary) {
	buffer := NewBuffer(Options{
		// The transcript is complete; never truncate mid-pass.
		MaxBufferSize: len(full) + 1,
	})
	buffer.AddChunk(ansi.Strip(full))
	buffer.ForceCompletion()
	messages := buffer.CompletedMessages()

	summary := Summary{
		TotalMessages: len(messages),
		MessageTypes:  make(map[MessageType]int),
	}
	tools := make(map[string]struct{})
	files := make(map[string]struct{})

	for _, msg := range messages {
		summary.MessageTypes[msg.Type]++
		if msg.Type == MessageError {
			summary.HasErrors = true
		}
		if msg.Metadata.ToolName != "" {
			tools[msg.Metadata.ToolName] = struct{}{}
		}
		collectFiles(msg.Fields, files)
	}

	summary.ToolsUsed = sortedKeys(tools)
	summary.FilesAffected = sortedKeys(files)
	return messages, summary
}

func collectFiles(obj map[string]any, files map[string]struct{}) {
	if obj == nil {
		return
	}
	for _, field := range fileListFields {
		entries, ok := obj[field].([]any)
		if !ok {
			continue
		}
		for _, entry := range entries {
			if path, ok := entry.(string); ok && path != "" {
				files[path] = struct{}{}
			}
		}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
