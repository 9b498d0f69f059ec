package stream

import (
	"strings"
	"testing"
)

func TestProcessCompleteResponse(t *testing.T) {
	transcript := strings.Join([]string{
		`{"role": "user", "content": "fix the bug"}`,
		`{"type": "tool_use", "name": "Read", "input": {}}`,
		`{"type": "tool_use", "name": "Edit", "files_modified": ["main.go", "util.go"]}`,
		`{"role": "assistant", "files_read": ["main.go"]}`,
		`{"type": "error", "message": "test failed"}`,
		`{"stop_reason": "end_turn", "usage": {"total_tokens": 900}, "total_cost_usd": 0.12}`,
	}, "\n")

	messages, summary := ProcessCompleteResponse(transcript)
	if len(messages) != 6 {
		t.Fatalf("expected 6 messages, got %d", len(messages))
	}

	if summary.TotalMessages != 6 {
		t.Errorf("expected TotalMessages 6, got %d", summary.TotalMessages)
	}
	if summary.MessageTypes[MessageToolUse] != 2 {
		t.Errorf("expected 2 tool_use, got %d", summary.MessageTypes[MessageToolUse])
	}
	if !summary.HasErrors {
		t.Error("expected HasErrors")
	}

	wantTools := []string{"Edit", "Read"}
	if len(summary.ToolsUsed) != len(wantTools) {
		t.Fatalf("expected tools %v, got %v", wantTools, summary.ToolsUsed)
	}
	for i, tool := range wantTools {
		if summary.ToolsUsed[i] != tool {
			t.Errorf("tool %d: expected %s, got %s", i, tool, summary.ToolsUsed[i])
		}
	}

	wantFiles := []string{"main.go", "util.go"}
	if len(summary.FilesAffected) != len(wantFiles) {
		t.Fatalf("expected files %v, got %v", wantFiles, summary.FilesAffected)
	}
	for i, file := range wantFiles {
		if summary.FilesAffected[i] != file {
			t.Errorf("file %d: expected %s, got %s", i, file, summary.FilesAffected[i])
		}
	}
}

func TestProcessCompleteResponse_PlainTextOnly(t *testing.T) {
	messages, summary := ProcessCompleteResponse("just some terminal output, no JSON at all")
	if len(messages) != 1 {
		t.Fatalf("expected a single forced-flush message, got %d", len(messages))
	}
	if messages[0].IsComplete {
		t.Error("forced flush should be incomplete")
	}
	if summary.TotalMessages != 1 || summary.HasErrors {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

func TestProcessCompleteResponse_StripsAnsi(t *testing.T) {
	messages, _ := ProcessCompleteResponse("\x1b[32m" + `{"role": "assistant", "content": "done"}` + "\x1b[0m")
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if messages[0].Type != MessageAssistant {
		t.Errorf("expected assistant, got %s", messages[0].Type)
	}
}
