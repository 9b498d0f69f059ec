package store

import (
	"sort"
	"time"

	"github.com/YossiAshkenazi/automatic-claude-code-sub013/internal/stream"
)

// SessionReport is a pure projection of a persisted record: nothing here
// mutates the session.
type SessionReport struct {
	ID            string            `json:"id"`
	Task          string            `json:"task"`
	Status        Status            `json:"status"`
	WorkDir       string            `json:"workDir"`
	StartTime     time.Time         `json:"startTime"`
	EndTime       *time.Time        `json:"endTime,omitempty"`
	Duration      time.Duration     `json:"duration"`
	TotalCost     float64           `json:"totalCost"`
	FilesAffected []string          `json:"filesAffected"`
	CommandsRun   []string          `json:"commandsRun"`
	Iterations    []IterationReport `json:"iterations"`
}

// IterationReport is the per-iteration detail of a SessionReport.
type IterationReport struct {
	Iteration int            `json:"iteration"`
	Prompt    string         `json:"prompt"`
	ExitCode  int            `json:"exitCode"`
	Duration  time.Duration  `json:"duration"`
	Timestamp time.Time      `json:"timestamp"`
	Summary   stream.Summary `json:"summary"`
}

// Report loads a record and renders task, status, duration, cost, files
// touched, and commands run by re-parsing each iteration's captured output.
func (s *FileStore) Report(id string) (*SessionReport, error) {
	record, err := s.LoadSession(id)
	if err != nil {
		return nil, err
	}

	report := &SessionReport{
		ID:            record.ID,
		Task:          record.InitialPrompt,
		Status:        record.Status,
		WorkDir:       record.WorkDir,
		StartTime:     record.StartTime,
		EndTime:       record.EndTime,
		FilesAffected: []string{},
		CommandsRun:   []string{},
	}
	if record.EndTime != nil {
		report.Duration = record.EndTime.Sub(record.StartTime)
	} else {
		report.Duration = time.Since(record.StartTime)
	}

	files := make(map[string]struct{})
	commands := make(map[string]struct{})

	for _, iteration := range record.Iterations {
		messages, summary := stream.ProcessCompleteResponse(iteration.Output)

		for _, path := range summary.FilesAffected {
			files[path] = struct{}{}
		}
		// The agent reports a cumulative cost; the last value seen wins.
		cost := report.TotalCost
		for _, msg := range messages {
			if msg.Metadata.Cost > 0 {
				cost = msg.Metadata.Cost
			}
			if cmd := bashCommand(msg); cmd != "" {
				commands[cmd] = struct{}{}
			}
		}
		report.TotalCost = cost

		report.Iterations = append(report.Iterations, IterationReport{
			Iteration: iteration.Iteration,
			Prompt:    iteration.Prompt,
			ExitCode:  iteration.ExitCode,
			Duration:  iteration.Duration,
			Timestamp: iteration.Timestamp,
			Summary:   summary,
		})
	}

	for path := range files {
		report.FilesAffected = append(report.FilesAffected, path)
	}
	for cmd := range commands {
		report.CommandsRun = append(report.CommandsRun, cmd)
	}
	sort.Strings(report.FilesAffected)
	sort.Strings(report.CommandsRun)

	return report, nil
}

// bashCommand extracts the shell command from a Bash tool_use message.
func bashCommand(msg stream.ParsedMessage) string {
	if msg.Type != stream.MessageToolUse || msg.Metadata.ToolName != "Bash" {
		return ""
	}
	input, ok := msg.Fields["input"].(map[string]any)
	if !ok {
		return ""
	}
	command, _ := input["command"].(string)
	return command
}
