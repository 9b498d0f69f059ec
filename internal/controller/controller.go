package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/YossiAshkenazi/automatic-claude-code-sub013/internal/stream"
)

// ExitStatus describes how the child process ended.
type ExitStatus struct {
	Code int
	Err  error
}

// PromptTimeoutError is returned when the agent produces no ready signal or
// response within the configured bound. Repeated timeouts are the
// orchestrator's cue to terminate and restart the controller.
type PromptTimeoutError struct {
	Timeout time.Duration
}

func (e *PromptTimeoutError) Error() string {
	return fmt.Sprintf("no response from agent within %s", e.Timeout)
}

// Controller owns one interactive agent subprocess and exposes its output as
// parsed messages. Implementations feed every output chunk through a
// stream.Buffer so messages survive arbitrary chunk boundaries.
type Controller interface {
	// Initialize spawns the child in workDir. Fails if the executable is
	// missing or the spawn fails.
	Initialize(ctx context.Context, workDir string) error

	// SendPrompt writes one prompt and waits for the agent's response,
	// bounded by the configured timeout. On timeout it returns
	// PromptTimeoutError rather than hanging.
	SendPrompt(ctx context.Context, text string) (string, error)

	// Resize records the terminal dimensions advertised to the child.
	Resize(cols, rows int)

	// Ready is closed once the agent has produced its first output.
	Ready() <-chan struct{}

	// Messages streams parsed output. The channel is buffered; slow
	// consumers lose messages rather than stall the subprocess.
	Messages() <-chan stream.ParsedMessage

	// Exit delivers the final status once, then closes.
	Exit() <-chan ExitStatus

	// Close requests a graceful shutdown: interrupt, then force-kill after
	// the grace period.
	Close() error

	// Kill terminates the child immediately.
	Kill()
}
