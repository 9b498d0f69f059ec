package controller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeScript creates an executable fake agent and returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestInitialize_MissingBinary(t *testing.T) {
	c := NewCLI(Options{Binary: "no-such-agent-binary-xyz"})
	err := c.Initialize(context.Background(), t.TempDir())
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestInitialize_BadWorkDir(t *testing.T) {
	script := writeScript(t, "exit 0\n")
	c := NewCLI(Options{Binary: script})
	if err := c.Initialize(context.Background(), "/nonexistent/path/xyz"); err == nil {
		t.Fatal("expected error for nonexistent work dir")
	}
}

func TestMessagesAndExit(t *testing.T) {
	script := writeScript(t,
		`echo '{"role": "assistant", "content": "hi", "session_id": "s1"}'`+"\n"+
			`echo '{"stop_reason": "end_turn", "usage": {"total_tokens": 5}}'`+"\n"+
			"exit 0\n")
	c := NewCLI(Options{Binary: script, Args: []string{}})
	if err := c.Initialize(context.Background(), t.TempDir()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	select {
	case <-c.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("ready signal never arrived")
	}

	var status ExitStatus
	select {
	case status = <-c.Exit():
	case <-time.After(5 * time.Second):
		t.Fatal("exit status never arrived")
	}
	if status.Code != 0 {
		t.Errorf("expected exit 0, got %d", status.Code)
	}

	var got []string
	for {
		select {
		case msg := <-c.Messages():
			got = append(got, string(msg.Type))
			if len(got) == 2 {
				if got[0] != "assistant" || got[1] != "completion" {
					t.Errorf("unexpected message types: %v", got)
				}
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("expected 2 messages, got %v", got)
		}
	}
}

func TestSendPrompt_RoundTrip(t *testing.T) {
	script := writeScript(t,
		`while read line; do`+"\n"+
			`  printf '{"role": "assistant", "content": "got: %s"}\n' "$line"`+"\n"+
			`  printf '{"stop_reason": "end_turn"}\n'`+"\n"+
			"done\n")
	c := NewCLI(Options{Binary: script, Args: []string{}, PromptTimeout: 5 * time.Second})
	if err := c.Initialize(context.Background(), t.TempDir()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer c.Kill()

	// Prime the loop so the ready signal fires.
	response, err := c.SendPrompt(context.Background(), "hello")
	if err != nil {
		t.Fatalf("SendPrompt failed: %v", err)
	}
	if response != "got: hello" {
		t.Errorf("expected %q, got %q", "got: hello", response)
	}

	response, err = c.SendPrompt(context.Background(), "again")
	if err != nil {
		t.Fatalf("second SendPrompt failed: %v", err)
	}
	if response != "got: again" {
		t.Errorf("expected %q, got %q", "got: again", response)
	}
}

func TestSendPrompt_Timeout(t *testing.T) {
	script := writeScript(t,
		`echo '{"role": "assistant", "content": "booted"}'`+"\n"+
			"sleep 10\n")
	c := NewCLI(Options{Binary: script, Args: []string{}, PromptTimeout: 300 * time.Millisecond})
	if err := c.Initialize(context.Background(), t.TempDir()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer c.Kill()

	_, err := c.SendPrompt(context.Background(), "anyone there")
	var timeoutErr *PromptTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected PromptTimeoutError, got %v", err)
	}
}

func TestExitFlushesTrailingOutput(t *testing.T) {
	script := writeScript(t,
		`printf 'partial tail text'`+"\n"+
			"exit 3\n")
	c := NewCLI(Options{Binary: script, Args: []string{}})
	if err := c.Initialize(context.Background(), t.TempDir()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	var status ExitStatus
	select {
	case status = <-c.Exit():
	case <-time.After(5 * time.Second):
		t.Fatal("exit status never arrived")
	}
	if status.Code != 3 {
		t.Errorf("expected exit 3, got %d", status.Code)
	}

	select {
	case msg := <-c.Messages():
		if msg.IsComplete {
			t.Error("trailing flush must be incomplete")
		}
		if msg.Content != "partial tail text" {
			t.Errorf("unexpected flushed content: %q", msg.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("trailing output was lost on exit")
	}
}

func TestClose_Graceful(t *testing.T) {
	script := writeScript(t,
		`echo '{"role": "assistant", "content": "up"}'`+"\n"+
			"sleep 60\n")
	c := NewCLI(Options{Binary: script, Args: []string{}, GraceTimeout: time.Second})
	if err := c.Initialize(context.Background(), t.TempDir()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Close() }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Close failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Close did not return")
	}

	select {
	case <-c.Exit():
	case <-time.After(2 * time.Second):
		t.Fatal("exit status never arrived after Close")
	}
}

func TestClose_NotInitialized(t *testing.T) {
	c := NewCLI(Options{Binary: "whatever"})
	if err := c.Close(); err != nil {
		t.Errorf("Close on uninitialized controller should be a no-op, got %v", err)
	}
}

func TestSendPrompt_BeforeInitialize(t *testing.T) {
	c := NewCLI(Options{Binary: "whatever"})

	_, err := c.SendPrompt(context.Background(), "too early")
	if err == nil || !strings.Contains(err.Error(), "not initialized") {
		t.Fatalf("expected not-initialized error, got %v", err)
	}

	// The failed call must not leave a waiter registered.
	_, err = c.SendPrompt(context.Background(), "still too early")
	if err == nil || !strings.Contains(err.Error(), "not initialized") {
		t.Fatalf("expected not-initialized error on retry, got %v", err)
	}
}
