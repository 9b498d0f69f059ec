package controller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/YossiAshkenazi/automatic-claude-code-sub013/internal/stream"
)

const (
	defaultBinary        = "claude"
	defaultPromptTimeout = 2 * time.Minute
	defaultGraceTimeout  = 5 * time.Second
	readChunkSize        = 32 * 1024
	messageChannelCap    = 256
)

// defaultArgs put the agent in machine-readable streaming mode.
var defaultArgs = []string{
	"--output-format", "stream-json",
	"--verbose",
	"--dangerously-skip-permissions",
}

// Options configures a CLIController. The zero value spawns the default
// agent binary with streaming output.
type Options struct {
	Binary        string
	Args          []string
	PromptTimeout time.Duration
	GraceTimeout  time.Duration
	Buffer        stream.Options
	Logger        *slog.Logger
}

// CLIController drives one interactive agent subprocess over pipes. All
// stdout and stderr chunks flow through a single stream.Buffer; each chunk
// is handled to completion before the next, so message reassembly never
// interleaves.
type CLIController struct {
	opts Options

	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  *stdinWriter

	bufMu  sync.Mutex
	buffer *stream.Buffer

	readyOnce   sync.Once
	readyCh     chan struct{}
	msgCh       chan stream.ParsedMessage
	exitCh      chan ExitStatus
	procDone    chan struct{}
	readersDone chan struct{}

	stateMu sync.Mutex
	waiter  *promptWaiter
	cols    int
	rows    int
	started bool
}

// promptWaiter accumulates assistant text for one in-flight prompt until a
// completion or error message arrives.
type promptWaiter struct {
	parts []string
	done  chan string
}

// stdinWriter wraps the child's stdin pipe with mutex protection.
type stdinWriter struct {
	mu     sync.Mutex
	writer io.WriteCloser
	closed bool
}

func (sw *stdinWriter) Write(data []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return fmt.Errorf("stdin pipe closed")
	}
	_, err := sw.writer.Write(data)
	return err
}

func (sw *stdinWriter) Close() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.closed {
		sw.writer.Close()
		sw.closed = true
	}
}

// NewCLI creates a controller; the subprocess starts on Initialize.
func NewCLI(opts Options) *CLIController {
	if opts.Binary == "" {
		if env := os.Getenv("CLAUDE_BINARY"); env != "" {
			opts.Binary = env
		} else {
			opts.Binary = defaultBinary
		}
	}
	if opts.Args == nil {
		opts.Args = defaultArgs
	}
	if opts.PromptTimeout <= 0 {
		opts.PromptTimeout = defaultPromptTimeout
	}
	if opts.GraceTimeout <= 0 {
		opts.GraceTimeout = defaultGraceTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	// The controller consumes AddBytes return values; without this the
	// buffer's internal queue would hold the whole session transcript.
	opts.Buffer.DisableQueue = true
	return &CLIController{
		opts:        opts,
		buffer:      stream.NewBuffer(opts.Buffer),
		readyCh:     make(chan struct{}),
		msgCh:       make(chan stream.ParsedMessage, messageChannelCap),
		exitCh:      make(chan ExitStatus, 1),
		procDone:    make(chan struct{}),
		readersDone: make(chan struct{}, 2),
	}
}

// Initialize spawns the agent in workDir.
func (c *CLIController) Initialize(ctx context.Context, workDir string) error {
	info, err := os.Stat(workDir)
	if err != nil {
		return fmt.Errorf("working directory does not exist: %s", workDir)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", workDir)
	}

	binaryPath, err := exec.LookPath(c.opts.Binary)
	if err != nil {
		return fmt.Errorf("agent binary %q not found in PATH", c.opts.Binary)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, binaryPath, c.opts.Args...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), c.sizeEnv()...)
	// Bounds how long Wait leaves the pipes open after exit, so a grandchild
	// holding stdout can never wedge shutdown.
	cmd.WaitDelay = c.opts.GraceTimeout

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		stdin.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		stdin.Close()
		return fmt.Errorf("failed to start agent: %w", err)
	}

	c.stateMu.Lock()
	c.cmd = cmd
	c.cancel = cancel
	c.stdin = &stdinWriter{writer: stdin}
	c.started = true
	c.stateMu.Unlock()

	go func() {
		c.readLoop(stdout)
		c.readersDone <- struct{}{}
	}()
	go func() {
		c.readLoop(stderr)
		c.readersDone <- struct{}{}
	}()
	go c.waitForExit()

	return nil
}

func (c *CLIController) sizeEnv() []string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.cols <= 0 || c.rows <= 0 {
		return nil
	}
	return []string{
		fmt.Sprintf("COLUMNS=%d", c.cols),
		fmt.Sprintf("LINES=%d", c.rows),
	}
}

// readLoop feeds raw chunks into the shared buffer. Chunk boundaries are
// arbitrary; the buffer repairs whatever the pipe splits.
func (c *CLIController) readLoop(r io.Reader) {
	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			c.bufMu.Lock()
			msgs := c.buffer.AddBytes(chunk[:n])
			c.bufMu.Unlock()
			c.dispatch(msgs)
		}
		if err != nil {
			return
		}
	}
}

func (c *CLIController) dispatch(msgs []stream.ParsedMessage) {
	for _, msg := range msgs {
		c.readyOnce.Do(func() { close(c.readyCh) })

		select {
		case c.msgCh <- msg:
		default:
			// Consumer too slow; drop rather than stall the subprocess.
		}

		c.feedWaiter(msg)
	}
}

func (c *CLIController) feedWaiter(msg stream.ParsedMessage) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.waiter == nil {
		return
	}

	switch msg.Type {
	case stream.MessageAssistant:
		if text := msg.Text(); text != "" {
			c.waiter.parts = append(c.waiter.parts, text)
		}
	case stream.MessageError:
		c.waiter.parts = append(c.waiter.parts, msg.Text())
		c.resolveWaiterLocked()
	case stream.MessageCompletion:
		c.resolveWaiterLocked()
	}
}

func (c *CLIController) resolveWaiterLocked() {
	response := strings.Join(c.waiter.parts, "\n")
	select {
	case c.waiter.done <- response:
	default:
	}
	c.waiter = nil
}

// SendPrompt writes one prompt and waits, bounded, for a completion or
// error message carrying the agent's response.
func (c *CLIController) SendPrompt(ctx context.Context, text string) (string, error) {
	timeout := time.NewTimer(c.opts.PromptTimeout)
	defer timeout.Stop()

	select {
	case <-c.procDone:
		return "", fmt.Errorf("agent already exited")
	default:
	}

	waiter := &promptWaiter{done: make(chan string, 1)}
	c.stateMu.Lock()
	if c.stdin == nil {
		c.stateMu.Unlock()
		return "", fmt.Errorf("controller not initialized")
	}
	if c.waiter != nil {
		c.stateMu.Unlock()
		return "", fmt.Errorf("a prompt is already in flight")
	}
	c.waiter = waiter
	stdin := c.stdin
	c.stateMu.Unlock()
	if err := stdin.Write([]byte(text + "\n")); err != nil {
		c.clearWaiter(waiter)
		return "", fmt.Errorf("write prompt: %w", err)
	}

	select {
	case response := <-waiter.done:
		return response, nil
	case <-c.procDone:
		// Exit flushes the buffer first; a response may have landed.
		select {
		case response := <-waiter.done:
			return response, nil
		default:
		}
		c.clearWaiter(waiter)
		return "", fmt.Errorf("agent exited during prompt")
	case <-timeout.C:
		c.clearWaiter(waiter)
		return "", &PromptTimeoutError{Timeout: c.opts.PromptTimeout}
	case <-ctx.Done():
		c.clearWaiter(waiter)
		return "", ctx.Err()
	}
}

func (c *CLIController) clearWaiter(waiter *promptWaiter) {
	c.stateMu.Lock()
	if c.waiter == waiter {
		c.waiter = nil
	}
	c.stateMu.Unlock()
}

// Resize records terminal dimensions. The child runs on pipes, not a PTY,
// so the size reaches it as COLUMNS/LINES at the next spawn.
func (c *CLIController) Resize(cols, rows int) {
	c.stateMu.Lock()
	c.cols = cols
	c.rows = rows
	c.stateMu.Unlock()
}

func (c *CLIController) Ready() <-chan struct{} { return c.readyCh }

func (c *CLIController) Messages() <-chan stream.ParsedMessage { return c.msgCh }

func (c *CLIController) Exit() <-chan ExitStatus { return c.exitCh }

// waitForExit reaps the child, waits for both pipe readers to drain,
// flushes trailing buffered output so it is never silently lost, and
// publishes the exit status.
func (c *CLIController) waitForExit() {
	err := c.cmd.Wait()
	<-c.readersDone
	<-c.readersDone

	exitCode := 0
	if err != nil {
		exitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			err = nil
		}
	}

	c.stdin.Close()

	c.bufMu.Lock()
	flushed := c.buffer.ForceCompletion()
	c.bufMu.Unlock()
	if flushed != nil {
		c.dispatch([]stream.ParsedMessage{*flushed})
	}

	// Fail any in-flight prompt with whatever text accumulated.
	c.stateMu.Lock()
	if c.waiter != nil {
		c.resolveWaiterLocked()
	}
	c.stateMu.Unlock()

	close(c.procDone)
	c.exitCh <- ExitStatus{Code: exitCode, Err: err}
	close(c.exitCh)
}

// Close shuts the child down gracefully: interrupt first, force-kill when
// the grace period expires.
func (c *CLIController) Close() error {
	c.stateMu.Lock()
	cmd := c.cmd
	c.stateMu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	select {
	case <-c.procDone:
		return nil
	default:
	}

	cmd.Process.Signal(os.Interrupt)

	select {
	case <-c.procDone:
		return nil
	case <-time.After(c.opts.GraceTimeout):
	}

	c.Kill()
	<-c.procDone
	return nil
}

// Kill terminates the child immediately.
func (c *CLIController) Kill() {
	c.stateMu.Lock()
	cancel := c.cancel
	c.stateMu.Unlock()
	if cancel != nil {
		cancel()
	}
}
