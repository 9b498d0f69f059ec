package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/YossiAshkenazi/automatic-claude-code-sub013/internal/controller"
	"github.com/YossiAshkenazi/automatic-claude-code-sub013/internal/store"
	"github.com/YossiAshkenazi/automatic-claude-code-sub013/internal/stream"
)

const (
	defaultMaxConcurrentSessions = 3
	defaultCleanupInterval       = time.Hour
	defaultSessionMaxAge         = 24 * time.Hour
	defaultRingBufCapacity       = 1000
	defaultSubscriberBufCap      = 100
	defaultMaxPromptTimeouts     = 3
)

// SessionLimitError is returned when creating or resuming a session would
// exceed the concurrent session limit. Nothing is persisted when it fires.
type SessionLimitError struct {
	Current int
	Limit   int
}

func (e *SessionLimitError) Error() string {
	return fmt.Sprintf("maximum session limit reached (%d/%d)", e.Current, e.Limit)
}

// ControllerFactory builds the agent controller attached to each running
// session.
type ControllerFactory func() controller.Controller

// Options configures an Orchestrator. Zero fields take defaults; a nil
// ControllerFactory means sessions run without an attached process.
type Options struct {
	MaxConcurrentSessions int
	CleanupInterval       time.Duration
	SessionMaxAge         time.Duration
	RingCapacity          int
	// MaxPromptTimeouts is the number of consecutive prompt timeouts a
	// controller survives before the orchestrator kills and re-attaches it.
	MaxPromptTimeouts int
	Factory           ControllerFactory
	Logger            *slog.Logger
}

// ProcessInfo describes the agent process attached to a session.
type ProcessInfo struct {
	HasActiveController bool   `json:"hasActiveController"`
	Error               string `json:"error,omitempty"`
}

// Paths locates a session's artifacts on disk.
type Paths struct {
	WorkDir     string `json:"workDir"`
	SessionFile string `json:"sessionFile"`
	LogDir      string `json:"logDir"`
}

// SessionState is the live view of a session: persisted status plus the
// in-memory process attachment.
type SessionState struct {
	ID          string       `json:"id"`
	Status      store.Status `json:"status"`
	ProcessInfo ProcessInfo  `json:"processInfo"`
	Paths       Paths        `json:"paths"`
}

type managedSession struct {
	mu sync.Mutex // serializes iteration/completion per session

	id      string
	workDir string

	ctrl       controller.Controller
	ctrlCancel context.CancelFunc
	ctrlErr    string
	timeouts   int // consecutive prompt timeouts on the current controller

	ring        *RingBuffer
	subscribers map[string]chan stream.ParsedMessage
	subMu       sync.RWMutex

	// continuation holds the prompt a resume queued for the next iteration.
	continuation string
}

// Orchestrator coordinates session lifecycle: admission against the
// concurrency limit, durable records via the store, controller attachment,
// and periodic cleanup of aged sessions and orphaned processes.
type Orchestrator struct {
	store *store.FileStore
	opts  Options
	log   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*managedSession
	statuses map[string]store.Status // mirror of persisted status for tracked sessions
	running  int

	onExit func(sessionID string, status controller.ExitStatus)

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates an Orchestrator over the given store.
func New(st *store.FileStore, opts Options) *Orchestrator {
	if opts.MaxConcurrentSessions <= 0 {
		opts.MaxConcurrentSessions = defaultMaxConcurrentSessions
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	if opts.SessionMaxAge <= 0 {
		opts.SessionMaxAge = defaultSessionMaxAge
	}
	if opts.RingCapacity <= 0 {
		opts.RingCapacity = defaultRingBufCapacity
	}
	if opts.MaxPromptTimeouts <= 0 {
		opts.MaxPromptTimeouts = defaultMaxPromptTimeouts
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		store:    st,
		opts:     opts,
		log:      opts.Logger,
		sessions: make(map[string]*managedSession),
		statuses: make(map[string]store.Status),
		stopCh:   make(chan struct{}),
	}
}

// SetExitHandler registers a callback invoked when a session's controller
// exits. Must be called before Start.
func (o *Orchestrator) SetExitHandler(fn func(sessionID string, status controller.ExitStatus)) {
	o.onExit = fn
}

// Start launches the periodic maintenance loop.
func (o *Orchestrator) Start() {
	go func() {
		ticker := time.NewTicker(o.opts.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				removed, err := o.CleanupOldSessions(o.opts.SessionMaxAge)
				if err != nil {
					o.log.Error("session cleanup failed", "error", err)
				} else if len(removed) > 0 {
					o.log.Info("cleaned up old sessions", "count", len(removed))
				}
				o.CleanupOrphanedProcesses()
			case <-o.stopCh:
				return
			}
		}
	}()
}

// Stop halts the maintenance loop. Running sessions are unaffected.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
}

// CreateSession admits a new session against the concurrency limit, persists
// its record, then attaches a controller. The admission check happens before
// anything touches disk: a rejected create leaves no trace. A failed
// controller attach does NOT fail the session; the record stays running with
// the error recorded so callers can inspect and resume or complete it.
func (o *Orchestrator) CreateSession(ctx context.Context, prompt, workDir string) (*store.SessionRecord, error) {
	o.mu.Lock()
	if o.running >= o.opts.MaxConcurrentSessions {
		current, limit := o.running, o.opts.MaxConcurrentSessions
		o.mu.Unlock()
		return nil, &SessionLimitError{Current: current, Limit: limit}
	}
	o.running++ // reserve the slot before the store call
	o.mu.Unlock()

	record, err := o.store.CreateSession(prompt, workDir)
	if err != nil {
		o.mu.Lock()
		o.running--
		o.mu.Unlock()
		return nil, fmt.Errorf("create session: %w", err)
	}

	ms := &managedSession{
		id:          record.ID,
		workDir:     workDir,
		ring:        NewRingBuffer(o.opts.RingCapacity),
		subscribers: make(map[string]chan stream.ParsedMessage),
	}

	o.mu.Lock()
	o.sessions[record.ID] = ms
	o.statuses[record.ID] = store.StatusRunning
	o.mu.Unlock()

	o.attach(ctx, ms)

	o.log.Info("session created", "session_id", record.ID, "work_dir", workDir)
	return record, nil
}

// ResumeSession transitions a terminal session back to running and attaches a
// fresh controller. The continuation prompt is queued for the next iteration.
// Resuming counts against the concurrency limit like a create.
func (o *Orchestrator) ResumeSession(ctx context.Context, id, continuationPrompt string) (*store.SessionRecord, error) {
	if _, err := o.store.LoadSession(id); err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.statuses[id] == store.StatusRunning {
		o.mu.Unlock()
		return nil, fmt.Errorf("session already running: %s", id)
	}
	if o.running >= o.opts.MaxConcurrentSessions {
		current, limit := o.running, o.opts.MaxConcurrentSessions
		o.mu.Unlock()
		return nil, &SessionLimitError{Current: current, Limit: limit}
	}
	o.running++
	o.mu.Unlock()

	record, err := o.store.ResumeSession(id)
	if err != nil {
		o.mu.Lock()
		o.running--
		o.mu.Unlock()
		return nil, err
	}

	o.mu.Lock()
	ms, ok := o.sessions[id]
	if !ok {
		ms = &managedSession{
			id:          id,
			workDir:     record.WorkDir,
			ring:        NewRingBuffer(o.opts.RingCapacity),
			subscribers: make(map[string]chan stream.ParsedMessage),
		}
		o.sessions[id] = ms
	}
	o.statuses[id] = store.StatusRunning
	o.mu.Unlock()

	ms.mu.Lock()
	ms.continuation = continuationPrompt
	ms.ctrlErr = ""
	ms.mu.Unlock()

	o.attach(ctx, ms)

	o.log.Info("session resumed", "session_id", id)
	return record, nil
}

// attach spawns and wires a controller for the session, when a factory is
// configured. Attach failures are recorded on the session, not returned.
func (o *Orchestrator) attach(ctx context.Context, ms *managedSession) {
	if o.opts.Factory == nil {
		return
	}

	ctrl := o.opts.Factory()
	if err := ctrl.Initialize(ctx, ms.workDir); err != nil {
		o.log.Error("controller attach failed", "session_id", ms.id, "error", err)
		ms.mu.Lock()
		ms.ctrlErr = err.Error()
		ms.mu.Unlock()
		return
	}

	ms.mu.Lock()
	ms.ctrl = ctrl
	ms.ctrlErr = ""
	ms.timeouts = 0
	ms.mu.Unlock()

	go o.pump(ms, ctrl)
}

// pump forwards controller messages into the session's ring buffer and to
// subscribers until the controller exits.
func (o *Orchestrator) pump(ms *managedSession, ctrl controller.Controller) {
	for {
		select {
		case msg, ok := <-ctrl.Messages():
			if !ok {
				return
			}
			ms.ring.Write(msg)
			o.fanOut(ms, msg)
		case st := <-ctrl.Exit():
			// Drain whatever the read loop already queued.
			for {
				select {
				case msg := <-ctrl.Messages():
					ms.ring.Write(msg)
					o.fanOut(ms, msg)
					continue
				default:
				}
				break
			}

			ms.mu.Lock()
			if ms.ctrl == ctrl {
				ms.ctrl = nil
				if st.Err != nil {
					ms.ctrlErr = st.Err.Error()
				}
			}
			ms.mu.Unlock()

			o.log.Info("controller exited", "session_id", ms.id, "exit_code", st.Code)
			if o.onExit != nil {
				o.onExit(ms.id, st)
			}
			return
		}
	}
}

// fanOut delivers a message to all subscribers, dropping when a subscriber
// channel is full.
func (o *Orchestrator) fanOut(ms *managedSession, msg stream.ParsedMessage) {
	ms.subMu.RLock()
	defer ms.subMu.RUnlock()

	for _, ch := range ms.subscribers {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Controller returns the live controller for a session, or nil when none is
// attached.
func (o *Orchestrator) Controller(id string) controller.Controller {
	o.mu.RLock()
	ms, ok := o.sessions[id]
	o.mu.RUnlock()
	if !ok {
		return nil
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.ctrl
}

// SendPrompt runs one prompt round-trip on the session's controller. A
// continuation prompt queued by resume replaces an empty text.
func (o *Orchestrator) SendPrompt(ctx context.Context, id, text string) (string, error) {
	o.mu.RLock()
	ms, ok := o.sessions[id]
	o.mu.RUnlock()
	if !ok {
		return "", &store.SessionNotFoundError{ID: id}
	}

	ms.mu.Lock()
	ctrl := ms.ctrl
	if text == "" && ms.continuation != "" {
		text = ms.continuation
		ms.continuation = ""
	}
	ms.mu.Unlock()

	if ctrl == nil {
		return "", fmt.Errorf("session %s has no active controller", id)
	}

	response, err := ctrl.SendPrompt(ctx, text)

	var timeoutErr *controller.PromptTimeoutError
	switch {
	case err == nil:
		ms.mu.Lock()
		ms.timeouts = 0
		ms.mu.Unlock()
	case errors.As(err, &timeoutErr):
		if o.recordTimeout(ms, ctrl) {
			o.log.Warn("controller restarted after repeated prompt timeouts",
				"session_id", ms.id, "limit", o.opts.MaxPromptTimeouts)
		}
	}
	return response, err
}

// recordTimeout counts one prompt timeout against the session's current
// controller. When consecutive timeouts reach the limit the controller is
// unresponsive: kill it and attach a fresh one. Reports whether a restart
// happened.
func (o *Orchestrator) recordTimeout(ms *managedSession, ctrl controller.Controller) bool {
	ms.mu.Lock()
	if ms.ctrl != ctrl {
		// A restart or exit already replaced this controller.
		ms.mu.Unlock()
		return false
	}
	ms.timeouts++
	if ms.timeouts < o.opts.MaxPromptTimeouts {
		ms.mu.Unlock()
		return false
	}
	ms.ctrl = nil
	ms.timeouts = 0
	ms.ctrlErr = "restarted after repeated prompt timeouts"
	ms.mu.Unlock()

	ctrl.Kill()
	o.attach(context.Background(), ms)
	return true
}

// GetSessionState returns the live view of a session in any status.
func (o *Orchestrator) GetSessionState(id string) (*SessionState, error) {
	record, err := o.store.LoadSession(id)
	if err != nil {
		return nil, err
	}

	state := &SessionState{
		ID:     id,
		Status: record.Status,
		Paths: Paths{
			WorkDir:     record.WorkDir,
			SessionFile: o.store.SessionPath(id),
			LogDir:      filepath.Join(o.store.Root(), "logs"),
		},
	}

	o.mu.RLock()
	ms, tracked := o.sessions[id]
	o.mu.RUnlock()
	if tracked {
		ms.mu.Lock()
		state.ProcessInfo = ProcessInfo{
			HasActiveController: ms.ctrl != nil,
			Error:               ms.ctrlErr,
		}
		ms.mu.Unlock()
	}
	return state, nil
}

// ListSessions returns all persisted session records, newest first.
func (o *Orchestrator) ListSessions() ([]*store.SessionRecord, error) {
	return o.store.ListSessions()
}

// Report builds the parsed per-iteration report for a session.
func (o *Orchestrator) Report(id string) (*store.SessionReport, error) {
	return o.store.Report(id)
}

// AddIteration appends an iteration to a session's record. A continuation
// prompt queued by resume fills an empty iteration prompt.
func (o *Orchestrator) AddIteration(id string, iteration store.Iteration) (*store.SessionRecord, error) {
	o.mu.RLock()
	ms, tracked := o.sessions[id]
	o.mu.RUnlock()

	if !tracked {
		return o.store.AddIteration(id, iteration)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if iteration.Prompt == "" && ms.continuation != "" {
		iteration.Prompt = ms.continuation
		ms.continuation = ""
	}
	return o.store.AddIteration(id, iteration)
}

// CompleteSession marks a session completed or failed, frees its concurrency
// slot, and shuts down its controller.
func (o *Orchestrator) CompleteSession(id string, status store.Status) (*store.SessionRecord, error) {
	o.mu.RLock()
	ms, tracked := o.sessions[id]
	o.mu.RUnlock()

	var record *store.SessionRecord
	var err error
	if tracked {
		ms.mu.Lock()
		record, err = o.store.CompleteSession(id, status)
		ctrl := ms.ctrl
		if err == nil {
			ms.ctrl = nil
		}
		ms.mu.Unlock()
		if err == nil && ctrl != nil {
			go ctrl.Close()
		}
	} else {
		record, err = o.store.CompleteSession(id, status)
	}
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.statuses[id] == store.StatusRunning {
		o.running--
	}
	o.statuses[id] = status
	o.mu.Unlock()

	o.log.Info("session completed", "session_id", id, "status", status)
	return record, nil
}

// SetMaxConcurrentSessions changes the admission limit. Sessions already
// running above a lowered limit keep running; only new admissions see it.
func (o *Orchestrator) SetMaxConcurrentSessions(n int) {
	if n <= 0 {
		return
	}
	o.mu.Lock()
	o.opts.MaxConcurrentSessions = n
	o.mu.Unlock()
}

// CleanupOldSessions deletes terminal sessions whose end time is older than
// the given age. Running sessions and recent terminal sessions are never
// touched. Returns the ids removed.
func (o *Orchestrator) CleanupOldSessions(olderThan time.Duration) ([]string, error) {
	records, err := o.store.ListSessions()
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-olderThan)
	var removed []string
	for _, record := range records {
		if !record.Status.Terminal() || record.EndTime == nil {
			continue
		}
		if record.EndTime.After(cutoff) {
			continue
		}
		if err := o.store.DeleteSession(record.ID); err != nil {
			o.log.Error("delete old session failed", "session_id", record.ID, "error", err)
			continue
		}
		o.mu.Lock()
		delete(o.sessions, record.ID)
		delete(o.statuses, record.ID)
		o.mu.Unlock()
		removed = append(removed, record.ID)
	}
	return removed, nil
}

// CleanupOrphanedProcesses kills controllers whose session record is gone or
// no longer running. Reclaims slots leaked by out-of-band record changes.
func (o *Orchestrator) CleanupOrphanedProcesses() int {
	o.mu.RLock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	o.mu.RUnlock()

	killed := 0
	for _, id := range ids {
		record, err := o.store.LoadSession(id)
		orphaned := err != nil || record.Status != store.StatusRunning

		o.mu.RLock()
		ms := o.sessions[id]
		o.mu.RUnlock()
		if ms == nil {
			continue
		}

		ms.mu.Lock()
		ctrl := ms.ctrl
		if orphaned && ctrl != nil {
			ms.ctrl = nil
		}
		ms.mu.Unlock()

		if !orphaned || ctrl == nil {
			continue
		}

		o.log.Warn("killing orphaned controller", "session_id", id)
		ctrl.Kill()
		killed++

		o.mu.Lock()
		if o.statuses[id] == store.StatusRunning && (err != nil || record.Status != store.StatusRunning) {
			o.running--
			if err != nil {
				delete(o.sessions, id)
				delete(o.statuses, id)
			} else {
				o.statuses[id] = record.Status
			}
		}
		o.mu.Unlock()
	}
	return killed
}

// KillSession force-terminates a session's controller and marks the record
// failed when it was still running. Killing an already terminal session is a
// no-op.
func (o *Orchestrator) KillSession(id string) error {
	record, err := o.store.LoadSession(id)
	if err != nil {
		return err
	}

	o.mu.RLock()
	ms, tracked := o.sessions[id]
	o.mu.RUnlock()

	if tracked {
		ms.mu.Lock()
		ctrl := ms.ctrl
		ms.ctrl = nil
		ms.mu.Unlock()
		if ctrl != nil {
			ctrl.Kill()
		}
	}

	if record.Status != store.StatusRunning {
		return nil
	}
	_, err = o.CompleteSession(id, store.StatusFailed)
	return err
}

// Subscribe registers a message channel for a session and returns the
// subscription id, the channel, and the buffered history so late subscribers
// catch up.
func (o *Orchestrator) Subscribe(id string) (string, <-chan stream.ParsedMessage, []stream.ParsedMessage, error) {
	o.mu.RLock()
	ms, ok := o.sessions[id]
	o.mu.RUnlock()
	if !ok {
		return "", nil, nil, &store.SessionNotFoundError{ID: id}
	}

	subID := uuid.New().String()
	ch := make(chan stream.ParsedMessage, defaultSubscriberBufCap)

	// Snapshot history before registering to avoid duplicated messages.
	history := ms.ring.ReadAll()

	ms.subMu.Lock()
	ms.subscribers[subID] = ch
	ms.subMu.Unlock()

	return subID, ch, history, nil
}

// Unsubscribe removes a subscriber and closes its channel.
func (o *Orchestrator) Unsubscribe(sessionID, subID string) {
	o.mu.RLock()
	ms, ok := o.sessions[sessionID]
	o.mu.RUnlock()
	if !ok {
		return
	}

	ms.subMu.Lock()
	if ch, exists := ms.subscribers[subID]; exists {
		close(ch)
		delete(ms.subscribers, subID)
	}
	ms.subMu.Unlock()
}

// Shutdown stops the maintenance loop and terminates all controllers,
// gracefully first then forced.
func (o *Orchestrator) Shutdown() {
	o.Stop()

	o.mu.RLock()
	sessions := make([]*managedSession, 0, len(o.sessions))
	for _, ms := range o.sessions {
		sessions = append(sessions, ms)
	}
	o.mu.RUnlock()

	var wg sync.WaitGroup
	for _, ms := range sessions {
		ms.mu.Lock()
		ctrl := ms.ctrl
		ms.ctrl = nil
		ms.mu.Unlock()
		if ctrl == nil {
			continue
		}
		wg.Add(1)
		go func(c controller.Controller) {
			defer wg.Done()
			c.Close()
		}(ctrl)
	}
	wg.Wait()
}
