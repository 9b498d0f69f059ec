package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/YossiAshkenazi/automatic-claude-code-sub013/internal/controller"
	"github.com/YossiAshkenazi/automatic-claude-code-sub013/internal/orchestrator"
	"github.com/YossiAshkenazi/automatic-claude-code-sub013/internal/protocol"
	"github.com/YossiAshkenazi/automatic-claude-code-sub013/internal/store"
	"github.com/YossiAshkenazi/automatic-claude-code-sub013/internal/stream"
	"github.com/YossiAshkenazi/automatic-claude-code-sub013/internal/watcher"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // allow localhost origins for dev
	},
}

// Server manages WebSocket connections and routes messages between clients,
// the orchestrator, and the file watcher.
type Server struct {
	orch      *orchestrator.Orchestrator
	fileWatch *watcher.Watcher
	clients   map[*client]bool
	clientsMu sync.RWMutex
	staticDir string
	log       *slog.Logger

	// subscriptions tracks which message subscriptions exist per client.
	// key: client, value: map[sessionID]subscriptionID
	subscriptions   map[*client]map[string]string
	subscriptionsMu sync.Mutex
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	// sendMu guards closed; every send on the channel holds it so a
	// disconnect can never race a forwarder into a closed channel.
	sendMu sync.Mutex
	closed bool
}

// New creates a realtime server over the orchestrator. The watcher may be
// nil to disable file activity events. Wires itself as the orchestrator's
// exit handler.
func New(orch *orchestrator.Orchestrator, fileWatch *watcher.Watcher, staticDir string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		orch:          orch,
		fileWatch:     fileWatch,
		clients:       make(map[*client]bool),
		staticDir:     staticDir,
		log:           logger,
		subscriptions: make(map[*client]map[string]string),
	}
	orch.SetExitHandler(s.onSessionExit)
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /sessions/{id}/report", s.handleSessionReport)
	mux.HandleFunc("POST /sessions/{id}/prompt", s.handleSendPrompt)
	mux.HandleFunc("POST /sessions/{id}/resume", s.handleResumeSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)

	// Static file serving.
	if s.staticDir != "" {
		fileServer := http.FileServer(http.Dir(s.staticDir))
		mux.Handle("/", fileServer)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	s.subscriptions[c] = make(map[string]string)
	s.subscriptionsMu.Unlock()

	// Send the current session list to the new client.
	s.sendSessionList(c)

	// Subscribe the new client to all running sessions so it receives
	// messages from sessions created before this connection.
	s.subscribeClientToRunningSessions(c)

	go c.writePump()
	go c.readPump()
}

// sendSessionList sends the persisted session records to a client.
func (s *Server) sendSessionList(c *client) {
	records, err := s.orch.ListSessions()
	if err != nil {
		s.log.Error("list sessions failed", "error", err)
		return
	}
	for _, record := range records {
		msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, sessionUpdatePayload(record))
		if err != nil {
			continue
		}
		c.enqueue(msg)
	}
}

func sessionUpdatePayload(record *store.SessionRecord) protocol.SessionUpdatePayload {
	return protocol.SessionUpdatePayload{
		ID:            record.ID,
		Status:        string(record.Status),
		WorkDir:       record.WorkDir,
		InitialPrompt: record.InitialPrompt,
		StartTime:     record.StartTime.Format(time.RFC3339Nano),
		Iterations:    len(record.Iterations),
	}
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Error("websocket read failed", "error", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue drops the message when the client's buffer is full or the
// client has disconnected.
func (c *client) enqueue(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueueData(data)
}

func (c *client) enqueueData(data []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// closeSend marks the client disconnected and closes its send channel.
// Subscription forwarders may still be draining buffered messages when the
// client goes away; after this, enqueueData discards them.
func (c *client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	s.subscriptionsMu.Lock()
	subs := s.subscriptions[c]
	delete(s.subscriptions, c)
	s.subscriptionsMu.Unlock()

	for sessionID, subID := range subs {
		s.orch.Unsubscribe(sessionID, subID)
	}

	c.closeSend()
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeSessionCreate:
		s.handleWSCreateSession(c, msg)
	case protocol.TypeSessionPrompt:
		s.handleWSPrompt(c, msg)
	case protocol.TypeSessionResume:
		s.handleWSResume(c, msg)
	case protocol.TypeSessionKill:
		s.handleWSKill(c, msg)
	}
}

func (s *Server) handleWSCreateSession(c *client, msg *protocol.Message) {
	var payload protocol.SessionCreatePayload
	json.Unmarshal(msg.Payload, &payload)

	record, err := s.orch.CreateSession(context.Background(), payload.Prompt, payload.WorkDir)
	if err != nil {
		s.sendError(c, errorCode(err), err.Error())
		return
	}

	s.afterSessionStart(record)
}

func (s *Server) handleWSPrompt(c *client, msg *protocol.Message) {
	var payload protocol.SessionPromptPayload
	json.Unmarshal(msg.Payload, &payload)

	// The round-trip blocks until the agent answers; run it off the read
	// loop. Messages reach the client through its subscription.
	go func() {
		if _, err := s.orch.SendPrompt(context.Background(), payload.SessionID, payload.Prompt); err != nil {
			s.sendError(c, errorCode(err), err.Error())
		}
	}()
}

func (s *Server) handleWSResume(c *client, msg *protocol.Message) {
	var payload protocol.SessionResumePayload
	json.Unmarshal(msg.Payload, &payload)

	record, err := s.orch.ResumeSession(context.Background(), payload.SessionID, payload.Prompt)
	if err != nil {
		s.sendError(c, errorCode(err), err.Error())
		return
	}

	s.afterSessionStart(record)
}

func (s *Server) handleWSKill(c *client, msg *protocol.Message) {
	var payload protocol.SessionKillPayload
	json.Unmarshal(msg.Payload, &payload)

	if err := s.orch.KillSession(payload.SessionID); err != nil {
		s.sendError(c, errorCode(err), err.Error())
		return
	}
	if s.fileWatch != nil {
		s.fileWatch.Unwatch(payload.SessionID)
	}
	s.broadcastRecord(payload.SessionID)
}

// afterSessionStart wires watching and subscriptions for a freshly created
// or resumed session and announces it to all clients.
func (s *Server) afterSessionStart(record *store.SessionRecord) {
	if s.fileWatch != nil {
		if err := s.fileWatch.Watch(record.ID, record.WorkDir); err != nil {
			s.log.Error("file watch failed", "session_id", record.ID, "error", err)
		}
	}

	s.broadcastSessionUpdate(record)
	s.subscribeAllClients(record.ID)
}

// onSessionExit broadcasts termination when a session's controller exits.
func (s *Server) onSessionExit(sessionID string, st controller.ExitStatus) {
	msg, err := protocol.NewMessage(protocol.TypeSessionTerminated, protocol.SessionTerminatedPayload{
		SessionID: sessionID,
		ExitCode:  st.Code,
	})
	if err != nil {
		return
	}
	s.broadcast(msg)

	if s.fileWatch != nil {
		s.fileWatch.Unwatch(sessionID)
	}
}

// broadcastRecord re-reads a session record and announces its current state.
func (s *Server) broadcastRecord(id string) {
	state, err := s.orch.GetSessionState(id)
	if err != nil {
		return
	}
	records, err := s.orch.ListSessions()
	if err != nil {
		return
	}
	for _, record := range records {
		if record.ID == state.ID {
			s.broadcastSessionUpdate(record)
			return
		}
	}
}

// broadcastSessionUpdate sends a session update to all connected clients.
func (s *Server) broadcastSessionUpdate(record *store.SessionRecord) {
	msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, sessionUpdatePayload(record))
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		c.enqueueData(data)
	}
}

// subscribeAllClients subscribes all connected clients to a session's messages.
func (s *Server) subscribeAllClients(sessionID string) {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		s.subscribeClient(c, sessionID)
	}
}

// subscribeClientToRunningSessions subscribes a new connection to every
// session that is still running.
func (s *Server) subscribeClientToRunningSessions(c *client) {
	records, err := s.orch.ListSessions()
	if err != nil {
		return
	}
	for _, record := range records {
		if record.Status == store.StatusRunning {
			s.subscribeClient(c, record.ID)
		}
	}
}

// subscribeClient subscribes a single client to a session's messages.
func (s *Server) subscribeClient(c *client, sessionID string) {
	s.subscriptionsMu.Lock()
	if _, exists := s.subscriptions[c][sessionID]; exists {
		s.subscriptionsMu.Unlock()
		return // already subscribed
	}
	s.subscriptionsMu.Unlock()

	subID, ch, history, err := s.orch.Subscribe(sessionID)
	if err != nil {
		return
	}

	s.subscriptionsMu.Lock()
	if s.subscriptions[c] == nil {
		s.subscriptions[c] = make(map[string]string)
	}
	if _, exists := s.subscriptions[c][sessionID]; exists {
		// A concurrent call won the race; back out this subscription so
		// the client is not fed duplicates.
		s.subscriptionsMu.Unlock()
		s.orch.Unsubscribe(sessionID, subID)
		return
	}
	s.subscriptions[c][sessionID] = subID
	s.subscriptionsMu.Unlock()

	// Send history so late subscribers catch up.
	for _, m := range history {
		s.sendSessionMessage(c, sessionID, m)
	}

	// Forward new messages until the subscription closes.
	go func() {
		for m := range ch {
			s.sendSessionMessage(c, sessionID, m)
		}
	}()
}

func (s *Server) sendSessionMessage(c *client, sessionID string, m stream.ParsedMessage) {
	msg, err := protocol.NewMessage(protocol.TypeSessionMessage, protocol.SessionMessagePayload{
		SessionID: sessionID,
		Message:   m,
	})
	if err != nil {
		return
	}
	c.enqueue(msg)
}

func (s *Server) sendError(c *client, code, message string) {
	msg, err := protocol.NewErrorMessage(code, message)
	if err != nil {
		return
	}
	c.enqueue(msg)
}

// OnFileUpdate is the watcher callback: broadcasts file activity for a
// session to all clients.
func (s *Server) OnFileUpdate(sessionID string, fileCount int, touched []string) {
	msg, err := protocol.NewMessage(protocol.TypeFilesUpdate, protocol.FilesUpdatePayload{
		SessionID: sessionID,
		FileCount: fileCount,
		Touched:   touched,
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// errorCode maps orchestrator and controller errors to protocol codes.
func errorCode(err error) string {
	var notFound *store.SessionNotFoundError
	var limit *orchestrator.SessionLimitError
	var timeout *controller.PromptTimeoutError
	switch {
	case errors.As(err, &notFound):
		return protocol.ErrSessionNotFound
	case errors.As(err, &limit):
		return protocol.ErrSessionLimit
	case errors.As(err, &timeout):
		return protocol.ErrPromptTimeout
	default:
		return protocol.ErrSpawnFailed
	}
}
