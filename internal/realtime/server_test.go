package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/YossiAshkenazi/automatic-claude-code-sub013/internal/orchestrator"
	"github.com/YossiAshkenazi/automatic-claude-code-sub013/internal/protocol"
	"github.com/YossiAshkenazi/automatic-claude-code-sub013/internal/store"
	"github.com/YossiAshkenazi/automatic-claude-code-sub013/internal/stream"
)

func newTestServer(t *testing.T) (*Server, *orchestrator.Orchestrator) {
	t.Helper()
	st := store.NewFileStore(t.TempDir())
	orch := orchestrator.New(st, orchestrator.Options{MaxConcurrentSessions: 2})
	srv := New(orch, nil, "", nil)
	return srv, orch
}

func TestServer_Handler(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()
	if handler == nil {
		t.Fatal("expected non-nil handler")
	}
}

func TestServer_ListSessionsEmpty(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("GET", "/sessions", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var records []*store.SessionRecord
	json.NewDecoder(w.Body).Decode(&records)
	if len(records) != 0 {
		t.Errorf("expected empty list, got %d sessions", len(records))
	}
}

func TestServer_CreateSessionBadBody(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("POST", "/sessions", strings.NewReader("invalid json"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestServer_CreateSessionMissingFields(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	body := `{"prompt":"build it"}`
	req := httptest.NewRequest("POST", "/sessions", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestServer_CreateAndGetSession(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	body := `{"prompt":"build it","workDir":"` + t.TempDir() + `"}`
	req := httptest.NewRequest("POST", "/sessions", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var record store.SessionRecord
	if err := json.NewDecoder(w.Body).Decode(&record); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if record.Status != store.StatusRunning {
		t.Errorf("status = %s, want running", record.Status)
	}

	req = httptest.NewRequest("GET", "/sessions/"+record.ID, nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var state orchestrator.SessionState
	if err := json.NewDecoder(w.Body).Decode(&state); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if state.ID != record.ID {
		t.Errorf("state id = %s, want %s", state.ID, record.ID)
	}
}

func TestServer_SessionLimitMapsTo429(t *testing.T) {
	st := store.NewFileStore(t.TempDir())
	orch := orchestrator.New(st, orchestrator.Options{MaxConcurrentSessions: 1})
	srv := New(orch, nil, "", nil)
	handler := srv.Handler()

	body := `{"prompt":"a","workDir":"` + t.TempDir() + `"}`
	req := httptest.NewRequest("POST", "/sessions", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", w.Code)
	}

	body = `{"prompt":"b","workDir":"` + t.TempDir() + `"}`
	req = httptest.NewRequest("POST", "/sessions", strings.NewReader(body))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", w.Code)
	}

	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["code"] != protocol.ErrSessionLimit {
		t.Errorf("code = %s, want %s", resp["code"], protocol.ErrSessionLimit)
	}
}

func TestServer_GetSessionNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("GET", "/sessions/nonexistent", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestServer_ReportNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("GET", "/sessions/nonexistent/report", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestServer_PromptBadBody(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("POST", "/sessions/test/prompt", strings.NewReader("bad"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestServer_DeleteSessionNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("DELETE", "/sessions/nonexistent", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestServer_DeleteRunningSession(t *testing.T) {
	srv, orch := newTestServer(t)
	handler := srv.Handler()

	record, err := orch.CreateSession(httptest.NewRequest("GET", "/", nil).Context(), "task", t.TempDir())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	req := httptest.NewRequest("DELETE", "/sessions/"+record.ID, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	state, err := orch.GetSessionState(record.ID)
	if err != nil {
		t.Fatalf("state failed: %v", err)
	}
	if state.Status != store.StatusFailed {
		t.Errorf("status = %s, want failed after kill", state.Status)
	}
}

func TestServer_WebSocketSessionCreate(t *testing.T) {
	srv, _ := newTestServer(t)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer ws.Close()

	msg := map[string]interface{}{
		"type": protocol.TypeSessionCreate,
		"payload": map[string]interface{}{
			"prompt":  "build it",
			"workDir": t.TempDir(),
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(msg)
	ws.WriteMessage(websocket.TextMessage, data)

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, respData, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read message failed: %v", err)
	}

	var resp protocol.Message
	json.Unmarshal(respData, &resp)
	if resp.Type != protocol.TypeSessionUpdate {
		t.Errorf("expected session.update, got %s", resp.Type)
	}

	var payload protocol.SessionUpdatePayload
	json.Unmarshal(resp.Payload, &payload)
	if payload.Status != string(store.StatusRunning) {
		t.Errorf("status = %s, want running", payload.Status)
	}
}

func TestServer_WebSocketInvalidMessage(t *testing.T) {
	srv, _ := newTestServer(t)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer ws.Close()

	ws.WriteMessage(websocket.TextMessage, []byte("not json"))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, respData, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read message failed: %v", err)
	}

	var resp protocol.Message
	json.Unmarshal(respData, &resp)
	if resp.Type != protocol.TypeError {
		t.Errorf("expected error type, got %s", resp.Type)
	}

	var payload protocol.ErrorPayload
	json.Unmarshal(resp.Payload, &payload)
	if payload.Code != protocol.ErrInvalidMessage {
		t.Errorf("code = %s, want %s", payload.Code, protocol.ErrInvalidMessage)
	}
}

func TestServer_CORSHeaders(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("OPTIONS", "/sessions", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS Allow-Origin header")
	}
}

// registerTestClient wires a bare client into the server the way a
// websocket upgrade would, without a real connection.
func registerTestClient(srv *Server, bufCap int) *client {
	c := &client{send: make(chan []byte, bufCap), server: srv}
	srv.clientsMu.Lock()
	srv.clients[c] = true
	srv.clientsMu.Unlock()
	srv.subscriptionsMu.Lock()
	srv.subscriptions[c] = make(map[string]string)
	srv.subscriptionsMu.Unlock()
	return c
}

func TestServer_DeliveryAfterDisconnectIsDiscarded(t *testing.T) {
	srv, orch := newTestServer(t)
	record, err := orch.CreateSession(context.Background(), "task", t.TempDir())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	c := registerTestClient(srv, 4)
	srv.subscribeClient(c, record.ID)
	srv.removeClient(c)

	// Subscription forwarders and broadcasts may still hold the client
	// after it disconnects; late deliveries must be dropped, not panic.
	srv.sendSessionMessage(c, record.ID, stream.ParsedMessage{
		Type:    stream.MessageAssistant,
		Content: "trailing output",
	})
	srv.broadcastSessionUpdate(record)

	for {
		data, ok := <-c.send
		if !ok {
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("bad message after disconnect: %v", err)
		}
		t.Fatalf("message delivered after disconnect: %s", msg.Type)
	}
}

func TestServer_RemoveClientTwice(t *testing.T) {
	srv, _ := newTestServer(t)
	c := registerTestClient(srv, 1)

	srv.removeClient(c)
	srv.removeClient(c)
}

func TestServer_ConcurrentSubscribeDeduplicates(t *testing.T) {
	srv, orch := newTestServer(t)
	record, err := orch.CreateSession(context.Background(), "task", t.TempDir())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	c := registerTestClient(srv, 16)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			srv.subscribeClient(c, record.ID)
		}()
	}
	wg.Wait()

	srv.subscriptionsMu.Lock()
	n := len(srv.subscriptions[c])
	srv.subscriptionsMu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly one subscription, got %d", n)
	}

	srv.removeClient(c)
}
