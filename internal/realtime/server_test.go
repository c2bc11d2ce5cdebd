package realtime

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"stoat-panel/internal/config"
	"stoat-panel/internal/protocol"
	"stoat-panel/internal/session"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	store := config.NewStore(root, "python3")
	sess := session.New(1000)
	return New(sess, store, ""), root
}

// installFakeInterpreter writes a shell shim that stands in for python so
// target scripts can be exercised without a Python toolchain. The shim drops
// the -u flag and runs the script with /bin/sh.
func installFakeInterpreter(t *testing.T, root string) *Server {
	t.Helper()
	shim := filepath.Join(root, "fakepython")
	script := "#!/bin/sh\nshift\nexec /bin/sh \"$@\"\n"
	if err := os.WriteFile(shim, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	store := config.NewStore(root, shim)
	sess := session.New(1000)
	return New(sess, store, "")
}

func postJSON(t *testing.T, handler http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestServer_GetConfigDefaults(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("GET", "/api/config", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp struct {
		Ok     bool          `json:"ok"`
		Config config.Config `json:"config"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if !resp.Ok {
		t.Error("expected ok=true")
	}
	if resp.Config.DiscordMessageLimit != "none" {
		t.Errorf("expected default limit none, got %q", resp.Config.DiscordMessageLimit)
	}
}

func TestServer_ConfigureBadBody(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("POST", "/api/configure", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestServer_ConfigureValidationError(t *testing.T) {
	srv, _ := newTestServer(t)
	w := postJSON(t, srv.Handler(), "/api/configure", map[string]interface{}{
		"stoat_token":     "t",
		"stoat_server_id": "s",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for missing discord token, got %d", w.Code)
	}
}

func TestServer_ConfigureRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	w := postJSON(t, handler, "/api/configure", map[string]interface{}{
		"discord_token":         "d-tok",
		"discord_message_limit": "none",
		"stoat_token":           "s-tok",
		"stoat_server_id":       "srv",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	req := httptest.NewRequest("GET", "/api/config", nil)
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req)

	var resp struct {
		Config config.Config `json:"config"`
	}
	json.NewDecoder(w2.Body).Decode(&resp)
	if resp.Config.DiscordToken != "d-tok" || resp.Config.StoatServerID != "srv" {
		t.Errorf("expected configured values back, got %+v", resp.Config)
	}
}

func TestServer_StartUnknownTarget(t *testing.T) {
	srv, _ := newTestServer(t)
	w := postJSON(t, srv.Handler(), "/api/process/start", map[string]string{"target": "nonsense"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestServer_StartMissingScript(t *testing.T) {
	srv, _ := newTestServer(t)
	w := postJSON(t, srv.Handler(), "/api/process/start", map[string]string{"target": "bot"})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestServer_InputWithoutProcess(t *testing.T) {
	srv, _ := newTestServer(t)
	w := postJSON(t, srv.Handler(), "/api/process/input", map[string]string{"text": "x"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", w.Code)
	}
}

func TestServer_StopWithoutProcess(t *testing.T) {
	srv, _ := newTestServer(t)
	w := postJSON(t, srv.Handler(), "/api/process/stop", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp struct {
		Ok      bool `json:"ok"`
		Stopped bool `json:"stopped"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if !resp.Ok || resp.Stopped {
		t.Errorf("expected ok=true stopped=false, got %+v", resp)
	}
}

func TestServer_OutputEmpty(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("GET", "/api/process/output?cursor=garbage", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp struct {
		Ok      bool   `json:"ok"`
		Cursor  int    `json:"cursor"`
		Output  string `json:"output"`
		Running bool   `json:"running"`
		Dropped bool   `json:"dropped"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if !resp.Ok || resp.Cursor != 0 || resp.Output != "" || resp.Running || resp.Dropped {
		t.Errorf("expected empty idle snapshot, got %+v", resp)
	}
}

func TestServer_StartAndPollLifecycle(t *testing.T) {
	root := t.TempDir()
	srv := installFakeInterpreter(t, root)
	handler := srv.Handler()

	script := filepath.Join(root, "setup.py")
	if err := os.WriteFile(script, []byte("echo from-setup\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := postJSON(t, handler, "/api/process/start", map[string]string{"target": "setup"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected start 200, got %d: %s", w.Code, w.Body.String())
	}

	// A second start while (possibly still) running conflicts.
	w = postJSON(t, handler, "/api/process/start", map[string]string{"target": "setup"})
	if w.Code != http.StatusConflict && w.Code != http.StatusOK {
		t.Fatalf("expected 409 (running) or 200 (already exited), got %d", w.Code)
	}

	var resp struct {
		Cursor   int    `json:"cursor"`
		Output   string `json:"output"`
		Running  bool   `json:"running"`
		ExitCode *int   `json:"exit_code"`
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		req := httptest.NewRequest("GET", "/api/process/output", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		json.NewDecoder(rec.Body).Decode(&resp)
		if !resp.Running && resp.ExitCode != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("script did not finish, last snapshot %+v", resp)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if !strings.Contains(resp.Output, "from-setup") {
		t.Errorf("expected script output, got %q", resp.Output)
	}
	if !strings.Contains(resp.Output, "[Process exited with code 0]") {
		t.Errorf("expected exit annotation, got %q", resp.Output)
	}
}

func TestServer_DisconnectDuringOutputPulses(t *testing.T) {
	srv, _ := newTestServer(t)

	c := &client{
		send:   make(chan []byte, 1),
		done:   make(chan struct{}),
		server: srv,
	}
	srv.clientsMu.Lock()
	srv.clients[c] = true
	srv.clientsMu.Unlock()

	msg, err := protocol.NewMessage(protocol.TypeConfigState, protocol.ConfigStatePayload{})
	if err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for {
			select {
			case <-stop:
				return
			default:
				c.enqueue(msg)
			}
		}
	}()

	// Removing the client while enqueues are in flight must not panic the
	// enqueueing goroutine.
	time.Sleep(10 * time.Millisecond)
	srv.removeClient(c)
	time.Sleep(10 * time.Millisecond)
	close(stop)
	<-finished

	srv.clientsMu.RLock()
	_, present := srv.clients[c]
	srv.clientsMu.RUnlock()
	if present {
		t.Error("expected client gone from the broadcast set")
	}

	// Later broadcasts no longer reach the removed client.
	srv.OnConfigChange()
}

func TestServer_WSMalformedPayloadRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	c := &client{
		send:   make(chan []byte, 4),
		done:   make(chan struct{}),
		server: srv,
	}

	srv.handleWSStart(c, &protocol.Message{
		Type:    protocol.TypeProcessStart,
		Payload: json.RawMessage(`[1,2,3]`),
	})
	srv.handleWSInput(c, &protocol.Message{
		Type:    protocol.TypeProcessInput,
		Payload: json.RawMessage(`"oops"`),
	})

	for i := 0; i < 2; i++ {
		select {
		case data := <-c.send:
			var msg protocol.Message
			json.Unmarshal(data, &msg)
			if msg.Type != protocol.TypeError {
				t.Fatalf("expected error message, got %s", msg.Type)
			}
			var p protocol.ErrorPayload
			json.Unmarshal(msg.Payload, &p)
			if p.Code != protocol.ErrInvalidMessage {
				t.Errorf("expected code %s, got %s", protocol.ErrInvalidMessage, p.Code)
			}
		default:
			t.Fatal("expected an error message for a malformed payload")
		}
	}
}

func TestServer_CORSHeaders(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("OPTIONS", "/api/config", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS Allow-Origin header")
	}
}

func TestServer_WebSocketInitialConfigState(t *testing.T) {
	srv, _ := newTestServer(t)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read message failed: %v", err)
	}

	var msg protocol.Message
	json.Unmarshal(data, &msg)
	if msg.Type != protocol.TypeConfigState {
		t.Errorf("expected first message %s, got %s", protocol.TypeConfigState, msg.Type)
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

	// Skip the initial config/output messages and wait for the error.
	deadline := time.Now().Add(3 * time.Second)
	for {
		ws.SetReadDeadline(deadline)
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read message failed: %v", err)
		}
		var msg protocol.Message
		json.Unmarshal(data, &msg)
		if msg.Type == protocol.TypeError {
			var p protocol.ErrorPayload
			json.Unmarshal(msg.Payload, &p)
			if p.Code != protocol.ErrInvalidMessage {
				t.Errorf("expected code %s, got %s", protocol.ErrInvalidMessage, p.Code)
			}
			return
		}
	}
}

func TestServer_WebSocketStartUnknownTarget(t *testing.T) {
	srv, _ := newTestServer(t)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer ws.Close()

	ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"process.start","payload":{"target":"nonsense"}}`))

	deadline := time.Now().Add(3 * time.Second)
	for {
		ws.SetReadDeadline(deadline)
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read message failed: %v", err)
		}
		var msg protocol.Message
		json.Unmarshal(data, &msg)
		if msg.Type == protocol.TypeError {
			var p protocol.ErrorPayload
			json.Unmarshal(msg.Payload, &p)
			if p.Code != protocol.ErrUnknownTarget {
				t.Errorf("expected code %s, got %s", protocol.ErrUnknownTarget, p.Code)
			}
			return
		}
	}
}
