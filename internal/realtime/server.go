// Package realtime is the HTTP face of the panel: REST endpoints for
// configuration and process control, a polling endpoint for output catch-up,
// and a WebSocket that pushes output deltas and config changes.
package realtime

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"stoat-panel/internal/config"
	"stoat-panel/internal/protocol"
	"stoat-panel/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Localhost-only panel.
	},
}

// Server routes requests to the process session and the config store.
type Server struct {
	session   *session.Session
	store     *config.Store
	staticDir string

	clients   map[*client]bool
	clientsMu sync.RWMutex
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	server *Server
}

// New creates a realtime server over one session and config store.
func New(sess *session.Session, store *config.Store, staticDir string) *Server {
	return &Server{
		session:   sess,
		store:     store,
		staticDir: staticDir,
		clients:   make(map[*client]bool),
	}
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(corsMiddleware)

	r.Get("/ws", s.handleWebSocket)

	r.Get("/api/config", s.handleGetConfig)
	r.Post("/api/configure", s.handleConfigure)
	r.Get("/api/process/output", s.handleProcessOutput)
	r.Post("/api/process/start", s.handleProcessStart)
	r.Post("/api/process/input", s.handleProcessInput)
	r.Post("/api/process/stop", s.handleProcessStop)

	if s.staticDir != "" {
		fileServer := http.FileServer(http.Dir(s.staticDir))
		r.Handle("/*", fileServer)
	}

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// OnConfigChange is the watcher callback: pushes the current configuration
// to every connected client.
func (s *Server) OnConfigChange() {
	msg, err := protocol.NewMessage(protocol.TypeConfigState, protocol.ConfigStatePayload{
		Config: s.store.Current(),
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.sendConfigState(c)

	go c.writePump()
	go c.readPump()
	go c.streamOutput()
}

// streamOutput follows the session's output for one client: it catches up
// from cursor zero, then forwards each delta when the session signals new
// output, and announces the running→exited edge.
func (c *client) streamOutput() {
	subID, notify := c.server.session.Subscribe()
	defer c.server.session.Unsubscribe(subID)

	cursor := 0
	first := true
	prevRunning := false

	for {
		snap := c.server.session.OutputSince(cursor)

		if snap.Output != "" || first {
			msg, err := protocol.NewMessage(protocol.TypeProcessOutput, protocol.ProcessOutputPayload{
				Output:  snap.Output,
				Cursor:  snap.Cursor,
				Dropped: snap.Dropped,
				Running: snap.Running,
			})
			if err == nil {
				c.enqueue(msg)
			}
			first = false
		}

		if prevRunning && !snap.Running && snap.ExitCode != nil {
			msg, err := protocol.NewMessage(protocol.TypeProcessExit, protocol.ProcessExitPayload{
				ExitCode: *snap.ExitCode,
			})
			if err == nil {
				c.enqueue(msg)
			}
		}
		prevRunning = snap.Running
		cursor = snap.Cursor

		select {
		case <-notify:
		case <-c.done:
			return
		}
	}
}

// enqueue hands a message to the client's write pump without blocking.
// The send channel is never closed, so racing a disconnect at worst drops
// the message.
func (c *client) enqueue(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		// Client buffer full, skip.
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
				log.Printf("websocket read error: %v", err)
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
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client. Only the done channel is
// closed: the send channel stays open because the output streamer may be
// enqueueing concurrently, and a send on a closed channel would panic.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	_, present := s.clients[c]
	delete(s.clients, c)
	s.clientsMu.Unlock()

	if present {
		close(c.done)
	}
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeProcessStart:
		s.handleWSStart(c, msg)
	case protocol.TypeProcessInput:
		s.handleWSInput(c, msg)
	case protocol.TypeProcessStop:
		s.session.Stop()
	case protocol.TypeConfigGet:
		s.sendConfigState(c)
	}
}

func (s *Server) handleWSStart(c *client, msg *protocol.Message) {
	var payload protocol.ProcessStartPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	command, err := s.store.ResolveTarget(payload.Target)
	if err != nil {
		s.sendError(c, protocol.ErrUnknownTarget, err.Error())
		return
	}

	if err := s.session.Start(command, s.store.Root()); err != nil {
		code := protocol.ErrSpawnFailed
		if errors.Is(err, session.ErrAlreadyRunning) {
			code = protocol.ErrAlreadyRunning
		}
		s.sendError(c, code, err.Error())
	}
}

func (s *Server) handleWSInput(c *client, msg *protocol.Message) {
	var payload protocol.ProcessInputPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	if err := s.session.SendInput(payload.Text); err != nil {
		code := protocol.ErrWriteFailed
		if errors.Is(err, session.ErrNoProcess) {
			code = protocol.ErrNoProcess
		}
		s.sendError(c, code, err.Error())
	}
}

// sendConfigState sends the current configuration to one client.
func (s *Server) sendConfigState(c *client) {
	msg, err := protocol.NewMessage(protocol.TypeConfigState, protocol.ConfigStatePayload{
		Config: s.store.Current(),
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

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		c.enqueue(msg)
	}
}
