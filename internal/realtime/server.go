package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"idlecode/internal/protocol"
	"idlecode/internal/registry"
	"idlecode/internal/session"
	"idlecode/internal/supervisor"
)

const (
	pingInterval      = 30 * time.Second
	readDeadline      = 60 * time.Second
	writeDeadline     = 10 * time.Second
	commandTimeout    = 15 * time.Second
	defaultSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Sessions is the session registry as used by the server.
type Sessions interface {
	Create(ctx context.Context, req registry.CreateRequest) (registry.CreateResult, error)
	Attach(ctx context.Context, sessionID string, o registry.Observer) (bool, error)
	Detach(ctx context.Context, sessionID, observerID string) error
	DetachAll(ctx context.Context, observerID string) error
	Input(ctx context.Context, sessionID, text string, inputResponse bool, origin string) error
	Draft(ctx context.Context, sessionID, text, origin string) error
	Kill(ctx context.Context, sessionID string) error
	Interrupt(ctx context.Context, sessionID string) error
	Close(ctx context.Context, sessionID string) error
	Clear(ctx context.Context, sessionID string, history, commands bool) error
	List(ctx context.Context) ([]session.Info, error)
	Snapshot(ctx context.Context, sessionID string) (session.Snapshot, error)
}

// Options configures a Server.
type Options struct {
	StaticDir string
	// SendBuffer is the number of outbound messages queued per client
	// before the client is considered unreachable.
	SendBuffer int
	Logger     *slog.Logger
}

// Server exposes the registry over WebSocket and REST. Every WebSocket
// connection is a registry observer.
type Server struct {
	sessions   Sessions
	clients    map[*client]bool
	clientsMu  sync.RWMutex
	staticDir  string
	sendBuffer int
	log        *slog.Logger
}

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	mu     sync.Mutex
	closed bool
}

var _ registry.Observer = (*client)(nil)

// New creates a new realtime server.
func New(sessions Sessions, opts Options) *Server {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		sessions:   sessions,
		clients:    make(map[*client]bool),
		staticDir:  opts.StaticDir,
		sendBuffer: opts.SendBuffer,
		log:        opts.Logger,
	}
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
	mux.HandleFunc("POST /sessions/{id}/input", s.handleSendInput)
	mux.HandleFunc("POST /sessions/{id}/kill", s.handleKillSession)
	mux.HandleFunc("POST /sessions/{id}/interrupt", s.handleInterruptSession)
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
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:     uuid.New().String(),
		conn:   conn,
		send:   make(chan []byte, s.sendBuffer),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()
	s.log.Debug("client connected", "observer_id", c.id, "remote", r.RemoteAddr)

	// Send current session list to new client.
	s.sendSessionList(c)

	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// CloseAll disconnects every WebSocket client.
func (s *Server) CloseAll() {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

func (c *client) ID() string { return c.id }

// Deliver queues a session event for the client. It never blocks: a client
// whose queue is full is disconnected and reported unreachable.
func (c *client) Deliver(ev session.Event) bool {
	msg, err := protocol.FromEvent(ev)
	if err != nil {
		c.server.log.Error("encode event failed", "type", string(ev.Type), "error", err)
		return true
	}
	if c.sendMessage(msg) {
		return true
	}
	c.server.log.Warn("client too slow, disconnecting", "observer_id", c.id)
	c.conn.Close()
	return false
}

func (c *client) sendMessage(msg *protocol.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
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
				c.server.log.Debug("websocket read error", "observer_id", c.id, "error", err)
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

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := s.sessions.DetachAll(ctx, c.id); err != nil && !errors.Is(err, registry.ErrClosed) {
		s.log.Warn("detach on disconnect failed", "observer_id", c.id, "error", err)
	}

	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
	s.log.Debug("client disconnected", "observer_id", c.id)
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error(), "")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch msg.Type {
	case protocol.TypeSessionCreate:
		s.handleWSCreate(ctx, c, msg)
	case protocol.TypeSessionAttach:
		s.handleWSAttach(ctx, c, msg)
	case protocol.TypeSessionDetach:
		p := sessionIDOf(msg)
		s.reply(c, p.SessionID, s.sessions.Detach(ctx, p.SessionID, c.id))
	case protocol.TypeSessionInput:
		var p protocol.SessionInputPayload
		json.Unmarshal(msg.Payload, &p)
		s.reply(c, p.SessionID, s.sessions.Input(ctx, p.SessionID, p.Text, p.IsInputResponse, c.id))
	case protocol.TypeSessionInputDraft:
		var p protocol.SessionDraftPayload
		json.Unmarshal(msg.Payload, &p)
		s.reply(c, p.SessionID, s.sessions.Draft(ctx, p.SessionID, p.Text, c.id))
	case protocol.TypeSessionKill:
		p := sessionIDOf(msg)
		s.reply(c, p.SessionID, s.sessions.Kill(ctx, p.SessionID))
	case protocol.TypeSessionInterrupt:
		p := sessionIDOf(msg)
		s.reply(c, p.SessionID, s.sessions.Interrupt(ctx, p.SessionID))
	case protocol.TypeSessionClose:
		p := sessionIDOf(msg)
		s.reply(c, p.SessionID, s.sessions.Close(ctx, p.SessionID))
	case protocol.TypeSessionClear:
		var p protocol.SessionClearPayload
		json.Unmarshal(msg.Payload, &p)
		history, commands := p.Targets()
		s.reply(c, p.SessionID, s.sessions.Clear(ctx, p.SessionID, history, commands))
	case protocol.TypeSessionList:
		s.sendSessionList(c)
	}
}

func sessionIDOf(msg *protocol.Message) protocol.SessionIDPayload {
	var p protocol.SessionIDPayload
	json.Unmarshal(msg.Payload, &p)
	return p
}

func (s *Server) handleWSCreate(ctx context.Context, c *client, msg *protocol.Message) {
	var payload protocol.SessionCreatePayload
	json.Unmarshal(msg.Payload, &payload)

	res, err := s.sessions.Create(ctx, registry.CreateRequest{
		SessionID: payload.SessionID,
		FilePath:  payload.FilePath,
		Name:      payload.Name,
		Force:     payload.Force,
		Observer:  c,
	})
	if err != nil {
		s.reply(c, payload.SessionID, err)
		return
	}

	reply, err := protocol.NewMessage(protocol.TypeSessionCreated, protocol.SessionCreatedPayload{
		SessionID: res.SessionID,
		Status:    string(res.Status),
		Error:     res.Error,
	})
	if err != nil {
		return
	}
	c.sendMessage(reply)
	if res.Status == registry.StatusFailed {
		s.sendError(c, protocol.ErrSpawnFailed, res.Error, res.SessionID)
	}
}

func (s *Server) handleWSAttach(ctx context.Context, c *client, msg *protocol.Message) {
	p := sessionIDOf(msg)
	found, err := s.sessions.Attach(ctx, p.SessionID, c)
	if err != nil {
		s.reply(c, p.SessionID, err)
		return
	}
	if !found {
		s.log.Debug("attach to unknown session ignored", "session_id", p.SessionID, "observer_id", c.id)
	}
}

// reply reports a failed command back to the client that sent it.
func (s *Server) reply(c *client, sessionID string, err error) {
	if err == nil {
		return
	}
	s.sendError(c, errorCode(err), err.Error(), sessionID)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return protocol.ErrSessionNotFound
	case errors.Is(err, supervisor.ErrNoProcess):
		return protocol.ErrNoProcess
	default:
		return protocol.ErrInternal
	}
}

// sendSessionList sends the current session summaries to a client.
func (s *Server) sendSessionList(c *client) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	infos, err := s.sessions.List(ctx)
	if err != nil {
		s.sendError(c, errorCode(err), err.Error(), "")
		return
	}
	msg, err := protocol.NewMessage(protocol.TypeSessionList, protocol.SessionListPayload{Sessions: infos})
	if err != nil {
		return
	}
	c.sendMessage(msg)
}

func (s *Server) sendError(c *client, code, message, sessionID string) {
	msg, err := protocol.NewErrorMessage(code, message, sessionID)
	if err != nil {
		return
	}
	c.sendMessage(msg)
}
