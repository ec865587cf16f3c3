package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

const defaultBatchInterval = 100 * time.Millisecond

// Callbacks are the host actions a viewer can trigger. All fields are
// optional; callbacks run on the client's read goroutine.
type Callbacks struct {
	Input       func(sessionID string, data string)
	Signal      func(sessionID string, signal int)
	NewSession  func(command string, rows, cols int)
	KillSession func(sessionID string)
}

// Hub fans session events out to websocket viewers and routes viewer
// requests back to the host through Callbacks.
type Hub struct {
	clients      map[string]*Client
	register     chan *clientRegistration
	unregister   chan *Client
	broadcast    chan hubBroadcast
	callbacks    Callbacks
	token        string
	mu           sync.RWMutex
	sessions     []SessionInfo
	sessionsMu   sync.RWMutex
	rateLimiter  *RateLimiter
	batchEnabled bool
	ctxWrap      *ctxWrapper
	running      atomic.Bool
}

type ctxWrapper struct {
	ctx context.Context
}

type clientRegistration struct {
	client          *Client
	initialSessions []byte
}

func New(token string, callbacks Callbacks) *Hub {
	h := &Hub{
		clients:      make(map[string]*Client),
		register:     make(chan *clientRegistration, 16),
		unregister:   make(chan *Client, 16),
		broadcast:    make(chan hubBroadcast, 256),
		callbacks:    callbacks,
		token:        token,
		batchEnabled: true,
		ctxWrap:      &ctxWrapper{ctx: context.Background()},
	}
	h.rateLimiter = NewRateLimiter(defaultBatchInterval, func(msg OutputMessage) {
		h.sendBroadcast(msg)
	})
	return h
}

// SetCallbacks installs the host callbacks. It must be called before
// Run; the hub and its session manager reference each other, so one of
// them has to be wired up after construction.
func (h *Hub) SetCallbacks(cb Callbacks) {
	h.callbacks = cb
}

func (h *Hub) getContext() context.Context {
	if h.ctxWrap != nil {
		return h.ctxWrap.ctx
	}
	return context.Background()
}

func (h *Hub) Run(ctx context.Context) {
	h.ctxWrap = &ctxWrapper{ctx: ctx}
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			h.rateLimiter.FlushAll()
			h.mu.Lock()
			for _, c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[string]*Client)
			h.mu.Unlock()
			return

		case reg := <-h.register:
			h.mu.Lock()
			h.clients[reg.client.id] = reg.client
			h.mu.Unlock()
			if reg.initialSessions != nil {
				select {
				case reg.client.send <- reg.initialSessions:
				default:
				}
			}
			go reg.client.writePump(h.getContext())
			go reg.client.readPump(h.getContext())
			log.Printf("client connected: %s (total: %d)", reg.client.id, h.ClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()
			log.Printf("client disconnected: %s (total: %d)", client.id, h.ClientCount())

		case b := <-h.broadcast:
			h.broadcastToClients(b)
		}
	}
}

func (h *Hub) broadcastToClients(b hubBroadcast) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.wantsSession(b.sessionID) {
			continue
		}
		select {
		case c.send <- b.data:
		default:
			log.Printf("client %s send buffer full, dropping message", c.id)
		}
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" || token != h.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("websocket accept error: %v", err)
		return
	}

	client := newClient(conn, h)

	h.sessionsMu.RLock()
	sessions := h.sessions
	h.sessionsMu.RUnlock()

	msg := SessionsMessage{Type: "sessions", List: sessions}
	initialSessions, _ := json.Marshal(msg)

	select {
	case h.register <- &clientRegistration{client: client, initialSessions: initialSessions}:
	default:
		log.Printf("hub not accepting connections")
		conn.Close(websocket.StatusTryAgainLater, "server busy")
		return
	}
}

// BroadcastOutput delivers one decoded line to subscribed viewers,
// batching bursts when batching is enabled.
func (h *Hub) BroadcastOutput(msg OutputMessage) {
	if h.batchEnabled && h.rateLimiter != nil {
		h.rateLimiter.Add(msg)
	} else {
		h.sendBroadcast(msg)
	}
}

func (h *Hub) sendBroadcast(msg OutputMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("error marshaling output message: %v", err)
		return
	}
	select {
	case h.broadcast <- hubBroadcast{data: data, sessionID: msg.SessionID}:
	default:
		log.Printf("broadcast channel full, dropping message")
	}
}

// BroadcastSessions replaces the session list sent to new viewers and
// pushes it to everyone connected.
func (h *Hub) BroadcastSessions(sessions []SessionInfo) {
	h.sessionsMu.Lock()
	h.sessions = sessions
	h.sessionsMu.Unlock()

	msg := SessionsMessage{Type: "sessions", List: sessions}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("error marshaling sessions message: %v", err)
		return
	}
	select {
	case h.broadcast <- hubBroadcast{data: data}:
	default:
		log.Printf("broadcast channel full, dropping sessions message")
	}
}

func (h *Hub) BroadcastStatus(sessionID string, status string, exitCode *int) {
	msg := StatusMessage{Type: "status", SessionID: sessionID, Status: status, ExitCode: exitCode}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("error marshaling status message: %v", err)
		return
	}
	select {
	case h.broadcast <- hubBroadcast{data: data, sessionID: sessionID}:
	default:
		log.Printf("broadcast channel full, dropping status message")
	}
}

func (h *Hub) SendError(client *Client, message string) {
	msg := ErrorMessage{Type: "error", Message: message}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("error marshaling error message: %v", err)
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) SetBatchEnabled(enabled bool) {
	h.batchEnabled = enabled
}

func (h *Hub) FlushPendingOutput() {
	if h.rateLimiter != nil {
		h.rateLimiter.FlushAll()
	}
}

func (h *Hub) handleInput(sessionID string, data string) {
	if h.callbacks.Input != nil {
		h.callbacks.Input(sessionID, data)
	}
}

func (h *Hub) handleSignal(sessionID string, signal int) {
	if h.callbacks.Signal != nil {
		h.callbacks.Signal(sessionID, signal)
	}
}

func (h *Hub) handleNewSession(command string, rows, cols int) {
	if h.callbacks.NewSession != nil {
		h.callbacks.NewSession(command, rows, cols)
	}
}

func (h *Hub) handleKillSession(sessionID string) {
	if h.callbacks.KillSession != nil {
		h.callbacks.KillSession(sessionID)
	}
}

func (h *Hub) isRunning() bool {
	return h.running.Load()
}

func (h *Hub) unregisterClient(c *Client) {
	if !h.isRunning() {
		c.conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	select {
	case h.unregister <- c:
	default:
		log.Printf("unregister channel full for client %s, forcing close", c.id)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}
}
