package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aide-run/aide/pkg/bus"
	"github.com/aide-run/aide/pkg/models"
)

// catchupLimit caps how many journal entries one catchup response carries.
// Clients that have fallen further behind get a catchup.overflow and should
// reload state over REST.
const catchupLimit = 200

// clientEventTypes are the bus events relayed to websocket clients.
var clientEventTypes = []models.EventType{
	models.EventResponseGenerated,
	models.EventResponseChunk,
	models.EventPermissionRequest,
	models.EventProgressUpdate,
	models.EventTaskStateChanged,
	models.EventTaskCompleted,
	models.EventSuggestionsGenerated,
}

// wsClientMessage is what a connected client may send.
type wsClientMessage struct {
	Action   string  `json:"action"`
	ClientID string  `json:"client_id,omitempty"`
	LastSeq  *uint64 `json:"last_seq,omitempty"`
}

// conn is one websocket client. clientID is set by the subscribe action and
// filters which events the connection receives.
type conn struct {
	id     string
	sock   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	clientID string
}

func (c *conn) target() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Hub fans bus events out to websocket connections. One Hub per process;
// it holds a single bus subscription for all client-facing event types.
type Hub struct {
	eventBus     *bus.Bus
	writeTimeout time.Duration
	logger       *slog.Logger

	mu    sync.RWMutex
	conns map[string]*conn
}

// NewHub creates the hub and installs its bus subscription.
func NewHub(eventBus *bus.Bus, writeTimeout time.Duration, logger *slog.Logger) *Hub {
	h := &Hub{
		eventBus:     eventBus,
		writeTimeout: writeTimeout,
		logger:       logger,
		conns:        make(map[string]*conn),
	}
	eventBus.Subscribe(clientEventTypes, bus.NewFuncSubscriber("websocket-hub", 10, h.broadcast))
	return h
}

// websocket upgrades the request and runs the connection until it closes.
func (s *Server) websocket(c *gin.Context) {
	sock, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// Local runtime, no cross-origin story yet. Revisit if the API is
		// ever exposed beyond loopback.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.hub.handleConnection(c.Request.Context(), sock)
}

// handleConnection blocks until the websocket closes.
func (h *Hub) handleConnection(parentCtx context.Context, sock *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &conn{
		id:     uuid.NewString(),
		sock:   sock,
		ctx:    ctx,
		cancel: cancel,
	}

	h.register(c)
	defer h.unregister(c)

	h.sendJSON(c, map[string]any{
		"type":          "connection.established",
		"connection_id": c.id,
		"last_seq":      h.eventBus.Journal().LastSeq(),
	})

	for {
		_, data, err := sock.Read(ctx)
		if err != nil {
			return
		}
		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("invalid websocket message", "connection_id", c.id, "error", err)
			continue
		}
		h.handleMessage(c, &msg)
	}
}

func (h *Hub) handleMessage(c *conn, msg *wsClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.ClientID == "" {
			h.sendJSON(c, map[string]any{"type": "error", "message": "client_id is required for subscribe"})
			return
		}
		c.mu.Lock()
		c.clientID = msg.ClientID
		c.mu.Unlock()
		h.sendJSON(c, map[string]any{
			"type":      "subscription.confirmed",
			"client_id": msg.ClientID,
		})
		if msg.LastSeq != nil {
			h.catchup(c, *msg.LastSeq)
		}

	case "catchup":
		if msg.LastSeq != nil {
			h.catchup(c, *msg.LastSeq)
		}

	case "ping":
		h.sendJSON(c, map[string]any{"type": "pong"})
	}
}

// catchup replays journal entries after seq that target this connection.
func (h *Hub) catchup(c *conn, seq uint64) {
	entries := h.eventBus.Journal().Since(seq, catchupLimit+1)
	overflow := len(entries) > catchupLimit
	if overflow {
		entries = entries[:catchupLimit]
	}

	target := c.target()
	for _, entry := range entries {
		if !eventTargets(entry.Event, target) {
			continue
		}
		h.sendJSON(c, map[string]any{
			"type":  "event",
			"seq":   entry.Seq,
			"event": entry.Event,
		})
	}
	if overflow {
		h.sendJSON(c, map[string]any{
			"type":     "catchup.overflow",
			"has_more": true,
			"last_seq": h.eventBus.Journal().LastSeq(),
		})
	}
}

// broadcast is the bus handler: deliver the event to every connection whose
// subscribed client it targets.
func (h *Hub) broadcast(e models.Event) error {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if !eventTargets(e, c.target()) {
			continue
		}
		h.sendJSON(c, map[string]any{
			"type":  "event",
			"event": e,
		})
	}
	return nil
}

// eventTargets reports whether an event belongs on a connection subscribed
// for clientID. Events without a client_id payload key go to everyone.
func eventTargets(e models.Event, clientID string) bool {
	if clientID == "" {
		return false
	}
	target, ok := e.Payload["client_id"].(string)
	if !ok || target == "" {
		return true
	}
	return target == clientID
}

// ActiveConnections returns the number of open websocket connections.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()

	c.cancel()
	_ = c.sock.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) sendJSON(c *conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("failed to marshal websocket message", "connection_id", c.id, "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, h.writeTimeout)
	defer cancel()
	if err := c.sock.Write(writeCtx, websocket.MessageText, data); err != nil {
		h.logger.Warn("failed to send websocket message", "connection_id", c.id, "error", err)
	}
}
