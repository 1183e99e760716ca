// Package hub is the relay's fan-out core: one Room per project, each with
// its own event loop, rebroadcasting client events to the other members and
// mirroring them across nodes through the store's pub/sub relay.
package hub

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bikashd003/devcollab-sync/internal/protocol"
	"github.com/bikashd003/devcollab-sync/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 << 20
	historyReplay  = 100
)

// Backend is what the hub needs from persistence. A nil Backend runs the
// hub purely in memory: no snapshots, no chat history, no cross-node relay.
type Backend interface {
	LoadSnapshot(ctx context.Context, projectID string) (*store.Snapshot, error)
	SaveSnapshot(ctx context.Context, snap store.Snapshot) error
	AppendChat(ctx context.Context, projectID string, msg protocol.ChatMessage) error
	RecentChat(ctx context.Context, projectID string, n int) ([]protocol.ChatMessage, error)
	PublishRoom(ctx context.Context, projectID, nodeID string, payload []byte) error
	SubscribeRoom(ctx context.Context, projectID, nodeID string) (<-chan []byte, func())
}

// Hub owns the room set for this relay node.
type Hub struct {
	nodeID          string
	backend         Backend
	logger          *slog.Logger
	defaultLanguage string
	upgrader        websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*Room
}

// New creates a Hub. backend may be nil for a standalone in-memory relay.
func New(backend Backend, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		nodeID:          uuid.NewString(),
		backend:         backend,
		logger:          logger,
		defaultLanguage: "javascript",
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]*Room),
	}
}

// ServeWS upgrades the request and starts the connection pumps. The first
// message from a client must be joinProject.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade", "error", err)
		return
	}
	c := &Client{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}
	go c.writePump()
	go c.readPump()
}

// room returns the live room for a project, creating and warming it from
// the snapshot store on first reference.
func (h *Hub) room(projectID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[projectID]; ok {
		return r
	}
	r := newRoom(h, projectID)
	h.rooms[projectID] = r
	go r.run()
	return r
}

func (h *Hub) removeRoom(projectID string, r *Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[projectID] == r {
		delete(h.rooms, projectID)
	}
}

// RoomCount reports the number of live rooms on this node.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Client is one websocket connection.
type Client struct {
	id       uuid.UUID
	userID   string
	username string
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub

	mu   sync.Mutex
	room *Room
}

func (c *Client) attachedRoom() *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Client) readPump() {
	defer func() {
		if r := c.attachedRoom(); r != nil {
			r.enqueueUnregister(c)
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, buf, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Unmarshal(buf)
		if err != nil {
			c.hub.logger.Warn("dropping malformed message", "client", c.id, "error", err)
			continue
		}
		if env.Event == protocol.EventJoinProject {
			c.handleJoin(env)
			continue
		}
		r := c.attachedRoom()
		if r == nil {
			c.hub.logger.Warn("event before join", "client", c.id, "event", env.Event)
			continue
		}
		r.enqueueInbound(inbound{sender: c, env: env, raw: buf})
	}
}

// handleJoin attaches the connection to its room. Rejoining the same room
// is a no-op; the initial snapshot was already delivered.
func (c *Client) handleJoin(env protocol.Envelope) {
	var msg protocol.JoinProject
	if err := env.Decode(&msg); err != nil {
		c.hub.logger.Warn("bad join", "client", c.id, "error", err)
		return
	}
	if msg.ProjectID == "" || msg.UserID == "" {
		c.hub.logger.Warn("join missing ids", "client", c.id)
		return
	}
	c.mu.Lock()
	if c.room != nil {
		already := c.room.id == msg.ProjectID
		c.mu.Unlock()
		if !already {
			c.hub.logger.Warn("client attempted second room", "client", c.id)
		}
		return
	}
	c.userID = msg.UserID
	c.username = msg.Username
	if c.username == "" {
		c.username = "Anonymous"
	}
	c.mu.Unlock()

	// The room fetched from the hub may tear down before the register lands
	// (its last member left concurrently). Retry: once the retired room is
	// out of the hub map, the next fetch creates a fresh one.
	for {
		r := c.hub.room(msg.ProjectID)
		if !r.enqueueRegister(c) {
			continue
		}
		c.mu.Lock()
		c.room = r
		c.mu.Unlock()
		go c.sendChatHistory(r.id)
		return
	}
}

func (c *Client) sendChatHistory(projectID string) {
	if c.hub.backend == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msgs, err := c.hub.backend.RecentChat(ctx, projectID, historyReplay)
	if err != nil {
		c.hub.logger.Warn("chat history", "project", projectID, "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}
	c.push(protocol.EventChatHistory, protocol.ChatHistory{Messages: msgs})
}

// push marshals and enqueues one event for this client, dropping it if the
// send buffer is full.
func (c *Client) push(event string, data any) {
	env, err := protocol.NewEnvelope(event, data)
	if err != nil {
		c.hub.logger.Warn("encode push", "event", event, "error", err)
		return
	}
	buf, err := protocol.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- buf:
	default:
		c.hub.logger.Warn("client send buffer full", "client", c.id, "event", event)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case buf, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
