package hub

import (
	"context"
	"time"

	"github.com/bikashd003/devcollab-sync/internal/protocol"
	"github.com/bikashd003/devcollab-sync/internal/store"
)

// saveDelay batches snapshot writes behind bursts of edits.
const saveDelay = 2 * time.Second

type inbound struct {
	sender *Client
	env    protocol.Envelope
	raw    []byte
}

// Room is one project's live session on this node. All room state is owned
// by the run loop; clients talk to it over channels only.
type Room struct {
	id  string
	hub *Hub

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	saveReq    chan struct{}
	done       chan struct{} // closed after the run loop exits

	relay       <-chan []byte
	cancelRelay func()

	// Owned by run.
	clients    map[*Client]bool
	members    map[string]*Client // userID -> newest connection
	left       map[*Client]bool   // explicit leaveProject already announced
	doc        string
	language   string
	lastOutput *protocol.ExecutionResult
	saveTimer  *time.Timer
}

func newRoom(h *Hub, projectID string) *Room {
	r := &Room{
		id:         projectID,
		hub:        h,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, 64),
		saveReq:    make(chan struct{}, 1),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		members:    make(map[string]*Client),
		left:       make(map[*Client]bool),
		language:   h.defaultLanguage,
	}
	r.warm()
	if h.backend != nil {
		r.relay, r.cancelRelay = h.backend.SubscribeRoom(context.Background(), projectID, h.nodeID)
	}
	return r
}

// warm seeds the room from the persisted snapshot, if any. The backend is
// the tie-breaking authority for late joiners' initial state.
func (r *Room) warm() {
	if r.hub.backend == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := r.hub.backend.LoadSnapshot(ctx, r.id)
	if err != nil {
		r.hub.logger.Warn("load snapshot", "project", r.id, "error", err)
		return
	}
	if snap != nil {
		r.doc = snap.Document
		if snap.Language != "" {
			r.language = snap.Language
		}
		r.lastOutput = snap.LastOutput
	}
}

// enqueueRegister hands a client to the run loop. It reports false when the
// loop has already exited; the caller must take a fresh room from the hub.
func (r *Room) enqueueRegister(c *Client) bool {
	select {
	case r.register <- c:
		return true
	case <-r.done:
		return false
	}
}

// enqueueUnregister is safe to call after the run loop has exited; departures
// from a retired room are moot.
func (r *Room) enqueueUnregister(c *Client) {
	select {
	case r.unregister <- c:
	case <-r.done:
	}
}

func (r *Room) enqueueInbound(in inbound) {
	select {
	case r.inbound <- in:
	case <-r.done:
	}
}

func (r *Room) run() {
	// The hub map entry is removed before done closes, so a caller released
	// by done always finds a fresh room on retry.
	defer func() {
		if r.saveTimer != nil {
			r.saveTimer.Stop()
		}
		if r.cancelRelay != nil {
			r.cancelRelay()
		}
		close(r.done)
	}()
	for {
		select {
		case c := <-r.register:
			r.handleRegister(c)
		case c := <-r.unregister:
			r.handleUnregister(c)
			if len(r.clients) == 0 {
				r.persist()
				r.hub.removeRoom(r.id, r)
				return
			}
		case in := <-r.inbound:
			r.handleInbound(in)
		case buf, ok := <-r.relay:
			if !ok {
				r.relay = nil
				continue
			}
			// Originated on another node; fan out to everyone local.
			r.broadcast(buf, nil)
		case <-r.saveReq:
			r.persist()
		}
	}
}

func (r *Room) handleRegister(c *Client) {
	r.clients[c] = true
	r.members[c.userID] = c
	r.hub.logger.Info("client joined", "project", r.id, "user", c.userID, "name", c.username)

	c.push(protocol.EventInitialCode, protocol.InitialCode{
		Code:       r.doc,
		Language:   r.language,
		LastOutput: r.lastOutput,
	})
	r.broadcastEvent(protocol.EventUserJoined, protocol.UserJoined{
		UserID:   c.userID,
		Username: c.username,
		Color:    protocol.AssignColor(c.userID),
	}, c)
	r.broadcastRoster()
}

func (r *Room) handleUnregister(c *Client) {
	if !r.clients[c] {
		return
	}
	delete(r.clients, c)
	close(c.send)
	if r.members[c.userID] == c {
		delete(r.members, c.userID)
		if !r.left[c] {
			// Connection dropped without leaveProject; synthesize the
			// departure so peers drop the cursor anyway.
			r.announceLeft(c.userID)
		}
	}
	delete(r.left, c)
	r.hub.logger.Info("client left", "project", r.id, "user", c.userID)
}

func (r *Room) announceLeft(userID string) {
	r.broadcastEvent(protocol.EventUserLeft, protocol.UserLeft{UserID: userID}, nil)
	r.broadcastRoster()
}

func (r *Room) handleInbound(in inbound) {
	switch in.env.Event {
	case protocol.EventCodeChange:
		var msg protocol.CodeChange
		if err := in.env.Decode(&msg); err != nil {
			r.hub.logger.Warn("bad code change", "project", r.id, "error", err)
			return
		}
		doc := r.doc
		var err error
		for _, ch := range msg.Changes {
			if ch.From == 0 {
				// Full replacement computed against the sender's copy;
				// span the room's own buffer so they converge.
				ch.To = len(doc)
			}
			if doc, err = ch.Apply(doc); err != nil {
				r.hub.logger.Warn("rejecting code change", "project", r.id,
					"user", msg.UserID, "error", err)
				return
			}
		}
		r.doc = doc
		r.broadcast(in.raw, in.sender)
		r.publish(in.raw)
		r.scheduleSave()

	case protocol.EventLanguageChanged:
		var msg protocol.LanguageChange
		if err := in.env.Decode(&msg); err != nil {
			return
		}
		r.language = msg.Language
		r.broadcast(in.raw, in.sender)
		r.publish(in.raw)
		r.scheduleSave()

	case protocol.EventOutputChanged:
		var msg protocol.OutputChanged
		if err := in.env.Decode(&msg); err != nil {
			return
		}
		out := msg.Output
		r.lastOutput = &out
		r.broadcast(in.raw, in.sender)
		r.publish(in.raw)
		r.scheduleSave()

	case protocol.EventCursorMove, protocol.EventTyping, protocol.EventStopTyping:
		r.broadcast(in.raw, in.sender)
		r.publish(in.raw)

	case protocol.EventChatMessage:
		r.handleChat(in)

	case protocol.EventLeaveProject:
		r.left[in.sender] = true
		if r.members[in.sender.userID] == in.sender {
			delete(r.members, in.sender.userID)
			r.announceLeft(in.sender.userID)
		}

	default:
		r.hub.logger.Debug("ignoring event", "project", r.id, "event", in.env.Event)
	}
}

// handleChat stamps the message on arrival and relays it to every member,
// sender included, so each client's log order matches what it was sent.
func (r *Room) handleChat(in inbound) {
	var send protocol.ChatSend
	if err := in.env.Decode(&send); err != nil {
		return
	}
	username := send.User
	if username == "" {
		username = in.sender.username
	}
	msg := protocol.ChatMessage{
		UserID:    in.sender.userID,
		Username:  username,
		Message:   send.Text,
		Timestamp: time.Now().UTC(),
	}
	env, err := protocol.NewEnvelope(protocol.EventChatMessage, msg)
	if err != nil {
		return
	}
	buf, err := protocol.Marshal(env)
	if err != nil {
		return
	}
	r.broadcast(buf, nil)
	r.publish(buf)
	if r.hub.backend != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.hub.backend.AppendChat(ctx, r.id, msg); err != nil {
				r.hub.logger.Warn("append chat", "project", r.id, "error", err)
			}
		}()
	}
}

// broadcast sends raw bytes to all members except exclude. A member whose
// send buffer is full is dropped, matching the write side's assumption that
// a stuck client is a dead client.
func (r *Room) broadcast(raw []byte, exclude *Client) {
	for c := range r.clients {
		if c == exclude {
			continue
		}
		select {
		case c.send <- raw:
		default:
			delete(r.clients, c)
			close(c.send)
			if r.members[c.userID] == c {
				delete(r.members, c.userID)
			}
		}
	}
}

func (r *Room) broadcastEvent(event string, data any, exclude *Client) {
	env, err := protocol.NewEnvelope(event, data)
	if err != nil {
		r.hub.logger.Warn("encode broadcast", "event", event, "error", err)
		return
	}
	buf, err := protocol.Marshal(env)
	if err != nil {
		return
	}
	r.broadcast(buf, exclude)
}

func (r *Room) broadcastRoster() {
	users := make([]protocol.ConnectedUser, 0, len(r.members))
	for userID, c := range r.members {
		users = append(users, protocol.ConnectedUser{
			UserID:   userID,
			Username: c.username,
			Online:   true,
		})
	}
	r.broadcastEvent(protocol.EventConnectedUsers, protocol.ConnectedUsers{Users: users}, nil)
}

func (r *Room) publish(raw []byte) {
	if r.hub.backend == nil {
		return
	}
	payload := make([]byte, len(raw))
	copy(payload, raw)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.hub.backend.PublishRoom(ctx, r.id, r.hub.nodeID, payload); err != nil {
			r.hub.logger.Warn("publish room", "project", r.id, "error", err)
		}
	}()
}

// scheduleSave arms the write-behind timer, coalescing bursts of edits into
// one snapshot write.
func (r *Room) scheduleSave() {
	if r.hub.backend == nil {
		return
	}
	if r.saveTimer != nil {
		r.saveTimer.Stop()
	}
	r.saveTimer = time.AfterFunc(saveDelay, func() {
		select {
		case r.saveReq <- struct{}{}:
		default:
		}
	})
}

func (r *Room) persist() {
	if r.hub.backend == nil {
		return
	}
	snap := store.Snapshot{
		ProjectID:  r.id,
		Document:   r.doc,
		Language:   r.language,
		LastOutput: r.lastOutput,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.hub.backend.SaveSnapshot(ctx, snap); err != nil {
			r.hub.logger.Warn("save snapshot", "project", r.id, "error", err)
		}
	}()
}
