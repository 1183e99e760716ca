// Package protocol defines the wire contract between collaboration clients
// and the relay server. Every socket message is a JSON Envelope carrying an
// event name and an event-specific payload.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Socket event names. The relay rebroadcasts most client events to the other
// members of the same project room; see each payload type for direction.
const (
	EventJoinProject     = "joinProject"
	EventLeaveProject    = "leaveProject"
	EventInitialCode     = "initialCode"
	EventCodeChange      = "codeChange"
	EventCursorMove      = "cursorMove"
	EventLanguageChanged = "languageChanged"
	EventOutputChanged   = "outputChanged"
	EventChatMessage     = "chatMessage"
	EventChatHistory     = "chatHistory"
	EventTyping          = "typing"
	EventStopTyping      = "stopTyping"
	EventConnectedUsers  = "connectedUsers"
	EventUserJoined      = "userJoined"
	EventUserLeft        = "userLeft"
)

// Envelope is the framing for every socket message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an Envelope for the given event.
func NewEnvelope(event string, data any) (Envelope, error) {
	if data == nil {
		return Envelope{Event: event}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: raw}, nil
}

// Marshal encodes an envelope to its wire form.
func Marshal(e Envelope) ([]byte, error) {
	buf, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return buf, nil
}

// Unmarshal decodes one wire message into an Envelope.
func Unmarshal(buf []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(buf, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Event == "" {
		return Envelope{}, errors.New("decode envelope: missing event")
	}
	return e, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return nil
}

// JoinProject is sent by a client to enter a project room. Joining an
// already-joined room is a no-op on the server side.
type JoinProject struct {
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
	Username  string `json:"username,omitempty"`
}

// LeaveProject signals explicit departure. The server also synthesizes a
// userLeft when a connection drops without one.
type LeaveProject struct {
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
}

// InitialCode is the server's reply to joinProject: the current document
// snapshot, language mode, and the last execution output if any.
type InitialCode struct {
	Code       string           `json:"code"`
	Language   string           `json:"language"`
	LastOutput *ExecutionResult `json:"lastOutput,omitempty"`
}

// DocumentChange replaces the half-open range [From, To) of the document
// with Insert. The protocol always uses the degenerate full-replacement
// form {0, len(document), newText}.
type DocumentChange struct {
	From   int    `json:"from"`
	To     int    `json:"to"`
	Insert string `json:"insert"`
}

// ErrInvalidRange reports a DocumentChange whose range does not fit the
// document it is applied to.
var ErrInvalidRange = errors.New("document change out of range")

// Apply returns doc with the change applied. To is clamped to len(doc):
// full-replacement senders encode the length of their own copy, which may
// lag the receiver's under concurrent edits.
func (c DocumentChange) Apply(doc string) (string, error) {
	if c.From < 0 || c.To < c.From {
		return "", fmt.Errorf("%w: from=%d to=%d", ErrInvalidRange, c.From, c.To)
	}
	if c.From > len(doc) {
		return "", fmt.Errorf("%w: from=%d len=%d", ErrInvalidRange, c.From, len(doc))
	}
	to := c.To
	if to > len(doc) {
		to = len(doc)
	}
	return doc[:c.From] + c.Insert + doc[to:], nil
}

// Replace builds the full-replacement change for a document that previously
// had oldLen bytes.
func Replace(oldLen int, text string) DocumentChange {
	return DocumentChange{From: 0, To: oldLen, Insert: text}
}

// CodeChange carries one or more document changes from a single editor.
// The relay rebroadcasts it to all room members except the sender.
type CodeChange struct {
	ProjectID string           `json:"projectId,omitempty"`
	UserID    string           `json:"userId"`
	Changes   []DocumentChange `json:"changes"`
}

// CursorMove broadcasts a participant's cursor offset and display color.
type CursorMove struct {
	ProjectID string `json:"projectId,omitempty"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Position  int    `json:"position"`
	Color     string `json:"color"`
}

// LanguageChange switches the session's language mode for all members.
type LanguageChange struct {
	ProjectID string `json:"projectId,omitempty"`
	UserID    string `json:"userId"`
	Language  string `json:"language"`
}

// ExecutionResult is the outcome of one remote code run. Error is empty on
// success; a non-empty Error must still be broadcast so peers see the
// failure instead of a stale result.
type ExecutionResult struct {
	Output        string  `json:"output"`
	Error         string  `json:"error,omitempty"`
	ExecutionTime float64 `json:"executionTime"`
}

// OutputChanged publishes an execution result to the room.
type OutputChanged struct {
	ProjectID string          `json:"projectId,omitempty"`
	Output    ExecutionResult `json:"output"`
}

// ChatSend is the client-to-server chat payload.
type ChatSend struct {
	ProjectID string `json:"projectId"`
	User      string `json:"user"`
	Text      string `json:"text"`
}

// ChatMessage is the server-to-client chat payload, stamped on arrival at
// the relay. Messages are appended in arrival order per client; there is no
// global order across clients.
type ChatMessage struct {
	UserID    string    `json:"userId,omitempty"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatHistory seeds a joining client's chat log with prior messages.
type ChatHistory struct {
	Messages []ChatMessage `json:"messages"`
}

// Typing signals that a user started typing. The matching stopTyping uses
// the same shape.
type Typing struct {
	ProjectID string `json:"projectId,omitempty"`
	UserID    string `json:"userId"`
	Username  string `json:"username,omitempty"`
}

// ConnectedUser is one roster entry from the connectedUsers event.
type ConnectedUser struct {
	UserID         string `json:"userId"`
	Username       string `json:"username"`
	ProfilePicture string `json:"profilePicture,omitempty"`
	Online         bool   `json:"online"`
}

// ConnectedUsers is the full roster of a room, sent after join and on
// membership changes.
type ConnectedUsers struct {
	Users []ConnectedUser `json:"users"`
}

// UserJoined announces a new participant to existing room members.
type UserJoined struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Color    string `json:"color"`
}

// UserLeft announces a departure. Receivers must drop the user's cursor and
// typing state immediately.
type UserLeft struct {
	UserID string `json:"userId"`
}

// ExecuteRequest is the body of POST /api/execute, the only synchronous
// HTTP call in the core.
type ExecuteRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}
