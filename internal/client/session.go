// Package client implements the session manager: it joins a participant to
// a project room, performs the initial state exchange, and routes inbound
// socket events to the sync, presence, execution, and chat subsystems.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bikashd003/devcollab-sync/internal/chat"
	"github.com/bikashd003/devcollab-sync/internal/docsync"
	"github.com/bikashd003/devcollab-sync/internal/presence"
	"github.com/bikashd003/devcollab-sync/internal/protocol"
	"github.com/bikashd003/devcollab-sync/internal/runner"
	"github.com/bikashd003/devcollab-sync/internal/transport"
)

// State is the session's connection state.
type State int

const (
	StateDisconnected State = iota
	StateJoining
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ErrJoinTimeout is returned when the server never answers joinProject with
// the initial snapshot. The session stays disconnected; callers may retry
// with another Join. A blank local document is never presented as
// authoritative state.
var ErrJoinTimeout = errors.New("client: timed out waiting for initial state")

// DefaultJoinTimeout bounds the initial state exchange.
const DefaultJoinTimeout = 10 * time.Second

// Config identifies the participant and the relay endpoints.
type Config struct {
	ServerURL   string // websocket URL, e.g. ws://host:8080/ws
	ExecuteURL  string // HTTP execute endpoint, e.g. http://host:8080/api/execute
	ProjectID   string
	UserID      string
	Username    string
	JoinTimeout time.Duration
	Logger      *slog.Logger

	// Sub-engine tuning, mostly for tests.
	EditDebounce   time.Duration
	CursorDebounce time.Duration
	TypingTimeout  time.Duration
}

// Session is one participant's membership in a project room. Subsystems are
// exposed directly; their lifecycles are scoped to Join/Leave, not to the
// process.
type Session struct {
	cfg    Config
	logger *slog.Logger

	Doc      *docsync.Engine
	Presence *presence.Tracker
	Runner   *runner.Coordinator
	Chat     *chat.Log

	mu      sync.Mutex
	conn    *transport.Conn
	state   State
	lastErr error
	ready   chan struct{}

	onState func(State)
}

// New builds a Session and its subsystems. Nothing touches the network
// until Join.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.JoinTimeout == 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	s := &Session{cfg: cfg, logger: cfg.Logger}

	// The facade drops emissions while disconnected, which is how "no-op
	// when offline" validation falls out for every subsystem at once.
	em := &sessionEmitter{s: s}

	var docOpts []docsync.Option
	if cfg.EditDebounce > 0 {
		docOpts = append(docOpts, docsync.WithDebounce(cfg.EditDebounce))
	}
	s.Doc = docsync.New(em, cfg.ProjectID, cfg.UserID, cfg.Logger, docOpts...)

	var presOpts []presence.Option
	if cfg.CursorDebounce > 0 {
		presOpts = append(presOpts, presence.WithCursorDebounce(cfg.CursorDebounce))
	}
	if cfg.TypingTimeout > 0 {
		presOpts = append(presOpts, presence.WithTypingTimeout(cfg.TypingTimeout))
	}
	s.Presence = presence.New(em, cfg.ProjectID, cfg.UserID, cfg.Username, cfg.Logger, presOpts...)

	s.Runner = runner.New(cfg.ExecuteURL, em, cfg.ProjectID, cfg.Logger)
	s.Chat = chat.New(em, cfg.ProjectID, cfg.Username, cfg.Logger)
	return s
}

// OnStateChange registers a callback for connection state transitions.
// Must be called before Join.
func (s *Session) OnStateChange(fn func(State)) { s.onState = fn }

// Join connects to the relay, requests membership, and blocks until the
// initial snapshot arrives or the join times out. On failure the session is
// left disconnected and Join may be called again.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil // rejoining an already-joined session is a no-op
	}
	s.state = StateJoining
	s.ready = make(chan struct{})
	ready := s.ready
	s.mu.Unlock()
	// A previous Leave stopped the sub-engines; this membership needs them.
	s.Doc.Resume()
	s.Presence.Resume()
	s.notify(StateJoining)

	conn, err := transport.Dial(ctx, s.cfg.ServerURL, s.logger)
	if err != nil {
		s.fail(fmt.Errorf("join: %w", err))
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go s.run(conn)

	join := protocol.JoinProject{
		ProjectID: s.cfg.ProjectID,
		UserID:    s.cfg.UserID,
		Username:  s.cfg.Username,
	}
	if err := conn.Emit(protocol.EventJoinProject, join); err != nil {
		conn.Close()
		s.fail(fmt.Errorf("join: %w", err))
		return err
	}

	select {
	case <-ready:
		return nil
	case <-time.After(s.cfg.JoinTimeout):
		conn.Close()
		s.fail(ErrJoinTimeout)
		return ErrJoinTimeout
	case <-ctx.Done():
		conn.Close()
		s.fail(ctx.Err())
		return ctx.Err()
	}
}

// Leave announces departure and closes the connection. Peers drop this
// participant's cursor on receipt of the relayed userLeft. The session is
// disconnected when Leave returns and may Join again later.
func (s *Session) Leave() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	wasUp := s.state != StateDisconnected
	s.state = StateDisconnected
	s.mu.Unlock()
	if conn != nil {
		conn.Emit(protocol.EventLeaveProject, protocol.LeaveProject{
			ProjectID: s.cfg.ProjectID,
			UserID:    s.cfg.UserID,
		})
		conn.Close()
	}
	s.Doc.Stop()
	s.Presence.Stop()
	if wasUp {
		s.notify(StateDisconnected)
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that caused the last disconnect, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// run dispatches inbound events until the connection dies. Handlers run to
// completion in order, one at a time, which is the whole concurrency model
// on the receive path.
func (s *Session) run(conn *transport.Conn) {
	for env := range conn.Events() {
		s.dispatch(env)
	}
	// Connection gone: clear remote presence so nothing stale renders.
	s.Presence.ClearRemote()
	s.mu.Lock()
	alreadyDown := s.state == StateDisconnected
	s.state = StateDisconnected
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	if !alreadyDown {
		s.notify(StateDisconnected)
	}
}

func (s *Session) dispatch(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventInitialCode:
		var msg protocol.InitialCode
		if err := env.Decode(&msg); err != nil {
			s.logger.Warn("bad initial code", "error", err)
			return
		}
		s.Doc.Seed(msg.Code, msg.Language)
		if msg.LastOutput != nil {
			s.Runner.ApplyRemote(*msg.LastOutput)
		}
		s.mu.Lock()
		connected := s.state == StateJoining
		if connected {
			s.state = StateConnected
			s.lastErr = nil
			close(s.ready)
		}
		s.mu.Unlock()
		// A duplicate or late snapshot is applied but is not a transition.
		if connected {
			s.notify(StateConnected)
		}

	case protocol.EventCodeChange:
		var msg protocol.CodeChange
		if err := env.Decode(&msg); err != nil {
			s.logger.Warn("bad code change", "error", err)
			return
		}
		if err := s.Doc.ApplyRemote(msg); err != nil {
			s.logger.Warn("apply remote change", "peer", msg.UserID, "error", err)
		}

	case protocol.EventCursorMove:
		var msg protocol.CursorMove
		if err := env.Decode(&msg); err != nil {
			return
		}
		s.Presence.UpsertRemoteCursor(msg)

	case protocol.EventLanguageChanged:
		var msg protocol.LanguageChange
		if err := env.Decode(&msg); err != nil {
			return
		}
		s.Doc.ApplyRemoteLanguage(msg)

	case protocol.EventOutputChanged:
		var msg protocol.OutputChanged
		if err := env.Decode(&msg); err != nil {
			return
		}
		s.Runner.ApplyRemote(msg.Output)

	case protocol.EventChatMessage:
		var msg protocol.ChatMessage
		if err := env.Decode(&msg); err != nil {
			return
		}
		s.Chat.Append(msg)

	case protocol.EventChatHistory:
		var msg protocol.ChatHistory
		if err := env.Decode(&msg); err != nil {
			return
		}
		s.Chat.SeedHistory(msg.Messages)

	case protocol.EventTyping:
		var msg protocol.Typing
		if err := env.Decode(&msg); err != nil {
			return
		}
		if msg.UserID != s.cfg.UserID {
			s.Presence.StartTyping(msg.UserID)
		}

	case protocol.EventStopTyping:
		var msg protocol.Typing
		if err := env.Decode(&msg); err != nil {
			return
		}
		s.Presence.StopTyping(msg.UserID)

	case protocol.EventConnectedUsers:
		var msg protocol.ConnectedUsers
		if err := env.Decode(&msg); err != nil {
			return
		}
		s.Presence.SetRoster(msg.Users)

	case protocol.EventUserJoined:
		var msg protocol.UserJoined
		if err := env.Decode(&msg); err != nil {
			return
		}
		s.Presence.MarkJoined(msg)

	case protocol.EventUserLeft:
		var msg protocol.UserLeft
		if err := env.Decode(&msg); err != nil {
			return
		}
		s.Presence.RemoveUser(msg.UserID)

	default:
		s.logger.Debug("ignoring unknown event", "event", env.Event)
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.state = StateDisconnected
	s.lastErr = err
	s.mu.Unlock()
	s.notify(StateDisconnected)
}

func (s *Session) notify(state State) {
	if s.onState != nil {
		s.onState(state)
	}
}

// sessionEmitter routes subsystem emissions through the live connection.
// While disconnected every emission is a silent no-op; subsystems never
// need their own connectivity checks.
type sessionEmitter struct {
	s *Session
}

func (e *sessionEmitter) Emit(event string, data any) error {
	e.s.mu.Lock()
	conn := e.s.conn
	e.s.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Emit(event, data)
	if errors.Is(err, transport.ErrClosed) {
		return nil
	}
	return err
}
