// Package presence tracks who is in a session: remote cursors, typing
// indicators, and online status. Cursor traffic shares the session socket
// with document edits but is fully decoupled from them.
package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bikashd003/devcollab-sync/internal/protocol"
)

const (
	// DefaultCursorDebounce bounds cursor broadcast frequency.
	DefaultCursorDebounce = 50 * time.Millisecond
	// DefaultTypingTimeout clears a typing indicator that was never
	// followed by an explicit stop, e.g. the user navigated away.
	DefaultTypingTimeout = 2 * time.Second
)

// Emitter sends one event over the session transport.
type Emitter interface {
	Emit(event string, data any) error
}

// Tracker owns all presence state for one participant's view of a session.
// Typing timers live in an explicit per-peer map with cancel-and-replace
// semantics; a renewed typing signal always pushes the auto-stop out.
type Tracker struct {
	emitter       Emitter
	projectID     string
	userID        string
	username      string
	color         string
	logger        *slog.Logger
	cursorDelay   time.Duration
	typingTimeout time.Duration

	mu           sync.Mutex
	cursors      map[string]protocol.CursorMove
	typing       map[string]bool
	typingTimers map[string]*time.Timer
	roster       map[string]bool // from the last connectedUsers event
	live         map[string]bool // from live join/left events
	names        map[string]string
	cursorTimer  *time.Timer
	pendingPos   int
	pendingMove  bool
	stopped      bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithCursorDebounce overrides the cursor emission debounce.
func WithCursorDebounce(d time.Duration) Option {
	return func(t *Tracker) { t.cursorDelay = d }
}

// WithTypingTimeout overrides the auto stop-typing delay.
func WithTypingTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.typingTimeout = d }
}

// New creates a Tracker for the local participant.
func New(emitter Emitter, projectID, userID, username string, logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		emitter:       emitter,
		projectID:     projectID,
		userID:        userID,
		username:      username,
		color:         protocol.AssignColor(userID),
		logger:        logger,
		cursorDelay:   DefaultCursorDebounce,
		typingTimeout: DefaultTypingTimeout,
		cursors:       make(map[string]protocol.CursorMove),
		typing:        make(map[string]bool),
		typingTimers:  make(map[string]*time.Timer),
		roster:        make(map[string]bool),
		live:          make(map[string]bool),
		names:         make(map[string]string),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Color returns the local participant's assigned cursor color.
func (t *Tracker) Color() string { return t.color }

// OnLocalCursorMove schedules a debounced cursor broadcast. Only the last
// position within the window is emitted. Callers must invoke this for
// genuine local selection changes only, never for remotely-applied edits.
func (t *Tracker) OnLocalCursorMove(position int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.pendingPos = position
	t.pendingMove = true
	if t.cursorTimer != nil {
		t.cursorTimer.Stop()
	}
	t.cursorTimer = time.AfterFunc(t.cursorDelay, t.flushCursor)
}

func (t *Tracker) flushCursor() {
	t.mu.Lock()
	if !t.pendingMove || t.stopped {
		t.mu.Unlock()
		return
	}
	t.pendingMove = false
	msg := protocol.CursorMove{
		ProjectID: t.projectID,
		UserID:    t.userID,
		Username:  t.username,
		Position:  t.pendingPos,
		Color:     t.color,
	}
	t.mu.Unlock()

	if err := t.emitter.Emit(protocol.EventCursorMove, msg); err != nil {
		t.logger.Warn("emit cursor move", "error", err)
	}
}

// UpsertRemoteCursor records a peer's cursor, replacing any prior entry for
// the same user. The local user's own cursor is never tracked remotely.
func (t *Tracker) UpsertRemoteCursor(c protocol.CursorMove) {
	if c.UserID == t.userID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cursors[c.UserID] = c
	t.live[c.UserID] = true
	if c.Username != "" {
		t.names[c.UserID] = c.Username
	}
}

// Cursors returns the remote cursor set, ordered by user id for stable
// rendering.
func (t *Tracker) Cursors() []protocol.CursorMove {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.CursorMove, 0, len(t.cursors))
	for _, c := range t.cursors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// MarkJoined records a live join event.
func (t *Tracker) MarkJoined(u protocol.UserJoined) {
	if u.UserID == t.userID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live[u.UserID] = true
	if u.Username != "" {
		t.names[u.UserID] = u.Username
	}
}

// RemoveUser drops every trace of a departed participant: cursor, typing
// indicator, pending typing timer, and online status.
func (t *Tracker) RemoveUser(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cursors, userID)
	delete(t.typing, userID)
	if timer, ok := t.typingTimers[userID]; ok {
		timer.Stop()
		delete(t.typingTimers, userID)
	}
	t.live[userID] = false
	delete(t.roster, userID)
}

// SetRoster replaces the roster snapshot from a connectedUsers event.
// Online status is the OR of the roster and live presence events until the
// next roster refresh.
func (t *Tracker) SetRoster(users []protocol.ConnectedUser) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roster = make(map[string]bool, len(users))
	for _, u := range users {
		t.roster[u.UserID] = u.Online
		if u.Username != "" {
			t.names[u.UserID] = u.Username
		}
	}
}

// IsOnline reports whether a user is online per roster or live events.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.roster[userID] || t.live[userID]
}

// EmitTyping broadcasts that the local user started typing and arms the
// local auto-stop, so a user who silently stops never sticks as "typing".
func (t *Tracker) EmitTyping() {
	msg := protocol.Typing{ProjectID: t.projectID, UserID: t.userID, Username: t.username}
	if err := t.emitter.Emit(protocol.EventTyping, msg); err != nil {
		t.logger.Warn("emit typing", "error", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armTypingTimerLocked(t.userID, t.typingTimeout, true)
}

// EmitStopTyping broadcasts an explicit stop and cancels the auto-stop.
func (t *Tracker) EmitStopTyping() {
	t.mu.Lock()
	if timer, ok := t.typingTimers[t.userID]; ok {
		timer.Stop()
		delete(t.typingTimers, t.userID)
	}
	t.mu.Unlock()
	msg := protocol.Typing{ProjectID: t.projectID, UserID: t.userID, Username: t.username}
	if err := t.emitter.Emit(protocol.EventStopTyping, msg); err != nil {
		t.logger.Warn("emit stop typing", "error", err)
	}
}

// StartTyping marks a peer as typing and schedules the auto-stop. A second
// signal before the delay elapses resets the timer, so the indicator clears
// only after the peer has been quiet for the full timeout.
func (t *Tracker) StartTyping(peerID string) {
	t.AutoStopTyping(peerID, t.typingTimeout)
}

// StopTyping clears a peer's typing indicator immediately.
func (t *Tracker) StopTyping(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.typing, peerID)
	if timer, ok := t.typingTimers[peerID]; ok {
		timer.Stop()
		delete(t.typingTimers, peerID)
	}
}

// AutoStopTyping marks peerID as typing and arms a cancel-and-replace timer
// that clears the indicator after delay unless renewed first.
func (t *Tracker) AutoStopTyping(peerID string, delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.typing[peerID] = true
	t.armTypingTimerLocked(peerID, delay, false)
}

func (t *Tracker) armTypingTimerLocked(peerID string, delay time.Duration, emit bool) {
	if timer, ok := t.typingTimers[peerID]; ok {
		timer.Stop()
	}
	t.typingTimers[peerID] = time.AfterFunc(delay, func() {
		t.mu.Lock()
		delete(t.typing, peerID)
		delete(t.typingTimers, peerID)
		stopped := t.stopped
		t.mu.Unlock()
		if emit && !stopped {
			msg := protocol.Typing{ProjectID: t.projectID, UserID: t.userID, Username: t.username}
			if err := t.emitter.Emit(protocol.EventStopTyping, msg); err != nil {
				t.logger.Warn("emit auto stop typing", "error", err)
			}
		}
	})
}

// IsTyping reports whether a peer currently shows a typing indicator.
func (t *Tracker) IsTyping(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing[peerID]
}

// TypingUsers returns the peers currently marked as typing, sorted.
func (t *Tracker) TypingUsers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.typing))
	for id := range t.typing {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Username returns the display name last seen for a user, or the id itself.
func (t *Tracker) Username(userID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if name, ok := t.names[userID]; ok {
		return name
	}
	return userID
}

// ClearRemote drops all remote cursors and typing state, e.g. after a
// disconnect, so nothing stale is rendered while offline.
func (t *Tracker) ClearRemote() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cursors = make(map[string]protocol.CursorMove)
	t.typing = make(map[string]bool)
	for id, timer := range t.typingTimers {
		timer.Stop()
		delete(t.typingTimers, id)
	}
	t.live = make(map[string]bool)
}

// Stop cancels all timers. The tracker emits nothing until Resume.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.cursorTimer != nil {
		t.cursorTimer.Stop()
	}
	t.pendingMove = false
	for id, timer := range t.typingTimers {
		timer.Stop()
		delete(t.typingTimers, id)
	}
}

// Resume lifts a prior Stop so the tracker can serve a new membership.
func (t *Tracker) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = false
}
