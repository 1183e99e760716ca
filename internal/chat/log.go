// Package chat is the session-scoped message relay: a best-effort ordered,
// append-only log of short text messages.
package chat

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/bikashd003/devcollab-sync/internal/protocol"
)

// Emitter sends one event over the session transport.
type Emitter interface {
	Emit(event string, data any) error
}

// Log holds one client's ordered view of the session chat. Messages append
// in arrival order; the log is unbounded for the session's lifetime.
type Log struct {
	emitter   Emitter
	projectID string
	username  string
	logger    *slog.Logger

	mu     sync.Mutex
	msgs   []protocol.ChatMessage
	seeded bool
}

// New creates a chat log for the local participant.
func New(emitter Emitter, projectID, username string, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		emitter:   emitter,
		projectID: projectID,
		username:  username,
		logger:    logger,
	}
}

// Send emits a chat message to the session. Empty or whitespace-only text
// is rejected locally and never reaches the transport. The local log is not
// updated here; the relay echoes the stamped message back to everyone,
// which keeps each client's ordering consistent with what peers see.
func (l *Log) Send(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	msg := protocol.ChatSend{ProjectID: l.projectID, User: l.username, Text: text}
	if err := l.emitter.Emit(protocol.EventChatMessage, msg); err != nil {
		l.logger.Warn("emit chat message", "error", err)
		return false
	}
	return true
}

// Append adds one live message in arrival order.
func (l *Log) Append(msg protocol.ChatMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
}

// SeedHistory installs server-supplied history ahead of any live messages
// already received. Replayed at most once per join.
func (l *Log) SeedHistory(history []protocol.ChatMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seeded {
		return
	}
	l.seeded = true
	l.msgs = append(append([]protocol.ChatMessage{}, history...), l.msgs...)
}

// Messages returns a copy of the log in order.
func (l *Log) Messages() []protocol.ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]protocol.ChatMessage, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// Len returns the number of messages in the log.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}
