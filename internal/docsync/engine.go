// Package docsync keeps a participant's local buffer eventually consistent
// with the session's shared document. The protocol broadcasts full-document
// replacements and lets the last broadcast win; concurrent edits are not
// merged. Upgrading to positional diffs or OT is a deliberate future
// decision, not something this engine should drift into silently.
package docsync

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bikashd003/devcollab-sync/internal/protocol"
)

// DefaultDebounce bounds broadcast frequency under fast typing.
const DefaultDebounce = 200 * time.Millisecond

// Emitter sends one event over the session transport.
type Emitter interface {
	Emit(event string, data any) error
}

// Engine owns the local copy of the shared document for one session.
type Engine struct {
	emitter   Emitter
	projectID string
	userID    string
	logger    *slog.Logger
	debounce  time.Duration

	mu          sync.Mutex
	doc         string
	language    string
	lastEmitLen int // length peers believe the document has
	applyRemote bool
	pending     bool
	timer       *time.Timer
	onDocument  func(string)
	onLanguage  func(string)
	stopped     bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithDebounce overrides the edit broadcast debounce window.
func WithDebounce(d time.Duration) Option {
	return func(e *Engine) { e.debounce = d }
}

// WithDocumentListener registers a callback invoked after a remote change
// is applied to the local buffer.
func WithDocumentListener(fn func(doc string)) Option {
	return func(e *Engine) { e.onDocument = fn }
}

// WithLanguageListener registers a callback invoked when a peer switches
// the session language.
func WithLanguageListener(fn func(lang string)) Option {
	return func(e *Engine) { e.onLanguage = fn }
}

// New creates an Engine for one participant in one project.
func New(emitter Emitter, projectID, userID string, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		emitter:   emitter,
		projectID: projectID,
		userID:    userID,
		logger:    logger,
		debounce:  DefaultDebounce,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Seed installs the initial snapshot from the server without emitting.
func (e *Engine) Seed(doc, language string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.doc = doc
	e.language = language
	e.lastEmitLen = len(doc)
}

// Document returns the current local buffer.
func (e *Engine) Document() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc
}

// Language returns the current language mode.
func (e *Engine) Language() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.language
}

// OnLocalEdit records a local buffer change and schedules a debounced
// broadcast. Bursts within the window coalesce: only the final text is
// emitted. Calls made while a remote change is being applied are ignored,
// which is what breaks the rebroadcast echo loop.
func (e *Engine) OnLocalEdit(newFullText string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.applyRemote || e.stopped {
		return
	}
	e.doc = newFullText
	e.pending = true
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.debounce, e.flush)
}

// flush emits the coalesced replacement for the latest local text.
func (e *Engine) flush() {
	e.mu.Lock()
	if !e.pending || e.stopped {
		e.mu.Unlock()
		return
	}
	e.pending = false
	change := protocol.Replace(e.lastEmitLen, e.doc)
	e.lastEmitLen = len(e.doc)
	msg := protocol.CodeChange{
		ProjectID: e.projectID,
		UserID:    e.userID,
		Changes:   []protocol.DocumentChange{change},
	}
	e.mu.Unlock()

	if err := e.emitter.Emit(protocol.EventCodeChange, msg); err != nil {
		e.logger.Warn("emit code change", "error", err)
	}
}

// ApplyRemote applies a peer's change set to the local buffer. Changes
// originated by the local user are ignored: the relay excludes the sender,
// but a misbehaving relay must not corrupt local state. A remote
// replacement that lands while a local edit is still pending overwrites it
// (last write wins); the loss is traced for observability, never surfaced
// as an error.
func (e *Engine) ApplyRemote(msg protocol.CodeChange) error {
	if msg.UserID == e.userID {
		return nil
	}
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	if e.pending {
		e.pending = false
		if e.timer != nil {
			e.timer.Stop()
		}
		e.logger.Debug("local edit overwritten by remote replacement",
			"project", e.projectID, "peer", msg.UserID)
	}
	e.applyRemote = true
	doc := e.doc
	var err error
	for _, ch := range msg.Changes {
		if ch.From == 0 {
			// The wire form is a full replacement computed against the
			// sender's copy. Span the receiver's whole buffer so diverged
			// copies still converge on the last write.
			ch.To = len(doc)
		}
		doc, err = ch.Apply(doc)
		if err != nil {
			break
		}
	}
	if err == nil {
		e.doc = doc
		e.lastEmitLen = len(doc)
	}
	e.applyRemote = false
	fn := e.onDocument
	e.mu.Unlock()

	if err != nil {
		return err
	}
	if fn != nil {
		fn(doc)
	}
	return nil
}

// ChangeLanguage switches the local language mode and tells the room.
func (e *Engine) ChangeLanguage(lang string) {
	e.mu.Lock()
	e.language = lang
	e.mu.Unlock()
	msg := protocol.LanguageChange{
		ProjectID: e.projectID,
		UserID:    e.userID,
		Language:  lang,
	}
	if err := e.emitter.Emit(protocol.EventLanguageChanged, msg); err != nil {
		e.logger.Warn("emit language change", "error", err)
	}
}

// ApplyRemoteLanguage adopts a peer's language switch.
func (e *Engine) ApplyRemoteLanguage(msg protocol.LanguageChange) {
	if msg.UserID == e.userID {
		return
	}
	e.mu.Lock()
	e.language = msg.Language
	fn := e.onLanguage
	e.mu.Unlock()
	if fn != nil {
		fn(msg.Language)
	}
}

// Stop cancels any pending broadcast. Further local edits are ignored
// until Resume.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	e.pending = false
	if e.timer != nil {
		e.timer.Stop()
	}
}

// Resume lifts a prior Stop so the engine can serve a new membership.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = false
}
