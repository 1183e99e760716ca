package docsync

import (
	"sync"
	"testing"
	"time"

	"github.com/bikashd003/devcollab-sync/internal/protocol"
)

const testDebounce = 20 * time.Millisecond

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
	data   []any
}

func (r *recordingEmitter) Emit(event string, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.data = append(r.data, data)
	return nil
}

func (r *recordingEmitter) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func (r *recordingEmitter) lastCodeChange(t *testing.T) protocol.CodeChange {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i] == protocol.EventCodeChange {
			return r.data[i].(protocol.CodeChange)
		}
	}
	t.Fatal("no codeChange emitted")
	return protocol.CodeChange{}
}

func newTestEngine(em Emitter) *Engine {
	return New(em, "proj1", "local", nil, WithDebounce(testDebounce))
}

func settle() { time.Sleep(5 * testDebounce) }

func TestLocalEditCoalescing(t *testing.T) {
	em := &recordingEmitter{}
	e := newTestEngine(em)

	e.OnLocalEdit("p")
	e.OnLocalEdit("pr")
	e.OnLocalEdit("print(1)")
	settle()

	if n := em.count(protocol.EventCodeChange); n != 1 {
		t.Fatalf("emitted %d codeChange events, want 1", n)
	}
	msg := em.lastCodeChange(t)
	if len(msg.Changes) != 1 {
		t.Fatalf("changes = %+v", msg.Changes)
	}
	ch := msg.Changes[0]
	if ch.From != 0 || ch.To != 0 || ch.Insert != "print(1)" {
		t.Fatalf("change = %+v, want full replacement with final text", ch)
	}
	if msg.UserID != "local" || msg.ProjectID != "proj1" {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestSeparateBurstsEmitSeparately(t *testing.T) {
	em := &recordingEmitter{}
	e := newTestEngine(em)

	e.OnLocalEdit("a")
	settle()
	e.OnLocalEdit("ab")
	settle()

	if n := em.count(protocol.EventCodeChange); n != 2 {
		t.Fatalf("emitted %d codeChange events, want 2", n)
	}
	// The second replacement ranges over the first emission's length.
	ch := em.lastCodeChange(t).Changes[0]
	if ch.From != 0 || ch.To != 1 || ch.Insert != "ab" {
		t.Fatalf("change = %+v", ch)
	}
}

func TestRemoteEditDoesNotEcho(t *testing.T) {
	em := &recordingEmitter{}
	e := newTestEngine(em)
	e.Seed("base", "python")

	for i := 0; i < 5; i++ {
		err := e.ApplyRemote(protocol.CodeChange{
			UserID:  "peer",
			Changes: []protocol.DocumentChange{protocol.Replace(len(e.Document()), "from peer")},
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	settle()

	if n := em.count(protocol.EventCodeChange); n != 0 {
		t.Fatalf("remote edits caused %d outbound codeChange events, want 0", n)
	}
	if e.Document() != "from peer" {
		t.Fatalf("document = %q", e.Document())
	}
}

func TestFullReplacementRoundTrip(t *testing.T) {
	for _, text := range []string{"", "x", "print(1)\nprint(2)\n", "日本語 text"} {
		em := &recordingEmitter{}
		e := newTestEngine(em)
		e.Seed("anything at all", "python")

		err := e.ApplyRemote(protocol.CodeChange{
			UserID:  "peer",
			Changes: []protocol.DocumentChange{protocol.Replace(len("anything at all"), text)},
		})
		if err != nil {
			t.Fatal(err)
		}
		if got := e.Document(); got != text {
			t.Fatalf("document = %q, want %q", got, text)
		}
	}
}

func TestOwnBroadcastIgnored(t *testing.T) {
	em := &recordingEmitter{}
	e := newTestEngine(em)
	e.Seed("keep", "python")

	err := e.ApplyRemote(protocol.CodeChange{
		UserID:  "local",
		Changes: []protocol.DocumentChange{protocol.Replace(4, "clobbered")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if e.Document() != "keep" {
		t.Fatalf("own broadcast applied: %q", e.Document())
	}
}

func TestRemoteOverwritesPendingLocalEdit(t *testing.T) {
	em := &recordingEmitter{}
	e := newTestEngine(em)
	e.Seed("", "python")

	e.OnLocalEdit("local text")
	err := e.ApplyRemote(protocol.CodeChange{
		UserID:  "peer",
		Changes: []protocol.DocumentChange{protocol.Replace(0, "peer text")},
	})
	if err != nil {
		t.Fatal(err)
	}
	settle()

	// Last write wins: the pending local broadcast was cancelled and the
	// peer's replacement stands.
	if e.Document() != "peer text" {
		t.Fatalf("document = %q, want peer text", e.Document())
	}
	if n := em.count(protocol.EventCodeChange); n != 0 {
		t.Fatalf("cancelled edit still emitted %d events", n)
	}
}

func TestDocumentListener(t *testing.T) {
	em := &recordingEmitter{}
	var got string
	e := New(em, "proj1", "local", nil,
		WithDebounce(testDebounce),
		WithDocumentListener(func(doc string) { got = doc }))
	e.Seed("", "python")

	e.ApplyRemote(protocol.CodeChange{
		UserID:  "peer",
		Changes: []protocol.DocumentChange{protocol.Replace(0, "notify me")},
	})
	if got != "notify me" {
		t.Fatalf("listener got %q", got)
	}
}

func TestChangeLanguage(t *testing.T) {
	em := &recordingEmitter{}
	e := newTestEngine(em)
	e.Seed("", "javascript")

	e.ChangeLanguage("go")
	if e.Language() != "go" {
		t.Fatalf("language = %q", e.Language())
	}
	if n := em.count(protocol.EventLanguageChanged); n != 1 {
		t.Fatalf("emitted %d languageChanged events, want 1", n)
	}

	var lang string
	e2 := New(em, "proj1", "local", nil, WithLanguageListener(func(l string) { lang = l }))
	e2.ApplyRemoteLanguage(protocol.LanguageChange{UserID: "peer", Language: "rust"})
	if e2.Language() != "rust" || lang != "rust" {
		t.Fatalf("language = %q, listener = %q", e2.Language(), lang)
	}
	// Own language broadcast bounced back must not re-trigger.
	e2.ApplyRemoteLanguage(protocol.LanguageChange{UserID: "local", Language: "c"})
	if e2.Language() != "rust" {
		t.Fatalf("own language echo applied: %q", e2.Language())
	}
}

func TestStopCancelsPendingBroadcast(t *testing.T) {
	em := &recordingEmitter{}
	e := newTestEngine(em)
	e.OnLocalEdit("never sent")
	e.Stop()
	settle()
	if n := em.count(protocol.EventCodeChange); n != 0 {
		t.Fatalf("emitted %d events after Stop", n)
	}
}
