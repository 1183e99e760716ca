package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/bikashd003/devcollab-sync/internal/protocol"
)

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

func (r *recordingEmitter) emitted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestSendRejectsEmptyText(t *testing.T) {
	em := &recordingEmitter{}
	l := New(em, "proj1", "alice", nil)

	for _, text := range []string{"", " ", "\t", "\n  \n"} {
		if l.Send(text) {
			t.Fatalf("Send(%q) accepted", text)
		}
	}
	if em.emitted() != 0 {
		t.Fatalf("empty messages reached the transport: %d events", em.emitted())
	}
}

func TestSendEmitsChatMessage(t *testing.T) {
	em := &recordingEmitter{}
	l := New(em, "proj1", "alice", nil)

	if !l.Send("hello") {
		t.Fatal("Send rejected valid text")
	}
	if em.emitted() != 1 || em.events[0] != protocol.EventChatMessage {
		t.Fatalf("events = %v", em.events)
	}
	msg := em.data[0].(protocol.ChatSend)
	if msg.ProjectID != "proj1" || msg.User != "alice" || msg.Text != "hello" {
		t.Fatalf("payload = %+v", msg)
	}
	// Sending does not touch the local log; the relay echo does.
	if l.Len() != 0 {
		t.Fatalf("log length = %d after send, want 0", l.Len())
	}
}

func TestAppendKeepsArrivalOrder(t *testing.T) {
	l := New(&recordingEmitter{}, "proj1", "alice", nil)
	for _, text := range []string{"one", "two", "three"} {
		l.Append(protocol.ChatMessage{Username: "bob", Message: text, Timestamp: time.Now()})
	}
	msgs := l.Messages()
	if len(msgs) != 3 {
		t.Fatalf("log length = %d", len(msgs))
	}
	for i, want := range []string{"one", "two", "three"} {
		if msgs[i].Message != want {
			t.Fatalf("msgs[%d] = %q, want %q", i, msgs[i].Message, want)
		}
	}
}

func TestSeedHistoryPrecedesLiveMessages(t *testing.T) {
	l := New(&recordingEmitter{}, "proj1", "alice", nil)

	// A live message may race in ahead of the history replay.
	l.Append(protocol.ChatMessage{Message: "live"})
	l.SeedHistory([]protocol.ChatMessage{{Message: "old1"}, {Message: "old2"}})

	msgs := l.Messages()
	want := []string{"old1", "old2", "live"}
	if len(msgs) != len(want) {
		t.Fatalf("log = %+v", msgs)
	}
	for i := range want {
		if msgs[i].Message != want[i] {
			t.Fatalf("msgs[%d] = %q, want %q", i, msgs[i].Message, want[i])
		}
	}

	// History replays at most once.
	l.SeedHistory([]protocol.ChatMessage{{Message: "dup"}})
	if l.Len() != 3 {
		t.Fatalf("second seed changed log length to %d", l.Len())
	}
}
