package presence

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

func (r *recordingEmitter) lastCursor(t *testing.T) protocol.CursorMove {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i] == protocol.EventCursorMove {
			return r.data[i].(protocol.CursorMove)
		}
	}
	t.Fatal("no cursorMove emitted")
	return protocol.CursorMove{}
}

func newTestTracker(em Emitter) *Tracker {
	return New(em, "proj1", "local", "Local User", nil,
		WithCursorDebounce(10*time.Millisecond),
		WithTypingTimeout(50*time.Millisecond))
}

func TestCursorUpsertNotAppend(t *testing.T) {
	tr := newTestTracker(&recordingEmitter{})

	for pos := 0; pos < 5; pos++ {
		tr.UpsertRemoteCursor(protocol.CursorMove{UserID: "peer", Username: "Peer", Position: pos})
	}
	cursors := tr.Cursors()
	if len(cursors) != 1 {
		t.Fatalf("cursor set has %d entries for one user, want 1", len(cursors))
	}
	if cursors[0].Position != 4 {
		t.Fatalf("position = %d, want latest (4)", cursors[0].Position)
	}
}

func TestOwnCursorNotTracked(t *testing.T) {
	tr := newTestTracker(&recordingEmitter{})
	tr.UpsertRemoteCursor(protocol.CursorMove{UserID: "local", Position: 3})
	if len(tr.Cursors()) != 0 {
		t.Fatal("local user's cursor tracked as remote")
	}
}

func TestRemoveUserClearsEverything(t *testing.T) {
	tr := newTestTracker(&recordingEmitter{})
	tr.UpsertRemoteCursor(protocol.CursorMove{UserID: "peer", Position: 7})
	tr.AutoStopTyping("peer", time.Minute)
	tr.MarkJoined(protocol.UserJoined{UserID: "peer", Username: "Peer"})

	tr.RemoveUser("peer")

	if len(tr.Cursors()) != 0 {
		t.Fatal("cursor survived RemoveUser")
	}
	if tr.IsTyping("peer") {
		t.Fatal("typing indicator survived RemoveUser")
	}
	if tr.IsOnline("peer") {
		t.Fatal("online status survived RemoveUser")
	}
}

func TestAutoStopTypingResetsOnRenewal(t *testing.T) {
	tr := newTestTracker(&recordingEmitter{})
	const delay = 60 * time.Millisecond

	tr.AutoStopTyping("peer", delay)
	time.Sleep(40 * time.Millisecond)
	tr.AutoStopTyping("peer", delay) // renewal pushes the stop out

	time.Sleep(40 * time.Millisecond)
	if !tr.IsTyping("peer") {
		t.Fatal("typing cleared before delay elapsed since last renewal")
	}
	time.Sleep(50 * time.Millisecond)
	if tr.IsTyping("peer") {
		t.Fatal("typing not cleared after delay")
	}
}

func TestStopTypingImmediate(t *testing.T) {
	tr := newTestTracker(&recordingEmitter{})
	tr.StartTyping("peer")
	if !tr.IsTyping("peer") {
		t.Fatal("StartTyping did not mark peer")
	}
	tr.StopTyping("peer")
	if tr.IsTyping("peer") {
		t.Fatal("StopTyping did not clear peer")
	}
}

func TestCursorDebounceEmitsLastPosition(t *testing.T) {
	em := &recordingEmitter{}
	tr := newTestTracker(em)

	tr.OnLocalCursorMove(1)
	tr.OnLocalCursorMove(5)
	tr.OnLocalCursorMove(9)
	time.Sleep(50 * time.Millisecond)

	if n := em.count(protocol.EventCursorMove); n != 1 {
		t.Fatalf("emitted %d cursorMove events, want 1", n)
	}
	msg := em.lastCursor(t)
	if msg.Position != 9 {
		t.Fatalf("position = %d, want 9", msg.Position)
	}
	if msg.UserID != "local" || msg.Username != "Local User" {
		t.Fatalf("msg = %+v", msg)
	}
	if msg.Color != protocol.AssignColor("local") {
		t.Fatalf("color = %q, want deterministic color", msg.Color)
	}
}

func TestOnlineIsRosterOrLiveEvents(t *testing.T) {
	tr := newTestTracker(&recordingEmitter{})

	if tr.IsOnline("a") {
		t.Fatal("unknown user reported online")
	}
	tr.SetRoster([]protocol.ConnectedUser{{UserID: "a", Username: "A", Online: true}})
	if !tr.IsOnline("a") {
		t.Fatal("roster-online user reported offline")
	}

	// Live join marks a user online even before the roster refreshes.
	tr.MarkJoined(protocol.UserJoined{UserID: "b", Username: "B"})
	if !tr.IsOnline("b") {
		t.Fatal("live-joined user reported offline")
	}

	// Roster refresh without b keeps the live OR until b leaves.
	tr.SetRoster([]protocol.ConnectedUser{{UserID: "a", Online: true}})
	if !tr.IsOnline("b") {
		t.Fatal("live status dropped by roster refresh")
	}
	tr.RemoveUser("b")
	if tr.IsOnline("b") {
		t.Fatal("departed user reported online")
	}
}

func TestEmitTypingAutoStops(t *testing.T) {
	em := &recordingEmitter{}
	tr := newTestTracker(em)

	tr.EmitTyping()
	if n := em.count(protocol.EventTyping); n != 1 {
		t.Fatalf("emitted %d typing events, want 1", n)
	}
	time.Sleep(100 * time.Millisecond)
	if n := em.count(protocol.EventStopTyping); n != 1 {
		t.Fatalf("emitted %d stopTyping events after timeout, want 1", n)
	}
}

func TestEmitStopTypingCancelsAutoStop(t *testing.T) {
	em := &recordingEmitter{}
	tr := newTestTracker(em)

	tr.EmitTyping()
	tr.EmitStopTyping()
	time.Sleep(100 * time.Millisecond)
	// One explicit stop only; the auto-stop was cancelled.
	if n := em.count(protocol.EventStopTyping); n != 1 {
		t.Fatalf("emitted %d stopTyping events, want 1", n)
	}
}

func TestClearRemote(t *testing.T) {
	tr := newTestTracker(&recordingEmitter{})
	tr.UpsertRemoteCursor(protocol.CursorMove{UserID: "peer", Position: 1})
	tr.AutoStopTyping("peer", time.Minute)

	tr.ClearRemote()
	if len(tr.Cursors()) != 0 || tr.IsTyping("peer") || tr.IsOnline("peer") {
		t.Fatal("remote state survived ClearRemote")
	}
}
