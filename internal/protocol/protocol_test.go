package protocol

import (
	"strings"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(EventCodeChange, CodeChange{
		ProjectID: "proj1",
		UserID:    "u1",
		Changes:   []DocumentChange{{From: 0, To: 5, Insert: "hello"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	buf, err := Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Unmarshal(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Event != EventCodeChange {
		t.Fatalf("event = %q, want %q", got.Event, EventCodeChange)
	}
	var msg CodeChange
	if err := got.Decode(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.UserID != "u1" || len(msg.Changes) != 1 || msg.Changes[0].Insert != "hello" {
		t.Fatalf("decoded %+v", msg)
	}
}

func TestUnmarshalRejectsMissingEvent(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"data":{}}`)); err == nil {
		t.Fatal("expected error for missing event")
	}
	if _, err := Unmarshal([]byte(`not json`)); err == nil {
		t.Fatal("expected error for bad json")
	}
}

func TestDocumentChangeApply(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		change  DocumentChange
		want    string
		wantErr bool
	}{
		{"full replacement", "old text", DocumentChange{0, 8, "new"}, "new", false},
		{"full replacement of empty", "", DocumentChange{0, 0, "x"}, "x", false},
		{"insert middle", "abcd", DocumentChange{2, 2, "XY"}, "abXYcd", false},
		{"delete range", "abcd", DocumentChange{1, 3, ""}, "ad", false},
		{"to clamped to doc length", "ab", DocumentChange{0, 100, "z"}, "z", false},
		{"negative from", "ab", DocumentChange{-1, 0, "z"}, "", true},
		{"from beyond doc", "ab", DocumentChange{5, 6, "z"}, "", true},
		{"to before from", "ab", DocumentChange{1, 0, "z"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.change.Apply(tt.doc)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("got %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReplace(t *testing.T) {
	doc := "print(1)"
	ch := Replace(len(doc), "print(2)")
	got, err := ch.Apply(doc)
	if err != nil {
		t.Fatal(err)
	}
	if got != "print(2)" {
		t.Fatalf("got %q", got)
	}
}

func TestAssignColorDeterministic(t *testing.T) {
	a := AssignColor("user-42")
	for i := 0; i < 10; i++ {
		if AssignColor("user-42") != a {
			t.Fatal("color not deterministic")
		}
	}
	if !strings.HasPrefix(a, "#") || len(a) != 7 {
		t.Fatalf("unexpected color %q", a)
	}
	found := false
	for _, p := range palette {
		if p == a {
			found = true
		}
	}
	if !found {
		t.Fatalf("color %q not in palette", a)
	}
}
