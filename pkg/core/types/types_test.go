package types

import (
	"testing"
	"time"
)

func TestConnectionStateValid(t *testing.T) {
	states := []ConnectionState{
		StateIdle, StateRequestingPermission, StateConnecting,
		StateConnected, StateError, StateEnded, StateRetrying,
	}
	for _, s := range states {
		if !s.Valid() {
			t.Fatalf("Valid(%q) = false", s)
		}
	}
	for _, s := range []ConnectionState{"", "closed", "CONNECTED"} {
		if s.Valid() {
			t.Fatalf("Valid(%q) = true", s)
		}
	}
}

func TestConnectionStateTerminal(t *testing.T) {
	if !StateEnded.Terminal() {
		t.Fatalf("ended must be terminal")
	}
	for _, s := range []ConnectionState{StateIdle, StateError, StateRetrying, StateConnected} {
		if s.Terminal() {
			t.Fatalf("Terminal(%q) = true", s)
		}
	}
}

func TestNewTranscriptMessageStampsArrivalTime(t *testing.T) {
	before := time.Now().UTC().Add(-time.Second)
	msg := NewTranscriptMessage(RoleUser, "hello")
	if msg.Role != RoleUser || msg.Text != "hello" {
		t.Fatalf("message = %+v", msg)
	}
	stamp, err := time.Parse(time.RFC3339, msg.Timestamp)
	if err != nil {
		t.Fatalf("timestamp %q is not RFC3339: %v", msg.Timestamp, err)
	}
	if stamp.Before(before) || stamp.After(time.Now().UTC().Add(time.Second)) {
		t.Fatalf("timestamp %v is not the arrival time", stamp)
	}
}
