package status

import (
	"testing"

	"github.com/duochat/duochat/internal/bus"
)

func TestHandshakePath(t *testing.T) {
	m := NewMachine(nil)

	steps := []State{Connecting, AwaitingSession, Active}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if m.Current() != Active {
		t.Errorf("current = %s, want %s", m.Current(), Active)
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)

	// Cannot become Active without passing through the handshake.
	if err := m.Transition(Active); err == nil {
		t.Error("expected error for Disconnected -> Active")
	}
	if m.Current() != Disconnected {
		t.Errorf("state changed on invalid transition: %s", m.Current())
	}
}

func TestDisconnectDiscardsSessionPath(t *testing.T) {
	m := NewMachine(nil)
	for _, s := range []State{Connecting, AwaitingSession, Active, Disconnected, Connecting} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
}

func TestRejectedAllowsRetry(t *testing.T) {
	m := NewMachine(nil)
	for _, s := range []State{Connecting, AwaitingSession, Rejected, Connecting} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
}

func TestTransitionPublishesChange(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("session.", 4)
	defer sub.Cancel()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-sub.C():
		change, ok := evt.Payload.(Change)
		if !ok {
			t.Fatalf("payload type %T, want Change", evt.Payload)
		}
		if change.From != Disconnected || change.To != Connecting {
			t.Errorf("change = %+v", change)
		}
	default:
		t.Fatal("no status event published")
	}
}
