package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/duochat/duochat/internal/bus"
	"github.com/duochat/duochat/internal/protocol"
	"github.com/duochat/duochat/internal/status"
	"github.com/duochat/duochat/internal/store"
)

type fakeQueue struct {
	mu      sync.Mutex
	entries []store.OutboxEntry
}

func (q *fakeQueue) QueueOutbox(clientMsgID, chatID, body string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, store.OutboxEntry{
		ClientMsgID: clientMsgID,
		ChatID:      chatID,
		Body:        body,
		Status:      "queued",
	})
	return nil
}

func (q *fakeQueue) setStatus(clientMsgID, s, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].ClientMsgID == clientMsgID {
			q.entries[i].Status = s
			q.entries[i].ErrorMessage = errMsg
			return nil
		}
	}
	return errors.New("no such entry")
}

func (q *fakeQueue) MarkOutboxSent(id string) error { return q.setStatus(id, "sent", "") }
func (q *fakeQueue) MarkOutboxFailed(id, msg string) error {
	return q.setStatus(id, "failed", msg)
}

func (q *fakeQueue) PendingOutbox() ([]store.OutboxEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []store.OutboxEntry
	for _, e := range q.entries {
		if e.Status == "queued" {
			out = append(out, e)
		}
	}
	return out, nil
}

func (q *fakeQueue) status(id string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.ClientMsgID == id {
			return e.Status
		}
	}
	return ""
}

type fakeEmitter struct {
	mu   sync.Mutex
	sent []string
	fail error
}

func (e *fakeEmitter) SendMessage(chatID, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail != nil {
		return e.fail
	}
	e.sent = append(e.sent, chatID+":"+text)
	return nil
}

func (e *fakeEmitter) sentCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sent)
}

func activeMachine(t *testing.T, b *bus.Bus) *status.Machine {
	t.Helper()
	m := status.NewMachine(b)
	for _, s := range []status.State{status.Connecting, status.AwaitingSession, status.Active} {
		if err := m.Transition(s); err != nil {
			t.Fatal(err)
		}
	}
	return m
}

func newTestSender(t *testing.T) (*Sender, *fakeQueue, *fakeEmitter, *bus.Bus) {
	t.Helper()
	b := bus.New()
	q := &fakeQueue{}
	e := &fakeEmitter{}
	s := NewSender(q, e, activeMachine(t, b), b, zap.NewNop())
	return s, q, e, b
}

func TestEnqueueRejectsEmptyText(t *testing.T) {
	s, q, _, _ := newTestSender(t)
	if _, err := s.Enqueue("room1", "  \t "); !errors.Is(err, protocol.ErrEmptyMessage) {
		t.Errorf("err = %v, want ErrEmptyMessage", err)
	}
	if pending, _ := q.PendingOutbox(); len(pending) != 0 {
		t.Error("empty message must not be queued")
	}
}

func TestDrainSendsAndMarksSent(t *testing.T) {
	s, q, e, b := newTestSender(t)
	sub := b.Subscribe("outbox.", 16)
	defer sub.Cancel()

	id, err := s.Enqueue("room1", "  hello  ")
	if err != nil {
		t.Fatal(err)
	}
	s.drain()

	if e.sentCount() != 1 {
		t.Fatalf("sent %d messages, want 1", e.sentCount())
	}
	if got := q.status(id); got != "sent" {
		t.Errorf("status = %q, want sent", got)
	}

	kinds := map[string]bool{}
	for len(sub.C()) > 0 {
		kinds[(<-sub.C()).Kind] = true
	}
	if !kinds[bus.KindMessageQueued] || !kinds[bus.KindMessageSent] {
		t.Errorf("events = %v, want queued and sent", kinds)
	}
}

func TestDrainLeavesEntryQueuedWhenSessionDrops(t *testing.T) {
	s, q, e, _ := newTestSender(t)
	e.fail = protocol.ErrNotActive

	id, err := s.Enqueue("room1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	s.drain()

	if got := q.status(id); got != "queued" {
		t.Errorf("status = %q, want queued after transient failure", got)
	}
}

func TestDrainMarksPermanentFailure(t *testing.T) {
	s, q, e, b := newTestSender(t)
	sub := b.Subscribe("outbox.", 16)
	defer sub.Cancel()

	id, err := s.Enqueue("room1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	e.fail = errors.New("server refused message")
	s.drain()

	if got := q.status(id); got != "failed" {
		t.Errorf("status = %q, want failed", got)
	}
	kinds := map[string]bool{}
	for len(sub.C()) > 0 {
		kinds[(<-sub.C()).Kind] = true
	}
	if !kinds[bus.KindMessageSendFailed] {
		t.Errorf("events = %v, want send failure notification", kinds)
	}
}

func TestSenderDrainsOnceActive(t *testing.T) {
	s, q, e, _ := newTestSender(t)

	id, err := s.Enqueue("room1", "offline note")
	if err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if q.status(id) == "sent" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := q.status(id); got != "sent" {
		t.Fatalf("status = %q, want sent", got)
	}
	if e.sentCount() != 1 {
		t.Errorf("sent %d messages, want 1", e.sentCount())
	}
}
