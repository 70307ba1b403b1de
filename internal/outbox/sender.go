// Package outbox drains queued outgoing messages into the live
// session. Messages composed while offline are queued in sqlite and
// sent once the session comes up, so a flaky connection never loses a
// message the user already wrote.
package outbox

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/duochat/duochat/internal/bus"
	"github.com/duochat/duochat/internal/protocol"
	"github.com/duochat/duochat/internal/status"
	"github.com/duochat/duochat/internal/store"
)

const pollInterval = 500 * time.Millisecond

// Queue is the slice of the store the sender drains.
type Queue interface {
	QueueOutbox(clientMsgID, chatID, body string) error
	MarkOutboxSent(clientMsgID string) error
	MarkOutboxFailed(clientMsgID, errMsg string) error
	PendingOutbox() ([]store.OutboxEntry, error)
}

// Emitter sends one message into the live session.
type Emitter interface {
	SendMessage(chatID, text string) error
}

// Sender queues messages durably and drains them while the session is
// active.
type Sender struct {
	queue   Queue
	emitter Emitter
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSender creates an outbox sender.
func NewSender(q Queue, e Emitter, m *status.Machine, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		queue:   q,
		emitter: e,
		machine: m,
		bus:     b,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Enqueue validates and durably queues one outgoing message. The
// message goes out on the next drain pass, immediately if the session
// is already active.
func (s *Sender) Enqueue(chatID, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", protocol.ErrEmptyMessage
	}
	id := uuid.NewString()
	if err := s.queue.QueueOutbox(id, chatID, text); err != nil {
		return "", err
	}
	s.bus.Emit(bus.KindMessageQueued, id)
	return id, nil
}

// Start launches the drain loop.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Stop terminates the drain loop and waits for it to exit.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Sender) run(ctx context.Context) {
	defer close(s.done)
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if s.machine.Current() != status.Active {
				continue
			}
			s.drain()
		}
	}
}

// drain sends every queued entry, oldest first. A transient failure
// (session dropped mid-pass) leaves the entry queued for the next
// pass; only a permanent rejection marks it failed.
func (s *Sender) drain() {
	entries, err := s.queue.PendingOutbox()
	if err != nil {
		s.logger.Error("read outbox", zap.Error(err))
		return
	}
	for _, e := range entries {
		err := s.emitter.SendMessage(e.ChatID, e.Body)
		switch {
		case err == nil:
			if err := s.queue.MarkOutboxSent(e.ClientMsgID); err != nil {
				s.logger.Error("mark outbox sent", zap.Error(err))
			}
			s.bus.Emit(bus.KindMessageSent, e.ClientMsgID)
		case errors.Is(err, protocol.ErrNotActive):
			// Session dropped between the state check and the send.
			// The entry stays queued.
			return
		case errors.Is(err, protocol.ErrStopped):
			return
		default:
			if err := s.queue.MarkOutboxFailed(e.ClientMsgID, err.Error()); err != nil {
				s.logger.Error("mark outbox failed", zap.Error(err))
			}
			s.bus.Emit(bus.KindMessageSendFailed, e.ClientMsgID)
			s.logger.Warn("outbox send failed",
				zap.String("client_msg_id", e.ClientMsgID),
				zap.Error(err))
		}
	}
}
