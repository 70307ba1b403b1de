// Package protocol implements the live signed session against the
// chat server: the identity handshake, chat and presence ingestion,
// message traffic, and per-chat last-seen tracking.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/duochat/duochat/internal/bus"
	"github.com/duochat/duochat/internal/signing"
	"github.com/duochat/duochat/internal/status"
	"github.com/duochat/duochat/internal/transport"
)

// Socket event names. Consumed: loginstatusupdate, message:data,
// chat_online_status:data, authfailure:statusonline. Produced:
// status:online (signed), the rest token-authenticated.
const (
	evOnlineStatus  = "status:online"
	evLoginStatus   = "loginstatusupdate"
	evMessageData   = "message:data"
	evMessageCreate = "message:create"
	evImageCreate   = "image_message:create"
	evPresenceData  = "chat_online_status:data"
	evPresenceGet   = "chat_online_status:get"
	evAuthFailure   = "authfailure:statusonline"
)

// lastSeenKey is the storage key for the per-chat last-seen-message map.
const lastSeenKey = "chatLastMessagesSeen"

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

var (
	// ErrEmptyMessage is returned when a message is empty after trimming.
	ErrEmptyMessage = errors.New("message text is empty")
	// ErrNotActive is returned for token-authenticated emissions before
	// the server has established the session.
	ErrNotActive = errors.New("session not active")
	// ErrStopped is returned when the handler is no longer running.
	ErrStopped = errors.New("session handler stopped")
)

// Store is the slice of the persistent key-value capability the
// handler needs for the last-seen map.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
}

// Credentials is the key material of a fully unlocked login. The
// private key signs exactly one thing here: the online-status proof.
type Credentials struct {
	PublicKey  string
	PrivateKey string
}

// Handler owns one live session. All session state is owned by the
// single run goroutine; transport packets and external commands are
// serialized through the same loop, so no state needs locking.
// Notifications flow out through the bus.
type Handler struct {
	channel transport.Channel
	machine *status.Machine
	bus     *bus.Bus
	store   Store
	creds   Credentials
	logger  *zap.Logger

	cmds   chan func()
	done   chan struct{}
	cancel context.CancelFunc
	runCtx context.Context

	// Session state below is touched only from the run goroutine.
	sessionToken string
	userID       string
	nickname     string
	rank         string
	isAdmin      bool
	chats        map[string]*ChatRecord
	lastSeen     map[string]string
	activeChat   string
	retryWanted  bool
}

// NewHandler creates a session handler. The caller supplies the
// credentials of a Full-tier login; a Restricted login has no key
// material and cannot complete the handshake.
func NewHandler(ch transport.Channel, m *status.Machine, b *bus.Bus, st Store, creds Credentials, logger *zap.Logger) *Handler {
	return &Handler{
		channel:  ch,
		machine:  m,
		bus:      b,
		store:    st,
		creds:    creds,
		logger:   logger,
		cmds:     make(chan func(), 64),
		done:     make(chan struct{}),
		chats:    make(map[string]*ChatRecord),
		lastSeen: make(map[string]string),
	}
}

// Start launches the session loop.
func (h *Handler) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.runCtx = ctx
	go h.run(ctx)
}

// Stop shuts the session down and waits for the loop to exit.
func (h *Handler) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	<-h.done
	_ = h.channel.Close()
}

// run dials, hands the connection its signed identity proof, and
// processes events until shutdown. Every fresh connection re-runs the
// full signed handshake: the server holds no durable session, and a
// token from a previous connection is worthless.
func (h *Handler) run(ctx context.Context) {
	defer close(h.done)
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		_ = h.machine.Transition(status.Connecting)
		packets, err := h.channel.Dial(ctx)
		if err != nil {
			h.logger.Warn("dial failed", zap.Error(err))
			_ = h.machine.Transition(status.Disconnected)
			if !h.idle(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = initialBackoff

		if err := h.sendOnlineStatus(ctx); err != nil {
			h.logger.Error("signed handshake emission failed", zap.Error(err))
			_ = h.channel.Close()
			_ = h.machine.Transition(status.Disconnected)
			continue
		}
		_ = h.machine.Transition(status.AwaitingSession)
		h.logger.Info("signed online-status proof sent")

		rejected := h.eventLoop(ctx, packets)

		// The token was scoped to the connection that just ended.
		h.sessionToken = ""
		if ctx.Err() != nil {
			return
		}
		if rejected {
			// Terminal for this session; only an explicit retry re-dials.
			if !h.awaitRetry(ctx) {
				return
			}
			continue
		}
		h.logger.Warn("transport disconnected, will reconnect")
		_ = h.machine.Transition(status.Disconnected)
	}
}

// eventLoop processes packets and commands until the stream closes or
// the server rejects the session. Handlers run to completion before
// the next event; the session state never sees two writers.
func (h *Handler) eventLoop(ctx context.Context, packets <-chan transport.Packet) (rejected bool) {
	for {
		select {
		case <-ctx.Done():
			return false
		case fn := <-h.cmds:
			fn()
		case pkt, ok := <-packets:
			if !ok {
				return false
			}
			h.handlePacket(pkt)
			if h.machine.Current() == status.Rejected {
				_ = h.channel.Close()
				return true
			}
		}
	}
}

// idle waits out a backoff period while still servicing commands.
func (h *Handler) idle(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		case fn := <-h.cmds:
			fn()
		}
	}
}

// awaitRetry blocks after a rejection until Retry is requested.
func (h *Handler) awaitRetry(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case fn := <-h.cmds:
			fn()
			if h.retryWanted {
				h.retryWanted = false
				return true
			}
		}
	}
}

func (h *Handler) handlePacket(pkt transport.Packet) {
	switch pkt.Event {
	case evLoginStatus:
		h.handleLoginStatus(pkt.Data)
	case evMessageData:
		var m Message
		if err := json.Unmarshal(pkt.Data, &m); err != nil {
			h.logger.Warn("malformed message payload", zap.Error(err))
			return
		}
		h.receiveMessage(m)
	case evPresenceData:
		var p presenceUpdate
		if err := json.Unmarshal(pkt.Data, &p); err != nil {
			h.logger.Warn("malformed presence payload", zap.Error(err))
			return
		}
		h.handlePresence(p)
	case evAuthFailure:
		var reason string
		if err := json.Unmarshal(pkt.Data, &reason); err != nil {
			reason = string(pkt.Data)
		}
		h.logger.Error("server rejected signed handshake", zap.String("reason", reason))
		_ = h.machine.Transition(status.Rejected)
		h.bus.Emit(bus.KindSessionRejected, reason)
	default:
		h.logger.Debug("ignoring unknown event", zap.String("event", pkt.Event))
	}
}

// handleLoginStatus adopts the server's authoritative session state
// and initializes last-seen bookkeeping.
func (h *Handler) handleLoginStatus(data []byte) {
	var payload loginStatusUpdate
	if err := json.Unmarshal(data, &payload); err != nil {
		h.logger.Error("malformed login status payload", zap.Error(err))
		return
	}

	h.sessionToken = payload.SessionToken
	h.userID = payload.UserID
	h.nickname = payload.Nickname
	h.rank = payload.Rank
	h.isAdmin = payload.IsAdminGroup
	h.chats = payload.ChatData
	if h.chats == nil {
		h.chats = make(map[string]*ChatRecord)
	}
	for _, rec := range h.chats {
		rec.UserTimes = []UserTime{}
	}

	h.lastSeen = h.loadLastSeen()

	_ = h.machine.Transition(status.Active)
	h.logger.Info("session established",
		zap.String("user_id", h.userID),
		zap.Int("chats", len(h.chats)))

	h.bus.Emit(bus.KindChatListChanged, len(h.chats))
	if h.isAdmin {
		h.bus.Emit(bus.KindPrivilegeChanged, true)
	}
}

// receiveMessage ingests one pushed message. Messages for the active
// chat are surfaced and marked seen immediately; everything else stays
// unread until its chat is opened.
func (h *Handler) receiveMessage(m Message) {
	rec, ok := h.chats[m.Chat]
	if !ok {
		h.logger.Warn("message for unknown chat dropped", zap.String("chat", m.Chat), zap.String("msg_id", m.ID))
		return
	}
	rec.Insert(m)

	if m.Chat == h.activeChat {
		h.bus.Emit(bus.KindMessagesAppended, AppendedMessages{Chat: m.Chat, Messages: []Message{m}})
		h.updateLastMessageSeen()
	} else {
		h.bus.Emit(bus.KindChatListChanged, len(h.chats))
	}
}

func (h *Handler) handlePresence(p presenceUpdate) {
	rec, ok := h.chats[p.Chat]
	if !ok {
		h.logger.Warn("presence for unknown chat dropped", zap.String("chat", p.Chat))
		return
	}
	rec.UserTimes = p.UserTimes
	if p.Chat == h.activeChat {
		h.bus.Emit(bus.KindPresenceChanged, PresenceChange{Chat: p.Chat, UserTimes: p.UserTimes})
	}
}

// updateLastMessageSeen moves the active chat's cursor to its newest
// message, persists the whole map, and nudges the chat list so unread
// indicators re-render. Idempotent; a rewrite of the same map is
// harmless.
func (h *Handler) updateLastMessageSeen() {
	if h.activeChat == "" {
		return
	}
	rec, ok := h.chats[h.activeChat]
	if !ok || len(rec.Messages) == 0 {
		return
	}

	h.lastSeen[h.activeChat] = rec.LatestID()
	h.persistLastSeen()
	h.bus.Emit(bus.KindChatListChanged, len(h.chats))
}

func (h *Handler) persistLastSeen() {
	data, err := json.Marshal(h.lastSeen)
	if err != nil {
		h.logger.Error("marshal last-seen map", zap.Error(err))
		return
	}
	if err := h.store.Set(lastSeenKey, data); err != nil {
		h.logger.Error("persist last-seen map", zap.Error(err))
	}
}

// loadLastSeen reads the persisted cursor map. Corrupt or missing data
// is recovered silently: every chat starts unseen. Chats the server
// added since the last persist also start unseen.
func (h *Handler) loadLastSeen() map[string]string {
	seen := make(map[string]string, len(h.chats))
	if data, err := h.store.Get(lastSeenKey); err == nil {
		if err := json.Unmarshal(data, &seen); err != nil {
			h.logger.Warn("last-seen data corrupt, resetting", zap.Error(err))
			seen = make(map[string]string, len(h.chats))
		}
	}
	for chatID := range h.chats {
		if _, ok := seen[chatID]; !ok {
			seen[chatID] = ""
		}
	}
	return seen
}

// sendOnlineStatus emits the signed identity proof. This is the only
// request on the socket authenticated by signature; no session token
// exists yet.
func (h *Handler) sendOnlineStatus(ctx context.Context) error {
	contents := struct {
		RequestIdentifier string `json:"requestIdentifier"`
	}{uuid.NewString()}

	env, err := signing.Sign(contents, h.creds.PrivateKey, h.creds.PublicKey)
	if err != nil {
		return err
	}
	return h.channel.Emit(ctx, evOnlineStatus, env)
}

// emit wraps contents with the session token and sends them.
// Precondition: the session is Active.
func (h *Handler) emit(event string, contents any) error {
	if h.sessionToken == "" || h.machine.Current() != status.Active {
		return ErrNotActive
	}
	return h.channel.Emit(h.runCtx, event, tokenEnvelope{
		SessionToken: h.sessionToken,
		Contents:     contents,
	})
}

// call posts fn into the session loop and waits for it to run.
func (h *Handler) call(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case h.cmds <- func() { errc <- fn() }:
	case <-h.done:
		return ErrStopped
	}
	select {
	case err := <-errc:
		return err
	case <-h.done:
		return ErrStopped
	}
}

// SendMessage trims and emits one text message to a chat. Empty text
// is rejected before anything reaches the wire.
func (h *Handler) SendMessage(chatID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	return h.call(func() error {
		return h.emit(evMessageCreate, struct {
			Chat string `json:"chat"`
			Text string `json:"text"`
		}{chatID, text})
	})
}

// SendImage emits an image message (base64 payload plus extension).
func (h *Handler) SendImage(chatID, imageB64, extension string) error {
	if imageB64 == "" {
		return ErrEmptyMessage
	}
	return h.call(func() error {
		return h.emit(evImageCreate, struct {
			ChatID    string `json:"chatId"`
			Image     string `json:"image"`
			Extension string `json:"extension"`
		}{chatID, imageB64, extension})
	})
}

// QueryPresence asks the server for a chat's per-user presence list.
// The answer arrives later as a chat_online_status:data event.
func (h *Handler) QueryPresence(chatID string) error {
	return h.call(func() error {
		return h.emit(evPresenceGet, struct {
			Chat string `json:"chat"`
		}{chatID})
	})
}

// SetActiveChat marks a chat as open and marks its messages seen.
func (h *Handler) SetActiveChat(chatID string) error {
	return h.call(func() error {
		h.activeChat = chatID
		h.updateLastMessageSeen()
		return nil
	})
}

// ClearActiveChat marks no chat as open (navigate-away).
func (h *Handler) ClearActiveChat() error {
	return h.call(func() error {
		h.activeChat = ""
		return nil
	})
}

// Retry re-dials after a server rejection.
func (h *Handler) Retry() error {
	return h.call(func() error {
		h.retryWanted = true
		return nil
	})
}

// Unread reports whether a chat has messages newer than its last-seen
// cursor.
func (h *Handler) Unread(chatID string) (bool, error) {
	var unread bool
	err := h.call(func() error {
		unread = h.unreadLocked(chatID)
		return nil
	})
	return unread, err
}

func (h *Handler) unreadLocked(chatID string) bool {
	rec, ok := h.chats[chatID]
	if !ok || len(rec.Messages) == 0 {
		return false
	}
	return rec.LatestID() != h.lastSeen[chatID]
}

// ChatList returns a read-only summary of every chat.
func (h *Handler) ChatList() ([]ChatSummary, error) {
	var out []ChatSummary
	err := h.call(func() error {
		for id, rec := range h.chats {
			out = append(out, ChatSummary{
				ID:       id,
				Title:    rec.Title,
				Unread:   h.unreadLocked(id),
				Messages: len(rec.Messages),
			})
		}
		return nil
	})
	return out, err
}

// Messages returns a copy of a chat's message sequence, newest first.
func (h *Handler) Messages(chatID string) ([]Message, error) {
	var out []Message
	err := h.call(func() error {
		if rec, ok := h.chats[chatID]; ok {
			out = append(out, rec.Messages...)
		}
		return nil
	})
	return out, err
}

// Identity returns the server-assigned identity of this session.
func (h *Handler) Identity() (userID, nickname, rank string, err error) {
	err = h.call(func() error {
		userID, nickname, rank = h.userID, h.nickname, h.rank
		return nil
	})
	return userID, nickname, rank, err
}
