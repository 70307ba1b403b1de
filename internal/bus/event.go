package bus

import "time"

// Kinds published on the bus. Namespaces group related events so a
// subscriber can watch "chat." or "session." as a whole.
const (
	KindStatusChanged     = "session.status_changed"
	KindSessionRejected   = "session.rejected"
	KindPrivilegeChanged  = "session.privilege_changed"
	KindChatListChanged   = "chat.list_changed"
	KindPresenceChanged   = "chat.presence_changed"
	KindMessagesAppended  = "chat.messages_appended"
	KindMessageQueued     = "outbox.queued"
	KindMessageSent       = "outbox.sent"
	KindMessageSendFailed = "outbox.send_failed"
)

// Event is a domain event published on the bus.
type Event struct {
	Kind    string
	At      time.Time
	Payload any
}
