package protocol

import "time"

// Message is one chat message as pushed by the server. Immutable once
// received. The field names are the socket wire format.
type Message struct {
	ID           string `json:"_id"`
	Chat         string `json:"chat"`
	Text         string `json:"text"`
	Nickname     string `json:"nickname"`
	Timestamp    int64  `json:"timestamp"`
	PendingToken string `json:"pendingToken,omitempty"`
}

// Pending reports whether the message still carries a pending token,
// i.e. the server has not finalized it.
func (m Message) Pending() bool { return m.PendingToken != "" }

// Presence is the derived online status of one chat member.
type Presence string

const (
	// PresenceInactive means the user has never logged in.
	PresenceInactive Presence = "INACTIVE"
	// PresenceOnline means the user is logged in right now.
	PresenceOnline Presence = "ONLINE"
	// PresenceLastSeen means the user was last active at LastLogout.
	PresenceLastSeen Presence = "LAST_SEEN"
)

// UserTime is one per-user presence record for a chat. LastLogin and
// LastLogout are optional RFC 3339 timestamps; absence is meaningful
// and drives the derived status.
type UserTime struct {
	Name       string `json:"name"`
	LastLogin  string `json:"lastLogin,omitempty"`
	LastLogout string `json:"lastLogout,omitempty"`
}

// Status derives the presence state from the two optional timestamps:
// no login ever recorded means inactive, a logout missing or older
// than the login means currently online, otherwise last seen at the
// logout time.
func (u UserTime) Status() (Presence, time.Time) {
	login, loginOK := parseTime(u.LastLogin)
	if !loginOK {
		return PresenceInactive, time.Time{}
	}
	logout, logoutOK := parseTime(u.LastLogout)
	if !logoutOK || logout.Before(login) {
		return PresenceOnline, time.Time{}
	}
	return PresenceLastSeen, logout
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ChatRecord holds one chat's state. Messages are newest-first; the
// ordering is enforced at insertion, not assumed, because unread
// detection reads Messages[0].
type ChatRecord struct {
	Title     string     `json:"title"`
	Messages  []Message  `json:"messages"`
	UserTimes []UserTime `json:"userTimes,omitempty"`
}

// Insert places m into the newest-first sequence. Messages usually
// arrive in order and land at the head; a late delivery is slotted by
// timestamp so it cannot displace a newer head. Returns true if m
// became the newest message.
func (c *ChatRecord) Insert(m Message) bool {
	if len(c.Messages) == 0 || m.Timestamp >= c.Messages[0].Timestamp {
		c.Messages = append([]Message{m}, c.Messages...)
		return true
	}
	i := 0
	for i < len(c.Messages) && c.Messages[i].Timestamp > m.Timestamp {
		i++
	}
	c.Messages = append(c.Messages, Message{})
	copy(c.Messages[i+1:], c.Messages[i:])
	c.Messages[i] = m
	return false
}

// LatestID returns the newest message's ID, or "" for an empty chat.
func (c *ChatRecord) LatestID() string {
	if len(c.Messages) == 0 {
		return ""
	}
	return c.Messages[0].ID
}

// loginStatusUpdate is the server's session-establishment payload.
type loginStatusUpdate struct {
	ChatData     map[string]*ChatRecord `json:"chatData"`
	SessionToken string                 `json:"sessionToken"`
	UserID       string                 `json:"userId"`
	Nickname     string                 `json:"nickname"`
	Rank         string                 `json:"rank"`
	IsAdminGroup bool                   `json:"isAdminGroup"`
}

// presenceUpdate is the server's answer to chat_online_status:get.
type presenceUpdate struct {
	Chat      string     `json:"chat"`
	UserTimes []UserTime `json:"userTimes"`
}

// tokenEnvelope wraps steady-state emissions with the session token.
// Unlike the signed envelope it proves nothing by itself; trust is
// scoped to the session the signed handshake established.
type tokenEnvelope struct {
	SessionToken string `json:"sessionToken"`
	Contents     any    `json:"contents"`
}

// ChatSummary is a read-only view of one chat for list rendering.
type ChatSummary struct {
	ID       string
	Title    string
	Unread   bool
	Messages int
}

// AppendedMessages is the bus payload for chat.messages_appended.
type AppendedMessages struct {
	Chat     string
	Messages []Message
}

// PresenceChange is the bus payload for chat.presence_changed.
type PresenceChange struct {
	Chat      string
	UserTimes []UserTime
}
