package chatsync

import (
	"slices"

	"github.com/primenest/chatsync/wire"
)

// Message is a chat message. It is created by the persistence API and
// never mutated once appended to a conversation.
type Message = wire.Message

// Profile is the counterpart's display profile, denormalized onto each
// conversation for list rendering.
type Profile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// Conversation is a two-party thread as listed in the directory.
type Conversation struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
	Counterpart  Profile  `json:"counterpart"`
	LastMessage  string   `json:"lastMessage"`
	SeenBy       []string `json:"seenBy"`
}

// SeenByUser reports whether userID has acknowledged the newest message.
func (c Conversation) SeenByUser(userID string) bool {
	return slices.Contains(c.SeenBy, userID)
}

// Unread reports whether the conversation is unread for userID.
func (c Conversation) Unread(userID string) bool {
	return !c.SeenByUser(userID)
}

func (c Conversation) clone() Conversation {
	c.Participants = slices.Clone(c.Participants)
	c.SeenBy = slices.Clone(c.SeenBy)
	return c
}

// ConversationDetail is a conversation with its full message log.
type ConversationDetail struct {
	Conversation
	Messages []Message `json:"messages"`
}

// SessionView is an immutable copy of the open conversation.
type SessionView struct {
	Conversation Conversation
	Messages     []Message
	Draft        string
}

// Snapshot is the observable state of a Client after a dispatch step.
// Its slices never alias the client's internal state, but one Snapshot is
// shared by all subscribers and must be treated as read-only.
type Snapshot struct {
	Conversations []Conversation
	Unread        int
	Connected     bool
	Active        *SessionView
}
