// Package wire defines the JSON payload types carried on the chatsync event
// channel. Both the client and the relay import these.
package wire

import (
	"encoding/json"
	"time"
)

// Message is a single chat message as it travels over the channel.
// ID and CreatedAt are assigned by the persistence API, never by a client.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt"`
}

// AnnouncePayload is the first frame on every connection (client -> relay).
// The relay routes messageReceived events for UserID to this connection.
type AnnouncePayload struct {
	UserID string `json:"userId"`
}

// MessageSentPayload is published after a message is persisted
// (client -> relay).
type MessageSentPayload struct {
	ReceiverID string          `json:"receiverId"`
	Payload    json.RawMessage `json:"payload"`
}

// MessageReceivedPayload is what the relay delivers to the receiver
// (relay -> client). Payload always carries a conversationId.
type MessageReceivedPayload struct {
	Payload json.RawMessage `json:"payload"`
}

// NewMessageSent builds a messageSent payload for m.
func NewMessageSent(receiverID string, m Message) (MessageSentPayload, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return MessageSentPayload{}, err
	}
	return MessageSentPayload{ReceiverID: receiverID, Payload: raw}, nil
}

// DecodeMessage extracts the Message carried by a messageReceived payload.
func DecodeMessage(data []byte) (Message, error) {
	var p MessageReceivedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Message{}, err
	}
	var m Message
	if err := json.Unmarshal(p.Payload, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}
