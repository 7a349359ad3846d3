package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Backend is the persistence API the sync core consumes. It is the single
// source of truth for message ids, timestamps, and read receipts.
type Backend interface {
	FetchConversations(ctx context.Context) ([]Conversation, error)
	FetchConversationDetail(ctx context.Context, id string) (*ConversationDetail, error)
	CreateMessage(ctx context.Context, conversationID, text string) (Message, error)
	MarkConversationRead(ctx context.Context, id string) error
	FetchUnreadCount(ctx context.Context) (int, error)
}

// APIClient talks to the listing site's REST API.
// It works independently of the event channel.
type APIClient struct {
	apiBase    string
	userID     string
	token      string
	httpClient *http.Client
}

// NewAPIClient creates an API client for the user in cfg. If httpClient is
// nil, a client with a 30s timeout is used; pass one with a cookie jar when
// the API authenticates by session cookie.
func NewAPIClient(cfg Config, httpClient *http.Client) (*APIClient, error) {
	if cfg.APIEndpoint == "" {
		return nil, fmt.Errorf("api_server not configured")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &APIClient{
		apiBase:    strings.TrimRight(cfg.APIEndpoint, "/"),
		userID:     cfg.UserID,
		token:      cfg.Token,
		httpClient: httpClient,
	}, nil
}

// --------------------------------------------------------------------------
// Wire formats
// --------------------------------------------------------------------------

// apiMessage is the REST representation of a message.
type apiMessage struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	UserID    string    `json:"userId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

func (m apiMessage) normalize() Message {
	return Message{
		ID:             m.ID,
		ConversationID: m.ChatID,
		SenderID:       m.UserID,
		Text:           m.Text,
		CreatedAt:      m.CreatedAt,
	}
}

// apiChat is the REST representation of a conversation. List responses
// carry the counterpart as receiver; detail responses carry messages.
type apiChat struct {
	ID          string       `json:"id"`
	UserIDs     []string     `json:"userIDs"`
	SeenBy      []string     `json:"seenBy"`
	LastMessage *string      `json:"lastMessage"`
	Receiver    *Profile     `json:"receiver"`
	Messages    []apiMessage `json:"messages"`
}

func (c apiChat) normalize() Conversation {
	conv := Conversation{
		ID:           c.ID,
		Participants: c.UserIDs,
		SeenBy:       c.SeenBy,
	}
	if c.LastMessage != nil {
		conv.LastMessage = *c.LastMessage
	}
	if c.Receiver != nil {
		conv.Counterpart = *c.Receiver
	}
	if conv.SeenBy == nil {
		conv.SeenBy = []string{}
	}
	return conv
}

// --------------------------------------------------------------------------
// Conversations
// --------------------------------------------------------------------------

// FetchConversations lists the user's conversations, most recently active first.
func (c *APIClient) FetchConversations(ctx context.Context) ([]Conversation, error) {
	var resp []apiChat
	if err := c.doJSON(ctx, http.MethodGet, "/chats", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]Conversation, len(resp))
	for i, raw := range resp {
		out[i] = raw.normalize()
	}
	return out, nil
}

// FetchConversationDetail fetches one conversation with its message log.
func (c *APIClient) FetchConversationDetail(ctx context.Context, id string) (*ConversationDetail, error) {
	var resp apiChat
	if err := c.doJSON(ctx, http.MethodGet, "/chats/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	detail := &ConversationDetail{
		Conversation: resp.normalize(),
		Messages:     make([]Message, len(resp.Messages)),
	}
	for i, m := range resp.Messages {
		detail.Messages[i] = m.normalize()
	}
	return detail, nil
}

// StartConversation opens a conversation with receiverID, as the listing
// page's contact button does.
func (c *APIClient) StartConversation(ctx context.Context, receiverID string) (*Conversation, error) {
	var resp apiChat
	if err := c.doJSON(ctx, http.MethodPost, "/chats", map[string]string{
		"receiverId": receiverID,
	}, &resp); err != nil {
		return nil, err
	}
	conv := resp.normalize()
	return &conv, nil
}

// MarkConversationRead stores a read receipt for the user.
func (c *APIClient) MarkConversationRead(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPut, "/chats/read/"+url.PathEscape(id), nil, nil)
}

// --------------------------------------------------------------------------
// Messages
// --------------------------------------------------------------------------

// CreateMessage persists a message and returns it with its canonical id
// and timestamp.
func (c *APIClient) CreateMessage(ctx context.Context, conversationID, text string) (Message, error) {
	var resp apiMessage
	if err := c.doJSON(ctx, http.MethodPost, "/messages/"+url.PathEscape(conversationID), map[string]string{
		"text": text,
	}, &resp); err != nil {
		return Message{}, err
	}
	m := resp.normalize()
	if m.ConversationID == "" {
		m.ConversationID = conversationID
	}
	if m.SenderID == "" {
		m.SenderID = c.userID
	}
	return m, nil
}

// FetchUnreadCount returns how many conversations are unread for the user.
func (c *APIClient) FetchUnreadCount(ctx context.Context) (int, error) {
	var n int
	if err := c.doJSON(ctx, http.MethodGet, "/users/notification", nil, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// --------------------------------------------------------------------------
// HTTP helpers
// --------------------------------------------------------------------------

// doJSON sends a request and decodes the JSON response into dest.
func (c *APIClient) doJSON(ctx context.Context, method, path string, reqBody any, dest any) error {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, body)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("api %s %s: %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	if dest != nil {
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
