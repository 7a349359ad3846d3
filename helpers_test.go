package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/primenest/chatsync/frame"
	"github.com/primenest/chatsync/wire"
)

var errBackendDown = errors.New("backend unavailable")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// --- Fake persistence API ---

type fakeChat struct {
	id       string
	users    []string
	seenBy   []string
	last     string
	messages []Message
}

// fakeServer mimics the listing site's chat API: creating a message sets
// seenBy to the sender, reading adds the reader, and a chat with a last
// message the user has not seen counts as unread.
type fakeServer struct {
	mu    sync.Mutex
	chats map[string]*fakeChat
	order []string
	reads map[string]int // user -> read receipts stored

	failCreate error
	failRead   error
	failDetail error
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		chats: make(map[string]*fakeChat),
		reads: make(map[string]int),
	}
}

func (s *fakeServer) addChat(id, a, b string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[id] = &fakeChat{id: id, users: []string{a, b}, seenBy: []string{}}
	s.order = append(s.order, id)
}

// post stores a message as if sent by from without going through a client.
func (s *fakeServer) post(chatID, from, text string) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeLocked(chatID, from, text)
}

func (s *fakeServer) storeLocked(chatID, from, text string) Message {
	c := s.chats[chatID]
	m := Message{
		ID:             uuid.NewString(),
		ConversationID: chatID,
		SenderID:       from,
		Text:           text,
		CreatedAt:      time.Now(),
	}
	c.messages = append(c.messages, m)
	c.last = text
	c.seenBy = []string{from}
	return m
}

func (s *fakeServer) set(fn func(s *fakeServer)) {
	s.mu.Lock()
	fn(s)
	s.mu.Unlock()
}

func (s *fakeServer) readCount(user string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[user]
}

func (s *fakeServer) seenBy(chatID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.chats[chatID].seenBy)
}

func (s *fakeServer) as(user string) *fakeBackend { return &fakeBackend{s: s, user: user} }

type fakeBackend struct {
	s    *fakeServer
	user string
}

func (b *fakeBackend) convLocked(c *fakeChat) Conversation {
	other := c.users[0]
	if other == b.user {
		other = c.users[1]
	}
	return Conversation{
		ID:           c.id,
		Participants: slices.Clone(c.users),
		Counterpart:  Profile{ID: other, Username: other},
		LastMessage:  c.last,
		SeenBy:       slices.Clone(c.seenBy),
	}
}

func (b *fakeBackend) FetchConversations(ctx context.Context) ([]Conversation, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	var out []Conversation
	for _, id := range b.s.order {
		c := b.s.chats[id]
		if slices.Contains(c.users, b.user) {
			out = append(out, b.convLocked(c))
		}
	}
	return out, nil
}

func (b *fakeBackend) FetchConversationDetail(ctx context.Context, id string) (*ConversationDetail, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if b.s.failDetail != nil {
		return nil, b.s.failDetail
	}
	c, ok := b.s.chats[id]
	if !ok || !slices.Contains(c.users, b.user) {
		return nil, errors.New("not found")
	}
	return &ConversationDetail{
		Conversation: b.convLocked(c),
		Messages:     slices.Clone(c.messages),
	}, nil
}

func (b *fakeBackend) CreateMessage(ctx context.Context, conversationID, text string) (Message, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if b.s.failCreate != nil {
		return Message{}, b.s.failCreate
	}
	if _, ok := b.s.chats[conversationID]; !ok {
		return Message{}, errors.New("not found")
	}
	return b.s.storeLocked(conversationID, b.user, text), nil
}

func (b *fakeBackend) MarkConversationRead(ctx context.Context, id string) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if b.s.failRead != nil {
		return b.s.failRead
	}
	c, ok := b.s.chats[id]
	if !ok {
		return errors.New("not found")
	}
	if !slices.Contains(c.seenBy, b.user) {
		c.seenBy = append(c.seenBy, b.user)
	}
	b.s.reads[b.user]++
	return nil
}

func (b *fakeBackend) FetchUnreadCount(ctx context.Context) (int, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	n := 0
	for _, c := range b.s.chats {
		if slices.Contains(c.users, b.user) && c.last != "" && !slices.Contains(c.seenBy, b.user) {
			n++
		}
	}
	return n, nil
}

// --- Fake channel ---

type sentEvent struct {
	event   string
	payload any
}

// fakeChannel records handler registrations and published events. It
// refuses a second handler for a bound name, like Channel.
type fakeChannel struct {
	mu       sync.Mutex
	handlers map[string]EventHandler
	ons      int
	offs     int
	sent     []sentEvent
	sendErr  error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string]EventHandler)}
}

func (f *fakeChannel) On(event string, h EventHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handlers[event]; ok {
		return ErrDuplicateHandler
	}
	f.handlers[event] = h
	f.ons++
	return nil
}

func (f *fakeChannel) Off(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handlers[event]; ok {
		f.offs++
	}
	delete(f.handlers, event)
}

func (f *fakeChannel) Send(ctx context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentEvent{event: event, payload: payload})
	return nil
}

func (f *fakeChannel) bound() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func (f *fakeChannel) handler(event string) EventHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[event]
}

func (f *fakeChannel) published() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sent)
}

// --- Component harness ---

// harness wires the sync components the way Client does, around a fake
// channel, so tests can drive inbound events directly.
type harness struct {
	t       *testing.T
	user    string
	srv     *fakeServer
	ch      *fakeChannel
	loop    *dispatcher
	dir     *Directory
	unread  *UnreadCounter
	session *ActiveSession
	router  *InboundRouter

	failMu   sync.Mutex
	failures []error
}

func newHarness(t *testing.T, srv *fakeServer, user string) *harness {
	t.Helper()
	log := quietLogger()
	h := &harness{t: t, user: user, srv: srv, ch: newFakeChannel(), loop: newDispatcher()}
	backend := srv.as(user)
	ctx, cancel := context.WithCancel(context.Background())

	h.dir = NewDirectory(user, log)
	h.unread = newUnreadCounter(backend, h.loop)
	h.session = newActiveSession(ctx, user, backend, h.ch, h.dir, h.unread, h.loop, log)
	h.router = newInboundRouter(h.ch, h.dir, h.unread, h.session, false, log)
	h.session.onChange = h.router.Rebind
	h.session.onFailure = func(err error) {
		h.failMu.Lock()
		h.failures = append(h.failures, err)
		h.failMu.Unlock()
	}

	go h.loop.run()
	t.Cleanup(func() {
		cancel()
		h.session.wait()
		h.loop.stop()
	})
	return h
}

// start loads the directory, fetches the count, and binds the router.
func (h *harness) start() *harness {
	h.t.Helper()
	ctx := context.Background()
	list, err := h.srv.as(h.user).FetchConversations(ctx)
	if err != nil {
		h.t.Fatalf("fetch conversations: %v", err)
	}
	h.on(func() { h.dir.Load(list) })
	if err := h.unread.Fetch(ctx); err != nil {
		h.t.Fatalf("fetch unread: %v", err)
	}
	h.on(h.router.Rebind)
	return h
}

func (h *harness) on(fn func()) {
	h.t.Helper()
	if err := h.loop.Do(context.Background(), fn); err != nil {
		h.t.Fatalf("dispatch: %v", err)
	}
}

func (h *harness) open(id string) {
	h.t.Helper()
	if err := h.session.Open(context.Background(), id); err != nil {
		h.t.Fatalf("open %s: %v", id, err)
	}
}

// deliver feeds m through whatever handler is bound, as the channel would.
func (h *harness) deliver(m Message) {
	h.t.Helper()
	raw, _ := json.Marshal(m)
	body, _ := json.Marshal(wire.MessageReceivedPayload{Payload: raw})
	h.on(func() {
		fn := h.ch.handler(frame.EventMessageReceived)
		if fn == nil {
			h.t.Errorf("no handler bound for %s", frame.EventMessageReceived)
			return
		}
		fn(Event{Name: frame.EventMessageReceived, Payload: body})
	})
}

func (h *harness) count() int {
	var n int
	h.on(func() { n = h.unread.Value() })
	return n
}

func (h *harness) log() []Message {
	var out []Message
	h.on(func() { out = h.session.Messages() })
	return out
}

func (h *harness) conversation(id string) Conversation {
	h.t.Helper()
	var c Conversation
	var ok bool
	h.on(func() { c, ok = h.dir.Get(id) })
	if !ok {
		h.t.Fatalf("conversation %s not in directory", id)
	}
	return c
}

// hookBackend runs callbacks around backend calls so tests can interleave
// inbound events with a call that is still in flight.
type hookBackend struct {
	Backend
	afterDetail  func()
	beforeCreate func()
}

func (b hookBackend) FetchConversationDetail(ctx context.Context, id string) (*ConversationDetail, error) {
	d, err := b.Backend.FetchConversationDetail(ctx, id)
	if b.afterDetail != nil {
		b.afterDetail()
	}
	return d, err
}

func (b hookBackend) CreateMessage(ctx context.Context, conversationID, text string) (Message, error) {
	if b.beforeCreate != nil {
		b.beforeCreate()
	}
	return b.Backend.CreateMessage(ctx, conversationID, text)
}
