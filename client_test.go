package chatsync

import (
	"context"
	"errors"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"
)

func testClient(t *testing.T, endpoint string, backend Backend, user string) *Client {
	t.Helper()
	c, err := Init(context.Background(), Config{
		Endpoint:          endpoint,
		UserID:            user,
		ReconnectAttempts: 1,
		ReconnectDelay:    time.Millisecond,
		Logger:            quietLogger(),
	}, backend)
	if err != nil {
		t.Fatalf("init %s: %v", user, err)
	}
	t.Cleanup(func() { c.Teardown() })
	return c
}

// waitOnline waits until the relay has each user's announce and each
// client sees its channel up.
func waitOnline(t *testing.T, fr *flakyRelay, clients map[string]*Client) {
	t.Helper()
	eventually(t, "clients online", func() bool {
		for user, c := range clients {
			if !fr.relay.Online(user) || !c.Connected() {
				return false
			}
		}
		return true
	})
}

func snap(t *testing.T, c *Client) Snapshot {
	t.Helper()
	s, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return s
}

func TestClientRoundTrip(t *testing.T) {
	fr, url := startRelay(t, 0)
	srv := newFakeServer()
	srv.addChat("C", "A", "B")

	a := testClient(t, url, srv.as("A"), "A")
	b := testClient(t, url, srv.as("B"), "B")
	waitOnline(t, fr, map[string]*Client{"A": a, "B": b})

	if got := snap(t, b).Unread; got != 0 {
		t.Fatalf("B initial unread: %d", got)
	}

	ctx := context.Background()
	if err := a.OpenConversation(ctx, "C"); err != nil {
		t.Fatal(err)
	}
	msg, err := a.SendMessage(ctx, "Hello")
	if err != nil || msg == nil {
		t.Fatalf("send: %v %v", msg, err)
	}

	sa := snap(t, a)
	if sa.Active == nil || len(sa.Active.Messages) != 1 || sa.Active.Messages[0].Text != "Hello" {
		t.Fatalf("A session: %+v", sa.Active)
	}
	if !slices.Equal(sa.Active.Conversation.SeenBy, []string{"A"}) {
		t.Errorf("A seenBy: %v", sa.Active.Conversation.SeenBy)
	}

	eventually(t, "B unread badge", func() bool { return snap(t, b).Unread == 1 })
	sb := snap(t, b)
	if sb.Conversations[0].LastMessage != "Hello" {
		t.Errorf("B directory: %+v", sb.Conversations[0])
	}

	if err := b.OpenConversation(ctx, "C"); err != nil {
		t.Fatal(err)
	}
	sb = snap(t, b)
	if sb.Active == nil || len(sb.Active.Messages) != 1 || sb.Active.Messages[0].ID != msg.ID {
		t.Fatalf("B session: %+v", sb.Active)
	}
	seen := sb.Active.Conversation.SeenBy
	if !slices.Contains(seen, "A") || !slices.Contains(seen, "B") || len(seen) != 2 {
		t.Errorf("B seenBy: %v", seen)
	}
	if sb.Unread != 0 {
		t.Errorf("B unread after open: %d", sb.Unread)
	}
	stored := srv.seenBy("C")
	if !slices.Contains(stored, "A") || !slices.Contains(stored, "B") {
		t.Errorf("stored seenBy: %v", stored)
	}
}

func TestClientInboundToOpenConversation(t *testing.T) {
	fr, url := startRelay(t, 0)
	srv := newFakeServer()
	srv.addChat("C", "A", "B")

	a := testClient(t, url, srv.as("A"), "A")
	b := testClient(t, url, srv.as("B"), "B")
	waitOnline(t, fr, map[string]*Client{"A": a, "B": b})

	ctx := context.Background()
	for _, c := range []*Client{a, b} {
		if err := c.OpenConversation(ctx, "C"); err != nil {
			t.Fatal(err)
		}
	}
	for _, text := range []string{"is it still available?", "and the parking?"} {
		if _, err := a.SendMessage(ctx, text); err != nil {
			t.Fatal(err)
		}
	}

	eventually(t, "B log", func() bool {
		s := snap(t, b)
		return s.Active != nil && len(s.Active.Messages) == 2
	})
	sb := snap(t, b)
	if sb.Active.Messages[0].Text != "is it still available?" || sb.Active.Messages[1].Text != "and the parking?" {
		t.Errorf("order: %v", sb.Active.Messages)
	}
	if sb.Unread != 0 {
		t.Errorf("open conversation must not bump the badge, got %d", sb.Unread)
	}
	eventually(t, "B read receipts", func() bool { return srv.readCount("B") == 3 })
}

func TestClientStartsDisconnected(t *testing.T) {
	dead := httptest.NewServer(nil)
	url := "ws" + strings.TrimPrefix(dead.URL, "http")
	dead.Close()

	srv := newFakeServer()
	srv.addChat("C", "A", "B")
	srv.post("C", "B", "hi")

	a := testClient(t, url, srv.as("A"), "A")
	s := snap(t, a)
	if s.Connected {
		t.Error("expected disconnected")
	}
	if len(s.Conversations) != 1 || s.Unread != 1 {
		t.Errorf("state not loaded: %d conversations, unread %d", len(s.Conversations), s.Unread)
	}
	eventually(t, "background connect to give up", a.channel.Exhausted)
	if err := a.Reconnect(context.Background()); !errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("reconnect: got %v", err)
	}
}

func TestClientInitDoesNotWaitForRelay(t *testing.T) {
	dead := httptest.NewServer(nil)
	url := "ws" + strings.TrimPrefix(dead.URL, "http")
	dead.Close()

	srv := newFakeServer()
	srv.addChat("C", "A", "B")
	a, err := Init(context.Background(), Config{
		Endpoint:          url,
		UserID:            "A",
		ReconnectAttempts: 3,
		ReconnectDelay:    100 * time.Millisecond,
		Logger:            quietLogger(),
	}, srv.as("A"))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Teardown()

	if a.channel.Exhausted() {
		t.Error("Init returned only after the relay gave up")
	}
	if err := a.OpenConversation(context.Background(), "C"); err != nil {
		t.Errorf("open while connecting: %v", err)
	}
}

func TestClientInitFailsWithoutConversations(t *testing.T) {
	_, url := startRelay(t, 0)
	_, err := Init(context.Background(), Config{Endpoint: url, UserID: "A", Logger: quietLogger()}, failingList{})
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
}

func TestClientSubscribe(t *testing.T) {
	_, url := startRelay(t, 0)
	srv := newFakeServer()
	srv.addChat("C", "A", "B")
	a := testClient(t, url, srv.as("A"), "A")

	got := make(chan Snapshot, 8)
	cancel := a.Subscribe(func(s Snapshot) {
		select {
		case got <- s:
		default:
		}
	})

	if err := a.OpenConversation(context.Background(), "C"); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(5 * time.Second)
	for found := false; !found; {
		select {
		case s := <-got:
			found = s.Active != nil && s.Active.Conversation.ID == "C"
		case <-deadline:
			t.Fatal("no snapshot with the open conversation")
		}
	}

	cancel()
	snap(t, a) // flush a publish already in flight
	for len(got) > 0 {
		<-got
	}
	if err := a.CloseConversation(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case s := <-got:
		t.Errorf("snapshot after cancel: %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClientDraft(t *testing.T) {
	_, url := startRelay(t, 0)
	srv := newFakeServer()
	srv.addChat("C", "A", "B")
	a := testClient(t, url, srv.as("A"), "A")
	ctx := context.Background()

	if err := a.SetDraft(ctx, "hi"); !errors.Is(err, ErrNoSession) {
		t.Errorf("draft without session: got %v", err)
	}
	if err := a.OpenConversation(ctx, "C"); err != nil {
		t.Fatal(err)
	}
	if err := a.SetDraft(ctx, "Is the deposit negotiable?"); err != nil {
		t.Fatal(err)
	}

	srv.set(func(s *fakeServer) { s.failCreate = errBackendDown })
	if _, err := a.SendDraft(ctx); !errors.Is(err, errBackendDown) {
		t.Fatalf("send: got %v", err)
	}
	if d := snap(t, a).Active.Draft; d != "Is the deposit negotiable?" {
		t.Errorf("draft after failure: %q", d)
	}

	srv.set(func(s *fakeServer) { s.failCreate = nil })
	if _, err := a.SendDraft(ctx); err != nil {
		t.Fatal(err)
	}
	s := snap(t, a)
	if s.Active.Draft != "" || len(s.Active.Messages) != 1 {
		t.Errorf("after send: draft %q, %d messages", s.Active.Draft, len(s.Active.Messages))
	}
}

func TestClientReportsBackgroundFailures(t *testing.T) {
	fr, url := startRelay(t, 0)
	srv := newFakeServer()
	srv.addChat("C", "A", "B")
	a := testClient(t, url, srv.as("A"), "A")
	b := testClient(t, url, srv.as("B"), "B")
	waitOnline(t, fr, map[string]*Client{"A": a, "B": b})

	ctx := context.Background()
	for _, c := range []*Client{a, b} {
		if err := c.OpenConversation(ctx, "C"); err != nil {
			t.Fatal(err)
		}
	}
	srv.set(func(s *fakeServer) { s.failRead = errBackendDown })
	if _, err := a.SendMessage(ctx, "hello"); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-b.Failures():
		var perr *PersistenceError
		if !errors.As(err, &perr) || perr.ConversationID != "C" {
			t.Errorf("failure: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no failure reported")
	}
}

func TestClientTeardown(t *testing.T) {
	fr, url := startRelay(t, 0)
	srv := newFakeServer()
	srv.addChat("C", "A", "B")
	a := testClient(t, url, srv.as("A"), "A")
	waitOnline(t, fr, map[string]*Client{"A": a})

	if err := a.OpenConversation(context.Background(), "C"); err != nil {
		t.Fatal(err)
	}
	if err := a.Teardown(); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if err := a.Teardown(); err != nil {
		t.Errorf("second teardown: %v", err)
	}
	if _, err := a.Snapshot(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("snapshot after teardown: got %v", err)
	}
	if a.Connected() {
		t.Error("still connected")
	}
	eventually(t, "relay sees disconnect", func() bool { return !fr.relay.Online("A") })
}

type failingList struct{ Backend }

func (failingList) FetchConversations(context.Context) ([]Conversation, error) {
	return nil, errBackendDown
}
