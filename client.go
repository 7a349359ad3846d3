// Package chatsync keeps a client's conversation list, open conversation,
// and unread badge in sync with a messaging relay. It connects to the relay
// over WebSocket, announces the signed-in user, and routes inbound messages
// to the open conversation or to the directory.
package chatsync

import (
	"context"
	"log/slog"
	"sync"
)

// Client is the messaging state of one signed-in user. Create it with Init
// on sign-in and release it with Teardown on sign-out.
type Client struct {
	cfg     Config
	log     *slog.Logger
	backend Backend

	channel *Channel
	loop    *dispatcher
	dir     *Directory
	unread  *UnreadCounter
	session *ActiveSession
	router  *InboundRouter

	cancel context.CancelFunc
	wg     sync.WaitGroup

	subMu   sync.Mutex
	subs    map[int]func(Snapshot)
	nextSub int

	failures chan error
	once     sync.Once
}

// Init starts a client for cfg.UserID: it loads the conversation
// directory, fetches the unread count, and binds the inbound router while
// the channel connects in the background. Init does not wait for the
// relay; watch Snapshot.Connected. A failed directory or count fetch is
// fatal.
func Init(ctx context.Context, cfg Config, backend Backend) (*Client, error) {
	return initClient(ctx, cfg, backend, nil)
}

func initClient(ctx context.Context, cfg Config, backend Backend, dial Dialer) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	bg, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		log:      cfg.Logger.With("user", cfg.UserID),
		backend:  backend,
		channel:  NewChannel(cfg, dial),
		loop:     newDispatcher(),
		cancel:   cancel,
		subs:     make(map[int]func(Snapshot)),
		failures: make(chan error, 16),
	}
	c.dir = NewDirectory(cfg.UserID, c.log)
	c.unread = newUnreadCounter(backend, c.loop)
	c.session = newActiveSession(bg, cfg.UserID, backend, c.channel, c.dir, c.unread, c.loop, c.log)
	c.router = newInboundRouter(loopSubscriber{c.channel, c.loop}, c.dir, c.unread, c.session, cfg.Strict, c.log)
	c.session.onChange = c.router.Rebind
	c.session.onFailure = c.report
	c.loop.after = c.publish

	go c.loop.run()
	c.channel.OnStateChange(func(bool) { c.loop.Post(func() {}) })

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.channel.Connect(bg); err != nil {
			c.log.Warn("relay unreachable, staying disconnected", "error", err)
		}
	}()

	if err := c.RefreshConversations(ctx); err != nil {
		c.Teardown()
		return nil, err
	}
	if err := c.unread.Fetch(ctx); err != nil {
		c.Teardown()
		return nil, err
	}
	if err := c.loop.Do(ctx, c.router.Rebind); err != nil {
		c.Teardown()
		return nil, err
	}
	return c, nil
}

// Teardown unbinds the router, closes the channel, and stops the client.
func (c *Client) Teardown() error {
	var err error
	c.once.Do(func() {
		c.loop.Do(context.Background(), func() {
			c.session.Close()
			c.router.Unbind()
		})
		err = c.channel.Close()
		c.cancel()
		c.wg.Wait()
		c.session.wait()
		c.loop.stop()
	})
	return err
}

// Reconnect asks the channel to connect again after it gave up. It is a
// no-op while a connection is up or being established.
func (c *Client) Reconnect(ctx context.Context) error {
	return c.channel.Connect(ctx)
}

// Connected reports whether the relay connection is up.
func (c *Client) Connected() bool { return c.channel.Connected() }

// RefreshConversations reloads the directory from the backend.
func (c *Client) RefreshConversations(ctx context.Context) error {
	list, err := c.backend.FetchConversations(ctx)
	if err != nil {
		return &PersistenceError{Op: "fetch conversations", Err: err}
	}
	return c.loop.Do(ctx, func() { c.dir.Load(list) })
}

// OpenConversation makes id the active conversation.
func (c *Client) OpenConversation(ctx context.Context, id string) error {
	return c.session.Open(ctx, id)
}

// CloseConversation closes the active conversation, if any.
func (c *Client) CloseConversation(ctx context.Context) error {
	return c.loop.Do(ctx, c.session.Close)
}

// SendMessage sends text in the active conversation. Blank text is
// ignored and returns a nil message.
func (c *Client) SendMessage(ctx context.Context, text string) (*Message, error) {
	return c.session.AppendOutbound(ctx, text)
}

// SetDraft stores compose text for the active conversation.
func (c *Client) SetDraft(ctx context.Context, text string) error {
	var err error
	if derr := c.loop.Do(ctx, func() { err = c.session.SetDraft(text) }); derr != nil {
		return derr
	}
	return err
}

// SendDraft sends the active conversation's compose text. A failed send
// keeps the draft.
func (c *Client) SendDraft(ctx context.Context) (*Message, error) {
	return c.session.SendDraft(ctx)
}

// Snapshot returns the current state.
func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := c.loop.Do(ctx, func() { s = c.snapshot() })
	return s, err
}

// Subscribe calls fn with a fresh Snapshot after every state change. fn
// runs on the dispatch loop and must not block or call back into c.
// The returned func cancels the subscription.
func (c *Client) Subscribe(fn func(Snapshot)) (cancel func()) {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

// Failures delivers background persistence errors, such as a read receipt
// that could not be stored. Errors that do not fit the buffer are logged
// and dropped from the channel.
func (c *Client) Failures() <-chan error { return c.failures }

func (c *Client) snapshot() Snapshot {
	return Snapshot{
		Conversations: c.dir.Snapshot(),
		Unread:        c.unread.Value(),
		Connected:     c.channel.Connected(),
		Active:        c.session.View(),
	}
}

func (c *Client) publish() {
	c.subMu.Lock()
	if len(c.subs) == 0 {
		c.subMu.Unlock()
		return
	}
	fns := make([]func(Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	s := c.snapshot()
	for _, fn := range fns {
		fn(s)
	}
}

func (c *Client) report(err error) {
	select {
	case c.failures <- err:
	default:
		c.log.Error("failure buffer full", "error", err)
	}
}

// loopSubscriber registers channel handlers that run on the dispatch loop.
type loopSubscriber struct {
	ch   *Channel
	loop *dispatcher
}

func (s loopSubscriber) On(event string, handler EventHandler) error {
	return s.ch.On(event, func(ev Event) {
		s.loop.Post(func() { handler(ev) })
	})
}

func (s loopSubscriber) Off(event string) { s.ch.Off(event) }
