package chatsync

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/primenest/chatsync/frame"
	"github.com/primenest/chatsync/wire"
)

// publisher is the outbound half of the channel.
type publisher interface {
	Send(ctx context.Context, event string, payload any) error
}

type openConversation struct {
	conv     Conversation
	messages []Message
	ids      map[string]struct{}
	draft    string
}

// append adds m unless a message with the same id is already in the log.
func (o *openConversation) append(m Message) bool {
	if _, ok := o.ids[m.ID]; ok {
		return false
	}
	o.messages = append(o.messages, m)
	o.ids[m.ID] = struct{}{}
	return true
}

// ActiveSession is the conversation currently open, if any. Opening a
// different conversation replaces the previous one entirely.
//
// Open, AppendOutbound and SendDraft perform network calls and must not be
// called from the dispatch loop. The remaining methods must be.
type ActiveSession struct {
	userID  string
	backend Backend
	pub     publisher
	dir     *Directory
	unread  *UnreadCounter
	loop    *dispatcher
	log     *slog.Logger

	// ctx bounds background read receipts.
	ctx context.Context
	wg  sync.WaitGroup

	onChange  func()
	onFailure func(error)

	cur *openConversation

	// pending is the conversation an Open is fetching. Inbound messages
	// for it that arrive meanwhile are held in early until install.
	pending string
	early   []Message
}

func newActiveSession(ctx context.Context, userID string, backend Backend, pub publisher,
	dir *Directory, unread *UnreadCounter, loop *dispatcher, log *slog.Logger) *ActiveSession {
	return &ActiveSession{
		userID:  userID,
		backend: backend,
		pub:     pub,
		dir:     dir,
		unread:  unread,
		loop:    loop,
		log:     log.With("component", "session"),
		ctx:     ctx,
	}
}

// Open fetches the conversation's log, stores a read receipt, and makes it
// the active session. Inbound messages for the conversation that arrive
// while Open waits on the backend are merged into the log. On error the
// session is unchanged.
func (s *ActiveSession) Open(ctx context.Context, id string) error {
	if err := s.loop.Do(ctx, func() { s.pending, s.early = id, nil }); err != nil {
		return err
	}
	detail, err := s.backend.FetchConversationDetail(ctx, id)
	if err != nil {
		s.abandon(id)
		return &PersistenceError{Op: "open", ConversationID: id, Err: err}
	}
	if err := s.backend.MarkConversationRead(ctx, id); err != nil {
		s.abandon(id)
		return &PersistenceError{Op: "mark read", ConversationID: id, Err: err}
	}
	if err := s.loop.Do(ctx, func() { s.install(detail) }); err != nil {
		s.abandon(id)
		return err
	}
	return nil
}

// abandon forgets a pending open that failed. Held messages were already
// applied to the directory when they arrived.
func (s *ActiveSession) abandon(id string) {
	s.loop.Do(context.Background(), func() {
		if s.pending == id {
			s.pending, s.early = "", nil
		}
	})
}

// holdForOpen keeps a copy of msg if an Open for its conversation is in
// flight.
func (s *ActiveSession) holdForOpen(msg Message) {
	if s.pending != "" && s.pending == msg.ConversationID {
		s.early = append(s.early, msg)
	}
}

func (s *ActiveSession) install(detail *ConversationDetail) {
	conv := detail.Conversation.clone()
	if known, ok := s.dir.Get(conv.ID); ok && conv.Counterpart.ID == "" {
		conv.Counterpart = known.Counterpart
	}
	wasUnread := conv.LastMessage != "" && conv.Unread(s.userID)
	var early []Message
	if s.pending == conv.ID {
		early = s.early
	}
	s.pending, s.early = "", nil

	next := &openConversation{
		messages: make([]Message, 0, len(detail.Messages)+len(early)),
		ids:      make(map[string]struct{}, len(detail.Messages)+len(early)),
	}
	for _, m := range detail.Messages {
		next.append(m)
	}

	// Messages that arrived during the fetch are newer than the detail.
	s.dir.Refresh(detail.Conversation)
	var merged int
	for _, m := range early {
		if !next.append(m) {
			continue
		}
		merged++
		conv.LastMessage = m.Text
		conv.SeenBy = seenSet(m.SenderID, s.userID)
		s.dir.ApplyInbound(m, conv.ID)
	}

	counted, found := s.dir.MarkSeenLocally(conv.ID)
	if counted || (!found && wasUnread) {
		s.unread.Decrement()
	}
	if !conv.SeenByUser(s.userID) {
		conv.SeenBy = append(conv.SeenBy, s.userID)
	}

	next.conv = conv
	if s.cur != nil && s.cur.conv.ID == conv.ID {
		next.draft = s.cur.draft
	}
	s.cur = next
	s.log.Debug("conversation opened", "conversation", conv.ID, "messages", len(next.messages), "merged", merged)
	if merged > 0 {
		s.markReadAsync(conv.ID)
	}
	s.changed()
}

// Close discards the open conversation's log.
func (s *ActiveSession) Close() {
	if s.cur == nil {
		return
	}
	s.log.Debug("conversation closed", "conversation", s.cur.conv.ID)
	s.cur = nil
	s.changed()
}

// ID returns the open conversation's id, or "" if none is open.
func (s *ActiveSession) ID() string {
	if s.cur == nil {
		return ""
	}
	return s.cur.conv.ID
}

// Messages returns a copy of the open conversation's log.
func (s *ActiveSession) Messages() []Message {
	if s.cur == nil {
		return nil
	}
	return slices.Clone(s.cur.messages)
}

// View returns an immutable copy of the session, or nil.
func (s *ActiveSession) View() *SessionView {
	if s.cur == nil {
		return nil
	}
	return &SessionView{
		Conversation: s.cur.conv.clone(),
		Messages:     slices.Clone(s.cur.messages),
		Draft:        s.cur.draft,
	}
}

// SetDraft stores the compose text for the open conversation.
func (s *ActiveSession) SetDraft(text string) error {
	if s.cur == nil {
		return ErrNoSession
	}
	s.cur.draft = text
	return nil
}

// Draft returns the compose text for the open conversation.
func (s *ActiveSession) Draft() string {
	if s.cur == nil {
		return ""
	}
	return s.cur.draft
}

// SendDraft sends the current compose text. The draft is cleared only once
// the message has been persisted.
func (s *ActiveSession) SendDraft(ctx context.Context) (*Message, error) {
	var draft string
	if err := s.loop.Do(ctx, func() { draft = s.Draft() }); err != nil {
		return nil, err
	}
	return s.AppendOutbound(ctx, draft)
}

// AppendOutbound persists text as a new message in the open conversation,
// appends the stored message to the log, and publishes it to the
// counterpart. Blank text is ignored and returns a nil message.
func (s *ActiveSession) AppendOutbound(ctx context.Context, text string) (*Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	var convID, receiverID string
	if err := s.loop.Do(ctx, func() {
		if s.cur != nil {
			convID = s.cur.conv.ID
			receiverID = s.counterpartID()
		}
	}); err != nil {
		return nil, err
	}
	if convID == "" {
		return nil, ErrNoSession
	}

	msg, err := s.backend.CreateMessage(ctx, convID, text)
	if err != nil {
		return nil, &PersistenceError{Op: "send", ConversationID: convID, Err: err}
	}

	// The message exists server-side now; record it even if ctx is done.
	if err := s.loop.Do(context.WithoutCancel(ctx), func() { s.recordSent(msg, text) }); err != nil {
		return &msg, err
	}

	payload, err := wire.NewMessageSent(receiverID, msg)
	if err == nil {
		err = s.pub.Send(ctx, frame.EventMessageSent, payload)
	}
	if err != nil {
		s.log.Warn("message stored but not published", "conversation", convID, "message", msg.ID, "error", err)
	}
	return &msg, nil
}

func (s *ActiveSession) recordSent(msg Message, text string) {
	s.dir.RecordOutbound(msg)
	if s.cur == nil || s.cur.conv.ID != msg.ConversationID {
		return
	}
	s.cur.append(msg)
	s.cur.conv.LastMessage = msg.Text
	s.cur.conv.SeenBy = seenSet(s.userID)
	if s.cur.draft == text {
		s.cur.draft = ""
	}
}

// AppendInbound appends a message from the counterpart in arrival order
// and stores a read receipt in the background.
func (s *ActiveSession) AppendInbound(msg Message) {
	if s.cur == nil || s.cur.conv.ID != msg.ConversationID {
		return
	}
	if !s.cur.append(msg) {
		s.log.Debug("duplicate message ignored", "conversation", msg.ConversationID, "message", msg.ID)
		return
	}
	s.cur.conv.LastMessage = msg.Text
	s.cur.conv.SeenBy = seenSet(msg.SenderID, s.userID)
	s.dir.ApplyInbound(msg, s.cur.conv.ID)
	s.markReadAsync(msg.ConversationID)
}

func (s *ActiveSession) markReadAsync(id string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.backend.MarkConversationRead(s.ctx, id); err != nil {
			s.fail(&PersistenceError{Op: "mark read", ConversationID: id, Err: err})
		}
	}()
}

func (s *ActiveSession) counterpartID() string {
	if id := s.cur.conv.Counterpart.ID; id != "" {
		return id
	}
	for _, p := range s.cur.conv.Participants {
		if p != s.userID {
			return p
		}
	}
	return ""
}

func (s *ActiveSession) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}

func (s *ActiveSession) fail(err error) {
	s.log.Warn("background call failed", "error", err)
	if s.onFailure != nil {
		s.onFailure(err)
	}
}

// wait blocks until background read receipts have finished.
func (s *ActiveSession) wait() { s.wg.Wait() }
