package chatsync

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/primenest/chatsync/frame"
	"github.com/primenest/chatsync/wire"
)

// subscriber is the handler-registration half of the channel.
type subscriber interface {
	On(event string, handler EventHandler) error
	Off(event string)
}

// binding is the router's single handler slot: either unbound, or bound to
// one event name.
type binding struct {
	event string
}

func (b binding) bound() bool { return b.event != "" }

// InboundRouter is the only component that registers handlers on the
// channel. It routes each inbound message to the active session or, for
// any other conversation, to the directory and unread counter.
// All methods must be called from the dispatch loop.
type InboundRouter struct {
	sub     subscriber
	dir     *Directory
	unread  *UnreadCounter
	session *ActiveSession
	strict  bool
	log     *slog.Logger

	slot binding
}

func newInboundRouter(sub subscriber, dir *Directory, unread *UnreadCounter,
	session *ActiveSession, strict bool, log *slog.Logger) *InboundRouter {
	return &InboundRouter{
		sub:     sub,
		dir:     dir,
		unread:  unread,
		session: session,
		strict:  strict,
		log:     log.With("component", "router"),
	}
}

// Rebind releases the current handler, if any, and registers a fresh one
// for messageReceived. It runs on session open and close.
func (r *InboundRouter) Rebind() {
	r.Unbind()
	if err := r.sub.On(frame.EventMessageReceived, r.handle); err != nil {
		r.violation(err)
		return
	}
	r.slot = binding{event: frame.EventMessageReceived}
}

// Unbind releases the current handler.
func (r *InboundRouter) Unbind() {
	if !r.slot.bound() {
		return
	}
	r.sub.Off(r.slot.event)
	r.slot = binding{}
}

// Bound reports the event the router currently handles, or "".
func (r *InboundRouter) Bound() string { return r.slot.event }

// Dispatch routes one inbound message.
func (r *InboundRouter) Dispatch(msg Message) {
	r.session.holdForOpen(msg)
	active := r.session.ID()
	if active != "" && msg.ConversationID == active {
		r.session.AppendInbound(msg)
		return
	}
	if r.dir.ApplyInbound(msg, active) {
		r.unread.Increment()
	}
}

func (r *InboundRouter) handle(ev Event) {
	msg, err := wire.DecodeMessage(ev.Payload)
	if err != nil {
		r.log.Debug("undecodable message dropped", "error", err)
		return
	}
	if msg.ConversationID == "" {
		r.log.Debug("message without conversation dropped", "message", msg.ID)
		return
	}
	r.Dispatch(msg)
}

// violation handles a handler that something else left bound. Strict
// mode fails loudly; otherwise the existing handler keeps serving and
// the duplicate is ignored.
func (r *InboundRouter) violation(err error) {
	if r.strict {
		panic(fmt.Sprintf("chatsync: invariant violated: %v", err))
	}
	if errors.Is(err, ErrDuplicateHandler) {
		r.log.Error("duplicate handler ignored", "error", err)
		return
	}
	r.log.Error("bind failed", "error", err)
}
