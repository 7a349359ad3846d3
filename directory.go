package chatsync

import (
	"log/slog"
	"slices"
)

type directoryEntry struct {
	conv Conversation
	// counted is set while this conversation contributes to the unread
	// counter because of a local increment or an unread state at load time.
	counted bool
}

// Directory caches the conversations visible to the local user.
// All methods must be called from the dispatch loop.
type Directory struct {
	userID  string
	log     *slog.Logger
	entries []*directoryEntry
	index   map[string]*directoryEntry
}

// NewDirectory creates an empty directory for userID.
func NewDirectory(userID string, log *slog.Logger) *Directory {
	if log == nil {
		log = slog.Default()
	}
	return &Directory{
		userID: userID,
		log:    log.With("component", "directory"),
		index:  make(map[string]*directoryEntry),
	}
}

// Load replaces the cache with list. The order of list is kept as-is.
func (d *Directory) Load(list []Conversation) {
	d.entries = make([]*directoryEntry, 0, len(list))
	d.index = make(map[string]*directoryEntry, len(list))
	for _, c := range list {
		if _, dup := d.index[c.ID]; dup {
			continue
		}
		e := &directoryEntry{
			conv:    c.clone(),
			counted: c.LastMessage != "" && c.Unread(d.userID),
		}
		d.entries = append(d.entries, e)
		d.index[c.ID] = e
	}
}

// ApplyInbound records msg as the conversation's newest message. When the
// conversation is not activeID it becomes unread for the local user, and
// the return value is true if the unread counter should be incremented.
// Messages for unknown conversations are dropped.
func (d *Directory) ApplyInbound(msg Message, activeID string) bool {
	e, ok := d.index[msg.ConversationID]
	if !ok {
		d.log.Debug("inbound message for unknown conversation dropped",
			"conversation", msg.ConversationID, "message", msg.ID)
		return false
	}
	e.conv.LastMessage = msg.Text
	if msg.ConversationID == activeID {
		e.conv.SeenBy = seenSet(msg.SenderID, d.userID)
		return false
	}
	e.conv.SeenBy = seenSet(msg.SenderID)
	if msg.SenderID == d.userID || e.counted {
		return false
	}
	e.counted = true
	return true
}

// MarkSeenLocally adds the local user to the conversation's seenBy. It
// reports whether the conversation was being counted as unread and
// whether it exists at all.
func (d *Directory) MarkSeenLocally(id string) (wasCounted, found bool) {
	e, ok := d.index[id]
	if !ok {
		return false, false
	}
	if !e.conv.SeenByUser(d.userID) {
		e.conv.SeenBy = append(e.conv.SeenBy, d.userID)
	}
	wasCounted = e.counted
	e.counted = false
	return wasCounted, true
}

// RecordOutbound updates the preview after the local user sent msg.
func (d *Directory) RecordOutbound(msg Message) {
	e, ok := d.index[msg.ConversationID]
	if !ok {
		return
	}
	e.conv.LastMessage = msg.Text
	e.conv.SeenBy = seenSet(d.userID)
}

// Refresh merges server state for an existing conversation. Unknown
// conversations are not inserted.
func (d *Directory) Refresh(conv Conversation) {
	e, ok := d.index[conv.ID]
	if !ok {
		return
	}
	counterpart := e.conv.Counterpart
	e.conv = conv.clone()
	if e.conv.Counterpart.ID == "" {
		e.conv.Counterpart = counterpart
	}
}

// Get returns a copy of the conversation with id.
func (d *Directory) Get(id string) (Conversation, bool) {
	e, ok := d.index[id]
	if !ok {
		return Conversation{}, false
	}
	return e.conv.clone(), true
}

// Len returns the number of cached conversations.
func (d *Directory) Len() int { return len(d.entries) }

// Snapshot returns copies of all conversations in directory order.
func (d *Directory) Snapshot() []Conversation {
	out := make([]Conversation, len(d.entries))
	for i, e := range d.entries {
		out[i] = e.conv.clone()
	}
	return out
}

func seenSet(ids ...string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
