package chatsync

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected     = errors.New("chatsync: channel not connected")
	ErrRetriesExhausted = errors.New("chatsync: reconnect attempts exhausted")
	ErrClosed           = errors.New("chatsync: closed")
	ErrNoSession        = errors.New("chatsync: no conversation open")
	ErrDuplicateHandler = errors.New("chatsync: handler already bound")
)

// TransportError reports a channel failure. The channel recovers from these
// on its own until its retry budget is spent.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "chatsync: " + e.Op + ": " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// PersistenceError reports a failed collaborator call. Local state is left
// as it was before the call.
type PersistenceError struct {
	Op             string
	ConversationID string
	Err            error
}

func (e *PersistenceError) Error() string {
	if e.ConversationID == "" {
		return fmt.Sprintf("chatsync: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("chatsync: %s %s: %v", e.Op, e.ConversationID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
