package chatsync

import "context"

// UnreadCounter is the number of conversations unread for the local user.
// Increment, Decrement and Value must be called from the dispatch loop.
type UnreadCounter struct {
	backend Backend
	loop    *dispatcher
	n       int
}

func newUnreadCounter(backend Backend, loop *dispatcher) *UnreadCounter {
	return &UnreadCounter{backend: backend, loop: loop}
}

// Fetch reinitializes the count from the backend. It must not be called
// from the dispatch loop.
func (u *UnreadCounter) Fetch(ctx context.Context) error {
	n, err := u.backend.FetchUnreadCount(ctx)
	if err != nil {
		return &PersistenceError{Op: "fetch unread count", Err: err}
	}
	return u.loop.Do(ctx, func() { u.n = max(n, 0) })
}

// Increment adds one.
func (u *UnreadCounter) Increment() { u.n++ }

// Decrement subtracts one, never going below zero.
func (u *UnreadCounter) Decrement() {
	if u.n > 0 {
		u.n--
	}
}

// Value returns the current count.
func (u *UnreadCounter) Value() int { return u.n }
