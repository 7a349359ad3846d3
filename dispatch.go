package chatsync

import (
	"context"
	"sync"
)

// dispatcher runs every state transition of a Client on one goroutine, in
// the order the tasks were submitted. Tasks must not block on network I/O
// and must not call Do themselves.
type dispatcher struct {
	tasks chan func()
	quit  chan struct{}
	once  sync.Once

	// after runs on the loop following each task.
	after func()
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		tasks: make(chan func(), 256),
		quit:  make(chan struct{}),
	}
}

func (d *dispatcher) run() {
	for {
		select {
		case fn := <-d.tasks:
			fn()
			if d.after != nil {
				d.after()
			}
		case <-d.quit:
			return
		}
	}
}

// Do runs fn on the loop and waits for it to finish.
func (d *dispatcher) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}
	select {
	case d.tasks <- task:
	case <-d.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-d.quit:
		return ErrClosed
	}
}

// Post queues fn without waiting. Tasks posted after stop are dropped.
func (d *dispatcher) Post(fn func()) {
	select {
	case d.tasks <- fn:
	case <-d.quit:
	}
}

func (d *dispatcher) stop() {
	d.once.Do(func() { close(d.quit) })
}
