package cycle

import (
	"context"
	"sync"
)

// Gate is the closable synchronisation primitive gating cycle progress. It
// starts open; Close blocks waiters until Open is called again.
type Gate struct {
	mu      sync.Mutex
	closed  bool
	reason  string
	reopen  chan struct{}
	closeCh chan struct{}
}

func NewGate() *Gate {
	return &Gate{
		reopen:  make(chan struct{}),
		closeCh: make(chan struct{}),
	}
}

// Close shuts the gate. Closing an already-closed gate keeps the original
// reason.
func (g *Gate) Close(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	g.reason = reason
	close(g.closeCh)
}

// Open reopens the gate and wakes every waiter.
func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		return
	}
	g.closed = false
	g.reason = ""
	close(g.reopen)
	g.reopen = make(chan struct{})
	g.closeCh = make(chan struct{})
}

// CloseSignal returns a channel closed the next time the gate closes. The
// inter-cycle sleep selects on it so a pause wakes the controller early.
func (g *Gate) CloseSignal() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closeCh
}

// Closed reports the gate state and the close reason.
func (g *Gate) Closed() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed, g.reason
}

// Wait blocks while the gate is closed, until it reopens or ctx ends.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		if !g.closed {
			g.mu.Unlock()
			return nil
		}
		ch := g.reopen
		g.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}
