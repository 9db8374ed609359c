package session

import (
	"context"
	"sync"
)

// ReadyGate is a one-shot, re-armable awaitable: Open unblocks any current
// and future Wait callers until Reset is called, at which point a fresh
// Wait blocks again until the next Open. Mirrors the "ready gate as a
// completable future" shape: each tool round-trip resets it, and the next
// READY frame from the agent server opens it again.
type ReadyGate struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewReadyGate constructs a closed (not-yet-ready) gate.
func NewReadyGate() *ReadyGate {
	return &ReadyGate{ch: make(chan struct{})}
}

// Open releases all current and future waiters until the next Reset.
func (g *ReadyGate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
	default:
		close(g.ch)
	}
}

// Reset re-arms the gate so the next Wait blocks again.
func (g *ReadyGate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
	}
}

// Wait blocks until Open is called or ctx is done.
func (g *ReadyGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
