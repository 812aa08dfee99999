package tail

import "sync"

// Gate lets source workers idle while nothing consumes their lines. The
// hub opens it when the first dashboard client connects and closes it
// when the last one leaves; workers block on Wait and consume zero CPU
// while it is closed.
type Gate struct {
	mu   sync.Mutex
	open bool
	ch   chan struct{} // closed while the gate is open
}

// NewGate returns a gate in the given initial state.
func NewGate(open bool) *Gate {
	g := &Gate{open: open, ch: make(chan struct{})}
	if open {
		close(g.ch)
	}
	return g
}

// Open releases all current and future waiters. Idempotent.
func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		g.open = true
		close(g.ch)
	}
}

// Close makes subsequent Wait calls block. Idempotent.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		g.open = false
		g.ch = make(chan struct{})
	}
}

// IsOpen reports the current state.
func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// opened returns the channel backing the current state: receiving from
// it succeeds while the gate is open.
func (g *Gate) opened() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch
}

// Wait blocks until the gate opens or stopCh closes. Returns false when
// stopped.
func (g *Gate) Wait(stopCh <-chan struct{}) bool {
	select {
	case <-g.opened():
		return true
	case <-stopCh:
		return false
	}
}
