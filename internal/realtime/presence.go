package realtime

import "sync"

// Presence maps live connections to the identity they announced. Entries are
// keyed by connection, so one identity may hold several connections.
type Presence struct {
	mu     sync.RWMutex
	byConn map[string]string
}

func NewPresence() *Presence {
	return &Presence{byConn: make(map[string]string)}
}

// Identify binds connID to identity and returns the identity it replaced.
func (p *Presence) Identify(connID, identity string) (prev string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev = p.byConn[connID]
	p.byConn[connID] = identity
	return prev
}

func (p *Presence) Lookup(connID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.byConn[connID]
	return id, ok
}

// Remove drops connID and returns the identity it held, if any.
func (p *Presence) Remove(connID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byConn[connID]
	delete(p.byConn, connID)
	return id, ok
}

// Connections counts the connections currently bound to identity.
func (p *Presence) Connections(identity string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, id := range p.byConn {
		if id == identity {
			n++
		}
	}
	return n
}

func (p *Presence) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byConn)
}
