package quicconn

import (
	"crypto/tls"
	"sync"
)

// ticketCache is a tls.ClientSessionCache that also exposes the captured
// resumption ticket as a plain byte slice: the mechanism by which
// spec.md §4.3's RESUMPTION_TICKET_RECEIVED event is realized against
// crypto/tls's own session-ticket machinery rather than a MsQuic-style
// SetParam/callback pair. Put is invoked by crypto/tls whenever the
// server issues a new session ticket (TLS 1.3 delivers these after the
// handshake completes, possibly more than once per connection); the
// session itself is kept so quic-go's 0-RTT dial can find it again by
// key, and a capped raw copy is kept for inspection and for attaching to
// the Stream State per spec.md §3/§9.
type ticketCache struct {
	mu       sync.Mutex
	sessions map[string]*tls.ClientSessionState
	raw      []byte
	maxBytes int

	onReceived func(raw []byte)
}

func newTicketCache(maxBytes int, onReceived func(raw []byte)) *ticketCache {
	return &ticketCache{
		sessions:   make(map[string]*tls.ClientSessionState),
		maxBytes:   maxBytes,
		onReceived: onReceived,
	}
}

// Get implements tls.ClientSessionCache.
func (c *ticketCache) Get(sessionKey string) (*tls.ClientSessionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.sessions[sessionKey]
	return cs, ok
}

// Put implements tls.ClientSessionCache.
func (c *ticketCache) Put(sessionKey string, cs *tls.ClientSessionState) {
	if cs == nil {
		c.mu.Lock()
		delete(c.sessions, sessionKey)
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.sessions[sessionKey] = cs
	c.mu.Unlock()

	raw, _, err := cs.ResumptionState()
	if err != nil {
		return
	}
	capped := raw
	if len(capped) > c.maxBytes {
		capped = capped[:c.maxBytes]
	}

	c.mu.Lock()
	c.raw = append([]byte(nil), capped...)
	onReceived := c.onReceived
	c.mu.Unlock()

	if onReceived != nil {
		onReceived(capped)
	}
}

// HasTicket reports whether a resumption ticket has ever been captured.
func (c *ticketCache) HasTicket() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.raw) > 0
}

// Ticket returns a copy of the most recently captured ticket bytes, or
// nil if none has been received yet.
func (c *ticketCache) Ticket() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.raw) == 0 {
		return nil
	}
	return append([]byte(nil), c.raw...)
}
