package torrent

import (
	"net"
	"sync"
)

// ConnSet tracks, for one torrent, every address with a live peer or an
// in-flight handshake, so the atom pool's eligibility check and the
// incoming-connection gate (§4.5, §4.7) can answer "is addr already spoken
// for" without walking the peer list.
type ConnSet struct {
	mu sync.Mutex

	outgoing map[string]Handshake // addr key -> in-flight outgoing handshake
	incoming map[string]Handshake // addr key -> in-flight incoming handshake
	peers    map[string]*Peer     // addr key -> connected peer
	byID     map[PeerID]*Peer
}

// NewConnSet constructs an empty connection set.
func NewConnSet() *ConnSet {
	return &ConnSet{
		outgoing: make(map[string]Handshake),
		incoming: make(map[string]Handshake),
		peers:    make(map[string]*Peer),
		byID:     make(map[PeerID]*Peer),
	}
}

// HasLiveOrHandshake reports whether addr already has a connected peer or an
// in-flight handshake of either direction, the check Eligible and
// IncomingGate both need.
func (c *ConnSet) HasLiveOrHandshake(addr net.Addr) bool {
	key := addr.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.peers[key]; ok {
		return true
	}
	if _, ok := c.outgoing[key]; ok {
		return true
	}
	if _, ok := c.incoming[key]; ok {
		return true
	}
	return false
}

// BeginOutgoing records an in-flight outgoing handshake for addr. It returns
// false if one is already in flight or a peer is already connected there.
func (c *ConnSet) BeginOutgoing(addr net.Addr, h Handshake) bool {
	key := addr.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.peers[key]; ok {
		return false
	}
	if _, ok := c.outgoing[key]; ok {
		return false
	}
	c.outgoing[key] = h
	return true
}

// BeginIncoming records an in-flight incoming handshake for addr, per §4.7.
func (c *ConnSet) BeginIncoming(addr net.Addr, h Handshake) bool {
	key := addr.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.incoming[key]; ok {
		return false
	}
	c.incoming[key] = h
	return true
}

// EndOutgoing clears an in-flight outgoing handshake regardless of outcome.
func (c *ConnSet) EndOutgoing(addr net.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.outgoing, addr.String())
}

// EndIncoming clears an in-flight incoming handshake regardless of outcome.
func (c *ConnSet) EndIncoming(addr net.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.incoming, addr.String())
}

// AddPeer installs p as the connected peer for its address, clearing any
// handshake bookkeeping for that address.
func (c *ConnSet) AddPeer(addr net.Addr, p *Peer) {
	key := addr.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[key] = p
	c.byID[p.ID] = p
	delete(c.outgoing, key)
	delete(c.incoming, key)
}

// RemovePeer drops p from the set once its wire session has closed.
func (c *ConnSet) RemovePeer(addr net.Addr, id PeerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, addr.String())
	delete(c.byID, id)
}

func (c *ConnSet) Get(addr net.Addr) (*Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peers[addr.String()]
	return p, ok
}

func (c *ConnSet) ByID(id PeerID) (*Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.byID[id]
	return p, ok
}

// Len reports the number of connected peers.
func (c *ConnSet) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers)
}

// All returns a snapshot of connected peers.
func (c *ConnSet) All() []*Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Peer, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	return out
}

// OutgoingCount reports the number of in-flight outgoing handshakes, used to
// bound MaxOutboundConnectionsPerTick against already-dialing attempts.
func (c *ConnSet) OutgoingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outgoing)
}
