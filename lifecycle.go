package torrent

import (
	"net"
	"sort"
	"time"

	"github.com/anacrolix/multiless"
)

// MaxOutboundConnectionsPerTick caps new outbound connection attempts per
// lifecycle pulse, per §4.5 (12/s * 0.5s tick).
const MaxOutboundConnectionsPerTick = 6

// LifecyclePulsePeriod is the reconnect pulse interval.
const LifecyclePulsePeriod = 500 * time.Millisecond

// livelinessLess orders peers for culling: not-do_purge first, then higher
// combined speed, then more recent piece-data time, then more recently
// connected. The least-live peer sorts last and is the first evicted.
func livelinessLess(a, b *Peer, speedOf func(*Peer) int64) bool {
	return multiless.New().
		Bool(a.DoPurge, b.DoPurge).
		Uint32(uint32(clampRate(speedOf(b))), uint32(clampRate(speedOf(a)))).
		Uint32(uint32(b.LastUsefulChunkReceivedAt.Unix()), uint32(a.LastUsefulChunkReceivedAt.Unix())).
		Uint32(uint32(b.ConnectedAt.Unix()), uint32(a.ConnectedAt.Unix())).
		Less()
}

// RankByLiveliness sorts peers best-first (most worth keeping first), per
// the §4.5 liveliness ordering EnforceCap uses.
func RankByLiveliness(peers []*Peer, speedOf func(*Peer) int64) []*Peer {
	out := append([]*Peer(nil), peers...)
	sort.Slice(out, func(i, j int) bool { return livelinessLess(out[i], out[j], speedOf) })
	return out
}

// EnforceCap closes the worst peers (by liveliness) until len(peers) <= cap,
// returning the peers to close.
func EnforceCap(peers []*Peer, limit int, speedOf func(*Peer) int64) []*Peer {
	if len(peers) <= limit {
		return nil
	}
	ranked := RankByLiveliness(peers, speedOf)
	return ranked[limit:]
}

// idleThreshold interpolates linearly between 60s (few peers) and 300s (at
// or above 90% of max), per §4.5's dead-peer idle rule.
func idleThreshold(peerCount, maxPeers int) time.Duration {
	if maxPeers <= 0 {
		return 60 * time.Second
	}
	ratio := float64(peerCount) / float64(maxPeers)
	if ratio > 0.9 {
		ratio = 0.9
	}
	if ratio < 0 {
		ratio = 0
	}
	frac := ratio / 0.9
	secs := 60 + frac*(300-60)
	return time.Duration(secs) * time.Second
}

// DeadPeerCriteria bundles the context EvaluateDeadPeers needs beyond what
// Peer itself carries.
type DeadPeerCriteria struct {
	Now              time.Time
	PEXEnabled       bool
	LastActivity     func(*Peer) time.Time
	PeerCount        int
	MaxPeers         int
	BothSidesSeeding func(*Peer) bool
}

// EvaluateDeadPeers implements §4.5 step 3: peers to close because they are
// dead, independent of the connection-cap eviction path.
func EvaluateDeadPeers(peers []*Peer, c DeadPeerCriteria) []*Peer {
	var dead []*Peer
	threshold := idleThreshold(c.PeerCount, c.MaxPeers)

	for _, p := range peers {
		if p.DoPurge {
			dead = append(dead, p)
			continue
		}
		if c.BothSidesSeeding != nil && c.BothSidesSeeding(p) {
			last := c.Now
			if c.LastActivity != nil {
				last = c.LastActivity(p)
			}
			if !c.PEXEnabled || c.Now.Sub(last) >= 30*time.Second {
				dead = append(dead, p)
				continue
			}
		}
		var last time.Time
		if c.LastActivity != nil {
			last = c.LastActivity(p)
		}
		if c.Now.Sub(last) >= threshold {
			dead = append(dead, p)
		}
	}
	return dead
}

// IncomingGate decides what to do with a freshly-accepted socket, per §4.7.
type IncomingGate struct {
	Blocklist Blocklist
	// InFlight reports whether a handshake is already in progress for addr.
	InFlight func(addr net.Addr) bool
}

// GateDecision is the outcome of evaluating an incoming connection.
type GateDecision int

const (
	GateClose GateDecision = iota
	GateStartHandshake
)

func (g *IncomingGate) Evaluate(addr net.Addr) GateDecision {
	if g.Blocklist != nil {
		if tcp, ok := addr.(*net.TCPAddr); ok && g.Blocklist.Blocked(tcp.IP) {
			return GateClose
		}
	}
	if g.InFlight != nil && g.InFlight(addr) {
		return GateClose
	}
	return GateStartHandshake
}

// CompleteIncomingHandshake implements the §4.7 post-handshake atom update:
// on success an atom is ensured with source = incoming; on failure with no
// bytes read, the atom (if any) is flagged unreachable.
func CompleteIncomingHandshake(pool *AtomPool, addr net.Addr, didConnect, isConnected, readAnything bool, now time.Time) *Atom {
	if didConnect && isConnected {
		a := pool.Ensure(addr, SourceIncoming, now)
		a.MarkConnected(now)
		return a
	}
	if !readAnything {
		if a, ok := pool.Get(addr); ok {
			a.MarkUnreachable(now)
			return a
		}
	}
	return nil
}
