package torrent

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/quietbit/peerengine/btprotocol"
	"github.com/quietbit/peerengine/internal/errorsx"
)

// NewlyConnectedWindow bounds how long a peer counts as "newly connected" for
// the optimistic-unchoke weighting of §4.4.
const NewlyConnectedWindow = 60 * time.Second

// TimedCancellationAge is the local timed-cancellation threshold of §5.
const TimedCancellationAge = 120 * time.Second

// HighCancelThreshold is the cancel-rate above which AdaptMaxPeers shrinks
// max_peers, per §4.4.
const HighCancelThreshold = 0.1

// Manager owns every running torrent, the four periodic timers of §5 (atom
// ageing 60s, reconnect pulse 500ms, rechoke 10s, refill-upkeep 10s), and the
// incoming-connection accept loop, generalising the teacher's Client.
type Manager struct {
	mu     sync.RWMutex
	config *ManagerConfig
	closed chan struct{}

	alloc    *atomIDAllocator
	torrents map[[20]byte]*TorrentState
	listeners []net.Listener

	stats ConnStats
}

// NewManager constructs a manager with cfg (nil accepted, producing a
// default discard-logging configuration), applying opts, matching the
// teacher's NewClient(cfg, ...) shape.
func NewManager(cfg *ManagerConfig, opts ...Option) *Manager {
	if cfg == nil {
		cfg = &ManagerConfig{MaxOutboundPerTick: MaxOutboundConnectionsPerTick}
	}
	if cfg.MaxOutboundPerTick <= 0 {
		cfg.MaxOutboundPerTick = MaxOutboundConnectionsPerTick
	}
	m := &Manager{
		config:   cfg,
		closed:   make(chan struct{}),
		alloc:    &atomIDAllocator{},
		torrents: make(map[[20]byte]*TorrentState),
		stats:    NewConnStats(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddTorrent registers ref with the manager, returning its live
// per-torrent-state handle, per §6's add_torrent. A torrent already
// registered under the same info-hash is returned unchanged.
func (m *Manager) AddTorrent(ref TorrentRef, store BlockStore, announcer Announcer, opts ...TorrentOption) (*TorrentState, error) {
	hash := ref.InfoHash()

	m.mu.Lock()
	defer m.mu.Unlock()

	if ts, ok := m.torrents[hash]; ok {
		return ts, nil
	}

	ts := NewTorrentState(ref, store, NewStatsAnnouncer(m.stats, announcer), m.config.Handshake, m.config.Blocklist, m.alloc, m.config.debug())
	ts.sessionDownloadLimit = m.config.MaxDownloadBytesPerSec
	for _, opt := range opts {
		opt(ts)
	}
	m.torrents[hash] = ts
	return ts, nil
}

// RemoveTorrent tears down and forgets the torrent with the given info-hash,
// per §6's remove_torrent.
func (m *Manager) RemoveTorrent(hash [20]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts, ok := m.torrents[hash]
	if !ok {
		return ErrUnknownTorrent
	}
	ts.SetRunning(false)
	for _, p := range ts.Peers() {
		if p.Session != nil {
			p.Session.IO.Close()
		}
	}
	delete(m.torrents, hash)
	return nil
}

// Torrent looks up a registered torrent by info-hash.
func (m *Manager) Torrent(hash [20]byte) (*TorrentState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts, ok := m.torrents[hash]
	return ts, ok
}

// TorrentGotMetadata re-hooks a torrent's webseeds and refreshes peer
// progress after its metadata (piece count/length) becomes known mid-swarm
// via the BEP 9 exchange, per §6's torrent_got_metadata.
func (m *Manager) TorrentGotMetadata(hash [20]byte, webseeds []string) error {
	ts, ok := m.Torrent(hash)
	if !ok {
		return ErrUnknownTorrent
	}
	for _, url := range webseeds {
		ts.AddWebseed(url)
	}

	n, known := ts.ref.PieceCount()
	if !known {
		return nil
	}
	ts.mu.Lock()
	ts.replication = NewReplicationMap(n)
	ts.mu.Unlock()
	for _, p := range ts.Peers() {
		ts.replication.ApplyBitfield(nil, p.Have)
	}
	return nil
}

// Start begins running the manager: the four periodic timers and,
// if l is non-nil, an accept loop on l. Running torrents begin reconnect
// pulses on the next timer tick.
func (m *Manager) Start(ctx context.Context, l net.Listener) {
	m.mu.Lock()
	for _, ts := range m.torrents {
		ts.SetRunning(true)
	}
	if l != nil {
		m.listeners = append(m.listeners, l)
	}
	m.mu.Unlock()

	if l != nil {
		go m.acceptConnections(ctx, l)
	}
	go m.run(ctx)
}

// Stop halts every running torrent and closes the manager, per §6's stop.
func (m *Manager) Stop() error {
	select {
	case <-m.closed:
		return ErrManagerClosed
	default:
		close(m.closed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.listeners {
		l.Close()
	}
	for _, ts := range m.torrents {
		ts.SetRunning(false)
	}
	return nil
}

func (m *Manager) run(ctx context.Context) {
	atomAgeing := time.NewTicker(60 * time.Second)
	reconnect := time.NewTicker(LifecyclePulsePeriod)
	rechoke := time.NewTicker(10 * time.Second)
	refillUpkeep := time.NewTicker(10 * time.Second)
	defer atomAgeing.Stop()
	defer reconnect.Stop()
	defer rechoke.Stop()
	defer refillUpkeep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.closed:
			return
		case now := <-atomAgeing.C:
			m.tickAtomAgeing(now)
		case now := <-reconnect.C:
			m.tickReconnect(ctx, now)
		case now := <-rechoke.C:
			m.tickRechoke(now)
		case now := <-refillUpkeep.C:
			m.tickRefillUpkeep(now)
		}
	}
}

func (m *Manager) runningTorrents() []*TorrentState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*TorrentState, 0, len(m.torrents))
	for _, ts := range m.torrents {
		if ts.Running() {
			out = append(out, ts)
		}
	}
	return out
}

// tickAtomAgeing implements §4.6: prune each running torrent's atom pool.
func (m *Manager) tickAtomAgeing(now time.Time) {
	for _, ts := range m.runningTorrents() {
		ts.Atoms().Prune(now, ts.ref.MaxConnectedPeers())
	}
}

// tickReconnect implements §4.5: select eligible atoms and dial up to
// MaxOutboundConnectionsPerTick new outgoing connections per torrent, minus
// attempts already in flight.
func (m *Manager) tickReconnect(ctx context.Context, now time.Time) {
	for _, ts := range m.runningTorrents() {
		budget := m.config.MaxOutboundPerTick - ts.conns.OutgoingCount()
		if budget <= 0 {
			continue
		}
		ec := ts.EligibilityContext()
		candidates := ts.Atoms().SelectCandidates(budget, ts.ref.Seeding(), candidateContext{
			RecentlyStarted: now.Sub(ts.createdAt) < 4*time.Minute,
			Seeding:         ts.ref.Seeding(),
		}, ec, now)

		for _, a := range candidates {
			m.dial(ctx, ts, a)
		}
	}
}

func (m *Manager) dial(ctx context.Context, ts *TorrentState, a *Atom) {
	h, err := ts.NewOutgoingSession(a.Addr, EncryptionPreferred, func(result HandshakeResult) {
		m.completeOutgoing(ts, a, result)
	})
	if err != nil {
		a.MarkUnreachable(time.Now())
		return
	}
	_ = h
}

func (m *Manager) completeOutgoing(ts *TorrentState, a *Atom, result HandshakeResult) {
	now := time.Now()
	ts.conns.EndOutgoing(a.Addr)

	if !result.OK {
		a.MarkUnreachable(now)
		return
	}
	a.MarkConnected(now)
	m.bindPeer(ts, a, result)
}

// bindPeer constructs a Peer/Session for a completed handshake and starts
// its reader/writer loops, the generalisation of the teacher's
// runReceivedConn/outgoingConnection pairing.
func (m *Manager) bindPeer(ts *TorrentState, a *Atom, result HandshakeResult) {
	n, _ := ts.ref.PieceCount()
	p := NewPeer(ts.AllocatePeerID(), a.ID, a.Addr.String(), n)
	p.ConnectedAt = time.Now()

	ts.AddPeer(a.Addr, p)

	io := newIOCollaborator(result.IO)
	session := NewSession(p, io, ts)
	p.Session = session

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		errorsx.Log(RunReader(ctx, session, session.keepAliveTimeout))
	}()
	go func() {
		defer cancel()
		errorsx.Log(RunWriter(ctx, session))
	}()
}

// tickRechoke implements §4.4: recompute unchoke and interest decisions for
// every running torrent's peer set.
func (m *Manager) tickRechoke(now time.Time) {
	for _, ts := range m.runningTorrents() {
		peers := ts.Peers()
		if len(peers) == 0 {
			continue
		}

		seeding := ts.ref.Seeding()
		decisions := ts.choke.Rechoke(now, peers, ts.Uploading(), rateOfDirection(seeding), func(p *Peer) bool {
			n, known := ts.ref.PieceCount()
			return known && p.IsSeed(uint64(n))
		}, func(p *Peer) bool {
			return now.Sub(p.ConnectedAt) < NewlyConnectedWindow
		})
		for _, d := range decisions {
			d.Peer.ChokedByUs = !d.Unchoke
		}

		interest := ts.choke.ClassifyInterest(now, peers, func(p *Peer) bool {
			return hasWantedPieceFrom(ts, p)
		})
		for _, d := range interest {
			d.Peer.InterestedByUs = d.Interested
		}

		cancelRate := aggregateCancelRate(now, peers)
		ts.choke.AdaptMaxPeers(now, cancelRate, HighCancelThreshold)
	}
}

// rateOfDirection returns the rate function Rechoke should rank peers by:
// upload rate while seeding (fairness among who we're feeding), download
// rate while leeching (reciprocating whoever is sending us data fastest).
func rateOfDirection(seeding bool) func(*Peer) int64 {
	return func(p *Peer) int64 {
		if p.Session == nil || p.Session.IO == nil {
			return 0
		}
		if seeding {
			return p.Session.IO.RateUp()
		}
		return p.Session.IO.RateDown()
	}
}

func hasWantedPieceFrom(ts *TorrentState, p *Peer) bool {
	for _, wp := range ts.pieces.Ordered() {
		if p.Have.Contains(uint32(wp.Index)) {
			return true
		}
	}
	return false
}

func aggregateCancelRate(now time.Time, peers []*Peer) float64 {
	var blocks, cancels int
	for _, p := range peers {
		blocks += p.BlocksReceivedHistory.Sum(now)
		cancels += p.CancelsSentByUs.Sum(now)
	}
	if blocks+cancels == 0 {
		return 0
	}
	return float64(cancels) / float64(blocks+cancels)
}

// tickRefillUpkeep implements §5's refill-upkeep timer: resort the weighted
// piece list, refresh endgame status, and time out stale requests.
func (m *Manager) tickRefillUpkeep(now time.Time) {
	for _, ts := range m.runningTorrents() {
		ts.pieces.SortByWeight()

		active := 0
		for _, p := range ts.Peers() {
			if p.PendingToPeer > 0 {
				active++
			}
		}
		ts.ledger.UpdateEndgame(ts.ref.BytesLeft(), active)

		stale := ts.ledger.TimedCancellations(now, TimedCancellationAge, func(id PeerID) bool {
			p, ok := ts.conns.ByID(id)
			return ok && now.Sub(p.LastUsefulChunkReceivedAt) < time.Second
		})
		for _, req := range stale {
			ts.ledger.Cancel(req.Block, req.Peer)
			ts.pieces.ReleaseRequest(req.Block)
			if p, ok := ts.conns.ByID(req.Peer); ok {
				p.PendingToPeer--
				if p.Session != nil {
					p.CancelsSentByUs.Increment(now)
					p.Session.Enqueue(now, PriorityImmediate, btprotocol.NewCancel(
						uint32(req.Block.Index), uint32(req.Block.Begin), uint32(req.Block.Length)))
				}
			}
		}
	}
}

// acceptConnections runs the incoming-connection accept loop for l,
// generalising the teacher's Client.acceptConnections/incomingConnection.
func (m *Manager) acceptConnections(ctx context.Context, l net.Listener) {
	gate := &IncomingGate{Blocklist: m.config.Blocklist}

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-m.closed:
				return
			default:
				continue
			}
		}

		if gate.Evaluate(conn.RemoteAddr()) == GateClose {
			conn.Close()
			continue
		}

		go m.incomingConnection(conn)
	}
}

func (m *Manager) incomingConnection(conn net.Conn) {
	if m.config.Handshake == nil {
		conn.Close()
		return
	}

	addr := conn.RemoteAddr()
	h, err := m.config.Handshake.NewIncoming(conn, func(result HandshakeResult) {
		m.completeIncoming(addr, result)
	})
	if err != nil {
		conn.Close()
		return
	}
	_ = h
}

func (m *Manager) completeIncoming(addr net.Addr, result HandshakeResult) {
	now := time.Now()
	ts, ok := m.Torrent(result.InfoHash)
	if !ok {
		if result.IO != nil {
			result.IO.Close()
		}
		return
	}

	if !result.OK {
		CompleteIncomingHandshake(ts.Atoms(), addr, false, false, result.ReadAnything, now)
		return
	}

	a := CompleteIncomingHandshake(ts.Atoms(), addr, true, true, result.ReadAnything, now)
	m.bindPeer(ts, a, result)
}
