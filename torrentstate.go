package torrent

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/quietbit/peerengine/btprotocol"
	"github.com/quietbit/peerengine/internal/errorsx"
)

// TorrentState is the per-torrent collection of peer connections, known
// endpoints, and piece-scheduling state described in §3, grounded on the
// teacher's peer_pool.go/client.go split between a loaned/attempted peer
// pool and the live connection list: here the AtomPool plays the pool's
// role and ConnSet plays the live/in-flight connection-list role, both
// scoped to a single torrent instead of shared across a client.
type TorrentState struct {
	mu sync.RWMutex

	ref TorrentRef

	store     BlockStore
	announcer Announcer
	handshake HandshakeCollaborator
	blocklist Blocklist

	atoms      *AtomPool
	conns      *ConnSet
	peers      map[PeerID]*Peer
	nextPeerID PeerID

	webseeds []string

	ledger      *RequestLedger
	pieces      *WeightedPieceList
	replication *ReplicationMap
	choke       *ChokeController

	maxPeers  int
	running   bool
	createdAt time.Time

	// downloadLimit is this torrent's own configured download rate cap,
	// bytes/sec, 0 meaning unlimited. sessionDownloadLimit is the manager-
	// wide cap shared by every torrent it runs, set once at registration.
	downloadLimit        int64
	sessionDownloadLimit int64

	log logging
}

// NewTorrentState constructs a torrent's live state. The replication map is
// sized from ref's piece count, or left empty while that count is not yet
// known; ref, store, announcer, and handshake are the
// collaborators supplied by whatever owns metainfo parsing, on-disk
// storage, tracker announcing, and the MSE/handshake exchange.
func NewTorrentState(ref TorrentRef, store BlockStore, announcer Announcer, handshake HandshakeCollaborator, blocklist Blocklist, alloc *atomIDAllocator, log logging) *TorrentState {
	if log == nil {
		log = LogDiscard()
	}
	maxPeers := ref.MaxConnectedPeers()
	return &TorrentState{
		ref:         ref,
		store:       store,
		announcer:   announcer,
		handshake:   handshake,
		blocklist:   blocklist,
		atoms:       NewAtomPool(alloc),
		conns:       NewConnSet(),
		peers:       make(map[PeerID]*Peer),
		ledger:      NewRequestLedger(),
		pieces:      NewWeightedPieceList(),
		replication: NewReplicationMap(mustPieceCount(ref)),
		choke:       NewChokeController(4, maxPeers),
		maxPeers:    maxPeers,
		createdAt:   time.Now(),
		log:         log,
	}
}

func mustPieceCount(ref TorrentRef) int {
	n, ok := ref.PieceCount()
	if !ok {
		return 0
	}
	return n
}

// SessionHost implementation; a *TorrentState is the concrete collaborator
// every Session running within this torrent is bound to.
func (t *TorrentState) Ref() TorrentRef              { return t.ref }
func (t *TorrentState) Store() BlockStore            { return t.store }
func (t *TorrentState) Replication() *ReplicationMap { return t.replication }
func (t *TorrentState) Ledger() *RequestLedger       { return t.ledger }
func (t *TorrentState) Pieces() *WeightedPieceList   { return t.pieces }
func (t *TorrentState) Announcer() Announcer         { return t.announcer }
func (t *TorrentState) Choke() *ChokeController      { return t.choke }
func (t *TorrentState) Log() logging                 { return t.log }

// Atoms returns the torrent's known-endpoint pool.
func (t *TorrentState) Atoms() *AtomPool { return t.atoms }

// RateLimits returns the torrent's and the manager's configured download
// rate caps, bytes/sec, 0 meaning unlimited.
func (t *TorrentState) RateLimits() (torrentLimit, sessionLimit int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.downloadLimit, t.sessionDownloadLimit
}

// StrikeBanThreshold is how many pieces a peer may be blamed for failing
// verification before its atom is banned and the peer itself is marked for
// eviction.
const StrikeBanThreshold = 5

// ReportIntegrityFailure strikes every live peer whose blame bitmap covers
// piece (the set of peers who contributed a block to it since it was last
// verified), banning a peer's atom and flagging the peer for purge once its
// strike count reaches StrikeBanThreshold. The piece is cleared from every
// struck peer's blame bitmap so a later legitimate re-receipt of the same
// piece index starts counting fresh. It always returns an IntegrityFailure
// error, for the caller's dispatch loop to fail the connection that just
// delivered the bad piece.
func (t *TorrentState) ReportIntegrityFailure(piece int) error {
	t.mu.RLock()
	peers := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.RUnlock()

	for _, p := range peers {
		if !p.Blame.Contains(uint32(piece)) {
			continue
		}
		p.Blame.Remove(uint32(piece))
		p.Strikes++
		if p.Strikes >= StrikeBanThreshold {
			if a, ok := t.atoms.ByID(p.AtomID); ok {
				a.Ban()
			}
			p.DoPurge = true
		}
	}
	return IntegrityFailure(errorsx.Errorf("piece %d failed verification", piece))
}

// IngestPex feeds a session's decoded ut_pex added/dropped sets into the
// atom pool. Added endpoints are ensured into the pool attributed to
// SourcePEX with their advertised flags recorded; dropped endpoints (no
// longer advertised as live by the peer that sent this update) have their
// failure count nudged so they rank lower in future candidate selection,
// without outright banning or deleting them.
func (t *TorrentState) IngestPex(added, dropped []btprotocol.PexPeer) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, pp := range added {
		addr := &net.TCPAddr{IP: pp.IP, Port: int(pp.Port)}
		a := t.atoms.Ensure(addr, SourcePEX, now)
		if pp.Flags&btprotocol.PexSupportsUTP != 0 {
			a.Flags |= AtomFlagUTP
		}
		if pp.Flags&btprotocol.PexPrefersEncryption != 0 {
			a.Flags |= AtomFlagEncryption
		}
		if pp.Flags&btprotocol.PexOutgoingConn != 0 {
			a.Flags |= AtomFlagPexOutgoingConn
		}
	}
	for _, pp := range dropped {
		addr := &net.TCPAddr{IP: pp.IP, Port: int(pp.Port)}
		if a, ok := t.atoms.Get(addr); ok && a.PeerID == 0 {
			a.NumFails++
		}
	}
}

// Running reports whether the torrent is actively seeking/accepting
// connections.
func (t *TorrentState) Running() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.running
}

func (t *TorrentState) SetRunning(running bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = running
}

// Webseeds returns the torrent's configured webseed URLs.
func (t *TorrentState) Webseeds() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.webseeds...)
}

func (t *TorrentState) AddWebseed(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.webseeds = append(t.webseeds, url)
}

// HasLiveOrHandshake reports whether addr is already a connected peer or has
// a handshake in flight, the eligibility check Eligible consults.
func (t *TorrentState) HasLiveOrHandshake(addr net.Addr) bool {
	return t.conns.HasLiveOrHandshake(addr)
}

func (t *TorrentState) Blocked(ip net.IP) bool {
	if t.blocklist == nil {
		return false
	}
	return t.blocklist.Blocked(ip)
}

// EligibilityContext builds the Eligible/AtomPool.SelectCandidates callback
// pair bound to this torrent's own connection set and blocklist.
func (t *TorrentState) EligibilityContext() EligibilityContext {
	return EligibilityContext{
		HasLiveOrHandshake: t.HasLiveOrHandshake,
		Blocklisted: func(addr net.Addr) bool {
			tcp, ok := addr.(*net.TCPAddr)
			if !ok {
				return false
			}
			return t.Blocked(tcp.IP)
		},
	}
}

// AddPeer registers a newly-established connection's Peer and clears any
// handshake bookkeeping held for its address, binding the peer back to its
// atom.
func (t *TorrentState) AddPeer(addr net.Addr, p *Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p.Torrent = t
	t.peers[p.ID] = p
	t.conns.AddPeer(addr, p)
	if a, ok := t.atoms.ByID(p.AtomID); ok {
		a.PeerID = p.ID
	}
}

// RemovePeer tears down a peer's bookkeeping: its ledger entries, its
// replication-map contribution, its atom back-reference, and its entry in
// the connection set.
func (t *TorrentState) RemovePeer(addr net.Addr, id PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[id]
	if !ok {
		t.conns.RemovePeer(addr, id)
		return
	}
	t.replication.RemovePeer(p.Have)
	for _, block := range t.ledger.CancelAllForPeer(id) {
		t.pieces.ReleaseRequest(block)
	}
	if a, ok := t.atoms.ByID(p.AtomID); ok && a.PeerID == id {
		a.PeerID = 0
	}
	delete(t.peers, id)
	t.conns.RemovePeer(addr, id)
}

// AllocatePeerID hands out a fresh PeerID, unique within this torrent.
func (t *TorrentState) AllocatePeerID() PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextPeerID++
	return t.nextPeerID
}

// Peers returns a snapshot of the torrent's live peer set.
func (t *TorrentState) Peers() []*Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

func (t *TorrentState) PeerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// NewOutgoingSession begins a handshake for addr via the handshake
// collaborator and reserves it in the connection set, returning an error if
// the address already has a live connection or handshake in flight.
func (t *TorrentState) NewOutgoingSession(addr net.Addr, mode EncryptionMode, done func(HandshakeResult)) (Handshake, error) {
	t.mu.Lock()
	if t.conns.HasLiveOrHandshake(addr) {
		t.mu.Unlock()
		return nil, ErrDuplicateConnection
	}
	t.mu.Unlock()

	h, err := t.handshake.NewOutgoing(addr, t.ref.InfoHash(), mode, done)
	if err != nil {
		return nil, TransportError(err)
	}
	if !t.conns.BeginOutgoing(addr, h) {
		t.handshake.Abort(h)
		return nil, ErrHandshakeInFlight
	}
	return h, nil
}

// MissingBlocks enumerates the blocks of piece in ascending begin order,
// skipping any block that already has an outstanding request in the ledger;
// it is the callback session_writer.go's fillRequests needs from its
// SessionHost. The store is not consulted, so blocks already written to
// disk are still listed.
func (t *TorrentState) MissingBlocks(piece int) []BlockAddr {
	wp, ok := t.pieces.Get(piece)
	if !ok {
		return nil
	}
	blockSize := int64(t.ref.BlockSize())
	pieceLen := t.ref.PieceLength(piece)

	out := make([]BlockAddr, 0, wp.MissingBlocks)
	for begin := int64(0); begin < pieceLen; begin += blockSize {
		length := blockSize
		if begin+length > pieceLen {
			length = pieceLen - begin
		}
		block := BlockAddr{Index: piece, Begin: begin, Length: length}
		if len(t.ledger.Requesters(block)) > 0 {
			continue
		}
		out = append(out, block)
	}
	return out
}

// PexView returns the current connected-peer snapshot keyed by address, in
// the shape DiffPex/session_writer.go's maybeSendPex need to compute what
// changed since the last PEX message sent to each peer.
func (t *TorrentState) PexView() map[string]btprotocol.PexPeer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]btprotocol.PexPeer, len(t.peers))
	for _, p := range t.peers {
		host, portStr, err := net.SplitHostPort(p.Addr)
		if err != nil {
			continue
		}
		ip := net.ParseIP(host)
		if ip == nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		var flags btprotocol.PexPeerFlags
		if p.UploadOnly {
			flags |= btprotocol.PexUploadOnly
		}
		if p.Network == "udp" {
			flags |= btprotocol.PexSupportsUTP
		}
		out[p.Addr] = btprotocol.PexPeer{IP: ip, Port: uint16(port), Flags: flags}
	}
	return out
}

// LifecycleContext builds the DeadPeerCriteria this torrent's peer-eviction
// pulse should use, binding PeerCount/MaxPeers to the torrent's own state.
func (t *TorrentState) LifecycleContext(now time.Time, pexEnabled bool) DeadPeerCriteria {
	return DeadPeerCriteria{
		Now:        now,
		PEXEnabled: pexEnabled,
		PeerCount:  t.PeerCount(),
		MaxPeers:   t.maxPeers,
		LastActivity: func(p *Peer) time.Time {
			if p.LastUsefulChunkReceivedAt.After(p.ConnectedAt) {
				return p.LastUsefulChunkReceivedAt
			}
			return p.ConnectedAt
		},
		BothSidesSeeding: func(p *Peer) bool {
			return t.ref.Seeding() && p.IsSeed(uint64(mustPieceCount(t.ref)))
		},
	}
}

// Uploading reports whether this torrent has any reason to unchoke anyone:
// either it already holds some of the data (bytes left is below the total
// size, so it has pieces to trade) or it is seeding and therefore uploading
// by definition.
func (t *TorrentState) Uploading() bool {
	return t.ref.Seeding() || t.ref.BytesLeft() < t.totalSize()
}

func (t *TorrentState) totalSize() int64 {
	n, ok := t.ref.PieceCount()
	if !ok {
		return t.ref.BytesLeft()
	}
	var total int64
	for i := 0; i < n; i++ {
		total += t.ref.PieceLength(i)
	}
	return total
}
