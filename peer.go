package torrent

import (
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/quietbit/peerengine/btprotocol"
)

// MaxPeerRequestQueue bounds how many of a peer's Request messages this
// engine will hold admitted and unserved at once, per the inbound-request
// admission gate.
const MaxPeerRequestQueue = 512

// peerRequestQueue is the admitted-but-not-yet-served queue of a peer's
// inbound block requests, owned separately from Peer's other fields so the
// reader (admission) and writer (serving) goroutines never touch it without
// its own lock.
type peerRequestQueue struct {
	mu    sync.Mutex
	items []BlockAddr
}

// Admit appends block if it isn't already queued and there's room under
// max, reporting whether it was admitted.
func (q *peerRequestQueue) Admit(max int, block BlockAddr) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, b := range q.items {
		if b == block {
			return false
		}
	}
	if len(q.items) >= max {
		return false
	}
	q.items = append(q.items, block)
	return true
}

// Remove drops block from the queue if present; a no-op otherwise.
func (q *peerRequestQueue) Remove(block BlockAddr) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, b := range q.items {
		if b == block {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

// Next returns the oldest queued block without removing it.
func (q *peerRequestQueue) Next() (BlockAddr, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return BlockAddr{}, false
	}
	return q.items[0], true
}

// Clear empties the queue, used when the peer is choked: a choked peer's
// pending requests are abandoned rather than served once unchoked again.
func (q *peerRequestQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = q.items[:0]
}

func (q *peerRequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// PeerID identifies a live Peer within a torrent's peer table, held by an
// Atom's PeerID field instead of a pointer for the same arena-ownership
// reason AtomID exists.
type PeerID uint64

// historyRing is a fixed-second sliding window of event counts, used for the
// blocks-received / cancels-sent history the interest classifier reads.
type historyRing struct {
	window   time.Duration
	buckets  []int
	bucketAt []time.Time
}

func newHistoryRing(window time.Duration, buckets int) *historyRing {
	return &historyRing{
		window:   window,
		buckets:  make([]int, buckets),
		bucketAt: make([]time.Time, buckets),
	}
}

func (h *historyRing) bucketFor(now time.Time) int {
	bucketDur := h.window / time.Duration(len(h.buckets))
	if bucketDur <= 0 {
		bucketDur = time.Second
	}
	return int(now.UnixNano()/int64(bucketDur)) % len(h.buckets)
}

// Increment records one event at now, expiring stale buckets in place.
func (h *historyRing) Increment(now time.Time) {
	i := h.bucketFor(now)
	if now.Sub(h.bucketAt[i]) > h.window {
		h.buckets[i] = 0
	}
	h.buckets[i]++
	h.bucketAt[i] = now
}

// Sum totals events within the window of now.
func (h *historyRing) Sum(now time.Time) int {
	total := 0
	for i, t := range h.bucketAt {
		if now.Sub(t) <= h.window {
			total += h.buckets[i]
		}
	}
	return total
}

// Peer is a live connection bound 1:1 to an atom while connected.
type Peer struct {
	ID     PeerID
	AtomID AtomID
	Addr   string
	Torrent  *TorrentState

	// Choke/interest state, both directions.
	ChokedByUs    bool
	ChokedByThem  bool
	InterestedByUs   bool
	InterestedByThem bool

	Progress float64

	Have  *roaring.Bitmap
	Blame *roaring.Bitmap

	ClientName string

	PendingToPeer int // requests we've sent to this peer, outstanding
	PendingToUs   int // requests this peer has sent us, outstanding (== Requests.Len())

	// Requests holds this peer's admitted, not-yet-served inbound block
	// requests; the writer drains it to emit Piece messages.
	Requests *peerRequestQueue

	BlocksSentHistory     *historyRing
	BlocksReceivedHistory *historyRing
	CancelsSentByUs       *historyRing
	CancelsSentByThem     *historyRing

	Strikes int
	DoPurge bool

	ExtensionBits btprotocol.ExtensionBits
	Extensions    map[btprotocol.ExtensionName]btprotocol.ExtensionNumber
	PeerReqq      int
	MetadataSize  int
	UploadOnly    bool
	Network       string // e.g. "tcp", "udp" (uTP hint)

	FastExtension bool

	Session *Session

	ConnectedAt      time.Time
	LastUsefulChunkReceivedAt time.Time
}

// NewPeer constructs a Peer bound to atomID, with the sliding-window
// histories sized to the 60s windows the interest classifier and the
// cancel-rate adaptation of max_peers read.
func NewPeer(id PeerID, atomID AtomID, addr string, pieceCount int) *Peer {
	return &Peer{
		ID:                    id,
		AtomID:                atomID,
		Addr:                  addr,
		ChokedByUs:            true,
		ChokedByThem:          true,
		Have:                  roaring.New(),
		Blame:                 roaring.New(),
		Requests:              &peerRequestQueue{},
		BlocksSentHistory:     newHistoryRing(60*time.Second, 12),
		BlocksReceivedHistory: newHistoryRing(60*time.Second, 12),
		CancelsSentByUs:       newHistoryRing(60*time.Second, 12),
		CancelsSentByThem:     newHistoryRing(60*time.Second, 12),
	}
}

// SupportsExtension reports whether the peer negotiated the named LTEP
// extension and returns its id.
func (p *Peer) SupportsExtension(name btprotocol.ExtensionName) (btprotocol.ExtensionNumber, bool) {
	id, ok := p.Extensions[name]
	return id, ok
}

// IsSeed reports whether the peer's have bitfield covers the full torrent.
func (p *Peer) IsSeed(pieceCount uint64) bool {
	return pieceCount > 0 && p.Have.GetCardinality() >= pieceCount
}

// connectionFlags renders a short diagnostic string for logging, modelled on
// the teacher's connectionFlags(): x=extension protocol, f=fast extension,
// U=uTP hint. Encryption and peer source are not included.
func (p *Peer) connectionFlags() string {
	f := make([]byte, 0, 4)
	if p.ExtensionBits.SupportsExtended() {
		f = append(f, 'x')
	}
	if p.ExtensionBits.SupportsFast() {
		f = append(f, 'f')
	}
	if p.Network == "udp" {
		f = append(f, 'U')
	}
	return string(f)
}
