package torrent

import (
	"math/rand"
	"sort"
	"time"

	"github.com/anacrolix/multiless"
)

// WeightedPiece is a piece a leeching torrent still needs, ordered by the
// compound key of §4.2.
type WeightedPiece struct {
	Index        int
	Salt         uint16
	BlockCount   int
	MissingBlocks int
	RequestCount int32 // widened from the source's int16 per §9's open question
	Priority     Priority
	Replication  uint16
}

// sortKey returns the (backGroup, rank) pair used by the primary ordering
// rule: pieces with more outstanding requests than missing blocks are
// pushed to the back, ranked among themselves by block_count + pending.
func (p *WeightedPiece) sortKey() (backGroup bool, rank uint32) {
	effective := int32(p.MissingBlocks) - p.RequestCount
	if effective > 0 {
		return false, uint32(effective)
	}
	return true, uint32(p.BlockCount) + uint32(p.RequestCount)
}

func weightedPieceLess(a, b *WeightedPiece) bool {
	ag, ar := a.sortKey()
	bg, br := b.sortKey()
	return multiless.New().
		Bool(ag, bg).
		Uint32(ar, br).
		Uint32(uint32(a.Priority), uint32(b.Priority)).
		Uint32(uint32(a.Replication), uint32(b.Replication)).
		Uint32(uint32(a.Salt), uint32(b.Salt)).
		Less()
}

type pieceSortState int

const (
	sortUnsorted pieceSortState = iota
	sortByIndex
	sortByWeight
)

// WeightedPieceList is the per-torrent ordered set of pieces still wanted,
// supporting the three lifecycle states named in §4.2: unsorted,
// sorted-by-index, and sorted-by-weight (the normal steady state).
type WeightedPieceList struct {
	pieces []*WeightedPiece
	byIdx  map[int]*WeightedPiece
	state  pieceSortState
}

func NewWeightedPieceList() *WeightedPieceList {
	return &WeightedPieceList{byIdx: make(map[int]*WeightedPiece)}
}

// Add inserts a new wanted piece; the list becomes unsorted.
func (l *WeightedPieceList) Add(p *WeightedPiece) {
	if p.Salt == 0 {
		p.Salt = uint16(rand.Intn(1 << 16))
	}
	l.pieces = append(l.pieces, p)
	l.byIdx[p.Index] = p
	l.state = sortUnsorted
}

// Remove drops piece index from the list (it was completed or deselected).
func (l *WeightedPieceList) Remove(index int) {
	delete(l.byIdx, index)
	for i, p := range l.pieces {
		if p.Index == index {
			l.pieces = append(l.pieces[:i], l.pieces[i+1:]...)
			break
		}
	}
	l.state = sortUnsorted
}

func (l *WeightedPieceList) Get(index int) (*WeightedPiece, bool) {
	p, ok := l.byIdx[index]
	return p, ok
}

// SortByWeight transitions the list into the steady sorted-by-weight state.
func (l *WeightedPieceList) SortByWeight() {
	sort.Slice(l.pieces, func(i, j int) bool {
		return weightedPieceLess(l.pieces[i], l.pieces[j])
	})
	l.state = sortByWeight
}

// SortByIndex transitions into sorted-by-index, used for scans that need a
// stable deterministic order unrelated to weight (e.g. verifying coverage).
func (l *WeightedPieceList) SortByIndex() {
	sort.Slice(l.pieces, func(i, j int) bool { return l.pieces[i].Index < l.pieces[j].Index })
	l.state = sortByIndex
}

// Reweigh is called after a single piece's weight-affecting fields change.
// When the list is sorted-by-weight it repositions only that piece via
// binary-search reinsertion rather than resorting the whole list; in any
// other state it's a cheap no-op since the next SortByWeight will pick up
// the change.
func (l *WeightedPieceList) Reweigh(index int) {
	if l.state != sortByWeight {
		return
	}
	p, ok := l.byIdx[index]
	if !ok {
		return
	}

	pos := -1
	for i, q := range l.pieces {
		if q.Index == index {
			pos = i
			break
		}
	}
	if pos < 0 {
		return
	}

	l.pieces = append(l.pieces[:pos], l.pieces[pos+1:]...)
	newPos := sort.Search(len(l.pieces), func(i int) bool {
		return weightedPieceLess(p, l.pieces[i])
	})
	l.pieces = append(l.pieces, nil)
	copy(l.pieces[newPos+1:], l.pieces[newPos:])
	l.pieces[newPos] = p
}

// CreditRequest bumps the request count of the piece owning block and
// repositions it, called alongside every RequestLedger.Add so the §4.2
// back-of-queue rule sees live data.
func (l *WeightedPieceList) CreditRequest(block BlockAddr) {
	if p, ok := l.byIdx[block.Index]; ok {
		p.RequestCount++
		l.Reweigh(block.Index)
	}
}

// ReleaseRequest mirrors CreditRequest for a block whose outstanding request
// was just cancelled, fulfilled, or rejected, called alongside every
// RequestLedger.Cancel that actually removed an entry.
func (l *WeightedPieceList) ReleaseRequest(block BlockAddr) {
	if p, ok := l.byIdx[block.Index]; ok {
		if p.RequestCount > 0 {
			p.RequestCount--
		}
		l.Reweigh(block.Index)
	}
}

// Ordered returns the pieces in their current order. Callers that need
// sorted-by-weight semantics must call SortByWeight first.
func (l *WeightedPieceList) Ordered() []*WeightedPiece { return l.pieces }

// SortedPairwise reports whether the list, assumed to be in the
// sorted-by-weight state, satisfies the compound ordering pairwise - the
// property named in §8.
func (l *WeightedPieceList) SortedPairwise() bool {
	for i := 1; i < len(l.pieces); i++ {
		if weightedPieceLess(l.pieces[i], l.pieces[i-1]) {
			return false
		}
	}
	return true
}

// BlockAddr identifies a single block within a piece.
type BlockAddr struct {
	Index int
	Begin int64
	Length int64
}

// BlockRequest is an outstanding request for a block, per §3.
type BlockRequest struct {
	Block  BlockAddr
	Peer   PeerID
	SentAt time.Time
}

// RequestLedger tracks outstanding block requests, keyed by block so every
// requester of a given block can be found (needed for endgame's
// at-most-one-existing-requester rule before a second is allowed).
type RequestLedger struct {
	byBlock map[BlockAddr][]*BlockRequest
	byPeer  map[PeerID]map[BlockAddr]*BlockRequest

	outstandingBytes int64
	endgameFactor    int
}

func NewRequestLedger() *RequestLedger {
	return &RequestLedger{
		byBlock: make(map[BlockAddr][]*BlockRequest),
		byPeer:  make(map[PeerID]map[BlockAddr]*BlockRequest),
	}
}

// Requesters returns the peers currently holding a request for block.
func (r *RequestLedger) Requesters(block BlockAddr) []*BlockRequest {
	return r.byBlock[block]
}

// PendingToPeer returns the number of entries in the ledger for peer,
// matching the §8 invariant that Peer.PendingToPeer must equal this count.
func (r *RequestLedger) PendingToPeer(peer PeerID) int {
	return len(r.byPeer[peer])
}

// Add records a new outstanding request.
func (r *RequestLedger) Add(block BlockAddr, peer PeerID, now time.Time) *BlockRequest {
	req := &BlockRequest{Block: block, Peer: peer, SentAt: now}
	r.byBlock[block] = append(r.byBlock[block], req)
	if r.byPeer[peer] == nil {
		r.byPeer[peer] = make(map[BlockAddr]*BlockRequest)
	}
	r.byPeer[peer][block] = req
	r.outstandingBytes += block.Length
	return req
}

// Cancel removes the (block, peer) entry if present, idempotently: a second
// call for an already-removed pair is a no-op, satisfying the §8 idempotence
// property.
func (r *RequestLedger) Cancel(block BlockAddr, peer PeerID) bool {
	peerReqs, ok := r.byPeer[peer]
	if !ok {
		return false
	}
	req, ok := peerReqs[block]
	if !ok {
		return false
	}
	delete(peerReqs, block)
	if len(peerReqs) == 0 {
		delete(r.byPeer, peer)
	}

	reqs := r.byBlock[block]
	for i, rr := range reqs {
		if rr == req {
			reqs = append(reqs[:i], reqs[i+1:]...)
			break
		}
	}
	if len(reqs) == 0 {
		delete(r.byBlock, block)
	} else {
		r.byBlock[block] = reqs
	}
	r.outstandingBytes -= block.Length
	return true
}

// CancelAllForPeer removes every ledger entry for peer, used when a
// connection closes.
func (r *RequestLedger) CancelAllForPeer(peer PeerID) []BlockAddr {
	peerReqs := r.byPeer[peer]
	blocks := make([]BlockAddr, 0, len(peerReqs))
	for b := range peerReqs {
		blocks = append(blocks, b)
	}
	for _, b := range blocks {
		r.Cancel(b, peer)
	}
	return blocks
}

// UpdateEndgame applies §4.2's endgame detection: entered when outstanding
// bytes requested are at least bytesLeft, with the factor computed on first
// entry and zeroed otherwise.
func (r *RequestLedger) UpdateEndgame(bytesLeft int64, activeDownloaders int) {
	inEndgame := r.outstandingBytes >= bytesLeft && bytesLeft > 0
	if !inEndgame {
		r.endgameFactor = 0
		return
	}
	if r.endgameFactor == 0 {
		denom := activeDownloaders
		if denom < 1 {
			denom = 1
		}
		total := 0
		for _, reqs := range r.byBlock {
			total += len(reqs)
		}
		r.endgameFactor = total / denom
	}
}

func (r *RequestLedger) Endgame() bool     { return r.endgameFactor > 0 }
func (r *RequestLedger) EndgameFactor() int { return r.endgameFactor }

// TimedCancellations scans the ledger for requests older than maxAge whose
// peer is not reported mid-piece-receive by inMidPieceReceive, returning the
// (block, peer) pairs to cancel. Callers are expected to send a Cancel
// message and call Cancel for each returned pair.
func (r *RequestLedger) TimedCancellations(now time.Time, maxAge time.Duration, inMidPieceReceive func(PeerID) bool) []*BlockRequest {
	var stale []*BlockRequest
	for _, reqs := range r.byBlock {
		for _, req := range reqs {
			if now.Sub(req.SentAt) < maxAge {
				continue
			}
			if inMidPieceReceive != nil && inMidPieceReceive(req.Peer) {
				continue
			}
			stale = append(stale, req)
		}
	}
	return stale
}

// allowEndgameRequest implements the §4.2 request-selection duplicate-block
// rule: a block already requested from someone else may be requested again
// only in endgame, only if the candidate's pending count plus its remaining
// numwant is at least the endgame factor, and only if the block currently
// has at most one existing requester.
func (r *RequestLedger) allowEndgameRequest(block BlockAddr, candidatePending, remainingNumwant int) bool {
	if !r.Endgame() {
		return false
	}
	if len(r.byBlock[block]) > 1 {
		return false
	}
	return candidatePending+remainingNumwant >= r.endgameFactor
}

// SelectRequests walks pieces in weight order (the list must already be
// sorted-by-weight) and returns up to numwant blocks to request from peer,
// per §4.2's request-selection rule. peerHas reports which pieces the peer
// advertises; missingBlocks enumerates the still-needed blocks of a piece in
// ascending begin order.
func (l *WeightedPieceList) SelectRequests(
	ledger *RequestLedger,
	peer PeerID,
	numwant int,
	peerHas func(piece int) bool,
	missingBlocks func(piece int) []BlockAddr,
) []BlockAddr {
	if numwant <= 0 {
		return nil
	}

	out := make([]BlockAddr, 0, numwant)
	pendingToPeer := ledger.PendingToPeer(peer)

	for _, wp := range l.pieces {
		if len(out) >= numwant {
			break
		}
		if !peerHas(wp.Index) {
			continue
		}
		for _, block := range missingBlocks(wp.Index) {
			if len(out) >= numwant {
				break
			}
			requesters := ledger.Requesters(block)
			if len(requesters) == 0 {
				out = append(out, block)
				continue
			}
			remaining := numwant - len(out)
			if ledger.allowEndgameRequest(block, pendingToPeer, remaining) {
				out = append(out, block)
			}
		}
	}
	return out
}
