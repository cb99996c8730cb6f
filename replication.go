package torrent

import (
	"github.com/RoaringBitmap/roaring/v2"
)

// ReplicationMap holds, per piece, the count of connected peers advertising
// that piece, per §4.3.
type ReplicationMap struct {
	counts []uint16
}

// NewReplicationMap allocates a replication map sized for pieceCount pieces.
func NewReplicationMap(pieceCount int) *ReplicationMap {
	return &ReplicationMap{counts: make([]uint16, pieceCount)}
}

func (r *ReplicationMap) Count(piece int) uint16 {
	if piece < 0 || piece >= len(r.counts) {
		return 0
	}
	return r.counts[piece]
}

func (r *ReplicationMap) Len() int { return len(r.counts) }

func (r *ReplicationMap) bump(piece int) {
	if piece >= 0 && piece < len(r.counts) {
		r.counts[piece]++
	}
}

func (r *ReplicationMap) drop(piece int) {
	if piece >= 0 && piece < len(r.counts) && r.counts[piece] > 0 {
		r.counts[piece]--
	}
}

// ApplyHave bumps the replication count for a single newly-advertised piece.
// Callers are expected to have already checked the peer's have bitmap for
// duplicates, since a repeated Have for the same piece must not double
// count.
func (r *ReplicationMap) ApplyHave(piece int) {
	r.bump(piece)
}

// ApplyBitfield diffs old against replacement and bumps/drops each piece
// whose membership changed, used both for an initial Bitfield (old == nil)
// and for the stricter duplicate-Bitfield-rejection path which never calls
// this twice for the same peer (see DESIGN.md).
func (r *ReplicationMap) ApplyBitfield(old, replacement *roaring.Bitmap) {
	if old == nil {
		old = roaring.New()
	}
	added := roaring.AndNot(replacement, old)
	removed := roaring.AndNot(old, replacement)

	it := added.Iterator()
	for it.HasNext() {
		r.bump(int(it.Next()))
	}
	it = removed.Iterator()
	for it.HasNext() {
		r.drop(int(it.Next()))
	}
}

// ApplyHaveAll bumps every piece by one, for a peer that just announced
// HaveAll.
func (r *ReplicationMap) ApplyHaveAll() {
	for i := range r.counts {
		r.counts[i]++
	}
}

// RemovePeer drops the replication count contributed by a departing peer's
// have bitmap.
func (r *ReplicationMap) RemovePeer(have *roaring.Bitmap) {
	if have == nil {
		return
	}
	it := have.Iterator()
	for it.HasNext() {
		r.drop(int(it.Next()))
	}
}

// Verify recomputes the replication map from scratch against the supplied
// peer have-bitmaps and reports any piece whose stored count diverges. It
// exists for the debug-build assertion named in §4.3 and the invariant in
// §8; production code does not call it on the hot path.
func (r *ReplicationMap) Verify(haves []*roaring.Bitmap) (mismatches map[int][2]uint16) {
	derived := make([]uint16, len(r.counts))
	for _, h := range haves {
		if h == nil {
			continue
		}
		it := h.Iterator()
		for it.HasNext() {
			p := int(it.Next())
			if p >= 0 && p < len(derived) {
				derived[p]++
			}
		}
	}

	for i, want := range derived {
		if r.counts[i] != want {
			if mismatches == nil {
				mismatches = make(map[int][2]uint16)
			}
			mismatches[i] = [2]uint16{r.counts[i], want}
		}
	}
	return mismatches
}
