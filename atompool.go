package torrent

import (
	"math/rand"
	"net"
	"sort"
	"time"

	"github.com/google/btree"

	"github.com/quietbit/peerengine/internal/backoffx"
)

// reconnectSchedule is the atom reconnect-interval table by consecutive
// failure count, per the lifecycle controller's eligibility rule.
var reconnectSchedule = backoffx.Table(
	0,
	5*time.Second,
	120*time.Second,
	900*time.Second,
	1800*time.Second,
	3600*time.Second,
	7200*time.Second,
)

// ReconnectInterval computes how long to wait before atom becomes eligible
// for another connection attempt, per §4.5: the base schedule keyed by
// NumFails, doubled when the atom is unreachable, with a short-circuit to a
// 5s interval when piece data was recently received from it.
func ReconnectInterval(a *Atom, now time.Time) time.Duration {
	if !a.PieceDataTime.IsZero() && now.Sub(a.PieceDataTime) <= 10*time.Second {
		return 5 * time.Second
	}
	d := reconnectSchedule.Backoff(a.NumFails)
	if a.Unreachable() {
		d *= 2
	}
	return d
}

// AtomPool is a per-torrent set of known peer endpoints, keyed by address.
type AtomPool struct {
	alloc *atomIDAllocator
	byID  map[AtomID]*Atom
	byKey map[string]*Atom
}

// NewAtomPool constructs an empty pool sharing id allocation with alloc.
func NewAtomPool(alloc *atomIDAllocator) *AtomPool {
	return &AtomPool{
		alloc: alloc,
		byID:  make(map[AtomID]*Atom),
		byKey: make(map[string]*Atom),
	}
}

func addrKey(addr net.Addr) string { return addr.String() }

// Ensure returns the existing atom for addr, or creates one attributed to
// source.
func (p *AtomPool) Ensure(addr net.Addr, source Source, now time.Time) *Atom {
	key := addrKey(addr)
	if a, ok := p.byKey[key]; ok {
		a.ObserveSource(source)
		return a
	}
	a := NewAtom(p.alloc.allocate(), addr, source, now)
	p.byKey[key] = a
	p.byID[a.ID] = a
	return a
}

func (p *AtomPool) Get(addr net.Addr) (*Atom, bool) {
	a, ok := p.byKey[addrKey(addr)]
	return a, ok
}

func (p *AtomPool) ByID(id AtomID) (*Atom, bool) {
	a, ok := p.byID[id]
	return a, ok
}

func (p *AtomPool) Delete(addr net.Addr) {
	key := addrKey(addr)
	if a, ok := p.byKey[key]; ok {
		delete(p.byID, a.ID)
		delete(p.byKey, key)
	}
}

func (p *AtomPool) Len() int { return len(p.byID) }

func (p *AtomPool) All() []*Atom {
	out := make([]*Atom, 0, len(p.byID))
	for _, a := range p.byID {
		out = append(out, a)
	}
	return out
}

// candidateContext supplies the torrent-scoped fields the packed score
// needs, kept separate from Atom so the same atom can be scored differently
// across the torrents it happens to appear in (an address can, in theory,
// be a candidate for more than one running torrent's atom pool).
type candidateContext struct {
	Priority        Priority
	RecentlyStarted bool
	Seeding         bool
}

func seedProbabilityCategory(p int) uint8 {
	switch {
	case p == 100:
		return 255
	case p == SeedProbabilityUnknown:
		return 254
	default:
		if p < 0 {
			p = 0
		}
		if p > 99 {
			p = 99
		}
		return uint8(p)
	}
}

// PackCandidateScore packs the nine ranking fields of §4.5 into a uint64,
// most significant first, such that the lowest score is the best candidate.
func PackCandidateScore(a *Atom, ctx candidateContext, salt uint8) uint64 {
	var score uint64

	var failed uint64
	if a.NumFails > 0 {
		failed = 1
	}
	score = failed

	var lastAttempt uint32
	if !a.LastConnectionAttemptAt.IsZero() {
		lastAttempt = uint32(a.LastConnectionAttemptAt.Unix())
	}
	score = score<<32 | uint64(lastAttempt)

	score = score<<4 | uint64(ctx.Priority&0xF)

	var recentlyStarted uint64
	if ctx.RecentlyStarted {
		recentlyStarted = 1
	}
	score = score<<1 | recentlyStarted

	var seeding uint64
	if ctx.Seeding {
		seeding = 1
	}
	score = score<<1 | seeding

	var connectableUnknown uint64
	if a.Flags&AtomFlagConnectable == 0 {
		connectableUnknown = 1
	}
	score = score<<1 | connectableUnknown

	score = score<<8 | uint64(seedProbabilityCategory(a.SeedProbability))

	score = score<<4 | uint64(a.FromBest&0xF)

	score = score<<8 | uint64(salt)

	return score
}

// EligibilityContext supplies the connection-in-flight state the pool
// itself doesn't track.
type EligibilityContext struct {
	HasLiveOrHandshake func(addr net.Addr) bool
	Blocklisted        func(addr net.Addr) bool
}

// Eligible reports whether atom is a candidate for a new outbound
// connection attempt, per §4.5's eligibility rule.
func Eligible(a *Atom, torrentSeeding bool, now time.Time, ec EligibilityContext) bool {
	if a.Banned() {
		return false
	}
	if torrentSeeding && a.IsSeed() {
		return false
	}
	if ec.HasLiveOrHandshake != nil && ec.HasLiveOrHandshake(a.Addr) {
		return false
	}
	if ec.Blocklisted != nil && ec.Blocklisted(a.Addr) {
		return false
	}
	if now.Sub(a.Time) < ReconnectInterval(a, now) {
		return false
	}
	return true
}

type scoredAtom struct {
	score uint64
	atom  *Atom
}

func scoredAtomLess(a, b scoredAtom) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	return a.atom.ID < b.atom.ID
}

// SelectCandidates returns up to n eligible atoms ordered best-first,
// built via a btree ordered by packed score so the selection never needs a
// full sort of the pool.
func (p *AtomPool) SelectCandidates(n int, torrentSeeding bool, ctx candidateContext, ec EligibilityContext, now time.Time) []*Atom {
	tree := btree.NewG(32, scoredAtomLess)
	for _, a := range p.byID {
		if !Eligible(a, torrentSeeding, now, ec) {
			continue
		}
		tree.ReplaceOrInsert(scoredAtom{
			score: PackCandidateScore(a, ctx, uint8(rand.Intn(256))),
			atom:  a,
		})
	}

	out := make([]*Atom, 0, n)
	tree.Ascend(func(item scoredAtom) bool {
		out = append(out, item.atom)
		return len(out) < n
	})
	return out
}

// maxAtoms implements the §4.6 pool-size cap formula.
func maxAtoms(maxConnectedPeers int) int {
	n := maxConnectedPeers
	switch {
	case n >= 55:
		return n + 150
	case n >= 20:
		return 2*n + 95
	default:
		return 4*n + 55
	}
}

// Prune enforces the §4.6 pool maintenance policy: atoms bound to a live
// peer are always kept; the rest are kept up to maxAtoms(maxConnectedPeers)
// ranked by recent piece-data time (within the last hour) then shelf date,
// and the remainder are freed. It returns the freed atoms.
func (p *AtomPool) Prune(now time.Time, maxConnectedPeers int) []*Atom {
	limit := maxAtoms(maxConnectedPeers)

	var inUse, free []*Atom
	for _, a := range p.byID {
		if a.PeerID != 0 {
			inUse = append(inUse, a)
		} else {
			free = append(free, a)
		}
	}

	if len(inUse)+len(free) <= limit {
		return nil
	}

	sort.Slice(free, func(i, j int) bool {
		ri := recentPieceRank(free[i], now)
		rj := recentPieceRank(free[j], now)
		if ri != rj {
			return ri.After(rj)
		}
		return free[i].ShelfDate.After(free[j].ShelfDate)
	})

	keep := limit - len(inUse)
	if keep < 0 {
		keep = 0
	}
	if keep >= len(free) {
		return nil
	}

	evicted := append([]*Atom(nil), free[keep:]...)
	for _, a := range evicted {
		p.Delete(a.Addr)
	}
	return evicted
}

func recentPieceRank(a *Atom, now time.Time) time.Time {
	if now.Sub(a.PieceDataTime) <= time.Hour {
		return a.PieceDataTime
	}
	return time.Time{}
}
