package torrent

import (
	"math/rand"
	"sort"
	"time"

	"github.com/anacrolix/multiless"
)

// UpchokeDecision is the outcome of the choke controller for one peer.
type UpchokeDecision struct {
	Peer    *Peer
	Unchoke bool
}

// InterestDecision is the outcome of the interest classifier for one peer.
type InterestDecision struct {
	Peer       *Peer
	Interested bool
}

// interestClass is the §4.4 peer classification used to rank interest
// candidates.
type interestClass int

const (
	classBad interestClass = iota
	classUntested
	classGood
)

func classify(blocksReceived, cancelsSent int) interestClass {
	switch {
	case blocksReceived == 0 && cancelsSent == 0:
		return classUntested
	case cancelsSent == 0:
		return classGood
	case blocksReceived == 0:
		return classBad
	case cancelsSent*10 < blocksReceived:
		return classGood
	default:
		return classBad
	}
}

// ChokeController runs the §4.4 periodic unchoke and interest decisions.
// It holds only the small amount of state that must persist across ticks:
// the optimistic-unchoke selection and the adaptive max_peers bound used by
// the interest classifier.
type ChokeController struct {
	UploadSlotsPerTorrent int

	optimisticPeer    PeerID
	optimisticTicksLeft int

	maxPeers        int
	minMaxPeers     int
	maxMaxPeers     int
	lastHighCancel  time.Time
	cancelWindow    time.Duration
}

// NewChokeController constructs a controller with max_peers seeded at its
// floor, clamped to [5, torrentMaxConnectedPeers] per §4.4.
func NewChokeController(uploadSlots, torrentMaxConnectedPeers int) *ChokeController {
	min := 5
	max := torrentMaxConnectedPeers
	if max < min {
		max = min
	}
	return &ChokeController{
		UploadSlotsPerTorrent: uploadSlots,
		maxPeers:              min,
		minMaxPeers:           min,
		maxMaxPeers:           max,
		cancelWindow:          2 * time.Minute,
	}
}

type rateablePeer struct {
	peer         *Peer
	rate         int64
	wasUnchoked  bool
}

// Rechoke implements §4.4's unchoke reciprocation and optimistic unchoke.
// rateOf computes the direction-appropriate rate for peer given the
// torrent's seeding/private state; uploading reports whether the torrent is
// uploading at all (peers are all choked otherwise).
func (c *ChokeController) Rechoke(now time.Time, peers []*Peer, uploading bool, rateOf func(*Peer) int64, isSeedOrPartialSeed func(*Peer) bool, newlyConnected func(*Peer) bool) []UpchokeDecision {
	decisions := make([]UpchokeDecision, 0, len(peers))

	if !uploading {
		for _, p := range peers {
			decisions = append(decisions, UpchokeDecision{Peer: p, Unchoke: false})
		}
		return decisions
	}

	var eligible []rateablePeer
	var seeds []*Peer
	for _, p := range peers {
		if isSeedOrPartialSeed != nil && isSeedOrPartialSeed(p) {
			seeds = append(seeds, p)
			continue
		}
		eligible = append(eligible, rateablePeer{peer: p, rate: rateOf(p), wasUnchoked: !p.ChokedByUs})
	}
	for _, p := range seeds {
		decisions = append(decisions, UpchokeDecision{Peer: p, Unchoke: false})
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		return multiless.New().
			Uint32(uint32(clampRate(b.rate)), uint32(clampRate(a.rate))). // descending rate: b,a swapped
			Bool(!a.wasUnchoked, !b.wasUnchoked).
			Less()
	})

	unchokedCount := 0
	if c.optimisticTicksLeft > 0 {
		c.optimisticTicksLeft--
	} else {
		c.optimisticPeer = 0
	}

	var remaining []rateablePeer
	for _, rp := range eligible {
		if rp.peer.ID == c.optimisticPeer {
			decisions = append(decisions, UpchokeDecision{Peer: rp.peer, Unchoke: true})
			continue
		}
		if rp.peer.InterestedByThem && unchokedCount < c.UploadSlotsPerTorrent {
			decisions = append(decisions, UpchokeDecision{Peer: rp.peer, Unchoke: true})
			unchokedCount++
			continue
		}
		remaining = append(remaining, rp)
	}

	if c.optimisticPeer == 0 || c.optimisticTicksLeft <= 0 {
		if pick := pickOptimistic(remaining, newlyConnected); pick != nil {
			decisions = append(decisions, UpchokeDecision{Peer: pick, Unchoke: true})
			c.optimisticPeer = pick.ID
			c.optimisticTicksLeft = 4
			for i, rp := range remaining {
				if rp.peer == pick {
					remaining = append(remaining[:i], remaining[i+1:]...)
					break
				}
			}
		}
	}

	for _, rp := range remaining {
		decisions = append(decisions, UpchokeDecision{Peer: rp.peer, Unchoke: false})
	}

	return decisions
}

func clampRate(r int64) int64 {
	if r < 0 {
		return 0
	}
	if r > 1<<31-1 {
		return 1<<31 - 1
	}
	return r
}

// pickOptimistic selects one interested peer uniformly at random from a
// pool where newly-connected peers are weighted 3x, per §4.4.
func pickOptimistic(candidates []rateablePeer, newlyConnected func(*Peer) bool) *Peer {
	var pool []*Peer
	for _, rp := range candidates {
		if !rp.peer.InterestedByThem {
			continue
		}
		weight := 1
		if newlyConnected != nil && newlyConnected(rp.peer) {
			weight = 3
		}
		for i := 0; i < weight; i++ {
			pool = append(pool, rp.peer)
		}
	}
	if len(pool) == 0 {
		return nil
	}
	return pool[rand.Intn(len(pool))]
}

// ClassifyInterest implements §4.4's interest declaration: good peers first,
// then untested, then bad, then random within class, taking the top
// max_peers as Interested and the rest as NotInterested.
func (c *ChokeController) ClassifyInterest(now time.Time, peers []*Peer, hasWantedPieceFrom func(*Peer) bool) []InterestDecision {
	type scored struct {
		peer  *Peer
		class interestClass
		salt  int
	}

	var candidates []scored
	var skipped []*Peer
	for _, p := range peers {
		if hasWantedPieceFrom != nil && !hasWantedPieceFrom(p) {
			skipped = append(skipped, p)
			continue
		}
		blocks := p.BlocksReceivedHistory.Sum(now)
		cancels := p.CancelsSentByUs.Sum(now)
		candidates = append(candidates, scored{peer: p, class: classify(blocks, cancels), salt: rand.Int()})
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		// class order wanted: good(2) before untested(1) before bad(0), so
		// higher class value sorts first.
		return multiless.New().
			Uint32(uint32(classGood-a.class), uint32(classGood-b.class)).
			Uint32(uint32(a.salt), uint32(b.salt)).
			Less()
	})

	decisions := make([]InterestDecision, 0, len(peers))
	for i, s := range candidates {
		decisions = append(decisions, InterestDecision{Peer: s.peer, Interested: i < c.maxPeers})
	}
	for _, p := range skipped {
		decisions = append(decisions, InterestDecision{Peer: p, Interested: false})
	}
	return decisions
}

// AdaptMaxPeers applies §4.4's adaptive max_peers rule: a high cancel rate
// among responsive peers shrinks the bound multiplicatively; time since the
// last high-cancel event grows it back additively, up to 15 over two cancel
// window intervals, clamped to [min, torrentMaxConnectedPeers].
func (c *ChokeController) AdaptMaxPeers(now time.Time, cancelRate float64, highCancelThreshold float64) {
	if cancelRate >= highCancelThreshold {
		shrink := 1.0 - minFloat(cancelRate, 0.5)
		c.maxPeers = int(float64(c.maxPeers) * shrink)
		c.lastHighCancel = now
	} else if !c.lastHighCancel.IsZero() {
		elapsed := now.Sub(c.lastHighCancel)
		if elapsed > 2*c.cancelWindow {
			elapsed = 2 * c.cancelWindow
		}
		grown := int(15 * elapsed.Seconds() / (2 * c.cancelWindow.Seconds()))
		c.maxPeers += grown
	}
	if c.maxPeers < c.minMaxPeers {
		c.maxPeers = c.minMaxPeers
	}
	if c.maxPeers > c.maxMaxPeers {
		c.maxPeers = c.maxMaxPeers
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
