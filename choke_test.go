package torrent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestPeer(id PeerID) *Peer {
	return NewPeer(id, AtomID(id), "addr", 0)
}

func TestClassifyInterest(t *testing.T) {
	require.Equal(t, classUntested, classify(0, 0))
	require.Equal(t, classGood, classify(10, 0))
	require.Equal(t, classBad, classify(0, 3))
	require.Equal(t, classGood, classify(100, 5)) // 5*10=50 < 100
	require.Equal(t, classBad, classify(10, 5))   // 5*10=50 >= 10
}

func TestRechokeNotUploadingChokesEveryone(t *testing.T) {
	c := NewChokeController(2, 50)
	p1 := newTestPeer(1)
	p1.InterestedByThem = true

	decisions := c.Rechoke(time.Now(), []*Peer{p1}, false, nil, nil, nil)
	require.False(t, decisions[0].Unchoke)
}

func TestRechokeUnchokesTopRatesUpToSlots(t *testing.T) {
	c := NewChokeController(2, 50)
	peers := []*Peer{newTestPeer(1), newTestPeer(2), newTestPeer(3)}
	for _, p := range peers {
		p.InterestedByThem = true
	}
	rates := map[PeerID]int64{1: 100, 2: 50, 3: 10}

	decisions := c.Rechoke(time.Now(), peers, true,
		func(p *Peer) int64 { return rates[p.ID] },
		nil, nil,
	)

	unchoked := map[PeerID]bool{}
	for _, d := range decisions {
		if d.Unchoke {
			unchoked[d.Peer.ID] = true
		}
	}
	require.True(t, unchoked[1])
	require.True(t, unchoked[2])
}

func TestRechokeAlwaysChokesSeeds(t *testing.T) {
	c := NewChokeController(2, 50)
	seed := newTestPeer(1)
	seed.InterestedByThem = true

	decisions := c.Rechoke(time.Now(), []*Peer{seed}, true,
		func(*Peer) int64 { return 1000 },
		func(*Peer) bool { return true },
		nil,
	)
	require.False(t, decisions[0].Unchoke)
}

func TestAdaptMaxPeersShrinksOnHighCancelRate(t *testing.T) {
	c := NewChokeController(2, 50)
	c.maxPeers = 10
	c.AdaptMaxPeers(time.Now(), 0.8, 0.3)
	require.Less(t, c.maxPeers, 10)
	require.GreaterOrEqual(t, c.maxPeers, c.minMaxPeers)
}

func TestAdaptMaxPeersClampedToBounds(t *testing.T) {
	c := NewChokeController(2, 50)
	c.maxPeers = 5
	c.lastHighCancel = time.Now().Add(-100 * time.Hour)
	c.AdaptMaxPeers(time.Now(), 0.0, 0.3)
	require.LessOrEqual(t, c.maxPeers, c.maxMaxPeers)
}
