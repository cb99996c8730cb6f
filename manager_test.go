package torrent

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManagerAddTorrentIsIdempotentPerInfoHash(t *testing.T) {
	m := NewManager(nil)
	ref := fakeTorrentRef{pieceCount: 4, known: true}

	ts1, err := m.AddTorrent(ref, &fakeBlockStore{}, &fakeAnnouncer{})
	require.NoError(t, err)

	ts2, err := m.AddTorrent(ref, &fakeBlockStore{}, &fakeAnnouncer{})
	require.NoError(t, err)
	require.Same(t, ts1, ts2, "re-adding the same info-hash returns the existing torrent")
}

func TestManagerTorrentLookupMissing(t *testing.T) {
	m := NewManager(nil)
	_, ok := m.Torrent([20]byte{1})
	require.False(t, ok)
}

func TestManagerRemoveTorrentUnknownReturnsError(t *testing.T) {
	m := NewManager(nil)
	require.ErrorIs(t, m.RemoveTorrent([20]byte{9}), ErrUnknownTorrent)
}

func TestManagerRemoveTorrentClosesPeerSessions(t *testing.T) {
	m := NewManager(nil)
	ref := fakeTorrentRef{pieceCount: 4, known: true}
	ts, err := m.AddTorrent(ref, &fakeBlockStore{}, &fakeAnnouncer{})
	require.NoError(t, err)

	server, client := net.Pipe()
	defer server.Close()

	addr := mustAddr("1.2.3.4:6881")
	atom := ts.Atoms().Ensure(addr, SourceTracker, time.Now())
	p := NewPeer(ts.AllocatePeerID(), atom.ID, addr.String(), 4)
	p.Session = NewSession(p, NewIOCollaborator(client, 0), ts)
	ts.AddPeer(addr, p)

	require.NoError(t, m.RemoveTorrent(ref.InfoHash()))

	_, ok := m.Torrent(ref.InfoHash())
	require.False(t, ok)

	_, err = client.Write([]byte("x"))
	require.Error(t, err, "closing the torrent should have closed the peer's session IO")
}

func TestManagerTorrentGotMetadataRebuildsReplicationMap(t *testing.T) {
	m := NewManager(nil)
	ref := fakeTorrentRef{pieceCount: 8, known: true}
	ts, err := m.AddTorrent(ref, &fakeBlockStore{}, &fakeAnnouncer{})
	require.NoError(t, err)

	addr := mustAddr("1.2.3.4:6881")
	p := NewPeer(ts.AllocatePeerID(), 0, addr.String(), 8)
	p.Have.Add(3)
	ts.AddPeer(addr, p)
	require.EqualValues(t, 0, ts.Replication().Count(3))

	require.NoError(t, m.TorrentGotMetadata(ref.InfoHash(), []string{"https://example.com/seed"}))
	require.Equal(t, []string{"https://example.com/seed"}, ts.Webseeds())
	require.EqualValues(t, 1, ts.Replication().Count(3), "rebuilt map counts the connected peer's pieces")
}

func TestManagerTorrentGotMetadataUnknownHashErrors(t *testing.T) {
	m := NewManager(nil)
	require.ErrorIs(t, m.TorrentGotMetadata([20]byte{7}, nil), ErrUnknownTorrent)
}

func TestManagerTickAtomAgeingOnlyTouchesRunningTorrents(t *testing.T) {
	m := NewManager(nil)
	ref := fakeTorrentRef{pieceCount: 4, known: true}
	ts, err := m.AddTorrent(ref, &fakeBlockStore{}, &fakeAnnouncer{})
	require.NoError(t, err)

	addr := mustAddr("1.2.3.4:6881")
	ts.Atoms().Ensure(addr, SourceTracker, time.Now().Add(-time.Hour))

	m.tickAtomAgeing(time.Now())
	require.Equal(t, 1, ts.Atoms().Len(), "not running, so pruning does not touch it yet")

	ts.SetRunning(true)
	m.tickAtomAgeing(time.Now())
}

func TestManagerTickRechokeSkipsTorrentsWithNoPeers(t *testing.T) {
	m := NewManager(nil)
	ref := fakeTorrentRef{pieceCount: 4, known: true}
	ts, err := m.AddTorrent(ref, &fakeBlockStore{}, &fakeAnnouncer{})
	require.NoError(t, err)
	ts.SetRunning(true)

	require.NotPanics(t, func() { m.tickRechoke(time.Now()) })
}

func TestManagerTickRefillUpkeepSortsPieces(t *testing.T) {
	m := NewManager(nil)
	ref := fakeTorrentRef{pieceCount: 4, known: true}
	ts, err := m.AddTorrent(ref, &fakeBlockStore{}, &fakeAnnouncer{})
	require.NoError(t, err)
	ts.SetRunning(true)
	ts.pieces.Add(&WeightedPiece{Index: 0, BlockCount: 1, MissingBlocks: 1, Priority: PriorityNormal})

	require.NotPanics(t, func() { m.tickRefillUpkeep(time.Now()) })
}

func TestManagerDialMarksAtomUnreachableOnHandshakeError(t *testing.T) {
	m := NewManager(nil, OptionHandshake(&fakeHandshakeCollaborator{newOutgoingErr: ErrDuplicateConnection}))
	ref := fakeTorrentRef{pieceCount: 4, known: true}
	ts, err := m.AddTorrent(ref, &fakeBlockStore{}, &fakeAnnouncer{})
	require.NoError(t, err)

	addr := mustAddr("1.2.3.4:6881")
	atom := ts.Atoms().Ensure(addr, SourceTracker, time.Now())

	m.dial(nil, ts, atom)
	require.True(t, atom.Unreachable())
}

func TestRateOfDirectionZeroWithoutSession(t *testing.T) {
	p := NewPeer(1, 1, "1.2.3.4:1", 4)
	require.Equal(t, int64(0), rateOfDirection(true)(p), "no session bound yet means a zero rate, not a panic")
}

func TestAggregateCancelRateZeroWhenNoHistory(t *testing.T) {
	peers := []*Peer{NewPeer(1, 1, "1.2.3.4:1", 4)}
	require.Zero(t, aggregateCancelRate(time.Now(), peers))
}

func TestHasWantedPieceFromMatchesPeerBitfield(t *testing.T) {
	ts := newTestTorrentState(t)
	ts.pieces.Add(&WeightedPiece{Index: 2, BlockCount: 1, MissingBlocks: 1, Priority: PriorityNormal})

	p := NewPeer(1, 1, "1.2.3.4:1", 4)
	p.Have.Add(2)

	require.True(t, hasWantedPieceFrom(ts, p))
}

func TestHasWantedPieceFromFalseWhenNoOverlap(t *testing.T) {
	ts := newTestTorrentState(t)
	ts.pieces.Add(&WeightedPiece{Index: 2, BlockCount: 1, MissingBlocks: 1, Priority: PriorityNormal})

	p := NewPeer(1, 1, "1.2.3.4:1", 4)
	require.False(t, hasWantedPieceFrom(ts, p))
}
