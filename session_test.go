package torrent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quietbit/peerengine/btprotocol"
	"github.com/quietbit/peerengine/internal/errorsx"
)

func TestOutboundQueueDueRespectsPriorityPeriod(t *testing.T) {
	var q outboundQueue
	start := time.Now()
	q.enqueue(start, PriorityLowLatency, btprotocol.NewKeepAlive())

	require.False(t, q.due(start.Add(time.Second)), "low-latency item isn't due before its 10s period")
	require.True(t, q.due(start.Add(11*time.Second)))
}

func TestOutboundQueueImmediateIsAlwaysDue(t *testing.T) {
	var q outboundQueue
	now := time.Now()
	q.enqueue(now, PriorityImmediate, btprotocol.NewChoke())
	require.True(t, q.due(now))
}

func TestOutboundQueueDrainClearsItems(t *testing.T) {
	var q outboundQueue
	now := time.Now()
	q.enqueue(now, PriorityImmediate, btprotocol.NewChoke())
	q.enqueue(now, PriorityImmediate, btprotocol.NewUnchoke())

	msgs := q.drain()
	require.Len(t, msgs, 2)
	require.True(t, q.empty())
}

func TestOutboundQueueNextDeadline(t *testing.T) {
	var q outboundQueue
	now := time.Now()
	q.enqueue(now, PriorityHighLatency, btprotocol.NewChoke())
	q.enqueue(now, PriorityLowLatency, btprotocol.NewUnchoke())

	deadline, ok := q.nextDeadline(now)
	require.True(t, ok)
	require.Equal(t, now.Add(2*time.Second), deadline, "earliest deadline is the 2s high-latency item")
}

type fakeTorrentRef struct {
	pieceCount int
	known      bool
}

func (f fakeTorrentRef) InfoHash() [20]byte                   { return [20]byte{} }
func (f fakeTorrentRef) PieceCount() (int, bool)               { return f.pieceCount, f.known }
func (f fakeTorrentRef) PieceLength(int) int64                 { return 16384 }
func (f fakeTorrentRef) BlockSize() int                        { return 16384 }
func (f fakeTorrentRef) FilePriority(int) Priority              { return PriorityNormal }
func (f fakeTorrentRef) Wanted(int) bool                       { return true }
func (f fakeTorrentRef) Completed(int) bool                    { return false }
func (f fakeTorrentRef) BytesLeft() int64                       { return 0 }
func (f fakeTorrentRef) MaxConnectedPeers() int                { return 50 }
func (f fakeTorrentRef) SessionLimitOptIn() bool               { return false }
func (f fakeTorrentRef) AnnounceList() [][]string              { return nil }
func (f fakeTorrentRef) Private() bool                         { return false }
func (f fakeTorrentRef) MetadataSize() (int, bool)             { return 0, false }
func (f fakeTorrentRef) Seeding() bool                         { return false }
func (f fakeTorrentRef) RawMetadata() ([]byte, bool)           { return nil, false }

type fakeBlockStore struct {
	written      []BlockAddr
	complete     bool
	verifyResult bool
	verifyErr    error
}

func (f *fakeBlockStore) ReadBlock(TorrentRef, int, int64, int64) ([]byte, error) { return nil, nil }
func (f *fakeBlockStore) WriteBlock(t TorrentRef, piece int, offset int64, data []byte) error {
	f.written = append(f.written, BlockAddr{Index: piece, Begin: offset, Length: int64(len(data))})
	return nil
}
func (f *fakeBlockStore) PrefetchBlock(TorrentRef, int, int64, int64) {}
func (f *fakeBlockStore) PieceComplete(TorrentRef, int) bool          { return f.complete }
func (f *fakeBlockStore) FileComplete(TorrentRef, int) bool           { return false }
func (f *fakeBlockStore) VerifyPiece(TorrentRef, int) (bool, error) {
	return f.verifyResult, f.verifyErr
}

type fakeAnnouncer struct{ total int64 }

func (f *fakeAnnouncer) AddBytes(t TorrentRef, kind ByteKind, n int64) { f.total += n }

type fakeHost struct {
	ref          TorrentRef
	store        *fakeBlockStore
	replication  *ReplicationMap
	ledger       *RequestLedger
	pieces       *WeightedPieceList
	announcer    *fakeAnnouncer
	choke        *ChokeController
	integrityErr error
	pexAdded     []btprotocol.PexPeer
	pexDropped   []btprotocol.PexPeer
	torrentLimit int64
	sessionLimit int64
}

func (h *fakeHost) Ref() TorrentRef                  { return h.ref }
func (h *fakeHost) Store() BlockStore                { return h.store }
func (h *fakeHost) Replication() *ReplicationMap      { return h.replication }
func (h *fakeHost) Ledger() *RequestLedger            { return h.ledger }
func (h *fakeHost) Pieces() *WeightedPieceList        { return h.pieces }
func (h *fakeHost) Announcer() Announcer              { return h.announcer }
func (h *fakeHost) Choke() *ChokeController            { return h.choke }
func (h *fakeHost) Log() logging                      { return LogDiscard() }
func (h *fakeHost) MissingBlocks(piece int) []BlockAddr { return nil }
func (h *fakeHost) PexView() map[string]btprotocol.PexPeer { return nil }
func (h *fakeHost) IngestPex(added, dropped []btprotocol.PexPeer) {
	h.pexAdded = added
	h.pexDropped = dropped
}
func (h *fakeHost) ReportIntegrityFailure(piece int) error {
	if h.integrityErr != nil {
		return h.integrityErr
	}
	return IntegrityFailure(errorsx.Errorf("piece %d failed verification", piece))
}
func (h *fakeHost) RateLimits() (int64, int64) { return h.torrentLimit, h.sessionLimit }

func newTestSession(t *testing.T) (*Session, *fakeHost) {
	host := &fakeHost{
		ref:         fakeTorrentRef{pieceCount: 4, known: true},
		store:       &fakeBlockStore{},
		replication: NewReplicationMap(4),
		ledger:      NewRequestLedger(),
		pieces:      NewWeightedPieceList(),
		announcer:   &fakeAnnouncer{},
		choke:       NewChokeController(4, 50),
	}
	p := NewPeer(1, 1, "1.2.3.4:1", 4)
	s := NewSession(p, nil, host)
	return s, host
}

func TestDispatchHaveBumpsReplication(t *testing.T) {
	s, host := newTestSession(t)
	require.NoError(t, dispatch(s, btprotocol.NewHave(2), time.Now()))
	require.EqualValues(t, 1, host.replication.Count(2))
	require.True(t, s.Peer.Have.Contains(2))
}

func TestDispatchDuplicateHaveIsANoOp(t *testing.T) {
	s, host := newTestSession(t)
	require.NoError(t, dispatch(s, btprotocol.NewHave(2), time.Now()))
	require.NoError(t, dispatch(s, btprotocol.NewHave(2), time.Now()))
	require.EqualValues(t, 1, host.replication.Count(2), "a duplicate Have must not bump replication again")
	require.True(t, s.Peer.Have.Contains(2))
}

func TestDispatchBitfieldThenHaveAllRejected(t *testing.T) {
	s, _ := newTestSession(t)
	bits := []bool{true, false, true, false}
	require.NoError(t, dispatch(s, btprotocol.NewBitfield(bits), time.Now()))
	require.Error(t, dispatch(s, btprotocol.NewHaveAll(), time.Now()), "a second have-state message after bitfield is rejected")
}

func TestDispatchPieceWritesBlockAndCancelsLedger(t *testing.T) {
	s, host := newTestSession(t)
	block := BlockAddr{Index: 0, Begin: 0, Length: 4}
	host.ledger.Add(block, s.Peer.ID, time.Now())

	require.NoError(t, dispatch(s, btprotocol.NewPiece(0, 0, []byte{1, 2, 3, 4}), time.Now()))

	require.Len(t, host.store.written, 1)
	require.Equal(t, 0, host.ledger.PendingToPeer(s.Peer.ID))
	require.EqualValues(t, 4, host.announcer.total)
}

func TestDispatchRejectCancelsLedgerEntry(t *testing.T) {
	s, host := newTestSession(t)
	block := BlockAddr{Index: 0, Begin: 0, Length: 4}
	host.ledger.Add(block, s.Peer.ID, time.Now())

	require.NoError(t, dispatch(s, btprotocol.NewReject(0, 0, 4), time.Now()))
	require.Equal(t, 0, host.ledger.PendingToPeer(s.Peer.ID))
}

func TestDispatchPieceWithoutOutstandingRequestDiscarded(t *testing.T) {
	s, host := newTestSession(t)

	require.NoError(t, dispatch(s, btprotocol.NewPiece(0, 0, []byte{1, 2, 3, 4}), time.Now()))

	require.Len(t, host.store.written, 0, "a block never requested is discarded, not written")
	require.EqualValues(t, 0, host.announcer.total)
	require.False(t, s.Peer.Blame.Contains(0))
}

func TestDispatchPieceMismatchedLengthDiscarded(t *testing.T) {
	s, host := newTestSession(t)
	block := BlockAddr{Index: 0, Begin: 0, Length: 4}
	host.ledger.Add(block, s.Peer.ID, time.Now())

	require.NoError(t, dispatch(s, btprotocol.NewPiece(0, 0, []byte{1, 2, 3}), time.Now()))

	require.Len(t, host.store.written, 0, "a reply shorter than the outstanding request's length doesn't match the ledger entry")
	require.Equal(t, 1, host.ledger.PendingToPeer(s.Peer.ID), "the real outstanding request is untouched")
}

func TestDispatchPieceCreditsBlame(t *testing.T) {
	s, host := newTestSession(t)
	block := BlockAddr{Index: 2, Begin: 0, Length: 4}
	host.ledger.Add(block, s.Peer.ID, time.Now())

	require.NoError(t, dispatch(s, btprotocol.NewPiece(2, 0, []byte{1, 2, 3, 4}), time.Now()))

	require.True(t, s.Peer.Blame.Contains(2), "a credited piece is recorded against the sending peer's blame bitmap")
}

func TestDispatchPieceCompletingFailsVerificationReportsIntegrityFailure(t *testing.T) {
	s, host := newTestSession(t)
	host.store.complete = true
	host.store.verifyResult = false
	block := BlockAddr{Index: 2, Begin: 0, Length: 4}
	host.ledger.Add(block, s.Peer.ID, time.Now())

	err := dispatch(s, btprotocol.NewPiece(2, 0, []byte{1, 2, 3, 4}), time.Now())
	require.Error(t, err)
	var engineErr *EngineError
	require.ErrorAs(t, err, &engineErr)
	require.Equal(t, KindIntegrityFailure, engineErr.Kind)
}

func TestDispatchPieceCompletingPassesVerificationNoError(t *testing.T) {
	s, host := newTestSession(t)
	host.store.complete = true
	host.store.verifyResult = true
	block := BlockAddr{Index: 2, Begin: 0, Length: 4}
	host.ledger.Add(block, s.Peer.ID, time.Now())

	require.NoError(t, dispatch(s, btprotocol.NewPiece(2, 0, []byte{1, 2, 3, 4}), time.Now()))
}

func TestReportIntegrityFailureStrikesAndBansAtThreshold(t *testing.T) {
	ts := newTestTorrentState(t)
	addr := mustAddr("1.2.3.4:6881")
	atom := ts.Atoms().Ensure(addr, SourceTracker, time.Now())
	p := NewPeer(ts.AllocatePeerID(), atom.ID, addr.String(), 4)
	ts.AddPeer(addr, p)

	for i := 0; i < StrikeBanThreshold-1; i++ {
		p.Blame.Add(7)
		err := ts.ReportIntegrityFailure(7)
		require.Error(t, err)
		require.False(t, p.DoPurge, "not yet banned before the threshold")
	}

	p.Blame.Add(7)
	require.Error(t, ts.ReportIntegrityFailure(7))
	require.Equal(t, StrikeBanThreshold, p.Strikes)
	require.True(t, p.DoPurge, "banned once strikes reach the threshold")
	require.True(t, atom.Flags2&AtomFlag2Banned != 0)
}

func TestReportIntegrityFailureLeavesUninvolvedPeersAlone(t *testing.T) {
	ts := newTestTorrentState(t)
	addr := mustAddr("1.2.3.4:6881")
	atom := ts.Atoms().Ensure(addr, SourceTracker, time.Now())
	p := NewPeer(ts.AllocatePeerID(), atom.ID, addr.String(), 4)
	ts.AddPeer(addr, p)

	require.Error(t, ts.ReportIntegrityFailure(3))
	require.Equal(t, 0, p.Strikes, "a peer whose blame bitmap doesn't cover the failed piece isn't struck")
}

func TestAdmitRequestRejectsWhenPieceIncomplete(t *testing.T) {
	s, _ := newTestSession(t)
	s.Peer.ChokedByUs = false
	s.Peer.FastExtension = true

	require.NoError(t, dispatch(s, btprotocol.NewRequest(0, 0, 16384), time.Now()))
	require.Equal(t, 0, s.Peer.Requests.Len(), "a request for a piece we haven't completed is refused")
}

func TestAdmitRequestAcceptsCompletedPiece(t *testing.T) {
	s, host := newTestSession(t)
	s.Peer.ChokedByUs = false
	host.ref = acceptingTorrentRef{fakeTorrentRef{pieceCount: 4, known: true}}

	require.NoError(t, dispatch(s, btprotocol.NewRequest(0, 0, 16384), time.Now()))
	require.Equal(t, 1, s.Peer.Requests.Len())
	require.Equal(t, 1, s.Peer.PendingToUs)
}

func TestAdmitRequestRefusesWhenChokingPeer(t *testing.T) {
	s, host := newTestSession(t)
	s.Peer.ChokedByUs = true
	host.ref = acceptingTorrentRef{fakeTorrentRef{pieceCount: 4, known: true}}

	require.NoError(t, dispatch(s, btprotocol.NewRequest(0, 0, 16384), time.Now()))
	require.Equal(t, 0, s.Peer.Requests.Len(), "a choked peer's request is refused even for a completed piece")
}

func TestDispatchCancelRemovesQueuedRequest(t *testing.T) {
	s, host := newTestSession(t)
	s.Peer.ChokedByUs = false
	host.ref = acceptingTorrentRef{fakeTorrentRef{pieceCount: 4, known: true}}

	require.NoError(t, dispatch(s, btprotocol.NewRequest(0, 0, 16384), time.Now()))
	require.Equal(t, 1, s.Peer.Requests.Len())

	require.NoError(t, dispatch(s, btprotocol.NewCancel(0, 0, 16384), time.Now()))
	require.Equal(t, 0, s.Peer.Requests.Len())
	require.Equal(t, 0, s.Peer.PendingToUs)
}

func TestDispatchPexIngestsAddedAndDropped(t *testing.T) {
	s, host := newTestSession(t)
	added := []btprotocol.PexPeer{{IP: []byte{127, 0, 0, 1}, Port: 6881}}
	payload, err := btprotocol.MarshalPexMessage(added, nil)
	require.NoError(t, err)

	s.Peer.Extensions = map[btprotocol.ExtensionName]btprotocol.ExtensionNumber{
		btprotocol.ExtensionNamePex: 2,
	}
	require.NoError(t, dispatch(s, btprotocol.Message{
		Type:            btprotocol.Extended,
		ExtendedID:      2,
		ExtendedPayload: payload,
	}, time.Now()))

	require.Len(t, host.pexAdded, 1)
	require.Equal(t, uint16(6881), host.pexAdded[0].Port)
}

func TestDispatchMetadataRequestAnswersWithDataWhenAvailable(t *testing.T) {
	s, host := newTestSession(t)
	host.ref = metadataTorrentRef{fakeTorrentRef{pieceCount: 4, known: true}, []byte("d4:infod e e")}

	s.Peer.Extensions = map[btprotocol.ExtensionName]btprotocol.ExtensionNumber{
		btprotocol.ExtensionNameMetadata: 3,
	}
	payload, err := btprotocol.MarshalMetadataMessage(btprotocol.MetadataMessage{MsgType: btprotocol.MetadataRequest, Piece: 0}, nil)
	require.NoError(t, err)

	require.NoError(t, dispatch(s, btprotocol.Message{
		Type:            btprotocol.Extended,
		ExtendedID:      3,
		ExtendedPayload: payload,
	}, time.Now()))

	msgs := s.out.drain()
	require.Len(t, msgs, 1)
	require.Equal(t, btprotocol.Extended, msgs[0].Type)
}

func TestDispatchMetadataDataAssemblesSession(t *testing.T) {
	s, _ := newTestSession(t)
	raw := []byte("hello")
	payload, err := btprotocol.MarshalMetadataMessage(btprotocol.MetadataMessage{MsgType: btprotocol.MetadataData, Piece: 0, TotalSize: len(raw)}, raw)
	require.NoError(t, err)

	require.NoError(t, dispatchMetadata(s, payload, time.Now()))

	got, complete := s.Metadata()
	require.True(t, complete)
	require.Equal(t, raw, got)
}

func TestDesiredRequestCountFloorsAtFourAndClampsToReqq(t *testing.T) {
	require.Equal(t, 4, DesiredRequestCount(0, 0, 0, 16384, 250), "no observed rate yet still gets the floor")
	require.Equal(t, 10, DesiredRequestCount(16384, 0, 0, 16384, 250), "ten seconds of buffer at one block/sec")
	require.Equal(t, 50, DesiredRequestCount(16384*1000, 0, 0, 16384, 50), "clamped by the peer's advertised reqq")
}

func TestDesiredRequestCountClampsToTightestLimit(t *testing.T) {
	got := DesiredRequestCount(16384*1000, 16384*20, 16384*5, 16384, 250)
	require.Equal(t, 50, got, "the session-wide cap is the tightest of the three and wins")
}

// acceptingTorrentRef reports every piece as completed, for exercising the
// Request admission gate's otherwise-unreachable accept path.
type acceptingTorrentRef struct{ fakeTorrentRef }

func (acceptingTorrentRef) Completed(int) bool { return true }

// metadataTorrentRef carries raw info-dict bytes for the metadata-serving
// tests.
type metadataTorrentRef struct {
	fakeTorrentRef
	raw []byte
}

func (m metadataTorrentRef) RawMetadata() ([]byte, bool) { return m.raw, true }
