package torrent

import (
	"sync"
	"time"

	"github.com/quietbit/peerengine/btprotocol"
)

// OutboundPriority classifies a queued outbound message for the writer's
// batching rule (§4.1): Immediate messages flush on the next writer tick,
// High-latency messages tolerate up to 2s of batching, Low-latency ones up
// to 10s, mirroring the teacher's connwriter distinction between PostImmediate
// and the buffered Post/bufmsg path.
type OutboundPriority int

const (
	PriorityImmediate OutboundPriority = iota
	PriorityHighLatency
	PriorityLowLatency
)

func (p OutboundPriority) period() time.Duration {
	switch p {
	case PriorityHighLatency:
		return 2 * time.Second
	case PriorityLowLatency:
		return 10 * time.Second
	default:
		return 0
	}
}

type outboundMsg struct {
	msg       btprotocol.Message
	priority  OutboundPriority
	batchedAt time.Time
}

// KeepAliveInterval is the period after which a keepalive is sent absent any
// other outbound traffic, per §4.1.
const KeepAliveInterval = 100 * time.Second

// PexInterval is the period between unsolicited PEX diff messages, per BEP 11
// and spec §4.1's "advertise changes since last" cadence.
const PexInterval = 90 * time.Second

// SessionHost supplies the torrent-scoped collaborators a Session needs,
// keeping the wire session itself free of any dependency on how a torrent's
// peer set, piece schedule, or storage are actually organised.
type SessionHost interface {
	Ref() TorrentRef
	Store() BlockStore
	Replication() *ReplicationMap
	Ledger() *RequestLedger
	Pieces() *WeightedPieceList
	Announcer() Announcer
	Choke() *ChokeController
	Log() logging

	// MissingBlocks enumerates the still-needed blocks of piece, consulted by
	// the writer's request-pipeline fill.
	MissingBlocks(piece int) []BlockAddr
	// PexView returns the current connected-peer snapshot a session's writer
	// diffs against its own last-sent view to build a PEX update.
	PexView() map[string]btprotocol.PexPeer
	// IngestPex feeds a session's decoded ut_pex added/dropped sets into the
	// torrent's atom pool, source-tagged SourcePEX.
	IngestPex(added, dropped []btprotocol.PexPeer)
	// ReportIntegrityFailure strikes every peer blamed for piece and bans
	// any of their atoms that cross the strike threshold, returning the
	// IntegrityFailure error the reporting session's dispatch loop should
	// fail with.
	ReportIntegrityFailure(piece int) error
	// RateLimits returns the torrent-wide and session-wide download rate
	// caps (bytes/sec, 0 = unlimited) the writer's request pipeline clamps
	// its desired in-flight count against.
	RateLimits() (torrentLimit, sessionLimit int64)
}

// outboundQueue is the per-session batching buffer backing the §4.1
// three-tier flush rule. A session's reader, writer, and the owning
// manager's periodic upkeep pulse (timed-cancellation sends) all enqueue
// onto the same session concurrently, so the queue guards its slice with
// its own mutex rather than relying on single-goroutine ownership.
type outboundQueue struct {
	mu    sync.Mutex
	items []outboundMsg
}

func (q *outboundQueue) enqueue(now time.Time, priority OutboundPriority, msg btprotocol.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, outboundMsg{msg: msg, priority: priority, batchedAt: now})
}

// due reports whether any queued message has aged past its priority's
// batching period, i.e. now - batched_at >= current_period.
func (q *outboundQueue) due(now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if now.Sub(it.batchedAt) >= it.priority.period() {
			return true
		}
	}
	return false
}

// nextDeadline returns the earliest time at which an item becomes due,
// for the writer's idle-wait.
func (q *outboundQueue) nextDeadline(now time.Time) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var best time.Time
	found := false
	for _, it := range q.items {
		d := it.batchedAt.Add(it.priority.period())
		if !found || d.Before(best) {
			best = d
			found = true
		}
	}
	return best, found
}

func (q *outboundQueue) drain() []btprotocol.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]btprotocol.Message, len(q.items))
	for i, it := range q.items {
		out[i] = it.msg
	}
	q.items = q.items[:0]
	return out
}

// drainDue removes and returns only the items that have aged past their
// priority's batching period, leaving not-yet-due items buffered for a
// later flush.
func (q *outboundQueue) drainDue(now time.Time) []btprotocol.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []btprotocol.Message
	kept := q.items[:0]
	for _, it := range q.items {
		if now.Sub(it.batchedAt) >= it.priority.period() {
			out = append(out, it.msg)
		} else {
			kept = append(kept, it)
		}
	}
	q.items = kept
	return out
}

func (q *outboundQueue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// Session is the per-peer wire protocol state machine of §4.1, built on
// cstate the same way the teacher's connection reader/writer loops are: the
// reader and writer run as independent chains of small steps sharing the
// Session's mutable state.
type Session struct {
	Peer *Peer
	IO   IOCollaborator
	Host SessionHost

	decoder *btprotocol.Decoder

	out outboundQueue

	keepAliveTimeout      time.Duration
	lastWriteAt           time.Time
	lastPexAt             time.Time
	pexPrev               map[string]btprotocol.PexPeer
	lastMetadataRequestAt time.Time

	metadataPieces [][]byte
	metadataSize   int

	bitfieldApplied bool
}

// NewSession constructs a session bound to peer over io, with a decoder
// whose piece-count callback is supplied by host's torrent reference.
func NewSession(peer *Peer, io IOCollaborator, host SessionHost) *Session {
	s := &Session{
		Peer:             peer,
		IO:               io,
		Host:             host,
		keepAliveTimeout: KeepAliveInterval,
		pexPrev:          make(map[string]btprotocol.PexPeer),
	}
	s.decoder = &btprotocol.Decoder{
		R:         io,
		MaxLength: btprotocol.DefaultMaxLength,
		PieceCount: func() (uint64, bool) {
			n, known := host.Ref().PieceCount()
			return uint64(n), known
		},
	}
	return s
}

// Enqueue schedules msg for the next writer flush at the given priority.
func (s *Session) Enqueue(now time.Time, priority OutboundPriority, msg btprotocol.Message) {
	s.out.enqueue(now, priority, msg)
}

// Metadata returns the info-dict bytes assembled so far from this peer's
// ut_metadata replies, and whether every expected piece has arrived.
func (s *Session) Metadata() ([]byte, bool) {
	if s.metadataSize <= 0 {
		return nil, false
	}
	expected := (s.metadataSize + btprotocol.MetadataPieceSize - 1) / btprotocol.MetadataPieceSize
	if len(s.metadataPieces) < expected {
		return nil, false
	}
	out := make([]byte, 0, s.metadataSize)
	for i := 0; i < expected; i++ {
		if s.metadataPieces[i] == nil {
			return nil, false
		}
		out = append(out, s.metadataPieces[i]...)
	}
	return out, true
}

// flush marshals and writes every queued message whose batching period has
// elapsed, in FIFO order, leaving still-batching messages queued for a
// later tick per §4.1's three-tier flush rule.
func (s *Session) flush(now time.Time) error {
	if !s.out.due(now) {
		return nil
	}
	msgs := s.out.drainDue(now)
	if len(msgs) == 0 {
		return nil
	}
	for _, m := range msgs {
		b, err := m.MarshalBinary()
		if err != nil {
			return err
		}
		if _, err := s.IO.Write(b); err != nil {
			return err
		}
	}
	s.lastWriteAt = now
	return nil
}
