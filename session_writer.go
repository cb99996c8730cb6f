package torrent

import (
	"context"
	"time"

	"github.com/quietbit/peerengine/btprotocol"
	"github.com/quietbit/peerengine/cstate"
	"github.com/quietbit/peerengine/internal/errorsx"
	"github.com/quietbit/peerengine/internal/timex"
)

// RequestBufSecs is how many seconds of a peer's observed download rate its
// desired outstanding-request pipeline is sized to hold.
const RequestBufSecs = 10

// MetadataRequestInterval is the minimum spacing between ut_metadata
// requests sent to a single peer while this torrent's metadata is still
// incomplete, per BEP 9.
const MetadataRequestInterval = 5 * time.Second

// DesiredRequestCount computes how many outstanding block requests a peer
// should be kept filled to: enough to hold RequestBufSecs worth of the
// slowest of the peer's observed rate, the torrent's configured cap, and the
// session-wide cap (0 meaning unlimited, so only positive limits clamp),
// floored at 4 and never exceeding the peer's advertised reqq. A
// non-positive observed rate counts as no measurement, so a positive cap
// then sets the rate on its own.
func DesiredRequestCount(peerRate, torrentLimit, sessionLimit int64, blockSize int, peerReqq int) int {
	if blockSize <= 0 {
		blockSize = btprotocol.MaxRequestLength
	}
	rate := peerRate
	if torrentLimit > 0 && (rate <= 0 || torrentLimit < rate) {
		rate = torrentLimit
	}
	if sessionLimit > 0 && (rate <= 0 || sessionLimit < rate) {
		rate = sessionLimit
	}

	desired := int(rate * int64(RequestBufSecs) / int64(blockSize))
	if desired < 4 {
		desired = 4
	}

	reqq := peerReqq
	if reqq <= 0 {
		reqq = 250
	}
	if desired > reqq {
		desired = reqq
	}
	return desired
}

// writerState carries the writer loop's mutable bookkeeping across cstate
// steps, the same role the teacher's writerstate struct plays for
// connwriterinit's chain.
type writerState struct {
	*Session
	sentChoked     bool
	sentInterested bool
	chokeInit      bool
	interestInit   bool

	desiredRequests int
	desiredInit     bool
	sawChokedByThem bool
}

// RunWriter drives the write half of a session: synchronising choke/interest
// state, filling the request pipeline, sending periodic PEX diffs, and
// flushing the outbound batching queue, per §4.1.
func RunWriter(ctx context.Context, s *Session) error {
	ws := &writerState{Session: s}
	return cstate.Run(ctx, writerActive(ws), s.Host.Log())
}

func writerActive(ws *writerState) cstate.T {
	return cstate.Fn(func(ctx context.Context, _ *cstate.Shared) cstate.T {
		now := time.Now()

		if err := ws.syncChokeInterest(now); err != nil {
			return cstate.Failure(err)
		}
		ws.fillRequests(now)
		ws.serveRequests(now)
		ws.maybeSendPex(now)
		if err := ws.maybeSendMetadataRequest(now); err != nil {
			return cstate.Failure(err)
		}

		if err := ws.flush(now); err != nil {
			return cstate.Failure(errorsx.Wrap(err, "flush failed"))
		}

		return writerIdle(ws)
	})
}

func (ws *writerState) syncChokeInterest(now time.Time) error {
	p := ws.Peer

	if !ws.chokeInit || ws.sentChoked != p.ChokedByUs {
		if p.ChokedByUs {
			ws.Enqueue(now, PriorityImmediate, btprotocol.NewChoke())
			p.Requests.Clear()
			p.PendingToUs = 0
		} else {
			ws.Enqueue(now, PriorityImmediate, btprotocol.NewUnchoke())
		}
		ws.sentChoked = p.ChokedByUs
		ws.chokeInit = true
	}

	if !ws.interestInit || ws.sentInterested != p.InterestedByUs {
		ws.Enqueue(now, PriorityImmediate, btprotocol.NewInterested(p.InterestedByUs))
		ws.sentInterested = p.InterestedByUs
		ws.interestInit = true
	}
	return nil
}

// recomputeDesiredRequests refreshes the desired outstanding-request count
// for the peer from its observed download rate and the torrent/session rate
// caps, per DesiredRequestCount. Recomputed on the first tick and on every
// ChokedByThem transition rather than every tick, since the inputs only
// meaningfully move on those events.
func (ws *writerState) recomputeDesiredRequests() {
	torrentLimit, sessionLimit := ws.Host.RateLimits()
	ws.desiredRequests = DesiredRequestCount(
		ws.IO.RateDown(),
		torrentLimit,
		sessionLimit,
		ws.Host.Ref().BlockSize(),
		ws.Peer.PeerReqq,
	)
}

// fillRequests tops up outstanding requests toward this peer once the
// pipeline has drained to at most two-thirds of the desired count, choosing
// blocks via the torrent's weighted piece list and recording each in the
// request ledger.
func (ws *writerState) fillRequests(now time.Time) {
	p := ws.Peer
	if p.ChokedByThem || !p.InterestedByUs {
		ws.sawChokedByThem = p.ChokedByThem
		return
	}

	if !ws.desiredInit || ws.sawChokedByThem != p.ChokedByThem {
		ws.recomputeDesiredRequests()
		ws.desiredInit = true
	}
	ws.sawChokedByThem = p.ChokedByThem

	ledger := ws.Host.Ledger()
	pending := ledger.PendingToPeer(p.ID)
	if pending*3 > ws.desiredRequests*2 {
		return
	}

	numwant := ws.desiredRequests - pending
	if numwant <= 0 {
		return
	}
	blocks := ws.Host.Pieces().SelectRequests(
		ledger,
		p.ID,
		numwant,
		func(piece int) bool { return p.Have.Contains(uint32(piece)) },
		ws.Host.MissingBlocks,
	)

	for _, b := range blocks {
		ledger.Add(b, p.ID, now)
		ws.Host.Pieces().CreditRequest(b)
		p.PendingToPeer++
		ws.Enqueue(now, PriorityImmediate, btprotocol.NewRequest(uint32(b.Index), uint32(b.Begin), uint32(b.Length)))
	}
}

// serveRequests drains the peer's admitted inbound request queue, reading
// each block from storage and emitting it as a Piece message.
func (ws *writerState) serveRequests(now time.Time) {
	p := ws.Peer
	for {
		block, ok := p.Requests.Next()
		if !ok {
			return
		}
		p.Requests.Remove(block)
		p.PendingToUs = p.Requests.Len()

		data, err := ws.Host.Store().ReadBlock(ws.Host.Ref(), block.Index, block.Begin, block.Length)
		if err != nil {
			continue
		}
		ws.Enqueue(now, PriorityImmediate, btprotocol.NewPiece(uint32(block.Index), uint32(block.Begin), data))
		p.BlocksSentHistory.Increment(now)
		ws.Host.Announcer().AddBytes(ws.Host.Ref(), ByteKindUp, int64(len(data)))
	}
}

func (ws *writerState) maybeSendPex(now time.Time) {
	id, ok := ws.Peer.SupportsExtension(btprotocol.ExtensionNamePex)
	if !ok {
		return
	}
	if !ws.lastPexAt.IsZero() && now.Sub(ws.lastPexAt) < PexInterval {
		return
	}

	curr := ws.Host.PexView()
	delete(curr, ws.Peer.Addr) // never advertise a peer back to itself
	added, dropped := btprotocol.DiffPex(ws.pexPrev, curr)
	ws.pexPrev = curr
	ws.lastPexAt = now

	if len(added) == 0 && len(dropped) == 0 {
		return
	}
	payload, err := btprotocol.MarshalPexMessage(added, dropped)
	if err != nil {
		return
	}
	ws.Enqueue(now, PriorityLowLatency, btprotocol.NewExtended(id, payload))
}

// maybeSendMetadataRequest drives the outbound half of BEP 9: while this
// torrent's own info-dict isn't known yet, periodically ask a peer that
// advertises ut_metadata for the next piece this session hasn't collected.
func (ws *writerState) maybeSendMetadataRequest(now time.Time) error {
	if _, known := ws.Host.Ref().PieceCount(); known {
		return nil
	}
	id, ok := ws.Peer.SupportsExtension(btprotocol.ExtensionNameMetadata)
	if !ok || ws.Peer.MetadataSize <= 0 {
		return nil
	}
	if !ws.lastMetadataRequestAt.IsZero() && now.Sub(ws.lastMetadataRequestAt) < MetadataRequestInterval {
		return nil
	}

	total := (ws.Peer.MetadataSize + btprotocol.MetadataPieceSize - 1) / btprotocol.MetadataPieceSize
	piece := -1
	for i := 0; i < total; i++ {
		if i >= len(ws.metadataPieces) || ws.metadataPieces[i] == nil {
			piece = i
			break
		}
	}
	if piece < 0 {
		return nil
	}

	payload, err := btprotocol.MarshalMetadataMessage(btprotocol.MetadataMessage{MsgType: btprotocol.MetadataRequest, Piece: piece}, nil)
	if err != nil {
		return errorsx.Wrap(err, "encoding metadata request")
	}
	ws.lastMetadataRequestAt = now
	ws.Enqueue(now, PriorityHighLatency, btprotocol.NewExtended(id, payload))
	return nil
}

func writerIdle(ws *writerState) cstate.T {
	return cstate.Fn(func(ctx context.Context, _ *cstate.Shared) cstate.T {
		now := time.Now()

		delays := []time.Duration{ws.keepAliveTimeout}
		if d, ok := ws.out.nextDeadline(now); ok {
			delays = append(delays, d.Sub(now))
		}
		if _, ok := ws.Peer.SupportsExtension(btprotocol.ExtensionNamePex); ok {
			delays = append(delays, ws.lastPexAt.Add(PexInterval).Sub(now))
		}
		if _, known := ws.Host.Ref().PieceCount(); !known {
			if _, ok := ws.Peer.SupportsExtension(btprotocol.ExtensionNameMetadata); ok {
				delays = append(delays, ws.lastMetadataRequestAt.Add(MetadataRequestInterval).Sub(now))
			}
		}

		wait := timex.DurationMin(delays...)
		if wait <= 0 {
			return writerKeepalive(ws)
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
		return writerKeepalive(ws)
	})
}

func writerKeepalive(ws *writerState) cstate.T {
	return cstate.Fn(func(ctx context.Context, _ *cstate.Shared) cstate.T {
		now := time.Now()
		if now.Sub(ws.lastWriteAt) >= ws.keepAliveTimeout && ws.out.empty() {
			ws.Enqueue(now, PriorityImmediate, btprotocol.NewKeepAlive())
		}
		return writerActive(ws)
	})
}
