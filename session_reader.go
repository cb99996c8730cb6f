package torrent

import (
	"context"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/quietbit/peerengine/btprotocol"
	"github.com/quietbit/peerengine/cstate"
	"github.com/quietbit/peerengine/internal/errorsx"
)

// RunReader drives the read half of a session until the connection fails or
// ctx is cancelled, per §4.1's state machine: decode one frame, dispatch it,
// repeat. Built on cstate the same way the teacher's connreaderinit/
// mainReadLoop is, but expressed as a single decode-dispatch step rather than
// the teacher's separate allow-requests/upload/idle chain, since upload
// pacing here is the writer's responsibility (§4.1 splits read/write cleanly
// along the wire's two independent directions).
func RunReader(ctx context.Context, s *Session, keepAliveTimeout time.Duration) error {
	return cstate.Run(ctx, readerDecode(s, keepAliveTimeout), s.Host.Log())
}

func readerDecode(s *Session, keepAliveTimeout time.Duration) cstate.T {
	return cstate.Fn(func(ctx context.Context, _ *cstate.Shared) cstate.T {
		var m btprotocol.Message
		if err := s.decoder.Decode(&m); err != nil {
			return cstate.Failure(errorsx.Wrap(err, "decode failed"))
		}

		now := time.Now()
		s.Peer.ConnectedAt = orElse(s.Peer.ConnectedAt, now)

		if m.Keepalive {
			return readerDecode(s, keepAliveTimeout)
		}

		if err := dispatch(s, m, now); err != nil {
			return cstate.Failure(err)
		}

		return readerDecode(s, keepAliveTimeout)
	})
}

func orElse(t time.Time, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t
}

// dispatch applies one decoded message's effect to the session/peer state,
// grounded on the teacher's connection.go onRead* handlers generalised to
// this package's Peer/ReplicationMap/RequestLedger types.
func dispatch(s *Session, m btprotocol.Message, now time.Time) error {
	p := s.Peer

	switch m.Type {
	case btprotocol.Choke:
		p.ChokedByThem = true
	case btprotocol.Unchoke:
		p.ChokedByThem = false
	case btprotocol.Interested:
		p.InterestedByThem = true
	case btprotocol.NotInterested:
		p.InterestedByThem = false
	case btprotocol.Have:
		// A duplicate Have re-advertises a piece the peer already told us
		// about; §4.1 treats it as a no-op rather than a protocol fault.
		if p.Have.CheckedAdd(m.Index) {
			s.Host.Replication().ApplyHave(int(m.Index))
		}
	case btprotocol.Bitfield:
		if s.bitfieldApplied {
			return errorsx.New("duplicate bitfield after have/bitfield already applied")
		}
		s.bitfieldApplied = true
		replacement := roaring.New()
		for i, has := range m.Bitfield {
			if has {
				replacement.Add(uint32(i))
			}
		}
		old := p.Have.Clone()
		p.Have = replacement
		s.Host.Replication().ApplyBitfield(old, replacement)
	case btprotocol.HaveAll:
		if s.bitfieldApplied {
			return errorsx.New("duplicate bitfield after have/bitfield already applied")
		}
		s.bitfieldApplied = true
		n, known := s.Host.Ref().PieceCount()
		if known {
			p.Have.AddRange(0, uint64(n))
		}
		s.Host.Replication().ApplyHaveAll()
	case btprotocol.HaveNone:
		if s.bitfieldApplied {
			return errorsx.New("duplicate bitfield after have/bitfield already applied")
		}
		s.bitfieldApplied = true
	case btprotocol.Request:
		return admitRequest(s, m, now)
	case btprotocol.Cancel:
		block := BlockAddr{Index: int(m.Index), Begin: int64(m.Begin), Length: int64(m.Length)}
		p.Requests.Remove(block)
		p.PendingToUs = p.Requests.Len()
	case btprotocol.Reject:
		block := BlockAddr{Index: int(m.Index), Begin: int64(m.Begin), Length: int64(m.Length)}
		if s.Host.Ledger().Cancel(block, p.ID) {
			s.Host.Pieces().ReleaseRequest(block)
			if p.PendingToPeer > 0 {
				p.PendingToPeer--
			}
		}
	case btprotocol.Piece:
		block := BlockAddr{Index: int(m.Index), Begin: int64(m.Begin), Length: int64(len(m.Piece))}
		if !s.Host.Ledger().Cancel(block, p.ID) {
			// Not an outstanding request of ours: a duplicate completion, a
			// mismatched length, or a block we never asked for. Discard it
			// without crediting blame, bytes, or history.
			return nil
		}
		s.Host.Pieces().ReleaseRequest(block)
		if p.PendingToPeer > 0 {
			p.PendingToPeer--
		}
		p.Blame.Add(m.Index)
		p.BlocksReceivedHistory.Increment(now)
		p.LastUsefulChunkReceivedAt = now
		if err := s.Host.Store().WriteBlock(s.Host.Ref(), int(m.Index), int64(m.Begin), m.Piece); err != nil {
			return CacheIOError(err)
		}
		s.Host.Announcer().AddBytes(s.Host.Ref(), ByteKindDown, int64(len(m.Piece)))
		if s.Host.Store().PieceComplete(s.Host.Ref(), int(m.Index)) {
			ok, err := s.Host.Store().VerifyPiece(s.Host.Ref(), int(m.Index))
			if err != nil {
				return CacheIOError(err)
			}
			if !ok {
				return s.Host.ReportIntegrityFailure(int(m.Index))
			}
		}
	case btprotocol.Port:
	case btprotocol.Suggest, btprotocol.AllowedFast:
	case btprotocol.Extended:
		return dispatchExtended(s, m, now)
	}
	return nil
}

// admitRequest applies the inbound-request admission gate to a peer's
// Request message: it must name a piece actually inside this torrent that
// we've completed, the peer must not currently be choked by us, the
// requested length must be sane, and the peer's queue must have room. An
// admitted request is queued for the writer to serve; a refused one gets a
// Reject if the peer negotiated the fast extension, and is silently dropped
// otherwise, per BEP 6.
func admitRequest(s *Session, m btprotocol.Message, now time.Time) error {
	p := s.Peer
	block := BlockAddr{Index: int(m.Index), Begin: int64(m.Begin), Length: int64(m.Length)}

	n, known := s.Host.Ref().PieceCount()
	insideTorrent := known && block.Index >= 0 && block.Index < n
	validLength := block.Length > 0 && block.Length <= int64(btprotocol.MaxRequestLength)
	pieceReady := insideTorrent && s.Host.Ref().Completed(block.Index)

	admitted := insideTorrent && validLength && pieceReady && !p.ChokedByUs &&
		p.Requests.Admit(MaxPeerRequestQueue, block)

	p.PendingToUs = p.Requests.Len()

	if !admitted && p.FastExtension {
		s.Enqueue(now, PriorityImmediate, btprotocol.NewReject(m.Index, m.Begin, m.Length))
	}
	return nil
}

func dispatchExtended(s *Session, m btprotocol.Message, now time.Time) error {
	if m.ExtendedID == btprotocol.HandshakeExtensionID {
		hs, err := btprotocol.UnmarshalExtensionHandshake(m.ExtendedPayload)
		if err != nil {
			return errorsx.Wrap(err, "bad extension handshake")
		}
		if s.Peer.Extensions == nil {
			s.Peer.Extensions = make(map[btprotocol.ExtensionName]btprotocol.ExtensionNumber)
		}
		for name, id := range hs.M {
			s.Peer.Extensions[name] = id
		}
		s.Peer.ClientName = hs.V
		s.Peer.PeerReqq = hs.Reqq
		s.Peer.MetadataSize = hs.MetadataSize
		s.Peer.UploadOnly = hs.UploadOnly
		return nil
	}

	for name, id := range s.Peer.Extensions {
		if id != m.ExtendedID {
			continue
		}
		switch name {
		case btprotocol.ExtensionNameMetadata:
			return dispatchMetadata(s, m.ExtendedPayload, now)
		case btprotocol.ExtensionNamePex:
			return dispatchPex(s, m.ExtendedPayload)
		}
	}
	return nil
}

// dispatchMetadata applies an incoming ut_metadata message, per BEP 9: a
// data reply is stored into this session's assembly buffer (the writer's
// maybeSendMetadataRequest drives what gets asked for next), an incoming
// request is answered with data or a reject, and an incoming reject is left
// for the next periodic request cycle to simply retry.
func dispatchMetadata(s *Session, payload []byte, now time.Time) error {
	mm, trailer, err := btprotocol.UnmarshalMetadataMessage(payload)
	if err != nil {
		return errorsx.Wrap(err, "bad metadata message")
	}
	switch mm.MsgType {
	case btprotocol.MetadataData:
		for len(s.metadataPieces) <= mm.Piece {
			s.metadataPieces = append(s.metadataPieces, nil)
		}
		s.metadataPieces[mm.Piece] = trailer
		s.metadataSize = mm.TotalSize
	case btprotocol.MetadataRequest:
		return replyMetadataRequest(s, mm, now)
	case btprotocol.MetadataReject:
	}
	return nil
}

// replyMetadataRequest answers an incoming MetadataRequest with the
// requested piece of the info-dict if this torrent has the full metadata
// locally and isn't private, or a MetadataReject otherwise.
func replyMetadataRequest(s *Session, mm btprotocol.MetadataMessage, now time.Time) error {
	id, ok := s.Peer.SupportsExtension(btprotocol.ExtensionNameMetadata)
	if !ok {
		return nil
	}

	raw, available := s.Host.Ref().RawMetadata()
	start := mm.Piece * btprotocol.MetadataPieceSize
	if !available || s.Host.Ref().Private() || start < 0 || start >= len(raw) {
		return sendMetadataReject(s, id, mm.Piece, now)
	}

	end := start + btprotocol.MetadataPieceSize
	if end > len(raw) {
		end = len(raw)
	}
	out := btprotocol.MetadataMessage{MsgType: btprotocol.MetadataData, Piece: mm.Piece, TotalSize: len(raw)}
	payload, err := btprotocol.MarshalMetadataMessage(out, raw[start:end])
	if err != nil {
		return errorsx.Wrap(err, "encoding metadata data")
	}
	s.Enqueue(now, PriorityHighLatency, btprotocol.NewExtended(id, payload))
	return nil
}

func sendMetadataReject(s *Session, id btprotocol.ExtensionNumber, piece int, now time.Time) error {
	payload, err := btprotocol.MarshalMetadataMessage(btprotocol.MetadataMessage{MsgType: btprotocol.MetadataReject, Piece: piece}, nil)
	if err != nil {
		return errorsx.Wrap(err, "encoding metadata reject")
	}
	s.Enqueue(now, PriorityHighLatency, btprotocol.NewExtended(id, payload))
	return nil
}

// dispatchPex applies an incoming ut_pex message, per BEP 11: discovered
// endpoints are fed into the torrent's atom pool, source-tagged SourcePEX.
func dispatchPex(s *Session, payload []byte) error {
	added, dropped, err := btprotocol.UnmarshalPexMessage(payload)
	if err != nil {
		return errorsx.Wrap(err, "bad pex message")
	}
	s.Host.IngestPex(added, dropped)
	return nil
}
