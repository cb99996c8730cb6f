package btprotocol

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/quietbit/peerengine/internal/errorsx"
)

// DefaultMaxLength is the largest frame length this decoder accepts absent
// an explicit override, generous enough for a full Piece message plus a
// large Bitfield or LTEP payload while still bounding a malicious peer's
// ability to force large allocations.
const DefaultMaxLength = 1 << 18

// Decoder reads length-prefixed frames off a stream and turns them into
// Message values. It holds no torrent state of its own; PieceCount is
// supplied by the caller (typically a closure over the owning wire
// session's current view of the torrent), so the same Decoder rejects a
// Bitfield frame before metadata is known and checks its exact length after.
type Decoder struct {
	R         io.Reader
	MaxLength uint32
	Pool      *sync.Pool

	// PieceCount reports the torrent's piece count and whether it is known
	// yet (false before metadata has been retrieved).
	PieceCount func() (n uint64, known bool)
}

func (d *Decoder) maxLength() uint32 {
	if d.MaxLength == 0 {
		return DefaultMaxLength
	}
	return d.MaxLength
}

func (d *Decoder) getBuf(n int) []byte {
	if d.Pool == nil {
		return make([]byte, n)
	}
	if v, ok := d.Pool.Get().([]byte); ok && cap(v) >= n {
		return v[:n]
	}
	return make([]byte, n)
}

// Decode reads exactly one message from the stream into m. On a clean
// boundary between messages, io.EOF is returned without modifying m. A
// truncated frame yields an error wrapping io.ErrUnexpectedEOF, or wrapping
// io.EOF when the cut falls exactly between two fields; it is never a bare
// io.EOF. Any framing or length violation is reported as a protocol error.
func (d *Decoder) Decode(m *Message) error {
	var lenbuf [4]byte
	if _, err := io.ReadFull(d.R, lenbuf[:]); err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(lenbuf[:])

	if length == 0 {
		*m = Message{Keepalive: true}
		return nil
	}

	if length > d.maxLength() {
		return errorsx.Errorf("frame length %d exceeds maximum %d", length, d.maxLength())
	}

	var idbuf [1]byte
	if _, err := io.ReadFull(d.R, idbuf[:]); err != nil {
		return errorsx.Wrap(err, "reading message id")
	}
	id := MessageID(idbuf[0])

	switch id {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
		if length != 1 {
			return errorsx.Errorf("%s: invalid length %d, want 1", id, length)
		}
		*m = Message{Type: id}
		return nil

	case Have, Suggest, AllowedFast:
		if length != 5 {
			return errorsx.Errorf("%s: invalid length %d, want 5", id, length)
		}
		var body [4]byte
		if _, err := io.ReadFull(d.R, body[:]); err != nil {
			return errorsx.Wrap(err, "reading index")
		}
		*m = Message{Type: id, Index: binary.BigEndian.Uint32(body[:])}
		return nil

	case Request, Cancel, Reject:
		if length != 13 {
			return errorsx.Errorf("%s: invalid length %d, want 13", id, length)
		}
		var body [12]byte
		if _, err := io.ReadFull(d.R, body[:]); err != nil {
			return errorsx.Wrap(err, "reading request body")
		}
		*m = Message{
			Type:   id,
			Index:  binary.BigEndian.Uint32(body[0:4]),
			Begin:  binary.BigEndian.Uint32(body[4:8]),
			Length: binary.BigEndian.Uint32(body[8:12]),
		}
		return nil

	case Port:
		if length != 3 {
			return errorsx.Errorf("port: invalid length %d, want 3", length)
		}
		var body [2]byte
		if _, err := io.ReadFull(d.R, body[:]); err != nil {
			return errorsx.Wrap(err, "reading port")
		}
		*m = Message{Type: Port, Port: binary.BigEndian.Uint16(body[:])}
		return nil

	case Bitfield:
		n, known := d.pieceCount()
		if !known {
			return errorsx.New("bitfield received before metadata is known")
		}
		want := uint32((n+7)/8) + 1
		if length != want {
			return errorsx.Errorf("bitfield: invalid length %d, want %d for %d pieces", length, want, n)
		}
		body := d.getBuf(int(length - 1))
		if _, err := io.ReadFull(d.R, body); err != nil {
			return errorsx.Wrap(err, "reading bitfield")
		}
		bits := make([]bool, n)
		for i := range bits {
			byteIdx := i / 8
			if byteIdx < len(body) {
				bits[i] = body[byteIdx]&(1<<uint(7-i%8)) != 0
			}
		}
		*m = Message{Type: Bitfield, Bitfield: bits}
		return nil

	case Piece:
		if length <= 9 || length > 9+MaxRequestLength {
			return errorsx.Errorf("piece: invalid length %d", length)
		}
		var head [8]byte
		if _, err := io.ReadFull(d.R, head[:]); err != nil {
			return errorsx.Wrap(err, "reading piece header")
		}
		data := d.getBuf(int(length - 9))
		if _, err := io.ReadFull(d.R, data); err != nil {
			return errorsx.Wrap(err, "reading piece data")
		}
		*m = Message{
			Type:  Piece,
			Index: binary.BigEndian.Uint32(head[0:4]),
			Begin: binary.BigEndian.Uint32(head[4:8]),
			Piece: data,
		}
		return nil

	case Extended:
		if length < 2 {
			return errorsx.Errorf("extended: invalid length %d, want >= 2", length)
		}
		var extid [1]byte
		if _, err := io.ReadFull(d.R, extid[:]); err != nil {
			return errorsx.Wrap(err, "reading extension id")
		}
		payload := d.getBuf(int(length - 2))
		if _, err := io.ReadFull(d.R, payload); err != nil {
			return errorsx.Wrap(err, "reading extended payload")
		}
		*m = Message{Type: Extended, ExtendedID: ExtensionNumber(extid[0]), ExtendedPayload: payload}
		return nil

	default:
		return errorsx.Errorf("unknown message id %d", id)
	}
}

func (d *Decoder) pieceCount() (uint64, bool) {
	if d.PieceCount == nil {
		return 0, false
	}
	return d.PieceCount()
}
