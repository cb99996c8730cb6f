package btprotocol

import (
	"encoding/binary"

	"github.com/quietbit/peerengine/internal/errorsx"
)

// Message is the decoded form of a single wire-protocol frame. Only the
// fields relevant to Type are populated by the constructors and the
// Decoder; the rest carry their zero value.
type Message struct {
	Keepalive       bool
	Type            MessageID
	Index           uint32
	Begin           uint32
	Length          uint32
	Piece           []byte
	Bitfield        []bool
	Port            uint16
	ExtendedID      ExtensionNumber
	ExtendedPayload []byte
}

// MarshalBinary encodes the message into its wire representation, including
// the 4-byte length prefix.
func (m Message) MarshalBinary() ([]byte, error) {
	if m.Keepalive {
		return []byte{0, 0, 0, 0}, nil
	}

	var body []byte

	switch m.Type {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
		body = []byte{byte(m.Type)}
	case Have, Suggest, AllowedFast:
		body = make([]byte, 5)
		body[0] = byte(m.Type)
		binary.BigEndian.PutUint32(body[1:], m.Index)
	case Request, Cancel, Reject:
		body = make([]byte, 13)
		body[0] = byte(m.Type)
		binary.BigEndian.PutUint32(body[1:5], m.Index)
		binary.BigEndian.PutUint32(body[5:9], m.Begin)
		binary.BigEndian.PutUint32(body[9:13], m.Length)
	case Piece:
		body = make([]byte, 9+len(m.Piece))
		body[0] = byte(m.Type)
		binary.BigEndian.PutUint32(body[1:5], m.Index)
		binary.BigEndian.PutUint32(body[5:9], m.Begin)
		copy(body[9:], m.Piece)
	case Port:
		body = make([]byte, 3)
		body[0] = byte(m.Type)
		binary.BigEndian.PutUint16(body[1:3], m.Port)
	case Bitfield:
		nbytes := (len(m.Bitfield) + 7) / 8
		body = make([]byte, 1+nbytes)
		body[0] = byte(m.Type)
		for i, set := range m.Bitfield {
			if set {
				body[1+i/8] |= 1 << uint(7-i%8)
			}
		}
	case Extended:
		body = make([]byte, 2+len(m.ExtendedPayload))
		body[0] = byte(m.Type)
		body[1] = byte(m.ExtendedID)
		copy(body[2:], m.ExtendedPayload)
	default:
		return nil, errorsx.Errorf("unable to marshal unknown message id %d", m.Type)
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	return buf, nil
}

// MustMarshalBinary panics if the message cannot be encoded. Intended for
// messages constructed internally whose shape is known to be valid.
func (m Message) MustMarshalBinary() []byte {
	b, err := m.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}

func NewKeepAlive() Message { return Message{Keepalive: true} }

func NewChoke() Message   { return Message{Type: Choke} }
func NewUnchoke() Message { return Message{Type: Unchoke} }

func NewInterested(interested bool) Message {
	if interested {
		return Message{Type: Interested}
	}
	return Message{Type: NotInterested}
}

func NewHave(index uint32) Message { return Message{Type: Have, Index: index} }

func NewBitfield(bits []bool) Message { return Message{Type: Bitfield, Bitfield: bits} }

func NewRequest(index, begin, length uint32) Message {
	return Message{Type: Request, Index: index, Begin: begin, Length: length}
}

func NewCancel(index, begin, length uint32) Message {
	return Message{Type: Cancel, Index: index, Begin: begin, Length: length}
}

func NewReject(index, begin, length uint32) Message {
	return Message{Type: Reject, Index: index, Begin: begin, Length: length}
}

func NewPiece(index, begin uint32, data []byte) Message {
	return Message{Type: Piece, Index: index, Begin: begin, Piece: data}
}

func NewPort(port uint16) Message { return Message{Type: Port, Port: port} }

func NewSuggest(index uint32) Message { return Message{Type: Suggest, Index: index} }

func NewAllowedFast(index uint32) Message { return Message{Type: AllowedFast, Index: index} }

func NewHaveAll() Message  { return Message{Type: HaveAll} }
func NewHaveNone() Message { return Message{Type: HaveNone} }

func NewExtended(id ExtensionNumber, payload []byte) Message {
	return Message{Type: Extended, ExtendedID: id, ExtendedPayload: payload}
}
