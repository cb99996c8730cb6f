package btprotocol

import (
	"net"

	"github.com/zeebo/bencode"

	"github.com/quietbit/peerengine/internal/errorsx"
)

// ExtensionHandshake is the bencoded dictionary exchanged as the payload of
// the reserved extension id 0, per BEP 10.
type ExtensionHandshake struct {
	M            map[ExtensionName]ExtensionNumber `bencode:"m"`
	V            string                            `bencode:"v,omitempty"`
	P            uint16                            `bencode:"p,omitempty"`
	Reqq         int                               `bencode:"reqq,omitempty"`
	Encryption   bool                               `bencode:"e,omitempty"`
	MetadataSize int                               `bencode:"metadata_size,omitempty"`
	YourIP       string                            `bencode:"yourip,omitempty"`
	IPv4         string                            `bencode:"ipv4,omitempty"`
	IPv6         string                            `bencode:"ipv6,omitempty"`
	UploadOnly   bool                              `bencode:"upload_only,omitempty"`
}

// MarshalExtensionHandshake bencodes an extension handshake dictionary.
func MarshalExtensionHandshake(h ExtensionHandshake) ([]byte, error) {
	b, err := bencode.EncodeBytes(h)
	if err != nil {
		return nil, errorsx.Wrap(err, "encoding extension handshake")
	}
	return b, nil
}

// UnmarshalExtensionHandshake decodes an extension handshake dictionary.
func UnmarshalExtensionHandshake(b []byte) (h ExtensionHandshake, err error) {
	if err = bencode.DecodeBytes(b, &h); err != nil {
		return h, errorsx.Wrap(err, "decoding extension handshake")
	}
	return h, nil
}

// YourIPBytes returns the raw address bytes suitable for the yourip field,
// picking the 4-byte or 16-byte form based on the address family.
func YourIPBytes(addr net.IP) []byte {
	if v4 := addr.To4(); v4 != nil {
		return v4
	}
	return addr.To16()
}

// MetadataMsgType identifies the role of a ut_metadata message.
type MetadataMsgType int

// Metadata message kinds, per BEP 9.
const (
	MetadataRequest MetadataMsgType = 0
	MetadataData    MetadataMsgType = 1
	MetadataReject  MetadataMsgType = 2
)

// MetadataMessage is the bencoded dictionary that precedes a ut_metadata
// extended message's optional raw piece bytes.
type MetadataMessage struct {
	MsgType   MetadataMsgType `bencode:"msg_type"`
	Piece     int             `bencode:"piece"`
	TotalSize int             `bencode:"total_size,omitempty"`
}

// MarshalMetadataMessage encodes the dict header and, for a data message,
// appends the raw piece bytes after it as required by BEP 9.
func MarshalMetadataMessage(m MetadataMessage, piece []byte) ([]byte, error) {
	dict, err := bencode.EncodeBytes(m)
	if err != nil {
		return nil, errorsx.Wrap(err, "encoding metadata message")
	}
	if m.MsgType != MetadataData {
		return dict, nil
	}
	return append(dict, piece...), nil
}

// UnmarshalMetadataMessage decodes the leading bencoded dictionary and
// returns the message plus whatever raw bytes trailed it (the piece payload
// for a data message, empty otherwise).
func UnmarshalMetadataMessage(payload []byte) (m MetadataMessage, trailer []byte, err error) {
	n, err := bencodeValueLen(payload)
	if err != nil {
		return m, nil, errorsx.Wrap(err, "locating metadata dictionary boundary")
	}
	if err = bencode.DecodeBytes(payload[:n], &m); err != nil {
		return m, nil, errorsx.Wrap(err, "decoding metadata message")
	}
	return m, payload[n:], nil
}

// bencodeValueLen returns the length of the single bencoded value at the
// start of b (dictionary, list, integer or byte string), without decoding
// it. Used to find where a leading dict ends so trailing raw bytes (a
// metadata piece payload) can be split off.
func bencodeValueLen(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, errorsx.New("empty bencode value")
	}
	switch b[0] {
	case 'i':
		end := indexByte(b, 'e')
		if end < 0 {
			return 0, errorsx.New("unterminated integer")
		}
		return end + 1, nil
	case 'l', 'd':
		pos := 1
		for pos < len(b) && b[pos] != 'e' {
			n, err := bencodeValueLen(b[pos:])
			if err != nil {
				return 0, err
			}
			pos += n
		}
		if pos >= len(b) {
			return 0, errorsx.New("unterminated list or dict")
		}
		return pos + 1, nil
	default:
		colon := indexByte(b, ':')
		if colon < 0 {
			return 0, errorsx.New("malformed byte string length")
		}
		length := 0
		for _, c := range b[:colon] {
			if c < '0' || c > '9' {
				return 0, errorsx.New("malformed byte string length")
			}
			length = length*10 + int(c-'0')
		}
		end := colon + 1 + length
		if end > len(b) {
			return 0, errorsx.New("byte string overruns buffer")
		}
		return end, nil
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
