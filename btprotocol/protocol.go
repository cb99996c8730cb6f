// Package btprotocol implements the wire encoding for the BitTorrent peer
// protocol: the initial handshake, the length-prefixed message framing, the
// LTEP extension handshake (BEP 10), metadata exchange (BEP 9) and peer
// exchange (BEP 11) payloads. It has no knowledge of torrents, pieces state,
// or connections - it only knows how to turn bytes into Message values and
// back.
package btprotocol

// Protocol is the length-prefixed pstr sent as the first 20 bytes of a
// handshake.
const Protocol = "\x13BitTorrent protocol"

// MessageID identifies the kind of a Message.
type MessageID uint8

// Message ids as assigned by the base protocol and its extensions.
const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
	Suggest     MessageID = 13 // BEP 6
	HaveAll     MessageID = 14 // BEP 6
	HaveNone    MessageID = 15 // BEP 6
	Reject      MessageID = 16 // BEP 6
	AllowedFast MessageID = 17 // BEP 6
	Extended    MessageID = 20 // BEP 10
)

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	case Suggest:
		return "suggest"
	case HaveAll:
		return "have all"
	case HaveNone:
		return "have none"
	case Reject:
		return "reject"
	case AllowedFast:
		return "allowed fast"
	case Extended:
		return "extended"
	default:
		return "unknown"
	}
}

// ExtensionNumber is the local, per-connection id assigned to an LTEP
// extension inside the "m" dictionary of the extension handshake.
type ExtensionNumber uint8

// ExtensionName identifies an LTEP extension by its well known name. It is
// an alias of string because the bencode decoder only fills maps whose key
// type is exactly string, which the handshake's "m" dictionary needs.
type ExtensionName = string

// Extension names understood by this engine.
const (
	ExtensionNamePex      ExtensionName = "ut_pex"
	ExtensionNameMetadata ExtensionName = "ut_metadata"
)

// HandshakeExtensionID is the reserved id (0) of the extension handshake
// message itself, sent within an Extended message's first byte.
const HandshakeExtensionID ExtensionNumber = 0

// MaxRequestLength is the largest block length this engine will request or
// serve, matching the de-facto ceiling observed across the swarm (16KiB).
const MaxRequestLength = 1 << 14

// MetadataPieceSize is the fixed chunk size a ut_metadata piece index
// addresses, per BEP 9; the final piece of an info-dict is simply shorter.
const MetadataPieceSize = 1 << 14
