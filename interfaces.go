package torrent

import (
	"io"
	"net"
	"time"
)

// Priority is a file/piece download priority.
type Priority int

// Priority levels, lower ordinal wins ties in candidate scoring.
const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// ByteKind classifies bytes reported to the Announcer.
type ByteKind int

const (
	ByteKindUp ByteKind = iota
	ByteKindDown
	ByteKindCorrupt
)

// TorrentRef is the read-only view of a torrent's metadata and piece state
// that the engine needs. It is implemented outside this package by whatever
// owns metainfo parsing and piece bookkeeping; the engine never mutates it
// directly except through BlockStore.
type TorrentRef interface {
	InfoHash() [20]byte
	PieceCount() (n int, known bool)
	PieceLength(piece int) int64
	BlockSize() int
	FilePriority(piece int) Priority
	Wanted(piece int) bool
	Completed(piece int) bool
	BytesLeft() int64
	MaxConnectedPeers() int
	SessionLimitOptIn() bool
	AnnounceList() [][]string
	Private() bool
	MetadataSize() (n int, known bool)
	Seeding() bool
	// RawMetadata returns the bencoded info-dictionary bytes for serving a
	// ut_metadata request, and whether they're available locally yet (false
	// while this torrent was added by magnet link and hasn't finished its
	// own BEP 9 fetch).
	RawMetadata() (raw []byte, available bool)
}

// HandshakeResult is delivered to a HandshakeCollaborator's completion
// callback.
type HandshakeResult struct {
	OK           bool
	ReadAnything bool
	InfoHash     [20]byte
	PeerID       [20]byte
	IO           io.ReadWriteCloser
}

// Handshake is an opaque in-flight handshake attempt.
type Handshake interface {
	Addr() net.Addr
}

// EncryptionMode selects the MSE negotiation posture for an outgoing
// handshake attempt.
type EncryptionMode int

const (
	EncryptionDisabled EncryptionMode = iota
	EncryptionPreferred
	EncryptionRequired
)

// HandshakeCollaborator performs the MSE crypto handshake and BitTorrent
// handshake exchange out of band from the wire session; it is out of scope
// for this package and consumed only through this interface.
type HandshakeCollaborator interface {
	NewOutgoing(addr net.Addr, hash [20]byte, mode EncryptionMode, done func(HandshakeResult)) (Handshake, error)
	NewIncoming(conn net.Conn, done func(HandshakeResult)) (Handshake, error)
	Abort(h Handshake)
	StealIO(h Handshake) io.ReadWriteCloser
}

// IOCollaborator provides non-blocking framed byte transport for an
// established wire session along with rate/space introspection used by the
// choke controller and request ledger.
type IOCollaborator interface {
	io.ReadWriteCloser
	RateUp() int64
	RateDown() int64
	BufferSpace() int
	SetCallbacks(canRead, didWrite, gotError func())
}

// BlockStore is the piece I/O cache / on-disk storage collaborator.
type BlockStore interface {
	ReadBlock(t TorrentRef, piece int, offset, length int64) ([]byte, error)
	WriteBlock(t TorrentRef, piece int, offset int64, data []byte) error
	PrefetchBlock(t TorrentRef, piece int, offset, length int64)
	PieceComplete(t TorrentRef, piece int) bool
	FileComplete(t TorrentRef, file int) bool
	// VerifyPiece re-hashes a complete piece against its expected digest.
	// Callers only invoke this once PieceComplete reports true for piece.
	VerifyPiece(t TorrentRef, piece int) (ok bool, err error)
}

// Announcer reports transferred bytes to the tracker announcer.
type Announcer interface {
	AddBytes(t TorrentRef, kind ByteKind, n int64)
}

// DHTPortNotifiee is notified of a peer's advertised DHT port, from a Port
// message.
type DHTPortNotifiee interface {
	NotifyDHTPort(addr net.Addr, port uint16)
}

// Blocklist answers whether an address is blocked, and is consulted before
// accepting or initiating a connection.
type Blocklist interface {
	Blocked(ip net.IP) bool
}

// clock is overridable in tests; production code uses realClock.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
