package torrent

import (
	"fmt"

	"github.com/quietbit/peerengine/internal/errorsx"
)

// Kind classifies an EngineError so callers can decide, via errors.As,
// whether to strike a peer, ban an atom, or simply close the connection.
type Kind uint8

// Error kinds surfaced by the engine, per the error handling design.
const (
	KindProtocolViolation Kind = iota
	KindIntegrityFailure
	KindTransportError
	KindCacheIOError
	KindBlocklistHit
)

func (k Kind) String() string {
	switch k {
	case KindProtocolViolation:
		return "protocol violation"
	case KindIntegrityFailure:
		return "integrity failure"
	case KindTransportError:
		return "transport error"
	case KindCacheIOError:
		return "cache i/o error"
	case KindBlocklistHit:
		return "blocklist hit"
	default:
		return "unknown"
	}
}

// EngineError wraps a cause with the kind of failure it represents, mirroring
// the way the teacher's connections package wraps a "banned" classification
// around a plain error.
type EngineError struct {
	Kind  Kind
	Cause error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

func ProtocolViolation(cause error) error {
	return &EngineError{Kind: KindProtocolViolation, Cause: cause}
}

func IntegrityFailure(cause error) error {
	return &EngineError{Kind: KindIntegrityFailure, Cause: cause}
}

func TransportError(cause error) error {
	return &EngineError{Kind: KindTransportError, Cause: cause}
}

func CacheIOError(cause error) error {
	return &EngineError{Kind: KindCacheIOError, Cause: cause}
}

func BlocklistHit(cause error) error {
	return &EngineError{Kind: KindBlocklistHit, Cause: cause}
}

func ErrTorrentClosed() error {
	return errorsx.New("torrent closed")
}

const (
	ErrTorrentNotActive    = errorsx.String("torrent not active")
	ErrManagerClosed       = errorsx.String("manager closed")
	ErrUnknownTorrent      = errorsx.String("unknown torrent")
	ErrDuplicateConnection = errorsx.String("duplicate connection for address")
	ErrHandshakeInFlight   = errorsx.String("handshake already in flight for address")
	ErrAtomBanned          = errorsx.String("atom is banned")
)
