package torrent

import (
	"fmt"
	"sync/atomic"

	"github.com/quietbit/peerengine/internal/atomicx"
)

// ConnStats aggregates byte/chunk counters across a torrent's connections,
// past and present, mirroring the teacher's torrent.stats.go ConnStats
// embedding, generalised here from count-per-field structs to
// *atomic.Int64 fields built via internal/atomicx, so copies of a ConnStats
// share the same counters. The zero value has nil counters; build one with
// NewConnStats.
type ConnStats struct {
	BytesRead    *atomic.Int64
	BytesWritten *atomic.Int64

	BytesReadUsefulData    *atomic.Int64
	BytesWrittenUsefulData *atomic.Int64

	ChunksReadUseful *atomic.Int64
	ChunksReadWasted *atomic.Int64
	ChunksWritten    *atomic.Int64

	PiecesDirtiedGood *atomic.Int64
	PiecesDirtiedBad  *atomic.Int64
}

// NewConnStats constructs a ConnStats with every counter initialised to
// zero, ready for concurrent use.
func NewConnStats() ConnStats {
	return ConnStats{
		BytesRead:              atomicx.Int64(0),
		BytesWritten:           atomicx.Int64(0),
		BytesReadUsefulData:    atomicx.Int64(0),
		BytesWrittenUsefulData: atomicx.Int64(0),
		ChunksReadUseful:       atomicx.Int64(0),
		ChunksReadWasted:       atomicx.Int64(0),
		ChunksWritten:          atomicx.Int64(0),
		PiecesDirtiedGood:      atomicx.Int64(0),
		PiecesDirtiedBad:       atomicx.Int64(0),
	}
}

func (s ConnStats) String() string {
	return fmt.Sprintf(
		"read(%d useful %d) written(%d useful %d) chunks(useful %d wasted %d written %d) pieces(good %d bad %d)",
		s.BytesRead.Load(), s.BytesReadUsefulData.Load(),
		s.BytesWritten.Load(), s.BytesWrittenUsefulData.Load(),
		s.ChunksReadUseful.Load(), s.ChunksReadWasted.Load(), s.ChunksWritten.Load(),
		s.PiecesDirtiedGood.Load(), s.PiecesDirtiedBad.Load(),
	)
}

// statsAnnouncer adapts a ConnStats into the Announcer collaborator
// §6 requires, feeding every AddBytes call into the matching counter before
// forwarding to the tracker announcer proper. It exists so manager.go can
// give every TorrentState a stats-recording Announcer without each session
// needing to know about ConnStats directly.
type statsAnnouncer struct {
	stats ConnStats
	next  Announcer
}

// NewStatsAnnouncer wraps next, an existing tracker-announcing collaborator,
// with byte-counter bookkeeping.
func NewStatsAnnouncer(stats ConnStats, next Announcer) Announcer {
	return &statsAnnouncer{stats: stats, next: next}
}

func (a *statsAnnouncer) AddBytes(t TorrentRef, kind ByteKind, n int64) {
	switch kind {
	case ByteKindUp:
		a.stats.BytesWritten.Add(n)
		a.stats.BytesWrittenUsefulData.Add(n)
	case ByteKindDown:
		a.stats.BytesRead.Add(n)
		a.stats.BytesReadUsefulData.Add(n)
		a.stats.ChunksReadUseful.Add(1)
	case ByteKindCorrupt:
		a.stats.ChunksReadWasted.Add(1)
	}
	if a.next != nil {
		a.next.AddBytes(t, kind, n)
	}
}
