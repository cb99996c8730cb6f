package torrent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatsAnnouncerRecordsByKind(t *testing.T) {
	stats := NewConnStats()
	inner := &fakeAnnouncer{}
	a := NewStatsAnnouncer(stats, inner)
	ref := fakeTorrentRef{pieceCount: 1, known: true}

	a.AddBytes(ref, ByteKindDown, 100)
	a.AddBytes(ref, ByteKindUp, 50)
	a.AddBytes(ref, ByteKindCorrupt, 16384)

	require.EqualValues(t, 100, stats.BytesRead.Load())
	require.EqualValues(t, 50, stats.BytesWritten.Load())
	require.EqualValues(t, 1, stats.ChunksReadUseful.Load())
	require.EqualValues(t, 1, stats.ChunksReadWasted.Load())
	require.EqualValues(t, 100+50+16384, inner.total)
}

func TestConnStatsStringDoesNotPanicOnFreshStats(t *testing.T) {
	stats := NewConnStats()
	require.NotPanics(t, func() { _ = stats.String() })
}
