package torrent

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/require"
)

func TestReplicationApplyHave(t *testing.T) {
	r := NewReplicationMap(4)
	r.ApplyHave(1)
	r.ApplyHave(1)
	require.EqualValues(t, 2, r.Count(1))
	require.EqualValues(t, 0, r.Count(0))
}

func TestReplicationApplyBitfieldDiff(t *testing.T) {
	r := NewReplicationMap(4)
	b1 := roaring.New()
	b1.AddMany([]uint32{0, 1})
	r.ApplyBitfield(nil, b1)
	require.EqualValues(t, 1, r.Count(0))
	require.EqualValues(t, 1, r.Count(1))

	b2 := roaring.New()
	b2.AddMany([]uint32{1, 2})
	r.ApplyBitfield(b1, b2)
	require.EqualValues(t, 0, r.Count(0), "piece 0 dropped")
	require.EqualValues(t, 1, r.Count(1), "piece 1 unchanged")
	require.EqualValues(t, 1, r.Count(2), "piece 2 added")
}

func TestReplicationApplyHaveAll(t *testing.T) {
	r := NewReplicationMap(3)
	r.ApplyHaveAll()
	require.EqualValues(t, 1, r.Count(0))
	require.EqualValues(t, 1, r.Count(2))
}

func TestReplicationRemovePeer(t *testing.T) {
	r := NewReplicationMap(3)
	have := roaring.New()
	have.AddMany([]uint32{0, 2})
	r.ApplyBitfield(nil, have)
	r.RemovePeer(have)
	require.EqualValues(t, 0, r.Count(0))
	require.EqualValues(t, 0, r.Count(2))
}

func TestReplicationVerifyDetectsDrift(t *testing.T) {
	r := NewReplicationMap(2)
	r.ApplyHave(0)
	h := roaring.New() // peer set that disagrees: replication says 1, derived says 0
	mismatches := r.Verify([]*roaring.Bitmap{h})
	require.Contains(t, mismatches, 0)
}
