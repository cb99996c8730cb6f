package btprotocol_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quietbit/peerengine/btprotocol"
)

func TestPexMessageRoundTrip(t *testing.T) {
	added := []btprotocol.PexPeer{
		{IP: net.ParseIP("10.0.0.1").To4(), Port: 6881, Flags: btprotocol.PexPrefersEncryption},
		{IP: net.ParseIP("2001:db8::1"), Port: 6882, Flags: btprotocol.PexUploadOnly},
	}
	dropped := []btprotocol.PexPeer{
		{IP: net.ParseIP("10.0.0.2").To4(), Port: 6883},
	}

	raw, err := btprotocol.MarshalPexMessage(added, dropped)
	require.NoError(t, err)

	gotAdded, gotDropped, err := btprotocol.UnmarshalPexMessage(raw)
	require.NoError(t, err)
	require.Len(t, gotAdded, 2)
	require.Len(t, gotDropped, 1)
}

func TestPexMessageStripsHolepunchBitFromAdded(t *testing.T) {
	added := []btprotocol.PexPeer{
		{IP: net.ParseIP("10.0.0.1").To4(), Port: 1, Flags: btprotocol.PexSupportsHolepunch | btprotocol.PexUploadOnly},
	}

	raw, err := btprotocol.MarshalPexMessage(added, nil)
	require.NoError(t, err)

	got, _, err := btprotocol.UnmarshalPexMessage(raw)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Zero(t, got[0].Flags&btprotocol.PexSupportsHolepunch)
	require.NotZero(t, got[0].Flags&btprotocol.PexUploadOnly)
}

func TestDiffPexAddedAndDropped(t *testing.T) {
	prev := map[string]btprotocol.PexPeer{
		"10.0.0.1:1": {IP: net.ParseIP("10.0.0.1").To4(), Port: 1},
		"10.0.0.2:2": {IP: net.ParseIP("10.0.0.2").To4(), Port: 2},
	}
	curr := map[string]btprotocol.PexPeer{
		"10.0.0.2:2": {IP: net.ParseIP("10.0.0.2").To4(), Port: 2},
		"10.0.0.3:3": {IP: net.ParseIP("10.0.0.3").To4(), Port: 3},
	}

	added, dropped := btprotocol.DiffPex(prev, curr)
	require.Len(t, added, 1)
	require.Equal(t, "10.0.0.3", added[0].IP.String())
	require.Len(t, dropped, 1)
	require.Equal(t, "10.0.0.1", dropped[0].IP.String())
}

func TestDiffPexCapsAtFifty(t *testing.T) {
	curr := make(map[string]btprotocol.PexPeer)
	for i := 0; i < 75; i++ {
		ip := net.IPv4(10, 0, byte(i/256), byte(i%256)).To4()
		curr[ip.String()] = btprotocol.PexPeer{IP: ip, Port: uint16(i)}
	}
	added, dropped := btprotocol.DiffPex(nil, curr)
	require.Len(t, added, btprotocol.MaxPexPeersPerMessage)
	require.Empty(t, dropped)
}
