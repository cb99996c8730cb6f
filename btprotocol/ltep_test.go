package btprotocol_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quietbit/peerengine/btprotocol"
)

func TestExtensionHandshakeRoundTrip(t *testing.T) {
	h := btprotocol.ExtensionHandshake{
		M: map[btprotocol.ExtensionName]btprotocol.ExtensionNumber{
			btprotocol.ExtensionNamePex:      1,
			btprotocol.ExtensionNameMetadata: 2,
		},
		V:            "quietbit/0.1.0",
		Reqq:         250,
		MetadataSize: 4096,
	}

	raw, err := btprotocol.MarshalExtensionHandshake(h)
	require.NoError(t, err)

	out, err := btprotocol.UnmarshalExtensionHandshake(raw)
	require.NoError(t, err)
	require.Equal(t, h.V, out.V)
	require.Equal(t, h.Reqq, out.Reqq)
	require.Equal(t, h.MetadataSize, out.MetadataSize)
	require.EqualValues(t, 1, out.M[btprotocol.ExtensionNamePex])
	require.EqualValues(t, 2, out.M[btprotocol.ExtensionNameMetadata])
}

func TestMetadataRequestRoundTrip(t *testing.T) {
	raw, err := btprotocol.MarshalMetadataMessage(btprotocol.MetadataMessage{
		MsgType: btprotocol.MetadataRequest,
		Piece:   3,
	}, nil)
	require.NoError(t, err)

	m, trailer, err := btprotocol.UnmarshalMetadataMessage(raw)
	require.NoError(t, err)
	require.Equal(t, btprotocol.MetadataRequest, m.MsgType)
	require.Equal(t, 3, m.Piece)
	require.Empty(t, trailer)
}

func TestMetadataDataCarriesTrailingPieceBytes(t *testing.T) {
	piece := []byte("some raw metadata bytes that are not bencoded at all")
	raw, err := btprotocol.MarshalMetadataMessage(btprotocol.MetadataMessage{
		MsgType:   btprotocol.MetadataData,
		Piece:     0,
		TotalSize: len(piece),
	}, piece)
	require.NoError(t, err)

	m, trailer, err := btprotocol.UnmarshalMetadataMessage(raw)
	require.NoError(t, err)
	require.Equal(t, btprotocol.MetadataData, m.MsgType)
	require.Equal(t, len(piece), m.TotalSize)
	require.Equal(t, piece, trailer)
}

func TestMetadataRejectHasNoTrailer(t *testing.T) {
	raw, err := btprotocol.MarshalMetadataMessage(btprotocol.MetadataMessage{
		MsgType: btprotocol.MetadataReject,
		Piece:   1,
	}, nil)
	require.NoError(t, err)

	m, trailer, err := btprotocol.UnmarshalMetadataMessage(raw)
	require.NoError(t, err)
	require.Equal(t, btprotocol.MetadataReject, m.MsgType)
	require.Empty(t, trailer)
}
