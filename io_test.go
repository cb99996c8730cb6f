package torrent

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type pipeRWC struct {
	r io.Reader
	w io.Writer
}

func (p pipeRWC) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p pipeRWC) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p pipeRWC) Close() error                { return nil }

func TestByteRateWindowAveragesRecentActivity(t *testing.T) {
	var w byteRateWindow
	now := time.Now()
	w.Add(now, 1000)
	require.Greater(t, w.RatePerSecond(now), int64(0))
}

func TestByteRateWindowIgnoresStaleBuckets(t *testing.T) {
	var w byteRateWindow
	stale := time.Now().Add(-time.Hour)
	w.Add(stale, 5000)
	require.Zero(t, w.RatePerSecond(time.Now()))
}

func TestSessionIOCollaboratorTracksReadRate(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	collab := NewIOCollaborator(client, 0)
	go func() {
		server.Write([]byte("hello"))
	}()

	buf := make([]byte, 5)
	n, err := collab.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
	require.Greater(t, collab.RateDown(), int64(0))
}

func TestSessionIOCollaboratorInvokesCallbacks(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	collab := NewIOCollaborator(client, 0)
	readCalled := make(chan struct{}, 1)
	collab.SetCallbacks(func() { readCalled <- struct{}{} }, nil, nil)

	go func() { server.Write([]byte("x")) }()

	buf := make([]byte, 1)
	_, err := collab.Read(buf)
	require.NoError(t, err)

	select {
	case <-readCalled:
	case <-time.After(time.Second):
		t.Fatal("canRead callback was not invoked")
	}
}

func TestSessionIOCollaboratorBufferSpaceIsPositive(t *testing.T) {
	collab := NewIOCollaborator(pipeRWC{}, 0)
	require.Greater(t, collab.BufferSpace(), 0)
}
