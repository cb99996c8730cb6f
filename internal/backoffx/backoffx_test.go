package backoffx_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quietbit/peerengine/internal/backoffx"
)

func TestTableHoldsOnFinalEntry(t *testing.T) {
	s := backoffx.Table(0, 5*time.Second, 2*time.Minute)
	require.Equal(t, time.Duration(0), s.Backoff(0))
	require.Equal(t, 5*time.Second, s.Backoff(1))
	require.Equal(t, 2*time.Minute, s.Backoff(2))
	require.Equal(t, 2*time.Minute, s.Backoff(10))
}

func TestTableEmpty(t *testing.T) {
	s := backoffx.Table()
	require.Equal(t, time.Duration(0), s.Backoff(3))
}

func TestExponentialDoublesAndSaturates(t *testing.T) {
	s := backoffx.Exponential(time.Second)
	require.Equal(t, time.Second, s.Backoff(0))
	require.Equal(t, 2*time.Second, s.Backoff(1))
	require.Equal(t, 4*time.Second, s.Backoff(2))
	require.Equal(t, time.Duration(math.MaxInt64), s.Backoff(62))
}

func TestConstant(t *testing.T) {
	s := backoffx.Constant(3 * time.Second)
	require.Equal(t, 3*time.Second, s.Backoff(0))
	require.Equal(t, 3*time.Second, s.Backoff(100))
}

func TestCycleRepeats(t *testing.T) {
	s := backoffx.Cycle(time.Second, 2*time.Second, 3*time.Second)
	require.Equal(t, time.Second, s.Backoff(0))
	require.Equal(t, 3*time.Second, s.Backoff(2))
	require.Equal(t, time.Second, s.Backoff(3))
}

func TestDynamicHash1mDeterministic(t *testing.T) {
	a := backoffx.DynamicHash1m("192.168.1.1:6881")
	b := backoffx.DynamicHash1m("192.168.1.1:6881")
	require.Equal(t, a, b)
	require.Less(t, a, time.Minute)
}

func TestRandomBounds(t *testing.T) {
	require.Equal(t, time.Duration(0), backoffx.Random(0))
	for i := 0; i < 20; i++ {
		d := backoffx.Random(10 * time.Millisecond)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.Less(t, d, 10*time.Millisecond)
	}
}
