package timex_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quietbit/peerengine/internal/timex"
)

func TestDurationMin(t *testing.T) {
	require.Equal(t, time.Second, timex.DurationMin(time.Minute, time.Second, time.Hour))
	require.Equal(t, time.Duration(0), timex.DurationMin())
}

func TestDurationMax(t *testing.T) {
	require.Equal(t, time.Hour, timex.DurationMax(time.Minute, time.Second, time.Hour))
	require.Equal(t, time.Duration(0), timex.DurationMax())
}

func TestClamp(t *testing.T) {
	require.Equal(t, time.Second, timex.Clamp(time.Millisecond, time.Second, time.Minute))
	require.Equal(t, time.Minute, timex.Clamp(time.Hour, time.Second, time.Minute))
	require.Equal(t, 30*time.Second, timex.Clamp(30*time.Second, time.Second, time.Minute))
}
