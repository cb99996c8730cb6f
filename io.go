package torrent

import (
	"context"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// byteRateWindow is a 60-bucket 60s sliding window of transferred bytes,
// the same bucketed-ring idea historyRing uses for event counts in peer.go,
// specialised here to accumulate arbitrary byte counts per Add call rather
// than a fixed +1 per Increment.
type byteRateWindow struct {
	mu       sync.Mutex
	buckets  [60]int64
	bucketAt [60]time.Time
}

func (w *byteRateWindow) Add(now time.Time, n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	i := int(now.Unix()) % len(w.buckets)
	if now.Sub(w.bucketAt[i]) > time.Second {
		w.buckets[i] = 0
	}
	w.buckets[i] += int64(n)
	w.bucketAt[i] = now
}

// RatePerSecond averages the window's last 5 seconds of activity, smoothing
// over the per-second bucket boundaries.
func (w *byteRateWindow) RatePerSecond(now time.Time) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	const span = 5 * time.Second
	var total int64
	for i, t := range w.bucketAt {
		if now.Sub(t) <= span {
			total += w.buckets[i]
		}
	}
	return total / int64(span/time.Second)
}

// sessionIOCollaborator adapts a blocking io.ReadWriteCloser (the result of
// a completed handshake's IO hand-off, per §6's steal_io contract) into the
// IOCollaborator a Session needs, rate-limiting writes with
// golang.org/x/time/rate the way the teacher's ratelimitreader.go limits
// reads, and tracking observed throughput in byteRateWindows for the choke
// controller's rate-based ranking.
type sessionIOCollaborator struct {
	rwc io.ReadWriteCloser

	writeLimiter *rate.Limiter

	up, down byteRateWindow

	mu                          sync.Mutex
	canRead, didWrite, gotError func()
}

// NewIOCollaborator wraps rwc, shaping outbound writes to maxUploadBytesPerSec
// (0 disables shaping) and recording observed read/write throughput.
func NewIOCollaborator(rwc io.ReadWriteCloser, maxUploadBytesPerSec int) IOCollaborator {
	var limiter *rate.Limiter
	if maxUploadBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(maxUploadBytesPerSec), maxUploadBytesPerSec)
	}
	return &sessionIOCollaborator{rwc: rwc, writeLimiter: limiter}
}

func newIOCollaborator(rwc io.ReadWriteCloser) IOCollaborator {
	return NewIOCollaborator(rwc, 0)
}

func (s *sessionIOCollaborator) Read(b []byte) (int, error) {
	n, err := s.rwc.Read(b)
	now := time.Now()
	if n > 0 {
		s.down.Add(now, n)
	}
	s.mu.Lock()
	cb := s.canRead
	errCb := s.gotError
	s.mu.Unlock()
	if err != nil && errCb != nil {
		errCb()
	} else if cb != nil {
		cb()
	}
	return n, err
}

func (s *sessionIOCollaborator) Write(b []byte) (int, error) {
	if s.writeLimiter != nil {
		if err := s.writeLimiter.WaitN(context.Background(), min(len(b), s.writeLimiter.Burst())); err != nil {
			return 0, err
		}
	}
	n, err := s.rwc.Write(b)
	now := time.Now()
	if n > 0 {
		s.up.Add(now, n)
	}
	s.mu.Lock()
	cb := s.didWrite
	errCb := s.gotError
	s.mu.Unlock()
	if err != nil && errCb != nil {
		errCb()
	} else if cb != nil {
		cb()
	}
	return n, err
}

func (s *sessionIOCollaborator) Close() error { return s.rwc.Close() }

func (s *sessionIOCollaborator) RateUp() int64   { return s.up.RatePerSecond(time.Now()) }
func (s *sessionIOCollaborator) RateDown() int64 { return s.down.RatePerSecond(time.Now()) }

// BufferSpace reports a fixed budget since this adapter has no underlying
// non-blocking socket buffer to query; a real transport (e.g. a
// sockets.Socket-backed one) would report its actual send-buffer headroom.
func (s *sessionIOCollaborator) BufferSpace() int { return 1 << 16 }

func (s *sessionIOCollaborator) SetCallbacks(canRead, didWrite, gotError func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canRead, s.didWrite, s.gotError = canRead, didWrite, gotError
}
