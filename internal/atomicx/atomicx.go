// Package atomicx provides constructors for pre-initialized atomic values,
// avoiding the two-step "declare then Store" dance at every call site.
package atomicx

import (
	"sync/atomic"

	"golang.org/x/exp/constraints"
)

// Pointer allocates an atomic.Pointer initialized to point at a copy of v.
func Pointer[T any](v T) (r *atomic.Pointer[T]) {
	r = &atomic.Pointer[T]{}
	r.Store(&v)
	return r
}

// Uint32 allocates an atomic.Uint32 initialized to n.
func Uint32[T constraints.Integer](n T) (r *atomic.Uint32) {
	r = &atomic.Uint32{}
	r.Store(uint32(n))
	return r
}

// Bool allocates an atomic.Bool initialized to n.
func Bool(n bool) (r *atomic.Bool) {
	r = &atomic.Bool{}
	r.Store(n)
	return r
}

// Int64 allocates an atomic.Int64 initialized to n.
func Int64[T constraints.Integer](n T) (r *atomic.Int64) {
	r = &atomic.Int64{}
	r.Store(int64(n))
	return r
}
