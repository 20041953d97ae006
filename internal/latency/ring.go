// Package latency records hot-path timing for the trading core.
//
// Each operation class owns a lock-free single-producer single-consumer ring
// of recent samples, a pair of P² percentile estimators (p95/p99), a trend
// window over recent p95 values, and a bounded spike log. The fast path is
// allocation-free; exact statistics are computed off the hot path by
// snapshotting the ring.
package latency

import (
	"sync/atomic"
)

const (
	// ringSize must be a power of two for mask arithmetic.
	ringSize = 1024
	ringMask = ringSize - 1
)

// ring is a lock-free SPSC circular buffer of float64 samples. When full, the
// oldest value is dropped by advancing the tail; the full flag latches and is
// informational only. Head and tail live on separate cache lines so producer
// and consumer don't false-share.
type ring struct {
	head atomic.Uint64
	_    [56]byte
	tail atomic.Uint64
	_    [56]byte
	full atomic.Bool
	_    [56]byte
	buf  [ringSize]float64
}

// push appends a sample, overwriting the oldest on overrun. Single producer
// only.
func (r *ring) push(v float64) {
	head := r.head.Load()
	next := (head + 1) & ringMask

	if next == r.tail.Load() {
		// Full — drop the oldest.
		r.tail.Store((r.tail.Load() + 1) & ringMask)
		r.full.Store(true)
	}

	r.buf[head] = v
	r.head.Store(next)
}

// size returns the approximate number of buffered samples.
func (r *ring) size() int {
	h := r.head.Load()
	t := r.tail.Load()
	if h >= t {
		return int(h - t)
	}
	return ringSize - int(t-h)
}

// hasBeenFull reports whether the ring ever overran.
func (r *ring) hasBeenFull() bool {
	return r.full.Load()
}

// snapshot copies the buffered samples oldest-first. Values may be torn with
// respect to a concurrent producer; the consumers of this data are reporting
// paths that tolerate an off-by-one window.
func (r *ring) snapshot(dst []float64) []float64 {
	dst = dst[:0]
	t := r.tail.Load()
	h := r.head.Load()
	for pos := t; pos != h; pos = (pos + 1) & ringMask {
		dst = append(dst, r.buf[pos])
	}
	return dst
}

// clear resets the ring to empty.
func (r *ring) clear() {
	r.head.Store(0)
	r.tail.Store(0)
	r.full.Store(false)
}
