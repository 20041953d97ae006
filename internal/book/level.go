// Package book implements the price-time-priority order book for one symbol.
//
// The engine plays two roles at once: a matching engine for our own orders,
// and a replica of the venue's level-2 depth. External liquidity lives as an
// aggregate quantity on each level; our resting orders queue FIFO behind a
// modelled queue-ahead estimate, and external trade prints decay those
// estimates to infer fills deterministically.
package book

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/tidwall/btree"

	"coinbase-hft/pkg/types"
)

// compaction kicks in once lazy-cancelled ids dominate a level's queue.
const (
	compactMinCancelled = 8
)

// restingOrder is the book's private copy of one of our resting orders.
type restingOrder struct {
	id        uint64
	side      types.Side
	price     float64
	remaining float64
}

// priceLevel aggregates everything resting at one price on one side:
// externalQty mirrors the venue's depth at that price, queue holds our order
// ids in arrival order.
type priceLevel struct {
	price       float64
	externalQty float64
	ownQty      float64
	queue       []uint64
	cancelled   int // lazily-skipped ids still in queue
	lastUpdate  time.Time
}

// totalQty is the level's full resting quantity, external plus ours.
func (l *priceLevel) totalQty() float64 {
	return l.externalQty + l.ownQty
}

func (l *priceLevel) empty() bool {
	return l.externalQty <= 0 && l.ownQty <= 0 && len(l.queue) == l.cancelled
}

// sideTree is a btree of price levels; the less function fixes the sweep
// order (bids descending, asks ascending).
type sideTree = btree.BTreeG[*priceLevel]

func newBids() *sideTree {
	return btree.NewBTreeG(func(a, b *priceLevel) bool { return a.price > b.price })
}

func newAsks() *sideTree {
	return btree.NewBTreeG(func(a, b *priceLevel) bool { return a.price < b.price })
}

func getLevel(t *sideTree, price float64) *priceLevel {
	l, ok := t.Get(&priceLevel{price: price})
	if !ok {
		return nil
	}
	return l
}

// atomicFloat64 packs a float64 into an atomic word for lock-free reads of
// best bid/ask and last trade price.
type atomicFloat64 struct {
	bits atomic.Uint64
}

func (a *atomicFloat64) Store(v float64) {
	a.bits.Store(math.Float64bits(v))
}

func (a *atomicFloat64) Load() float64 {
	return math.Float64frombits(a.bits.Load())
}
