package book

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"coinbase-hft/internal/latency"
	"coinbase-hft/pkg/types"
)

// FillHandler receives fills the book attributes to our orders, both from
// internal matching and from queue-position inference. The order manager
// implements it; the book depends only on this capability so the two can be
// constructed independently and cross-registered afterwards.
type FillHandler interface {
	HandleFill(orderID uint64, fillQty, fillPrice float64, fillTime time.Time, isFinal bool) bool
}

// Engine maintains the order book for a single symbol: matching for our
// orders, replica state for the venue's depth, and per-order queue-position
// tracking for fill inference.
//
// All mutating operations serialize on mu. Best bid/ask and last trade price
// are additionally cached in atomics so any goroutine can read the top of
// book without locking.
type Engine struct {
	symbol string

	mu         sync.Mutex
	bids       *sideTree
	asks       *sideTree
	active     map[uint64]*restingOrder // our orders resting in the book
	orderPrice map[uint64]float64
	orderQty   map[uint64]float64
	cancelled  map[uint64]struct{} // lazily skipped during matching

	queueMu  sync.Mutex
	queuePos map[uint64]*QueuePosition

	ourMu     sync.RWMutex
	ourOrders map[uint64]struct{}

	bestBid     atomicFloat64
	bestAsk     atomicFloat64
	bestBidQty  atomicFloat64
	bestAskQty  atomicFloat64
	lastTradePx atomicFloat64
	nextTradeID atomic.Uint64

	statsMu     sync.Mutex
	stats       types.OrderBookStats
	spreadSum   float64
	spreadCount uint64

	fillHandler FillHandler

	onBookUpdate func(types.TopOfBook)
	onTrade      func(types.TradeExecution)
	onDepth      func(types.MarketDepth)

	tracker *latency.Tracker
	logger  *slog.Logger
}

// NewEngine creates an empty book for symbol.
func NewEngine(symbol string, tracker *latency.Tracker, logger *slog.Logger) *Engine {
	return &Engine{
		symbol:     symbol,
		bids:       newBids(),
		asks:       newAsks(),
		active:     make(map[uint64]*restingOrder),
		orderPrice: make(map[uint64]float64),
		orderQty:   make(map[uint64]float64),
		cancelled:  make(map[uint64]struct{}),
		queuePos:   make(map[uint64]*QueuePosition),
		ourOrders:  make(map[uint64]struct{}),
		tracker:    tracker,
		logger:     logger.With("component", "book", "symbol", symbol),
	}
}

// SetFillHandler registers the fill sink (second phase of wiring).
func (e *Engine) SetFillHandler(h FillHandler) { e.fillHandler = h }

// SetBookUpdateCallback registers the top-of-book listener. Callbacks run
// synchronously on the mutating goroutine after the operation completes;
// callees must not call back into mutating APIs.
func (e *Engine) SetBookUpdateCallback(cb func(types.TopOfBook)) { e.onBookUpdate = cb }

// SetTradeCallback registers the execution listener.
func (e *Engine) SetTradeCallback(cb func(types.TradeExecution)) { e.onTrade = cb }

// SetDepthUpdateCallback registers the depth listener.
func (e *Engine) SetDepthUpdateCallback(cb func(types.MarketDepth)) { e.onDepth = cb }

// ————————————————————————————————————————————————————————————————————————
// Core operations
// ————————————————————————————————————————————————————————————————————————

// AddOrder validates and matches a limit order, resting any unfilled
// remainder at its limit price. The executions are returned in match order.
func (e *Engine) AddOrder(o types.Order) (types.MatchResult, []types.TradeExecution) {
	defer e.tracker.MeasureFast(latency.OrderBookUpdate)()

	if !types.ValidPrice(o.Price) || !types.ValidQuantity(o.RemainingQuantity) {
		return types.MatchRejected, nil
	}

	e.mu.Lock()

	execs, remaining := e.matchLocked(o.Side, o.Price, true, o.RemainingQuantity, o.ID)

	result := types.NoMatch
	switch {
	case remaining == 0:
		result = types.FullFill
	case len(execs) > 0:
		result = types.PartialFill
	}

	if remaining > 0 {
		e.restLocked(o.ID, o.Side, o.Price, remaining)
	}

	e.statsMu.Lock()
	e.stats.TotalOrdersProcessed++
	e.statsMu.Unlock()

	e.updateBestLocked()
	top := e.topLocked()
	e.mu.Unlock()

	e.notifyTrades(execs)
	e.notifyBook(top)
	return result, execs
}

// ProcessMarketOrder sweeps the opposite side until filled or the book is
// exhausted. Market orders never rest.
func (e *Engine) ProcessMarketOrder(side types.Side, qty float64) (types.MatchResult, []types.TradeExecution) {
	if !types.ValidQuantity(qty) {
		return types.MatchRejected, nil
	}

	e.mu.Lock()
	execs, remaining := e.matchLocked(side, 0, false, qty, 0)

	result := types.NoMatch
	switch {
	case remaining == 0:
		result = types.FullFill
	case len(execs) > 0:
		result = types.PartialFill
	}

	e.updateBestLocked()
	top := e.topLocked()
	e.mu.Unlock()

	e.notifyTrades(execs)
	e.notifyBook(top)
	return result, execs
}

// matchLocked walks the opposite side in price order, trading at each
// resting order's price (passive-price rule). limited=false ignores the
// limit (market order). Returns executions and the aggressor's unfilled
// remainder.
func (e *Engine) matchLocked(side types.Side, limit float64, limited bool, qty float64, aggID uint64) ([]types.TradeExecution, float64) {
	opp := e.asks
	if side == types.SELL {
		opp = e.bids
	}

	// A level trades when it improves on the limit. The level at exactly the
	// limit trades only when it is the touch on arrival; once the aggressor
	// has swept better prices, the remainder at its own limit joins the book
	// as a maker instead of taking it.
	crosses := func(levelPx float64, first bool) bool {
		if !limited {
			return true
		}
		if side == types.BUY {
			if first {
				return levelPx <= limit
			}
			return levelPx < limit
		}
		if first {
			return levelPx >= limit
		}
		return levelPx > limit
	}

	var execs []types.TradeExecution
	remaining := qty

	first := true
	for remaining > 0 {
		lvl, ok := opp.Min()
		if !ok || !crosses(lvl.price, first) {
			break
		}
		first = false

		remaining = e.consumeLevelLocked(lvl, side, remaining, aggID, &execs)

		if lvl.empty() {
			opp.Delete(lvl)
		} else if remaining > 0 {
			// Float dust can leave a consumed level fractionally non-empty;
			// nothing tradeable remains, so stop rather than spin.
			break
		}
	}
	return execs, remaining
}

// consumeLevelLocked trades the aggressor against one level: first our
// resting FIFO (skipping lazily-cancelled ids), then the external aggregate.
func (e *Engine) consumeLevelLocked(lvl *priceLevel, aggSide types.Side, remaining float64, aggID uint64, execs *[]types.TradeExecution) float64 {
	// FIFO queue first: price-time priority within the level.
	i := 0
	for i < len(lvl.queue) && remaining > 0 {
		oid := lvl.queue[i]
		if _, dead := e.cancelled[oid]; dead {
			delete(e.cancelled, oid)
			lvl.queue = append(lvl.queue[:i], lvl.queue[i+1:]...)
			lvl.cancelled--
			continue
		}

		resting := e.active[oid]
		tradeQty := min(remaining, resting.remaining)
		exec := e.executionLocked(aggID, oid, lvl.price, tradeQty, aggSide)
		*execs = append(*execs, exec)

		resting.remaining -= tradeQty
		e.orderQty[oid] = resting.remaining
		lvl.ownQty -= tradeQty
		remaining -= tradeQty

		if resting.remaining <= 0 {
			lvl.queue = append(lvl.queue[:i], lvl.queue[i+1:]...)
			e.dropOrderLocked(oid)
		} else {
			i++
		}
	}

	// Then external liquidity resting at this price.
	if remaining > 0 && lvl.externalQty > 0 {
		tradeQty := min(remaining, lvl.externalQty)
		exec := e.executionLocked(aggID, 0, lvl.price, tradeQty, aggSide)
		*execs = append(*execs, exec)

		lvl.externalQty -= tradeQty
		remaining -= tradeQty
	}

	lvl.lastUpdate = time.Now()
	return remaining
}

func (e *Engine) executionLocked(aggID, passiveID uint64, price, qty float64, aggSide types.Side) types.TradeExecution {
	exec := types.TradeExecution{
		TradeID:       e.nextTradeID.Add(1),
		AggressorID:   aggID,
		PassiveID:     passiveID,
		Price:         price,
		Quantity:      qty,
		AggressorSide: aggSide,
		Timestamp:     time.Now(),
	}
	e.lastTradePx.Store(price)

	e.statsMu.Lock()
	e.stats.TotalTrades++
	e.stats.TotalVolume += qty
	e.stats.LastTradeTime = exec.Timestamp
	e.statsMu.Unlock()
	return exec
}

// restLocked appends an order to the FIFO tail of its level, creating the
// level on first use, and opens a queue position seeded with the quantity
// already resting at that price.
func (e *Engine) restLocked(id uint64, side types.Side, price, qty float64) {
	tree := e.bids
	if side == types.SELL {
		tree = e.asks
	}

	lvl := getLevel(tree, price)
	if lvl == nil {
		lvl = &priceLevel{price: price}
		tree.Set(lvl)
	}

	ahead := lvl.totalQty()
	lvl.queue = append(lvl.queue, id)
	lvl.ownQty += qty
	lvl.lastUpdate = time.Now()

	e.active[id] = &restingOrder{id: id, side: side, price: price, remaining: qty}
	e.orderPrice[id] = price
	e.orderQty[id] = qty

	e.trackQueuePosition(id, side, price, qty, ahead)
}

// dropOrderLocked removes all tracking for a fully consumed or cancelled id.
func (e *Engine) dropOrderLocked(id uint64) {
	delete(e.active, id)
	delete(e.orderPrice, id)
	delete(e.orderQty, id)

	e.queueMu.Lock()
	delete(e.queuePos, id)
	e.queueMu.Unlock()
}

// CancelOrder marks the id for lazy removal and releases its quantity from
// the level immediately. Unknown ids return false with no mutation.
func (e *Engine) CancelOrder(id uint64) bool {
	defer e.tracker.MeasureFast(latency.OrderCancellation)()

	e.mu.Lock()

	resting, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		return false
	}

	tree := e.bids
	if resting.side == types.SELL {
		tree = e.asks
	}
	lvl := getLevel(tree, resting.price)
	if lvl != nil {
		lvl.ownQty -= resting.remaining
		lvl.cancelled++
		lvl.lastUpdate = time.Now()

		if lvl.cancelled >= compactMinCancelled && lvl.cancelled*2 >= len(lvl.queue) {
			e.compactLevelLocked(lvl)
		}
		if lvl.empty() {
			tree.Delete(lvl)
		}
	}

	e.cancelled[id] = struct{}{}
	e.dropOrderLocked(id)

	e.updateBestLocked()
	top := e.topLocked()
	e.mu.Unlock()

	e.notifyBook(top)
	return true
}

// compactLevelLocked rebuilds a queue whose cancelled population crossed the
// threshold, restoring O(live) traversal.
func (e *Engine) compactLevelLocked(lvl *priceLevel) {
	live := lvl.queue[:0]
	for _, oid := range lvl.queue {
		if _, dead := e.cancelled[oid]; dead {
			delete(e.cancelled, oid)
			continue
		}
		live = append(live, oid)
	}
	lvl.queue = live
	lvl.cancelled = 0
}

// ModifyOrder changes an order's price and/or quantity. Price changes and
// quantity increases forfeit time priority (cancel + re-add under the same
// id); a pure quantity decrease edits the level in place. Returns false for
// unknown ids or invalid parameters.
func (e *Engine) ModifyOrder(id uint64, newPrice, newQty float64) bool {
	if !types.ValidPrice(newPrice) || !types.ValidQuantity(newQty) {
		return false
	}

	e.mu.Lock()

	resting, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		return false
	}

	if newPrice == resting.price && newQty == resting.remaining {
		// No observable change.
		e.mu.Unlock()
		return true
	}

	if newPrice == resting.price && newQty < resting.remaining {
		// Pure decrease keeps queue position.
		tree := e.bids
		if resting.side == types.SELL {
			tree = e.asks
		}
		delta := resting.remaining - newQty
		if lvl := getLevel(tree, resting.price); lvl != nil {
			lvl.ownQty -= delta
			lvl.lastUpdate = time.Now()
		}
		resting.remaining = newQty
		e.orderQty[id] = newQty

		e.queueMu.Lock()
		if qp, ok := e.queuePos[id]; ok {
			qp.RemainingQty = newQty
		}
		e.queueMu.Unlock()

		e.updateBestLocked()
		top := e.topLocked()
		e.mu.Unlock()
		e.notifyBook(top)
		return true
	}

	// Priority-losing change: remove and re-rest at the tail.
	side := resting.side
	tree := e.bids
	if side == types.SELL {
		tree = e.asks
	}
	if lvl := getLevel(tree, resting.price); lvl != nil {
		lvl.ownQty -= resting.remaining
		// The id lives on after the move, so it leaves the old queue now
		// rather than through the lazy-cancel set.
		for i, oid := range lvl.queue {
			if oid == id {
				lvl.queue = append(lvl.queue[:i], lvl.queue[i+1:]...)
				break
			}
		}
		if lvl.empty() {
			tree.Delete(lvl)
		}
	}
	e.dropOrderLocked(id)
	e.restLocked(id, side, newPrice, newQty)

	e.updateBestLocked()
	top := e.topLocked()
	e.mu.Unlock()
	e.notifyBook(top)
	return true
}

// ————————————————————————————————————————————————————————————————————————
// Our-order marking
// ————————————————————————————————————————————————————————————————————————

// MarkOurOrder records that an id belongs to us. Reads vastly outnumber
// writes, hence the RWMutex.
func (e *Engine) MarkOurOrder(id uint64) {
	e.ourMu.Lock()
	e.ourOrders[id] = struct{}{}
	e.ourMu.Unlock()
}

// UnmarkOurOrder forgets an id after its order reaches a terminal state.
func (e *Engine) UnmarkOurOrder(id uint64) {
	e.ourMu.Lock()
	delete(e.ourOrders, id)
	e.ourMu.Unlock()
}

// IsOurOrder reports whether the id was marked as ours.
func (e *Engine) IsOurOrder(id uint64) bool {
	e.ourMu.RLock()
	_, ok := e.ourOrders[id]
	e.ourMu.RUnlock()
	return ok
}

// ————————————————————————————————————————————————————————————————————————
// Read-only accessors
// ————————————————————————————————————————————————————————————————————————

// TopOfBook returns the cached inside market. Lock-free.
func (e *Engine) TopOfBook() types.TopOfBook {
	bid := e.bestBid.Load()
	ask := e.bestAsk.Load()
	top := types.TopOfBook{
		BidPrice:    bid,
		BidQuantity: e.bestBidQty.Load(),
		AskPrice:    ask,
		AskQuantity: e.bestAskQty.Load(),
		Timestamp:   time.Now(),
	}
	if bid > 0 && ask > 0 {
		top.MidPrice = (bid + ask) / 2
		top.Spread = ask - bid
	}
	return top
}

// MidPrice returns (bid+ask)/2, or 0 when either side is empty. Lock-free.
func (e *Engine) MidPrice() float64 {
	bid, ask := e.bestBid.Load(), e.bestAsk.Load()
	if bid <= 0 || ask <= 0 {
		return 0
	}
	return (bid + ask) / 2
}

// SpreadBps returns the inside spread in basis points of mid. Lock-free.
func (e *Engine) SpreadBps() float64 {
	bid, ask := e.bestBid.Load(), e.bestAsk.Load()
	if bid <= 0 || ask <= 0 {
		return 0
	}
	mid := (bid + ask) / 2
	return (ask - bid) / mid * 10000
}

// LastTradePrice returns the most recent trade price seen. Lock-free.
func (e *Engine) LastTradePrice() float64 {
	return e.lastTradePx.Load()
}

// IsMarketCrossed reports bid >= ask; a crossed external snapshot is
// tolerated and heals on the next consistent update. Lock-free.
func (e *Engine) IsMarketCrossed() bool {
	bid, ask := e.bestBid.Load(), e.bestAsk.Load()
	return bid > 0 && ask > 0 && bid >= ask
}

// MarketDepth returns up to levels aggregated rows per side.
func (e *Engine) MarketDepth(levels int) types.MarketDepth {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.depthLocked(levels)
}

func (e *Engine) depthLocked(levels int) types.MarketDepth {
	depth := types.MarketDepth{Levels: levels, Timestamp: time.Now()}

	e.bids.Scan(func(l *priceLevel) bool {
		if l.totalQty() > 0 {
			depth.Bids = append(depth.Bids, types.PriceLevel{Price: l.price, Quantity: l.totalQty()})
		}
		return len(depth.Bids) < levels
	})
	e.asks.Scan(func(l *priceLevel) bool {
		if l.totalQty() > 0 {
			depth.Asks = append(depth.Asks, types.PriceLevel{Price: l.price, Quantity: l.totalQty()})
		}
		return len(depth.Asks) < levels
	})
	return depth
}

// Statistics returns a copy of the book counters.
func (e *Engine) Statistics() types.OrderBookStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	st := e.stats
	if e.spreadCount > 0 {
		st.AvgSpreadBps = e.spreadSum / float64(e.spreadCount)
	}
	return st
}

// Clear resets the book to empty, dropping all resting state.
func (e *Engine) Clear() {
	e.mu.Lock()
	e.bids = newBids()
	e.asks = newAsks()
	e.active = make(map[uint64]*restingOrder)
	e.orderPrice = make(map[uint64]float64)
	e.orderQty = make(map[uint64]float64)
	e.cancelled = make(map[uint64]struct{})

	e.queueMu.Lock()
	e.queuePos = make(map[uint64]*QueuePosition)
	e.queueMu.Unlock()

	e.bestBid.Store(0)
	e.bestAsk.Store(0)
	e.bestBidQty.Store(0)
	e.bestAskQty.Store(0)
	e.mu.Unlock()
}

// ————————————————————————————————————————————————————————————————————————
// Internal maintenance
// ————————————————————————————————————————————————————————————————————————

// updateBestLocked refreshes the atomic top-of-book cache and folds the
// spread into the running average.
func (e *Engine) updateBestLocked() {
	var bb, ba, bbq, baq float64

	e.bids.Scan(func(l *priceLevel) bool {
		if l.totalQty() > 0 {
			bb, bbq = l.price, l.totalQty()
			return false
		}
		return true
	})
	e.asks.Scan(func(l *priceLevel) bool {
		if l.totalQty() > 0 {
			ba, baq = l.price, l.totalQty()
			return false
		}
		return true
	})

	e.bestBid.Store(bb)
	e.bestAsk.Store(ba)
	e.bestBidQty.Store(bbq)
	e.bestAskQty.Store(baq)

	if bb > 0 && ba > 0 && ba > bb {
		mid := (bb + ba) / 2
		e.statsMu.Lock()
		e.spreadSum += (ba - bb) / mid * 10000
		e.spreadCount++
		e.statsMu.Unlock()
	}
}

func (e *Engine) topLocked() types.TopOfBook {
	bid := e.bestBid.Load()
	ask := e.bestAsk.Load()
	top := types.TopOfBook{
		BidPrice:    bid,
		BidQuantity: e.bestBidQty.Load(),
		AskPrice:    ask,
		AskQuantity: e.bestAskQty.Load(),
		Timestamp:   time.Now(),
	}
	if bid > 0 && ask > 0 {
		top.MidPrice = (bid + ask) / 2
		top.Spread = ask - bid
	}
	return top
}

func (e *Engine) notifyTrades(execs []types.TradeExecution) {
	if e.onTrade == nil {
		return
	}
	for _, exec := range execs {
		e.onTrade(exec)
	}
}

func (e *Engine) notifyBook(top types.TopOfBook) {
	if e.onBookUpdate != nil {
		e.onBookUpdate(top)
	}
}
