package book

import (
	"time"

	"coinbase-hft/internal/latency"
	"coinbase-hft/pkg/types"
)

// QueuePosition models our place in the venue's FIFO at one price. Each
// aggressive print on the opposite side eats queueAhead first; once the
// estimate reaches zero, further printed quantity fills us.
type QueuePosition struct {
	OrderID      uint64
	Side         types.Side
	Price        float64
	OriginalQty  float64
	RemainingQty float64
	QueueAhead   float64
	EntryTime    time.Time
}

// trackQueuePosition opens a position with an explicit queue-ahead estimate.
func (e *Engine) trackQueuePosition(id uint64, side types.Side, price, qty, ahead float64) {
	if ahead < 0 {
		ahead = 0
	}
	qp := &QueuePosition{
		OrderID:      id,
		Side:         side,
		Price:        price,
		OriginalQty:  qty,
		RemainingQty: qty,
		QueueAhead:   ahead,
		EntryTime:    time.Now(),
	}

	e.queueMu.Lock()
	e.queuePos[id] = qp
	e.queueMu.Unlock()
}

// SetQueueAhead overrides the modelled queue-ahead for an order, for callers
// with better information than the level total at entry.
func (e *Engine) SetQueueAhead(id uint64, ahead float64) bool {
	if ahead < 0 {
		ahead = 0
	}
	e.queueMu.Lock()
	defer e.queueMu.Unlock()

	qp, ok := e.queuePos[id]
	if !ok {
		return false
	}
	qp.QueueAhead = ahead
	return true
}

// QueuePositionFor returns a copy of the tracked position for an order.
func (e *Engine) QueuePositionFor(id uint64) (QueuePosition, bool) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()

	qp, ok := e.queuePos[id]
	if !ok {
		return QueuePosition{}, false
	}
	return *qp, true
}

// ————————————————————————————————————————————————————————————————————————
// External market data
// ————————————————————————————————————————————————————————————————————————

// ApplyMarketDataUpdate folds venue depth into the replica. A snapshot
// replaces the external quantity at every covered level (and clears external
// quantity elsewhere); a delta adjusts per-level quantities, removing levels
// that reach zero. Malformed rows are dropped with a counter increment and
// never abort the batch.
func (e *Engine) ApplyMarketDataUpdate(depth types.MarketDepth) {
	defer e.tracker.MeasureFast(latency.MarketDataProcessing)()

	e.mu.Lock()

	if depth.Snapshot {
		e.applySnapshotLocked(types.BUY, depth.Bids)
		e.applySnapshotLocked(types.SELL, depth.Asks)
	} else {
		for _, row := range depth.Bids {
			e.applyDeltaLocked(types.BUY, row)
		}
		for _, row := range depth.Asks {
			e.applyDeltaLocked(types.SELL, row)
		}
	}

	e.statsMu.Lock()
	e.stats.TotalUpdates++
	e.statsMu.Unlock()

	e.updateBestLocked()
	top := e.topLocked()
	var d types.MarketDepth
	if e.onDepth != nil {
		d = e.depthLocked(10)
	}
	e.mu.Unlock()

	e.notifyBook(top)
	if e.onDepth != nil {
		e.onDepth(d)
	}
}

func (e *Engine) applySnapshotLocked(side types.Side, rows []types.PriceLevel) {
	tree := e.bids
	if side == types.SELL {
		tree = e.asks
	}

	covered := make(map[float64]float64, len(rows))
	for _, row := range rows {
		if !types.ValidPrice(row.Price) || row.Quantity < 0 {
			e.countDroppedLocked()
			continue
		}
		covered[row.Price] = row.Quantity
	}

	// Clear external quantity at levels the snapshot no longer lists; drop
	// levels that held nothing of ours.
	var gone []*priceLevel
	tree.Scan(func(l *priceLevel) bool {
		if _, ok := covered[l.price]; !ok {
			l.externalQty = 0
			if l.empty() {
				gone = append(gone, l)
			}
		}
		return true
	})
	for _, l := range gone {
		tree.Delete(l)
	}

	for px, qty := range covered {
		lvl := getLevel(tree, px)
		if lvl == nil {
			if qty <= 0 {
				continue
			}
			lvl = &priceLevel{price: px}
			tree.Set(lvl)
		}
		lvl.externalQty = qty
		lvl.lastUpdate = time.Now()
		if lvl.empty() {
			tree.Delete(lvl)
		}
	}
}

func (e *Engine) applyDeltaLocked(side types.Side, row types.PriceLevel) {
	if !types.ValidPrice(row.Price) {
		e.countDroppedLocked()
		return
	}

	tree := e.bids
	if side == types.SELL {
		tree = e.asks
	}

	lvl := getLevel(tree, row.Price)
	if lvl == nil {
		if row.Quantity <= 0 {
			// Removal of a level we never had; harmless.
			return
		}
		lvl = &priceLevel{price: row.Price}
		tree.Set(lvl)
	}

	// Deltas carry the new absolute size at the level, per the l2update
	// wire contract. Zero removes the external quantity.
	if row.Quantity < 0 {
		e.countDroppedLocked()
		return
	}
	lvl.externalQty = row.Quantity
	lvl.lastUpdate = time.Now()
	if lvl.empty() {
		tree.Delete(lvl)
	}
}

func (e *Engine) countDroppedLocked() {
	e.statsMu.Lock()
	e.stats.DroppedUpdates++
	e.statsMu.Unlock()
}

// ProcessMarketDataTrade consumes an external print: records the trade
// price, decays external liquidity at the printed level, and advances every
// queue position resting passively against the print's aggressor side.
// Inferred fills are emitted as synthetic executions and forwarded to the
// fill handler.
func (e *Engine) ProcessMarketDataTrade(trade types.MarketTrade) {
	defer e.tracker.MeasureFast(latency.MarketDataProcessing)()

	if !types.ValidPrice(trade.Price) || !types.ValidQuantity(trade.Quantity) {
		e.statsMu.Lock()
		e.stats.DroppedUpdates++
		e.statsMu.Unlock()
		e.logger.Warn("dropped invalid trade print", "price", trade.Price, "qty", trade.Quantity)
		return
	}

	e.lastTradePx.Store(trade.Price)

	type inferredFill struct {
		orderID uint64
		qty     float64
		price   float64
		final   bool
	}
	var fills []inferredFill

	passiveSide := trade.AggressorSide.Opposite()

	e.mu.Lock()

	// The print consumed passive liquidity at this price; mirror that in the
	// external replica.
	tree := e.bids
	if passiveSide == types.SELL {
		tree = e.asks
	}
	if lvl := getLevel(tree, trade.Price); lvl != nil {
		lvl.externalQty -= trade.Quantity
		if lvl.externalQty < 0 {
			lvl.externalQty = 0
		}
		lvl.lastUpdate = time.Now()
		if lvl.empty() {
			tree.Delete(lvl)
		}
	}

	// Advance queue positions: quantity past our previous queue-ahead fills
	// us, FIFO-deterministically.
	e.queueMu.Lock()
	for id, qp := range e.queuePos {
		if qp.Side != passiveSide || qp.Price != trade.Price {
			continue
		}

		prevAhead := qp.QueueAhead
		qp.QueueAhead = prevAhead - trade.Quantity
		if qp.QueueAhead < 0 {
			qp.QueueAhead = 0
		}

		leftover := trade.Quantity - prevAhead
		if qp.QueueAhead == 0 && leftover > 0 {
			fillQty := min(qp.RemainingQty, leftover)
			qp.RemainingQty -= fillQty
			fills = append(fills, inferredFill{
				orderID: id,
				qty:     fillQty,
				price:   qp.Price,
				final:   qp.RemainingQty <= 0,
			})
		}
	}
	for _, f := range fills {
		if f.final {
			delete(e.queuePos, f.orderID)
		}
	}
	e.queueMu.Unlock()

	// Take the filled quantity out of the resting book entries.
	var execs []types.TradeExecution
	for _, f := range fills {
		if resting, ok := e.active[f.orderID]; ok {
			resting.remaining -= f.qty
			e.orderQty[f.orderID] = resting.remaining

			rtree := e.bids
			if resting.side == types.SELL {
				rtree = e.asks
			}
			if lvl := getLevel(rtree, resting.price); lvl != nil {
				lvl.ownQty -= f.qty
				if resting.remaining <= 0 {
					for i, oid := range lvl.queue {
						if oid == f.orderID {
							lvl.queue = append(lvl.queue[:i], lvl.queue[i+1:]...)
							break
						}
					}
				}
				if lvl.empty() {
					rtree.Delete(lvl)
				}
			}
			if resting.remaining <= 0 {
				e.dropOrderLocked(f.orderID)
			}
		}

		execs = append(execs, e.executionLocked(0, f.orderID, f.price, f.qty, trade.AggressorSide))
	}

	e.updateBestLocked()
	top := e.topLocked()
	e.mu.Unlock()

	for i, f := range fills {
		if e.fillHandler != nil {
			e.fillHandler.HandleFill(f.orderID, f.qty, f.price, execs[i].Timestamp, f.final)
		}
	}
	e.notifyTrades(execs)
	if len(fills) > 0 || e.onBookUpdate != nil {
		e.notifyBook(top)
	}
}
