// Package signal generates market-making quotes from the live book state.
//
// On every top-of-book update the engine recomputes target bid/ask prices
// (target half-spread, inventory skew, optional depth-based refinement) and
// sizes, diffs them against the quotes currently working, and emits the
// minimal PLACE/CANCEL set toward the order manager. Cancels are targeted at
// specific order ids and always outrank places under the rate limit.
package signal

import (
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"coinbase-hft/internal/latency"
	"coinbase-hft/pkg/types"
)

// QuoteSide identifies which side(s) of the market a quote or action covers.
type QuoteSide uint8

const (
	QuoteBid QuoteSide = iota
	QuoteAsk
	QuoteBoth
)

func (s QuoteSide) String() string {
	switch s {
	case QuoteBid:
		return "BID"
	case QuoteAsk:
		return "ASK"
	default:
		return "BOTH"
	}
}

// QuoteState tracks one working quote through its lifecycle.
type QuoteState uint8

const (
	QuoteInactive QuoteState = iota
	QuotePending
	QuoteActive
	QuoteCancelling
	QuoteReplacing
)

// SignalType enumerates the actions the engine can request.
type SignalType uint8

const (
	PlaceBid SignalType = iota
	PlaceAsk
	CancelBid
	CancelAsk
	ModifyBid
	ModifyAsk
	Hold
	EmergencyCancel
)

func (t SignalType) String() string {
	switch t {
	case PlaceBid:
		return "PLACE_BID"
	case PlaceAsk:
		return "PLACE_ASK"
	case CancelBid:
		return "CANCEL_BID"
	case CancelAsk:
		return "CANCEL_ASK"
	case ModifyBid:
		return "MODIFY_BID"
	case ModifyAsk:
		return "MODIFY_ASK"
	case Hold:
		return "HOLD"
	default:
		return "EMERGENCY_CANCEL"
	}
}

// isCancel reports whether the signal removes liquidity; cancels survive
// rate limiting ahead of places.
func (t SignalType) isCancel() bool {
	return t == CancelBid || t == CancelAsk || t == EmergencyCancel
}

// TradingSignal is one requested action.
type TradingSignal struct {
	Type      SignalType
	Side      types.Side
	Price     float64
	Quantity  float64
	OrderID   uint64 // set for targeted cancels/modifies
	Timestamp time.Time
	Reason    string
}

// Quote is one of our working quotes.
type Quote struct {
	Side           QuoteSide
	Price          float64
	Quantity       float64
	State          QuoteState
	OrderID        uint64
	CreationTime   time.Time
	LastUpdateTime time.Time
	SpreadBps      float64 // inside spread when the quote was issued
	FilledQuantity float64
}

// Config tunes the quote generator. All spreads are in basis points of mid.
type Config struct {
	DefaultQuoteSize    float64
	MinSpreadBps        float64
	MaxSpreadBps        float64
	TargetSpreadBps     float64
	MaxPosition         float64
	InventorySkewFactor float64
	MaxInventorySkewBps float64
	MaxDailyLoss        float64
	MaxDrawdown         float64
	MaxOrdersPerSecond  uint32
	QuoteRefresh        time.Duration
	Cooldown            time.Duration
	EnableAggressive    bool
	InitialCapital      float64
}

// DefaultConfig mirrors a cautious production profile.
func DefaultConfig() Config {
	return Config{
		DefaultQuoteSize:    10.0,
		MinSpreadBps:        5.0,
		MaxSpreadBps:        50.0,
		TargetSpreadBps:     15.0,
		MaxPosition:         100.0,
		InventorySkewFactor: 0.1,
		MaxInventorySkewBps: 20.0,
		MaxDailyLoss:        1000.0,
		MaxDrawdown:         0.05,
		MaxOrdersPerSecond:  100,
		QuoteRefresh:        time.Second,
		Cooldown:            500 * time.Millisecond,
		EnableAggressive:    false,
		InitialCapital:      10000.0,
	}
}

// Stats aggregates quoting activity.
type Stats struct {
	QuotesPlaced         uint64
	QuotesFilled         uint64
	QuotesCancelled      uint64
	FillRate             float64
	AvgSpreadCapturedBps float64
	RiskViolations       uint32
	CurrentPosition      float64
	PositionUtilization  float64
}

// PositionSource is the narrow view of the order manager the signal engine
// needs for inventory skew.
type PositionSource interface {
	GetPosition() types.PositionInfo
}

// DepthSource is the narrow view of the book engine used for depth-based
// quote refinement.
type DepthSource interface {
	MarketDepth(levels int) types.MarketDepth
}

// Callbacks. Delivered synchronously on the tick goroutine.
type (
	SignalCallback      func(TradingSignal)
	QuoteUpdateCallback func(Quote)
	RiskAlertCallback   func(message string, value float64)
)

// Engine converts book updates into quoting decisions.
type Engine struct {
	cfg Config

	positions PositionSource
	depth     DepthSource
	tracker   *latency.Tracker

	running    atomic.Bool
	destroying atomic.Bool

	quotesMu   sync.Mutex
	quotes     map[uint64]*Quote // order id -> quote
	bidQuote   *Quote
	askQuote   *Quote
	lastAction [2]time.Time // per QuoteSide (bid, ask)

	topMu sync.Mutex
	top   types.TopOfBook

	depthMu       sync.Mutex
	lastImbalance float64
	depthMetrics  DepthMetrics

	rateMu      sync.Mutex
	recentEmits []time.Time

	statsMu sync.Mutex
	stats   Stats

	onSignal SignalCallback
	onQuote  QuoteUpdateCallback
	onRisk   RiskAlertCallback

	logger *slog.Logger
}

// NewEngine creates a signal engine with the given configuration.
func NewEngine(cfg Config, tracker *latency.Tracker, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:           cfg,
		tracker:       tracker,
		quotes:        make(map[uint64]*Quote),
		lastImbalance: 1.0,
		logger:        logger.With("component", "signal"),
	}
}

// SetOrderManager registers the position source (second wiring phase).
func (e *Engine) SetOrderManager(p PositionSource) { e.positions = p }

// SetBookEngine registers the depth source (second wiring phase).
func (e *Engine) SetBookEngine(d DepthSource) { e.depth = d }

// SetSignalCallback registers the signal listener.
func (e *Engine) SetSignalCallback(cb SignalCallback) { e.onSignal = cb }

// SetQuoteUpdateCallback registers the quote listener.
func (e *Engine) SetQuoteUpdateCallback(cb QuoteUpdateCallback) { e.onQuote = cb }

// SetRiskAlertCallback registers the risk listener.
func (e *Engine) SetRiskAlertCallback(cb RiskAlertCallback) { e.onRisk = cb }

// Start enables signal emission.
func (e *Engine) Start() bool {
	if e.destroying.Load() {
		return false
	}
	e.running.Store(true)
	return true
}

// Stop blocks further emissions; no callback fires after Stop returns.
func (e *Engine) Stop() {
	e.destroying.Store(true)
	e.running.Store(false)
}

// UpdateConfig swaps in new tuning parameters.
func (e *Engine) UpdateConfig(cfg Config) {
	e.quotesMu.Lock()
	e.cfg = cfg
	e.quotesMu.Unlock()
}

// ————————————————————————————————————————————————————————————————————————
// Tick processing
// ————————————————————————————————————————————————————————————————————————

// OnBookUpdate is the per-tick entry point, called synchronously by the book
// engine after each mutation. It recomputes targets and emits signals.
func (e *Engine) OnBookUpdate(top types.TopOfBook) {
	if !e.running.Load() || e.destroying.Load() {
		return
	}
	defer e.tracker.MeasureFast(latency.TickToTrade)()

	e.topMu.Lock()
	e.top = top
	e.topMu.Unlock()

	signals := e.GenerateSignals()
	e.emit(signals)
}

// OnDepthUpdate refreshes the depth metrics used for quote refinement.
func (e *Engine) OnDepthUpdate(depth types.MarketDepth) {
	if !e.running.Load() || e.destroying.Load() {
		return
	}
	m := e.AnalyzeMarketDepth(depth)

	e.depthMu.Lock()
	e.depthMetrics = m
	e.depthMu.Unlock()
}

// OnRiskAlert reacts to an order-manager risk violation: everything is
// pulled regardless of cooldown.
func (e *Engine) OnRiskAlert(message string, value float64) {
	e.statsMu.Lock()
	e.stats.RiskViolations++
	e.statsMu.Unlock()

	e.logger.Warn("risk alert", "message", message, "value", value)
	if e.onRisk != nil {
		e.onRisk(message, value)
	}
	if !e.running.Load() || e.destroying.Load() {
		return
	}

	e.emit(e.emergencyCancelSignals(message))
}

func (e *Engine) emergencyCancelSignals(reason string) []TradingSignal {
	now := time.Now()
	var signals []TradingSignal

	e.quotesMu.Lock()
	for id, q := range e.quotes {
		if q.State == QuoteActive || q.State == QuotePending {
			q.State = QuoteCancelling
			side := types.BUY
			if q.Side == QuoteAsk {
				side = types.SELL
			}
			signals = append(signals, TradingSignal{
				Type:      EmergencyCancel,
				Side:      side,
				Price:     q.Price,
				Quantity:  q.Quantity,
				OrderID:   id,
				Timestamp: now,
				Reason:    reason,
			})
		}
	}
	e.quotesMu.Unlock()
	return signals
}

// GenerateSignals runs the quoting algorithm against the stored top of book.
func (e *Engine) GenerateSignals() []TradingSignal {
	e.topMu.Lock()
	top := e.top
	e.topMu.Unlock()

	// Step 1: need both sides and an uncrossed market.
	if top.BidPrice <= 0 || top.AskPrice <= 0 || top.BidPrice >= top.AskPrice {
		return nil
	}
	mid := (top.BidPrice + top.AskPrice) / 2

	var pos float64
	if e.positions != nil {
		pos = e.positions.GetPosition().NetPosition
	}

	bidPx, askPx, bidSize, askSize := e.CalculateOptimalQuotes(mid, top, pos)

	// Depth refinement overrides when the imbalance moved significantly.
	e.depthMu.Lock()
	dm := e.depthMetrics
	e.depthMu.Unlock()
	if dm.SignificantChange {
		if dm.OptimalBidPrice > 0 {
			bidPx = dm.OptimalBidPrice
		}
		if dm.OptimalAskPrice > 0 {
			askPx = dm.OptimalAskPrice
		}
		if dm.OptimalBidSize > 0 {
			bidSize = dm.OptimalBidSize
		}
		if dm.OptimalAskSize > 0 {
			askSize = dm.OptimalAskSize
		}
	}

	e.statsMu.Lock()
	e.stats.CurrentPosition = pos
	if e.cfg.MaxPosition > 0 {
		e.stats.PositionUtilization = math.Abs(pos) / e.cfg.MaxPosition
	}
	e.statsMu.Unlock()

	now := time.Now()
	spreadBps := (top.AskPrice - top.BidPrice) / mid * 10000

	var signals []TradingSignal
	signals = append(signals, e.sideSignals(QuoteBid, bidPx, bidSize, spreadBps, now)...)
	signals = append(signals, e.sideSignals(QuoteAsk, askPx, askSize, spreadBps, now)...)
	return e.applyRateLimit(signals)
}

// CalculateOptimalQuotes computes target prices and sizes for both sides:
// clamped half-spread around mid, inventory skew shifting both quotes, and
// position-proportional size damping.
func (e *Engine) CalculateOptimalQuotes(mid float64, top types.TopOfBook, pos float64) (bidPx, askPx, bidSize, askSize float64) {
	cfg := e.cfg

	// Step 2: target half-spread in price terms.
	spreadBps := clamp(cfg.TargetSpreadBps, cfg.MinSpreadBps, cfg.MaxSpreadBps)
	half := spreadBps * mid / 2 / 10000

	// Step 3: inventory skew. Long inventory biases both quotes down so we
	// sell more easily and buy less.
	skew := e.inventorySkew(mid, pos)

	bidPx = mid - half - skew
	askPx = mid + half - skew

	// Step 4: quote inside the spread only in aggressive mode; otherwise
	// join the touch.
	if cfg.EnableAggressive {
		if bidPx >= top.AskPrice-types.TickSize {
			bidPx = top.AskPrice - types.TickSize
		}
		if askPx <= top.BidPrice+types.TickSize {
			askPx = top.BidPrice + types.TickSize
		}
	} else {
		if bidPx > top.BidPrice {
			bidPx = top.BidPrice
		}
		if askPx < top.AskPrice {
			askPx = top.AskPrice
		}
	}

	// Step 5: damp the side that would grow the position.
	bidSize = cfg.DefaultQuoteSize * (1 - clamp(pos/cfg.MaxPosition, 0, 1))
	askSize = cfg.DefaultQuoteSize * (1 + clamp(pos/cfg.MaxPosition, -1, 0))

	bidPx = roundToTick(bidPx)
	askPx = roundToTick(askPx)
	return bidPx, askPx, bidSize, askSize
}

// inventorySkew returns the price bias applied to both quotes, capped at
// MaxInventorySkewBps of mid.
func (e *Engine) inventorySkew(mid, pos float64) float64 {
	cfg := e.cfg
	if cfg.MaxPosition <= 0 {
		return 0
	}
	raw := cfg.InventorySkewFactor * pos / cfg.MaxPosition * mid * cfg.TargetSpreadBps / 10000
	bound := cfg.MaxInventorySkewBps * mid / 10000
	return clamp(raw, -bound, bound)
}

// sideSignals diffs one side's working quote against the target.
func (e *Engine) sideSignals(side QuoteSide, targetPx, targetSize, spreadBps float64, now time.Time) []TradingSignal {
	e.quotesMu.Lock()
	defer e.quotesMu.Unlock()

	orderSide := types.BUY
	active := e.bidQuote
	placeType, cancelType := PlaceBid, CancelBid
	if side == QuoteAsk {
		orderSide = types.SELL
		active = e.askQuote
		placeType, cancelType = PlaceAsk, CancelAsk
	}

	if targetSize <= 0 || targetPx <= 0 {
		// Nothing to quote on this side; pull whatever is working.
		if active != nil && active.State == QuoteActive {
			active.State = QuoteCancelling
			return []TradingSignal{{
				Type: cancelType, Side: orderSide, Price: active.Price,
				Quantity: active.Quantity, OrderID: active.OrderID,
				Timestamp: now, Reason: "position cap",
			}}
		}
		return nil
	}

	// Cooldown gates any action on the side.
	if now.Sub(e.lastAction[side]) < e.cfg.Cooldown {
		return []TradingSignal{{Type: Hold, Side: orderSide, Timestamp: now, Reason: "cooldown"}}
	}

	if active == nil || active.State == QuoteInactive {
		e.lastAction[side] = now
		return []TradingSignal{{
			Type: placeType, Side: orderSide, Price: targetPx,
			Quantity: targetSize, Timestamp: now, Reason: "no active quote",
		}}
	}

	if active.State != QuoteActive {
		// Pending placement or cancel in flight; wait for it to settle.
		return nil
	}

	stale := now.Sub(active.CreationTime) > e.cfg.QuoteRefresh
	priceOff := math.Abs(active.Price-targetPx) > types.TickSize
	sizeOff := targetSize > 0 && math.Abs(active.Quantity-targetSize)/targetSize > 0.10

	if !stale && !priceOff && !sizeOff {
		return nil
	}

	reason := "refresh"
	if priceOff {
		reason = "price drift"
	} else if sizeOff {
		reason = "size drift"
	}

	active.State = QuoteReplacing
	e.lastAction[side] = now
	return []TradingSignal{
		{
			Type: cancelType, Side: orderSide, Price: active.Price,
			Quantity: active.Quantity, OrderID: active.OrderID,
			Timestamp: now, Reason: reason,
		},
		{
			Type: placeType, Side: orderSide, Price: targetPx,
			Quantity: targetSize, Timestamp: now, Reason: reason,
		},
	}
}

// applyRateLimit drops lower-priority signals once the per-second budget is
// spent. Cancels always survive ahead of places; HOLDs carry no cost.
func (e *Engine) applyRateLimit(signals []TradingSignal) []TradingSignal {
	if len(signals) == 0 || e.cfg.MaxOrdersPerSecond == 0 {
		return signals
	}

	cutoff := time.Now().Add(-time.Second)

	e.rateMu.Lock()
	defer e.rateMu.Unlock()

	i := 0
	for i < len(e.recentEmits) && e.recentEmits[i].Before(cutoff) {
		i++
	}
	e.recentEmits = e.recentEmits[i:]

	budget := int(e.cfg.MaxOrdersPerSecond) - len(e.recentEmits)
	if budget < 0 {
		budget = 0
	}

	out := make([]TradingSignal, 0, len(signals))
	// Cancels first, then everything else, preserving relative order.
	for pass := 0; pass < 2; pass++ {
		for _, s := range signals {
			if s.Type == Hold {
				if pass == 1 {
					out = append(out, s)
				}
				continue
			}
			if (pass == 0) != s.Type.isCancel() {
				continue
			}
			if budget == 0 {
				continue
			}
			budget--
			e.recentEmits = append(e.recentEmits, time.Now())
			out = append(out, s)
		}
	}
	return out
}

func (e *Engine) emit(signals []TradingSignal) {
	if e.onSignal == nil || e.destroying.Load() {
		return
	}
	for _, s := range signals {
		e.onSignal(s)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Quote tracking (driven by the order manager's acks/fills)
// ————————————————————————————————————————————————————————————————————————

// TrackOrderPlacement records that a signal became a live order.
func (e *Engine) TrackOrderPlacement(orderID uint64, side QuoteSide, price, qty float64) {
	now := time.Now()
	q := &Quote{
		Side:           side,
		Price:          price,
		Quantity:       qty,
		State:          QuoteActive,
		OrderID:        orderID,
		CreationTime:   now,
		LastUpdateTime: now,
	}

	e.quotesMu.Lock()
	e.quotes[orderID] = q
	if side == QuoteBid {
		e.bidQuote = q
	} else {
		e.askQuote = q
	}
	e.quotesMu.Unlock()

	e.statsMu.Lock()
	e.stats.QuotesPlaced++
	e.statsMu.Unlock()

	e.notifyQuote(*q)
}

// TrackOrderCancellation clears a quote after its cancel confirms.
func (e *Engine) TrackOrderCancellation(orderID uint64) {
	e.quotesMu.Lock()
	q, ok := e.quotes[orderID]
	if ok {
		delete(e.quotes, orderID)
		q.State = QuoteInactive
		if e.bidQuote == q {
			e.bidQuote = nil
		}
		if e.askQuote == q {
			e.askQuote = nil
		}
	}
	e.quotesMu.Unlock()
	if !ok {
		return
	}

	e.statsMu.Lock()
	e.stats.QuotesCancelled++
	e.statsMu.Unlock()

	e.notifyQuote(*q)
}

// TrackOrderFill folds a fill into the quote; a fully-filled quote leaves
// the working set.
func (e *Engine) TrackOrderFill(orderID uint64, fillQty, fillPrice float64) {
	e.quotesMu.Lock()
	q, ok := e.quotes[orderID]
	var snapshot Quote
	var done bool
	if ok {
		q.FilledQuantity += fillQty
		q.LastUpdateTime = time.Now()
		done = q.FilledQuantity >= q.Quantity-1e-12
		if done {
			q.State = QuoteInactive
			delete(e.quotes, orderID)
			if e.bidQuote == q {
				e.bidQuote = nil
			}
			if e.askQuote == q {
				e.askQuote = nil
			}
		}
		snapshot = *q
	}
	e.quotesMu.Unlock()
	if !ok {
		return
	}

	if done {
		e.statsMu.Lock()
		e.stats.QuotesFilled++
		if e.stats.QuotesPlaced > 0 {
			e.stats.FillRate = float64(e.stats.QuotesFilled) / float64(e.stats.QuotesPlaced)
		}
		n := float64(e.stats.QuotesFilled)
		e.stats.AvgSpreadCapturedBps += (snapshot.SpreadBps - e.stats.AvgSpreadCapturedBps) / n
		e.statsMu.Unlock()
	}

	e.notifyQuote(snapshot)
}

// ClearStaleQuotes drops quotes whose orders never confirmed within twice the
// refresh interval; returns the ids cleared.
func (e *Engine) ClearStaleQuotes() []uint64 {
	cutoff := time.Now().Add(-2 * e.cfg.QuoteRefresh)

	e.quotesMu.Lock()
	var stale []uint64
	for id, q := range e.quotes {
		if q.State == QuotePending && q.CreationTime.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		q := e.quotes[id]
		delete(e.quotes, id)
		if e.bidQuote == q {
			e.bidQuote = nil
		}
		if e.askQuote == q {
			e.askQuote = nil
		}
	}
	e.quotesMu.Unlock()
	return stale
}

// ActiveQuotes returns copies of the working quotes.
func (e *Engine) ActiveQuotes() []Quote {
	e.quotesMu.Lock()
	defer e.quotesMu.Unlock()
	out := make([]Quote, 0, len(e.quotes))
	for _, q := range e.quotes {
		out = append(out, *q)
	}
	return out
}

// Statistics returns a copy of the quoting counters.
func (e *Engine) Statistics() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

func (e *Engine) notifyQuote(q Quote) {
	if e.onQuote != nil && !e.destroying.Load() {
		e.onQuote(q)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func roundToTick(px float64) float64 {
	// Snap float noise first so exact half-tick prices round half away from zero.
	ticks := math.Round(px/types.TickSize*1e6) / 1e6
	return math.Round(ticks) * types.TickSize
}
