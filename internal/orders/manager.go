// Package orders owns every order we issue, from intent to terminal state.
//
// The Manager gates submissions through pre-trade risk, forwards approved
// orders to the book engine, applies exchange-driven lifecycle transitions,
// and keeps position and P&L books. It implements the book's FillHandler so
// inferred fills flow back without the two packages importing each other's
// concrete types in a cycle: the book depends on a fill-sink capability, the
// manager on a submit capability.
package orders

import (
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"coinbase-hft/internal/latency"
	"coinbase-hft/internal/pool"
	"coinbase-hft/pkg/types"
)

// BookEngine is the narrow submit capability the manager needs from the
// matching engine. Satisfied by *book.Engine.
type BookEngine interface {
	AddOrder(types.Order) (types.MatchResult, []types.TradeExecution)
	ModifyOrder(id uint64, newPrice, newQty float64) bool
	CancelOrder(id uint64) bool
	MarkOurOrder(id uint64)
	UnmarkOurOrder(id uint64)
	MidPrice() float64
}

// OrderInfo is the manager's full record for one order.
type OrderInfo struct {
	Order types.Order

	State             types.ExecutionState
	FilledQuantity    float64
	AvgFillPrice      float64
	ModificationCount uint32

	CreationTime   time.Time
	SubmissionTime time.Time
	AckTime        time.Time
	CompletionTime time.Time

	MidPriceAtCreation float64
	SlippageBps        float64
}

// Callbacks for lifecycle, fills, and risk alerts. Delivered synchronously.
type (
	OrderCallback func(OrderInfo)
	FillCallback  func(info OrderInfo, fillQty, fillPrice float64, isFinal bool)
	RiskCallback  func(result types.RiskCheckResult, message string)
)

// Manager tracks orders, position, and execution statistics for one symbol.
type Manager struct {
	mu      sync.Mutex
	orders  map[uint64]*OrderInfo
	pending map[uint64]struct{} // created, not yet submitted
	active  map[uint64]struct{} // live in the market
	pooled  map[uint64]*types.Order

	pool    *pool.OrderPool
	tracker *latency.Tracker
	book    BookEngine

	limitsMu sync.RWMutex
	limits   types.RiskLimits

	// capitalBase anchors the concentration ratio (position notional as a
	// fraction of working capital).
	capitalBase float64

	nextOrderID atomic.Uint64

	positionMu sync.Mutex
	position   types.PositionInfo

	statsMu sync.Mutex
	stats   types.ExecutionStats

	rateMu sync.Mutex
	recent []time.Time // order events inside the sliding 1s window

	onOrder OrderCallback
	onFill  FillCallback
	onRisk  RiskCallback

	emergency atomic.Bool
	start     time.Time
	logger    *slog.Logger
}

// NewManager creates an order manager with the given limits and pool.
func NewManager(limits types.RiskLimits, capitalBase float64, orderPool *pool.OrderPool, tracker *latency.Tracker, logger *slog.Logger) *Manager {
	if capitalBase <= 0 {
		capitalBase = 10000
	}
	return &Manager{
		orders:      make(map[uint64]*OrderInfo),
		pending:     make(map[uint64]struct{}),
		active:      make(map[uint64]struct{}),
		pooled:      make(map[uint64]*types.Order),
		pool:        orderPool,
		tracker:     tracker,
		limits:      limits,
		capitalBase: capitalBase,
		start:       time.Now(),
		logger:      logger.With("component", "orders"),
	}
}

// SetBookEngine registers the submit capability (second phase of wiring).
func (m *Manager) SetBookEngine(b BookEngine) { m.book = b }

// SetOrderCallback registers the lifecycle listener.
func (m *Manager) SetOrderCallback(cb OrderCallback) { m.onOrder = cb }

// SetFillCallback registers the fill listener.
func (m *Manager) SetFillCallback(cb FillCallback) { m.onFill = cb }

// SetRiskCallback registers the risk-alert listener.
func (m *Manager) SetRiskCallback(cb RiskCallback) { m.onRisk = cb }

// ————————————————————————————————————————————————————————————————————————
// Core operations
// ————————————————————————————————————————————————————————————————————————

// CreateOrder allocates an id and a pooled order in PENDING_SUBMISSION.
// Returns 0 when pre-trade risk rejects the intent; the rejection reason is
// surfaced via the risk callback.
func (m *Manager) CreateOrder(side types.Side, price, qty, midPrice float64) uint64 {
	defer m.tracker.MeasureFast(latency.OrderPlacement)()

	if !types.ValidPrice(price) || !types.ValidQuantity(qty) {
		m.countRejected()
		return 0
	}

	if res := m.CheckPreTradeRisk(side, qty, price); res != types.Approved {
		m.alertRisk(res, "create rejected")
		m.countRiskViolation()
		return 0
	}

	id := m.nextOrderID.Add(1)
	now := time.Now()

	o := m.pool.Acquire()
	o.ID = id
	o.Side = side
	o.Price = price
	o.OriginalQuantity = qty
	o.RemainingQuantity = qty
	o.Status = types.PendingSubmission
	o.EntryTime = now
	o.LastUpdateTime = now
	o.MidPriceAtEntry = midPrice

	info := &OrderInfo{
		Order:              *o,
		State:              types.PendingSubmission,
		CreationTime:       now,
		MidPriceAtCreation: midPrice,
	}

	m.mu.Lock()
	m.orders[id] = info
	m.pending[id] = struct{}{}
	m.pooled[id] = o
	m.mu.Unlock()

	m.recordOrderEvent(now)

	m.statsMu.Lock()
	m.stats.TotalOrders++
	m.statsMu.Unlock()

	return id
}

// SubmitOrder re-runs risk, forwards to the book engine, and applies any
// immediate executions. Double submits return false.
func (m *Manager) SubmitOrder(id uint64) bool {
	defer m.tracker.MeasureFast(latency.OrderPlacement)()

	m.mu.Lock()
	info, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		m.countUnknown()
		return false
	}
	if info.State != types.PendingSubmission {
		m.mu.Unlock()
		return false
	}
	order := info.Order
	m.mu.Unlock()

	if res := m.checkRisk(order.Side, order.RemainingQuantity, order.Price, false); res != types.Approved {
		m.alertRisk(res, "submit rejected")
		m.countRiskViolation()
		m.HandleRejection(id, res.String())
		return false
	}

	if m.book == nil {
		m.HandleRejection(id, "no book engine")
		return false
	}

	m.mu.Lock()
	delete(m.pending, id)
	m.active[id] = struct{}{}
	info.State = types.Submitted
	info.Order.Status = types.Submitted
	info.SubmissionTime = time.Now()
	m.mu.Unlock()

	m.book.MarkOurOrder(id)
	result, execs := m.book.AddOrder(order)

	if result == types.MatchRejected {
		m.mu.Lock()
		delete(m.active, id)
		m.mu.Unlock()
		m.HandleRejection(id, "book rejected")
		return false
	}

	// The in-process book acknowledges synchronously.
	m.HandleOrderAck(id, time.Now())

	for _, exec := range execs {
		if exec.AggressorID != 0 {
			m.applyExecution(exec.AggressorID, exec.Quantity, exec.Price, exec.Timestamp)
		}
		if exec.PassiveID != 0 {
			m.applyExecution(exec.PassiveID, exec.Quantity, exec.Price, exec.Timestamp)
		}
	}
	return true
}

// applyExecution routes a matched quantity to HandleFill for ids we track.
func (m *Manager) applyExecution(id uint64, qty, price float64, ts time.Time) {
	m.mu.Lock()
	info, ok := m.orders[id]
	var final bool
	if ok {
		final = info.FilledQuantity+qty >= info.Order.OriginalQuantity-1e-12
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.HandleFill(id, qty, price, ts, final)
}

// ModifyOrder changes price and/or quantity per the modification type.
func (m *Manager) ModifyOrder(id uint64, newPrice, newQty float64, modType types.ModificationType) bool {
	m.mu.Lock()
	info, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		m.countUnknown()
		return false
	}
	if info.State.IsTerminal() {
		m.mu.Unlock()
		return false
	}

	price := info.Order.Price
	qty := info.Order.RemainingQuantity
	switch modType {
	case types.PriceOnly:
		price = newPrice
	case types.QuantityOnly:
		qty = newQty
	default:
		price, qty = newPrice, newQty
	}
	m.mu.Unlock()

	if !types.ValidPrice(price) || !types.ValidQuantity(qty) {
		return false
	}

	if m.book != nil && !m.book.ModifyOrder(id, price, qty) {
		return false
	}

	m.mu.Lock()
	info.Order.Price = price
	info.Order.RemainingQuantity = qty
	info.Order.LastUpdateTime = time.Now()
	info.ModificationCount++
	if o, ok := m.pooled[id]; ok {
		o.Price = price
		o.RemainingQuantity = qty
	}
	m.mu.Unlock()
	return true
}

// CancelOrder requests cancellation. Pending orders cancel locally; active
// orders go through the book and confirm synchronously.
func (m *Manager) CancelOrder(id uint64) bool {
	defer m.tracker.MeasureFast(latency.OrderCancellation)()

	m.mu.Lock()
	info, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		m.countUnknown()
		return false
	}
	if info.State.IsTerminal() {
		m.mu.Unlock()
		return false
	}

	if _, isPending := m.pending[id]; isPending {
		m.mu.Unlock()
		return m.HandleCancelConfirmation(id)
	}
	m.mu.Unlock()

	if m.book != nil {
		// Book may already have consumed the order (race with a fill); the
		// cancel confirmation below settles our side either way.
		m.book.CancelOrder(id)
	}
	return m.HandleCancelConfirmation(id)
}

// ————————————————————————————————————————————————————————————————————————
// Exchange-driven transitions
// ————————————————————————————————————————————————————————————————————————

// HandleOrderAck transitions SUBMITTED → ACKNOWLEDGED.
func (m *Manager) HandleOrderAck(id uint64, ackTime time.Time) bool {
	m.mu.Lock()
	info, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		m.countUnknown()
		return false
	}
	if info.State != types.Submitted {
		m.mu.Unlock()
		return false
	}
	info.State = types.Acknowledged
	info.Order.Status = types.Acknowledged
	info.AckTime = ackTime
	snapshot := *info
	m.mu.Unlock()

	m.notifyOrder(snapshot)
	return true
}

// HandleFill applies a partial or final fill. Implements book.FillHandler.
// Fills against terminal orders are ignored with a counter increment.
func (m *Manager) HandleFill(id uint64, fillQty, fillPrice float64, fillTime time.Time, isFinal bool) bool {
	m.mu.Lock()
	info, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		m.countUnknown()
		return false
	}
	if info.State.IsTerminal() {
		m.mu.Unlock()
		m.countUnknown()
		return false
	}

	prevFilled := info.FilledQuantity
	info.FilledQuantity += fillQty
	if info.FilledQuantity > 0 {
		info.AvgFillPrice = (info.AvgFillPrice*prevFilled + fillPrice*fillQty) / info.FilledQuantity
	}
	info.Order.RemainingQuantity = info.Order.OriginalQuantity - info.FilledQuantity
	if info.Order.RemainingQuantity < 0 {
		info.Order.RemainingQuantity = 0
	}
	info.Order.LastUpdateTime = fillTime

	if info.MidPriceAtCreation > 0 {
		ref := info.MidPriceAtCreation
		slip := (fillPrice - ref) / ref * 10000
		if info.Order.Side == types.SELL {
			slip = -slip
		}
		info.SlippageBps = slip
	}

	final := isFinal || info.Order.RemainingQuantity <= 1e-12
	if final {
		info.State = types.Filled
		info.Order.Status = types.Filled
		info.CompletionTime = fillTime
		delete(m.active, id)
		m.releasePooledLocked(id)
	} else {
		info.State = types.PartiallyFilled
		info.Order.Status = types.PartiallyFilled
	}
	side := info.Order.Side
	snapshot := *info
	m.mu.Unlock()

	m.updatePosition(side, fillQty, fillPrice, fillTime)

	if final {
		if m.book != nil {
			m.book.UnmarkOurOrder(id)
		}
		m.statsMu.Lock()
		m.stats.FilledOrders++
		m.recomputeDerivedLocked(snapshot.SlippageBps)
		m.statsMu.Unlock()
	}

	m.notifyFill(snapshot, fillQty, fillPrice, final)
	return true
}

// HandleRejection transitions to REJECTED (terminal).
func (m *Manager) HandleRejection(id uint64, reason string) bool {
	m.mu.Lock()
	info, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		m.countUnknown()
		return false
	}
	if info.State.IsTerminal() {
		m.mu.Unlock()
		return false
	}
	info.State = types.Rejected
	info.Order.Status = types.Rejected
	info.CompletionTime = time.Now()
	delete(m.pending, id)
	delete(m.active, id)
	m.releasePooledLocked(id)
	snapshot := *info
	m.mu.Unlock()

	if m.book != nil {
		m.book.UnmarkOurOrder(id)
	}
	m.countRejected()
	m.logger.Debug("order rejected", "order_id", id, "reason", reason)
	m.notifyOrder(snapshot)
	return true
}

// HandleCancelConfirmation transitions to CANCELLED (terminal).
func (m *Manager) HandleCancelConfirmation(id uint64) bool {
	m.mu.Lock()
	info, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		m.countUnknown()
		return false
	}
	if info.State.IsTerminal() {
		m.mu.Unlock()
		return false
	}
	info.State = types.Cancelled
	info.Order.Status = types.Cancelled
	info.CompletionTime = time.Now()
	delete(m.pending, id)
	delete(m.active, id)
	m.releasePooledLocked(id)
	snapshot := *info
	m.mu.Unlock()

	if m.book != nil {
		m.book.UnmarkOurOrder(id)
	}

	m.statsMu.Lock()
	m.stats.CancelledOrders++
	m.statsMu.Unlock()

	m.notifyOrder(snapshot)
	return true
}

// ExpireStaleOrders moves every non-terminal order older than ttl to
// EXPIRED and pulls it from the book. Returns how many expired.
func (m *Manager) ExpireStaleOrders(ttl time.Duration) int {
	if ttl <= 0 {
		ttl = types.DefaultOrderTTL
	}
	cutoff := time.Now().Add(-ttl)

	m.mu.Lock()
	var stale []uint64
	for id, info := range m.orders {
		if !info.State.IsTerminal() && info.CreationTime.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		if m.book != nil {
			m.book.CancelOrder(id)
		}

		m.mu.Lock()
		info, ok := m.orders[id]
		if !ok || info.State.IsTerminal() {
			m.mu.Unlock()
			continue
		}
		info.State = types.Expired
		info.Order.Status = types.Expired
		info.CompletionTime = time.Now()
		delete(m.pending, id)
		delete(m.active, id)
		m.releasePooledLocked(id)
		snapshot := *info
		m.mu.Unlock()

		if m.book != nil {
			m.book.UnmarkOurOrder(id)
		}
		m.statsMu.Lock()
		m.stats.ExpiredOrders++
		m.statsMu.Unlock()
		m.notifyOrder(snapshot)
	}
	return len(stale)
}

// ————————————————————————————————————————————————————————————————————————
// Pre-trade risk
// ————————————————————————————————————————————————————————————————————————

// CheckPreTradeRisk evaluates the gate conditions in a fixed order so the
// first failing check is deterministic.
func (m *Manager) CheckPreTradeRisk(side types.Side, qty, price float64) types.RiskCheckResult {
	return m.checkRisk(side, qty, price, true)
}

// checkRisk runs the gates. newOrder distinguishes a brand-new intent (which
// will add to the rate window) from the re-check on submit of an
// already-counted order.
func (m *Manager) checkRisk(side types.Side, qty, price float64, newOrder bool) types.RiskCheckResult {
	if m.emergency.Load() {
		return types.CriticalBreach
	}

	m.limitsMu.RLock()
	limits := m.limits
	m.limitsMu.RUnlock()

	signed := qty
	if side == types.SELL {
		signed = -qty
	}

	m.positionMu.Lock()
	projected := m.position.NetPosition + signed
	realized := m.position.RealizedPnL
	m.positionMu.Unlock()

	if math.Abs(projected) > limits.MaxPosition {
		return types.PositionLimitExceeded
	}

	if realized <= -limits.MaxDailyLoss {
		return types.DailyLossLimitExceeded
	}

	if !m.withinRateLimit(limits.MaxOrdersPerSecond, newOrder) {
		return types.OrderRateLimitExceeded
	}

	if limits.PositionConcentration > 0 && m.capitalBase > 0 {
		ratio := math.Abs(projected) * price / m.capitalBase
		if ratio > limits.PositionConcentration {
			return types.ConcentrationRisk
		}
	}

	if limits.MaxLatencyMs > 0 {
		st := m.tracker.Statistics(latency.OrderPlacement)
		if st.Count >= 5 && st.ApproxP95Us > limits.MaxLatencyMs*1000 {
			return types.LatencyLimitExceeded
		}
	}

	return types.Approved
}

// withinRateLimit prunes the sliding 1-second window and reports whether the
// operation fits: a new order must leave room for its own event, a re-check
// only requires the window not already be over the cap.
func (m *Manager) withinRateLimit(maxPerSecond uint32, newOrder bool) bool {
	if maxPerSecond == 0 {
		return true
	}
	cutoff := time.Now().Add(-time.Second)

	m.rateMu.Lock()
	defer m.rateMu.Unlock()

	i := 0
	for i < len(m.recent) && m.recent[i].Before(cutoff) {
		i++
	}
	m.recent = m.recent[i:]

	if newOrder {
		return uint32(len(m.recent)) < maxPerSecond
	}
	return uint32(len(m.recent)) <= maxPerSecond
}

func (m *Manager) recordOrderEvent(ts time.Time) {
	m.rateMu.Lock()
	m.recent = append(m.recent, ts)
	m.rateMu.Unlock()
}

// UpdateRiskLimits swaps in new limits atomically (hot reload).
func (m *Manager) UpdateRiskLimits(limits types.RiskLimits) {
	m.limitsMu.Lock()
	m.limits = limits
	m.limitsMu.Unlock()
}

// EmergencyShutdown cancels every live order and refuses further creates.
// Order state is terminalized directly so the path never re-enters the book
// engine while holding the manager's mutex.
func (m *Manager) EmergencyShutdown(reason string) {
	if m.emergency.Swap(true) {
		return
	}
	m.logger.Warn("emergency shutdown", "reason", reason)
	m.alertRisk(types.CriticalBreach, reason)

	m.mu.Lock()
	ids := make([]uint64, 0, len(m.orders))
	for id, info := range m.orders {
		if !info.State.IsTerminal() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.forceCancelDuringShutdown(id)
	}
}

// forceCancelDuringShutdown terminalizes one order without calling through
// the book engine; a best-effort book cancel runs outside every lock.
func (m *Manager) forceCancelDuringShutdown(id uint64) {
	m.mu.Lock()
	info, ok := m.orders[id]
	if !ok || info.State.IsTerminal() {
		m.mu.Unlock()
		return
	}
	info.State = types.Cancelled
	info.Order.Status = types.Cancelled
	info.CompletionTime = time.Now()
	delete(m.pending, id)
	delete(m.active, id)
	m.releasePooledLocked(id)
	snapshot := *info
	m.mu.Unlock()

	if m.book != nil {
		m.book.CancelOrder(id)
		m.book.UnmarkOurOrder(id)
	}

	m.statsMu.Lock()
	m.stats.CancelledOrders++
	m.statsMu.Unlock()

	m.notifyOrder(snapshot)
}

// IsEmergencyShutdown reports whether the manager refuses new orders.
func (m *Manager) IsEmergencyShutdown() bool { return m.emergency.Load() }

// ————————————————————————————————————————————————————————————————————————
// Position and P&L
// ————————————————————————————————————————————————————————————————————————

// updatePosition folds a signed fill into the VWAP position books.
func (m *Manager) updatePosition(side types.Side, qty, price float64, ts time.Time) {
	delta := qty
	if side == types.SELL {
		delta = -qty
	}

	m.positionMu.Lock()
	defer m.positionMu.Unlock()

	pos := m.position.NetPosition
	vwap := m.position.AvgPrice

	switch {
	case pos == 0 || (pos > 0) == (delta > 0):
		// Extending (or opening): fold into the VWAP.
		total := math.Abs(pos) + math.Abs(delta)
		if total > 0 {
			vwap = (math.Abs(pos)*vwap + math.Abs(delta)*price) / total
		}
		pos += delta
	default:
		// Reducing or crossing through flat.
		closed := math.Min(math.Abs(delta), math.Abs(pos))
		sign := 1.0
		if pos < 0 {
			sign = -1.0
		}
		m.position.RealizedPnL += (price - vwap) * closed * sign

		pos += delta
		if math.Abs(delta) > closed {
			// Crossed: the remainder opens a new position at the fill price.
			vwap = price
		}
	}

	if pos == 0 {
		vwap = 0
	}

	m.position.NetPosition = pos
	m.position.AvgPrice = vwap
	m.position.GrossExposure = math.Abs(pos) * price
	m.position.DailyVolume += qty
	m.position.TradeCount++
	if m.capitalBase > 0 {
		m.position.ConcentrationRatio = math.Abs(pos) * price / m.capitalBase
	}
	m.position.LastUpdate = ts
}

// GetPosition returns a copy of the current position books.
func (m *Manager) GetPosition() types.PositionInfo {
	m.positionMu.Lock()
	defer m.positionMu.Unlock()
	return m.position
}

// CalculateUnrealizedPnL marks the position to the given mid.
func (m *Manager) CalculateUnrealizedPnL(mid float64) float64 {
	m.positionMu.Lock()
	defer m.positionMu.Unlock()
	if m.position.NetPosition == 0 || mid <= 0 {
		return 0
	}
	pnl := (mid - m.position.AvgPrice) * m.position.NetPosition
	m.position.UnrealizedPnL = pnl
	return pnl
}

// ResetDailyStats zeroes the per-day counters at session roll.
func (m *Manager) ResetDailyStats() {
	m.positionMu.Lock()
	m.position.DailyVolume = 0
	m.position.TradeCount = 0
	m.position.RealizedPnL = 0
	m.positionMu.Unlock()

	m.statsMu.Lock()
	m.stats = types.ExecutionStats{}
	m.statsMu.Unlock()
}

// ————————————————————————————————————————————————————————————————————————
// Introspection
// ————————————————————————————————————————————————————————————————————————

// GetExecutionStats returns a copy of the execution counters.
func (m *Manager) GetExecutionStats() types.ExecutionStats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

// GetOrderInfo returns a copy of the record for an id.
func (m *Manager) GetOrderInfo(id uint64) (OrderInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.orders[id]
	if !ok {
		return OrderInfo{}, false
	}
	return *info, true
}

// GetActiveOrders lists ids currently live in the market.
func (m *Manager) GetActiveOrders() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, 0, len(m.active))
	for id := range m.active {
		out = append(out, id)
	}
	return out
}

// PendingOrderCount returns how many orders await submission.
func (m *Manager) PendingOrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// ActiveOrderCount returns how many orders are live.
func (m *Manager) ActiveOrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// IsHealthy reports whether the manager can accept orders.
func (m *Manager) IsHealthy() bool {
	return !m.emergency.Load() && m.book != nil
}

// ————————————————————————————————————————————————————————————————————————
// Internal accounting
// ————————————————————————————————————————————————————————————————————————

func (m *Manager) releasePooledLocked(id uint64) {
	if o, ok := m.pooled[id]; ok {
		delete(m.pooled, id)
		m.pool.Release(o)
	}
}

func (m *Manager) recomputeDerivedLocked(lastSlippageBps float64) {
	if m.stats.TotalOrders > 0 {
		m.stats.FillRate = float64(m.stats.FilledOrders) / float64(m.stats.TotalOrders)
	}
	n := float64(m.stats.FilledOrders)
	if n > 0 {
		m.stats.AvgSlippageBps += (lastSlippageBps - m.stats.AvgSlippageBps) / n
	}
}

func (m *Manager) countUnknown() {
	m.statsMu.Lock()
	m.stats.UnknownOrderOps++
	m.statsMu.Unlock()
}

func (m *Manager) countRejected() {
	m.statsMu.Lock()
	m.stats.RejectedOrders++
	m.statsMu.Unlock()
}

func (m *Manager) countRiskViolation() {
	m.statsMu.Lock()
	m.stats.RiskViolations++
	m.statsMu.Unlock()
}

func (m *Manager) alertRisk(result types.RiskCheckResult, msg string) {
	if m.onRisk != nil {
		m.onRisk(result, msg)
	}
}

func (m *Manager) notifyOrder(info OrderInfo) {
	if m.onOrder != nil {
		m.onOrder(info)
	}
}

func (m *Manager) notifyFill(info OrderInfo, qty, px float64, final bool) {
	if m.onFill != nil {
		m.onFill(info, qty, px, final)
	}
}
