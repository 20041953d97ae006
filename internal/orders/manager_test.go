package orders

import (
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"coinbase-hft/internal/book"
	"coinbase-hft/internal/latency"
	"coinbase-hft/internal/pool"
	"coinbase-hft/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newWiredManager builds a manager cross-registered with a real book engine,
// the same two-phase assembly the orchestrator performs.
func newWiredManager(limits types.RiskLimits) (*Manager, *book.Engine) {
	logger := discardLogger()
	tracker := latency.NewTracker()
	eng := book.NewEngine("BTC-USD", tracker, logger)
	mgr := NewManager(limits, 1e9, pool.NewOrderPool(64), tracker, logger)
	mgr.SetBookEngine(eng)
	eng.SetFillHandler(mgr)
	return mgr, eng
}

func looseLimits() types.RiskLimits {
	return types.RiskLimits{
		MaxPosition:        1000,
		MaxDailyLoss:       1e9,
		MaxOrdersPerSecond: 1000,
	}
}

func TestCreateSubmitLifecycle(t *testing.T) {
	t.Parallel()
	mgr, _ := newWiredManager(looseLimits())

	id := mgr.CreateOrder(types.BUY, 100, 1, 100.5)
	if id == 0 {
		t.Fatal("create returned 0")
	}
	info, ok := mgr.GetOrderInfo(id)
	if !ok || info.State != types.PendingSubmission {
		t.Fatalf("state = %v, want PENDING_SUBMISSION", info.State)
	}
	if mgr.PendingOrderCount() != 1 {
		t.Error("order should be in the pending set")
	}

	if !mgr.SubmitOrder(id) {
		t.Fatal("submit failed")
	}
	info, _ = mgr.GetOrderInfo(id)
	if info.State != types.Acknowledged {
		t.Errorf("state = %v, want ACKNOWLEDGED after synchronous ack", info.State)
	}
	if mgr.PendingOrderCount() != 0 || mgr.ActiveOrderCount() != 1 {
		t.Error("submitted order should move pending → active")
	}

	if mgr.SubmitOrder(id) {
		t.Error("double submit must return false")
	}
}

func TestMonotonicOrderIDs(t *testing.T) {
	t.Parallel()
	mgr, _ := newWiredManager(looseLimits())

	var last uint64
	for i := 0; i < 10; i++ {
		id := mgr.CreateOrder(types.BUY, 100, 1, 0)
		if id <= last {
			t.Fatalf("ids not monotonically increasing: %d after %d", id, last)
		}
		last = id
	}
}

func TestSelfCrossProducesFillsAndPosition(t *testing.T) {
	t.Parallel()
	mgr, _ := newWiredManager(looseLimits())

	sell := mgr.CreateOrder(types.SELL, 100, 10, 100)
	mgr.SubmitOrder(sell)
	buy := mgr.CreateOrder(types.BUY, 100, 10, 100)
	mgr.SubmitOrder(buy)

	sellInfo, _ := mgr.GetOrderInfo(sell)
	buyInfo, _ := mgr.GetOrderInfo(buy)
	if sellInfo.State != types.Filled || buyInfo.State != types.Filled {
		t.Fatalf("states = %v/%v, want FILLED/FILLED", sellInfo.State, buyInfo.State)
	}

	pos := mgr.GetPosition()
	if pos.NetPosition != 0 {
		t.Errorf("net position = %v, want 0 after buy+sell of equal size", pos.NetPosition)
	}
	if pos.TradeCount != 2 {
		t.Errorf("trade count = %d, want 2", pos.TradeCount)
	}
}

func TestPositionVWAPAndRealized(t *testing.T) {
	t.Parallel()
	mgr, _ := newWiredManager(looseLimits())

	// Build position via direct fills: buy 10 @ 100, buy 10 @ 110.
	id1 := mgr.CreateOrder(types.BUY, 100, 10, 0)
	mgr.SubmitOrder(id1)
	mgr.HandleFill(id1, 10, 100, time.Now(), true)

	id2 := mgr.CreateOrder(types.BUY, 110, 10, 0)
	mgr.SubmitOrder(id2)
	mgr.HandleFill(id2, 10, 110, time.Now(), true)

	pos := mgr.GetPosition()
	if pos.NetPosition != 20 {
		t.Fatalf("net = %v, want 20", pos.NetPosition)
	}
	if math.Abs(pos.AvgPrice-105) > 1e-9 {
		t.Fatalf("vwap = %v, want 105", pos.AvgPrice)
	}

	// Sell 5 @ 115: realized = (115-105)*5 = 50.
	id3 := mgr.CreateOrder(types.SELL, 115, 5, 0)
	mgr.SubmitOrder(id3)
	mgr.HandleFill(id3, 5, 115, time.Now(), true)

	pos = mgr.GetPosition()
	if math.Abs(pos.RealizedPnL-50) > 1e-9 {
		t.Errorf("realized = %v, want 50", pos.RealizedPnL)
	}
	if pos.NetPosition != 15 {
		t.Errorf("net = %v, want 15", pos.NetPosition)
	}
	if math.Abs(pos.AvgPrice-105) > 1e-9 {
		t.Errorf("vwap should be unchanged on reduce, got %v", pos.AvgPrice)
	}

	// Unrealized at mid 107: (107-105)*15 = 30.
	if got := mgr.CalculateUnrealizedPnL(107); math.Abs(got-30) > 1e-9 {
		t.Errorf("unrealized = %v, want 30", got)
	}
}

func TestPositionCrossThroughFlat(t *testing.T) {
	t.Parallel()
	mgr, _ := newWiredManager(looseLimits())

	id1 := mgr.CreateOrder(types.BUY, 100, 10, 0)
	mgr.SubmitOrder(id1)
	mgr.HandleFill(id1, 10, 100, time.Now(), true)

	// Sell 15 @ 110: realize (110-100)*10 = 100, flip short 5 with vwap 110.
	id2 := mgr.CreateOrder(types.SELL, 110, 15, 0)
	mgr.SubmitOrder(id2)
	mgr.HandleFill(id2, 15, 110, time.Now(), true)

	pos := mgr.GetPosition()
	if math.Abs(pos.RealizedPnL-100) > 1e-9 {
		t.Errorf("realized = %v, want 100", pos.RealizedPnL)
	}
	if pos.NetPosition != -5 {
		t.Errorf("net = %v, want -5", pos.NetPosition)
	}
	if math.Abs(pos.AvgPrice-110) > 1e-9 {
		t.Errorf("vwap after flip = %v, want 110", pos.AvgPrice)
	}
}

func TestRateLimitAtBoundary(t *testing.T) {
	t.Parallel()
	limits := looseLimits()
	limits.MaxOrdersPerSecond = 3

	var alerts []types.RiskCheckResult
	mgr, _ := newWiredManager(limits)
	mgr.SetRiskCallback(func(r types.RiskCheckResult, msg string) {
		alerts = append(alerts, r)
	})

	var ids []uint64
	for i := 0; i < 3; i++ {
		id := mgr.CreateOrder(types.BUY, 100, 1, 0)
		if id == 0 {
			t.Fatalf("create %d rejected, want allowed at the limit", i+1)
		}
		if !mgr.SubmitOrder(id) {
			t.Fatalf("submit %d failed", i+1)
		}
		ids = append(ids, id)
	}

	if id := mgr.CreateOrder(types.BUY, 100, 1, 0); id != 0 {
		t.Fatal("fourth create inside the window should be rejected")
	}
	if len(alerts) != 1 || alerts[0] != types.OrderRateLimitExceeded {
		t.Errorf("alerts = %v, want [ORDER_RATE_LIMIT_EXCEEDED]", alerts)
	}
}

func TestPositionLimitRejected(t *testing.T) {
	t.Parallel()
	limits := looseLimits()
	limits.MaxPosition = 5

	mgr, _ := newWiredManager(limits)
	if res := mgr.CheckPreTradeRisk(types.BUY, 6, 100); res != types.PositionLimitExceeded {
		t.Errorf("result = %v, want POSITION_LIMIT_EXCEEDED", res)
	}
	if res := mgr.CheckPreTradeRisk(types.BUY, 5, 100); res != types.Approved {
		t.Errorf("result = %v, want APPROVED at the limit", res)
	}
}

func TestCancelLifecycle(t *testing.T) {
	t.Parallel()
	mgr, eng := newWiredManager(looseLimits())

	id := mgr.CreateOrder(types.SELL, 105, 2, 0)
	mgr.SubmitOrder(id)

	if top := eng.TopOfBook(); top.AskPrice != 105 {
		t.Fatalf("order should rest at 105, top = %+v", top)
	}
	if !mgr.CancelOrder(id) {
		t.Fatal("cancel failed")
	}
	info, _ := mgr.GetOrderInfo(id)
	if info.State != types.Cancelled {
		t.Errorf("state = %v, want CANCELLED", info.State)
	}
	if top := eng.TopOfBook(); top.AskPrice != 0 {
		t.Errorf("book should be empty after cancel, top = %+v", top)
	}
	if mgr.CancelOrder(id) {
		t.Error("cancel of terminal order should return false")
	}
}

func TestCancelPendingOrder(t *testing.T) {
	t.Parallel()
	mgr, _ := newWiredManager(looseLimits())

	id := mgr.CreateOrder(types.BUY, 100, 1, 0)
	if !mgr.CancelOrder(id) {
		t.Fatal("cancelling a pending order should succeed locally")
	}
	info, _ := mgr.GetOrderInfo(id)
	if info.State != types.Cancelled {
		t.Errorf("state = %v, want CANCELLED", info.State)
	}
}

func TestFillOnTerminalOrderIgnored(t *testing.T) {
	t.Parallel()
	mgr, _ := newWiredManager(looseLimits())

	id := mgr.CreateOrder(types.BUY, 100, 1, 0)
	mgr.CancelOrder(id)

	if mgr.HandleFill(id, 1, 100, time.Now(), true) {
		t.Error("fill on terminal order should be ignored")
	}
	st := mgr.GetExecutionStats()
	if st.UnknownOrderOps == 0 {
		t.Error("ignored fill should increment the counter")
	}
	if pos := mgr.GetPosition(); pos.NetPosition != 0 {
		t.Error("ignored fill must not move position")
	}
}

func TestUnknownIDOperations(t *testing.T) {
	t.Parallel()
	mgr, _ := newWiredManager(looseLimits())

	if mgr.SubmitOrder(12345) {
		t.Error("submit of unknown id should fail")
	}
	if mgr.CancelOrder(12345) {
		t.Error("cancel of unknown id should fail")
	}
	if mgr.ModifyOrder(12345, 100, 1, types.PriceAndQuantity) {
		t.Error("modify of unknown id should fail")
	}
}

func TestEmergencyShutdown(t *testing.T) {
	t.Parallel()
	mgr, eng := newWiredManager(looseLimits())

	var ids []uint64
	for i := 0; i < 5; i++ {
		px := 100.0 + float64(i)
		side := types.SELL
		if i%2 == 0 {
			side = types.BUY
			px = 99.0 - float64(i)
		}
		id := mgr.CreateOrder(side, px, 1, 0)
		mgr.SubmitOrder(id)
		ids = append(ids, id)
	}
	if mgr.ActiveOrderCount() != 5 {
		t.Fatalf("active = %d, want 5", mgr.ActiveOrderCount())
	}

	mgr.EmergencyShutdown("daily loss breach")

	for _, id := range ids {
		info, _ := mgr.GetOrderInfo(id)
		if info.State != types.Cancelled {
			t.Errorf("order %d state = %v, want CANCELLED", id, info.State)
		}
	}
	if id := mgr.CreateOrder(types.BUY, 100, 1, 0); id != 0 {
		t.Error("create after emergency shutdown should return 0")
	}
	if top := eng.TopOfBook(); top.BidPrice != 0 || top.AskPrice != 0 {
		t.Errorf("book should be flat after shutdown, top = %+v", top)
	}
	if mgr.IsHealthy() {
		t.Error("manager should be unhealthy after shutdown")
	}
}

func TestExpireStaleOrders(t *testing.T) {
	t.Parallel()
	mgr, _ := newWiredManager(looseLimits())

	id := mgr.CreateOrder(types.BUY, 100, 1, 0)
	mgr.SubmitOrder(id)

	// Everything is younger than the TTL: nothing expires.
	if n := mgr.ExpireStaleOrders(time.Minute); n != 0 {
		t.Fatalf("expired %d, want 0", n)
	}

	// A nanosecond TTL ages everything out.
	time.Sleep(time.Millisecond)
	if n := mgr.ExpireStaleOrders(time.Nanosecond); n != 1 {
		t.Fatalf("expired %d, want 1", n)
	}
	info, _ := mgr.GetOrderInfo(id)
	if info.State != types.Expired {
		t.Errorf("state = %v, want EXPIRED", info.State)
	}
}

func TestModifyThroughManager(t *testing.T) {
	t.Parallel()
	mgr, eng := newWiredManager(looseLimits())

	id := mgr.CreateOrder(types.BUY, 100, 10, 0)
	mgr.SubmitOrder(id)

	if !mgr.ModifyOrder(id, 0, 6, types.QuantityOnly) {
		t.Fatal("quantity-only modify failed")
	}
	if top := eng.TopOfBook(); top.BidQuantity != 6 {
		t.Errorf("book qty = %v, want 6", top.BidQuantity)
	}
	info, _ := mgr.GetOrderInfo(id)
	if info.Order.RemainingQuantity != 6 || info.ModificationCount != 1 {
		t.Errorf("info not updated: %+v", info)
	}
}

func TestInferredFillUpdatesPosition(t *testing.T) {
	t.Parallel()
	mgr, eng := newWiredManager(looseLimits())

	// External ask queue of 50 ahead of us at 100.
	eng.ApplyMarketDataUpdate(types.MarketDepth{
		Snapshot: true,
		Asks:     []types.PriceLevel{{Price: 100, Quantity: 50}},
	})

	id := mgr.CreateOrder(types.SELL, 100, 5, 100)
	mgr.SubmitOrder(id)

	eng.ProcessMarketDataTrade(types.MarketTrade{Price: 100, Quantity: 30, AggressorSide: types.BUY})
	eng.ProcessMarketDataTrade(types.MarketTrade{Price: 100, Quantity: 25, AggressorSide: types.BUY})

	info, _ := mgr.GetOrderInfo(id)
	if info.State != types.Filled {
		t.Fatalf("state = %v, want FILLED after inferred fill", info.State)
	}
	pos := mgr.GetPosition()
	if pos.NetPosition != -5 {
		t.Errorf("net = %v, want -5", pos.NetPosition)
	}
}
