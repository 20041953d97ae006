package book

import (
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"coinbase-hft/internal/latency"
	"coinbase-hft/pkg/types"
)

func newTestEngine() *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine("BTC-USD", latency.NewTracker(), logger)
}

func limitOrder(id uint64, side types.Side, px, qty float64) types.Order {
	return types.Order{
		ID:                id,
		Side:              side,
		Price:             px,
		OriginalQuantity:  qty,
		RemainingQuantity: qty,
	}
}

type fillRecord struct {
	orderID uint64
	qty     float64
	price   float64
	final   bool
}

type recordingSink struct {
	fills []fillRecord
}

func (r *recordingSink) HandleFill(id uint64, qty, px float64, ts time.Time, final bool) bool {
	r.fills = append(r.fills, fillRecord{id, qty, px, final})
	return true
}

func TestExactPriceFullFill(t *testing.T) {
	t.Parallel()
	e := newTestEngine()

	res, execs := e.AddOrder(limitOrder(1, types.SELL, 100, 10))
	if res != types.NoMatch || len(execs) != 0 {
		t.Fatalf("resting sell: got %v with %d execs", res, len(execs))
	}

	res, execs = e.AddOrder(limitOrder(2, types.BUY, 100, 10))
	if res != types.FullFill {
		t.Fatalf("MatchResult = %v, want FULL_FILL", res)
	}
	if len(execs) != 1 {
		t.Fatalf("execs = %d, want 1", len(execs))
	}
	ex := execs[0]
	if ex.AggressorID != 2 || ex.PassiveID != 1 || ex.Price != 100 || ex.Quantity != 10 {
		t.Errorf("unexpected execution %+v", ex)
	}

	top := e.TopOfBook()
	if top.BidPrice != 0 || top.AskPrice != 0 || top.BidQuantity != 0 || top.AskQuantity != 0 {
		t.Errorf("book should be empty, top = %+v", top)
	}
}

func TestMultiLevelSweep(t *testing.T) {
	t.Parallel()
	e := newTestEngine()

	e.AddOrder(limitOrder(1, types.SELL, 100, 5))
	e.AddOrder(limitOrder(2, types.SELL, 101, 10))
	e.AddOrder(limitOrder(3, types.SELL, 102, 15))

	res, execs := e.AddOrder(limitOrder(4, types.BUY, 102, 20))
	if res != types.PartialFill {
		t.Fatalf("MatchResult = %v, want PARTIAL_FILL", res)
	}
	if len(execs) != 2 {
		t.Fatalf("execs = %d, want 2", len(execs))
	}
	if execs[0].Price != 100 || execs[0].Quantity != 5 {
		t.Errorf("first trade %+v, want 5@100", execs[0])
	}
	if execs[1].Price != 101 || execs[1].Quantity != 10 {
		t.Errorf("second trade %+v, want 10@101", execs[1])
	}

	// The remainder joins at its limit rather than taking the 102 level.
	top := e.TopOfBook()
	if top.BidPrice != 102 || top.BidQuantity != 5 {
		t.Errorf("best bid %v@%v, want 5@102", top.BidQuantity, top.BidPrice)
	}
	if top.AskPrice != 102 || top.AskQuantity != 15 {
		t.Errorf("best ask %v@%v, want 15@102", top.AskQuantity, top.AskPrice)
	}
}

func TestSweepRestsBelowNextLevel(t *testing.T) {
	t.Parallel()
	e := newTestEngine()

	e.AddOrder(limitOrder(1, types.SELL, 100, 5))
	e.AddOrder(limitOrder(2, types.SELL, 101, 10))
	e.AddOrder(limitOrder(3, types.SELL, 103, 15))

	res, execs := e.AddOrder(limitOrder(4, types.BUY, 102, 20))
	if res != types.PartialFill {
		t.Fatalf("MatchResult = %v, want PARTIAL_FILL", res)
	}
	if len(execs) != 2 {
		t.Fatalf("execs = %d, want 2", len(execs))
	}

	top := e.TopOfBook()
	if top.BidPrice != 102 || top.BidQuantity != 5 {
		t.Errorf("best bid %v@%v, want 5@102", top.BidQuantity, top.BidPrice)
	}
	if top.AskPrice != 103 || top.AskQuantity != 15 {
		t.Errorf("best ask %v@%v, want 15@103", top.AskQuantity, top.AskPrice)
	}
}

func TestQueuePositionInference(t *testing.T) {
	t.Parallel()
	e := newTestEngine()
	sink := &recordingSink{}
	e.SetFillHandler(sink)

	// External ask liquidity: 50 at 100.
	e.ApplyMarketDataUpdate(types.MarketDepth{
		Snapshot: true,
		Asks:     []types.PriceLevel{{Price: 100, Quantity: 50}},
	})

	// Our SELL joins behind it.
	res, _ := e.AddOrder(limitOrder(7, types.SELL, 100, 5))
	if res != types.NoMatch {
		t.Fatalf("our sell should rest, got %v", res)
	}
	qp, ok := e.QueuePositionFor(7)
	if !ok || qp.QueueAhead != 50 {
		t.Fatalf("queue_ahead = %v (ok=%v), want 50", qp.QueueAhead, ok)
	}

	// Print 1: BUY 30 @ 100 — eats queue ahead only.
	e.ProcessMarketDataTrade(types.MarketTrade{Price: 100, Quantity: 30, AggressorSide: types.BUY})
	qp, _ = e.QueuePositionFor(7)
	if qp.QueueAhead != 20 {
		t.Fatalf("queue_ahead after print 1 = %v, want 20", qp.QueueAhead)
	}
	if len(sink.fills) != 0 {
		t.Fatalf("no fill expected yet, got %+v", sink.fills)
	}

	// Print 2: BUY 25 @ 100 — 20 clears the queue, leftover 5 fills us.
	e.ProcessMarketDataTrade(types.MarketTrade{Price: 100, Quantity: 25, AggressorSide: types.BUY})
	if len(sink.fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(sink.fills))
	}
	f := sink.fills[0]
	if f.orderID != 7 || f.qty != 5 || f.price != 100 || !f.final {
		t.Errorf("fill = %+v, want final 5@100 for id 7", f)
	}
	if _, ok := e.QueuePositionFor(7); ok {
		t.Error("queue position should be removed after final fill")
	}
}

func TestCancelThenMatchSkipsCancelled(t *testing.T) {
	t.Parallel()
	e := newTestEngine()

	e.AddOrder(limitOrder(1, types.SELL, 100, 5))
	e.AddOrder(limitOrder(2, types.SELL, 100, 7))

	if !e.CancelOrder(1) {
		t.Fatal("cancel of resting order failed")
	}
	top := e.TopOfBook()
	if top.AskQuantity != 7 {
		t.Fatalf("level qty after cancel = %v, want 7", top.AskQuantity)
	}

	_, execs := e.AddOrder(limitOrder(3, types.BUY, 100, 7))
	if len(execs) != 1 || execs[0].PassiveID != 2 {
		t.Fatalf("expected single trade against id 2, got %+v", execs)
	}
}

func TestCancelUnknownOrder(t *testing.T) {
	t.Parallel()
	e := newTestEngine()

	if e.CancelOrder(999) {
		t.Error("cancel of unknown id should return false")
	}
}

func TestPlaceCancelRoundTrip(t *testing.T) {
	t.Parallel()
	e := newTestEngine()

	e.ApplyMarketDataUpdate(types.MarketDepth{
		Snapshot: true,
		Bids:     []types.PriceLevel{{Price: 99, Quantity: 10}},
		Asks:     []types.PriceLevel{{Price: 101, Quantity: 10}},
	})
	before := e.TopOfBook()
	beforeDepth := e.MarketDepth(10)

	e.AddOrder(limitOrder(5, types.BUY, 99, 3))
	if !e.CancelOrder(5) {
		t.Fatal("cancel failed")
	}

	after := e.TopOfBook()
	if before.BidPrice != after.BidPrice || before.BidQuantity != after.BidQuantity ||
		before.AskPrice != after.AskPrice || before.AskQuantity != after.AskQuantity {
		t.Errorf("top changed across place+cancel: %+v vs %+v", before, after)
	}
	afterDepth := e.MarketDepth(10)
	if len(beforeDepth.Bids) != len(afterDepth.Bids) {
		t.Errorf("depth changed across place+cancel")
	}
}

func TestSnapshotIdempotent(t *testing.T) {
	t.Parallel()
	e := newTestEngine()

	snap := types.MarketDepth{
		Snapshot: true,
		Bids:     []types.PriceLevel{{Price: 99, Quantity: 10}, {Price: 98, Quantity: 20}},
		Asks:     []types.PriceLevel{{Price: 101, Quantity: 5}},
	}
	e.ApplyMarketDataUpdate(snap)
	first := e.MarketDepth(10)
	e.ApplyMarketDataUpdate(snap)
	second := e.MarketDepth(10)

	if len(first.Bids) != len(second.Bids) || len(first.Asks) != len(second.Asks) {
		t.Fatal("snapshot application is not idempotent")
	}
	for i := range first.Bids {
		if first.Bids[i] != second.Bids[i] {
			t.Errorf("bid[%d] differs: %+v vs %+v", i, first.Bids[i], second.Bids[i])
		}
	}
}

func TestModifyIdempotent(t *testing.T) {
	t.Parallel()
	e := newTestEngine()

	e.AddOrder(limitOrder(1, types.BUY, 100, 10))

	if !e.ModifyOrder(1, 100, 6) {
		t.Fatal("first modify failed")
	}
	top1 := e.TopOfBook()
	if !e.ModifyOrder(1, 100, 6) {
		t.Fatal("identical modify should be a no-op success")
	}
	top2 := e.TopOfBook()
	if top1.BidQuantity != top2.BidQuantity || top2.BidQuantity != 6 {
		t.Errorf("second modify changed state: %v vs %v", top1.BidQuantity, top2.BidQuantity)
	}
}

func TestModifyLosesPriorityOnPriceChange(t *testing.T) {
	t.Parallel()
	e := newTestEngine()

	e.AddOrder(limitOrder(1, types.SELL, 100, 5))
	e.AddOrder(limitOrder(2, types.SELL, 101, 5))

	// Move id 1 to join id 2's level; it must queue behind.
	if !e.ModifyOrder(1, 101, 5) {
		t.Fatal("modify failed")
	}

	_, execs := e.AddOrder(limitOrder(3, types.BUY, 101, 5))
	if len(execs) != 1 || execs[0].PassiveID != 2 {
		t.Fatalf("moved order should lose priority; got %+v", execs)
	}
}

func TestRejectInvalidOrders(t *testing.T) {
	t.Parallel()
	e := newTestEngine()

	cases := []types.Order{
		limitOrder(1, types.BUY, 0, 10),
		limitOrder(2, types.BUY, -5, 10),
		limitOrder(3, types.BUY, math.NaN(), 10),
		limitOrder(4, types.BUY, math.Inf(1), 10),
		limitOrder(5, types.BUY, 100, 0),
		limitOrder(6, types.BUY, 100, -1),
		limitOrder(7, types.BUY, 100, math.NaN()),
	}
	for _, o := range cases {
		if res, _ := e.AddOrder(o); res != types.MatchRejected {
			t.Errorf("order %+v: result %v, want REJECTED", o, res)
		}
	}
	if top := e.TopOfBook(); top.BidPrice != 0 {
		t.Error("rejected orders must not mutate the book")
	}
}

func TestCrossedSnapshotTolerated(t *testing.T) {
	t.Parallel()
	e := newTestEngine()

	e.ApplyMarketDataUpdate(types.MarketDepth{
		Snapshot: true,
		Bids:     []types.PriceLevel{{Price: 101, Quantity: 5}},
		Asks:     []types.PriceLevel{{Price: 100, Quantity: 5}},
	})
	if !e.IsMarketCrossed() {
		t.Error("crossed snapshot should report crossed")
	}

	e.ApplyMarketDataUpdate(types.MarketDepth{
		Snapshot: true,
		Bids:     []types.PriceLevel{{Price: 99, Quantity: 5}},
		Asks:     []types.PriceLevel{{Price: 100, Quantity: 5}},
	})
	if e.IsMarketCrossed() {
		t.Error("consistent snapshot should heal the cross")
	}
}

func TestMarketOrderSweep(t *testing.T) {
	t.Parallel()
	e := newTestEngine()

	e.AddOrder(limitOrder(1, types.SELL, 100, 5))
	e.AddOrder(limitOrder(2, types.SELL, 105, 5))

	res, execs := e.ProcessMarketOrder(types.BUY, 8)
	if res != types.FullFill {
		t.Fatalf("result = %v, want FULL_FILL", res)
	}
	var total float64
	for _, ex := range execs {
		total += ex.Quantity
	}
	if total != 8 {
		t.Errorf("swept %v, want 8", total)
	}

	// Book exhausted: partial.
	res, _ = e.ProcessMarketOrder(types.BUY, 10)
	if res != types.PartialFill {
		t.Errorf("result = %v, want PARTIAL_FILL against 2 remaining", res)
	}
	if top := e.TopOfBook(); top.AskPrice != 0 {
		t.Error("asks should be exhausted; market orders never rest")
	}
}

func TestLevelTotalsMatchOrders(t *testing.T) {
	t.Parallel()
	e := newTestEngine()

	e.AddOrder(limitOrder(1, types.BUY, 100, 5))
	e.AddOrder(limitOrder(2, types.BUY, 100, 7))
	e.AddOrder(limitOrder(3, types.BUY, 99, 3))

	depth := e.MarketDepth(10)
	if len(depth.Bids) != 2 {
		t.Fatalf("bid levels = %d, want 2", len(depth.Bids))
	}
	if depth.Bids[0].Price != 100 || depth.Bids[0].Quantity != 12 {
		t.Errorf("level 100 qty = %v, want 12", depth.Bids[0].Quantity)
	}
	if depth.Bids[1].Price != 99 || depth.Bids[1].Quantity != 3 {
		t.Errorf("level 99 qty = %v, want 3", depth.Bids[1].Quantity)
	}
}

func TestDeltaUpdateRemovesLevel(t *testing.T) {
	t.Parallel()
	e := newTestEngine()

	e.ApplyMarketDataUpdate(types.MarketDepth{
		Snapshot: true,
		Bids:     []types.PriceLevel{{Price: 99, Quantity: 10}},
	})
	e.ApplyMarketDataUpdate(types.MarketDepth{
		Bids: []types.PriceLevel{{Price: 99, Quantity: 0}},
	})

	if top := e.TopOfBook(); top.BidPrice != 0 {
		t.Errorf("level should be removed at zero size, top = %+v", top)
	}

	st := e.Statistics()
	if st.TotalUpdates != 2 {
		t.Errorf("TotalUpdates = %d, want 2", st.TotalUpdates)
	}
}

func TestMalformedDepthRowDropped(t *testing.T) {
	t.Parallel()
	e := newTestEngine()

	e.ApplyMarketDataUpdate(types.MarketDepth{
		Snapshot: true,
		Bids:     []types.PriceLevel{{Price: -1, Quantity: 10}, {Price: 99, Quantity: -4}, {Price: 98, Quantity: 5}},
	})

	st := e.Statistics()
	if st.DroppedUpdates != 2 {
		t.Errorf("DroppedUpdates = %d, want 2", st.DroppedUpdates)
	}
	if top := e.TopOfBook(); top.BidPrice != 98 {
		t.Errorf("valid row should survive, top bid = %v", top.BidPrice)
	}
}

func TestPartialInferredFill(t *testing.T) {
	t.Parallel()
	e := newTestEngine()
	sink := &recordingSink{}
	e.SetFillHandler(sink)

	e.ApplyMarketDataUpdate(types.MarketDepth{
		Snapshot: true,
		Bids:     []types.PriceLevel{{Price: 50, Quantity: 10}},
	})
	e.AddOrder(limitOrder(11, types.BUY, 50, 8))

	// SELL print of 13: 10 clears the queue, 3 fills us partially.
	e.ProcessMarketDataTrade(types.MarketTrade{Price: 50, Quantity: 13, AggressorSide: types.SELL})

	if len(sink.fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(sink.fills))
	}
	if f := sink.fills[0]; f.qty != 3 || f.final {
		t.Errorf("fill = %+v, want non-final 3@50", f)
	}
	qp, ok := e.QueuePositionFor(11)
	if !ok || qp.RemainingQty != 5 || qp.QueueAhead != 0 {
		t.Errorf("queue position = %+v (ok=%v), want remaining 5 ahead 0", qp, ok)
	}
}
