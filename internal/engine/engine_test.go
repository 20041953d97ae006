package engine

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"coinbase-hft/internal/config"
	"coinbase-hft/pkg/types"
)

func testConfig() config.Config {
	return config.Config{
		Symbol: "BTC-USD",
		Quoting: config.QuotingConfig{
			DefaultQuoteSize:    0.1,
			MinSpreadBps:        1,
			MaxSpreadBps:        50,
			TargetSpreadBps:     10,
			InventorySkewFactor: 0.5,
			MaxInventorySkewBps: 20,
			QuoteRefresh:        time.Second,
			Cooldown:            0,
			InitialCapital:      1e9,
		},
		Risk: config.RiskConfig{
			MaxPosition:        100,
			MaxDailyLoss:       1e9,
			MaxOrdersPerSecond: 1000,
		},
		Engine: config.EngineConfig{OrderPoolSize: 64},
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := New(testConfig(), logger)
	if err != nil {
		t.Fatal(err)
	}
	e.signals.Start()
	return e
}

func TestMarketDataDrivesQuotes(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	// A balanced snapshot lands; the book notifies the signal engine, whose
	// PLACE signals queue for the processor to execute.
	e.books.ApplyMarketDataUpdate(types.MarketDepth{
		Snapshot: true,
		Bids:     []types.PriceLevel{{Price: 99.95, Quantity: 10}},
		Asks:     []types.PriceLevel{{Price: 100.05, Quantity: 10}},
	})
	e.drainSignals()

	active := e.manager.GetActiveOrders()
	if len(active) != 2 {
		t.Fatalf("active orders = %d, want a quote per side", len(active))
	}

	var haveBid, haveAsk bool
	for _, id := range active {
		info, ok := e.manager.GetOrderInfo(id)
		if !ok {
			t.Fatalf("missing info for %d", id)
		}
		switch info.Order.Side {
		case types.BUY:
			haveBid = true
			if info.Order.Price >= 100.05 {
				t.Errorf("bid %v must stay below the ask", info.Order.Price)
			}
		case types.SELL:
			haveAsk = true
			if info.Order.Price <= 99.95 {
				t.Errorf("ask %v must stay above the bid", info.Order.Price)
			}
		}
	}
	if !haveBid || !haveAsk {
		t.Errorf("want both sides quoted, bid=%v ask=%v", haveBid, haveAsk)
	}
	if len(e.signals.ActiveQuotes()) != 2 {
		t.Errorf("signal engine should track both placements")
	}
}

func TestEmergencyShutdownCancelsQuotes(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	e.books.ApplyMarketDataUpdate(types.MarketDepth{
		Snapshot: true,
		Bids:     []types.PriceLevel{{Price: 99.95, Quantity: 10}},
		Asks:     []types.PriceLevel{{Price: 100.05, Quantity: 10}},
	})
	e.drainSignals()
	if len(e.manager.GetActiveOrders()) != 2 {
		t.Fatal("precondition: two quotes working")
	}

	e.manager.EmergencyShutdown("daily loss breach")
	e.drainSignals()

	if n := len(e.manager.GetActiveOrders()); n != 0 {
		t.Errorf("active orders after emergency cancel = %d, want 0", n)
	}
	if n := len(e.signals.ActiveQuotes()); n != 0 {
		t.Errorf("tracked quotes after emergency cancel = %d, want 0", n)
	}
}

func TestDryRunPlacesNothing(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.DryRun = true
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := New(cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	e.signals.Start()

	e.books.ApplyMarketDataUpdate(types.MarketDepth{
		Snapshot: true,
		Bids:     []types.PriceLevel{{Price: 99.95, Quantity: 10}},
		Asks:     []types.PriceLevel{{Price: 100.05, Quantity: 10}},
	})
	e.drainSignals()

	if n := len(e.manager.GetActiveOrders()); n != 0 {
		t.Errorf("dry run placed %d orders", n)
	}
}

func TestTradePrintFlowsToPosition(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	// Rest our ask behind 5 units of external queue.
	e.books.ApplyMarketDataUpdate(types.MarketDepth{
		Snapshot: true,
		Bids:     []types.PriceLevel{{Price: 99.00, Quantity: 10}},
		Asks:     []types.PriceLevel{{Price: 100.00, Quantity: 5}},
	})
	e.drainSignals()

	// Drop the auto-quotes; drive a manual resting order instead for a
	// deterministic queue position.
	for _, id := range e.manager.GetActiveOrders() {
		e.manager.CancelOrder(id)
		e.signals.TrackOrderCancellation(id)
	}
	id := e.manager.CreateOrder(types.SELL, 100.00, 2, e.books.MidPrice())
	if id == 0 || !e.manager.SubmitOrder(id) {
		t.Fatal("failed to rest manual ask")
	}

	// Prints: 5 clears the external queue, 4 more fills us for 2.
	e.books.ProcessMarketDataTrade(types.MarketTrade{Price: 100, Quantity: 5, AggressorSide: types.BUY})
	e.books.ProcessMarketDataTrade(types.MarketTrade{Price: 100, Quantity: 4, AggressorSide: types.BUY})

	info, _ := e.manager.GetOrderInfo(id)
	if info.State != types.Filled {
		t.Fatalf("state = %v, want FILLED", info.State)
	}
	if pos := e.manager.GetPosition(); pos.NetPosition != -2 {
		t.Errorf("position = %v, want -2", pos.NetPosition)
	}
}
