// Package engine is the central orchestrator of the trading system.
//
// It wires together all subsystems:
//
//  1. Feed streams level-2 depth and trade prints into a bounded queue.
//  2. The processor goroutine drains the queue into the book engine; the
//     book synchronously notifies the signal engine, whose signals execute
//     through the order manager before the next feed record is accepted.
//  3. The book engine and order manager are cross-registered in two phases:
//     both constructed, then each handed the other's narrow capability.
//  4. Status and TTL goroutines run housekeeping off the critical path.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop(). No callback
// fires after Stop returns.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"coinbase-hft/internal/book"
	"coinbase-hft/internal/config"
	"coinbase-hft/internal/feed"
	"coinbase-hft/internal/latency"
	"coinbase-hft/internal/orders"
	"coinbase-hft/internal/pool"
	"coinbase-hft/internal/signal"
	"coinbase-hft/pkg/types"
)

// Engine owns the lifecycle of every component and goroutine.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	tracker   *latency.Tracker
	orderPool *pool.OrderPool
	books     *book.Engine
	manager   *orders.Manager
	signals   *signal.Engine

	dataFeed *feed.Feed       // nil in dry-run without endpoints
	rest     *feed.RESTClient // nil when no REST base URL configured

	// Signals emitted during a processing pass queue here and execute after
	// the book call returns, so callbacks never re-enter the book engine.
	sigMu    sync.Mutex
	sigQueue []signal.TradingSignal

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	shouldStop atomic.Bool
	started    atomic.Bool
}

// New constructs and wires all components (both phases).
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	tracker := latency.NewTracker()

	poolSize := cfg.Engine.OrderPoolSize
	if poolSize <= 0 {
		poolSize = 1024
	}
	orderPool := pool.NewOrderPool(poolSize)

	books := book.NewEngine(cfg.Symbol, tracker, logger)

	limits := types.RiskLimits{
		MaxPosition:           cfg.Risk.MaxPosition,
		MaxDailyLoss:          cfg.Risk.MaxDailyLoss,
		MaxDrawdown:           cfg.Risk.MaxDrawdown,
		PositionConcentration: cfg.Risk.PositionConcentration,
		VaRLimit:              cfg.Risk.VaRLimit,
		MaxOrdersPerSecond:    cfg.Risk.MaxOrdersPerSecond,
		MaxLatencyMs:          cfg.Risk.MaxLatencyMs,
	}
	manager := orders.NewManager(limits, cfg.Quoting.InitialCapital, orderPool, tracker, logger)

	sigCfg := signal.Config{
		DefaultQuoteSize:    cfg.Quoting.DefaultQuoteSize,
		MinSpreadBps:        cfg.Quoting.MinSpreadBps,
		MaxSpreadBps:        cfg.Quoting.MaxSpreadBps,
		TargetSpreadBps:     cfg.Quoting.TargetSpreadBps,
		MaxPosition:         cfg.Risk.MaxPosition,
		InventorySkewFactor: cfg.Quoting.InventorySkewFactor,
		MaxInventorySkewBps: cfg.Quoting.MaxInventorySkewBps,
		MaxDailyLoss:        cfg.Risk.MaxDailyLoss,
		MaxDrawdown:         cfg.Risk.MaxDrawdown,
		MaxOrdersPerSecond:  cfg.Risk.MaxOrdersPerSecond,
		QuoteRefresh:        cfg.Quoting.QuoteRefresh,
		Cooldown:            cfg.Quoting.Cooldown,
		EnableAggressive:    cfg.Quoting.EnableAggressive,
		InitialCapital:      cfg.Quoting.InitialCapital,
	}
	signals := signal.NewEngine(sigCfg, tracker, logger)

	e := &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		tracker:   tracker,
		orderPool: orderPool,
		books:     books,
		manager:   manager,
		signals:   signals,
	}

	// Phase two: cross-register the capabilities.
	manager.SetBookEngine(books)
	books.SetFillHandler(manager)
	signals.SetOrderManager(manager)
	signals.SetBookEngine(books)

	// Callback mesh.
	books.SetBookUpdateCallback(signals.OnBookUpdate)
	books.SetDepthUpdateCallback(signals.OnDepthUpdate)
	signals.SetSignalCallback(e.enqueueSignal)
	manager.SetRiskCallback(func(res types.RiskCheckResult, msg string) {
		if res == types.Approved {
			return
		}
		signals.OnRiskAlert(fmt.Sprintf("%s: %s", res, msg), 0)
	})
	manager.SetFillCallback(func(info orders.OrderInfo, qty, px float64, final bool) {
		signals.TrackOrderFill(info.Order.ID, qty, px)
	})

	if cfg.Feed.WSURL != "" {
		var auth *feed.Auth
		if cfg.Feed.ApiKey != "" && cfg.Feed.SecretKey != "" {
			a, err := feed.NewAuth(cfg.Feed.ApiKey, cfg.Feed.SecretKey)
			if err != nil {
				return nil, fmt.Errorf("feed auth: %w", err)
			}
			auth = a
		}
		e.dataFeed = feed.New(feed.Config{
			URL:                cfg.Feed.WSURL,
			ProductID:          cfg.Symbol,
			SubscribeLevel2:    cfg.Feed.SubscribeLevel2,
			SubscribeTrades:    cfg.Feed.SubscribeTrades,
			SubscribeTicker:    cfg.Feed.SubscribeTicker,
			SubscribeHeartbeat: cfg.Feed.SubscribeHeartbeat,
			SubscribeUser:      cfg.Feed.SubscribeUser,
			QueueSize:          cfg.Feed.QueueSize,
			ReconnectDelay:     cfg.Feed.ReconnectDelay,
			HeartbeatTimeout:   cfg.Feed.HeartbeatTimeout,
		}, auth, logger)
		e.dataFeed.SetStateCallback(func(s feed.ConnectionState, detail string) {
			logger.Info("feed state", "state", s.String(), "detail", detail)
		})
	}
	if cfg.Feed.RESTBaseURL != "" {
		e.rest = feed.NewRESTClient(cfg.Feed.RESTBaseURL, logger)
	}

	return e, nil
}

// Start bootstraps the book and launches the worker goroutines.
func (e *Engine) Start() error {
	if e.started.Swap(true) {
		return fmt.Errorf("engine already started")
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	if e.rest != nil {
		ctx, cancel := context.WithTimeout(e.ctx, 15*time.Second)
		defer cancel()

		if info, err := e.rest.Product(ctx, e.cfg.Symbol); err != nil {
			e.logger.Warn("product metadata unavailable", "error", err)
		} else if info.TradingDisabled {
			return fmt.Errorf("trading disabled for %s", e.cfg.Symbol)
		}

		if snap, err := e.rest.BookSnapshot(ctx, e.cfg.Symbol); err != nil {
			e.logger.Warn("initial snapshot unavailable, waiting for feed", "error", err)
		} else {
			e.books.ApplyMarketDataUpdate(*snap)
		}
	}

	e.signals.Start()

	if e.dataFeed != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.dataFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("feed terminated", "error", err)
			}
		}()

		e.wg.Add(1)
		go e.processorLoop()
	}

	e.wg.Add(1)
	go e.housekeepingLoop()

	if e.cfg.Engine.StatusInterval > 0 {
		e.wg.Add(1)
		go e.statusLoop()
	}

	e.logger.Info("engine started",
		"symbol", e.cfg.Symbol,
		"dry_run", e.cfg.DryRun,
		"max_position", e.cfg.Risk.MaxPosition,
		"target_spread_bps", e.cfg.Quoting.TargetSpreadBps,
	)
	return nil
}

// Stop shuts the system down cooperatively: stop the feed, drain the
// processor, cancel every working order, silence callbacks.
func (e *Engine) Stop() {
	if !e.started.Load() || e.shouldStop.Swap(true) {
		return
	}
	e.logger.Info("engine stopping")

	e.cancel()
	if e.dataFeed != nil {
		_ = e.dataFeed.Close()
	}
	e.wg.Wait()

	// Pull every live order before silencing the mesh.
	for _, id := range e.manager.GetActiveOrders() {
		if e.manager.CancelOrder(id) {
			e.signals.TrackOrderCancellation(id)
		}
	}

	e.signals.Stop()
	e.printStatus()
	e.logger.Info("engine stopped")
}

// ————————————————————————————————————————————————————————————————————————
// Critical path
// ————————————————————————————————————————————————————————————————————————

// processorLoop drains the feed queue into the book engine. Each record's
// downstream signals execute before the next record is accepted.
func (e *Engine) processorLoop() {
	defer e.wg.Done()

	events := e.dataFeed.Events()
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev := <-events:
			e.processEvent(ev)
			e.drainSignals()
		}
	}
}

func (e *Engine) processEvent(ev feed.Event) {
	stop := e.tracker.MeasureFast(latency.MarketDataProcessing)
	switch {
	case ev.Depth != nil:
		e.books.ApplyMarketDataUpdate(*ev.Depth)
	case ev.Trade != nil:
		e.books.ProcessMarketDataTrade(*ev.Trade)
	case ev.Ticker != nil:
		// Ticker is informational; the book replica is fed by level2.
	}
	stop()
}

// enqueueSignal buffers a signal for execution outside the book callback.
func (e *Engine) enqueueSignal(s signal.TradingSignal) {
	e.sigMu.Lock()
	e.sigQueue = append(e.sigQueue, s)
	e.sigMu.Unlock()
}

// drainSignals executes queued signals until none remain. Executing a signal
// can mutate the book, which re-enters the signal engine and enqueues more;
// the one-placement-per-side guard below bounds the cascade.
func (e *Engine) drainSignals() {
	// Placing an order ticks the signal engine again before the placement is
	// tracked, which would re-emit the same PLACE; allow one placement per
	// side per drain.
	var placed [2]bool

	for {
		e.sigMu.Lock()
		if len(e.sigQueue) == 0 {
			e.sigMu.Unlock()
			return
		}
		batch := e.sigQueue
		e.sigQueue = nil
		e.sigMu.Unlock()

		for _, s := range batch {
			e.executeSignal(s, &placed)
		}
	}
}

// executeSignal converts one trading signal into order-manager calls.
func (e *Engine) executeSignal(s signal.TradingSignal, placed *[2]bool) {
	switch s.Type {
	case signal.PlaceBid, signal.PlaceAsk:
		slot := 0
		if s.Type == signal.PlaceAsk {
			slot = 1
		}
		if placed[slot] {
			return
		}
		placed[slot] = true

		if e.cfg.DryRun {
			e.logger.Debug("dry-run place", "side", s.Side.String(), "price", s.Price, "qty", s.Quantity)
			return
		}
		stop := e.tracker.MeasureFast(latency.TickToTrade)
		id := e.manager.CreateOrder(s.Side, s.Price, s.Quantity, e.books.MidPrice())
		if id == 0 {
			stop()
			return
		}
		if e.manager.SubmitOrder(id) {
			quoteSide := signal.QuoteBid
			if s.Type == signal.PlaceAsk {
				quoteSide = signal.QuoteAsk
			}
			e.signals.TrackOrderPlacement(id, quoteSide, s.Price, s.Quantity)
		}
		stop()

	case signal.CancelBid, signal.CancelAsk, signal.EmergencyCancel:
		if s.OrderID == 0 {
			return
		}
		// A false return means the order is already terminal; the quote
		// tracking is stale either way.
		e.manager.CancelOrder(s.OrderID)
		e.signals.TrackOrderCancellation(s.OrderID)

	case signal.ModifyBid, signal.ModifyAsk:
		if s.OrderID != 0 {
			e.manager.ModifyOrder(s.OrderID, s.Price, s.Quantity, types.PriceAndQuantity)
		}

	case signal.Hold:
		// Nothing to do.
	}
}

// ————————————————————————————————————————————————————————————————————————
// Housekeeping
// ————————————————————————————————————————————————————————————————————————

// housekeepingLoop expires stale orders and clears quotes that never
// confirmed, off the critical path.
func (e *Engine) housekeepingLoop() {
	defer e.wg.Done()

	ttl := e.cfg.Engine.OrderTTL
	if ttl <= 0 {
		ttl = types.DefaultOrderTTL
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if n := e.manager.ExpireStaleOrders(ttl); n > 0 {
				e.logger.Info("expired stale orders", "count", n)
			}
			for _, id := range e.signals.ClearStaleQuotes() {
				e.logger.Debug("cleared stale quote", "order_id", id)
			}
			e.signals.RefreshDepthMetrics()
		}
	}
}

// statusLoop prints periodic reports for the operator.
func (e *Engine) statusLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Engine.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.printStatus()
		}
	}
}

func (e *Engine) printStatus() {
	pos := e.manager.GetPosition()
	bookStats := e.books.Statistics()
	execStats := e.manager.GetExecutionStats()
	quoteStats := e.signals.Statistics()
	poolStats := e.orderPool.Stats()

	mid := e.books.MidPrice()
	unrealized := e.manager.CalculateUnrealizedPnL(mid)

	e.logger.Info("status",
		"mid", mid,
		"spread_bps", e.books.SpreadBps(),
		"crossed", e.books.IsMarketCrossed(),
		"position", pos.NetPosition,
		"vwap", pos.AvgPrice,
		"realized_pnl", pos.RealizedPnL,
		"unrealized_pnl", unrealized,
		"trades", bookStats.TotalTrades,
		"orders", execStats.TotalOrders,
		"fill_rate", execStats.FillRate,
		"quotes_placed", quoteStats.QuotesPlaced,
		"pool_hit_rate", poolStats.HitRate(),
	)

	for _, class := range []latency.Class{
		latency.MarketDataProcessing,
		latency.OrderPlacement,
		latency.OrderCancellation,
		latency.TickToTrade,
		latency.OrderBookUpdate,
	} {
		st := e.tracker.Statistics(class)
		if st.Count == 0 && st.MaxUs == 0 {
			continue
		}
		e.logger.Info("latency",
			"class", class.String(),
			"p95_us", st.P95Us,
			"p99_us", st.P99Us,
			"approx_p95_us", st.ApproxP95Us,
			"max_us", st.MaxUs,
			"trend", st.Trend.Trend.String(),
		)
	}

	if e.dataFeed != nil {
		fs := e.dataFeed.Stats()
		e.logger.Info("feed stats",
			"state", e.dataFeed.State().String(),
			"received", fs.MessagesReceived,
			"dropped", fs.MessagesDropped,
			"reconnects", fs.ReconnectCount,
		)
	}
}

// Book exposes the book engine for integration tests and status consumers.
func (e *Engine) Book() *book.Engine { return e.books }

// OrderManager exposes the order manager.
func (e *Engine) OrderManager() *orders.Manager { return e.manager }

// SignalEngine exposes the signal engine.
func (e *Engine) SignalEngine() *signal.Engine { return e.signals }
