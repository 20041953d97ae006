package signal

import (
	"math"

	"coinbase-hft/pkg/types"
)

// Imbalance must move by this much, or spread impact exceed this many bps,
// before depth metrics override the baseline quote targets.
const (
	imbalanceChangeThreshold = 0.25
	spreadImpactToleranceBps = 2.0
	depthLevels              = 10
)

// DepthMetrics summarizes liquidity beyond the touch.
type DepthMetrics struct {
	BidLiquidityBps   float64 // Σ qty / mid × 10⁴ over the top bid levels
	AskLiquidityBps   float64
	BidAskImbalance   float64 // bid liquidity / ask liquidity
	MarketPressure    float64 // (imbalance−1)/(imbalance+1) ∈ (−1, 1)
	SpreadImpact      float64 // expected spread move, bps
	SignificantChange bool

	OptimalBidPrice float64
	OptimalAskPrice float64
	OptimalBidSize  float64
	OptimalAskSize  float64
}

// AnalyzeMarketDepth computes liquidity metrics over the visible levels and,
// when the imbalance shifted materially since the last analysis, derives
// override prices/sizes biased toward the pressure.
func (e *Engine) AnalyzeMarketDepth(depth types.MarketDepth) DepthMetrics {
	var m DepthMetrics
	m.BidAskImbalance = 1.0

	if len(depth.Bids) == 0 || len(depth.Asks) == 0 {
		return m
	}
	bestBid := depth.Bids[0].Price
	bestAsk := depth.Asks[0].Price
	if bestBid <= 0 || bestAsk <= 0 || bestBid >= bestAsk {
		return m
	}
	mid := (bestBid + bestAsk) / 2

	m.BidLiquidityBps = liquidityBps(depth.Bids, mid)
	m.AskLiquidityBps = liquidityBps(depth.Asks, mid)

	if m.AskLiquidityBps > 0 {
		m.BidAskImbalance = m.BidLiquidityBps / m.AskLiquidityBps
	}
	m.MarketPressure = (m.BidAskImbalance - 1) / (m.BidAskImbalance + 1)

	// Expected spread move: heavy one-sided books tend to tighten toward the
	// weak side; scale by the current spread.
	spreadBps := (bestAsk - bestBid) / mid * 10000
	m.SpreadImpact = math.Abs(m.MarketPressure) * spreadBps / 2

	e.depthMu.Lock()
	prev := e.lastImbalance
	e.lastImbalance = m.BidAskImbalance
	e.depthMu.Unlock()

	m.SignificantChange = math.Abs(m.BidAskImbalance-prev) > imbalanceChangeThreshold ||
		m.SpreadImpact > spreadImpactToleranceBps

	if m.SignificantChange {
		e.fillOptimalQuotes(&m, mid, bestBid, bestAsk)
	}
	return m
}

// fillOptimalQuotes derives override targets: buying pressure lifts both
// quotes, selling pressure lowers them, and size shifts toward the side the
// flow favors.
func (e *Engine) fillOptimalQuotes(m *DepthMetrics, mid, bestBid, bestAsk float64) {
	cfg := e.cfg

	half := clamp(cfg.TargetSpreadBps, cfg.MinSpreadBps, cfg.MaxSpreadBps) * mid / 2 / 10000
	shift := m.MarketPressure * half / 2

	bid := mid - half + shift
	ask := mid + half + shift

	if !cfg.EnableAggressive {
		if bid > bestBid {
			bid = bestBid
		}
		if ask < bestAsk {
			ask = bestAsk
		}
	}

	m.OptimalBidPrice = roundToTick(bid)
	m.OptimalAskPrice = roundToTick(ask)

	// Lean into the flow: more size on the side pressure supports.
	m.OptimalBidSize = cfg.DefaultQuoteSize * (1 + clamp(m.MarketPressure, 0, 1)*0.5)
	m.OptimalAskSize = cfg.DefaultQuoteSize * (1 - clamp(m.MarketPressure, -1, 0)*0.5)
}

// RefreshDepthMetrics pulls current depth from the book engine and
// re-analyzes it. Run off the critical path to keep the metrics live while
// depth callbacks are quiet.
func (e *Engine) RefreshDepthMetrics() DepthMetrics {
	if e.depth == nil {
		return DepthMetrics{}
	}
	m := e.AnalyzeMarketDepth(e.depth.MarketDepth(depthLevels))

	e.depthMu.Lock()
	e.depthMetrics = m
	e.depthMu.Unlock()
	return m
}

// liquidityBps sums level quantities normalized by mid, in basis points.
func liquidityBps(levels []types.PriceLevel, mid float64) float64 {
	if mid <= 0 {
		return 0
	}
	var qty float64
	n := len(levels)
	if n > depthLevels {
		n = depthLevels
	}
	for _, l := range levels[:n] {
		qty += l.Quantity
	}
	return qty / mid * 10000
}
