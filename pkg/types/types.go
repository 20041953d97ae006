// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trading system — order and
// side enums, book snapshots, trade executions, position and risk records.
// It has no dependencies on internal packages, so it can be imported by any
// layer.
package types

import (
	"math"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side uint8

const (
	BUY Side = iota
	SELL
)

// Opposite returns the other side of the market.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

func (s Side) String() string {
	if s == BUY {
		return "BUY"
	}
	return "SELL"
}

// SideFromString parses an exchange side string ("BUY"/"buy"/"SELL"/"sell").
func SideFromString(s string) Side {
	if s == "BUY" || s == "buy" {
		return BUY
	}
	return SELL
}

// ExecutionState tracks an order through its lifecycle, from creation to a
// terminal state. Transitions are owned by the order manager.
type ExecutionState uint8

const (
	PendingSubmission ExecutionState = iota // created, not yet sent
	Submitted                               // sent to the book
	Acknowledged                            // receipt confirmed
	PartiallyFilled                         // some quantity executed
	Filled                                  // fully executed (terminal)
	Cancelled                               // cancelled (terminal)
	Rejected                                // rejected (terminal)
	Expired                                 // TTL elapsed (terminal)
)

// IsTerminal reports whether no further transitions are possible.
func (s ExecutionState) IsTerminal() bool {
	switch s {
	case Filled, Cancelled, Rejected, Expired:
		return true
	}
	return false
}

func (s ExecutionState) String() string {
	switch s {
	case PendingSubmission:
		return "PENDING_SUBMISSION"
	case Submitted:
		return "SUBMITTED"
	case Acknowledged:
		return "ACKNOWLEDGED"
	case PartiallyFilled:
		return "PARTIALLY_FILLED"
	case Filled:
		return "FILLED"
	case Cancelled:
		return "CANCELLED"
	case Rejected:
		return "REJECTED"
	case Expired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// MatchResult is the outcome of submitting an order to the matching engine.
type MatchResult uint8

const (
	NoMatch MatchResult = iota
	PartialFill
	FullFill
	MatchRejected
)

func (r MatchResult) String() string {
	switch r {
	case NoMatch:
		return "NO_MATCH"
	case PartialFill:
		return "PARTIAL_FILL"
	case FullFill:
		return "FULL_FILL"
	default:
		return "REJECTED"
	}
}

// RiskCheckResult is the outcome of a pre-trade risk evaluation. Approved is
// the zero value so a specific violation is never reported by accident.
type RiskCheckResult uint8

const (
	Approved RiskCheckResult = iota
	PositionLimitExceeded
	DailyLossLimitExceeded
	DrawdownLimitExceeded
	ConcentrationRisk
	VaRLimitExceeded
	OrderRateLimitExceeded
	LatencyLimitExceeded
	CriticalBreach
)

func (r RiskCheckResult) String() string {
	switch r {
	case Approved:
		return "APPROVED"
	case PositionLimitExceeded:
		return "POSITION_LIMIT_EXCEEDED"
	case DailyLossLimitExceeded:
		return "DAILY_LOSS_LIMIT_EXCEEDED"
	case DrawdownLimitExceeded:
		return "DRAWDOWN_LIMIT_EXCEEDED"
	case ConcentrationRisk:
		return "CONCENTRATION_RISK"
	case VaRLimitExceeded:
		return "VAR_LIMIT_EXCEEDED"
	case OrderRateLimitExceeded:
		return "ORDER_RATE_LIMIT_EXCEEDED"
	case LatencyLimitExceeded:
		return "LATENCY_LIMIT_EXCEEDED"
	default:
		return "CRITICAL_BREACH"
	}
}

// ModificationType selects which fields an order modification changes.
// A price change or a quantity increase forfeits time priority; a pure
// quantity decrease keeps it.
type ModificationType uint8

const (
	PriceOnly ModificationType = iota
	QuantityOnly
	PriceAndQuantity
)

// ————————————————————————————————————————————————————————————————————————
// Orders and executions
// ————————————————————————————————————————————————————————————————————————

// Order is one of our intents to buy or sell. Instances are recycled through
// the order pool, so Reset must zero every field.
type Order struct {
	ID                uint64
	Side              Side
	Price             float64
	OriginalQuantity  float64
	RemainingQuantity float64
	QueueAhead        float64 // estimated qty resting ahead of us at our price
	Status            ExecutionState
	EntryTime         time.Time
	LastUpdateTime    time.Time
	MidPriceAtEntry   float64
}

// Reset returns an Order to its zero state for pool reuse.
func (o *Order) Reset() {
	*o = Order{}
}

// TradeExecution records one match, real or inferred from an external print.
type TradeExecution struct {
	TradeID       uint64
	AggressorID   uint64
	PassiveID     uint64
	Price         float64
	Quantity      float64
	AggressorSide Side
	Timestamp     time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is one row of aggregated depth on one side of the book.
type PriceLevel struct {
	Price    float64
	Quantity float64
}

// TopOfBook is a point-in-time snapshot of the inside market.
type TopOfBook struct {
	BidPrice    float64
	BidQuantity float64
	AskPrice    float64
	AskQuantity float64
	MidPrice    float64
	Spread      float64
	Timestamp   time.Time
}

// MarketDepth carries up to N aggregated levels per side. Bids are sorted
// descending by price, asks ascending.
type MarketDepth struct {
	Bids      []PriceLevel
	Asks      []PriceLevel
	Levels    int
	Snapshot  bool // true = replace covered levels, false = per-level deltas
	Timestamp time.Time
}

// MarketTrade is an external trade print from the venue's feed.
type MarketTrade struct {
	Price         float64
	Quantity      float64
	AggressorSide Side
	Timestamp     time.Time
}

// OrderBookStats aggregates matching-engine activity counters.
type OrderBookStats struct {
	TotalOrdersProcessed uint64
	TotalTrades          uint64
	TotalUpdates         uint64
	DroppedUpdates       uint64
	TotalVolume          float64
	LastTradeTime        time.Time
	AvgSpreadBps         float64
}

// ————————————————————————————————————————————————————————————————————————
// Position, risk, execution quality
// ————————————————————————————————————————————————————————————————————————

// PositionInfo is the net position plus P&L bookkeeping for the symbol.
type PositionInfo struct {
	NetPosition        float64
	AvgPrice           float64 // volume-weighted entry
	UnrealizedPnL      float64
	RealizedPnL        float64
	GrossExposure      float64
	DailyVolume        float64
	TradeCount         uint32
	ConcentrationRatio float64
	LastUpdate         time.Time
}

// RiskLimits bounds the order manager's pre-trade checks. Set at startup and
// hot-reloadable via the order manager.
type RiskLimits struct {
	MaxPosition           float64
	MaxDailyLoss          float64
	MaxDrawdown           float64
	PositionConcentration float64
	VaRLimit              float64
	MaxOrdersPerSecond    uint32
	MaxLatencyMs          float64
}

// DefaultRiskLimits mirrors a conservative single-symbol deployment.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxPosition:           0.5,
		MaxDailyLoss:          1000.0,
		MaxDrawdown:           0.05,
		PositionConcentration: 0.3,
		VaRLimit:              500.0,
		MaxOrdersPerSecond:    100,
		MaxLatencyMs:          50.0,
	}
}

// ExecutionStats summarizes order-manager execution quality.
type ExecutionStats struct {
	TotalOrders     uint64
	FilledOrders    uint64
	CancelledOrders uint64
	RejectedOrders  uint64
	ExpiredOrders   uint64

	FillRate       float64
	AvgSlippageBps float64

	RiskViolations  uint32
	UnknownOrderOps uint64 // operations against ids we don't know
}

// ————————————————————————————————————————————————————————————————————————
// Constants
// ————————————————————————————————————————————————————————————————————————

const (
	// TickSize is the minimum price increment for the traded product.
	TickSize = 0.01

	MakerFeeRate = 0.0000
	TakerFeeRate = 0.0005

	// DefaultOrderTTL expires resting orders that outlive their usefulness.
	DefaultOrderTTL = 120 * time.Second
)

// ValidPrice reports whether p is usable as a limit price.
func ValidPrice(p float64) bool {
	return p > 0 && !math.IsNaN(p) && !math.IsInf(p, 0)
}

// ValidQuantity reports whether q is usable as an order quantity.
func ValidQuantity(q float64) bool {
	return q > 0 && !math.IsNaN(q) && !math.IsInf(q, 0)
}
