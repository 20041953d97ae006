// Package feed implements the exchange market-data boundary: a WebSocket
// level-2 + trade feed with Ed25519 JWT authentication, automatic
// reconnection, and a REST bootstrap for the initial book snapshot.
//
// Parsed events are delivered through a bounded queue drained by the
// engine's processor goroutine; the feed never blocks on a slow consumer —
// overflow drops the event and counts it.
package feed

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"coinbase-hft/pkg/types"
)

// Channel names understood by the venue.
const (
	ChannelLevel2       = "level2"
	ChannelMarketTrades = "market_trades"
	ChannelTicker       = "ticker"
	ChannelHeartbeats   = "heartbeats"
	ChannelUser         = "user"
)

var errMalformed = errors.New("malformed message")

// wsMessage is the superset envelope of every inbound frame. Individual
// message types use a subset of the fields.
type wsMessage struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Sequence  int64  `json:"sequence"`
	Time      string `json:"time"`

	// snapshot / l2update: [side, price, size] triples.
	Changes [][]string `json:"changes"`

	// match
	TradeID int64  `json:"trade_id"`
	Side    string `json:"side"`
	Size    string `json:"size"`
	Price   string `json:"price"`

	// ticker
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`

	// subscriptions ack
	Channels json.RawMessage `json:"channels"`

	// error
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// subscribeMsg is the outbound subscription request. JWT is attached for
// authenticated channels.
type subscribeMsg struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
	JWT        string   `json:"jwt,omitempty"`
}

// Event is one parsed feed record handed to the processor. Exactly one of
// the pointers is set.
type Event struct {
	Depth  *types.MarketDepth
	Trade  *types.MarketTrade
	Ticker *Ticker
}

// Ticker is the venue's lightweight top-of-book summary.
type Ticker struct {
	ProductID string
	Price     float64
	BestBid   float64
	BestAsk   float64
	Timestamp time.Time
}

// parseDepth converts snapshot/l2update triples into a MarketDepth. Rows
// that fail exact decimal parsing are skipped and counted by the caller via
// the returned dropped count; a result with no rows is returned as is and
// the feed enqueues nothing for it.
func parseDepth(msg *wsMessage, snapshot bool) (*types.MarketDepth, int) {
	depth := &types.MarketDepth{
		Snapshot:  snapshot,
		Timestamp: parseTime(msg.Time),
	}

	dropped := 0
	for _, change := range msg.Changes {
		if len(change) != 3 {
			dropped++
			continue
		}
		price, err1 := decimal.NewFromString(change[1])
		size, err2 := decimal.NewFromString(change[2])
		if err1 != nil || err2 != nil || price.Sign() <= 0 || size.Sign() < 0 {
			dropped++
			continue
		}

		row := types.PriceLevel{Price: price.InexactFloat64(), Quantity: size.InexactFloat64()}
		switch change[0] {
		case "buy", "bid":
			depth.Bids = append(depth.Bids, row)
		case "sell", "ask", "offer":
			depth.Asks = append(depth.Asks, row)
		default:
			dropped++
		}
	}
	return depth, dropped
}

// parseTrade converts a match message. The printed side is the maker's side
// per exchange convention, so the aggressor is the opposite.
func parseTrade(msg *wsMessage) (*types.MarketTrade, error) {
	price, err1 := decimal.NewFromString(msg.Price)
	size, err2 := decimal.NewFromString(msg.Size)
	if err1 != nil || err2 != nil || price.Sign() <= 0 || size.Sign() <= 0 {
		return nil, errMalformed
	}

	makerSide := types.SideFromString(msg.Side)
	return &types.MarketTrade{
		Price:         price.InexactFloat64(),
		Quantity:      size.InexactFloat64(),
		AggressorSide: makerSide.Opposite(),
		Timestamp:     parseTime(msg.Time),
	}, nil
}

func parseTicker(msg *wsMessage) (*Ticker, error) {
	t := &Ticker{ProductID: msg.ProductID, Timestamp: parseTime(msg.Time)}

	if msg.Price != "" {
		p, err := decimal.NewFromString(msg.Price)
		if err != nil {
			return nil, errMalformed
		}
		t.Price = p.InexactFloat64()
	}
	if msg.BestBid != "" {
		if b, err := decimal.NewFromString(msg.BestBid); err == nil {
			t.BestBid = b.InexactFloat64()
		}
	}
	if msg.BestAsk != "" {
		if a, err := decimal.NewFromString(msg.BestAsk); err == nil {
			t.BestAsk = a.InexactFloat64()
		}
	}
	return t, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Now()
	}
	return ts
}
