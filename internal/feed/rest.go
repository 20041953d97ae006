// rest.go bootstraps the session over REST: product metadata for sanity
// checks and an initial level-2 snapshot so the book is populated before the
// first WebSocket delta arrives.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"coinbase-hft/pkg/types"
)

// ProductInfo is the venue's static metadata for one product.
type ProductInfo struct {
	ID              string `json:"id"`
	BaseCurrency    string `json:"base_currency"`
	QuoteCurrency   string `json:"quote_currency"`
	QuoteIncrement  string `json:"quote_increment"`
	BaseIncrement   string `json:"base_increment"`
	Status          string `json:"status"`
	TradingDisabled bool   `json:"trading_disabled"`
}

// restBook is the REST level-2 book payload: [price, size, num_orders].
type restBook struct {
	Sequence int64   `json:"sequence"`
	Bids     [][]any `json:"bids"`
	Asks     [][]any `json:"asks"`
}

// RESTClient fetches bootstrap data from the venue's public REST API.
type RESTClient struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewRESTClient creates a client with retry against transient failures.
func NewRESTClient(baseURL string, logger *slog.Logger) *RESTClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	return &RESTClient{
		http:   client,
		logger: logger.With("component", "rest"),
	}
}

// Product fetches metadata for one product.
func (c *RESTClient) Product(ctx context.Context, productID string) (*ProductInfo, error) {
	var info ProductInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&info).
		Get("/products/" + productID)
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get product: status %d", resp.StatusCode())
	}
	if info.ID == "" {
		return nil, fmt.Errorf("unknown product %q", productID)
	}
	return &info, nil
}

// BookSnapshot fetches the aggregated level-2 book and converts it into a
// snapshot depth update. Malformed rows are skipped.
func (c *RESTClient) BookSnapshot(ctx context.Context, productID string) (*types.MarketDepth, error) {
	var book restBook
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&book).
		SetQueryParam("level", "2").
		Get("/products/" + productID + "/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get book: status %d", resp.StatusCode())
	}

	depth := &types.MarketDepth{Snapshot: true, Timestamp: time.Now()}
	depth.Bids = parseRESTLevels(book.Bids)
	depth.Asks = parseRESTLevels(book.Asks)

	if len(depth.Bids) == 0 && len(depth.Asks) == 0 {
		return nil, fmt.Errorf("empty book for %q", productID)
	}
	c.logger.Info("book snapshot loaded",
		"bids", len(depth.Bids),
		"asks", len(depth.Asks),
		"sequence", book.Sequence,
	)
	return depth, nil
}

// parseRESTLevels converts [price, size, ...] rows, tolerating string or
// numeric encodings.
func parseRESTLevels(rows [][]any) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		price, ok1 := restNumber(row[0])
		size, ok2 := restNumber(row[1])
		if !ok1 || !ok2 || price <= 0 || size <= 0 {
			continue
		}
		out = append(out, types.PriceLevel{Price: price, Quantity: size})
	}
	return out
}

func restNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return 0, false
		}
		return d.InexactFloat64(), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
