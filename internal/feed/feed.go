package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"coinbase-hft/pkg/types"
)

// ConnectionState tracks the feed's lifecycle.
type ConnectionState uint8

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Subscribed
	StateError
	Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Subscribed:
		return "SUBSCRIBED"
	case StateError:
		return "ERROR"
	default:
		return "RECONNECTING"
	}
}

// Stats counts feed activity. Read via Stats().
type Stats struct {
	MessagesReceived     uint64
	MessagesProcessed    uint64
	MessagesDropped      uint64
	ReconnectCount       uint64
	TradesProcessed      uint64
	BookUpdatesProcessed uint64
	LastMessageTime      time.Time
	ConnectionStart      time.Time
}

// Config tunes the feed connection.
type Config struct {
	URL       string
	ProductID string

	SubscribeLevel2    bool
	SubscribeTrades    bool
	SubscribeTicker    bool
	SubscribeHeartbeat bool
	SubscribeUser      bool

	QueueSize        int
	ReconnectDelay   time.Duration
	HeartbeatTimeout time.Duration
}

const (
	defaultQueueSize = 10000
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

// StateCallback observes connection-state transitions.
type StateCallback func(state ConnectionState, detail string)

// Feed maintains the market-data WebSocket: subscription, watchdog read
// deadlines, reconnection with bounded exponential backoff, and message
// parsing into the bounded event queue.
type Feed struct {
	cfg  Config
	auth *Auth // nil for public-only subscriptions

	conn   *websocket.Conn
	connMu sync.Mutex

	state   atomic.Uint32
	onState StateCallback

	events chan Event

	statsMu sync.Mutex
	stats   Stats

	logger *slog.Logger
}

// New creates a feed. auth may be nil when the user channel is disabled.
func New(cfg Config, auth *Auth, logger *slog.Logger) *Feed {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	return &Feed{
		cfg:    cfg,
		auth:   auth,
		events: make(chan Event, cfg.QueueSize),
		logger: logger.With("component", "feed", "product", cfg.ProductID),
	}
}

// Events returns the bounded queue of parsed records.
func (f *Feed) Events() <-chan Event { return f.events }

// SetStateCallback registers the connection-state listener.
func (f *Feed) SetStateCallback(cb StateCallback) { f.onState = cb }

// State returns the current connection state.
func (f *Feed) State() ConnectionState { return ConnectionState(f.state.Load()) }

// Stats returns a copy of the feed counters.
func (f *Feed) Stats() Stats {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()
	return f.stats
}

// Run connects and maintains the WebSocket until ctx is cancelled,
// reconnecting with exponential backoff capped at 30 s.
func (f *Feed) Run(ctx context.Context) error {
	backoff := f.cfg.ReconnectDelay

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			f.setState(Disconnected, "stopped")
			return ctx.Err()
		}

		f.setState(Reconnecting, err.Error())
		f.logger.Warn("feed disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)
		f.statsMu.Lock()
		f.stats.ReconnectCount++
		f.statsMu.Unlock()

		select {
		case <-ctx.Done():
			f.setState(Disconnected, "stopped")
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close tears down the current connection; Run's read loop observes the
// closure and exits.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	f.setState(Connecting, f.cfg.URL)

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		f.setState(StateError, err.Error())
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	f.statsMu.Lock()
	f.stats.ConnectionStart = time.Now()
	f.statsMu.Unlock()
	f.setState(Connected, "")

	if err := f.sendSubscriptions(); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe: %w", err)
	}
	f.setState(Subscribed, "")

	// Authenticated subscriptions carry short-lived JWTs; re-issue before
	// expiry so the server keeps the user channel open.
	refreshCtx, cancelRefresh := context.WithCancel(ctx)
	defer cancelRefresh()
	if f.auth != nil && f.cfg.SubscribeUser {
		go f.tokenRefreshLoop(refreshCtx)
	}

	go func() {
		<-refreshCtx.Done()
		conn.Close()
	}()

	for {
		// Watchdog: a silent connection trips the deadline and triggers
		// reconnection.
		_ = conn.SetReadDeadline(time.Now().Add(f.cfg.HeartbeatTimeout))

		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(data)
	}
}

// sendSubscriptions issues one subscribe frame covering every requested
// public channel, plus a separate frame for the user channel.
func (f *Feed) sendSubscriptions() error {
	channels := make([]string, 0, 5)
	if f.cfg.SubscribeHeartbeat {
		channels = append(channels, ChannelHeartbeats)
	}
	if f.cfg.SubscribeLevel2 {
		channels = append(channels, ChannelLevel2)
	}
	if f.cfg.SubscribeTrades {
		channels = append(channels, ChannelMarketTrades)
	}
	if f.cfg.SubscribeTicker {
		channels = append(channels, ChannelTicker)
	}

	if len(channels) > 0 {
		msg := subscribeMsg{
			Type:       "subscribe",
			ProductIDs: []string{f.cfg.ProductID},
			Channels:   channels,
		}
		if f.auth != nil {
			token, err := f.auth.Token()
			if err != nil {
				return err
			}
			msg.JWT = token
		}
		if err := f.writeJSON(msg); err != nil {
			return err
		}
	}

	if f.cfg.SubscribeUser {
		if f.auth == nil {
			return fmt.Errorf("user channel requires credentials")
		}
		token, err := f.auth.Token()
		if err != nil {
			return err
		}
		return f.writeJSON(subscribeMsg{
			Type:       "subscribe",
			ProductIDs: []string{f.cfg.ProductID},
			Channels:   []string{ChannelUser},
			JWT:        token,
		})
	}
	return nil
}

// tokenRefreshLoop re-subscribes the user channel with a fresh JWT before
// the previous token expires.
func (f *Feed) tokenRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(TokenRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			token, err := f.auth.Token()
			if err != nil {
				f.logger.Error("jwt refresh failed", "error", err)
				continue
			}
			err = f.writeJSON(subscribeMsg{
				Type:       "subscribe",
				ProductIDs: []string{f.cfg.ProductID},
				Channels:   []string{ChannelUser},
				JWT:        token,
			})
			if err != nil {
				f.logger.Warn("jwt refresh write failed", "error", err)
				return
			}
		}
	}
}

// dispatch parses one frame and routes it to the event queue. Malformed or
// unexpected messages are dropped with a counter and a WARN log; the
// connection is preserved.
func (f *Feed) dispatch(data []byte) {
	f.statsMu.Lock()
	f.stats.MessagesReceived++
	f.stats.LastMessageTime = time.Now()
	f.statsMu.Unlock()

	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.countDropped()
		f.logger.Warn("malformed frame", "error", err)
		return
	}

	switch msg.Type {
	case "snapshot":
		depth, dropped := parseDepth(&msg, true)
		f.addDropped(dropped)
		f.produceDepth(depth)

	case "l2update":
		depth, dropped := parseDepth(&msg, false)
		f.addDropped(dropped)
		f.produceDepth(depth)

	case "match", "last_match":
		trade, err := parseTrade(&msg)
		if err != nil {
			f.countDropped()
			f.logger.Warn("malformed match", "product", msg.ProductID)
			return
		}
		f.produce(Event{Trade: trade})
		f.statsMu.Lock()
		f.stats.TradesProcessed++
		f.statsMu.Unlock()

	case "ticker":
		ticker, err := parseTicker(&msg)
		if err != nil {
			f.countDropped()
			return
		}
		f.produce(Event{Ticker: ticker})

	case "heartbeat", "subscriptions":
		f.statsMu.Lock()
		f.stats.MessagesProcessed++
		f.statsMu.Unlock()

	case "error":
		f.countDropped()
		f.logger.Warn("feed error message", "message", msg.Message, "reason", msg.Reason)

	default:
		f.countDropped()
		f.logger.Warn("unexpected message type", "type", msg.Type)
	}
}

func (f *Feed) produceDepth(depth *types.MarketDepth) {
	if len(depth.Bids) == 0 && len(depth.Asks) == 0 {
		return
	}
	f.produce(Event{Depth: depth})
	f.statsMu.Lock()
	f.stats.BookUpdatesProcessed++
	f.statsMu.Unlock()
}

// produce enqueues without blocking; a full queue drops the event.
func (f *Feed) produce(ev Event) {
	select {
	case f.events <- ev:
		f.statsMu.Lock()
		f.stats.MessagesProcessed++
		f.statsMu.Unlock()
	default:
		f.countDropped()
	}
}

func (f *Feed) countDropped() {
	f.statsMu.Lock()
	f.stats.MessagesDropped++
	f.statsMu.Unlock()
}

func (f *Feed) addDropped(n int) {
	if n == 0 {
		return
	}
	f.statsMu.Lock()
	f.stats.MessagesDropped += uint64(n)
	f.statsMu.Unlock()
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("not connected")
	}
	_ = f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) setState(s ConnectionState, detail string) {
	f.state.Store(uint32(s))
	if f.onState != nil {
		f.onState(s, detail)
	}
}
