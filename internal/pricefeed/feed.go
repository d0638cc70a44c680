// feed.go implements the WebSocket client for the aggregated price collector.
//
// The collector pushes "ticker" events per subscribed symbol. The feed
// dispatches each sample into the in-memory View and writes it through to
// the store's market_data cache. On (re)connect it re-subscribes to every
// tracked symbol and backfills the latest sample over REST so a symbol is
// never blind between connect and its first push.
//
// Reconnects use exponential backoff (1s → 30s max). A read deadline (90s)
// ensures silent server failures are detected within ~2 missed pings.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"lop-keeper/internal/store"
	"lop-keeper/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
)

// subscribeMsg is the collector's subscription envelope.
type subscribeMsg struct {
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
	Symbols   []string `json:"symbols"`
}

// tickerEnvelope wraps a pushed sample.
type tickerEnvelope struct {
	EventType string `json:"event_type"`
	types.TickerSnapshot
}

// Feed maintains the collector WebSocket connection and keeps the View and
// the store cache current.
type Feed struct {
	wsURL  string
	rest   *resty.Client
	conn   *websocket.Conn
	connMu sync.Mutex

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	view   *View
	store  *store.Store
	logger *slog.Logger
}

// NewFeed creates a collector feed writing into view and the store cache.
func NewFeed(wsURL, restURL string, view *View, st *store.Store, logger *slog.Logger) *Feed {
	var rest *resty.Client
	if restURL != "" {
		rest = resty.New().
			SetBaseURL(restURL).
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(time.Second)
	}
	return &Feed{
		wsURL:      wsURL,
		rest:       rest,
		subscribed: make(map[string]bool),
		view:       view,
		store:      st,
		logger:     logger.With("component", "pricefeed"),
	}
}

// Prime loads the last cached sample for each symbol from the store so the
// view is populated before the stream delivers anything. Cached samples may
// be arbitrarily old; the staleness guard keeps them from triggering.
func (f *Feed) Prime(ctx context.Context, symbols []string) {
	if f.store == nil {
		return
	}
	for _, sym := range symbols {
		tick, err := f.store.CachedTicker(ctx, sym, 24*time.Hour)
		if err != nil || tick == nil {
			continue
		}
		f.view.Update(*tick)
	}
}

// Subscribe adds symbols to the stream and backfills their latest sample.
func (f *Feed) Subscribe(ctx context.Context, symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		f.subscribed[s] = true
	}
	f.subscribedMu.Unlock()

	for _, s := range symbols {
		f.backfill(ctx, s)
	}

	return f.writeJSON(subscribeMsg{Operation: "subscribe", Symbols: symbols})
}

// Unsubscribe removes symbols from the stream.
func (f *Feed) Unsubscribe(symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		delete(f.subscribed, s)
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(subscribeMsg{Operation: "unsubscribe", Symbols: symbols})
}

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled. If no WS URL is configured the feed polls
// over REST instead.
func (f *Feed) Run(ctx context.Context) error {
	if f.wsURL == "" {
		return f.pollLoop(ctx)
	}

	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("collector stream disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("collector stream connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if the server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(ctx, msg)
	}
}

func (f *Feed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.subscribedMu.RUnlock()

	if len(symbols) == 0 {
		return nil
	}
	return f.writeJSON(subscribeMsg{Operation: "subscribe", Symbols: symbols})
}

func (f *Feed) dispatchMessage(ctx context.Context, data []byte) {
	var env tickerEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.logger.Debug("ignoring non-json collector message", "data", string(data))
		return
	}

	switch env.EventType {
	case "ticker":
		f.apply(ctx, env.TickerSnapshot)
	case "heartbeat":
		// keep-alive, nothing to apply
	default:
		f.logger.Debug("unknown collector event type", "type", env.EventType)
	}
}

func (f *Feed) apply(ctx context.Context, tick types.TickerSnapshot) {
	f.view.Update(tick)
	if f.store != nil {
		if err := f.store.CacheTicker(ctx, tick); err != nil {
			f.logger.Warn("failed to cache ticker", "symbol", tick.Symbol, "error", err)
		}
	}
}

// backfill fetches the latest sample for a symbol over REST.
func (f *Feed) backfill(ctx context.Context, symbol string) {
	if f.rest == nil {
		return
	}

	var tick types.TickerSnapshot
	resp, err := f.rest.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&tick).
		Get("/ticker")
	if err != nil {
		f.logger.Warn("ticker backfill failed", "symbol", symbol, "error", err)
		return
	}
	if resp.StatusCode() != http.StatusOK {
		f.logger.Warn("ticker backfill rejected", "symbol", symbol, "status", resp.StatusCode())
		return
	}
	if tick.Symbol == "" {
		tick.Symbol = symbol
	}
	f.apply(ctx, tick)
}

// pollLoop is the REST-only fallback when no stream URL is configured.
func (f *Feed) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.subscribedMu.RLock()
			symbols := make([]string, 0, len(f.subscribed))
			for s := range f.subscribed {
				symbols = append(symbols, s)
			}
			f.subscribedMu.RUnlock()

			for _, s := range symbols {
				f.backfill(ctx, s)
			}
		}
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return nil // not connected yet; initial subscription covers it
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
