package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rsellar/dcabot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// TickHandler is called for every price tick received from the feed.
type TickHandler func(domain.PriceTick)

// subscribeCommand is the wire format for subscription management.
type subscribeCommand struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

// tickFrame is the wire format of an inbound price update.
type tickFrame struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	TS     int64   `json:"ts"`
}

// WSFeed is a WebSocket client for a streaming mark-price feed. Every tick
// received for a subscribed symbol is written through to the price cache so
// the evaluation loop reads fresh marks without hitting the venue REST API.
// The connection reconnects with exponential backoff and restores its
// subscriptions after each reconnect.
type WSFeed struct {
	wsURL  string
	cache  domain.PriceCache
	logger *slog.Logger

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed bool

	// Symbols to restore on reconnect.
	symbols []string

	handlerMu sync.RWMutex
	handlers  []TickHandler

	// done is closed when the feed is shut down.
	done chan struct{}
}

// NewWSFeed creates a price feed client for the given WebSocket endpoint.
// cache may be nil when write-through is not wanted.
func NewWSFeed(wsURL string, cache domain.PriceCache, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		wsURL:  wsURL,
		cache:  cache,
		logger: logger.With(slog.String("component", "feed")),
		done:   make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and starts the read and ping
// loops. Subscriptions from a previous connection are restored.
func (f *WSFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return fmt.Errorf("feed: connect after close")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}

	f.conn = conn

	f.conn.SetReadDeadline(time.Now().Add(pongWait))
	f.conn.SetPongHandler(func(string) error {
		f.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go f.readLoop()
	go f.pingLoop()

	if len(f.symbols) > 0 {
		if err := f.sendCommand(subscribeCommand{Op: "subscribe", Symbols: f.symbols}); err != nil {
			return fmt.Errorf("feed: restore subscriptions: %w", err)
		}
	}

	return nil
}

// Subscribe starts streaming ticks for the given symbols. Symbols are tracked
// so a reconnect resubscribes automatically.
func (f *WSFeed) Subscribe(ctx context.Context, symbols ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn == nil {
		return fmt.Errorf("feed: not connected")
	}

	if err := f.sendCommand(subscribeCommand{Op: "subscribe", Symbols: symbols}); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}

	known := make(map[string]struct{}, len(f.symbols))
	for _, s := range f.symbols {
		known[s] = struct{}{}
	}
	for _, s := range symbols {
		if _, ok := known[s]; !ok {
			f.symbols = append(f.symbols, s)
		}
	}

	return nil
}

// Unsubscribe stops streaming ticks for the given symbols.
func (f *WSFeed) Unsubscribe(ctx context.Context, symbols ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn == nil {
		return fmt.Errorf("feed: not connected")
	}

	if err := f.sendCommand(subscribeCommand{Op: "unsubscribe", Symbols: symbols}); err != nil {
		return fmt.Errorf("feed: unsubscribe: %w", err)
	}

	drop := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		drop[s] = struct{}{}
	}
	kept := f.symbols[:0]
	for _, s := range f.symbols {
		if _, ok := drop[s]; !ok {
			kept = append(kept, s)
		}
	}
	f.symbols = kept

	return nil
}

// OnTick registers a handler invoked for every tick, after the cache
// write-through.
func (f *WSFeed) OnTick(handler TickHandler) {
	f.handlerMu.Lock()
	defer f.handlerMu.Unlock()
	f.handlers = append(f.handlers, handler)
}

// Close shuts down the connection and stops the read and ping loops.
func (f *WSFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}

	f.closed = true
	close(f.done)

	if f.conn != nil {
		_ = f.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return f.conn.Close()
	}

	return nil
}

// sendCommand sends a JSON command to the feed. Caller must hold f.mu.
func (f *WSFeed) sendCommand(cmd subscribeCommand) error {
	f.conn.SetWriteDeadline(time.Now().Add(writeWait))

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	return f.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads frames until the connection drops or the feed is closed.
// On disconnect it hands off to reconnect, which restarts the loop.
func (f *WSFeed) readLoop() {
	for {
		select {
		case <-f.done:
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.done:
				return
			default:
			}

			f.logger.Warn("feed disconnected", slog.String("error", err.Error()))
			f.reconnect()
			return
		}

		f.handleFrame(message)
	}
}

// pingLoop keeps the connection alive with periodic pings.
func (f *WSFeed) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
			f.mu.RLock()
			conn := f.conn
			f.mu.RUnlock()

			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame parses a tick frame, writes it through to the cache and
// dispatches registered handlers. Unparseable or empty frames are dropped.
func (f *WSFeed) handleFrame(raw []byte) {
	var frame tickFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	if frame.Symbol == "" || frame.Price <= 0 {
		return
	}

	tick := domain.PriceTick{
		Symbol: frame.Symbol,
		Price:  frame.Price,
		At:     time.UnixMilli(frame.TS).UTC(),
	}
	if frame.TS == 0 {
		tick.At = time.Now().UTC()
	}

	if f.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := f.cache.SetPrice(ctx, tick.Symbol, tick.Price, tick.At); err != nil {
			f.logger.Warn("price cache write failed",
				slog.String("symbol", tick.Symbol),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}

	f.handlerMu.RLock()
	handlers := f.handlers
	f.handlerMu.RUnlock()

	for _, h := range handlers {
		h(tick)
	}
}

// reconnect re-establishes the connection with exponential backoff. It blocks
// until successful or the feed is closed.
func (f *WSFeed) reconnect() {
	delay := reconnectDelay

	for {
		select {
		case <-f.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := f.Connect(ctx)
		cancel()

		if err == nil {
			return
		}

		f.logger.Warn("feed reconnect failed", slog.String("error", err.Error()))

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
