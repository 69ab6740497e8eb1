package feed

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rsellar/dcabot/internal/domain"
)

type recordingCache struct {
	mu     sync.Mutex
	prices map[string]float64
}

func newRecordingCache() *recordingCache {
	return &recordingCache{prices: make(map[string]float64)}
}

func (c *recordingCache) SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[symbol] = price
	return nil
}

func (c *recordingCache) GetPrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[symbol]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, time.Now().UTC(), nil
}

func (c *recordingCache) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		if p, ok := c.prices[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

// tickServer upgrades the connection, waits for a subscribe command, then
// replays the given frames.
func tickServer(t *testing.T, frames []tickFrame, gotSubscribe chan<- subscribeCommand) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd subscribeCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			t.Errorf("decode subscribe: %v", err)
			return
		}
		gotSubscribe <- cmd

		for _, frame := range frames {
			data, _ := json.Marshal(frame)
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}

		// Keep the connection open until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSFeed_WritesTicksThroughToCache(t *testing.T) {
	subs := make(chan subscribeCommand, 1)
	srv := tickServer(t, []tickFrame{
		{Symbol: "BTCUSDT", Price: 50_000, TS: time.Now().UnixMilli()},
		{Symbol: "ETHUSDT", Price: 3_000, TS: time.Now().UnixMilli()},
	}, subs)
	defer srv.Close()

	cache := newRecordingCache()
	feed := NewWSFeed(wsURL(srv), cache, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ticks := make(chan domain.PriceTick, 4)
	feed.OnTick(func(tick domain.PriceTick) { ticks <- tick })

	if err := feed.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer feed.Close()

	if err := feed.Subscribe(context.Background(), "BTCUSDT", "ETHUSDT"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case cmd := <-subs:
		if cmd.Op != "subscribe" || len(cmd.Symbols) != 2 {
			t.Fatalf("unexpected subscribe command: %+v", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received subscribe command")
	}

	for i := 0; i < 2; i++ {
		select {
		case <-ticks:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for tick %d", i)
		}
	}

	price, _, err := cache.GetPrice(context.Background(), "BTCUSDT")
	if err != nil || price != 50_000 {
		t.Fatalf("BTCUSDT cache = %v, %v; want 50000", price, err)
	}
	price, _, err = cache.GetPrice(context.Background(), "ETHUSDT")
	if err != nil || price != 3_000 {
		t.Fatalf("ETHUSDT cache = %v, %v; want 3000", price, err)
	}
}

func TestWSFeed_DropsMalformedFrames(t *testing.T) {
	cache := newRecordingCache()
	feed := NewWSFeed("ws://unused", cache, slog.New(slog.NewTextHandler(io.Discard, nil)))

	called := false
	feed.OnTick(func(domain.PriceTick) { called = true })

	feed.handleFrame([]byte("not json"))
	feed.handleFrame([]byte(`{"symbol":"","price":100}`))
	feed.handleFrame([]byte(`{"symbol":"BTCUSDT","price":0}`))

	if called {
		t.Fatal("handler invoked for malformed frames")
	}
	if len(cache.prices) != 0 {
		t.Fatalf("cache written for malformed frames: %v", cache.prices)
	}
}

func TestWSFeed_SubscriptionTracking(t *testing.T) {
	subs := make(chan subscribeCommand, 4)
	srv := tickServer(t, nil, subs)
	defer srv.Close()

	feed := NewWSFeed(wsURL(srv), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := feed.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer feed.Close()

	if err := feed.Subscribe(context.Background(), "BTCUSDT", "ETHUSDT"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := feed.Subscribe(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("Subscribe duplicate: %v", err)
	}
	if err := feed.Unsubscribe(context.Background(), "ETHUSDT"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	feed.mu.RLock()
	got := append([]string(nil), feed.symbols...)
	feed.mu.RUnlock()

	if len(got) != 1 || got[0] != "BTCUSDT" {
		t.Fatalf("tracked symbols = %v, want [BTCUSDT]", got)
	}
}
