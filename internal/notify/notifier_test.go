package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type fakeSender struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (f *fakeSender) Send(ctx context.Context, title, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("boom")
	}
	return nil
}

func (f *fakeSender) Name() string { return "fake" }

func newTestNotifier(senders []Sender, events []Event) *Notifier {
	n := NewNotifier(senders, events, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n.backoff = []time.Duration{time.Millisecond}
	return n
}

func TestNotify_EventFilter(t *testing.T) {
	s := &fakeSender{}
	n := newTestNotifier([]Sender{s}, []Event{EventStopLoss})

	n.Notify(context.Background(), EventDCAFill, "fill", "ignored")
	if s.calls != 0 {
		t.Fatalf("filtered event still delivered")
	}

	n.Notify(context.Background(), EventStopLoss, "stop", "delivered")
	if s.calls != 1 {
		t.Fatalf("allowed event not delivered: %d calls", s.calls)
	}
}

func TestNotify_RetriesThenSucceeds(t *testing.T) {
	s := &fakeSender{failures: 2}
	n := newTestNotifier([]Sender{s}, nil)

	n.Notify(context.Background(), EventTakeProfit, "tp", "msg")
	if s.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", s.calls)
	}
}

func TestNotify_ExhaustionDoesNotPropagate(t *testing.T) {
	s := &fakeSender{failures: 100}
	ok := &fakeSender{}
	n := newTestNotifier([]Sender{s, ok}, nil)

	// Must not panic or abort; the healthy sender still gets the message.
	n.Notify(context.Background(), EventPositionOpened, "open", "msg")
	if ok.calls == 0 {
		t.Fatalf("healthy sender skipped after another sender failed")
	}
}

func TestWebhookSender_PostsJSON(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type: %s", ct)
		}
		body, _ := io.ReadAll(r.Body)
		got = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhookSender(srv.URL)
	if err := w.Send(context.Background(), "title", "message"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got == "" {
		t.Fatalf("no payload received")
	}
}

func TestWebhookSender_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewWebhookSender(srv.URL)
	if err := w.Send(context.Background(), "title", "message"); err == nil {
		t.Fatalf("expected error on 502")
	}
}
