package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type countingChannel struct {
	name string
	mu   sync.Mutex
	sent []Alert
	err  error
}

func (c *countingChannel) Name() string { return c.name }

func (c *countingChannel) Send(_ context.Context, a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, a)
	return c.err
}

func (c *countingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type panickyChannel struct{}

func (panickyChannel) Name() string                      { return "panicky" }
func (panickyChannel) Send(context.Context, Alert) error { panic("channel bug") }

func TestDispatchSkipsUnknownChannels(t *testing.T) {
	d := NewDispatcher(nil)
	known := &countingChannel{name: "known"}
	d.Register(known)

	d.Dispatch(context.Background(), []string{"missing", "known"}, Alert{Title: "t"})
	if known.count() != 1 {
		t.Fatalf("known channel received %d alerts, want 1", known.count())
	}
}

func TestDispatchSurvivesFailingChannel(t *testing.T) {
	d := NewDispatcher(nil)
	broken := &countingChannel{name: "broken", err: errors.New("down")}
	healthy := &countingChannel{name: "healthy"}
	d.Register(broken)
	d.Register(panickyChannel{})
	d.Register(healthy)

	d.Dispatch(context.Background(), []string{"broken", "panicky", "healthy"}, Alert{Title: "t"})
	if healthy.count() != 1 {
		t.Fatal("failure in one channel blocked the next")
	}
}

func TestLogChannelAlwaysRegistered(t *testing.T) {
	d := NewDispatcher(nil)
	// log 通道内置，分发不应报错或 panic
	d.Dispatch(context.Background(), []string{"log"}, Alert{
		Severity: SeverityCritical,
		Title:    "高风险告警",
		Message:  "测试",
	})
}

func TestWebhookChannelPostsJSON(t *testing.T) {
	received := make(chan Alert, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("bad request: %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		var a Alert
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			t.Errorf("decode: %v", err)
		}
		received <- a
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ch := NewWebhookChannel("ops", srv.URL)
	alert := Alert{
		Severity:       SeverityCritical,
		Title:          "高风险投资建议告警",
		Ticker:         "AAPL",
		Recommendation: "strong_buy",
		Confidence:     0.95,
		Timestamp:      time.Now(),
	}
	if err := ch.Send(context.Background(), alert); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := <-received
	if got.Ticker != "AAPL" || got.Recommendation != "strong_buy" {
		t.Fatalf("received = %+v", got)
	}
}

func TestWebhookChannelRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := NewWebhookChannel("ops", srv.URL)
	if err := ch.Send(context.Background(), Alert{Title: "t"}); err == nil {
		t.Fatal("5xx response must return an error")
	}
}
