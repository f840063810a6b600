package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// LogChannel writes alerts to the structured logger. Always available.
type LogChannel struct {
	logger *slog.Logger
}

func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(_ context.Context, a Alert) error {
	level := slog.LevelInfo
	switch a.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}
	c.logger.Log(context.Background(), level, a.Title,
		"message", a.Message,
		"session_id", a.SessionID,
		"ticker", a.Ticker,
		"recommendation", a.Recommendation,
		"confidence", a.Confidence,
	)
	return nil
}

// StubChannel stands in for delivery channels that are configured by
// name but have no real transport yet (email, sms). It logs what it
// would have sent.
type StubChannel struct {
	name   string
	logger *slog.Logger
}

func NewStubChannel(name string, logger *slog.Logger) *StubChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubChannel{name: name, logger: logger}
}

func (c *StubChannel) Name() string { return c.name }

func (c *StubChannel) Send(ctx context.Context, a Alert) error {
	c.logger.InfoContext(ctx, "告警通道未接入实际发送，仅记录",
		"channel", c.name,
		"title", a.Title,
		"ticker", a.Ticker,
	)
	return nil
}

// WebhookChannel POSTs alerts as JSON to a configured endpoint.
type WebhookChannel struct {
	name    string
	url     string
	client  *http.Client
	timeout time.Duration
}

func NewWebhookChannel(name, url string) *WebhookChannel {
	return &WebhookChannel{
		name:    name,
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		timeout: 10 * time.Second,
	}
}

func (c *WebhookChannel) Name() string { return c.name }

func (c *WebhookChannel) Send(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("alert: marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("alert: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("alert: send webhook %s: %w", c.name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert: webhook %s returned %s", c.name, resp.Status)
	}
	return nil
}
