// Package alert 定义风险告警的发送通道与分发器。
package alert

import (
	"context"
	"time"
)

// Severity 告警级别
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert 一条风险告警
type Alert struct {
	Severity       Severity       `json:"severity"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	SessionID      string         `json:"session_id,omitempty"`
	Ticker         string         `json:"ticker,omitempty"`
	Recommendation string         `json:"recommendation,omitempty"`
	Confidence     float64        `json:"confidence,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Details        map[string]any `json:"details,omitempty"`
}

// Channel 告警发送通道
type Channel interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}
