package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNilManagerIsSafe(t *testing.T) {
	var m *Manager
	ctx := context.Background()

	ctx2, span := m.StartSpan(ctx, "middleware.risk_control", WithSession("s"), WithTicker("AAPL"))
	if ctx2 == nil {
		t.Fatal("nil manager must return the original context")
	}
	EndSpan(span, errors.New("boom"))

	m.RecordInvocation(ctx, "risk_control", 10*time.Millisecond, nil)
	m.RecordHighRisk(ctx, "AAPL", true)
	m.RecordApproval(ctx, "approved")
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestManagerLifecycle(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(ctx, Config{
		ServiceName: "tradingagents-test",
		Environment: "test",
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	spanCtx, span := m.StartSpan(ctx, "middleware.human_approval", WithSession("sess-1"))
	if span == nil {
		t.Fatal("expected a span from a live manager")
	}
	m.RecordInvocation(spanCtx, "human_approval", 5*time.Millisecond, errors.New("fail"))
	m.RecordHighRisk(spanCtx, "600519", false)
	m.RecordApproval(spanCtx, "rejected")
	EndSpan(span, nil)

	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
