// Package event defines the immutable audit record emitted by middleware
// and the best-effort sinks that persist it.
package event

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the middleware layer. The set is open: middleware
// may emit domain-specific names alongside the lifecycle ones.
const (
	TypeBeforeCall    = "before_call"
	TypeAfterCall     = "after_call"
	TypeOnError       = "on_error"
	TypeOnDecision    = "on_decision"
	TypeRiskDetected  = "risk_detected"
	TypeApproval      = "approval_request"
	TypeBlocksExtract = "content_blocks_extracted"
)

// Approval statuses carried on events that gate a decision.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// Event is an immutable audit record of one middleware-observable
// occurrence. Create it with New and never mutate it afterwards.
type Event struct {
	EventID        string    `json:"event_id"`
	Timestamp      time.Time `json:"timestamp"`
	MiddlewareName string    `json:"middleware_name"`
	EventType      string    `json:"event_type"`

	AgentName string `json:"agent_name,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Ticker    string `json:"ticker,omitempty"`

	InputData  map[string]any `json:"input_data,omitempty"`
	OutputData map[string]any `json:"output_data,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	RequiresApproval bool   `json:"requires_approval"`
	ApprovalStatus   string `json:"approval_status,omitempty"`
	ApprovalReason   string `json:"approval_reason,omitempty"`
}

// Option populates optional event fields at creation time.
type Option func(*Event)

// WithAgent sets the emitting agent name.
func WithAgent(name string) Option { return func(e *Event) { e.AgentName = name } }

// WithSession sets the session id.
func WithSession(id string) Option { return func(e *Event) { e.SessionID = id } }

// WithTicker sets the ticker under analysis.
func WithTicker(ticker string) Option { return func(e *Event) { e.Ticker = ticker } }

// WithInput attaches the input payload.
func WithInput(data map[string]any) Option { return func(e *Event) { e.InputData = data } }

// WithOutput attaches the output payload.
func WithOutput(data map[string]any) Option { return func(e *Event) { e.OutputData = data } }

// WithMetadata attaches free-form metadata.
func WithMetadata(md map[string]any) Option { return func(e *Event) { e.Metadata = md } }

// WithApproval marks the event as approval-gated.
func WithApproval(status, reason string) Option {
	return func(e *Event) {
		e.RequiresApproval = true
		e.ApprovalStatus = status
		e.ApprovalReason = reason
	}
}

// New creates a fully populated event. The id combines a second-resolution
// timestamp with a random suffix so concurrent emitters never collide.
func New(middlewareName, eventType string, opts ...Option) Event {
	now := time.Now()
	evt := Event{
		EventID:        newEventID(now),
		Timestamp:      now,
		MiddlewareName: middlewareName,
		EventType:      eventType,
	}
	for _, opt := range opts {
		opt(&evt)
	}
	return evt
}

func newEventID(now time.Time) string {
	id := uuid.New()
	return fmt.Sprintf("evt_%s_%s", now.Format("20060102_150405"), hex.EncodeToString(id[:])[:8])
}

// Persist hands the event to sink, fire-and-forget. A nil sink is a valid
// configuration; sink failures are logged and swallowed. Persist never
// returns an error and never panics past this boundary.
func Persist(evt Event, sink Sink) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event sink panicked", "event_id", evt.EventID, "panic", r)
		}
	}()
	if sink == nil {
		slog.Debug("event dropped, no sink configured", "event_id", evt.EventID, "event_type", evt.EventType)
		return
	}
	if err := sink.Append(evt); err != nil {
		slog.Error("event sink append failed", "event_id", evt.EventID, "error", err)
	}
}
