package approval

import (
	"context"
	"errors"
	"testing"
	"time"
)

func submitOne(q *Queue, timeout time.Duration) *Record {
	return q.Submit("sess-1", "AAPL",
		map[string]any{"recommendation": "强烈买入", "confidence": 0.95},
		[]MatchedRule{{Name: "strong_recommendation", Reason: "强烈建议需确认"}},
		timeout)
}

func TestQueueDecideWakesAwaiter(t *testing.T) {
	q := NewQueue()
	rec := submitOne(q, time.Second)

	done := make(chan Decision, 1)
	go func() {
		d, err := q.Await(context.Background(), rec.ID)
		if err != nil {
			t.Errorf("Await: %v", err)
		}
		done <- d
	}()

	time.Sleep(10 * time.Millisecond)
	if err := q.Decide(rec.ID, Decision{Outcome: OutcomeApproved, Comment: "同意", Via: "web"}); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	select {
	case d := <-done:
		if d.Outcome != OutcomeApproved || d.Comment != "同意" {
			t.Fatalf("decision = %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("awaiter never woke")
	}

	stored, ok := q.Lookup(rec.ID)
	if !ok || stored.Outcome != OutcomeApproved || stored.DecidedAt.IsZero() {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestQueueDeadlineTimesOut(t *testing.T) {
	q := NewQueue()
	rec := submitOne(q, 20*time.Millisecond)

	d, err := q.Await(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if d.Outcome != OutcomeTimeout {
		t.Fatalf("outcome = %v, want timeout", d.Outcome)
	}
	stored, _ := q.Lookup(rec.ID)
	if stored.Outcome != OutcomeTimeout {
		t.Fatalf("record outcome = %v", stored.Outcome)
	}
	// 超时后再裁定应报已有结论
	if err := q.Decide(rec.ID, Decision{Outcome: OutcomeApproved}); !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("Decide after timeout: %v", err)
	}
}

func TestQueueDoubleDecide(t *testing.T) {
	q := NewQueue()
	rec := submitOne(q, time.Second)
	if err := q.Decide(rec.ID, Decision{Outcome: OutcomeRejected}); err != nil {
		t.Fatalf("first Decide: %v", err)
	}
	if err := q.Decide(rec.ID, Decision{Outcome: OutcomeApproved}); !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("second Decide: %v", err)
	}
}

func TestQueueUnknownRecord(t *testing.T) {
	q := NewQueue()
	if err := q.Decide("nope", Decision{Outcome: OutcomeApproved}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Decide: %v", err)
	}
	if _, err := q.Await(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Await: %v", err)
	}
}

func TestQueuePendingOrdering(t *testing.T) {
	q := NewQueue()
	base := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	i := 0
	q.now = func() time.Time {
		i++
		return base.Add(time.Duration(i) * time.Second)
	}

	first := submitOne(q, time.Minute)
	second := submitOne(q, time.Minute)
	third := submitOne(q, time.Minute)
	if err := q.Decide(second.ID, Decision{Outcome: OutcomeApproved}); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	pending := q.Pending()
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].ID != first.ID || pending[1].ID != third.ID {
		t.Fatalf("order = %s, %s", pending[0].ID, pending[1].ID)
	}
}

func TestMemorySessionScoped(t *testing.T) {
	m := NewMemory()
	m.Remember("sess-1", "AAPL", "强烈买入")

	if !m.Granted("sess-1", "AAPL", "强烈买入") {
		t.Fatal("remembered approval not found")
	}
	if !m.Granted("sess-1", "AAPL", " 强烈买入 ") {
		t.Fatal("whitespace must not defeat the memory")
	}
	if m.Granted("sess-2", "AAPL", "强烈买入") {
		t.Fatal("approval leaked across sessions")
	}
	if m.Granted("sess-1", "MSFT", "强烈买入") {
		t.Fatal("approval leaked across tickers")
	}

	m.Forget("sess-1")
	if m.Granted("sess-1", "AAPL", "强烈买入") {
		t.Fatal("Forget did not clear the session")
	}
}
