package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound 审批记录不存在
	ErrNotFound = errors.New("approval: record not found")
	// ErrAlreadyDecided 审批记录已有结论
	ErrAlreadyDecided = errors.New("approval: record already decided")
)

// Queue holds pending approval records and lets callers block until a
// decision arrives. One waiter per record.
type Queue struct {
	mu      sync.Mutex
	records map[string]*Record
	waiters map[string]chan Decision
	now     func() time.Time
}

func NewQueue() *Queue {
	return &Queue{
		records: make(map[string]*Record),
		waiters: make(map[string]chan Decision),
		now:     time.Now,
	}
}

// Submit registers a pending record and returns it.
func (q *Queue) Submit(sessionID, ticker string, result map[string]any, rules []MatchedRule, timeout time.Duration) *Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	rec := &Record{
		ID:        fmt.Sprintf("apr_%s", uuid.NewString()[:8]),
		SessionID: sessionID,
		Ticker:    ticker,
		Result:    result,
		Rules:     rules,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
		Outcome:   OutcomePending,
	}
	q.records[rec.ID] = rec
	q.waiters[rec.ID] = make(chan Decision, 1)
	return rec
}

// Await blocks until the record receives a decision, its deadline
// passes, or ctx is cancelled. Expiry marks the record as timed out.
func (q *Queue) Await(ctx context.Context, id string) (Decision, error) {
	q.mu.Lock()
	rec, ok := q.records[id]
	if !ok {
		q.mu.Unlock()
		return Decision{}, ErrNotFound
	}
	ch := q.waiters[id]
	deadline := rec.Deadline
	q.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case d := <-ch:
		return d, nil
	case <-timer.C:
		d := Decision{Outcome: OutcomeTimeout, Via: "deadline"}
		q.finalize(id, d)
		return d, nil
	case <-ctx.Done():
		d := Decision{Outcome: OutcomeTimeout, Via: "cancelled"}
		q.finalize(id, d)
		return d, ctx.Err()
	}
}

// Decide records the approver's ruling and wakes the waiter.
func (q *Queue) Decide(id string, d Decision) error {
	q.mu.Lock()
	rec, ok := q.records[id]
	if !ok {
		q.mu.Unlock()
		return ErrNotFound
	}
	if rec.Outcome != OutcomePending {
		q.mu.Unlock()
		return ErrAlreadyDecided
	}
	ch := q.waiters[id]
	q.applyLocked(rec, d)
	q.mu.Unlock()

	select {
	case ch <- d:
	default:
	}
	return nil
}

// Lookup returns a copy of the record.
func (q *Queue) Lookup(id string) (Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Pending returns undecided records, oldest first.
func (q *Queue) Pending() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Record
	for _, rec := range q.records {
		if rec.Outcome == OutcomePending {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (q *Queue) finalize(id string, d Decision) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.records[id]
	if !ok || rec.Outcome != OutcomePending {
		return
	}
	q.applyLocked(rec, d)
}

func (q *Queue) applyLocked(rec *Record, d Decision) {
	rec.Outcome = d.Outcome
	rec.Comment = d.Comment
	rec.Modified = d.Modified
	rec.DecidedVia = d.Via
	rec.DecidedAt = q.now()
}
