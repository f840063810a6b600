package middleware

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// recorder 记录钩子执行顺序，便于验证洋葱模型。
type recorder struct {
	*Core
	log *[]string
}

func newRecorder(name string, log *[]string) *recorder {
	return &recorder{Core: NewCore(name, nil), log: log}
}

func (r *recorder) Before(_ context.Context, st State) (State, error) {
	*r.log = append(*r.log, r.Name()+".before")
	return st, nil
}

func (r *recorder) After(_ context.Context, _, output State) (State, error) {
	*r.log = append(*r.log, r.Name()+".after")
	return output, nil
}

type failing struct {
	*Core
	beforeErr error
	panicMsg  string
}

func (f *failing) Before(_ context.Context, st State) (State, error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return st, f.beforeErr
}

func passthroughAgent(_ context.Context, st State) (State, error) {
	return st, nil
}

func TestChainOnionOrder(t *testing.T) {
	var log []string
	chain := NewChain().
		Add(newRecorder("outer", &log)).
		Add(newRecorder("inner", &log))

	handler := chain.Apply(func(_ context.Context, st State) (State, error) {
		log = append(log, "agent")
		return st, nil
	})
	if _, err := handler(context.Background(), State{}); err != nil {
		t.Fatalf("handler: %v", err)
	}

	want := []string{"outer.before", "inner.before", "agent", "inner.after", "outer.after"}
	if len(log) != len(want) {
		t.Fatalf("got %v, want %v", log, want)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("step %d: got %q, want %q", i, log[i], want[i])
		}
	}
}

func TestChainAbsorbsErrors(t *testing.T) {
	mw := &failing{Core: NewCore("broken", nil), beforeErr: errors.New("boom")}
	handler := NewChain().Add(mw).Apply(passthroughAgent)

	out, err := handler(context.Background(), State{})
	if err != nil {
		t.Fatalf("error escaped enabled middleware: %v", err)
	}
	last, ok := out.LastMessage()
	if !ok {
		t.Fatal("expected fallback message appended")
	}
	if !strings.Contains(last.Content, "broken") {
		t.Fatalf("fallback message %q does not name the middleware", last.Content)
	}
	if got := mw.Stats().ErrorCount; got != 1 {
		t.Fatalf("error count = %d, want 1", got)
	}
}

func TestChainAbsorbsPanics(t *testing.T) {
	mw := &failing{Core: NewCore("panicky", nil), panicMsg: "nil deref"}
	handler := NewChain().Add(mw).Apply(passthroughAgent)

	out, err := handler(context.Background(), State{})
	if err != nil {
		t.Fatalf("panic escaped as error: %v", err)
	}
	last, ok := out.LastMessage()
	if !ok || !strings.Contains(last.Content, "panicky") {
		t.Fatalf("expected fallback message, got %v", last)
	}
}

func TestChainDisabledIsPassthrough(t *testing.T) {
	mw := &failing{Core: NewCore("broken", nil), beforeErr: errors.New("boom")}
	mw.SetEnabled(false)
	handler := NewChain().Add(mw).Apply(passthroughAgent)

	out, err := handler(context.Background(), State{StateTicker: "AAPL"})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if out.Ticker() != "AAPL" {
		t.Fatal("disabled middleware altered state")
	}
	if got := mw.Stats().CallCount; got != 0 {
		t.Fatalf("disabled middleware counted calls: %d", got)
	}
}

func TestChainApplySnapshot(t *testing.T) {
	var log []string
	chain := NewChain().Add(newRecorder("first", &log))
	handler := chain.Apply(passthroughAgent)

	chain.Add(newRecorder("second", &log))
	if _, err := handler(context.Background(), State{}); err != nil {
		t.Fatalf("handler: %v", err)
	}
	for _, step := range log {
		if strings.HasPrefix(step, "second.") {
			t.Fatalf("late-added middleware ran in old composition: %v", log)
		}
	}

	log = nil
	fresh := chain.Apply(passthroughAgent)
	if _, err := fresh(context.Background(), State{}); err != nil {
		t.Fatalf("fresh handler: %v", err)
	}
	if len(log) != 4 {
		t.Fatalf("re-applied chain ran %d hooks, want 4: %v", len(log), log)
	}
}

func TestChainApplyNilAgent(t *testing.T) {
	handler := NewChain().Apply(nil)
	if _, err := handler(context.Background(), State{}); !errors.Is(err, ErrMissingNext) {
		t.Fatalf("err = %v, want ErrMissingNext", err)
	}
}

func TestChainRemove(t *testing.T) {
	var log []string
	chain := NewChain().Add(newRecorder("a", &log)).Add(newRecorder("b", &log))
	if !chain.Remove("a") {
		t.Fatal("Remove returned false for existing middleware")
	}
	if chain.Remove("a") {
		t.Fatal("Remove returned true for missing middleware")
	}
	if chain.Len() != 1 {
		t.Fatalf("len = %d, want 1", chain.Len())
	}
}

func TestStatsZeroCalls(t *testing.T) {
	stats := NewCore("idle", nil).Stats()
	if stats.ErrorRate != 0 {
		t.Fatalf("error rate with zero calls = %v, want 0", stats.ErrorRate)
	}
	if !stats.Enabled {
		t.Fatal("new middleware should be enabled")
	}
}

func TestStateHelpers(t *testing.T) {
	st := State{}
	if _, ok := st.LastMessage(); ok {
		t.Fatal("empty state reported a last message")
	}
	st.AppendMessage(Message{Role: RoleUser, Content: "hi"})
	st.ReplaceLastMessage(Message{Role: RoleAssistant, Content: "hello"})
	last, ok := st.LastMessage()
	if !ok || last.Content != "hello" {
		t.Fatalf("last = %v", last)
	}
	if len(st.Messages()) != 1 {
		t.Fatalf("messages = %d, want 1", len(st.Messages()))
	}
}
