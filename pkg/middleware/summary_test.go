package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/godeps/tradingagents-go/pkg/summarize"
)

type stubSummarizer struct {
	summary string
	err     error
	calls   int
}

func (s *stubSummarizer) Summarize(_ context.Context, _ []summarize.Turn) (string, error) {
	s.calls++
	return s.summary, s.err
}

func conversation(n int) State {
	msgs := make([]Message, 0, n)
	for i := 0; i < n; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		msgs = append(msgs, Message{Role: role, Content: fmt.Sprintf("第 %d 轮讨论内容", i)})
	}
	return State{StateMessages: msgs}
}

func TestSummaryCompressesLongConversation(t *testing.T) {
	mw := NewSummary(nil)
	out, err := mw.Before(context.Background(), conversation(25))
	if err != nil {
		t.Fatalf("Before: %v", err)
	}

	msgs := out.Messages()
	if len(msgs) != DefaultKeepRecent+1 {
		t.Fatalf("len(messages) = %d, want %d", len(msgs), DefaultKeepRecent+1)
	}
	if msgs[0].Role != RoleSystem || !strings.Contains(msgs[0].Content, "历史对话总结") {
		t.Fatalf("first message is not the summary: %v", msgs[0])
	}
	if msgs[len(msgs)-1].Content != "第 24 轮讨论内容" {
		t.Fatalf("tail not preserved: %q", msgs[len(msgs)-1].Content)
	}
	if summarized, _ := out[StateSummarized].(bool); !summarized {
		t.Fatal("conversation_summarized flag not set")
	}
}

func TestSummaryNoopBelowLimit(t *testing.T) {
	mw := NewSummary(nil)
	st := conversation(4)
	out, err := mw.Before(context.Background(), st)
	if err != nil {
		t.Fatalf("Before: %v", err)
	}
	if len(out.Messages()) != 4 {
		t.Fatalf("short conversation was compressed to %d messages", len(out.Messages()))
	}
	if _, ok := out[StateSummarized]; ok {
		t.Fatal("flag set without compression")
	}
}

func TestSummaryAtExactLimitIsNoop(t *testing.T) {
	mw := NewSummary(nil)
	out, _ := mw.Before(context.Background(), conversation(DefaultMaxMessages))
	if len(out.Messages()) != DefaultMaxMessages {
		t.Fatalf("conversation at the limit was compressed to %d", len(out.Messages()))
	}
}

func TestSummaryFallsBackOnLLMError(t *testing.T) {
	stub := &stubSummarizer{err: errors.New("llm unavailable")}
	mw := NewSummary(nil, WithSummarizer(stub))
	out, err := mw.Before(context.Background(), conversation(25))
	if err != nil {
		t.Fatalf("Before: %v", err)
	}
	if stub.calls != 1 {
		t.Fatalf("summarizer called %d times, want 1", stub.calls)
	}
	msgs := out.Messages()
	// 朴素摘要逐条列出角色
	if !strings.Contains(msgs[0].Content, "**user**") {
		t.Fatalf("fallback summary missing: %q", msgs[0].Content)
	}
}

func TestSummaryUsesLLMResult(t *testing.T) {
	stub := &stubSummarizer{summary: "多轮讨论后建议买入，置信度 0.8"}
	mw := NewSummary(nil, WithSummarizer(stub))
	out, _ := mw.Before(context.Background(), conversation(25))
	if !strings.Contains(out.Messages()[0].Content, "建议买入") {
		t.Fatalf("LLM summary not used: %q", out.Messages()[0].Content)
	}
}

func TestSummaryStableAfterCompression(t *testing.T) {
	mw := NewSummary(nil, WithMaxMessages(10), WithKeepRecent(3))
	out, _ := mw.Before(context.Background(), conversation(15))
	first := len(out.Messages())

	again, _ := mw.Before(context.Background(), out)
	if len(again.Messages()) != first {
		t.Fatalf("second pass changed message count: %d -> %d", first, len(again.Messages()))
	}
}

func TestNaiveSummaryFormat(t *testing.T) {
	naive := &summarize.Naive{MaxPreview: 5}
	got, err := naive.Summarize(context.Background(), []summarize.Turn{
		{Role: "user", Content: "这是一条很长的消息内容"},
	})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	want := "1. **user**: 这是一条很...\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := summarize.EstimateTokens("abcd"); got != 6 {
		t.Fatalf("EstimateTokens(abcd) = %d, want 6", got)
	}
	if got := summarize.EstimateTokens(""); got != 0 {
		t.Fatalf("EstimateTokens empty = %d, want 0", got)
	}
}
