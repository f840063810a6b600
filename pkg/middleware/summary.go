package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/godeps/tradingagents-go/pkg/summarize"
)

// 摘要压缩的默认参数
const (
	DefaultMaxMessages = 20
	DefaultKeepRecent  = 5
)

// SummaryMiddleware 在 agent 执行前检查对话长度，超限时将较早的
// 消息压缩为一条系统摘要消息，仅保留最近若干轮完整内容。
type SummaryMiddleware struct {
	*Core

	maxMessages int
	keepRecent  int
	summarizer  summarize.Summarizer
	fallback    summarize.Summarizer

	summaries   atomic.Int64
	tokensSaved atomic.Int64
}

// SummaryOption 配置 SummaryMiddleware
type SummaryOption func(*SummaryMiddleware)

// WithMaxMessages 设置触发压缩的消息数上限。
func WithMaxMessages(n int) SummaryOption {
	return func(m *SummaryMiddleware) {
		if n > 0 {
			m.maxMessages = n
		}
	}
}

// WithKeepRecent 设置压缩后保留的最近消息数。
func WithKeepRecent(n int) SummaryOption {
	return func(m *SummaryMiddleware) {
		if n > 0 {
			m.keepRecent = n
		}
	}
}

// WithSummarizer 设置摘要生成器；未设置或生成失败时退回朴素摘要。
func WithSummarizer(s summarize.Summarizer) SummaryOption {
	return func(m *SummaryMiddleware) { m.summarizer = s }
}

func NewSummary(logger *slog.Logger, opts ...SummaryOption) *SummaryMiddleware {
	m := &SummaryMiddleware{
		Core:        NewCore("conversation_summary", logger),
		maxMessages: DefaultMaxMessages,
		keepRecent:  DefaultKeepRecent,
		fallback:    &summarize.Naive{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Before 必要时压缩历史消息。
func (m *SummaryMiddleware) Before(ctx context.Context, st State) (State, error) {
	msgs := st.Messages()
	if len(msgs) <= m.maxMessages || len(msgs) <= m.keepRecent {
		return st, nil
	}

	head := msgs[:len(msgs)-m.keepRecent]
	tail := msgs[len(msgs)-m.keepRecent:]

	summary := m.summarizeTurns(ctx, head)
	beforeTokens := estimateMessages(head)
	afterTokens := summarize.EstimateTokens(summary)
	saved := beforeTokens - afterTokens
	if saved < 0 {
		saved = 0
	}
	m.summaries.Add(1)
	m.tokensSaved.Add(int64(saved))

	m.log().InfoContext(ctx, "压缩历史对话",
		"original_messages", len(msgs),
		"compressed_messages", len(head),
		"kept_messages", len(tail),
		"tokens_saved", saved,
	)

	compressed := make([]Message, 0, m.keepRecent+1)
	compressed = append(compressed, Message{
		Role:    RoleSystem,
		Content: summaryBanner(len(head), summary),
	})
	compressed = append(compressed, tail...)
	st.SetMessages(compressed)
	st[StateSummarized] = true
	return st, nil
}

// Stats 附加摘要计数。
func (m *SummaryMiddleware) Stats() Stats {
	count := m.summaries.Load()
	saved := m.tokensSaved.Load()
	return m.statsWith(map[string]any{
		"summarize_count":              count,
		"total_tokens_saved":           saved,
		"avg_tokens_saved_per_summary": ratio(saved, count),
	})
}

func (m *SummaryMiddleware) summarizeTurns(ctx context.Context, msgs []Message) string {
	turns := make([]summarize.Turn, 0, len(msgs))
	for _, msg := range msgs {
		turns = append(turns, summarize.Turn{Role: msg.Role, Content: msg.Content})
	}

	if m.summarizer != nil {
		summary, err := m.summarizer.Summarize(ctx, turns)
		if err == nil && summary != "" {
			return summary
		}
		if err != nil {
			m.log().WarnContext(ctx, "LLM 摘要失败，退回朴素摘要", "error", err)
		}
	}
	summary, _ := m.fallback.Summarize(ctx, turns)
	return summary
}

func estimateMessages(msgs []Message) int {
	total := 0
	for _, msg := range msgs {
		total += summarize.EstimateTokens(msg.Content)
	}
	return total
}

func summaryBanner(compressed int, summary string) string {
	return fmt.Sprintf(`## 📝 历史对话总结

以下是此前 %d 条消息的要点总结（生成于 %s）：

%s`, compressed, time.Now().Format("2006-01-02 15:04:05"), summary)
}
